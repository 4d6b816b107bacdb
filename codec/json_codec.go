package codec

import (
	"encoding/json"

	"peer-rpc/rpcerr"
)

// JSONCodec is the text codec. Only exported fields are carried and values
// decoded into interfaces lose their concrete Go type.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, rpcerr.Wrapf(rpcerr.ErrSerialization, "json encode: %v", err)
	}
	return data, nil
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return rpcerr.Wrapf(rpcerr.ErrSerialization, "json decode: %v", err)
	}
	return nil
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
