package codec

import (
	"bytes"
	"encoding/gob"

	"peer-rpc/rpcerr"
)

// GobCodec is the default object-graph codec.
// Each call uses its own encoder, so every body carries its own type
// descriptors and can be decoded without stream state.
type GobCodec struct{}

func (c *GobCodec) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, rpcerr.Wrapf(rpcerr.ErrSerialization, "gob encode: %v", err)
	}
	return buf.Bytes(), nil
}

func (c *GobCodec) Decode(data []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return rpcerr.Wrapf(rpcerr.ErrSerialization, "gob decode: %v", err)
	}
	return nil
}

func (c *GobCodec) Type() CodecType {
	return CodecTypeGob
}
