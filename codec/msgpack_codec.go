package codec

import (
	"github.com/vmihailenco/msgpack/v5"

	"peer-rpc/rpcerr"
)

// MsgpackCodec is the binary object-graph codec.
// Smaller and faster than JSON, still schemaless.
type MsgpackCodec struct{}

func (c *MsgpackCodec) Encode(v any) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, rpcerr.Wrapf(rpcerr.ErrSerialization, "msgpack encode: %v", err)
	}
	return data, nil
}

func (c *MsgpackCodec) Decode(data []byte, v any) error {
	if err := msgpack.Unmarshal(data, v); err != nil {
		return rpcerr.Wrapf(rpcerr.ErrSerialization, "msgpack decode: %v", err)
	}
	return nil
}

func (c *MsgpackCodec) Type() CodecType {
	return CodecTypeMsgpack
}
