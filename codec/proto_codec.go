package codec

import (
	"fmt"
	"reflect"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"

	"peer-rpc/message"
	"peer-rpc/rpcerr"
)

// ProtoCodec is the schema-based codec.
//
// The runtime messages are written field by field in protobuf wire format:
//
//	Request:   1 requestId, 2 serviceName, 3 parameters (repeated), 4 parameterTypes (repeated)
//	Response:  1 requestId, 2 status (varint), 3 message, 4 data
//	Heartbeat: 1 marker (varint)
//
// Anything else must be a proto.Message.
type ProtoCodec struct{}

const (
	fieldID     protowire.Number = 1
	fieldSecond protowire.Number = 2
	fieldThird  protowire.Number = 3
	fieldFourth protowire.Number = 4
)

func (c *ProtoCodec) Encode(v any) ([]byte, error) {
	switch m := v.(type) {
	case *message.Request:
		return encodeRequest(m), nil
	case *message.Response:
		return encodeResponse(m), nil
	case *message.Heartbeat:
		// An empty body is not a valid frame, so the heartbeat carries a marker.
		b := protowire.AppendTag(nil, fieldID, protowire.VarintType)
		return protowire.AppendVarint(b, 1), nil
	case proto.Message:
		data, err := proto.Marshal(m)
		if err != nil {
			return nil, rpcerr.Wrapf(rpcerr.ErrSerialization, "protobuf encode: %v", err)
		}
		return data, nil
	}
	return nil, rpcerr.Wrapf(rpcerr.ErrSerialization, "protobuf encode: %T is not a proto.Message", v)
}

func (c *ProtoCodec) Decode(data []byte, v any) error {
	var err error
	switch m := v.(type) {
	case *message.Request:
		err = decodeRequest(data, m)
	case *message.Response:
		err = decodeResponse(data, m)
	case *message.Heartbeat:
		err = skipFields(data)
	case proto.Message:
		err = proto.Unmarshal(data, m)
	default:
		err = decodeIndirect(data, v)
	}
	if err != nil {
		return rpcerr.Wrapf(rpcerr.ErrSerialization, "protobuf decode: %v", err)
	}
	return nil
}

func (c *ProtoCodec) Type() CodecType {
	return CodecTypeProtobuf
}

// decodeIndirect handles a **T target where *T is a proto.Message.
func decodeIndirect(data []byte, v any) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Pointer {
		return fmt.Errorf("%T is not a proto.Message", v)
	}
	elem := reflect.New(rv.Elem().Type().Elem())
	pm, ok := elem.Interface().(proto.Message)
	if !ok {
		return fmt.Errorf("%T is not a proto.Message", v)
	}
	if err := proto.Unmarshal(data, pm); err != nil {
		return err
	}
	rv.Elem().Set(elem)
	return nil
}

func encodeRequest(r *message.Request) []byte {
	var b []byte
	b = appendString(b, fieldID, r.RequestID)
	b = appendString(b, fieldSecond, r.ServiceName)
	for _, p := range r.Parameters {
		b = protowire.AppendTag(b, fieldThird, protowire.BytesType)
		b = protowire.AppendBytes(b, p)
	}
	for _, t := range r.ParameterTypes {
		b = protowire.AppendTag(b, fieldFourth, protowire.BytesType)
		b = protowire.AppendString(b, t)
	}
	return b
}

func encodeResponse(r *message.Response) []byte {
	var b []byte
	b = appendString(b, fieldID, r.RequestID)
	if r.Status != 0 {
		b = protowire.AppendTag(b, fieldSecond, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.Status))
	}
	b = appendString(b, fieldThird, r.Message)
	if len(r.Data) > 0 {
		b = protowire.AppendTag(b, fieldFourth, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Data)
	}
	if len(b) == 0 {
		// Keep the body non-empty for a zero response.
		b = protowire.AppendTag(b, fieldSecond, protowire.VarintType)
		b = protowire.AppendVarint(b, 0)
	}
	return b
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func decodeRequest(data []byte, r *message.Request) error {
	*r = message.Request{}
	return walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldID && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			r.RequestID = s
			return n, nil
		case num == fieldSecond && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			r.ServiceName = s
			return n, nil
		case num == fieldThird && typ == protowire.BytesType:
			p, n := protowire.ConsumeBytes(b)
			if n >= 0 {
				r.Parameters = append(r.Parameters, append([]byte{}, p...))
			}
			return n, nil
		case num == fieldFourth && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			r.ParameterTypes = append(r.ParameterTypes, s)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

func decodeResponse(data []byte, r *message.Response) error {
	*r = message.Response{}
	return walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldID && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			r.RequestID = s
			return n, nil
		case num == fieldSecond && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if v > 0xff {
				return n, fmt.Errorf("status %d out of range", v)
			}
			r.Status = message.Status(v)
			return n, nil
		case num == fieldThird && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			r.Message = s
			return n, nil
		case num == fieldFourth && typ == protowire.BytesType:
			p, n := protowire.ConsumeBytes(b)
			if n >= 0 {
				r.Data = append([]byte{}, p...)
			}
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

func skipFields(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

// walkFields calls fn for every field of data. fn returns the number of value
// bytes it consumed, negative on a malformed value.
func walkFields(data []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		m, err := fn(num, typ, data)
		if err != nil {
			return err
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		data = data[m:]
	}
	return nil
}
