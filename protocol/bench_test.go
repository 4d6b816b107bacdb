package protocol

import (
	"testing"

	"peer-rpc/codec"
	"peer-rpc/message"
)

// 纯编解码，不走网络
func BenchmarkFrameRoundTrip(b *testing.B) {
	req := &message.Request{
		RequestID:      "0b6f5a8e-6a77-4c1e-9d3c-2f1f0c0f4a11",
		ServiceName:    "Arith.Add",
		ParameterTypes: []string{"int", "int"},
		Parameters:     [][]byte{{1}, {2}},
	}
	for _, ct := range []codec.CodecType{codec.CodecTypeGob, codec.CodecTypeJSON, codec.CodecTypeMsgpack, codec.CodecTypeProtobuf} {
		c, err := codec.New(ct)
		if err != nil {
			b.Fatal(err)
		}
		b.Run(ct.String(), func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				frame, err := Encode(req, c)
				if err != nil {
					b.Fatal(err)
				}
				if _, err := Decode(frame, c); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
