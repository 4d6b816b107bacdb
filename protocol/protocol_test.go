package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"peer-rpc/codec"
	"peer-rpc/message"
	"peer-rpc/rpcerr"
)

func TestEncodeDecode(t *testing.T) {
	c := &codec.JSONCodec{}
	req := &message.Request{
		RequestID:      "r-1",
		ServiceName:    "echo",
		Parameters:     [][]byte{[]byte(`"hi"`)},
		ParameterTypes: []string{"string"},
	}

	var buf bytes.Buffer
	if err := Write(&buf, req, c); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	raw := buf.Bytes()
	if !bytes.Equal(raw[:MagicSize], Magic[:]) {
		t.Errorf("magic mismatch: %x", raw[:MagicSize])
	}
	if raw[8] != byte(codec.CodecTypeJSON) || raw[9] != byte(message.TypeRequest) {
		t.Errorf("header mismatch: codec=%d type=%d", raw[8], raw[9])
	}
	if got := int(binary.BigEndian.Uint32(raw[10:14])); got != len(raw)-HeaderSize {
		t.Errorf("bodyLen = %d, want %d", got, len(raw)-HeaderSize)
	}

	frame, err := ReadFrame(&buf, MaxFrameLength)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	msg, err := Decode(frame, c)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	got, ok := msg.(*message.Request)
	if !ok {
		t.Fatalf("decoded %T, want *message.Request", msg)
	}
	if got.RequestID != "r-1" || got.ServiceName != "echo" || got.ParameterTypes[0] != "string" {
		t.Errorf("request mismatch: %v", got)
	}
}

func TestDecodeHeartbeat(t *testing.T) {
	for _, ct := range []codec.CodecType{codec.CodecTypeGob, codec.CodecTypeJSON, codec.CodecTypeMsgpack, codec.CodecTypeProtobuf} {
		c, _ := codec.New(ct)
		frame, err := Encode(message.Beat, c)
		if err != nil {
			t.Fatalf("%v Encode failed: %v", ct, err)
		}
		msg, err := Decode(frame, c)
		if err != nil {
			t.Fatalf("%v Decode failed: %v", ct, err)
		}
		if msg != message.Message(message.Beat) {
			t.Errorf("%v decoded %v, want the heartbeat singleton", ct, msg)
		}
	}
}

func validFrame(t *testing.T) []byte {
	t.Helper()
	frame, err := Encode(message.Success("x", []byte("1")), &codec.JSONCodec{})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	return frame
}

func TestDecodeRejects(t *testing.T) {
	c := &codec.JSONCodec{}
	cases := map[string]func([]byte) []byte{
		"bad magic": func(f []byte) []byte {
			f[3] = 9
			return f
		},
		"codec mismatch": func(f []byte) []byte {
			f[8] = byte(codec.CodecTypeMsgpack)
			return f
		},
		"unknown type": func(f []byte) []byte {
			f[9] = 7
			return f
		},
		"zero length": func(f []byte) []byte {
			binary.BigEndian.PutUint32(f[10:14], 0)
			return f
		},
		"negative length": func(f []byte) []byte {
			binary.BigEndian.PutUint32(f[10:14], 0x80000000)
			return f
		},
		"length mismatch": func(f []byte) []byte {
			return f[:len(f)-1]
		},
	}
	for name, mutate := range cases {
		msg, err := Decode(mutate(validFrame(t)), c)
		if err == nil {
			t.Errorf("%s: expected error, got %v", name, msg)
			continue
		}
		if !errors.Is(err, rpcerr.ErrProtocol) {
			t.Errorf("%s: error %v is not ErrProtocol", name, err)
		}
		if msg != nil {
			t.Errorf("%s: partial message returned", name)
		}
	}
}

func TestDecodeBadBody(t *testing.T) {
	c := &codec.JSONCodec{}
	body := []byte("{not json")
	frame := make([]byte, HeaderSize+len(body))
	copy(frame, Magic[:])
	frame[8] = byte(codec.CodecTypeJSON)
	frame[9] = byte(message.TypeRequest)
	binary.BigEndian.PutUint32(frame[10:14], uint32(len(body)))
	copy(frame[HeaderSize:], body)

	msg, err := Decode(frame, c)
	if !errors.Is(err, rpcerr.ErrSerialization) {
		t.Fatalf("expected ErrSerialization, got %v", err)
	}
	if errors.Is(err, rpcerr.ErrProtocol) {
		t.Errorf("well-formed frame reported as ErrProtocol: %v", err)
	}
	if msg != nil {
		t.Errorf("partial message returned: %v", msg)
	}
}

func TestReadFrameOversized(t *testing.T) {
	header := make([]byte, HeaderSize)
	copy(header, Magic[:])
	header[9] = byte(message.TypeRequest)
	binary.BigEndian.PutUint32(header[10:14], 1<<30)

	_, err := ReadFrame(bytes.NewReader(header), MaxFrameLength)
	if !errors.Is(err, rpcerr.ErrProtocol) {
		t.Fatalf("expected ErrProtocol for oversized frame, got %v", err)
	}
}

func TestReadFrameTruncated(t *testing.T) {
	frame := validFrame(t)
	_, err := ReadFrame(bytes.NewReader(frame[:len(frame)-2]), MaxFrameLength)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected io.ErrUnexpectedEOF, got %v", err)
	}
}

func TestReadFrameSplitStream(t *testing.T) {
	// Two frames back to back must come out one at a time.
	var buf bytes.Buffer
	a := validFrame(t)
	b, _ := Encode(message.Beat, &codec.JSONCodec{})
	buf.Write(a)
	buf.Write(b)

	first, err := ReadFrame(&buf, MaxFrameLength)
	if err != nil || !bytes.Equal(first, a) {
		t.Fatalf("first frame mismatch: %v", err)
	}
	second, err := ReadFrame(&buf, MaxFrameLength)
	if err != nil || !bytes.Equal(second, b) {
		t.Fatalf("second frame mismatch: %v", err)
	}
}

func TestEncodeTooLarge(t *testing.T) {
	req := &message.Request{RequestID: "big", Parameters: [][]byte{make([]byte, MaxFrameLength)}}
	if _, err := Encode(req, &codec.MsgpackCodec{}); !errors.Is(err, rpcerr.ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}
