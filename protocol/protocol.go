// Package protocol implements the binary frame protocol of the runtime.
//
// It solves TCP's sticky packet problem by using a fixed-size 14-byte header
// followed by a variable-length body. The receiver reads the header first to
// determine the body length, then reads exactly that many bytes.
//
// Frame format:
//
//	0                8  9  10        14
//	┌────────────────┬──┬──┬─────────┬───────────────┐
//	│     magic      │sc│mt│ bodyLen │    body ...   │
//	│ 0 5 1 2 5 3 5 1│  │  │ int32   │ bodyLen bytes │
//	└────────────────┴──┴──┴─────────┴───────────────┘
//
// sc is the serializer code, mt the message type. bodyLen is big-endian,
// read as a signed value and must be positive.
package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"peer-rpc/codec"
	"peer-rpc/message"
	"peer-rpc/rpcerr"
)

// Magic identifies a frame of this protocol. Anything else closes the channel.
var Magic = [8]byte{0, 5, 1, 2, 5, 3, 5, 1}

const (
	MagicSize  = 8
	HeaderSize = 14 // 8 (magic) + 1 (codec) + 1 (msgType) + 4 (bodyLen)

	// MaxFrameLength bounds header + body.
	MaxFrameLength = 1 << 16
)

// Header represents the fixed 14-byte frame header.
type Header struct {
	CodecType codec.CodecType
	MsgType   message.Type
	BodyLen   int32
}

// ParseHeader validates the magic and the body length of a raw header.
// It does not look at the codec or message type.
func ParseHeader(buf []byte, maxFrame int) (*Header, error) {
	if len(buf) < HeaderSize {
		return nil, rpcerr.Wrapf(rpcerr.ErrProtocol, "short header: %d bytes", len(buf))
	}
	if !bytes.Equal(buf[:MagicSize], Magic[:]) {
		return nil, rpcerr.Wrapf(rpcerr.ErrProtocol, "invalid magic number: %x", buf[:MagicSize])
	}
	bodyLen := int32(binary.BigEndian.Uint32(buf[10:14]))
	if bodyLen <= 0 {
		return nil, rpcerr.Wrapf(rpcerr.ErrProtocol, "invalid body length: %d", bodyLen)
	}
	if maxFrame > 0 && HeaderSize+int(bodyLen) > maxFrame {
		return nil, rpcerr.Wrapf(rpcerr.ErrProtocol, "frame of %d bytes exceeds limit %d", HeaderSize+int(bodyLen), maxFrame)
	}
	return &Header{
		CodecType: codec.CodecType(buf[8]),
		MsgType:   message.Type(buf[9]),
		BodyLen:   bodyLen,
	}, nil
}

// Encode serializes msg with c and returns the complete frame.
func Encode(msg message.Message, c codec.Codec) ([]byte, error) {
	body, err := c.Encode(msg)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, rpcerr.Wrapf(rpcerr.ErrProtocol, "empty body for %v", msg.Type())
	}
	if HeaderSize+len(body) > MaxFrameLength {
		return nil, rpcerr.Wrapf(rpcerr.ErrProtocol, "frame of %d bytes exceeds limit %d", HeaderSize+len(body), MaxFrameLength)
	}

	frame := make([]byte, HeaderSize+len(body))
	copy(frame[:MagicSize], Magic[:])
	frame[8] = byte(c.Type())
	frame[9] = byte(msg.Type())
	binary.BigEndian.PutUint32(frame[10:14], uint32(len(body)))
	copy(frame[HeaderSize:], body)
	return frame, nil
}

// Write encodes msg and writes it to w as one frame.
// The caller must hold a write lock if multiple goroutines share the same writer,
// otherwise frames from different requests will interleave and corrupt the stream.
func Write(w io.Writer, msg message.Message, c codec.Codec) error {
	frame, err := Encode(msg, c)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// ReadFrame reads exactly one frame from r.
// The length is validated before the body is allocated, so a hostile length
// never causes a large allocation. I/O errors are returned as is.
func ReadFrame(r io.Reader, maxFrame int) ([]byte, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	h, err := ParseHeader(header, maxFrame)
	if err != nil {
		return nil, err
	}

	frame := make([]byte, HeaderSize+int(h.BodyLen))
	copy(frame, header)
	if _, err := io.ReadFull(r, frame[HeaderSize:]); err != nil {
		return nil, err
	}
	return frame, nil
}

// Decode turns one complete frame into its message. A bad frame is an
// ErrProtocol, a body the codec cannot read is an ErrSerialization. Nothing
// is returned with an error.
func Decode(frame []byte, c codec.Codec) (message.Message, error) {
	h, err := ParseHeader(frame, 0)
	if err != nil {
		return nil, err
	}
	if h.CodecType != c.Type() {
		return nil, rpcerr.Wrapf(rpcerr.ErrProtocol, "serializer code %d does not match channel codec %v", byte(h.CodecType), c.Type())
	}
	if int(h.BodyLen) != len(frame)-HeaderSize {
		return nil, rpcerr.Wrapf(rpcerr.ErrProtocol, "body length %d does not match frame body of %d bytes", h.BodyLen, len(frame)-HeaderSize)
	}
	msg, ok := message.New(h.MsgType)
	if !ok {
		return nil, rpcerr.Wrapf(rpcerr.ErrProtocol, "unsupported message type: %d", byte(h.MsgType))
	}
	if err := c.Decode(frame[HeaderSize:], msg); err != nil {
		return nil, fmt.Errorf("decode %v body: %w", h.MsgType, err)
	}
	return msg, nil
}
