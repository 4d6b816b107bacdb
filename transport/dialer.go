package transport

import (
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"peer-rpc/codec"
	"peer-rpc/protocol"
	"peer-rpc/rpcerr"
)

const (
	DefaultConnectTimeout    = 500 * time.Millisecond
	DefaultRequestTimeout    = 500 * time.Millisecond
	DefaultHeartbeatInterval = 60 * time.Second
)

// Dialer creates Transporters. The zero value is usable.
type Dialer struct {
	Codec             codec.CodecType
	ConnectTimeout    time.Duration
	RequestTimeout    time.Duration
	HeartbeatInterval time.Duration // Negative disables client heartbeats
	MaxFrameLength    int
	Logger            *zap.Logger

	// OnInactive runs once when a Transporter closes, before its pending
	// futures are cancelled.
	OnInactive func(*Transporter)
}

// CreateConnection dials host:port.
func (d *Dialer) CreateConnection(host string, port int) (*Transporter, error) {
	return d.Dial(net.JoinHostPort(host, strconv.Itoa(port)))
}

// Dial connects to address and starts the read and heartbeat loops.
func (d *Dialer) Dial(address string) (*Transporter, error) {
	timeout := d.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	conn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return nil, rpcerr.Wrapf(rpcerr.ErrConnectionUnavailable, "dial %s: %v", address, err)
	}
	return newTransporter(address, conn, d), nil
}

// NewTransporter takes ownership of an established connection.
func (d *Dialer) NewTransporter(conn net.Conn) *Transporter {
	return newTransporter(conn.RemoteAddr().String(), conn, d)
}

func (d *Dialer) newCodec() codec.Codec {
	c, err := codec.New(d.Codec)
	if err != nil {
		d.logger().Warn("unknown codec, using default", zap.Stringer("codec", d.Codec))
		c, _ = codec.New(codec.CodecTypeGob)
	}
	return c
}

func (d *Dialer) requestTimeout() time.Duration {
	if d.RequestTimeout <= 0 {
		return DefaultRequestTimeout
	}
	return d.RequestTimeout
}

func (d *Dialer) heartbeatInterval() time.Duration {
	if d.HeartbeatInterval == 0 {
		return DefaultHeartbeatInterval
	}
	return d.HeartbeatInterval
}

func (d *Dialer) maxFrameLength() int {
	if d.MaxFrameLength <= 0 {
		return protocol.MaxFrameLength
	}
	return d.MaxFrameLength
}

func (d *Dialer) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}
