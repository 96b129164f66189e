package pirate

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"
)

const (
	// MaxFrameSize bounds a single encoded frame
	MaxFrameSize = 16 << 20

	defaultWriteTimeout = 5 * time.Second
)

// ErrFrameTooLarge is returned when a peer announces an oversized frame
var ErrFrameTooLarge = errors.New("frame too large")

// DialFunc opens a stream connection to an endpoint
type DialFunc func(ctx context.Context, endpoint string) (net.Conn, error)

// ParseEndpoint maps an endpoint URL to a network and address.
// "tcp://host:port" dials TCP, "ipc://path" a Unix domain socket.
func ParseEndpoint(endpoint string) (network, address string, err error) {
	scheme, rest, ok := strings.Cut(endpoint, "://")
	if !ok || rest == "" {
		return "", "", fmt.Errorf("invalid endpoint %q", endpoint)
	}
	switch scheme {
	case "tcp":
		return "tcp", rest, nil
	case "ipc", "unix":
		return "unix", rest, nil
	default:
		return "", "", fmt.Errorf("unsupported endpoint scheme %q", scheme)
	}
}

// DefaultDial dials endpoint with a net.Dialer
func DefaultDial(ctx context.Context, endpoint string) (net.Conn, error) {
	network, address, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	var d net.Dialer
	return d.DialContext(ctx, network, address)
}

// Conn carries length-prefixed frames: [4-byte big-endian length][msgpack frame]
type Conn struct {
	raw          net.Conn
	reader       *bufio.Reader
	writeTimeout time.Duration

	wmu       sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// NewConn wraps a stream connection
func NewConn(raw net.Conn) *Conn {
	return &Conn{
		raw:          raw,
		reader:       bufio.NewReader(raw),
		writeTimeout: defaultWriteTimeout,
		closed:       make(chan struct{}),
	}
}

// Send writes one frame
func (c *Conn) Send(f *Frame) error {
	data, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	if len(data) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}

	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if _, err := c.raw.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Receive reads one frame, blocking until it arrives
func (c *Conn) Receive() (*Frame, error) {
	var header [4]byte
	if _, err := io.ReadFull(c.reader, header[:]); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(c.reader, buf); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return DecodeFrame(buf)
}

// Frames starts a reader goroutine and returns its output.
// The channel is closed when the connection fails or is closed.
func (c *Conn) Frames(buffer int) <-chan *Frame {
	out := make(chan *Frame, buffer)
	go func() {
		defer close(out)
		for {
			f, err := c.Receive()
			if err != nil {
				return
			}
			select {
			case out <- f:
			case <-c.closed:
				return
			}
		}
	}()
	return out
}

// Close closes the underlying connection once
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.raw.Close()
	})
	return err
}

// Done is closed once Close has been called
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// RemoteAddr returns the peer address
func (c *Conn) RemoteAddr() string {
	if addr := c.raw.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
