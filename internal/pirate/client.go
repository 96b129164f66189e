package pirate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultRequestTimeout is how long a client waits for each reply
	DefaultRequestTimeout = 2500 * time.Millisecond
	// DefaultRequestRetries is the number of sends before a request is abandoned
	DefaultRequestRetries = 3
)

// ErrNoReply means every attempt timed out. The request may or may not
// have been executed.
var ErrNoReply = errors.New("no reply from queue")

var (
	errReplyTimeout   = errors.New("reply timed out")
	errConnectionLost = errors.New("connection lost")
)

// RequestError reports an abandoned request
type RequestError struct {
	Sequence uint64
	Attempts int
	Err      error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request %d abandoned after %d attempts: %v", e.Sequence, e.Attempts, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrNoReply) match
func (e *RequestError) Is(target error) bool {
	return target == ErrNoReply
}

// ClientConfig holds client link configuration
type ClientConfig struct {
	Logger   *slog.Logger
	Endpoint string
	Dial     DialFunc
}

// Client submits requests to the broker and waits for the matching reply.
// A timed-out attempt closes the connection and resends the same request
// with the same sequence number on a fresh one.
type Client struct {
	logger   *slog.Logger
	endpoint string
	dial     DialFunc

	mu       sync.Mutex
	sequence uint64
	conn     *Conn
	frames   <-chan *Frame
}

// NewClient creates a client link; the connection is opened on first use
func NewClient(cfg *ClientConfig) (*Client, error) {
	if _, _, err := ParseEndpoint(cfg.Endpoint); err != nil {
		return nil, err
	}

	c := &Client{
		logger:   cfg.Logger,
		endpoint: cfg.Endpoint,
		dial:     cfg.Dial,
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.dial == nil {
		c.dial = DefaultDial
	}
	return c, nil
}

// Request sends payload and returns the reply payload. Each attempt
// waits up to timeout; after retries attempts it returns an error
// matching ErrNoReply. Replies carrying an older sequence number are
// discarded without restarting the wait.
func (c *Client) Request(ctx context.Context, payload []byte, timeout time.Duration, retries int) ([]byte, error) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	if retries <= 0 {
		retries = DefaultRequestRetries
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.sequence++
	seq := c.sequence

	var lastErr error
	attempts := 0
	for left := retries; left > 0; left-- {
		if c.conn == nil {
			if err := c.connect(ctx); err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				lastErr = err
				c.logger.Warn("Cannot reach queue",
					slog.Uint64("sequence", seq),
					slog.Int("retries_left", left-1),
					slog.String("error", err.Error()),
				)
				if left > 1 {
					if err := sleepContext(ctx, timeout); err != nil {
						return nil, err
					}
				}
				continue
			}
		}

		attempts++
		if err := c.conn.Send(&Frame{Kind: KindRequest, Sequence: seq, Payload: payload}); err != nil {
			lastErr = err
			c.closeConn()
			c.logger.Warn("Failed to send request", slog.Uint64("sequence", seq), slog.String("error", err.Error()))
			continue
		}

		reply, err := c.await(ctx, seq, timeout)
		if err == nil {
			return reply, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err
		c.closeConn()
		if left > 1 {
			c.logger.Warn("No response from queue, retrying",
				slog.Uint64("sequence", seq),
				slog.Int("retries_left", left-1),
			)
		}
	}

	c.logger.Error("Queue seems to be offline, abandoning", slog.Uint64("sequence", seq))
	return nil, &RequestError{Sequence: seq, Attempts: attempts, Err: lastErr}
}

func (c *Client) await(ctx context.Context, seq uint64, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, errReplyTimeout
		case f, ok := <-c.frames:
			if !ok {
				return nil, errConnectionLost
			}
			if f.Kind != KindReply {
				c.logger.Warn("Ignoring unexpected frame", slog.String("kind", f.Kind.String()))
				continue
			}
			if f.Sequence != seq {
				c.logger.Warn("Discarding stale reply",
					slog.Uint64("expected", seq),
					slog.Uint64("received", f.Sequence),
				)
				continue
			}
			return f.Payload, nil
		}
	}
}

func (c *Client) connect(ctx context.Context) error {
	raw, err := c.dial(ctx, c.endpoint)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.endpoint, err)
	}
	c.conn = NewConn(raw)
	c.frames = c.conn.Frames(4)
	c.logger.Debug("Connected to queue", slog.String("endpoint", c.endpoint))
	return nil
}

func (c *Client) closeConn() {
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = nil
	c.frames = nil
}

// Close closes the current connection, if any
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeConn()
	return nil
}
