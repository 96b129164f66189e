package pirate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

const (
	// DefaultReconnectInitial is the first pause before reconnecting a dead link
	DefaultReconnectInitial = time.Second
	// DefaultReconnectMax caps the reconnect pause
	DefaultReconnectMax = 32 * time.Second
)

// ErrNotConnected is returned when sending on a link without a live connection
var ErrNotConnected = errors.New("not connected to queue")

// WorkerConfig holds worker link configuration
type WorkerConfig struct {
	Logger            *slog.Logger
	Endpoint          string
	HeartbeatInterval time.Duration
	Liveness          int
	ReconnectInitial  time.Duration
	ReconnectMax      time.Duration
	Dial              DialFunc
}

// WorkerLink is a worker's heartbeat-monitored connection to the broker.
// A link that stays silent for Liveness intervals is torn down and rebuilt
// under a fresh identity after an exponentially growing pause.
type WorkerLink struct {
	logger   *slog.Logger
	endpoint string
	interval time.Duration
	dial     DialFunc

	liveness    *Liveness
	reconnect   *backoff.ExponentialBackOff
	conn        *Conn
	frames      <-chan *Frame
	identity    string
	heartbeatAt time.Time

	sleep func(ctx context.Context, d time.Duration) error
}

// ConnectWorker opens a worker link and announces READY. If the broker is
// unreachable the link starts dead and Poll keeps trying to reconnect.
func ConnectWorker(ctx context.Context, cfg *WorkerConfig) (*WorkerLink, error) {
	w, err := newWorkerLink(cfg)
	if err != nil {
		return nil, err
	}
	if err := w.start(ctx); err != nil {
		return nil, err
	}
	return w, nil
}

func newWorkerLink(cfg *WorkerConfig) (*WorkerLink, error) {
	if _, _, err := ParseEndpoint(cfg.Endpoint); err != nil {
		return nil, err
	}

	w := &WorkerLink{
		logger:   cfg.Logger,
		endpoint: cfg.Endpoint,
		interval: cfg.HeartbeatInterval,
		dial:     cfg.Dial,
		sleep:    sleepContext,
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	if w.interval <= 0 {
		w.interval = DefaultHeartbeatInterval
	}
	if w.dial == nil {
		w.dial = DefaultDial
	}

	liveness := cfg.Liveness
	if liveness <= 0 {
		liveness = DefaultLiveness
	}
	w.liveness = NewLiveness(liveness)

	initial, ceiling := cfg.ReconnectInitial, cfg.ReconnectMax
	if initial <= 0 {
		initial = DefaultReconnectInitial
	}
	if ceiling < initial {
		ceiling = max(DefaultReconnectMax, initial)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initial
	bo.MaxInterval = ceiling
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()
	w.reconnect = bo

	return w, nil
}

func (w *WorkerLink) start(ctx context.Context) error {
	if err := w.connect(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.logger.Warn("Queue unreachable, will retry",
			slog.String("endpoint", w.endpoint),
			slog.String("error", err.Error()),
		)
		w.liveness.Kill()
	}
	return nil
}

func (w *WorkerLink) connect(ctx context.Context) error {
	raw, err := w.dial(ctx, w.endpoint)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", w.endpoint, err)
	}

	w.conn = NewConn(raw)
	w.frames = w.conn.Frames(16)
	w.identity = uuid.NewString()

	if err := w.AnnounceReady(); err != nil {
		w.closeConn()
		return err
	}

	w.liveness.Refresh()
	w.heartbeatAt = time.Now().Add(w.interval)

	w.logger.Info("Worker ready",
		slog.String("identity", w.identity),
		slog.String("endpoint", w.endpoint),
	)
	return nil
}

func (w *WorkerLink) closeConn() {
	if w.conn != nil {
		w.conn.Close()
	}
	w.conn = nil
	w.frames = nil
}

// AnnounceReady tells the broker this worker is available
func (w *WorkerLink) AnnounceReady() error {
	if w.conn == nil {
		return ErrNotConnected
	}
	return w.conn.Send(&Frame{Kind: KindReady, Identity: w.identity})
}

// SendHeartbeat pings the broker
func (w *WorkerLink) SendHeartbeat() error {
	if w.conn == nil {
		return ErrNotConnected
	}
	return w.conn.Send(&Frame{Kind: KindHeartbeat})
}

// Poll waits up to timeout for broker traffic. It returns the request
// frame when work arrives and nil otherwise. Silence and lost
// connections are handled here: liveness is decremented, the link is
// rebuilt once it is dead, and a heartbeat is sent when one is due.
func (w *WorkerLink) Poll(ctx context.Context, timeout time.Duration) (*Frame, error) {
	if timeout <= 0 {
		timeout = w.interval
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var req *Frame
	select {
	case <-ctx.Done():
		return nil, ctx.Err()

	case f, ok := <-w.frames:
		if !ok {
			w.logger.Warn("Lost connection to queue", slog.String("identity", w.identity))
			w.liveness.Kill()
			return nil, w.recover(ctx)
		}

		w.liveness.Refresh()
		w.reconnect.Reset()

		switch {
		case !f.Valid():
			w.logger.Error("Invalid message from queue", slog.String("kind", f.Kind.String()))
		case f.Kind == KindRequest:
			req = f
		case f.Kind == KindHeartbeat:
		default:
			w.logger.Error("Invalid message from queue", slog.String("kind", f.Kind.String()))
		}

	case <-timer.C:
		if w.liveness.Miss() == StateDead {
			return nil, w.recover(ctx)
		}
	}

	w.heartbeatIfDue()
	return req, nil
}

func (w *WorkerLink) recover(ctx context.Context) error {
	delay := w.reconnect.NextBackOff()
	w.logger.Warn("Heartbeat failure, can't reach queue",
		slog.String("identity", w.identity),
		slog.Duration("reconnect_in", delay),
	)

	w.closeConn()
	if err := w.sleep(ctx, delay); err != nil {
		return err
	}

	if err := w.connect(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.logger.Error("Failed to reconnect to queue", slog.String("error", err.Error()))
		w.liveness.Kill()
	}
	return nil
}

func (w *WorkerLink) heartbeatIfDue() {
	now := time.Now()
	if w.conn == nil || now.Before(w.heartbeatAt) {
		return
	}
	w.heartbeatAt = now.Add(w.interval)
	if err := w.SendHeartbeat(); err != nil {
		w.logger.Warn("Failed to send heartbeat", slog.String("error", err.Error()))
	}
}

// Reply sends a reply for req back through the broker
func (w *WorkerLink) Reply(req *Frame, payload []byte) error {
	if w.conn == nil {
		return ErrNotConnected
	}
	return w.conn.Send(&Frame{
		Kind:     KindReply,
		Client:   req.Client,
		Sequence: req.Sequence,
		Payload:  payload,
	})
}

// IsAlive reports whether the link has not yet been declared dead
func (w *WorkerLink) IsAlive() bool {
	return w.liveness.State() != StateDead
}

// State returns the current link state
func (w *WorkerLink) State() LinkState {
	return w.liveness.State()
}

// Identity returns the identity announced on the current connection
func (w *WorkerLink) Identity() string {
	return w.identity
}

// Close tears down the connection
func (w *WorkerLink) Close() error {
	w.closeConn()
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
