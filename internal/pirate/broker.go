package pirate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultHeartbeatInterval is the interval between heartbeats in both directions
	DefaultHeartbeatInterval = time.Second
	// DefaultLiveness is the number of missed heartbeats before a peer is considered gone
	DefaultLiveness = 3
)

// BrokerConfig holds broker configuration
type BrokerConfig struct {
	Logger            *slog.Logger
	ClientEndpoint    string
	WorkerEndpoint    string
	HeartbeatInterval time.Duration
	Liveness          int
}

type clientRequest struct {
	address  string
	sequence uint64
	payload  []byte
}

type workerEvent struct {
	address  string
	previous string
	conn     *Conn
	frame    *Frame
	closed   bool
}

// Broker routes client requests to idle workers in least-recently-ready
// order and routes worker replies back to the requesting client.
type Broker struct {
	logger   *slog.Logger
	clientEP string
	workerEP string
	interval time.Duration
	liveness int
	now      func() time.Time

	// owned by the run loop
	workers *WorkerQueue
	pending *clientRequest

	mu          sync.Mutex
	clients     map[string]*Conn
	workerConns map[string]*Conn
	clientLn    net.Listener
	workerLn    net.Listener

	requests chan clientRequest
	events   chan workerEvent
	readers  sync.WaitGroup
}

// NewBroker creates a broker; call Listen or Run to bind its endpoints
func NewBroker(cfg *BrokerConfig) *Broker {
	b := &Broker{
		logger:      cfg.Logger,
		clientEP:    cfg.ClientEndpoint,
		workerEP:    cfg.WorkerEndpoint,
		interval:    cfg.HeartbeatInterval,
		liveness:    cfg.Liveness,
		now:         time.Now,
		workers:     NewWorkerQueue(),
		clients:     make(map[string]*Conn),
		workerConns: make(map[string]*Conn),
		requests:    make(chan clientRequest),
		events:      make(chan workerEvent, 64),
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	if b.interval <= 0 {
		b.interval = DefaultHeartbeatInterval
	}
	if b.liveness <= 0 {
		b.liveness = DefaultLiveness
	}
	return b
}

// Listen binds the client-facing and worker-facing endpoints
func (b *Broker) Listen() error {
	clientLn, err := listen(b.clientEP)
	if err != nil {
		return fmt.Errorf("failed to bind client endpoint %s: %w", b.clientEP, err)
	}
	workerLn, err := listen(b.workerEP)
	if err != nil {
		clientLn.Close()
		return fmt.Errorf("failed to bind worker endpoint %s: %w", b.workerEP, err)
	}

	b.mu.Lock()
	b.clientLn, b.workerLn = clientLn, workerLn
	b.mu.Unlock()

	b.logger.Info("Broker listening",
		slog.String("client_endpoint", b.clientEP),
		slog.String("worker_endpoint", b.workerEP),
	)
	return nil
}

func listen(endpoint string) (net.Listener, error) {
	network, address, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	if network == "unix" {
		if dir := filepath.Dir(address); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
		// stale socket from a previous run
		if err := os.Remove(address); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}
	return net.Listen(network, address)
}

// ClientAddr returns the bound client endpoint address, nil before Listen
func (b *Broker) ClientAddr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.clientLn == nil {
		return nil
	}
	return b.clientLn.Addr()
}

// WorkerAddr returns the bound worker endpoint address, nil before Listen
func (b *Broker) WorkerAddr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.workerLn == nil {
		return nil
	}
	return b.workerLn.Addr()
}

// Run serves both endpoints until ctx is canceled
func (b *Broker) Run(ctx context.Context) error {
	if b.ClientAddr() == nil {
		if err := b.Listen(); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.acceptClients(gctx) })
	g.Go(func() error { return b.acceptWorkers(gctx) })
	g.Go(func() error { return b.loop(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		b.shutdown()
		return nil
	})

	err := g.Wait()
	b.readers.Wait()
	b.logger.Info("Broker stopped")
	return err
}

func (b *Broker) shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.clientLn != nil {
		b.clientLn.Close()
	}
	if b.workerLn != nil {
		b.workerLn.Close()
	}
	for _, conn := range b.clients {
		conn.Close()
	}
	for _, conn := range b.workerConns {
		conn.Close()
	}
}

func (b *Broker) acceptClients(ctx context.Context) error {
	for {
		raw, err := b.clientLn.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept client: %w", err)
		}

		conn := NewConn(raw)
		address := uuid.NewString()

		b.mu.Lock()
		b.clients[address] = conn
		b.mu.Unlock()
		if ctx.Err() != nil {
			conn.Close()
			return nil
		}

		b.logger.Debug("Client connected",
			slog.String("client", address),
			slog.String("remote", conn.RemoteAddr()),
		)

		b.readers.Add(1)
		go b.readClient(ctx, address, conn)
	}
}

func (b *Broker) readClient(ctx context.Context, address string, conn *Conn) {
	defer b.readers.Done()
	defer func() {
		b.mu.Lock()
		if b.clients[address] == conn {
			delete(b.clients, address)
		}
		b.mu.Unlock()
		conn.Close()
		b.logger.Debug("Client disconnected", slog.String("client", address))
	}()

	for {
		f, err := conn.Receive()
		if err != nil {
			return
		}
		if f.Kind != KindRequest {
			b.logger.Warn("Ignoring unexpected frame from client",
				slog.String("client", address),
				slog.String("kind", f.Kind.String()),
			)
			continue
		}

		select {
		case b.requests <- clientRequest{address: address, sequence: f.Sequence, payload: f.Payload}:
		case <-conn.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}

func (b *Broker) acceptWorkers(ctx context.Context) error {
	for {
		raw, err := b.workerLn.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept worker: %w", err)
		}

		conn := NewConn(raw)
		b.logger.Debug("Worker connected", slog.String("remote", conn.RemoteAddr()))

		b.readers.Add(1)
		go b.readWorker(ctx, conn)
	}
}

func (b *Broker) readWorker(ctx context.Context, conn *Conn) {
	defer b.readers.Done()

	// identity used until the worker announces one
	address := uuid.NewString()
	defer func() {
		conn.Close()
		select {
		case b.events <- workerEvent{address: address, conn: conn, closed: true}:
		case <-ctx.Done():
		}
	}()

	for {
		f, err := conn.Receive()
		if err != nil {
			return
		}

		ev := workerEvent{conn: conn, frame: f}
		if f.Kind == KindReady && f.Identity != "" && f.Identity != address {
			ev.previous = address
			address = f.Identity
		}
		ev.address = address

		select {
		case b.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func (b *Broker) loop(ctx context.Context) error {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	heartbeatAt := b.now().Add(b.interval)
	for {
		// accept client work only when it can be handed to a worker
		var requests <-chan clientRequest
		if b.pending == nil && b.workers.Len() > 0 {
			requests = b.requests
		}

		select {
		case <-ctx.Done():
			return nil
		case ev := <-b.events:
			b.handleWorker(ev, b.now())
		case req := <-requests:
			b.pending = &req
		case <-ticker.C:
		}

		now := b.now()
		b.dispatch(now)

		if !now.Before(heartbeatAt) {
			b.heartbeat()
			heartbeatAt = now.Add(b.interval)
		}
		b.purge(now)
	}
}

func (b *Broker) expiry(now time.Time) time.Time {
	return now.Add(b.interval * time.Duration(b.liveness))
}

func (b *Broker) handleWorker(ev workerEvent, now time.Time) {
	if ev.closed {
		if b.forgetWorker(ev.address, ev.conn) {
			b.logger.Info("Worker disconnected", slog.String("worker", ev.address))
		}
		return
	}

	// Malformed frames neither register the worker nor refresh its expiry
	f := ev.frame
	if !f.Valid() || f.Kind == KindRequest {
		b.logger.Error("Invalid message from worker",
			slog.String("worker", ev.address),
			slog.String("kind", f.Kind.String()),
		)
		return
	}

	if ev.previous != "" {
		b.forgetWorker(ev.previous, ev.conn)
	}

	b.mu.Lock()
	b.workerConns[ev.address] = ev.conn
	b.mu.Unlock()
	b.workers.Ready(IdleWorker{Address: ev.address, Expiry: b.expiry(now)})

	switch f.Kind {
	case KindReady:
		b.logger.Info("Worker ready", slog.String("worker", ev.address))
	case KindReply:
		b.forwardReply(ev.address, f)
	}
}

// forgetWorker drops the worker if address is still bound to conn
func (b *Broker) forgetWorker(address string, conn *Conn) bool {
	b.mu.Lock()
	current, ok := b.workerConns[address]
	if !ok || current != conn {
		b.mu.Unlock()
		return false
	}
	delete(b.workerConns, address)
	b.mu.Unlock()

	b.workers.Remove(address)
	return true
}

func (b *Broker) forwardReply(worker string, f *Frame) {
	b.mu.Lock()
	conn := b.clients[f.Client]
	b.mu.Unlock()

	if conn == nil {
		b.logger.Warn("Dropping reply for disconnected client",
			slog.String("worker", worker),
			slog.String("client", f.Client),
			slog.Uint64("sequence", f.Sequence),
		)
		return
	}

	if err := conn.Send(&Frame{Kind: KindReply, Sequence: f.Sequence, Payload: f.Payload}); err != nil {
		b.logger.Warn("Failed to forward reply",
			slog.String("client", f.Client),
			slog.String("error", err.Error()),
		)
		conn.Close()
	}
}

func (b *Broker) dispatch(now time.Time) {
	for b.pending != nil {
		b.purge(now)

		w, ok := b.workers.Next()
		if !ok {
			return
		}

		b.mu.Lock()
		conn := b.workerConns[w.Address]
		b.mu.Unlock()
		if conn == nil {
			continue
		}

		req := b.pending
		err := conn.Send(&Frame{
			Kind:     KindRequest,
			Client:   req.address,
			Sequence: req.sequence,
			Payload:  req.payload,
		})
		if err != nil {
			b.logger.Warn("Failed to dispatch request, dropping worker",
				slog.String("worker", w.Address),
				slog.String("error", err.Error()),
			)
			b.forgetWorker(w.Address, conn)
			conn.Close()
			continue
		}

		b.logger.Debug("Dispatched request",
			slog.String("worker", w.Address),
			slog.String("client", req.address),
			slog.Uint64("sequence", req.sequence),
		)
		b.pending = nil
	}
}

func (b *Broker) heartbeat() {
	for _, address := range b.workers.Addresses() {
		b.mu.Lock()
		conn := b.workerConns[address]
		b.mu.Unlock()
		if conn == nil {
			b.workers.Remove(address)
			continue
		}
		if err := conn.Send(&Frame{Kind: KindHeartbeat}); err != nil {
			b.logger.Warn("Failed to send heartbeat, dropping worker",
				slog.String("worker", address),
				slog.String("error", err.Error()),
			)
			b.forgetWorker(address, conn)
			conn.Close()
		}
	}
}

func (b *Broker) purge(now time.Time) {
	for _, address := range b.workers.Purge(now) {
		b.logger.Warn("Worker expired", slog.String("worker", address))
	}
}
