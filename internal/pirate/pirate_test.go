package pirate

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		name        string
		endpoint    string
		wantNetwork string
		wantAddress string
		wantErr     bool
	}{
		{name: "tcp", endpoint: "tcp://127.0.0.1:5555", wantNetwork: "tcp", wantAddress: "127.0.0.1:5555"},
		{name: "ipc relative", endpoint: "ipc://job_queue", wantNetwork: "unix", wantAddress: "job_queue"},
		{name: "ipc absolute", endpoint: "ipc:///tmp/mq/job_workers", wantNetwork: "unix", wantAddress: "/tmp/mq/job_workers"},
		{name: "missing scheme", endpoint: "127.0.0.1:5555", wantErr: true},
		{name: "unsupported scheme", endpoint: "udp://127.0.0.1:5555", wantErr: true},
		{name: "empty address", endpoint: "tcp://", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			network, address, err := ParseEndpoint(tt.endpoint)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantNetwork, network)
			assert.Equal(t, tt.wantAddress, address)
		})
	}
}

func TestFrame_Valid(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
		want  bool
	}{
		{name: "ready", frame: Frame{Kind: KindReady, Identity: "w1"}, want: true},
		{name: "heartbeat", frame: Frame{Kind: KindHeartbeat}, want: true},
		{name: "heartbeat with payload", frame: Frame{Kind: KindHeartbeat, Payload: []byte("x")}, want: false},
		{name: "request", frame: Frame{Kind: KindRequest, Payload: []byte("{}")}, want: true},
		{name: "empty reply", frame: Frame{Kind: KindReply}, want: true},
		{name: "unknown kind", frame: Frame{Kind: 9}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.frame.Valid())
		})
	}
}

func TestConn_SendReceive(t *testing.T) {
	a, b := net.Pipe()
	left, right := NewConn(a), NewConn(b)
	defer left.Close()
	defer right.Close()

	sent := &Frame{Kind: KindRequest, Client: "c1", Sequence: 7, Payload: []byte(`{"id":"j1"}`)}
	errCh := make(chan error, 1)
	go func() { errCh <- left.Send(sent) }()

	got, err := right.Receive()
	require.NoError(t, err)
	require.NoError(t, <-errCh)
	assert.Equal(t, sent, got)
}

func TestConn_RejectsOversizedFrame(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	conn := NewConn(b)
	defer conn.Close()

	go func() {
		var header [4]byte
		binary.BigEndian.PutUint32(header[:], MaxFrameSize+1)
		_, _ = a.Write(header[:])
	}()

	_, err := conn.Receive()
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestConn_FramesClosedOnDisconnect(t *testing.T) {
	a, b := net.Pipe()
	conn := NewConn(b)
	frames := conn.Frames(1)

	require.NoError(t, a.Close())

	select {
	case _, ok := <-frames:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("frames channel not closed")
	}
}

func TestLiveness(t *testing.T) {
	l := NewLiveness(3)
	assert.Equal(t, StateConnected, l.State())

	assert.Equal(t, StateSuspect, l.Miss())
	assert.Equal(t, StateSuspect, l.Miss())
	assert.Equal(t, StateDead, l.Miss())
	assert.Equal(t, StateDead, l.Miss())
	assert.Equal(t, 0, l.Remaining())

	l.Refresh()
	assert.Equal(t, StateConnected, l.State())

	l.Kill()
	assert.Equal(t, StateDead, l.State())
}

func TestWorkerQueue(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("least recently ready first", func(t *testing.T) {
		q := NewWorkerQueue()
		q.Ready(IdleWorker{Address: "w1", Expiry: base})
		q.Ready(IdleWorker{Address: "w2", Expiry: base})
		q.Ready(IdleWorker{Address: "w3", Expiry: base})

		w, ok := q.Next()
		require.True(t, ok)
		assert.Equal(t, "w1", w.Address)
		assert.Equal(t, []string{"w2", "w3"}, q.Addresses())
	})

	t.Run("refresh moves to back without duplicating", func(t *testing.T) {
		q := NewWorkerQueue()
		q.Ready(IdleWorker{Address: "w1", Expiry: base})
		q.Ready(IdleWorker{Address: "w2", Expiry: base})
		q.Ready(IdleWorker{Address: "w1", Expiry: base.Add(time.Second)})

		assert.Equal(t, 2, q.Len())
		assert.Equal(t, []string{"w2", "w1"}, q.Addresses())
	})

	t.Run("purge removes expired only", func(t *testing.T) {
		q := NewWorkerQueue()
		q.Ready(IdleWorker{Address: "old", Expiry: base})
		q.Ready(IdleWorker{Address: "fresh", Expiry: base.Add(3 * time.Second)})

		expired := q.Purge(base.Add(time.Second))
		assert.Equal(t, []string{"old"}, expired)
		assert.Equal(t, []string{"fresh"}, q.Addresses())
	})

	t.Run("remove and empty next", func(t *testing.T) {
		q := NewWorkerQueue()
		q.Ready(IdleWorker{Address: "w1", Expiry: base})
		assert.True(t, q.Remove("w1"))
		assert.False(t, q.Remove("w1"))

		_, ok := q.Next()
		assert.False(t, ok)
	})
}

// peer wraps the far side of a pipe and collects the frames it receives
type peer struct {
	conn   *Conn
	frames <-chan *Frame
}

func newPeer(t *testing.T) (*Conn, *peer) {
	t.Helper()
	a, b := net.Pipe()
	local := NewConn(a)
	remote := NewConn(b)
	t.Cleanup(func() {
		local.Close()
		remote.Close()
	})
	return local, &peer{conn: remote, frames: remote.Frames(8)}
}

func (p *peer) next(t *testing.T) *Frame {
	t.Helper()
	select {
	case f, ok := <-p.frames:
		require.True(t, ok, "connection closed")
		return f
	case <-time.After(time.Second):
		t.Fatal("no frame received")
		return nil
	}
}

func TestBroker_DispatchesToLeastRecentlyReady(t *testing.T) {
	b := NewBroker(&BrokerConfig{HeartbeatInterval: time.Second, Liveness: 3})
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	c1, p1 := newPeer(t)
	c2, p2 := newPeer(t)
	b.handleWorker(workerEvent{address: "w1", conn: c1, frame: &Frame{Kind: KindReady}}, now)
	b.handleWorker(workerEvent{address: "w2", conn: c2, frame: &Frame{Kind: KindReady}}, now)

	b.pending = &clientRequest{address: "client-a", sequence: 1, payload: []byte("job")}
	b.dispatch(now)

	f := p1.next(t)
	assert.Equal(t, KindRequest, f.Kind)
	assert.Equal(t, "client-a", f.Client)
	assert.Equal(t, uint64(1), f.Sequence)
	assert.Equal(t, []byte("job"), f.Payload)

	assert.Nil(t, b.pending)
	assert.Equal(t, []string{"w2"}, b.workers.Addresses())
	assert.Empty(t, p2.frames)
}

func TestBroker_SkipsExpiredWorkers(t *testing.T) {
	b := NewBroker(&BrokerConfig{HeartbeatInterval: time.Second, Liveness: 3})
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	c1, _ := newPeer(t)
	c2, p2 := newPeer(t)
	b.handleWorker(workerEvent{address: "w1", conn: c1, frame: &Frame{Kind: KindReady}}, start)
	b.handleWorker(workerEvent{address: "w2", conn: c2, frame: &Frame{Kind: KindHeartbeat}}, start.Add(2500*time.Millisecond))

	b.pending = &clientRequest{address: "client-a", sequence: 1, payload: []byte("job")}
	b.dispatch(start.Add(3500 * time.Millisecond))

	f := p2.next(t)
	assert.Equal(t, KindRequest, f.Kind)
	assert.Zero(t, b.workers.Len())
}

func TestBroker_IgnoresMalformedWorkerFrames(t *testing.T) {
	tests := []struct {
		name  string
		frame *Frame
	}{
		{name: "heartbeat with payload", frame: &Frame{Kind: KindHeartbeat, Payload: []byte("x")}},
		{name: "ready with payload", frame: &Frame{Kind: KindReady, Payload: []byte("x")}},
		{name: "request from worker", frame: &Frame{Kind: KindRequest, Payload: []byte("job")}},
		{name: "unknown kind", frame: &Frame{Kind: Kind(99)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBroker(&BrokerConfig{HeartbeatInterval: time.Second, Liveness: 3})
			start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

			// unknown workers are not registered
			c0, _ := newPeer(t)
			b.handleWorker(workerEvent{address: "w0", conn: c0, frame: tt.frame}, start)
			assert.Zero(t, b.workers.Len())

			// known workers keep their old expiry
			c1, p1 := newPeer(t)
			b.handleWorker(workerEvent{address: "w1", conn: c1, frame: &Frame{Kind: KindReady}}, start)
			b.handleWorker(workerEvent{address: "w1", conn: c1, frame: tt.frame}, start.Add(2500*time.Millisecond))

			b.pending = &clientRequest{address: "client-a", sequence: 1, payload: []byte("job")}
			b.dispatch(start.Add(3500 * time.Millisecond))

			assert.NotNil(t, b.pending)
			assert.Zero(t, b.workers.Len())
			assert.Empty(t, p1.frames)
		})
	}
}

func TestBroker_HoldsRequestWithoutWorkers(t *testing.T) {
	b := NewBroker(&BrokerConfig{})
	now := time.Now()

	b.pending = &clientRequest{address: "client-a", sequence: 1}
	b.dispatch(now)
	require.NotNil(t, b.pending)

	c1, p1 := newPeer(t)
	b.handleWorker(workerEvent{address: "w1", conn: c1, frame: &Frame{Kind: KindReady}}, now)
	b.dispatch(now)

	assert.Nil(t, b.pending)
	assert.Equal(t, KindRequest, p1.next(t).Kind)
}

func TestBroker_ForwardsReplies(t *testing.T) {
	b := NewBroker(&BrokerConfig{})
	now := time.Now()

	clientConn, client := newPeer(t)
	b.clients["client-a"] = clientConn

	workerConn, _ := newPeer(t)
	reply := &Frame{Kind: KindReply, Client: "client-a", Sequence: 4, Payload: []byte("done")}
	b.handleWorker(workerEvent{address: "w1", conn: workerConn, frame: reply}, now)

	f := client.next(t)
	assert.Equal(t, KindReply, f.Kind)
	assert.Equal(t, uint64(4), f.Sequence)
	assert.Equal(t, []byte("done"), f.Payload)
	assert.Empty(t, f.Client)

	// a replying worker is idle again
	assert.Equal(t, []string{"w1"}, b.workers.Addresses())

	// replies to unknown clients are dropped
	orphan := &Frame{Kind: KindReply, Client: "gone", Sequence: 1}
	b.handleWorker(workerEvent{address: "w1", conn: workerConn, frame: orphan}, now)
	assert.Empty(t, client.frames)
}

func TestBroker_ForgetsDisconnectedAndReannouncedWorkers(t *testing.T) {
	b := NewBroker(&BrokerConfig{})
	now := time.Now()

	c1, _ := newPeer(t)
	b.handleWorker(workerEvent{address: "tmp", conn: c1, frame: &Frame{Kind: KindHeartbeat}}, now)
	b.handleWorker(workerEvent{address: "w1", previous: "tmp", conn: c1, frame: &Frame{Kind: KindReady, Identity: "w1"}}, now)
	assert.Equal(t, []string{"w1"}, b.workers.Addresses())

	b.handleWorker(workerEvent{address: "w1", conn: c1, closed: true}, now)
	assert.Zero(t, b.workers.Len())
	assert.NotContains(t, b.workerConns, "w1")
}

func TestBroker_HeartbeatsIdleWorkers(t *testing.T) {
	b := NewBroker(&BrokerConfig{})
	now := time.Now()

	c1, p1 := newPeer(t)
	b.handleWorker(workerEvent{address: "w1", conn: c1, frame: &Frame{Kind: KindReady}}, now)
	b.heartbeat()

	assert.Equal(t, KindHeartbeat, p1.next(t).Kind)
}

// silentServer accepts connections, records request sequences and replies only through reply
type silentServer struct {
	ln        net.Listener
	mu        sync.Mutex
	sequences []uint64
	reply     func(conn *Conn, f *Frame)
}

func newSilentServer(t *testing.T, reply func(conn *Conn, f *Frame)) *silentServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &silentServer{ln: ln, reply: reply}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			raw, err := ln.Accept()
			if err != nil {
				return
			}
			conn := NewConn(raw)
			go func() {
				defer conn.Close()
				for {
					f, err := conn.Receive()
					if err != nil {
						return
					}
					s.mu.Lock()
					s.sequences = append(s.sequences, f.Sequence)
					s.mu.Unlock()
					if s.reply != nil {
						s.reply(conn, f)
					}
				}
			}()
		}
	}()
	return s
}

func (s *silentServer) endpoint() string {
	return "tcp://" + s.ln.Addr().String()
}

func (s *silentServer) received() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.sequences...)
}

func countingDial(count *int, mu *sync.Mutex) DialFunc {
	return func(ctx context.Context, endpoint string) (net.Conn, error) {
		mu.Lock()
		*count++
		mu.Unlock()
		return DefaultDial(ctx, endpoint)
	}
}

func TestClient_GivesUpAfterRetries(t *testing.T) {
	srv := newSilentServer(t, nil)

	var mu sync.Mutex
	dials := 0
	c, err := NewClient(&ClientConfig{Endpoint: srv.endpoint(), Dial: countingDial(&dials, &mu)})
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Request(context.Background(), []byte("job"), 50*time.Millisecond, 3)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoReply)

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, 3, reqErr.Attempts)
	assert.Equal(t, uint64(1), reqErr.Sequence)

	mu.Lock()
	assert.Equal(t, 3, dials)
	mu.Unlock()

	assert.Eventually(t, func() bool { return len(srv.received()) == 3 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []uint64{1, 1, 1}, srv.received())
}

func TestClient_DiscardsStaleReplies(t *testing.T) {
	srv := newSilentServer(t, func(conn *Conn, f *Frame) {
		_ = conn.Send(&Frame{Kind: KindReply, Sequence: f.Sequence + 100, Payload: []byte("stale")})
		_ = conn.Send(&Frame{Kind: KindReply, Sequence: f.Sequence, Payload: []byte("fresh")})
	})

	c, err := NewClient(&ClientConfig{Endpoint: srv.endpoint()})
	require.NoError(t, err)
	defer c.Close()

	reply, err := c.Request(context.Background(), []byte("job"), time.Second, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh"), reply)

	reply, err = c.Request(context.Background(), []byte("job"), time.Second, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh"), reply)
	assert.Equal(t, []uint64{1, 2}, srv.received())
}

func TestClient_UnreachableQueue(t *testing.T) {
	dial := func(ctx context.Context, endpoint string) (net.Conn, error) {
		return nil, io.ErrClosedPipe
	}
	c, err := NewClient(&ClientConfig{Endpoint: "tcp://127.0.0.1:1", Dial: dial})
	require.NoError(t, err)

	_, err = c.Request(context.Background(), []byte("job"), 10*time.Millisecond, 2)
	assert.ErrorIs(t, err, ErrNoReply)
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestWorkerLink_ReconnectBackoffDoubles(t *testing.T) {
	w, err := newWorkerLink(&WorkerConfig{Endpoint: "tcp://127.0.0.1:1"})
	require.NoError(t, err)

	var delays []time.Duration
	for i := 0; i < 8; i++ {
		delays = append(delays, w.reconnect.NextBackOff())
	}
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 32 * time.Second, 32 * time.Second, 32 * time.Second,
	}, delays)

	w.reconnect.Reset()
	assert.Equal(t, time.Second, w.reconnect.NextBackOff())
}

func TestWorkerLink_ReconnectsWithNewIdentity(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan *Conn, 4)
	go func() {
		for {
			raw, err := ln.Accept()
			if err != nil {
				return
			}
			accepted <- NewConn(raw)
		}
	}()

	w, err := newWorkerLink(&WorkerConfig{Endpoint: "tcp://" + ln.Addr().String()})
	require.NoError(t, err)
	var slept []time.Duration
	w.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	defer w.Close()

	ctx := context.Background()
	require.NoError(t, w.start(ctx))

	first := <-accepted
	ready, err := first.Receive()
	require.NoError(t, err)
	assert.Equal(t, KindReady, ready.Kind)
	firstIdentity := ready.Identity
	assert.Equal(t, w.Identity(), firstIdentity)

	require.NoError(t, first.Close())

	req, err := w.Poll(ctx, time.Second)
	require.NoError(t, err)
	assert.Nil(t, req)
	assert.Equal(t, []time.Duration{time.Second}, slept)
	assert.True(t, w.IsAlive())

	second := <-accepted
	defer second.Close()
	ready, err = second.Receive()
	require.NoError(t, err)
	assert.Equal(t, KindReady, ready.Kind)
	assert.NotEqual(t, firstIdentity, ready.Identity)
}

func TestWorkerLink_SilenceMakesLinkSuspect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			raw, err := ln.Accept()
			if err != nil {
				return
			}
			go func() { _, _ = io.Copy(io.Discard, raw) }()
		}
	}()

	w, err := ConnectWorker(context.Background(), &WorkerConfig{
		Endpoint:          "tcp://" + ln.Addr().String(),
		HeartbeatInterval: time.Hour,
		Liveness:          3,
	})
	require.NoError(t, err)
	defer w.Close()
	assert.Equal(t, StateConnected, w.State())

	for i := 0; i < 2; i++ {
		req, err := w.Poll(context.Background(), 5*time.Millisecond)
		require.NoError(t, err)
		assert.Nil(t, req)
	}
	assert.Equal(t, StateSuspect, w.State())
	assert.True(t, w.IsAlive())
}

func TestBroker_EndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewBroker(&BrokerConfig{
		ClientEndpoint:    "tcp://127.0.0.1:0",
		WorkerEndpoint:    "tcp://127.0.0.1:0",
		HeartbeatInterval: 50 * time.Millisecond,
	})
	require.NoError(t, b.Listen())

	runErr := make(chan error, 1)
	go func() { runErr <- b.Run(ctx) }()

	w, err := ConnectWorker(ctx, &WorkerConfig{
		Endpoint:          "tcp://" + b.WorkerAddr().String(),
		HeartbeatInterval: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		defer w.Close()
		for ctx.Err() == nil {
			req, err := w.Poll(ctx, 50*time.Millisecond)
			if err != nil || req == nil {
				continue
			}
			_ = w.Reply(req, append([]byte("done:"), req.Payload...))
		}
	}()

	c, err := NewClient(&ClientConfig{Endpoint: "tcp://" + b.ClientAddr().String()})
	require.NoError(t, err)
	defer c.Close()

	for _, payload := range []string{"a", "b", "c"} {
		reply, err := c.Request(ctx, []byte(payload), 2*time.Second, 3)
		require.NoError(t, err)
		assert.Equal(t, "done:"+payload, string(reply))
	}

	cancel()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("broker did not stop")
	}
	<-workerDone
}
