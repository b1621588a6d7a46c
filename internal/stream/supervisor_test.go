package stream

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/Mucyo-Ivan/smartend/internal/telemetry"
)

// fakeHandler records dispatched snapshots and answers subscriber
// queries from a settable flag.
type fakeHandler struct {
	mu          sync.Mutex
	snapshots   []*telemetry.Snapshot
	subscribers bool
}

func (h *fakeHandler) HandleSnapshot(_ telemetry.Province, snap *telemetry.Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.snapshots = append(h.snapshots, snap)
}

func (h *fakeHandler) HasSubscribers(telemetry.Province) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.subscribers
}

func (h *fakeHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.snapshots)
}

// blockingSocket never delivers a message; Read blocks until the
// context is cancelled or the socket is closed.
type blockingSocket struct {
	closed chan struct{}
	once   sync.Once
}

func newBlockingSocket() *blockingSocket {
	return &blockingSocket{closed: make(chan struct{})}
}

func (s *blockingSocket) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, errors.New("socket closed")
	}
}

func (s *blockingSocket) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// countingDial wraps a DialFunc and counts calls.
func countingDial(inner DialFunc) (DialFunc, *atomic.Int64) {
	var calls atomic.Int64
	return func(ctx context.Context, url string) (Socket, error) {
		calls.Add(1)
		return inner(ctx, url)
	}, &calls
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal(msg)
}

func testOptions(dial DialFunc) Options {
	return Options{
		BaseURL:       "ws://example.invalid/live",
		Dial:          dial,
		BaseDelay:     time.Millisecond,
		MaxAttempts:   5,
		StaleAfter:    time.Hour,
		SweepInterval: time.Hour,
		Logger:        slog.Default(),
	}
}

func TestSupervisor_Defaults(t *testing.T) {
	h := &fakeHandler{}
	s := NewSupervisor(Options{BaseURL: "ws://example.invalid"}, h)
	defer s.Shutdown(context.Background()) //nolint:errcheck

	if s.opts.BaseDelay != 3*time.Second {
		t.Errorf("base delay = %v, want 3s", s.opts.BaseDelay)
	}
	if s.opts.MaxAttempts != 5 {
		t.Errorf("max attempts = %d, want 5", s.opts.MaxAttempts)
	}
	if s.opts.StaleAfter != 5*time.Minute {
		t.Errorf("stale after = %v, want 5m", s.opts.StaleAfter)
	}
	if s.opts.SweepInterval != time.Minute {
		t.Errorf("sweep interval = %v, want 1m", s.opts.SweepInterval)
	}
}

func TestSupervisor_AtMostOneConnection(t *testing.T) {
	dial, calls := countingDial(func(ctx context.Context, url string) (Socket, error) {
		return newBlockingSocket(), nil
	})
	h := &fakeHandler{subscribers: true}
	s := NewSupervisor(testOptions(dial), h)
	defer s.Shutdown(context.Background()) //nolint:errcheck

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Ensure(telemetry.Northern)
		}()
	}
	wg.Wait()

	waitFor(t, time.Second, func() bool {
		return s.Status()[telemetry.Northern].Connected
	}, "connection never opened")

	if got := calls.Load(); got != 1 {
		t.Errorf("dialed %d times, want 1", got)
	}
	if got := len(s.Status()); got != 1 {
		t.Errorf("table has %d entries, want 1", got)
	}
}

func TestSupervisor_BoundedRetry(t *testing.T) {
	dial, calls := countingDial(func(ctx context.Context, url string) (Socket, error) {
		return nil, errors.New("refused")
	})
	h := &fakeHandler{subscribers: true}
	s := NewSupervisor(testOptions(dial), h)
	defer s.Shutdown(context.Background()) //nolint:errcheck

	s.Ensure(telemetry.Eastern)

	waitFor(t, time.Second, func() bool {
		return s.Status()[telemetry.Eastern].State == "abandoned"
	}, "connection never abandoned")

	st := s.Status()[telemetry.Eastern]
	if st.Attempts != 5 {
		t.Errorf("attempts = %d, want 5", st.Attempts)
	}
	if st.Connected {
		t.Error("abandoned connection must not report connected")
	}

	// No further attempts after abandonment: the initial dial plus
	// five reconnects.
	dials := calls.Load()
	time.Sleep(20 * time.Millisecond)
	if got := calls.Load(); got != dials {
		t.Errorf("dial count grew from %d to %d after abandonment", dials, got)
	}
	if dials != 6 {
		t.Errorf("dialed %d times, want 6 (initial + 5 reconnects)", dials)
	}

	// A fresh Ensure re-triggers the connection path.
	s.Ensure(telemetry.Eastern)
	waitFor(t, time.Second, func() bool {
		return calls.Load() > dials
	}, "Ensure after abandonment did not redial")
}

func TestSupervisor_SingleDropSchedulesOneReconnect(t *testing.T) {
	var (
		mu    sync.Mutex
		times []time.Time
		socks []*blockingSocket
	)
	dial := func(ctx context.Context, url string) (Socket, error) {
		mu.Lock()
		defer mu.Unlock()
		times = append(times, time.Now())
		sock := newBlockingSocket()
		socks = append(socks, sock)
		return sock, nil
	}
	opts := testOptions(dial)
	opts.BaseDelay = 50 * time.Millisecond
	h := &fakeHandler{subscribers: true}
	s := NewSupervisor(opts, h)
	defer s.Shutdown(context.Background()) //nolint:errcheck

	s.Ensure(telemetry.Kigali)
	waitFor(t, time.Second, func() bool {
		return s.Status()[telemetry.Kigali].Connected
	}, "connection never opened")

	// Drop the live socket once.
	mu.Lock()
	first := socks[0]
	mu.Unlock()
	dropped := time.Now()
	_ = first.Close()

	// Exactly one backoff cycle: the counter reads 1 while the delay
	// runs out.
	waitFor(t, time.Second, func() bool {
		st := s.Status()[telemetry.Kigali]
		return st.State == "backing_off" && st.Attempts == 1
	}, "drop did not schedule a reconnect")

	waitFor(t, time.Second, func() bool {
		return s.Status()[telemetry.Kigali].Connected
	}, "connection never reopened")

	mu.Lock()
	dialCount := len(times)
	redial := times[len(times)-1]
	mu.Unlock()
	if dialCount != 2 {
		t.Fatalf("dialed %d times, want 2 (initial + one reconnect)", dialCount)
	}
	if gap := redial.Sub(dropped); gap < opts.BaseDelay {
		t.Errorf("redialed %v after the drop, want at least %v", gap, opts.BaseDelay)
	}

	// A successful reopen clears the attempt counter.
	if got := s.Status()[telemetry.Kigali].Attempts; got != 0 {
		t.Errorf("attempts = %d after reopen, want 0", got)
	}
}

func TestSupervisor_NoReconnectWithoutSubscribers(t *testing.T) {
	dial, calls := countingDial(func(ctx context.Context, url string) (Socket, error) {
		return nil, errors.New("refused")
	})
	h := &fakeHandler{subscribers: false}
	s := NewSupervisor(testOptions(dial), h)
	defer s.Shutdown(context.Background()) //nolint:errcheck

	s.Ensure(telemetry.Southern)

	waitFor(t, time.Second, func() bool {
		_, ok := s.Status()[telemetry.Southern]
		return !ok
	}, "subscriber-less connection was not dropped")

	if got := calls.Load(); got != 1 {
		t.Errorf("dialed %d times, want 1 (no reconnect without subscribers)", got)
	}
}

func TestSupervisor_CloseRemovesEntry(t *testing.T) {
	dial, _ := countingDial(func(ctx context.Context, url string) (Socket, error) {
		return newBlockingSocket(), nil
	})
	h := &fakeHandler{subscribers: true}
	s := NewSupervisor(testOptions(dial), h)
	defer s.Shutdown(context.Background()) //nolint:errcheck

	s.Ensure(telemetry.Western)
	waitFor(t, time.Second, func() bool {
		return s.Status()[telemetry.Western].Connected
	}, "connection never opened")

	s.Close(telemetry.Western)
	if _, ok := s.Status()[telemetry.Western]; ok {
		t.Error("closed connection still tracked")
	}
}

func TestSupervisor_StalenessSweepRecycles(t *testing.T) {
	dial, calls := countingDial(func(ctx context.Context, url string) (Socket, error) {
		return newBlockingSocket(), nil
	})
	opts := testOptions(dial)
	opts.StaleAfter = 5 * time.Millisecond
	opts.SweepInterval = 5 * time.Millisecond
	h := &fakeHandler{subscribers: true}
	s := NewSupervisor(opts, h)
	defer s.Shutdown(context.Background()) //nolint:errcheck

	s.Ensure(telemetry.Kigali)
	waitFor(t, time.Second, func() bool {
		return calls.Load() >= 2
	}, "sweep never recycled the silent connection")

	if got := len(s.Status()); got != 1 {
		t.Errorf("table has %d entries after recycle, want 1", got)
	}
}

func TestSupervisor_DispatchFromWebsocket(t *testing.T) {
	received := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/Northern") {
			http.Error(w, "unknown feed", http.StatusNotFound)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "") //nolint:errcheck

		msg := `{"flow_rate_lph": 12.5, "status": "normal", "province": "Northern"}`
		if err := c.Write(r.Context(), websocket.MessageText, []byte(msg)); err != nil {
			return
		}
		<-received
	}))
	defer srv.Close()

	opts := testOptions(nil)
	opts.Dial = WebsocketDial
	opts.BaseURL = "ws" + strings.TrimPrefix(srv.URL, "http") + "/live"
	h := &fakeHandler{subscribers: true}
	s := NewSupervisor(opts, h)
	defer s.Shutdown(context.Background()) //nolint:errcheck

	s.Ensure(telemetry.Northern)
	waitFor(t, 2*time.Second, func() bool {
		return h.count() == 1
	}, "snapshot never dispatched")
	close(received)

	h.mu.Lock()
	snap := h.snapshots[0]
	h.mu.Unlock()
	if float64(snap.FlowLPH) != 12.5 {
		t.Errorf("flow = %v, want 12.5", snap.FlowLPH)
	}
}

// malformedThenBlock delivers one unparseable payload and then blocks.
type malformedThenBlock struct {
	sent   bool
	closed chan struct{}
	once   sync.Once
}

func (s *malformedThenBlock) Read(ctx context.Context) ([]byte, error) {
	if !s.sent {
		s.sent = true
		return []byte(`{broken`), nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, errors.New("socket closed")
	}
}

func (s *malformedThenBlock) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func TestSupervisor_MalformedPayloadDropped(t *testing.T) {
	dial := func(ctx context.Context, url string) (Socket, error) {
		return &malformedThenBlock{closed: make(chan struct{})}, nil
	}
	h := &fakeHandler{subscribers: true}
	s := NewSupervisor(testOptions(dial), h)
	defer s.Shutdown(context.Background()) //nolint:errcheck

	s.Ensure(telemetry.Northern)
	waitFor(t, time.Second, func() bool {
		return s.Status()[telemetry.Northern].Connected
	}, "connection never opened")

	// The malformed payload must not reach subscribers or drop the
	// connection.
	time.Sleep(10 * time.Millisecond)
	if h.count() != 0 {
		t.Errorf("dispatched %d snapshots, want 0", h.count())
	}
	if !s.Status()[telemetry.Northern].Connected {
		t.Error("malformed payload killed the connection")
	}
}
