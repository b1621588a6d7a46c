package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Mucyo-Ivan/smartend/internal/telemetry"
)

const (
	defaultBaseDelay     = 3 * time.Second
	defaultMaxAttempts   = 5
	defaultStaleAfter    = 5 * time.Minute
	defaultSweepInterval = time.Minute
)

// Handler receives parsed snapshots and answers subscriber queries.
// The subscription registry implements it; the supervisor never talks
// to consumers directly.
type Handler interface {
	// HandleSnapshot is called synchronously from the connection's
	// read loop, so per-province delivery order matches arrival order.
	HandleSnapshot(province telemetry.Province, snap *telemetry.Snapshot)

	// HasSubscribers reports whether anyone still wants this
	// province's feed. Reconnects and sweep recycles are gated on it.
	HasSubscribers(province telemetry.Province) bool
}

// Options tunes the supervisor. Zero values select production
// defaults; tests shrink the delays.
type Options struct {
	// BaseURL is the feed root; the province name is appended as the
	// final path segment.
	BaseURL string

	Dial          DialFunc
	BaseDelay     time.Duration
	MaxAttempts   int
	StaleAfter    time.Duration
	SweepInterval time.Duration
	Logger        *slog.Logger
}

// Supervisor owns the province → connection table and all reconnect
// policy. At most one live connection exists per province; the table is
// only ever mutated under s.mu.
type Supervisor struct {
	opts    Options
	handler Handler
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	conns map[telemetry.Province]*conn
}

// NewSupervisor creates a supervisor and starts its staleness sweep.
// Callers must Shutdown it.
func NewSupervisor(opts Options, handler Handler) *Supervisor {
	if opts.Dial == nil {
		opts.Dial = WebsocketDial
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaultBaseDelay
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = defaultStaleAfter
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		opts:    opts,
		handler: handler,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[telemetry.Province]*conn),
	}

	s.wg.Add(1)
	go s.sweepLoop()

	return s
}

// Ensure makes sure a connection exists for the province. It is
// idempotent: a connection that is connecting, connected, or backing
// off is left alone. Absent or abandoned entries are (re)created.
func (s *Supervisor) Ensure(province telemetry.Province) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLocked(province)
}

func (s *Supervisor) ensureLocked(province telemetry.Province) {
	if c, ok := s.conns[province]; ok && c.state != stateAbandoned {
		return
	}
	s.startLocked(province)
}

// startLocked installs a fresh conn for the province, replacing any
// existing entry, and launches its run loop.
func (s *Supervisor) startLocked(province telemetry.Province) {
	if old, ok := s.conns[province]; ok {
		old.cancel()
		if old.sock != nil {
			_ = old.sock.Close()
		}
	}

	runCtx, runCancel := context.WithCancel(s.ctx)
	c := &conn{
		province:    province,
		state:       stateConnecting,
		lastMessage: s.now(),
		cancel:      runCancel,
	}
	s.conns[province] = c

	s.wg.Add(1)
	go s.run(runCtx, c)
}

// Close tears down the province's connection and removes its table
// entry. The registry calls it only when the last subscriber leaves.
func (s *Supervisor) Close(province telemetry.Province) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conns[province]
	if !ok {
		return
	}
	c.cancel()
	if c.sock != nil {
		_ = c.sock.Close()
	}
	delete(s.conns, province)
	s.opts.Logger.Info("stream closed", "province", province)
}

// Status reports per-province connection health. Pure read.
func (s *Supervisor) Status() map[telemetry.Province]ConnStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[telemetry.Province]ConnStatus, len(s.conns))
	for p, c := range s.conns {
		out[p] = ConnStatus{
			Connected:   c.state == stateConnected,
			State:       c.state.String(),
			Attempts:    c.attempts,
			LastMessage: c.lastMessage,
		}
	}
	return out
}

// Shutdown closes every connection, stops the sweep, and waits for all
// loops to exit or the context to expire.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.cancel()

	s.mu.Lock()
	for p, c := range s.conns {
		c.cancel()
		if c.sock != nil {
			_ = c.sock.Close()
		}
		delete(s.conns, p)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the connection's lifecycle loop: dial, read until failure,
// back off linearly, retry up to the attempt budget. Failures never
// escape this loop; they surface only through Status.
func (s *Supervisor) run(ctx context.Context, c *conn) {
	defer s.wg.Done()

	url := s.opts.BaseURL + "/" + string(c.province)
	for {
		sock, err := s.opts.Dial(ctx, url)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			s.mu.Lock()
			if s.conns[c.province] != c {
				// Replaced by a sweep recycle while dialing.
				s.mu.Unlock()
				_ = sock.Close()
				return
			}
			c.state = stateConnected
			c.attempts = 0
			c.sock = sock
			c.lastMessage = s.now()
			s.mu.Unlock()
			s.opts.Logger.Info("stream connected", "province", c.province)

			s.readLoop(ctx, c, sock)
			_ = sock.Close()
			if ctx.Err() != nil {
				return
			}
		} else {
			s.opts.Logger.Warn("stream dial failed", "province", c.province, "error", err)
		}

		// The socket closed or never opened. Decide whether to retry.
		s.mu.Lock()
		if s.conns[c.province] != c {
			s.mu.Unlock()
			return
		}
		if !s.handler.HasSubscribers(c.province) {
			delete(s.conns, c.province)
			s.mu.Unlock()
			s.opts.Logger.Info("stream dropped, no subscribers", "province", c.province)
			return
		}
		if c.attempts >= s.opts.MaxAttempts {
			c.state = stateAbandoned
			c.sock = nil
			s.mu.Unlock()
			s.opts.Logger.Error("stream reconnect budget exhausted",
				"province", c.province,
				"attempts", c.attempts,
			)
			return
		}
		c.attempts++
		c.state = stateBackingOff
		c.sock = nil
		delay := time.Duration(c.attempts) * s.opts.BaseDelay
		attempt := c.attempts
		s.mu.Unlock()

		s.opts.Logger.Warn("stream reconnecting",
			"province", c.province,
			"attempt", attempt,
			"delay", delay,
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		s.mu.Lock()
		if s.conns[c.province] != c {
			s.mu.Unlock()
			return
		}
		c.state = stateConnecting
		s.mu.Unlock()
	}
}

// readLoop pumps messages until the socket fails. Malformed payloads
// are logged and dropped without touching connection state.
func (s *Supervisor) readLoop(ctx context.Context, c *conn, sock Socket) {
	for {
		data, err := sock.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.opts.Logger.Warn("stream read failed", "province", c.province, "error", err)
				s.mu.Lock()
				if s.conns[c.province] == c {
					c.state = stateBackingOff
				}
				s.mu.Unlock()
			}
			return
		}

		// Any traffic counts as liveness, even payloads we end up
		// dropping.
		s.mu.Lock()
		if s.conns[c.province] == c {
			c.lastMessage = s.now()
		}
		s.mu.Unlock()

		snap, err := telemetry.DecodeSnapshot(data)
		if err != nil {
			s.opts.Logger.Warn("dropping malformed snapshot", "province", c.province, "error", err)
			continue
		}

		s.handler.HandleSnapshot(c.province, snap)
	}
}

// sweepLoop periodically recycles connections that have subscribers
// but have gone silent past the staleness threshold. A half-open
// socket can report connected indefinitely without delivering
// anything; the sweep is the only detector for that.
func (s *Supervisor) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Supervisor) sweep() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for p, c := range s.conns {
		if c.state == stateAbandoned {
			continue
		}
		if now.Sub(c.lastMessage) <= s.opts.StaleAfter {
			continue
		}
		if !s.handler.HasSubscribers(p) {
			// A stray reconnect created this with nobody listening;
			// tear it down instead of recycling.
			c.cancel()
			if c.sock != nil {
				_ = c.sock.Close()
			}
			delete(s.conns, p)
			continue
		}
		s.opts.Logger.Warn("stream stale, recycling",
			"province", p,
			"last_message", c.lastMessage,
		)
		s.startLocked(p)
	}
}
