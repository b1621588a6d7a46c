// Package subs is the reference-counted subscription registry: the
// only entry point consumers use to receive live telemetry. It decides
// when a province's stream connection may exist and fans every inbound
// snapshot out to the registered callbacks.
package subs

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/Mucyo-Ivan/smartend/internal/stream"
	"github.com/Mucyo-Ivan/smartend/internal/telemetry"
)

// Callback receives one parsed snapshot. Callbacks run synchronously
// in registration order on the connection's read loop, so they must
// not block.
type Callback func(*telemetry.Snapshot)

// SinkFunc is the permanent ingestion hook (the aggregation store's
// Ingest). It runs before subscriber callbacks on every dispatch and
// is not part of the reference count, so it never holds a connection
// open on its own.
type SinkFunc func(telemetry.Province, *telemetry.Snapshot)

// ConnectionSupervisor is the slice of stream.Supervisor the registry
// drives. Narrowed to an interface so tests can observe ensure/close
// calls.
type ConnectionSupervisor interface {
	Ensure(province telemetry.Province)
	Close(province telemetry.Province)
	Status() map[telemetry.Province]stream.ConnStatus
}

// Subscription is the handle returned by Subscribe. Unsubscribe is
// idempotent; handles are deduplicated by identity, so the same
// callback subscribed twice yields two independent handles.
type Subscription struct {
	registry *Registry
	province telemetry.Province
	fn       Callback
	removed  bool
}

// Unsubscribe removes the subscription. When the province's subscriber
// set becomes empty the underlying connection is closed. Calling it
// again is a no-op.
func (s *Subscription) Unsubscribe() {
	s.registry.remove(s)
}

// Registry maps provinces to their subscriber sets.
type Registry struct {
	sink   SinkFunc
	logger *slog.Logger

	mu   sync.Mutex
	sup  ConnectionSupervisor
	subs map[telemetry.Province][]*Subscription
}

// NewRegistry creates a registry with the permanent ingestion sink.
// Bind must be called with the supervisor before the first Subscribe.
func NewRegistry(sink SinkFunc, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sink:   sink,
		logger: logger,
		subs:   make(map[telemetry.Province][]*Subscription),
	}
}

// Bind attaches the connection supervisor. Separate from the
// constructor because the supervisor needs the registry as its
// handler.
func (r *Registry) Bind(sup ConnectionSupervisor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sup = sup
}

// Subscribe registers a callback for a province, creating the stream
// connection if none is active. The province name is normalized;
// unknown names are an error.
func (r *Registry) Subscribe(province string, fn Callback) (*Subscription, error) {
	p, ok := telemetry.NormalizeProvince(province)
	if !ok {
		return nil, fmt.Errorf("unknown province %q", province)
	}

	sub := &Subscription{registry: r, province: p, fn: fn}

	r.mu.Lock()
	r.subs[p] = append(r.subs[p], sub)
	sup := r.sup
	count := len(r.subs[p])
	r.mu.Unlock()

	r.logger.Debug("subscribed", "province", p, "subscribers", count)
	if sup != nil {
		sup.Ensure(p)
	}
	return sub, nil
}

func (r *Registry) remove(sub *Subscription) {
	r.mu.Lock()
	if sub.removed {
		r.mu.Unlock()
		return
	}
	sub.removed = true

	set := r.subs[sub.province]
	for i, s := range set {
		if s == sub {
			r.subs[sub.province] = append(set[:i], set[i+1:]...)
			break
		}
	}
	empty := len(r.subs[sub.province]) == 0
	if empty {
		delete(r.subs, sub.province)
	}
	sup := r.sup
	r.mu.Unlock()

	if empty && sup != nil {
		r.logger.Debug("last subscriber left", "province", sub.province)
		sup.Close(sub.province)
	}
}

// HandleSnapshot implements stream.Handler: the sink runs first, then
// every callback registered at dispatch time, in registration order.
func (r *Registry) HandleSnapshot(province telemetry.Province, snap *telemetry.Snapshot) {
	if r.sink != nil {
		r.sink(province, snap)
	}

	r.mu.Lock()
	set := make([]*Subscription, len(r.subs[province]))
	copy(set, r.subs[province])
	r.mu.Unlock()

	for _, sub := range set {
		sub.fn(snap)
	}
}

// HasSubscribers implements stream.Handler.
func (r *Registry) HasSubscribers(province telemetry.Province) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs[province]) > 0
}

// ConnectionStatus reflects the supervisor's table at call time. Pure
// read, no side effects.
func (r *Registry) ConnectionStatus() map[telemetry.Province]stream.ConnStatus {
	r.mu.Lock()
	sup := r.sup
	r.mu.Unlock()
	if sup == nil {
		return map[telemetry.Province]stream.ConnStatus{}
	}
	return sup.Status()
}
