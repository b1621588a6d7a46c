// Package dashboard is the consumer adapter surface: one feed per
// province projecting the aggregation store's state and surfacing
// connection health. Feeds subscribe through the registry and never
// talk to the connection supervisor directly.
package dashboard

import (
	"log/slog"
	"sync"
	"time"

	"github.com/Mucyo-Ivan/smartend/internal/aggregate"
	"github.com/Mucyo-Ivan/smartend/internal/stream"
	"github.com/Mucyo-Ivan/smartend/internal/subs"
	"github.com/Mucyo-Ivan/smartend/internal/telemetry"
)

const defaultPollInterval = 5 * time.Second

// FeedView is everything a dashboard widget needs for one province.
type FeedView struct {
	Province   telemetry.Province `json:"province"`
	aggregate.View
	Connection stream.ConnStatus `json:"connection"`
}

// Feed is one province's read hook. Its subscription callback never
// inspects the raw snapshot; it re-projects from the aggregation
// store, which the registry's sink has already updated by the time
// subscriber callbacks run.
type Feed struct {
	province telemetry.Province
	agg      *aggregate.Store
	reg      *subs.Registry
	sub      *subs.Subscription

	mu     sync.RWMutex
	view   aggregate.View
	status stream.ConnStatus
}

// View returns the feed's current composite state.
func (f *Feed) View() FeedView {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return FeedView{
		Province:   f.province,
		View:       f.view,
		Connection: f.status,
	}
}

func (f *Feed) onSnapshot(*telemetry.Snapshot) {
	view := f.agg.Project(f.province)
	f.mu.Lock()
	f.view = view
	f.mu.Unlock()
}

func (f *Feed) refresh() {
	view := f.agg.Project(f.province)
	status := f.reg.ConnectionStatus()[f.province]
	f.mu.Lock()
	f.view = view
	f.status = status
	f.mu.Unlock()
}

// Hub owns one feed per province plus the shared status poller.
type Hub struct {
	agg    *aggregate.Store
	reg    *subs.Registry
	logger *slog.Logger

	poll  time.Duration
	feeds map[telemetry.Province]*Feed
	stop  chan struct{}
	done  chan struct{}
}

// NewHub subscribes a feed for every province and starts the status
// poller. Callers must Close it.
func NewHub(agg *aggregate.Store, reg *subs.Registry, logger *slog.Logger) (*Hub, error) {
	return newHub(agg, reg, logger, defaultPollInterval)
}

func newHub(agg *aggregate.Store, reg *subs.Registry, logger *slog.Logger, poll time.Duration) (*Hub, error) {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		agg:    agg,
		reg:    reg,
		logger: logger,
		poll:   poll,
		feeds:  make(map[telemetry.Province]*Feed),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	for _, p := range telemetry.Provinces() {
		f := &Feed{province: p, agg: agg, reg: reg}
		sub, err := reg.Subscribe(string(p), f.onSnapshot)
		if err != nil {
			h.closeFeeds()
			close(h.done)
			return nil, err
		}
		f.sub = sub
		f.refresh()
		h.feeds[p] = f
	}

	go h.pollLoop()
	return h, nil
}

// Feed returns the province's feed, or nil for an unknown province.
func (h *Hub) Feed(province string) *Feed {
	p, ok := telemetry.NormalizeProvince(province)
	if !ok {
		return nil
	}
	return h.feeds[p]
}

// Views returns the current view of every province in canonical order.
func (h *Hub) Views() []FeedView {
	out := make([]FeedView, 0, len(h.feeds))
	for _, p := range telemetry.Provinces() {
		if f, ok := h.feeds[p]; ok {
			out = append(out, f.View())
		}
	}
	return out
}

// Close unsubscribes every feed and stops the poller.
func (h *Hub) Close() {
	close(h.stop)
	<-h.done
	h.closeFeeds()
}

func (h *Hub) closeFeeds() {
	for _, f := range h.feeds {
		if f.sub != nil {
			f.sub.Unsubscribe()
		}
	}
}

func (h *Hub) pollLoop() {
	defer close(h.done)

	ticker := time.NewTicker(h.poll)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			for _, f := range h.feeds {
				f.refresh()
			}
		}
	}
}
