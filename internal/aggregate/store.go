// Package aggregate maintains the single merged telemetry state every
// consumer reads from: latest reading per province, a bounded shared
// district list, current critical readings, and rolling averages. The
// state survives restarts through the store package and resets on
// calendar-day rollover.
package aggregate

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/Mucyo-Ivan/smartend/internal/store"
	"github.com/Mucyo-Ivan/smartend/internal/telemetry"
)

const (
	// districtCap bounds the shared district list across all
	// provinces, oldest evicted first.
	districtCap = 10

	// maxStateAge is how stale a persisted state may be before
	// hydrate discards it.
	maxStateAge = 24 * time.Hour

	// staleAfter is how long without a merge before the freshness
	// check flags the cache stale.
	staleAfter = time.Hour

	// persistTimeout bounds each storage write.
	persistTimeout = 5 * time.Second
)

// State is the persisted aggregation state. Latest holds exactly one
// point per province; a rolling per-province window was considered and
// rejected (see DESIGN.md).
type State struct {
	Latest         map[telemetry.Province]telemetry.WaterDataPoint   `json:"latest"`
	DistrictPoints []telemetry.DistrictPoint                         `json:"district_points"`
	Critical       []telemetry.CriticalReading                       `json:"critical_readings"`
	PastHour       map[telemetry.Province]telemetry.AggregateReading `json:"past_hour"`
	DailyAverage   map[telemetry.Province]telemetry.AggregateReading `json:"daily_average"`
	LastUpdated    time.Time                                         `json:"last_updated"`
	CurrentDay     string                                            `json:"current_day"`
}

// View is the read-only per-province projection consumers render from.
type View struct {
	Current      telemetry.WaterDataPoint    `json:"current"`
	Districts    []telemetry.DistrictPoint   `json:"districts"`
	Critical     []telemetry.CriticalReading `json:"critical_readings"`
	PastHour     telemetry.AggregateReading  `json:"past_hour"`
	DailyAverage telemetry.AggregateReading  `json:"daily_average"`
	Stale        bool                        `json:"stale"`
	LastUpdated  time.Time                   `json:"last_updated"`
}

// Store merges inbound snapshots into the shared state and persists it
// after every mutation. Safe for concurrent use.
type Store struct {
	db     store.Store
	logger *slog.Logger
	now    func() time.Time

	mu    sync.RWMutex
	state State
	stale bool

	// persistMu orders marshal and save as a unit, so the last write
	// to durable storage always carries the newest state.
	persistMu sync.Mutex
}

// NewStore creates an empty aggregation store. Call Hydrate to adopt
// persisted state.
func NewStore(db store.Store, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
	s.state = defaultState(s.now())
	return s
}

func defaultState(now time.Time) State {
	return State{
		Latest:       make(map[telemetry.Province]telemetry.WaterDataPoint),
		PastHour:     make(map[telemetry.Province]telemetry.AggregateReading),
		DailyAverage: make(map[telemetry.Province]telemetry.AggregateReading),
		CurrentDay:   now.Format(time.DateOnly),
	}
}

// Ingest merges one snapshot into the state and persists the result.
// It satisfies subs.SinkFunc and is installed as the registry's
// permanent dispatch sink.
func (s *Store) Ingest(province telemetry.Province, snap *telemetry.Snapshot) {
	now := s.now()

	// A snapshot may carry its own province tag; trust it when it
	// normalizes, otherwise fall back to the connection's key.
	if p, ok := telemetry.NormalizeProvince(snap.Province); ok {
		province = p
	}

	ts := snap.Timestamp
	if ts.IsZero() {
		ts = now
	}

	s.mu.Lock()
	s.state.Latest[province] = telemetry.WaterDataPoint{
		Province:  province,
		FlowLPH:   float64(snap.FlowLPH),
		Status:    snap.Status,
		Timestamp: ts,
	}

	if len(snap.Districts) > 0 {
		kept := s.state.DistrictPoints[:0]
		for _, dp := range s.state.DistrictPoints {
			if dp.Province != province {
				kept = append(kept, dp)
			}
		}
		for _, d := range snap.Districts {
			kept = append(kept, telemetry.DistrictPoint{
				Province:  province,
				District:  d.District,
				FlowLPH:   float64(d.FlowLPH),
				Status:    d.Status,
				Timestamp: ts,
			})
		}
		if len(kept) > districtCap {
			kept = kept[len(kept)-districtCap:]
		}
		s.state.DistrictPoints = append([]telemetry.DistrictPoint(nil), kept...)
	}

	if len(snap.Critical) > 0 {
		kept := make([]telemetry.CriticalReading, 0, len(s.state.Critical)+len(snap.Critical))
		for _, cr := range s.state.Critical {
			if p, ok := telemetry.NormalizeProvince(cr.Province); !ok || p != province {
				kept = append(kept, cr)
			}
		}
		for _, cr := range snap.Critical {
			if cr.Province == "" {
				cr.Province = string(province)
			}
			kept = append(kept, cr)
		}
		s.state.Critical = kept
	}

	if snap.PastHour != nil {
		s.state.PastHour[province] = *snap.PastHour
	}
	if snap.Daily != nil {
		s.state.DailyAverage[province] = *snap.Daily
	}

	s.state.LastUpdated = now
	s.state.CurrentDay = now.Format(time.DateOnly)
	s.stale = false
	s.mu.Unlock()

	s.persist()
}

// persist writes the full state to durable storage. Best effort:
// failures are logged and the in-memory state stays authoritative.
func (s *Store) persist() {
	if s.db == nil {
		return
	}

	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.RLock()
	data, err := json.Marshal(s.state)
	s.mu.RUnlock()
	if err != nil {
		s.logger.Error("marshaling telemetry state", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.db.SaveState(ctx, data); err != nil {
		s.logger.Error("persisting telemetry state", "error", err)
	}
}

// Hydrate adopts persisted state at process start. Absent, unreadable,
// day-rolled, or >24h-stale state is discarded in favor of defaults.
func (s *Store) Hydrate(ctx context.Context) error {
	now := s.now()

	if s.db == nil {
		return nil
	}
	data, err := s.db.LoadState(ctx)
	if err != nil {
		s.logger.Error("loading telemetry state", "error", err)
		return nil
	}
	if data == nil {
		return nil
	}

	var loaded State
	if err := json.Unmarshal(data, &loaded); err != nil {
		s.logger.Warn("discarding unreadable telemetry state", "error", err)
		return nil
	}
	if loaded.CurrentDay != now.Format(time.DateOnly) {
		s.logger.Info("discarding telemetry state from previous day",
			"stored_day", loaded.CurrentDay)
		return nil
	}
	if now.Sub(loaded.LastUpdated) > maxStateAge {
		s.logger.Info("discarding stale telemetry state",
			"last_updated", loaded.LastUpdated)
		return nil
	}

	if loaded.Latest == nil {
		loaded.Latest = make(map[telemetry.Province]telemetry.WaterDataPoint)
	}
	if loaded.PastHour == nil {
		loaded.PastHour = make(map[telemetry.Province]telemetry.AggregateReading)
	}
	if loaded.DailyAverage == nil {
		loaded.DailyAverage = make(map[telemetry.Province]telemetry.AggregateReading)
	}

	s.mu.Lock()
	s.state = loaded
	s.mu.Unlock()
	s.logger.Info("telemetry state hydrated", "last_updated", loaded.LastUpdated)
	return nil
}

// Clear resets the state to the same defaults a cold start would
// produce, and persists the reset.
func (s *Store) Clear(ctx context.Context) error {
	now := s.now()

	s.mu.Lock()
	s.state = defaultState(now)
	s.stale = false
	s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	if err := s.db.ClearState(ctx); err != nil {
		s.logger.Error("clearing persisted telemetry state", "error", err)
		return err
	}
	return nil
}

// CheckFreshness recomputes the staleness flag: the cache is stale
// when the calendar day has rolled or no merge happened for an hour.
// The flag is advisory; it never resets state.
func (s *Store) CheckFreshness() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	dayRolled := s.state.CurrentDay != now.Format(time.DateOnly)
	quiet := !s.state.LastUpdated.IsZero() && now.Sub(s.state.LastUpdated) > staleAfter
	noData := s.state.LastUpdated.IsZero()
	s.stale = dayRolled || quiet || noData
}

// RunFreshness re-evaluates staleness on a fixed period until the
// context is cancelled.
func (s *Store) RunFreshness(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.CheckFreshness()
		}
	}
}

// Stale reports the last freshness verdict.
func (s *Store) Stale() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stale
}

// Project derives the read-only view for one province. Slices are
// copied; the caller may hold the view indefinitely.
func (s *Store) Project(province telemetry.Province) View {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v := View{
		Current:     s.state.Latest[province],
		Districts:   append([]telemetry.DistrictPoint(nil), s.state.DistrictPoints...),
		Critical:    append([]telemetry.CriticalReading(nil), s.state.Critical...),
		Stale:       s.stale,
		LastUpdated: s.state.LastUpdated,
	}
	if v.Current.Province == "" {
		v.Current.Province = province
		v.Current.Status = telemetry.StatusNormal
	}
	if ph, ok := s.state.PastHour[province]; ok {
		v.PastHour = ph
	} else {
		v.PastHour = telemetry.AggregateReading{Status: telemetry.StatusNormal}
	}
	if da, ok := s.state.DailyAverage[province]; ok {
		v.DailyAverage = da
	} else {
		v.DailyAverage = telemetry.AggregateReading{Status: telemetry.StatusNormal}
	}
	return v
}
