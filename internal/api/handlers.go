// Package api serves the read-side query surface: per-province
// projections, connection health, cache control, and daemon health.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Mucyo-Ivan/smartend/internal/aggregate"
	"github.com/Mucyo-Ivan/smartend/internal/dashboard"
	"github.com/Mucyo-Ivan/smartend/internal/stream"
	"github.com/Mucyo-Ivan/smartend/internal/subs"
	"github.com/Mucyo-Ivan/smartend/internal/telemetry"
)

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Agg           *aggregate.Store
	Hub           *dashboard.Hub
	Registry      *subs.Registry
	Logger        *slog.Logger
	StartTime     time.Time
	StorageDriver string
	StoragePath   string
	Version       string
}

// apiError is a JSON error response.
type apiError struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, apiError{Error: msg, Code: status})
}

// ListProvinces handles GET /api/v1/provinces
func (h *Handlers) ListProvinces(w http.ResponseWriter, r *http.Request) {
	type provinceSummary struct {
		Province  telemetry.Province       `json:"province"`
		Connected bool                     `json:"connected"`
		Current   telemetry.WaterDataPoint `json:"current"`
		Stale     bool                     `json:"stale"`
	}

	statuses := h.Registry.ConnectionStatus()
	result := make([]provinceSummary, 0, 5)
	for _, view := range h.Hub.Views() {
		result = append(result, provinceSummary{
			Province:  view.Province,
			Connected: statuses[view.Province].Connected,
			Current:   view.Current,
			Stale:     view.Stale,
		})
	}
	writeJSON(w, http.StatusOK, result)
}

// GetProvinceView handles GET /api/v1/provinces/{province}/view
func (h *Handlers) GetProvinceView(w http.ResponseWriter, r *http.Request) {
	feed := h.Hub.Feed(r.PathValue("province"))
	if feed == nil {
		writeError(w, http.StatusNotFound, "unknown province")
		return
	}
	writeJSON(w, http.StatusOK, feed.View())
}

// GetConnections handles GET /api/v1/connections
func (h *Handlers) GetConnections(w http.ResponseWriter, r *http.Request) {
	type connEntry struct {
		Province telemetry.Province `json:"province"`
		stream.ConnStatus
	}

	statuses := h.Registry.ConnectionStatus()
	result := make([]connEntry, 0, len(statuses))
	for _, p := range telemetry.Provinces() {
		if st, ok := statuses[p]; ok {
			result = append(result, connEntry{Province: p, ConnStatus: st})
		}
	}
	writeJSON(w, http.StatusOK, result)
}

// ClearCache handles POST /api/v1/cache/clear
func (h *Handlers) ClearCache(w http.ResponseWriter, r *http.Request) {
	if err := h.Agg.Clear(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to clear persisted state")
		return
	}
	h.Logger.Info("aggregation cache cleared")
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// Health handles GET /api/v1/health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	type provinceHealth struct {
		Province    telemetry.Province `json:"province"`
		Stream      string             `json:"stream"`
		Attempts    int                `json:"reconnect_attempts"`
		LastMessage string             `json:"last_message,omitempty"`
	}

	statuses := h.Registry.ConnectionStatus()
	provinces := make([]provinceHealth, 0, len(statuses))
	allConnected := len(statuses) > 0
	for _, p := range telemetry.Provinces() {
		st, ok := statuses[p]
		if !ok {
			continue
		}
		ph := provinceHealth{
			Province: p,
			Stream:   st.State,
			Attempts: st.Attempts,
		}
		if !st.LastMessage.IsZero() {
			ph.LastMessage = st.LastMessage.Format(time.RFC3339)
		}
		if !st.Connected {
			allConnected = false
		}
		provinces = append(provinces, ph)
	}

	status := "ok"
	if !allConnected || h.Agg.Stale() {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    status,
		"version":   h.Version,
		"uptime":    formatUptime(time.Since(h.StartTime)),
		"stale":     h.Agg.Stale(),
		"provinces": provinces,
		"storage": map[string]string{
			"driver": h.StorageDriver,
			"path":   h.StoragePath,
		},
	})
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	default:
		return fmt.Sprintf("%dm", minutes)
	}
}
