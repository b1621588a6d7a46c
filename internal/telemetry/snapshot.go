package telemetry

import (
	"encoding/json"
	"fmt"
	"time"
)

// StatusNormal is the neutral status substituted when a snapshot omits
// a status tag.
const StatusNormal = "normal"

// FlexFloat is a float64 that tolerates the feed's loose typing: JSON
// numbers, numeric strings, and anything else (null, objects, garbage)
// all decode; non-numeric values coerce to 0.
type FlexFloat float64

func (f *FlexFloat) UnmarshalJSON(data []byte) error {
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		*f = FlexFloat(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		var parsed float64
		if _, err := fmt.Sscanf(s, "%g", &parsed); err == nil {
			*f = FlexFloat(parsed)
			return nil
		}
	}
	*f = 0
	return nil
}

// Snapshot is one inbound telemetry message for a province. Every
// field is optional on the wire; DecodeSnapshot fills documented
// defaults for absent values.
type Snapshot struct {
	FlowLPH   FlexFloat         `json:"flow_rate_lph"`
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Province  string            `json:"province"`
	Districts []DistrictReading `json:"districts"`
	Critical  []CriticalReading `json:"critical_readings"`
	PastHour  *AggregateReading `json:"past_hour"`
	Daily     *AggregateReading `json:"daily"`
}

// DistrictReading is one district's current reading inside a
// province snapshot.
type DistrictReading struct {
	District string    `json:"district"`
	FlowLPH  FlexFloat `json:"flow_rate_lph"`
	Status   string    `json:"status"`
}

// CriticalReading is a reading the upstream flagged as requiring
// operator attention.
type CriticalReading struct {
	Province string    `json:"province"`
	District string    `json:"district"`
	Status   string    `json:"status"`
	FlowLPH  FlexFloat `json:"flow_rate_lph"`
}

// AggregateReading is a rolling average with its status tag. The zero
// value (0, "normal") is the documented neutral default.
type AggregateReading struct {
	AverageLPH FlexFloat `json:"average_lph"`
	Status     string    `json:"status"`
}

// DecodeSnapshot parses a raw feed payload and substitutes defaults
// for absent fields. Malformed JSON is an error; the caller logs and
// drops the message.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	if s.Status == "" {
		s.Status = StatusNormal
	}
	for i := range s.Districts {
		if s.Districts[i].Status == "" {
			s.Districts[i].Status = StatusNormal
		}
	}
	for i := range s.Critical {
		if s.Critical[i].Status == "" {
			s.Critical[i].Status = StatusNormal
		}
	}
	if s.PastHour != nil && s.PastHour.Status == "" {
		s.PastHour.Status = StatusNormal
	}
	if s.Daily != nil && s.Daily.Status == "" {
		s.Daily.Status = StatusNormal
	}
	return &s, nil
}

// WaterDataPoint is the retained top-level reading for a province.
type WaterDataPoint struct {
	Province  Province  `json:"province"`
	FlowLPH   float64   `json:"flow_rate_lph"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// DistrictPoint is a retained district reading tagged with its parent
// province and the time it was merged.
type DistrictPoint struct {
	Province  Province  `json:"province"`
	District  string    `json:"district"`
	FlowLPH   float64   `json:"flow_rate_lph"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}
