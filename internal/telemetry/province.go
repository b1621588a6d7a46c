// Package telemetry defines the data model for the water-utility
// telemetry feed: provinces, inbound snapshots, and the point types the
// aggregation layer retains.
package telemetry

import "strings"

// Province is one of the five canonical geographic provinces the
// utility partitions its network by. All external input is normalized
// to this canonical form before use as a map key.
type Province string

const (
	Kigali   Province = "Kigali"
	Northern Province = "Northern"
	Southern Province = "Southern"
	Eastern  Province = "Eastern"
	Western  Province = "Western"
)

var provinces = []Province{Kigali, Northern, Southern, Eastern, Western}

// Provinces returns the canonical ordered list of all provinces.
// The returned slice is a copy.
func Provinces() []Province {
	out := make([]Province, len(provinces))
	copy(out, provinces)
	return out
}

// NormalizeProvince maps arbitrary-case input to its canonical
// Province. ok is false if the name is not one of the five provinces.
func NormalizeProvince(name string) (Province, bool) {
	trimmed := strings.TrimSpace(name)
	for _, p := range provinces {
		if strings.EqualFold(trimmed, string(p)) {
			return p, true
		}
	}
	return "", false
}
