package engine

import "github.com/satindergrewal/stemdeck/internal/analysis"

// EventKind names an engine notification.
type EventKind string

const (
	EventTick          EventKind = "tick"
	EventTracksChanged EventKind = "tracks"
	EventAnalysis      EventKind = "analysis"
	EventTransport     EventKind = "transport"
	EventWarning       EventKind = "warning"
)

// Event is published to observers. Only the fields relevant to Kind are set.
type Event struct {
	Kind          EventKind        `json:"kind"`
	Position      float64          `json:"position"`
	VideoPosition float64          `json:"video_position"`
	Playing       bool             `json:"playing"`
	Duration      float64          `json:"duration,omitempty"`
	Tracks        []TrackInfo      `json:"tracks,omitempty"`
	Analysis      *analysis.Result `json:"analysis,omitempty"`
	Warning       string           `json:"warning,omitempty"`
}
