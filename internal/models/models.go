package models

import "time"

type TransportMode string

const (
	ModeDriving TransportMode = "driving"
	ModeWalking TransportMode = "walking"
	ModeCycling TransportMode = "cycling"
	ModeTransit TransportMode = "transit"
)

// MaxMatchAttempts bounds how often a trip may be sent to the matching
// engine. Stores enforce it on the processing transition so a stale reader
// can never start an attempt past the budget.
const MaxMatchAttempts = 3

// MatchStatus is the state of a trip in the road-matching state machine.
type MatchStatus string

const (
	StatusPending    MatchStatus = "pending"
	StatusProcessing MatchStatus = "processing"
	StatusMatched    MatchStatus = "matched"
	StatusFailed     MatchStatus = "failed"
	StatusSkipped    MatchStatus = "skipped"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// GpsPoint is one raw location fix as recorded for a trip.
// Accuracy is in meters; 0 means the recorder reported none.
type GpsPoint struct {
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Timestamp time.Time `json:"timestamp"`
	Accuracy  float64   `json:"accuracy,omitempty"`
}

// Trip is the matching-related projection of a trip record. The full row is
// owned by the storage layer; this pipeline only reads and updates these
// fields.
type Trip struct {
	ID          string
	HaversineKm float64
	Mode        TransportMode
	Status      MatchStatus
	Attempts    int
	Confidence  *float64
	RoadKm      *float64
	Geometry    []Coord
	MatchError  string
	UpdatedAt   time.Time
}

// MatchOutcome is what the road matcher hands back for one engine call.
// Transient marks transport-level failures (engine unreachable) as opposed
// to the engine declining to match.
type MatchOutcome struct {
	Success        bool
	Status         MatchStatus // matched or failed
	Geometry       []Coord
	RoadKm         float64
	Confidence     float64
	Error          string
	GeometryPoints int
	Transient      bool
}

// MatchResponse is the envelope returned for every attempt, success or
// failure. Code and Error are set only on failures.
type MatchResponse struct {
	Success           bool        `json:"success"`
	TripID            string      `json:"trip_id"`
	MatchStatus       MatchStatus `json:"match_status,omitempty"`
	RoadKm            *float64    `json:"road_distance_km,omitempty"`
	Confidence        *float64    `json:"match_confidence,omitempty"`
	GeometryPoints    int         `json:"geometry_points"`
	HaversineKm       float64     `json:"haversine_distance_km"`
	DistanceChangePct *float64    `json:"distance_change_pct,omitempty"`
	Reason            string      `json:"reason,omitempty"`
	Code              string      `json:"code,omitempty"`
	Error             string      `json:"error,omitempty"`
}

// MatchEvent is published after every committed outcome.
type MatchEvent struct {
	TripID     string      `json:"trip_id"`
	Status     MatchStatus `json:"status"`
	Attempts   int         `json:"attempts"`
	RoadKm     float64     `json:"road_distance_km,omitempty"`
	Confidence float64     `json:"confidence,omitempty"`
	OccurredAt time.Time   `json:"occurred_at"`
}
