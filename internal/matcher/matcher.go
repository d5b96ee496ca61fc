package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/example/trip-matching/internal/geo"
	"github.com/example/trip-matching/internal/models"
	"github.com/example/trip-matching/internal/observability"
	"github.com/example/trip-matching/internal/storage"
)

// MaxAttempts bounds how often a trip may be sent to the matching engine.
const MaxAttempts = models.MaxMatchAttempts

// Stable machine-readable failure codes carried in every error response.
const (
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeTripNotFound       = "TRIP_NOT_FOUND"
	CodeMaxAttempts        = "MAX_ATTEMPTS_REACHED"
	CodeInProgress         = "MATCH_IN_PROGRESS"
	CodeInsufficientPoints = "INSUFFICIENT_POINTS"
	CodeOSRMUnavailable    = "OSRM_UNAVAILABLE"
	CodeMatchFailed        = "MATCH_FAILED"
	CodeInternal           = "INTERNAL_ERROR"
)

// RoadMatcher is the capability interface over the external map-matching
// engine. Implementations must return a normalized outcome, never an error.
type RoadMatcher interface {
	Match(points []models.GpsPoint, referenceKm float64) models.MatchOutcome
}

// Guard is an optional advisory in-flight marker for duplicate triggers.
type Guard interface {
	Acquire(ctx context.Context, tripID string) bool
	Release(ctx context.Context, tripID string)
}

// EventSink receives committed outcomes; publishing is best-effort.
type EventSink interface {
	Publish(ctx context.Context, ev models.MatchEvent) error
}

// Notifier pushes committed outcomes to live subscribers; best-effort.
type Notifier interface {
	Notify(tripID string, ev models.MatchEvent)
}

// Service drives one matching attempt end to end: eligibility, the attempt
// budget, the pending|failed -> processing -> matched|failed transitions,
// and durable commit of whatever the engine returned. It keeps no state
// between invocations; every call re-reads the trip from the store.
type Service struct {
	Store        storage.ResultStore
	Points       storage.PointSource
	Road         RoadMatcher // nil when no engine endpoint is configured
	Guard        Guard
	Events       EventSink
	Notify       Notifier
	Logger       *slog.Logger
	FetchTimeout time.Duration
}

// AttemptMatch performs at most one external matching call for the trip and
// returns the response envelope. Failures are reported in the envelope's
// Code/Error fields, never as Go errors.
func (s *Service) AttemptMatch(ctx context.Context, tripID string) models.MatchResponse {
	start := time.Now()
	resp := s.attempt(ctx, tripID)
	observability.MatchDuration.Observe(time.Since(start).Seconds())
	return resp
}

func (s *Service) attempt(ctx context.Context, tripID string) models.MatchResponse {
	log := s.logger().With("trip_id", tripID)

	trip, err := s.Store.ReadTripMatchState(ctx, tripID)
	if errors.Is(err, storage.ErrNotFound) {
		return failureResponse(tripID, CodeTripNotFound, fmt.Sprintf("trip %s not found", tripID))
	}
	if err != nil {
		log.Error("read trip state", "error", err)
		return failureResponse(tripID, CodeInternal, err.Error())
	}

	// walking trips are never road-matched: no attempt consumed, no stored
	// state touched, repeated calls all answer the same way
	if trip.Mode == models.ModeWalking {
		return models.MatchResponse{
			Success:     true,
			TripID:      tripID,
			MatchStatus: models.StatusSkipped,
			HaversineKm: trip.HaversineKm,
			Reason:      "walking trips are not road-matched",
		}
	}

	if trip.Attempts >= MaxAttempts {
		return failureResponse(tripID, CodeMaxAttempts,
			fmt.Sprintf("trip %s already used %d of %d matching attempts", tripID, trip.Attempts, MaxAttempts))
	}

	if s.Road == nil {
		return failureResponse(tripID, CodeOSRMUnavailable, "matching engine endpoint not configured")
	}

	if s.Guard != nil {
		if !s.Guard.Acquire(ctx, tripID) {
			return failureResponse(tripID, CodeInProgress, fmt.Sprintf("trip %s is already being matched", tripID))
		}
		defer s.Guard.Release(ctx, tripID)
	}

	// durable in-flight marker before any external call; losing this CAS
	// means a concurrent attempt owns the trip
	err = s.Store.SetStatus(ctx, tripID, models.StatusProcessing, models.StatusPending, models.StatusFailed)
	if errors.Is(err, storage.ErrConflict) {
		// lost the transition: either another attempt is in flight or a
		// concurrent run just spent the last of the budget
		if cur, rerr := s.Store.ReadTripMatchState(ctx, tripID); rerr == nil && cur.Attempts >= MaxAttempts {
			return failureResponse(tripID, CodeMaxAttempts,
				fmt.Sprintf("trip %s already used %d of %d matching attempts", tripID, cur.Attempts, MaxAttempts))
		}
		return failureResponse(tripID, CodeInProgress, fmt.Sprintf("trip %s is already being matched", tripID))
	}
	if err != nil {
		log.Error("mark processing", "error", err)
		return failureResponse(tripID, CodeInternal, err.Error())
	}

	points, err := s.fetchPoints(ctx, tripID)
	if err != nil {
		log.Error("fetch points", "error", err)
		out := models.MatchOutcome{Status: models.StatusFailed, Error: fmt.Sprintf("fetch points: %v", err)}
		return s.commit(ctx, log, trip, out, CodeInternal)
	}

	if len(points) < 3 {
		out := models.MatchOutcome{
			Status: models.StatusFailed,
			Error:  fmt.Sprintf("Insufficient GPS points: %d (minimum 3)", len(points)),
		}
		return s.commit(ctx, log, trip, out, CodeInsufficientPoints)
	}

	haversineKm := trip.HaversineKm
	if haversineKm <= 0 {
		haversineKm = geo.TrackLengthKm(points)
	}
	trip.HaversineKm = haversineKm

	out := s.Road.Match(points, haversineKm)

	code := ""
	if !out.Success {
		code = CodeMatchFailed
		if out.Transient {
			code = CodeOSRMUnavailable
		}
	}
	return s.commit(ctx, log, trip, out, code)
}

// commit persists the outcome (consuming one attempt), fans it out to the
// event sink and live subscribers, and shapes the response.
func (s *Service) commit(ctx context.Context, log *slog.Logger, trip *models.Trip, out models.MatchOutcome, code string) models.MatchResponse {
	if err := s.Store.CommitOutcome(ctx, trip.ID, out); err != nil {
		// a lost commit would desynchronize the attempt counter from
		// reality, so this one is surfaced instead of absorbed
		log.Error("commit outcome", "error", err)
		return failureResponse(trip.ID, CodeInternal, fmt.Sprintf("persist match outcome: %v", err))
	}

	attempts := trip.Attempts + 1
	observability.MatchAttemptsTotal.WithLabelValues(string(out.Status)).Inc()

	ev := models.MatchEvent{
		TripID:     trip.ID,
		Status:     out.Status,
		Attempts:   attempts,
		RoadKm:     out.RoadKm,
		Confidence: out.Confidence,
		OccurredAt: time.Now(),
	}
	if s.Events != nil {
		if err := s.Events.Publish(ctx, ev); err != nil {
			log.Warn("publish match event", "error", err)
		}
	}
	if s.Notify != nil {
		s.Notify.Notify(trip.ID, ev)
	}

	if !out.Success {
		log.Info("match attempt failed", "attempts", attempts, "reason", out.Error)
		resp := failureResponse(trip.ID, code, out.Error)
		resp.MatchStatus = models.StatusFailed
		resp.HaversineKm = trip.HaversineKm
		return resp
	}

	log.Info("trip matched",
		"attempts", attempts,
		"road_km", out.RoadKm,
		"confidence", out.Confidence,
		"geometry_points", out.GeometryPoints,
	)

	resp := models.MatchResponse{
		Success:        true,
		TripID:         trip.ID,
		MatchStatus:    models.StatusMatched,
		RoadKm:         &out.RoadKm,
		Confidence:     &out.Confidence,
		GeometryPoints: out.GeometryPoints,
		HaversineKm:    trip.HaversineKm,
	}
	if trip.HaversineKm > 0 {
		pct := round1((out.RoadKm - trip.HaversineKm) / trip.HaversineKm * 100)
		resp.DistanceChangePct = &pct
	}
	return resp
}

func (s *Service) fetchPoints(ctx context.Context, tripID string) ([]models.GpsPoint, error) {
	if s.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.FetchTimeout)
		defer cancel()
	}
	return s.Points.FetchPoints(ctx, tripID)
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func failureResponse(tripID, code, msg string) models.MatchResponse {
	return models.MatchResponse{Success: false, TripID: tripID, Code: code, Error: msg}
}

func round1(x float64) float64 { return math.Round(x*10) / 10 }
