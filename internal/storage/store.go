package storage

import (
	"context"
	"errors"

	"github.com/example/trip-matching/internal/models"
)

var (
	// ErrNotFound means the trip id has no record.
	ErrNotFound = errors.New("trip not found")
	// ErrConflict means a conditional write observed a different prior state.
	ErrConflict = errors.New("trip state conflict")
)

// ResultStore exposes atomic read/update of a trip's matching fields.
// SetStatus only succeeds when the stored status is one of expectedPrior,
// so concurrent attempts on the same trip cannot both enter processing.
// CommitOutcome increments match_attempts in place, never overwrites it.
type ResultStore interface {
	ReadTripMatchState(ctx context.Context, tripID string) (*models.Trip, error)
	SetStatus(ctx context.Context, tripID string, status models.MatchStatus, expectedPrior ...models.MatchStatus) error
	CommitOutcome(ctx context.Context, tripID string, out models.MatchOutcome) error
}

// PointSource returns a trip's recorded fixes ordered by timestamp
// ascending. An empty slice is valid input for a trip with no points.
type PointSource interface {
	FetchPoints(ctx context.Context, tripID string) ([]models.GpsPoint, error)
}
