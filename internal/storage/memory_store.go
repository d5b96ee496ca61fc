package storage

import (
	"context"
	"sync"
	"time"

	"github.com/example/trip-matching/internal/models"
)

// MemoryStore keeps trips and points in process memory. It backs local runs
// without a database and the test suite; the conditional-write semantics
// match the Postgres implementation.
type MemoryStore struct {
	mu     sync.Mutex
	trips  map[string]*models.Trip
	points map[string][]models.GpsPoint
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trips:  make(map[string]*models.Trip),
		points: make(map[string][]models.GpsPoint),
	}
}

// PutTrip seeds or replaces a trip record.
func (m *MemoryStore) PutTrip(t models.Trip) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := t
	m.trips[t.ID] = &cp
}

// PutPoints seeds the point sequence for a trip.
func (m *MemoryStore) PutPoints(tripID string, pts []models.GpsPoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points[tripID] = append([]models.GpsPoint(nil), pts...)
}

func (m *MemoryStore) ReadTripMatchState(ctx context.Context, tripID string) (*models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) SetStatus(ctx context.Context, tripID string, status models.MatchStatus, expectedPrior ...models.MatchStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return ErrNotFound
	}
	if len(expectedPrior) > 0 {
		allowed := false
		for _, s := range expectedPrior {
			if t.Status == s {
				allowed = true
				break
			}
		}
		if !allowed {
			return ErrConflict
		}
	}
	if status == models.StatusProcessing && t.Attempts >= models.MaxMatchAttempts {
		return ErrConflict
	}
	t.Status = status
	t.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) CommitOutcome(ctx context.Context, tripID string, out models.MatchOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return ErrNotFound
	}
	t.Status = out.Status
	t.Attempts++
	if out.Success {
		road, conf := out.RoadKm, out.Confidence
		t.RoadKm = &road
		t.Confidence = &conf
		t.Geometry = append([]models.Coord(nil), out.Geometry...)
		t.MatchError = ""
	} else {
		t.RoadKm = nil
		t.Confidence = nil
		t.Geometry = nil
		t.MatchError = out.Error
	}
	t.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) FetchPoints(ctx context.Context, tripID string) ([]models.GpsPoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.GpsPoint(nil), m.points[tripID]...), nil
}
