package matcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/example/trip-matching/internal/models"
	"github.com/example/trip-matching/internal/storage"
)

type fakeRoad struct {
	mu    sync.Mutex
	out   models.MatchOutcome
	delay time.Duration
	calls int
}

func (f *fakeRoad) Match(points []models.GpsPoint, referenceKm float64) models.MatchOutcome {
	f.mu.Lock()
	f.calls++
	out := f.out
	delay := f.delay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	return out
}

func (f *fakeRoad) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func matchedOutcome(roadKm, confidence float64, geometryPoints int) models.MatchOutcome {
	geom := make([]models.Coord, geometryPoints)
	return models.MatchOutcome{
		Success:        true,
		Status:         models.StatusMatched,
		Geometry:       geom,
		RoadKm:         roadKm,
		Confidence:     confidence,
		GeometryPoints: geometryPoints,
	}
}

func makePoints(n int) []models.GpsPoint {
	pts := make([]models.GpsPoint, n)
	base := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	for i := range pts {
		pts[i] = models.GpsPoint{
			Lat:       52.5 + float64(i)*0.001,
			Lon:       13.4 + float64(i)*0.001,
			Timestamp: base.Add(time.Duration(i) * 5 * time.Second),
			Accuracy:  10,
		}
	}
	return pts
}

func newService(store *storage.MemoryStore, road RoadMatcher) *Service {
	return &Service{Store: store, Points: store, Road: road}
}

func TestWalkingTripSkippedWithoutMutation(t *testing.T) {
	store := storage.NewMemoryStore()
	store.PutTrip(models.Trip{ID: "t1", Mode: models.ModeWalking, Status: models.StatusPending, HaversineKm: 2.5})
	store.PutPoints("t1", makePoints(20))
	road := &fakeRoad{}
	svc := newService(store, road)

	for i := 0; i < 2; i++ {
		resp := svc.AttemptMatch(context.Background(), "t1")
		if !resp.Success || resp.MatchStatus != models.StatusSkipped {
			t.Fatalf("call %d: expected skipped success, got %+v", i, resp)
		}
	}
	trip, _ := store.ReadTripMatchState(context.Background(), "t1")
	if trip.Attempts != 0 || trip.Status != models.StatusPending {
		t.Fatalf("walking trip mutated: attempts=%d status=%s", trip.Attempts, trip.Status)
	}
	if road.callCount() != 0 {
		t.Fatalf("engine called for walking trip")
	}
}

func TestTripNotFound(t *testing.T) {
	svc := newService(storage.NewMemoryStore(), &fakeRoad{})
	resp := svc.AttemptMatch(context.Background(), "missing")
	if resp.Success || resp.Code != CodeTripNotFound {
		t.Fatalf("expected %s, got %+v", CodeTripNotFound, resp)
	}
}

func TestMaxAttemptsReachedIsIdempotent(t *testing.T) {
	store := storage.NewMemoryStore()
	store.PutTrip(models.Trip{ID: "t1", Mode: models.ModeDriving, Status: models.StatusFailed, Attempts: 3})
	road := &fakeRoad{}
	svc := newService(store, road)

	for i := 0; i < 2; i++ {
		resp := svc.AttemptMatch(context.Background(), "t1")
		if resp.Success || resp.Code != CodeMaxAttempts {
			t.Fatalf("call %d: expected %s, got %+v", i, CodeMaxAttempts, resp)
		}
	}
	trip, _ := store.ReadTripMatchState(context.Background(), "t1")
	if trip.Attempts != 3 || trip.Status != models.StatusFailed {
		t.Fatalf("budget-exhausted trip mutated: attempts=%d status=%s", trip.Attempts, trip.Status)
	}
	if road.callCount() != 0 {
		t.Fatalf("engine called past the attempt budget")
	}
}

func TestInsufficientPointsConsumesAttempt(t *testing.T) {
	store := storage.NewMemoryStore()
	store.PutTrip(models.Trip{ID: "t1", Mode: models.ModeDriving, Status: models.StatusPending, HaversineKm: 1.2})
	store.PutPoints("t1", makePoints(2))
	road := &fakeRoad{}
	svc := newService(store, road)

	resp := svc.AttemptMatch(context.Background(), "t1")
	if resp.Success || resp.Code != CodeInsufficientPoints {
		t.Fatalf("expected %s, got %+v", CodeInsufficientPoints, resp)
	}
	trip, _ := store.ReadTripMatchState(context.Background(), "t1")
	if trip.Status != models.StatusFailed || trip.Attempts != 1 {
		t.Fatalf("expected failed/1, got %s/%d", trip.Status, trip.Attempts)
	}
	want := "Insufficient GPS points: 2 (minimum 3)"
	if trip.MatchError != want {
		t.Fatalf("expected error %q, got %q", want, trip.MatchError)
	}
	if road.callCount() != 0 {
		t.Fatalf("engine called with insufficient points")
	}
}

func TestSuccessfulMatch(t *testing.T) {
	store := storage.NewMemoryStore()
	store.PutTrip(models.Trip{ID: "t1", Mode: models.ModeDriving, Status: models.StatusPending, HaversineKm: 10.0})
	store.PutPoints("t1", makePoints(10))
	road := &fakeRoad{out: matchedOutcome(10.8, 0.92, 42)}
	svc := newService(store, road)

	resp := svc.AttemptMatch(context.Background(), "t1")
	if !resp.Success || resp.MatchStatus != models.StatusMatched {
		t.Fatalf("expected matched, got %+v", resp)
	}
	if resp.RoadKm == nil || *resp.RoadKm != 10.8 {
		t.Fatalf("expected road 10.8, got %v", resp.RoadKm)
	}
	if resp.Confidence == nil || *resp.Confidence != 0.92 {
		t.Fatalf("expected confidence 0.92, got %v", resp.Confidence)
	}
	if resp.DistanceChangePct == nil || *resp.DistanceChangePct != 8.0 {
		t.Fatalf("expected distance change 8.0, got %v", resp.DistanceChangePct)
	}
	if resp.GeometryPoints != 42 || resp.HaversineKm != 10.0 {
		t.Fatalf("unexpected response %+v", resp)
	}

	trip, _ := store.ReadTripMatchState(context.Background(), "t1")
	if trip.Status != models.StatusMatched || trip.Attempts != 1 {
		t.Fatalf("expected matched/1, got %s/%d", trip.Status, trip.Attempts)
	}
	if trip.RoadKm == nil || trip.Confidence == nil || trip.MatchError != "" {
		t.Fatalf("matched trip carries inconsistent fields: %+v", trip)
	}
}

func TestEngineUnavailableLeavesTripRetryable(t *testing.T) {
	store := storage.NewMemoryStore()
	store.PutTrip(models.Trip{ID: "t1", Mode: models.ModeDriving, Status: models.StatusPending, HaversineKm: 4.0})
	store.PutPoints("t1", makePoints(5))
	road := &fakeRoad{out: models.MatchOutcome{Status: models.StatusFailed, Error: "osrm request: connection refused", Transient: true}}
	svc := newService(store, road)

	resp := svc.AttemptMatch(context.Background(), "t1")
	if resp.Success || resp.Code != CodeOSRMUnavailable {
		t.Fatalf("expected %s, got %+v", CodeOSRMUnavailable, resp)
	}
	trip, _ := store.ReadTripMatchState(context.Background(), "t1")
	if trip.Status != models.StatusFailed || trip.Attempts != 1 {
		t.Fatalf("expected failed/1, got %s/%d", trip.Status, trip.Attempts)
	}
	if trip.RoadKm != nil || trip.Confidence != nil || trip.MatchError == "" {
		t.Fatalf("failed trip carries inconsistent fields: %+v", trip)
	}

	// the soft-terminal failed state admits another attempt
	road.mu.Lock()
	road.out = matchedOutcome(4.3, 0.8, 12)
	road.mu.Unlock()
	resp = svc.AttemptMatch(context.Background(), "t1")
	if !resp.Success {
		t.Fatalf("retry after transient failure should succeed, got %+v", resp)
	}
	trip, _ = store.ReadTripMatchState(context.Background(), "t1")
	if trip.Status != models.StatusMatched || trip.Attempts != 2 {
		t.Fatalf("expected matched/2, got %s/%d", trip.Status, trip.Attempts)
	}
}

func TestNoEngineConfigured(t *testing.T) {
	store := storage.NewMemoryStore()
	store.PutTrip(models.Trip{ID: "t1", Mode: models.ModeDriving, Status: models.StatusPending})
	store.PutPoints("t1", makePoints(5))
	svc := &Service{Store: store, Points: store, Road: nil}

	resp := svc.AttemptMatch(context.Background(), "t1")
	if resp.Success || resp.Code != CodeOSRMUnavailable {
		t.Fatalf("expected %s, got %+v", CodeOSRMUnavailable, resp)
	}
	trip, _ := store.ReadTripMatchState(context.Background(), "t1")
	if trip.Attempts != 0 || trip.Status != models.StatusPending {
		t.Fatalf("missing engine config must not consume an attempt: %+v", trip)
	}
}

func TestAttemptBudgetAcrossCalls(t *testing.T) {
	store := storage.NewMemoryStore()
	store.PutTrip(models.Trip{ID: "t1", Mode: models.ModeDriving, Status: models.StatusPending, HaversineKm: 3.0})
	store.PutPoints("t1", makePoints(6))
	road := &fakeRoad{out: models.MatchOutcome{Status: models.StatusFailed, Error: "osrm no match: NoMatch"}}
	svc := newService(store, road)

	for i := 1; i <= 3; i++ {
		resp := svc.AttemptMatch(context.Background(), "t1")
		if resp.Code != CodeMatchFailed {
			t.Fatalf("call %d: expected %s, got %+v", i, CodeMatchFailed, resp)
		}
		trip, _ := store.ReadTripMatchState(context.Background(), "t1")
		if trip.Attempts != i {
			t.Fatalf("call %d: expected attempts=%d, got %d", i, i, trip.Attempts)
		}
	}
	resp := svc.AttemptMatch(context.Background(), "t1")
	if resp.Code != CodeMaxAttempts {
		t.Fatalf("expected %s after budget, got %+v", CodeMaxAttempts, resp)
	}
	if road.callCount() != 3 {
		t.Fatalf("expected exactly 3 engine calls, got %d", road.callCount())
	}
}

func TestDistanceChangePctOmittedWithoutReferenceDistance(t *testing.T) {
	store := storage.NewMemoryStore()
	store.PutTrip(models.Trip{ID: "t1", Mode: models.ModeDriving, Status: models.StatusPending, HaversineKm: 0})
	// identical fixes: derived track length is zero as well
	pts := makePoints(4)
	for i := range pts {
		pts[i].Lat, pts[i].Lon = 52.5, 13.4
	}
	store.PutPoints("t1", pts)
	road := &fakeRoad{out: matchedOutcome(0.5, 0.6, 4)}
	svc := newService(store, road)

	resp := svc.AttemptMatch(context.Background(), "t1")
	if !resp.Success {
		t.Fatalf("expected success, got %+v", resp)
	}
	if resp.DistanceChangePct != nil {
		t.Fatalf("expected no distance change pct, got %v", *resp.DistanceChangePct)
	}
}

// staleReadStore serves one read with an outdated attempt count, the way a
// stalled invocation would see the trip before a concurrent run finished.
type staleReadStore struct {
	*storage.MemoryStore
	staleAttempts int
	served        bool
}

func (s *staleReadStore) ReadTripMatchState(ctx context.Context, tripID string) (*models.Trip, error) {
	trip, err := s.MemoryStore.ReadTripMatchState(ctx, tripID)
	if err == nil && !s.served {
		s.served = true
		trip.Attempts = s.staleAttempts
	}
	return trip, err
}

func TestStaleReadCannotExceedBudget(t *testing.T) {
	mem := storage.NewMemoryStore()
	mem.PutTrip(models.Trip{ID: "t1", Mode: models.ModeDriving, Status: models.StatusFailed, Attempts: 3, HaversineKm: 2.0})
	mem.PutPoints("t1", makePoints(6))
	store := &staleReadStore{MemoryStore: mem, staleAttempts: 2}
	road := &fakeRoad{out: matchedOutcome(2.1, 0.9, 10)}
	svc := &Service{Store: store, Points: mem, Road: road}

	resp := svc.AttemptMatch(context.Background(), "t1")
	if resp.Success || resp.Code != CodeMaxAttempts {
		t.Fatalf("expected %s for stale reader, got %+v", CodeMaxAttempts, resp)
	}
	trip, _ := mem.ReadTripMatchState(context.Background(), "t1")
	if trip.Attempts != 3 || trip.Status != models.StatusFailed {
		t.Fatalf("stale reader mutated the trip: attempts=%d status=%s", trip.Attempts, trip.Status)
	}
	if road.callCount() != 0 {
		t.Fatalf("engine called past the attempt budget")
	}
}

func TestConcurrentAttemptsNeverLoseIncrements(t *testing.T) {
	store := storage.NewMemoryStore()
	store.PutTrip(models.Trip{ID: "t1", Mode: models.ModeDriving, Status: models.StatusPending, HaversineKm: 5.0})
	store.PutPoints("t1", makePoints(8))
	road := &fakeRoad{out: matchedOutcome(5.4, 0.9, 20), delay: 20 * time.Millisecond}
	svc := newService(store, road)

	var wg sync.WaitGroup
	results := make([]models.MatchResponse, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = svc.AttemptMatch(context.Background(), "t1")
		}(i)
	}
	wg.Wait()

	completed := 0
	for _, r := range results {
		switch {
		case r.Success:
			completed++
		case r.Code == CodeInProgress:
			// duplicate declined, acceptable
		default:
			t.Fatalf("unexpected result %+v", r)
		}
	}
	trip, _ := store.ReadTripMatchState(context.Background(), "t1")
	if trip.Attempts != completed {
		t.Fatalf("attempts=%d does not match completed invocations=%d", trip.Attempts, completed)
	}
	if trip.Attempts < 1 || trip.Attempts > 2 {
		t.Fatalf("attempts out of range: %d", trip.Attempts)
	}
	if trip.Status != models.StatusMatched {
		t.Fatalf("expected matched, got %s", trip.Status)
	}
}
