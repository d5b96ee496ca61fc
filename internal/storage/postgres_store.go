package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/trip-matching/internal/models"
)

// PostgresStore implements ResultStore and PointSource on top of the trips
// and trip_points tables. Route geometry is stored as a JSON coordinate
// array in a text column.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) ReadTripMatchState(ctx context.Context, tripID string) (*models.Trip, error) {
	var (
		t        models.Trip
		road     sql.NullFloat64
		conf     sql.NullFloat64
		geom     sql.NullString
		matchErr sql.NullString
	)
	err := p.db.QueryRowContext(ctx, `SELECT id, haversine_distance_km, transport_mode, match_status,
		match_attempts, road_distance_km, match_confidence, route_geometry, match_error, updated_at
		FROM trips WHERE id = $1`, tripID).Scan(
		&t.ID, &t.HaversineKm, &t.Mode, &t.Status, &t.Attempts, &road, &conf, &geom, &matchErr, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read trip %s: %w", tripID, err)
	}
	if road.Valid {
		t.RoadKm = &road.Float64
	}
	if conf.Valid {
		t.Confidence = &conf.Float64
	}
	if geom.Valid && geom.String != "" {
		if err := json.Unmarshal([]byte(geom.String), &t.Geometry); err != nil {
			return nil, fmt.Errorf("decode geometry for trip %s: %w", tripID, err)
		}
	}
	if matchErr.Valid {
		t.MatchError = matchErr.String
	}
	return &t, nil
}

func (p *PostgresStore) SetStatus(ctx context.Context, tripID string, status models.MatchStatus, expectedPrior ...models.MatchStatus) error {
	query := `UPDATE trips SET match_status = $2, updated_at = $3 WHERE id = $1`
	args := []interface{}{tripID, string(status), time.Now()}
	if len(expectedPrior) > 0 {
		prior := make([]string, len(expectedPrior))
		for i, s := range expectedPrior {
			prior[i] = string(s)
		}
		query += ` AND match_status = ANY($4)`
		args = append(args, pq.Array(prior))
	}
	if status == models.StatusProcessing {
		// budget enforced at the transition itself: an invocation that
		// read a stale attempt count loses here instead of starting a
		// fourth attempt
		query += fmt.Sprintf(` AND match_attempts < %d`, models.MaxMatchAttempts)
	}
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("set status for trip %s: %w", tripID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// either the row is missing or another attempt won the transition
		if _, rerr := p.ReadTripMatchState(ctx, tripID); rerr != nil {
			return rerr
		}
		return ErrConflict
	}
	return nil
}

func (p *PostgresStore) CommitOutcome(ctx context.Context, tripID string, out models.MatchOutcome) error {
	var (
		road sql.NullFloat64
		conf sql.NullFloat64
		geom sql.NullString
		merr sql.NullString
	)
	if out.Success {
		road = sql.NullFloat64{Float64: out.RoadKm, Valid: true}
		conf = sql.NullFloat64{Float64: out.Confidence, Valid: true}
		b, err := json.Marshal(out.Geometry)
		if err != nil {
			return fmt.Errorf("encode geometry for trip %s: %w", tripID, err)
		}
		geom = sql.NullString{String: string(b), Valid: true}
	} else {
		merr = sql.NullString{String: out.Error, Valid: true}
	}
	// match_attempts advances in place so a racing commit can never
	// overwrite the counter with a stale value
	res, err := p.db.ExecContext(ctx, `UPDATE trips SET match_status = $2,
		road_distance_km = $3, match_confidence = $4, route_geometry = $5, match_error = $6,
		match_attempts = match_attempts + 1, updated_at = $7 WHERE id = $1`,
		tripID, string(out.Status), road, conf, geom, merr, time.Now())
	if err != nil {
		return fmt.Errorf("commit outcome for trip %s: %w", tripID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) FetchPoints(ctx context.Context, tripID string) ([]models.GpsPoint, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT lat, lon, recorded_at, accuracy_m
		FROM trip_points WHERE trip_id = $1 ORDER BY recorded_at ASC`, tripID)
	if err != nil {
		return nil, fmt.Errorf("fetch points for trip %s: %w", tripID, err)
	}
	defer rows.Close()

	var pts []models.GpsPoint
	for rows.Next() {
		var (
			pt  models.GpsPoint
			acc sql.NullFloat64
		)
		if err := rows.Scan(&pt.Lat, &pt.Lon, &pt.Timestamp, &acc); err != nil {
			return nil, fmt.Errorf("scan point for trip %s: %w", tripID, err)
		}
		if acc.Valid {
			pt.Accuracy = acc.Float64
		}
		pts = append(pts, pt)
	}
	return pts, rows.Err()
}
