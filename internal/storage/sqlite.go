package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lowaak/treadmill-sync/internal/workout"
)

const pragmas = "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

var (
	ErrNotFound      = errors.New("not found")
	ErrNotInProgress = errors.New("workout is not in progress")
)

// Store persists workouts and samples in SQLite
type Store struct {
	db     *sql.DB
	logger *log.Logger
	now    func() time.Time
}

var _ workout.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and migrates it
func Open(path string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		panic("Storage: logger cannot be nil")
	}
	db, err := sql.Open("sqlite", dataSourceName(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	// a single connection serializes writers and keeps the pragmas in effect
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database %s: %w", path, err)
	}

	s := &Store{db: db, logger: logger, now: time.Now}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	logger.Printf("Storage: Opened %s", path)
	return s, nil
}

// dataSourceName builds a file: URI for path. Each segment is escaped so '?'
// and '#' in a file name are not read as the start of the query.
func dataSourceName(path string) string {
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return "file:" + strings.Join(segments, "/") + "?" + pragmas
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) timestamp() string {
	return workout.FormatTimestamp(s.now())
}

const workoutColumns = `id, uuid, start_time, end_time, status, duration_seconds, distance_meters, steps,
	avg_speed, max_speed, avg_incline, max_incline, calories, avg_heart_rate, max_heart_rate,
	failure_reason, created_at, updated_at`

const sampleColumns = `id, workout_id, timestamp, speed, incline, distance, calories, steps, heart_rate,
	distance_raw, calories_raw, steps_raw`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkout(row rowScanner) (*workout.Workout, error) {
	var (
		w                                  workout.Workout
		start, created, updated            string
		end, status, reason                sql.NullString
		duration, distance, steps, cals    sql.NullInt64
		maxHR                              sql.NullInt64
		avgSpeed, maxSpeed, avgInc, maxInc sql.NullFloat64
		avgHR                              sql.NullFloat64
	)
	err := row.Scan(&w.ID, &w.UUID, &start, &end, &status, &duration, &distance, &steps,
		&avgSpeed, &maxSpeed, &avgInc, &maxInc, &cals, &avgHR, &maxHR,
		&reason, &created, &updated)
	if err != nil {
		return nil, err
	}

	if w.StartTime, err = workout.ParseTimestamp(start); err != nil {
		return nil, fmt.Errorf("workout %d start_time: %w", w.ID, err)
	}
	if end.Valid {
		t, err := workout.ParseTimestamp(end.String)
		if err != nil {
			return nil, fmt.Errorf("workout %d end_time: %w", w.ID, err)
		}
		w.EndTime = &t
	}
	w.CreatedAt, _ = workout.ParseTimestamp(created)
	w.UpdatedAt, _ = workout.ParseTimestamp(updated)
	w.Status = workout.Status(status.String)
	w.DurationSeconds = intPtr(duration)
	w.DistanceMeters = intPtr(distance)
	w.Steps = intPtr(steps)
	w.Calories = intPtr(cals)
	w.MaxHeartRate = intPtr(maxHR)
	w.AvgSpeed = floatPtr(avgSpeed)
	w.MaxSpeed = floatPtr(maxSpeed)
	w.AvgIncline = floatPtr(avgInc)
	w.MaxIncline = floatPtr(maxInc)
	w.AvgHeartRate = floatPtr(avgHR)
	if reason.Valid {
		w.FailureReason = &reason.String
	}
	return &w, nil
}

func scanSample(row rowScanner) (*workout.Sample, error) {
	var (
		s                                  workout.Sample
		ts                                 string
		speed, incline                     sql.NullFloat64
		distance, calories, steps, hr      sql.NullInt64
		distanceRaw, caloriesRaw, stepsRaw sql.NullInt64
	)
	err := row.Scan(&s.ID, &s.WorkoutID, &ts, &speed, &incline, &distance, &calories, &steps, &hr,
		&distanceRaw, &caloriesRaw, &stepsRaw)
	if err != nil {
		return nil, err
	}
	if s.Timestamp, err = workout.ParseTimestamp(ts); err != nil {
		return nil, fmt.Errorf("sample %d timestamp: %w", s.ID, err)
	}
	s.Speed = floatPtr(speed)
	s.Incline = floatPtr(incline)
	s.Distance = intPtr(distance)
	s.Calories = intPtr(calories)
	s.Steps = intPtr(steps)
	s.HeartRate = intPtr(hr)
	s.DistanceRaw = intPtr(distanceRaw)
	s.CaloriesRaw = intPtr(caloriesRaw)
	s.StepsRaw = intPtr(stepsRaw)
	return &s, nil
}

func intPtr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

// nullable turns a nil pointer into a NULL argument
func nullable[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

func (s *Store) checkUpdated(ctx context.Context, res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetWorkout(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("workout %d: %w", id, ErrNotInProgress)
}
