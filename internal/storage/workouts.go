package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lowaak/treadmill-sync/internal/workout"
)

func (s *Store) CreateWorkout(ctx context.Context, uuid string, start time.Time) (int64, error) {
	now := s.timestamp()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO workouts (uuid, start_time, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		uuid, workout.FormatTimestamp(start), string(workout.StatusInProgress), now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to create workout: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) GetWorkout(ctx context.Context, id int64) (*workout.Workout, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workoutColumns+` FROM workouts WHERE id = ?`, id)
	w, err := scanWorkout(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("workout %d: %w", id, ErrNotFound)
	}
	return w, err
}

func (s *Store) GetInProgressWorkout(ctx context.Context) (*workout.Workout, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+workoutColumns+` FROM workouts WHERE status = ? LIMIT 1`, string(workout.StatusInProgress))
	w, err := scanWorkout(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return w, err
}

// MarkWorkoutFailed fails an in-progress workout. Terminal workouts are left untouched.
func (s *Store) MarkWorkoutFailed(ctx context.Context, id int64, reason string) error {
	now := s.timestamp()
	res, err := s.db.ExecContext(ctx,
		`UPDATE workouts SET status = ?, failure_reason = ?, end_time = COALESCE(end_time, ?), updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(workout.StatusFailed), reason, now, now, id, string(workout.StatusInProgress))
	if err != nil {
		return fmt.Errorf("failed to mark workout %d failed: %w", id, err)
	}
	return s.checkUpdated(ctx, res, id)
}

func (s *Store) AddSample(ctx context.Context, sample workout.Sample) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO workout_samples (workout_id, timestamp, speed, incline, distance, calories, steps, heart_rate,
		 distance_raw, calories_raw, steps_raw) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sample.WorkoutID, workout.FormatTimestamp(sample.Timestamp),
		nullable(sample.Speed), nullable(sample.Incline), nullable(sample.Distance), nullable(sample.Calories),
		nullable(sample.Steps), nullable(sample.HeartRate),
		nullable(sample.DistanceRaw), nullable(sample.CaloriesRaw), nullable(sample.StepsRaw))
	if err != nil {
		return 0, fmt.Errorf("failed to add sample to workout %d: %w", sample.WorkoutID, err)
	}
	return res.LastInsertId()
}

func (s *Store) GetLatestSample(ctx context.Context, workoutID int64) (*workout.Sample, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sampleColumns+` FROM workout_samples WHERE workout_id = ? ORDER BY timestamp DESC, id DESC LIMIT 1`,
		workoutID)
	sample, err := scanSample(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sample, err
}

func (s *Store) GetFirstSampleTimestamp(ctx context.Context, workoutID int64) (*time.Time, error) {
	var first sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(timestamp) FROM workout_samples WHERE workout_id = ?`, workoutID).Scan(&first)
	if err != nil {
		return nil, err
	}
	if !first.Valid {
		return nil, nil
	}
	t, err := workout.ParseTimestamp(first.String)
	if err != nil {
		return nil, fmt.Errorf("workout %d first sample timestamp: %w", workoutID, err)
	}
	return &t, nil
}

// GetWorkoutAggregates summarizes a workout's samples in a single query.
// Distance, calories and steps are baseline relative, so their maximum is the total.
func (s *Store) GetWorkoutAggregates(ctx context.Context, workoutID int64) (workout.Aggregates, error) {
	var (
		agg             workout.Aggregates
		avgInc, maxInc  sql.NullFloat64
		avgHR           sql.NullFloat64
		maxHR           sql.NullInt64
		firstTS, lastTS sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(MAX(distance), 0), COALESCE(MAX(calories), 0), COALESCE(MAX(steps), 0),
		        COALESCE(AVG(speed), 0), COALESCE(MAX(speed), 0),
		        AVG(incline), MAX(incline), AVG(heart_rate), MAX(heart_rate),
		        MIN(timestamp), MAX(timestamp)
		 FROM workout_samples WHERE workout_id = ?`, workoutID).Scan(
		&agg.SampleCount, &agg.MaxDistance, &agg.MaxCalories, &agg.MaxSteps,
		&agg.AvgSpeed, &agg.MaxSpeed, &avgInc, &maxInc, &avgHR, &maxHR, &firstTS, &lastTS)
	if err != nil {
		return workout.Aggregates{}, fmt.Errorf("failed to aggregate workout %d: %w", workoutID, err)
	}
	agg.AvgIncline = floatPtr(avgInc)
	agg.MaxIncline = floatPtr(maxInc)
	agg.AvgHeartRate = floatPtr(avgHR)
	agg.MaxHeartRate = intPtr(maxHR)
	if firstTS.Valid {
		agg.FirstTimestamp = &firstTS.String
	}
	if lastTS.Valid {
		agg.LastTimestamp = &lastTS.String
	}
	return agg, nil
}

func (s *Store) CompleteWorkout(ctx context.Context, id int64, c workout.Completion) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workouts SET status = ?, end_time = ?, duration_seconds = ?, distance_meters = ?, steps = ?,
		 calories = ?, avg_speed = ?, max_speed = ?, avg_incline = ?, max_incline = ?,
		 avg_heart_rate = ?, max_heart_rate = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(workout.StatusCompleted), workout.FormatTimestamp(c.EndTime), c.DurationSeconds, c.DistanceMeters,
		c.Steps, c.Calories, c.AvgSpeed, c.MaxSpeed, nullable(c.AvgIncline), nullable(c.MaxIncline),
		nullable(c.AvgHeartRate), nullable(c.MaxHeartRate), s.timestamp(),
		id, string(workout.StatusInProgress))
	if err != nil {
		return fmt.Errorf("failed to complete workout %d: %w", id, err)
	}
	return s.checkUpdated(ctx, res, id)
}

// DeleteWorkout removes a workout; its samples go with it through the foreign key
func (s *Store) DeleteWorkout(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM workouts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete workout %d: %w", id, err)
	}
	return nil
}

// ListWorkouts returns workouts newest first
func (s *Store) ListWorkouts(ctx context.Context, limit, offset int) ([]workout.Workout, error) {
	return s.queryWorkouts(ctx,
		`SELECT `+workoutColumns+` FROM workouts ORDER BY start_time DESC, id DESC LIMIT ? OFFSET ?`,
		limit, offset)
}

// ListCompletedWorkoutsAfter returns completed workouts with id > afterID, oldest first
func (s *Store) ListCompletedWorkoutsAfter(ctx context.Context, afterID int64, limit int) ([]workout.Workout, error) {
	return s.queryWorkouts(ctx,
		`SELECT `+workoutColumns+` FROM workouts WHERE status = ? AND id > ? ORDER BY id LIMIT ?`,
		string(workout.StatusCompleted), afterID, limit)
}

func (s *Store) queryWorkouts(ctx context.Context, query string, args ...any) ([]workout.Workout, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]workout.Workout, 0)
	for rows.Next() {
		w, err := scanWorkout(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *w)
	}
	return result, rows.Err()
}

func (s *Store) ListSamples(ctx context.Context, workoutID int64) ([]workout.Sample, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sampleColumns+` FROM workout_samples WHERE workout_id = ? ORDER BY timestamp, id`, workoutID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]workout.Sample, 0)
	for rows.Next() {
		sample, err := scanSample(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *sample)
	}
	return result, rows.Err()
}
