package workout

import (
	"context"
	"time"
)

// Store is the durable side of the engine. Each call is atomic on its own;
// the engine never relies on multi-call transactions.
type Store interface {
	CreateWorkout(ctx context.Context, uuid string, start time.Time) (int64, error)
	GetWorkout(ctx context.Context, id int64) (*Workout, error)
	// GetInProgressWorkout returns nil, nil when no workout is in progress
	GetInProgressWorkout(ctx context.Context) (*Workout, error)
	MarkWorkoutFailed(ctx context.Context, id int64, reason string) error
	AddSample(ctx context.Context, sample Sample) (int64, error)
	GetLatestSample(ctx context.Context, workoutID int64) (*Sample, error)
	GetFirstSampleTimestamp(ctx context.Context, workoutID int64) (*time.Time, error)
	GetWorkoutAggregates(ctx context.Context, workoutID int64) (Aggregates, error)
	CompleteWorkout(ctx context.Context, id int64, c Completion) error
	DeleteWorkout(ctx context.Context, id int64) error
}
