package workout

import (
	"context"
	"time"
)

// Outcome is how a workout ended
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeCompleted
	OutcomeDiscarded
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeDiscarded:
		return "discarded"
	case OutcomeFailed:
		return "failed"
	default:
		return "none"
	}
}

// finalize aggregates the workout in storage and either completes it,
// deletes it as noise, or marks it failed.
func (e *Engine) finalize(ctx context.Context, id int64) Outcome {
	agg, err := e.store.GetWorkoutAggregates(ctx, id)
	if err != nil {
		e.logger.Printf("Engine: Aggregation failed for workout %d: %v", id, err)
		return e.fail(ctx, id, reasonAggregates)
	}

	if agg.SampleCount < int64(e.cfg.MinSamples) {
		e.logger.Printf("Engine: Discarding workout %d, %d samples (minimum %d)", id, agg.SampleCount, e.cfg.MinSamples)
		return e.discard(ctx, id)
	}

	if agg.FirstTimestamp == nil || agg.LastTimestamp == nil {
		return e.fail(ctx, id, reasonMissingStamps)
	}
	first, err := ParseTimestamp(*agg.FirstTimestamp)
	if err != nil {
		e.logger.Printf("Engine: Bad first timestamp %q for workout %d: %v", *agg.FirstTimestamp, id, err)
		return e.fail(ctx, id, reasonInvalidStamps)
	}
	last, err := ParseTimestamp(*agg.LastTimestamp)
	if err != nil {
		e.logger.Printf("Engine: Bad last timestamp %q for workout %d: %v", *agg.LastTimestamp, id, err)
		return e.fail(ctx, id, reasonInvalidStamps)
	}

	duration := last.Sub(first)
	if duration < e.cfg.MinDuration {
		e.logger.Printf("Engine: Discarding workout %d, lasted %v (minimum %v)", id, duration, e.cfg.MinDuration)
		return e.discard(ctx, id)
	}

	if agg.MaxDistance == 0 && agg.MaxCalories == 0 {
		e.logger.Printf("Engine: Discarding workout %d, no distance or calories", id)
		return e.discard(ctx, id)
	}

	c := Completion{
		EndTime:         e.now(),
		DurationSeconds: int64(duration / time.Second),
		DistanceMeters:  agg.MaxDistance,
		Steps:           agg.MaxSteps,
		Calories:        agg.MaxCalories,
		AvgSpeed:        agg.AvgSpeed,
		MaxSpeed:        agg.MaxSpeed,
		AvgIncline:      agg.AvgIncline,
		MaxIncline:      agg.MaxIncline,
		AvgHeartRate:    agg.AvgHeartRate,
		MaxHeartRate:    agg.MaxHeartRate,
	}
	if err := e.store.CompleteWorkout(ctx, id, c); err != nil {
		e.logger.Printf("Engine: Failed to complete workout %d: %v", id, err)
		return e.fail(ctx, id, reasonDBErrorPrefix+err.Error())
	}

	e.logger.Printf("Engine: Workout %d completed: %ds, %dm, %d kcal, %d samples",
		id, c.DurationSeconds, c.DistanceMeters, c.Calories, agg.SampleCount)
	e.recorder.WorkoutFinished(OutcomeCompleted.String())

	w, err := e.store.GetWorkout(ctx, id)
	if err != nil {
		e.logger.Printf("Engine: Could not load completed workout %d: %v", id, err)
		w = nil
	}
	e.publisher.Notify(Event{Type: EventWorkoutCompleted, WorkoutID: id, Workout: w})
	return OutcomeCompleted
}

func (e *Engine) discard(ctx context.Context, id int64) Outcome {
	if err := e.store.DeleteWorkout(ctx, id); err != nil {
		e.logger.Printf("Engine: Failed to delete workout %d: %v", id, err)
	}
	e.recorder.WorkoutFinished(OutcomeDiscarded.String())
	return OutcomeDiscarded
}

func (e *Engine) fail(ctx context.Context, id int64, reason string) Outcome {
	if err := e.store.MarkWorkoutFailed(ctx, id, reason); err != nil {
		e.logger.Printf("Engine: Failed to mark workout %d failed: %v", id, err)
	}
	e.recorder.WorkoutFinished(OutcomeFailed.String())
	e.publisher.Notify(Event{Type: EventWorkoutFailed, WorkoutID: id, Reason: reason})
	return OutcomeFailed
}
