package workout

type EventType string

const (
	EventWorkoutStarted   EventType = "workout_started"
	EventWorkoutSample    EventType = "workout_sample"
	EventWorkoutCompleted EventType = "workout_completed"
	EventWorkoutFailed    EventType = "workout_failed"
)

// Event is published on every session transition and recorded sample
type Event struct {
	Type      EventType `json:"type"`
	WorkoutID int64     `json:"workout_id"`
	Workout   *Workout  `json:"workout,omitempty"`
	Sample    *Sample   `json:"sample,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// Publisher receives engine events. Notify must not block.
type Publisher interface {
	Notify(Event)
}
