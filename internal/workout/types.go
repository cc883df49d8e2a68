package workout

import (
	"time"
)

type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Workout is one persisted session. Aggregated fields stay nil until the
// workout is completed.
type Workout struct {
	ID              int64      `json:"id"`
	UUID            string     `json:"uuid"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	Status          Status     `json:"status"`
	DurationSeconds *int64     `json:"duration_seconds,omitempty"`
	DistanceMeters  *int64     `json:"distance_meters,omitempty"`
	Steps           *int64     `json:"steps,omitempty"`
	AvgSpeed        *float64   `json:"avg_speed,omitempty"`
	MaxSpeed        *float64   `json:"max_speed,omitempty"`
	AvgIncline      *float64   `json:"avg_incline,omitempty"`
	MaxIncline      *float64   `json:"max_incline,omitempty"`
	Calories        *int64     `json:"calories,omitempty"`
	AvgHeartRate    *float64   `json:"avg_heart_rate,omitempty"`
	MaxHeartRate    *int64     `json:"max_heart_rate,omitempty"`
	FailureReason   *string    `json:"failure_reason,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Sample is one reading recorded during a workout. Distance, Calories and
// Steps are relative to the workout baseline; the Raw fields keep the device
// counters as received.
type Sample struct {
	ID          int64     `json:"id"`
	WorkoutID   int64     `json:"workout_id"`
	Timestamp   time.Time `json:"timestamp"`
	Speed       *float64  `json:"speed,omitempty"`
	Incline     *float64  `json:"incline,omitempty"`
	Distance    *int64    `json:"distance,omitempty"`
	Calories    *int64    `json:"calories,omitempty"`
	Steps       *int64    `json:"steps,omitempty"`
	HeartRate   *int64    `json:"heart_rate,omitempty"`
	DistanceRaw *int64    `json:"distance_raw,omitempty"`
	CaloriesRaw *int64    `json:"calories_raw,omitempty"`
	StepsRaw    *int64    `json:"steps_raw,omitempty"`
}

// Aggregates is the result of the single aggregation query over a workout's
// samples. Timestamps are the stored text so that unparsable rows surface.
type Aggregates struct {
	SampleCount    int64
	MaxDistance    int64
	MaxCalories    int64
	MaxSteps       int64
	AvgSpeed       float64
	MaxSpeed       float64
	AvgIncline     *float64
	MaxIncline     *float64
	AvgHeartRate   *float64
	MaxHeartRate   *int64
	FirstTimestamp *string
	LastTimestamp  *string
}

// Completion holds the totals written when a workout is accepted
type Completion struct {
	EndTime         time.Time
	DurationSeconds int64
	DistanceMeters  int64
	Steps           int64
	Calories        int64
	AvgSpeed        float64
	MaxSpeed        float64
	AvgIncline      *float64
	MaxIncline      *float64
	AvgHeartRate    *float64
	MaxHeartRate    *int64
}

// LiveMetrics is the current state of the active workout
type LiveMetrics struct {
	WorkoutID      int64    `json:"workout_id"`
	WorkoutUUID    string   `json:"workout_uuid"`
	Speed          *float64 `json:"speed,omitempty"`
	Incline        *float64 `json:"incline,omitempty"`
	Distance       *int64   `json:"distance,omitempty"`
	Calories       *int64   `json:"calories,omitempty"`
	Steps          *int64   `json:"steps,omitempty"`
	HeartRate      *int64   `json:"heart_rate,omitempty"`
	ElapsedSeconds int64    `json:"elapsed_seconds"`
}

// timestampLayout is fixed width so stored timestamps sort lexically
const timestampLayout = "2006-01-02T15:04:05.000000Z07:00"

func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
