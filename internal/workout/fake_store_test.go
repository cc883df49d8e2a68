package workout

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// fakeStore is an in-memory Store that mirrors the SQLite semantics the
// engine relies on, including the single in-progress workout constraint.
type fakeStore struct {
	mu           sync.Mutex
	nextID       int64
	nextSampleID int64
	workouts     map[int64]*Workout
	samples      map[int64][]Sample

	aggErr        error
	completeErr   error
	badTimestamps bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		workouts: make(map[int64]*Workout),
		samples:  make(map[int64][]Sample),
	}
}

func (f *fakeStore) CreateWorkout(_ context.Context, uuid string, start time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, w := range f.workouts {
		if w.Status == StatusInProgress {
			return 0, errors.New("UNIQUE constraint failed: workouts.status")
		}
	}
	f.nextID++
	f.workouts[f.nextID] = &Workout{
		ID: f.nextID, UUID: uuid, StartTime: start, Status: StatusInProgress,
		CreatedAt: start, UpdatedAt: start,
	}
	return f.nextID, nil
}

func (f *fakeStore) GetWorkout(_ context.Context, id int64) (*Workout, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workouts[id]
	if !ok {
		return nil, errors.New("not found")
	}
	cp := *w
	return &cp, nil
}

func (f *fakeStore) GetInProgressWorkout(_ context.Context) (*Workout, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, w := range f.workouts {
		if w.Status == StatusInProgress {
			cp := *w
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) MarkWorkoutFailed(_ context.Context, id int64, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workouts[id]
	if !ok {
		return errors.New("not found")
	}
	w.Status = StatusFailed
	w.FailureReason = &reason
	return nil
}

func (f *fakeStore) AddSample(_ context.Context, s Sample) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.workouts[s.WorkoutID]; !ok {
		return 0, errors.New("FOREIGN KEY constraint failed")
	}
	f.nextSampleID++
	s.ID = f.nextSampleID
	f.samples[s.WorkoutID] = append(f.samples[s.WorkoutID], s)
	return s.ID, nil
}

func (f *fakeStore) GetLatestSample(_ context.Context, workoutID int64) (*Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	samples := f.samples[workoutID]
	if len(samples) == 0 {
		return nil, nil
	}
	s := samples[len(samples)-1]
	return &s, nil
}

func (f *fakeStore) GetFirstSampleTimestamp(_ context.Context, workoutID int64) (*time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	samples := f.samples[workoutID]
	if len(samples) == 0 {
		return nil, nil
	}
	ts := samples[0].Timestamp
	return &ts, nil
}

func (f *fakeStore) GetWorkoutAggregates(_ context.Context, workoutID int64) (Aggregates, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.aggErr != nil {
		return Aggregates{}, f.aggErr
	}

	var agg Aggregates
	samples := f.samples[workoutID]
	agg.SampleCount = int64(len(samples))
	if len(samples) == 0 {
		return agg, nil
	}

	var speedSum float64
	var speedN int
	stamps := make([]string, 0, len(samples))
	for _, s := range samples {
		if s.Distance != nil && *s.Distance > agg.MaxDistance {
			agg.MaxDistance = *s.Distance
		}
		if s.Calories != nil && *s.Calories > agg.MaxCalories {
			agg.MaxCalories = *s.Calories
		}
		if s.Steps != nil && *s.Steps > agg.MaxSteps {
			agg.MaxSteps = *s.Steps
		}
		if s.Speed != nil {
			speedSum += *s.Speed
			speedN++
			if *s.Speed > agg.MaxSpeed {
				agg.MaxSpeed = *s.Speed
			}
		}
		stamps = append(stamps, FormatTimestamp(s.Timestamp))
	}
	if speedN > 0 {
		agg.AvgSpeed = speedSum / float64(speedN)
	}
	sort.Strings(stamps)
	first, last := stamps[0], stamps[len(stamps)-1]
	if f.badTimestamps {
		first = "not-a-time"
	}
	agg.FirstTimestamp = &first
	agg.LastTimestamp = &last
	return agg, nil
}

func (f *fakeStore) CompleteWorkout(_ context.Context, id int64, c Completion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completeErr != nil {
		return f.completeErr
	}
	w, ok := f.workouts[id]
	if !ok {
		return errors.New("not found")
	}
	end := c.EndTime
	w.Status = StatusCompleted
	w.EndTime = &end
	w.DurationSeconds = &c.DurationSeconds
	w.DistanceMeters = &c.DistanceMeters
	w.Calories = &c.Calories
	w.Steps = &c.Steps
	w.AvgSpeed = &c.AvgSpeed
	w.MaxSpeed = &c.MaxSpeed
	return nil
}

func (f *fakeStore) DeleteWorkout(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.workouts, id)
	delete(f.samples, id)
	return nil
}

func (f *fakeStore) inProgressCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, w := range f.workouts {
		if w.Status == StatusInProgress {
			n++
		}
	}
	return n
}

func (f *fakeStore) workout(id int64) *Workout {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workouts[id]
	if !ok {
		return nil
	}
	cp := *w
	return &cp
}

func (f *fakeStore) samplesOf(id int64) []Sample {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Sample(nil), f.samples[id]...)
}

type capturePublisher struct {
	mu     sync.Mutex
	events []Event
}

func (c *capturePublisher) Notify(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *capturePublisher) ofType(t EventType) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, e := range c.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}
