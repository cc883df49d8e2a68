package workout

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lowaak/treadmill-sync/internal/protocol"
)

const (
	reasonRestartOrphan = "New workout started - possible service restart"
	reasonStartupOrphan = "Orphaned by unclean shutdown"
	reasonAggregates    = "Failed to compute aggregates"
	reasonMissingStamps = "Missing timestamps"
	reasonInvalidStamps = "Invalid timestamps"
	reasonDBErrorPrefix = "DB error: "
)

type Config struct {
	// InactivityThreshold is the number of consecutive inactive samples
	// (seconds at the nominal 1 Hz) that ends a workout.
	InactivityThreshold int
	MinSamples          int
	MinDuration         time.Duration
	CounterLimits       protocol.CounterLimits
	Verbose             bool
}

func DefaultConfig() Config {
	return Config{
		InactivityThreshold: 30,
		MinSamples:          10,
		MinDuration:         30 * time.Second,
		CounterLimits:       protocol.DefaultCounterLimits,
	}
}

// Recorder counts engine outcomes, see the metrics package
type Recorder interface {
	SampleRecorded()
	WorkoutStarted()
	WorkoutFinished(outcome string)
}

type noopRecorder struct{}

func (noopRecorder) SampleRecorded()        {}
func (noopRecorder) WorkoutStarted()        {}
func (noopRecorder) WorkoutFinished(string) {}

type activeWorkout struct {
	id       int64
	uuid     string
	baseline baseline
}

// Engine turns the reading stream of one treadmill into workouts.
//
// HandleReading, ConnectionLost and Shutdown are serialized on procMu. The
// active workout is additionally guarded by mu so that CurrentMetrics can
// read it from other goroutines.
type Engine struct {
	store     Store
	publisher Publisher
	recorder  Recorder
	logger    *log.Logger
	cfg       Config
	now       func() time.Time

	procMu  sync.Mutex
	tracker tracker
	limits  protocol.CounterLimits

	mu     sync.RWMutex
	active *activeWorkout
}

func NewEngine(store Store, publisher Publisher, recorder Recorder, logger *log.Logger, cfg Config) *Engine {
	if store == nil {
		panic("Engine: store cannot be nil")
	}
	if publisher == nil {
		panic("Engine: publisher cannot be nil")
	}
	if logger == nil {
		panic("Engine: logger cannot be nil")
	}
	if recorder == nil {
		recorder = noopRecorder{}
	}
	if cfg.InactivityThreshold <= 0 {
		cfg.InactivityThreshold = DefaultConfig().InactivityThreshold
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = DefaultConfig().MinSamples
	}
	if cfg.CounterLimits == (protocol.CounterLimits{}) {
		cfg.CounterLimits = protocol.DefaultCounterLimits
	}
	return &Engine{
		store:     store,
		publisher: publisher,
		recorder:  recorder,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
		limits:    cfg.CounterLimits,
	}
}

// SetCounterLimits switches the wraparound constants, called once the
// device protocol is known.
func (e *Engine) SetCounterLimits(limits protocol.CounterLimits) {
	e.procMu.Lock()
	defer e.procMu.Unlock()
	e.limits = limits
}

// Active reports whether a workout is in progress
func (e *Engine) Active() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.active != nil
}

func (e *Engine) activeWorkout() *activeWorkout {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.active
}

// RecoverOrphans fails any workout left in progress by a previous process
func (e *Engine) RecoverOrphans(ctx context.Context) error {
	e.procMu.Lock()
	defer e.procMu.Unlock()

	if e.activeWorkout() != nil {
		return nil
	}
	return e.failOrphan(ctx, reasonStartupOrphan)
}

func (e *Engine) failOrphan(ctx context.Context, reason string) error {
	orphan, err := e.store.GetInProgressWorkout(ctx)
	if err != nil {
		return err
	}
	if orphan == nil {
		return nil
	}
	e.logger.Printf("Engine: Found orphaned workout %d (%s), marking failed", orphan.ID, orphan.UUID)
	if err := e.store.MarkWorkoutFailed(ctx, orphan.ID, reason); err != nil {
		return err
	}
	e.recorder.WorkoutFinished(OutcomeFailed.String())
	e.publisher.Notify(Event{Type: EventWorkoutFailed, WorkoutID: orphan.ID, Reason: reason})
	return nil
}

// HandleReading processes one reading in arrival order. Errors are logged,
// never returned: a bad sample must not stop ingestion.
func (e *Engine) HandleReading(ctx context.Context, r protocol.Reading) {
	e.procMu.Lock()
	defer e.procMu.Unlock()

	now := e.now()
	speed := 0.0
	if r.HasSpeed {
		speed = r.SpeedMps
	}

	if e.activeWorkout() != nil && e.tracker.observeReset(r) {
		e.logger.Printf("Engine: Device reset confirmed after %d readings (distance=%d calories=%d)",
			resetConfirmations, r.DistanceMeters, r.TotalEnergyKcal)
		e.endWorkout(ctx, "device reset")
	}

	if e.activeWorkout() == nil && speed > startSpeedMps {
		e.startWorkout(ctx, r, now)
	}

	if active := e.activeWorkout(); active != nil {
		e.recordSample(ctx, active, e.tracker.sanitize(r), now)

		inactive := e.tracker.observeActivity(r, speed)
		if inactive >= e.cfg.InactivityThreshold {
			e.logger.Printf("Engine: No activity for %d samples, ending workout %d", inactive, active.id)
			e.endWorkout(ctx, "inactivity")
		}
	}

	e.tracker.remember(r, e.activeWorkout() != nil)
}

// ConnectionLost forces the active workout through the end path
func (e *Engine) ConnectionLost(ctx context.Context) Outcome {
	e.procMu.Lock()
	defer e.procMu.Unlock()
	return e.endWorkout(ctx, "connection lost")
}

// Shutdown ends the active workout before the process exits
func (e *Engine) Shutdown(ctx context.Context) Outcome {
	e.procMu.Lock()
	defer e.procMu.Unlock()
	return e.endWorkout(ctx, "shutdown")
}

func (e *Engine) startWorkout(ctx context.Context, r protocol.Reading, now time.Time) {
	if err := e.failOrphan(ctx, reasonRestartOrphan); err != nil {
		e.logger.Printf("Engine: Orphan check failed: %v", err)
	}

	workoutUUID := uuid.NewString()
	id, err := e.store.CreateWorkout(ctx, workoutUUID, now)
	if err != nil {
		e.logger.Printf("Engine: Failed to create workout: %v", err)
		return
	}

	b := baselineFrom(r)
	e.mu.Lock()
	e.active = &activeWorkout{id: id, uuid: workoutUUID, baseline: b}
	e.mu.Unlock()
	e.tracker.startSession()

	e.logger.Printf("Engine: Workout %d started (%s), baseline distance=%d steps=%d calories=%d",
		id, workoutUUID, b.distance, b.steps, b.calories)
	e.recorder.WorkoutStarted()

	w, err := e.store.GetWorkout(ctx, id)
	if err != nil {
		e.logger.Printf("Engine: Could not load started workout %d: %v", id, err)
		w = &Workout{ID: id, UUID: workoutUUID, StartTime: now, Status: StatusInProgress}
	}
	e.publisher.Notify(Event{Type: EventWorkoutStarted, WorkoutID: id, Workout: w})
}

func (e *Engine) recordSample(ctx context.Context, active *activeWorkout, r protocol.Reading, now time.Time) {
	s := Sample{WorkoutID: active.id, Timestamp: now}
	if r.HasSpeed {
		s.Speed = ptr(r.SpeedMps)
	}
	if r.HasIncline {
		s.Incline = ptr(r.InclinePercent)
	}
	if r.HasHeartRate {
		s.HeartRate = ptr(int64(r.HeartRateBpm))
	}
	if r.HasDistance {
		d := counterDelta(r.DistanceMeters, active.baseline.distance, e.limits.DistanceModulus, e.limits.DistanceWrapGap)
		s.Distance = ptr(int64(d))
		s.DistanceRaw = ptr(int64(r.DistanceMeters))
	}
	if r.HasTotalEnergy {
		d := counterDelta(r.TotalEnergyKcal, active.baseline.calories, e.limits.CaloriesModulus, e.limits.CaloriesWrapGap)
		s.Calories = ptr(int64(d))
		s.CaloriesRaw = ptr(int64(r.TotalEnergyKcal))
	}
	if r.HasSteps {
		d := counterDelta(r.Steps, active.baseline.steps, e.limits.StepsModulus, e.limits.StepsWrapGap)
		s.Steps = ptr(int64(d))
		s.StepsRaw = ptr(int64(r.Steps))
	}

	id, err := e.store.AddSample(ctx, s)
	if err != nil {
		e.logger.Printf("Engine: Failed to record sample for workout %d: %v", active.id, err)
		return
	}
	s.ID = id
	if e.cfg.Verbose {
		e.logger.Printf("Engine: Sample %d workout=%d speed=%v distance=%v calories=%v steps=%v",
			id, active.id, deref(s.Speed), deref(s.Distance), deref(s.Calories), deref(s.Steps))
	}
	e.recorder.SampleRecorded()
	e.publisher.Notify(Event{Type: EventWorkoutSample, WorkoutID: active.id, Sample: &s})
}

// endWorkout clears the active workout before aggregating so a new workout
// can start without waiting on storage.
func (e *Engine) endWorkout(ctx context.Context, cause string) Outcome {
	e.mu.Lock()
	active := e.active
	e.active = nil
	e.mu.Unlock()
	e.tracker.endSession()

	if active == nil {
		return OutcomeNone
	}
	e.logger.Printf("Engine: Ending workout %d (%s)", active.id, cause)
	return e.finalize(ctx, active.id)
}

// CurrentMetrics returns the latest values of the active workout, or nil when idle
func (e *Engine) CurrentMetrics(ctx context.Context) (*LiveMetrics, error) {
	active := e.activeWorkout()
	if active == nil {
		return nil, nil
	}

	m := &LiveMetrics{WorkoutID: active.id, WorkoutUUID: active.uuid}
	latest, err := e.store.GetLatestSample(ctx, active.id)
	if err != nil {
		return nil, err
	}
	if latest != nil {
		m.Speed = latest.Speed
		m.Incline = latest.Incline
		m.Distance = latest.Distance
		m.Calories = latest.Calories
		m.Steps = latest.Steps
		m.HeartRate = latest.HeartRate
	}
	first, err := e.store.GetFirstSampleTimestamp(ctx, active.id)
	if err != nil {
		return nil, err
	}
	if first != nil {
		m.ElapsedSeconds = int64(e.now().Sub(*first) / time.Second)
	}
	return m, nil
}

func ptr[T any](v T) *T {
	return &v
}

func deref[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}
