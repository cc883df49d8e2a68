package workout

import (
	"github.com/lowaak/treadmill-sync/internal/protocol"
)

const (
	// startSpeedMps is the speed above which an idle treadmill starts a workout
	startSpeedMps = 0.1

	distanceResetMargin  = 10
	distanceResetCeiling = 100
	caloriesResetMargin  = 5
	caloriesResetCeiling = 50
	resetConfirmations   = 3

	progressCheckInterval = 10
)

type counter struct {
	value uint32
	known bool
}

func (c *counter) set(v uint32) {
	c.value, c.known = v, true
}

// baseline holds the device counters at the moment the workout started
type baseline struct {
	distance uint32
	steps    uint32
	calories uint32
}

func baselineFrom(r protocol.Reading) baseline {
	var b baseline
	if r.HasDistance {
		b.distance = r.DistanceMeters
	}
	if r.HasSteps {
		b.steps = r.Steps
	}
	if r.HasTotalEnergy {
		b.calories = r.TotalEnergyKcal
	}
	return b
}

// counterDelta returns current-start for a counter that may have wrapped once.
// A drop larger than wrapGap is taken as a wrap of modulus; any smaller drop
// yields zero.
func counterDelta(current, start, modulus, wrapGap uint32) uint32 {
	if current >= start {
		return current - start
	}
	if modulus > 0 && start-current > wrapGap {
		return uint32(uint64(current) + uint64(modulus) - uint64(start))
	}
	return 0
}

func saturatingSub(a, b uint32) uint32 {
	if b > a {
		return 0
	}
	return a - b
}

// resetLike reports whether current looks like a counter that was cleared
// rather than one that wrapped: a real drop down to a small, non-zero value.
func resetLike(prev counter, current uint32, margin, ceiling uint32) bool {
	if !prev.known {
		return false
	}
	return current < saturatingSub(prev.value, margin) && current != 0 && current < ceiling
}

// tracker is the per-stream bookkeeping behind the session state machine. It
// is only touched by the ingestion goroutine.
type tracker struct {
	lastDistance counter
	lastSteps    counter
	lastCalories counter

	resetStreak int

	inactiveCount     int
	samplesSinceCheck int
	distanceAtCheck   counter
	caloriesAtCheck   counter
}

// observeReset updates the reset streak and reports whether a device reset is
// confirmed. Both distance and calories must look reset in the same reading,
// for resetConfirmations readings in a row.
func (t *tracker) observeReset(r protocol.Reading) bool {
	distanceReset := r.HasDistance && resetLike(t.lastDistance, r.DistanceMeters, distanceResetMargin, distanceResetCeiling)
	caloriesReset := r.HasTotalEnergy && resetLike(t.lastCalories, r.TotalEnergyKcal, caloriesResetMargin, caloriesResetCeiling)

	if distanceReset && caloriesReset {
		t.resetStreak++
	} else {
		t.resetStreak = 0
	}
	return t.resetStreak >= resetConfirmations
}

// sanitize replaces zero cumulative values with the last known good ones
func (t *tracker) sanitize(r protocol.Reading) protocol.Reading {
	if r.HasDistance && r.DistanceMeters == 0 && t.lastDistance.known {
		r.DistanceMeters = t.lastDistance.value
	}
	if r.HasSteps && r.Steps == 0 && t.lastSteps.known {
		r.Steps = t.lastSteps.value
	}
	if r.HasTotalEnergy && r.TotalEnergyKcal == 0 && t.lastCalories.known {
		r.TotalEnergyKcal = t.lastCalories.value
	}
	return r
}

// observeActivity advances the progress checkpoint and the inactivity count,
// returning the number of consecutive inactive samples.
func (t *tracker) observeActivity(r protocol.Reading, speed float64) int {
	t.samplesSinceCheck++
	if t.samplesSinceCheck >= progressCheckInterval {
		t.distanceAtCheck = t.lastDistance
		t.caloriesAtCheck = t.lastCalories
		t.samplesSinceCheck = 0
	}

	progress := (r.HasDistance && t.distanceAtCheck.known && r.DistanceMeters > t.distanceAtCheck.value) ||
		(r.HasTotalEnergy && t.caloriesAtCheck.known && r.TotalEnergyKcal > t.caloriesAtCheck.value)

	if speed < startSpeedMps && !progress {
		t.inactiveCount++
	} else {
		t.inactiveCount = 0
	}
	return t.inactiveCount
}

// remember stores the reading's counters as last known values. While a
// workout is active a zero is a glitch and is not remembered, and neither is a
// reading that is part of an unconfirmed reset streak, so the following
// readings are still compared against the values from before the drop.
func (t *tracker) remember(r protocol.Reading, active bool) {
	if active && t.resetStreak > 0 {
		return
	}
	if r.HasDistance && (!active || r.DistanceMeters != 0) {
		t.lastDistance.set(r.DistanceMeters)
	}
	if r.HasSteps && (!active || r.Steps != 0) {
		t.lastSteps.set(r.Steps)
	}
	if r.HasTotalEnergy && (!active || r.TotalEnergyKcal != 0) {
		t.lastCalories.set(r.TotalEnergyKcal)
	}
}

// startSession clears the per-workout counters but keeps the last values
func (t *tracker) startSession() {
	t.resetStreak = 0
	t.inactiveCount = 0
	t.samplesSinceCheck = 0
	t.distanceAtCheck = counter{}
	t.caloriesAtCheck = counter{}
}

// endSession forgets everything, including the last known values
func (t *tracker) endSession() {
	*t = tracker{}
}
