package protocol

// Reading is one normalized treadmill measurement. Every field is optional;
// the Has flag tells whether the device reported it, so an absent value is
// never confused with zero.
type Reading struct {
	HasSpeed bool
	SpeedMps float64

	HasIncline     bool
	InclinePercent float64

	// Cumulative counters as reported by the device
	HasDistance    bool
	DistanceMeters uint32

	HasSteps bool
	Steps    uint32

	HasTotalEnergy  bool
	TotalEnergyKcal uint32

	HasHeartRate bool
	HeartRateBpm uint8

	HasElapsedTime     bool
	ElapsedTimeSeconds uint32

	HasRemainingTime     bool
	RemainingTimeSeconds uint32

	HasForceOnBelt bool
	ForceOnBeltN   int16

	HasPower   bool
	PowerWatts int16
}

// Merge copies every field present in other into r, leaving the rest alone
func (r *Reading) Merge(other Reading) {
	if other.HasSpeed {
		r.HasSpeed, r.SpeedMps = true, other.SpeedMps
	}
	if other.HasIncline {
		r.HasIncline, r.InclinePercent = true, other.InclinePercent
	}
	if other.HasDistance {
		r.HasDistance, r.DistanceMeters = true, other.DistanceMeters
	}
	if other.HasSteps {
		r.HasSteps, r.Steps = true, other.Steps
	}
	if other.HasTotalEnergy {
		r.HasTotalEnergy, r.TotalEnergyKcal = true, other.TotalEnergyKcal
	}
	if other.HasHeartRate {
		r.HasHeartRate, r.HeartRateBpm = true, other.HeartRateBpm
	}
	if other.HasElapsedTime {
		r.HasElapsedTime, r.ElapsedTimeSeconds = true, other.ElapsedTimeSeconds
	}
	if other.HasRemainingTime {
		r.HasRemainingTime, r.RemainingTimeSeconds = true, other.RemainingTimeSeconds
	}
	if other.HasForceOnBelt {
		r.HasForceOnBelt, r.ForceOnBeltN = true, other.ForceOnBeltN
	}
	if other.HasPower {
		r.HasPower, r.PowerWatts = true, other.PowerWatts
	}
}

// IsEmpty reports whether no field is present
func (r Reading) IsEmpty() bool {
	return !r.HasSpeed && !r.HasIncline && !r.HasDistance && !r.HasSteps &&
		!r.HasTotalEnergy && !r.HasHeartRate && !r.HasElapsedTime &&
		!r.HasRemainingTime && !r.HasForceOnBelt && !r.HasPower
}
