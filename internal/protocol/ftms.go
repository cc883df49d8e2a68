package protocol

import (
	"fmt"
)

const FTMSTreadmillDataUUID = "00002acd-0000-1000-8000-00805f9b34fb"

// Treadmill Data flag bits
// See: https://www.bluetooth.com/specifications/specs/fitness-machine-service-1-0/
const (
	tdFlagMoreData            = 1 << 0  // Bit 0: 0 = Instantaneous Speed present, 1 = not present
	tdFlagAverageSpeed        = 1 << 1  // Bit 1: Average Speed present
	tdFlagTotalDistance       = 1 << 2  // Bit 2: Total Distance present
	tdFlagInclination         = 1 << 3  // Bit 3: Inclination and Ramp Angle Setting present
	tdFlagElevationGain       = 1 << 4  // Bit 4: Positive and Negative Elevation Gain present
	tdFlagInstantaneousPace   = 1 << 5  // Bit 5: Instantaneous Pace present
	tdFlagAveragePace         = 1 << 6  // Bit 6: Average Pace present
	tdFlagExpendedEnergy      = 1 << 7  // Bit 7: Expended Energy present
	tdFlagHeartRate           = 1 << 8  // Bit 8: Heart Rate present
	tdFlagMetabolicEquivalent = 1 << 9  // Bit 9: Metabolic Equivalent present
	tdFlagElapsedTime         = 1 << 10 // Bit 10: Elapsed Time present
	tdFlagRemainingTime       = 1 << 11 // Bit 11: Remaining Time present
	tdFlagForceAndPower       = 1 << 12 // Bit 12: Force on Belt and Power Output present
)

// energyNotAvailable is the FTMS marker for an unsupported energy field
const energyNotAvailable = 0xFFFF

type FTMS struct{}

func NewFTMS() *FTMS {
	return &FTMS{}
}

func (p *FTMS) Name() string { return "FTMS" }

func (p *FTMS) CharacteristicUUID() string { return FTMSTreadmillDataUUID }

func (p *FTMS) Communication() Communication { return Communication{Mode: Passive} }

func (p *FTMS) Handshake() []Command { return nil }

func (p *FTMS) PollingQueries() []Query { return nil }

func (p *FTMS) QueryCommand(Query) ([]byte, bool) { return nil, false }

// IsCycleComplete is always true since each notification is a whole reading
func (p *FTMS) IsCycleComplete(Query) bool { return true }

func (p *FTMS) CounterLimits() CounterLimits {
	return CounterLimits{
		DistanceModulus: 1 << 24,
		DistanceWrapGap: 1 << 23,
		CaloriesModulus: 1 << 16,
		CaloriesWrapGap: 1 << 15,
		StepsModulus:    1 << 16,
		StepsWrapGap:    1 << 15,
	}
}

func (p *FTMS) Decode(buf []byte, _ *Query) (Reading, error) {
	return ParseTreadmillData(buf)
}

// ParseTreadmillData decodes the FTMS Treadmill Data characteristic.
// Fields not needed for a reading (average speed, pace, elevation, MET) are
// skipped by width.
func ParseTreadmillData(buf []byte) (Reading, error) {
	var r Reading
	if len(buf) < 2 {
		return r, fmt.Errorf("treadmill data %d bytes: %w", len(buf), ErrTooShort)
	}

	flags := uint16(buf[0]) | (uint16(buf[1]) << 8)
	offset := 2

	need := func(n int, field string) error {
		if offset+n > len(buf) {
			return fmt.Errorf("buffer too short for %s at offset %d: %w", field, offset, ErrTooShort)
		}
		return nil
	}
	u16 := func() uint16 {
		v := uint16(buf[offset]) | (uint16(buf[offset+1]) << 8)
		offset += 2
		return v
	}

	// 1. Instantaneous Speed (UINT16, 0.01 km/h), bit 0 inverted
	if flags&tdFlagMoreData == 0 {
		if err := need(2, "instantaneous speed"); err != nil {
			return Reading{}, err
		}
		r.HasSpeed = true
		r.SpeedMps = float64(u16()) / 100 / 3.6
	}

	// 2. Average Speed (UINT16)
	if flags&tdFlagAverageSpeed != 0 {
		if err := need(2, "average speed"); err != nil {
			return Reading{}, err
		}
		offset += 2
	}

	// 3. Total Distance (UINT24, 1 m)
	if flags&tdFlagTotalDistance != 0 {
		if err := need(3, "total distance"); err != nil {
			return Reading{}, err
		}
		r.HasDistance = true
		r.DistanceMeters = uint32(buf[offset]) | (uint32(buf[offset+1]) << 8) | (uint32(buf[offset+2]) << 16)
		offset += 3
	}

	// 4. Inclination (SINT16, 0.1 %) + Ramp Angle Setting (SINT16)
	if flags&tdFlagInclination != 0 {
		if err := need(4, "inclination"); err != nil {
			return Reading{}, err
		}
		r.HasIncline = true
		r.InclinePercent = float64(int16(u16())) / 10
		offset += 2
	}

	// 5. Positive + Negative Elevation Gain (UINT16 each)
	if flags&tdFlagElevationGain != 0 {
		if err := need(4, "elevation gain"); err != nil {
			return Reading{}, err
		}
		offset += 4
	}

	// 6. Instantaneous Pace (UINT8)
	if flags&tdFlagInstantaneousPace != 0 {
		if err := need(1, "instantaneous pace"); err != nil {
			return Reading{}, err
		}
		offset++
	}

	// 7. Average Pace (UINT8)
	if flags&tdFlagAveragePace != 0 {
		if err := need(1, "average pace"); err != nil {
			return Reading{}, err
		}
		offset++
	}

	// 8. Expended Energy (UINT16 Total + UINT16 Per Hour + UINT8 Per Minute)
	if flags&tdFlagExpendedEnergy != 0 {
		if err := need(5, "expended energy"); err != nil {
			return Reading{}, err
		}
		total := u16()
		if total != energyNotAvailable {
			r.HasTotalEnergy = true
			r.TotalEnergyKcal = uint32(total)
		}
		offset += 3
	}

	// 9. Heart Rate (UINT8)
	if flags&tdFlagHeartRate != 0 {
		if err := need(1, "heart rate"); err != nil {
			return Reading{}, err
		}
		r.HasHeartRate = true
		r.HeartRateBpm = buf[offset]
		offset++
	}

	// 10. Metabolic Equivalent (UINT8)
	if flags&tdFlagMetabolicEquivalent != 0 {
		if err := need(1, "metabolic equivalent"); err != nil {
			return Reading{}, err
		}
		offset++
	}

	// 11. Elapsed Time (UINT16, 1 s)
	if flags&tdFlagElapsedTime != 0 {
		if err := need(2, "elapsed time"); err != nil {
			return Reading{}, err
		}
		r.HasElapsedTime = true
		r.ElapsedTimeSeconds = uint32(u16())
	}

	// 12. Remaining Time (UINT16, 1 s)
	if flags&tdFlagRemainingTime != 0 {
		if err := need(2, "remaining time"); err != nil {
			return Reading{}, err
		}
		r.HasRemainingTime = true
		r.RemainingTimeSeconds = uint32(u16())
	}

	// 13. Force on Belt (SINT16, N) + Power Output (SINT16, W)
	if flags&tdFlagForceAndPower != 0 {
		if err := need(4, "force on belt"); err != nil {
			return Reading{}, err
		}
		r.HasForceOnBelt = true
		r.ForceOnBeltN = int16(u16())
		r.HasPower = true
		r.PowerWatts = int16(u16())
	}

	if err := checkBounds(&r); err != nil {
		return Reading{}, err
	}
	return r, nil
}
