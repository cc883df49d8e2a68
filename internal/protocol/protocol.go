package protocol

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrTooShort      = errors.New("frame too short")
	ErrOutOfRange    = errors.New("value out of range")
	ErrQueryRequired = errors.New("polling protocol needs the pending query")
	ErrUnknownQuery  = errors.New("unknown query")
)

// Sanity bounds applied after decoding
const (
	MaxSpeedMps       = 50.0
	MinInclinePercent = -15.0
	MaxInclinePercent = 40.0
	MaxDistanceMeters = 1_000_000
	MaxHeartRateBpm   = 220
)

type Mode int

const (
	// Passive devices push notifications on their own
	Passive Mode = iota
	// Polling devices answer one query per notification
	Polling
)

func (m Mode) String() string {
	switch m {
	case Passive:
		return "passive"
	case Polling:
		return "polling"
	default:
		return "unknown"
	}
}

type Communication struct {
	Mode     Mode
	Interval time.Duration // polling period between queries, zero for Passive
}

// Command is a raw write followed by a pause before the next one
type Command struct {
	Data  []byte
	Delay time.Duration
}

type Query int

const (
	QuerySteps Query = iota + 1
	QueryDistance
	QueryCalories
	QuerySpeed
	QueryTime
)

func (q Query) String() string {
	switch q {
	case QuerySteps:
		return "steps"
	case QueryDistance:
		return "distance"
	case QueryCalories:
		return "calories"
	case QuerySpeed:
		return "speed"
	case QueryTime:
		return "time"
	default:
		return fmt.Sprintf("query(%d)", int(q))
	}
}

// Protocol is the per-device-family wire format
type Protocol interface {
	Name() string
	// CharacteristicUUID is the notify/write characteristic, lowercase 128-bit form
	CharacteristicUUID() string
	Communication() Communication
	Handshake() []Command
	PollingQueries() []Query
	QueryCommand(q Query) ([]byte, bool)
	// Decode turns one frame into a reading. query is the pending query the
	// frame answers and must be non-nil for polling protocols.
	Decode(buf []byte, query *Query) (Reading, error)
	// IsCycleComplete reports whether the answer to q closes a polling round
	IsCycleComplete(q Query) bool
}

// CounterLimits describe where a device's cumulative counters wrap around and
// how large a drop must be before it is treated as a wrap.
type CounterLimits struct {
	DistanceModulus uint32
	DistanceWrapGap uint32
	CaloriesModulus uint32
	CaloriesWrapGap uint32
	StepsModulus    uint32
	StepsWrapGap    uint32
}

// CounterLimiter is implemented by protocols that know their counter widths
type CounterLimiter interface {
	CounterLimits() CounterLimits
}

// DefaultCounterLimits are the narrow LifeSpan counters
var DefaultCounterLimits = CounterLimits{
	DistanceModulus: 4105,
	DistanceWrapGap: 1000,
	CaloriesModulus: 256,
	CaloriesWrapGap: 200,
	StepsModulus:    1 << 16,
	StepsWrapGap:    1 << 15,
}

func LimitsFor(p Protocol) CounterLimits {
	if l, ok := p.(CounterLimiter); ok {
		return l.CounterLimits()
	}
	return DefaultCounterLimits
}

type Registry struct {
	protocols []Protocol
}

// NewRegistry keeps protocols in detection order
func NewRegistry(protocols ...Protocol) *Registry {
	return &Registry{protocols: protocols}
}

func DefaultRegistry() *Registry {
	return NewRegistry(NewFTMS(), NewLifeSpan())
}

// Detect returns the first protocol whose characteristic was discovered
func (r *Registry) Detect(characteristicUUIDs []string) (Protocol, bool) {
	found := make(map[string]struct{}, len(characteristicUUIDs))
	for _, u := range characteristicUUIDs {
		found[strings.ToLower(u)] = struct{}{}
	}
	for _, p := range r.protocols {
		if _, ok := found[strings.ToLower(p.CharacteristicUUID())]; ok {
			return p, true
		}
	}
	return nil, false
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.protocols))
	for _, p := range r.protocols {
		names = append(names, p.Name())
	}
	return names
}

// checkBounds rejects physically impossible values and drops an implausible
// heart rate instead of failing the frame.
func checkBounds(r *Reading) error {
	if r.HasSpeed && (r.SpeedMps < 0 || r.SpeedMps > MaxSpeedMps) {
		return fmt.Errorf("speed %.2f m/s: %w", r.SpeedMps, ErrOutOfRange)
	}
	if r.HasIncline && (r.InclinePercent < MinInclinePercent || r.InclinePercent > MaxInclinePercent) {
		return fmt.Errorf("incline %.1f%%: %w", r.InclinePercent, ErrOutOfRange)
	}
	if r.HasDistance && r.DistanceMeters > MaxDistanceMeters {
		return fmt.Errorf("distance %d m: %w", r.DistanceMeters, ErrOutOfRange)
	}
	if r.HasHeartRate && (r.HeartRateBpm == 0 || r.HeartRateBpm > MaxHeartRateBpm) {
		r.HasHeartRate, r.HeartRateBpm = false, 0
	}
	if r.HasForceOnBelt && r.ForceOnBeltN < 0 {
		r.HasForceOnBelt, r.ForceOnBeltN = false, 0
	}
	if r.HasPower && r.PowerWatts < 0 {
		r.HasPower, r.PowerWatts = false, 0
	}
	return nil
}
