package protocol

import (
	"fmt"
	"time"
)

const LifeSpanCharacteristicUUID = "0000fff1-0000-1000-8000-00805f9b34fb"

const (
	lifeSpanPollInterval    = 300 * time.Millisecond
	lifeSpanHandshakeDelay  = 100 * time.Millisecond
	lifeSpanMinResponseLen  = 4
	lifeSpanTimeResponseLen = 6

	mphToMps           = 0.44704
	metersPerCentiMile = 16.0934
)

var lifeSpanHandshake = [][]byte{
	{0x02, 0x00, 0x00, 0x00, 0x00},
	{0xC2, 0x00, 0x00, 0x00, 0x00},
	{0xE9, 0xFF, 0x00, 0x00, 0x00},
	{0xE4, 0x00, 0xF4, 0x00, 0x00},
}

var lifeSpanQueries = map[Query][]byte{
	QuerySteps:    {0xA1, 0x88, 0x00, 0x00, 0x00},
	QueryDistance: {0xA1, 0x85, 0x00, 0x00, 0x00},
	QueryCalories: {0xA1, 0x87, 0x00, 0x00, 0x00},
	QuerySpeed:    {0xA1, 0x82, 0x00, 0x00, 0x00},
	QueryTime:     {0xA1, 0x89, 0x00, 0x00, 0x00},
}

// LifeSpan walking pads answer one query per notification on FFF1. The
// frames carry no field tag, so the decoder relies on the pending query.
type LifeSpan struct{}

func NewLifeSpan() *LifeSpan {
	return &LifeSpan{}
}

func (p *LifeSpan) Name() string { return "LifeSpan" }

func (p *LifeSpan) CharacteristicUUID() string { return LifeSpanCharacteristicUUID }

func (p *LifeSpan) Communication() Communication {
	return Communication{Mode: Polling, Interval: lifeSpanPollInterval}
}

func (p *LifeSpan) Handshake() []Command {
	cmds := make([]Command, 0, len(lifeSpanHandshake))
	for _, data := range lifeSpanHandshake {
		cmds = append(cmds, Command{Data: append([]byte(nil), data...), Delay: lifeSpanHandshakeDelay})
	}
	return cmds
}

// PollingQueries returns the round-robin order. Time comes last and closes the cycle.
func (p *LifeSpan) PollingQueries() []Query {
	return []Query{QuerySteps, QueryDistance, QueryCalories, QuerySpeed, QueryTime}
}

func (p *LifeSpan) QueryCommand(q Query) ([]byte, bool) {
	cmd, ok := lifeSpanQueries[q]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), cmd...), true
}

func (p *LifeSpan) IsCycleComplete(q Query) bool {
	return q == QueryTime
}

func (p *LifeSpan) CounterLimits() CounterLimits {
	return DefaultCounterLimits
}

func (p *LifeSpan) Decode(buf []byte, query *Query) (Reading, error) {
	var r Reading
	if query == nil {
		return r, ErrQueryRequired
	}
	if len(buf) < lifeSpanMinResponseLen {
		return r, fmt.Errorf("lifespan %s response %d bytes: %w", *query, len(buf), ErrTooShort)
	}

	be16 := uint32(buf[2])<<8 | uint32(buf[3])

	switch *query {
	case QuerySpeed:
		// whole mph in byte 2, hundredths in byte 3
		mph := float64(uint32(buf[2])*100+uint32(buf[3])) / 100
		r.HasSpeed = true
		r.SpeedMps = mph * mphToMps
	case QueryDistance:
		r.HasDistance = true
		r.DistanceMeters = uint32(float64(be16) * metersPerCentiMile)
	case QueryCalories:
		r.HasTotalEnergy = true
		r.TotalEnergyKcal = be16
	case QuerySteps:
		r.HasSteps = true
		r.Steps = be16
	case QueryTime:
		if len(buf) < lifeSpanTimeResponseLen {
			return r, fmt.Errorf("lifespan time response %d bytes: %w", len(buf), ErrTooShort)
		}
		h, m, s := buf[3], buf[4], buf[5]
		if h < 24 && m < 60 && s < 60 {
			r.HasElapsedTime = true
			r.ElapsedTimeSeconds = uint32(h)*3600 + uint32(m)*60 + uint32(s)
		}
	default:
		return r, fmt.Errorf("%s: %w", *query, ErrUnknownQuery)
	}

	if err := checkBounds(&r); err != nil {
		return Reading{}, err
	}
	return r, nil
}
