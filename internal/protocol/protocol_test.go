package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Detect(t *testing.T) {
	reg := DefaultRegistry()
	assert.Equal(t, []string{"FTMS", "LifeSpan"}, reg.Names())

	p, ok := reg.Detect([]string{"00002a00-0000-1000-8000-00805f9b34fb", strings.ToUpper(LifeSpanCharacteristicUUID)})
	require.True(t, ok)
	assert.Equal(t, "LifeSpan", p.Name())

	// FTMS wins when both are present
	p, ok = reg.Detect([]string{LifeSpanCharacteristicUUID, FTMSTreadmillDataUUID})
	require.True(t, ok)
	assert.Equal(t, "FTMS", p.Name())

	_, ok = reg.Detect([]string{"00002a37-0000-1000-8000-00805f9b34fb"})
	assert.False(t, ok)

	_, ok = reg.Detect(nil)
	assert.False(t, ok)
}

func TestReading_Merge(t *testing.T) {
	var acc Reading
	assert.True(t, acc.IsEmpty())

	acc.Merge(Reading{HasSteps: true, Steps: 100})
	acc.Merge(Reading{HasDistance: true, DistanceMeters: 80})
	acc.Merge(Reading{HasSpeed: true, SpeedMps: 1.2})
	acc.Merge(Reading{HasSteps: true, Steps: 104})
	acc.Merge(Reading{})

	assert.False(t, acc.IsEmpty())
	assert.Equal(t, uint32(104), acc.Steps)
	assert.Equal(t, uint32(80), acc.DistanceMeters)
	assert.Equal(t, 1.2, acc.SpeedMps)
	assert.False(t, acc.HasTotalEnergy)
}

func TestQueryString(t *testing.T) {
	assert.Equal(t, "speed", QuerySpeed.String())
	assert.Equal(t, "query(42)", Query(42).String())
	assert.Equal(t, "polling", Polling.String())
}
