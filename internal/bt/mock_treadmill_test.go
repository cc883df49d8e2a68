package bt

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/treadmill-sync/internal/protocol"
)

func newTestMock(t *testing.T) *MockBTManager {
	t.Helper()
	m := NewMockBTManager(log.New(io.Discard, "", 0), MockBTManagerConfig{LocalName: "Mock LifeSpan"})
	t.Cleanup(m.Shutdown)
	return m
}

type frameCollector struct {
	mu     sync.Mutex
	frames [][]byte
}

func (c *frameCollector) add(buf []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, buf)
}

func (c *frameCollector) last(t *testing.T) protocol.Reading {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.frames)
	r, err := protocol.ParseTreadmillData(c.frames[len(c.frames)-1])
	require.NoError(t, err)
	return r
}

func connectMock(t *testing.T, m *MockBTManager) (Link, *frameCollector) {
	t.Helper()
	ctx := context.Background()
	hit, err := m.Scan(ctx, "LifeSpan", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "Mock LifeSpan", hit.Name)

	link, err := m.Connect(ctx, hit)
	require.NoError(t, err)
	collector := &frameCollector{}
	require.NoError(t, link.Subscribe(protocol.FTMSTreadmillDataUUID, collector.add))
	return link, collector
}

func TestMockBTManager_ScanFilter(t *testing.T) {
	m := newTestMock(t)
	_, err := m.Scan(context.Background(), "Horizon", time.Second)
	assert.ErrorIs(t, err, ErrDeviceNotFound)
	assert.Contains(t, err.Error(), "Mock LifeSpan")
}

func TestMockBTManager_DetectedAsFTMS(t *testing.T) {
	m := newTestMock(t)
	link, _ := connectMock(t, m)

	proto, ok := protocol.DefaultRegistry().Detect(link.CharacteristicUUIDs())
	require.True(t, ok)
	assert.Equal(t, "FTMS", proto.Name())
	assert.Error(t, link.Subscribe(protocol.LifeSpanCharacteristicUUID, func([]byte) {}))
}

func TestMockBTManager_TickEncodesTreadmillData(t *testing.T) {
	m := newTestMock(t)
	_, collector := connectMock(t, m)

	m.SetSpeed(3.6)
	for i := 0; i < 10; i++ {
		m.Tick(time.Second)
	}

	r := collector.last(t)
	assert.True(t, r.HasSpeed)
	assert.InDelta(t, 1.0, r.SpeedMps, 0.001)
	assert.True(t, r.HasDistance)
	assert.InDelta(t, 10, float64(r.DistanceMeters), 1)
	assert.True(t, r.HasElapsedTime)
	assert.Equal(t, uint32(10), r.ElapsedTimeSeconds)
	assert.True(t, r.HasHeartRate)
	assert.Equal(t, uint8(90), r.HeartRateBpm)
	assert.True(t, r.HasIncline)
	assert.True(t, r.HasTotalEnergy)
}

func TestMockBTManager_StoppedBeltKeepsCounters(t *testing.T) {
	m := newTestMock(t)
	_, collector := connectMock(t, m)

	m.SetSpeed(7.2)
	m.Tick(5 * time.Second)
	m.SetSpeed(0)
	m.Tick(5 * time.Second)

	r := collector.last(t)
	assert.Zero(t, r.SpeedMps)
	assert.InDelta(t, 10, float64(r.DistanceMeters), 1)
	assert.Equal(t, uint32(5), r.ElapsedTimeSeconds)
}

func TestMockBTManager_ResetCounters(t *testing.T) {
	m := newTestMock(t)
	_, collector := connectMock(t, m)

	m.SetSpeed(10)
	m.Tick(time.Minute)
	m.ResetCounters()
	m.Tick(0)

	r := collector.last(t)
	assert.Zero(t, r.DistanceMeters)
	assert.Zero(t, r.ElapsedTimeSeconds)
}

func TestMockBTManager_DropLink(t *testing.T) {
	m := newTestMock(t)
	link, collector := connectMock(t, m)
	assert.True(t, m.State().Connected)

	require.True(t, m.DropLink())
	select {
	case <-link.Done():
	case <-time.After(time.Second):
		t.Fatal("link not closed")
	}
	assert.False(t, m.State().Connected)
	assert.False(t, m.DropLink())
	assert.Error(t, link.Write(protocol.FTMSTreadmillDataUUID, []byte{0x01}))

	m.Tick(time.Second)
	collector.mu.Lock()
	assert.Empty(t, collector.frames)
	collector.mu.Unlock()
}

func TestMockBTManager_ReconnectReplacesLink(t *testing.T) {
	m := newTestMock(t)
	first, _ := connectMock(t, m)
	second, _ := connectMock(t, m)

	select {
	case <-first.Done():
	default:
		t.Fatal("previous link should be closed")
	}
	require.NoError(t, first.Close())
	assert.True(t, m.State().Connected, "closing a stale link keeps the new one")
	require.NoError(t, second.Close())
	assert.False(t, m.State().Connected)
}

func TestMockBTManager_ControlAPI(t *testing.T) {
	m := newTestMock(t)
	link, _ := connectMock(t, m)
	srv := httptest.NewServer(m.Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/set?speedKmh=5.5&incline=2.5&heartRate=120", "", nil)
	require.NoError(t, err)
	var state MockTreadmillState
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&state))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.InDelta(t, 5.5, state.SpeedKmh, 0.001)
	assert.InDelta(t, 2.5, state.InclinePercent, 0.001)
	assert.Equal(t, uint8(120), state.HeartRate)
	assert.True(t, state.Connected)

	resp, err = http.Post(srv.URL+"/api/set?speedKmh=99", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	require.NoError(t, link.Write(protocol.FTMSTreadmillDataUUID, []byte{0xAB, 0xCD}))
	resp, err = http.Get(srv.URL + "/api/writes")
	require.NoError(t, err)
	var writes []WrittenValue
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&writes))
	resp.Body.Close()
	require.Len(t, writes, 1)
	assert.Equal(t, "abcd", writes[0].DataHex)

	resp, err = http.Post(srv.URL+"/api/disconnect", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/disconnect", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}
