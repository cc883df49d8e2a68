package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/treadmill-sync/internal/events"
	"github.com/lowaak/treadmill-sync/internal/treadmill"
	"github.com/lowaak/treadmill-sync/internal/workout"
)

var (
	_ workout.Recorder   = (*Recorder)(nil)
	_ treadmill.Recorder = (*Recorder)(nil)
)

func TestRecorder_Counters(t *testing.T) {
	r := NewRecorder()

	r.FrameDecoded("FTMS")
	r.FrameDecoded("FTMS")
	r.DecodeFailed("LifeSpan")
	r.Reconnect()
	r.SampleRecorded()
	r.WorkoutStarted()
	r.WorkoutFinished(workout.OutcomeCompleted.String())
	r.WorkoutFinished(workout.OutcomeDiscarded.String())
	r.WorkoutFinished(workout.OutcomeDiscarded.String())

	assert.Equal(t, 2.0, testutil.ToFloat64(r.framesDecoded.WithLabelValues("FTMS")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.decodeErrors.WithLabelValues("LifeSpan")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.reconnects))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.samplesRecorded))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.workoutsStarted))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.workoutsFinished.WithLabelValues("completed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.workoutsFinished.WithLabelValues("discarded")))
}

func TestRecorder_ConnectionState(t *testing.T) {
	r := NewRecorder()

	r.SetConnectionState(treadmill.ConnectionStatus{State: treadmill.StateScanning})
	assert.Equal(t, 1.0, testutil.ToFloat64(r.connectionState.WithLabelValues("scanning")))

	r.SetConnectionState(treadmill.ConnectionStatus{State: treadmill.StateConnected})
	assert.Equal(t, 0.0, testutil.ToFloat64(r.connectionState.WithLabelValues("scanning")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.connectionState.WithLabelValues("connected")))
	assert.Equal(t, len(connectionStates), testutil.CollectAndCount(r.connectionState))
}

func TestRecorder_WatchDropped(t *testing.T) {
	r := NewRecorder()
	ev := events.NewChannelEvent[int](false)
	r.WatchDropped("workout_events", ev.Dropped)

	full := make(chan int)
	unregister := ev.Listen(full)
	defer unregister()
	ev.Notify(1)
	ev.Notify(2)

	expected := `
# HELP treadmill_sync_events_dropped_total Number of event deliveries skipped because a listener was full.
# TYPE treadmill_sync_events_dropped_total counter
treadmill_sync_events_dropped_total{source="workout_events"} 2
`
	require.NoError(t, testutil.GatherAndCompare(r.registry, strings.NewReader(expected), "treadmill_sync_events_dropped_total"))
}

func TestRecorder_NilIsNoop(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.FrameDecoded("FTMS")
		r.DecodeFailed("FTMS")
		r.Reconnect()
		r.SetConnectionState(treadmill.ConnectionStatus{})
		r.SampleRecorded()
		r.WorkoutStarted()
		r.WorkoutFinished("completed")
		r.WatchDropped("workout_events", func() uint64 { return 0 })
	})
}

func TestRecorder_Handler(t *testing.T) {
	r := NewRecorder()
	r.WorkoutStarted()

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "treadmill_sync_workout_started_total 1")
	assert.Contains(t, string(body), "go_goroutines")
}
