package api

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/treadmill-sync/internal/treadmill"
	"github.com/lowaak/treadmill-sync/internal/workout"
)

func dialLive(t *testing.T, env *testEnv) (*websocket.Conn, context.Context) {
	t.Helper()
	srv := httptest.NewServer(env.router)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/live"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	return conn, ctx
}

// readUntil skips messages of other types, heartbeats included
func readUntil(t *testing.T, ctx context.Context, conn *websocket.Conn, msgType string) Message {
	t.Helper()
	for {
		var msg Message
		require.NoError(t, wsjson.Read(ctx, conn, &msg))
		if msg.Type == msgType {
			return msg
		}
	}
}

func TestHub_ReplaysStatusOnConnect(t *testing.T) {
	env := newTestEnv(t)
	conn, ctx := dialLive(t, env)

	msg := readUntil(t, ctx, conn, MessageConnectionStatus)
	require.NotNil(t, msg.Status)
	assert.Equal(t, treadmill.StateConnected, msg.Status.State)
	assert.Equal(t, "FTMS", msg.Status.Protocol)
	assert.False(t, msg.Timestamp.IsZero())
}

func TestHub_ForwardsWorkoutEvents(t *testing.T) {
	env := newTestEnv(t)
	conn, ctx := dialLive(t, env)
	// the status replay arrives after both listeners are registered
	readUntil(t, ctx, conn, MessageConnectionStatus)

	speed := 1.2
	env.workoutEvents.Notify(workout.Event{
		Type:      workout.EventWorkoutSample,
		WorkoutID: 7,
		Sample:    &workout.Sample{WorkoutID: 7, Speed: &speed},
	})
	msg := readUntil(t, ctx, conn, string(workout.EventWorkoutSample))
	assert.Equal(t, int64(7), msg.WorkoutID)
	require.NotNil(t, msg.Sample)
	assert.Equal(t, 1.2, *msg.Sample.Speed)

	env.workoutEvents.Notify(workout.Event{
		Type:      workout.EventWorkoutFailed,
		WorkoutID: 7,
		Reason:    "connection lost",
	})
	msg = readUntil(t, ctx, conn, string(workout.EventWorkoutFailed))
	assert.Equal(t, "connection lost", msg.Reason)
}

func TestHub_ForwardsStatusChanges(t *testing.T) {
	env := newTestEnv(t)
	conn, ctx := dialLive(t, env)
	readUntil(t, ctx, conn, MessageConnectionStatus)

	env.status.event.Notify(treadmill.ConnectionStatus{State: treadmill.StateError, Error: "adapter off"})
	msg := readUntil(t, ctx, conn, MessageConnectionStatus)
	require.NotNil(t, msg.Status)
	assert.Equal(t, treadmill.StateError, msg.Status.State)
	assert.Equal(t, "adapter off", msg.Status.Error)
}

func TestHub_Heartbeat(t *testing.T) {
	env := newTestEnv(t)
	conn, ctx := dialLive(t, env)

	msg := readUntil(t, ctx, conn, MessageHeartbeat)
	assert.False(t, msg.Timestamp.IsZero())
}

func TestHub_UnregistersOnDisconnect(t *testing.T) {
	env := newTestEnv(t)
	conn, ctx := dialLive(t, env)
	readUntil(t, ctx, conn, MessageConnectionStatus)
	assert.Equal(t, 1, env.workoutEvents.ListenerCount())

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
	assert.Eventually(t, func() bool {
		return env.workoutEvents.ListenerCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHub_CloseDisconnectsClients(t *testing.T) {
	env := newTestEnv(t)
	conn, ctx := dialLive(t, env)
	readUntil(t, ctx, conn, MessageConnectionStatus)

	// Close waits for the close handshake, which needs this side reading
	closed := make(chan struct{})
	go func() {
		env.hub.Close()
		close(closed)
	}()
	defer func() { <-closed }()

	for {
		var msg Message
		err := wsjson.Read(ctx, conn, &msg)
		if err != nil {
			assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))
			return
		}
	}
}

// readClose reads until the connection ends and returns the close status
func readClose(ctx context.Context, conn *websocket.Conn) websocket.StatusCode {
	for {
		var msg Message
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return websocket.CloseStatus(err)
		}
	}
}

func TestHub_RejectsClientsAfterClose(t *testing.T) {
	env := newTestEnv(t)
	env.hub.Close()

	conn, ctx := dialLive(t, env)
	assert.Equal(t, websocket.StatusGoingAway, readClose(ctx, conn))
	assert.Equal(t, 0, env.workoutEvents.ListenerCount())
}

func TestHub_CloseWhileClientsConnect(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.router)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/live"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, _, err := websocket.Dial(ctx, url, nil)
			if !assert.NoError(t, err) {
				return
			}
			defer conn.CloseNow()
			assert.Equal(t, websocket.StatusGoingAway, readClose(ctx, conn))
		}()
	}

	closed := make(chan struct{})
	go func() {
		env.hub.Close()
		close(closed)
	}()

	wg.Wait()
	select {
	case <-closed:
	case <-ctx.Done():
		t.Fatal("Close did not return")
	}
	assert.Equal(t, 0, env.workoutEvents.ListenerCount())
}

func TestNewHub_DefaultHeartbeat(t *testing.T) {
	env := newTestEnv(t)
	hub := NewHub(env.workoutEvents, env.status, 0, discardLogger())
	defer hub.Close()
	assert.Equal(t, 30*time.Second, hub.heartbeat)
}
