package api

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/lowaak/treadmill-sync/internal/events"
	"github.com/lowaak/treadmill-sync/internal/treadmill"
	"github.com/lowaak/treadmill-sync/internal/workout"
)

const (
	MessageConnectionStatus = "connection_status"
	MessageHeartbeat        = "heartbeat"

	clientBufferSize = 64
	writeTimeout     = 5 * time.Second
)

// Message is one JSON frame on /ws/live. Workout events keep their own type
// names (workout_started, workout_sample, ...).
type Message struct {
	Type      string                      `json:"type"`
	Timestamp time.Time                   `json:"timestamp"`
	WorkoutID int64                       `json:"workout_id,omitempty"`
	Workout   *workout.Workout            `json:"workout,omitempty"`
	Sample    *workout.Sample             `json:"sample,omitempty"`
	Reason    string                      `json:"reason,omitempty"`
	Status    *treadmill.ConnectionStatus `json:"status,omitempty"`
}

// Hub streams workout events and connection status to websocket clients.
// A client that cannot keep up misses events rather than slowing the engine.
type Hub struct {
	workoutEvents *events.ChannelEvent[workout.Event]
	status        StatusSource
	heartbeat     time.Duration
	logger        *log.Logger
	now           func() time.Time

	// mu orders client registration against Close
	mu     sync.Mutex
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewHub(
	workoutEvents *events.ChannelEvent[workout.Event],
	status StatusSource,
	heartbeat time.Duration,
	logger *log.Logger,
) *Hub {
	if workoutEvents == nil || status == nil {
		panic("Hub: events and status are required")
	}
	if logger == nil {
		panic("Hub: logger cannot be nil")
	}
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		workoutEvents: workoutEvents,
		status:        status,
		heartbeat:     heartbeat,
		logger:        logger,
		now:           time.Now,
		ctx:           ctx,
		cancel:        cancel,
	}
}

func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Printf("Hub: websocket accept failed: %v", err)
		return
	}
	defer conn.CloseNow()
	if !h.register() {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer h.wg.Done()

	workoutCh := make(chan workout.Event, clientBufferSize)
	unregisterEvents := h.workoutEvents.Listen(workoutCh)
	defer unregisterEvents()

	statusCh := make(chan treadmill.ConnectionStatus, 8)
	unregisterStatus := h.status.ListenToStatus(func(s treadmill.ConnectionStatus) {
		select {
		case statusCh <- s:
		default:
		}
	})
	defer unregisterStatus()

	// the client only ever reads; CloseRead handles its control frames
	ctx := conn.CloseRead(r.Context())

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	h.logger.Printf("Hub: Client %s connected", r.RemoteAddr)
	for {
		var msg Message
		select {
		case <-ctx.Done():
			h.logger.Printf("Hub: Client %s disconnected", r.RemoteAddr)
			return
		case <-h.ctx.Done():
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case ev := <-workoutCh:
			msg = Message{
				Type:      string(ev.Type),
				WorkoutID: ev.WorkoutID,
				Workout:   ev.Workout,
				Sample:    ev.Sample,
				Reason:    ev.Reason,
			}
		case s := <-statusCh:
			msg = Message{Type: MessageConnectionStatus, Status: &s}
		case <-ticker.C:
			msg = Message{Type: MessageHeartbeat}
		}

		msg.Timestamp = h.now().UTC()
		if err := h.write(ctx, conn, msg); err != nil {
			h.logger.Printf("Hub: Dropping client %s: %v", r.RemoteAddr, err)
			return
		}
	}
}

// register counts a client in wg unless the hub is closed
func (h *Hub) register() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.wg.Add(1)
	return true
}

func (h *Hub) write(ctx context.Context, conn *websocket.Conn, msg Message) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, msg)
}

// Close disconnects every client and waits for their handlers to return
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.cancel()
	h.wg.Wait()
}
