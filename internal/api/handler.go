package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/lowaak/treadmill-sync/internal/storage"
	"github.com/lowaak/treadmill-sync/internal/treadmill"
	"github.com/lowaak/treadmill-sync/internal/workout"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// WorkoutStore is the read side of storage.Store plus the sync cursors
type WorkoutStore interface {
	ListWorkouts(ctx context.Context, limit, offset int) ([]workout.Workout, error)
	GetWorkout(ctx context.Context, id int64) (*workout.Workout, error)
	ListSamples(ctx context.Context, workoutID int64) ([]workout.Sample, error)
	ListCompletedWorkoutsAfter(ctx context.Context, afterID int64, limit int) ([]workout.Workout, error)
	GetSyncCursor(ctx context.Context, clientID string) (int64, error)
	SetSyncCursor(ctx context.Context, clientID string, workoutID int64) error
}

// LiveSource is the running engine
type LiveSource interface {
	Active() bool
	CurrentMetrics(ctx context.Context) (*workout.LiveMetrics, error)
}

// StatusSource is the treadmill driver
type StatusSource interface {
	Status() treadmill.ConnectionStatus
	ListenToStatus(callback func(treadmill.ConnectionStatus)) func()
}

type Handler struct {
	store   WorkoutStore
	live    LiveSource
	status  StatusSource
	metrics http.Handler
	hub     *Hub
	logger  *log.Logger
	started time.Time
}

func NewHandler(
	store WorkoutStore,
	live LiveSource,
	status StatusSource,
	metrics http.Handler,
	hub *Hub,
	logger *log.Logger,
) *Handler {
	if store == nil || live == nil || status == nil || hub == nil {
		panic("API: store, live, status and hub are required")
	}
	if logger == nil {
		panic("API: logger cannot be nil")
	}
	return &Handler{
		store:   store,
		live:    live,
		status:  status,
		metrics: metrics,
		hub:     hub,
		logger:  logger,
		started: time.Now(),
	}
}

func (h *Handler) SetupRoutes(router *mux.Router) {
	apiRouter := router.PathPrefix("/api").Subrouter()
	apiRouter.HandleFunc("/health", h.handleHealth).Methods("GET").Name("health")
	apiRouter.HandleFunc("/status", h.handleStatus).Methods("GET").Name("status")
	apiRouter.HandleFunc("/workouts", h.handleListWorkouts).Methods("GET").Name("list-workouts")
	apiRouter.HandleFunc("/workouts/current", h.handleCurrentWorkout).Methods("GET").Name("current-workout")
	apiRouter.HandleFunc("/workouts/{id:[0-9]+}", h.handleGetWorkout).Methods("GET").Name("get-workout")
	apiRouter.HandleFunc("/workouts/{id:[0-9]+}/samples", h.handleListSamples).Methods("GET").Name("list-samples")
	apiRouter.HandleFunc("/sync/{client}/pending", h.handleSyncPending).Methods("GET").Name("sync-pending")
	apiRouter.HandleFunc("/sync/{client}/cursor", h.handleSyncCursor).Methods("PUT").Name("sync-cursor")

	if h.metrics != nil {
		router.Handle("/metrics", h.metrics).Methods("GET")
	}
	router.HandleFunc("/ws/live", h.hub.ServeWS).Methods("GET")
}

// Router builds the complete HTTP surface
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	h.SetupRoutes(r)
	r.Use(logRequest(h.logger))
	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(h.started) / time.Second),
	})
}

type statusResponse struct {
	Connection    treadmill.ConnectionStatus `json:"connection"`
	WorkoutActive bool                       `json:"workout_active"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, statusResponse{
		Connection:    h.status.Status(),
		WorkoutActive: h.live.Active(),
	})
}

func (h *Handler) handleListWorkouts(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil || limit < 1 || limit > maxListLimit {
		http.Error(w, "invalid limit", http.StatusBadRequest)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		http.Error(w, "invalid offset", http.StatusBadRequest)
		return
	}

	workouts, err := h.store.ListWorkouts(r.Context(), limit, offset)
	if err != nil {
		h.internalError(w, "list workouts", err)
		return
	}
	h.writeJSON(w, http.StatusOK, workouts)
}

func (h *Handler) handleGetWorkout(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	wk, err := h.store.GetWorkout(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "workout not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.internalError(w, "get workout", err)
		return
	}
	h.writeJSON(w, http.StatusOK, wk)
}

func (h *Handler) handleListSamples(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if _, err := h.store.GetWorkout(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "workout not found", http.StatusNotFound)
			return
		}
		h.internalError(w, "get workout", err)
		return
	}
	samples, err := h.store.ListSamples(r.Context(), id)
	if err != nil {
		h.internalError(w, "list samples", err)
		return
	}
	h.writeJSON(w, http.StatusOK, samples)
}

func (h *Handler) handleCurrentWorkout(w http.ResponseWriter, r *http.Request) {
	metrics, err := h.live.CurrentMetrics(r.Context())
	if err != nil {
		h.internalError(w, "current metrics", err)
		return
	}
	if metrics == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.writeJSON(w, http.StatusOK, metrics)
}

type syncPendingResponse struct {
	ClientID            string            `json:"client_id"`
	LastSyncedWorkoutID int64             `json:"last_synced_workout_id"`
	Workouts            []workout.Workout `json:"workouts"`
}

func (h *Handler) handleSyncPending(w http.ResponseWriter, r *http.Request) {
	client := mux.Vars(r)["client"]
	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil || limit < 1 || limit > maxListLimit {
		http.Error(w, "invalid limit", http.StatusBadRequest)
		return
	}

	cursor, err := h.store.GetSyncCursor(r.Context(), client)
	if err != nil {
		h.internalError(w, "get sync cursor", err)
		return
	}
	workouts, err := h.store.ListCompletedWorkoutsAfter(r.Context(), cursor, limit)
	if err != nil {
		h.internalError(w, "list pending workouts", err)
		return
	}
	h.writeJSON(w, http.StatusOK, syncPendingResponse{
		ClientID:            client,
		LastSyncedWorkoutID: cursor,
		Workouts:            workouts,
	})
}

type syncCursorRequest struct {
	LastSyncedWorkoutID int64 `json:"last_synced_workout_id"`
}

func (h *Handler) handleSyncCursor(w http.ResponseWriter, r *http.Request) {
	client := mux.Vars(r)["client"]

	var req syncCursorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.LastSyncedWorkoutID < 0 {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if req.LastSyncedWorkoutID > 0 {
		if _, err := h.store.GetWorkout(r.Context(), req.LastSyncedWorkoutID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				http.Error(w, "workout not found", http.StatusNotFound)
				return
			}
			h.internalError(w, "get workout", err)
			return
		}
	}

	if err := h.store.SetSyncCursor(r.Context(), client, req.LastSyncedWorkoutID); err != nil {
		h.internalError(w, "set sync cursor", err)
		return
	}
	cursor, err := h.store.GetSyncCursor(r.Context(), client)
	if err != nil {
		h.internalError(w, "get sync cursor", err)
		return
	}
	h.logger.Printf("API: Sync client %q acknowledged up to workout %d", client, cursor)
	h.writeJSON(w, http.StatusOK, syncCursorRequest{LastSyncedWorkoutID: cursor})
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

func (h *Handler) internalError(w http.ResponseWriter, op string, err error) {
	h.logger.Printf("API: %s failed: %v", op, err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Printf("API: failed to write response: %v", err)
	}
}
