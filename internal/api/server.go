// Package api exposes the HTTP surface: health probing and operational
// statistics. No business logic lives here, only JSON plumbing.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"classwatch/internal/breaker"
	"classwatch/internal/queue"
	"classwatch/internal/websocket"
	"classwatch/pkg/types"
)

// Connection counts above these marks shift the reported health status.
const (
	warningConnections  = 1000
	degradedConnections = 5000
	degradedQueueRatio  = 0.9
)

// Event listing bounds for /api/events.
const (
	defaultEventLimit = 50
	maxEventLimit     = 200
)

// HealthChecker is implemented by components that can verify their own
// backing resources.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// EventStore is the persistence surface the API reads from.
type EventStore interface {
	HealthChecker
	RecentByUser(ctx context.Context, userID string, limit int) ([]*types.Event, error)
	RecentByRoom(ctx context.Context, room string, limit int) ([]*types.Event, error)
}

type Server struct {
	registry *websocket.Registry
	queue    *queue.Queue
	breaker  *breaker.Breaker
	store    EventStore
	router   *http.ServeMux
	logger   *slog.Logger
}

func NewServer(registry *websocket.Registry, q *queue.Queue, brk *breaker.Breaker, store EventStore, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		registry: registry,
		queue:    q,
		breaker:  brk,
		store:    store,
		router:   http.NewServeMux(),
		logger:   logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Handle("/health", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleHealth))))
	s.router.Handle("/api/stats", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleStats))))
	s.router.Handle("/api/events", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleEvents))))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type HealthResponse struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	Connections int       `json:"connections"`
	Breaker     string    `json:"breaker"`
	Queue       string    `json:"queue"`
	Database    string    `json:"database"`
}

type StatsResponse struct {
	Connections websocket.Stats `json:"connections"`
	Queue       queue.Status    `json:"queue"`
	Breaker     BreakerStats    `json:"breaker"`
	Timestamp   time.Time       `json:"timestamp"`
}

type BreakerStats struct {
	State        string `json:"state"`
	FailureCount int    `json:"failure_count"`
}

type EventsResponse struct {
	Events    []*types.Event `json:"events"`
	Count     int            `json:"count"`
	Timestamp time.Time      `json:"timestamp"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// handleHealth reports a coarse status. Load pushes healthy to warning and
// degraded; only a broken backend (open breaker with a full queue, or an
// unreachable database) makes the probe fail.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	connStats := s.registry.Stats()
	queueStatus := s.queue.Status()
	breakerState := s.breaker.State()

	status := "healthy"
	switch {
	case connStats.Total > degradedConnections:
		status = "degraded"
	case queueStatus.CapacityUsed >= degradedQueueRatio:
		status = "degraded"
	case connStats.Total > warningConnections:
		status = "warning"
	}
	if breakerState == breaker.StateOpen && queueStatus.CapacityUsed >= 1.0 {
		status = "unhealthy"
	}

	dbStatus := "ok"
	if s.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.store.HealthCheck(ctx); err != nil {
			s.logger.Warn("database health check failed", slog.String("error", err.Error()))
			dbStatus = "unreachable"
			status = "unhealthy"
		}
	}

	queueLabel := "ok"
	if !queueStatus.IsOnline {
		queueLabel = "buffering"
	}

	response := HealthResponse{
		Status:      status,
		Timestamp:   time.Now(),
		Connections: connStats.Total,
		Breaker:     breakerState.String(),
		Queue:       queueLabel,
		Database:    dbStatus,
	}

	if status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(response)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := StatsResponse{
		Connections: s.registry.Stats(),
		Queue:       s.queue.Status(),
		Breaker: BreakerStats{
			State:        s.breaker.State().String(),
			FailureCount: s.breaker.FailureCount(),
		},
		Timestamp: time.Now(),
	}

	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(response)
}

// handleEvents returns recently persisted events for one user or one room,
// newest first.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.store == nil {
		s.sendError(w, "Event store is not configured", http.StatusServiceUnavailable)
		return
	}

	userID := r.URL.Query().Get("user")
	room := r.URL.Query().Get("room")
	if (userID == "") == (room == "") {
		s.sendError(w, "Exactly one of user or room is required", http.StatusBadRequest)
		return
	}

	limit := defaultEventLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.sendError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}

	var (
		events []*types.Event
		err    error
	)
	if userID != "" {
		events, err = s.store.RecentByUser(r.Context(), userID, limit)
	} else {
		events, err = s.store.RecentByRoom(r.Context(), room, limit)
	}
	if err != nil {
		s.logger.Warn("event lookup failed", slog.String("error", err.Error()))
		s.sendError(w, "Event lookup failed", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []*types.Event{}
	}

	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(EventsResponse{
		Events:    events,
		Count:     len(events),
		Timestamp: time.Now(),
	})
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
