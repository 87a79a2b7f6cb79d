package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"classwatch/pkg/types"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is delegated to the deployment's reverse proxy.
		return true
	},
	HandshakeTimeout: 10 * time.Second,
}

// EventRouter is the inbound dispatch surface the handler feeds. Declared
// here to keep the dependency pointing outward.
type EventRouter interface {
	Route(ctx context.Context, event *types.Event) bool
}

// HandlerConfig tunes connection liveness timing.
type HandlerConfig struct {
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Handler upgrades observer connections, registers them, and pumps their
// inbound frames into the event router.
type Handler struct {
	registry *Registry
	router   EventRouter
	config   HandlerConfig
	logger   *slog.Logger
}

// NewHandler creates a WebSocket handler.
func NewHandler(registry *Registry, router EventRouter, config HandlerConfig, logger *slog.Logger) *Handler {
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 60 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		registry: registry,
		router:   router,
		config:   config,
		logger:   logger,
	}
}

// HandleWebSocket validates the connection parameters, upgrades, and
// registers the connection before starting its read loop.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	clientType := r.URL.Query().Get("client_type")
	room := r.URL.Query().Get("room")

	if clientID != "" && !types.IsValidClientID(clientID) {
		http.Error(w, "Invalid client_id format", http.StatusBadRequest)
		return
	}
	if !types.IsValidClientType(clientType) {
		http.Error(w, "Invalid client_type: must be student, instructor, or dashboard", http.StatusBadRequest)
		return
	}
	if room != "" && !types.IsValidRoom(room) {
		http.Error(w, "Invalid room format", http.StatusBadRequest)
		return
	}

	metadata := make(map[string]string)
	if classes := r.URL.Query().Get("classes"); classes != "" {
		metadata["classes"] = classes
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	wsConn := NewConnection(conn, h.config.WriteTimeout)
	assignedID, err := h.registry.Register(wsConn, clientType, clientID, room, metadata)
	if err != nil {
		h.logger.Warn("registration failed", slog.String("error", err.Error()))
		_ = wsConn.Close()
		return
	}

	// The request context dies when this handler returns on the hijacked
	// connection, so the read loop runs on its own lifetime.
	go h.readLoop(context.Background(), wsConn, assignedID)
}

// readLoop pumps inbound frames for one connection. Malformed frames are
// logged and skipped; a read error ends the connection.
func (h *Handler) readLoop(ctx context.Context, conn *Connection, clientID string) {
	defer h.registry.Unregister(clientID)

	if err := conn.conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout)); err != nil {
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		h.registry.Touch(clientID)
		return conn.conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	})

	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ticker.C:
				deadline := time.Now().Add(h.config.WriteTimeout)
				if err := conn.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			case <-conn.Done():
				return
			}
		}
	}()

	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("websocket read error",
					slog.String("client_id", clientID),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		h.registry.Touch(clientID)
		if messageType != websocket.TextMessage {
			continue
		}
		if err := conn.conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout)); err != nil {
			return
		}

		var event types.Event
		if err := json.Unmarshal(data, &event); err != nil {
			h.logger.Warn("malformed frame",
				slog.String("client_id", clientID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if event.UserID == "" {
			event.UserID = clientID
		}

		if event.Type == types.EventTypeRoomChange {
			h.handleRoomChange(clientID, &event)
			continue
		}

		if !h.router.Route(ctx, &event) {
			h.logger.Debug("event not routed",
				slog.String("client_id", clientID),
				slog.String("event_type", event.Type),
			)
		}
	}
}

// handleRoomChange moves the connection to the requested room through the
// registry's first-class room move.
func (h *Handler) handleRoomChange(clientID string, event *types.Event) {
	newRoom := event.Room
	if newRoom == "" {
		if roomValue, ok := event.Content["room"].(string); ok {
			newRoom = roomValue
		}
	}
	if err := h.registry.ChangeRoom(clientID, newRoom); err != nil {
		h.logger.Warn("room change rejected",
			slog.String("client_id", clientID),
			slog.String("room", newRoom),
			slog.String("error", err.Error()),
		)
	}
}
