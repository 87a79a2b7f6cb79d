package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"classwatch/pkg/types"
)

// Transport is the minimal surface the registry needs from a live observer
// connection. The registry owns the handle exclusively after Register; no
// other component writes to or closes a registered transport.
type Transport interface {
	SendText(data []byte) error
	Close() error
}

// clientEntry is one live connection with its routing tags.
type clientEntry struct {
	clientID     string
	clientType   string
	room         string
	metadata     map[string]string
	transport    Transport
	connectedAt  time.Time
	lastActivity time.Time
}

// Stats is the read-only observability snapshot.
type Stats struct {
	Total int            `json:"total_connections"`
	Rooms map[string]int `json:"rooms"`
	Types map[string]int `json:"client_types"`
}

// Registry is the in-memory table of live observer connections. An RWMutex
// protects the table and the derived room index; all transport I/O happens
// outside the lock against a snapshot, so a send failure unregistering a
// client mid-broadcast cannot corrupt the iteration.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*clientEntry
	rooms   map[string]map[string]bool // room -> set of client IDs
	logger  *slog.Logger
}

// NewRegistry creates an empty connection registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		clients: make(map[string]*clientEntry),
		rooms:   make(map[string]map[string]bool),
		logger:  logger,
	}
}

// connectedFrame is the handshake acknowledgment sent on Register.
type connectedFrame struct {
	Type      string    `json:"type"`
	ClientID  string    `json:"clientId"`
	Room      string    `json:"room"`
	Timestamp time.Time `json:"timestamp"`
}

// Register completes the handshake on the transport and inserts the
// connection into the table and room index. An empty clientID gets a
// generated one; a duplicate clientID replaces the prior entry, closing its
// transport first. Registration fails only if the handshake write fails, in
// which case no state is mutated.
func (r *Registry) Register(transport Transport, clientType, clientID, room string, metadata map[string]string) (string, error) {
	if transport == nil {
		return "", ErrNilTransport
	}
	if clientID == "" {
		clientID = uuid.New().String()
	}
	if room == "" {
		room = types.DefaultRoom
	}
	if metadata == nil {
		metadata = make(map[string]string)
	}

	frame, err := json.Marshal(connectedFrame{
		Type:      types.FrameTypeConnected,
		ClientID:  clientID,
		Room:      room,
		Timestamp: time.Now(),
	})
	if err != nil {
		return "", ErrHandshake
	}
	if err := transport.SendText(frame); err != nil {
		return "", ErrHandshake
	}

	now := time.Now()
	entry := &clientEntry{
		clientID:     clientID,
		clientType:   clientType,
		room:         room,
		metadata:     metadata,
		transport:    transport,
		connectedAt:  now,
		lastActivity: now,
	}

	r.mu.Lock()
	var replaced Transport
	if prior, exists := r.clients[clientID]; exists {
		// Tear down the prior entry before the new one becomes visible.
		r.removeLocked(prior)
		replaced = prior.transport
	}
	r.clients[clientID] = entry
	r.addToRoomLocked(clientID, room)
	r.mu.Unlock()

	// Transport teardown can block or re-enter the registry, so it happens
	// outside the lock.
	if replaced != nil {
		_ = replaced.Close()
	}

	r.logger.Debug("client registered",
		slog.String("client_id", clientID),
		slog.String("client_type", clientType),
		slog.String("room", room),
	)
	return clientID, nil
}

// Unregister closes the transport and removes the connection and its room
// membership. Idempotent: unknown IDs and already-closed transports are
// no-ops.
func (r *Registry) Unregister(clientID string) {
	r.mu.Lock()
	entry, exists := r.clients[clientID]
	if exists {
		r.removeLocked(entry)
	}
	r.mu.Unlock()

	if !exists {
		return
	}

	_ = entry.transport.Close()
	r.logger.Debug("client unregistered", slog.String("client_id", clientID))
}

// Send serializes the message and writes it to exactly one transport. A
// write failure marks the connection dead and unregisters it.
func (r *Registry) Send(clientID string, message interface{}) bool {
	data, err := json.Marshal(message)
	if err != nil {
		r.logger.Warn("failed to serialize message", slog.String("error", err.Error()))
		return false
	}
	return r.sendBytes(clientID, data)
}

func (r *Registry) sendBytes(clientID string, data []byte) bool {
	r.mu.Lock()
	entry, exists := r.clients[clientID]
	var transport Transport
	if exists {
		entry.lastActivity = time.Now()
		transport = entry.transport
	}
	r.mu.Unlock()

	if !exists {
		return false
	}

	if err := transport.SendText(data); err != nil {
		r.logger.Debug("send failed, dropping connection",
			slog.String("client_id", clientID),
			slog.String("error", err.Error()),
		)
		r.Unregister(clientID)
		return false
	}
	return true
}

// Broadcast serializes the message once and sends it to a snapshot of the
// room's members, or of the whole table when room is empty. Individual send
// failures degrade the count but never abort the fan-out.
func (r *Registry) Broadcast(message interface{}, room string) int {
	data, err := json.Marshal(message)
	if err != nil {
		r.logger.Warn("failed to serialize broadcast", slog.String("error", err.Error()))
		return 0
	}

	r.mu.RLock()
	var targets []string
	if room != "" {
		for clientID := range r.rooms[room] {
			targets = append(targets, clientID)
		}
	} else {
		for clientID := range r.clients {
			targets = append(targets, clientID)
		}
	}
	r.mu.RUnlock()

	sent := 0
	for _, clientID := range targets {
		if r.sendBytes(clientID, data) {
			sent++
		}
	}
	return sent
}

// BroadcastByType sends to the snapshot of connections of the given client
// type, optionally filtered by a predicate over connection metadata.
// Unmatched connections are skipped, not counted as failures.
func (r *Registry) BroadcastByType(clientType string, message interface{}, predicate func(metadata map[string]string) bool) int {
	data, err := json.Marshal(message)
	if err != nil {
		r.logger.Warn("failed to serialize broadcast", slog.String("error", err.Error()))
		return 0
	}

	r.mu.RLock()
	var targets []string
	for clientID, entry := range r.clients {
		if entry.clientType != clientType {
			continue
		}
		if predicate != nil && !predicate(cloneMetadata(entry.metadata)) {
			continue
		}
		targets = append(targets, clientID)
	}
	r.mu.RUnlock()

	sent := 0
	for _, clientID := range targets {
		if r.sendBytes(clientID, data) {
			sent++
		}
	}
	return sent
}

// ChangeRoom moves the client between room-index sets atomically. The
// transport is untouched; this is a pure registry mutation.
func (r *Registry) ChangeRoom(clientID, newRoom string) error {
	if !types.IsValidRoom(newRoom) {
		return types.ErrInvalidRoom
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.clients[clientID]
	if !exists {
		return ErrUnknownClient
	}
	if entry.room == newRoom {
		return nil
	}

	r.removeFromRoomLocked(clientID, entry.room)
	entry.room = newRoom
	entry.lastActivity = time.Now()
	r.addToRoomLocked(clientID, newRoom)
	return nil
}

// Touch refreshes the client's activity marker so inbound traffic counts
// against the stale sweep, not just outbound sends.
func (r *Registry) Touch(clientID string) {
	r.mu.Lock()
	if entry, exists := r.clients[clientID]; exists {
		entry.lastActivity = time.Now()
	}
	r.mu.Unlock()
}

// Stats returns a read-only snapshot for the observability surface.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{
		Total: len(r.clients),
		Rooms: make(map[string]int),
		Types: make(map[string]int),
	}
	for room, members := range r.rooms {
		stats.Rooms[room] = len(members)
	}
	for _, entry := range r.clients {
		stats.Types[entry.clientType]++
	}
	return stats
}

// SweepStale unregisters every connection whose last activity exceeds the
// timeout. Returns the number of connections removed.
func (r *Registry) SweepStale(timeout time.Duration) int {
	cutoff := time.Now().Add(-timeout)

	r.mu.RLock()
	var stale []string
	for clientID, entry := range r.clients {
		if entry.lastActivity.Before(cutoff) {
			stale = append(stale, clientID)
		}
	}
	r.mu.RUnlock()

	for _, clientID := range stale {
		r.logger.Info("sweeping stale connection", slog.String("client_id", clientID))
		r.Unregister(clientID)
	}
	return len(stale)
}

// Room returns the client's current room for routing decisions.
func (r *Registry) Room(clientID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.clients[clientID]
	if !exists {
		return "", false
	}
	return entry.room, true
}

// removeLocked deletes the entry from the table and room index. Caller holds
// the write lock.
func (r *Registry) removeLocked(entry *clientEntry) {
	delete(r.clients, entry.clientID)
	r.removeFromRoomLocked(entry.clientID, entry.room)
}

func (r *Registry) addToRoomLocked(clientID, room string) {
	if r.rooms[room] == nil {
		r.rooms[room] = make(map[string]bool)
	}
	r.rooms[room][clientID] = true
}

func (r *Registry) removeFromRoomLocked(clientID, room string) {
	if members, exists := r.rooms[room]; exists {
		delete(members, clientID)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
}

func cloneMetadata(metadata map[string]string) map[string]string {
	clone := make(map[string]string, len(metadata))
	for k, v := range metadata {
		clone[k] = v
	}
	return clone
}
