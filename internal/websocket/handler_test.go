package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"classwatch/pkg/types"
)

type routerStub struct {
	mu     sync.Mutex
	events []*types.Event
	result bool
}

func (r *routerStub) Route(ctx context.Context, event *types.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *event
	r.events = append(r.events, &copied)
	return r.result
}

func (r *routerStub) routed() []*types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*types.Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *routerStub) waitForEvents(t *testing.T, n int) []*types.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := r.routed(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d routed events", n)
	return nil
}

func newHandlerFixture(t *testing.T) (*httptest.Server, *Registry, *routerStub) {
	t.Helper()
	registry := NewRegistry(nil)
	stub := &routerStub{result: true}
	handler := NewHandler(registry, stub, HandlerConfig{
		PingInterval: time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: time.Second,
	}, nil)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", handler.HandleWebSocket)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, registry, stub
}

func dial(t *testing.T, server *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("failed to dial %s: %v", query, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatal(err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read frame: %v", err)
	}
	var frame map[string]interface{}
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("failed to decode frame: %v", err)
	}
	return frame
}

func TestHandler_ConnectSendsAck(t *testing.T) {
	server, registry, _ := newHandlerFixture(t)

	conn := dial(t, server, "client_type=student&client_id=student_1&room=class_1")

	frame := readFrame(t, conn)
	if frame["type"] != types.FrameTypeConnected {
		t.Errorf("expected connected frame, got %v", frame["type"])
	}
	if frame["clientId"] != "student_1" {
		t.Errorf("expected clientId student_1, got %v", frame["clientId"])
	}
	if frame["room"] != "class_1" {
		t.Errorf("expected room class_1, got %v", frame["room"])
	}
	if registry.Stats().Total != 1 {
		t.Errorf("expected 1 registered connection, got %d", registry.Stats().Total)
	}
}

func TestHandler_RejectsInvalidClientType(t *testing.T) {
	server, _, _ := newHandlerFixture(t)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?client_type=janitor"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail for invalid client type")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 response, got %v", resp)
	}
}

func TestHandler_RoutesInboundEvents(t *testing.T) {
	server, _, stub := newHandlerFixture(t)

	conn := dial(t, server, "client_type=student&client_id=student_1&room=class_1")
	readFrame(t, conn)

	payload, _ := json.Marshal(types.Event{
		Type:       types.EventTypeCellExecution,
		NotebookID: "nb_1",
		CellID:     "cell_3",
	})
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatal(err)
	}

	events := stub.waitForEvents(t, 1)
	if events[0].Type != types.EventTypeCellExecution {
		t.Errorf("expected cell_execution, got %s", events[0].Type)
	}
	if events[0].UserID != "student_1" {
		t.Errorf("sender identity should be filled in, got %q", events[0].UserID)
	}
}

func TestHandler_SkipsMalformedFrames(t *testing.T) {
	server, _, stub := newHandlerFixture(t)

	conn := dial(t, server, "client_type=student&client_id=student_1")
	readFrame(t, conn)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{broken")); err != nil {
		t.Fatal(err)
	}
	payload, _ := json.Marshal(types.Event{Type: types.EventTypePing})
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatal(err)
	}

	events := stub.waitForEvents(t, 1)
	if len(events) != 1 || events[0].Type != types.EventTypePing {
		t.Errorf("only the valid frame should be routed, got %v", events)
	}
}

func TestHandler_RoomChangeBypassesRouter(t *testing.T) {
	server, registry, stub := newHandlerFixture(t)

	conn := dial(t, server, "client_type=student&client_id=student_1&room=class_1")
	readFrame(t, conn)

	payload, _ := json.Marshal(types.Event{
		Type: types.EventTypeRoomChange,
		Room: "class_2",
	})
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if room, ok := registry.Room("student_1"); ok && room == "class_2" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	room, ok := registry.Room("student_1")
	if !ok || room != "class_2" {
		t.Fatalf("expected room class_2, got %q", room)
	}
	if len(stub.routed()) != 0 {
		t.Error("room changes should not reach the event router")
	}
}

func TestHandler_DisconnectUnregisters(t *testing.T) {
	server, registry, _ := newHandlerFixture(t)

	conn := dial(t, server, "client_type=student&client_id=student_1")
	readFrame(t, conn)
	_ = conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if registry.Stats().Total == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Errorf("expected connection to be unregistered, still %d", registry.Stats().Total)
}

func TestHandler_InboundFramesRefreshActivity(t *testing.T) {
	server, registry, stub := newHandlerFixture(t)

	conn := dial(t, server, "client_type=student&client_id=student_1&room=class_1")
	readFrame(t, conn)

	// Age the entry far past the sweep window, then send traffic.
	registry.mu.Lock()
	registry.clients["student_1"].lastActivity = time.Now().Add(-time.Hour)
	registry.mu.Unlock()

	payload, _ := json.Marshal(types.Event{Type: types.EventTypePing})
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatal(err)
	}
	stub.waitForEvents(t, 1)

	if removed := registry.SweepStale(time.Minute); removed != 0 {
		t.Errorf("client sending events must not be swept as stale, removed %d", removed)
	}
	if _, ok := registry.Room("student_1"); !ok {
		t.Error("client must still be registered after the sweep")
	}
}
