package ws_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/firewatch/firewatch/pkg/types"
	"github.com/firewatch/firewatch/server/internal/store"
	wsHub "github.com/firewatch/firewatch/server/internal/ws"
)

const testInterval = 20 * time.Millisecond

// --- helpers ----------------------------------------------------------------

func newStore(alerts ...types.Alert) *store.Store {
	st := store.New()
	for _, a := range alerts {
		st.Insert(a)
	}
	return st
}

func alert(id string, state types.AlertState) types.Alert {
	return types.Alert{
		ID:        id,
		Kind:      types.AlertFire,
		Severity:  types.SeverityCritical,
		SourceID:  "cam-1",
		Location:  "Camera Station 1",
		State:     state,
		CreatedAt: time.Date(2026, 7, 1, 14, 0, 0, 0, time.UTC),
	}
}

// startHub starts a test HTTP server with the hub as its handler.
// The hub's Run loop is started with a cancellable context.
func startHub(t *testing.T, st *store.Store) (wsURL string, hub *wsHub.Hub, cancel func()) {
	t.Helper()

	hub = wsHub.New(st, testInterval)
	ctx, cancelFn := context.WithCancel(context.Background())

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeHTTP))
	go hub.Run(ctx)

	t.Cleanup(func() {
		cancelFn()
		srv.Close()
	})

	wsURL = "ws" + strings.TrimPrefix(srv.URL, "http")
	return wsURL, hub, cancelFn
}

// dial connects a WebSocket client to wsURL and returns the connection.
func dial(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readMessage reads one message from conn with a short deadline.
func readMessage(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(msg, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return m
}

// readUntil reads messages until one carries the wanted event.
func readUntil(t *testing.T, conn *websocket.Conn, event string) map[string]interface{} {
	t.Helper()
	for i := 0; i < 50; i++ {
		if m := readMessage(t, conn); m["event"] == event {
			return m
		}
	}
	t.Fatalf("no %q message received", event)
	return nil
}

// --- tests ------------------------------------------------------------------

func TestHub_Connect_ReceivesImmediateSnapshot(t *testing.T) {
	wsURL, _, _ := startHub(t, newStore(alert("a-1", types.StateActive)))

	m := readMessage(t, dial(t, wsURL))
	if m["event"] != wsHub.EventSnapshot {
		t.Errorf("event: got %v, want snapshot", m["event"])
	}
	data, ok := m["data"].(map[string]interface{})
	if !ok {
		t.Fatal("data: missing or wrong type")
	}
	if data["generated_at"] == nil || data["generated_at"] == "" {
		t.Error("generated_at: missing")
	}
}

func TestHub_SnapshotContainsOnlyOpenAlerts(t *testing.T) {
	st := newStore(
		alert("a-1", types.StateActive),
		alert("a-2", types.StateAcknowledged),
		alert("a-3", types.StateDismissed),
	)
	wsURL, _, _ := startHub(t, st)

	m := readMessage(t, dial(t, wsURL))
	list := m["data"].(map[string]interface{})["alerts"].([]interface{})
	if len(list) != 2 {
		t.Errorf("alerts: got %d, want 2", len(list))
	}
}

func TestHub_EmptyStore_EmptyAlerts(t *testing.T) {
	wsURL, _, _ := startHub(t, newStore())

	m := readMessage(t, dial(t, wsURL))
	list, ok := m["data"].(map[string]interface{})["alerts"].([]interface{})
	if !ok {
		t.Fatal("alerts: want empty array, got null")
	}
	if len(list) != 0 {
		t.Errorf("alerts: got %d, want 0", len(list))
	}
}

func TestHub_ReceivesTransition(t *testing.T) {
	wsURL, hub, _ := startHub(t, newStore())

	conn := dial(t, wsURL)
	readMessage(t, conn) // immediate snapshot
	time.Sleep(10 * time.Millisecond)

	a := alert("a-9", types.StateActive)
	hub.OnTransition(types.Transition{AlertID: a.ID, From: types.StateNone, To: types.StateActive, Alert: a})

	m := readUntil(t, conn, wsHub.EventTransition)
	data := m["data"].(map[string]interface{})
	if data["alert_id"] != "a-9" {
		t.Errorf("alert_id: got %v, want a-9", data["alert_id"])
	}
	if data["to"] != "active" {
		t.Errorf("to: got %v, want active", data["to"])
	}
}

func TestHub_CountClients(t *testing.T) {
	wsURL, hub, _ := startHub(t, newStore())

	for i := 0; i < 3; i++ {
		readMessage(t, dial(t, wsURL))
	}

	time.Sleep(10 * time.Millisecond)
	if n := hub.Count(); n != 3 {
		t.Errorf("Count: got %d, want 3", n)
	}
}

func TestHub_CountClients_DecreasesOnDisconnect(t *testing.T) {
	wsURL, hub, _ := startHub(t, newStore())

	conn := dial(t, wsURL)
	readMessage(t, conn)
	time.Sleep(10 * time.Millisecond)

	if n := hub.Count(); n != 1 {
		t.Errorf("Count before disconnect: got %d, want 1", n)
	}

	conn.Close()
	time.Sleep(50 * time.Millisecond) // let readPump detect the close

	if n := hub.Count(); n != 0 {
		t.Errorf("Count after disconnect: got %d, want 0", n)
	}
}

func TestHub_ReceivesSnapshotOnTick(t *testing.T) {
	st := newStore()
	wsURL, _, _ := startHub(t, st)

	conn := dial(t, wsURL)
	readMessage(t, conn) // consume immediate snapshot (empty store)

	st.Insert(alert("late", types.StateActive))

	// A later tick carries the new alert.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m := readUntil(t, conn, wsHub.EventSnapshot)
		list := m["data"].(map[string]interface{})["alerts"].([]interface{})
		if len(list) == 1 {
			if id := list[0].(map[string]interface{})["id"]; id != "late" {
				t.Errorf("id: got %v, want late", id)
			}
			return
		}
	}
	t.Fatal("tick broadcast never included the new alert")
}

func TestHub_CancelContextClosesConnections(t *testing.T) {
	wsURL, hub, cancel := startHub(t, newStore())

	conn := dial(t, wsURL)
	readMessage(t, conn)
	time.Sleep(10 * time.Millisecond)

	cancel() // signal shutdown

	time.Sleep(50 * time.Millisecond)
	if n := hub.Count(); n != 0 {
		t.Errorf("Count after cancel: got %d, want 0", n)
	}
}

func TestHub_NonWebSocketRequest_Returns400(t *testing.T) {
	hub := wsHub.New(newStore(), testInterval)
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeHTTP))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", resp.StatusCode)
	}
}
