package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"pairchat/pkg/interfaces"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func TestConnection_InterfaceCompliance(t *testing.T) {
	var _ interfaces.Connection = &Connection{}
}

// socketPair returns a server-side Connection and the client end of the same socket.
func socketPair(t *testing.T, userID, connID string) (*Connection, *websocket.Conn) {
	t.Helper()
	serverSide := make(chan *websocket.Conn, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		serverSide <- c
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	select {
	case c := <-serverSide:
		conn := NewConnection(c, userID, connID)
		t.Cleanup(func() { _ = conn.Close() })
		return conn, client
	case <-time.After(2 * time.Second):
		t.Fatal("server side never upgraded")
		return nil, nil
	}
}

func TestConnection_NewConnectionInitialization(t *testing.T) {
	conn, _ := socketPair(t, "u1", "conn-1")

	if cap(conn.writeCh) != 100 {
		t.Errorf("Expected write channel buffer of 100, got %d", cap(conn.writeCh))
	}
	if conn.GetUserID() != "u1" || conn.GetConnectionID() != "conn-1" {
		t.Errorf("identity = %s/%s", conn.GetUserID(), conn.GetConnectionID())
	}
}

func TestConnection_WriteJSONDeliversInOrder(t *testing.T) {
	conn, client := socketPair(t, "u1", "conn-1")

	for i := 0; i < 20; i++ {
		if err := conn.WriteJSON(map[string]int{"n": i}); err != nil {
			t.Fatalf("WriteJSON %d failed: %v", i, err)
		}
	}

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	for i := 0; i < 20; i++ {
		var got map[string]int
		if err := client.ReadJSON(&got); err != nil {
			t.Fatalf("read %d failed: %v", i, err)
		}
		if got["n"] != i {
			t.Fatalf("message %d arrived as %d", i, got["n"])
		}
	}
}

func TestConnection_WriteAfterClose(t *testing.T) {
	conn, _ := socketPair(t, "u1", "conn-1")
	_ = conn.Close()

	if err := conn.WriteJSON("late"); err != ErrConnectionClosed {
		t.Errorf("WriteJSON after close = %v, want ErrConnectionClosed", err)
	}
	// Idempotent
	if err := conn.Close(); err != nil {
		t.Errorf("second Close returned %v", err)
	}
}

func TestConnection_InvalidJSON(t *testing.T) {
	conn, _ := socketPair(t, "u1", "conn-1")
	if err := conn.WriteJSON(make(chan int)); err != ErrInvalidJSON {
		t.Errorf("WriteJSON(chan) = %v, want ErrInvalidJSON", err)
	}
}

func TestConnection_CloseWithCodeFlushesPendingWrites(t *testing.T) {
	conn, client := socketPair(t, "u1", "conn-1")

	if err := conn.WriteJSON(map[string]string{"action": "error"}); err != nil {
		t.Fatal(err)
	}
	if err := conn.CloseWithCode(CloseAuthInvalid, "invalid token"); err != nil {
		t.Fatal(err)
	}

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("pending event lost: %v", err)
	}
	var ev map[string]string
	if err := json.Unmarshal(data, &ev); err != nil || ev["action"] != "error" {
		t.Fatalf("unexpected frame %s", data)
	}

	_, _, err = client.ReadMessage()
	if !websocket.IsCloseError(err, CloseAuthInvalid) {
		t.Errorf("expected close %d, got %v", CloseAuthInvalid, err)
	}

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Error("connection not marked done after CloseWithCode")
	}
}
