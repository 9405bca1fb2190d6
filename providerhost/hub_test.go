package providerhost

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"
)

func newTestHub(t *testing.T) (*SocketHub, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "toolmesh.sock")
	hub := NewSocketHub(path, 1<<20, nil)
	if err := hub.Listen(); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Serve(ctx)
	return hub, path
}

func recvHubEvent(t *testing.T, hub *SocketHub, kind HubEventKind) HubEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case event := <-hub.Events():
			if event.Kind == kind {
				return event
			}
		case <-deadline:
			t.Fatalf("timed out waiting for hub event kind %q", kind)
		}
	}
}

func TestSocketHubAcceptAndFrameRoundTrip(t *testing.T) {
	hub, path := newTestHub(t)
	defer hub.Shutdown()

	client, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer client.Close()

	recvHubEvent(t, hub, HubEventConnected)

	writer := NewFrameWriter(client, 1<<20)
	sent := Frame{Type: "register", ID: "1", Data: json.RawMessage(`{"name":"calc"}`)}
	if err := writer.Write(sent); err != nil {
		t.Fatalf("client Write() error = %v", err)
	}

	event := recvHubEvent(t, hub, HubEventFrame)
	if event.Frame.Type != "register" || string(event.Frame.Data) != `{"name":"calc"}` {
		t.Fatalf("received frame = %+v, want a matching register frame", event.Frame)
	}

	reply := Frame{Type: "tool_response", ID: "1", Data: json.RawMessage(`{"ok":true}`)}
	if err := event.Conn.Send(reply); err != nil {
		t.Fatalf("Conn.Send() error = %v", err)
	}

	reader := NewFrameReader(client, 1<<20)
	got, err := reader.Next()
	if err != nil {
		t.Fatalf("client Next() error = %v", err)
	}
	if got.Type != "tool_response" || string(got.Data) != `{"ok":true}` {
		t.Fatalf("client received = %+v, want the hub's reply frame", got)
	}
}

func TestSocketHubCloseConnectionEmitsClosedEvent(t *testing.T) {
	hub, path := newTestHub(t)
	defer hub.Shutdown()

	client, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer client.Close()

	connected := recvHubEvent(t, hub, HubEventConnected)

	hub.CloseConnection(connected.Conn, ErrUnregisteredTraffic)

	closed := recvHubEvent(t, hub, HubEventClosed)
	if closed.Conn.ID != connected.Conn.ID {
		t.Fatalf("closed event conn = %s, want %s", closed.Conn.ID, connected.Conn.ID)
	}
	if closed.Reason != ErrUnregisteredTraffic {
		t.Fatalf("closed event reason = %v, want ErrUnregisteredTraffic", closed.Reason)
	}
}

func TestSocketHubClientDisconnectEmitsClosedEvent(t *testing.T) {
	hub, path := newTestHub(t)
	defer hub.Shutdown()

	client, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	recvHubEvent(t, hub, HubEventConnected)

	client.Close()

	recvHubEvent(t, hub, HubEventClosed)
}

func TestSocketHubShutdownClosesConnections(t *testing.T) {
	hub, path := newTestHub(t)

	client, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer client.Close()
	recvHubEvent(t, hub, HubEventConnected)

	if err := hub.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	buf := make([]byte, 1)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := client.Read(buf); err == nil {
		t.Fatal("expected client read to fail after Shutdown()")
	}

	if _, err := net.Dial("unix", path); err == nil {
		t.Fatal("expected dialing a shut-down socket to fail")
	}
}
