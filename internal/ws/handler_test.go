package ws

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/peterje/consolehost/internal/console"
	"github.com/peterje/consolehost/internal/events"
	"github.com/peterje/consolehost/internal/system"
)

func setup(t *testing.T) (*console.Registry, *events.Emitter, string) {
	t.Helper()
	emitter := events.NewEmitter()
	sup := system.NewSupervisor(10 * time.Millisecond)
	registry := console.NewRegistry(sup, console.WithObserver(emitter))

	mux := http.NewServeMux()
	mux.Handle("GET /ws/process/{handle}", NewHandler(registry, emitter))
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		ts.Close()
		sup.TerminateAll()
	})
	return registry, emitter, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/process/"
}

func start(t *testing.T, registry *console.Registry, command string) *console.ConsoleProcess {
	t.Helper()
	proc := registry.CreateProcess(command)
	if err := proc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return proc
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	return conn
}

// readUntilClose collects binary output until the server closes the socket.
func readUntilClose(t *testing.T, conn *websocket.Conn) (string, *websocket.CloseError) {
	t.Helper()
	var out strings.Builder
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return out.String(), closeErr
			}
			t.Fatalf("read: %v (output so far %q)", err, out.String())
		}
		out.Write(msg)
	}
}

func TestHandler_UnknownHandle(t *testing.T) {
	_, _, base := setup(t)
	_, resp, err := websocket.DefaultDialer.Dial(base+"missing0", nil)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", resp)
	}
}

func TestHandler_EchoAndInterrupt(t *testing.T) {
	registry, _, base := setup(t)
	proc := start(t, registry, "cat")
	conn := dial(t, base+proc.Handle())

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte("hello\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	var out strings.Builder
	for !strings.Contains(out.String(), "hello") {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		out.Write(msg)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"interrupt"}`)); err != nil {
		t.Fatalf("write interrupt: %v", err)
	}
	_, closeErr := readUntilClose(t, conn)
	if closeErr.Code != websocket.CloseNormalClosure {
		t.Errorf("expected normal closure, got %d", closeErr.Code)
	}
	if !strings.HasPrefix(closeErr.Text, "exit ") || closeErr.Text == "exit 0" {
		t.Errorf("expected non-zero exit reason, got %q", closeErr.Text)
	}
	if proc.State() != console.StateExited {
		t.Errorf("expected exited, got %s", proc.State())
	}
}

func TestHandler_TextInput(t *testing.T) {
	registry, _, base := setup(t)
	proc := start(t, registry, "head -n 1")
	conn := dial(t, base+proc.Handle())

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"input","data":{"input":"line one\n"}}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	out, closeErr := readUntilClose(t, conn)
	if !strings.Contains(out, "line one") {
		t.Errorf("expected echoed line, got %q", out)
	}
	if closeErr.Text != "exit 0" {
		t.Errorf("expected exit 0, got %q", closeErr.Text)
	}
}

func TestHandler_ReplayAfterExit(t *testing.T) {
	registry, _, base := setup(t)
	proc := start(t, registry, "echo replayed")

	deadline := time.Now().Add(10 * time.Second)
	for proc.State() != console.StateExited {
		if time.Now().After(deadline) {
			t.Fatal("process did not exit")
		}
		time.Sleep(10 * time.Millisecond)
	}

	conn := dial(t, base+proc.Handle())
	out, closeErr := readUntilClose(t, conn)
	if out != "replayed\n" {
		t.Errorf("expected replayed output, got %q", out)
	}
	if closeErr.Text != "exit 0" {
		t.Errorf("expected exit 0, got %q", closeErr.Text)
	}
}

func TestHandler_EvictClosesAttachedClient(t *testing.T) {
	registry, emitter, base := setup(t)
	proc := registry.CreateProcess("cat")
	conn := dial(t, base+proc.Handle())

	// Whether the handler subscribed before or after the eviction, the
	// client must be closed.
	if err := registry.Evict(proc.Handle()); err != nil {
		t.Fatalf("Evict: %v", err)
	}
	emitter.Forget(proc.Handle())

	_, closeErr := readUntilClose(t, conn)
	if closeErr.Text != closeRemoved {
		t.Errorf("expected close reason %q, got %q", closeRemoved, closeErr.Text)
	}
}
