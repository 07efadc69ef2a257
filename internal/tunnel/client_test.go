package tunnel

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/yamux"
)

func TestClient_ForwardsGatewayStreams(t *testing.T) {
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "pong "+r.URL.Path)
	}))
	defer local.Close()

	upgrader := websocket.Upgrader{}
	responses := make(chan string, 1)
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(secretHeader) != "s3cret" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		session, err := yamux.Client(newWSConn(conn), nil)
		if err != nil {
			t.Errorf("yamux client: %v", err)
			return
		}
		defer session.Close()

		stream, err := session.Open()
		if err != nil {
			t.Errorf("open stream: %v", err)
			return
		}
		fmt.Fprint(stream, "GET /api/health HTTP/1.0\r\nHost: local\r\n\r\n")
		body, _ := io.ReadAll(stream)
		responses <- string(body)
	}))
	defer gateway.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gatewayURL := "ws" + strings.TrimPrefix(gateway.URL, "http") + "/tunnel"
	client := NewClient(gatewayURL, "s3cret", local.Listener.Addr().String())
	go client.Run(ctx)

	select {
	case resp := <-responses:
		if !strings.Contains(resp, "pong /api/health") {
			t.Errorf("expected forwarded response, got %q", resp)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for tunneled response")
	}
}

func TestClient_RunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	client := NewClient("ws://127.0.0.1:1/tunnel", "x", "127.0.0.1:1")

	done := make(chan struct{})
	go func() {
		client.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
