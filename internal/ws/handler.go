package ws

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/peterje/consolehost/internal/console"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// closeRemoved is the close reason sent when the process is evicted.
const closeRemoved = "process removed"

// Text frames carry control messages; binary frames are raw stdin.
type controlMsg struct {
	Type string `json:"type"` // "input", "interrupt", "resize"
	Data struct {
		Input string `json:"input"`
		Rows  uint16 `json:"rows"`
		Cols  uint16 `json:"cols"`
	} `json:"data"`
}

// Events is the subset of the event emitter the handler needs.
type Events interface {
	Replay(handle string) []byte
	Subscribe(handle string) (<-chan console.Event, func())
}

type Handler struct {
	registry *console.Registry
	events   Events
}

func NewHandler(registry *console.Registry, events Events) *Handler {
	return &Handler{registry: registry, events: events}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	handle := r.PathValue("handle")
	if handle == "" {
		http.Error(w, "missing process handle", http.StatusBadRequest)
		return
	}

	proc, ok := h.registry.Lookup(handle)
	if !ok {
		logrus.WithField("handle", handle).Debug("ws: process not found")
		http.Error(w, "process not found", http.StatusNotFound)
		return
	}
	log := logrus.WithField("handle", handle)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("ws: upgrade failed")
		return
	}
	defer conn.Close()

	log.Debug("ws: client attached")

	// Subscribe before replaying so no output falls between the two.
	eventsCh, unsub := h.events.Subscribe(handle)
	defer unsub()

	// An eviction between Lookup and Subscribe leaves a stream nobody closes.
	if _, ok := h.registry.Lookup(handle); !ok {
		log.Debug("ws: process removed while attaching")
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, closeRemoved))
		return
	}

	var writeMu sync.Mutex
	write := func(msgType int, data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteMessage(msgType, data)
	}

	if replay := h.events.Replay(handle); len(replay) > 0 {
		if err := write(websocket.BinaryMessage, replay); err != nil {
			log.WithError(err).Debug("ws: replay send failed")
			return
		}
	}

	var wg sync.WaitGroup
	done := make(chan struct{})
	// finished carries the exit code, or nil when the stream closed without one.
	finished := make(chan *int, 1)

	// Process output -> WebSocket
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range eventsCh {
			switch ev.Kind {
			case console.EventStdout, console.EventStderr:
				if err := write(websocket.BinaryMessage, ev.Data); err != nil {
					log.WithError(err).Debug("ws: write to client failed")
					return
				}
			case console.EventExited:
				code := ev.ExitCode
				finished <- &code
				return
			}
		}
		finished <- nil
	}()

	// WebSocket -> process
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(done)
		for {
			msgType, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := h.handleMessage(proc, msgType, msg); err != nil {
				if errors.Is(err, console.ErrProcessExited) {
					return
				}
				log.WithError(err).Debug("ws: client message rejected")
			}
		}
	}()

	select {
	case <-done:
		log.Debug("ws: client detached")
	case code := <-finished:
		reason := closeRemoved
		if code != nil {
			reason = "exit " + strconv.Itoa(*code)
		}
		log.WithField("reason", reason).Debug("ws: stream finished")
		writeMu.Lock()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
		writeMu.Unlock()
	}

	conn.Close()
	unsub()
	wg.Wait()
}

func (h *Handler) handleMessage(proc *console.ConsoleProcess, msgType int, msg []byte) error {
	switch msgType {
	case websocket.BinaryMessage:
		return proc.EnqueueInput(string(msg))
	case websocket.TextMessage:
		var ctl controlMsg
		if err := json.Unmarshal(msg, &ctl); err != nil {
			return err
		}
		switch ctl.Type {
		case "input":
			return proc.EnqueueInput(ctl.Data.Input)
		case "interrupt":
			return proc.Interrupt()
		case "resize":
			return proc.Resize(ctl.Data.Rows, ctl.Data.Cols)
		}
	}
	return nil
}
