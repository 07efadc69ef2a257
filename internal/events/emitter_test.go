package events

import (
	"bytes"
	"testing"
	"time"

	"github.com/peterje/consolehost/internal/console"
)

func output(handle, s string) console.Event {
	return console.Event{Kind: console.EventStdout, Handle: handle, Data: []byte(s)}
}

func TestEmitter_ReplayAndSubscribe(t *testing.T) {
	e := NewEmitter()
	e.OnProcessEvent(output("h1", "before "))

	ch, unsub := e.Subscribe("h1")
	defer unsub()

	e.OnProcessEvent(output("h1", "after"))
	e.OnProcessEvent(output("h2", "other"))

	if got := string(e.Replay("h1")); got != "before after" {
		t.Errorf("expected replay %q, got %q", "before after", got)
	}

	ev := <-ch
	if string(ev.Data) != "after" {
		t.Errorf("expected live event %q, got %q", "after", ev.Data)
	}
	select {
	case ev := <-ch:
		t.Errorf("unexpected event for another handle: %+v", ev)
	default:
	}
}

func TestEmitter_ExitClosesSubscribers(t *testing.T) {
	e := NewEmitter()
	ch, unsub := e.Subscribe("h1")
	defer unsub()

	e.OnProcessEvent(console.Event{Kind: console.EventExited, Handle: "h1", ExitCode: 7})

	ev, ok := <-ch
	if !ok || ev.Kind != console.EventExited || ev.ExitCode != 7 {
		t.Fatalf("expected exit event with code 7, got %+v (ok=%v)", ev, ok)
	}
	if _, ok := <-ch; ok {
		t.Error("expected channel closed after exit")
	}

	late, _ := e.Subscribe("h1")
	ev, ok = <-late
	if !ok || ev.Kind != console.EventExited || ev.ExitCode != 7 {
		t.Errorf("expected late subscriber to get exit event, got %+v", ev)
	}
}

func TestEmitter_ExitDeliveredToFullSubscriber(t *testing.T) {
	e := NewEmitter()
	ch, _ := e.Subscribe("h1")
	for i := 0; i < subBufSize+10; i++ {
		e.OnProcessEvent(output("h1", "x"))
	}
	e.OnProcessEvent(console.Event{Kind: console.EventExited, Handle: "h1"})

	var last console.Event
	for ev := range ch {
		last = ev
	}
	if last.Kind != console.EventExited {
		t.Errorf("expected final event to be exit, got %s", last.Kind)
	}
}

func TestEmitter_ReplayBounded(t *testing.T) {
	e := NewEmitter()
	chunk := bytes.Repeat([]byte("a"), 64*1024)
	e.OnProcessEvent(console.Event{Kind: console.EventStdout, Handle: "h", Data: chunk})
	e.OnProcessEvent(console.Event{Kind: console.EventStderr, Handle: "h", Data: append(chunk, 'z')})

	replay := e.Replay("h")
	if len(replay) != DefaultReplayLimit {
		t.Errorf("expected replay capped at %d, got %d", DefaultReplayLimit, len(replay))
	}
	if replay[len(replay)-1] != 'z' {
		t.Error("expected newest bytes kept")
	}
}

func TestEmitter_ReplayLimitOption(t *testing.T) {
	e := NewEmitter(WithReplayLimit(4))
	e.OnProcessEvent(console.Event{Kind: console.EventStdout, Handle: "h", Data: []byte("abcdef")})
	if got := string(e.Replay("h")); got != "cdef" {
		t.Errorf("expected %q, got %q", "cdef", got)
	}

	e = NewEmitter(WithReplayLimit(0))
	if e.replayLimit != DefaultReplayLimit {
		t.Errorf("expected default limit for 0, got %d", e.replayLimit)
	}
}

func TestEmitter_UnsubscribeAndForget(t *testing.T) {
	e := NewEmitter()
	ch, unsub := e.Subscribe("h")
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Error("expected closed channel after unsubscribe")
	}

	e.OnProcessEvent(output("h", "data"))
	e.Forget("h")
	if replay := e.Replay("h"); replay != nil {
		t.Errorf("expected nil replay after Forget, got %q", replay)
	}
}

func TestEmitter_ForgetClosesSubscribers(t *testing.T) {
	e := NewEmitter()
	ch, unsub := e.Subscribe("h")
	defer unsub()

	e.Forget("h")
	select {
	case ev, ok := <-ch:
		if ok {
			t.Errorf("expected closed channel without events, got %s", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber still open after Forget")
	}
}
