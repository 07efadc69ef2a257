package events

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/peterje/consolehost/internal/console"
)

const (
	// DefaultReplayLimit is the replay buffer kept per process.
	DefaultReplayLimit = 100 * 1024
	subBufSize         = 256
)

// stream holds the replay buffer and subscribers of one process.
type stream struct {
	limit     int
	replayMu  sync.Mutex
	replayBuf []byte
	exited    bool
	exitCode  int

	subMu       sync.Mutex
	subscribers map[chan console.Event]struct{}
	closed      bool
	dropped     bool
}

func (s *stream) appendReplay(data []byte) {
	s.replayMu.Lock()
	defer s.replayMu.Unlock()
	s.replayBuf = append(s.replayBuf, data...)
	if len(s.replayBuf) > s.limit {
		s.replayBuf = s.replayBuf[len(s.replayBuf)-s.limit:]
	}
}

func (s *stream) broadcast(ev console.Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
			// Slow subscriber, drop data
		}
	}
}

// closeSubscribers delivers the exit event to every subscriber and closes them.
// The exit event is never dropped; a full subscriber gets its oldest event evicted.
func (s *stream) closeSubscribers(ev console.Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- ev
		}
		close(ch)
		delete(s.subscribers, ch)
	}
	s.closed = true
}

func (s *stream) drop() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, ch)
	}
	s.closed = true
	s.dropped = true
}

// Emitter is a console.Observer that keeps a bounded replay of each
// process's output and fans events out to subscribers.
type Emitter struct {
	mu          sync.RWMutex
	streams     map[string]*stream
	replayLimit int
}

// Option configures an Emitter.
type Option func(*Emitter)

// WithReplayLimit sets how many bytes of output are kept per process.
// Non-positive values keep the default.
func WithReplayLimit(n int) Option {
	return func(e *Emitter) {
		if n > 0 {
			e.replayLimit = n
		}
	}
}

func NewEmitter(opts ...Option) *Emitter {
	e := &Emitter{
		streams:     make(map[string]*stream),
		replayLimit: DefaultReplayLimit,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Emitter) stream(handle string, create bool) *stream {
	e.mu.RLock()
	s := e.streams[handle]
	e.mu.RUnlock()
	if s != nil || !create {
		return s
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if s = e.streams[handle]; s == nil {
		s = &stream{limit: e.replayLimit, subscribers: make(map[chan console.Event]struct{})}
		e.streams[handle] = s
	}
	return s
}

// OnProcessEvent implements console.Observer.
func (e *Emitter) OnProcessEvent(ev console.Event) {
	s := e.stream(ev.Handle, true)
	switch ev.Kind {
	case console.EventStdout, console.EventStderr:
		s.appendReplay(ev.Data)
		s.broadcast(ev)
	case console.EventExited:
		s.replayMu.Lock()
		s.exited = true
		s.exitCode = ev.ExitCode
		s.replayMu.Unlock()
		s.closeSubscribers(ev)
		logrus.WithFields(logrus.Fields{"handle": ev.Handle, "exit_code": ev.ExitCode}).Debug("events: stream closed")
	default:
		s.broadcast(ev)
	}
}

// Replay returns a copy of the buffered output for handle.
func (e *Emitter) Replay(handle string) []byte {
	s := e.stream(handle, false)
	if s == nil {
		return nil
	}
	s.replayMu.Lock()
	defer s.replayMu.Unlock()
	cp := make([]byte, len(s.replayBuf))
	copy(cp, s.replayBuf)
	return cp
}

// Subscribe returns a channel of events for handle and an unsubscribe
// function. The channel is closed after the exit event. Subscribing to a
// process that already exited yields a channel holding only that exit event;
// a forgotten process yields a closed channel.
func (e *Emitter) Subscribe(handle string) (<-chan console.Event, func()) {
	s := e.stream(handle, true)
	ch := make(chan console.Event, subBufSize)

	s.subMu.Lock()
	if s.dropped {
		s.subMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	if s.closed {
		s.subMu.Unlock()
		s.replayMu.Lock()
		code := s.exitCode
		s.replayMu.Unlock()
		ch <- console.Event{Kind: console.EventExited, Handle: handle, ExitCode: code}
		close(ch)
		return ch, func() {}
	}
	s.subscribers[ch] = struct{}{}
	s.subMu.Unlock()

	unsub := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if _, ok := s.subscribers[ch]; ok {
			delete(s.subscribers, ch)
			close(ch)
		}
	}
	return ch, unsub
}

// Forget drops the replay buffer of an evicted process. Its subscribers are
// closed without an exit event.
func (e *Emitter) Forget(handle string) {
	e.mu.Lock()
	s := e.streams[handle]
	delete(e.streams, handle)
	e.mu.Unlock()
	if s != nil {
		s.drop()
	}
}

var _ console.Observer = (*Emitter)(nil)
