package console

import "time"

// EventKind identifies a lifecycle or output notification.
type EventKind string

const (
	EventCreated EventKind = "created"
	EventStarted EventKind = "started"
	EventStdout  EventKind = "stdout"
	EventStderr  EventKind = "stderr"
	EventExited  EventKind = "exited"
)

// Event is delivered to observers. Data is set for stdout/stderr, ExitCode for
// exited, Command for created.
type Event struct {
	Kind     EventKind
	Handle   string
	Command  string
	Data     []byte
	ExitCode int
	Time     time.Time
}

// Observer receives process events. Implementations must not block for long:
// output events are delivered from the process dispatch loop.
type Observer interface {
	OnProcessEvent(ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ev Event)

func (f ObserverFunc) OnProcessEvent(ev Event) { f(ev) }

// Observers fans an event out to each observer in order.
type Observers []Observer

func (o Observers) OnProcessEvent(ev Event) {
	for _, obs := range o {
		obs.OnProcessEvent(ev)
	}
}

type nopObserver struct{}

func (nopObserver) OnProcessEvent(Event) {}
