package console

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State is the lifecycle state of a console process.
type State int

const (
	StateCreated State = iota
	StateRunning
	StateExited
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// MarshalText lets State appear by name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// WindowSize is a terminal size in character cells.
type WindowSize struct {
	Rows uint16 `json:"rows"`
	Cols uint16 `json:"cols"`
}

// Info is a point-in-time copy of a process's bookkeeping.
type Info struct {
	Handle             string     `json:"handle"`
	Command            string     `json:"command"`
	Mode               Mode       `json:"mode"`
	State              State      `json:"state"`
	InterruptRequested bool       `json:"interrupt_requested"`
	PendingInput       int        `json:"pending_input"`
	ExitCode           *int       `json:"exit_code"`
	CreatedAt          time.Time  `json:"created_at"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	ExitedAt           *time.Time `json:"exited_at,omitempty"`
}

// ConsoleProcess is one supervised child process. It is created by a Registry
// and addressed from outside the package by its handle.
//
// Start, EnqueueInput, Interrupt and Resize may be called from any goroutine.
// The ProcessCallbacks methods are called by the launcher's dispatch loop.
type ConsoleProcess struct {
	command string
	options ProcessOptions
	handle  string

	launcher Launcher
	observer Observer
	log      *logrus.Entry

	// startMu serializes Start so a retry after a failed launch cannot race
	// a concurrent first attempt.
	startMu sync.Mutex

	mu                 sync.Mutex
	started            bool
	launching          bool
	evicted            bool
	held               []Event
	interruptRequested bool
	terminateRequested bool
	exited             bool
	exitCode           int
	inputQueue         strings.Builder
	pendingResize      *WindowSize
	inputClosing       bool
	inputClosed        bool
	createdAt          time.Time
	startedAt          time.Time
	exitedAt           time.Time
}

func newConsoleProcess(handle, command string, opts ProcessOptions, launcher Launcher, observer Observer) *ConsoleProcess {
	if observer == nil {
		observer = nopObserver{}
	}
	return &ConsoleProcess{
		command:   command,
		options:   opts,
		handle:    handle,
		launcher:  launcher,
		observer:  observer,
		log:       logrus.WithField("handle", handle),
		createdAt: time.Now(),
	}
}

// Handle returns the identifier clients use to refer to this process.
func (p *ConsoleProcess) Handle() string { return p.handle }

func (p *ConsoleProcess) Command() string { return p.command }

func (p *ConsoleProcess) Options() ProcessOptions { return p.options }

// State returns the current lifecycle state.
func (p *ConsoleProcess) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stateLocked()
}

func (p *ConsoleProcess) stateLocked() State {
	switch {
	case p.exited:
		return StateExited
	case p.started:
		return StateRunning
	default:
		return StateCreated
	}
}

// Snapshot returns a copy of the process bookkeeping.
func (p *ConsoleProcess) Snapshot() Info {
	p.mu.Lock()
	defer p.mu.Unlock()

	info := Info{
		Handle:             p.handle,
		Command:            p.command,
		Mode:               p.options.Mode,
		State:              p.stateLocked(),
		InterruptRequested: p.interruptRequested,
		PendingInput:       p.inputQueue.Len(),
		CreatedAt:          p.createdAt,
	}
	if p.started {
		t := p.startedAt
		info.StartedAt = &t
	}
	if p.exited {
		code := p.exitCode
		t := p.exitedAt
		info.ExitCode = &code
		info.ExitedAt = &t
	}
	return info
}

// Start launches the child. It fails with ErrAlreadyStarted once a launch has
// succeeded. A launch error is returned as the launcher produced it and leaves
// the process unstarted, so Start may be called again.
//
// Events the child produces while the launch is in flight are held back and
// delivered after EventStarted.
func (p *ConsoleProcess) Start() error {
	p.startMu.Lock()
	defer p.startMu.Unlock()

	p.mu.Lock()
	if p.evicted {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrHandleNotFound, p.handle)
	}
	if p.started {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	p.launching = true
	p.mu.Unlock()

	if err := p.launcher.RunAsync(p.command, p.options, p); err != nil {
		p.mu.Lock()
		p.launching = false
		p.held = nil
		p.mu.Unlock()
		p.log.WithError(err).Warn("console: launch failed")
		return err
	}

	p.mu.Lock()
	p.started = true
	p.startedAt = time.Now()
	p.mu.Unlock()

	p.log.WithField("command", p.command).Debug("console: process started")
	p.emit(Event{Kind: EventStarted})
	p.releaseHeld()
	return nil
}

// releaseHeld delivers events held during the launch. The launching flag is
// cleared only once nothing is left, so later events cannot overtake them.
func (p *ConsoleProcess) releaseHeld() {
	for {
		p.mu.Lock()
		held := p.held
		p.held = nil
		if len(held) == 0 {
			p.launching = false
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()
		for _, ev := range held {
			p.emit(ev)
		}
	}
}

// emitFromChild delivers an event raised by a launcher callback, holding it
// while Start has not yet reported the process as started.
func (p *ConsoleProcess) emitFromChild(ev Event) {
	p.mu.Lock()
	if p.launching {
		p.held = append(p.held, ev)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.emit(ev)
}

// markEvicted reports whether the process may leave its registry. A process
// that is running or being launched may not; once evicted it cannot start.
func (p *ConsoleProcess) markEvicted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.launching || (p.started && !p.exited) {
		return false
	}
	p.evicted = true
	return true
}

// EnqueueInput queues input for the child's stdin. The queue is flushed by the
// next continuation check.
func (p *ConsoleProcess) EnqueueInput(input string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return ErrProcessExited
	}
	if p.inputClosing {
		return ErrInputClosed
	}
	p.inputQueue.WriteString(input)
	return nil
}

// CloseInput closes the child's stdin once everything queued so far has been
// flushed. Later EnqueueInput calls fail with ErrInputClosed.
func (p *ConsoleProcess) CloseInput() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return ErrProcessExited
	}
	p.inputClosing = true
	return nil
}

// Interrupt asks the next continuation check to terminate the child.
func (p *ConsoleProcess) Interrupt() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return ErrProcessExited
	}
	p.interruptRequested = true
	return nil
}

// Resize queues a terminal size change. Only the latest size is kept.
func (p *ConsoleProcess) Resize(rows, cols uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return ErrProcessExited
	}
	p.pendingResize = &WindowSize{Rows: rows, Cols: cols}
	return nil
}

// OnContinue implements ProcessCallbacks. An interrupt always wins over input
// queued in the same interval.
func (p *ConsoleProcess) OnContinue(ops ProcessOperations) bool {
	p.mu.Lock()
	if p.exited || p.terminateRequested {
		p.mu.Unlock()
		return false
	}
	if p.interruptRequested {
		p.terminateRequested = true
		p.mu.Unlock()

		if err := ops.Terminate(); err != nil {
			p.log.WithError(err).Warn("console: terminate failed")
		}
		return false
	}

	var input string
	if p.inputQueue.Len() > 0 {
		input = p.inputQueue.String()
		p.inputQueue.Reset()
	}
	resize := p.pendingResize
	p.pendingResize = nil
	closeInput := p.inputClosing && !p.inputClosed
	if closeInput {
		p.inputClosed = true
	}
	p.mu.Unlock()

	if input != "" {
		if err := ops.WriteStdin([]byte(input)); err != nil {
			p.log.WithError(err).WithField("bytes", len(input)).Warn("console: stdin write failed")
		}
	}
	if closeInput {
		if err := ops.CloseStdin(); err != nil {
			p.log.WithError(err).Debug("console: close stdin failed")
		}
	}
	if resize != nil {
		if err := ops.Resize(resize.Rows, resize.Cols); err != nil {
			p.log.WithError(err).Debug("console: resize failed")
		}
	}
	return true
}

// OnStdout implements ProcessCallbacks.
func (p *ConsoleProcess) OnStdout(_ ProcessOperations, output []byte) {
	p.emitFromChild(Event{Kind: EventStdout, Data: output})
}

// OnStderr implements ProcessCallbacks.
func (p *ConsoleProcess) OnStderr(_ ProcessOperations, output []byte) {
	p.emitFromChild(Event{Kind: EventStderr, Data: output})
}

// OnExit implements ProcessCallbacks. Input still queued is discarded.
func (p *ConsoleProcess) OnExit(exitCode int) {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		p.log.WithField("exit_code", exitCode).Warn("console: duplicate exit notification ignored")
		return
	}
	p.exited = true
	p.exitCode = exitCode
	p.exitedAt = time.Now()
	dropped := p.inputQueue.Len()
	p.inputQueue.Reset()
	p.pendingResize = nil
	p.mu.Unlock()

	entry := p.log.WithField("exit_code", exitCode)
	if dropped > 0 {
		entry = entry.WithField("dropped_input", dropped)
	}
	entry.Debug("console: process exited")
	p.emitFromChild(Event{Kind: EventExited, ExitCode: exitCode})
}

func (p *ConsoleProcess) emit(ev Event) {
	ev.Handle = p.handle
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	p.observer.OnProcessEvent(ev)
}

var _ ProcessCallbacks = (*ConsoleProcess)(nil)
