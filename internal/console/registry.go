package console

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// maxHandleAttempts bounds handle regeneration on collision.
const maxHandleAttempts = 64

// Registry owns every ConsoleProcess and resolves handles to them.
// It is safe for concurrent use.
type Registry struct {
	launcher  Launcher
	observer  Observer
	defaults  ProcessOptions
	newHandle func() string

	initOnce sync.Once
	initErr  error

	mu        sync.RWMutex
	processes map[string]*ConsoleProcess
	order     []string
}

// Option configures a Registry.
type Option func(*Registry)

// WithObserver sets the observer that receives events from every process.
func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observer = o }
}

// WithDefaultOptions sets the options used by CreateProcess.
func WithDefaultOptions(opts ProcessOptions) Option {
	return func(r *Registry) { r.defaults = opts }
}

// WithHandleGenerator replaces NewHandle.
func WithHandleGenerator(gen func() string) Option {
	return func(r *Registry) { r.newHandle = gen }
}

func NewRegistry(launcher Launcher, opts ...Option) *Registry {
	r := &Registry{
		launcher:  launcher,
		observer:  nopObserver{},
		newHandle: NewHandle,
		processes: make(map[string]*ConsoleProcess),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Initialize performs one-time setup. Later calls return the first result.
func (r *Registry) Initialize() error {
	r.initOnce.Do(func() {
		if r.launcher == nil {
			r.initErr = ErrNoLauncher
			return
		}
		logrus.WithField("mode", r.defaults.Mode).Info("console: process registry initialized")
	})
	return r.initErr
}

// CreateProcess registers a new, unstarted process using the default options.
func (r *Registry) CreateProcess(command string) *ConsoleProcess {
	return r.CreateProcessWithOptions(command, r.defaults)
}

// CreateProcessWithOptions registers a new, unstarted process. Zero fields of
// opts are filled from the registry defaults.
func (r *Registry) CreateProcessWithOptions(command string, opts ProcessOptions) *ConsoleProcess {
	opts = r.withDefaults(opts)

	r.mu.Lock()
	handle := r.allocateHandleLocked()
	proc := newConsoleProcess(handle, command, opts, r.launcher, r.observer)
	r.processes[handle] = proc
	r.order = append(r.order, handle)
	r.mu.Unlock()

	proc.emit(Event{Kind: EventCreated, Command: command})
	return proc
}

func (r *Registry) allocateHandleLocked() string {
	for i := 0; i < maxHandleAttempts; i++ {
		h := r.newHandle()
		if _, taken := r.processes[h]; !taken && h != "" {
			return h
		}
	}
	// The generator keeps colliding; suffix a counter so the handle stays unique.
	base := r.newHandle()
	for n := len(r.processes); ; n++ {
		h := fmt.Sprintf("%s-%d", base, n)
		if _, taken := r.processes[h]; !taken {
			return h
		}
	}
}

func (r *Registry) withDefaults(opts ProcessOptions) ProcessOptions {
	if opts.Shell == "" {
		opts.Shell = r.defaults.Shell
	}
	if opts.WorkDir == "" {
		opts.WorkDir = r.defaults.WorkDir
	}
	if opts.Env == nil {
		opts.Env = r.defaults.Env
	}
	if opts.Mode == "" {
		opts.Mode = r.defaults.Mode
	}
	if opts.Rows == 0 {
		opts.Rows = r.defaults.Rows
	}
	if opts.Cols == 0 {
		opts.Cols = r.defaults.Cols
	}
	return opts
}

// Lookup returns the process registered under handle.
func (r *Registry) Lookup(handle string) (*ConsoleProcess, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	proc, ok := r.processes[handle]
	return proc, ok
}

// Get is Lookup that reports a miss as ErrHandleNotFound.
func (r *Registry) Get(handle string) (*ConsoleProcess, error) {
	proc, ok := r.Lookup(handle)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHandleNotFound, handle)
	}
	return proc, nil
}

// List returns the registered processes in creation order.
func (r *Registry) List() []*ConsoleProcess {
	r.mu.RLock()
	defer r.mu.RUnlock()
	procs := make([]*ConsoleProcess, 0, len(r.order))
	for _, h := range r.order {
		procs = append(procs, r.processes[h])
	}
	return procs
}

// Evict removes a process that has exited or was never started. A process
// whose launch is in flight counts as running.
func (r *Registry) Evict(handle string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	proc, ok := r.processes[handle]
	if !ok {
		return fmt.Errorf("%w: %s", ErrHandleNotFound, handle)
	}
	if !proc.markEvicted() {
		return ErrProcessRunning
	}
	delete(r.processes, handle)
	for i, h := range r.order {
		if h == handle {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// EnqueueInputHandle queues input for the process registered under handle.
func (r *Registry) EnqueueInputHandle(handle, input string) error {
	proc, err := r.Get(handle)
	if err != nil {
		return err
	}
	return proc.EnqueueInput(input)
}

// InterruptHandle interrupts the process registered under handle.
func (r *Registry) InterruptHandle(handle string) error {
	proc, err := r.Get(handle)
	if err != nil {
		return err
	}
	return proc.Interrupt()
}

// InterruptAll interrupts every running process and returns how many were
// interrupted.
func (r *Registry) InterruptAll() int {
	n := 0
	for _, proc := range r.List() {
		if proc.State() != StateRunning {
			continue
		}
		if proc.Interrupt() == nil {
			n++
		}
	}
	return n
}

// Running returns how many registered processes are running.
func (r *Registry) Running() int {
	n := 0
	for _, proc := range r.List() {
		if proc.State() == StateRunning {
			n++
		}
	}
	return n
}
