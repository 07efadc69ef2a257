package console

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestRegistry_CreateAndLookup(t *testing.T) {
	reg := NewRegistry(&fakeLauncher{})

	commands := []string{"echo hello", "ls -la", "", "sh -c 'exit 1'"}
	seen := make(map[string]bool)
	for _, cmd := range commands {
		proc := reg.CreateProcess(cmd)
		h := proc.Handle()
		if h == "" {
			t.Fatalf("empty handle for %q", cmd)
		}
		if seen[h] {
			t.Fatalf("handle %q issued twice", h)
		}
		seen[h] = true

		got, ok := reg.Lookup(h)
		if !ok {
			t.Fatalf("Lookup(%q) missed", h)
		}
		if got != proc {
			t.Errorf("Lookup(%q) returned a different instance", h)
		}
	}
	if n := len(reg.List()); n != len(commands) {
		t.Errorf("expected %d processes, got %d", len(commands), n)
	}
}

func TestRegistry_LookupUnknown(t *testing.T) {
	reg := NewRegistry(&fakeLauncher{})
	reg.CreateProcess("echo")

	if proc, ok := reg.Lookup("does-not-exist"); ok || proc != nil {
		t.Errorf("expected miss, got %v, %v", proc, ok)
	}
	if _, err := reg.Get("does-not-exist"); !errors.Is(err, ErrHandleNotFound) {
		t.Errorf("expected ErrHandleNotFound, got %v", err)
	}
	if err := reg.EnqueueInputHandle("nope", "x"); !errors.Is(err, ErrHandleNotFound) {
		t.Errorf("expected ErrHandleNotFound, got %v", err)
	}
	if err := reg.InterruptHandle("nope"); !errors.Is(err, ErrHandleNotFound) {
		t.Errorf("expected ErrHandleNotFound, got %v", err)
	}
}

func TestRegistry_HandleCollisionRegenerates(t *testing.T) {
	handles := []string{"aaaa", "aaaa", "aaaa", "bbbb"}
	var mu sync.Mutex
	gen := func() string {
		mu.Lock()
		defer mu.Unlock()
		h := handles[0]
		if len(handles) > 1 {
			handles = handles[1:]
		}
		return h
	}
	reg := NewRegistry(&fakeLauncher{}, WithHandleGenerator(gen))

	first := reg.CreateProcess("one")
	second := reg.CreateProcess("two")
	if first.Handle() != "aaaa" {
		t.Errorf("expected first handle aaaa, got %q", first.Handle())
	}
	if second.Handle() != "bbbb" {
		t.Errorf("expected regenerated handle bbbb, got %q", second.Handle())
	}
}

func TestRegistry_ConstantGeneratorStillUnique(t *testing.T) {
	reg := NewRegistry(&fakeLauncher{}, WithHandleGenerator(func() string { return "same" }))

	seen := make(map[string]bool)
	for i := 0; i < 5; i++ {
		h := reg.CreateProcess(fmt.Sprintf("cmd %d", i)).Handle()
		if seen[h] {
			t.Fatalf("handle %q reused", h)
		}
		seen[h] = true
	}
}

func TestRegistry_ConcurrentCreate(t *testing.T) {
	reg := NewRegistry(&fakeLauncher{})

	const n = 100
	var wg sync.WaitGroup
	handles := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			handles <- reg.CreateProcess("true").Handle()
		}()
	}
	wg.Wait()
	close(handles)

	seen := make(map[string]bool)
	for h := range handles {
		if seen[h] {
			t.Fatalf("duplicate handle %q", h)
		}
		seen[h] = true
		if _, ok := reg.Lookup(h); !ok {
			t.Errorf("handle %q not registered", h)
		}
	}
}

func TestRegistry_Initialize(t *testing.T) {
	if err := NewRegistry(nil).Initialize(); !errors.Is(err, ErrNoLauncher) {
		t.Errorf("expected ErrNoLauncher, got %v", err)
	}

	reg := NewRegistry(&fakeLauncher{})
	if err := reg.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := reg.Initialize(); err != nil {
		t.Errorf("second Initialize: %v", err)
	}
}

func TestRegistry_Evict(t *testing.T) {
	reg := NewRegistry(&fakeLauncher{})
	running := reg.CreateProcess("sleep 10")
	if err := running.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	exited := reg.CreateProcess("true")
	exited.Start()
	exited.OnExit(0)

	if err := reg.Evict(running.Handle()); !errors.Is(err, ErrProcessRunning) {
		t.Errorf("expected ErrProcessRunning, got %v", err)
	}
	if err := reg.Evict(exited.Handle()); err != nil {
		t.Fatalf("Evict exited: %v", err)
	}
	if _, ok := reg.Lookup(exited.Handle()); ok {
		t.Error("evicted process still resolvable")
	}
	if err := reg.Evict(exited.Handle()); !errors.Is(err, ErrHandleNotFound) {
		t.Errorf("expected ErrHandleNotFound, got %v", err)
	}
	if procs := reg.List(); len(procs) != 1 || procs[0] != running {
		t.Errorf("expected only the running process listed, got %d", len(procs))
	}
}

// gatedLauncher blocks RunAsync until release is closed.
type gatedLauncher struct {
	entered chan ProcessCallbacks
	release chan struct{}
}

func newGatedLauncher() *gatedLauncher {
	return &gatedLauncher{entered: make(chan ProcessCallbacks, 1), release: make(chan struct{})}
}

func (l *gatedLauncher) RunAsync(_ string, _ ProcessOptions, cb ProcessCallbacks) error {
	l.entered <- cb
	<-l.release
	return nil
}

func TestRegistry_EvictRefusedDuringLaunch(t *testing.T) {
	launcher := newGatedLauncher()
	reg := NewRegistry(launcher)
	proc := reg.CreateProcess("sleep 10")

	startErr := make(chan error, 1)
	go func() { startErr <- proc.Start() }()
	<-launcher.entered

	if err := reg.Evict(proc.Handle()); !errors.Is(err, ErrProcessRunning) {
		t.Errorf("expected ErrProcessRunning during launch, got %v", err)
	}
	close(launcher.release)
	if err := <-startErr; err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, ok := reg.Lookup(proc.Handle()); !ok {
		t.Fatal("launched process is no longer addressable")
	}
	if err := reg.InterruptHandle(proc.Handle()); err != nil {
		t.Errorf("InterruptHandle: %v", err)
	}
}

func TestRegistry_EvictedProcessCannotStart(t *testing.T) {
	launcher := &fakeLauncher{}
	reg := NewRegistry(launcher)
	proc := reg.CreateProcess("sleep 10")

	if err := reg.Evict(proc.Handle()); err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if err := proc.Start(); !errors.Is(err, ErrHandleNotFound) {
		t.Errorf("expected ErrHandleNotFound, got %v", err)
	}
	if launcher.calls != 0 {
		t.Errorf("expected no launch, got %d", launcher.calls)
	}
}

func TestRegistry_InterruptAll(t *testing.T) {
	reg := NewRegistry(&fakeLauncher{})
	a := reg.CreateProcess("a")
	b := reg.CreateProcess("b")
	reg.CreateProcess("never started")
	a.Start()
	b.Start()
	b.OnExit(0)

	if n := reg.InterruptAll(); n != 1 {
		t.Errorf("expected 1 interrupted, got %d", n)
	}
	if !a.Snapshot().InterruptRequested {
		t.Error("expected running process to be interrupted")
	}
	if n := reg.Running(); n != 1 {
		t.Errorf("expected 1 running, got %d", n)
	}
}

func TestRegistry_InterruptByHandleScenario(t *testing.T) {
	reg := NewRegistry(&fakeLauncher{})
	proc := reg.CreateProcess("sh")
	proc.Start()

	if err := reg.EnqueueInputHandle(proc.Handle(), "ls\n"); err != nil {
		t.Fatalf("EnqueueInputHandle: %v", err)
	}
	if err := reg.InterruptHandle(proc.Handle()); err != nil {
		t.Fatalf("InterruptHandle: %v", err)
	}

	ops := newFakeOps()
	if proc.OnContinue(ops) {
		t.Error("expected polling to stop")
	}
	if ops.terminates != 1 || len(ops.writes) != 0 {
		t.Errorf("expected terminate without write, got terminates=%d writes=%q", ops.terminates, ops.writes)
	}
}

func TestNewHandle(t *testing.T) {
	h := NewHandle()
	if len(h) != handleLen {
		t.Errorf("expected handle length %d, got %d (%q)", handleLen, len(h), h)
	}
	if NewHandle() == h {
		t.Error("expected distinct handles")
	}
}
