package system

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/peterje/consolehost/internal/console"
)

const (
	DefaultShell        = "/bin/sh"
	DefaultPollInterval = 50 * time.Millisecond

	defaultRows = 40
	defaultCols = 120

	readBufSize = 32 * 1024

	eofChar = 0x04 // ^D

	// drainGrace is how long output is still read after the child exits;
	// descendants holding the PTY slave or the pipes open would otherwise
	// block the exit notification until they exit too.
	drainGrace = 200 * time.Millisecond
)

// ErrNoTerminal is returned by Resize for a child started without a PTY.
var ErrNoTerminal = errors.New("process has no terminal")

// LaunchError reports that the OS refused to start a command.
type LaunchError struct {
	Command string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %q: %v", e.Command, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// Supervisor starts child processes and drives their callbacks. Each child gets
// one dispatch goroutine, so its callbacks never run concurrently.
type Supervisor struct {
	pollInterval time.Duration

	wg sync.WaitGroup

	mu       sync.Mutex
	children map[*child]struct{}
}

// NewSupervisor returns a Supervisor polling each child every pollInterval.
func NewSupervisor(pollInterval time.Duration) *Supervisor {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Supervisor{
		pollInterval: pollInterval,
		children:     make(map[*child]struct{}),
	}
}

// RunAsync implements console.Launcher.
func (s *Supervisor) RunAsync(command string, opts console.ProcessOptions, cb console.ProcessCallbacks) error {
	shell := opts.Shell
	if shell == "" {
		shell = DefaultShell
	}
	cmd := exec.Command(shell, "-c", command)
	cmd.Dir = opts.WorkDir
	cmd.Env = append(os.Environ(), opts.Env...)

	c := &child{
		cmd:    cmd,
		cb:     cb,
		events: make(chan event, 64),
		stop:   make(chan struct{}),
		log:    logrus.WithField("command", command),
	}

	var err error
	if opts.Mode == console.ModePTY {
		err = c.startPTY(opts.Rows, opts.Cols)
	} else {
		err = c.startPipes()
	}
	if err != nil {
		return &LaunchError{Command: command, Err: err}
	}
	c.log = c.log.WithField("pid", cmd.Process.Pid)
	c.log.Debug("system: child started")

	s.mu.Lock()
	s.children[c] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		c.dispatch(s.pollInterval)
		s.mu.Lock()
		delete(s.children, c)
		s.mu.Unlock()
	}()
	return nil
}

// Active returns the number of children whose exit has not been dispatched.
func (s *Supervisor) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.children)
}

// TerminateAll sends SIGTERM to every child.
func (s *Supervisor) TerminateAll() {
	for _, c := range s.snapshot() {
		if err := c.Terminate(); err != nil {
			c.log.WithError(err).Debug("system: terminate failed")
		}
	}
}

// KillAll sends SIGKILL to the process group of every child.
func (s *Supervisor) KillAll() {
	for _, c := range s.snapshot() {
		if err := c.signalGroup(unix.SIGKILL); err != nil {
			c.log.WithError(err).Debug("system: kill failed")
		}
	}
}

func (s *Supervisor) snapshot() []*child {
	s.mu.Lock()
	defer s.mu.Unlock()
	children := make([]*child, 0, len(s.children))
	for c := range s.children {
		children = append(children, c)
	}
	return children
}

// Wait blocks until every child's exit has been dispatched or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type eventKind int

const (
	evStdout eventKind = iota
	evStderr
	evExit
)

type event struct {
	kind     eventKind
	data     []byte
	exitCode int
}

// child is one running process. It implements console.ProcessOperations.
type child struct {
	cmd    *exec.Cmd
	cb     console.ProcessCallbacks
	events chan event
	stop   chan struct{}
	log    *logrus.Entry

	stdin io.WriteCloser
	ptmx  *os.File

	exited atomic.Bool
}

func (c *child) startPTY(rows, cols uint16) error {
	if rows == 0 {
		rows = defaultRows
	}
	if cols == 0 {
		cols = defaultCols
	}
	ptmx, err := pty.StartWithSize(c.cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return fmt.Errorf("start pty: %w", err)
	}
	c.ptmx = ptmx
	c.stdin = ptmx

	readDone := make(chan struct{})
	go func() {
		c.pump(ptmx, evStdout)
		close(readDone)
	}()

	go func() {
		err := c.cmd.Wait()
		c.drain(readDone, ptmx)
		c.post(event{kind: evExit, exitCode: exitCode(err)})
	}()
	return nil
}

// drain gives the readers drainGrace to reach EOF, then closes the read ends
// so readers blocked on a descendant's copy of the output return.
func (c *child) drain(readDone <-chan struct{}, files ...*os.File) {
	select {
	case <-readDone:
	case <-time.After(drainGrace):
		c.log.Debug("system: output still open after exit, closing")
	}
	for _, f := range files {
		f.Close()
	}
	select {
	case <-readDone:
	case <-time.After(drainGrace):
	}
}

func (c *child) startPipes() error {
	// Own process group so Terminate reaches the shell's children too.
	c.cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := c.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	// Output pipes are created here rather than with StdoutPipe so Wait does
	// not close the read ends and the exit is not tied to their EOF.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		stdoutR.Close()
		stdoutW.Close()
		return fmt.Errorf("stderr pipe: %w", err)
	}
	c.cmd.Stdout = stdoutW
	c.cmd.Stderr = stderrW

	err = c.cmd.Start()
	stdoutW.Close()
	stderrW.Close()
	if err != nil {
		stdin.Close()
		stdoutR.Close()
		stderrR.Close()
		return fmt.Errorf("start: %w", err)
	}
	c.stdin = stdin

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		c.pump(stdoutR, evStdout)
	}()
	go func() {
		defer readers.Done()
		c.pump(stderrR, evStderr)
	}()
	readDone := make(chan struct{})
	go func() {
		readers.Wait()
		close(readDone)
	}()

	go func() {
		err := c.cmd.Wait()
		c.drain(readDone, stdoutR, stderrR)
		c.post(event{kind: evExit, exitCode: exitCode(err)})
	}()
	return nil
}

// post hands an event to the dispatch goroutine. It reports false once the
// exit has been dispatched.
func (c *child) post(ev event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.stop:
		return false
	}
}

func (c *child) pump(r io.Reader, kind eventKind) {
	buf := make([]byte, readBufSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if !c.post(event{kind: kind, data: data}) {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// dispatch is the only goroutine that invokes the child's callbacks.
func (c *child) dispatch(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(c.stop)

	polling := true
	for {
		select {
		case ev := <-c.events:
			switch ev.kind {
			case evStdout:
				c.cb.OnStdout(c, ev.data)
			case evStderr:
				c.cb.OnStderr(c, ev.data)
			case evExit:
				c.exited.Store(true)
				if c.stdin != nil && c.ptmx == nil {
					c.stdin.Close()
				}
				c.log.WithField("exit_code", ev.exitCode).Debug("system: child exited")
				c.cb.OnExit(ev.exitCode)
				return
			}
		case <-ticker.C:
			if polling && !c.cb.OnContinue(c) {
				polling = false
			}
		}
	}
}

// WriteStdin implements console.ProcessOperations.
func (c *child) WriteStdin(data []byte) error {
	if c.exited.Load() {
		return os.ErrClosed
	}
	_, err := c.stdin.Write(data)
	return err
}

// CloseStdin implements console.ProcessOperations. For a PTY it sends the
// terminal's EOF character instead, since closing the master would hang up
// the session.
func (c *child) CloseStdin() error {
	if c.exited.Load() {
		return nil
	}
	if c.ptmx != nil {
		_, err := c.ptmx.Write([]byte{eofChar})
		return err
	}
	return c.stdin.Close()
}

// Terminate implements console.ProcessOperations. SIGTERM goes to the whole
// process group; pty.Start makes the child a session leader, pipes mode sets
// its own group.
func (c *child) Terminate() error {
	return c.signalGroup(unix.SIGTERM)
}

func (c *child) signalGroup(sig unix.Signal) error {
	if c.exited.Load() || c.cmd.Process == nil {
		return nil
	}
	pid := c.cmd.Process.Pid
	if err := unix.Kill(-pid, sig); err != nil {
		return c.cmd.Process.Signal(sig)
	}
	return nil
}

// Poll implements console.ProcessOperations.
func (c *child) Poll() bool {
	return !c.exited.Load()
}

// Resize implements console.ProcessOperations.
func (c *child) Resize(rows, cols uint16) error {
	if c.ptmx == nil {
		return ErrNoTerminal
	}
	return pty.Setsize(c.ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return 128 + int(status.Signal())
		}
		return exitErr.ExitCode()
	}
	return -1
}

var _ console.Launcher = (*Supervisor)(nil)
var _ console.ProcessOperations = (*child)(nil)
