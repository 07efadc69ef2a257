package console

import "errors"

var (
	// ErrAlreadyStarted is returned by Start on a process that is already running.
	ErrAlreadyStarted = errors.New("console process already started")

	// ErrProcessExited is returned when input, interrupt or resize is requested
	// for a process that has already exited.
	ErrProcessExited = errors.New("console process exited")

	// ErrInputClosed is returned by EnqueueInput after CloseInput.
	ErrInputClosed = errors.New("console process input closed")

	// ErrHandleNotFound is returned when a handle does not resolve to a
	// registered process.
	ErrHandleNotFound = errors.New("console process not found")

	// ErrProcessRunning is returned when evicting a process that has not exited.
	ErrProcessRunning = errors.New("console process still running")

	// ErrNoLauncher is returned by Initialize when the registry has no launcher.
	ErrNoLauncher = errors.New("console registry has no launcher")
)
