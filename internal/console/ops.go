package console

// Mode selects how the child's standard streams are wired.
type Mode string

const (
	// ModePipes connects stdin, stdout and stderr through separate pipes.
	ModePipes Mode = "pipes"
	// ModePTY attaches the child to a pseudo-terminal; stderr is merged into stdout.
	ModePTY Mode = "pty"
)

// ProcessOptions is the launch configuration handed to the Launcher unchanged.
type ProcessOptions struct {
	Shell   string   `json:"shell,omitempty"`
	WorkDir string   `json:"work_dir,omitempty"`
	Env     []string `json:"env,omitempty"`
	Mode    Mode     `json:"mode,omitempty"`
	Rows    uint16   `json:"rows,omitempty"`
	Cols    uint16   `json:"cols,omitempty"`
}

// ProcessOperations is what the OS layer lets a callback do to a live child.
// It is only valid inside a callback invocation.
type ProcessOperations interface {
	WriteStdin(data []byte) error
	CloseStdin() error
	Terminate() error
	// Poll reports whether the child is still running.
	Poll() bool
	Resize(rows, cols uint16) error
}

// ProcessCallbacks are invoked by the OS layer. For one child they are never
// called concurrently, and OnExit is called exactly once.
type ProcessCallbacks interface {
	// OnContinue is called periodically; returning false stops the calls.
	OnContinue(ops ProcessOperations) bool
	OnStdout(ops ProcessOperations, output []byte)
	OnStderr(ops ProcessOperations, output []byte)
	OnExit(exitCode int)
}

// Launcher creates OS processes and drives their callbacks.
type Launcher interface {
	RunAsync(command string, opts ProcessOptions, cb ProcessCallbacks) error
}
