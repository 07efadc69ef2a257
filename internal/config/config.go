package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	units "github.com/docker/go-units"
	"github.com/urfave/cli"

	"github.com/peterje/consolehost/internal/console"
	"github.com/peterje/consolehost/internal/system"
)

// Config holds server configuration.
type Config struct {
	Port            int
	DataDir         string
	Shell           string
	Mode            console.Mode
	PollInterval    time.Duration
	ShutdownTimeout time.Duration
	ReplayLimit     int
	GatewayURL      string
	GatewaySecret   string
}

// DBPath is the SQLite history database inside the data directory.
func (c Config) DBPath() string {
	return filepath.Join(c.DataDir, "history.db")
}

// Addr is the HTTP listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("0.0.0.0:%d", c.Port)
}

// DefaultDataDir returns ~/.consolehost, or a directory under the temp dir
// when the home directory is unknown.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "consolehost")
	}
	return filepath.Join(home, ".consolehost")
}

// ProcessFlags are shared by every command that launches processes.
func ProcessFlags() []cli.Flag {
	return []cli.Flag{
		cli.StringFlag{
			Name:   "shell",
			Value:  system.DefaultShell,
			Usage:  "shell used to run commands (`sh -c <command>`)",
			EnvVar: "CONSOLEHOST_SHELL",
		},
		cli.DurationFlag{
			Name:   "poll-interval",
			Value:  system.DefaultPollInterval,
			Usage:  "how often queued input and interrupts are applied",
			EnvVar: "CONSOLEHOST_POLL_INTERVAL",
		},
	}
}

// ServeFlags are the flags of the serve command.
func ServeFlags() []cli.Flag {
	return append([]cli.Flag{
		cli.IntFlag{
			Name:   "port",
			Value:  8800,
			Usage:  "server port",
			EnvVar: "CONSOLEHOST_PORT",
		},
		cli.StringFlag{
			Name:   "data-dir",
			Value:  DefaultDataDir(),
			Usage:  "directory holding the process history database",
			EnvVar: "CONSOLEHOST_DATA_DIR",
		},
		cli.StringFlag{
			Name:   "mode",
			Value:  string(console.ModePipes),
			Usage:  "default stdio mode for new processes: pipes or pty",
			EnvVar: "CONSOLEHOST_MODE",
		},
		cli.DurationFlag{
			Name:  "shutdown-timeout",
			Value: 5 * time.Second,
			Usage: "how long to wait for interrupted processes on shutdown",
		},
		cli.StringFlag{
			Name:   "replay-buffer",
			Value:  "100KiB",
			Usage:  "output kept per process for clients that attach late (e.g. 64KiB, 1MiB)",
			EnvVar: "CONSOLEHOST_REPLAY_BUFFER",
		},
		cli.StringFlag{
			Name:   "gateway",
			Usage:  "gateway tunnel URL (wss://host/tunnel); empty disables the tunnel",
			EnvVar: "CONSOLEHOST_GATEWAY",
		},
		cli.StringFlag{
			Name:   "gateway-secret",
			Usage:  "pre-shared secret for the gateway tunnel",
			EnvVar: "CONSOLEHOST_GATEWAY_SECRET",
		},
	}, ProcessFlags()...)
}

// FromContext reads the serve command's flags.
func FromContext(c *cli.Context) (Config, error) {
	cfg := Config{
		Port:            c.Int("port"),
		DataDir:         c.String("data-dir"),
		Shell:           c.String("shell"),
		Mode:            console.Mode(c.String("mode")),
		PollInterval:    c.Duration("poll-interval"),
		ShutdownTimeout: c.Duration("shutdown-timeout"),
		GatewayURL:      c.String("gateway"),
		GatewaySecret:   c.String("gateway-secret"),
	}
	limit, err := units.RAMInBytes(c.String("replay-buffer"))
	if err != nil {
		return cfg, fmt.Errorf("invalid --replay-buffer: %w", err)
	}
	cfg.ReplayLimit = int(limit)
	return cfg, cfg.Validate()
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.Shell == "" {
		return fmt.Errorf("shell must not be empty")
	}
	switch c.Mode {
	case console.ModePipes, console.ModePTY:
	default:
		return fmt.Errorf("invalid mode %q: must be pipes or pty", c.Mode)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.ReplayLimit < 0 {
		return fmt.Errorf("replay buffer must not be negative")
	}
	if c.GatewayURL != "" && c.GatewaySecret == "" {
		return fmt.Errorf("--gateway-secret is required with --gateway")
	}
	return nil
}

// ProcessDefaults are the registry defaults derived from the configuration.
func (c Config) ProcessDefaults() console.ProcessOptions {
	return console.ProcessOptions{Shell: c.Shell, Mode: c.Mode}
}
