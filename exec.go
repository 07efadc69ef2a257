package main

import (
	"errors"
	"io"
	"os"
	"os/signal"
	"strings"

	termconsole "github.com/containerd/console"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"golang.org/x/sys/unix"

	"github.com/peterje/consolehost/internal/config"
	"github.com/peterje/consolehost/internal/console"
	"github.com/peterje/consolehost/internal/system"
)

var execCommand = cli.Command{
	Name:  "exec",
	Usage: "run one command through the supervisor on this terminal",
	ArgsUsage: `<command> [args...]

Where "<command>" is run with the configured shell as "sh -c <command>". Stdin
is queued to the process, SIGINT and SIGTERM interrupt it, and the exit code
of the process becomes the exit code of consolehost.`,
	Flags: append([]cli.Flag{
		cli.BoolFlag{
			Name:  "pty",
			Usage: "attach the process to a pseudo-terminal and put this terminal in raw mode",
		},
	}, config.ProcessFlags()...),
	Action: func(context *cli.Context) error {
		if context.NArg() == 0 {
			return cli.NewExitError("exec: a command is required", 1)
		}
		opts := console.ProcessOptions{
			Shell: context.String("shell"),
			Mode:  console.ModePipes,
		}
		if context.Bool("pty") {
			opts.Mode = console.ModePTY
		}
		code, err := runLocal(strings.Join(context.Args(), " "), opts, system.NewSupervisor(context.Duration("poll-interval")))
		if err != nil {
			return err
		}
		if code != 0 {
			return cli.NewExitError("", code)
		}
		return nil
	},
}

// runLocal runs command through a private registry, wiring it to this
// process's stdio, and returns its exit code.
func runLocal(command string, opts console.ProcessOptions, launcher console.Launcher) (int, error) {
	exitCh := make(chan int, 1)
	stdio := console.ObserverFunc(func(ev console.Event) {
		switch ev.Kind {
		case console.EventStdout:
			os.Stdout.Write(ev.Data)
		case console.EventStderr:
			os.Stderr.Write(ev.Data)
		case console.EventExited:
			exitCh <- ev.ExitCode
		}
	})
	registry := console.NewRegistry(launcher, console.WithObserver(stdio))
	if err := registry.Initialize(); err != nil {
		return -1, err
	}

	var term termconsole.Console
	if opts.Mode == console.ModePTY {
		var err error
		term, err = termconsole.ConsoleFromFile(os.Stdin)
		if err != nil {
			logrus.WithError(err).Debug("exec: stdin is not a terminal")
			term = nil
		} else {
			if size, err := term.Size(); err == nil {
				opts.Rows, opts.Cols = size.Height, size.Width
			}
			if err := term.SetRaw(); err != nil {
				return -1, err
			}
			defer term.Reset()
		}
	}

	proc := registry.CreateProcessWithOptions(command, opts)
	if err := proc.Start(); err != nil {
		return -1, err
	}
	logrus.WithField("handle", proc.Handle()).Debug("exec: process started")

	go forwardInput(proc, os.Stdin)

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, unix.SIGINT, unix.SIGTERM, unix.SIGWINCH)
	defer signal.Stop(sigCh)

	for {
		select {
		case code := <-exitCh:
			return code, nil
		case sig := <-sigCh:
			if sig == unix.SIGWINCH {
				if term == nil {
					continue
				}
				if size, err := term.Size(); err == nil {
					proc.Resize(size.Height, size.Width)
				}
				continue
			}
			if err := proc.Interrupt(); err != nil && !errors.Is(err, console.ErrProcessExited) {
				logrus.WithError(err).Warn("exec: interrupt failed")
			}
		}
	}
}

// forwardInput queues everything read from r as process input and closes the
// process's stdin at EOF.
func forwardInput(proc *console.ConsoleProcess, r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if qerr := proc.EnqueueInput(string(buf[:n])); qerr != nil {
				return
			}
		}
		if err != nil {
			if err == io.EOF {
				proc.CloseInput()
			}
			return
		}
	}
}
