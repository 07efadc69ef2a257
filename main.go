package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

const (
	version = "0.3.0"
	usage   = `console process supervisor

consolehost runs shell commands on behalf of remote or asynchronous callers.
Every process is addressed by a short opaque handle; input, interrupts and
resizes are queued against the handle and applied by the supervisor, and
output is streamed to attached clients.

Serve the HTTP/WebSocket API:

    consolehost serve --port 8800

Run a single command through the supervisor on this terminal:

    consolehost exec --pty -- top`
)

func main() {
	app := cli.NewApp()
	app.Name = "consolehost"
	app.Usage = usage
	app.Version = version
	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "debug",
			Usage: "enable debug output for logging",
		},
		cli.StringFlag{
			Name:   "log-level",
			Value:  "info",
			Usage:  "log level: debug, info, warn, error",
			EnvVar: "CONSOLEHOST_LOG_LEVEL",
		},
		cli.StringFlag{
			Name:  "log-format",
			Value: "text",
			Usage: "log format: text or json",
		},
	}
	app.Commands = []cli.Command{
		serveCommand,
		execCommand,
	}
	app.Before = func(context *cli.Context) error {
		return configLogging(context)
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

func configLogging(context *cli.Context) error {
	level, err := logrus.ParseLevel(context.GlobalString("log-level"))
	if err != nil {
		return err
	}
	if context.GlobalBool("debug") {
		level = logrus.DebugLevel
	}
	logrus.SetLevel(level)

	switch f := context.GlobalString("log-format"); f {
	case "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		return cli.NewExitError("unknown log format "+f, 1)
	}
	// stdout belongs to exec'd processes.
	logrus.SetOutput(os.Stderr)
	return nil
}
