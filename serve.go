package main

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	units "github.com/docker/go-units"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/peterje/consolehost/internal/api"
	"github.com/peterje/consolehost/internal/config"
	"github.com/peterje/consolehost/internal/console"
	"github.com/peterje/consolehost/internal/events"
	"github.com/peterje/consolehost/internal/preflight"
	"github.com/peterje/consolehost/internal/server"
	"github.com/peterje/consolehost/internal/store"
	"github.com/peterje/consolehost/internal/system"
	"github.com/peterje/consolehost/internal/tunnel"
)

var serveCommand = cli.Command{
	Name:  "serve",
	Usage: "serve the process API over HTTP and WebSocket",
	Flags: config.ServeFlags(),
	Action: func(context *cli.Context) error {
		cfg, err := config.FromContext(context)
		if err != nil {
			return err
		}
		return serve(cfg)
	},
}

func serve(cfg config.Config) error {
	logrus.Info("Running preflight checks...")
	checks, err := preflight.CheckAll(cfg.Shell, cfg.DataDir)
	if err != nil {
		return err
	}

	emitter := events.NewEmitter(events.WithReplayLimit(cfg.ReplayLimit))
	logrus.Debugf("Replay buffer %s per process", units.BytesSize(float64(cfg.ReplayLimit)))
	observers := console.Observers{emitter}

	var history api.History
	if checks.DataDirOK {
		database, recorder, err := openHistory(cfg.DBPath())
		if err != nil {
			logrus.WithError(err).Warn("Process history disabled")
		} else {
			defer database.Close()
			observers = append(observers, recorder)
			history = recorder
		}
	}

	sup := system.NewSupervisor(cfg.PollInterval)
	defaults := cfg.ProcessDefaults()
	defaults.Shell = checks.ShellPath
	registry := console.NewRegistry(sup,
		console.WithObserver(observers),
		console.WithDefaultOptions(defaults),
	)
	if err := registry.Initialize(); err != nil {
		return err
	}

	srv := server.New(registry, emitter, history, checks.ShellPath)
	httpSrv := &http.Server{
		Addr:    cfg.Addr(),
		Handler: server.LoggingMiddleware(server.RecoveryMiddleware(srv)),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.GatewayURL != "" {
		tun := tunnel.NewClient(cfg.GatewayURL, cfg.GatewaySecret, localAddr(cfg.Port))
		go tun.Run(ctx)
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logrus.Infof("Received %s, shutting down...", sig)
		cancel()
		daemon.SdNotify(false, daemon.SdNotifyStopping)

		if err := drainProcesses(registry, sup, cfg.ShutdownTimeout); err != nil {
			logrus.WithError(err).Errorf("%d processes did not exit", sup.Active())
		}

		shutdownCtx, done := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer done()
		httpSrv.Shutdown(shutdownCtx)
	}()

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return err
	}
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logrus.WithError(err).Warn("sd_notify failed")
	} else if ok {
		logrus.Debug("Notified systemd of readiness")
	}

	logrus.Infof("Server running at http://%s", cfg.Addr())
	if err := httpSrv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logrus.Info("Server stopped.")
	return nil
}

// drainProcesses interrupts every running process and waits up to timeout for
// their exits to be dispatched. Whatever is left is killed and waited for again,
// so exit records are written before the server stops.
func drainProcesses(registry *console.Registry, sup *system.Supervisor, timeout time.Duration) error {
	if n := registry.InterruptAll(); n > 0 {
		logrus.Infof("Interrupted %d running processes", n)
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := sup.Wait(ctx); err == nil {
		return nil
	}

	logrus.Warnf("%d processes still running after %s, killing", sup.Active(), timeout)
	sup.KillAll()
	ctx, cancel = context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return sup.Wait(ctx)
}

// openHistory opens the history database and marks records left running by a
// previous server as lost.
func openHistory(path string) (*sql.DB, *store.Recorder, error) {
	database, err := store.Open(path)
	if err != nil {
		return nil, nil, err
	}
	if err := store.Migrate(database); err != nil {
		database.Close()
		return nil, nil, err
	}
	recorder := store.NewRecorder(database)
	if _, err := recorder.Reconcile(); err != nil {
		database.Close()
		return nil, nil, err
	}
	return database, recorder, nil
}

func localAddr(port int) string {
	return "127.0.0.1:" + strconv.Itoa(port)
}
