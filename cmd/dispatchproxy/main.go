package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dispatchproxy/dispatchproxy/internal/config"
	"github.com/dispatchproxy/dispatchproxy/internal/dial"
	"github.com/dispatchproxy/dispatchproxy/internal/handler"
	"github.com/dispatchproxy/dispatchproxy/internal/listener"
	"github.com/dispatchproxy/dispatchproxy/internal/logging"
	"github.com/dispatchproxy/dispatchproxy/internal/session"
	"github.com/dispatchproxy/dispatchproxy/internal/telemetry"
)

// envLogLevel names the environment variable that controls the process log
// level, in the teacher's own RUST_LOG-style single-variable convention.
const envLogLevel = "DISPATCHPROXY_LOG_LEVEL"

const defaultListenAddr = "127.0.0.1:1080"

// listenAddrs implements flag.Value to collect a repeatable -l/--listen flag.
type listenAddrs []string

func (l *listenAddrs) String() string { return strings.Join(*l, ",") }

func (l *listenAddrs) Set(v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return errors.New("empty listen address")
	}
	*l = append(*l, v)
	return nil
}

// Exit codes per spec §6.
const (
	exitOK          = 0
	exitConfigLoad  = 1
	exitBindFailure = 2
	exitCLIParseErr = 64
)

func main() {
	os.Exit(run())
}

func run() int {
	fs := flag.NewFlagSet("dispatchproxy", flag.ContinueOnError)

	var configPath string
	var addrs listenAddrs
	var adminAddr string
	var acceptRate float64
	var acceptBurst int

	fs.StringVar(&configPath, "config", "", "Path to the dispatcher JSON config file (required)")
	fs.Var(&addrs, "listen", "Listen address (repeatable); default 127.0.0.1:1080 if none given")
	fs.Var(&addrs, "l", "Shorthand for -listen")
	fs.StringVar(&adminAddr, "admin", "127.0.0.1:9080", "Admin HTTP surface address (health/metrics/conns/logs/reload); empty disables it")
	fs.Float64Var(&acceptRate, "accept-rate", 0, "Max accepted connections per second, per listener (0 disables limiting)")
	fs.IntVar(&acceptBurst, "accept-burst", 1, "Burst size for -accept-rate")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return exitCLIParseErr
	}
	if configPath == "" {
		fmt.Fprintln(os.Stderr, "dispatchproxy: -config is required")
		return exitCLIParseErr
	}
	if len(addrs) == 0 {
		addrs = listenAddrs{defaultListenAddr}
	}

	runtime, err := logging.NewRuntime(logging.Config{
		Level:              strings.TrimSpace(os.Getenv(envLogLevel)),
		Format:             "json",
		Output:             "stderr",
		AdminBufferEnabled: adminAddr != "",
		AdminBufferSize:    1000,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "dispatchproxy: logging setup: %v\n", err)
		return exitCLIParseErr
	}
	defer runtime.Close()
	logger := runtime.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(configPath)
	initial, err := loader.Load()
	if err != nil {
		logger.Error("config: initial load failed", "path", configPath, "err", err)
		return exitConfigLoad
	}
	logger.Info("config: loaded",
		"path", configPath, "rules", initial.RuleCount, "profiles", initial.ProfileCount)

	cell := config.NewCell(initial)

	reg := prometheus.NewRegistry()
	metrics := telemetry.NewCollector(reg)
	sessions := session.NewRegistry()
	dialer := dial.NewNetDialer(&dial.NetDialerOptions{Timeout: 10 * time.Second})

	h := handler.New(handler.Options{
		Cell:     cell,
		Dialer:   dialer,
		Sessions: sessions,
		Metrics:  metrics,
		Logger:   logger,
	})

	listenSet := listener.New(listener.Options{
		Addrs:       addrs,
		Handler:     h,
		Logger:      logger,
		AcceptRate:  acceptRate,
		AcceptBurst: acceptBurst,
	})

	reloadTask := config.NewReloadTask(loader, cell, logger)
	reloadCtx, cancelReload := context.WithCancel(ctx)
	defer cancelReload()
	go func() {
		if err := reloadTask.Run(reloadCtx); err != nil {
			logger.Error("config: reload watcher stopped", "err", err)
		}
	}()

	var admin *telemetry.AdminServer
	adminErrCh := make(chan error, 1)
	if adminAddr != "" {
		admin = telemetry.NewAdminServer(telemetry.AdminServerOptions{
			Addr:     adminAddr,
			Registry: reg,
			Sessions: sessions,
			Logs:     runtime.Store(),
			Reload: func(ctx context.Context) error {
				snap, err := loader.Load()
				if err != nil {
					return err
				}
				cell.Store(snap)
				logger.Info("config: reload ok (manual)",
					"path", configPath, "rules", snap.RuleCount, "profiles", snap.ProfileCount)
				return nil
			},
			Health: func() bool { return true },
		})
		go func() {
			if err := admin.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				adminErrCh <- err
				stop()
			}
		}()
	}

	serveErrCh := make(chan error, 1)
	go func() {
		serveErrCh <- listenSet.ListenAndServe(ctx)
	}()

	var bindErr *listener.BindError
	select {
	case err := <-serveErrCh:
		if errors.As(err, &bindErr) {
			logger.Error("listener: bind failed", "err", err)
			return exitBindFailure
		}
		if err != nil {
			logger.Error("listener: exited with error", "err", err)
		}
	case <-ctx.Done():
	case err := <-adminErrCh:
		logger.Error("admin server failed to start", "err", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if admin != nil {
		if err := admin.Shutdown(shutdownCtx); err != nil {
			logger.Error("admin: shutdown error", "err", err)
		}
	}
	if err := listenSet.Shutdown(shutdownCtx); err != nil {
		logger.Error("listener: shutdown error", "err", err)
	}

	logger.Info("dispatchproxy: exited")
	return exitOK
}
