package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/pion/transport/v3/stdnet"

	"github.com/cncnet/cncnet-tunnel/internal/config"
	"github.com/cncnet/cncnet-tunnel/internal/httpserver"
	"github.com/cncnet/cncnet-tunnel/internal/observer"
	"github.com/cncnet/cncnet-tunnel/internal/origin"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	var (
		sink  observer.Sink = observer.Nop{}
		hub   *observer.Hub
		extra []slog.Handler
	)
	if cfg.Observer {
		policy, err := origin.NewPolicy(cfg.AllowedOrigins)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		hub = observer.NewHub(observer.DefaultBacklog, policy.Check, nil)
		sink = hub
		extra = append(extra, observer.NewHandler(hub, cfg.LogLevel))
	}

	logger, logFile, err := config.NewLogger(cfg, extra...)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer logFile.Close()
	slog.SetDefault(logger)

	sink.Status("Initializing...")
	logger.Info(startupBanner(cfg))
	logStartupSecurityWarnings(logger, cfg)

	nw, err := stdnet.NewNet()
	if err != nil {
		logger.Error("failed to enumerate network interfaces", "err", err)
		os.Exit(1)
	}

	commit, builtAt := resolveBuildInfo(buildCommit, buildTime)
	t, err := newTunnel(cfg, logger, sink, hub, nw, httpserver.BuildInfo{Commit: commit, BuildTime: builtAt})
	if err != nil {
		logger.Error("failed to start tunnel", "err", err)
		if errors.Is(err, errBind) {
			os.Exit(1)
		}
		os.Exit(2)
	}

	ln, err := net.Listen("tcp", cfg.HTTPListenAddr)
	if err != nil {
		logger.Error("failed to listen", "addr", cfg.HTTPListenAddr, "err", err)
		_ = t.relay.Close()
		os.Exit(1)
	}

	errCh := t.start(ln)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	exitCode := 0
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("tunnel component exited", "err", err)
			exitCode = 1
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := t.shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "err", err)
		exitCode = 1
	}
	if exitCode != 0 {
		_ = logFile.Close()
		os.Exit(exitCode)
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
