package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/dnscache"

	"github.com/ccgw-io/ccgw/internal/app"
	"github.com/ccgw-io/ccgw/internal/auth"
	"github.com/ccgw-io/ccgw/internal/config"
	"github.com/ccgw-io/ccgw/internal/provider"
	"github.com/ccgw-io/ccgw/internal/server"
	"github.com/ccgw-io/ccgw/internal/storage/sqlite"
	"github.com/ccgw-io/ccgw/internal/telemetry"
	"github.com/ccgw-io/ccgw/internal/vault"
	"github.com/ccgw-io/ccgw/internal/worker"
)

func run(homeFlag string, portFlag int) error {
	if homeFlag != "" {
		os.Setenv(config.HomeEnvVar, homeFlag)
	}
	home, err := config.HomeDir()
	if err != nil {
		return err
	}

	v, err := vault.Open(filepath.Join(home, config.SecretFile))
	if err != nil {
		return err
	}
	cfg, err := config.Open(filepath.Join(home, config.ConfigFile), v)
	if err != nil {
		return err
	}

	slog.Info("starting cc-gw", "version", version, "home", home)

	store, err := sqlite.New(filepath.Join(home, config.DBFile))
	if err != nil {
		return err
	}
	defer store.Close()

	// Optional tracing
	if tc := cfg.Get().Telemetry.Tracing; tc.Enabled {
		shutdown, err := telemetry.SetupTracing(context.Background(), tc.Endpoint, tc.SampleRate)
		if err != nil {
			return err
		}
		defer shutdown(context.Background()) //nolint:errcheck
	}

	// Wire services
	log := slog.Default()
	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)
	resolver, err := auth.NewResolver(store, store, log)
	if err != nil {
		return err
	}
	router, err := app.NewRouter(cfg, log)
	if err != nil {
		return err
	}
	keys := app.NewKeys(store, v, resolver, log)
	conn := provider.New(&dnscache.Resolver{})
	pipeline := app.NewPipeline(cfg, router, resolver, keys, store, conn, metrics, log)

	handler := server.New(server.Deps{
		Config:     cfg,
		Pipeline:   pipeline,
		Keys:       keys,
		Store:      store,
		Vault:      v,
		ReadyCheck: store.Ping,
		UIRoot:     os.Getenv("CC_GW_UI_ROOT"),
		Version:    version,
	})

	addr := listenAddr(cfg.Get(), portFlag)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind before writing the pid file so a busy port exits non-zero
	// without leaving stale state behind.
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	pidPath := filepath.Join(home, config.PIDFile)
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		ln.Close()
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	// Background workers
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	runner := worker.NewRunner(
		worker.NewRetentionWorker(store, cfg),
		worker.NewRollupWorker(store),
	)
	workerErrCh := make(chan error, 1)
	go func() { workerErrCh <- runner.Run(workerCtx) }()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("cc-gw ready", "addr", addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		return err
	case err := <-workerErrCh:
		return err
	}

	grace := cfg.Get().Server.ShutdownGraceSec
	if grace <= 0 {
		grace = 30
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(grace)*time.Second)
	defer cancel()

	stopWorkers()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	slog.Info("cc-gw stopped")
	return nil
}

// listenAddr resolves the bind address: --port beats $PORT beats config.
func listenAddr(cfg *config.Config, portFlag int) string {
	port := cfg.Server.Port
	if env := os.Getenv("PORT"); env != "" {
		if p, err := strconv.Atoi(env); err == nil && p > 0 {
			port = p
		}
	}
	if portFlag > 0 {
		port = portFlag
	}
	host := cfg.Server.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}
