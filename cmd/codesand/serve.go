package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/codesand/codesand/internal/auth"
	"github.com/codesand/codesand/internal/backend"
	"github.com/codesand/codesand/internal/dispatch"
	"github.com/codesand/codesand/internal/languages"
	"github.com/codesand/codesand/internal/maintenance"
	"github.com/codesand/codesand/internal/sandbox"
	"github.com/codesand/codesand/internal/server"
	"github.com/codesand/codesand/internal/storage/sqlite"
)

var listenFlag []string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the codesand HTTP server",
	Long: `Start the codesand HTTP server.

Every container in the pool is started first; a container that cannot be
started is fatal. Requests must carry a valid key header.

Examples:
  codesand serve
  codesand serve --listen 127.0.0.1:9090 --listen [::1]:9090`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringSliceVar(&listenFlag, "listen", nil, "Address to listen on (repeatable, overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logrus.WithField("component", "serve")

	b, err := backend.New(cfg.BackendOptions())
	if err != nil {
		return err
	}
	names, err := cfg.ContainerNames()
	if err != nil {
		return err
	}
	pool, err := sandbox.NewPool(b, names, cfg.SandboxConfig())
	if err != nil {
		return err
	}
	if err := pool.EnsureRunning(cmd.Context()); err != nil {
		return fmt.Errorf("starting containers: %w", err)
	}
	log.Infof("pool ready with %d containers", pool.Size())

	// Open storage
	store, err := sqlite.Open(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	keys := auth.NewKeySet(cfg.Auth.Keys, cfg.Auth.JWTSecret)
	if err := keys.LoadFile(cfg.Auth.KeysFile); err != nil {
		return err
	}
	if keys.Len() == 0 && !keys.TokensEnabled() {
		log.Warn("no keys configured, every request will be rejected")
	}

	m := maintenance.New(maintenance.Options{
		Pool:          pool,
		Store:         store,
		StagingDir:    cfg.Sandbox.StagingDir,
		StagedFileTTL: cfg.Maintenance.StagedFileTTL,
		Retention:     cfg.Storage.Retention,
	})
	if err := m.Start(cfg.Maintenance.Schedule); err != nil {
		return err
	}
	defer m.Stop()

	d := dispatch.New(pool, languages.NewRegistry(), store, cfg.Policy())
	srv := server.New(d, pool, store, keys)

	listen := cfg.Server.Listen
	if len(listenFlag) > 0 {
		listen = listenFlag
	}

	// Graceful shutdown on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	stopped := make(chan error, 1)
	go func() {
		sig, ok := <-sigCh
		if !ok {
			return
		}
		log.Infof("received %s", sig)
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		stopped <- srv.Shutdown(ctx)
	}()

	if err := srv.Start(listen); err != nil {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		pool.Close(ctx)
		return err
	}
	return <-stopped
}
