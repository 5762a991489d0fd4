// Copyright 2026 The Pokem Authors
// SPDX-License-Identifier: Apache-2.0

// Command pokemd is the Pok'em daemon: it holds one authenticated
// Matrix session and relays HTTP notification requests into rooms.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/arcuru/pokem/lib/config"
	"github.com/arcuru/pokem/lib/secret"
	"github.com/arcuru/pokem/messaging"
	"github.com/arcuru/pokem/relay"
)

// version is set at build time via -ldflags.
var version = "dev"

const shutdownGrace = 5 * time.Second

func main() {
	configPath := pflag.String("config", "", "config file path (default: $POKEM_CONFIG)")
	homeserver := pflag.String("homeserver", "", "override matrix.homeserver_url")
	stateDir := pflag.String("state-dir", "", "override matrix.state_dir")
	addr := pflag.String("addr", "", "override daemon.addr")
	port := pflag.Int("port", 0, "override daemon.port")
	logLevel := pflag.String("log-level", "info", "log level: debug, info, warn, error")
	showVersion := pflag.Bool("version", false, "print version and exit")
	pflag.Parse()

	if *showVersion {
		fmt.Println("pokemd", version)
		return
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %q\n", *logLevel)
		os.Exit(2)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("loading config", "error", err)
		os.Exit(1)
	}
	if *homeserver != "" {
		cfg.Matrix.HomeserverURL = *homeserver
	}
	if *stateDir != "" {
		cfg.Matrix.StateDir = *stateDir
	}
	if *addr != "" {
		cfg.Daemon.Addr = *addr
	}
	if *port != 0 {
		cfg.Daemon.Port = *port
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("pokemd exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("pokemd stopped")
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	if err := os.MkdirAll(cfg.Matrix.StateDir, 0o700); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}

	store, err := relay.OpenStore(relay.StoreConfig{
		Path:   filepath.Join(cfg.Matrix.StateDir, "pokem.db"),
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	client, err := messaging.NewClient(messaging.ClientConfig{
		HomeserverURL: cfg.Matrix.HomeserverURL,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	session, err := openSession(ctx, client, store, cfg, logger)
	if err != nil {
		return err
	}
	defer session.Close()

	serverName := session.UserID().Server()
	logger.Info("session ready",
		"user_id", session.UserID(),
		"server", serverName,
		"version", version,
	)

	matrixSession, err := relay.NewMatrixSession(relay.MatrixSessionConfig{
		Session: session,
		Store:   store,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	directory, err := relay.NewDirectory(relay.DirectoryConfig{
		Names:      cfg.Rooms,
		ServerName: serverName,
		Session:    matrixSession,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	security := relay.NewSecurityState(store, logger)
	if err := security.Load(ctx); err != nil {
		return err
	}

	formatter := relay.NewFormatter(cfg.Matrix.Format, logger)

	admitter := relay.NewAdmitter(relay.AdmitterConfig{
		AllowList:   cfg.AllowListRegexp(),
		SizeCeiling: cfg.Matrix.RoomSizeLimit,
		Session:     matrixSession,
		Security:    security,
		Welcome:     relay.HelpText(cfg.Matrix.CommandPrefix),
		Formatter:   formatter,
		Logger:      logger,
	})

	commander := relay.NewCommander(relay.CommanderConfig{
		Prefix:           cfg.Matrix.CommandPrefix,
		Session:          matrixSession,
		Security:         security,
		Formatter:        formatter,
		AllowListPattern: cfg.Matrix.AllowList,
		SizeCeiling:      cfg.Matrix.RoomSizeLimit,
		Logger:           logger,
	})

	engine, err := relay.NewEngine(relay.EngineConfig{
		Directory:  directory,
		Security:   security,
		Formatter:  formatter,
		Session:    matrixSession,
		Admitter:   admitter,
		Commander:  commander,
		AckTimeout: cfg.Daemon.AckTimeout,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:    cfg.Daemon.ListenAddr(),
		Handler: relay.NewHandler(engine, logger),
	}

	errs := make(chan error, 3)
	go func() {
		errs <- matrixSession.Run(ctx)
	}()
	go func() {
		errs <- engine.Run(ctx)
	}()
	go func() {
		logger.Info("http listener started", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("http listener: %w", err)
			return
		}
		errs <- nil
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil && !errors.Is(err, context.Canceled) {
			runErr = err
			logger.Error("component failed, shutting down", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}

	return runErr
}

// openSession resumes the persisted Matrix session, falling back to
// password login when no usable token is stored. A freshly obtained
// token is persisted for the next restart.
func openSession(ctx context.Context, client *messaging.Client, store *relay.Store, cfg config.Config, logger *slog.Logger) (*messaging.DirectSession, error) {
	stored, ok, err := store.LoadSession(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		session, err := client.SessionFromToken(stored.UserID, stored.AccessToken)
		if err != nil {
			return nil, err
		}
		if _, err := session.WhoAmI(ctx); err == nil {
			logger.Info("resumed stored session", "user_id", stored.UserID)
			return session, nil
		} else if messaging.IsMatrixError(err, messaging.ErrCodeUnknownToken) {
			logger.Warn("stored token revoked, falling back to login")
			session.Close()
			if err := store.ClearSession(ctx); err != nil {
				return nil, err
			}
		} else {
			session.Close()
			return nil, fmt.Errorf("validating stored session: %w", err)
		}
	}

	if cfg.Matrix.Password == "" {
		return nil, fmt.Errorf("no stored session and matrix.password is not set")
	}
	password, err := secret.NewFromString(cfg.Matrix.Password)
	if err != nil {
		return nil, err
	}
	defer password.Close()

	session, err := client.Login(ctx, cfg.Matrix.Username, password)
	if err != nil {
		return nil, err
	}

	if err := store.SaveSession(ctx, relay.StoredSession{
		UserID:      session.UserID(),
		DeviceID:    session.DeviceID(),
		AccessToken: session.AccessToken(),
	}); err != nil {
		session.Close()
		return nil, fmt.Errorf("persisting session: %w", err)
	}
	return session, nil
}
