// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v2"

	"github.com/yourusername/ollama-workshop/internal/auth"
	"github.com/yourusername/ollama-workshop/internal/config"
	"github.com/yourusername/ollama-workshop/internal/logging"
	"github.com/yourusername/ollama-workshop/internal/storage"
)

const shutdownTimeout = 30 * time.Second

func main() {
	app := &cli.App{
		Name:   "api",
		Usage:  "Ollama Workshop API server",
		Action: serveCommand,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Start the HTTP API server (default)",
				Action: serveCommand,
			},
			{
				Name:   "migrate",
				Usage:  "Create or update database tables",
				Action: migrateCommand,
			},
			{
				Name:      "promote",
				Usage:     "Change a user's role and approve the account",
				ArgsUsage: "<username>",
				Action:    promoteCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "role",
						Usage: "Role to grant (user, admin, super_admin)",
						Value: string(storage.RoleAdmin),
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func serveCommand(c *cli.Context) error {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := logging.New(cfg.GinMode, cfg.LogLevel)
	gin.SetMode(cfg.GinMode)

	srv, err := newServer(cfg, logger)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", httpServer.Addr).Str("mode", cfg.GinMode).Msg("starting API server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			srv.close(context.Background())
			return fmt.Errorf("failed to start server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// 受付を止めてから実行中のタスクを待つ
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shut down HTTP server")
	}
	srv.close(shutdownCtx)
	return nil
}

func migrateCommand(*cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := logging.New(cfg.GinMode, cfg.LogLevel)

	db, err := storage.Open(cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer storage.Close(db)

	if err := storage.Migrate(db); err != nil {
		return err
	}
	logger.Info().Msg("database migrated")
	return nil
}

func promoteCommand(c *cli.Context) error {
	username := c.Args().First()
	if username == "" {
		return errors.New("username is required")
	}
	role := storage.Role(c.String("role"))
	switch role {
	case storage.RoleUser, storage.RoleAdmin, storage.RoleSuperAdmin:
	default:
		return fmt.Errorf("unknown role %q", role)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := logging.New(cfg.GinMode, cfg.LogLevel)

	db, err := storage.Open(cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer storage.Close(db)

	if err := auth.Promote(db, username, role); err != nil {
		if storage.IsNotFound(err) {
			return fmt.Errorf("user %q not found", username)
		}
		return err
	}
	logger.Info().Str("username", username).Str("role", string(role)).Msg("user promoted")
	return nil
}
