package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"trustvoice-dialogue/internal/app"
	"trustvoice-dialogue/internal/config"
	"trustvoice-dialogue/internal/frontend/slack"
)

func main() {
	if err := run(); err != nil {
		slog.Error("slack bot stopped", "err", err)
		os.Exit(1)
	}
}

// run owns every resource it opens, so deferred cleanup happens before main
// decides the exit code.
func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	logger := app.NewLogger(cfg)
	slog.SetDefault(logger)

	svc, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build dialogue service: %w", err)
	}
	defer svc.Close()

	bot, err := slack.NewBot(cfg, svc.Conversation, logger)
	if err != nil {
		return fmt.Errorf("create Slack bot: %w", err)
	}

	if err := bot.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutting down")
	return nil
}
