package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"trustvoice-dialogue/handler"
	"trustvoice-dialogue/internal/app"
	"trustvoice-dialogue/internal/config"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)
	slog.SetDefault(logger)

	svc, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build dialogue service", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandlerWithLogger(svc.Conversation, logger)
	if err != nil {
		logger.Error("failed to create handler", "err", err)
		svc.Close()
		os.Exit(1)
	}

	// lambda.Start never returns; the runtime reclaims connections on
	// shutdown.
	lambda.Start(h.Handle)
}
