// Package app wires configuration into a ready ConversationService. Both the
// Lambda and the Slack bot build their dependencies here.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/redis/go-redis/v9"

	"trustvoice-dialogue/internal/config"
	"trustvoice-dialogue/internal/integrations/addis"
	"trustvoice-dialogue/internal/integrations/anthropic"
	"trustvoice-dialogue/internal/integrations/executor"
	"trustvoice-dialogue/internal/integrations/openai"
	"trustvoice-dialogue/internal/integrations/paramstore"
	"trustvoice-dialogue/internal/repository"
	"trustvoice-dialogue/internal/usecase"
)

// NewLogger returns a JSON logger at the configured level.
func NewLogger(cfg *config.Config) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
}

// Service is the assembled dialogue service plus its cleanup hook.
type Service struct {
	Conversation *usecase.ConversationService
	Orchestrator *usecase.Orchestrator
	Close        func()
}

// Build assembles the service. Long-lived background work (the memory store
// sweeper) stops when ctx is cancelled.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Service, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("app: load AWS config: %w", err)
	}

	ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		return nil, fmt.Errorf("app: create SSM client: %w", err)
	}
	params, err := paramstore.NewCache(ssmClient)
	if err != nil {
		return nil, err
	}

	closeFn := func() {}
	var store usecase.SessionStore
	switch cfg.Store {
	case config.StoreDynamoDB:
		store, err = repository.NewDynamoStore(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable, cfg.SessionTTL)
	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		closeFn = func() { _ = client.Close() }
		store, err = repository.NewRedisStore(client, cfg.SessionTTL)
	case config.StoreMemory:
		mem := repository.NewMemoryStore(cfg.SessionTTL)
		go mem.RunSweeper(ctx, cfg.SweepInterval, logger)
		store = mem
	default:
		err = fmt.Errorf("unknown store %q", cfg.Store)
	}
	if err != nil {
		closeFn()
		return nil, fmt.Errorf("app: create session store: %w", err)
	}

	systemPrompt := loadSystemPrompt(ctx, params, cfg.ParamPrefix, logger)

	registry, fallback, err := buildRegistry(cfg, params, systemPrompt)
	if err != nil {
		closeFn()
		return nil, err
	}

	orchestrator, err := usecase.NewOrchestrator(store, registry, usecase.Options{
		AdapterTimeout:      cfg.AdapterTimeout,
		RetryBackoff:        cfg.RetryBackoff,
		MaxContextItems:     cfg.MaxContextItems,
		MaxTurns:            cfg.MaxTurns,
		MaxTranscriptLength: cfg.MaxTranscriptLength,
		Fallback:            fallback,
		Logger:              logger,
	})
	if err != nil {
		closeFn()
		return nil, fmt.Errorf("app: create orchestrator: %w", err)
	}

	exec, err := executor.NewClient(params, cfg.ParamPrefix, cfg.ExecutorURL)
	if err != nil {
		closeFn()
		return nil, fmt.Errorf("app: create executor: %w", err)
	}

	conversation, err := usecase.NewConversationService(orchestrator, exec, logger)
	if err != nil {
		closeFn()
		return nil, err
	}

	logger.Info("dialogue service ready",
		"store", cfg.Store,
		"default_language", cfg.DefaultLanguage,
		"addis_languages", cfg.AddisLanguages,
		"anthropic_languages", cfg.AnthropicLanguages,
		"fallback", fallback != nil,
	)
	return &Service{Conversation: conversation, Orchestrator: orchestrator, Close: closeFn}, nil
}

// loadSystemPrompt prefers an operator-maintained prompt in SSM.
func loadSystemPrompt(ctx context.Context, params paramstore.Getter, prefix string, logger *slog.Logger) string {
	prompt, err := params.GetParameter(ctx, prefix+"/system_prompt")
	if err != nil || prompt == "" {
		logger.Info("using built-in system prompt", "err", err)
		return usecase.BuildSystemPrompt(usecase.DefaultIntents)
	}
	return prompt
}

func buildRegistry(cfg *config.Config, params paramstore.Getter, systemPrompt string) (*usecase.Registry, usecase.FallbackInterpreter, error) {
	registry := usecase.NewRegistry(cfg.DefaultLanguage)

	oa, err := openai.NewAdapter(params, cfg.ParamPrefix, systemPrompt,
		openai.WithBaseURL(cfg.OpenAIBaseURL),
		openai.WithModel(cfg.OpenAIModel),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("app: create openai adapter: %w", err)
	}
	if err := registry.Register(oa, cfg.DefaultLanguage); err != nil {
		return nil, nil, err
	}

	for _, lang := range cfg.AddisLanguages {
		a, err := addis.NewAdapter(params, cfg.ParamPrefix, lang, systemPrompt, addis.WithBaseURL(cfg.AddisBaseURL))
		if err != nil {
			return nil, nil, fmt.Errorf("app: create addis adapter: %w", err)
		}
		if err := registry.Register(a, lang); err != nil {
			return nil, nil, err
		}
	}

	if len(cfg.AnthropicLanguages) == 0 && !cfg.FallbackEnabled {
		return registry, nil, nil
	}
	claude, err := anthropic.NewClient(params, cfg.ParamPrefix, systemPrompt,
		anthropic.WithModel(cfg.AnthropicModel),
		anthropic.WithIntentCatalog(usecase.IntentCatalog(usecase.DefaultIntents)),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("app: create anthropic client: %w", err)
	}
	if len(cfg.AnthropicLanguages) > 0 {
		if err := registry.Register(claude, cfg.AnthropicLanguages...); err != nil {
			return nil, nil, err
		}
	}
	if !cfg.FallbackEnabled {
		return registry, nil, nil
	}
	return registry, claude, nil
}
