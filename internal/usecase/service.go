package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"trustvoice-dialogue/internal/domain"
)

const (
	executionRetryMessage = "Sorry, I couldn't complete that request just now. Say \"try again\" and I'll retry, or \"start over\" to cancel."
	resetMessage          = "Okay, let's start over. What would you like to do?"
)

// CommandExecutor performs a finalized command against the platform.
type CommandExecutor interface {
	Execute(ctx context.Context, cmd domain.Command) (domain.ExecutionResult, error)
}

// TurnOutput is what a front end renders back to the user.
type TurnOutput struct {
	TurnID   string                  `json:"turnId"`
	Decision domain.Decision         `json:"decision"`
	Result   *domain.ExecutionResult `json:"result,omitempty"`
	Reply    string                  `json:"reply"`
}

// ConversationService drives a conversation end to end: it orchestrates the
// turn, dispatches ready commands and clears the finished conversation.
type ConversationService struct {
	orchestrator *Orchestrator
	executor     CommandExecutor
	logger       *slog.Logger
	newID        func() string
}

func NewConversationService(orchestrator *Orchestrator, executor CommandExecutor, logger *slog.Logger) (*ConversationService, error) {
	if orchestrator == nil {
		return nil, errors.New("usecase: orchestrator must not be nil")
	}
	if executor == nil {
		return nil, errors.New("usecase: executor must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ConversationService{
		orchestrator: orchestrator,
		executor:     executor,
		logger:       logger,
		newID:        uuid.NewString,
	}, nil
}

// Converse handles one inbound message. A ready decision is executed and, on
// success, the conversation is cleared; on executor failure the state is
// kept so the user can retry.
func (s *ConversationService) Converse(ctx context.Context, in TurnInput) (TurnOutput, error) {
	o := s.orchestrator
	in, err := o.validate(in)
	if err != nil {
		return TurnOutput{}, err
	}
	turnID := s.newID()

	v, shared, err := o.gate.do(ctx, in.UserID, "converse\x00"+in.Transcript, func(ctx context.Context) (any, error) {
		return s.converse(ctx, in, turnID)
	})
	if shared {
		s.logger.Info("duplicate message coalesced", "user_id", in.UserID)
	}
	return gateResult[TurnOutput](v, err)
}

func (s *ConversationService) converse(ctx context.Context, in TurnInput, turnID string) (TurnOutput, error) {
	log := s.logger.With("user_id", in.UserID, "turn_id", turnID)

	decision, err := s.orchestrator.handleTurn(ctx, in)
	out := TurnOutput{TurnID: turnID, Decision: decision, Reply: decision.Message}
	if err != nil {
		return out, err
	}
	if !decision.Ready {
		return out, nil
	}

	result, err := s.executor.Execute(ctx, domain.Command{
		UserID:   in.UserID,
		Intent:   decision.Intent,
		Entities: decision.Entities,
	})
	if err != nil {
		log.Error("command execution failed", "intent", decision.Intent, "error", err)
		out.Reply = executionRetryMessage
		out.Decision.Error = "execution_failed"
		return out, nil
	}
	log.Info("command executed", "intent", decision.Intent, "reference", result.Reference)

	out.Result = &result
	if msg := strings.TrimSpace(result.Message); msg != "" {
		out.Reply = msg
	}
	s.clearExecuted(ctx, in.UserID, log)
	return out, nil
}

// clearExecuted removes a conversation whose command already ran. A state
// left READY would let the next message dispatch the command again, so the
// clear outlives the caller and is retried once.
func (s *ConversationService) clearExecuted(ctx context.Context, userID string, log *slog.Logger) {
	store := s.orchestrator.store
	for attempt := 1; attempt <= 2; attempt++ {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.orchestrator.storeTimeout)
		err := store.Clear(cctx, userID)
		cancel()
		if err == nil {
			return
		}
		log.Error("failed to clear finished conversation", "attempt", attempt, "error", err)
	}
}

// Reset discards the user's conversation. It waits for any in-flight turn
// for the same user.
func (s *ConversationService) Reset(ctx context.Context, userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", newError(ErrorInvalidInput, "empty_user_id", nil)
	}
	o := s.orchestrator
	unlock, err := o.gate.lock(ctx, userID)
	if err != nil {
		return "", err
	}
	defer unlock()
	if err := o.store.Clear(ctx, userID); err != nil {
		s.logger.Error("reset failed", "user_id", userID, "error", err)
		return "", newError(ErrorStoreUnavailable, "session_clear_error", err)
	}
	s.logger.Info("conversation reset", "user_id", userID)
	return resetMessage, nil
}
