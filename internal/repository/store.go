package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"trustvoice-dialogue/internal/domain"
)

// DefaultTTL is how long an untouched conversation stays live.
const DefaultTTL = 30 * time.Minute

// ErrConcurrentModification is returned when an optimistic write keeps losing
// to concurrent writers for the same user id.
var ErrConcurrentModification = errors.New("repository: concurrent modification")

// Store is the Session Store contract shared by every backend.
//
// Load never reports "not found": a missing or expired conversation comes
// back as the empty state. Every successful call refreshes the TTL of a live
// conversation.
type Store interface {
	Load(ctx context.Context, userID string) (domain.ConversationState, error)
	AppendMessage(ctx context.Context, userID string, role domain.Role, text string) error
	MergeEntities(ctx context.Context, userID string, entities map[string]any) error
	SetIntent(ctx context.Context, userID, intent string) error
	SetLanguage(ctx context.Context, userID, lang string) error
	IncrementTurn(ctx context.Context, userID string) error
	Clear(ctx context.Context, userID string) error
}

// mutateFunc applies fn to the live (or freshly created) state for userID and
// persists the result atomically. fn errors abort the write.
type mutateFunc func(ctx context.Context, userID string, fn func(*domain.ConversationState) error) error

// ops implements the single-field mutations of Store on top of a backend's
// read-modify-write primitive.
type ops struct {
	mutate mutateFunc
}

func (o ops) AppendMessage(ctx context.Context, userID string, role domain.Role, text string) error {
	return o.mutate(ctx, userID, func(s *domain.ConversationState) error {
		return s.AppendMessage(role, text)
	})
}

func (o ops) MergeEntities(ctx context.Context, userID string, entities map[string]any) error {
	return o.mutate(ctx, userID, func(s *domain.ConversationState) error {
		s.MergeEntities(entities)
		return nil
	})
}

func (o ops) SetIntent(ctx context.Context, userID, intent string) error {
	return o.mutate(ctx, userID, func(s *domain.ConversationState) error {
		return s.SetIntent(intent)
	})
}

func (o ops) SetLanguage(ctx context.Context, userID, lang string) error {
	return o.mutate(ctx, userID, func(s *domain.ConversationState) error {
		return s.SetLanguage(lang)
	})
}

func (o ops) IncrementTurn(ctx context.Context, userID string) error {
	return o.mutate(ctx, userID, func(s *domain.ConversationState) error {
		s.IncrementTurn()
		return nil
	})
}

func validateUserID(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return errors.New("repository: user id must not be empty")
	}
	return nil
}

func resolveTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}
