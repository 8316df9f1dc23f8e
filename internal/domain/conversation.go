package domain

import (
	"errors"
	"fmt"
	"time"
)

// Role identifies the author of a history entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

var (
	// ErrIntentAlreadySet is returned when a conversation that already carries
	// an intent is asked to take a different one.
	ErrIntentAlreadySet = errors.New("domain: intent already set for conversation")
	// ErrLanguagePinned is returned when a conversation's language would change
	// after it was chosen on the first turn.
	ErrLanguagePinned = errors.New("domain: conversation language already pinned")
)

// Message is a single history entry.
type Message struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// ConversationState is everything remembered about one user's in-progress
// conversation. The zero value (apart from UserID) is the empty conversation.
type ConversationState struct {
	UserID    string         `json:"userId"`
	History   []Message      `json:"history"`
	Entities  map[string]any `json:"entities"`
	Intent    string         `json:"intent,omitempty"`
	Language  string         `json:"language,omitempty"`
	TurnCount int            `json:"turnCount"`
	ExpiresAt time.Time      `json:"expiresAt"`

	// Version is bookkeeping for stores that use optimistic writes.
	Version int64 `json:"version"`
}

// NewConversationState returns the empty state for userID.
func NewConversationState(userID string) ConversationState {
	return ConversationState{
		UserID:   userID,
		History:  []Message{},
		Entities: map[string]any{},
	}
}

// IsEmpty reports whether nothing has been recorded for the conversation yet.
func (s ConversationState) IsEmpty() bool {
	return len(s.History) == 0 &&
		len(s.Entities) == 0 &&
		s.Intent == "" &&
		s.Language == "" &&
		s.TurnCount == 0
}

// Expired reports whether the state is past its expiry at now. A state that
// was never written has no expiry.
func (s ConversationState) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Touch pushes the expiry out to now+ttl.
func (s *ConversationState) Touch(now time.Time, ttl time.Duration) {
	s.ExpiresAt = now.Add(ttl)
}

// AppendMessage appends one history entry.
func (s *ConversationState) AppendMessage(role Role, text string) error {
	if !role.Valid() {
		return fmt.Errorf("domain: invalid role %q", role)
	}
	s.History = append(s.History, Message{Role: role, Text: text})
	return nil
}

// MergeEntities overwrites the keys present in entities and leaves the rest.
func (s *ConversationState) MergeEntities(entities map[string]any) {
	if len(entities) == 0 {
		return
	}
	if s.Entities == nil {
		s.Entities = make(map[string]any, len(entities))
	}
	for k, v := range entities {
		s.Entities[k] = copyValue(v)
	}
}

// SetIntent records the conversation's intent. Setting the same intent again
// is a no-op; a different one fails with ErrIntentAlreadySet.
func (s *ConversationState) SetIntent(intent string) error {
	if intent == "" {
		return errors.New("domain: intent must not be empty")
	}
	if s.Intent != "" && s.Intent != intent {
		return fmt.Errorf("%w: have %q, got %q", ErrIntentAlreadySet, s.Intent, intent)
	}
	s.Intent = intent
	return nil
}

// SetLanguage pins the conversation language.
func (s *ConversationState) SetLanguage(lang string) error {
	if lang == "" {
		return errors.New("domain: language must not be empty")
	}
	if s.Language != "" && s.Language != lang {
		return fmt.Errorf("%w: have %q, got %q", ErrLanguagePinned, s.Language, lang)
	}
	s.Language = lang
	return nil
}

// IncrementTurn counts one more user-authored turn.
func (s *ConversationState) IncrementTurn() {
	s.TurnCount++
}

// Clone returns a deep copy so callers cannot alias store internals.
func (s ConversationState) Clone() ConversationState {
	out := s
	out.History = make([]Message, len(s.History))
	copy(out.History, s.History)
	out.Entities = make(map[string]any, len(s.Entities))
	for k, v := range s.Entities {
		out.Entities[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, inner := range t {
			m[k] = copyValue(inner)
		}
		return m
	case []any:
		l := make([]any, len(t))
		for i, inner := range t {
			l[i] = copyValue(inner)
		}
		return l
	default:
		return v
	}
}
