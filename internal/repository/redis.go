package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"trustvoice-dialogue/internal/domain"
)

const (
	redisKeyPrefix      = "dialogue:session:"
	maxOptimisticWrites = 5
)

// RedisStore keeps each conversation as one JSON value whose key expiry is
// the conversation TTL. Writes use WATCH/MULTI so concurrent writers for the
// same user id never lose updates.
type RedisStore struct {
	ops
	client redis.UniversalClient
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client redis.UniversalClient, ttl time.Duration) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("repository: redis client must not be nil")
	}
	s := &RedisStore{
		client: client,
		ttl:    resolveTTL(ttl),
		now:    time.Now,
	}
	s.ops = ops{mutate: s.mutate}
	return s, nil
}

func redisKey(userID string) string {
	return redisKeyPrefix + userID
}

// Load reads the conversation and refreshes its expiry in the same command.
func (s *RedisStore) Load(ctx context.Context, userID string) (domain.ConversationState, error) {
	if err := validateUserID(userID); err != nil {
		return domain.ConversationState{}, err
	}
	raw, err := s.client.GetEx(ctx, redisKey(userID), s.ttl).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.NewConversationState(userID), nil
	}
	if err != nil {
		return domain.ConversationState{}, fmt.Errorf("repository: redis load: %w", err)
	}
	state, err := decodeState(userID, raw)
	if err != nil {
		return domain.ConversationState{}, fmt.Errorf("repository: redis load: %w", err)
	}
	state.Touch(s.now(), s.ttl)
	return state, nil
}

// Clear deletes the conversation key.
func (s *RedisStore) Clear(ctx context.Context, userID string) error {
	if err := validateUserID(userID); err != nil {
		return err
	}
	if err := s.client.Del(ctx, redisKey(userID)).Err(); err != nil {
		return fmt.Errorf("repository: redis clear: %w", err)
	}
	return nil
}

func (s *RedisStore) mutate(ctx context.Context, userID string, fn func(*domain.ConversationState) error) error {
	if err := validateUserID(userID); err != nil {
		return err
	}
	key := redisKey(userID)

	txf := func(tx *redis.Tx) error {
		state := domain.NewConversationState(userID)
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return fmt.Errorf("repository: redis read: %w", err)
		default:
			if state, err = decodeState(userID, raw); err != nil {
				return err
			}
		}

		if err := fn(&state); err != nil {
			return err
		}
		state.Touch(s.now(), s.ttl)
		state.Version++
		buf, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("repository: redis encode: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, buf, s.ttl)
			return nil
		})
		return err
	}

	for i := 0; i < maxOptimisticWrites; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrConcurrentModification
}

func decodeState(userID string, raw []byte) (domain.ConversationState, error) {
	state := domain.NewConversationState(userID)
	if err := json.Unmarshal(raw, &state); err != nil {
		return domain.ConversationState{}, fmt.Errorf("repository: decode state: %w", err)
	}
	if state.History == nil {
		state.History = []domain.Message{}
	}
	if state.Entities == nil {
		state.Entities = map[string]any{}
	}
	state.UserID = userID
	return state, nil
}
