package repository

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"trustvoice-dialogue/internal/domain"
)

// memEntry holds one user's state. deleted marks an entry that has been
// unlinked from the map; holders must re-resolve it.
type memEntry struct {
	mu      sync.Mutex
	state   domain.ConversationState
	live    bool
	deleted bool
}

// MemoryStore is an in-process Store. Each user id has its own lock, so
// callers for different users never contend.
type MemoryStore struct {
	ops
	entries sync.Map // string -> *memEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryStore creates an in-memory store with the given TTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	s := &MemoryStore{
		ttl: resolveTTL(ttl),
		now: time.Now,
	}
	s.ops = ops{mutate: s.mutate}
	return s
}

// Load returns a copy of the live state for userID, or the empty state.
func (s *MemoryStore) Load(_ context.Context, userID string) (domain.ConversationState, error) {
	if err := validateUserID(userID); err != nil {
		return domain.ConversationState{}, err
	}
	v, ok := s.entries.Load(userID)
	if !ok {
		return domain.NewConversationState(userID), nil
	}
	e := v.(*memEntry)
	e.mu.Lock()
	defer e.mu.Unlock()

	now := s.now()
	if e.deleted || !e.live || e.state.Expired(now) {
		return domain.NewConversationState(userID), nil
	}
	e.state.Touch(now, s.ttl)
	return e.state.Clone(), nil
}

// Clear forgets everything about userID.
func (s *MemoryStore) Clear(_ context.Context, userID string) error {
	if err := validateUserID(userID); err != nil {
		return err
	}
	v, ok := s.entries.Load(userID)
	if !ok {
		return nil
	}
	s.unlink(userID, v.(*memEntry))
	return nil
}

func (s *MemoryStore) mutate(_ context.Context, userID string, fn func(*domain.ConversationState) error) error {
	if err := validateUserID(userID); err != nil {
		return err
	}
	for {
		v, _ := s.entries.LoadOrStore(userID, &memEntry{})
		e := v.(*memEntry)
		e.mu.Lock()
		if e.deleted {
			e.mu.Unlock()
			continue
		}

		now := s.now()
		next := domain.NewConversationState(userID)
		if e.live && !e.state.Expired(now) {
			next = e.state.Clone()
		}
		if err := fn(&next); err != nil {
			e.mu.Unlock()
			return err
		}
		next.Touch(now, s.ttl)
		next.Version++
		e.state = next
		e.live = true
		e.mu.Unlock()
		return nil
	}
}

func (s *MemoryStore) unlink(userID string, e *memEntry) {
	e.mu.Lock()
	e.deleted = true
	e.live = false
	e.state = domain.ConversationState{}
	e.mu.Unlock()
	s.entries.CompareAndDelete(userID, e)
}

// Sweep reclaims expired conversations and reports how many were removed.
// Expiry is enforced on access regardless, so sweeping is only housekeeping.
func (s *MemoryStore) Sweep() int {
	now := s.now()
	removed := 0
	s.entries.Range(func(k, v any) bool {
		e := v.(*memEntry)
		e.mu.Lock()
		stale := !e.deleted && (!e.live || e.state.Expired(now))
		if stale {
			e.deleted = true
			e.live = false
			e.state = domain.ConversationState{}
		}
		e.mu.Unlock()
		if stale {
			s.entries.CompareAndDelete(k, e)
			removed++
		}
		return true
	})
	return removed
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *MemoryStore) RunSweeper(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				logger.Debug("swept expired conversations", "count", n)
			}
		}
	}
}

// Len returns the number of tracked conversations, live or not yet swept.
func (s *MemoryStore) Len() int {
	n := 0
	s.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
