package usecase

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// turnGate serializes turns per user id and coalesces duplicate deliveries.
// Turns for different users never wait on each other.
type turnGate struct {
	mu      sync.Mutex
	locks   map[string]*userLock
	flights map[string]*flight
	calls   singleflight.Group
}

// userLock is a one-slot semaphore so waiters can give up on ctx.
type userLock struct {
	slot chan struct{}
	refs int
}

// flight is the context a coalesced execution runs under. It is cancelled
// only once every caller waiting on it has gone away.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

func newTurnGate() *turnGate {
	return &turnGate{
		locks:   make(map[string]*userLock),
		flights: make(map[string]*flight),
	}
}

// lock blocks until userID is free or ctx is done.
func (g *turnGate) lock(ctx context.Context, userID string) (func(), error) {
	g.mu.Lock()
	l, ok := g.locks[userID]
	if !ok {
		l = &userLock{slot: make(chan struct{}, 1)}
		g.locks[userID] = l
	}
	l.refs++
	g.mu.Unlock()

	select {
	case l.slot <- struct{}{}:
		return func() {
			<-l.slot
			g.release(userID, l)
		}, nil
	case <-ctx.Done():
		g.release(userID, l)
		return nil, ctx.Err()
	}
}

func (g *turnGate) release(userID string, l *userLock) {
	g.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(g.locks, userID)
	}
	g.mu.Unlock()
}

// do runs fn under userID's lock. Concurrent calls with the same user id and
// dedupKey share a single execution; shared reports whether the result was
// shared with another caller. fn keeps running while any caller still waits
// for it, and each caller returns early when its own ctx is done.
func (g *turnGate) do(ctx context.Context, userID, dedupKey string, fn func(ctx context.Context) (any, error)) (v any, shared bool, err error) {
	key := userID + "\x00" + dedupKey
	f := g.join(ctx, key)

	ch := g.calls.DoChan(key, func() (any, error) {
		unlock, err := g.lock(f.ctx, userID)
		if err != nil {
			return nil, err
		}
		defer unlock()
		return fn(f.ctx)
	})
	select {
	case res := <-ch:
		g.leave(key, f, false)
		return res.Val, res.Shared, res.Err
	case <-ctx.Done():
		g.leave(key, f, true)
		return nil, false, ctx.Err()
	}
}

func (g *turnGate) join(ctx context.Context, key string) *flight {
	g.mu.Lock()
	defer g.mu.Unlock()
	f, ok := g.flights[key]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		g.flights[key] = f
	}
	f.waiters++
	return f
}

// leave drops one waiter. When the last waiter abandons the flight its
// execution is cancelled and forgotten, so a later duplicate starts afresh.
func (g *turnGate) leave(key string, f *flight, abandoned bool) {
	g.mu.Lock()
	f.waiters--
	last := f.waiters == 0
	if last && g.flights[key] == f {
		delete(g.flights, key)
		if abandoned {
			g.calls.Forget(key)
		}
	}
	g.mu.Unlock()
	if last {
		f.cancel()
	}
}

// pending reports how many user ids currently have a holder or waiter.
func (g *turnGate) pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.locks)
}
