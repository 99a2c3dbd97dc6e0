package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/wnt/memewars/internal/logger"
	"github.com/wnt/memewars/internal/metrics"
	"github.com/wnt/memewars/internal/wallet"
	"golang.org/x/sync/singleflight"
)

// Registry keeps one live session per wallet address and closes sessions
// that have been idle longer than the TTL
type Registry struct {
	resolver *Resolver
	ttl      time.Duration
	logger   zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	group    singleflight.Group
}

// NewRegistry creates an empty registry
func NewRegistry(resolver *Resolver, ttl time.Duration, log zerolog.Logger) *Registry {
	return &Registry{
		resolver: resolver,
		ttl:      ttl,
		logger:   logger.WithComponent(log, "session_registry"),
		sessions: make(map[string]*Session),
	}
}

// Connect returns the registered session for the adapter's wallet, resolving
// and registering one if needed. Concurrent connects for one address share
// a single resolution. Returns nil for anonymous callers.
func (r *Registry) Connect(ctx context.Context, adapter wallet.Adapter) *Session {
	if adapter == nil || !adapter.Connected() {
		return nil
	}
	address := adapter.Address()

	if sess, ok := r.Get(address); ok {
		return sess
	}

	result, _, _ := r.group.Do(address, func() (interface{}, error) {
		if sess, ok := r.Get(address); ok {
			return sess, nil
		}

		sess := r.resolver.Connect(ctx, adapter)
		if sess == nil {
			return (*Session)(nil), nil
		}

		r.mu.Lock()
		r.sessions[address] = sess
		metrics.ActiveSessions.Set(float64(len(r.sessions)))
		r.mu.Unlock()
		return sess, nil
	})

	return result.(*Session)
}

// Get returns the live session for address and marks it as used
func (r *Registry) Get(address string) (*Session, bool) {
	r.mu.RLock()
	sess, ok := r.sessions[address]
	r.mu.RUnlock()

	if ok {
		sess.Touch()
	}
	return sess, ok
}

// Disconnect closes and forgets the session for address
func (r *Registry) Disconnect(ctx context.Context, address string) bool {
	r.mu.Lock()
	sess, ok := r.sessions[address]
	delete(r.sessions, address)
	metrics.ActiveSessions.Set(float64(len(r.sessions)))
	r.mu.Unlock()

	if ok {
		sess.Close(ctx)
		r.logger.Info().Str("wallet", address).Msg("Wallet disconnected")
	}
	return ok
}

// Len returns the number of live sessions
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Reap closes sessions idle since before now-TTL and returns how many it closed
func (r *Registry) Reap(ctx context.Context, now time.Time) int {
	cutoff := now.Add(-r.ttl)

	r.mu.Lock()
	var stale []*Session
	for address, sess := range r.sessions {
		if sess.LastSeen().Before(cutoff) {
			stale = append(stale, sess)
			delete(r.sessions, address)
		}
	}
	metrics.ActiveSessions.Set(float64(len(r.sessions)))
	r.mu.Unlock()

	for _, sess := range stale {
		sess.Close(ctx)
		r.logger.Info().
			Str("wallet", sess.WalletAddress()).
			Dur("idle", now.Sub(sess.LastSeen())).
			Msg("Closed idle session")
	}

	return len(stale)
}

// Run reaps idle sessions until ctx is cancelled, then closes the rest
func (r *Registry) Run(ctx context.Context) error {
	interval := r.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info().Dur("ttl", r.ttl).Msg("Starting session reaper")

	for {
		select {
		case <-ctx.Done():
			r.CloseAll(context.Background())
			return ctx.Err()
		case now := <-ticker.C:
			if closed := r.Reap(ctx, now); closed > 0 {
				r.logger.Info().Int("count", closed).Msg("Reaped idle sessions")
			}
		}
	}
}

// CloseAll closes every live session
func (r *Registry) CloseAll(ctx context.Context) {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	metrics.ActiveSessions.Set(0)
	r.mu.Unlock()

	for _, sess := range sessions {
		sess.Close(ctx)
	}
}
