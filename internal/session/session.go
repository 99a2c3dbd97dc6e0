// Package session resolves a connected wallet to a persisted user and keeps
// the resulting sessions for the HTTP surface.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/wnt/memewars/internal/logger"
	"github.com/wnt/memewars/internal/models"
	"github.com/wnt/memewars/internal/store"
	"github.com/wnt/memewars/internal/username"
	"github.com/wnt/memewars/internal/wallet"
)

// maxCreateAttempts bounds retries when a generated username is already taken
const maxCreateAttempts = 5

// Users is the slice of storage the resolver needs
type Users interface {
	GetUserByWallet(ctx context.Context, walletAddress string) (*models.User, error)
	CreateUser(ctx context.Context, user *models.User) error
	LogWalletActivity(ctx context.Context, activity *models.WalletActivity) error
}

// Session is the current user for one connected wallet
type Session struct {
	mu       sync.RWMutex
	user     models.User
	lastSeen time.Time

	users     Users
	logger    zerolog.Logger
	done      chan struct{}
	closeOnce sync.Once
}

// UserID returns the resolved user's id
func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user.ID
}

// WalletAddress returns the connected wallet address
func (s *Session) WalletAddress() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user.WalletAddress
}

// User returns a copy of the resolved user
func (s *Session) User() models.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

// SetUser replaces the cached user after a profile change
func (s *Session) SetUser(user models.User) {
	s.mu.Lock()
	s.user = user
	s.mu.Unlock()
}

// Touch marks the session as in use
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// LastSeen returns when the session was last used
func (s *Session) LastSeen() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSeen
}

// Done is closed when the session is closed
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close records the wallet disconnect. Only the first call has any effect.
func (s *Session) Close(ctx context.Context) {
	s.closeOnce.Do(func() {
		close(s.done)
		user := s.User()
		logActivity(ctx, s.users, s.logger, &user, models.ActivityDisconnect, nil)
	})
}

// Resolver turns a wallet connection into a Session
type Resolver struct {
	users  Users
	names  *username.Generator
	logger zerolog.Logger
}

// NewResolver creates a resolver. A nil generator uses the global random source.
func NewResolver(users Users, names *username.Generator, log zerolog.Logger) *Resolver {
	return &Resolver{
		users:  users,
		names:  names,
		logger: logger.WithComponent(log, "session"),
	}
}

// Connect resolves the adapter's wallet to a user, creating one on first
// connection. It returns nil when the wallet is not connected or resolution
// fails; failures are logged and the caller stays anonymous.
func (r *Resolver) Connect(ctx context.Context, adapter wallet.Adapter) *Session {
	if adapter == nil || !adapter.Connected() || adapter.Address() == "" {
		return nil
	}
	address := adapter.Address()
	log := logger.WithWallet(r.logger, address)

	user, created, err := r.resolve(ctx, address)
	if err != nil {
		log.Error().Err(err).Msg("Failed to resolve user for wallet")
		return nil
	}

	logActivity(ctx, r.users, log, user, models.ActivityConnect, map[string]interface{}{
		"new_user": created,
	})

	log.Info().
		Str("user_id", user.ID).
		Str("username", user.Username).
		Bool("new_user", created).
		Msg("Wallet connected")

	return &Session{
		user:     *user,
		lastSeen: time.Now(),
		users:    r.users,
		logger:   log,
		done:     make(chan struct{}),
	}
}

// resolve looks the wallet up and creates a user only on a miss. A create
// that loses a race on the wallet index falls back to the winner's row; one
// that collides on username retries with a fresh name.
func (r *Resolver) resolve(ctx context.Context, address string) (*models.User, bool, error) {
	user, err := r.users.GetUserByWallet(ctx, address)
	if err == nil {
		return user, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	var lastErr error
	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		candidate := &models.User{
			WalletAddress: address,
			Username:      r.names.Generate(),
			Team:          models.TeamNone,
		}

		err := r.users.CreateUser(ctx, candidate)
		if err == nil {
			return candidate, true, nil
		}
		if !errors.Is(err, store.ErrDuplicate) {
			return nil, false, err
		}
		lastErr = err

		existing, lookupErr := r.users.GetUserByWallet(ctx, address)
		if lookupErr == nil {
			return existing, false, nil
		}
		if !errors.Is(lookupErr, store.ErrNotFound) {
			return nil, false, lookupErr
		}

		r.logger.Debug().
			Str("wallet", address).
			Str("username", candidate.Username).
			Int("attempt", attempt+1).
			Msg("Generated username taken, retrying")
	}

	return nil, false, lastErr
}

func logActivity(ctx context.Context, users Users, log zerolog.Logger, user *models.User, activityType string, metadata map[string]interface{}) {
	if user == nil || user.ID == "" {
		return
	}

	encoded := "{}"
	if len(metadata) > 0 {
		if raw, err := json.Marshal(metadata); err == nil {
			encoded = string(raw)
		}
	}

	err := users.LogWalletActivity(ctx, &models.WalletActivity{
		UserID:        user.ID,
		WalletAddress: user.WalletAddress,
		ActivityType:  activityType,
		Metadata:      encoded,
	})
	if err != nil {
		log.Warn().Err(err).Str("activity", activityType).Msg("Failed to log wallet activity")
	}
}
