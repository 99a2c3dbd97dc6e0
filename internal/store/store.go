// Package store is the relational storage boundary for users, battles,
// memes, votes and comments. Writes that change a battle are published to
// the realtime bus after they commit.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/wnt/memewars/internal/logger"
	"github.com/wnt/memewars/internal/metrics"
	"github.com/wnt/memewars/internal/models"
	"github.com/wnt/memewars/internal/realtime"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when the requested row does not exist
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a write violates a unique index
	ErrDuplicate = errors.New("duplicate")
	// ErrUsernameTaken is returned when another user already owns a username
	ErrUsernameTaken = errors.New("username already taken")
)

// ProfileUpdate holds the optional user fields to change; nil means unchanged
type ProfileUpdate struct {
	Username  *string
	Team      *models.Team
	AvatarURL *string
	Bio       *string
}

// Backend is everything the service reads from and writes to storage
type Backend interface {
	// Users
	GetUserByWallet(ctx context.Context, walletAddress string) (*models.User, error)
	GetUser(ctx context.Context, userID string) (*models.User, error)
	CreateUser(ctx context.Context, user *models.User) error
	UpdateUsername(ctx context.Context, userID, username string) error
	UpdateUserProfile(ctx context.Context, userID string, update ProfileUpdate) error
	IncrementUserStat(ctx context.Context, userID string, stat models.UserStat, delta int) error
	LogWalletActivity(ctx context.Context, activity *models.WalletActivity) error

	// Battles
	CreateBattle(ctx context.Context, battle *models.Battle) error
	GetBattle(ctx context.Context, battleID string) (*models.Battle, error)
	GetActiveBattle(ctx context.Context) (*models.Battle, error)
	GetBattleAggregate(ctx context.Context, battleID string) (*models.Battle, error)
	GetComments(ctx context.Context, battleID string) ([]models.Comment, error)
	GetVoteStatus(ctx context.Context, battleID, userID string) (*models.Vote, error)

	// Battle writes
	UpsertVote(ctx context.Context, battleID, userID string, team models.Team) (*models.Vote, bool, error)
	InsertComment(ctx context.Context, comment *models.Comment) error
	InsertMeme(ctx context.Context, meme *models.Meme) error
	SetMemeLike(ctx context.Context, memeID, userID string, liked bool) (*models.Meme, bool, error)

	// Rankings
	Leaderboard(ctx context.Context, limit int) ([]models.User, error)
	TopMemes(ctx context.Context, limit int) ([]models.Meme, error)
}

// Store is the gorm implementation of Backend
type Store struct {
	db     *gorm.DB
	bus    realtime.Bus
	logger zerolog.Logger
}

// New creates a store. bus may be nil, in which case nothing is published.
func New(db *gorm.DB, bus realtime.Bus, log zerolog.Logger) *Store {
	return &Store{
		db:     db,
		bus:    bus,
		logger: logger.WithComponent(log, "store"),
	}
}

// DB exposes the underlying connection
func (s *Store) DB() *gorm.DB {
	return s.db
}

// translate maps gorm errors onto the package sentinels
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	return err
}

// publish sends an event after a committed write. Failures are logged only:
// the write already succeeded and views can refresh.
func (s *Store) publish(ctx context.Context, event realtime.Event) {
	if s.bus == nil {
		return
	}

	err := s.bus.Publish(ctx, event)
	metrics.RecordPublish(string(event.Table), err)
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("battle_id", event.BattleID).
			Str("table", string(event.Table)).
			Msg("Failed to publish realtime event")
	}
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 100 {
		return 100
	}
	return limit
}
