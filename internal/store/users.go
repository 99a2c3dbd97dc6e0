package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/wnt/memewars/internal/metrics"
	"github.com/wnt/memewars/internal/models"
	"gorm.io/gorm"
)

// GetUserByWallet looks up a user by wallet address
func (s *Store) GetUserByWallet(ctx context.Context, walletAddress string) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).Where("wallet_address = ?", walletAddress).First(&user).Error
	metrics.RecordDatabaseOperation("select_user", ignoreNotFound(err))
	if err != nil {
		return nil, fmt.Errorf("failed to get user by wallet: %w", translate(err))
	}
	return &user, nil
}

// GetUser looks up a user by id
func (s *Store) GetUser(ctx context.Context, userID string) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).Where("id = ?", userID).First(&user).Error
	metrics.RecordDatabaseOperation("select_user", ignoreNotFound(err))
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", translate(err))
	}
	return &user, nil
}

// CreateUser inserts a new user. Unique violations on wallet address or
// username return ErrDuplicate.
func (s *Store) CreateUser(ctx context.Context, user *models.User) error {
	err := s.db.WithContext(ctx).Create(user).Error
	metrics.RecordDatabaseOperation("insert_user", err)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", translate(err))
	}
	return nil
}

// UpdateUsername changes a user's username, rejecting names owned by someone else
func (s *Store) UpdateUsername(ctx context.Context, userID, username string) error {
	return s.UpdateUserProfile(ctx, userID, ProfileUpdate{Username: &username})
}

// UpdateUserProfile applies the non-nil fields of update
func (s *Store) UpdateUserProfile(ctx context.Context, userID string, update ProfileUpdate) error {
	changes := map[string]interface{}{}
	if update.Username != nil {
		changes["username"] = *update.Username
	}
	if update.Team != nil {
		if !update.Team.Valid() {
			return fmt.Errorf("invalid team %q", *update.Team)
		}
		changes["team"] = *update.Team
	}
	if update.AvatarURL != nil {
		changes["avatar_url"] = *update.AvatarURL
	}
	if update.Bio != nil {
		changes["bio"] = *update.Bio
	}
	if len(changes) == 0 {
		return nil
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if update.Username != nil {
			var owners int64
			if err := tx.Model(&models.User{}).
				Where("username = ? AND id <> ?", *update.Username, userID).
				Count(&owners).Error; err != nil {
				return err
			}
			if owners > 0 {
				return ErrUsernameTaken
			}
		}

		result := tx.Model(&models.User{}).Where("id = ?", userID).Updates(changes)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
	metrics.RecordDatabaseOperation("update_user", ignoreNotFound(err))

	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrUsernameTaken), errors.Is(err, gorm.ErrDuplicatedKey) && update.Username != nil:
		return ErrUsernameTaken
	}
	return fmt.Errorf("failed to update user: %w", translate(err))
}

// IncrementUserStat adds delta to one of the user's counters
func (s *Store) IncrementUserStat(ctx context.Context, userID string, stat models.UserStat, delta int) error {
	if !stat.Valid() {
		return fmt.Errorf("unknown user stat %q", stat)
	}

	result := s.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", userID).
		UpdateColumn(string(stat), gorm.Expr(string(stat)+" + ?", delta))
	metrics.RecordDatabaseOperation("increment_stat", result.Error)

	if result.Error != nil {
		return fmt.Errorf("failed to increment %s: %w", stat, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("failed to increment %s: %w", stat, ErrNotFound)
	}
	return nil
}

// LogWalletActivity appends a connect/disconnect record
func (s *Store) LogWalletActivity(ctx context.Context, activity *models.WalletActivity) error {
	if activity.Metadata == "" {
		activity.Metadata = "{}"
	}
	err := s.db.WithContext(ctx).Create(activity).Error
	metrics.RecordDatabaseOperation("insert_wallet_activity", err)
	if err != nil {
		return fmt.Errorf("failed to log wallet activity: %w", err)
	}
	return nil
}

// Leaderboard returns users ranked by votes received on their memes
func (s *Store) Leaderboard(ctx context.Context, limit int) ([]models.User, error) {
	var users []models.User
	err := s.db.WithContext(ctx).
		Order("total_votes_received DESC").
		Order("total_memes_submitted DESC").
		Order("created_at ASC").
		Limit(clampLimit(limit)).
		Find(&users).Error
	metrics.RecordDatabaseOperation("select_leaderboard", err)
	if err != nil {
		return nil, fmt.Errorf("failed to load leaderboard: %w", err)
	}
	return users, nil
}

func ignoreNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	return err
}
