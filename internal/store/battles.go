package store

import (
	"context"
	"fmt"
	"time"

	"github.com/wnt/memewars/internal/metrics"
	"github.com/wnt/memewars/internal/models"
	"github.com/wnt/memewars/internal/realtime"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CreateBattle inserts a battle
func (s *Store) CreateBattle(ctx context.Context, battle *models.Battle) error {
	err := s.db.WithContext(ctx).Omit(clause.Associations).Create(battle).Error
	metrics.RecordDatabaseOperation("insert_battle", err)
	if err != nil {
		return fmt.Errorf("failed to create battle: %w", translate(err))
	}
	return nil
}

// GetBattle returns a battle without its children
func (s *Store) GetBattle(ctx context.Context, battleID string) (*models.Battle, error) {
	var battle models.Battle
	err := s.db.WithContext(ctx).Where("id = ?", battleID).First(&battle).Error
	metrics.RecordDatabaseOperation("select_battle", ignoreNotFound(err))
	if err != nil {
		return nil, fmt.Errorf("failed to get battle: %w", translate(err))
	}
	return &battle, nil
}

// GetActiveBattle returns the active battle with its memes, votes and
// comments in one aggregate. When several battles are active the most
// recently started one wins.
func (s *Store) GetActiveBattle(ctx context.Context) (*models.Battle, error) {
	var battle models.Battle
	err := withChildren(s.db.WithContext(ctx)).
		Where("status = ?", models.BattleActive).
		Order("start_time DESC").
		First(&battle).Error
	metrics.RecordDatabaseOperation("select_active_battle", ignoreNotFound(err))
	if err != nil {
		return nil, fmt.Errorf("failed to get active battle: %w", translate(err))
	}
	return &battle, nil
}

// GetBattleAggregate returns a battle with its memes, votes and comments
func (s *Store) GetBattleAggregate(ctx context.Context, battleID string) (*models.Battle, error) {
	var battle models.Battle
	err := withChildren(s.db.WithContext(ctx)).Where("id = ?", battleID).First(&battle).Error
	metrics.RecordDatabaseOperation("select_battle", ignoreNotFound(err))
	if err != nil {
		return nil, fmt.Errorf("failed to get battle: %w", translate(err))
	}
	return &battle, nil
}

func withChildren(db *gorm.DB) *gorm.DB {
	return db.
		Preload("Memes", orderByCreated).
		Preload("Votes", orderByCreated).
		Preload("Comments", orderByCreated)
}

func orderByCreated(db *gorm.DB) *gorm.DB {
	return db.Order("created_at ASC").Order("id ASC")
}

// GetComments returns a battle's comments oldest first
func (s *Store) GetComments(ctx context.Context, battleID string) ([]models.Comment, error) {
	var comments []models.Comment
	err := orderByCreated(s.db.WithContext(ctx).Where("battle_id = ?", battleID)).Find(&comments).Error
	metrics.RecordDatabaseOperation("select_comments", err)
	if err != nil {
		return nil, fmt.Errorf("failed to get comments: %w", err)
	}
	return comments, nil
}

// GetVoteStatus returns the user's vote in a battle, or ErrNotFound
func (s *Store) GetVoteStatus(ctx context.Context, battleID, userID string) (*models.Vote, error) {
	var vote models.Vote
	err := s.db.WithContext(ctx).
		Where("battle_id = ? AND user_id = ?", battleID, userID).
		First(&vote).Error
	metrics.RecordDatabaseOperation("select_vote", ignoreNotFound(err))
	if err != nil {
		return nil, fmt.Errorf("failed to get vote status: %w", translate(err))
	}
	return &vote, nil
}

// UpsertVote records the user's side in a battle. A second vote updates the
// existing row; created reports whether a new row was inserted.
func (s *Store) UpsertVote(ctx context.Context, battleID, userID string, team models.Team) (*models.Vote, bool, error) {
	if !team.IsSide() {
		return nil, false, fmt.Errorf("invalid vote side %q", team)
	}

	var (
		vote    models.Vote
		created bool
		tally   realtime.Tally
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// The insert itself decides whether this is the first vote; a
		// concurrent first vote from the same user falls through to the update.
		row := models.Vote{BattleID: battleID, UserID: userID, Team: team}
		result := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "battle_id"}, {Name: "user_id"}},
			DoNothing: true,
		}).Create(&row)
		if result.Error != nil {
			return result.Error
		}
		created = result.RowsAffected == 1

		if !created {
			if err := tx.Model(&models.Vote{}).
				Where("battle_id = ? AND user_id = ?", battleID, userID).
				Updates(map[string]interface{}{"team": team, "updated_at": time.Now().UTC()}).Error; err != nil {
				return err
			}
		}

		if err := tx.Where("battle_id = ? AND user_id = ?", battleID, userID).First(&vote).Error; err != nil {
			return err
		}

		var err error
		tally, err = countVotes(tx, battleID)
		return err
	})
	metrics.RecordDatabaseOperation("upsert_vote", err)
	if err != nil {
		return nil, false, fmt.Errorf("failed to upsert vote: %w", translate(err))
	}

	eventType := realtime.Update
	if created {
		eventType = realtime.Insert
	}
	published := vote
	s.publish(ctx, realtime.Event{
		Table:    realtime.TableVotes,
		Type:     eventType,
		BattleID: battleID,
		Vote:     &published,
		Tally:    &tally,
	})

	return &vote, created, nil
}

// countVotes tallies a battle's votes per side
func countVotes(tx *gorm.DB, battleID string) (realtime.Tally, error) {
	var rows []struct {
		Team  models.Team
		Count int
	}
	err := tx.Model(&models.Vote{}).
		Select("team, COUNT(*) AS count").
		Where("battle_id = ?", battleID).
		Group("team").
		Scan(&rows).Error
	if err != nil {
		return realtime.Tally{}, err
	}

	var tally realtime.Tally
	for _, row := range rows {
		switch row.Team {
		case models.TeamLeft:
			tally.Left = row.Count
		case models.TeamRight:
			tally.Right = row.Count
		}
	}
	return tally, nil
}

// InsertComment stores a comment. The id may be supplied by the caller so
// optimistic copies and realtime echoes share it.
func (s *Store) InsertComment(ctx context.Context, comment *models.Comment) error {
	err := s.db.WithContext(ctx).Create(comment).Error
	metrics.RecordDatabaseOperation("insert_comment", err)
	if err != nil {
		return fmt.Errorf("failed to insert comment: %w", translate(err))
	}

	published := *comment
	s.publish(ctx, realtime.Event{
		Table:    realtime.TableComments,
		Type:     realtime.Insert,
		BattleID: comment.BattleID,
		Comment:  &published,
	})
	return nil
}

// InsertMeme stores a submitted meme
func (s *Store) InsertMeme(ctx context.Context, meme *models.Meme) error {
	err := s.db.WithContext(ctx).Create(meme).Error
	metrics.RecordDatabaseOperation("insert_meme", err)
	if err != nil {
		return fmt.Errorf("failed to insert meme: %w", translate(err))
	}

	published := *meme
	s.publish(ctx, realtime.Event{
		Table:    realtime.TableMemes,
		Type:     realtime.Insert,
		BattleID: meme.BattleID,
		Meme:     &published,
	})
	return nil
}

// SetMemeLike records or removes userID's like on a meme. Counters move only
// when the like row actually changed, so repeating a like or unliking a meme
// the user never liked leaves them untouched. changed reports whether it did.
func (s *Store) SetMemeLike(ctx context.Context, memeID, userID string, liked bool) (*models.Meme, bool, error) {
	var meme models.Meme
	var changed bool

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", memeID).First(&meme).Error; err != nil {
			return err
		}

		var result *gorm.DB
		if liked {
			result = tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "meme_id"}, {Name: "user_id"}},
				DoNothing: true,
			}).Create(&models.MemeLike{MemeID: memeID, UserID: userID})
		} else {
			result = tx.Where("meme_id = ? AND user_id = ?", memeID, userID).Delete(&models.MemeLike{})
		}
		if result.Error != nil {
			return result.Error
		}
		changed = result.RowsAffected == 1
		if !changed {
			return nil
		}

		delta := 1
		likes := tx.Model(&models.Meme{}).Where("id = ?", memeID)
		if !liked {
			delta = -1
			likes = likes.Where("likes_count > 0")
		}
		if err := likes.UpdateColumn("likes_count", gorm.Expr("likes_count + ?", delta)).Error; err != nil {
			return err
		}

		if meme.UserID != "" {
			if err := tx.Model(&models.User{}).
				Where("id = ?", meme.UserID).
				UpdateColumn(string(models.StatVotesReceived), gorm.Expr(string(models.StatVotesReceived)+" + ?", delta)).Error; err != nil {
				return err
			}
		}

		return tx.Where("id = ?", memeID).First(&meme).Error
	})
	metrics.RecordDatabaseOperation("update_meme_likes", ignoreNotFound(err))
	if err != nil {
		return nil, false, fmt.Errorf("failed to like meme: %w", translate(err))
	}

	if changed {
		published := meme
		s.publish(ctx, realtime.Event{
			Table:    realtime.TableMemes,
			Type:     realtime.Update,
			BattleID: meme.BattleID,
			Meme:     &published,
		})
	}
	return &meme, changed, nil
}

// TopMemes returns memes ranked by likes across all battles
func (s *Store) TopMemes(ctx context.Context, limit int) ([]models.Meme, error) {
	var memes []models.Meme
	err := s.db.WithContext(ctx).
		Order("likes_count DESC").
		Order("created_at ASC").
		Limit(clampLimit(limit)).
		Find(&memes).Error
	metrics.RecordDatabaseOperation("select_top_memes", err)
	if err != nil {
		return nil, fmt.Errorf("failed to load top memes: %w", err)
	}
	return memes, nil
}
