package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Battle statuses
const (
	BattleActive   = "active"
	BattleUpcoming = "upcoming"
	BattleFinished = "finished"
)

// Battle is a time-boxed competition between the memes of two teams
type Battle struct {
	ID        string     `gorm:"primaryKey;size:36" json:"id"`
	Status    string     `gorm:"size:16;index;not null" json:"status"`
	LeftName  string     `gorm:"size:64" json:"left_name"`
	RightName string     `gorm:"size:64" json:"right_name"`
	StartTime time.Time  `gorm:"index" json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	CreatedAt time.Time  `json:"created_at"`

	// Relationships
	Memes    []Meme    `gorm:"foreignKey:BattleID" json:"memes"`
	Votes    []Vote    `gorm:"foreignKey:BattleID" json:"votes"`
	Comments []Comment `gorm:"foreignKey:BattleID" json:"comments"`
}

// IsActive reports whether the battle is open for voting and submissions
func (b *Battle) IsActive() bool {
	return b != nil && b.Status == BattleActive
}

// BeforeCreate assigns a UUID when the caller did not supply one
func (b *Battle) BeforeCreate(tx *gorm.DB) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	return nil
}

// Meme is a submitted image competing for one side of a battle
type Meme struct {
	ID             string    `gorm:"primaryKey;size:36" json:"id"`
	BattleID       string    `gorm:"size:36;index;not null" json:"battle_id"`
	UserID         string    `gorm:"size:36;index;not null" json:"user_id"`
	Team           Team      `gorm:"size:8;not null" json:"team"`
	ImageURL       string    `gorm:"not null" json:"image_url"`
	SubmissionName string    `gorm:"size:128;not null" json:"submission_name"`
	TwitterHandle  string    `gorm:"size:64" json:"twitter_handle,omitempty"`
	TelegramHandle string    `gorm:"size:64" json:"telegram_handle,omitempty"`
	WalletAddress  string    `gorm:"size:44" json:"wallet_address,omitempty"`
	LikesCount     int       `gorm:"default:0;index" json:"likes_count"`
	CreatedAt      time.Time `json:"created_at"`
}

// BeforeCreate assigns a UUID when the caller did not supply one
func (m *Meme) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}

// MemeLike records that a user liked a meme. (meme_id, user_id) is unique.
type MemeLike struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	MemeID    string    `gorm:"size:36;not null;uniqueIndex:idx_meme_likes_meme_user,priority:1" json:"meme_id"`
	UserID    string    `gorm:"size:36;not null;uniqueIndex:idx_meme_likes_meme_user,priority:2;index" json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// BeforeCreate assigns a UUID when the caller did not supply one
func (l *MemeLike) BeforeCreate(tx *gorm.DB) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	return nil
}

// Vote records which side a user picked in a battle.
// (battle_id, user_id) is unique: a second vote updates the first.
type Vote struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	BattleID  string    `gorm:"size:36;not null;uniqueIndex:idx_votes_battle_user,priority:1" json:"battle_id"`
	UserID    string    `gorm:"size:36;not null;uniqueIndex:idx_votes_battle_user,priority:2" json:"user_id"`
	Team      Team      `gorm:"size:8;not null" json:"team"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate assigns a UUID when the caller did not supply one
func (v *Vote) BeforeCreate(tx *gorm.DB) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	return nil
}

// Comment is a chat message posted in a battle
type Comment struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	BattleID  string    `gorm:"size:36;index:idx_comments_battle_created,priority:1;not null" json:"battle_id"`
	UserID    string    `gorm:"size:36;index;not null" json:"user_id"`
	Username  string    `gorm:"size:64" json:"username"`
	Team      Team      `gorm:"size:8;not null" json:"team"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	CreatedAt time.Time `gorm:"index:idx_comments_battle_created,priority:2" json:"created_at"`
}

// BeforeCreate assigns a UUID when the caller did not supply one
func (c *Comment) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}
