package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Team is the faction a user, meme, vote or comment belongs to
type Team string

const (
	TeamNone  Team = "none"
	TeamLeft  Team = "left"
	TeamRight Team = "right"
)

// IsSide reports whether t is one of the two battle sides
func (t Team) IsSide() bool {
	return t == TeamLeft || t == TeamRight
}

// Valid reports whether t is a known team value
func (t Team) Valid() bool {
	return t == TeamNone || t.IsSide()
}

// User represents a wallet-identified Meme Wars participant
type User struct {
	ID            string    `gorm:"primaryKey;size:36" json:"id"`
	WalletAddress string    `gorm:"size:44;uniqueIndex;not null" json:"wallet_address"`
	Username      string    `gorm:"size:64;uniqueIndex;not null" json:"username"`
	Team          Team      `gorm:"size:8;default:none;not null" json:"team"`
	AvatarURL     string    `json:"avatar_url,omitempty"`
	Bio           string    `json:"bio,omitempty"`
	CreatedAt     time.Time `gorm:"index" json:"joined_at"`
	UpdatedAt     time.Time `json:"-"`

	// Aggregate counters
	TotalMemesSubmitted int `gorm:"default:0" json:"total_memes_submitted"`
	TotalVotesCast      int `gorm:"default:0" json:"total_votes_cast"`
	TotalVotesReceived  int `gorm:"default:0;index" json:"total_votes_received"`
	TotalWins           int `gorm:"default:0" json:"total_wins"`
	TotalComments       int `gorm:"default:0" json:"total_comments"`
}

// BeforeCreate assigns a UUID when the caller did not supply one
func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.Team == "" {
		u.Team = TeamNone
	}
	return nil
}

// UserStat names a counter column on the users table
type UserStat string

const (
	StatMemesSubmitted UserStat = "total_memes_submitted"
	StatVotesCast      UserStat = "total_votes_cast"
	StatVotesReceived  UserStat = "total_votes_received"
	StatWins           UserStat = "total_wins"
	StatComments       UserStat = "total_comments"
)

// Valid reports whether s names a counter column
func (s UserStat) Valid() bool {
	switch s {
	case StatMemesSubmitted, StatVotesCast, StatVotesReceived, StatWins, StatComments:
		return true
	}
	return false
}

// Activity types recorded in the wallet activity log
const (
	ActivityConnect    = "connect"
	ActivityDisconnect = "disconnect"
)

// WalletActivity is an append-only log of wallet connect/disconnect events
type WalletActivity struct {
	ID            string    `gorm:"primaryKey;size:36" json:"id"`
	UserID        string    `gorm:"size:36;index;not null" json:"user_id"`
	WalletAddress string    `gorm:"size:44;index;not null" json:"wallet_address"`
	ActivityType  string    `gorm:"size:16;not null" json:"activity_type"`
	Metadata      string    `gorm:"type:text" json:"metadata"`
	CreatedAt     time.Time `gorm:"index" json:"created_at"`
}

// BeforeCreate assigns a UUID when the caller did not supply one
func (a *WalletActivity) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return nil
}
