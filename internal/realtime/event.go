// Package realtime carries battle change events from writers to live views.
package realtime

import (
	"context"
	"fmt"

	"github.com/wnt/memewars/internal/models"
)

// Table names the entity an event describes
type Table string

const (
	TableVotes    Table = "votes"
	TableComments Table = "comments"
	TableMemes    Table = "memes"
)

// Tables lists every table a battle subscription listens on
var Tables = []Table{TableVotes, TableComments, TableMemes}

// EventType is the kind of row change
type EventType string

const (
	Insert EventType = "INSERT"
	Update EventType = "UPDATE"
	Delete EventType = "DELETE"
)

// Tally is an aggregate vote count for a battle
type Tally struct {
	Left  int `json:"left"`
	Right int `json:"right"`
}

// Total returns the number of votes in the tally
func (t Tally) Total() int {
	return t.Left + t.Right
}

// Event is a single change to a battle's votes, comments or memes.
// Exactly one of Vote, Comment and Meme is set, matching Table.
type Event struct {
	Table    Table           `json:"table"`
	Type     EventType       `json:"type"`
	BattleID string          `json:"battle_id"`
	Vote     *models.Vote    `json:"vote,omitempty"`
	Comment  *models.Comment `json:"comment,omitempty"`
	Meme     *models.Meme    `json:"meme,omitempty"`
	Tally    *Tally          `json:"tally,omitempty"`
}

// Validate checks that the payload matches the table
func (e Event) Validate() error {
	if e.BattleID == "" {
		return fmt.Errorf("event has no battle id")
	}
	switch e.Table {
	case TableVotes:
		if e.Vote == nil {
			return fmt.Errorf("votes event has no vote")
		}
	case TableComments:
		if e.Comment == nil {
			return fmt.Errorf("comments event has no comment")
		}
	case TableMemes:
		if e.Meme == nil {
			return fmt.Errorf("memes event has no meme")
		}
	default:
		return fmt.Errorf("unknown table %q", e.Table)
	}
	return nil
}

// Channel returns the pub/sub channel name for one table of a battle
func Channel(battleID string, table Table) string {
	return fmt.Sprintf("battle:%s:%s", battleID, table)
}

// Channels returns every channel a battle subscription listens on
func Channels(battleID string) []string {
	channels := make([]string, 0, len(Tables))
	for _, table := range Tables {
		channels = append(channels, Channel(battleID, table))
	}
	return channels
}

// Bus publishes battle events and hands out per-battle subscriptions
type Bus interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context, battleID string) (Subscription, error)
}

// Subscription is a cancellable stream of events for one battle. Events is
// closed after Close, or earlier if the underlying transport fails.
type Subscription interface {
	Events() <-chan Event
	Close() error
}
