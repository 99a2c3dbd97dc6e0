package battle

import (
	"sync"

	"github.com/wnt/memewars/internal/models"
)

// Command is an optimistic local change
type Command interface {
	Kind() string
}

// CastVote shows the user's vote on Side before the write is confirmed
type CastVote struct {
	Side models.Team
}

// ToggleLike shows a like (or unlike) on a meme before the write is confirmed
type ToggleLike struct {
	MemeID string
	Liked  bool
}

// AppendComment shows a comment before the write is confirmed. The comment
// id must match the id written so the realtime echo deduplicates.
type AppendComment struct {
	Comment models.Comment
}

func (CastVote) Kind() string      { return "vote" }
func (ToggleLike) Kind() string    { return "like" }
func (AppendComment) Kind() string { return "comment" }

// Mutation is a pending optimistic change. Commit folds it into the
// confirmed state; Rollback undoes it unless an authoritative update has
// already superseded it. Calls after the first are no-ops.
type Mutation interface {
	Commit()
	Rollback()
}

// Optimist accepts optimistic commands
type Optimist interface {
	Apply(cmd Command) Mutation
}

type noop struct{}

func (noop) Commit()   {}
func (noop) Rollback() {}

// Noop is a Mutation that does nothing
var Noop Mutation = noop{}

type reconcilerMutation struct {
	r    *Reconciler
	seq  uint64
	cmd  Command
	once sync.Once
}

func (m *reconcilerMutation) Commit() {
	m.once.Do(func() { m.r.commit(m.seq, m.cmd) })
}

func (m *reconcilerMutation) Rollback() {
	m.once.Do(func() { m.r.rollback(m.seq, m.cmd) })
}

// Multi applies each command to every optimist in the list
type Multi []Optimist

// Apply fans the command out and returns a mutation resolving all of them
func (m Multi) Apply(cmd Command) Mutation {
	mutations := make(multiMutation, 0, len(m))
	for _, optimist := range m {
		if optimist == nil {
			continue
		}
		mutations = append(mutations, optimist.Apply(cmd))
	}
	return mutations
}

type multiMutation []Mutation

func (m multiMutation) Commit() {
	for _, mutation := range m {
		mutation.Commit()
	}
}

func (m multiMutation) Rollback() {
	for _, mutation := range m {
		mutation.Rollback()
	}
}
