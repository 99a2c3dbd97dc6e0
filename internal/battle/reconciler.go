// Package battle merges a fetched battle aggregate, realtime change events
// and local optimistic mutations into one view model.
package battle

import (
	"sort"

	"github.com/google/uuid"
	"github.com/wnt/memewars/internal/models"
	"github.com/wnt/memewars/internal/realtime"
	"github.com/wnt/memewars/internal/utils"
)

// ViewModel is the derived state presented for one battle
type ViewModel struct {
	BattleID        string           `json:"battle_id"`
	Status          string           `json:"status"`
	LeftName        string           `json:"left_name"`
	RightName       string           `json:"right_name"`
	LeftVotes       int              `json:"left_votes"`
	RightVotes      int              `json:"right_votes"`
	CurrentUserVote *models.Team     `json:"current_user_vote"`
	Comments        []models.Comment `json:"comments"`
	Memes           []models.Meme    `json:"memes"`
	Likes           map[string]int   `json:"likes"`
}

// CommentsNewestFirst returns the comments in list-view order
func (vm ViewModel) CommentsNewestFirst() []models.Comment {
	return utils.Reversed(vm.Comments)
}

type pendingVote struct {
	seq  uint64
	side models.Team
}

type pendingLike struct {
	seq   uint64
	delta int
}

// Reconciler holds the state of one battle for one user. It is not safe for
// concurrent use; View serializes access through its event loop.
type Reconciler struct {
	userID   string
	battle   models.Battle
	loaded   bool
	detached bool
	seq      uint64

	votes         map[string]models.Vote
	tally         realtime.Tally
	confirmedVote *models.Team
	pendingVote   *pendingVote

	comments        []models.Comment
	pendingComments map[string]uint64

	memes          []models.Meme
	confirmedLikes map[string]int
	pendingLikes   map[string][]pendingLike
}

// NewReconciler creates an empty reconciler for the given user; userID may
// be empty for anonymous viewers
func NewReconciler(userID string) *Reconciler {
	r := &Reconciler{userID: userID}
	r.reset()
	return r
}

func (r *Reconciler) reset() {
	r.battle = models.Battle{}
	r.loaded = false
	r.votes = make(map[string]models.Vote)
	r.tally = realtime.Tally{}
	r.confirmedVote = nil
	r.pendingVote = nil
	r.comments = nil
	r.pendingComments = make(map[string]uint64)
	r.memes = nil
	r.confirmedLikes = make(map[string]int)
	r.pendingLikes = make(map[string][]pendingLike)
}

// BattleID returns the loaded battle's id
func (r *Reconciler) BattleID() string {
	return r.battle.ID
}

// Load replaces all state with the fetched aggregate
func (r *Reconciler) Load(aggregate *models.Battle) {
	if r.detached || aggregate == nil {
		return
	}
	r.reset()

	r.battle = *aggregate
	r.battle.Memes, r.battle.Votes, r.battle.Comments = nil, nil, nil
	r.loaded = true

	for _, vote := range aggregate.Votes {
		r.votes[vote.UserID] = vote
	}
	r.tally = r.recount()
	if own, ok := r.votes[r.userID]; ok && r.userID != "" {
		team := own.Team
		r.confirmedVote = &team
	}

	r.comments = append([]models.Comment(nil), aggregate.Comments...)
	sort.SliceStable(r.comments, func(i, j int) bool {
		return r.comments[i].CreatedAt.Before(r.comments[j].CreatedAt)
	})

	r.memes = append([]models.Meme(nil), aggregate.Memes...)
	for _, meme := range aggregate.Memes {
		r.confirmedLikes[meme.ID] = meme.LikesCount
	}
}

// Detach stops the reconciler from accepting further events or commands
func (r *Reconciler) Detach() {
	r.detached = true
}

// Detached reports whether Detach was called
func (r *Reconciler) Detached() bool {
	return r.detached
}

func (r *Reconciler) accepts(event realtime.Event) bool {
	return !r.detached && r.loaded && event.BattleID == r.battle.ID
}

// ApplyEvent routes an event to the matching handler and reports whether state changed
func (r *Reconciler) ApplyEvent(event realtime.Event) bool {
	switch event.Table {
	case realtime.TableVotes:
		return r.ApplyVoteEvent(event)
	case realtime.TableComments:
		return r.ApplyCommentEvent(event)
	case realtime.TableMemes:
		return r.ApplyMemeEvent(event)
	}
	return false
}

// ApplyVoteEvent applies a vote row change and recounts the tally from the
// known rows. Tallies carried on events are not used: publishes are not
// ordered across writers, so an older tally can arrive last. A row older
// than the one already held for the same user is ignored.
func (r *Reconciler) ApplyVoteEvent(event realtime.Event) bool {
	if !r.accepts(event) || event.Vote == nil {
		return false
	}
	vote := *event.Vote

	if event.Type == realtime.Delete {
		delete(r.votes, vote.UserID)
	} else {
		if held, ok := r.votes[vote.UserID]; ok && vote.UpdatedAt.Before(held.UpdatedAt) {
			return false
		}
		r.votes[vote.UserID] = vote
	}
	r.tally = r.recount()

	if r.userID != "" && vote.UserID == r.userID {
		if event.Type == realtime.Delete {
			r.confirmedVote = nil
		} else {
			team := vote.Team
			r.confirmedVote = &team
		}
		r.pendingVote = nil
	}
	return true
}

// ApplyCommentEvent appends a new comment, or confirms an optimistic one with the same id
func (r *Reconciler) ApplyCommentEvent(event realtime.Event) bool {
	if !r.accepts(event) || event.Comment == nil {
		return false
	}
	comment := *event.Comment
	delete(r.pendingComments, comment.ID)

	idx := r.commentIndex(comment.ID)
	switch {
	case event.Type == realtime.Delete:
		if idx < 0 {
			return false
		}
		r.comments = append(r.comments[:idx], r.comments[idx+1:]...)
	case idx >= 0:
		r.comments[idx] = comment
	default:
		r.comments = append(r.comments, comment)
	}
	return true
}

// ApplyMemeEvent records a meme and its authoritative like count, dropping
// any pending local like changes for it
func (r *Reconciler) ApplyMemeEvent(event realtime.Event) bool {
	if !r.accepts(event) || event.Meme == nil {
		return false
	}
	meme := *event.Meme

	if idx := r.memeIndex(meme.ID); idx >= 0 {
		r.memes[idx] = meme
	} else {
		r.memes = append(r.memes, meme)
	}
	r.confirmedLikes[meme.ID] = meme.LikesCount
	delete(r.pendingLikes, meme.ID)
	return true
}

func (r *Reconciler) commentIndex(id string) int {
	for i := range r.comments {
		if r.comments[i].ID == id {
			return i
		}
	}
	return -1
}

func (r *Reconciler) memeIndex(id string) int {
	for i := range r.memes {
		if r.memes[i].ID == id {
			return i
		}
	}
	return -1
}

func (r *Reconciler) recount() realtime.Tally {
	rows := make([]models.Vote, 0, len(r.votes))
	for _, vote := range r.votes {
		rows = append(rows, vote)
	}
	counts := utils.CountBy(rows, func(v models.Vote) models.Team { return v.Team })
	return realtime.Tally{Left: counts[models.TeamLeft], Right: counts[models.TeamRight]}
}

// setOwnVote moves the user's row to side and recounts
func (r *Reconciler) setOwnVote(side models.Team) {
	if previous, ok := r.votes[r.userID]; ok {
		if previous.Team == side {
			return
		}
		previous.Team = side
		r.votes[r.userID] = previous
	} else {
		r.votes[r.userID] = models.Vote{BattleID: r.battle.ID, UserID: r.userID, Team: side}
	}
	r.tally = r.recount()
}

func adjust(tally *realtime.Tally, side models.Team, delta int) {
	switch side {
	case models.TeamLeft:
		tally.Left += delta
	case models.TeamRight:
		tally.Right += delta
	}
	if tally.Left < 0 {
		tally.Left = 0
	}
	if tally.Right < 0 {
		tally.Right = 0
	}
}

// likes returns the displayed count for a meme: confirmed plus pending deltas
func (r *Reconciler) likes(memeID string) int {
	count := r.confirmedLikes[memeID]
	for _, p := range r.pendingLikes[memeID] {
		count += p.delta
	}
	if count < 0 {
		return 0
	}
	return count
}

// Snapshot returns a deep copy of the current view model
func (r *Reconciler) Snapshot() ViewModel {
	vm := ViewModel{
		BattleID:  r.battle.ID,
		Status:    r.battle.Status,
		LeftName:  r.battle.LeftName,
		RightName: r.battle.RightName,
		Comments:  append([]models.Comment{}, r.comments...),
		Memes:     make([]models.Meme, len(r.memes)),
		Likes:     make(map[string]int, len(r.confirmedLikes)),
	}

	tally := r.tally
	current := r.confirmedVote
	if r.pendingVote != nil {
		if r.confirmedVote != nil {
			adjust(&tally, *r.confirmedVote, -1)
		}
		adjust(&tally, r.pendingVote.side, 1)
		current = &r.pendingVote.side
	}
	vm.LeftVotes, vm.RightVotes = tally.Left, tally.Right
	if current != nil {
		team := *current
		vm.CurrentUserVote = &team
	}

	for memeID := range r.confirmedLikes {
		vm.Likes[memeID] = r.likes(memeID)
	}
	for memeID := range r.pendingLikes {
		vm.Likes[memeID] = r.likes(memeID)
	}
	for i, meme := range r.memes {
		meme.LikesCount = r.likes(meme.ID)
		vm.Memes[i] = meme
	}
	return vm
}

// CommentsNewestFirst returns the comments in list-view order
func (r *Reconciler) CommentsNewestFirst() []models.Comment {
	return r.Snapshot().CommentsNewestFirst()
}

// Apply performs an optimistic command and returns the pending mutation
func (r *Reconciler) Apply(cmd Command) Mutation {
	if r.detached || !r.loaded || cmd == nil {
		return noop{}
	}
	r.seq++
	seq := r.seq

	switch c := cmd.(type) {
	case CastVote:
		if r.userID == "" || !c.Side.IsSide() {
			return noop{}
		}
		r.pendingVote = &pendingVote{seq: seq, side: c.Side}
		return &reconcilerMutation{r: r, seq: seq, cmd: c}

	case ToggleLike:
		delta := -1
		if c.Liked {
			delta = 1
		}
		r.pendingLikes[c.MemeID] = append(r.pendingLikes[c.MemeID], pendingLike{seq: seq, delta: delta})
		return &reconcilerMutation{r: r, seq: seq, cmd: c}

	case AppendComment:
		comment := c.Comment
		if comment.ID == "" {
			comment.ID = uuid.NewString()
		}
		if r.commentIndex(comment.ID) >= 0 {
			return noop{}
		}
		if comment.BattleID == "" {
			comment.BattleID = r.battle.ID
		}
		r.comments = append(r.comments, comment)
		r.pendingComments[comment.ID] = seq
		return &reconcilerMutation{r: r, seq: seq, cmd: AppendComment{Comment: comment}}
	}
	return noop{}
}

func (r *Reconciler) commit(seq uint64, cmd Command) {
	if r.detached {
		return
	}
	switch c := cmd.(type) {
	case CastVote:
		if r.pendingVote == nil || r.pendingVote.seq != seq {
			return
		}
		r.pendingVote = nil
		side := c.Side
		r.confirmedVote = &side
		r.setOwnVote(side)

	case ToggleLike:
		if delta, ok := r.takePendingLike(c.MemeID, seq); ok {
			r.confirmedLikes[c.MemeID] += delta
			if r.confirmedLikes[c.MemeID] < 0 {
				r.confirmedLikes[c.MemeID] = 0
			}
		}

	case AppendComment:
		if r.pendingComments[c.Comment.ID] == seq {
			delete(r.pendingComments, c.Comment.ID)
		}
	}
}

func (r *Reconciler) rollback(seq uint64, cmd Command) {
	if r.detached {
		return
	}
	switch c := cmd.(type) {
	case CastVote:
		if r.pendingVote != nil && r.pendingVote.seq == seq {
			r.pendingVote = nil
		}

	case ToggleLike:
		r.takePendingLike(c.MemeID, seq)

	case AppendComment:
		pending, ok := r.pendingComments[c.Comment.ID]
		if !ok || pending != seq {
			return
		}
		delete(r.pendingComments, c.Comment.ID)
		if idx := r.commentIndex(c.Comment.ID); idx >= 0 {
			r.comments = append(r.comments[:idx], r.comments[idx+1:]...)
		}
	}
}

// takePendingLike removes a pending like delta, reporting whether it was still pending
func (r *Reconciler) takePendingLike(memeID string, seq uint64) (int, bool) {
	pending := r.pendingLikes[memeID]
	for i, p := range pending {
		if p.seq != seq {
			continue
		}
		rest := append(pending[:i:i], pending[i+1:]...)
		if len(rest) == 0 {
			delete(r.pendingLikes, memeID)
		} else {
			r.pendingLikes[memeID] = rest
		}
		return p.delta, true
	}
	return 0, false
}
