// Package submission implements the vote, meme, comment and like flows.
// Each flow validates locally, applies an optimistic change when an
// Optimist is given, writes through the store and commits or rolls back.
package submission

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/wnt/memewars/internal/battle"
	"github.com/wnt/memewars/internal/logger"
	"github.com/wnt/memewars/internal/metrics"
	"github.com/wnt/memewars/internal/models"
	"github.com/wnt/memewars/internal/objectstore"
	"github.com/wnt/memewars/internal/session"
	"github.com/wnt/memewars/internal/store"
	"github.com/wnt/memewars/internal/username"
)

const (
	// MaxImageBytes is the largest accepted meme image
	MaxImageBytes = 5 << 20
	// MaxCommentLength is the longest accepted comment, in characters
	MaxCommentLength = 500
)

// Service runs the submission flows
type Service struct {
	store    store.Backend
	uploader objectstore.Uploader
	logger   zerolog.Logger
}

// NewService creates a submission service
func NewService(backend store.Backend, uploader objectstore.Uploader, log zerolog.Logger) *Service {
	return &Service{
		store:    backend,
		uploader: uploader,
		logger:   logger.WithComponent(log, "submission"),
	}
}

func optimistOrNoop(optimist battle.Optimist, cmd battle.Command) battle.Mutation {
	if optimist == nil {
		return battle.Noop
	}
	return optimist.Apply(cmd)
}

// activeBattle loads the battle and checks it is open
func (s *Service) activeBattle(ctx context.Context, battleID string) error {
	b, err := s.store.GetBattle(ctx, battleID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrBattleInactive, battleID)
	}
	if err != nil {
		return err
	}
	if !b.IsActive() {
		return fmt.Errorf("%w: %s is %s", ErrBattleInactive, battleID, b.Status)
	}
	return nil
}

// CastVote records the session user's side in a battle. A second vote
// replaces the first.
func (s *Service) CastVote(ctx context.Context, sess *session.Session, battleID string, side models.Team, optimist battle.Optimist) (*models.Vote, error) {
	if sess == nil {
		return nil, ErrNoSession
	}
	if !side.IsSide() {
		metrics.RecordSubmission("vote", "invalid")
		return nil, invalid("side", "Pick a side to vote for.")
	}
	if err := s.activeBattle(ctx, battleID); err != nil {
		metrics.RecordSubmission("vote", "invalid")
		return nil, err
	}

	log := logger.WithBattle(logger.WithWallet(s.logger, sess.WalletAddress()), battleID)

	mutation := optimistOrNoop(optimist, battle.CastVote{Side: side})

	vote, created, err := s.store.UpsertVote(ctx, battleID, sess.UserID(), side)
	if err != nil {
		mutation.Rollback()
		metrics.RecordRollback("vote")
		metrics.RecordSubmission("vote", "failed")
		log.Error().Err(err).Str("side", string(side)).Msg("Failed to save vote")
		return nil, fmt.Errorf("%w: %v", ErrVote, err)
	}
	mutation.Commit()

	if created {
		if err := s.store.IncrementUserStat(ctx, sess.UserID(), models.StatVotesCast, 1); err != nil {
			log.Warn().Err(err).Msg("Failed to update votes cast")
		}
	}

	metrics.RecordSubmission("vote", "success")
	log.Info().Str("side", string(side)).Bool("changed", !created).Msg("Vote recorded")
	return vote, nil
}

// MemeSubmission is the input of SubmitMeme
type MemeSubmission struct {
	BattleID       string
	Team           models.Team
	Image          []byte
	SubmissionName string
	TwitterHandle  string
	TelegramHandle string
}

// validate checks everything that can be checked without the network
func (m MemeSubmission) validate(sess *session.Session) error {
	if strings.TrimSpace(m.SubmissionName) == "" {
		return invalid("submission_name", "Please enter a submission name.")
	}
	if len(m.Image) == 0 {
		return invalid("image", "Please select an image.")
	}
	if len(m.Image) > MaxImageBytes {
		return invalid("image", "Image must be %d MB or smaller.", MaxImageBytes>>20)
	}
	if sess == nil {
		return ErrNoSession
	}
	if m.BattleID == "" {
		return invalid("battle_id", "No active battle.")
	}
	if !m.Team.IsSide() {
		return invalid("team", "Pick a team for your meme.")
	}
	return nil
}

// SubmitMeme uploads the image and records the meme. Upload and save
// failures are reported as ErrUpload and ErrSave; a failed save removes the
// uploaded object.
func (s *Service) SubmitMeme(ctx context.Context, sess *session.Session, submission MemeSubmission) (*models.Meme, error) {
	if err := submission.validate(sess); err != nil {
		metrics.RecordSubmission("meme", "invalid")
		return nil, err
	}

	detected := mimetype.Detect(submission.Image)
	if !strings.HasPrefix(detected.String(), "image/") {
		metrics.RecordSubmission("meme", "invalid")
		return nil, invalid("image", "File must be an image.")
	}

	if err := s.activeBattle(ctx, submission.BattleID); err != nil {
		metrics.RecordSubmission("meme", "invalid")
		return nil, err
	}

	log := logger.WithBattle(logger.WithWallet(s.logger, sess.WalletAddress()), submission.BattleID)

	ext := strings.TrimPrefix(detected.Extension(), ".")
	if ext == "" {
		ext = "bin"
	}
	path := fmt.Sprintf("%s/%s/%s.%s", sess.UserID(), submission.BattleID, uuid.NewString(), ext)

	if err := s.uploader.Upload(ctx, path, submission.Image, detected.String()); err != nil {
		metrics.RecordSubmission("meme", "failed")
		log.Error().Err(err).Str("path", path).Msg("Meme upload failed")
		return nil, fmt.Errorf("%w: %v", ErrUpload, err)
	}

	meme := &models.Meme{
		BattleID:       submission.BattleID,
		UserID:         sess.UserID(),
		Team:           submission.Team,
		ImageURL:       s.uploader.PublicURL(path),
		SubmissionName: strings.TrimSpace(submission.SubmissionName),
		TwitterHandle:  strings.TrimSpace(submission.TwitterHandle),
		TelegramHandle: strings.TrimSpace(submission.TelegramHandle),
		WalletAddress:  sess.WalletAddress(),
	}

	if err := s.store.InsertMeme(ctx, meme); err != nil {
		metrics.RecordSubmission("meme", "failed")
		log.Error().Err(err).Str("path", path).Msg("Failed to save meme")
		if removeErr := s.uploader.Remove(ctx, path); removeErr != nil {
			log.Warn().Err(removeErr).Str("path", path).Msg("Failed to remove orphaned upload")
		}
		return nil, fmt.Errorf("%w: %v", ErrSave, err)
	}

	if err := s.store.IncrementUserStat(ctx, sess.UserID(), models.StatMemesSubmitted, 1); err != nil {
		log.Warn().Err(err).Msg("Failed to update memes submitted")
	}

	metrics.RecordSubmission("meme", "success")
	log.Info().Str("meme_id", meme.ID).Str("team", string(meme.Team)).Msg("Meme submitted")
	return meme, nil
}

// CommentSubmission is the input of SubmitComment
type CommentSubmission struct {
	BattleID string
	Username string
	Team     models.Team
	Content  string
}

// SubmitComment posts a chat message. The chosen username and team are
// saved to the user when they differ from the stored ones.
func (s *Service) SubmitComment(ctx context.Context, sess *session.Session, submission CommentSubmission, optimist battle.Optimist) (*models.Comment, error) {
	name := strings.TrimSpace(submission.Username)
	content := strings.TrimSpace(submission.Content)

	switch {
	case name == "":
		metrics.RecordSubmission("comment", "invalid")
		return nil, invalid("username", "Please enter a username.")
	case !submission.Team.IsSide():
		metrics.RecordSubmission("comment", "invalid")
		return nil, invalid("team", "Please pick a team.")
	case content == "":
		metrics.RecordSubmission("comment", "invalid")
		return nil, invalid("content", "Comment cannot be empty.")
	case len([]rune(content)) > MaxCommentLength:
		metrics.RecordSubmission("comment", "invalid")
		return nil, invalid("content", "Comment must be %d characters or fewer.", MaxCommentLength)
	case sess == nil:
		return nil, ErrNoSession
	case submission.BattleID == "":
		metrics.RecordSubmission("comment", "invalid")
		return nil, invalid("battle_id", "No active battle.")
	}

	log := logger.WithBattle(logger.WithWallet(s.logger, sess.WalletAddress()), submission.BattleID)

	comment := &models.Comment{
		ID:       uuid.NewString(),
		BattleID: submission.BattleID,
		UserID:   sess.UserID(),
		Username: name,
		Team:     submission.Team,
		Content:  content,
	}

	mutation := optimistOrNoop(optimist, battle.AppendComment{Comment: *comment})

	if err := s.store.InsertComment(ctx, comment); err != nil {
		mutation.Rollback()
		metrics.RecordRollback("comment")
		metrics.RecordSubmission("comment", "failed")
		log.Error().Err(err).Msg("Failed to post comment")
		return nil, fmt.Errorf("%w: %v", ErrComment, err)
	}
	mutation.Commit()

	if err := s.store.IncrementUserStat(ctx, sess.UserID(), models.StatComments, 1); err != nil {
		log.Warn().Err(err).Msg("Failed to update comment count")
	}
	s.saveIdentity(ctx, sess, name, submission.Team, log)

	metrics.RecordSubmission("comment", "success")
	return comment, nil
}

// saveIdentity persists a changed username or team. Conflicts are logged only.
func (s *Service) saveIdentity(ctx context.Context, sess *session.Session, name string, team models.Team, log zerolog.Logger) {
	current := sess.User()
	update := store.ProfileUpdate{}
	if name != current.Username && username.Validate(name) == nil {
		update.Username = &name
	}
	if team != current.Team {
		update.Team = &team
	}
	if update.Username == nil && update.Team == nil {
		return
	}

	err := s.store.UpdateUserProfile(ctx, sess.UserID(), update)
	if errors.Is(err, store.ErrUsernameTaken) {
		log.Warn().Str("username", name).Msg("Username already taken, keeping the current one")
		update.Username = nil
		if update.Team == nil {
			return
		}
		err = s.store.UpdateUserProfile(ctx, sess.UserID(), update)
	}
	if err != nil {
		log.Warn().Err(err).Msg("Failed to save username and team")
		return
	}

	if user, err := s.store.GetUser(ctx, sess.UserID()); err == nil {
		sess.SetUser(*user)
	}
}

// ToggleLike likes or unlikes a meme for the session user, crediting its
// submitter. Repeating a like, or unliking a meme never liked, is a no-op.
func (s *Service) ToggleLike(ctx context.Context, sess *session.Session, memeID string, liked bool, optimist battle.Optimist) (*models.Meme, error) {
	if sess == nil {
		return nil, ErrNoSession
	}
	if memeID == "" {
		metrics.RecordSubmission("like", "invalid")
		return nil, invalid("meme_id", "No meme selected.")
	}

	mutation := optimistOrNoop(optimist, battle.ToggleLike{MemeID: memeID, Liked: liked})

	meme, changed, err := s.store.SetMemeLike(ctx, memeID, sess.UserID(), liked)
	if err != nil {
		mutation.Rollback()
		metrics.RecordRollback("like")
		metrics.RecordSubmission("like", "failed")
		s.logger.Error().Err(err).Str("meme_id", memeID).Str("wallet", sess.WalletAddress()).Msg("Failed to save like")
		return nil, fmt.Errorf("%w: %v", ErrLike, err)
	}
	if !changed {
		// Already in the requested state; the optimistic step would double count.
		mutation.Rollback()
		metrics.RecordSubmission("like", "unchanged")
		return meme, nil
	}
	mutation.Commit()

	metrics.RecordSubmission("like", "success")
	return meme, nil
}

// UpdateUsername changes the session user's username
func (s *Service) UpdateUsername(ctx context.Context, sess *session.Session, name string) (*models.User, error) {
	if sess == nil {
		return nil, ErrNoSession
	}
	name = strings.TrimSpace(name)
	if err := username.Validate(name); err != nil {
		return nil, invalid("username", "%s", err.Error())
	}

	if err := s.store.UpdateUsername(ctx, sess.UserID(), name); err != nil {
		if errors.Is(err, store.ErrUsernameTaken) {
			return nil, invalid("username", "Username is already taken.")
		}
		return nil, err
	}

	user, err := s.store.GetUser(ctx, sess.UserID())
	if err != nil {
		return nil, err
	}
	sess.SetUser(*user)
	return user, nil
}
