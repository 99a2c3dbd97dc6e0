package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/wnt/memewars/internal/battle"
	"github.com/wnt/memewars/internal/models"
	"github.com/wnt/memewars/internal/store"
	"github.com/wnt/memewars/internal/submission"
	"github.com/wnt/memewars/internal/utils"
	"github.com/wnt/memewars/internal/wallet"
)

// respondError maps service errors onto status codes and user messages
func (s *Server) respondError(c *gin.Context, err error) {
	var validation *submission.ValidationError
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"error": validation.Message, "field": validation.Field})
		return
	case errors.Is(err, submission.ErrNoSession):
		status = http.StatusUnauthorized
	case errors.Is(err, submission.ErrBattleInactive):
		status = http.StatusConflict
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found."})
		return
	case errors.Is(err, submission.ErrUpload),
		errors.Is(err, submission.ErrSave),
		errors.Is(err, submission.ErrVote),
		errors.Is(err, submission.ErrComment),
		errors.Is(err, submission.ErrLike):
		status = http.StatusBadGateway
	default:
		s.logger.Error().Err(err).Str("route", c.FullPath()).Msg("Request failed")
	}
	c.JSON(status, gin.H{"error": submission.UserMessage(err)})
}

func queryLimit(c *gin.Context, fallback int) int {
	limit, err := strconv.Atoi(c.Query("limit"))
	if err != nil || limit <= 0 {
		return fallback
	}
	return limit
}

type connectRequest struct {
	WalletAddress string `json:"wallet_address" binding:"required"`
}

// connect resolves the wallet to a user, creating one on first connection.
// A resolution failure leaves the caller anonymous.
func (s *Server) connect(c *gin.Context) {
	var body connectRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}
	address := strings.TrimSpace(body.WalletAddress)
	if err := wallet.ValidateAddress(address); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid wallet address."})
		return
	}

	sess := s.sessions.Connect(c.Request.Context(), wallet.NewStatic(address))
	if sess == nil {
		c.JSON(http.StatusOK, gin.H{"user": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": sess.User()})
}

func (s *Server) disconnect(c *gin.Context) {
	sess := currentSession(c)
	s.sessions.Disconnect(c.Request.Context(), sess.WalletAddress())
	c.Status(http.StatusNoContent)
}

// activeBattle returns the reconciled view of the active battle, or null
func (s *Server) activeBattle(c *gin.Context) {
	aggregate, err := s.store.GetActiveBattle(c.Request.Context())
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusOK, gin.H{"battle": nil})
		return
	}
	if err != nil {
		s.respondError(c, err)
		return
	}

	userID := ""
	if sess := currentSession(c); sess != nil {
		userID = sess.UserID()
	}
	reconciler := battle.NewReconciler(userID)
	reconciler.Load(aggregate)
	c.JSON(http.StatusOK, gin.H{"battle": reconciler.Snapshot()})
}

// comments lists a battle's comments newest first
func (s *Server) comments(c *gin.Context) {
	comments, err := s.store.GetComments(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"comments": utils.Reversed(comments)})
}

func (s *Server) myVote(c *gin.Context) {
	sess := currentSession(c)
	vote, err := s.store.GetVoteStatus(c.Request.Context(), c.Param("id"), sess.UserID())
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusOK, gin.H{"vote": nil})
		return
	}
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"vote": vote})
}

type voteRequest struct {
	Side models.Team `json:"side" binding:"required"`
}

func (s *Server) castVote(c *gin.Context) {
	var body voteRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	sess := currentSession(c)
	battleID := c.Param("id")
	vote, err := s.submissions.CastVote(c.Request.Context(), sess, battleID, body.Side,
		s.streams.forBattle(sess.WalletAddress(), battleID))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"vote": vote})
}

type commentRequest struct {
	Username string      `json:"username"`
	Team     models.Team `json:"team"`
	Content  string      `json:"content"`
}

func (s *Server) submitComment(c *gin.Context) {
	var body commentRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	sess := currentSession(c)
	battleID := c.Param("id")
	comment, err := s.submissions.SubmitComment(c.Request.Context(), sess, submission.CommentSubmission{
		BattleID: battleID,
		Username: body.Username,
		Team:     body.Team,
		Content:  body.Content,
	}, s.streams.forBattle(sess.WalletAddress(), battleID))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"comment": comment})
}

// submitMeme accepts a multipart form with an "image" file. At most one
// byte past the size limit is read so oversized files fail validation
// without being buffered whole.
func (s *Server) submitMeme(c *gin.Context) {
	var image []byte
	file, err := c.FormFile("image")
	if err == nil {
		f, openErr := file.Open()
		if openErr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Could not read image."})
			return
		}
		image, err = io.ReadAll(io.LimitReader(f, submission.MaxImageBytes+1))
		f.Close()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Could not read image."})
			return
		}
	}

	sess := currentSession(c)
	meme, err := s.submissions.SubmitMeme(c.Request.Context(), sess, submission.MemeSubmission{
		BattleID:       c.Param("id"),
		Team:           models.Team(c.PostForm("team")),
		Image:          image,
		SubmissionName: c.PostForm("submission_name"),
		TwitterHandle:  c.PostForm("twitter_handle"),
		TelegramHandle: c.PostForm("telegram_handle"),
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"meme": meme})
}

type likeRequest struct {
	Liked *bool `json:"liked"`
}

// toggleLike likes a meme, or unlikes it with {"liked": false}
func (s *Server) toggleLike(c *gin.Context) {
	var body likeRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
			return
		}
	}
	liked := body.Liked == nil || *body.Liked

	sess := currentSession(c)
	memeID := c.Param("id")
	meme, err := s.submissions.ToggleLike(c.Request.Context(), sess, memeID, liked,
		s.streams.forMeme(sess.WalletAddress(), memeID))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"meme": meme})
}

func (s *Server) leaderboard(c *gin.Context) {
	users, err := s.store.Leaderboard(c.Request.Context(), queryLimit(c, 10))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

func (s *Server) topMemes(c *gin.Context) {
	memes, err := s.store.TopMemes(c.Request.Context(), queryLimit(c, 10))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"memes": memes})
}

func (s *Server) userProfile(c *gin.Context) {
	user, err := s.store.GetUserByWallet(c.Request.Context(), c.Param("wallet"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}

type usernameRequest struct {
	Username string `json:"username"`
}

func (s *Server) updateUsername(c *gin.Context) {
	var body usernameRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	user, err := s.submissions.UpdateUsername(c.Request.Context(), currentSession(c), body.Username)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}
