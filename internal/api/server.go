// Package api exposes the Meme Wars flows over HTTP with gin.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/wnt/memewars/internal/logger"
	"github.com/wnt/memewars/internal/realtime"
	"github.com/wnt/memewars/internal/session"
	"github.com/wnt/memewars/internal/store"
	"github.com/wnt/memewars/internal/submission"
)

// WalletHeader names the connected wallet on every request
const WalletHeader = "X-Wallet-Address"

// Config holds the HTTP server settings
type Config struct {
	Addr                 string
	AllowedOrigins       []string
	CommentRatePerMinute int
	KeepAlive            time.Duration
}

// Server is the HTTP surface of the service
type Server struct {
	cfg         Config
	store       store.Backend
	bus         realtime.Bus
	sessions    *session.Registry
	submissions *submission.Service
	limiter     *walletLimiter
	streams     *streams
	logger      zerolog.Logger

	engine *gin.Engine
}

// NewServer wires the routes
func NewServer(cfg Config, backend store.Backend, bus realtime.Bus, sessions *session.Registry, submissions *submission.Service, log zerolog.Logger) *Server {
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 15 * time.Second
	}
	if cfg.CommentRatePerMinute <= 0 {
		cfg.CommentRatePerMinute = 10
	}

	s := &Server{
		cfg:         cfg,
		store:       backend,
		bus:         bus,
		sessions:    sessions,
		submissions: submissions,
		limiter:     newWalletLimiter(cfg.CommentRatePerMinute),
		streams:     newStreams(),
		logger:      logger.WithComponent(log, "api"),
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.MaxMultipartMemory = submission.MaxImageBytes + 1<<20
	engine.Use(gin.Recovery(), s.requestLogger())
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", WalletHeader},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	engine.Use(s.loadSession())

	s.engine = engine
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := s.engine.Group("/api")
	{
		api.POST("/session", s.connect)
		api.DELETE("/session", requireSession(), s.disconnect)

		battles := api.Group("/battles")
		{
			battles.GET("/active", s.activeBattle)
			battles.GET("/:id/comments", s.comments)
			battles.GET("/:id/votes/me", requireSession(), s.myVote)
			battles.GET("/:id/stream", s.stream)

			battles.POST("/:id/votes", requireSession(), s.castVote)
			battles.POST("/:id/comments", requireSession(), s.rateLimited(), s.submitComment)
			battles.POST("/:id/memes", requireSession(), s.submitMeme)
		}

		api.POST("/memes/:id/like", requireSession(), s.toggleLike)

		api.GET("/leaderboard", s.leaderboard)
		api.GET("/leaderboard/memes", s.topMemes)

		api.GET("/users/:wallet", s.userProfile)
		api.PUT("/users/me/username", requireSession(), s.updateUsername)
	}
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info().Msg("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.streams.closeAll()
	return srv.Shutdown(shutdownCtx)
}
