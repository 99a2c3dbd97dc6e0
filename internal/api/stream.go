package api

import (
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wnt/memewars/internal/battle"
	"github.com/wnt/memewars/internal/store"
	"github.com/wnt/memewars/internal/utils"
)

// streams tracks the open battle views of each wallet so optimistic
// changes from that wallet's writes show up in its streams immediately
type streams struct {
	mu    sync.Mutex
	views map[string]map[*battle.View]struct{}
}

func newStreams() *streams {
	return &streams{views: make(map[string]map[*battle.View]struct{})}
}

func (s *streams) add(address string, view *battle.View) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.views[address]
	if !ok {
		set = make(map[*battle.View]struct{})
		s.views[address] = set
	}
	set[view] = struct{}{}
}

func (s *streams) remove(address string, view *battle.View) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.views[address]
	delete(set, view)
	if len(set) == 0 {
		delete(s.views, address)
	}
}

// optimist returns the wallet's views that match
func (s *streams) optimist(address string, match func(battle.ViewModel) bool) battle.Optimist {
	s.mu.Lock()
	views := make([]*battle.View, 0, len(s.views[address]))
	for view := range s.views[address] {
		views = append(views, view)
	}
	s.mu.Unlock()

	matched := utils.Filter(views, func(view *battle.View) bool {
		return match(view.Snapshot())
	})
	if len(matched) == 0 {
		return nil
	}
	multi := make(battle.Multi, 0, len(matched))
	for _, view := range matched {
		multi = append(multi, view)
	}
	return multi
}

// forBattle matches views showing battleID
func (s *streams) forBattle(address, battleID string) battle.Optimist {
	return s.optimist(address, func(vm battle.ViewModel) bool {
		return vm.BattleID == battleID
	})
}

// forMeme matches views showing the meme
func (s *streams) forMeme(address, memeID string) battle.Optimist {
	return s.optimist(address, func(vm battle.ViewModel) bool {
		for _, meme := range vm.Memes {
			if meme.ID == memeID {
				return true
			}
		}
		return false
	})
}

func (s *streams) closeAll() {
	s.mu.Lock()
	var all []*battle.View
	for _, set := range s.views {
		for view := range set {
			all = append(all, view)
		}
	}
	s.mu.Unlock()

	for _, view := range all {
		view.Close()
	}
}

// stream sends the battle view model as server-sent events until the
// client goes away or its session closes
func (s *Server) stream(c *gin.Context) {
	ctx := c.Request.Context()
	battleID := c.Param("id")
	sess := currentSession(c)

	userID := ""
	var sessionDone <-chan struct{}
	if sess != nil {
		userID = sess.UserID()
		sessionDone = sess.Done()
	}

	view := battle.NewView(s.store, s.bus, userID, s.logger)
	defer view.Close()

	if err := view.Start(ctx, battleID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Battle not found."})
			return
		}
		s.logger.Error().Err(err).Str("battle_id", battleID).Msg("Failed to start battle stream")
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to load battle. Please try again."})
		return
	}

	if sess != nil {
		s.streams.add(sess.WalletAddress(), view)
		defer s.streams.remove(sess.WalletAddress(), view)
	}

	keepAlive := time.NewTicker(s.cfg.KeepAlive)
	defer keepAlive.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-sessionDone:
			return false
		case vm, ok := <-view.Updates():
			if !ok {
				return false
			}
			if sess != nil {
				sess.Touch()
			}
			c.SSEvent("battle", vm)
			return true
		case <-keepAlive.C:
			if view.State() == battle.Unsubscribed {
				if err := view.Refresh(ctx); err != nil {
					s.logger.Warn().Err(err).Str("battle_id", battleID).Msg("Failed to refresh battle stream")
				}
			}
			c.SSEvent("ping", time.Now().Unix())
			return true
		}
	})
}
