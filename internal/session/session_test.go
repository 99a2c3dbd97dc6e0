package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wnt/memewars/internal/database"
	"github.com/wnt/memewars/internal/logger"
	"github.com/wnt/memewars/internal/models"
	"github.com/wnt/memewars/internal/store"
	"github.com/wnt/memewars/internal/username"
	"github.com/wnt/memewars/internal/wallet"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "memewars.db"))
	require.NoError(t, err)
	return store.New(db, nil, logger.Nop())
}

func countActivities(t *testing.T, s *store.Store, activityType string) int64 {
	t.Helper()
	var count int64
	require.NoError(t, s.DB().Model(&models.WalletActivity{}).Where("activity_type = ?", activityType).Count(&count).Error)
	return count
}

// flakyUsers wraps a store and injects failures
type flakyUsers struct {
	*store.Store
	staleLookups   int
	duplicateNames int
	lookupErr      error
	creates        int
}

func (f *flakyUsers) GetUserByWallet(ctx context.Context, address string) (*models.User, error) {
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	if f.staleLookups > 0 {
		f.staleLookups--
		return nil, fmt.Errorf("lookup: %w", store.ErrNotFound)
	}
	return f.Store.GetUserByWallet(ctx, address)
}

func (f *flakyUsers) CreateUser(ctx context.Context, user *models.User) error {
	f.creates++
	if f.duplicateNames > 0 {
		f.duplicateNames--
		return fmt.Errorf("create: %w", store.ErrDuplicate)
	}
	return f.Store.CreateUser(ctx, user)
}

func TestConnect(t *testing.T) {
	ctx := context.Background()
	names := username.NewGenerator(rand.NewSource(1))

	t.Run("disconnected wallet is anonymous", func(t *testing.T) {
		resolver := NewResolver(newTestStore(t), names, logger.Nop())
		assert.Nil(t, resolver.Connect(ctx, wallet.NewStatic("")))
		assert.Nil(t, resolver.Connect(ctx, nil))
	})

	t.Run("same address resolves to the same user", func(t *testing.T) {
		s := newTestStore(t)
		resolver := NewResolver(s, names, logger.Nop())

		first := resolver.Connect(ctx, wallet.NewStatic("wallet-a"))
		require.NotNil(t, first)
		second := resolver.Connect(ctx, wallet.NewStatic("wallet-a"))
		require.NotNil(t, second)

		assert.Equal(t, first.UserID(), second.UserID())
		assert.Equal(t, "wallet-a", first.WalletAddress())
		assert.Equal(t, models.TeamNone, first.User().Team)
		assert.NoError(t, username.Validate(first.User().Username))
		assert.Equal(t, int64(2), countActivities(t, s, models.ActivityConnect))

		var users int64
		require.NoError(t, s.DB().Model(&models.User{}).Count(&users).Error)
		assert.Equal(t, int64(1), users)
	})

	t.Run("losing a create race falls back to the existing row", func(t *testing.T) {
		s := newTestStore(t)
		existing := &models.User{WalletAddress: "wallet-a", Username: "first"}
		require.NoError(t, s.CreateUser(ctx, existing))

		users := &flakyUsers{Store: s, staleLookups: 1}
		sess := NewResolver(users, names, logger.Nop()).Connect(ctx, wallet.NewStatic("wallet-a"))
		require.NotNil(t, sess)
		assert.Equal(t, existing.ID, sess.UserID())
		assert.Equal(t, 1, users.creates)
	})

	t.Run("username collisions retry with a fresh name", func(t *testing.T) {
		users := &flakyUsers{Store: newTestStore(t), duplicateNames: 3}
		sess := NewResolver(users, names, logger.Nop()).Connect(ctx, wallet.NewStatic("wallet-a"))
		require.NotNil(t, sess)
		assert.Equal(t, 4, users.creates)
	})

	t.Run("gives up after repeated collisions", func(t *testing.T) {
		users := &flakyUsers{Store: newTestStore(t), duplicateNames: maxCreateAttempts}
		sess := NewResolver(users, names, logger.Nop()).Connect(ctx, wallet.NewStatic("wallet-a"))
		assert.Nil(t, sess)
		assert.Equal(t, maxCreateAttempts, users.creates)
	})

	t.Run("lookup failure degrades to anonymous", func(t *testing.T) {
		users := &flakyUsers{Store: newTestStore(t), lookupErr: errors.New("connection refused")}
		assert.Nil(t, NewResolver(users, names, logger.Nop()).Connect(ctx, wallet.NewStatic("wallet-a")))
		assert.Equal(t, 0, users.creates)
	})
}

func TestSessionCloseOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	sess := NewResolver(s, nil, logger.Nop()).Connect(ctx, wallet.NewStatic("wallet-a"))
	require.NotNil(t, sess)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess.Close(ctx)
		}()
	}
	wg.Wait()

	select {
	case <-sess.Done():
	default:
		t.Fatal("done channel not closed")
	}
	assert.Equal(t, int64(1), countActivities(t, s, models.ActivityDisconnect))
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()

	t.Run("connect reuses the live session", func(t *testing.T) {
		registry := NewRegistry(NewResolver(newTestStore(t), nil, logger.Nop()), time.Minute, logger.Nop())

		first := registry.Connect(ctx, wallet.NewStatic("wallet-a"))
		require.NotNil(t, first)
		second := registry.Connect(ctx, wallet.NewStatic("wallet-a"))
		assert.Same(t, first, second)
		assert.Equal(t, 1, registry.Len())

		assert.Nil(t, registry.Connect(ctx, wallet.NewStatic("")))
	})

	t.Run("concurrent connects share one resolution", func(t *testing.T) {
		s := newTestStore(t)
		registry := NewRegistry(NewResolver(s, nil, logger.Nop()), time.Minute, logger.Nop())

		var wg sync.WaitGroup
		results := make([]*Session, 8)
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i] = registry.Connect(ctx, wallet.NewStatic("wallet-a"))
			}(i)
		}
		wg.Wait()

		for _, sess := range results {
			require.NotNil(t, sess)
			assert.Equal(t, results[0].UserID(), sess.UserID())
		}
		assert.Equal(t, 1, registry.Len())
	})

	t.Run("disconnect closes the session", func(t *testing.T) {
		s := newTestStore(t)
		registry := NewRegistry(NewResolver(s, nil, logger.Nop()), time.Minute, logger.Nop())
		sess := registry.Connect(ctx, wallet.NewStatic("wallet-a"))
		require.NotNil(t, sess)

		assert.True(t, registry.Disconnect(ctx, "wallet-a"))
		assert.False(t, registry.Disconnect(ctx, "wallet-a"))

		_, ok := registry.Get("wallet-a")
		assert.False(t, ok)
		assert.Equal(t, int64(1), countActivities(t, s, models.ActivityDisconnect))
	})

	t.Run("reap closes idle sessions only", func(t *testing.T) {
		registry := NewRegistry(NewResolver(newTestStore(t), nil, logger.Nop()), time.Minute, logger.Nop())
		idle := registry.Connect(ctx, wallet.NewStatic("wallet-a"))
		require.NotNil(t, idle)
		require.NotNil(t, registry.Connect(ctx, wallet.NewStatic("wallet-b")))

		assert.Equal(t, 0, registry.Reap(ctx, time.Now()))

		later := time.Now().Add(2 * time.Minute)
		registry.sessions["wallet-b"].mu.Lock()
		registry.sessions["wallet-b"].lastSeen = later
		registry.sessions["wallet-b"].mu.Unlock()

		assert.Equal(t, 1, registry.Reap(ctx, later))
		assert.Equal(t, 1, registry.Len())
		<-idle.Done()
	})

	t.Run("run closes everything on shutdown", func(t *testing.T) {
		registry := NewRegistry(NewResolver(newTestStore(t), nil, logger.Nop()), time.Minute, logger.Nop())
		sess := registry.Connect(ctx, wallet.NewStatic("wallet-a"))
		require.NotNil(t, sess)

		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- registry.Run(runCtx) }()
		cancel()

		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(2 * time.Second):
			t.Fatal("reaper did not stop")
		}
		<-sess.Done()
		assert.Equal(t, 0, registry.Len())
	})
}
