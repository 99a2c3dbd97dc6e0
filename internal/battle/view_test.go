package battle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wnt/memewars/internal/logger"
	"github.com/wnt/memewars/internal/models"
	"github.com/wnt/memewars/internal/realtime"
)

type fakeFetcher struct {
	mu      sync.Mutex
	battles map[string]*models.Battle
	err     error
	calls   int
}

func (f *fakeFetcher) GetBattleAggregate(_ context.Context, id string) (*models.Battle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	battle, ok := f.battles[id]
	if !ok {
		return nil, errors.New("not found")
	}
	copied := *battle
	return &copied, nil
}

func (f *fakeFetcher) set(battle *models.Battle) {
	f.mu.Lock()
	f.battles[battle.ID] = battle
	f.mu.Unlock()
}

func newFetcher() *fakeFetcher {
	other := fixture()
	other.ID = "battle-2"
	other.Votes = nil
	other.Comments = nil
	other.Memes = nil
	return &fakeFetcher{battles: map[string]*models.Battle{battleID: fixture(), "battle-2": other}}
}

// waitFor polls the view until cond holds
func waitFor(t *testing.T, v *View, cond func(ViewModel) bool) ViewModel {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if vm := v.Snapshot(); cond(vm) {
			return vm
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met, last snapshot: %+v", v.Snapshot())
	return ViewModel{}
}

func TestViewStartAndEvents(t *testing.T) {
	ctx := context.Background()
	bus := realtime.NewMemoryBus()
	view := NewView(newFetcher(), bus, me, logger.Nop())
	defer view.Close()

	require.NoError(t, view.Start(ctx, battleID))
	assert.Equal(t, Subscribed, view.State())
	assert.Equal(t, battleID, view.BattleID())
	assert.Equal(t, 1, bus.SubscriberCount(battleID))

	vm := <-view.Updates()
	assert.Equal(t, 2, vm.LeftVotes)

	require.NoError(t, bus.Publish(ctx, voteEvent("u4", models.TeamRight, realtime.Insert)))
	vm = waitFor(t, view, func(vm ViewModel) bool { return vm.RightVotes == 2 })
	assert.Equal(t, 2, vm.LeftVotes)

	require.NoError(t, bus.Publish(ctx, commentEvent("c3", "hello")))
	waitFor(t, view, func(vm ViewModel) bool { return len(vm.Comments) == 3 })
}

func TestViewUpdatesKeepOnlyLatest(t *testing.T) {
	ctx := context.Background()
	bus := realtime.NewMemoryBus()
	view := NewView(newFetcher(), bus, me, logger.Nop())
	defer view.Close()

	require.NoError(t, view.Start(ctx, battleID))
	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(ctx, voteEvent("voter-"+string(rune('a'+i)), models.TeamLeft, realtime.Insert)))
	}
	waitFor(t, view, func(vm ViewModel) bool { return vm.LeftVotes == 7 })

	vm := <-view.Updates()
	assert.Equal(t, 7, vm.LeftVotes)
	select {
	case extra := <-view.Updates():
		t.Fatalf("unexpected queued update %+v", extra)
	default:
	}
}

func TestViewSwitchBattle(t *testing.T) {
	ctx := context.Background()
	bus := realtime.NewMemoryBus()
	fetcher := newFetcher()
	view := NewView(fetcher, bus, me, logger.Nop())
	defer view.Close()

	require.NoError(t, view.Start(ctx, battleID))
	require.NoError(t, view.Start(ctx, battleID))
	assert.Equal(t, 1, fetcher.calls, "restarting the same battle is a no-op")

	require.NoError(t, view.Start(ctx, "battle-2"))
	assert.Equal(t, 0, bus.SubscriberCount(battleID))
	assert.Equal(t, 1, bus.SubscriberCount("battle-2"))
	assert.Equal(t, "battle-2", view.Snapshot().BattleID)

	require.NoError(t, bus.Publish(ctx, voteEvent("u9", models.TeamLeft, realtime.Insert)))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, view.Snapshot().LeftVotes)
}

func TestViewStartFailure(t *testing.T) {
	ctx := context.Background()
	bus := realtime.NewMemoryBus()
	fetcher := newFetcher()
	fetcher.err = errors.New("backend down")

	view := NewView(fetcher, bus, me, logger.Nop())
	defer view.Close()

	err := view.Start(ctx, battleID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend down")
	assert.Equal(t, Unsubscribed, view.State())
	assert.Equal(t, 0, bus.SubscriberCount(battleID))

	assert.Error(t, view.Start(ctx, ""))
}

func TestViewOptimisticMutation(t *testing.T) {
	ctx := context.Background()
	bus := realtime.NewMemoryBus()
	view := NewView(newFetcher(), bus, me, logger.Nop())
	defer view.Close()
	require.NoError(t, view.Start(ctx, battleID))

	var optimist Optimist = view
	mutation := optimist.Apply(CastVote{Side: models.TeamLeft})
	vm := view.Snapshot()
	assert.Equal(t, team(models.TeamLeft), vm.CurrentUserVote)
	assert.Equal(t, 3, vm.LeftVotes)

	mutation.Rollback()
	vm = view.Snapshot()
	assert.Nil(t, vm.CurrentUserVote)
	assert.Equal(t, 2, vm.LeftVotes)

	comment := view.Apply(AppendComment{Comment: models.Comment{ID: "local-1", Content: "gm"}})
	require.NoError(t, bus.Publish(ctx, commentEvent("local-1", "gm")))
	waitFor(t, view, func(vm ViewModel) bool { return len(vm.Comments) == 3 })
	comment.Commit()
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, view.Snapshot().Comments, 3)
}

func TestViewRefresh(t *testing.T) {
	ctx := context.Background()
	bus := realtime.NewMemoryBus()
	fetcher := newFetcher()
	view := NewView(fetcher, bus, me, logger.Nop())
	defer view.Close()

	assert.Error(t, view.Refresh(ctx), "nothing loaded yet")

	require.NoError(t, view.Start(ctx, battleID))

	updated := fixture()
	updated.Votes = append(updated.Votes, models.Vote{ID: "v9", BattleID: battleID, UserID: "u9", Team: models.TeamRight})
	fetcher.set(updated)

	require.NoError(t, view.Refresh(ctx))
	assert.Equal(t, 2, view.Snapshot().RightVotes)
}

type brokenSub struct {
	events chan realtime.Event
	closed bool
}

func (s *brokenSub) Events() <-chan realtime.Event { return s.events }
func (s *brokenSub) Close() error {
	s.closed = true
	return nil
}

type brokenBus struct {
	mu   sync.Mutex
	subs []*brokenSub
}

func (b *brokenBus) Publish(context.Context, realtime.Event) error { return nil }

func (b *brokenBus) Subscribe(context.Context, string) (realtime.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &brokenSub{events: make(chan realtime.Event)}
	b.subs = append(b.subs, sub)
	return sub, nil
}

func TestViewSurvivesDeadSubscription(t *testing.T) {
	ctx := context.Background()
	bus := &brokenBus{}
	view := NewView(newFetcher(), bus, me, logger.Nop())
	defer view.Close()

	require.NoError(t, view.Start(ctx, battleID))
	before := view.Snapshot()

	bus.mu.Lock()
	close(bus.subs[0].events)
	bus.mu.Unlock()

	require.Eventually(t, func() bool { return view.State() == Unsubscribed }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, before, view.Snapshot(), "last state is kept")

	require.NoError(t, view.Refresh(ctx))
	assert.Equal(t, Subscribed, view.State())
	bus.mu.Lock()
	assert.Len(t, bus.subs, 2)
	bus.mu.Unlock()
}

func TestViewCloseIgnoresLateEvents(t *testing.T) {
	ctx := context.Background()
	bus := realtime.NewMemoryBus()
	view := NewView(newFetcher(), bus, me, logger.Nop())

	require.NoError(t, view.Start(ctx, battleID))
	before := view.Snapshot()

	view.Close()
	view.Close()
	assert.Equal(t, 0, bus.SubscriberCount(battleID))

	require.NoError(t, bus.Publish(ctx, voteEvent("u9", models.TeamLeft, realtime.Insert)))
	assert.Equal(t, before, view.Snapshot())

	assert.ErrorIs(t, view.Start(ctx, battleID), ErrViewClosed)
	assert.Equal(t, Noop, view.Apply(CastVote{Side: models.TeamLeft}))

	for range view.Updates() {
	}
}
