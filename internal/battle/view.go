package battle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/wnt/memewars/internal/logger"
	"github.com/wnt/memewars/internal/metrics"
	"github.com/wnt/memewars/internal/models"
	"github.com/wnt/memewars/internal/realtime"
)

// ErrViewClosed is returned by operations on a closed view
var ErrViewClosed = errors.New("battle view closed")

// Fetcher loads a battle with its memes, votes and comments
type Fetcher interface {
	GetBattleAggregate(ctx context.Context, battleID string) (*models.Battle, error)
}

// State is the subscription state of a View
type State int

const (
	Unsubscribed State = iota
	Subscribed
)

func (s State) String() string {
	if s == Subscribed {
		return "subscribed"
	}
	return "unsubscribed"
}

// View keeps one battle's view model live for one user. A single goroutine
// owns the reconciler and the realtime subscription; every other method
// hands work to it.
type View struct {
	fetcher Fetcher
	bus     realtime.Bus
	userID  string
	logger  zerolog.Logger

	calls    chan func()
	updates  chan ViewModel
	done     chan struct{}
	loopDone chan struct{}
	once     sync.Once

	mu     sync.RWMutex
	latest ViewModel

	// owned by the loop goroutine
	reconciler *Reconciler
	sub        realtime.Subscription
	events     <-chan realtime.Event
	state      State
}

// NewView creates a view for userID and starts its event loop
func NewView(fetcher Fetcher, bus realtime.Bus, userID string, log zerolog.Logger) *View {
	v := &View{
		fetcher:    fetcher,
		bus:        bus,
		userID:     userID,
		logger:     logger.WithComponent(log, "battle_view").With().Str("user_id", userID).Logger(),
		calls:      make(chan func()),
		updates:    make(chan ViewModel, 1),
		done:       make(chan struct{}),
		loopDone:   make(chan struct{}),
		reconciler: NewReconciler(userID),
	}
	go v.run()
	return v
}

func (v *View) run() {
	defer close(v.loopDone)

	for {
		select {
		case <-v.done:
			v.unsubscribe()
			v.reconciler.Detach()
			close(v.updates)
			return

		case fn := <-v.calls:
			fn()

		case event, ok := <-v.events:
			if !ok {
				v.logger.Error().
					Str("battle_id", v.reconciler.BattleID()).
					Msg("Realtime subscription ended unexpectedly, keeping last state")
				v.unsubscribe()
				continue
			}
			if v.reconciler.ApplyEvent(event) {
				metrics.RecordEventApplied(string(event.Table))
				v.publish()
			}
		}
	}
}

// do runs fn on the loop goroutine and waits for it to finish
func (v *View) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case v.calls <- func() { fn(); close(finished) }:
	case <-v.done:
		return ErrViewClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

// publish stores the snapshot and offers it to Updates, replacing an unread one
func (v *View) publish() {
	snapshot := v.reconciler.Snapshot()

	v.mu.Lock()
	v.latest = snapshot
	v.mu.Unlock()

	select {
	case <-v.updates:
	default:
	}
	v.updates <- snapshot
}

func (v *View) unsubscribe() {
	if v.sub == nil {
		return
	}
	if err := v.sub.Close(); err != nil {
		v.logger.Warn().Err(err).Msg("Failed to close realtime subscription")
	}
	v.sub = nil
	v.events = nil
	v.state = Unsubscribed
	metrics.ActiveViews.Dec()
}

// Start subscribes to battleID and loads its aggregate. Starting a different
// battle tears the current subscription down first; starting the battle
// already subscribed is a no-op.
func (v *View) Start(ctx context.Context, battleID string) error {
	if battleID == "" {
		return fmt.Errorf("battle id is required")
	}

	var startErr error
	err := v.do(ctx, func() {
		if v.state == Subscribed && v.reconciler.BattleID() == battleID {
			return
		}

		v.unsubscribe()
		v.reconciler.Detach()
		v.reconciler = NewReconciler(v.userID)
		log := logger.WithBattle(v.logger, battleID)

		// Subscribe before fetching so nothing between the two is lost;
		// replayed events are idempotent against the fetched state.
		sub, err := v.bus.Subscribe(ctx, battleID)
		if err != nil {
			startErr = fmt.Errorf("failed to subscribe to battle %s: %w", battleID, err)
			return
		}

		aggregate, err := v.fetcher.GetBattleAggregate(ctx, battleID)
		if err != nil {
			log.Debug().Err(err).Msg("Failed to fetch battle, dropping subscription")
			_ = sub.Close()
			startErr = fmt.Errorf("failed to fetch battle %s: %w", battleID, err)
			return
		}

		v.reconciler.Load(aggregate)
		v.sub = sub
		v.events = sub.Events()
		v.state = Subscribed
		metrics.ActiveViews.Inc()
		v.publish()

		log.Debug().Msg("Battle view subscribed")
	})
	if err != nil {
		return err
	}
	return startErr
}

// Refresh re-fetches the current battle and replaces the view state. It
// also resubscribes if the subscription had died.
func (v *View) Refresh(ctx context.Context) error {
	var refreshErr error
	err := v.do(ctx, func() {
		battleID := v.reconciler.BattleID()
		if battleID == "" {
			refreshErr = fmt.Errorf("no battle loaded")
			return
		}

		if v.state == Unsubscribed {
			sub, err := v.bus.Subscribe(ctx, battleID)
			if err != nil {
				refreshErr = fmt.Errorf("failed to resubscribe to battle %s: %w", battleID, err)
				return
			}
			v.sub = sub
			v.events = sub.Events()
			v.state = Subscribed
			metrics.ActiveViews.Inc()
		}

		aggregate, err := v.fetcher.GetBattleAggregate(ctx, battleID)
		if err != nil {
			refreshErr = fmt.Errorf("failed to fetch battle %s: %w", battleID, err)
			return
		}
		v.reconciler.Load(aggregate)
		v.publish()
	})
	if err != nil {
		return err
	}
	return refreshErr
}

// Apply performs an optimistic command on the loop and returns a mutation
// whose Commit and Rollback are also run on the loop
func (v *View) Apply(cmd Command) Mutation {
	var inner Mutation = noop{}
	if err := v.do(context.Background(), func() {
		inner = v.reconciler.Apply(cmd)
		if _, ok := inner.(noop); !ok {
			v.publish()
		}
	}); err != nil {
		return noop{}
	}
	if _, ok := inner.(noop); ok {
		return inner
	}
	return &viewMutation{view: v, inner: inner}
}

type viewMutation struct {
	view  *View
	inner Mutation
}

func (m *viewMutation) Commit() {
	_ = m.view.do(context.Background(), func() {
		m.inner.Commit()
		m.view.publish()
	})
}

func (m *viewMutation) Rollback() {
	_ = m.view.do(context.Background(), func() {
		m.inner.Rollback()
		m.view.publish()
	})
}

// Snapshot returns the most recently published view model
func (v *View) Snapshot() ViewModel {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.latest
}

// Updates delivers the latest view model after each change. Only the most
// recent unread snapshot is kept. The channel is closed by Close.
func (v *View) Updates() <-chan ViewModel {
	return v.updates
}

// State returns the current subscription state
func (v *View) State() State {
	state := Unsubscribed
	_ = v.do(context.Background(), func() { state = v.state })
	return state
}

// BattleID returns the battle the view is showing
func (v *View) BattleID() string {
	var battleID string
	_ = v.do(context.Background(), func() { battleID = v.reconciler.BattleID() })
	return battleID
}

// Close releases the subscription and detaches the reconciler. Only the
// first call has any effect; it returns once the loop has stopped.
func (v *View) Close() {
	v.once.Do(func() {
		close(v.done)
	})
	<-v.loopDone
}
