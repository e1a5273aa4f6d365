package events

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/runforge/runforge/pkg/models"
)

// defaultInboxSize bounds each subscription's buffered channel. When the
// buffer is full the incoming event is dropped and the subscription is
// marked stale; the subscriber recovers by paging the log from its
// cursor.
const defaultInboxSize = 256

// Subscription is one consumer's bounded view of a run's live events.
type Subscription struct {
	id    string
	runID string
	ch    chan *models.Event
	stale atomic.Bool

	// includeTokens opts in to llm.token events, which are filtered out
	// by default.
	includeTokens atomic.Bool

	closeOnce sync.Once
}

// Events is the receive channel. Closed when the subscription is
// cancelled.
func (s *Subscription) Events() <-chan *models.Event { return s.ch }

// Stale reports whether events were dropped since the last ClearStale.
// A stale subscriber has a gap and must catch up from the log.
func (s *Subscription) Stale() bool { return s.stale.Load() }

// ClearStale resets the stale flag after the subscriber has caught up.
func (s *Subscription) ClearStale() { s.stale.Store(false) }

// SetIncludeTokens toggles delivery of llm.token events.
func (s *Subscription) SetIncludeTokens(v bool) { s.includeTokens.Store(v) }

func (s *Subscription) close() {
	s.closeOnce.Do(func() { close(s.ch) })
}

// Bus fans events out to local subscribers, one subscriber set per run.
// Publish never blocks: a slow consumer loses events and is flagged
// stale rather than stalling the run that produced them.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[string]*Subscription // run id → sub id → sub

	closed bool
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[string]*Subscription)}
}

// Subscribe registers a consumer for one run's events.
func (b *Bus) Subscribe(runID string) *Subscription {
	sub := &Subscription{
		id:    uuid.New().String(),
		runID: runID,
		ch:    make(chan *models.Event, defaultInboxSize),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.close()
		return sub
	}
	set, ok := b.subs[runID]
	if !ok {
		set = make(map[string]*Subscription)
		b.subs[runID] = set
	}
	set[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel. The close
// happens under the write lock so a concurrent Publish, which sends
// under the read lock, can never hit a closed channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[sub.runID]; ok {
		delete(set, sub.id)
		if len(set) == 0 {
			delete(b.subs, sub.runID)
		}
	}
	sub.close()
}

// SubscriberCount returns the number of live subscriptions for a run.
func (b *Bus) SubscriberCount(runID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[runID])
}

// Publish delivers an event to every subscriber of its run. Token events
// go only to subscribers that opted in. Full inboxes drop the event and
// mark the subscription stale.
func (b *Bus) Publish(e *models.Event) {
	// Sends stay under the read lock: closes take the write lock, so a
	// racing Unsubscribe or Close cannot close an inbox mid-send. The
	// sends are non-blocking, so the lock is never held for long.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs[e.RunID] {
		if e.Type == models.EventLLMToken && !sub.includeTokens.Load() {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			sub.stale.Store(true)
		}
	}
}

// Close drops all subscriptions and closes their channels. Subsequent
// publishes are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, set := range b.subs {
		for _, sub := range set {
			sub.close()
		}
	}
	b.subs = make(map[string]map[string]*Subscription)
}
