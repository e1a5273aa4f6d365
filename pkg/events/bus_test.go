package events

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runforge/runforge/pkg/models"
)

func testEvent(runID string, id int64, t models.EventType) *models.Event {
	return &models.Event{
		ID:     id,
		RunID:  runID,
		Type:   t,
		SpanID: models.NewSpanID(),
	}
}

func TestBusDeliversInOrder(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe("run_a")
	defer bus.Unsubscribe(sub)

	for i := int64(1); i <= 5; i++ {
		bus.Publish(testEvent("run_a", i, models.EventStepStarted))
	}

	for i := int64(1); i <= 5; i++ {
		e := <-sub.Events()
		assert.Equal(t, i, e.ID)
	}
	assert.False(t, sub.Stale())
}

func TestBusIsolatesRuns(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	subA := bus.Subscribe("run_a")
	subB := bus.Subscribe("run_b")
	defer bus.Unsubscribe(subA)
	defer bus.Unsubscribe(subB)

	bus.Publish(testEvent("run_a", 1, models.EventRunStarted))

	e := <-subA.Events()
	assert.Equal(t, "run_a", e.RunID)
	assert.Empty(t, subB.Events())
}

func TestBusFiltersTokenEvents(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe("run_a")
	defer bus.Unsubscribe(sub)

	bus.Publish(testEvent("run_a", 1, models.EventLLMToken))
	bus.Publish(testEvent("run_a", 2, models.EventStepCompleted))

	e := <-sub.Events()
	assert.Equal(t, int64(2), e.ID, "token event should be filtered out")

	sub.SetIncludeTokens(true)
	bus.Publish(testEvent("run_a", 3, models.EventLLMToken))
	e = <-sub.Events()
	assert.Equal(t, models.EventLLMToken, e.Type)
}

func TestBusMarksSlowSubscriberStale(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe("run_a")
	defer bus.Unsubscribe(sub)

	// Fill the inbox without draining, then one more to overflow.
	for i := 0; i < defaultInboxSize; i++ {
		bus.Publish(testEvent("run_a", int64(i+1), models.EventLLMCalled))
	}
	require.False(t, sub.Stale())
	bus.Publish(testEvent("run_a", int64(defaultInboxSize+1), models.EventLLMCalled))
	assert.True(t, sub.Stale())

	// The overflowing event was dropped, not queued.
	drained := 0
	for len(sub.Events()) > 0 {
		<-sub.Events()
		drained++
	}
	assert.Equal(t, defaultInboxSize, drained)

	sub.ClearStale()
	assert.False(t, sub.Stale())
}

func TestBusSubscriberCount(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	assert.Equal(t, 0, bus.SubscriberCount("run_a"))
	subs := make([]*Subscription, 3)
	for i := range subs {
		subs[i] = bus.Subscribe("run_a")
	}
	assert.Equal(t, 3, bus.SubscriberCount("run_a"))

	bus.Unsubscribe(subs[0])
	assert.Equal(t, 2, bus.SubscriberCount("run_a"))

	// Unsubscribe is idempotent.
	bus.Unsubscribe(subs[0])
	assert.Equal(t, 2, bus.SubscriberCount("run_a"))
}

func TestBusCloseClosesChannels(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("run_a")

	bus.Close()

	_, open := <-sub.Events()
	assert.False(t, open)

	// Publishing after close is a no-op.
	bus.Publish(testEvent("run_a", 1, models.EventRunStarted))

	// Subscribing after close yields an already-closed subscription.
	late := bus.Subscribe("run_a")
	_, open = <-late.Events()
	assert.False(t, open)
}

func TestBusPublishDoesNotBlock(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe("run_a")
	defer bus.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < defaultInboxSize*4; i++ {
			bus.Publish(testEvent("run_a", int64(i+1), models.EventLLMCalled))
		}
	}()
	<-done
	assert.True(t, sub.Stale())
}

func TestBusPublishRacesUnsubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	// Publishers and subscribe/unsubscribe churners hammer the same run.
	// A send on a closed inbox would panic a publisher goroutine.
	done := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
					bus.Publish(testEvent("run_a", 1, models.EventStepStarted))
				}
			}
		}()
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
					sub := bus.Subscribe("run_a")
					bus.Unsubscribe(sub)
				}
			}
		}()
	}
	time.Sleep(200 * time.Millisecond)
	close(done)
	wg.Wait()
}

func TestRunChannel(t *testing.T) {
	assert.Equal(t, "run:run_abc", RunChannel("run_abc"))
	assert.Equal(t, fmt.Sprintf("run:%s", "x"), RunChannel("x"))
}
