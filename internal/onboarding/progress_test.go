package onboarding

import (
	"io"
	"sync"
	"testing"
	"time"

	"example.com/backstage/services/onboarding/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func drain(sub *Subscription) []Progress {
	var events []Progress
	for p := range sub.Events() {
		events = append(events, p)
	}
	return events
}

func TestBrokerDeliversInOrderAndClosesOnTerminal(t *testing.T) {
	broker := NewBroker(16, quietLogger())
	sub := broker.Subscribe("req-1")

	broker.Emit(Progress{RequestID: "req-1", Stage: models.StageDeviceCreate, Percent: 5})
	broker.Emit(Progress{RequestID: "req-2", Stage: models.StageDeviceCreate, Percent: 5})
	broker.Emit(Progress{RequestID: "req-1", Stage: models.StageDeviceCreate, Percent: 15})
	broker.Emit(Progress{RequestID: "req-1", Stage: models.StageNotify, Percent: 100, Terminal: true})

	events := drain(sub)
	require.Len(t, events, 3)
	assert.Equal(t, []int{5, 15, 100}, []int{events[0].Percent, events[1].Percent, events[2].Percent})
	assert.Equal(t, 0, broker.SubscriberCount("req-1"))
}

func TestBrokerEmitNeverBlocks(t *testing.T) {
	broker := NewBroker(2, quietLogger())
	sub := broker.Subscribe("req-1")

	done := make(chan struct{})
	go func() {
		for i := 1; i <= 50; i++ {
			broker.Emit(Progress{RequestID: "req-1", Percent: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a full subscriber")
	}

	sub.Cancel()
	events := drain(sub)
	require.Len(t, events, 2)
	assert.Equal(t, 1, events[0].Percent)
	assert.Equal(t, 2, events[1].Percent)
}

func TestBrokerReplaysLastEventToLateSubscriber(t *testing.T) {
	broker := NewBroker(4, quietLogger())
	broker.Emit(Progress{RequestID: "req-1", Percent: 35})

	sub := broker.Subscribe("req-1")
	broker.Emit(Progress{RequestID: "req-1", Percent: 40})
	broker.Emit(Progress{RequestID: "req-1", Percent: 100, Terminal: true})

	events := drain(sub)
	require.Len(t, events, 3)
	assert.Equal(t, 35, events[0].Percent)
	assert.Equal(t, 100, events[2].Percent)
}

func TestBrokerSubscribeAfterCompletion(t *testing.T) {
	broker := NewBroker(4, quietLogger())
	broker.Emit(Progress{RequestID: "req-1", Percent: 100, Terminal: true})

	events := drain(broker.Subscribe("req-1"))
	require.Len(t, events, 1)
	assert.True(t, events[0].Terminal)

	broker.Forget("req-1")
	_, ok := broker.Last("req-1")
	assert.False(t, ok)
}

func TestBrokerCancelledSubscriberIsSkipped(t *testing.T) {
	broker := NewBroker(4, quietLogger())
	sub := broker.Subscribe("req-1")
	sub.Cancel()
	sub.Cancel()

	assert.NotPanics(t, func() {
		broker.Emit(Progress{RequestID: "req-1", Percent: 5})
	})
	assert.Empty(t, drain(sub))
}

func TestBrokerForwardsToSinks(t *testing.T) {
	var mu sync.Mutex
	var seen []int
	sink := ReporterFunc(func(p Progress) {
		mu.Lock()
		seen = append(seen, p.Percent)
		mu.Unlock()
	})

	broker := NewBroker(4, quietLogger(), sink)
	broker.Emit(Progress{RequestID: "req-1", Percent: 5})
	broker.Emit(Progress{RequestID: "req-1", Percent: 15})

	assert.Equal(t, []int{5, 15}, seen)
}

func TestBrokerConcurrentSubscribers(t *testing.T) {
	broker := NewBroker(128, quietLogger())

	var wg sync.WaitGroup
	results := make([][]Progress, 8)
	for i := range results {
		sub := broker.Subscribe("req-1")
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = drain(sub)
		}(i)
	}

	for pct := 0; pct <= 100; pct += 5 {
		broker.Emit(Progress{RequestID: "req-1", Percent: pct, Terminal: pct == 100})
	}
	wg.Wait()

	for _, events := range results {
		require.Len(t, events, 21)
		for i := 1; i < len(events); i++ {
			assert.GreaterOrEqual(t, events[i].Percent, events[i-1].Percent)
		}
	}
}
