package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcastReachesEverySubscriber(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub1 := b.Subscribe()
	sub2 := b.Subscribe()

	b.Publish(&Notification{Method: "notebook/output", Params: map[string]any{"cell_index": 0}})

	for _, sub := range []Subscriber{sub1, sub2} {
		select {
		case n := <-sub:
			assert.Equal(t, "notebook/output", n.Method)
			assert.False(t, n.Timestamp.IsZero())
		case <-time.After(time.Second):
			t.Fatal("subscriber never received the notification")
		}
	}
}

func TestSlowSubscriberIsRemovedAfterRepeatedFailures(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	// Never drained: its buffer fills, then every send counts as a failure.
	stuck := b.Subscribe()
	healthy := b.Subscribe()

	drained := make(chan int)
	go func() {
		n := 0
		for range healthy {
			n++
		}
		drained <- n
	}()

	for i := 0; i < cap(stuck)+maxSendFailures+1; i++ {
		b.Publish(&Notification{Method: "notebook/output"})
	}

	// Only the stuck subscriber is removed; the draining one stays.
	require.Eventually(t, func() bool { return b.SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)

	b.Unsubscribe(healthy)
	assert.Greater(t, <-drained, 0)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)

	_, open := <-sub
	assert.False(t, open)
	assert.Equal(t, 0, b.SubscriberCount())
}
