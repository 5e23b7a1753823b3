package ws

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drainAll(sub *Subscriber) [][]byte {
	var out [][]byte
	for {
		select {
		case payload := <-sub.Outbox():
			out = append(out, payload)
		default:
			return out
		}
	}
}

func TestHub_SubscribeCounts(t *testing.T) {
	h := NewHub()

	a := NewSubscriber()
	b := NewSubscriber()

	assert.Equal(t, 1, h.Subscribe("cam-1", a))
	assert.Equal(t, 2, h.Subscribe("cam-1", b))
	assert.Equal(t, 2, h.Count("cam-1"))
	assert.Equal(t, 0, h.Count("cam-2"))

	assert.Equal(t, 1, h.Unsubscribe("cam-1", a))
	assert.Equal(t, 0, h.Unsubscribe("cam-1", b))
	assert.Equal(t, 0, h.Count("cam-1"))
}

func TestHub_UnsubscribeUnknownSubscriberIsHarmless(t *testing.T) {
	h := NewHub()
	assert.Equal(t, 0, h.Unsubscribe("cam-1", NewSubscriber()))
}

func TestHub_BroadcastReachesOnlyCameraSubscribers(t *testing.T) {
	h := NewHub()

	a := NewSubscriber()
	b := NewSubscriber()
	other := NewSubscriber()
	h.Subscribe("cam-1", a)
	h.Subscribe("cam-1", b)
	h.Subscribe("cam-2", other)

	h.Broadcast("cam-1", NewStatus("hello"))

	for _, sub := range []*Subscriber{a, b} {
		msgs := drainAll(sub)
		require.Len(t, msgs, 1)
		var status StatusMessage
		require.NoError(t, json.Unmarshal(msgs[0], &status))
		assert.Equal(t, "status", status.Type)
		assert.Equal(t, "hello", status.Message)
	}
	assert.Empty(t, drainAll(other))
}

func TestHub_BroadcastPreservesOrderPerSubscriber(t *testing.T) {
	h := NewHub()
	sub := NewSubscriber()
	h.Subscribe("cam-1", sub)

	for i := 0; i < 10; i++ {
		h.Broadcast("cam-1", NewStatus(fmt.Sprintf("msg-%d", i)))
	}

	msgs := drainAll(sub)
	require.Len(t, msgs, 10)
	for i, raw := range msgs {
		var status StatusMessage
		require.NoError(t, json.Unmarshal(raw, &status))
		assert.Equal(t, fmt.Sprintf("msg-%d", i), status.Message)
	}
}

func TestHub_SlowSubscriberIsDropped(t *testing.T) {
	h := NewHub()

	slow := NewSubscriber()
	fast := NewSubscriber()
	h.Subscribe("cam-1", slow)
	h.Subscribe("cam-1", fast)

	// Nobody drains slow: once its buffer fills, the next broadcast must
	// evict it instead of blocking the pipeline.
	total := subscriberBuffer + 5
	for i := 0; i < total; i++ {
		h.Broadcast("cam-1", NewStatus(fmt.Sprintf("msg-%d", i)))
		drainAll(fast)
	}

	assert.Equal(t, 1, h.Count("cam-1"))

	select {
	case <-slow.Done():
	default:
		t.Fatal("dropped subscriber's Done channel must be closed")
	}

	// The surviving subscriber keeps receiving.
	h.Broadcast("cam-1", NewStatus("after"))
	require.Len(t, drainAll(fast), 1)
}

func TestSubscriber_EnqueueAfterDropFails(t *testing.T) {
	h := NewHub()
	sub := NewSubscriber()
	h.Subscribe("cam-1", sub)
	h.Unsubscribe("cam-1", sub)

	assert.False(t, sub.Enqueue([]byte("late")))
}

func TestHub_BroadcastToEmptyCameraIsNoop(t *testing.T) {
	h := NewHub()
	h.Broadcast("cam-1", NewStatus("nobody listening"))
	assert.Equal(t, 0, h.Count("cam-1"))
}
