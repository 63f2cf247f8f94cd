package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicDeliversLatestOnSubscribe(t *testing.T) {
	topic := NewTopic[int](2)
	topic.Publish(7)

	ch, unsubscribe := topic.Subscribe()
	defer unsubscribe()

	assert.Equal(t, 7, await(t, ch))

	latest, ok := topic.Latest()
	require.True(t, ok)
	assert.Equal(t, 7, latest)
}

func TestTopicDropsOldestOnBackpressure(t *testing.T) {
	topic := NewTopic[int](2)
	ch, unsubscribe := topic.Subscribe()
	defer unsubscribe()

	for i := 1; i <= 5; i++ {
		topic.Publish(i)
	}

	assert.Equal(t, 4, await(t, ch))
	assert.Equal(t, 5, await(t, ch))

	stats := topic.Stats()
	assert.Equal(t, uint64(5), stats.Published)
	assert.Equal(t, uint64(3), stats.Dropped)
	assert.Equal(t, 1, stats.Subscribers)
}

func TestTopicUnsubscribeClosesChannel(t *testing.T) {
	topic := NewTopic[string](1)
	ch, unsubscribe := topic.Subscribe()

	unsubscribe()
	unsubscribe()

	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, topic.Stats().Subscribers)

	// Publishing after unsubscribe must not panic.
	topic.Publish("late")
}

func TestTopicLatestEmpty(t *testing.T) {
	topic := NewTopic[int](0)
	_, ok := topic.Latest()
	assert.False(t, ok)
}

func await[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "channel closed unexpectedly")
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for value")
		var zero T
		return zero
	}
}
