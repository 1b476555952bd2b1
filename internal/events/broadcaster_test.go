package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := New(30 * time.Second)
	defer b.Close()

	ch, unsub := b.Subscribe("u1")
	defer unsub()

	b.Publish("u1", TagTasks)

	select {
	case ev := <-ch:
		assert.Equal(t, TagTasks, ev.Tag)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishDoesNotCrossUsers(t *testing.T) {
	b := New(30 * time.Second)
	defer b.Close()

	chA, unsubA := b.Subscribe("a")
	defer unsubA()
	chB, unsubB := b.Subscribe("b")
	defer unsubB()

	b.Publish("a", TagDaily)

	select {
	case ev := <-chA:
		assert.Equal(t, TagDaily, ev.Tag)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event on a")
	}

	select {
	case <-chB:
		t.Fatal("user b should not have received user a's event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowSubscriberEventsAreDroppedNotBlocked(t *testing.T) {
	b := New(30 * time.Second)
	defer b.Close()

	ch, unsub := b.Subscribe("u1")
	defer unsub()

	for i := 0; i < subscriberQueueSize+10; i++ {
		b.Publish("u1", TagMetrics)
	}

	assert.Len(t, ch, subscriberQueueSize)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New(30 * time.Second)
	defer b.Close()

	ch, unsub := b.Subscribe("u1")
	unsub()

	_, ok := <-ch
	assert.False(t, ok)
}

func TestHeartbeatFiresOnInterval(t *testing.T) {
	b := New(20 * time.Millisecond)
	defer b.Close()

	ch, unsub := b.Subscribe("u1")
	defer unsub()

	select {
	case ev := <-ch:
		assert.Equal(t, tagHeartbeat, ev.Tag)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for heartbeat")
	}
}

func TestNewClampsHeartbeatAboveThirtySeconds(t *testing.T) {
	b := New(time.Hour)
	defer b.Close()
	require.Equal(t, 30*time.Second, b.heartbeat)
}
