package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishFanOut(t *testing.T) {
	b := NewBus(4)
	ch1, cancel1 := b.Subscribe()
	ch2, cancel2 := b.Subscribe()
	defer cancel1()
	defer cancel2()

	b.Publish(Event{Type: TypeTaskUpdate, TaskID: "t1"})

	e1 := <-ch1
	e2 := <-ch2
	assert.Equal(t, "t1", e1.TaskID)
	assert.Equal(t, "t1", e2.TaskID)
	assert.False(t, e1.Timestamp.IsZero(), "timestamp stamped on publish")
	assert.Equal(t, 2, b.SubscriberCount())
}

func TestBus_CancelClosesChannel(t *testing.T) {
	b := NewBus(1)
	ch, cancel := b.Subscribe()
	cancel()
	cancel() // safe to call again

	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, b.SubscriberCount())
}

func TestBus_SlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := NewBus(1)
	ch, cancel := b.Subscribe()
	defer cancel()

	// Fill the buffer; further publishes drop instead of blocking.
	for i := 0; i < 10; i++ {
		b.Publish(Event{Type: TypeQueueUpdate})
	}
	require.Len(t, ch, 1)
}

func TestBus_ConcurrentPublishAgainstFullSubscriber(t *testing.T) {
	b := NewBus(1)
	_, cancel := b.Subscribe()
	defer cancel()
	b.Publish(Event{Type: TypeQueueUpdate})

	// Every publish below hits the drop path for the full subscriber; the
	// drop counter must tolerate parallel publishers.
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				b.Publish(Event{Type: TypeTaskUpdate})
			}
		}()
	}
	wg.Wait()
}
