package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerverless/jobqueue/internal/worker"
)

func TestBroker_SubscribeUnsubscribe(t *testing.T) {
	b := NewBroker(0, nil)

	s := b.Subscribe("test-agent")
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, "test-agent", s.UserAgent)
	assert.Equal(t, 1, b.Stats().Subscribers)

	b.Unsubscribe(s.ID)
	assert.Equal(t, 0, b.Stats().Subscribers)

	_, open := <-s.Events()
	assert.False(t, open, "unsubscribe closes the channel")

	assert.NotPanics(t, func() { b.Unsubscribe(s.ID) })
}

func TestBroker_FanOut(t *testing.T) {
	b := NewBroker(4, nil)
	s1 := b.Subscribe("")
	s2 := b.Subscribe("")

	b.Publish(worker.Event{Type: worker.EventCompleted, JobID: "j1"})

	for _, s := range []*Subscriber{s1, s2} {
		e := <-s.Events()
		assert.Equal(t, worker.EventCompleted, e.Type)
		assert.Equal(t, "j1", e.JobID)
	}
	assert.Equal(t, int64(1), b.Stats().Published)
}

func TestBroker_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := NewBroker(2, nil)
	slow := b.Subscribe("")

	for i := 0; i < 5; i++ {
		b.Publish(worker.Event{Type: worker.EventClaimed})
	}

	assert.Equal(t, int64(3), slow.Dropped())
	st := b.Stats()
	assert.Equal(t, int64(5), st.Published)
	assert.Equal(t, int64(3), st.Dropped)
	assert.Len(t, slow.Events(), 2)
}

func TestBroker_ConcurrentPublishAndUnsubscribe(t *testing.T) {
	b := NewBroker(1, nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := b.Subscribe("")
			for j := 0; j < 50; j++ {
				b.Publish(worker.Event{Type: worker.EventClaimed})
			}
			b.Unsubscribe(s.ID)
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, b.Stats().Subscribers)
}

func TestBroker_Close(t *testing.T) {
	b := NewBroker(1, nil)
	s := b.Subscribe("")
	b.Close()

	_, open := <-s.Events()
	require.False(t, open)
	assert.Equal(t, 0, b.Stats().Subscribers)
}
