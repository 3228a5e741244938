package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribePrefixFilter(t *testing.T) {
	t.Parallel()

	b := New()
	jobs, unsubJobs := b.Subscribe(4, "job.")
	defer unsubJobs()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()

	b.Publish(Event{Type: JobFailed, Data: "j1"})
	b.Publish(Event{Type: PresenceOnline, Data: "alice"})

	e := <-jobs
	assert.Equal(t, JobFailed, e.Type)
	assert.False(t, e.Time.IsZero())
	assert.Empty(t, jobs)

	require.Len(t, all, 2)
}

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	for i := 0; i < 10; i++ {
		b.Publish(Event{Type: DispatchQueued})
	}
	assert.Len(t, ch, 1)

	unsub()
	unsub()
	b.Publish(Event{Type: DispatchQueued})
}
