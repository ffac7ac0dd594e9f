package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/steward/pkg/session"
)

func TestManager_ConcurrentSessionsAreIsolated(t *testing.T) {
	h := newHarness(t, setup{sessions: session.NewMemoryStore()})
	m, err := NewManager(h.opts)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, m.Shutdown(context.Background())) })

	const n = 8
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o, err := m.Open(context.Background(), fmt.Sprintf("s%d", i))
			if !assert.NoError(t, err) {
				return
			}
			assert.NoError(t, o.Submit(fmt.Sprintf("/checkpoint from s%d", i)))
			st, err := o.WaitReady(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, Idle, st)
		}()
	}
	wg.Wait()

	assert.Len(t, m.List(), n)
	seen := map[string]bool{}
	for i := range n {
		id := fmt.Sprintf("s%d", i)
		o, ok := m.Get(id)
		require.True(t, ok)
		require.Equal(t, 1, o.Session().TurnCount())

		cps, err := h.ckpts.List(context.Background(), id)
		require.NoError(t, err)
		require.Len(t, cps, 1)
		assert.Equal(t, "from "+id, cps[0].Metadata.Description)
		assert.False(t, seen[cps[0].ID], "checkpoint ids are unique across sessions")
		seen[cps[0].ID] = true
	}
}

func TestManager_ResumesFromStore(t *testing.T) {
	store := session.NewMemoryStore()
	h := newHarness(t, setup{sessions: store})
	m, err := NewManager(h.opts)
	require.NoError(t, err)

	o, err := m.Open(context.Background(), "resume-me")
	require.NoError(t, err)
	same, err := m.Open(context.Background(), "resume-me")
	require.NoError(t, err)
	assert.Same(t, o, same)

	require.Equal(t, Idle, h.say(o, "/checkpoint one"))
	require.NoError(t, m.Close(context.Background(), "resume-me"))
	_, ok := m.Get("resume-me")
	assert.False(t, ok)
	assert.ErrorIs(t, m.Close(context.Background(), "resume-me"), session.ErrSessionNotFound)

	again, err := m.Open(context.Background(), "resume-me")
	require.NoError(t, err)
	assert.NotSame(t, o, again)
	assert.Equal(t, 1, again.Session().TurnCount())
	assert.Equal(t, []string{"ckpt_1"}, again.Session().CheckpointIDs())

	require.NoError(t, m.Shutdown(context.Background()))
	_, err = m.Open(context.Background(), "late")
	assert.ErrorIs(t, err, ErrClosed)
	assert.Empty(t, m.List())
}

func TestManager_EmptyIDStartsNewSession(t *testing.T) {
	h := newHarness(t, setup{})
	m, err := NewManager(h.opts)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, m.Shutdown(context.Background())) })

	a, err := m.Open(context.Background(), "")
	require.NoError(t, err)
	b, err := m.Open(context.Background(), "")
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), b.ID())
	assert.ElementsMatch(t, []string{a.ID(), b.ID()}, m.List())
}
