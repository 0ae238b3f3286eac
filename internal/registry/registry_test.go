package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/cookie-sandbox/pkg/models"
)

func TestRegisterAssignsIncreasingIDs(t *testing.T) {
	t.Parallel()

	r := New()
	var wg sync.WaitGroup
	ids := make(chan int64, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- r.Register(models.Sandbox{TargetURL: "https://example.com"}).ID
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]bool)
	for id := range ids {
		assert.False(t, seen[id], "id %d reused", id)
		seen[id] = true
	}
	assert.Len(t, seen, 100)

	list := r.List()
	for i := 1; i < len(list); i++ {
		assert.Less(t, list[i-1].ID, list[i].ID)
	}

	// ids are never reused after removal
	_, err := r.Remove(list[len(list)-1].ID)
	require.NoError(t, err)
	next := r.Register(models.Sandbox{})
	assert.Equal(t, int64(101), next.ID)
}

func TestSnapshotsAreCopies(t *testing.T) {
	t.Parallel()

	r := New()
	sb := r.Register(models.Sandbox{Identity: &models.Identity{Email: "a@x.com"}})
	assert.Equal(t, models.StatusInitializing, sb.Status)
	assert.Equal(t, "a@x.com", sb.AccountEmail)

	require.NoError(t, r.Log(sb.ID, "first"))

	snap, err := r.Get(sb.ID)
	require.NoError(t, err)
	snap.Logs[0] = "changed"
	snap.Identity.Email = "changed"

	again, err := r.Get(sb.ID)
	require.NoError(t, err)
	assert.Contains(t, again.Logs[0], "first")
	assert.Equal(t, "a@x.com", again.Identity.Email)
}

func TestTransitions(t *testing.T) {
	t.Parallel()

	r := New()
	id := r.Register(models.Sandbox{}).ID

	require.NoError(t, r.Transition(id, models.StatusRunning, "done"))
	require.NoError(t, r.Transition(id, models.StatusError, "broke"))

	err := r.Transition(id, models.StatusRunning, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	sb, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, sb.Status)
	assert.Equal(t, "broke", sb.Error)
	assert.Equal(t, "broke", sb.Message)
	assert.Len(t, sb.Logs, 2)

	require.NoError(t, r.Transition(id, models.StatusStopped, ""))
	assert.ErrorIs(t, r.Transition(id, models.StatusError, "x"), ErrInvalidTransition)
}

func TestUpdateCannotChangeIdentityFields(t *testing.T) {
	t.Parallel()

	r := New()
	id := r.Register(models.Sandbox{}).ID
	require.NoError(t, r.Update(id, func(sb *models.Sandbox) {
		sb.ID = 99
		sb.Status = models.StatusRunning
		sb.CookieFile = "a.txt"
	}))

	sb, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, id, sb.ID)
	assert.Equal(t, models.StatusInitializing, sb.Status)
	assert.Equal(t, "a.txt", sb.CookieFile)
}

func TestLogIsBounded(t *testing.T) {
	t.Parallel()

	r := New()
	id := r.Register(models.Sandbox{}).ID
	for i := 0; i < MaxLogEntries+25; i++ {
		require.NoError(t, r.Log(id, fmt.Sprintf("line %d", i)))
	}

	sb, err := r.Get(id)
	require.NoError(t, err)
	require.Len(t, sb.Logs, MaxLogEntries)
	assert.Contains(t, sb.Logs[0], "line 25")
	assert.Contains(t, sb.Logs[MaxLogEntries-1], fmt.Sprintf("line %d", MaxLogEntries+24))

	tail := sb.Summary(20)
	assert.Len(t, tail.Logs, 20)
}

func TestNotFound(t *testing.T) {
	t.Parallel()

	r := New()
	_, err := r.Get(7)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.Remove(7)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, r.Update(7, func(*models.Sandbox) {}), ErrNotFound)
	assert.ErrorIs(t, r.Transition(7, models.StatusRunning, ""), ErrNotFound)
	assert.ErrorIs(t, r.Log(7, "x"), ErrNotFound)
}
