package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/listing-harvester/internal/models"
)

func TestStoreLifecycle(t *testing.T) {
	s := NewStore(30*time.Minute, nil)

	st := s.Create(models.SearchParams{BrandModel: "پژو 206"})
	assert.NotEmpty(t, st.ID)
	assert.Equal(t, StageSearching, st.Stage)

	_, err := s.Advance(st.ID, StageScraping)
	require.NoError(t, err)

	_, err = s.Update(st.ID, func(state *State) { state.URLsFound = 12 })
	require.NoError(t, err)

	got, err := s.Complete(st.ID)
	require.NoError(t, err)
	assert.Equal(t, StageCompleted, got.Stage)
	assert.Equal(t, 12, got.URLsFound)

	assert.True(t, s.Delete(st.ID))
	assert.False(t, s.Delete(st.ID))

	_, err = s.Get(st.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreFail(t *testing.T) {
	s := NewStore(time.Minute, nil)
	st := s.Create(models.SearchParams{})

	got, err := s.Fail(st.ID, errors.New("insufficient data"))
	require.NoError(t, err)
	assert.Equal(t, StageFailed, got.Stage)
	assert.Equal(t, "insufficient data", got.Error)

	_, err = s.Fail("missing", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreRestartRequiresTerminalStage(t *testing.T) {
	s := NewStore(time.Minute, nil)
	st := s.Create(models.SearchParams{BrandModel: "a"})

	_, err := s.Restart(st.ID, models.SearchParams{BrandModel: "b"})
	assert.ErrorIs(t, err, ErrBusy)

	_, err = s.Complete(st.ID)
	require.NoError(t, err)

	got, err := s.Restart(st.ID, models.SearchParams{BrandModel: "b"})
	require.NoError(t, err)
	assert.Equal(t, StageSearching, got.Stage)
	assert.Equal(t, "b", got.Params.BrandModel)
	assert.Equal(t, st.CreatedAt, got.CreatedAt)
}

func TestStoreEvictsIdleSessions(t *testing.T) {
	s := NewStore(30*time.Minute, nil)
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }

	old := s.Create(models.SearchParams{})
	_, err := s.Complete(old.ID)
	require.NoError(t, err)
	now = now.Add(20 * time.Minute)
	fresh := s.Create(models.SearchParams{})
	_, err = s.Complete(fresh.ID)
	require.NoError(t, err)

	now = now.Add(15 * time.Minute)
	assert.Equal(t, 1, s.Evict())

	_, err = s.Get(old.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(fresh.ID)
	assert.NoError(t, err)
}

func TestStoreKeepsUnfinishedSessions(t *testing.T) {
	s := NewStore(30*time.Minute, nil)
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }

	queued := s.Create(models.SearchParams{BrandModel: "پژو 206"})
	running := s.Create(models.SearchParams{BrandModel: "پراید 131"})
	_, err := s.Advance(running.ID, StageScraping)
	require.NoError(t, err)

	now = now.Add(31 * time.Minute)
	assert.Zero(t, s.Evict())

	got, err := s.Get(running.ID)
	require.NoError(t, err)
	assert.Equal(t, StageScraping, got.Stage)
	_, err = s.Get(queued.ID)
	assert.NoError(t, err)
}

func TestStoreReadsKeepFinishedSessionsAlive(t *testing.T) {
	s := NewStore(30*time.Minute, nil)
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }

	polled := s.Create(models.SearchParams{})
	_, err := s.Complete(polled.ID)
	require.NoError(t, err)
	abandoned := s.Create(models.SearchParams{})
	_, err = s.Complete(abandoned.ID)
	require.NoError(t, err)

	now = now.Add(20 * time.Minute)
	_, err = s.Get(polled.ID)
	require.NoError(t, err)

	now = now.Add(20 * time.Minute)
	assert.Equal(t, 1, s.Evict())

	_, err = s.Get(polled.ID)
	assert.NoError(t, err)
	_, err = s.Get(abandoned.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestJanitorStopsOnCancel(t *testing.T) {
	s := NewStore(time.Nanosecond, nil)
	st := s.Create(models.SearchParams{})
	_, err := s.Complete(st.ID)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Janitor(ctx, 5*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}
}

func TestStoreConcurrentAccess(t *testing.T) {
	s := NewStore(time.Minute, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st := s.Create(models.SearchParams{})
			_, _ = s.Advance(st.ID, StageScraping)
			_, _ = s.Get(st.ID)
			s.Evict()
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, s.Len())
}
