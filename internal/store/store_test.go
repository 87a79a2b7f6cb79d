package store

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classwatch/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "events.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_PersistAssignsID(t *testing.T) {
	s := openTestStore(t)

	id, err := s.Persist(context.Background(), &types.Event{
		Type:   types.EventTypeCellExecution,
		UserID: "student_1",
		Room:   "class_1",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestStore_PersistKeepsProvidedID(t *testing.T) {
	s := openTestStore(t)

	id, err := s.Persist(context.Background(), &types.Event{
		ID:     "evt_42",
		Type:   types.EventTypeHelpRequest,
		UserID: "student_1",
	})
	require.NoError(t, err)
	assert.Equal(t, "evt_42", id)
}

func TestStore_RecentByUserRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Minute)
	for i, cell := range []string{"cell_1", "cell_2", "cell_3"} {
		_, err := s.Persist(ctx, &types.Event{
			Type:       types.EventTypeCellExecution,
			UserID:     "student_1",
			Room:       "class_1",
			NotebookID: "nb_1",
			CellID:     cell,
			Content:    map[string]interface{}{"status": "success"},
			Timestamp:  base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}
	_, err := s.Persist(ctx, &types.Event{
		Type:   types.EventTypeCellExecution,
		UserID: "student_2",
		Room:   "class_1",
	})
	require.NoError(t, err)

	events, err := s.RecentByUser(ctx, "student_1", 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "cell_3", events[0].CellID, "newest first")
	assert.Equal(t, "nb_1", events[0].NotebookID)
	assert.Equal(t, "success", events[0].Content["status"])
}

func TestStore_RecentByUserHonorsLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Minute)
	for i := 0; i < 5; i++ {
		_, err := s.Persist(ctx, &types.Event{
			Type:      types.EventTypeProgressUpdate,
			UserID:    "student_1",
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	events, err := s.RecentByUser(ctx, "student_1", 2)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestStore_RecentByRoom(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Persist(ctx, &types.Event{Type: types.EventTypeHelpRequest, UserID: "a", Room: "class_1"})
	require.NoError(t, err)
	_, err = s.Persist(ctx, &types.Event{Type: types.EventTypeHelpRequest, UserID: "b", Room: "class_2"})
	require.NoError(t, err)

	events, err := s.RecentByRoom(ctx, "class_1", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "a", events[0].UserID)
}

func TestStore_ConcurrentPersist(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Persist(ctx, &types.Event{
				Type:   types.EventTypeCellExecution,
				UserID: "student_1",
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	events, err := s.RecentByUser(ctx, "student_1", 100)
	require.NoError(t, err)
	assert.Len(t, events, 20)
}

func TestStore_ClosedStoreRejectsWrites(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "second close is a no-op")

	_, err := s.Persist(context.Background(), &types.Event{Type: types.EventTypePing})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestStore_HealthCheck(t *testing.T) {
	s := openTestStore(t)
	assert.NoError(t, s.HealthCheck(context.Background()))
}
