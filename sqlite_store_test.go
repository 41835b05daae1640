package sagaflow

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteStore(t *testing.T) *SQLiteHistoryStore {
	t.Helper()
	store, err := OpenSQLiteHistoryStore(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteHistoryStore(t *testing.T) {
	testStoreConformance(t, newSQLiteStore(t))
}

func TestSQLiteHistoryStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.db")

	store, err := OpenSQLiteHistoryStore(path)
	require.NoError(t, err)

	state, start := newTestInstance("persist-1")
	require.NoError(t, store.CreateInstance(ctx, state, start))
	require.NoError(t, store.Append(ctx, "persist-1", []*HistoryEvent{
		{SequenceNumber: 2, Kind: KindTaskScheduled, TaskID: 1, Name: "step",
			Payload: json.RawMessage(`{"x":1}`), Timestamp: time.Now()},
	}))
	require.NoError(t, store.Close())

	// A fresh open over the same file sees the same state: this is the crash
	// the engine recovers from.
	reopened, err := OpenSQLiteHistoryStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetInstance(ctx, "persist-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	assert.JSONEq(t, `{"n":1}`, string(got.Input))

	history, err := reopened.ReadHistory(ctx, "persist-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, KindOrchestratorStarted, history[0].Kind)
	assert.Equal(t, KindTaskScheduled, history[1].Kind)
	assert.JSONEq(t, `{"x":1}`, string(history[1].Payload))
}

func TestSQLiteHistoryStoreTimestampRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)

	stamp := time.Date(2026, 3, 1, 12, 30, 45, 123456789, time.UTC)
	state, start := newTestInstance("ts-1")
	state.CreatedAt = stamp
	state.LastUpdatedAt = stamp
	start.Timestamp = stamp
	require.NoError(t, store.CreateInstance(ctx, state, start))

	history, err := store.ReadHistory(ctx, "ts-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Timestamp.Equal(stamp))

	got, err := store.GetInstance(ctx, "ts-1")
	require.NoError(t, err)
	assert.True(t, got.CreatedAt.Equal(stamp))
}
