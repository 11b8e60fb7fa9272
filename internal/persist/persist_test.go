package persist

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgerhart/aegisflux/backend/consensus/internal/credibility"
	"github.com/sgerhart/aegisflux/backend/consensus/internal/model"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "consensus.db"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_SaveLoad(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	snap := credibility.Snapshot{
		Sources: map[string]float64{"node-a": 0.73, "upstream-feed": 0.91},
		IPs:     map[string]float64{"192.168.1.100": 0.45},
		Categories: map[model.ThreatType]credibility.Accuracy{
			model.Malware: {Correct: 7, Total: 9},
		},
	}
	require.NoError(t, s.Save(ctx, snap))

	loaded, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, snap, loaded)
}

func TestStore_SaveReplaces(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, credibility.Snapshot{
		Sources: map[string]float64{"node-a": 0.5, "node-b": 0.6},
	}))
	require.NoError(t, s.Save(ctx, credibility.Snapshot{
		Sources: map[string]float64{"node-c": 0.8},
	}))

	loaded, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"node-c": 0.8}, loaded.Sources)
	assert.Empty(t, loaded.IPs)
	assert.Empty(t, loaded.Categories)
}

func TestStore_RestoreRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	original := credibility.NewStore()
	original.RecordSource("node-a", true)
	original.RecordIP("10.0.0.10", false)
	original.RecordCategory(model.APT, true)
	require.NoError(t, s.Snapshot(ctx, original))

	restored := credibility.NewStore()
	require.NoError(t, s.Restore(ctx, restored))
	assert.Equal(t, original.Export(), restored.Export())
}

func TestStore_RestoreEmptyKeepsStore(t *testing.T) {
	s := setupTestStore(t)

	st := credibility.NewStore()
	st.RecordSource("node-a", true)
	before := st.Export()

	require.NoError(t, s.Restore(context.Background(), st))
	assert.Equal(t, before, st.Export())
}

func TestStore_CancelledContext(t *testing.T) {
	s := setupTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Save(ctx, credibility.Snapshot{Sources: map[string]float64{"node-a": 0.5}})
	assert.Error(t, err)
}

func TestOpen_BadPath(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing-dir", "nested", "consensus.db"), slog.Default())
	assert.Error(t, err)
}
