package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mikeyg42/tileabr/internal/qrea"
)

func openTestStore(t *testing.T) *MetadataStore {
	t.Helper()
	cfg := DBConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "tileabr.db")}
	store, err := OpenMetadataStore(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	started := time.UnixMilli(1_700_000_000_000)
	require.NoError(t, store.SaveSession(ctx, &Session{
		ID: "s1", Mode: "adaptive", Policy: "per_tile", TileCount: 8, StartedAt: started.UnixMilli(),
	}))
	require.NoError(t, store.SaveSession(ctx, &Session{
		ID: "s2", Mode: "source", Policy: "uniform", TileCount: 4, StartedAt: started.Add(time.Minute).UnixMilli(),
	}))

	got, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 8, got.TileCount)
	assert.Equal(t, started, got.Started())
	assert.False(t, got.EndedAt.Valid)

	require.NoError(t, store.EndSession(ctx, "s1", started.Add(30*time.Second)))
	got, err = store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, got.EndedAt.Valid)

	list, err := store.ListSessions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "s2", list[0].ID, "newest first")

	_, err = store.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.True(t, IsNotExist(err))
	assert.ErrorIs(t, store.EndSession(ctx, "missing", started), ErrNotFound)
}

func TestSamplesAndSwitches(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	require.NoError(t, store.SaveSession(ctx, &Session{ID: "s1", Mode: "adaptive", Policy: "per_tile", TileCount: 8}))

	for i := 0; i < 3; i++ {
		require.NoError(t, store.SaveSample(ctx, &SampleRecord{
			SessionID: "s1",
			Sample:    qrea.Sample{Index: i, Time: float64(i) * 5, Qmatch: 0.75, Rlatency: 0.5, Buse: 0.9, Qstability: 1, QREA: 0.8},
		}))
	}
	samples, err := store.GetSamples(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, samples, 3)
	assert.Equal(t, 10.0, samples[2].Time)
	assert.Equal(t, 0.75, samples[0].Qmatch)

	// Sample indices are unique per session.
	assert.Error(t, store.SaveSample(ctx, &SampleRecord{SessionID: "s1", Sample: qrea.Sample{Index: 0}}))

	require.NoError(t, store.SaveSwitch(ctx, &SwitchRecord{
		SessionID: "s1", Seq: 1, Tile: 3, FromLevel: 1, ToLevel: 3, Quality: "high", At: 42, GlobalTime: 1.5,
	}))
	switches, err := store.GetSwitches(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, switches, 1)
	assert.Equal(t, "high", switches[0].Quality)
	assert.Equal(t, 1.5, switches[0].GlobalTime)

	require.NoError(t, store.DeleteSession(ctx, "s1"))
	samples, err = store.GetSamples(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, samples)
	assert.ErrorIs(t, store.DeleteSession(ctx, "s1"), ErrNotFound)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := OpenMetadataStore(context.Background(), DBConfig{Driver: "oracle"}, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestLocalExporter(t *testing.T) {
	dir := t.TempDir()
	exp, err := NewLocalExporter(dir, zaptest.NewLogger(t))
	require.NoError(t, err)

	loc, err := exp.Export(context.Background(), ExportKey("abc", QREAFile), []byte("Time\n"), ContentType(QREAFile))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "sessions", "abc", "qrea_log.csv"), loc)

	data, err := os.ReadFile(loc)
	require.NoError(t, err)
	assert.Equal(t, "Time\n", string(data))

	_, err = exp.Export(context.Background(), "../escape.csv", nil, "text/csv")
	assert.Error(t, err)
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "text/csv", ContentType(TraceFile))
	assert.Equal(t, "application/json", ContentType(QualityLogFile))
	assert.Equal(t, "application/octet-stream", ContentType("blob"))
}

func TestNopExporter(t *testing.T) {
	_, err := Nop{}.Export(context.Background(), "k", nil, "")
	var serr *StorageError
	assert.ErrorAs(t, err, &serr)
}

type blockingStore struct {
	Store
	release chan struct{}
}

func (b *blockingStore) SaveSample(ctx context.Context, rec *SampleRecord) error {
	<-b.release
	return nil
}

func TestWriterPersistsAsync(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	var failures []string
	w := NewWriter(store, 16, func(op string, err error) { failures = append(failures, op) }, zaptest.NewLogger(t))
	w.Start(ctx)

	require.NoError(t, w.SaveSession(Session{ID: "s1", Mode: "source", Policy: "uniform", TileCount: 4, StartedAt: 1}))
	require.NoError(t, w.SaveSample(SampleRecord{SessionID: "s1", Sample: qrea.Sample{Index: 0, QREA: 0.9}}))
	require.NoError(t, w.SaveSwitch(SwitchRecord{SessionID: "s1", Seq: 1, Tile: 0, Quality: "mid"}))
	require.NoError(t, w.EndSession("s1", time.UnixMilli(2)))
	require.NoError(t, w.Close())

	assert.Equal(t, uint64(4), w.Stats().Written.Load())
	assert.Empty(t, failures)

	samples, err := store.GetSamples(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, 0.9, samples[0].QREA)

	assert.ErrorIs(t, w.SaveSample(SampleRecord{SessionID: "s1"}), ErrWriterClosed)
}

func TestWriterDropsWhenFull(t *testing.T) {
	bs := &blockingStore{release: make(chan struct{})}
	var dropped int
	w := NewWriter(bs, 1, func(op string, err error) {
		if err == ErrQueueFull {
			dropped++
		}
	}, zaptest.NewLogger(t))

	// Not started: the first write fills the queue.
	require.NoError(t, w.SaveSample(SampleRecord{}))
	assert.ErrorIs(t, w.SaveSample(SampleRecord{}), ErrQueueFull)
	assert.Equal(t, 1, dropped)
	assert.Equal(t, uint64(1), w.Stats().Dropped.Load())

	w.Start(context.Background())
	close(bs.release)
	require.NoError(t, w.Close())
	assert.Equal(t, uint64(1), w.Stats().Written.Load())
}
