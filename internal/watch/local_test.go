package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediaingest/transcoderd/internal/model"
)

func newLocalFixture(t *testing.T) (*localWatcher, *model.Source) {
	t.Helper()
	s := newTestStore(t)

	src := &model.Source{
		Name:       "drop",
		Kind:       model.SourceLocal,
		Path:       t.TempDir(),
		OutputPath: t.TempDir(),
		Active:     true,
	}
	require.NoError(t, s.CreateSource(src))

	w := newLocalWatcher(src, s, NewFactory(s), 5*time.Millisecond, 10*time.Millisecond)
	return w, src
}

func TestLocalWatcher_WaitStable(t *testing.T) {
	w, src := newLocalFixture(t)

	path := filepath.Join(src.Path, "clip.mov")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0644))

	size, ok := w.waitStable(context.Background(), path)
	assert.True(t, ok)
	assert.Equal(t, int64(4), size)
}

func TestLocalWatcher_WaitStable_MissingFile(t *testing.T) {
	w, src := newLocalFixture(t)

	_, ok := w.waitStable(context.Background(), filepath.Join(src.Path, "gone.mov"))
	assert.False(t, ok)
}

func TestLocalWatcher_WaitStable_WaitsForGrowth(t *testing.T) {
	w, src := newLocalFixture(t)

	path := filepath.Join(src.Path, "clip.mov")
	require.NoError(t, os.WriteFile(path, []byte("d"), 0644))

	// Append in the background while the watcher is probing.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 3; i++ {
			time.Sleep(time.Millisecond)
			f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
			if err != nil {
				return
			}
			f.Write([]byte("ata"))
			f.Close()
		}
	}()

	size, ok := w.waitStable(context.Background(), path)
	<-done
	assert.True(t, ok)
	assert.Equal(t, int64(10), size)
}

func TestLocalWatcher_HandleCandidate_FiltersExtensions(t *testing.T) {
	w, src := newLocalFixture(t)

	path := filepath.Join(src.Path, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("not a video"), 0644))

	w.handleCandidate(context.Background(), path)

	jobs, err := w.store.ListJobs(0)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestLocalWatcher_HandleCandidate_SkipsEmptyFile(t *testing.T) {
	w, src := newLocalFixture(t)

	path := filepath.Join(src.Path, "empty.mov")
	require.NoError(t, os.WriteFile(path, nil, 0644))

	w.handleCandidate(context.Background(), path)

	jobs, err := w.store.ListJobs(0)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestLocalWatcher_SweepExisting(t *testing.T) {
	w, src := newLocalFixture(t)

	require.NoError(t, os.WriteFile(filepath.Join(src.Path, "a.mov"), []byte("data"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src.Path, "b.mxf"), []byte("data"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src.Path, "skip.txt"), []byte("data"), 0644))

	w.sweepExisting(context.Background())

	jobs, err := w.store.ListJobs(0)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestLocalWatcher_Run_MissingPath(t *testing.T) {
	s := newTestStore(t)

	src := &model.Source{Name: "broken", Kind: model.SourceLocal, Path: "/nonexistent/dir", Active: true}
	require.NoError(t, s.CreateSource(src))

	w := newLocalWatcher(src, s, NewFactory(s), time.Millisecond, time.Millisecond)
	w.run(context.Background())

	got, err := s.GetSource(src.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SourceError, got.Status)
}
