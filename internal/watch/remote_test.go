package watch

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediaingest/transcoderd/internal/model"
	"github.com/mediaingest/transcoderd/internal/store"
)

// fakeClient scripts FTP responses. FileSize pops successive values so a
// test can simulate a file growing between probes.
type fakeClient struct {
	entries   []RemoteEntry
	sizes     map[string][]int64
	data      map[string][]byte
	downloads int
}

func (c *fakeClient) List(dir string) ([]RemoteEntry, error) {
	return c.entries, nil
}

func (c *fakeClient) FileSize(p string) (int64, error) {
	name := filepath.Base(p)
	seq := c.sizes[name]
	if len(seq) == 0 {
		return 0, os.ErrNotExist
	}
	size := seq[0]
	if len(seq) > 1 {
		c.sizes[name] = seq[1:]
	}
	return size, nil
}

func (c *fakeClient) Download(p string, w io.Writer) error {
	c.downloads++
	_, err := w.Write(c.data[filepath.Base(p)])
	return err
}

func (c *fakeClient) Quit() error { return nil }

func newRemoteFixture(t *testing.T, client *fakeClient) (*remoteWatcher, *store.Store, *model.Source) {
	t.Helper()
	s := newTestStore(t)

	src := &model.Source{
		Name:            "remote",
		Kind:            model.SourceFTP,
		FTPHost:         "ftp.example.com",
		FTPUsername:     "ingest",
		FTPRemotePath:   "/incoming",
		FTPLocalStaging: t.TempDir(),
		OutputPath:      t.TempDir(),
		Active:          true,
	}
	require.NoError(t, s.CreateSource(src))

	dial := func(*model.Source, time.Duration) (RemoteClient, error) { return client, nil }
	w := newRemoteWatcher(src, s, NewFactory(s), dial,
		time.Millisecond, time.Millisecond, time.Millisecond, time.Second)
	w.adoptWait = time.Millisecond
	w.adoptRecheck = time.Millisecond
	return w, s, src
}

func TestRemoteWatcher_DownloadsStableFile(t *testing.T) {
	client := &fakeClient{
		entries: []RemoteEntry{{Name: "clip.mxf", Size: 4}},
		sizes:   map[string][]int64{"clip.mxf": {4}},
		data:    map[string][]byte{"clip.mxf": []byte("data")},
	}
	w, s, src := newRemoteFixture(t, client)

	require.NoError(t, w.poll(context.Background()))

	staged := filepath.Join(src.FTPLocalStaging, "clip.mxf")
	content, err := os.ReadFile(staged)
	require.NoError(t, err)
	assert.Equal(t, "data", string(content))

	jobs, err := s.ListJobs(0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, staged, jobs[0].InputPath)
	assert.Equal(t, model.StatusPending, jobs[0].Status)

	// Next poll must not touch the file again.
	require.NoError(t, w.poll(context.Background()))
	assert.Equal(t, 1, client.downloads)
	jobs, _ = s.ListJobs(0)
	assert.Len(t, jobs, 1)
}

func TestRemoteWatcher_SkipsGrowingFile(t *testing.T) {
	client := &fakeClient{
		entries: []RemoteEntry{{Name: "clip.mxf", Size: 100}},
		sizes:   map[string][]int64{"clip.mxf": {100, 200, 200}},
		data:    map[string][]byte{"clip.mxf": []byte("data")},
	}
	w, s, _ := newRemoteFixture(t, client)

	// First poll sees the size change between probes and backs off.
	require.NoError(t, w.poll(context.Background()))
	assert.Equal(t, 0, client.downloads)
	jobs, _ := s.ListJobs(0)
	assert.Empty(t, jobs)

	// Second poll sees a stable size and takes the file.
	require.NoError(t, w.poll(context.Background()))
	assert.Equal(t, 1, client.downloads)
	jobs, _ = s.ListJobs(0)
	assert.Len(t, jobs, 1)
}

func TestRemoteWatcher_SkipsEmptyFile(t *testing.T) {
	client := &fakeClient{
		entries: []RemoteEntry{{Name: "empty.mxf", Size: 0}},
		sizes:   map[string][]int64{"empty.mxf": {0}},
	}
	w, s, _ := newRemoteFixture(t, client)

	require.NoError(t, w.poll(context.Background()))
	assert.Equal(t, 0, client.downloads)
	jobs, _ := s.ListJobs(0)
	assert.Empty(t, jobs)
}

func TestRemoteWatcher_IgnoresDisallowedExtensions(t *testing.T) {
	client := &fakeClient{
		entries: []RemoteEntry{{Name: "notes.txt", Size: 10}},
		sizes:   map[string][]int64{"notes.txt": {10}},
	}
	w, s, _ := newRemoteFixture(t, client)

	require.NoError(t, w.poll(context.Background()))
	jobs, _ := s.ListJobs(0)
	assert.Empty(t, jobs)
}

func TestRemoteWatcher_AdoptsCompleteStagingFile(t *testing.T) {
	client := &fakeClient{
		entries: []RemoteEntry{{Name: "clip.mxf", Size: 4}},
		sizes:   map[string][]int64{"clip.mxf": {4}},
		data:    map[string][]byte{"clip.mxf": []byte("data")},
	}
	w, s, src := newRemoteFixture(t, client)

	// A complete copy from a previous run is already in staging.
	staged := filepath.Join(src.FTPLocalStaging, "clip.mxf")
	require.NoError(t, os.WriteFile(staged, []byte("data"), 0644))

	require.NoError(t, w.poll(context.Background()))
	assert.Equal(t, 0, client.downloads, "complete staging file must not be re-downloaded")

	jobs, _ := s.ListJobs(0)
	require.Len(t, jobs, 1)
	assert.Equal(t, staged, jobs[0].InputPath)
}

func TestRemoteWatcher_ReplacesStalePartial(t *testing.T) {
	client := &fakeClient{
		entries: []RemoteEntry{{Name: "clip.mxf", Size: 4}},
		sizes:   map[string][]int64{"clip.mxf": {4}},
		data:    map[string][]byte{"clip.mxf": []byte("data")},
	}
	w, s, src := newRemoteFixture(t, client)

	// Truncated leftover from an interrupted download.
	staged := filepath.Join(src.FTPLocalStaging, "clip.mxf")
	require.NoError(t, os.WriteFile(staged, []byte("da"), 0644))

	require.NoError(t, w.poll(context.Background()))
	assert.Equal(t, 1, client.downloads)

	content, err := os.ReadFile(staged)
	require.NoError(t, err)
	assert.Equal(t, "data", string(content))

	jobs, _ := s.ListJobs(0)
	assert.Len(t, jobs, 1)
}
