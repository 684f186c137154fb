package watch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediaingest/transcoderd/internal/config"
	"github.com/mediaingest/transcoderd/internal/model"
	"github.com/mediaingest/transcoderd/internal/store"
)

func newSupervisorFixture(t *testing.T) (*Supervisor, *store.Store) {
	t.Helper()
	s := newTestStore(t)

	cfg := config.DefaultConfig()
	cfg.StabilityInterval = config.Duration(time.Millisecond)
	cfg.StabilityWindow = config.Duration(2 * time.Millisecond)
	cfg.PollInterval = config.Duration(time.Millisecond)

	dial := func(*model.Source, time.Duration) (RemoteClient, error) {
		return &fakeClient{}, nil
	}
	return NewSupervisor(s, NewFactory(s), cfg, dial), s
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestSupervisor_Reconcile_StartsAndStops(t *testing.T) {
	sup, s := newSupervisorFixture(t)
	defer sup.StopAll()

	src := &model.Source{Name: "drop", Kind: model.SourceLocal, Path: t.TempDir(), Active: true}
	require.NoError(t, s.CreateSource(src))

	require.NoError(t, sup.Reconcile(context.Background()))
	assert.True(t, sup.Watching(src.ID))

	waitFor(t, func() bool {
		got, _ := s.GetSource(src.ID)
		return got.Status == model.SourceMonitoring
	})

	src.Active = false
	require.NoError(t, s.UpdateSource(src))
	require.NoError(t, sup.Reconcile(context.Background()))
	assert.False(t, sup.Watching(src.ID))
}

func TestSupervisor_Reconcile_RestartsOnChange(t *testing.T) {
	sup, s := newSupervisorFixture(t)
	defer sup.StopAll()

	src := &model.Source{Name: "drop", Kind: model.SourceLocal, Path: t.TempDir(), Active: true}
	require.NoError(t, s.CreateSource(src))
	require.NoError(t, sup.Reconcile(context.Background()))
	require.True(t, sup.Watching(src.ID))

	// Changing the watched path forces a restart; the watcher must pick up
	// the new directory.
	src.Path = t.TempDir()
	require.NoError(t, s.UpdateSource(src))
	require.NoError(t, sup.Reconcile(context.Background()))
	assert.True(t, sup.Watching(src.ID))
}

func TestSupervisor_Reconcile_MisconfiguredFTP(t *testing.T) {
	sup, s := newSupervisorFixture(t)
	defer sup.StopAll()

	src := &model.Source{Name: "bad-remote", Kind: model.SourceFTP, Active: true}
	require.NoError(t, s.CreateSource(src))

	require.NoError(t, sup.Reconcile(context.Background()))
	assert.False(t, sup.Watching(src.ID))

	got, err := s.GetSource(src.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SourceError, got.Status)
}

func TestSupervisor_StopAll_MarksIdle(t *testing.T) {
	sup, s := newSupervisorFixture(t)

	src := &model.Source{Name: "drop", Kind: model.SourceLocal, Path: t.TempDir(), Active: true}
	require.NoError(t, s.CreateSource(src))
	require.NoError(t, sup.Reconcile(context.Background()))

	sup.StopAll()
	assert.False(t, sup.Watching(src.ID))

	got, err := s.GetSource(src.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SourceIdle, got.Status)
}
