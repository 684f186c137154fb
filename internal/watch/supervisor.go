package watch

import (
	"context"
	"fmt"
	"sync"

	"github.com/mediaingest/transcoderd/internal/config"
	"github.com/mediaingest/transcoderd/internal/logger"
	"github.com/mediaingest/transcoderd/internal/model"
	"github.com/mediaingest/transcoderd/internal/store"
)

// Supervisor keeps one running watcher per active source and reconciles the
// running set against the database whenever sources change.
type Supervisor struct {
	store   *store.Store
	factory *Factory
	cfg     *config.Config
	dial    DialFunc

	mu      sync.Mutex
	running map[int64]*runningWatcher
}

type runningWatcher struct {
	fingerprint string
	cancel      context.CancelFunc
	done        chan struct{}
}

func NewSupervisor(st *store.Store, factory *Factory, cfg *config.Config, dial DialFunc) *Supervisor {
	if dial == nil {
		dial = DialFTP
	}
	return &Supervisor{
		store:   st,
		factory: factory,
		cfg:     cfg,
		dial:    dial,
		running: make(map[int64]*runningWatcher),
	}
}

// Reconcile starts watchers for active sources, stops watchers for sources
// that were deactivated or deleted, and restarts watchers whose defining
// attributes changed.
func (s *Supervisor) Reconcile(ctx context.Context) error {
	sources, err := s.store.ListActiveSources()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[int64]*model.Source, len(sources))
	for _, src := range sources {
		want[src.ID] = src
	}

	for id, rw := range s.running {
		src, ok := want[id]
		if ok && rw.fingerprint == fingerprint(src) {
			continue
		}
		rw.cancel()
		<-rw.done
		delete(s.running, id)
		if !ok {
			logger.Info("Stopped watcher", "source_id", id)
		}
	}

	for id, src := range want {
		if _, ok := s.running[id]; ok {
			continue
		}
		if err := validateSource(src); err != nil {
			logger.Error("Source misconfigured, not watching", "source", src.Name, "error", err)
			if serr := s.store.SetSourceStatus(src.ID, model.SourceError); serr != nil {
				logger.Warn("Failed to update source status", "source", src.Name, "error", serr)
			}
			continue
		}
		s.start(ctx, src)
	}
	return nil
}

// start launches a watcher goroutine for src. Caller holds s.mu.
func (s *Supervisor) start(ctx context.Context, src *model.Source) {
	wctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.running[src.ID] = &runningWatcher{
		fingerprint: fingerprint(src),
		cancel:      cancel,
		done:        done,
	}

	go func() {
		defer close(done)
		switch src.Kind {
		case model.SourceFTP:
			w := newRemoteWatcher(src, s.store, s.factory, s.dial,
				s.cfg.PollInterval.Std(), s.cfg.StabilityWait.Std(),
				s.cfg.ErrorBackoff.Std(), s.cfg.FTPTimeout.Std())
			w.run(wctx)
		default:
			w := newLocalWatcher(src, s.store, s.factory,
				s.cfg.StabilityInterval.Std(), s.cfg.StabilityWindow.Std())
			w.run(wctx)
		}
	}()
}

// StopAll stops every running watcher and marks the sources idle.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, rw := range s.running {
		rw.cancel()
		<-rw.done
		delete(s.running, id)
		if err := s.store.SetSourceStatus(id, model.SourceIdle); err != nil {
			logger.Warn("Failed to update source status", "source_id", id, "error", err)
		}
	}
}

// Watching reports whether a watcher is currently running for the source.
func (s *Supervisor) Watching(sourceID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[sourceID]
	return ok
}

// validateSource checks the attributes a watcher cannot run without.
func validateSource(src *model.Source) error {
	switch src.Kind {
	case model.SourceFTP:
		if src.FTPHost == "" {
			return fmt.Errorf("ftp source has no host")
		}
		if src.FTPUsername == "" {
			return fmt.Errorf("ftp source has no username")
		}
		if src.FTPLocalStaging == "" {
			return fmt.Errorf("ftp source has no local staging directory")
		}
	default:
		if src.Path == "" {
			return fmt.Errorf("local source has no path")
		}
	}
	return nil
}

// fingerprint captures the attributes that require a watcher restart when
// they change.
func fingerprint(src *model.Source) string {
	return fmt.Sprintf("%s|%s|%s|%s|%s:%d|%s|%s|%s|%d",
		src.Kind, src.Path, src.OutputPath, src.ArchivePath,
		src.FTPHost, src.FTPPort, src.FTPUsername, src.FTPRemotePath, src.FTPLocalStaging,
		src.ProfileID)
}
