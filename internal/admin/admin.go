package admin

import (
	"context"
	"fmt"

	"github.com/mediaingest/transcoderd/internal/jobs"
	"github.com/mediaingest/transcoderd/internal/logger"
	"github.com/mediaingest/transcoderd/internal/model"
	"github.com/mediaingest/transcoderd/internal/store"
	"github.com/mediaingest/transcoderd/internal/watch"
)

// recentJobLimit caps how many jobs a status snapshot carries.
const recentJobLimit = 50

// Service is the management surface of the daemon. It wraps the store with
// the side effects the raw CRUD cannot have: changing a source reconciles
// its watcher, changing a worker starts or stops its claim loops.
type Service struct {
	store      *store.Store
	supervisor *watch.Supervisor
	pool       *jobs.Pool
}

func NewService(st *store.Store, sup *watch.Supervisor, pool *jobs.Pool) *Service {
	return &Service{store: st, supervisor: sup, pool: pool}
}

// Sources

func (s *Service) CreateSource(ctx context.Context, src *model.Source) error {
	if err := validateSource(src); err != nil {
		return err
	}
	if err := s.store.CreateSource(src); err != nil {
		return err
	}
	return s.supervisor.Reconcile(ctx)
}

func (s *Service) UpdateSource(ctx context.Context, src *model.Source) error {
	if err := validateSource(src); err != nil {
		return err
	}
	existing, err := s.store.GetSource(src.ID)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("source %d not found", src.ID)
	}
	if err := s.store.UpdateSource(src); err != nil {
		return err
	}
	return s.supervisor.Reconcile(ctx)
}

func (s *Service) DeleteSource(ctx context.Context, id int64) error {
	if err := s.store.DeleteSource(id); err != nil {
		return err
	}
	return s.supervisor.Reconcile(ctx)
}

// SetSourceActive flips a source's active flag and starts or stops its
// watcher accordingly.
func (s *Service) SetSourceActive(ctx context.Context, id int64, active bool) error {
	src, err := s.store.GetSource(id)
	if err != nil {
		return err
	}
	if src == nil {
		return fmt.Errorf("source %d not found", id)
	}
	if src.Active == active {
		return nil
	}
	src.Active = active
	if !active {
		src.Status = model.SourceIdle
	}
	if err := s.store.UpdateSource(src); err != nil {
		return err
	}
	return s.supervisor.Reconcile(ctx)
}

func (s *Service) ListSources() ([]*model.Source, error) {
	return s.store.ListSources()
}

func (s *Service) GetSource(id int64) (*model.Source, error) {
	return s.store.GetSource(id)
}

// Profiles

func (s *Service) CreateProfile(p *model.Profile) error {
	if err := validateProfile(p); err != nil {
		return err
	}
	return s.store.CreateProfile(p)
}

func (s *Service) UpdateProfile(p *model.Profile) error {
	if err := validateProfile(p); err != nil {
		return err
	}
	return s.store.UpdateProfile(p)
}

// DeleteProfile removes a profile; store.ErrProfileInUse comes back while
// sources or jobs still reference it.
func (s *Service) DeleteProfile(id int64) error {
	return s.store.DeleteProfile(id)
}

func (s *Service) ListProfiles() ([]*model.Profile, error) {
	return s.store.ListProfiles()
}

// Workers

func (s *Service) CreateWorker(ctx context.Context, w *model.Worker) error {
	if w.Name == "" {
		return fmt.Errorf("worker name is required")
	}
	if err := s.store.CreateWorker(w); err != nil {
		return err
	}
	if w.Active {
		return s.pool.StartWorker(ctx, w.ID)
	}
	return nil
}

// SetWorkerActive flips a worker's active flag. Activation starts its claim
// loops; deactivation stops claiming but lets in-flight jobs finish.
func (s *Service) SetWorkerActive(ctx context.Context, id int64, active bool) error {
	w, err := s.store.GetWorker(id)
	if err != nil {
		return err
	}
	if w == nil {
		return fmt.Errorf("worker %d not found", id)
	}
	if w.Active == active {
		return nil
	}
	w.Active = active
	if err := s.store.UpdateWorker(w); err != nil {
		return err
	}
	if active {
		return s.pool.StartWorker(ctx, id)
	}
	s.pool.StopWorker(id)
	return nil
}

func (s *Service) DeleteWorker(id int64) error {
	s.pool.StopWorker(id)
	return s.store.DeleteWorker(id)
}

func (s *Service) ListWorkers() ([]*model.Worker, error) {
	return s.store.ListWorkers()
}

// Jobs

func (s *Service) ListJobs(limit int) ([]*model.Job, error) {
	return s.store.ListJobs(limit)
}

func (s *Service) GetJob(id int64) (*model.Job, error) {
	return s.store.GetJob(id)
}

// CancelJob cancels a pending or running job.
func (s *Service) CancelJob(id int64) error {
	logger.Info("Cancelling job", "job_id", id)
	return s.pool.CancelJob(id)
}

// Status

// SourceStatus pairs a source with its job totals.
type SourceStatus struct {
	Source *model.Source   `json:"source"`
	Jobs   model.JobCounts `json:"jobs"`
}

// Snapshot is a point-in-time view of the whole system.
type Snapshot struct {
	Sources    []SourceStatus  `json:"sources"`
	Workers    []*model.Worker `json:"workers"`
	RecentJobs []*model.Job    `json:"recent_jobs"`
}

// Status assembles a snapshot of every source, worker and the most recent
// jobs.
func (s *Service) Status() (*Snapshot, error) {
	sources, err := s.store.ListSources()
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{Sources: make([]SourceStatus, 0, len(sources))}
	for _, src := range sources {
		counts, err := s.store.SourceJobCounts(src.ID)
		if err != nil {
			return nil, err
		}
		snap.Sources = append(snap.Sources, SourceStatus{Source: src, Jobs: counts})
	}

	if snap.Workers, err = s.store.ListWorkers(); err != nil {
		return nil, err
	}
	if snap.RecentJobs, err = s.store.ListJobs(recentJobLimit); err != nil {
		return nil, err
	}
	return snap, nil
}

func validateSource(src *model.Source) error {
	if src.Name == "" {
		return fmt.Errorf("source name is required")
	}
	switch src.Kind {
	case model.SourceFTP:
		if src.FTPHost == "" {
			return fmt.Errorf("ftp source requires a host")
		}
		if src.FTPLocalStaging == "" {
			return fmt.Errorf("ftp source requires a local staging directory")
		}
	case model.SourceLocal, "":
		if src.Path == "" {
			return fmt.Errorf("local source requires a path")
		}
	default:
		return fmt.Errorf("unknown source kind %q", src.Kind)
	}
	return nil
}

func validateProfile(p *model.Profile) error {
	if p.Name == "" {
		return fmt.Errorf("profile name is required")
	}
	if p.VideoCodec == "" || p.AudioCodec == "" {
		return fmt.Errorf("profile requires video and audio codecs")
	}
	if p.Container == "" {
		return fmt.Errorf("profile requires a container")
	}
	return nil
}
