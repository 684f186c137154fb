package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mediaingest/transcoderd/internal/model"
)

// ErrProfileInUse is returned by DeleteProfile while sources or jobs still
// reference the profile.
var ErrProfileInUse = errors.New("profile is referenced")

const sourceColumns = `id, name, kind, path, output_path, archive_path,
	ftp_host, ftp_port, ftp_username, ftp_password, ftp_remote_path, ftp_local_staging,
	profile_id, active, status, created_at`

const profileColumns = `id, name, description, video_codec, video_bitrate,
	audio_codec, audio_bitrate, audio_sample_rate, audio_channels, container,
	extra_args, created_at`

const workerColumns = `id, name, active, status, current_job_id, max_concurrent, created_at`

// Sources

// CreateSource inserts a source and fills in its ID and creation time.
func (s *Store) CreateSource(src *model.Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if src.Kind == "" {
		src.Kind = model.SourceLocal
	}
	if src.Status == "" {
		src.Status = model.SourceIdle
	}
	if src.Kind == model.SourceFTP && src.FTPPort == 0 {
		src.FTPPort = 21
	}
	src.CreatedAt = time.Now()

	res, err := s.db.Exec(`
		INSERT INTO sources (name, kind, path, output_path, archive_path,
			ftp_host, ftp_port, ftp_username, ftp_password, ftp_remote_path, ftp_local_staging,
			profile_id, active, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, src.Name, string(src.Kind), src.Path, nullString(src.OutputPath), nullString(src.ArchivePath),
		nullString(src.FTPHost), src.FTPPort, nullString(src.FTPUsername), nullString(src.FTPPassword),
		nullString(src.FTPRemotePath), nullString(src.FTPLocalStaging),
		nullInt64(src.ProfileID), boolToInt(src.Active), string(src.Status), formatTime(src.CreatedAt))
	if err != nil {
		return err
	}

	src.ID, err = res.LastInsertId()
	return err
}

// UpdateSource persists all mutable fields of a source.
func (s *Store) UpdateSource(src *model.Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE sources
		SET name = ?, kind = ?, path = ?, output_path = ?, archive_path = ?,
			ftp_host = ?, ftp_port = ?, ftp_username = ?, ftp_password = ?,
			ftp_remote_path = ?, ftp_local_staging = ?,
			profile_id = ?, active = ?, status = ?
		WHERE id = ?
	`, src.Name, string(src.Kind), src.Path, nullString(src.OutputPath), nullString(src.ArchivePath),
		nullString(src.FTPHost), src.FTPPort, nullString(src.FTPUsername), nullString(src.FTPPassword),
		nullString(src.FTPRemotePath), nullString(src.FTPLocalStaging),
		nullInt64(src.ProfileID), boolToInt(src.Active), string(src.Status), src.ID)
	return err
}

// DeleteSource removes a source. Its jobs are kept for history.
func (s *Store) DeleteSource(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM sources WHERE id = ?`, id)
	return err
}

// SetSourceStatus updates only the observable status of a source.
func (s *Store) SetSourceStatus(id int64, status model.SourceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE sources SET status = ? WHERE id = ?`, string(status), id)
	return err
}

// GetSource retrieves a source by ID. Returns nil if not found.
func (s *Store) GetSource(id int64) (*model.Source, error) {
	row := s.db.QueryRow(`SELECT `+sourceColumns+` FROM sources WHERE id = ?`, id)
	src, err := scanSource(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return src, err
}

// ListSources returns all sources in creation order.
func (s *Store) ListSources() ([]*model.Source, error) {
	return s.querySources(`SELECT ` + sourceColumns + ` FROM sources ORDER BY id`)
}

// ListActiveSources returns all sources with the active flag set.
func (s *Store) ListActiveSources() ([]*model.Source, error) {
	return s.querySources(`SELECT ` + sourceColumns + ` FROM sources WHERE active = 1 ORDER BY id`)
}

func (s *Store) querySources(q string, args ...interface{}) ([]*model.Source, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sources []*model.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

func scanSource(row rowScanner) (*model.Source, error) {
	var src model.Source
	var outputPath, archivePath, host, user, pass, remotePath, staging sql.NullString
	var port, profileID sql.NullInt64
	var active int
	var kind, status, createdAt string

	err := row.Scan(&src.ID, &src.Name, &kind, &src.Path, &outputPath, &archivePath,
		&host, &port, &user, &pass, &remotePath, &staging,
		&profileID, &active, &status, &createdAt)
	if err != nil {
		return nil, err
	}

	src.Kind = model.SourceKind(kind)
	src.OutputPath = outputPath.String
	src.ArchivePath = archivePath.String
	src.FTPHost = host.String
	src.FTPPort = int(port.Int64)
	src.FTPUsername = user.String
	src.FTPPassword = pass.String
	src.FTPRemotePath = remotePath.String
	src.FTPLocalStaging = staging.String
	src.ProfileID = profileID.Int64
	src.Active = active != 0
	src.Status = model.SourceStatus(status)
	src.CreatedAt = parseTime(createdAt)
	return &src, nil
}

// Profiles

// CreateProfile inserts a profile and fills in its ID and creation time.
func (s *Store) CreateProfile(p *model.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p.CreatedAt = time.Now()
	res, err := s.db.Exec(`
		INSERT INTO profiles (name, description, video_codec, video_bitrate,
			audio_codec, audio_bitrate, audio_sample_rate, audio_channels,
			container, extra_args, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.Name, nullString(p.Description), p.VideoCodec, p.VideoBitrate,
		p.AudioCodec, nullString(p.AudioBitrate), p.AudioSampleRate, p.AudioChannels,
		p.Container, nullString(p.ExtraArgs), formatTime(p.CreatedAt))
	if err != nil {
		return err
	}

	p.ID, err = res.LastInsertId()
	return err
}

// UpdateProfile persists all mutable fields of a profile.
func (s *Store) UpdateProfile(p *model.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE profiles
		SET name = ?, description = ?, video_codec = ?, video_bitrate = ?,
			audio_codec = ?, audio_bitrate = ?, audio_sample_rate = ?,
			audio_channels = ?, container = ?, extra_args = ?
		WHERE id = ?
	`, p.Name, nullString(p.Description), p.VideoCodec, p.VideoBitrate,
		p.AudioCodec, nullString(p.AudioBitrate), p.AudioSampleRate, p.AudioChannels,
		p.Container, nullString(p.ExtraArgs), p.ID)
	return err
}

// DeleteProfile removes a profile. The delete is refused with
// ErrProfileInUse while any source or job still references it.
func (s *Store) DeleteProfile(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var refs int
	err = tx.QueryRow(`
		SELECT (SELECT COUNT(*) FROM sources WHERE profile_id = ?)
			+ (SELECT COUNT(*) FROM jobs WHERE profile_id = ?)
	`, id, id).Scan(&refs)
	if err != nil {
		return err
	}
	if refs > 0 {
		return fmt.Errorf("%w: profile %d has %d references", ErrProfileInUse, id, refs)
	}

	if _, err := tx.Exec(`DELETE FROM profiles WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// GetProfile retrieves a profile by ID. Returns nil if not found.
func (s *Store) GetProfile(id int64) (*model.Profile, error) {
	row := s.db.QueryRow(`SELECT `+profileColumns+` FROM profiles WHERE id = ?`, id)
	p, err := scanProfile(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

// GetProfileByName retrieves a profile by its unique name. Returns nil if
// not found.
func (s *Store) GetProfileByName(name string) (*model.Profile, error) {
	row := s.db.QueryRow(`SELECT `+profileColumns+` FROM profiles WHERE name = ?`, name)
	p, err := scanProfile(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

// ListProfiles returns all profiles in creation order.
func (s *Store) ListProfiles() ([]*model.Profile, error) {
	rows, err := s.db.Query(`SELECT ` + profileColumns + ` FROM profiles ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var profiles []*model.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

func scanProfile(row rowScanner) (*model.Profile, error) {
	var p model.Profile
	var description, audioBitrate, extraArgs sql.NullString
	var createdAt string

	err := row.Scan(&p.ID, &p.Name, &description, &p.VideoCodec, &p.VideoBitrate,
		&p.AudioCodec, &audioBitrate, &p.AudioSampleRate, &p.AudioChannels,
		&p.Container, &extraArgs, &createdAt)
	if err != nil {
		return nil, err
	}

	p.Description = description.String
	p.AudioBitrate = audioBitrate.String
	p.ExtraArgs = extraArgs.String
	p.CreatedAt = parseTime(createdAt)
	return &p, nil
}

// Workers

// CreateWorker inserts a worker and fills in its ID and creation time.
func (s *Store) CreateWorker(w *model.Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w.Status == "" {
		w.Status = model.WorkerIdle
	}
	if w.MaxConcurrent < 1 {
		w.MaxConcurrent = 1
	}
	w.CreatedAt = time.Now()

	res, err := s.db.Exec(`
		INSERT INTO workers (name, active, status, current_job_id, max_concurrent, created_at)
		VALUES (?, ?, ?, NULL, ?, ?)
	`, w.Name, boolToInt(w.Active), string(w.Status), w.MaxConcurrent, formatTime(w.CreatedAt))
	if err != nil {
		return err
	}

	w.ID, err = res.LastInsertId()
	return err
}

// UpdateWorker persists the mutable fields of a worker.
func (s *Store) UpdateWorker(w *model.Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE workers SET name = ?, active = ?, status = ?, max_concurrent = ?
		WHERE id = ?
	`, w.Name, boolToInt(w.Active), string(w.Status), w.MaxConcurrent, w.ID)
	return err
}

// DeleteWorker removes a worker. Refused while the worker still holds a job.
func (s *Store) DeleteWorker(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var held int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM jobs WHERE worker_id = ? AND status = ?`,
		id, string(model.StatusProcessing)).Scan(&held)
	if err != nil {
		return err
	}
	if held > 0 {
		return fmt.Errorf("worker %d is processing %d job(s)", id, held)
	}

	_, err = s.db.Exec(`DELETE FROM workers WHERE id = ?`, id)
	return err
}

// SetWorkerStatus updates only the observable status of a worker.
func (s *Store) SetWorkerStatus(id int64, status model.WorkerStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE workers SET status = ? WHERE id = ?`, string(status), id)
	return err
}

// GetWorker retrieves a worker by ID. Returns nil if not found.
func (s *Store) GetWorker(id int64) (*model.Worker, error) {
	row := s.db.QueryRow(`SELECT `+workerColumns+` FROM workers WHERE id = ?`, id)
	w, err := scanWorker(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return w, err
}

// ListWorkers returns all workers in creation order.
func (s *Store) ListWorkers() ([]*model.Worker, error) {
	return s.queryWorkers(`SELECT ` + workerColumns + ` FROM workers ORDER BY id`)
}

// ListActiveWorkers returns all workers with the active flag set.
func (s *Store) ListActiveWorkers() ([]*model.Worker, error) {
	return s.queryWorkers(`SELECT ` + workerColumns + ` FROM workers WHERE active = 1 ORDER BY id`)
}

func (s *Store) queryWorkers(q string, args ...interface{}) ([]*model.Worker, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workers []*model.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

func scanWorker(row rowScanner) (*model.Worker, error) {
	var w model.Worker
	var currentJobID sql.NullInt64
	var active int
	var status, createdAt string

	err := row.Scan(&w.ID, &w.Name, &active, &status, &currentJobID, &w.MaxConcurrent, &createdAt)
	if err != nil {
		return nil, err
	}

	w.Active = active != 0
	w.Status = model.WorkerStatus(status)
	w.CurrentJobID = currentJobID.Int64
	w.CreatedAt = parseTime(createdAt)
	return &w, nil
}
