package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mediaingest/transcoderd/internal/model"
)

// ErrJobNotProcessing is returned when a terminal transition finds the job no
// longer PROCESSING, typically because it was cancelled in the meantime.
var ErrJobNotProcessing = errors.New("job is not processing")

const jobColumns = `id, source_id, profile_id, worker_id, input_filename, input_path,
	output_path, status, progress, input_size, output_size, input_duration,
	output_duration, error_message, created_at, started_at, completed_at`

// InsertJobIfAbsent returns the existing non-terminal job for the job's
// (source_id, input_filename) pair if one exists; otherwise it inserts the
// job in state PENDING. This is the sole deduplication point: concurrent
// calls for the same pair yield exactly one non-terminal job.
func (s *Store) InsertJobIfAbsent(job *model.Job) (*model.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRow(`
		SELECT `+jobColumns+`
		FROM jobs
		WHERE source_id = ? AND input_filename = ?
			AND status IN ('pending', 'processing')
		ORDER BY created_at, id
		LIMIT 1
	`, job.SourceID, job.InputFilename)

	existing, err := scanJob(row)
	if err == nil {
		return existing, false, nil
	}
	if err != sql.ErrNoRows {
		return nil, false, err
	}

	job.Status = model.StatusPending
	job.Progress = 0
	job.CreatedAt = time.Now()

	res, err := tx.Exec(`
		INSERT INTO jobs (source_id, profile_id, worker_id, input_filename, input_path,
			output_path, status, progress, input_size, created_at)
		VALUES (?, ?, NULL, ?, ?, ?, 'pending', 0, ?, ?)
	`, job.SourceID, nullInt64(job.ProfileID), job.InputFilename, job.InputPath,
		job.OutputPath, nullInt64(job.InputSize), formatTime(job.CreatedAt))
	if err != nil {
		return nil, false, err
	}

	job.ID, err = res.LastInsertId()
	if err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return job, true, nil
}

// ClaimNextPendingJob atomically selects the oldest PENDING job with no
// owner, transitions it to PROCESSING owned by workerID and returns it.
// Returns nil when no pending job exists. Two concurrent claims can never
// return the same job.
func (s *Store) ClaimNextPendingJob(workerID int64) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRow(`
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE status = 'pending' AND worker_id IS NULL
		ORDER BY created_at, id
		LIMIT 1
	`)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	started := time.Now()
	res, err := tx.Exec(`
		UPDATE jobs
		SET status = 'processing', worker_id = ?, started_at = ?
		WHERE id = ? AND status = 'pending' AND worker_id IS NULL
	`, workerID, formatTime(started), job.ID)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// lost the race inside the same transaction window; treat as empty
		return nil, nil
	}

	if _, err := tx.Exec(`UPDATE workers SET current_job_id = ?, status = 'running' WHERE id = ?`,
		job.ID, workerID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	job.Status = model.StatusProcessing
	job.WorkerID = workerID
	job.StartedAt = started
	return job, nil
}

// UpdateProgress advances a job's progress. It silently does nothing if the
// job is no longer PROCESSING. Progress is clamped to [0,99]; only
// CompleteJob writes 100.
func (s *Store) UpdateProgress(jobID int64, percent int) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 99 {
		percent = 99
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE jobs SET progress = ? WHERE id = ? AND status = 'processing'
	`, percent, jobID)
	return err
}

// CompleteJob transitions a job to COMPLETED: progress 100, output size
// recorded, ownership released on both the job and its worker. Only a
// PROCESSING job can complete; a job cancelled in the meantime returns
// ErrJobNotProcessing and keeps its terminal state.
func (s *Store) CompleteJob(jobID int64, outputSize int64) error {
	return s.finishJob(jobID, model.StatusCompleted, func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE jobs
			SET status = 'completed', progress = 100, output_size = ?,
				worker_id = NULL, error_message = NULL, completed_at = ?
			WHERE id = ? AND status = 'processing'
		`, nullInt64(outputSize), formatTime(time.Now()), jobID)
		if err != nil {
			return err
		}
		return requireRow(res, jobID)
	})
}

// FailJob transitions a job to FAILED with the given message and releases
// ownership. Only a PROCESSING job can fail; otherwise ErrJobNotProcessing.
func (s *Store) FailJob(jobID int64, message string) error {
	return s.finishJob(jobID, model.StatusFailed, func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE jobs
			SET status = 'failed', error_message = ?, worker_id = NULL, completed_at = ?
			WHERE id = ? AND status = 'processing'
		`, message, formatTime(time.Now()), jobID)
		if err != nil {
			return err
		}
		return requireRow(res, jobID)
	})
}

func requireRow(res sql.Result, jobID int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("job %d: %w", jobID, ErrJobNotProcessing)
	}
	return nil
}

// CancelJob transitions a job to CANCELLED, resets progress to 0 and
// releases ownership. Pending and processing jobs can be cancelled.
func (s *Store) CancelJob(jobID int64) error {
	return s.finishJob(jobID, model.StatusCancelled, func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE jobs
			SET status = 'cancelled', progress = 0, worker_id = NULL, completed_at = ?
			WHERE id = ? AND status IN ('pending', 'processing')
		`, formatTime(time.Now()), jobID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("job %d is not cancellable", jobID)
		}
		return nil
	})
}

// finishJob runs a terminal transition and clears any worker that owned the
// job in the same transaction.
func (s *Store) finishJob(jobID int64, _ model.JobStatus, update func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := update(tx); err != nil {
		return err
	}

	if _, err := tx.Exec(`
		UPDATE workers SET current_job_id = NULL WHERE current_job_id = ?
	`, jobID); err != nil {
		return err
	}

	return tx.Commit()
}

// SetJobDuration records the probed input duration in seconds.
func (s *Store) SetJobDuration(jobID int64, seconds float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE jobs SET input_duration = ? WHERE id = ?`,
		nullFloat64(seconds), jobID)
	return err
}

// SetJobOutputDuration records the probed output duration in seconds.
func (s *Store) SetJobOutputDuration(jobID int64, seconds float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE jobs SET output_duration = ? WHERE id = ?`,
		nullFloat64(seconds), jobID)
	return err
}

// ResetProcessingJobs returns all PROCESSING jobs to PENDING with ownership
// cleared. Called once at startup to recover jobs orphaned by a crash.
func (s *Store) ResetProcessingJobs() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(`
		UPDATE jobs
		SET status = 'pending', progress = 0, worker_id = NULL, started_at = NULL
		WHERE status = 'processing'
	`)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if _, err := tx.Exec(`UPDATE workers SET current_job_id = NULL, status = 'idle'`); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(n), nil
}

// GetJob retrieves a job by ID. Returns nil if not found.
func (s *Store) GetJob(id int64) (*model.Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return job, err
}

// ListJobs returns the most recent jobs, newest first. limit <= 0 means all.
func (s *Store) ListJobs(limit int) ([]*model.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs ORDER BY created_at DESC, id DESC`
	args := []interface{}{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ActiveJobFilenames returns the input filenames of all non-terminal jobs
// for a source. Remote watchers use this to avoid re-downloading files
// after a restart.
func (s *Store) ActiveJobFilenames(sourceID int64) (map[string]bool, error) {
	rows, err := s.db.Query(`
		SELECT input_filename FROM jobs
		WHERE source_id = ? AND status IN ('pending', 'processing')
	`, sourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	names := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names[name] = true
	}
	return names, rows.Err()
}

// SourceJobCounts returns per-status job totals for one source.
func (s *Store) SourceJobCounts(sourceID int64) (model.JobCounts, error) {
	var c model.JobCounts
	row := s.db.QueryRow(`
		SELECT
			COUNT(*),
			SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'processing' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'cancelled' THEN 1 ELSE 0 END)
		FROM jobs WHERE source_id = ?
	`, sourceID)

	var total sql.NullInt64
	var pending, processing, completed, failed, cancelled sql.NullInt64
	if err := row.Scan(&total, &pending, &processing, &completed, &failed, &cancelled); err != nil {
		return c, err
	}
	c.Total = int(total.Int64)
	c.Pending = int(pending.Int64)
	c.Processing = int(processing.Int64)
	c.Completed = int(completed.Int64)
	c.Failed = int(failed.Int64)
	c.Cancelled = int(cancelled.Int64)
	return c, nil
}

func scanJob(row rowScanner) (*model.Job, error) {
	var job model.Job
	var profileID, workerID, inputSize, outputSize sql.NullInt64
	var inputDuration, outputDuration sql.NullFloat64
	var errMsg sql.NullString
	var status string
	var createdAt string
	var startedAt, completedAt sql.NullString

	err := row.Scan(
		&job.ID, &job.SourceID, &profileID, &workerID, &job.InputFilename, &job.InputPath,
		&job.OutputPath, &status, &job.Progress, &inputSize, &outputSize, &inputDuration,
		&outputDuration, &errMsg, &createdAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	job.ProfileID = profileID.Int64
	job.WorkerID = workerID.Int64
	job.InputSize = inputSize.Int64
	job.OutputSize = outputSize.Int64
	job.InputDuration = inputDuration.Float64
	job.OutputDuration = outputDuration.Float64
	job.ErrorMessage = errMsg.String
	job.Status = model.JobStatus(status)
	job.CreatedAt = parseTime(createdAt)
	job.StartedAt = parseTime(startedAt.String)
	job.CompletedAt = parseTime(completedAt.String)

	return &job, nil
}
