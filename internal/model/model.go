package model

import (
	"strings"
	"time"
)

// SourceKind distinguishes how a source delivers files.
type SourceKind string

const (
	SourceLocal SourceKind = "local"
	SourceFTP   SourceKind = "ftp"
)

// SourceStatus is the observable state of a source's watcher.
type SourceStatus string

const (
	SourceIdle       SourceStatus = "idle"
	SourceMonitoring SourceStatus = "monitoring"
	SourceError      SourceStatus = "error"
)

// WorkerStatus is the observable state of a worker.
type WorkerStatus string

const (
	WorkerIdle    WorkerStatus = "idle"
	WorkerRunning WorkerStatus = "running"
	WorkerError   WorkerStatus = "error"
)

// JobStatus represents the current state of a transcode job.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

// Source is an ingest point: either a local directory watched for new files
// or a remote FTP directory polled on an interval.
type Source struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	Kind        SourceKind `json:"kind"`
	Path        string     `json:"path,omitempty"`         // watched directory (local)
	OutputPath  string     `json:"output_path,omitempty"`  // override for transcode output
	ArchivePath string     `json:"archive_path,omitempty"` // originals moved here after completion

	FTPHost         string `json:"ftp_host,omitempty"`
	FTPPort         int    `json:"ftp_port,omitempty"`
	FTPUsername     string `json:"ftp_username,omitempty"`
	FTPPassword     string `json:"-"`
	FTPRemotePath   string `json:"ftp_remote_path,omitempty"`
	FTPLocalStaging string `json:"ftp_local_staging,omitempty"` // download directory

	ProfileID int64        `json:"profile_id,omitempty"` // 0 = no profile bound
	Active    bool         `json:"active"`
	Status    SourceStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
}

// Profile is a named transcoding recipe. All codec fields are passed to
// ffmpeg verbatim; ExtraArgs is a free-form argument string that is
// sanitized and tokenized before use.
type Profile struct {
	ID              int64     `json:"id"`
	Name            string    `json:"name"`
	Description     string    `json:"description,omitempty"`
	VideoCodec      string    `json:"video_codec"`
	VideoBitrate    string    `json:"video_bitrate"`
	AudioCodec      string    `json:"audio_codec"`
	AudioBitrate    string    `json:"audio_bitrate,omitempty"`
	AudioSampleRate string    `json:"audio_sample_rate"`
	AudioChannels   string    `json:"audio_channels"`
	Container       string    `json:"container"`
	ExtraArgs       string    `json:"extra_args,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Worker is a logical execution slot. MaxConcurrent controls how many claim
// loops the pool runs for it; each loop claims and processes one job at a
// time.
type Worker struct {
	ID            int64        `json:"id"`
	Name          string       `json:"name"`
	Active        bool         `json:"active"`
	Status        WorkerStatus `json:"status"`
	CurrentJobID  int64        `json:"current_job_id,omitempty"` // 0 = none
	MaxConcurrent int          `json:"max_concurrent"`
	CreatedAt     time.Time    `json:"created_at"`
}

// Job is the durable record of one transcoding task.
type Job struct {
	ID        int64 `json:"id"`
	SourceID  int64 `json:"source_id"`
	ProfileID int64 `json:"profile_id,omitempty"`
	WorkerID  int64 `json:"worker_id,omitempty"` // non-zero only while processing

	InputFilename string `json:"input_filename"`
	InputPath     string `json:"input_path"`
	OutputPath    string `json:"output_path"`

	Status   JobStatus `json:"status"`
	Progress int       `json:"progress"` // 0-100; 100 only when completed

	InputSize      int64   `json:"input_size,omitempty"`
	OutputSize     int64   `json:"output_size,omitempty"`
	InputDuration  float64 `json:"input_duration,omitempty"`  // seconds
	OutputDuration float64 `json:"output_duration,omitempty"` // seconds

	ErrorMessage string `json:"error_message,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// IsTerminal returns true if the job is in a terminal state.
func (j *Job) IsTerminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed || j.Status == StatusCancelled
}

// JobCounts holds per-status job totals for one source.
type JobCounts struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}

// AllowedExtensions is the ingest allow-list, matched case-insensitively
// against the file extension.
var AllowedExtensions = []string{".mp4", ".mov", ".avi", ".mxf", ".mkv", ".mts", ".m2ts"}

// ExtensionAllowed reports whether ext (including the leading dot, any case)
// is in the ingest allow-list.
func ExtensionAllowed(ext string) bool {
	for _, e := range AllowedExtensions {
		if strings.EqualFold(ext, e) {
			return true
		}
	}
	return false
}
