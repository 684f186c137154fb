package store

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/mediaingest/transcoderd/internal/model"
)

func TestCreateSource_AppliesDefaults(t *testing.T) {
	s := newTestStore(t)

	src := &model.Source{Name: "drop", Path: "/media/drop"}
	if err := s.CreateSource(src); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if src.Kind != model.SourceLocal {
		t.Errorf("expected local kind, got %s", src.Kind)
	}
	if src.Status != model.SourceIdle {
		t.Errorf("expected idle status, got %s", src.Status)
	}

	ftp := &model.Source{Name: "remote", Kind: model.SourceFTP, FTPHost: "ftp.example.com"}
	if err := s.CreateSource(ftp); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if ftp.FTPPort != 21 {
		t.Errorf("expected default port 21, got %d", ftp.FTPPort)
	}
}

func TestSource_RoundTrip(t *testing.T) {
	s := newTestStore(t)

	src := &model.Source{
		Name:            "newsroom",
		Kind:            model.SourceFTP,
		OutputPath:      "/media/out",
		ArchivePath:     "/media/archive",
		FTPHost:         "ftp.example.com",
		FTPPort:         2121,
		FTPUsername:     "ingest",
		FTPPassword:     "secret",
		FTPRemotePath:   "/incoming",
		FTPLocalStaging: "/media/staging",
		Active:          true,
	}
	if err := s.CreateSource(src); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	got, err := s.GetSource(src.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.FTPHost != src.FTPHost || got.FTPPort != src.FTPPort ||
		got.FTPRemotePath != src.FTPRemotePath || got.FTPLocalStaging != src.FTPLocalStaging {
		t.Errorf("ftp fields did not round-trip: %+v", got)
	}
	if got.ArchivePath != "/media/archive" {
		t.Errorf("expected archive path, got %q", got.ArchivePath)
	}
}

func TestListActiveSources_FiltersInactive(t *testing.T) {
	s := newTestStore(t)

	s.CreateSource(&model.Source{Name: "on", Path: "/a", Active: true})
	s.CreateSource(&model.Source{Name: "off", Path: "/b", Active: false})

	active, err := s.ListActiveSources()
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(active) != 1 || active[0].Name != "on" {
		t.Errorf("expected only active source, got %v", active)
	}
}

func TestDeleteProfile_RefusedWhileReferenced(t *testing.T) {
	s := newTestStore(t)

	p := &model.Profile{
		Name: "XDCAM50", VideoCodec: "mpeg2video", VideoBitrate: "50000k",
		AudioCodec: "pcm_s16le", AudioSampleRate: "48000", AudioChannels: "2",
		Container: "mxf",
	}
	if err := s.CreateProfile(p); err != nil {
		t.Fatalf("create profile failed: %v", err)
	}

	src := &model.Source{Name: "drop", Path: "/media/drop", ProfileID: p.ID}
	if err := s.CreateSource(src); err != nil {
		t.Fatalf("create source failed: %v", err)
	}

	err := s.DeleteProfile(p.ID)
	if !errors.Is(err, ErrProfileInUse) {
		t.Fatalf("expected ErrProfileInUse, got %v", err)
	}

	if err := s.DeleteSource(src.ID); err != nil {
		t.Fatalf("delete source failed: %v", err)
	}
	if err := s.DeleteProfile(p.ID); err != nil {
		t.Fatalf("expected delete to succeed, got %v", err)
	}
}

func TestSeedDefaultProfile_Idempotent(t *testing.T) {
	s := newTestStore(t)

	if err := s.SeedDefaultProfile(); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if err := s.SeedDefaultProfile(); err != nil {
		t.Fatalf("second seed failed: %v", err)
	}

	profiles, err := s.ListProfiles()
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(profiles) != 1 {
		t.Fatalf("expected 1 profile, got %d", len(profiles))
	}

	p := profiles[0]
	if p.Name != "XDCAM50" {
		t.Errorf("expected XDCAM50, got %s", p.Name)
	}
	if p.VideoCodec != "mpeg2video" || p.VideoBitrate != "50000k" {
		t.Errorf("unexpected video settings: %s %s", p.VideoCodec, p.VideoBitrate)
	}
	if p.Container != "mxf" {
		t.Errorf("expected mxf container, got %s", p.Container)
	}
}

func TestCreateWorker_MinimumConcurrency(t *testing.T) {
	s := newTestStore(t)

	w := &model.Worker{Name: "w", MaxConcurrent: 0}
	if err := s.CreateWorker(w); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if w.MaxConcurrent != 1 {
		t.Errorf("expected max_concurrent raised to 1, got %d", w.MaxConcurrent)
	}
}

func TestDeleteWorker_RefusedWhileProcessing(t *testing.T) {
	s := newTestStore(t)
	src := createTestSource(t, s)
	w := createTestWorker(t, s)

	queueTestJob(t, s, src.ID, "clip.mxf")
	if _, err := s.ClaimNextPendingJob(w.ID); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	if err := s.DeleteWorker(w.ID); err == nil {
		t.Error("expected delete of busy worker to fail")
	}
}

// Databases created before the FTP and concurrency columns existed must be
// upgraded in place without losing rows.
func TestMigrate_AddsMissingColumns(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "legacy.db")

	legacy, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open legacy db: %v", err)
	}
	_, err = legacy.Exec(`
		CREATE TABLE sources (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			kind TEXT NOT NULL DEFAULT 'local',
			path TEXT NOT NULL DEFAULT '',
			output_path TEXT,
			profile_id INTEGER,
			active INTEGER NOT NULL DEFAULT 1,
			status TEXT NOT NULL DEFAULT 'idle',
			created_at TEXT NOT NULL
		);
		CREATE TABLE workers (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			status TEXT NOT NULL DEFAULT 'idle',
			current_job_id INTEGER,
			created_at TEXT NOT NULL
		);
		INSERT INTO sources (name, path, created_at) VALUES ('old', '/media/old', '2024-01-01T00:00:00Z');
		INSERT INTO workers (name, created_at) VALUES ('old-worker', '2024-01-01T00:00:00Z');
	`)
	if err != nil {
		t.Fatalf("build legacy schema: %v", err)
	}
	legacy.Close()

	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open migrated store: %v", err)
	}
	defer s.Close()

	src, err := s.GetSource(1)
	if err != nil {
		t.Fatalf("get migrated source: %v", err)
	}
	if src == nil || src.Name != "old" {
		t.Fatalf("expected legacy row to survive, got %+v", src)
	}
	if src.ArchivePath != "" || src.FTPHost != "" {
		t.Errorf("expected empty new columns, got %+v", src)
	}

	w, err := s.GetWorker(1)
	if err != nil {
		t.Fatalf("get migrated worker: %v", err)
	}
	if w == nil || w.Name != "old-worker" {
		t.Fatalf("expected legacy worker to survive, got %+v", w)
	}
	if w.MaxConcurrent != 1 {
		t.Errorf("expected default max_concurrent 1, got %d", w.MaxConcurrent)
	}
}
