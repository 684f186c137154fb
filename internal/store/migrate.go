package store

import (
	"fmt"

	"github.com/mediaingest/transcoderd/internal/logger"
	"github.com/mediaingest/transcoderd/internal/model"
)

// Columns added after the initial release. Databases created before these
// columns existed are upgraded additively on startup; nothing is ever
// dropped or rewritten.
var optionalColumns = map[string][]columnDef{
	"sources": {
		{"archive_path", "TEXT"},
		{"ftp_host", "TEXT"},
		{"ftp_port", "INTEGER DEFAULT 21"},
		{"ftp_username", "TEXT"},
		{"ftp_password", "TEXT"},
		{"ftp_remote_path", "TEXT"},
		{"ftp_local_staging", "TEXT"},
	},
	"workers": {
		{"max_concurrent", "INTEGER NOT NULL DEFAULT 1"},
	},
	"jobs": {
		{"input_duration", "REAL"},
		{"output_duration", "REAL"},
	},
}

type columnDef struct {
	name string
	typ  string
}

// migrate adds any optional columns missing from an existing database.
func (s *Store) migrate() error {
	for table, cols := range optionalColumns {
		existing, err := s.tableColumns(table)
		if err != nil {
			return fmt.Errorf("inspect %s: %w", table, err)
		}
		for _, col := range cols {
			if existing[col.name] {
				continue
			}
			stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, col.name, col.typ)
			if _, err := s.db.Exec(stmt); err != nil {
				return fmt.Errorf("add column %s.%s: %w", table, col.name, err)
			}
			logger.Info("Added missing column", "table", table, "column", col.name)
		}
	}
	return nil
}

func (s *Store) tableColumns(table string) (map[string]bool, error) {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var cid int
		var name, typ string
		var notNull, pk int
		var dflt interface{}
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// SeedDefaultProfile creates the standard broadcast profile on first start.
// Existing profiles are never touched.
func (s *Store) SeedDefaultProfile() error {
	existing, err := s.GetProfileByName("XDCAM50")
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	p := &model.Profile{
		Name:            "XDCAM50",
		Description:     "Standard XDCAM HD 50 Mbit broadcast profile",
		VideoCodec:      "mpeg2video",
		VideoBitrate:    "50000k",
		AudioCodec:      "pcm_s16le",
		AudioBitrate:    "1536k",
		AudioSampleRate: "48000",
		AudioChannels:   "2",
		Container:       "mxf",
		ExtraArgs:       "-profile:v 0 -level:v 2 -pix_fmt yuv422p",
	}
	if err := s.CreateProfile(p); err != nil {
		return err
	}
	logger.Info("Seeded default profile", "name", p.Name, "id", p.ID)
	return nil
}
