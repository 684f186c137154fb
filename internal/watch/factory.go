package watch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mediaingest/transcoderd/internal/logger"
	"github.com/mediaingest/transcoderd/internal/model"
	"github.com/mediaingest/transcoderd/internal/store"
	"github.com/mediaingest/transcoderd/internal/util"
)

// Factory turns stabilized file candidates into queued jobs. All watchers
// funnel through Enqueue, which is the single deduplication point.
type Factory struct {
	store *store.Store
}

func NewFactory(st *store.Store) *Factory {
	return &Factory{store: st}
}

// Enqueue creates a pending job for inputPath unless an equivalent job is
// already pending or processing. The returned bool is true when a new job
// was created.
func (f *Factory) Enqueue(src *model.Source, inputPath string) (*model.Job, bool, error) {
	filename := filepath.Base(inputPath)

	var profile *model.Profile
	if src.ProfileID != 0 {
		p, err := f.store.GetProfile(src.ProfileID)
		if err != nil {
			return nil, false, fmt.Errorf("load profile %d: %w", src.ProfileID, err)
		}
		profile = p
	}

	outputDir := f.outputDir(src, inputPath)
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, false, fmt.Errorf("create output directory %s: %w", outputDir, err)
	}
	if err := util.DirWritable(outputDir); err != nil {
		return nil, false, fmt.Errorf("output directory not writable: %w", err)
	}

	job := &model.Job{
		SourceID:      src.ID,
		ProfileID:     src.ProfileID,
		InputFilename: filename,
		InputPath:     inputPath,
		OutputPath:    filepath.Join(outputDir, OutputFilename(filename, profile)),
	}
	if info, err := os.Stat(inputPath); err == nil {
		job.InputSize = info.Size()
	}

	created, isNew, err := f.store.InsertJobIfAbsent(job)
	if err != nil {
		return nil, false, err
	}
	if isNew {
		logger.Info("Queued job", "job_id", created.ID, "source", src.Name, "file", filename)
	} else {
		logger.Debug("Job already queued, skipping", "source", src.Name, "file", filename)
	}
	return created, isNew, nil
}

// outputDir resolves where transcodes for this source land: the configured
// output path when set, otherwise next to the input file.
func (f *Factory) outputDir(src *model.Source, inputPath string) string {
	if src.OutputPath != "" {
		return src.OutputPath
	}
	return filepath.Dir(inputPath)
}

// OutputFilename derives the transcode's filename from the input name and
// profile: base name, an underscore, the lowercased profile name with spaces
// replaced by underscores, and the profile's container extension.
func OutputFilename(inputName string, profile *model.Profile) string {
	base := strings.TrimSuffix(inputName, filepath.Ext(inputName))

	suffix := "default"
	container := "mxf"
	if profile != nil {
		if profile.Name != "" {
			suffix = strings.ToLower(strings.ReplaceAll(profile.Name, " ", "_"))
		}
		if profile.Container != "" {
			container = profile.Container
		}
	}
	return base + "_" + suffix + "." + container
}
