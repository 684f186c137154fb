package jobs

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mediaingest/transcoderd/internal/ffmpeg"
	"github.com/mediaingest/transcoderd/internal/logger"
	"github.com/mediaingest/transcoderd/internal/model"
	"github.com/mediaingest/transcoderd/internal/store"
	"github.com/mediaingest/transcoderd/internal/util"
)

const (
	durationProbeTimeout = 10 * time.Second
	interruptGrace       = 5 * time.Second
	progressWriteGap     = 100 * time.Millisecond
	stderrKeepLines      = 200
)

// Runner executes one job at a time: preflight, probe, transcode, archive.
type Runner struct {
	store    *store.Store
	compiler *ffmpeg.Compiler
	prober   *ffmpeg.Prober

	mu      sync.Mutex
	running map[int64]*runningJob
}

type runningJob struct {
	cancel    context.CancelFunc
	cancelled bool
}

func NewRunner(st *store.Store, compiler *ffmpeg.Compiler, prober *ffmpeg.Prober) *Runner {
	return &Runner{
		store:    st,
		compiler: compiler,
		prober:   prober,
		running:  make(map[int64]*runningJob),
	}
}

// Cancel interrupts a running job. Returns false if the job is not currently
// executing in this runner.
func (r *Runner) Cancel(jobID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rj, ok := r.running[jobID]
	if !ok {
		return false
	}
	rj.cancelled = true
	rj.cancel()
	return true
}

// Run processes one claimed job to a terminal state. A ctx cancellation from
// process shutdown leaves the job in processing; it is requeued on the next
// start.
func (r *Runner) Run(ctx context.Context, job *model.Job) {
	logger.Info("Processing job", "job_id", job.ID, "file", job.InputFilename)

	if msg, ok := r.preflight(job); !ok {
		r.fail(job.ID, msg)
		return
	}

	var profile *model.Profile
	if job.ProfileID != 0 {
		p, err := r.store.GetProfile(job.ProfileID)
		if err != nil {
			r.fail(job.ID, fmt.Sprintf("Errore caricamento profilo: %v", err))
			return
		}
		profile = p
	}

	duration := r.probeDuration(ctx, job)

	args, err := r.compiler.Compile(ctx, profile, job.InputPath, job.OutputPath)
	if err != nil {
		r.fail(job.ID, fmt.Sprintf("Errore avvio FFmpeg: %v", err))
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.compiler.FFmpegPath(), args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = interruptGrace

	stderr, err := cmd.StderrPipe()
	if err != nil {
		r.fail(job.ID, fmt.Sprintf("Errore avvio FFmpeg: %v", err))
		return
	}
	if err := cmd.Start(); err != nil {
		r.fail(job.ID, fmt.Sprintf("Errore avvio FFmpeg: %v", err))
		return
	}

	rj := &runningJob{cancel: cancel}
	r.mu.Lock()
	r.running[job.ID] = rj
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.running, job.ID)
		r.mu.Unlock()
	}()

	tail := r.followStderr(stderr, job.ID, duration)
	waitErr := cmd.Wait()

	r.mu.Lock()
	userCancelled := rj.cancelled
	r.mu.Unlock()

	switch {
	case userCancelled:
		if err := r.store.CancelJob(job.ID); err != nil {
			logger.Warn("Failed to record cancellation", "job_id", job.ID, "error", err)
		}
		os.Remove(job.OutputPath)
		logger.Info("Job cancelled", "job_id", job.ID, "file", job.InputFilename)

	case ctx.Err() != nil:
		// Shutdown: leave the job in processing so the next start requeues it.
		logger.Info("Job interrupted by shutdown", "job_id", job.ID)

	case waitErr == nil:
		r.complete(ctx, job)

	default:
		exitCode := -1
		if ee, ok := waitErr.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		}
		r.fail(job.ID, ClassifyFFmpegError(exitCode, tail))
	}
}

// preflight validates the input file and output directory before spending
// time on a transcode.
func (r *Runner) preflight(job *model.Job) (string, bool) {
	if _, err := os.Stat(job.InputPath); err != nil {
		return fmt.Sprintf("File input non trovato: %s", job.InputPath), false
	}
	if err := util.FileReadable(job.InputPath); err != nil {
		return fmt.Sprintf("Permessi insufficienti per leggere il file: %s", job.InputPath), false
	}

	outDir := filepath.Dir(job.OutputPath)
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return fmt.Sprintf("Impossibile creare directory output: %v", err), false
	}
	if err := util.DirWritable(outDir); err != nil {
		return fmt.Sprintf("Permessi insufficienti per scrivere nella directory: %s", outDir), false
	}
	return "", true
}

// probeDuration records the input duration for progress math. A failed probe
// is not fatal; the job just reports no percentage. A duration persisted on a
// previous attempt is reused.
func (r *Runner) probeDuration(ctx context.Context, job *model.Job) float64 {
	if job.InputDuration > 0 {
		return job.InputDuration
	}

	probeCtx, cancel := context.WithTimeout(ctx, durationProbeTimeout)
	defer cancel()

	d, err := r.prober.Duration(probeCtx, job.InputPath)
	if err != nil {
		logger.Warn("Duration probe failed", "job_id", job.ID, "error", err)
		return 0
	}
	if err := r.store.SetJobDuration(job.ID, d); err != nil {
		logger.Warn("Failed to record input duration", "job_id", job.ID, "error", err)
	}
	return d
}

var progressRe = regexp.MustCompile(`time=(\d+):(\d+):(\d+(?:\.\d+)?)`)

// followStderr consumes the ffmpeg stderr stream, persisting progress as it
// goes, and returns the tail of the output for error classification.
func (r *Runner) followStderr(stderr io.Reader, jobID int64, duration float64) string {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	scanner.Split(scanFFmpegLines)

	var lines []string
	lastWrite := time.Time{}

	for scanner.Scan() {
		line := strings.ToValidUTF8(scanner.Text(), "")
		if line == "" {
			continue
		}

		lines = append(lines, line)
		if len(lines) > stderrKeepLines {
			lines = lines[1:]
		}

		if duration <= 0 {
			continue
		}
		m := progressRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		hours, _ := strconv.ParseFloat(m[1], 64)
		mins, _ := strconv.ParseFloat(m[2], 64)
		secs, _ := strconv.ParseFloat(m[3], 64)
		elapsed := hours*3600 + mins*60 + secs

		if time.Since(lastWrite) < progressWriteGap {
			continue
		}
		lastWrite = time.Now()

		percent := int(elapsed/duration*100 + 0.5)
		if err := r.store.UpdateProgress(jobID, percent); err != nil {
			logger.Warn("Failed to update progress", "job_id", jobID, "error", err)
		}
	}

	return strings.Join(lines, "\n")
}

// scanFFmpegLines splits on both \n and the bare \r ffmpeg uses for its
// in-place progress updates.
func scanFFmpegLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// complete verifies the output, records completion and archives the
// original.
func (r *Runner) complete(ctx context.Context, job *model.Job) {
	info, err := os.Stat(job.OutputPath)
	if err != nil || info.Size() == 0 {
		r.fail(job.ID, "File di output mancante o vuoto al termine della transcodifica.")
		return
	}

	if err := r.store.CompleteJob(job.ID, info.Size()); err != nil {
		if errors.Is(err, store.ErrJobNotProcessing) {
			// Cancelled between claim and process start; honor the cancel.
			os.Remove(job.OutputPath)
			logger.Info("Job cancelled before completion could be recorded", "job_id", job.ID)
			return
		}
		logger.Error("Failed to record completion", "job_id", job.ID, "error", err)
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, durationProbeTimeout)
	if d, err := r.prober.Duration(probeCtx, job.OutputPath); err == nil {
		if err := r.store.SetJobOutputDuration(job.ID, d); err != nil {
			logger.Warn("Failed to record output duration", "job_id", job.ID, "error", err)
		}
	}
	cancel()

	logger.Info("Job completed",
		"job_id", job.ID, "file", job.InputFilename, "output_size", util.FormatBytes(info.Size()))

	r.archive(job)
}

// archive moves the original input into the source's archive directory.
// Failure never affects the job outcome.
func (r *Runner) archive(job *model.Job) {
	src, err := r.store.GetSource(job.SourceID)
	if err != nil || src == nil || src.ArchivePath == "" {
		return
	}

	if err := os.MkdirAll(src.ArchivePath, 0755); err != nil {
		logger.Error("Failed to create archive directory", "job_id", job.ID, "path", src.ArchivePath, "error", err)
		return
	}

	dest := filepath.Join(src.ArchivePath, job.InputFilename)
	if _, err := os.Stat(dest); err == nil {
		dest = filepath.Join(src.ArchivePath, util.TimestampedName(job.InputFilename, time.Now().UTC()))
	}

	if err := util.MoveFile(job.InputPath, dest); err != nil {
		logger.Error("Failed to archive original", "job_id", job.ID, "file", job.InputFilename, "error", err)
		return
	}
	logger.Info("Archived original", "job_id", job.ID, "file", job.InputFilename, "dest", dest)
}

func (r *Runner) fail(jobID int64, message string) {
	logger.Error("Job failed", "job_id", jobID, "error", message)
	if err := r.store.FailJob(jobID, message); err != nil {
		if errors.Is(err, store.ErrJobNotProcessing) {
			logger.Info("Job already finalized, failure not recorded", "job_id", jobID)
			return
		}
		logger.Error("Failed to record failure", "job_id", jobID, "error", err)
	}
}

// ClassifyFFmpegError turns an ffmpeg exit into an operator-facing message.
// Known failure patterns get a fixed description; anything else falls back
// to the most relevant part of the stderr tail.
func ClassifyFFmpegError(exitCode int, stderrTail string) string {
	lower := strings.ToLower(stderrTail)

	switch {
	case strings.Contains(lower, "permission denied"):
		return "Errore permessi: impossibile accedere al file. Verifica i permessi del file e della directory."
	case strings.Contains(lower, "no such file or directory"):
		return "File o directory non trovato. Verifica che il percorso sia corretto."
	case strings.Contains(lower, "invalid data found"):
		return "File video corrotto o formato non supportato."
	case strings.Contains(lower, "cannot open"):
		return "Impossibile aprire il file. Verifica permessi e che il file non sia in uso."
	}

	lines := strings.Split(stderrTail, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		l := strings.ToLower(lines[i])
		if strings.Contains(l, "error") || strings.Contains(l, "failed") {
			return truncate(strings.TrimSpace(lines[i]), 500)
		}
	}

	if tail := strings.TrimSpace(stderrTail); tail != "" {
		if len(tail) > 500 {
			tail = tail[len(tail)-500:]
		}
		return tail
	}
	return fmt.Sprintf("Errore FFmpeg (codice: %d)", exitCode)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
