package watch

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/mediaingest/transcoderd/internal/logger"
	"github.com/mediaingest/transcoderd/internal/model"
	"github.com/mediaingest/transcoderd/internal/store"
	"github.com/mediaingest/transcoderd/internal/util"
)

// RemoteEntry is one file visible in a remote directory listing.
type RemoteEntry struct {
	Name string
	Size int64
}

// RemoteClient is the subset of FTP operations the watcher needs. A fresh
// client is dialed for every poll so a dropped control connection never
// wedges the loop.
type RemoteClient interface {
	List(dir string) ([]RemoteEntry, error)
	FileSize(path string) (int64, error)
	Download(path string, w io.Writer) error
	Quit() error
}

// DialFunc opens a RemoteClient for a source. Swappable in tests.
type DialFunc func(src *model.Source, timeout time.Duration) (RemoteClient, error)

// DialFTP connects and logs in to a source's FTP server.
func DialFTP(src *model.Source, timeout time.Duration) (RemoteClient, error) {
	port := src.FTPPort
	if port == 0 {
		port = 21
	}
	conn, err := ftp.Dial(fmt.Sprintf("%s:%d", src.FTPHost, port), ftp.DialWithTimeout(timeout))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", src.FTPHost, err)
	}
	if err := conn.Login(src.FTPUsername, src.FTPPassword); err != nil {
		conn.Quit()
		return nil, fmt.Errorf("login as %s: %w", src.FTPUsername, err)
	}
	return &ftpClient{conn: conn}, nil
}

type ftpClient struct {
	conn *ftp.ServerConn
}

// List returns the plain files in dir. Servers that reject structured LIST
// output are retried with NLST plus a SIZE probe per name.
func (c *ftpClient) List(dir string) ([]RemoteEntry, error) {
	entries, err := c.conn.List(dir)
	if err == nil {
		out := make([]RemoteEntry, 0, len(entries))
		for _, e := range entries {
			if e.Type != ftp.EntryTypeFile {
				continue
			}
			out = append(out, RemoteEntry{Name: e.Name, Size: int64(e.Size)})
		}
		return out, nil
	}

	names, nerr := c.conn.NameList(dir)
	if nerr != nil {
		return nil, err
	}
	out := make([]RemoteEntry, 0, len(names))
	for _, name := range names {
		name = path.Base(name)
		size, serr := c.conn.FileSize(path.Join(dir, name))
		if serr != nil {
			continue
		}
		out = append(out, RemoteEntry{Name: name, Size: size})
	}
	return out, nil
}

func (c *ftpClient) FileSize(p string) (int64, error) {
	return c.conn.FileSize(p)
}

func (c *ftpClient) Download(p string, w io.Writer) error {
	resp, err := c.conn.Retr(p)
	if err != nil {
		return err
	}
	defer resp.Close()
	_, err = io.Copy(w, resp)
	return err
}

func (c *ftpClient) Quit() error {
	return c.conn.Quit()
}

// Delays for adopting a file that is already present in the staging
// directory when the watcher notices it on the remote side.
const (
	preExistWait    = 5 * time.Second
	preExistRecheck = 2 * time.Second
)

// remoteWatcher polls one FTP directory, downloads stable files into the
// local staging directory and queues them.
type remoteWatcher struct {
	src     model.Source
	store   *store.Store
	factory *Factory
	dial    DialFunc

	pollInterval  time.Duration
	stabilityWait time.Duration
	errorBackoff  time.Duration
	ftpTimeout    time.Duration
	adoptWait     time.Duration
	adoptRecheck  time.Duration

	known map[string]bool // filenames handled this process lifetime
}

func newRemoteWatcher(src *model.Source, st *store.Store, factory *Factory, dial DialFunc,
	poll, stability, backoff, timeout time.Duration) *remoteWatcher {
	return &remoteWatcher{
		src:           *src,
		store:         st,
		factory:       factory,
		dial:          dial,
		pollInterval:  poll,
		stabilityWait: stability,
		errorBackoff:  backoff,
		ftpTimeout:    timeout,
		adoptWait:     preExistWait,
		adoptRecheck:  preExistRecheck,
		known:         make(map[string]bool),
	}
}

func (w *remoteWatcher) run(ctx context.Context) {
	if err := os.MkdirAll(w.src.FTPLocalStaging, 0755); err != nil {
		logger.Error("Staging directory not usable", "source", w.src.Name, "path", w.src.FTPLocalStaging, "error", err)
		w.setStatus(model.SourceError)
		return
	}
	if err := util.DirWritable(w.src.FTPLocalStaging); err != nil {
		logger.Error("Staging directory not writable", "source", w.src.Name, "path", w.src.FTPLocalStaging, "error", err)
		w.setStatus(model.SourceError)
		return
	}

	logger.Info("Polling remote directory",
		"source", w.src.Name, "host", w.src.FTPHost, "path", w.src.FTPRemotePath)

	for {
		if err := w.poll(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("Remote poll failed", "source", w.src.Name, "host", w.src.FTPHost, "error", err)
			w.setStatus(model.SourceError)
			if !sleepCtx(ctx, w.errorBackoff) {
				return
			}
		} else {
			w.setStatus(model.SourceMonitoring)
		}

		if !sleepCtx(ctx, w.pollInterval) {
			return
		}
	}
}

// poll dials the server, lists the remote directory and processes every new
// candidate. The connection is closed before returning.
func (w *remoteWatcher) poll(ctx context.Context) error {
	client, err := w.dial(&w.src, w.ftpTimeout)
	if err != nil {
		return err
	}
	defer client.Quit()

	entries, err := client.List(w.src.FTPRemotePath)
	if err != nil {
		return fmt.Errorf("list %s: %w", w.src.FTPRemotePath, err)
	}

	active, err := w.store.ActiveJobFilenames(w.src.ID)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !model.ExtensionAllowed(filepath.Ext(entry.Name)) {
			continue
		}
		if w.known[entry.Name] || active[entry.Name] {
			continue
		}
		if err := w.handleCandidate(ctx, client, entry); err != nil {
			logger.Warn("Skipping remote file", "source", w.src.Name, "file", entry.Name, "error", err)
		}
	}
	return nil
}

// handleCandidate verifies the remote file has stopped growing, ensures a
// complete local copy exists in staging, and queues the job.
func (w *remoteWatcher) handleCandidate(ctx context.Context, client RemoteClient, entry RemoteEntry) error {
	remotePath := path.Join(w.src.FTPRemotePath, entry.Name)

	size1, err := client.FileSize(remotePath)
	if err != nil {
		return fmt.Errorf("size probe: %w", err)
	}
	if !sleepCtx(ctx, w.stabilityWait) {
		return ctx.Err()
	}
	size2, err := client.FileSize(remotePath)
	if err != nil {
		return fmt.Errorf("size re-probe: %w", err)
	}
	if size1 != size2 {
		logger.Debug("Remote file still growing", "source", w.src.Name, "file", entry.Name)
		return nil
	}
	if size2 == 0 {
		logger.Warn("Ignoring empty remote file", "source", w.src.Name, "file", entry.Name)
		w.known[entry.Name] = true
		return nil
	}

	localPath := filepath.Join(w.src.FTPLocalStaging, entry.Name)

	adopted, err := w.adoptExisting(ctx, localPath, size2)
	if err != nil {
		return err
	}
	if !adopted {
		if err := w.download(client, remotePath, localPath); err != nil {
			return err
		}
		logger.Info("Downloaded remote file",
			"source", w.src.Name, "file", entry.Name, "size", util.FormatBytes(size2))
	}

	if _, _, err := w.factory.Enqueue(&w.src, localPath); err != nil {
		return err
	}
	w.known[entry.Name] = true
	return nil
}

// adoptExisting decides whether a file already sitting in staging is a
// complete copy. A matching size is adopted immediately; otherwise the local
// file gets two extra probes to prove it is no longer being written, and a
// stable mismatch triggers a re-download.
func (w *remoteWatcher) adoptExisting(ctx context.Context, localPath string, remoteSize int64) (bool, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	if info.Size() == remoteSize {
		logger.Debug("Adopting previously downloaded file", "file", filepath.Base(localPath))
		return true, nil
	}

	first := info.Size()
	if !sleepCtx(ctx, w.adoptWait) {
		return false, ctx.Err()
	}
	info, err = os.Stat(localPath)
	if err != nil {
		return false, nil
	}
	second := info.Size()
	if !sleepCtx(ctx, w.adoptRecheck) {
		return false, ctx.Err()
	}
	info, err = os.Stat(localPath)
	if err != nil {
		return false, nil
	}
	third := info.Size()

	if first == second && second == third {
		// Stale partial download: replace it.
		return false, nil
	}
	return false, fmt.Errorf("staging file still changing: %s", localPath)
}

// download copies the remote file into staging, removing the partial file on
// failure.
func (w *remoteWatcher) download(client RemoteClient, remotePath, localPath string) error {
	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create staging file: %w", err)
	}
	if err := client.Download(remotePath, f); err != nil {
		f.Close()
		os.Remove(localPath)
		return fmt.Errorf("download %s: %w", remotePath, err)
	}
	return f.Close()
}

func (w *remoteWatcher) setStatus(status model.SourceStatus) {
	if err := w.store.SetSourceStatus(w.src.ID, status); err != nil {
		logger.Warn("Failed to update source status", "source", w.src.Name, "error", err)
	}
}

// sleepCtx sleeps for d or until ctx is done, reporting whether the full
// sleep elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
