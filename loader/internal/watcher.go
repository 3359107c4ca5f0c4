package internal

import (
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"docflow/config"
)

type fileState struct {
	size      int64
	modTime   time.Time
	firstSeen time.Time
}

// Watcher polls the source directory and emits files that stayed unchanged
// for the monitoring time.
type Watcher struct {
	cfg    config.LoaderConfig
	logger *slog.Logger

	mu         sync.Mutex
	seen       map[string]fileState
	processing map[string]bool
}

func NewWatcher(cfg config.LoaderConfig, logger *slog.Logger) (*Watcher, error) {
	if err := createDirectories(cfg.SourceDir, cfg.OutputDir, cfg.ArchiveDir, cfg.BadDir); err != nil {
		return nil, err
	}
	return &Watcher{
		cfg:        cfg,
		logger:     logger,
		seen:       make(map[string]fileState),
		processing: make(map[string]bool),
	}, nil
}

// Watch sends ready files until ctx is done. A sent file is not sent again
// until Done is called for it.
func (w *Watcher) Watch(ctx context.Context, fileChan chan<- string) {
	w.logger.Info("start monitoring folder", "dir", w.cfg.SourceDir)
	defer w.logger.Info("file watcher stopped")

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, path := range w.scan() {
				select {
				case fileChan <- path:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// scan returns the files that became ready since the last scan.
func (w *Watcher) scan() []string {
	entries, err := os.ReadDir(w.cfg.SourceDir)
	if err != nil {
		w.logger.Error("error while reading source directory", "dir", w.cfg.SourceDir, "error", err)
		return nil
	}

	now := time.Now()
	current := make(map[string]bool, len(entries))
	var ready []string

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		path := filepath.Join(w.cfg.SourceDir, entry.Name())
		current[path] = true
		if w.processing[path] {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}

		st, tracked := w.seen[path]
		if !tracked || st.size != info.Size() || !st.modTime.Equal(info.ModTime()) {
			if !tracked {
				w.logger.Debug("new file detected", "path", path)
			}
			w.seen[path] = fileState{size: info.Size(), modTime: info.ModTime(), firstSeen: now}
			if w.cfg.MonitoringTime > 0 {
				continue
			}
			st = w.seen[path]
		}
		if now.Sub(st.firstSeen) >= w.cfg.MonitoringTime {
			w.logger.Info("file is stable, start processing", "path", path, "stable_for", w.cfg.MonitoringTime)
			w.processing[path] = true
			ready = append(ready, path)
		}
	}

	for path := range w.seen {
		if !current[path] {
			delete(w.seen, path)
			delete(w.processing, path)
		}
	}
	return ready
}

// Done releases path so that a new version of it is picked up again.
func (w *Watcher) Done(path string) {
	w.mu.Lock()
	delete(w.processing, path)
	delete(w.seen, path)
	w.mu.Unlock()
}

// Move moves a processed source file into a dated folder of the archive
// directory, or of the bad directory when ok is false. Name clashes get a
// numeric suffix.
func (w *Watcher) Move(filePath string, ok bool) (string, error) {
	base := w.cfg.ArchiveDir
	if !ok {
		base = w.cfg.BadDir
	}
	destDir := filepath.Join(base, time.Now().Format("2006-01-02"))
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("create directory: %w", err)
	}

	destPath := filepath.Join(destDir, filepath.Base(filePath))
	ext := filepath.Ext(destPath)
	baseName := strings.TrimSuffix(filepath.Base(destPath), ext)
	for counter := 1; ; counter++ {
		if _, err := os.Stat(destPath); os.IsNotExist(err) {
			break
		}
		destPath = filepath.Join(destDir, fmt.Sprintf("%s_%d%s", baseName, counter, ext))
	}

	if err := os.Rename(filePath, destPath); err != nil {
		// Rename fails across devices; fall back to copy and remove.
		if err := copyFile(filePath, destPath); err != nil {
			return "", err
		}
		if err := os.Remove(filePath); err != nil {
			return "", err
		}
	}
	return destPath, nil
}

// WriteOutput stores the assembled result for the source file.
func (w *Watcher) WriteOutput(filePath, content string) (string, error) {
	name := strings.TrimSuffix(filepath.Base(filePath), filepath.Ext(filePath)) + ".summary.md"
	out := filepath.Join(w.cfg.OutputDir, name)
	if err := os.WriteFile(out, []byte(content), 0o644); err != nil {
		return "", err
	}
	return out, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func createDirectories(dirs ...string) error {
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// DocumentID derives a stable id from the file name, so a restarted loader
// finds the checkpoint of a file it did not finish.
func DocumentID(filePath string) string {
	hash := md5.Sum([]byte(filepath.Base(filePath)))
	return fmt.Sprintf("%x", hash)
}

// Title turns a file name into a readable document name.
func Title(filePath string) string {
	name := filepath.Base(filePath)
	name = strings.TrimSuffix(name, filepath.Ext(name))
	name = strings.ReplaceAll(name, "_", " ")
	return strings.ReplaceAll(name, "-", " ")
}
