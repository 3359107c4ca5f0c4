package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pierrec/lz4/v4"

	"docflow/types"
)

const (
	jsonExt = ".json"
	lz4Ext  = ".json.lz4"
)

// FileStore keeps one file per checkpoint under dir. Writes go to a temp
// file that is synced and renamed over the target.
type FileStore struct {
	dir      string
	compress bool
	logger   *slog.Logger
}

func NewFileStore(dir string, compress bool, logger *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &FileStore{dir: dir, compress: compress, logger: logger}, nil
}

func (f *FileStore) path(id uuid.UUID, ext string) string {
	return filepath.Join(f.dir, id.String()+ext)
}

func (f *FileStore) Save(ctx context.Context, cp *types.ProcessingCheckpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encode(cp)
	if err != nil {
		return err
	}

	ext, stale := jsonExt, lz4Ext
	if f.compress {
		ext, stale = lz4Ext, jsonExt
	}

	tmp, err := os.CreateTemp(f.dir, ".checkpoint-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := f.write(tmp, data)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("write checkpoint %s: %w", cp.ID, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync checkpoint %s: %w", cp.ID, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), f.path(cp.ID, ext)); err != nil {
		return fmt.Errorf("rename checkpoint %s: %w", cp.ID, err)
	}
	if err := os.Remove(f.path(cp.ID, stale)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		f.logger.Warn("stale checkpoint file not removed", "id", cp.ID, "error", err)
	}

	f.logger.Debug("checkpoint saved",
		"id", cp.ID,
		"status", cp.Status,
		"size", humanize.Bytes(uint64(n)),
		"compressed", f.compress,
	)
	return nil
}

func (f *FileStore) write(w io.Writer, data []byte) (int, error) {
	if !f.compress {
		return w.Write(data)
	}
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return 0, err
	}
	if err := zw.Close(); err != nil {
		return 0, err
	}
	return w.Write(buf.Bytes())
}

func (f *FileStore) Load(ctx context.Context, id uuid.UUID) (*types.ProcessingCheckpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, ext := range []string{jsonExt, lz4Ext} {
		cp, err := f.read(f.path(id, ext), ext == lz4Ext)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		return cp, err
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (f *FileStore) read(path string, compressed bool) (*types.ProcessingCheckpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var r io.Reader = file
	if compressed {
		r = lz4.NewReader(file)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	return decode(data)
}

func (f *FileStore) Delete(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	removed := false
	for _, ext := range []string{jsonExt, lz4Ext} {
		err := os.Remove(f.path(id, ext))
		switch {
		case err == nil:
			removed = true
		case !errors.Is(err, fs.ErrNotExist):
			return err
		}
	}
	if !removed {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (f *FileStore) List(ctx context.Context) ([]Summary, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, err
	}
	seen := make(map[uuid.UUID]bool)
	out := make([]Summary, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		base, ok := strings.CutSuffix(name, lz4Ext)
		if !ok {
			base, ok = strings.CutSuffix(name, jsonExt)
		}
		if !ok {
			continue
		}
		id, err := uuid.Parse(base)
		if err != nil || seen[id] {
			continue
		}
		seen[id] = true

		cp, err := f.Load(ctx, id)
		if err != nil {
			f.logger.Warn("unreadable checkpoint skipped", "file", name, "error", err)
			continue
		}
		out = append(out, Summarize(cp))
	}
	sortSummaries(out)
	return out, nil
}
