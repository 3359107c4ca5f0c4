package internal

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docflow/config"
)

func newTestWatcher(t *testing.T, monitoring time.Duration) *Watcher {
	t.Helper()
	root := t.TempDir()
	w, err := NewWatcher(config.LoaderConfig{
		SourceDir:      filepath.Join(root, "source"),
		OutputDir:      filepath.Join(root, "output"),
		ArchiveDir:     filepath.Join(root, "archive"),
		BadDir:         filepath.Join(root, "bad"),
		MonitoringTime: monitoring,
		PollInterval:   10 * time.Millisecond,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return w
}

func TestWatcher_WaitsForStableFiles(t *testing.T) {
	t.Parallel()
	w := newTestWatcher(t, 50*time.Millisecond)
	path := filepath.Join(w.cfg.SourceDir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("first"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(w.cfg.SourceDir, ".hidden"), []byte("x"), 0o644))

	assert.Empty(t, w.scan(), "new files wait for the monitoring time")

	time.Sleep(60 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("first and more"), 0o644))
	assert.Empty(t, w.scan(), "a changed file starts waiting again")

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, []string{path}, w.scan())
	assert.Empty(t, w.scan(), "a file in progress is not sent twice")

	w.Done(path)
	assert.Empty(t, w.scan())
}

func TestWatcher_MoveAvoidsClashes(t *testing.T) {
	t.Parallel()
	w := newTestWatcher(t, 0)

	var dests []string
	for range 2 {
		path := filepath.Join(w.cfg.SourceDir, "report.txt")
		require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))
		dest, err := w.Move(path, false)
		require.NoError(t, err)
		assert.NoFileExists(t, path)
		dests = append(dests, filepath.Base(dest))
	}
	assert.Equal(t, []string{"report.txt", "report_1.txt"}, dests)
}

func TestWatcher_WriteOutput(t *testing.T) {
	t.Parallel()
	w := newTestWatcher(t, 0)

	out, err := w.WriteOutput("/in/some/q3_report.txt", "summary")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(w.cfg.OutputDir, "q3_report.summary.md"), out)
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "summary", string(data))
}

func TestDocumentIDAndTitle(t *testing.T) {
	t.Parallel()

	assert.Equal(t, DocumentID("/a/q3-report.txt"), DocumentID("/b/q3-report.txt"))
	assert.NotEqual(t, DocumentID("/a/q3-report.txt"), DocumentID("/a/q4-report.txt"))
	assert.Len(t, DocumentID("x"), 32)
	assert.Equal(t, "q3 budget report", Title("/in/q3_budget-report.md"))
}
