package distribution

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casterlab/addon_distributor/internal/bundle"
)

// stubDownloader serves a fixed archive, failing for sources whose URL says
// so. It counts calls so idempotency can be asserted.
type stubDownloader struct {
	mu      sync.Mutex
	calls   int
	archive []byte

	// byURL overrides the served bytes for specific web sources.
	byURL map[string][]byte
}

func (d *stubDownloader) Download(
	_ context.Context, src bundle.Source, destDir string, _ ItemData, progress *TransferProgress,
) (string, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()

	archive := d.archive

	if webSrc, ok := src.(*bundle.WebSource); ok {
		if webSrc.URL == "https://example.com/broken.zip" {
			return "", errors.New("connection refused")
		}

		if override, ok := d.byURL[webSrc.URL]; ok {
			archive = override
		}
	}

	progress.SetStarted()
	progress.SetTotal(int64(len(archive)))

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", err
	}

	path := filepath.Join(destDir, "pkg.zip")
	if err := os.WriteFile(path, archive, 0o644); err != nil {
		return "", err
	}

	progress.Add(int64(len(archive)))
	progress.SetDone()

	return path, nil
}

func (d *stubDownloader) Cleanup(_ bundle.Source, destDir string, _ ItemData) error {
	return removeIfExists(filepath.Join(destDir, "pkg.zip"))
}

func (d *stubDownloader) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.calls
}

func newStubItem(t *testing.T, sources []bundle.Source, checksum string, stub *stubDownloader) *Item {
	t.Helper()

	factory := NewFactory()
	factory.Register(bundle.SourceTypeWeb, stub)

	dir := t.TempDir()

	return NewItem(ItemConfig{
		Factory:     factory,
		UnzipDir:    filepath.Join(dir, "target", "foo_1.2.0"),
		DownloadDir: filepath.Join(dir, "downloads"),
		Checksum:    checksum,
		Sources:     sources,
		Data:        ItemData{Kind: KindAddon, Name: "foo", Version: "1.2.0"},
		Label:       "Foo 1.2.0",
		State:       StateOutdated,
	})
}

func TestItemDistribute(t *testing.T) {
	archive := zipBytes(t, map[string]string{"foo/__init__.py": "version = '1.2.0'"})
	checksum := sha256Hex(archive)
	webSrc := &bundle.WebSource{URL: "https://example.com/foo.zip"}
	brokenSrc := &bundle.WebSource{URL: "https://example.com/broken.zip"}

	t.Run("single source succeeds", func(t *testing.T) {
		stub := &stubDownloader{archive: archive}
		item := newStubItem(t, []bundle.Source{webSrc}, checksum, stub)

		item.Distribute(context.Background())

		assert.Equal(t, StateUpdated, item.State())
		assert.Equal(t, webSrc, item.UsedSource())
		assert.Empty(t, item.ErrorMessage())
		assert.FileExists(t, filepath.Join(item.UnzipDir(), "foo", "__init__.py"))

		progress := item.UsedSourceProgress()
		require.NotNil(t, progress)
		assert.True(t, progress.UnzipFinished())
		assert.False(t, progress.IsRunning())
	})

	t.Run("falls back to next source", func(t *testing.T) {
		stub := &stubDownloader{archive: archive}
		item := newStubItem(t, []bundle.Source{brokenSrc, webSrc}, checksum, stub)

		item.Distribute(context.Background())

		assert.Equal(t, StateUpdated, item.State())
		assert.Equal(t, webSrc, item.UsedSource())
		assert.Equal(t, 2, stub.callCount())
	})

	t.Run("falls back after hash mismatch", func(t *testing.T) {
		tamperedSrc := &bundle.WebSource{URL: "https://example.com/tampered.zip"}
		stub := &stubDownloader{
			archive: archive,
			byURL: map[string][]byte{
				tamperedSrc.URL: []byte("tampered bytes"),
			},
		}
		item := newStubItem(t, []bundle.Source{tamperedSrc, webSrc}, checksum, stub)

		item.Distribute(context.Background())

		assert.Equal(t, StateUpdated, item.State())
		assert.Equal(t, webSrc, item.UsedSource())
		assert.Equal(t, 2, stub.callCount())
	})

	t.Run("hash mismatch fails and cleans target", func(t *testing.T) {
		stub := &stubDownloader{archive: archive}
		item := newStubItem(t, []bundle.Source{webSrc}, sha256Hex([]byte("different")), stub)

		item.Distribute(context.Background())

		assert.Equal(t, StateUpdateFailed, item.State())
		assert.Equal(t, "failed to receive or install source files", item.ErrorMessage())
		assert.Nil(t, item.UsedSource())
		assert.NoDirExists(t, item.UnzipDir())

		progress := item.CurrentSourceProgress()
		require.NotNil(t, progress)
		assert.True(t, progress.Failed())
	})

	t.Run("all sources exhausted", func(t *testing.T) {
		stub := &stubDownloader{archive: archive}
		item := newStubItem(t, []bundle.Source{brokenSrc, brokenSrc}, checksum, stub)

		item.Distribute(context.Background())

		assert.Equal(t, StateUpdateFailed, item.State())
		assert.Equal(t, "failed to receive or install source files", item.ErrorMessage())
		assert.Equal(t, 2, stub.callCount())
	})

	t.Run("no sources", func(t *testing.T) {
		stub := &stubDownloader{archive: archive}
		item := newStubItem(t, nil, checksum, stub)

		item.Distribute(context.Background())

		assert.Equal(t, StateMissSourceFiles, item.State())
		assert.Contains(t, item.ErrorMessage(), "does not have any sources")
		assert.Equal(t, 0, stub.callCount())
	})

	t.Run("unknown source type", func(t *testing.T) {
		stub := &stubDownloader{archive: archive}
		item := newStubItem(t, []bundle.Source{&bundle.ServerSource{Filename: "foo.zip"}}, checksum, stub)

		item.Distribute(context.Background())

		assert.Equal(t, StateUpdateFailed, item.State())
		assert.Equal(t, 0, stub.callCount())
	})

	t.Run("second run is a no-op", func(t *testing.T) {
		stub := &stubDownloader{archive: archive}
		item := newStubItem(t, []bundle.Source{webSrc}, checksum, stub)

		item.Distribute(context.Background())
		item.Distribute(context.Background())

		assert.Equal(t, StateUpdated, item.State())
		assert.Equal(t, 1, stub.callCount())
	})

	t.Run("updated item is never touched", func(t *testing.T) {
		stub := &stubDownloader{archive: archive}
		factory := NewFactory()
		factory.Register(bundle.SourceTypeWeb, stub)

		item := NewItem(ItemConfig{
			Factory:  factory,
			UnzipDir: filepath.Join(t.TempDir(), "foo_1.2.0"),
			Checksum: checksum,
			Sources:  []bundle.Source{webSrc},
			Label:    "Foo 1.2.0",
			State:    StateUpdated,
		})

		item.Distribute(context.Background())

		assert.Equal(t, StateUpdated, item.State())
		assert.False(t, item.NeedDistribution())
		assert.Equal(t, 0, stub.callCount())
	})
}
