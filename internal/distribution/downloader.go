package distribution

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/casterlab/addon_distributor/internal/bundle"
	"github.com/casterlab/addon_distributor/internal/logctx"
	"github.com/casterlab/addon_distributor/internal/server"
)

// Artifact kinds dispatched by the server downloader.
const (
	KindAddon             = "addon"
	KindDependencyPackage = "dependency_package"
)

// ItemData identifies the artifact a downloader is asked to fetch. Server
// sources need it to pick the right typed endpoint.
type ItemData struct {
	Kind     string
	Name     string
	Version  string
	Platform string
}

// Downloader fetches one artifact archive from one source into destDir and
// returns the local archive path. Cleanup removes whatever Download left
// behind; it must tolerate Download having failed halfway.
type Downloader interface {
	Download(ctx context.Context, src bundle.Source, destDir string, data ItemData, progress *TransferProgress) (string, error)
	Cleanup(src bundle.Source, destDir string, data ItemData) error
}

// Factory resolves a downloader for a source type.
type Factory struct {
	downloaders map[bundle.SourceType]Downloader
}

// NewFactory creates an empty downloader factory.
func NewFactory() *Factory {
	return &Factory{downloaders: map[bundle.SourceType]Downloader{}}
}

// Register binds a downloader to a source type, replacing any previous
// binding.
func (f *Factory) Register(sourceType bundle.SourceType, d Downloader) {
	f.downloaders[sourceType] = d
}

// Get returns the downloader bound to the source type.
func (f *Factory) Get(sourceType bundle.SourceType) (Downloader, error) {
	d, ok := f.downloaders[sourceType]
	if !ok {
		return nil, &UnknownSourceTypeError{SourceType: string(sourceType)}
	}

	return d, nil
}

// ServerAPI is the slice of the server client needed by the server
// downloader.
type ServerAPI interface {
	DownloadAddonFile(ctx context.Context, name, version, filename, destDir string, progress server.ProgressReporter) (string, error)
	DownloadDependencyPackage(ctx context.Context, filename, platform, destDir string, progress server.ProgressReporter) (string, error)
	DownloadFile(ctx context.Context, urlPath, filename, destDir string, progress server.ProgressReporter) (string, error)
}

// DefaultFactory builds a factory with the standard source type bindings.
func DefaultFactory(api ServerAPI) *Factory {
	f := NewFactory()
	f.Register(bundle.SourceTypeFilesystem, &FilesystemDownloader{})
	f.Register(bundle.SourceTypeWeb, NewWebDownloader(5*time.Minute))
	f.Register(bundle.SourceTypeServer, &ServerDownloader{api: api})

	return f
}

// FilesystemDownloader resolves archives that already exist on a local or
// mounted filesystem. Nothing is copied; the archive is used in place.
type FilesystemDownloader struct{}

// Download returns the first existing candidate path for the current
// platform.
func (d *FilesystemDownloader) Download(
	ctx context.Context, src bundle.Source, _ string, data ItemData, progress *TransferProgress,
) (string, error) {
	fsSrc, ok := src.(*bundle.FilesystemSource)
	if !ok {
		return "", fmt.Errorf("expected filesystem source, got %q", src.SourceType())
	}

	platform := data.Platform
	if platform == "" {
		platform = bundle.CurrentPlatform()
	}

	candidates := fsSrc.Paths[platform]
	if len(candidates) == 0 {
		return "", fmt.Errorf("source has no paths for platform %q", platform)
	}

	progress.SetStarted()

	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err != nil || info.IsDir() {
			continue
		}

		progress.SetTotal(info.Size())
		progress.Add(info.Size())
		progress.SetDone()

		logctx.LoggerFromContext(ctx).Debug("resolved filesystem source",
			"path", candidate,
			"size", humanize.Bytes(uint64(info.Size())),
		)

		return candidate, nil
	}

	return "", fmt.Errorf("no candidate path exists for platform %q", platform)
}

// Cleanup is a no-op. Filesystem sources are shared artifacts that must not
// be removed.
func (d *FilesystemDownloader) Cleanup(bundle.Source, string, ItemData) error {
	return nil
}

// WebDownloader fetches archives from arbitrary HTTP(S) URLs.
type WebDownloader struct {
	client *http.Client
}

// NewWebDownloader creates a web downloader with the given total request
// timeout.
func NewWebDownloader(timeout time.Duration) *WebDownloader {
	return &WebDownloader{
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   timeout,
		},
	}
}

// Download streams the archive into destDir and returns the local path. The
// target filename is the source's explicit filename when set, otherwise the
// URL basename coerced to ".zip" when its extension is not a recognized
// archive format.
func (d *WebDownloader) Download(
	ctx context.Context, src bundle.Source, destDir string, _ ItemData, progress *TransferProgress,
) (string, error) {
	webSrc, ok := src.(*bundle.WebSource)
	if !ok {
		return "", fmt.Errorf("expected web source, got %q", src.SourceType())
	}

	filename, err := webFilename(webSrc)
	if err != nil {
		return "", err
	}

	logger := logctx.LoggerFromContext(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, webSrc.URL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	for key, value := range webSrc.Headers {
		req.Header.Set(key, value)
	}

	progress.SetStarted()

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download %s: %w", webSrc.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download of %s failed with status %d", webSrc.URL, resp.StatusCode)
	}

	if resp.ContentLength > 0 {
		progress.SetTotal(resp.ContentLength)
	}

	if err := os.MkdirAll(destDir, dirPerm); err != nil {
		return "", fmt.Errorf("failed to create download directory: %w", err)
	}

	targetPath := filepath.Join(destDir, filename)

	out, err := os.Create(targetPath)
	if err != nil {
		return "", fmt.Errorf("failed to create target file: %w", err)
	}
	defer out.Close()

	written, err := io.Copy(out, &countingReader{r: resp.Body, progress: progress})
	if err != nil {
		return "", fmt.Errorf("failed to copy file: %w", err)
	}

	progress.SetDone()

	logger.Debug("downloaded archive",
		"url", webSrc.URL,
		"target", targetPath,
		"size", humanize.Bytes(uint64(written)),
	)

	return targetPath, nil
}

// Cleanup removes the downloaded archive if it is still present.
func (d *WebDownloader) Cleanup(src bundle.Source, destDir string, _ ItemData) error {
	webSrc, ok := src.(*bundle.WebSource)
	if !ok {
		return nil
	}

	filename, err := webFilename(webSrc)
	if err != nil {
		return nil
	}

	return removeIfExists(filepath.Join(destDir, filename))
}

func webFilename(src *bundle.WebSource) (string, error) {
	if src.Filename != "" {
		return src.Filename, nil
	}

	parsed, err := url.Parse(src.URL)
	if err != nil {
		return "", fmt.Errorf("invalid source url %q: %w", src.URL, err)
	}

	filename := path.Base(parsed.Path)
	if filename == "." || filename == "/" || filename == "" {
		return "", fmt.Errorf("cannot derive filename from url %q", src.URL)
	}

	if !IsArchive(filename) {
		filename += ".zip"
	}

	return filename, nil
}

// ServerDownloader fetches archives through the server's typed download
// endpoints, picking the endpoint from the artifact kind.
type ServerDownloader struct {
	api ServerAPI
}

// NewServerDownloader creates a downloader backed by the server API.
func NewServerDownloader(api ServerAPI) *ServerDownloader {
	return &ServerDownloader{api: api}
}

// Download fetches the source's file into destDir via the endpoint matching
// data.Kind. Filenames without a recognized archive extension are rejected
// before any bytes move.
func (d *ServerDownloader) Download(
	ctx context.Context, src bundle.Source, destDir string, data ItemData, progress *TransferProgress,
) (string, error) {
	srvSrc, ok := src.(*bundle.ServerSource)
	if !ok {
		return "", fmt.Errorf("expected server source, got %q", src.SourceType())
	}

	filename := srvSrc.Filename
	if filename == "" && srvSrc.Path != "" {
		filename = path.Base(srvSrc.Path)
	}

	if !IsArchive(filename) {
		return "", &InvalidArchiveError{
			Filename: filename,
			Reason:   "filename does not have a recognized archive extension",
		}
	}

	progress.SetStarted()

	var (
		targetPath string
		err        error
	)

	switch {
	case srvSrc.Path != "":
		targetPath, err = d.api.DownloadFile(ctx, srvSrc.Path, filename, destDir, progress)
	case data.Kind == KindAddon:
		targetPath, err = d.api.DownloadAddonFile(ctx, data.Name, data.Version, filename, destDir, progress)
	case data.Kind == KindDependencyPackage:
		targetPath, err = d.api.DownloadDependencyPackage(ctx, filename, data.Platform, destDir, progress)
	default:
		err = fmt.Errorf("unknown artifact kind %q", data.Kind)
	}

	if err != nil {
		return "", err
	}

	progress.SetDone()

	return targetPath, nil
}

// Cleanup removes the downloaded archive if it is still present.
func (d *ServerDownloader) Cleanup(src bundle.Source, destDir string, _ ItemData) error {
	srvSrc, ok := src.(*bundle.ServerSource)
	if !ok {
		return nil
	}

	filename := srvSrc.Filename
	if filename == "" && srvSrc.Path != "" {
		filename = path.Base(srvSrc.Path)
	}

	if filename == "" {
		return nil
	}

	return removeIfExists(filepath.Join(destDir, filename))
}

func removeIfExists(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}

	return os.Remove(path)
}

// countingReader reports every read to a transfer progress tracker.
type countingReader struct {
	r        io.Reader
	progress *TransferProgress
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 && cr.progress != nil {
		cr.progress.Add(int64(n))
	}

	return n, err
}
