package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"

	"github.com/casterlab/addon_distributor/internal/bundle"
	"github.com/casterlab/addon_distributor/internal/logctx"
)

const dirPerm = 0o755

// ProgressReporter receives byte-level progress of a streaming download.
type ProgressReporter interface {
	SetTotal(total int64)
	Add(n int64)
}

// API is the surface of the remote server consumed by the distribution
// engine: metadata queries plus the typed download endpoints.
type API interface {
	GetBundles(ctx context.Context) ([]*bundle.Bundle, error)
	GetAddons(ctx context.Context) ([]*bundle.Addon, error)
	GetDependencyPackages(ctx context.Context) ([]*bundle.DependencyPackage, error)

	DownloadAddonFile(ctx context.Context, name, version, filename, destDir string, progress ProgressReporter) (string, error)
	DownloadDependencyPackage(ctx context.Context, filename, platform, destDir string, progress ProgressReporter) (string, error)
	DownloadFile(ctx context.Context, urlPath, filename, destDir string, progress ProgressReporter) (string, error)
}

// Client talks to the remote server over HTTPS with JSON bodies. Metadata
// calls and archive downloads use separate timeouts so a slow archive cannot
// be cut short by the API timeout.
type Client struct {
	baseURL        string
	apiClient      *http.Client
	downloadClient *http.Client
}

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	requestTimeout  time.Duration
	downloadTimeout time.Duration
}

// WithRequestTimeout overrides the timeout of metadata calls.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *clientOptions) { o.requestTimeout = d }
}

// WithDownloadTimeout overrides the timeout of archive downloads.
func WithDownloadTimeout(d time.Duration) Option {
	return func(o *clientOptions) { o.downloadTimeout = d }
}

// NewClient builds a client for the given base URL. An empty token disables
// authentication (useful against local test servers).
func NewClient(baseURL, token string, opts ...Option) *Client {
	options := clientOptions{
		requestTimeout:  30 * time.Second,
		downloadTimeout: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(&options)
	}

	var transport http.RoundTripper = otelhttp.NewTransport(http.DefaultTransport)
	if token != "" {
		transport = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}),
			Base:   transport,
		}
	}

	return &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		apiClient:      &http.Client{Transport: transport, Timeout: options.requestTimeout},
		downloadClient: &http.Client{Transport: transport, Timeout: options.downloadTimeout},
	}
}

// GetBundles lists every bundle defined on the server.
func (c *Client) GetBundles(ctx context.Context) ([]*bundle.Bundle, error) {
	var payload bundle.BundlesPayload
	if err := c.getJSON(ctx, c.baseURL+"/api/bundles", &payload); err != nil {
		return nil, fmt.Errorf("failed to get bundles: %w", err)
	}

	return payload.Bundles, nil
}

// GetAddons lists every addon with per-version source information.
func (c *Client) GetAddons(ctx context.Context) ([]*bundle.Addon, error) {
	var payload bundle.AddonsPayload
	if err := c.getJSON(ctx, c.baseURL+"/api/addons?details=1", &payload); err != nil {
		return nil, fmt.Errorf("failed to get addons: %w", err)
	}

	addons := make([]*bundle.Addon, 0, len(payload.Addons))
	for _, item := range payload.Addons {
		addons = append(addons, item.Convert())
	}

	return addons, nil
}

// GetDependencyPackages lists every dependency package known to the server.
func (c *Client) GetDependencyPackages(ctx context.Context) ([]*bundle.DependencyPackage, error) {
	var payload bundle.DependencyPackagesPayload
	if err := c.getJSON(ctx, c.baseURL+"/api/desktop/dependencyPackages", &payload); err != nil {
		return nil, fmt.Errorf("failed to get dependency packages: %w", err)
	}

	packages := make([]*bundle.DependencyPackage, 0, len(payload.Packages))
	for _, item := range payload.Packages {
		packages = append(packages, item.Convert())
	}

	return packages, nil
}

// DownloadAddonFile streams one private addon file into destDir and returns
// the local path.
func (c *Client) DownloadAddonFile(
	ctx context.Context, name, version, filename, destDir string, progress ProgressReporter,
) (string, error) {
	downloadURL := fmt.Sprintf(
		"%s/api/addons/%s/%s/private/%s",
		c.baseURL,
		url.PathEscape(name),
		url.PathEscape(version),
		url.PathEscape(filename),
	)

	return c.downloadToFile(ctx, downloadURL, destDir, filename, progress)
}

// DownloadDependencyPackage streams one dependency package archive into
// destDir and returns the local path.
func (c *Client) DownloadDependencyPackage(
	ctx context.Context, filename, platform, destDir string, progress ProgressReporter,
) (string, error) {
	downloadURL := fmt.Sprintf(
		"%s/api/desktop/dependencyPackages/%s/%s",
		c.baseURL,
		url.PathEscape(platform),
		url.PathEscape(filename),
	)

	return c.downloadToFile(ctx, downloadURL, destDir, filename, progress)
}

// DownloadFile streams a generic server file by path into destDir and
// returns the local path.
func (c *Client) DownloadFile(
	ctx context.Context, urlPath, filename, destDir string, progress ProgressReporter,
) (string, error) {
	return c.downloadToFile(ctx, c.baseURL+"/"+strings.TrimLeft(urlPath, "/"), destDir, filename, progress)
}

func (c *Client) getJSON(ctx context.Context, rawURL string, out any) error {
	logger := logctx.LoggerFromContext(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	resp, err := c.apiClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		logger.Error("non-200 response", "url", rawURL, "status", resp.StatusCode, "body", string(b))

		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) downloadToFile(
	ctx context.Context, rawURL, destDir, filename string, progress ProgressReporter,
) (string, error) {
	logger := logctx.LoggerFromContext(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.downloadClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	if progress != nil && resp.ContentLength > 0 {
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

	logger.Debug("downloading file",
		"url", rawURL,
		"target", targetPath,
		"size", humanize.Bytes(uint64(max(resp.ContentLength, 0))),
	)

	if _, err := io.Copy(out, &progressReader{r: resp.Body, progress: progress}); err != nil {
		return "", fmt.Errorf("failed to copy file: %w", err)
	}

	return targetPath, nil
}

// progressReader reports every read to a ProgressReporter.
type progressReader struct {
	r        io.Reader
	progress ProgressReporter
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	if n > 0 && pr.progress != nil {
		pr.progress.Add(int64(n))
	}

	return n, err
}
