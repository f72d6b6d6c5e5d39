package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casterlab/addon_distributor/internal/bundle"
)

type recordingProgress struct {
	total       int64
	transferred int64
}

func (p *recordingProgress) SetTotal(total int64) { p.total = total }
func (p *recordingProgress) Add(n int64)          { p.transferred += n }

func TestClientGetBundles(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/bundles", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"bundles": [
				{
					"name": "2024.1",
					"installerVersion": "1.0.2",
					"addons": {"foo": "1.2.0"},
					"dependencyPackages": {"linux": "pkg_linux.zip"},
					"isProduction": true,
					"isStaging": false
				}
			]
		}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "")

	bundles, err := client.GetBundles(context.Background())
	require.NoError(t, err)
	require.Len(t, bundles, 1)
	assert.Equal(t, "2024.1", bundles[0].Name)
	assert.Equal(t, "1.2.0", bundles[0].AddonVersions["foo"])
	assert.Equal(t, "pkg_linux.zip", bundles[0].DependencyPackages["linux"])
	assert.True(t, bundles[0].IsProduction)
}

func TestClientGetAddons(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/addons", r.URL.Path)
		assert.Equal(t, "1", r.URL.Query().Get("details"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"addons": [
				{
					"name": "foo",
					"title": "Foo",
					"versions": {
						"1.2.0": {
							"clientSourceInfo": [
								{"type": "http", "url": "https://example.com/foo.zip"}
							],
							"checksum": "abc",
							"checksumAlgorithm": "sha256"
						}
					}
				}
			]
		}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "")

	addons, err := client.GetAddons(context.Background())
	require.NoError(t, err)
	require.Len(t, addons, 1)

	version := addons[0].Versions["1.2.0"]
	require.NotNil(t, version)
	assert.True(t, version.RequireDistribution)
	assert.Equal(t, "abc", version.Checksum)
	require.Len(t, version.Sources, 1)
	assert.Equal(t, bundle.SourceTypeWeb, version.Sources[0].SourceType())
}

func TestClientGetDependencyPackages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/desktop/dependencyPackages", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"packages": [
				{
					"filename": "pkg_linux.zip",
					"platform": "linux",
					"checksum": "abc",
					"sources": [{"type": "server", "filename": "pkg_linux.zip"}]
				}
			]
		}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "")

	packages, err := client.GetDependencyPackages(context.Background())
	require.NoError(t, err)
	require.Len(t, packages, 1)
	assert.Equal(t, "pkg_linux.zip", packages[0].Filename)
	assert.True(t, packages[0].RequireDistribution)
}

func TestClientSendsBearerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"bundles": []}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "secret")

	_, err := client.GetBundles(context.Background())
	require.NoError(t, err)
}

func TestClientNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "")

	_, err := client.GetBundles(context.Background())
	assert.Error(t, err)
}

func TestClientDownloadAddonFile(t *testing.T) {
	payload := []byte("archive payload")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/addons/foo/1.2.0/private/foo.zip", r.URL.Path)
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "")
	destDir := filepath.Join(t.TempDir(), "downloads")
	progress := &recordingProgress{}

	path, err := client.DownloadAddonFile(context.Background(), "foo", "1.2.0", "foo.zip", destDir, progress)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(destDir, "foo.zip"), path)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, content)

	assert.Equal(t, int64(len(payload)), progress.total)
	assert.Equal(t, int64(len(payload)), progress.transferred)
}

func TestClientDownloadDependencyPackage(t *testing.T) {
	payload := []byte("dependency payload")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/desktop/dependencyPackages/linux/pkg_linux.zip", r.URL.Path)
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "")
	destDir := t.TempDir()

	path, err := client.DownloadDependencyPackage(context.Background(), "pkg_linux.zip", "linux", destDir, nil)
	require.NoError(t, err)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, content)
}

func TestClientDownloadFileNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	client := NewClient(srv.URL, "")

	_, err := client.DownloadFile(context.Background(), "/missing/file.zip", "file.zip", t.TempDir(), nil)
	assert.Error(t, err)
}
