package distribution

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casterlab/addon_distributor/internal/bundle"
)

type managerFixture struct {
	manager   *Manager
	store     *Store
	stub      *stubDownloader
	addonsDir string
	depsDir   string
}

func newManagerFixture(t *testing.T, archive []byte, opts ...ManagerOption) *managerFixture {
	t.Helper()

	dir := t.TempDir()
	addonsDir := filepath.Join(dir, "addons")
	depsDir := filepath.Join(dir, "deps")

	stub := &stubDownloader{archive: archive}
	factory := NewFactory()
	factory.Register(bundle.SourceTypeWeb, stub)

	store := NewStore(addonsDir, depsDir)

	opts = append([]ManagerOption{
		WithFactory(factory),
		WithPlatform("linux"),
	}, opts...)

	return &managerFixture{
		manager:   NewManager(nil, store, addonsDir, depsDir, opts...),
		store:     store,
		stub:      stub,
		addonsDir: addonsDir,
		depsDir:   depsDir,
	}
}

func testBundles() []*bundle.Bundle {
	return []*bundle.Bundle{
		{
			Name:          "2024.1",
			AddonVersions: map[string]string{"foo": "1.2.0"},
			IsProduction:  true,
		},
		{
			Name:          "2024.2-beta",
			AddonVersions: map[string]string{"foo": "1.3.0"},
			IsStaging:     true,
		},
	}
}

func testAddons(checksum string) []*bundle.Addon {
	webSrc := &bundle.WebSource{URL: "https://example.com/foo.zip"}

	return []*bundle.Addon{
		{
			Name:  "foo",
			Title: "Foo",
			Versions: map[string]*bundle.AddonVersion{
				"1.2.0": {
					Name:                "foo",
					Version:             "1.2.0",
					Title:               "Foo",
					RequireDistribution: true,
					Checksum:            checksum,
					ChecksumAlgorithm:   "sha256",
					Sources:             []bundle.Source{webSrc},
				},
				"1.3.0": {
					Name:                "foo",
					Version:             "1.3.0",
					Title:               "Foo",
					RequireDistribution: true,
					Checksum:            checksum,
					ChecksumAlgorithm:   "sha256",
					Sources:             []bundle.Source{webSrc},
				},
			},
		},
	}
}

func TestManagerBundleToUse(t *testing.T) {
	tests := []struct {
		name       string
		opts       []ManagerOption
		wantBundle string
		wantErr    bool
	}{
		{
			name:       "production by default",
			wantBundle: "2024.1",
		},
		{
			name:       "staging on request",
			opts:       []ManagerOption{WithStaging(true)},
			wantBundle: "2024.2-beta",
		},
		{
			name:       "explicit name wins",
			opts:       []ManagerOption{WithBundleName("2024.2-beta"), WithStaging(false)},
			wantBundle: "2024.2-beta",
		},
		{
			name:    "unknown explicit name",
			opts:    []ManagerOption{WithBundleName("doesnotexist")},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := append([]ManagerOption{WithBundles(testBundles())}, tt.opts...)
			fixture := newManagerFixture(t, nil, opts...)

			b, err := fixture.manager.BundleToUse(context.Background())
			if tt.wantErr {
				var notFound *BundleNotFoundError
				require.ErrorAs(t, err, &notFound)
				assert.Equal(t, "doesnotexist", notFound.BundleName)

				return
			}

			require.NoError(t, err)
			require.NotNil(t, b)
			assert.Equal(t, tt.wantBundle, b.Name)
		})
	}
}

func TestManagerDistribute(t *testing.T) {
	archive := zipBytes(t, map[string]string{"foo/__init__.py": "version = '1.2.0'"})
	checksum := sha256Hex(archive)

	t.Run("successful run", func(t *testing.T) {
		fixture := newManagerFixture(t, archive,
			WithBundles(testBundles()),
			WithAddons(testAddons(checksum)),
			WithDependencyPackages(nil),
		)

		ctx := context.Background()
		require.NoError(t, fixture.manager.Distribute(ctx, true))
		require.NoError(t, fixture.manager.Validate(ctx))

		paths, err := fixture.manager.SysPaths(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{filepath.Join(fixture.addonsDir, "foo_1.2.0")}, paths)

		assert.True(t, fixture.store.HasAddon("foo", "1.2.0"))
		entry := fixture.store.Addons()["foo"]["1.2.0"]
		assert.Equal(t, checksum, entry.FileHash)
		assert.Equal(t, "http", entry.Source["type"])
		assert.NotEmpty(t, entry.DistributedDT)
	})

	t.Run("hash mismatch fails validation", func(t *testing.T) {
		fixture := newManagerFixture(t, archive,
			WithBundles(testBundles()),
			WithAddons(testAddons(sha256Hex([]byte("different")))),
			WithDependencyPackages(nil),
		)

		ctx := context.Background()
		require.NoError(t, fixture.manager.Distribute(ctx, true))

		err := fixture.manager.Validate(ctx)
		var validationErr *ValidationError
		require.ErrorAs(t, err, &validationErr)
		assert.Equal(t, []string{"foo_1.2.0"}, validationErr.Items)

		// Nothing gets persisted for failed items.
		assert.False(t, fixture.store.HasAddon("foo", "1.2.0"))

		paths, err := fixture.manager.SysPaths(ctx)
		require.NoError(t, err)
		assert.Empty(t, paths)
	})

	t.Run("second run is rejected", func(t *testing.T) {
		fixture := newManagerFixture(t, archive,
			WithBundles(testBundles()),
			WithAddons(testAddons(checksum)),
			WithDependencyPackages(nil),
		)

		ctx := context.Background()
		require.NoError(t, fixture.manager.Distribute(ctx, false))
		assert.ErrorIs(t, fixture.manager.Distribute(ctx, false), ErrAlreadyDistributed)
	})

	t.Run("already distributed addon is skipped", func(t *testing.T) {
		fixture := newManagerFixture(t, archive,
			WithBundles(testBundles()),
			WithAddons(testAddons(checksum)),
			WithDependencyPackages(nil),
		)

		// Simulate a previous successful run: metadata entry plus directory.
		require.NoError(t, os.MkdirAll(filepath.Join(fixture.addonsDir, "foo_1.2.0"), 0o755))
		require.NoError(t, fixture.store.UpdateAddons(map[string]map[string]MetadataEntry{
			"foo": {"1.2.0": {FileHash: checksum}},
		}))

		ctx := context.Background()
		require.NoError(t, fixture.manager.Distribute(ctx, true))
		require.NoError(t, fixture.manager.Validate(ctx))
		assert.Equal(t, 0, fixture.stub.callCount())
	})
}

func TestManagerDependencyPackage(t *testing.T) {
	archive := zipBytes(t, map[string]string{"dependencies/requests/__init__.py": ""})
	checksum := sha256Hex(archive)

	bundles := testBundles()
	bundles[0].DependencyPackages = map[string]string{"linux": "pkg_linux.zip"}

	packages := []*bundle.DependencyPackage{
		{
			Filename:            "pkg_linux.zip",
			Platform:            "linux",
			Checksum:            checksum,
			ChecksumAlgorithm:   "sha256",
			RequireDistribution: true,
			Sources:             []bundle.Source{&bundle.WebSource{URL: "https://example.com/pkg_linux.zip"}},
		},
	}

	fixture := newManagerFixture(t, archive,
		WithBundles(bundles),
		WithAddons(nil),
		WithDependencyPackages(packages),
	)

	ctx := context.Background()
	require.NoError(t, fixture.manager.Distribute(ctx, true))
	require.NoError(t, fixture.manager.Validate(ctx))

	assert.True(t, fixture.store.HasDependency("pkg_linux"))

	paths, err := fixture.manager.SysPaths(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(fixture.depsDir, "pkg_linux")}, paths)
}

func TestManagerSkipsUnknownBundleReferences(t *testing.T) {
	bundles := []*bundle.Bundle{
		{
			Name: "2024.1",
			AddonVersions: map[string]string{
				"foo":     "9.9.9",
				"missing": "1.0.0",
			},
			IsProduction: true,
		},
	}

	fixture := newManagerFixture(t, nil,
		WithBundles(bundles),
		WithAddons(testAddons("abc")),
		WithDependencyPackages(nil),
	)

	items, err := fixture.manager.AddonItems(context.Background())
	require.NoError(t, err)
	assert.Empty(t, items)
}
