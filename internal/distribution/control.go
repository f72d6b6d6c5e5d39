package distribution

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/casterlab/addon_distributor/internal/bundle"
	"github.com/casterlab/addon_distributor/internal/logctx"
	"github.com/casterlab/addon_distributor/internal/telemetry"
)

// ErrAlreadyDistributed is returned when Distribute is called twice on one
// manager.
var ErrAlreadyDistributed = errors.New("distribution already ran for this manager")

// API is the slice of the server client consumed by the manager.
type API interface {
	GetBundles(ctx context.Context) ([]*bundle.Bundle, error)
	GetAddons(ctx context.Context) ([]*bundle.Addon, error)
	GetDependencyPackages(ctx context.Context) ([]*bundle.DependencyPackage, error)
}

// AddonItem pairs a distribution item with the addon version it installs.
type AddonItem struct {
	Item    *Item
	Addon   *bundle.Addon
	Version *bundle.AddonVersion
}

// Manager resolves which bundle applies, derives one distribution item per
// artifact that needs installing and drives the whole run. Server responses
// and derived items are fetched once and memoized; a manager is built per run
// and is not safe for concurrent use outside Distribute itself.
type Manager struct {
	api       API
	store     *Store
	factory   *Factory
	telemetry *telemetry.Telemetry

	addonsDir       string
	dependenciesDir string
	bundleName      string
	useStaging      bool
	platform        string
	runID           string

	bundles        []*bundle.Bundle
	bundlesFetched bool

	bundleToUse    *bundle.Bundle
	bundleResolved bool

	addons        map[string]*bundle.Addon
	addonsFetched bool

	packages        []*bundle.DependencyPackage
	packagesFetched bool

	addonItems        []*AddonItem
	addonItemsCreated bool

	depItem        *Item
	depItemCreated bool

	distributed bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithBundleName pins distribution to an explicitly named bundle instead of
// the production or staging one.
func WithBundleName(name string) ManagerOption {
	return func(m *Manager) { m.bundleName = name }
}

// WithStaging selects the staging bundle instead of the production one.
func WithStaging(useStaging bool) ManagerOption {
	return func(m *Manager) { m.useStaging = useStaging }
}

// WithTelemetry attaches metric instruments to the run.
func WithTelemetry(tel *telemetry.Telemetry) ManagerOption {
	return func(m *Manager) { m.telemetry = tel }
}

// WithFactory overrides the downloader factory.
func WithFactory(f *Factory) ManagerOption {
	return func(m *Manager) { m.factory = f }
}

// WithPlatform overrides the platform used for source resolution.
func WithPlatform(platform string) ManagerOption {
	return func(m *Manager) { m.platform = platform }
}

// WithBundles seeds the bundle list, skipping the server call.
func WithBundles(bundles []*bundle.Bundle) ManagerOption {
	return func(m *Manager) {
		m.bundles = bundles
		m.bundlesFetched = true
	}
}

// WithAddons seeds the addon list, skipping the server call.
func WithAddons(addons []*bundle.Addon) ManagerOption {
	return func(m *Manager) {
		m.addons = addonsByName(addons)
		m.addonsFetched = true
	}
}

// WithDependencyPackages seeds the dependency package list, skipping the
// server call.
func WithDependencyPackages(packages []*bundle.DependencyPackage) ManagerOption {
	return func(m *Manager) {
		m.packages = packages
		m.packagesFetched = true
	}
}

// NewManager creates a manager for one distribution run.
func NewManager(api API, store *Store, addonsDir, dependenciesDir string, opts ...ManagerOption) *Manager {
	m := &Manager{
		api:             api,
		store:           store,
		addonsDir:       addonsDir,
		dependenciesDir: dependenciesDir,
		platform:        bundle.CurrentPlatform(),
		runID:           uuid.NewString(),
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.factory == nil {
		m.factory = NewFactory()
	}

	return m
}

// RunID identifies this distribution run in logs.
func (m *Manager) RunID() string {
	return m.runID
}

// Bundles returns every bundle defined on the server.
func (m *Manager) Bundles(ctx context.Context) ([]*bundle.Bundle, error) {
	if m.bundlesFetched {
		return m.bundles, nil
	}

	bundles, err := m.api.GetBundles(ctx)
	if err != nil {
		return nil, err
	}

	m.bundles = bundles
	m.bundlesFetched = true

	return m.bundles, nil
}

// BundleToUse resolves the bundle this run distributes: the explicitly named
// bundle when one was requested, otherwise the staging or production bundle.
func (m *Manager) BundleToUse(ctx context.Context) (*bundle.Bundle, error) {
	if m.bundleResolved {
		return m.bundleToUse, nil
	}

	bundles, err := m.Bundles(ctx)
	if err != nil {
		return nil, err
	}

	var production, staging *bundle.Bundle

	for _, b := range bundles {
		if m.bundleName != "" && b.Name == m.bundleName {
			m.bundleToUse = b
			m.bundleResolved = true

			return b, nil
		}

		if b.IsProduction && production == nil {
			production = b
		}

		if b.IsStaging && staging == nil {
			staging = b
		}
	}

	if m.bundleName != "" {
		return nil, &BundleNotFoundError{BundleName: m.bundleName}
	}

	if m.useStaging {
		m.bundleToUse = staging
	} else {
		m.bundleToUse = production
	}

	m.bundleResolved = true

	return m.bundleToUse, nil
}

// Addons returns every addon known to the server keyed by name.
func (m *Manager) Addons(ctx context.Context) (map[string]*bundle.Addon, error) {
	if m.addonsFetched {
		return m.addons, nil
	}

	addons, err := m.api.GetAddons(ctx)
	if err != nil {
		return nil, err
	}

	m.addons = addonsByName(addons)
	m.addonsFetched = true

	return m.addons, nil
}

// DependencyPackages returns every dependency package known to the server.
func (m *Manager) DependencyPackages(ctx context.Context) ([]*bundle.DependencyPackage, error) {
	if m.packagesFetched {
		return m.packages, nil
	}

	packages, err := m.api.GetDependencyPackages(ctx)
	if err != nil {
		return nil, err
	}

	m.packages = packages
	m.packagesFetched = true

	return m.packages, nil
}

// AddonItems derives one distribution item per addon version pinned by the
// active bundle. Versions already present locally come back in the updated
// state and are skipped during distribution.
func (m *Manager) AddonItems(ctx context.Context) ([]*AddonItem, error) {
	if m.addonItemsCreated {
		return m.addonItems, nil
	}

	logger := logctx.LoggerFromContext(ctx)

	activeBundle, err := m.BundleToUse(ctx)
	if err != nil {
		return nil, err
	}

	if activeBundle == nil {
		m.addonItemsCreated = true

		return nil, nil
	}

	addons, err := m.Addons(ctx)
	if err != nil {
		return nil, err
	}

	items := make([]*AddonItem, 0, len(activeBundle.AddonVersions))

	for name, versionName := range activeBundle.AddonVersions {
		addon, ok := addons[name]
		if !ok {
			logger.Warn("bundle references unknown addon", "addon", name)

			continue
		}

		version, ok := addon.Versions[versionName]
		if !ok {
			logger.Warn("bundle references unknown addon version",
				"addon", name,
				"version", versionName,
			)

			continue
		}

		if !version.RequireDistribution {
			continue
		}

		if len(version.UnknownSources) > 0 {
			logger.Warn("addon version advertises unusable source types",
				"addon", name,
				"version", versionName,
				"count", len(version.UnknownSources),
			)
		}

		unzipDir := filepath.Join(m.addonsDir, version.FullName())

		state := StateOutdated
		if m.store.HasAddon(name, versionName) && dirExists(unzipDir) {
			state = StateUpdated
		}

		items = append(items, &AddonItem{
			Addon:   addon,
			Version: version,
			Item: NewItem(ItemConfig{
				Factory:           m.factory,
				Telemetry:         m.telemetry,
				UnzipDir:          unzipDir,
				DownloadDir:       m.addonsDir,
				Checksum:          version.Checksum,
				ChecksumAlgorithm: version.ChecksumAlgorithm,
				Sources:           version.Sources,
				Data: ItemData{
					Kind:     KindAddon,
					Name:     name,
					Version:  versionName,
					Platform: m.platform,
				},
				Label: version.Label(),
				State: state,
			}),
		})
	}

	m.addonItems = items
	m.addonItemsCreated = true

	return items, nil
}

// DependencyItem derives the distribution item for the dependency package
// pinned by the active bundle for this platform. It returns nil when the
// bundle pins none.
func (m *Manager) DependencyItem(ctx context.Context) (*Item, error) {
	if m.depItemCreated {
		return m.depItem, nil
	}

	activeBundle, err := m.BundleToUse(ctx)
	if err != nil {
		return nil, err
	}

	m.depItemCreated = true

	if activeBundle == nil {
		return nil, nil
	}

	filename := activeBundle.DependencyPackages[m.platform]
	if filename == "" {
		return nil, nil
	}

	packages, err := m.DependencyPackages(ctx)
	if err != nil {
		m.depItemCreated = false

		return nil, err
	}

	var pkg *bundle.DependencyPackage

	for _, candidate := range packages {
		if candidate.Filename == filename && candidate.Platform == m.platform {
			pkg = candidate

			break
		}
	}

	if pkg == nil {
		logctx.LoggerFromContext(ctx).Warn("bundle references unknown dependency package",
			"filename", filename,
			"platform", m.platform,
		)

		return nil, nil
	}

	if len(pkg.UnknownSources) > 0 {
		logctx.LoggerFromContext(ctx).Warn("dependency package advertises unusable source types",
			"filename", pkg.Filename,
			"count", len(pkg.UnknownSources),
		)
	}

	name := packageDirName(pkg.Filename)
	unzipDir := filepath.Join(m.dependenciesDir, name)

	state := StateOutdated
	if m.store.HasDependency(name) && dirExists(unzipDir) {
		state = StateUpdated
	}

	m.depItem = NewItem(ItemConfig{
		Factory:           m.factory,
		Telemetry:         m.telemetry,
		UnzipDir:          unzipDir,
		DownloadDir:       m.dependenciesDir,
		Checksum:          pkg.Checksum,
		ChecksumAlgorithm: pkg.ChecksumAlgorithm,
		Sources:           pkg.Sources,
		Data: ItemData{
			Kind:     KindDependencyPackage,
			Name:     pkg.Filename,
			Platform: m.platform,
		},
		Label: "Dependency package",
		State: state,
	})

	return m.depItem, nil
}

// AllItems returns every distribution item of this run, the dependency
// package first so addons unpack against complete runtime libraries.
func (m *Manager) AllItems(ctx context.Context) ([]*Item, error) {
	depItem, err := m.DependencyItem(ctx)
	if err != nil {
		return nil, err
	}

	addonItems, err := m.AddonItems(ctx)
	if err != nil {
		return nil, err
	}

	items := make([]*Item, 0, len(addonItems)+1)
	if depItem != nil {
		items = append(items, depItem)
	}

	for _, item := range addonItems {
		items = append(items, item.Item)
	}

	return items, nil
}

// Distribute runs the distribution of every item and persists metadata for
// the ones that succeeded. When threaded is true items run concurrently, one
// goroutine per item. Only one run per manager is allowed.
func (m *Manager) Distribute(ctx context.Context, threaded bool) error {
	if m.distributed {
		return ErrAlreadyDistributed
	}

	m.distributed = true

	logger := logctx.LoggerFromContext(ctx).With("run_id", m.runID)
	ctx = logctx.WithLogger(ctx, logger)

	items, err := m.AllItems(ctx)
	if err != nil {
		return err
	}

	logger.Info("starting distribution", "items", len(items), "threaded", threaded)

	if threaded {
		g, gctx := errgroup.WithContext(ctx)
		for _, item := range items {
			g.Go(func() error {
				item.Distribute(gctx)

				return nil
			})
		}

		// Items report failures through their state, not through errors.
		_ = g.Wait()
	} else {
		for _, item := range items {
			item.Distribute(ctx)
		}
	}

	return m.finishDistribution(ctx)
}

// finishDistribution persists metadata for every item that was distributed in
// this run and ended up updated. All entries of one run share a timestamp.
func (m *Manager) finishDistribution(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)
	distributedDT := time.Now().Format(DistributedTimeFormat)

	addonItems, err := m.AddonItems(ctx)
	if err != nil {
		return err
	}

	addonEntries := map[string]map[string]MetadataEntry{}

	for _, addonItem := range addonItems {
		item := addonItem.Item
		if !item.NeedDistribution() || item.State() != StateUpdated {
			continue
		}

		source := item.UsedSource()
		if source == nil {
			continue
		}

		name := addonItem.Version.Name
		if addonEntries[name] == nil {
			addonEntries[name] = map[string]MetadataEntry{}
		}

		addonEntries[name][addonItem.Version.Version] = MetadataEntry{
			Source:        bundle.SourceData(source),
			FileHash:      addonItem.Version.Checksum,
			DistributedDT: distributedDT,
		}
	}

	if len(addonEntries) > 0 {
		if err := m.store.UpdateAddons(addonEntries); err != nil {
			logger.Error("failed to persist addon metadata", "error", err)

			return err
		}
	}

	depItem, err := m.DependencyItem(ctx)
	if err != nil {
		return err
	}

	if depItem != nil && depItem.NeedDistribution() && depItem.State() == StateUpdated {
		if source := depItem.UsedSource(); source != nil {
			entry := MetadataEntry{
				Source:        bundle.SourceData(source),
				FileHash:      depItem.checksum,
				DistributedDT: distributedDT,
			}

			if err := m.store.UpdateDependency(packageDirName(depItem.data.Name), entry); err != nil {
				logger.Error("failed to persist dependency package metadata", "error", err)

				return err
			}
		}
	}

	return nil
}

// Validate returns a ValidationError naming every artifact that is not in the
// updated state, or nil when the whole run succeeded.
func (m *Manager) Validate(ctx context.Context) error {
	var failed []string

	depItem, err := m.DependencyItem(ctx)
	if err != nil {
		return err
	}

	if depItem != nil && depItem.State() != StateUpdated {
		failed = append(failed, depItem.Label())
	}

	addonItems, err := m.AddonItems(ctx)
	if err != nil {
		return err
	}

	for _, addonItem := range addonItems {
		if addonItem.Item.State() != StateUpdated {
			failed = append(failed, addonItem.Version.FullName())
		}
	}

	if len(failed) > 0 {
		return &ValidationError{Items: failed}
	}

	return nil
}

// SysPaths returns the target directories of every updated item that exists
// on disk, dependency package first.
func (m *Manager) SysPaths(ctx context.Context) ([]string, error) {
	items, err := m.AllItems(ctx)
	if err != nil {
		return nil, err
	}

	var paths []string

	for _, item := range items {
		if item.State() != StateUpdated {
			continue
		}

		if dirExists(item.UnzipDir()) {
			paths = append(paths, item.UnzipDir())
		}
	}

	return paths, nil
}

func addonsByName(addons []*bundle.Addon) map[string]*bundle.Addon {
	byName := make(map[string]*bundle.Addon, len(addons))
	for _, addon := range addons {
		byName[addon.Name] = addon
	}

	return byName
}

// packageDirName strips the archive extension from a dependency package
// filename to form its directory and metadata key.
func packageDirName(filename string) string {
	if ext := ArchiveExt(filename); ext != "" {
		return strings.TrimSuffix(filename, ext)
	}

	return filename
}

func dirExists(path string) bool {
	info, err := os.Stat(path)

	return err == nil && info.IsDir()
}
