package server

import (
	"context"

	"github.com/casterlab/addon_distributor/internal/bundle"
	"github.com/casterlab/addon_distributor/internal/telemetry"
)

// InstrumentedClient wraps an API with telemetry spans and call counters.
type InstrumentedClient struct {
	api       API
	telemetry *telemetry.Telemetry
}

// NewInstrumentedClient creates a new instrumented server client.
func NewInstrumentedClient(api API, tel *telemetry.Telemetry) *InstrumentedClient {
	return &InstrumentedClient{api: api, telemetry: tel}
}

// GetBundles lists bundles with telemetry.
func (c *InstrumentedClient) GetBundles(ctx context.Context) ([]*bundle.Bundle, error) {
	var result []*bundle.Bundle

	err := c.telemetry.InstrumentServerOperation(ctx, "get_bundles", func(ctx context.Context) error {
		var err error
		result, err = c.api.GetBundles(ctx)

		return err
	})

	return result, err
}

// GetAddons lists addons with telemetry.
func (c *InstrumentedClient) GetAddons(ctx context.Context) ([]*bundle.Addon, error) {
	var result []*bundle.Addon

	err := c.telemetry.InstrumentServerOperation(ctx, "get_addons", func(ctx context.Context) error {
		var err error
		result, err = c.api.GetAddons(ctx)

		return err
	})

	return result, err
}

// GetDependencyPackages lists dependency packages with telemetry.
func (c *InstrumentedClient) GetDependencyPackages(ctx context.Context) ([]*bundle.DependencyPackage, error) {
	var result []*bundle.DependencyPackage

	err := c.telemetry.InstrumentServerOperation(ctx, "get_dependency_packages", func(ctx context.Context) error {
		var err error
		result, err = c.api.GetDependencyPackages(ctx)

		return err
	})

	return result, err
}

// DownloadAddonFile downloads an addon private file with telemetry.
func (c *InstrumentedClient) DownloadAddonFile(
	ctx context.Context, name, version, filename, destDir string, progress ProgressReporter,
) (string, error) {
	var result string

	err := c.telemetry.InstrumentServerOperation(ctx, "download_addon_file", func(ctx context.Context) error {
		var err error
		result, err = c.api.DownloadAddonFile(ctx, name, version, filename, destDir, progress)

		return err
	})

	return result, err
}

// DownloadDependencyPackage downloads a dependency package with telemetry.
func (c *InstrumentedClient) DownloadDependencyPackage(
	ctx context.Context, filename, platform, destDir string, progress ProgressReporter,
) (string, error) {
	var result string

	err := c.telemetry.InstrumentServerOperation(ctx, "download_dependency_package", func(ctx context.Context) error {
		var err error
		result, err = c.api.DownloadDependencyPackage(ctx, filename, platform, destDir, progress)

		return err
	})

	return result, err
}

// DownloadFile downloads a generic server file with telemetry.
func (c *InstrumentedClient) DownloadFile(
	ctx context.Context, urlPath, filename, destDir string, progress ProgressReporter,
) (string, error) {
	var result string

	err := c.telemetry.InstrumentServerOperation(ctx, "download_file", func(ctx context.Context) error {
		var err error
		result, err = c.api.DownloadFile(ctx, urlPath, filename, destDir, progress)

		return err
	})

	return result, err
}
