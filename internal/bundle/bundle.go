package bundle

import (
	"fmt"
	"runtime"
)

// Bundle is a server-defined pinning of one installer version, a set of addon
// versions and per-platform dependency package selections. Exactly one bundle
// is active per run.
type Bundle struct {
	Name               string            `json:"name"`
	InstallerVersion   string            `json:"installerVersion"`
	AddonVersions      map[string]string `json:"addons"`
	DependencyPackages map[string]string `json:"dependencyPackages"`
	IsProduction       bool              `json:"isProduction"`
	IsStaging          bool              `json:"isStaging"`
}

// AddonVersion describes one distributable version of an addon.
type AddonVersion struct {
	Name    string
	Version string
	Title   string

	// RequireDistribution is true iff the server advertised any source
	// information for this version.
	RequireDistribution bool

	Checksum          string
	ChecksumAlgorithm string
	Sources           []Source
	UnknownSources    []map[string]any
}

// FullName is the composite identifier used for target directory names and
// metadata keys.
func (v *AddonVersion) FullName() string {
	return fmt.Sprintf("%s_%s", v.Name, v.Version)
}

// Label is the human readable name used in logs.
func (v *AddonVersion) Label() string {
	if v.Title != "" {
		return fmt.Sprintf("%s %s", v.Title, v.Version)
	}

	return v.FullName()
}

// Addon groups all versions of one addon known to the server.
type Addon struct {
	Name     string
	Title    string
	Versions map[string]*AddonVersion
}

// DependencyPackage is a single per-platform archive bundling third-party
// libraries required by the pipeline's runtime.
type DependencyPackage struct {
	Filename            string
	Platform            string
	Checksum            string
	ChecksumAlgorithm   string
	RequireDistribution bool
	Sources             []Source
	UnknownSources      []map[string]any
	SupportedAddons     []string
	PythonModules       map[string]string
}

// CurrentPlatform returns the platform name used by server payloads for the
// running OS.
func CurrentPlatform() string {
	return runtime.GOOS
}
