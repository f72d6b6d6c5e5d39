package bundle

// Wire payloads as returned by the remote server, plus their conversion into
// the domain types. Sources arrive as heterogeneous JSON objects and go
// through ConvertSources so unrecognized types survive as diagnostics.

// BundlesPayload is the body of the bundles listing endpoint.
type BundlesPayload struct {
	Bundles []*Bundle `json:"bundles"`
}

// AddonsPayload is the body of the addons listing endpoint.
type AddonsPayload struct {
	Addons []AddonPayload `json:"addons"`
}

// AddonPayload is one addon with all its versions.
type AddonPayload struct {
	Name     string                         `json:"name"`
	Title    string                         `json:"title"`
	Versions map[string]AddonVersionPayload `json:"versions"`
}

// AddonVersionPayload is the per-version distribution info of an addon.
type AddonVersionPayload struct {
	Title             string           `json:"title"`
	ClientSourceInfo  []map[string]any `json:"clientSourceInfo"`
	Checksum          string           `json:"checksum"`
	ChecksumAlgorithm string           `json:"checksumAlgorithm"`
}

// Convert builds the domain addon from the wire payload.
func (p AddonPayload) Convert() *Addon {
	addon := &Addon{
		Name:     p.Name,
		Title:    p.Title,
		Versions: make(map[string]*AddonVersion, len(p.Versions)),
	}

	for version, vp := range p.Versions {
		sources, unknown := ConvertSources(vp.ClientSourceInfo)

		title := vp.Title
		if title == "" {
			title = p.Title
		}

		addon.Versions[version] = &AddonVersion{
			Name:                p.Name,
			Version:             version,
			Title:               title,
			RequireDistribution: len(vp.ClientSourceInfo) > 0,
			Checksum:            vp.Checksum,
			ChecksumAlgorithm:   vp.ChecksumAlgorithm,
			Sources:             sources,
			UnknownSources:      unknown,
		}
	}

	return addon
}

// DependencyPackagesPayload is the body of the dependency packages endpoint.
type DependencyPackagesPayload struct {
	Packages []DependencyPackagePayload `json:"packages"`
}

// DependencyPackagePayload is one per-platform dependency package.
type DependencyPackagePayload struct {
	Filename          string            `json:"filename"`
	Platform          string            `json:"platform"`
	Checksum          string            `json:"checksum"`
	ChecksumAlgorithm string            `json:"checksumAlgorithm"`
	Sources           []map[string]any  `json:"sources"`
	SupportedAddons   []string          `json:"supportedAddons"`
	PythonModules     map[string]string `json:"pythonModules"`
}

// Convert builds the domain dependency package from the wire payload.
func (p DependencyPackagePayload) Convert() *DependencyPackage {
	sources, unknown := ConvertSources(p.Sources)

	return &DependencyPackage{
		Filename:            p.Filename,
		Platform:            p.Platform,
		Checksum:            p.Checksum,
		ChecksumAlgorithm:   p.ChecksumAlgorithm,
		RequireDistribution: len(p.Sources) > 0,
		Sources:             sources,
		UnknownSources:      unknown,
		SupportedAddons:     p.SupportedAddons,
		PythonModules:       p.PythonModules,
	}
}
