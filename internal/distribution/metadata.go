package distribution

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// DistributedTimeFormat is the timestamp layout written to metadata files.
const DistributedTimeFormat = "2006-01-02 15:04:05"

// MetadataEntry records where one distributed artifact came from and when it
// was installed.
type MetadataEntry struct {
	Source        map[string]any `json:"source"`
	FileHash      string         `json:"file_hash"`
	DistributedDT string         `json:"distributed_dt"`
}

// Store persists distribution metadata as human readable JSON files, one per
// artifact family: addons.json next to the addon directories and
// dependency.json next to the dependency package directories.
//
// Missing or corrupt files read as empty metadata so a wiped directory is
// simply re-distributed.
type Store struct {
	mu             sync.Mutex
	addonsPath     string
	dependencyPath string
}

// NewStore creates a store rooted at the two target directories.
func NewStore(addonsDir, dependenciesDir string) *Store {
	return &Store{
		addonsPath:     filepath.Join(addonsDir, "addons.json"),
		dependencyPath: filepath.Join(dependenciesDir, "dependency.json"),
	}
}

// Addons returns the persisted addon metadata keyed by addon name, then
// version.
func (s *Store) Addons() map[string]map[string]MetadataEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := map[string]map[string]MetadataEntry{}
	readJSON(s.addonsPath, &data)

	return data
}

// HasAddon reports whether metadata records the given addon version as
// distributed.
func (s *Store) HasAddon(name, version string) bool {
	versions, ok := s.Addons()[name]
	if !ok {
		return false
	}

	_, ok = versions[version]

	return ok
}

// UpdateAddons merges new entries into the addon metadata and saves it.
func (s *Store) UpdateAddons(entries map[string]map[string]MetadataEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := map[string]map[string]MetadataEntry{}
	readJSON(s.addonsPath, &data)

	for name, versions := range entries {
		if data[name] == nil {
			data[name] = map[string]MetadataEntry{}
		}

		for version, entry := range versions {
			data[name][version] = entry
		}
	}

	return writeJSON(s.addonsPath, data)
}

// Dependencies returns the persisted dependency package metadata keyed by
// package directory name.
func (s *Store) Dependencies() map[string]MetadataEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := map[string]MetadataEntry{}
	readJSON(s.dependencyPath, &data)

	return data
}

// HasDependency reports whether metadata records the given dependency package
// as distributed.
func (s *Store) HasDependency(name string) bool {
	_, ok := s.Dependencies()[name]

	return ok
}

// UpdateDependency merges one entry into the dependency metadata and saves
// it.
func (s *Store) UpdateDependency(name string, entry MetadataEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := map[string]MetadataEntry{}
	readJSON(s.dependencyPath, &data)
	data[name] = entry

	return writeJSON(s.dependencyPath, data)
}

func readJSON(path string, out any) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return
	}

	// A corrupt file reads as empty metadata; the artifacts it described
	// will be distributed again.
	_ = json.Unmarshal(buf, out)
}

func writeJSON(path string, data any) error {
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return fmt.Errorf("failed to create metadata directory: %w", err)
	}

	buf, err := json.MarshalIndent(data, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	if err := os.WriteFile(path, buf, filePerm); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}

	return nil
}
