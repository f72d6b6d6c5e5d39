package bundle

import (
	"encoding/json"
)

// SourceType discriminates the candidate locations an artifact archive can be
// obtained from. The set is fixed and server-defined.
type SourceType string

const (
	SourceTypeFilesystem SourceType = "filesystem"
	SourceTypeWeb        SourceType = "http"
	SourceTypeServer     SourceType = "server"

	// SourceTypeGit is advertised by some servers but has no downloader.
	SourceTypeGit SourceType = "git"
)

// Source is one candidate location from which an artifact's archive can be
// downloaded. Implementations are plain data parsed from server payloads.
type Source interface {
	SourceType() SourceType
}

// FilesystemSource points at an archive that is already available on a local
// or mounted filesystem.
type FilesystemSource struct {
	// Paths maps a platform name ("windows", "linux", "darwin") to one or
	// more candidate archive paths on that platform.
	Paths map[string][]string `json:"paths"`
}

func (FilesystemSource) SourceType() SourceType { return SourceTypeFilesystem }

// WebSource points at an archive served over HTTP(S).
type WebSource struct {
	URL      string            `json:"url"`
	Headers  map[string]string `json:"headers,omitempty"`
	Filename string            `json:"filename,omitempty"`
}

func (WebSource) SourceType() SourceType { return SourceTypeWeb }

// ServerSource points at a file that must be fetched through one of the
// server's typed download endpoints.
type ServerSource struct {
	Filename string `json:"filename,omitempty"`
	Path     string `json:"path,omitempty"`
}

func (ServerSource) SourceType() SourceType { return SourceTypeServer }

// ConvertSource converts one raw source payload into its typed descriptor.
//
// It returns nil when the payload has no "type" key or when the type is not
// one of the recognized values. Callers are expected to keep unrecognized
// payloads around as unknown sources for diagnostics instead of attempting
// to download from them.
func ConvertSource(data map[string]any) Source {
	rawType, ok := data["type"].(string)
	if !ok || rawType == "" {
		return nil
	}

	buf, err := json.Marshal(data)
	if err != nil {
		return nil
	}

	switch SourceType(rawType) {
	case SourceTypeFilesystem:
		var src FilesystemSource
		if err := json.Unmarshal(buf, &src); err != nil {
			return nil
		}

		return &src
	case SourceTypeWeb:
		var src WebSource
		if err := json.Unmarshal(buf, &src); err != nil {
			return nil
		}

		return &src
	case SourceTypeServer:
		var src ServerSource
		if err := json.Unmarshal(buf, &src); err != nil {
			return nil
		}

		return &src
	}

	return nil
}

// ConvertSources splits raw source payloads into typed sources and unknown
// payloads, preserving server order. Payloads without a "type" key are
// dropped entirely.
func ConvertSources(raw []map[string]any) ([]Source, []map[string]any) {
	var (
		sources []Source
		unknown []map[string]any
	)

	for _, data := range raw {
		if src := ConvertSource(data); src != nil {
			sources = append(sources, src)

			continue
		}

		if _, ok := data["type"]; ok {
			unknown = append(unknown, data)
		}
	}

	return sources, unknown
}

// SourceData serializes a typed source back into its wire shape including the
// "type" discriminant. Used when persisting the winning source to metadata.
func SourceData(s Source) map[string]any {
	data := map[string]any{}

	if buf, err := json.Marshal(s); err == nil {
		_ = json.Unmarshal(buf, &data)
	}

	data["type"] = string(s.SourceType())

	return data
}
