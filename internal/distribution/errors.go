package distribution

import (
	"fmt"
	"strings"
)

// BundleNotFoundError reports that an explicitly requested bundle name is not
// available on the server.
type BundleNotFoundError struct {
	BundleName string
}

func (e *BundleNotFoundError) Error() string {
	return fmt.Sprintf("bundle %q is not available on server", e.BundleName)
}

// UnknownSourceTypeError reports a source type with no registered downloader.
type UnknownSourceTypeError struct {
	SourceType string
}

func (e *UnknownSourceTypeError) Error() string {
	return fmt.Sprintf("no downloader registered for source type %q", e.SourceType)
}

// HashMismatchError reports a downloaded file whose digest does not match the
// hash advertised by the server.
type HashMismatchError struct {
	Path      string
	Algorithm string
	Expected  string
	Actual    string
	Err       error
}

func (e *HashMismatchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cannot verify %s hash of %s: %s", e.Algorithm, e.Path, e.Err)
	}

	return fmt.Sprintf("%s hash of %s does not match expected value", e.Algorithm, e.Path)
}

func (e *HashMismatchError) Unwrap() error {
	return e.Err
}

// InvalidArchiveError reports a filename that is not a recognized archive
// format, or an archive that could not be unpacked.
type InvalidArchiveError struct {
	Filename string
	Reason   string
	Err      error
}

func (e *InvalidArchiveError) Error() string {
	return fmt.Sprintf("invalid archive %s: %s", e.Filename, e.Reason)
}

func (e *InvalidArchiveError) Unwrap() error {
	return e.Err
}

// ValidationError aggregates every artifact that did not reach the updated
// state after a full distribution run.
type ValidationError struct {
	Items []string
}

func (e *ValidationError) Error() string {
	quoted := make([]string, 0, len(e.Items))
	for _, item := range e.Items {
		quoted = append(quoted, fmt.Sprintf("%q", item))
	}

	return fmt.Sprintf("failed to distribute %s", strings.Join(quoted, ", "))
}
