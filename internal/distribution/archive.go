package distribution

import (
	"archive/tar"
	"archive/zip"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/ulikunitz/xz"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

// archiveExtensions lists the supported archive formats, longest suffix first
// so ".tar.gz" wins over ".gz".
var archiveExtensions = []string{".tar.gz", ".tar.xz", ".tgz", ".txz", ".zip"}

// ArchiveExt returns the recognized archive extension of filename, or an
// empty string when the format is unsupported.
func ArchiveExt(filename string) string {
	lower := strings.ToLower(filename)
	for _, ext := range archiveExtensions {
		if strings.HasSuffix(lower, ext) {
			return ext
		}
	}

	return ""
}

// IsArchive reports whether filename has a supported archive extension.
func IsArchive(filename string) bool {
	return ArchiveExt(filename) != ""
}

// CheckHash verifies the digest of the file at path against the expected hex
// value. Algorithm defaults to sha256 when empty; md5 is accepted for older
// servers.
func CheckHash(path, expected, algorithm string) error {
	if algorithm == "" {
		algorithm = "sha256"
	}

	var digest hash.Hash

	switch algorithm {
	case "sha256":
		digest = sha256.New()
	case "md5":
		digest = md5.New()
	default:
		return &HashMismatchError{
			Path:      path,
			Algorithm: algorithm,
			Expected:  expected,
			Err:       fmt.Errorf("unsupported hash algorithm %q", algorithm),
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return &HashMismatchError{Path: path, Algorithm: algorithm, Expected: expected, Err: err}
	}
	defer f.Close()

	if _, err := io.Copy(digest, f); err != nil {
		return &HashMismatchError{Path: path, Algorithm: algorithm, Expected: expected, Err: err}
	}

	actual := hex.EncodeToString(digest.Sum(nil))
	if !strings.EqualFold(actual, expected) {
		return &HashMismatchError{Path: path, Algorithm: algorithm, Expected: expected, Actual: actual}
	}

	return nil
}

// Unzip unpacks the archive at archivePath into destDir and removes the
// archive afterwards. The format is picked from the filename extension.
func Unzip(archivePath, destDir string) error {
	var err error

	switch ArchiveExt(archivePath) {
	case ".zip":
		err = extractZip(archivePath, destDir)
	case ".tar.gz", ".tgz":
		err = extractTar(archivePath, destDir, func(r io.Reader) (io.Reader, error) {
			return gzip.NewReader(r)
		})
	case ".tar.xz", ".txz":
		err = extractTar(archivePath, destDir, func(r io.Reader) (io.Reader, error) {
			return xz.NewReader(r)
		})
	default:
		return &InvalidArchiveError{
			Filename: filepath.Base(archivePath),
			Reason:   "unsupported archive format",
		}
	}

	if err != nil {
		return err
	}

	return os.Remove(archivePath)
}

func extractZip(archivePath, destDir string) error {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return &InvalidArchiveError{
			Filename: filepath.Base(archivePath),
			Reason:   "cannot open zip archive",
			Err:      err,
		}
	}
	defer reader.Close()

	for _, file := range reader.File {
		target, err := sanitizePath(destDir, file.Name)
		if err != nil {
			return err
		}

		if file.FileInfo().IsDir() {
			if err := os.MkdirAll(target, dirPerm); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}

			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), dirPerm); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}

		src, err := file.Open()
		if err != nil {
			return fmt.Errorf("failed to open archive entry: %w", err)
		}

		if err := writeFile(target, src, file.Mode()); err != nil {
			src.Close()

			return err
		}

		src.Close()
	}

	return nil
}

func extractTar(archivePath, destDir string, decompress func(io.Reader) (io.Reader, error)) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	stream, err := decompress(f)
	if err != nil {
		return &InvalidArchiveError{
			Filename: filepath.Base(archivePath),
			Reason:   "cannot open compressed stream",
			Err:      err,
		}
	}

	if closer, ok := stream.(io.Closer); ok {
		defer closer.Close()
	}

	tr := tar.NewReader(stream)

	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}

		if err != nil {
			return &InvalidArchiveError{
				Filename: filepath.Base(archivePath),
				Reason:   "corrupt tar stream",
				Err:      err,
			}
		}

		target, err := sanitizePath(destDir, header.Name)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, dirPerm); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), dirPerm); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}

			if err := writeFile(target, tr, os.FileMode(header.Mode)); err != nil {
				return err
			}
		}
	}
}

// sanitizePath rejects entries that would escape destDir.
func sanitizePath(destDir, name string) (string, error) {
	target := filepath.Join(destDir, name)
	cleanDest := filepath.Clean(destDir)

	if target != cleanDest && !strings.HasPrefix(target, cleanDest+string(os.PathSeparator)) {
		return "", &InvalidArchiveError{
			Filename: name,
			Reason:   "entry path escapes destination directory",
		}
	}

	return target, nil
}

func writeFile(target string, src io.Reader, mode os.FileMode) error {
	if mode == 0 {
		mode = filePerm
	}

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}

	if _, err := io.Copy(out, src); err != nil {
		out.Close()

		return fmt.Errorf("failed to write file: %w", err)
	}

	return out.Close()
}
