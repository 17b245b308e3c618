// Package export publishes encoded resolver caches: an atomically renamed
// file with an md5 sidecar, an optional object-storage copy and an optional
// notification to the resolver.
package export

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultMinSize is the smallest data file accepted for publishing.
const DefaultMinSize = 2

var (
	ErrTooSmall         = errors.New("export: artifact below minimum size")
	ErrChecksumMismatch = errors.New("export: checksum mismatch")
)

// FileName is the published name of a resolver's cache.
func FileName(resolverID int) string {
	return fmt.Sprintf("%d_resolver_cache.bin", resolverID)
}

// FileExporter writes caches into Dir.
type FileExporter struct {
	Dir     string
	MinSize int64
}

func NewFileExporter(dir string, minSize int64) *FileExporter {
	return &FileExporter{Dir: dir, MinSize: minSize}
}

func (e *FileExporter) Path(resolverID int) string {
	return filepath.Join(e.Dir, FileName(resolverID))
}

// Export writes data to <path>.tmp and its md5 to <path>.md5.tmp, then
// renames the sidecar and the data file into place. A data file of at most
// MinSize bytes is rejected and nothing is replaced.
func (e *FileExporter) Export(resolverID int, data []byte) error {
	path := e.Path(resolverID)
	tmp := path + ".tmp"
	sumPath := path + ".md5"
	sumTmp := sumPath + ".tmp"

	cleanup := func() {
		_ = os.Remove(tmp)
		_ = os.Remove(sumTmp)
	}

	if err := writeSynced(tmp, data); err != nil {
		cleanup()
		return fmt.Errorf("write %s: %w", tmp, err)
	}

	sum := md5.Sum(data)
	if err := writeSynced(sumTmp, []byte(hex.EncodeToString(sum[:]))); err != nil {
		cleanup()
		return fmt.Errorf("write %s: %w", sumTmp, err)
	}

	st, err := os.Stat(tmp)
	if err != nil {
		cleanup()
		return fmt.Errorf("stat %s: %w", tmp, err)
	}
	if st.Size() <= e.MinSize {
		cleanup()
		return fmt.Errorf("%w: %s is %d bytes, need more than %d", ErrTooSmall, tmp, st.Size(), e.MinSize)
	}

	if err := os.Rename(sumTmp, sumPath); err != nil {
		cleanup()
		return fmt.Errorf("rename %s: %w", sumTmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		cleanup()
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

// Read returns the published bytes of a resolver after checking them
// against the sidecar.
func (e *FileExporter) Read(resolverID int) ([]byte, error) {
	path := e.Path(resolverID)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	want, err := os.ReadFile(path + ".md5")
	if err != nil {
		return nil, err
	}
	sum := md5.Sum(data)
	if hex.EncodeToString(sum[:]) != strings.TrimSpace(string(want)) {
		return nil, fmt.Errorf("%w: %s", ErrChecksumMismatch, path)
	}
	return data, nil
}

func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
