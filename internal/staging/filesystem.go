package staging

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"pdm-go/internal/pdm"
)

// fileSystemStore stages content as files named by checksum.
//
// Directory structure:
//
//	<staging_dir>/
//	  files/
//	    <checksum>    (staged content)
//	  tmp/            (in-flight uploads)
type fileSystemStore struct {
	filesDir string
	tmpDir   string
}

// NewFileSystemStagingArea creates a new filesystem-based staging area.
// maxSize is the maximum total size in bytes; must be positive.
func NewFileSystemStagingArea(stagingDir string, maxSize int64) (pdm.StagingArea, error) {
	filesDir := filepath.Join(stagingDir, "files")
	tmpDir := filepath.Join(stagingDir, "tmp")
	for _, dir := range []string{filesDir, tmpDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create staging directory: %w", err)
		}
	}

	return &stagingArea{
		store:   &fileSystemStore{filesDir: filesDir, tmpDir: tmpDir},
		maxSize: maxSize,
	}, nil
}

func (f *fileSystemStore) StoreContent(r io.Reader) (string, int64, error) {
	tmp, err := os.CreateTemp(f.tmpDir, "upload-*")
	if err != nil {
		return "", 0, fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	h := sha256.New()
	size, err := io.Copy(tmp, io.TeeReader(r, h))
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpPath)
		return "", 0, err
	}

	checksum := hex.EncodeToString(h.Sum(nil))
	dest := filepath.Join(f.filesDir, checksum)
	if _, err := os.Stat(dest); err == nil {
		os.Remove(tmpPath)
		return checksum, size, nil
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return "", 0, fmt.Errorf("moving staged content: %w", err)
	}
	return checksum, size, nil
}

func (f *fileSystemStore) RemoveContent(checksum string) {
	os.Remove(filepath.Join(f.filesDir, checksum))
}

func (f *fileSystemStore) OpenContent(checksum string) (io.ReadCloser, error) {
	return os.Open(filepath.Join(f.filesDir, checksum))
}

func (f *fileSystemStore) ContentSize() (int64, error) {
	entries, err := os.ReadDir(f.filesDir)
	if err != nil {
		return 0, fmt.Errorf("reading staging directory: %w", err)
	}
	var total int64
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			return 0, fmt.Errorf("stat staged content: %w", err)
		}
		total += info.Size()
	}
	return total, nil
}
