package vault

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"pdm-go/internal/pdm"
)

// FileSystemVault stores content and metadata as files:
//
//	<root>/
//	  content/
//	    <aa>/<checksum>          (content, sharded by the first two hex chars)
//	  metadata/
//	    <hostID>/<name>          (metadata item)
//	    <hostID>/<name>.version  (version marker)
//
// Writes go through a temp file and a rename, so readers never see a
// partial blob.
type FileSystemVault struct {
	name        string
	root        string
	contentDir  string
	metadataDir string
}

// NewFileSystemVault creates a new filesystem vault rooted at the given path.
func NewFileSystemVault(name, root string) (*FileSystemVault, error) {
	v := &FileSystemVault{
		name:        name,
		root:        root,
		contentDir:  filepath.Join(root, "content"),
		metadataDir: filepath.Join(root, "metadata"),
	}
	for _, dir := range []string{v.contentDir, v.metadataDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create vault directory: %w", err)
		}
	}
	return v, nil
}

func (v *FileSystemVault) contentPath(checksum string) (string, error) {
	if err := checkName(checksum); err != nil {
		return "", err
	}
	shard := "_"
	if len(checksum) >= 2 {
		shard = checksum[:2]
	}
	return filepath.Join(v.contentDir, shard, checksum), nil
}

func (v *FileSystemVault) metadataPath(hostID, name string) (string, error) {
	if err := checkName(hostID); err != nil {
		return "", err
	}
	if err := checkName(name); err != nil {
		return "", err
	}
	return filepath.Join(v.metadataDir, hostID, name), nil
}

// checkName keeps caller-supplied names inside the vault root.
func checkName(s string) error {
	if s == "" || s == "." || s == ".." || strings.ContainsAny(s, `/\`) {
		return fmt.Errorf("%w: invalid vault key %q", pdm.ErrInvalid, s)
	}
	return nil
}

// PutContent implements pdm.Vault. Existing content is not rewritten.
func (v *FileSystemVault) PutContent(checksum string, r io.Reader, size int64) error {
	dest, err := v.contentPath(checksum)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dest); err == nil {
		written, err := io.Copy(io.Discard, r)
		if err != nil {
			return fmt.Errorf("failed to read content: %w", err)
		}
		if written != size {
			return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, written)
		}
		return nil
	}
	return writeAtomic(dest, r, size)
}

// GetContent implements pdm.Vault.
func (v *FileSystemVault) GetContent(checksum string, w io.Writer) error {
	src, err := v.contentPath(checksum)
	if err != nil {
		return err
	}
	return copyFile(src, w, "content "+checksum)
}

// PutMetadata implements pdm.Vault. The version marker is written after
// the item, so a reader that sees a version always finds its data.
func (v *FileSystemVault) PutMetadata(hostID string, name string, r io.Reader, size int64, version int64) error {
	dest, err := v.metadataPath(hostID, name)
	if err != nil {
		return err
	}
	if err := writeAtomic(dest, r, size); err != nil {
		return err
	}
	marker := strconv.FormatInt(version, 10)
	return writeAtomic(dest+".version", strings.NewReader(marker), int64(len(marker)))
}

// GetMetadataVersion implements pdm.Vault. Returns 0 when nothing is stored.
func (v *FileSystemVault) GetMetadataVersion(hostID string, name string) (int64, error) {
	path, err := v.metadataPath(hostID, name)
	if err != nil {
		return 0, err
	}
	data, err := os.ReadFile(path + ".version")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading version file: %w", err)
	}
	version, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing version: %w", err)
	}
	return version, nil
}

// GetMetadata implements pdm.Vault.
func (v *FileSystemVault) GetMetadata(hostID string, name string, w io.Writer) error {
	src, err := v.metadataPath(hostID, name)
	if err != nil {
		return err
	}
	return copyFile(src, w, fmt.Sprintf("metadata %q for %s", name, hostID))
}

// ValidateSetup verifies that the vault directories exist and are writable.
func (v *FileSystemVault) ValidateSetup() error {
	for _, dir := range []string{v.root, v.contentDir, v.metadataDir} {
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("vault directory not accessible: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("vault path is not a directory: %s", dir)
		}
	}
	probe, err := os.CreateTemp(v.root, ".probe-*")
	if err != nil {
		return fmt.Errorf("vault root not writable: %w", err)
	}
	probe.Close()
	return os.Remove(probe.Name())
}

// writeAtomic writes r to destPath via a temp file in the same directory.
func writeAtomic(destPath string, r io.Reader, expectedSize int64) error {
	dir := filepath.Dir(destPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if written != expectedSize {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", expectedSize, written)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

func copyFile(srcPath string, w io.Writer, what string) error {
	f, err := os.Open(srcPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s: %w", what, pdm.ErrNotFound)
		}
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	return nil
}

// Compile-time check that FileSystemVault implements pdm.Vault interface
var _ pdm.Vault = (*FileSystemVault)(nil)
