package mirror

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"pdm-go/internal/pdm"
)

// FetchDatabase restores the newest database snapshot of instanceID from
// remote into dest, which must not exist yet. It returns the snapshot's
// version.
func FetchDatabase(remote pdm.Vault, instanceID, dest string) (int64, error) {
	version, err := remote.GetMetadataVersion(instanceID, DBMetadataName)
	if err != nil {
		return 0, fmt.Errorf("checking remote metadata version: %w", err)
	}
	if version == 0 {
		return 0, fmt.Errorf("no database snapshot for %s: %w", instanceID, pdm.ErrNotFound)
	}
	if err := fetchTo(dest, func(w io.Writer) error {
		return remote.GetMetadata(instanceID, DBMetadataName, w)
	}); err != nil {
		return 0, err
	}
	return version, nil
}

// FetchBlob writes the blob with the given checksum from remote to dest.
func FetchBlob(remote pdm.Vault, checksum, dest string) error {
	return fetchTo(dest, func(w io.Writer) error {
		return remote.GetContent(checksum, w)
	})
}

func fetchTo(dest string, get func(io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("creating destination directory: %w", err)
	}
	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dest, err)
	}
	if err := get(f); err != nil {
		f.Close()
		os.Remove(dest)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(dest)
		return fmt.Errorf("closing %s: %w", dest, err)
	}
	return nil
}
