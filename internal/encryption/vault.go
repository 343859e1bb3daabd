package encryption

import (
	"bytes"
	"fmt"
	"io"

	"pdm-go/internal/pdm"
)

// SealedVault encrypts everything written to an underlying vault. Objects
// keep their plaintext names, so a blob is still found by the checksum of
// its plaintext. Reads need an unlocked DecryptionContext; a SealedVault
// built without one is write-only.
type SealedVault struct {
	inner  pdm.Vault
	enc    pdm.Encryptor
	opener pdm.DecryptionContext
}

var _ pdm.Vault = (*SealedVault)(nil)

func NewSealedVault(inner pdm.Vault, enc pdm.Encryptor, opener pdm.DecryptionContext) *SealedVault {
	return &SealedVault{inner: inner, enc: enc, opener: opener}
}

// seal buffers the ciphertext because vaults check the declared size.
func (v *SealedVault) seal(r io.Reader, size int64) (*bytes.Buffer, error) {
	cr := &io.LimitedReader{R: r, N: size + 1}
	var sealed bytes.Buffer
	if err := v.enc.Encrypt(cr, &sealed); err != nil {
		return nil, err
	}
	if read := size + 1 - cr.N; read != size {
		return nil, fmt.Errorf("size mismatch: expected %d bytes, got %d", size, read)
	}
	return &sealed, nil
}

func (v *SealedVault) open(w io.Writer, fetch func(io.Writer) error) error {
	if v.opener == nil {
		return fmt.Errorf("vault is sealed: no unlocked key")
	}
	var sealed bytes.Buffer
	if err := fetch(&sealed); err != nil {
		return err
	}
	return v.opener.Decrypt(&sealed, w)
}

func (v *SealedVault) PutContent(checksum string, r io.Reader, size int64) error {
	sealed, err := v.seal(r, size)
	if err != nil {
		return fmt.Errorf("sealing content %s: %w", checksum, err)
	}
	return v.inner.PutContent(checksum, sealed, int64(sealed.Len()))
}

func (v *SealedVault) GetContent(checksum string, w io.Writer) error {
	return v.open(w, func(dst io.Writer) error { return v.inner.GetContent(checksum, dst) })
}

func (v *SealedVault) PutMetadata(hostID string, name string, r io.Reader, size int64, version int64) error {
	sealed, err := v.seal(r, size)
	if err != nil {
		return fmt.Errorf("sealing metadata %q: %w", name, err)
	}
	return v.inner.PutMetadata(hostID, name, sealed, int64(sealed.Len()), version)
}

func (v *SealedVault) GetMetadata(hostID string, name string, w io.Writer) error {
	return v.open(w, func(dst io.Writer) error { return v.inner.GetMetadata(hostID, name, dst) })
}

func (v *SealedVault) GetMetadataVersion(hostID string, name string) (int64, error) {
	return v.inner.GetMetadataVersion(hostID, name)
}

func (v *SealedVault) ValidateSetup() error {
	if !v.enc.IsConfigured() {
		return fmt.Errorf("encryption keys are not configured (run `pdm mirror keygen`)")
	}
	return v.inner.ValidateSetup()
}
