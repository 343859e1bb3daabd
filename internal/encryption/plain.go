package encryption

import (
	"bytes"
	"fmt"
	"io"

	"pdm-go/internal/pdm"
)

// envelope marks data passed through EnvelopeEncryptor.
var envelope = []byte("PDMENV\x00\x01")

// EnvelopeEncryptor wraps data in a fixed header without any cryptography.
// It keeps mirror payloads distinguishable from plaintext while staying
// deterministic, which is what tests and local development want.
type EnvelopeEncryptor struct {
	configured bool
}

var _ pdm.Encryptor = (*EnvelopeEncryptor)(nil)

func NewEnvelopeEncryptor() *EnvelopeEncryptor {
	return &EnvelopeEncryptor{configured: true}
}

func (e *EnvelopeEncryptor) Setup(string) error {
	e.configured = true
	return nil
}

func (e *EnvelopeEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	if _, err := w.Write(envelope); err != nil {
		return fmt.Errorf("writing envelope: %w", err)
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}

func (e *EnvelopeEncryptor) Unlock(string) (pdm.DecryptionContext, error) {
	return envelopeOpener{}, nil
}

func (e *EnvelopeEncryptor) IsConfigured() bool { return e.configured }

type envelopeOpener struct{}

func (envelopeOpener) Decrypt(r io.Reader, w io.Writer) error {
	header := make([]byte, len(envelope))
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("reading envelope: %w", err)
	}
	if !bytes.Equal(header, envelope) {
		return fmt.Errorf("missing envelope header")
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}
