package testutil

import (
	"pdm-go/internal/encryption"
	"pdm-go/internal/pdm"
)

// NewTestEncryptor returns a deterministic, keyless encryptor.
func NewTestEncryptor() pdm.Encryptor {
	return encryption.NewEnvelopeEncryptor()
}
