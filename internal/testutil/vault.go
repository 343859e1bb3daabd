package testutil

import (
	"pdm-go/internal/vault"
)

// NewTestVault returns an in-memory vault. The concrete type is returned so
// tests can inject failures.
func NewTestVault() *vault.MemoryVault {
	return vault.NewMemoryVault("test-vault")
}
