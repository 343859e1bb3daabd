package vault

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pdm-go/internal/pdm"
)

func TestFileSystemVault(t *testing.T) {
	testVaultContract(t, func(t *testing.T) pdm.Vault {
		v, err := NewFileSystemVault("test", filepath.Join(t.TempDir(), "vault"))
		if err != nil {
			t.Fatalf("NewFileSystemVault() error = %v", err)
		}
		return v
	})
}

func TestFileSystemVault_Layout(t *testing.T) {
	root := filepath.Join(t.TempDir(), "vault")
	v, err := NewFileSystemVault("test", root)
	if err != nil {
		t.Fatalf("NewFileSystemVault() error = %v", err)
	}

	if err := v.PutContent("abcdef", strings.NewReader("data"), 4); err != nil {
		t.Fatalf("PutContent() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "content", "ab", "abcdef")); err != nil {
		t.Errorf("sharded content file missing: %v", err)
	}

	if err := v.PutMetadata("host", "db", strings.NewReader("db"), 2, 7); err != nil {
		t.Fatalf("PutMetadata() error = %v", err)
	}
	marker, err := os.ReadFile(filepath.Join(root, "metadata", "host", "db.version"))
	if err != nil {
		t.Fatalf("version marker missing: %v", err)
	}
	if string(marker) != "7" {
		t.Errorf("version marker = %q, want %q", marker, "7")
	}

	entries, _ := os.ReadDir(filepath.Join(root, "content", "ab"))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp-") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestFileSystemVault_RejectsEscapingKeys(t *testing.T) {
	v, err := NewFileSystemVault("test", t.TempDir())
	if err != nil {
		t.Fatalf("NewFileSystemVault() error = %v", err)
	}
	for _, key := range []string{"../etc", "a/b", "..", ""} {
		err := v.PutContent(key, strings.NewReader("x"), 1)
		if !errors.Is(err, pdm.ErrInvalid) {
			t.Errorf("PutContent(%q) error = %v, want ErrInvalid", key, err)
		}
	}
	if err := v.PutMetadata("../host", "db", strings.NewReader("x"), 1, 1); !errors.Is(err, pdm.ErrInvalid) {
		t.Errorf("PutMetadata() escaping host error = %v, want ErrInvalid", err)
	}
}
