package storage

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestCheckLocalFilesystemAllowsLocal(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "failures.db")
	err := checkLocalFilesystem(dbPath, func(string) (string, error) {
		return "ext4", nil
	})
	if err != nil {
		t.Fatalf("local filesystem should pass: %v", err)
	}
}

func TestCheckLocalFilesystemRejectsNetworkMounts(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "failures.db")
	for _, fsType := range []string{"nfs", "smbfs", "SMB2", " cifs "} {
		err := checkLocalFilesystem(dbPath, func(string) (string, error) {
			return fsType, nil
		})
		if err == nil {
			t.Errorf("%q should be rejected", fsType)
			continue
		}
		if !strings.Contains(err.Error(), "auth.failure_db") {
			t.Errorf("error should name the config field: %v", err)
		}
	}
}

func TestCheckLocalFilesystemProbesNearestAncestor(t *testing.T) {
	root := t.TempDir()
	dbPath := filepath.Join(root, "not", "yet", "created", "failures.db")

	var probed string
	err := checkLocalFilesystem(dbPath, func(path string) (string, error) {
		probed = path
		return "ext4", nil
	})
	if err != nil {
		t.Fatalf("local filesystem should pass: %v", err)
	}
	if probed != root {
		t.Fatalf("probed %q, want nearest existing ancestor %q", probed, root)
	}
}

func TestCheckLocalFilesystemEmptyPath(t *testing.T) {
	if err := checkLocalFilesystem("", nil); err == nil {
		t.Fatal("empty path should error")
	}
}
