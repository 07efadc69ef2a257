package preflight

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCheckAll(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")

	res, err := CheckAll("sh", dir)
	if err != nil {
		t.Fatalf("CheckAll: %v", err)
	}
	if res.ShellPath == "" {
		t.Error("expected resolved shell path")
	}
	if !res.DataDirOK {
		t.Error("expected writable data dir")
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("expected data dir created: %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("expected probe file removed, found %d entries", len(entries))
	}
}

func TestCheckAll_MissingShell(t *testing.T) {
	if _, err := CheckAll("/nonexistent/shell", t.TempDir()); err == nil {
		t.Error("expected error for missing shell")
	}
}
