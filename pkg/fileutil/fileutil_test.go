package fileutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSearchPaths(t *testing.T) {
	tmpDir := t.TempDir()
	second := filepath.Join(tmpDir, "second.yaml")
	if err := os.WriteFile(second, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	got, err := SearchPaths([]string{filepath.Join(tmpDir, "missing.yaml"), second})
	if err != nil {
		t.Fatalf("SearchPaths() error = %v", err)
	}
	if got != second {
		t.Errorf("SearchPaths() = %q, want %q", got, second)
	}

	if _, err := SearchPaths([]string{filepath.Join(tmpDir, "nope")}); err == nil {
		t.Error("SearchPaths() expected error for missing files")
	}
	if got := SearchPathsOptional([]string{filepath.Join(tmpDir, "nope")}); got != "" {
		t.Errorf("SearchPathsOptional() = %q, want empty", got)
	}
}

func TestDefaultConfigPaths(t *testing.T) {
	paths := DefaultConfigPaths("deplight.yaml")
	want := []string{"deplight.yaml", filepath.Join("config", "deplight.yaml"), "/etc/deplight/deplight.yaml"}
	if len(paths) != len(want) {
		t.Fatalf("DefaultConfigPaths() returned %d paths, want %d", len(paths), len(want))
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Errorf("path[%d] = %q, want %q", i, paths[i], want[i])
		}
	}
}

func TestFileAndDirExists(t *testing.T) {
	tmpDir := t.TempDir()
	file := filepath.Join(tmpDir, "index.html")
	if err := os.WriteFile(file, []byte("<html></html>"), 0644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		path     string
		wantFile bool
		wantDir  bool
	}{
		{"file", file, true, false},
		{"directory", tmpDir, false, true},
		{"missing", filepath.Join(tmpDir, "missing"), false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FileExists(tt.path); got != tt.wantFile {
				t.Errorf("FileExists() = %v, want %v", got, tt.wantFile)
			}
			if got := DirExists(tt.path); got != tt.wantDir {
				t.Errorf("DirExists() = %v, want %v", got, tt.wantDir)
			}
		})
	}
}
