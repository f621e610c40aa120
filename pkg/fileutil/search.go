package fileutil

import (
	"fmt"
	"os"
	"path/filepath"
)

// SearchPaths looks for a file in multiple locations.
// Returns the first path where the file exists, or an error if not found.
func SearchPaths(paths []string) (string, error) {
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("file not found in any of the search paths: %v", paths)
}

// SearchPathsOptional is SearchPaths returning "" instead of an error.
func SearchPathsOptional(paths []string) string {
	path, _ := SearchPaths(paths)
	return path
}

// ConfigDirs are the directories searched for deplight configuration, in order.
func ConfigDirs() []string {
	return []string{
		".",
		filepath.Join(".", "config"),
		"/etc/deplight",
	}
}

// DefaultConfigPaths returns the search paths for a config file name:
// ./<name>, ./config/<name>, /etc/deplight/<name>.
func DefaultConfigPaths(filename string) []string {
	dirs := ConfigDirs()
	paths := make([]string, len(dirs))
	for i, dir := range dirs {
		paths[i] = filepath.Join(dir, filename)
	}
	return paths
}

// FindConfigOptional searches the default locations for filename.
// Returns the path if found, or empty string if not found.
func FindConfigOptional(filename string) string {
	return SearchPathsOptional(DefaultConfigPaths(filename))
}

// FileExists checks if a file exists and is not a directory.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// DirExists checks if a directory exists.
func DirExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}
