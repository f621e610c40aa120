package security

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// PermLogFile is for the service log, which names users and deployments.
	PermLogFile os.FileMode = 0640

	// PermDBFile is for the SQLite database.
	PermDBFile os.FileMode = 0640

	// PermDirectory is for directories holding the log and database.
	PermDirectory os.FileMode = 0750
)

// OpenLogFile opens path for appending, creating it and its directory
// with restricted permissions.
func OpenLogFile(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, PermDirectory); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, PermLogFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}

// PrepareDBPath creates the directory of a database file. In-memory DSNs
// are left alone.
func PrepareDBPath(path string) error {
	if path == "" || path == ":memory:" || filepath.Dir(path) == "." {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), PermDirectory); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}
	return nil
}

// IsWorldReadable reports whether others may read a file with perm.
func IsWorldReadable(perm os.FileMode) bool {
	return perm&0004 != 0
}

// IsWorldWritable reports whether others may write a file with perm.
func IsWorldWritable(perm os.FileMode) bool {
	return perm&0002 != 0
}

// ValidateSecurePermissions rejects files readable or writable by others.
// It is applied to config files that carry tokens and hook secrets.
func ValidateSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}

	perm := info.Mode().Perm()
	if IsWorldWritable(perm) {
		return fmt.Errorf("file %s is world-writable (%04o)", path, perm)
	}
	if IsWorldReadable(perm) {
		return fmt.Errorf("file %s is world-readable (%04o)", path, perm)
	}
	return nil
}
