package config

import (
	"os"
	"path/filepath"
)

// DefaultDataDir returns the default data directory (~/.zipper), overridable
// with ZIPPER_HOME.
func DefaultDataDir() string {
	if home := os.Getenv("ZIPPER_HOME"); home != "" {
		return home
	}
	userHome, _ := os.UserHomeDir()
	return filepath.Join(userHome, ".zipper")
}

// ExpandPath expands a leading ~ to the user home directory.
func ExpandPath(path string) string {
	if len(path) == 0 || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) == 1 {
		return home
	}
	if path[1] == '/' || path[1] == os.PathSeparator {
		return filepath.Join(home, path[2:])
	}
	return path
}

// EnsureDataDir creates the data directory if it does not exist and returns
// its path.
func EnsureDataDir(dataDir string) (string, error) {
	dataDir = ExpandPath(dataDir)
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return dataDir, err
	}
	return dataDir, nil
}

// DBPath returns the sqlite database location under the data directory.
func DBPath(dataDir string) string {
	return filepath.Join(ExpandPath(dataDir), "zipper.db")
}
