package vault

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/rs/zerolog"
)

// KeyFileName is the default master key file name under the data directory.
const KeyFileName = "master.key"

// LoadKey reads the hex-encoded master key from keyPath.
// Returns nil, nil if the file does not exist (key not yet created).
func LoadKey(logger zerolog.Logger, keyPath string) ([]byte, error) {
	f, err := os.Open(keyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("vault: read master key: %w", err)
	}
	defer f.Close()

	// Check permissions on the same file descriptor to avoid TOCTOU races.
	// Skip on Windows where Go returns synthetic mode bits.
	if runtime.GOOS != "windows" {
		if info, statErr := f.Stat(); statErr == nil {
			if perm := info.Mode().Perm(); perm&0o077 != 0 {
				logger.Warn().Str("path", keyPath).
					Str("mode", fmt.Sprintf("0%o", perm)).
					Msg("master key has overly permissive mode (expected 0600)")
			}
		} else {
			logger.Warn().Str("path", keyPath).Err(statErr).
				Msg("could not check permissions on master key")
		}
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("vault: read master key: %w", err)
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("vault: master key at %s is not valid hex: %w", keyPath, err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("vault: master key at %s has invalid size %d (expected %d)", keyPath, len(key), KeySize)
	}
	return key, nil
}

// CreateKey generates a new 32-byte master key and writes it hex-encoded to
// keyPath. Uses a temp-file + hard-link pattern for atomic creation so that
// when multiple processes race to provision the same data directory, exactly
// one key wins and the file is never partially written at keyPath.
func CreateKey(keyPath string) ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("vault: generate master key: %w", err)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(keyPath), ".master.key.tmp.*")
	if err != nil {
		return nil, fmt.Errorf("vault: create master key temp: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err := tmpFile.WriteString(hex.EncodeToString(key) + "\n"); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("vault: write master key temp: %w", err)
	}
	if err := tmpFile.Chmod(0o600); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("vault: chmod master key temp: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("vault: close master key temp: %w", err)
	}

	// Atomic link: fails with EEXIST if another process already created
	// keyPath, in which case that process's key is the one to use.
	if err := os.Link(tmpPath, keyPath); err != nil {
		os.Remove(tmpPath)
		if os.IsExist(err) {
			raceKey, loadErr := LoadKey(zerolog.Nop(), keyPath)
			if loadErr != nil {
				return nil, loadErr
			}
			if raceKey == nil {
				return nil, fmt.Errorf("vault: master key %s disappeared after creation race", keyPath)
			}
			return raceKey, nil
		}
		return nil, fmt.Errorf("vault: link master key: %w", err)
	}
	os.Remove(tmpPath)

	return key, nil
}

// LoadOrCreateKey returns the existing master key at keyPath, creating one
// if none exists yet.
func LoadOrCreateKey(logger zerolog.Logger, keyPath string) ([]byte, error) {
	key, err := LoadKey(logger, keyPath)
	if err != nil {
		return nil, err
	}
	if key != nil {
		return key, nil
	}
	return CreateKey(keyPath)
}
