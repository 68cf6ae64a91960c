package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"
)

// ChecksumSuffix names the sidecar file holding a config file's expected hash.
const ChecksumSuffix = ".blake3"

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// VerifyFileHash verifies a file against an expected BLAKE3 hash.
func VerifyFileHash(filePath, expectedHash string) error {
	actualHash, err := ComputeBlake3Hash(filePath)
	if err != nil {
		return fmt.Errorf("failed to compute hash: %w", err)
	}

	if actualHash != expectedHash {
		return fmt.Errorf("hash mismatch for %s: expected %s, got %s",
			filepath.Base(filePath), expectedHash, actualHash)
	}

	return nil
}

// WriteChecksum records the current hash of configPath in its sidecar file
// and returns the hash.
func WriteChecksum(configPath string) (string, error) {
	hash, err := ComputeBlake3Hash(configPath)
	if err != nil {
		return "", err
	}
	// Restrictive permissions: the sidecar pins what the config may contain.
	if err := os.WriteFile(configPath+ChecksumSuffix, []byte(hash+"\n"), 0600); err != nil {
		return "", fmt.Errorf("failed to write checksum: %w", err)
	}
	return hash, nil
}

// VerifyChecksum checks configPath against its sidecar. It reports false when
// no sidecar exists.
func VerifyChecksum(configPath string) (bool, error) {
	data, err := os.ReadFile(configPath + ChecksumSuffix)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read checksum: %w", err)
	}
	if err := VerifyFileHash(configPath, strings.TrimSpace(string(data))); err != nil {
		return true, fmt.Errorf("config verification failed: %w\n"+
			"If you edited this file intentionally, run: toolgate config hash", err)
	}
	return true, nil
}
