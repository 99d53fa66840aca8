package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
)

// Fingerprint returns the hex BLAKE3 hash of raw config bytes. It lets an
// operator tell which revision of a config file a running service loaded.
func Fingerprint(data []byte) string {
	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	return Fingerprint(data), nil
}

// Changed reports whether the file cfg was loaded from differs from what was
// loaded.
func (c *Config) Changed() (bool, error) {
	if c.Path == "" {
		return false, nil
	}
	hash, err := ComputeBlake3Hash(c.Path)
	if err != nil {
		return false, fmt.Errorf("hash %s: %w", filepath.Base(c.Path), err)
	}
	return hash != c.Fingerprint, nil
}
