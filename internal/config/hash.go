package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

const checksumFile = ".checksums"

// ChecksumManifest is the on-disk .checksums format. It is keyed by file
// name so several configs in one directory can be locked side by side.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// LockResult describes one `config lock`.
type LockResult struct {
	Filename     string
	ChecksumPath string
	Hash         string
	Written      bool
}

// ChecksumPath is the manifest that guards the config file at path.
func ChecksumPath(path string) string {
	return filepath.Join(filepath.Dir(path), checksumFile)
}

// HashBytes returns the hex BLAKE3 digest of data.
func HashBytes(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// LockFile records the hash of the config file at path in the manifest next
// to it, keeping entries for other files. With dryRun nothing is written.
func LockFile(path string, dryRun bool) (*LockResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	res := &LockResult{
		Filename:     filepath.Base(path),
		ChecksumPath: ChecksumPath(path),
		Hash:         HashBytes(data),
	}
	if dryRun {
		return res, nil
	}

	manifest, err := readManifest(res.ChecksumPath)
	if err != nil {
		return nil, err
	}
	if manifest == nil {
		manifest = &ChecksumManifest{Version: 1, Hashes: make(map[string]string)}
	}
	manifest.GeneratedAt = time.Now().UTC().Format(time.RFC3339)
	manifest.Hashes[res.Filename] = res.Hash

	out, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checksums: %w", err)
	}
	// Contains expected hashes of credential-bearing files.
	if err := os.WriteFile(res.ChecksumPath, out, 0600); err != nil {
		return nil, fmt.Errorf("failed to write checksums: %w", err)
	}
	res.Written = true
	return res, nil
}

// VerifyLocked checks data, the contents of the config file at path, against
// the manifest next to it. An unlocked directory passes.
func VerifyLocked(path string, data []byte) error {
	manifest, err := readManifest(ChecksumPath(path))
	if err != nil || manifest == nil {
		return err
	}

	name := filepath.Base(path)
	expected, ok := manifest.Hashes[name]
	if !ok {
		return fmt.Errorf("config file %s has no hash in checksums (run 'groupfill config lock')", name)
	}
	if actual := HashBytes(data); actual != expected {
		return fmt.Errorf("config verification failed: hash mismatch for %s: expected %s, got %s\n"+
			"If you edited this file intentionally, run: groupfill config lock", name, expected, actual)
	}
	return nil
}

// readManifest returns nil without error when the manifest does not exist.
func readManifest(checksumPath string) (*ChecksumManifest, error) {
	data, err := os.ReadFile(checksumPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checksums: %w", err)
	}

	var manifest ChecksumManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse checksums %s: %w", checksumPath, err)
	}
	if manifest.Version != 1 {
		return nil, fmt.Errorf("unsupported checksums version: %d", manifest.Version)
	}
	if manifest.Hashes == nil {
		manifest.Hashes = make(map[string]string)
	}
	return &manifest, nil
}
