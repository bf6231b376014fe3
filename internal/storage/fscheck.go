package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SQLite's file locking is unreliable on these.
var networkFilesystems = map[string]struct{}{
	"afpfs":  {},
	"cifs":   {},
	"nfs":    {},
	"smbfs":  {},
	"smb2":   {},
	"webdav": {},
}

// checkLocalFilesystem rejects journal paths that live on a network share.
func checkLocalFilesystem(path string) error {
	return checkLocalFilesystemWith(path, filesystemType)
}

func checkLocalFilesystemWith(path string, fsType func(string) (string, error)) error {
	if path == "" {
		return fmt.Errorf("sqlite path is empty")
	}

	existing, err := closestExistingAncestor(path)
	if err != nil {
		return fmt.Errorf("resolve journal path %q: %w", path, err)
	}

	kind, err := fsType(existing)
	if err != nil {
		return fmt.Errorf("detect filesystem for %q: %w", existing, err)
	}

	if isNetworkFilesystem(kind) {
		return fmt.Errorf(
			"journal path %q is on network filesystem %q; SQLite needs a local filesystem for locking. Point journal.path at local disk",
			path, kind,
		)
	}
	return nil
}

// closestExistingAncestor walks up from path until something exists, so a
// journal whose directory is not created yet is still checked.
func closestExistingAncestor(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}

	for candidate := abs; ; {
		_, err := os.Stat(candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}
		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing parent for %q", abs)
		}
		candidate = parent
	}
}

func isNetworkFilesystem(kind string) bool {
	_, found := networkFilesystems[strings.TrimSpace(strings.ToLower(kind))]
	return found
}
