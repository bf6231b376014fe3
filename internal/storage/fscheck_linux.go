//go:build linux

package storage

import (
	"fmt"
	"syscall"
)

// statfs f_type magic numbers for network filesystems.
const (
	nfsSuperMagic  = 0x6969
	cifsSuperMagic = 0xFF534D42
	smbSuperMagic  = 0x517B
	smb2SuperMagic = 0xFE534D42
)

func filesystemType(path string) (string, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return "", fmt.Errorf("statfs %q: %w", path, err)
	}

	magic := uint64(st.Type)
	names := map[uint64]string{
		nfsSuperMagic:  "nfs",
		cifsSuperMagic: "cifs",
		smbSuperMagic:  "smbfs",
		smb2SuperMagic: "smb2",
	}
	if name, ok := names[magic]; ok {
		return name, nil
	}
	return fmt.Sprintf("0x%x", magic), nil
}
