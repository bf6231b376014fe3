//go:build darwin

package storage

import (
	"bytes"
	"fmt"
	"syscall"
)

func filesystemType(path string) (string, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return "", fmt.Errorf("statfs %q: %w", path, err)
	}

	name := make([]byte, len(st.Fstypename))
	for i, c := range st.Fstypename {
		name[i] = byte(c)
	}
	if n := bytes.IndexByte(name, 0); n >= 0 {
		name = name[:n]
	}
	return string(name), nil
}
