//go:build !windows

package api

import (
	"net"
	"os"
	"path/filepath"
)

func defaultControlAddr() string {
	return "unix:" + filepath.Join(os.TempDir(), "whonext-control.sock")
}

// listenLocal opens a unix socket readable by the owner only. A stale
// socket file from a crashed run is removed first.
func listenLocal(path string) (net.Listener, error) {
	if err := removeStale(path); err != nil {
		return nil, err
	}
	lis, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, 0600); err != nil {
		lis.Close()
		return nil, err
	}
	return lis, nil
}
