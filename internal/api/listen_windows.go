//go:build windows

package api

import (
	"net"

	"github.com/Microsoft/go-winio"
)

func defaultControlAddr() string {
	return `npipe:\\.\pipe\whonext-control`
}

// listenLocal opens a named pipe. Paths without the pipe prefix are
// treated as pipe names.
func listenLocal(path string) (net.Listener, error) {
	if len(path) < 9 || path[:9] != `\\.\pipe\` {
		path = `\\.\pipe\` + path
	}
	return winio.ListenPipe(path, &winio.PipeConfig{
		// Owner only, like the unix socket mode.
		SecurityDescriptor: "D:P(A;;GA;;;OW)",
		InputBufferSize:    64 << 10,
		OutputBufferSize:   64 << 10,
	})
}
