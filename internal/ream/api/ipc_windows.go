//go:build windows

package api

import (
	"net"
	"net/http"

	npipe "gopkg.in/natefinch/npipe.v2"
)

// ListenIPC opens a local control-plane listener on a named pipe at
// path (e.g. `\\.\pipe\ream`), serving handler. Windows has no Unix
// domain sockets, so REAM falls back to natefinch/npipe here exactly
// for the Windows IPC endpoint.
func ListenIPC(path string, handler http.Handler) (*http.Server, net.Listener, error) {
	l, err := npipe.Listen(path)
	if err != nil {
		return nil, nil, err
	}
	srv := &http.Server{Handler: handler}
	return srv, l, nil
}
