//go:build !windows

package api

import (
	"net"
	"net/http"
	"os"
)

// ListenIPC opens a local control-plane listener on a Unix domain
// socket at path, serving handler. The socket carries the same RPC
// surface as the HTTP/WS API, for same-host tooling that shouldn't
// need a TCP port.
func ListenIPC(path string, handler http.Handler) (*http.Server, net.Listener, error) {
	os.Remove(path)
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, nil, err
	}
	srv := &http.Server{Handler: handler}
	return srv, l, nil
}
