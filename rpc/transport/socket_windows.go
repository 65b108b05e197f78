// +build windows

// Named-pipe dial/listen helpers for Windows, adapted from krd's
// common/socket/socket_windows.go (which listens on \\.\pipe\krd-agent
// via go-winio). Generalized to an arbitrary pipe name since this
// package has no fixed agent socket of its own.
package transport

import (
	"net"

	winio "github.com/Microsoft/go-winio"
)

// ListenUnix listens on a Windows named pipe at \\.\pipe\<name>, mirroring
// the *nix ListenUnix signature so callers can stay platform-agnostic.
func ListenUnix(name string) (net.Listener, error) {
	return winio.ListenPipe(`\\.\pipe\`+name, nil)
}

// DialUnix connects to a peer already listening on the named pipe.
func DialUnix(name string) (net.Conn, error) {
	return winio.DialPipe(`\\.\pipe\`+name, nil)
}
