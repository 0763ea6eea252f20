//go:build linux

package daemon

import (
	"net"

	"github.com/linuxkit/virtsock/pkg/vsock"
	"github.com/pkg/errors"
)

// listenVsock binds the host vsock port guests dial at boot.
var listenVsock = func(port uint32) (net.Listener, error) {
	return vsock.Listen(vsock.CIDAny, port)
}

// remoteCID extracts the guest context id from an accepted connection.
func remoteCID(conn net.Conn) (uint32, error) {
	addr, ok := conn.RemoteAddr().(vsock.Addr)
	if !ok {
		return 0, errors.Errorf("unexpected remote address %T", conn.RemoteAddr())
	}
	return addr.CID, nil
}
