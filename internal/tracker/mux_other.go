//go:build !unix

package tracker

import (
	"net"

	"github.com/lvbealr/bittorrent/internal/log"
)

// tuneRecvBuffer is a no-op on platforms without golang.org/x/sys/unix
// socket-option support; the mux runs fine with the OS default buffer size.
func tuneRecvBuffer(conn *net.UDPConn, lg *log.Logger) {
	lg.Debugw("tracker socket tuning not supported on this platform")
}
