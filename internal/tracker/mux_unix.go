//go:build unix

package tracker

import (
	"net"

	"golang.org/x/sys/unix"

	"github.com/lvbealr/bittorrent/internal/log"
)

// recvBufferSize is a best-effort larger-than-default SO_RCVBUF, sized to
// absorb a burst of announce responses across many tracker tiers without
// kernel-level drops.
const recvBufferSize = 1 << 20

// tuneRecvBuffer best-effort raises the socket's receive buffer via
// SO_RCVBUF. Failure is logged, not fatal: the mux is still usable with the
// OS default.
func tuneRecvBuffer(conn *net.UDPConn, lg *log.Logger) {
	raw, err := conn.SyscallConn()
	if err != nil {
		lg.Debugw("tracker socket tuning unavailable", "err", err)
		return
	}

	ctrlErr := raw.Control(func(fd uintptr) {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, recvBufferSize); err != nil {
			lg.Debugw("tracker SO_RCVBUF tuning failed", "err", err)
		}
	})
	if ctrlErr != nil {
		lg.Debugw("tracker socket control failed", "err", ctrlErr)
	}
}
