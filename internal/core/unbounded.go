package core

import (
	"context"
	"net/netip"
)

// newUnboundedAddrChan returns a send/receive channel pair backed by a
// growable in-memory queue, approximating the "unbounded channel from
// TrackerEngines to SessionCore" spec §5 calls for. A bounded channel would
// risk a slow consumer stalling an Engine's announce-response wait; no pack
// dependency supplies an unbounded channel primitive, so this is the
// standard buffering-goroutine idiom over plain channels. The pump
// goroutine exits when ctx is cancelled, so it never outlives the session.
func newUnboundedAddrChan(ctx context.Context) (chan<- netip.AddrPort, <-chan netip.AddrPort) {
	in := make(chan netip.AddrPort)
	out := make(chan netip.AddrPort)

	go func() {
		defer close(out)
		var queue []netip.AddrPort

		for {
			if len(queue) == 0 {
				select {
				case <-ctx.Done():
					return
				case v := <-in:
					queue = append(queue, v)
				}
				continue
			}

			select {
			case <-ctx.Done():
				return
			case v := <-in:
				queue = append(queue, v)
			case out <- queue[0]:
				queue = queue[1:]
			}
		}
	}()

	return in, out
}
