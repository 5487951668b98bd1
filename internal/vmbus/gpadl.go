package vmbus

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/paravirt/hvbus/internal/dma"
)

// Registrar hands guest page lists to the host. Handles are allocated
// monotonically from GpadlStartHandle and never reused while a channel is
// open; every open requests a fresh handle.
type Registrar struct {
	bus  *Bus
	next atomic.Uint32
}

// NewRegistrar returns a registrar bound to a bus.
func NewRegistrar(bus *Bus) *Registrar {
	r := &Registrar{bus: bus}
	r.next.Store(GpadlStartHandle)
	return r
}

// Register describes buf's pages to the host and returns the handle the
// registration is known by. Page lists exceeding one control message are
// split into a header plus continuation bodies, all correlated by the
// proposed handle; the host answers with a single completion once every
// fragment arrived. Any fragment failure fails the whole registration and
// retains no handle.
func (r *Registrar) Register(ctx context.Context, channelID uint32, buf *dma.Buffer) (uint32, error) {
	pfns := buf.PageNumbers()
	if len(pfns) == 0 {
		return 0, fmt.Errorf("vmbus: gpadl register of empty buffer: %w", ErrProtocol)
	}

	handle := r.next.Add(1) - 1

	headerPFNs := pfns
	if len(headerPFNs) > GpadlHeaderMaxPFNs {
		headerPFNs = headerPFNs[:GpadlHeaderMaxPFNs]
	}
	msgs := []Message{GpadlHeader{
		ChannelID:  channelID,
		Gpadl:      handle,
		RangeBytes: uint32(buf.Size()),
		PFNs:       headerPFNs,
	}}

	rest := pfns[len(headerPFNs):]
	for msgNumber := uint32(1); len(rest) > 0; msgNumber++ {
		n := len(rest)
		if n > GpadlBodyMaxPFNs {
			n = GpadlBodyMaxPFNs
		}
		msgs = append(msgs, GpadlBody{
			MsgNumber: msgNumber,
			Gpadl:     handle,
			PFNs:      rest[:n],
		})
		rest = rest[n:]
	}

	status, err := r.bus.roundTrip(ctx, pendingKey{MsgGpadlCreated, channelID, handle}, msgs...)
	if err != nil {
		return 0, fmt.Errorf("vmbus: gpadl register channel %d: %w", channelID, err)
	}
	if status != 0 {
		return 0, fmt.Errorf("vmbus: gpadl register channel %d: host status %d: %w", channelID, status, ErrHostRejected)
	}
	return handle, nil
}

// Unregister releases a registration. It is best-effort: callers log
// failures and continue teardown, they never block on it.
func (r *Registrar) Unregister(ctx context.Context, channelID, handle uint32) error {
	_, err := r.bus.roundTrip(ctx,
		pendingKey{MsgGpadlTorndown, 0, handle},
		GpadlTeardown{ChannelID: channelID, Gpadl: handle},
	)
	if err != nil {
		return fmt.Errorf("vmbus: gpadl teardown %#x: %w", handle, err)
	}
	return nil
}
