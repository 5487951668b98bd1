// Package hostrt defines the capability set the bus core consumes from the
// host-runtime glue: DMA allocation, the control-message path to the host,
// the doorbell, and interrupt source registration. The core holds a Runtime
// value instead of inheriting from any driver framework, so platform glue
// and in-process test hosts plug in the same way.
package hostrt

import (
	"context"

	"github.com/paravirt/hvbus/internal/dma"
)

// Runtime is the host-facing side of the glue.
type Runtime interface {
	// AllocDMA allocates a zeroed, host-reachable buffer of size bytes.
	// size must be a positive multiple of dma.PageSize.
	AllocDMA(size int) (*dma.Buffer, error)

	// PostMessage submits one marshaled control message to the host's
	// management path.
	PostMessage(ctx context.Context, msg []byte) error

	// SignalHost rings the doorbell for a channel after the guest published
	// new transmit data.
	SignalHost(channelID uint32) error

	// RegisterInterrupt registers fn as the delivery target for a channel's
	// host interrupts. Delivery must not begin before Enable is called on
	// the returned source and must never happen after Teardown returns.
	RegisterInterrupt(channelID uint32, fn func()) (InterruptSource, error)
}

// InterruptSource is one registered interrupt delivery point.
type InterruptSource interface {
	Enable()
	Disable()

	// Teardown unregisters the source. After it returns, fn is never
	// invoked again.
	Teardown()
}
