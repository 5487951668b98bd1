// Package hvbus implements the guest side of a paravirtualized channel bus:
// shared-memory ring transport, page-list (GPADL) registration, a channel
// lifecycle state machine, and a directory that routes coalesced host
// interrupts to the channels with pending data. An in-process loopback host
// is included so the whole stack runs without a hypervisor.
package hvbus

import (
	"github.com/paravirt/hvbus/internal/dma"
	"github.com/paravirt/hvbus/internal/hostrt"
	"github.com/paravirt/hvbus/internal/hostrt/loopback"
	"github.com/paravirt/hvbus/internal/vmbus"
)

// -----------------------------------------------------------------------------
// Type Aliases - These re-export types from the internal packages
// -----------------------------------------------------------------------------

// Bus owns the host connection: it routes control messages, correlates
// request/response pairs, and fans interrupts out to channels.
type Bus = vmbus.Bus

// Config carries bus-wide settings.
type Config = vmbus.Config

// Channel is one offered channel with its rings and lifecycle state.
type Channel = vmbus.Channel

// State is a channel lifecycle state.
type State = vmbus.State

// Directory maps channel IDs to live channels.
type Directory = vmbus.Directory

// Registrar issues and retires GPADL handles.
type Registrar = vmbus.Registrar

// RingBuffer is one direction of a channel's shared-memory transport.
type RingBuffer = vmbus.RingBuffer

// PacketDescriptor is the fixed header on every ring frame.
type PacketDescriptor = vmbus.PacketDescriptor

// GUID identifies channel interface types and instances.
type GUID = vmbus.GUID

// Runtime abstracts the host-facing primitives the bus is built on.
type Runtime = hostrt.Runtime

// InterruptSource is a registered per-channel interrupt line.
type InterruptSource = hostrt.InterruptSource

// Buffer is page-aligned memory visible to the host.
type Buffer = dma.Buffer

// Arena allocates loopback DMA memory with synthetic page frame numbers.
type Arena = dma.Arena

// LoopbackHost is an in-process host for tests and demos.
type LoopbackHost = loopback.Host

// PacketHandler receives guest frames on the loopback host.
type PacketHandler = loopback.PacketHandler

// Channel lifecycle states.
const (
	StateNotPresent      = vmbus.StateNotPresent
	StateClosed          = vmbus.StateClosed
	StateGpadlConfigured = vmbus.StateGpadlConfigured
	StateOpen            = vmbus.StateOpen
)

// Packet types carried in ring frame descriptors.
const (
	PacketInband     = vmbus.PacketInband
	PacketCompletion = vmbus.PacketCompletion
	PacketGpadlData  = vmbus.PacketGpadlData
	PacketCancel     = vmbus.PacketCancel
)

// PageSize is the granularity of all shared-memory registration.
const PageSize = dma.PageSize

// Common sentinel errors.
var (
	ErrRingFull     = vmbus.ErrRingFull
	ErrRingEmpty    = vmbus.ErrRingEmpty
	ErrIncomplete   = vmbus.ErrIncomplete
	ErrTimeout      = vmbus.ErrTimeout
	ErrNotPresent   = vmbus.ErrNotPresent
	ErrHostRejected = vmbus.ErrHostRejected
	ErrProtocol     = vmbus.ErrProtocol
	ErrClosed       = vmbus.ErrClosed
)

// NewBus connects a bus to a host runtime.
func NewBus(rt Runtime, cfg Config) *Bus {
	return vmbus.NewBus(rt, cfg)
}

// NewLoopbackHost creates an in-process host. Attach a bus, then Start it.
func NewLoopbackHost() *LoopbackHost {
	return loopback.NewHost()
}

// NewArena creates a standalone DMA arena.
func NewArena() *Arena {
	return dma.NewArena()
}

// ParseGUID parses the canonical 8-4-4-4-12 form.
func ParseGUID(s string) (GUID, error) {
	return vmbus.ParseGUID(s)
}

// MustParseGUID is ParseGUID for compile-time constants; it panics on
// malformed input.
func MustParseGUID(s string) GUID {
	return vmbus.MustParseGUID(s)
}
