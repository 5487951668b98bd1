package vmbus

import "errors"

var (
	// ErrRingFull is steady-state backpressure on a transmit ring. Callers
	// retry after the host drains; it is not worth logging.
	ErrRingFull = errors.New("ring buffer full")

	// ErrRingEmpty reports that no complete frame is available to read.
	ErrRingEmpty = errors.New("ring buffer empty")

	// ErrIncomplete reports a frame whose published length exceeds the bytes
	// available, or a destination too small for the whole frame. No data is
	// consumed.
	ErrIncomplete = errors.New("incomplete frame")

	// ErrTimeout reports a control round trip the host never answered.
	ErrTimeout = errors.New("control request timed out")

	// ErrNotPresent reports an operation on a channel the host has rescinded
	// or never offered.
	ErrNotPresent = errors.New("channel not present")

	// ErrHostRejected reports an explicit negative completion from the host.
	ErrHostRejected = errors.New("request rejected by host")

	// ErrProtocol reports a malformed frame or message, or ring state that
	// violates the single-producer/single-consumer invariants. Channels that
	// observe it close defensively.
	ErrProtocol = errors.New("protocol violation")

	// ErrClosed reports an operation that requires an open channel.
	ErrClosed = errors.New("channel not open")
)
