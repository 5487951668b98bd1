package vmbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/paravirt/hvbus/internal/dma"
	"github.com/paravirt/hvbus/internal/hostrt"
)

// State is a channel's lifecycle position.
type State int32

const (
	StateNotPresent State = iota
	StateClosed
	StateGpadlConfigured
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateNotPresent:
		return "not-present"
	case StateClosed:
		return "closed"
	case StateGpadlConfigured:
		return "gpadl-configured"
	case StateOpen:
		return "open"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Channel is one logical full-duplex endpoint over the bus. It owns a
// transmit ring, a receive ring (both views over a single DMA buffer), and
// the page-list registration that hands that buffer to the host.
//
// Locking: mu serializes state transitions (single-writer discipline per
// channel). dispatchMu serializes interrupt dispatch and is what Close
// drains before releasing memory. ioMu guards the ring views on data paths
// against that release. Ring contents themselves need no lock: each ring has
// exactly one producer and one consumer.
type Channel struct {
	bus        *Bus
	id         uint32
	ifType     GUID
	ifInstance GUID

	mu    sync.Mutex
	state atomic.Int32

	ioMu   sync.RWMutex
	buf    *dma.Buffer
	txRing *RingBuffer
	rxRing *RingBuffer
	gpadl  uint32

	intr        hostrt.InterruptSource
	intrEnabled atomic.Bool
	cb          func()

	dispatchMu sync.Mutex
}

func newChannel(bus *Bus, offer ChannelOffer) *Channel {
	c := &Channel{
		bus:        bus,
		id:         offer.ChannelID,
		ifType:     offer.IfType,
		ifInstance: offer.IfInstance,
	}
	c.state.Store(int32(StateClosed))
	return c
}

// ID returns the host-assigned channel id.
func (c *Channel) ID() uint32 { return c.id }

// InterfaceType returns the device class GUID from the offer.
func (c *Channel) InterfaceType() GUID { return c.ifType }

// InterfaceInstance returns the device instance GUID from the offer.
func (c *Channel) InterfaceInstance() GUID { return c.ifInstance }

// State returns the current lifecycle state.
func (c *Channel) State() State { return State(c.state.Load()) }

func (c *Channel) setState(s State) { c.state.Store(int32(s)) }

// Open configures and opens the channel: it allocates one DMA buffer laid
// out as tx header page, tx data, rx header page, rx data; registers it with
// the host; and completes the open handshake. txSize and rxSize are the ring
// data sizes and must be positive power-of-two multiples of the page size.
//
// cb is the interrupt callback invoked whenever the receive ring has data;
// it runs on the dispatch context and should drain frames until empty.
// Interrupt delivery is enabled before the open message is posted so no
// host frame sent after open can be missed.
//
// Open is idempotent: calling it on an already open channel succeeds without
// side effects.
func (c *Channel) Open(ctx context.Context, txSize, rxSize int, cb func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.State() {
	case StateOpen:
		return nil
	case StateNotPresent:
		return fmt.Errorf("vmbus: open channel %d: %w", c.id, ErrNotPresent)
	}

	if err := validateRingSize("tx", txSize); err != nil {
		return err
	}
	if err := validateRingSize("rx", rxSize); err != nil {
		return err
	}

	buf, err := c.bus.rt.AllocDMA(2*RingHeaderSize + txSize + rxSize)
	if err != nil {
		return fmt.Errorf("vmbus: open channel %d: %w", c.id, err)
	}

	txRegion, err := buf.Slice(0, RingHeaderSize+txSize)
	if err == nil {
		var rxRegion []byte
		rxRegion, err = buf.Slice(RingHeaderSize+txSize, RingHeaderSize+rxSize)
		if err == nil {
			c.txRing, err = NewRingBuffer(txRegion)
			if err == nil {
				c.rxRing, err = NewRingBuffer(rxRegion)
			}
		}
	}
	if err != nil {
		buf.Release()
		c.txRing, c.rxRing = nil, nil
		return fmt.Errorf("vmbus: open channel %d: %w", c.id, err)
	}

	c.ioMu.Lock()
	c.buf = buf
	c.cb = cb
	c.ioMu.Unlock()

	// Interrupt delivery comes up before the open message goes out, so a
	// host that signals immediately after acknowledging the open is heard.
	c.intr, err = c.bus.rt.RegisterInterrupt(c.id, c.dispatch)
	if err != nil {
		c.teardownLocked(StateClosed, false)
		return fmt.Errorf("vmbus: open channel %d: %w", c.id, err)
	}
	c.intr.Enable()
	c.intrEnabled.Store(true)

	gpadl, err := c.bus.registrar.Register(ctx, c.id, buf)
	if err != nil {
		c.teardownLocked(stateAfterFailure(err), false)
		return err
	}
	c.gpadl = gpadl
	c.setState(StateGpadlConfigured)

	openID := c.bus.allocOpenID()
	status, err := c.bus.roundTrip(ctx,
		pendingKey{MsgOpenResult, c.id, openID},
		OpenChannel{
			ChannelID:            c.id,
			OpenID:               openID,
			Gpadl:                gpadl,
			DownstreamPageOffset: uint32((RingHeaderSize + txSize) / dma.PageSize),
		},
	)
	if err != nil {
		c.teardownLocked(stateAfterFailure(err), !errors.Is(err, ErrNotPresent))
		return fmt.Errorf("vmbus: open channel %d: %w", c.id, err)
	}
	if status != 0 {
		c.teardownLocked(StateClosed, true)
		return fmt.Errorf("vmbus: open channel %d: host status %d: %w", c.id, status, ErrHostRejected)
	}

	c.setState(StateOpen)
	slog.Debug("vmbus: channel open", "channel", c.id, "tx", txSize, "rx", rxSize, "gpadl", fmt.Sprintf("%#x", gpadl))
	return nil
}

// Close tears the channel down: interrupt source first (after Close returns
// no callback fires), then the close handshake and page-list teardown (both
// best-effort), and finally the DMA buffer, only once no dispatch is in
// flight. Close is idempotent and safe to call from any state.
func (c *Channel) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.State() {
	case StateNotPresent, StateClosed:
		return nil
	}

	c.setState(StateClosed)
	c.stopInterrupts()

	if err := c.bus.rt.PostMessage(ctx, CloseChannel{ChannelID: c.id}.Marshal()); err != nil {
		slog.Warn("vmbus: close message failed", "channel", c.id, "err", err)
	}
	c.teardownLocked(StateClosed, true)
	return nil
}

// rescind handles a host rescind: the channel vanishes without a close
// handshake and every subsequent operation fails with ErrNotPresent.
func (c *Channel) rescind() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.State() == StateNotPresent {
		return
	}
	c.setState(StateNotPresent)
	c.stopInterrupts()
	// No close or teardown messages: the host already forgot the channel.
	c.teardownLocked(StateNotPresent, false)
}

// stopInterrupts disables and unregisters the interrupt source, then drains
// any in-flight dispatch. Callers hold mu.
func (c *Channel) stopInterrupts() {
	c.intrEnabled.Store(false)
	if c.intr != nil {
		c.intr.Disable()
		c.intr.Teardown()
		c.intr = nil
	}
	// Taking and releasing dispatchMu waits out any dispatch that was
	// already past the enable check.
	c.dispatchMu.Lock()
	c.dispatchMu.Unlock()
}

// teardownLocked releases the channel's host-visible resources and parks the
// state. Callers hold mu. tearGpadl selects whether the registration is
// still worth a teardown handshake (not after a rescind).
func (c *Channel) teardownLocked(final State, tearGpadl bool) {
	c.stopInterrupts()

	if c.gpadl != 0 && tearGpadl {
		if err := c.bus.registrar.Unregister(context.Background(), c.id, c.gpadl); err != nil {
			slog.Warn("vmbus: gpadl teardown failed", "channel", c.id, "err", err)
		}
	}
	c.gpadl = 0

	c.ioMu.Lock()
	if c.buf != nil {
		c.buf.Release()
		c.buf = nil
	}
	c.txRing, c.rxRing = nil, nil
	c.cb = nil
	c.ioMu.Unlock()

	c.setState(final)
}

func stateAfterFailure(err error) State {
	if errors.Is(err, ErrNotPresent) {
		return StateNotPresent
	}
	return StateClosed
}

func validateRingSize(name string, size int) error {
	if size <= 0 || size%dma.PageSize != 0 || size&(size-1) != 0 {
		return fmt.Errorf("vmbus: %s ring size %d must be a positive power-of-two multiple of %d", name, size, dma.PageSize)
	}
	return nil
}

// opErr maps the current state to the error a data-path operation reports.
func (c *Channel) opErr(op string) error {
	switch c.State() {
	case StateOpen:
		return nil
	case StateNotPresent:
		return fmt.Errorf("vmbus: %s on channel %d: %w", op, c.id, ErrNotPresent)
	default:
		return fmt.Errorf("vmbus: %s on channel %d: %w", op, c.id, ErrClosed)
	}
}

// WritePacket queues one inband frame on the transmit ring and signals the
// host if it wants signals. ErrRingFull is backpressure: nothing was
// written and the caller retries later. Frames are never partially written.
func (c *Channel) WritePacket(payload []byte, txID uint64, requiresCompletion bool) error {
	var flags uint16
	if requiresCompletion {
		flags |= PacketFlagCompletionRequested
	}
	return c.writeFrame(PacketInband, payload, txID, flags)
}

// WriteCompletion queues a completion frame answering an earlier request
// with the same transaction id.
func (c *Channel) WriteCompletion(payload []byte, txID uint64) error {
	return c.writeFrame(PacketCompletion, payload, txID, 0)
}

func (c *Channel) writeFrame(typ uint16, payload []byte, txID uint64, flags uint16) error {
	c.ioMu.RLock()
	defer c.ioMu.RUnlock()

	if err := c.opErr("write"); err != nil {
		return err
	}
	frame, err := EncodePacket(typ, payload, txID, flags)
	if err != nil {
		return err
	}
	if err := c.txRing.Write(frame); err != nil {
		return err
	}
	if c.txRing.NeedsSignal() {
		if err := c.bus.rt.SignalHost(c.id); err != nil {
			return fmt.Errorf("vmbus: signal host for channel %d: %w", c.id, err)
		}
	}
	return nil
}

// NextInboundFrame peeks at the receive ring and reports the payload length
// of the next frame, so callers can size a buffer before reading. ok is
// false with a nil error when the ring is simply empty.
func (c *Channel) NextInboundFrame() (length int, ok bool, err error) {
	c.ioMu.RLock()
	defer c.ioMu.RUnlock()

	if err := c.opErr("peek"); err != nil {
		return 0, false, err
	}
	desc, err := c.rxRing.Peek()
	if errors.Is(err, ErrRingEmpty) {
		return 0, false, nil
	}
	if err != nil {
		c.defectiveRing(err)
		return 0, false, err
	}
	return desc.PayloadLength(), true, nil
}

// ReadInboundFrame consumes the next frame and copies its payload into dst.
// dst smaller than the payload returns ErrIncomplete and consumes nothing.
func (c *Channel) ReadInboundFrame(dst []byte) (PacketDescriptor, int, error) {
	c.ioMu.RLock()
	defer c.ioMu.RUnlock()

	if err := c.opErr("read"); err != nil {
		return PacketDescriptor{}, 0, err
	}
	desc, err := c.rxRing.Peek()
	if errors.Is(err, ErrRingEmpty) {
		return PacketDescriptor{}, 0, ErrRingEmpty
	}
	if err != nil {
		c.defectiveRing(err)
		return PacketDescriptor{}, 0, err
	}
	if len(dst) < desc.PayloadLength() {
		return PacketDescriptor{}, 0, fmt.Errorf("vmbus: %d-byte buffer for %d-byte payload: %w", len(dst), desc.PayloadLength(), ErrIncomplete)
	}

	scratch := make([]byte, desc.TotalLength)
	if _, _, err := c.rxRing.Read(scratch); err != nil {
		c.defectiveRing(err)
		return PacketDescriptor{}, 0, err
	}
	n := copy(dst, scratch[desc.HeaderLength:])
	return desc, n, nil
}

// defectiveRing forces the channel closed when ring contents violate the
// framing invariants; continuing to consume possibly-corrupt data is worse
// than dropping the channel.
func (c *Channel) defectiveRing(err error) {
	if !errors.Is(err, ErrProtocol) {
		return
	}
	slog.Error("vmbus: corrupt ring, closing channel", "channel", c.id, "err", err)
	go func() {
		if cerr := c.Close(context.Background()); cerr != nil {
			slog.Warn("vmbus: defensive close failed", "channel", c.id, "err", cerr)
		}
	}()
}

// dispatch is the interrupt delivery path: it masks receive-side signals
// while the callback drains, then unmasks and re-checks so frames that
// arrived during the masked window are not stranded waiting for a signal
// the host skipped.
func (c *Channel) dispatch() {
	if c.State() != StateOpen || !c.intrEnabled.Load() {
		return
	}

	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	// Re-check under dispatchMu: Close drains this mutex after flipping the
	// state, so passing both checks here means the rings stay alive for the
	// whole dispatch.
	if c.State() != StateOpen || !c.intrEnabled.Load() {
		return
	}
	rx, cb := c.rxRing, c.cb
	if rx == nil || cb == nil {
		return
	}

	for {
		rx.SetInterruptMask(true)
		before := rx.BytesUsed()
		cb()
		rx.SetInterruptMask(false)

		used := rx.BytesUsed()
		if used == 0 {
			return
		}
		if used >= before {
			// The callback made no progress; give up rather than spin. The
			// next host signal re-enters dispatch.
			slog.Warn("vmbus: interrupt callback left data queued", "channel", c.id, "bytes", used)
			return
		}
	}
}

// hasInboundData reports whether the receive ring holds anything, for the
// directory's coalesced interrupt scan.
func (c *Channel) hasInboundData() bool {
	c.ioMu.RLock()
	defer c.ioMu.RUnlock()
	return c.State() == StateOpen && c.rxRing != nil && c.rxRing.BytesUsed() > 0
}
