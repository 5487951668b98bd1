// Package loopback implements the host side of the bus protocol in-process.
// It backs tests and demos with a real peer: page-list registrations are
// reassembled and resolved back to guest memory, open/close handshakes are
// answered, and the guest's rings are serviced from the host end exactly as
// a hypervisor would, including coalesced interrupts and signal masking.
package loopback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/paravirt/hvbus/internal/dma"
	"github.com/paravirt/hvbus/internal/hostrt"
	"github.com/paravirt/hvbus/internal/vmbus"
)

// PacketHandler observes one guest-to-host frame. payload excludes the
// descriptor; handlers emulating a device answer via InjectPacket or
// InjectCompletion.
type PacketHandler func(channelID uint32, desc vmbus.PacketDescriptor, payload []byte)

// Host is an in-process hypervisor peer. It implements hostrt.Runtime for
// the guest-side bus and exposes the host-side controls (Offer, Rescind,
// InjectPacket) that tests and demos drive.
type Host struct {
	arena *dma.Arena

	mu          sync.Mutex
	bus         *vmbus.Bus
	nextChannel uint32
	channels    map[uint32]*hostChannel
	gpadls      map[uint32]*gpadlEntry
	assembling  map[uint32]*gpadlEntry
	sources     map[uint32]*interruptSource
	onPacket    PacketHandler

	// signals coalesces guest doorbells, mirroring how real hosts see one
	// event for any number of ring publications.
	signals chan struct{}

	// drainMu keeps close and rescind handling out of any in-flight ring
	// access: the guest releases its buffer right after those paths return,
	// so the host must not touch the rings past that point. PacketHandlers
	// run outside drainMu and may inject replies.
	drainMu sync.Mutex

	eg     *errgroup.Group
	cancel context.CancelFunc
}

type hostChannel struct {
	id         uint32
	ifType     vmbus.GUID
	ifInstance vmbus.GUID
	open       bool
	gpadl      uint32
	tx         *vmbus.RingBuffer // guest transmit ring; the host consumes it
	rx         *vmbus.RingBuffer // guest receive ring; the host produces into it
}

type gpadlEntry struct {
	channelID  uint32
	rangeBytes uint32
	pfns       []uint64
}

func (g *gpadlEntry) complete() bool {
	return uint32(len(g.pfns))*dma.PageSize >= g.rangeBytes
}

// NewHost returns an idle host. Attach a bus, then Start it.
func NewHost() *Host {
	return &Host{
		arena:       dma.NewArena(),
		nextChannel: 1,
		channels:    make(map[uint32]*hostChannel),
		gpadls:      make(map[uint32]*gpadlEntry),
		assembling:  make(map[uint32]*gpadlEntry),
		sources:     make(map[uint32]*interruptSource),
		signals:     make(chan struct{}, 1),
	}
}

// Attach wires the host to the guest-side bus it delivers into.
func (h *Host) Attach(bus *vmbus.Bus) {
	h.mu.Lock()
	h.bus = bus
	h.mu.Unlock()
}

// OnPacket installs the handler for guest transmit frames. It runs on the
// host's service goroutine.
func (h *Host) OnPacket(fn PacketHandler) {
	h.mu.Lock()
	h.onPacket = fn
	h.mu.Unlock()
}

// Start launches the ring service loop. Stop cancels it.
func (h *Host) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.eg, ctx = errgroup.WithContext(ctx)
	h.eg.Go(func() error { return h.serviceSignals(ctx) })
}

// Stop halts the service loop and waits for it.
func (h *Host) Stop() error {
	if h.cancel == nil {
		return nil
	}
	h.cancel()
	return h.eg.Wait()
}

// ---------------------------------------------------------------------------
// hostrt.Runtime
// ---------------------------------------------------------------------------

// AllocDMA allocates guest memory from the shared arena, so the host can
// resolve registered frame numbers back to the same bytes.
func (h *Host) AllocDMA(size int) (*dma.Buffer, error) {
	return h.arena.Alloc(size)
}

// PostMessage handles one guest control message and delivers any completion
// synchronously back through the bus.
func (h *Host) PostMessage(ctx context.Context, raw []byte) error {
	msg, err := vmbus.DecodeMessage(raw)
	if err != nil {
		return err
	}

	switch m := msg.(type) {
	case vmbus.GpadlHeader:
		return h.handleGpadlHeader(m)
	case vmbus.GpadlBody:
		return h.handleGpadlBody(m)
	case vmbus.GpadlTeardown:
		return h.handleGpadlTeardown(m)
	case vmbus.OpenChannel:
		return h.handleOpen(m)
	case vmbus.CloseChannel:
		return h.handleClose(m)
	}
	return fmt.Errorf("loopback: unexpected control message type %d from guest", msg.MessageType())
}

// SignalHost coalesces the guest doorbell. A full signal slot is fine: the
// queued wakeup drains every channel, including whatever was just published.
func (h *Host) SignalHost(channelID uint32) error {
	select {
	case h.signals <- struct{}{}:
	default:
	}
	return nil
}

// RegisterInterrupt records the delivery point for a channel. The loopback
// delivers coalesced interrupts through the bus directory, so the source
// only tracks registration state.
func (h *Host) RegisterInterrupt(channelID uint32, fn func()) (hostrt.InterruptSource, error) {
	src := &interruptSource{host: h, channelID: channelID}
	h.mu.Lock()
	h.sources[channelID] = src
	h.mu.Unlock()
	return src, nil
}

type interruptSource struct {
	host      *Host
	channelID uint32
	enabled   bool
}

func (s *interruptSource) Enable()  { s.setEnabled(true) }
func (s *interruptSource) Disable() { s.setEnabled(false) }

func (s *interruptSource) setEnabled(v bool) {
	s.host.mu.Lock()
	s.enabled = v
	s.host.mu.Unlock()
}

func (s *interruptSource) Teardown() {
	s.host.mu.Lock()
	delete(s.host.sources, s.channelID)
	s.host.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Control message handling
// ---------------------------------------------------------------------------

func (h *Host) handleGpadlHeader(m vmbus.GpadlHeader) error {
	h.mu.Lock()
	h.assembling[m.Gpadl] = &gpadlEntry{
		channelID:  m.ChannelID,
		rangeBytes: m.RangeBytes,
		pfns:       append([]uint64(nil), m.PFNs...),
	}
	h.mu.Unlock()
	h.finishGpadlIfComplete(m.Gpadl)
	return nil
}

func (h *Host) handleGpadlBody(m vmbus.GpadlBody) error {
	h.mu.Lock()
	entry, ok := h.assembling[m.Gpadl]
	if ok {
		entry.pfns = append(entry.pfns, m.PFNs...)
	}
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("loopback: gpadl body for unknown handle %#x", m.Gpadl)
	}
	h.finishGpadlIfComplete(m.Gpadl)
	return nil
}

func (h *Host) finishGpadlIfComplete(handle uint32) {
	h.mu.Lock()
	entry, ok := h.assembling[handle]
	if !ok || !entry.complete() {
		h.mu.Unlock()
		return
	}
	delete(h.assembling, handle)

	status := uint32(0)
	pages := int(entry.rangeBytes) / dma.PageSize
	if len(entry.pfns) != pages || !dma.Contiguous(entry.pfns) {
		status = 1
	} else if _, err := h.arena.Range(entry.pfns[0], pages); err != nil {
		status = 2
	}
	if status == 0 {
		h.gpadls[handle] = entry
	}
	bus := h.bus
	channelID := entry.channelID
	h.mu.Unlock()

	h.deliver(bus, vmbus.GpadlCreated{ChannelID: channelID, Gpadl: handle, Status: status})
}

func (h *Host) handleGpadlTeardown(m vmbus.GpadlTeardown) error {
	h.mu.Lock()
	delete(h.gpadls, m.Gpadl)
	delete(h.assembling, m.Gpadl)
	bus := h.bus
	h.mu.Unlock()

	h.deliver(bus, vmbus.GpadlTorndown{Gpadl: m.Gpadl})
	return nil
}

func (h *Host) handleOpen(m vmbus.OpenChannel) error {
	h.mu.Lock()
	status := h.bindChannelLocked(m)
	bus := h.bus
	h.mu.Unlock()

	h.deliver(bus, vmbus.OpenResult{ChannelID: m.ChannelID, OpenID: m.OpenID, Status: status})
	return nil
}

// bindChannelLocked maps the registered pages and builds the host-side ring
// views. Returns the open status for the completion.
func (h *Host) bindChannelLocked(m vmbus.OpenChannel) uint32 {
	hc, ok := h.channels[m.ChannelID]
	if !ok {
		return 1
	}
	entry, ok := h.gpadls[m.Gpadl]
	if !ok || entry.channelID != m.ChannelID {
		return 2
	}
	total := len(entry.pfns)
	split := int(m.DownstreamPageOffset)
	if split <= 1 || split >= total {
		return 3
	}

	txRegion, err := h.arena.Range(entry.pfns[0], split)
	if err != nil {
		return 4
	}
	rxRegion, err := h.arena.Range(entry.pfns[split], total-split)
	if err != nil {
		return 4
	}
	tx, err := vmbus.NewRingBuffer(txRegion)
	if err != nil {
		return 5
	}
	rx, err := vmbus.NewRingBuffer(rxRegion)
	if err != nil {
		return 5
	}

	hc.open = true
	hc.gpadl = m.Gpadl
	hc.tx, hc.rx = tx, rx
	return 0
}

func (h *Host) handleClose(m vmbus.CloseChannel) error {
	h.drainMu.Lock()
	defer h.drainMu.Unlock()

	h.mu.Lock()
	if hc, ok := h.channels[m.ChannelID]; ok {
		hc.open = false
		hc.tx, hc.rx = nil, nil
		hc.gpadl = 0
	}
	h.mu.Unlock()
	return nil
}

func (h *Host) deliver(bus *vmbus.Bus, msg vmbus.Message) {
	if bus == nil {
		return
	}
	if err := bus.DeliverMessage(msg.Marshal()); err != nil {
		slog.Warn("loopback: guest rejected control message",
			"type", msg.MessageType(), "err", err)
	}
}

// ---------------------------------------------------------------------------
// Host-side controls
// ---------------------------------------------------------------------------

// Offer creates a channel and announces it to the guest, returning the
// assigned channel id.
func (h *Host) Offer(ifType, ifInstance vmbus.GUID) (uint32, error) {
	h.mu.Lock()
	if h.bus == nil {
		h.mu.Unlock()
		return 0, fmt.Errorf("loopback: no bus attached")
	}
	id := h.nextChannel
	h.nextChannel++
	h.channels[id] = &hostChannel{id: id, ifType: ifType, ifInstance: ifInstance}
	bus := h.bus
	h.mu.Unlock()

	err := bus.DeliverMessage(vmbus.ChannelOffer{
		ChannelID:  id,
		IfType:     ifType,
		IfInstance: ifInstance,
	}.Marshal())
	if err != nil {
		h.mu.Lock()
		delete(h.channels, id)
		h.mu.Unlock()
		return 0, err
	}
	return id, nil
}

// Rescind withdraws a channel. Guest-visible handles die with ErrNotPresent.
// The guest releases its buffers during delivery, so rescind waits out any
// in-flight drain first.
func (h *Host) Rescind(channelID uint32) error {
	h.drainMu.Lock()
	defer h.drainMu.Unlock()

	h.mu.Lock()
	hc, ok := h.channels[channelID]
	if ok {
		delete(h.channels, channelID)
		if hc.gpadl != 0 {
			delete(h.gpadls, hc.gpadl)
		}
	}
	bus := h.bus
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("loopback: rescind of unknown channel %d", channelID)
	}
	return bus.DeliverMessage(vmbus.RescindOffer{ChannelID: channelID}.Marshal())
}

// InjectPacket writes one inband frame into the guest's receive ring and
// interrupts the guest unless it masked signals while draining; frames
// queued under a mask are picked up by the guest's own re-check.
func (h *Host) InjectPacket(channelID uint32, payload []byte, txID uint64) error {
	return h.inject(channelID, vmbus.PacketInband, payload, txID, 0)
}

// InjectCompletion answers a guest request that asked for a completion.
func (h *Host) InjectCompletion(channelID uint32, payload []byte, txID uint64) error {
	return h.inject(channelID, vmbus.PacketCompletion, payload, txID, 0)
}

func (h *Host) inject(channelID uint32, typ uint16, payload []byte, txID uint64, flags uint16) error {
	frame, err := vmbus.EncodePacket(typ, payload, txID, flags)
	if err != nil {
		return err
	}

	// The write itself happens under drainMu so a concurrent close or
	// rescind cannot pull the buffer out from under it. The interrupt is
	// delivered outside: guest dispatch may write replies that land back
	// here via SignalHost.
	h.drainMu.Lock()
	h.mu.Lock()
	hc, ok := h.channels[channelID]
	if !ok || !hc.open {
		h.mu.Unlock()
		h.drainMu.Unlock()
		return fmt.Errorf("loopback: inject into channel %d: %w", channelID, vmbus.ErrNotPresent)
	}
	rx := hc.rx
	bus := h.bus
	h.mu.Unlock()

	err = rx.Write(frame)
	signal := err == nil && rx.NeedsSignal()
	h.drainMu.Unlock()

	if err != nil {
		return err
	}
	if signal && bus != nil {
		bus.DeliverInterrupt()
	}
	return nil
}

// ---------------------------------------------------------------------------
// Guest transmit ring service
// ---------------------------------------------------------------------------

func (h *Host) serviceSignals(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-h.signals:
			h.drainAll()
		}
	}
}

// drainAll services every open channel's transmit ring. Signals are
// coalesced, so each wakeup scans all channels, like a real host's event
// page.
type guestFrame struct {
	channelID uint32
	desc      vmbus.PacketDescriptor
	payload   []byte
}

func (h *Host) drainAll() {
	h.mu.Lock()
	ids := make([]uint32, 0, len(h.channels))
	for id, hc := range h.channels {
		if hc.open {
			ids = append(ids, id)
		}
	}
	onPacket := h.onPacket
	h.mu.Unlock()

	for _, id := range ids {
		// Frames are collected under drainMu but handed to the handler
		// outside it, so handlers may inject replies.
		for {
			frames := h.collectFrames(id)
			if len(frames) == 0 {
				break
			}
			if onPacket != nil {
				for _, f := range frames {
					onPacket(f.channelID, f.desc, f.payload)
				}
			}
		}
	}
}

// collectFrames consumes every queued frame from one guest transmit ring.
// It re-validates the channel under drainMu: a close or rescind between
// batches means the ring is gone and the batch is empty.
func (h *Host) collectFrames(channelID uint32) []guestFrame {
	h.drainMu.Lock()
	defer h.drainMu.Unlock()

	h.mu.Lock()
	hc, ok := h.channels[channelID]
	var tx *vmbus.RingBuffer
	if ok && hc.open {
		tx = hc.tx
	}
	h.mu.Unlock()
	if tx == nil {
		return nil
	}

	var frames []guestFrame
	tx.SetInterruptMask(true)
	defer tx.SetInterruptMask(false)

	for {
		desc, err := tx.Peek()
		if err != nil {
			if !errors.Is(err, vmbus.ErrRingEmpty) {
				slog.Error("loopback: guest transmit ring corrupt", "channel", channelID, "err", err)
			}
			return frames
		}
		frame := make([]byte, desc.TotalLength)
		if _, _, err := tx.Read(frame); err != nil {
			slog.Error("loopback: read guest frame", "channel", channelID, "err", err)
			return frames
		}
		frames = append(frames, guestFrame{
			channelID: channelID,
			desc:      desc,
			payload:   frame[desc.HeaderLength:],
		})
	}
}
