package keyboard

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/paravirt/hvbus/internal/vmbus"
)

// ClassID identifies the synthetic keyboard interface type. Hosts offer a
// channel with this interface type when a keyboard is present.
var ClassID = vmbus.MustParseGUID("f912ad6d-2b17-48ea-bd65-f927a61c7684")

const (
	// Protocol version 1.0, negotiated at channel open.
	protocolVersion = 0x00010001

	msgProtocolRequest  = 1
	msgProtocolResponse = 2
	msgEvent            = 3
	msgSetLEDs          = 4

	// Both rings. Keystroke traffic is tiny; 16 KiB gives ample headroom.
	ringSize = 16 * 1024

	// Accepted flag in the protocol response.
	responseAccepted = 1
)

// Keystroke flag bits carried on every event message.
const (
	KeyFlagUnicode = 1 << 0 // MakeCode is a UTF-16 code point, not a scan code
	KeyFlagBreak   = 1 << 1 // key release rather than key press
	KeyFlagE0      = 1 << 2 // scan code carries the 0xE0 extension prefix
	KeyFlagE1      = 1 << 3 // scan code carries the 0xE1 extension prefix
)

// LED indicator bits for SetLEDs.
const (
	LEDScrollLock = 1 << 0
	LEDNumLock    = 1 << 1
	LEDCapsLock   = 1 << 2
)

// Keystroke is one decoded key event.
type Keystroke struct {
	MakeCode uint16
	Flags    uint32
}

// Break reports whether the event is a key release.
func (k Keystroke) Break() bool { return k.Flags&KeyFlagBreak != 0 }

// Extended reports whether the scan code carries an extension prefix.
func (k Keystroke) Extended() bool { return k.Flags&(KeyFlagE0|KeyFlagE1) != 0 }

// KeyHandler receives decoded keystrokes on the channel's dispatch
// goroutine. It must not block for long; the channel cannot make progress
// while it runs.
type KeyHandler func(Keystroke)

// Device drives one synthetic keyboard channel: it opens the channel,
// negotiates the protocol, and decodes event messages into keystrokes.
type Device struct {
	ch    *vmbus.Channel
	onKey KeyHandler

	mu       sync.Mutex
	started  bool
	accepted chan uint32
}

// New wraps an offered channel. Start must be called before events flow.
func New(ch *vmbus.Channel, onKey KeyHandler) *Device {
	return &Device{
		ch:       ch,
		onKey:    onKey,
		accepted: make(chan uint32, 1),
	}
}

// Channel returns the underlying channel.
func (d *Device) Channel() *vmbus.Channel { return d.ch }

// Start opens the channel and performs the version handshake. A host that
// refuses the protocol version leaves the channel closed.
func (d *Device) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = true
	d.mu.Unlock()

	if err := d.ch.Open(ctx, ringSize, ringSize, d.service); err != nil {
		return fmt.Errorf("keyboard: open channel: %w", err)
	}

	req := make([]byte, 8)
	binary.LittleEndian.PutUint32(req[0:4], msgProtocolRequest)
	binary.LittleEndian.PutUint32(req[4:8], protocolVersion)
	if err := d.ch.WritePacket(req, 0, false); err != nil {
		d.shutdown()
		return fmt.Errorf("keyboard: send protocol request: %w", err)
	}

	select {
	case status := <-d.accepted:
		if status&responseAccepted == 0 {
			d.shutdown()
			return fmt.Errorf("keyboard: host refused protocol %#x: %w", protocolVersion, vmbus.ErrHostRejected)
		}
	case <-ctx.Done():
		d.shutdown()
		return fmt.Errorf("keyboard: protocol handshake: %w", ctx.Err())
	}

	slog.Debug("keyboard: protocol accepted", "channel", d.ch.ID(), "version", protocolVersion)
	return nil
}

// SetLEDs updates the host-side indicator state.
func (d *Device) SetLEDs(indicators uint32) error {
	msg := make([]byte, 8)
	binary.LittleEndian.PutUint32(msg[0:4], msgSetLEDs)
	binary.LittleEndian.PutUint32(msg[4:8], indicators)
	if err := d.ch.WritePacket(msg, 0, false); err != nil {
		return fmt.Errorf("keyboard: set LEDs: %w", err)
	}
	return nil
}

// Close shuts the channel down.
func (d *Device) Close(ctx context.Context) error {
	return d.ch.Close(ctx)
}

func (d *Device) shutdown() {
	if err := d.ch.Close(context.Background()); err != nil {
		slog.Warn("keyboard: close after failed start", "channel", d.ch.ID(), "err", err)
	}
}

// service runs on the dispatch goroutine and drains every queued message.
func (d *Device) service() {
	var buf [64]byte
	for {
		n, ok, err := d.ch.NextInboundFrame()
		if err != nil || !ok {
			return
		}
		if n > len(buf) {
			// No keyboard message is this large; skip it.
			slog.Warn("keyboard: oversized message", "channel", d.ch.ID(), "length", n)
			if _, _, err := d.ch.ReadInboundFrame(make([]byte, n)); err != nil {
				return
			}
			continue
		}
		_, n, err = d.ch.ReadInboundFrame(buf[:])
		if err != nil {
			return
		}
		d.handleMessage(buf[:n])
	}
}

func (d *Device) handleMessage(msg []byte) {
	if len(msg) < 4 {
		slog.Warn("keyboard: runt message", "channel", d.ch.ID(), "length", len(msg))
		return
	}
	switch typ := binary.LittleEndian.Uint32(msg[0:4]); typ {
	case msgProtocolResponse:
		if len(msg) < 8 {
			slog.Warn("keyboard: runt protocol response", "channel", d.ch.ID())
			return
		}
		select {
		case d.accepted <- binary.LittleEndian.Uint32(msg[4:8]):
		default:
		}
	case msgEvent:
		if len(msg) < 12 {
			slog.Warn("keyboard: runt event", "channel", d.ch.ID())
			return
		}
		k := Keystroke{
			MakeCode: binary.LittleEndian.Uint16(msg[4:6]),
			Flags:    binary.LittleEndian.Uint32(msg[8:12]),
		}
		if d.onKey != nil {
			d.onKey(k)
		}
	default:
		slog.Debug("keyboard: unhandled message", "channel", d.ch.ID(), "type", typ)
	}
}

// EncodeEvent builds the wire form of one keystroke event message. Hosts
// (and tests) use it to feed events into the inbound ring.
func EncodeEvent(k Keystroke) []byte {
	msg := make([]byte, 12)
	binary.LittleEndian.PutUint32(msg[0:4], msgEvent)
	binary.LittleEndian.PutUint16(msg[4:6], k.MakeCode)
	binary.LittleEndian.PutUint32(msg[8:12], k.Flags)
	return msg
}

// EncodeProtocolResponse builds the wire form of the host's handshake reply.
func EncodeProtocolResponse(accepted bool) []byte {
	msg := make([]byte, 8)
	binary.LittleEndian.PutUint32(msg[0:4], msgProtocolResponse)
	if accepted {
		binary.LittleEndian.PutUint32(msg[4:8], responseAccepted)
	}
	return msg
}

// DecodeProtocolRequest parses a guest handshake message, returning the
// requested version.
func DecodeProtocolRequest(msg []byte) (uint32, bool) {
	if len(msg) < 8 || binary.LittleEndian.Uint32(msg[0:4]) != msgProtocolRequest {
		return 0, false
	}
	return binary.LittleEndian.Uint32(msg[4:8]), true
}

// DecodeSetLEDs parses a guest LED update, returning the indicator bits.
func DecodeSetLEDs(msg []byte) (uint32, bool) {
	if len(msg) < 8 || binary.LittleEndian.Uint32(msg[0:4]) != msgSetLEDs {
		return 0, false
	}
	return binary.LittleEndian.Uint32(msg[4:8]), true
}
