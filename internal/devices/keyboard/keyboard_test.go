package keyboard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/paravirt/hvbus/internal/hostrt/loopback"
	"github.com/paravirt/hvbus/internal/vmbus"
)

var testInstance = vmbus.MustParseGUID("00000000-0000-0000-0000-0000000000cc")

const testTimeout = 5 * time.Second

// startKeyboardHost brings up a loopback stack whose host side answers the
// protocol handshake with the given verdict.
func startKeyboardHost(t *testing.T, accept bool) (*loopback.Host, *vmbus.Channel, <-chan uint32) {
	t.Helper()
	host := loopback.NewHost()
	bus := vmbus.NewBus(host, vmbus.Config{RoundTripTimeout: testTimeout})
	host.Attach(bus)
	host.Start(context.Background())
	t.Cleanup(func() {
		if err := host.Stop(); err != nil {
			t.Errorf("host Stop: %v", err)
		}
	})

	leds := make(chan uint32, 4)
	id, err := host.Offer(ClassID, testInstance)
	if err != nil {
		t.Fatalf("Offer: %v", err)
	}
	host.OnPacket(func(channelID uint32, desc vmbus.PacketDescriptor, payload []byte) {
		if _, ok := DecodeProtocolRequest(payload); ok {
			if err := host.InjectPacket(channelID, EncodeProtocolResponse(accept), 0); err != nil {
				t.Errorf("InjectPacket: %v", err)
			}
			return
		}
		if v, ok := DecodeSetLEDs(payload); ok {
			leds <- v
		}
	})

	ch, ok := bus.Directory().Lookup(id)
	if !ok {
		t.Fatalf("offer %d not delivered", id)
	}
	return host, ch, leds
}

func TestDeviceStart(t *testing.T) {
	host, ch, leds := startKeyboardHost(t, true)

	keys := make(chan Keystroke, 16)
	dev := New(ch, func(k Keystroke) { keys <- k })

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := dev.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if ch.State() != vmbus.StateOpen {
		t.Fatalf("channel in state %v after handshake", ch.State())
	}

	t.Run("StartIsIdempotent", func(t *testing.T) {
		if err := dev.Start(ctx); err != nil {
			t.Fatalf("second Start: %v", err)
		}
	})

	t.Run("EventDelivery", func(t *testing.T) {
		want := []Keystroke{
			{MakeCode: 0x1e},                            // 'a' make
			{MakeCode: 0x1e, Flags: KeyFlagBreak},       // 'a' break
			{MakeCode: ScanUp, Flags: KeyFlagE0},        // extended make
			{MakeCode: 0x3b, Flags: KeyFlagUnicode},     // unicode event
		}
		for _, k := range want {
			if err := host.InjectPacket(ch.ID(), EncodeEvent(k), 0); err != nil {
				t.Fatalf("InjectPacket: %v", err)
			}
		}
		for i, k := range want {
			select {
			case got := <-keys:
				if got != k {
					t.Fatalf("event %d: got %+v, want %+v", i, got, k)
				}
			case <-time.After(testTimeout):
				t.Fatalf("timed out waiting for event %d", i)
			}
		}
	})

	t.Run("SetLEDs", func(t *testing.T) {
		if err := dev.SetLEDs(LEDCapsLock | LEDNumLock); err != nil {
			t.Fatalf("SetLEDs: %v", err)
		}
		select {
		case v := <-leds:
			if v != LEDCapsLock|LEDNumLock {
				t.Fatalf("host saw indicators %#x", v)
			}
		case <-time.After(testTimeout):
			t.Fatal("timed out waiting for LED update")
		}
	})

	t.Run("Close", func(t *testing.T) {
		if err := dev.Close(context.Background()); err != nil {
			t.Fatalf("Close: %v", err)
		}
		if ch.State() != vmbus.StateClosed {
			t.Fatalf("channel in state %v", ch.State())
		}
		if err := dev.SetLEDs(0); !errors.Is(err, vmbus.ErrClosed) {
			t.Fatalf("SetLEDs after close: %v", err)
		}
	})
}

func TestDeviceStartRefused(t *testing.T) {
	_, ch, _ := startKeyboardHost(t, false)

	dev := New(ch, nil)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	err := dev.Start(ctx)
	if !errors.Is(err, vmbus.ErrHostRejected) {
		t.Fatalf("expected ErrHostRejected, got %v", err)
	}
	if ch.State() != vmbus.StateClosed {
		t.Fatalf("channel left in state %v after refusal", ch.State())
	}
}

func TestKeystrokeFlags(t *testing.T) {
	if (Keystroke{Flags: KeyFlagBreak}).Break() != true {
		t.Fatal("break flag not reported")
	}
	if (Keystroke{}).Break() {
		t.Fatal("make event reported as break")
	}
	if !(Keystroke{Flags: KeyFlagE0}).Extended() || !(Keystroke{Flags: KeyFlagE1}).Extended() {
		t.Fatal("extension prefixes not reported")
	}
}

func TestMakeCode(t *testing.T) {
	cases := []struct {
		r     rune
		code  uint16
		shift bool
	}{
		{'a', 0x1e, false},
		{'A', 0x1e, true},
		{'1', 0x02, false},
		{'!', 0x02, true},
		{' ', ScanSpace, false},
		{'\n', ScanEnter, false},
		{'?', 0x35, true},
	}
	for _, c := range cases {
		code, shift, ok := MakeCode(c.r)
		if !ok {
			t.Fatalf("MakeCode(%q) not found", c.r)
		}
		if code != c.code || shift != c.shift {
			t.Fatalf("MakeCode(%q) = (%#x, %v), want (%#x, %v)", c.r, code, shift, c.code, c.shift)
		}
	}

	if _, _, ok := MakeCode('é'); ok {
		t.Fatal("MakeCode resolved a rune outside the table")
	}
}

func TestKeyNameAndRune(t *testing.T) {
	if name := KeyName(Keystroke{MakeCode: ScanEnter}); name != "Enter" {
		t.Fatalf("KeyName(Enter) = %q", name)
	}
	if name := KeyName(Keystroke{MakeCode: ScanUp, Flags: KeyFlagE0}); name != "Up" {
		t.Fatalf("KeyName(E0 Up) = %q", name)
	}
	if name := KeyName(Keystroke{MakeCode: 0x1e}); name != "" {
		t.Fatalf("KeyName('a') = %q", name)
	}

	r, ok := Rune(Keystroke{MakeCode: 0x1e})
	if !ok || r != 'a' {
		t.Fatalf("Rune(0x1e) = (%q, %v)", r, ok)
	}
	if r, ok := Rune(Keystroke{MakeCode: ScanEnter}); !ok || r != '\n' {
		t.Fatalf("Rune(Enter) = (%q, %v)", r, ok)
	}
	if _, ok := Rune(Keystroke{MakeCode: ScanUp, Flags: KeyFlagE0}); ok {
		t.Fatal("extended scan code mapped to a rune")
	}
}
