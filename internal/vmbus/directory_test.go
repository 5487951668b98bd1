package vmbus

import (
	"errors"
	"testing"
)

func TestDirectory(t *testing.T) {
	bus, _ := newTestBus(t, Config{})
	dir := NewDirectory()

	a := newChannel(bus, ChannelOffer{ChannelID: 1, IfInstance: testIfInstance})
	b := newChannel(bus, ChannelOffer{ChannelID: 2})

	if err := dir.Register(a); err != nil {
		t.Fatalf("register a: %v", err)
	}
	if err := dir.Register(b); err != nil {
		t.Fatalf("register b: %v", err)
	}

	t.Run("DuplicateID", func(t *testing.T) {
		dup := newChannel(bus, ChannelOffer{ChannelID: 1})
		if err := dir.Register(dup); !errors.Is(err, ErrProtocol) {
			t.Fatalf("duplicate register: %v", err)
		}
	})

	t.Run("Lookup", func(t *testing.T) {
		got, ok := dir.Lookup(1)
		if !ok || got != a {
			t.Fatal("lookup of channel 1 failed")
		}
		if _, ok := dir.Lookup(42); ok {
			t.Fatal("lookup of unknown channel succeeded")
		}
	})

	t.Run("Snapshot", func(t *testing.T) {
		if got := dir.Channels(); len(got) != 2 {
			t.Fatalf("snapshot has %d channels", len(got))
		}
	})

	t.Run("Unregister", func(t *testing.T) {
		dir.Unregister(2)
		if _, ok := dir.Lookup(2); ok {
			t.Fatal("channel 2 still present")
		}
		dir.Unregister(2) // second removal is a no-op
		if got := dir.Channels(); len(got) != 1 {
			t.Fatalf("snapshot has %d channels", len(got))
		}
	})
}

func TestDirectoryDispatchSkipsIdleChannels(t *testing.T) {
	dir := NewDirectory()
	bus, _ := newTestBus(t, Config{})

	// Closed channels have no rings; the scan must tolerate them.
	if err := dir.Register(newChannel(bus, ChannelOffer{ChannelID: 1})); err != nil {
		t.Fatalf("register: %v", err)
	}
	dir.DispatchInterrupt()

	// Empty directory is fine too.
	NewDirectory().DispatchInterrupt()
}
