package vmbus

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/paravirt/hvbus/internal/dma"
)

func allocPages(t *testing.T, rt *mockRuntime, pages int) *dma.Buffer {
	t.Helper()
	buf, err := rt.AllocDMA(pages * dma.PageSize)
	if err != nil {
		t.Fatalf("AllocDMA: %v", err)
	}
	return buf
}

func TestGpadlRegisterSingleFragment(t *testing.T) {
	bus, rt := newTestBus(t, Config{})
	rt.respond = respondOpenHappy

	buf := allocPages(t, rt, 2)
	handle, err := bus.Registrar().Register(context.Background(), 4, buf)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if handle != GpadlStartHandle {
		t.Fatalf("first handle %#x, expected %#x", handle, GpadlStartHandle)
	}

	headers := rt.postedOfType(MsgGpadlHeader)
	if len(headers) != 1 {
		t.Fatalf("expected 1 header message, saw %d", len(headers))
	}
	hdr := headers[0].(GpadlHeader)
	if hdr.ChannelID != 4 || hdr.Gpadl != handle {
		t.Fatalf("unexpected header: %+v", hdr)
	}
	if hdr.RangeBytes != uint32(2*dma.PageSize) {
		t.Fatalf("header range %d bytes", hdr.RangeBytes)
	}
	if len(hdr.PFNs) != 2 || hdr.PFNs[0] != buf.PageNumbers()[0] {
		t.Fatalf("header page list wrong: %v", hdr.PFNs)
	}
	if len(rt.postedOfType(MsgGpadlBody)) != 0 {
		t.Fatal("two pages should not need continuation bodies")
	}
}

func TestGpadlRegisterFragmentation(t *testing.T) {
	bus, rt := newTestBus(t, Config{})

	// The host must see every fragment before it answers; replying off the
	// header alone would race the bodies.
	const pages = GpadlHeaderMaxPFNs + GpadlBodyMaxPFNs + 5
	var seen int
	rt.respond = func(msg Message) []Message {
		switch m := msg.(type) {
		case GpadlHeader:
			seen = len(m.PFNs)
		case GpadlBody:
			seen += len(m.PFNs)
			if seen == pages {
				return []Message{GpadlCreated{ChannelID: 4, Gpadl: m.Gpadl}}
			}
		}
		return nil
	}

	buf := allocPages(t, rt, pages)
	handle, err := bus.Registrar().Register(context.Background(), 4, buf)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	headers := rt.postedOfType(MsgGpadlHeader)
	bodies := rt.postedOfType(MsgGpadlBody)
	if len(headers) != 1 || len(bodies) != 2 {
		t.Fatalf("fragmentation produced %d headers, %d bodies", len(headers), len(bodies))
	}
	if n := len(headers[0].(GpadlHeader).PFNs); n != GpadlHeaderMaxPFNs {
		t.Fatalf("header carries %d PFNs", n)
	}
	if n := len(bodies[0].(GpadlBody).PFNs); n != GpadlBodyMaxPFNs {
		t.Fatalf("first body carries %d PFNs", n)
	}
	if n := len(bodies[1].(GpadlBody).PFNs); n != 5 {
		t.Fatalf("last body carries %d PFNs", n)
	}
	for i, body := range bodies {
		b := body.(GpadlBody)
		if b.Gpadl != handle {
			t.Fatalf("body %d correlates to %#x, expected %#x", i, b.Gpadl, handle)
		}
		if b.MsgNumber != uint32(i+1) {
			t.Fatalf("body %d numbered %d", i, b.MsgNumber)
		}
	}

	// Reassemble what the host saw and compare to the buffer's pages.
	var got []uint64
	got = append(got, headers[0].(GpadlHeader).PFNs...)
	for _, body := range bodies {
		got = append(got, body.(GpadlBody).PFNs...)
	}
	want := buf.PageNumbers()
	if len(got) != len(want) {
		t.Fatalf("host saw %d PFNs, buffer has %d", len(got), len(want))
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("PFN %d: host saw %#x, buffer has %#x", i, got[i], want[i])
		}
	}

	// Every message stays within the control payload budget.
	for _, msg := range append(headers, bodies...) {
		if n := len(msg.Marshal()); n > MaxMessageSize {
			t.Fatalf("fragment of %d bytes exceeds budget", n)
		}
	}
}

func TestGpadlRegisterHandlesAreNotReused(t *testing.T) {
	bus, rt := newTestBus(t, Config{})
	rt.respond = respondOpenHappy

	h1, err := bus.Registrar().Register(context.Background(), 1, allocPages(t, rt, 1))
	if err != nil {
		t.Fatalf("first Register: %v", err)
	}
	h2, err := bus.Registrar().Register(context.Background(), 1, allocPages(t, rt, 1))
	if err != nil {
		t.Fatalf("second Register: %v", err)
	}
	if h2 <= h1 {
		t.Fatalf("handles not monotonic: %#x then %#x", h1, h2)
	}
}

func TestGpadlRegisterHostReject(t *testing.T) {
	bus, rt := newTestBus(t, Config{})
	rt.respond = func(msg Message) []Message {
		if m, ok := msg.(GpadlHeader); ok {
			return []Message{GpadlCreated{ChannelID: m.ChannelID, Gpadl: m.Gpadl, Status: 2}}
		}
		return nil
	}

	_, err := bus.Registrar().Register(context.Background(), 1, allocPages(t, rt, 1))
	if !errors.Is(err, ErrHostRejected) {
		t.Fatalf("expected ErrHostRejected, got %v", err)
	}
}

func TestGpadlRegisterFragmentPostFailure(t *testing.T) {
	bus, rt := newTestBus(t, Config{})
	rt.postErr = func(msg Message) error {
		if _, ok := msg.(GpadlBody); ok {
			return fmt.Errorf("message path down")
		}
		return nil
	}

	const pages = GpadlHeaderMaxPFNs + 3
	_, err := bus.Registrar().Register(context.Background(), 1, allocPages(t, rt, pages))
	if err == nil {
		t.Fatal("expected failure when a continuation cannot post")
	}
	// The failed registration must not leave a stuck pending entry: a
	// later registration on the same channel still works.
	rt.postErr = nil
	rt.respond = respondOpenHappy
	if _, err := bus.Registrar().Register(context.Background(), 1, allocPages(t, rt, 1)); err != nil {
		t.Fatalf("Register after failure: %v", err)
	}
}

func TestGpadlUnregister(t *testing.T) {
	bus, rt := newTestBus(t, Config{})
	rt.respond = respondOpenHappy

	handle, err := bus.Registrar().Register(context.Background(), 2, allocPages(t, rt, 1))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := bus.Registrar().Unregister(context.Background(), 2, handle); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	tears := rt.postedOfType(MsgGpadlTeardown)
	if len(tears) != 1 || tears[0].(GpadlTeardown).Gpadl != handle {
		t.Fatalf("unexpected teardown traffic: %v", tears)
	}
}
