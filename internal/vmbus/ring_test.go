package vmbus

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"runtime"
	"testing"
)

func newTestRing(t *testing.T, dataSize int) *RingBuffer {
	t.Helper()
	r, err := NewRingBuffer(make([]byte, RingHeaderSize+dataSize))
	if err != nil {
		t.Fatalf("NewRingBuffer failed: %v", err)
	}
	return r
}

func mustFrame(t *testing.T, payload []byte, txID uint64) []byte {
	t.Helper()
	frame, err := EncodePacket(PacketInband, payload, txID, 0)
	if err != nil {
		t.Fatalf("EncodePacket failed: %v", err)
	}
	return frame
}

func TestNewRingBufferValidation(t *testing.T) {
	t.Run("NoDataArea", func(t *testing.T) {
		if _, err := NewRingBuffer(make([]byte, RingHeaderSize)); err == nil {
			t.Fatal("expected error for region with no data area")
		}
	})

	t.Run("NotPowerOfTwo", func(t *testing.T) {
		if _, err := NewRingBuffer(make([]byte, RingHeaderSize+3000)); err == nil {
			t.Fatal("expected error for non-power-of-two data size")
		}
	})

	t.Run("Valid", func(t *testing.T) {
		r, err := NewRingBuffer(make([]byte, RingHeaderSize+4096))
		if err != nil {
			t.Fatalf("NewRingBuffer failed: %v", err)
		}
		if r.DataSize() != 4096 {
			t.Fatalf("expected data size 4096, got %d", r.DataSize())
		}
		if r.BytesUsed() != 0 {
			t.Fatalf("fresh ring reports %d bytes used", r.BytesUsed())
		}
	})
}

func TestRingRoundTrip(t *testing.T) {
	r := newTestRing(t, 4096)

	payload := []byte("ring round trip payload!")
	frame := mustFrame(t, payload, 42)
	if err := r.Write(frame); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	desc, err := r.Peek()
	if err != nil {
		t.Fatalf("Peek failed: %v", err)
	}
	if desc.Type != PacketInband || desc.TransactionID != 42 {
		t.Fatalf("unexpected descriptor: %+v", desc)
	}

	dst := make([]byte, desc.TotalLength)
	got, n, err := r.Read(dst)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if got != desc {
		t.Fatalf("Read descriptor %+v differs from Peek %+v", got, desc)
	}
	if !bytes.Equal(dst[got.HeaderLength:n], payload) {
		t.Fatalf("payload corrupted: %q", dst[got.HeaderLength:n])
	}
	if r.BytesUsed() != 0 {
		t.Fatalf("ring not empty after read: %d bytes used", r.BytesUsed())
	}
	if _, err := r.Peek(); !errors.Is(err, ErrRingEmpty) {
		t.Fatalf("expected ErrRingEmpty, got %v", err)
	}
}

func TestRingFullLeavesStateUntouched(t *testing.T) {
	r := newTestRing(t, 256)
	frame := mustFrame(t, make([]byte, 32), 1)

	var written int
	for {
		if err := r.Write(frame); err != nil {
			if !errors.Is(err, ErrRingFull) {
				t.Fatalf("unexpected write error: %v", err)
			}
			break
		}
		written++
	}
	if written == 0 {
		t.Fatal("expected at least one frame to fit")
	}

	used := r.BytesUsed()
	for i := 0; i < 3; i++ {
		if err := r.Write(frame); !errors.Is(err, ErrRingFull) {
			t.Fatalf("write %d on full ring: %v", i, err)
		}
		if r.BytesUsed() != used {
			t.Fatalf("failed write moved the write index: %d -> %d", used, r.BytesUsed())
		}
	}

	// Consuming one frame opens exactly enough room for one more.
	if _, _, err := r.Read(make([]byte, len(frame))); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if err := r.Write(frame); err != nil {
		t.Fatalf("write after read failed: %v", err)
	}
}

func TestRingWrapAround(t *testing.T) {
	r := newTestRing(t, 256)

	// 40-byte frames (plus 8-byte trailer) do not divide 256, so the copy
	// split path is exercised from several offsets.
	for i := 0; i < 64; i++ {
		payload := make([]byte, 24)
		for j := range payload {
			payload[j] = byte(i + j)
		}
		frame := mustFrame(t, payload, uint64(i))
		if len(frame) != 40 {
			t.Fatalf("expected 40-byte frame, got %d", len(frame))
		}
		if err := r.Write(frame); err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}

		dst := make([]byte, 64)
		desc, _, err := r.Read(dst)
		if err != nil {
			t.Fatalf("read %d failed: %v", i, err)
		}
		if desc.TransactionID != uint64(i) {
			t.Fatalf("read %d returned transaction %d", i, desc.TransactionID)
		}
		if !bytes.Equal(dst[desc.HeaderLength:desc.TotalLength], payload) {
			t.Fatalf("read %d corrupted payload", i)
		}
	}
}

func TestRingReadShortBuffer(t *testing.T) {
	r := newTestRing(t, 4096)
	payload := []byte("does not fit in eight")
	if err := r.Write(mustFrame(t, payload, 9)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	if _, _, err := r.Read(make([]byte, 8)); !errors.Is(err, ErrIncomplete) {
		t.Fatalf("expected ErrIncomplete, got %v", err)
	}

	// Nothing was consumed; a big enough buffer still gets the frame.
	desc, _, err := r.Read(make([]byte, 64))
	if err != nil {
		t.Fatalf("retry read failed: %v", err)
	}
	if desc.TransactionID != 9 {
		t.Fatalf("frame lost after short read: %+v", desc)
	}
}

func TestRingRejectsMalformedFrames(t *testing.T) {
	r := newTestRing(t, 4096)

	t.Run("Unaligned", func(t *testing.T) {
		if err := r.Write(make([]byte, 21)); !errors.Is(err, ErrProtocol) {
			t.Fatalf("expected ErrProtocol, got %v", err)
		}
	})

	t.Run("TooShort", func(t *testing.T) {
		if err := r.Write(make([]byte, 8)); !errors.Is(err, ErrProtocol) {
			t.Fatalf("expected ErrProtocol, got %v", err)
		}
	})

	t.Run("LengthMismatch", func(t *testing.T) {
		frame := mustFrame(t, []byte("abc"), 0)
		binary.LittleEndian.PutUint16(frame[4:], uint16(len(frame)+8))
		if err := r.Write(append(frame, 0, 0, 0, 0, 0, 0, 0, 0)); !errors.Is(err, ErrProtocol) {
			t.Fatalf("expected ErrProtocol, got %v", err)
		}
	})
}

func TestRingDetectsCorruption(t *testing.T) {
	t.Run("RuntContents", func(t *testing.T) {
		r := newTestRing(t, 4096)
		// A write index that leaves fewer queued bytes than one descriptor
		// plus trailer can only come from a misbehaving producer.
		r.publishWriteIndex(8)
		if _, err := r.Peek(); !errors.Is(err, ErrProtocol) {
			t.Fatalf("expected ErrProtocol, got %v", err)
		}
	})

	t.Run("FramePastWriteIndex", func(t *testing.T) {
		r := newTestRing(t, 4096)
		if err := r.Write(mustFrame(t, make([]byte, 64), 0)); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		// Inflate the stored total length beyond the published bytes.
		binary.LittleEndian.PutUint16(r.data[4:], 2048)
		if _, err := r.Peek(); !errors.Is(err, ErrProtocol) {
			t.Fatalf("expected ErrProtocol, got %v", err)
		}
	})
}

func TestRingInterruptMask(t *testing.T) {
	r := newTestRing(t, 4096)
	if !r.NeedsSignal() {
		t.Fatal("fresh ring should want signals")
	}
	r.SetInterruptMask(true)
	if !r.InterruptMasked() || r.NeedsSignal() {
		t.Fatal("mask not observed")
	}
	r.SetInterruptMask(false)
	if r.InterruptMasked() {
		t.Fatal("unmask not observed")
	}
}

func TestRingConcurrentProducerConsumer(t *testing.T) {
	r := newTestRing(t, 1024)
	const frames = 5000

	errs := make(chan error, 2)
	go func() {
		rng := rand.New(rand.NewSource(1))
		for i := 0; i < frames; i++ {
			payload := make([]byte, 8+rng.Intn(48))
			binary.LittleEndian.PutUint64(payload, uint64(i))
			frame, err := EncodePacket(PacketInband, payload, uint64(i), 0)
			if err != nil {
				errs <- err
				return
			}
			for {
				err := r.Write(frame)
				if err == nil {
					break
				}
				if !errors.Is(err, ErrRingFull) {
					errs <- err
					return
				}
				runtime.Gosched()
			}
		}
		errs <- nil
	}()

	go func() {
		dst := make([]byte, 128)
		for i := 0; i < frames; i++ {
			for {
				desc, _, err := r.Read(dst)
				if errors.Is(err, ErrRingEmpty) {
					runtime.Gosched()
					continue
				}
				if err != nil {
					errs <- err
					return
				}
				if desc.TransactionID != uint64(i) {
					errs <- fmt.Errorf("frame %d arrived as transaction %d", i, desc.TransactionID)
					return
				}
				if seq := binary.LittleEndian.Uint64(dst[desc.HeaderLength:]); seq != uint64(i) {
					errs <- fmt.Errorf("frame %d carries sequence %d", i, seq)
					return
				}
				break
			}
		}
		errs <- nil
	}()

	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatal(err)
		}
	}
	if r.BytesUsed() != 0 {
		t.Fatalf("ring not empty after stress: %d bytes", r.BytesUsed())
	}
}
