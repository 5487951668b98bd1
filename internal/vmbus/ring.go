package vmbus

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// RingBuffer is one direction of a channel: a lock-free single-producer/
// single-consumer byte ring shared with the host. The region is a 4KiB
// control header page followed by a power-of-two data area; both sides map
// the same bytes, so all index traffic goes through atomics on the header
// page itself.
//
// Correctness rests on publication ordering: the producer stores the write
// index only after the frame bytes (and trailer) are fully copied in, and
// the consumer stores the read index only after the frame bytes are fully
// copied out. With exactly one producer and one consumer, no further locking
// is needed.
type RingBuffer struct {
	hdr  []byte
	data []byte
	size uint32
}

// RingHeaderSize is the size of the control header page.
const RingHeaderSize = 4096

// Header page layout, little-endian u32 fields.
const (
	ringHdrReadIndex     = 0
	ringHdrWriteIndex    = 4
	ringHdrInterruptMask = 8
	ringHdrFeatureBits   = 12
)

// NewRingBuffer builds a ring view over a shared region of header page plus
// data area. The data area must be a power of two. The region's base must be
// at least 4-byte aligned for the header atomics; page-backed DMA buffers
// and Go heap slices both satisfy this.
func NewRingBuffer(region []byte) (*RingBuffer, error) {
	if len(region) <= RingHeaderSize {
		return nil, fmt.Errorf("vmbus: ring region of %d bytes has no data area", len(region))
	}
	dataSize := len(region) - RingHeaderSize
	if dataSize&(dataSize-1) != 0 {
		return nil, fmt.Errorf("vmbus: ring data size %d is not a power of two", dataSize)
	}
	if uintptr(unsafe.Pointer(&region[0]))%4 != 0 {
		return nil, fmt.Errorf("vmbus: ring region base not 4-byte aligned")
	}
	return &RingBuffer{
		hdr:  region[:RingHeaderSize],
		data: region[RingHeaderSize:],
		size: uint32(dataSize),
	}, nil
}

// DataSize returns the data area size in bytes.
func (r *RingBuffer) DataSize() uint32 { return r.size }

func (r *RingBuffer) field(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&r.hdr[off]))
}

func (r *RingBuffer) readIndex() uint32  { return atomic.LoadUint32(r.field(ringHdrReadIndex)) }
func (r *RingBuffer) writeIndex() uint32 { return atomic.LoadUint32(r.field(ringHdrWriteIndex)) }

func (r *RingBuffer) publishReadIndex(v uint32)  { atomic.StoreUint32(r.field(ringHdrReadIndex), v) }
func (r *RingBuffer) publishWriteIndex(v uint32) { atomic.StoreUint32(r.field(ringHdrWriteIndex), v) }

// BytesUsed returns how many bytes are currently queued.
func (r *RingBuffer) BytesUsed() uint32 {
	return (r.writeIndex() + r.size - r.readIndex()) % r.size
}

// BytesFree returns how many bytes a producer may still write. One byte of
// slack always stays unused so that read == write means empty, never full.
func (r *RingBuffer) BytesFree() uint32 {
	return (r.readIndex() + r.size - r.writeIndex() - 1) % r.size
}

// SetInterruptMask is the consumer-side signal hint: while set, the producer
// may skip doorbell signals because the consumer is already draining.
// Masking never affects data delivery, only signal volume.
func (r *RingBuffer) SetInterruptMask(masked bool) {
	var v uint32
	if masked {
		v = 1
	}
	atomic.StoreUint32(r.field(ringHdrInterruptMask), v)
}

// InterruptMasked reports the consumer's current signal hint.
func (r *RingBuffer) InterruptMasked() bool {
	return atomic.LoadUint32(r.field(ringHdrInterruptMask)) != 0
}

// NeedsSignal is the producer-side check after publishing a frame: signal
// the partner unless it has masked interrupts. The mask is read after the
// index publication, so a consumer that unmasked just before the publish is
// never missed; at worst the partner receives a redundant signal.
func (r *RingBuffer) NeedsSignal() bool {
	return !r.InterruptMasked()
}

// FeatureBits returns the shared feature word.
func (r *RingBuffer) FeatureBits() uint32 {
	return atomic.LoadUint32(r.field(ringHdrFeatureBits))
}

// SetFeatureBits publishes the shared feature word.
func (r *RingBuffer) SetFeatureBits(v uint32) {
	atomic.StoreUint32(r.field(ringHdrFeatureBits), v)
}

// Write copies one already-framed packet (descriptor + padded payload) into
// the ring and appends the 8-byte total-length trailer. It either writes the
// whole frame and publishes the new write index, or writes nothing:
// ErrRingFull leaves the ring untouched.
func (r *RingBuffer) Write(frame []byte) error {
	if len(frame) < PacketDescriptorSize || len(frame)%packetAlign != 0 {
		return fmt.Errorf("vmbus: frame of %d bytes is not a framed packet: %w", len(frame), ErrProtocol)
	}
	desc := decodeDescriptor(frame)
	if err := desc.Validate(); err != nil {
		return err
	}
	if int(desc.TotalLength) != len(frame) {
		return fmt.Errorf("vmbus: frame total length %d does not match %d framed bytes: %w", desc.TotalLength, len(frame), ErrProtocol)
	}

	need := uint32(len(frame) + packetTrailerSize)
	if need > r.BytesFree() {
		return ErrRingFull
	}

	w := r.writeIndex()
	r.copyIn(w, frame)

	var trailer [packetTrailerSize]byte
	binary.LittleEndian.PutUint64(trailer[:], uint64(desc.TotalLength))
	r.copyIn((w+uint32(len(frame)))%r.size, trailer[:])

	// Publish only after every byte of the frame and trailer is in place.
	r.publishWriteIndex((w + need) % r.size)
	return nil
}

// Peek decodes the descriptor of the next frame without consuming anything.
// ErrRingEmpty means no frame; ErrProtocol means the ring contents violate
// the framing invariants and the channel should close defensively.
func (r *RingBuffer) Peek() (PacketDescriptor, error) {
	used := r.BytesUsed()
	if used == 0 {
		return PacketDescriptor{}, ErrRingEmpty
	}
	if used < PacketDescriptorSize+packetTrailerSize {
		return PacketDescriptor{}, fmt.Errorf("vmbus: %d queued bytes cannot hold a frame: %w", used, ErrProtocol)
	}

	var hdr [PacketDescriptorSize]byte
	r.copyOut(r.readIndex(), hdr[:])
	desc := decodeDescriptor(hdr[:])
	if err := desc.Validate(); err != nil {
		return PacketDescriptor{}, err
	}
	if uint32(desc.TotalLength)+packetTrailerSize > used {
		// The producer publishes whole frames, so a frame extending past the
		// write index is corruption, not a partial write.
		return PacketDescriptor{}, fmt.Errorf("vmbus: frame of %d bytes exceeds %d queued: %w", desc.TotalLength, used, ErrProtocol)
	}
	return desc, nil
}

// Read copies the next whole frame (descriptor + payload) into dst, consumes
// it, and publishes the new read index. A dst too small for the frame
// returns ErrIncomplete and consumes nothing; truncated reads are never
// produced.
func (r *RingBuffer) Read(dst []byte) (PacketDescriptor, int, error) {
	desc, err := r.Peek()
	if err != nil {
		return PacketDescriptor{}, 0, err
	}
	total := int(desc.TotalLength)
	if len(dst) < total {
		return PacketDescriptor{}, 0, fmt.Errorf("vmbus: %d-byte buffer for %d-byte frame: %w", len(dst), total, ErrIncomplete)
	}

	rd := r.readIndex()
	r.copyOut(rd, dst[:total])

	// Publish only after the payload copy is complete; the producer may
	// reuse the bytes immediately afterwards.
	r.publishReadIndex((rd + uint32(total) + packetTrailerSize) % r.size)
	return desc, total, nil
}

// copyIn writes src at ring offset off, splitting at the wrap boundary.
func (r *RingBuffer) copyIn(off uint32, src []byte) {
	first := copy(r.data[off:], src)
	if first < len(src) {
		copy(r.data, src[first:])
	}
}

// copyOut reads len(dst) bytes from ring offset off, splitting at the wrap
// boundary.
func (r *RingBuffer) copyOut(off uint32, dst []byte) {
	first := copy(dst, r.data[off:])
	if first < len(dst) {
		copy(dst[first:], r.data)
	}
}
