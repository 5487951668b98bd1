package vmbus

import (
	"encoding/binary"
	"fmt"
)

// Packet frame types.
const (
	PacketInband     uint16 = 1 // request or unsolicited data
	PacketCompletion uint16 = 2 // correlates to an earlier request by transaction id
	PacketGpadlData  uint16 = 3 // data referencing a registered page range
	PacketCancel     uint16 = 4 // cancels an outstanding request
)

// Packet flags.
const (
	// PacketFlagCompletionRequested asks the receiver to answer with a
	// completion frame carrying the same transaction id.
	PacketFlagCompletionRequested uint16 = 1 << 0
)

const (
	// PacketDescriptorSize is the fixed frame header size on the ring.
	PacketDescriptorSize = 16

	// packetAlign is the base alignment of every length on the ring.
	packetAlign = 8

	// packetTrailerSize is the 64-bit copy of the frame's total length that
	// follows every frame, used for reverse navigation.
	packetTrailerSize = 8
)

// PacketDescriptor is the self-describing header of every ring frame. Total
// and header lengths are in bytes and multiples of 8; unknown frame types
// can always be skipped via TotalLength.
type PacketDescriptor struct {
	Type          uint16
	HeaderLength  uint16 // offset from frame start to payload
	TotalLength   uint16 // descriptor + payload, including padding
	Flags         uint16
	TransactionID uint64
}

// PayloadLength returns the number of bytes after the header. This includes
// any zero padding the sender added to reach 8-byte alignment; payload
// formats above the transport carry their own lengths when that matters.
func (d PacketDescriptor) PayloadLength() int {
	return int(d.TotalLength) - int(d.HeaderLength)
}

// Validate checks the length invariants every reader relies on to skip
// frames it does not understand.
func (d PacketDescriptor) Validate() error {
	if d.HeaderLength < PacketDescriptorSize {
		return fmt.Errorf("vmbus: frame header length %d below descriptor size: %w", d.HeaderLength, ErrProtocol)
	}
	if d.HeaderLength%packetAlign != 0 || d.TotalLength%packetAlign != 0 {
		return fmt.Errorf("vmbus: frame lengths %d/%d not 8-byte aligned: %w", d.HeaderLength, d.TotalLength, ErrProtocol)
	}
	if d.HeaderLength > d.TotalLength {
		return fmt.Errorf("vmbus: frame header length %d exceeds total %d: %w", d.HeaderLength, d.TotalLength, ErrProtocol)
	}
	return nil
}

func (d PacketDescriptor) encode(b []byte) {
	binary.LittleEndian.PutUint16(b[0:], d.Type)
	binary.LittleEndian.PutUint16(b[2:], d.HeaderLength)
	binary.LittleEndian.PutUint16(b[4:], d.TotalLength)
	binary.LittleEndian.PutUint16(b[6:], d.Flags)
	binary.LittleEndian.PutUint64(b[8:], d.TransactionID)
}

func decodeDescriptor(b []byte) PacketDescriptor {
	return PacketDescriptor{
		Type:          binary.LittleEndian.Uint16(b[0:]),
		HeaderLength:  binary.LittleEndian.Uint16(b[2:]),
		TotalLength:   binary.LittleEndian.Uint16(b[4:]),
		Flags:         binary.LittleEndian.Uint16(b[6:]),
		TransactionID: binary.LittleEndian.Uint64(b[8:]),
	}
}

// EncodePacket frames a payload for the ring: descriptor, payload, zero
// padding to 8 bytes. The trailer is the ring's responsibility.
func EncodePacket(typ uint16, payload []byte, txID uint64, flags uint16) ([]byte, error) {
	total := PacketDescriptorSize + len(payload)
	padded := alignUp(total, packetAlign)
	if padded > 0xFFFF {
		return nil, fmt.Errorf("vmbus: frame of %d bytes exceeds maximum frame size", padded)
	}

	frame := make([]byte, padded)
	desc := PacketDescriptor{
		Type:          typ,
		HeaderLength:  PacketDescriptorSize,
		TotalLength:   uint16(padded),
		Flags:         flags,
		TransactionID: txID,
	}
	desc.encode(frame)
	copy(frame[PacketDescriptorSize:], payload)
	return frame, nil
}

func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}
