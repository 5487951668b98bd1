package vmbus

import (
	"encoding/binary"
	"fmt"
)

// Control messages travel over the host's reserved management path, not over
// channel rings. Every message is little-endian with a 32-bit type tag
// first, and the whole marshaled message must fit the host's fixed payload
// budget.
const (
	// MaxMessageSize is the host's per-message payload budget. Page lists
	// that do not fit are split into header + body continuations.
	MaxMessageSize = 240

	// GpadlStartHandle is the first handle value the guest proposes.
	// The base is a host-shared convention to keep guest-allocated handles
	// clear of host-internal ids.
	GpadlStartHandle = 0xE1E10
)

// Control message types.
const (
	MsgOfferChannel  uint32 = 1
	MsgRescindOffer  uint32 = 2
	MsgOpenChannel   uint32 = 5
	MsgOpenResult    uint32 = 6
	MsgCloseChannel  uint32 = 7
	MsgGpadlHeader   uint32 = 8
	MsgGpadlBody     uint32 = 9
	MsgGpadlCreated  uint32 = 10
	MsgGpadlTeardown uint32 = 11
	MsgGpadlTorndown uint32 = 12
)

// Message is one typed control message.
type Message interface {
	MessageType() uint32
	Marshal() []byte
}

// ChannelOffer announces a channel to the guest and assigns its id.
type ChannelOffer struct {
	ChannelID  uint32
	IfType     GUID
	IfInstance GUID
}

func (ChannelOffer) MessageType() uint32 { return MsgOfferChannel }

func (m ChannelOffer) Marshal() []byte {
	b := make([]byte, 40)
	binary.LittleEndian.PutUint32(b[0:], MsgOfferChannel)
	binary.LittleEndian.PutUint32(b[4:], m.ChannelID)
	copy(b[8:24], m.IfType[:])
	copy(b[24:40], m.IfInstance[:])
	return b
}

// RescindOffer withdraws a previously offered channel.
type RescindOffer struct {
	ChannelID uint32
}

func (RescindOffer) MessageType() uint32 { return MsgRescindOffer }

func (m RescindOffer) Marshal() []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint32(b[0:], MsgRescindOffer)
	binary.LittleEndian.PutUint32(b[4:], m.ChannelID)
	return b
}

// GpadlHeader opens a page-list registration. It carries the total byte
// count of the described range and as many frame numbers as fit; the rest
// follow in GpadlBody continuations correlated by the proposed handle.
type GpadlHeader struct {
	ChannelID  uint32
	Gpadl      uint32
	RangeBytes uint32
	PFNs       []uint64
}

// gpadlHeaderFixed is the marshaled size before the frame-number array.
const gpadlHeaderFixed = 20

// GpadlHeaderMaxPFNs is how many frame numbers fit in the initial message.
const GpadlHeaderMaxPFNs = (MaxMessageSize - gpadlHeaderFixed) / 8

func (GpadlHeader) MessageType() uint32 { return MsgGpadlHeader }

func (m GpadlHeader) Marshal() []byte {
	b := make([]byte, gpadlHeaderFixed+8*len(m.PFNs))
	binary.LittleEndian.PutUint32(b[0:], MsgGpadlHeader)
	binary.LittleEndian.PutUint32(b[4:], m.ChannelID)
	binary.LittleEndian.PutUint32(b[8:], m.Gpadl)
	binary.LittleEndian.PutUint32(b[12:], m.RangeBytes)
	binary.LittleEndian.PutUint32(b[16:], uint32(len(m.PFNs)))
	for i, pfn := range m.PFNs {
		binary.LittleEndian.PutUint64(b[gpadlHeaderFixed+8*i:], pfn)
	}
	return b
}

// GpadlBody continues a page list that exceeded the header message.
type GpadlBody struct {
	MsgNumber uint32 // 1-based continuation index
	Gpadl     uint32
	PFNs      []uint64
}

const gpadlBodyFixed = 16

// GpadlBodyMaxPFNs is how many frame numbers fit in one continuation.
const GpadlBodyMaxPFNs = (MaxMessageSize - gpadlBodyFixed) / 8

func (GpadlBody) MessageType() uint32 { return MsgGpadlBody }

func (m GpadlBody) Marshal() []byte {
	b := make([]byte, gpadlBodyFixed+8*len(m.PFNs))
	binary.LittleEndian.PutUint32(b[0:], MsgGpadlBody)
	binary.LittleEndian.PutUint32(b[4:], m.MsgNumber)
	binary.LittleEndian.PutUint32(b[8:], m.Gpadl)
	binary.LittleEndian.PutUint32(b[12:], uint32(len(m.PFNs)))
	for i, pfn := range m.PFNs {
		binary.LittleEndian.PutUint64(b[gpadlBodyFixed+8*i:], pfn)
	}
	return b
}

// GpadlCreated is the host's single completion for a whole registration.
type GpadlCreated struct {
	ChannelID uint32
	Gpadl     uint32
	Status    uint32 // 0 means success
}

func (GpadlCreated) MessageType() uint32 { return MsgGpadlCreated }

func (m GpadlCreated) Marshal() []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint32(b[0:], MsgGpadlCreated)
	binary.LittleEndian.PutUint32(b[4:], m.ChannelID)
	binary.LittleEndian.PutUint32(b[8:], m.Gpadl)
	binary.LittleEndian.PutUint32(b[12:], m.Status)
	return b
}

// GpadlTeardown asks the host to forget a registration.
type GpadlTeardown struct {
	ChannelID uint32
	Gpadl     uint32
}

func (GpadlTeardown) MessageType() uint32 { return MsgGpadlTeardown }

func (m GpadlTeardown) Marshal() []byte {
	b := make([]byte, 12)
	binary.LittleEndian.PutUint32(b[0:], MsgGpadlTeardown)
	binary.LittleEndian.PutUint32(b[4:], m.ChannelID)
	binary.LittleEndian.PutUint32(b[8:], m.Gpadl)
	return b
}

// GpadlTorndown confirms a teardown.
type GpadlTorndown struct {
	Gpadl uint32
}

func (GpadlTorndown) MessageType() uint32 { return MsgGpadlTorndown }

func (m GpadlTorndown) Marshal() []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint32(b[0:], MsgGpadlTorndown)
	binary.LittleEndian.PutUint32(b[4:], m.Gpadl)
	return b
}

// OpenChannel asks the host to bind a channel to a registered page list.
// DownstreamPageOffset is the page index within the registration where the
// receive region (host-to-guest ring) begins.
type OpenChannel struct {
	ChannelID            uint32
	OpenID               uint32
	Gpadl                uint32
	DownstreamPageOffset uint32
	UserData             [120]byte
}

func (OpenChannel) MessageType() uint32 { return MsgOpenChannel }

func (m OpenChannel) Marshal() []byte {
	b := make([]byte, 140)
	binary.LittleEndian.PutUint32(b[0:], MsgOpenChannel)
	binary.LittleEndian.PutUint32(b[4:], m.ChannelID)
	binary.LittleEndian.PutUint32(b[8:], m.OpenID)
	binary.LittleEndian.PutUint32(b[12:], m.Gpadl)
	binary.LittleEndian.PutUint32(b[16:], m.DownstreamPageOffset)
	copy(b[20:], m.UserData[:])
	return b
}

// OpenResult is the host's completion for OpenChannel.
type OpenResult struct {
	ChannelID uint32
	OpenID    uint32
	Status    uint32 // 0 means success
}

func (OpenResult) MessageType() uint32 { return MsgOpenResult }

func (m OpenResult) Marshal() []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint32(b[0:], MsgOpenResult)
	binary.LittleEndian.PutUint32(b[4:], m.ChannelID)
	binary.LittleEndian.PutUint32(b[8:], m.OpenID)
	binary.LittleEndian.PutUint32(b[12:], m.Status)
	return b
}

// CloseChannel tells the host the guest is done with an open channel.
type CloseChannel struct {
	ChannelID uint32
}

func (CloseChannel) MessageType() uint32 { return MsgCloseChannel }

func (m CloseChannel) Marshal() []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint32(b[0:], MsgCloseChannel)
	binary.LittleEndian.PutUint32(b[4:], m.ChannelID)
	return b
}

// DecodeMessage parses one control message.
func DecodeMessage(b []byte) (Message, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("vmbus: control message of %d bytes: %w", len(b), ErrProtocol)
	}
	if len(b) > MaxMessageSize {
		return nil, fmt.Errorf("vmbus: control message of %d bytes exceeds budget %d: %w", len(b), MaxMessageSize, ErrProtocol)
	}

	typ := binary.LittleEndian.Uint32(b[0:])
	switch typ {
	case MsgOfferChannel:
		if len(b) < 40 {
			return nil, shortMessage(typ, len(b))
		}
		m := ChannelOffer{ChannelID: binary.LittleEndian.Uint32(b[4:])}
		copy(m.IfType[:], b[8:24])
		copy(m.IfInstance[:], b[24:40])
		return m, nil

	case MsgRescindOffer:
		if len(b) < 8 {
			return nil, shortMessage(typ, len(b))
		}
		return RescindOffer{ChannelID: binary.LittleEndian.Uint32(b[4:])}, nil

	case MsgGpadlHeader:
		if len(b) < gpadlHeaderFixed {
			return nil, shortMessage(typ, len(b))
		}
		m := GpadlHeader{
			ChannelID:  binary.LittleEndian.Uint32(b[4:]),
			Gpadl:      binary.LittleEndian.Uint32(b[8:]),
			RangeBytes: binary.LittleEndian.Uint32(b[12:]),
		}
		count := int(binary.LittleEndian.Uint32(b[16:]))
		if count > GpadlHeaderMaxPFNs || len(b) < gpadlHeaderFixed+8*count {
			return nil, shortMessage(typ, len(b))
		}
		m.PFNs = decodePFNs(b[gpadlHeaderFixed:], count)
		return m, nil

	case MsgGpadlBody:
		if len(b) < gpadlBodyFixed {
			return nil, shortMessage(typ, len(b))
		}
		m := GpadlBody{
			MsgNumber: binary.LittleEndian.Uint32(b[4:]),
			Gpadl:     binary.LittleEndian.Uint32(b[8:]),
		}
		count := int(binary.LittleEndian.Uint32(b[12:]))
		if count > GpadlBodyMaxPFNs || len(b) < gpadlBodyFixed+8*count {
			return nil, shortMessage(typ, len(b))
		}
		m.PFNs = decodePFNs(b[gpadlBodyFixed:], count)
		return m, nil

	case MsgGpadlCreated:
		if len(b) < 16 {
			return nil, shortMessage(typ, len(b))
		}
		return GpadlCreated{
			ChannelID: binary.LittleEndian.Uint32(b[4:]),
			Gpadl:     binary.LittleEndian.Uint32(b[8:]),
			Status:    binary.LittleEndian.Uint32(b[12:]),
		}, nil

	case MsgGpadlTeardown:
		if len(b) < 12 {
			return nil, shortMessage(typ, len(b))
		}
		return GpadlTeardown{
			ChannelID: binary.LittleEndian.Uint32(b[4:]),
			Gpadl:     binary.LittleEndian.Uint32(b[8:]),
		}, nil

	case MsgGpadlTorndown:
		if len(b) < 8 {
			return nil, shortMessage(typ, len(b))
		}
		return GpadlTorndown{Gpadl: binary.LittleEndian.Uint32(b[4:])}, nil

	case MsgOpenChannel:
		if len(b) < 140 {
			return nil, shortMessage(typ, len(b))
		}
		m := OpenChannel{
			ChannelID:            binary.LittleEndian.Uint32(b[4:]),
			OpenID:               binary.LittleEndian.Uint32(b[8:]),
			Gpadl:                binary.LittleEndian.Uint32(b[12:]),
			DownstreamPageOffset: binary.LittleEndian.Uint32(b[16:]),
		}
		copy(m.UserData[:], b[20:140])
		return m, nil

	case MsgOpenResult:
		if len(b) < 16 {
			return nil, shortMessage(typ, len(b))
		}
		return OpenResult{
			ChannelID: binary.LittleEndian.Uint32(b[4:]),
			OpenID:    binary.LittleEndian.Uint32(b[8:]),
			Status:    binary.LittleEndian.Uint32(b[12:]),
		}, nil

	case MsgCloseChannel:
		if len(b) < 8 {
			return nil, shortMessage(typ, len(b))
		}
		return CloseChannel{ChannelID: binary.LittleEndian.Uint32(b[4:])}, nil
	}

	return nil, fmt.Errorf("vmbus: unknown control message type %d: %w", typ, ErrProtocol)
}

func shortMessage(typ uint32, n int) error {
	return fmt.Errorf("vmbus: truncated control message type %d (%d bytes): %w", typ, n, ErrProtocol)
}

func decodePFNs(b []byte, count int) []uint64 {
	pfns := make([]uint64, count)
	for i := range pfns {
		pfns[i] = binary.LittleEndian.Uint64(b[8*i:])
	}
	return pfns
}
