package vmbus

import (
	"fmt"
	"sync"
)

// Directory is the process-wide registry of channels, keyed by the
// host-assigned channel id. Host interrupts are coalesced across channels,
// so dispatch scans every registered channel for pending receive data while
// the control path may be adding or removing entries concurrently.
type Directory struct {
	mu       sync.RWMutex
	channels map[uint32]*Channel
}

// NewDirectory returns an empty directory.
func NewDirectory() *Directory {
	return &Directory{channels: make(map[uint32]*Channel)}
}

// Register adds a channel under its id. Duplicate ids are a host protocol
// violation.
func (d *Directory) Register(ch *Channel) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.channels[ch.ID()]; exists {
		return fmt.Errorf("vmbus: duplicate channel id %d: %w", ch.ID(), ErrProtocol)
	}
	d.channels[ch.ID()] = ch
	return nil
}

// Unregister removes a channel. Unknown ids are ignored.
func (d *Directory) Unregister(channelID uint32) {
	d.mu.Lock()
	delete(d.channels, channelID)
	d.mu.Unlock()
}

// Lookup finds a channel by id.
func (d *Directory) Lookup(channelID uint32) (*Channel, bool) {
	d.mu.RLock()
	ch, ok := d.channels[channelID]
	d.mu.RUnlock()
	return ch, ok
}

// Channels returns a snapshot of all registered channels, in no particular
// order.
func (d *Directory) Channels() []*Channel {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Channel, 0, len(d.channels))
	for _, ch := range d.channels {
		out = append(out, ch)
	}
	return out
}

// DispatchInterrupt fans one coalesced host interrupt out to every open
// channel with pending receive data. Dispatch runs on the snapshot, so
// callbacks stay safe against concurrent register/unregister on the control
// path; a channel removed mid-scan simply sees its own closed state.
func (d *Directory) DispatchInterrupt() {
	for _, ch := range d.Channels() {
		if ch.hasInboundData() {
			ch.dispatch()
		}
	}
}
