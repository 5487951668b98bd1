// Package vmbus implements the guest side of a paravirtualized bus: channel
// lifecycle, lock-free ring transports, page-list (GPADL) registration, and
// interrupt dispatch. The host side is reached exclusively through a
// hostrt.Runtime.
package vmbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/paravirt/hvbus/internal/hostrt"
)

// defaultRoundTripTimeout bounds control round trips; the host may never
// answer if the channel was concurrently rescinded.
const defaultRoundTripTimeout = 5 * time.Second

// Config tunes a Bus. The zero value picks defaults.
type Config struct {
	// RoundTripTimeout bounds every control round trip (open, GPADL
	// register/teardown). Zero means the 5s default.
	RoundTripTimeout time.Duration
}

// Bus owns the guest end of the control path: it routes host control
// messages to channels, correlates completions with outstanding requests,
// and fans coalesced host interrupts out through the channel directory.
type Bus struct {
	rt      hostrt.Runtime
	timeout time.Duration

	dir       *Directory
	registrar *Registrar

	mu         sync.Mutex
	pending    map[pendingKey]chan pendingResult
	nextOpenID uint32
	onOffer    func(*Channel)
}

type pendingKey struct {
	msgType    uint32
	channelID  uint32
	correlator uint32 // gpadl handle or open id
}

type pendingResult struct {
	status uint32
	err    error
}

// NewBus wires a bus to its host runtime.
func NewBus(rt hostrt.Runtime, cfg Config) *Bus {
	timeout := cfg.RoundTripTimeout
	if timeout <= 0 {
		timeout = defaultRoundTripTimeout
	}
	b := &Bus{
		rt:      rt,
		timeout: timeout,
		dir:     NewDirectory(),
		pending: make(map[pendingKey]chan pendingResult),
	}
	b.registrar = NewRegistrar(b)
	return b
}

// Directory returns the bus's channel directory.
func (b *Bus) Directory() *Directory { return b.dir }

// Registrar returns the bus's GPADL registrar.
func (b *Bus) Registrar() *Registrar { return b.registrar }

// OnOffer installs a hook invoked for every newly offered channel. The hook
// runs on the control delivery context; implementations that open the
// channel should do so from their own goroutine.
func (b *Bus) OnOffer(fn func(*Channel)) {
	b.mu.Lock()
	b.onOffer = fn
	b.mu.Unlock()
}

// Channels returns a snapshot of all present channels.
func (b *Bus) Channels() []*Channel { return b.dir.Channels() }

// ChannelByInstance finds the channel offered with the given interface
// instance GUID.
func (b *Bus) ChannelByInstance(instance GUID) (*Channel, bool) {
	for _, ch := range b.dir.Channels() {
		if ch.InterfaceInstance() == instance {
			return ch, true
		}
	}
	return nil, false
}

// DeliverMessage is the entry point for host-originated control messages.
// The host-runtime glue calls it from its control delivery context.
func (b *Bus) DeliverMessage(raw []byte) error {
	msg, err := DecodeMessage(raw)
	if err != nil {
		return err
	}

	switch m := msg.(type) {
	case ChannelOffer:
		return b.handleOffer(m)

	case RescindOffer:
		return b.handleRescind(m)

	case GpadlCreated:
		b.complete(pendingKey{MsgGpadlCreated, m.ChannelID, m.Gpadl}, pendingResult{status: m.Status})
		return nil

	case GpadlTorndown:
		b.complete(pendingKey{MsgGpadlTorndown, 0, m.Gpadl}, pendingResult{})
		return nil

	case OpenResult:
		b.complete(pendingKey{MsgOpenResult, m.ChannelID, m.OpenID}, pendingResult{status: m.Status})
		return nil
	}

	return fmt.Errorf("vmbus: unexpected control message type %d from host: %w", msg.MessageType(), ErrProtocol)
}

// DeliverInterrupt is the entry point for a coalesced host interrupt. The
// directory scans every live channel for pending receive data.
func (b *Bus) DeliverInterrupt() {
	b.dir.DispatchInterrupt()
}

func (b *Bus) handleOffer(m ChannelOffer) error {
	ch := newChannel(b, m)
	if err := b.dir.Register(ch); err != nil {
		return err
	}
	slog.Debug("vmbus: channel offered",
		"channel", m.ChannelID, "type", m.IfType, "instance", m.IfInstance)

	b.mu.Lock()
	hook := b.onOffer
	b.mu.Unlock()
	if hook != nil {
		hook(ch)
	}
	return nil
}

func (b *Bus) handleRescind(m RescindOffer) error {
	ch, ok := b.dir.Lookup(m.ChannelID)
	if !ok {
		return fmt.Errorf("vmbus: rescind for unknown channel %d: %w", m.ChannelID, ErrProtocol)
	}
	slog.Debug("vmbus: channel rescinded", "channel", m.ChannelID)

	// Unblock any control round trip first so an in-flight Open observes
	// cancellation instead of waiting out its timeout.
	b.failPending(m.ChannelID, ErrNotPresent)
	ch.rescind()
	b.dir.Unregister(m.ChannelID)
	return nil
}

// allocOpenID returns a correlation id for one OpenChannel request.
func (b *Bus) allocOpenID() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextOpenID++
	return b.nextOpenID
}

// roundTrip posts one or more control messages and waits for the completion
// matching key. All fragments must post successfully or the whole request
// fails. The wait is bounded by the bus timeout and by ctx.
func (b *Bus) roundTrip(ctx context.Context, key pendingKey, msgs ...Message) (uint32, error) {
	done := make(chan pendingResult, 1)

	b.mu.Lock()
	if _, exists := b.pending[key]; exists {
		b.mu.Unlock()
		return 0, fmt.Errorf("vmbus: duplicate outstanding request %+v: %w", key, ErrProtocol)
	}
	b.pending[key] = done
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, key)
		b.mu.Unlock()
	}()

	for _, msg := range msgs {
		if err := b.rt.PostMessage(ctx, msg.Marshal()); err != nil {
			return 0, fmt.Errorf("vmbus: post control message type %d: %w", msg.MessageType(), err)
		}
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		return res.status, res.err
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-timer.C:
		return 0, ErrTimeout
	}
}

func (b *Bus) complete(key pendingKey, res pendingResult) {
	b.mu.Lock()
	done, ok := b.pending[key]
	if ok {
		delete(b.pending, key)
	}
	b.mu.Unlock()
	if !ok {
		slog.Warn("vmbus: unmatched completion", "type", key.msgType,
			"channel", key.channelID, "correlator", key.correlator)
		return
	}
	done <- res
}

// failPending completes every outstanding request for a channel with err.
func (b *Bus) failPending(channelID uint32, err error) {
	b.mu.Lock()
	var doomed []chan pendingResult
	for key, done := range b.pending {
		if key.channelID == channelID {
			doomed = append(doomed, done)
			delete(b.pending, key)
		}
	}
	b.mu.Unlock()
	for _, done := range doomed {
		done <- pendingResult{err: err}
	}
}

// Close tears down every channel on the bus. Errors are reported but
// teardown continues; Close is best-effort by design.
func (b *Bus) Close(ctx context.Context) error {
	var firstErr error
	for _, ch := range b.dir.Channels() {
		if err := ch.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
