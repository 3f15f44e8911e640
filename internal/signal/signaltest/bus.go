// Package signaltest provides an in-memory signal.Bus for tests: emitted
// events are recorded for inspection, and inbound server events are injected
// with Deliver.
package signaltest

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/voxline/callcore/internal/signal"
)

// Emitted is one outbound event captured by the fake bus.
type Emitted struct {
	Event   string
	Payload json.RawMessage
}

type sub struct {
	id   uint64
	h    signal.Handler
	once bool
}

// Bus is a loopback signal.Bus. All methods are safe for concurrent use.
type Bus struct {
	mu       sync.Mutex
	subs     map[string][]*sub
	nextID   uint64
	emitted  []Emitted
	emitHook func(event string, payload json.RawMessage)
}

var _ signal.Bus = (*Bus)(nil)

func New() *Bus {
	return &Bus{subs: make(map[string][]*sub)}
}

// OnEmit installs a hook invoked after every Emit, typically used to script
// server replies via Deliver.
func (b *Bus) OnEmit(hook func(event string, payload json.RawMessage)) {
	b.mu.Lock()
	b.emitHook = hook
	b.mu.Unlock()
}

func (b *Bus) Emit(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("signaltest: marshal %s: %w", event, err)
	}
	b.mu.Lock()
	b.emitted = append(b.emitted, Emitted{Event: event, Payload: data})
	hook := b.emitHook
	b.mu.Unlock()

	if hook != nil {
		hook(event, data)
	}
	return nil
}

func (b *Bus) On(event string, h signal.Handler) func() {
	return b.subscribe(event, h, false)
}

func (b *Bus) Once(event string, h signal.Handler) func() {
	return b.subscribe(event, h, true)
}

func (b *Bus) subscribe(event string, h signal.Handler, once bool) func() {
	b.mu.Lock()
	b.nextID++
	s := &sub{id: b.nextID, h: h, once: once}
	b.subs[event] = append(b.subs[event], s)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[event]
		for i, cand := range list {
			if cand.id == s.id {
				b.subs[event] = append(list[:i], list[i+1:]...)
				return
			}
		}
	}
}

// Deliver injects an inbound event as if the server had sent it. Handlers
// run synchronously on the caller's goroutine.
func (b *Bus) Deliver(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("signaltest: deliver %s: %v", event, err))
	}

	b.mu.Lock()
	list := b.subs[event]
	snapshot := make([]*sub, len(list))
	copy(snapshot, list)
	var kept []*sub
	for _, s := range list {
		if !s.once {
			kept = append(kept, s)
		}
	}
	b.subs[event] = kept
	b.mu.Unlock()

	for _, s := range snapshot {
		s.h(data)
	}
}

// Events returns the outbound events captured so far, filtered by name when
// names are given.
func (b *Bus) Events(names ...string) []Emitted {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(names) == 0 {
		out := make([]Emitted, len(b.emitted))
		copy(out, b.emitted)
		return out
	}
	var out []Emitted
	for _, e := range b.emitted {
		for _, n := range names {
			if e.Event == n {
				out = append(out, e)
			}
		}
	}
	return out
}

// HandlerCount reports registered handlers for event; tests use it to prove
// no listener outlives its request.
func (b *Bus) HandlerCount(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[event])
}
