// Package bus is the in-process fan-out between the realtime transport and
// application listeners.
package bus

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// Listener receives the payload of one emitted event.
type Listener func(payload any)

// ListenerID identifies a registration so it can be removed with Off.
// Go funcs are not comparable, so On hands out an id instead.
type ListenerID uint64

// PanicHandler is told about a listener that panicked during Emit.
type PanicHandler func(event string, recovered any, stack []byte)

type registration struct {
	id ListenerID
	fn Listener
}

// EventBus maps event names to listeners.
//
// Emit is synchronous: every listener has returned before Emit does.
// Listeners for one event run in registration order (first registered,
// first called). A listener that panics is recovered and reported to the
// PanicHandler; delivery to the remaining listeners continues.
type EventBus struct {
	mu        sync.RWMutex
	listeners map[string][]registration
	nextID    ListenerID
	onPanic   PanicHandler
}

// New creates an EventBus. A nil onPanic logs recovered panics via slog.
func New(onPanic PanicHandler) *EventBus {
	if onPanic == nil {
		onPanic = logPanic
	}

	return &EventBus{
		listeners: make(map[string][]registration),
		onPanic:   onPanic,
	}
}

// On registers fn for event and returns its id.
func (b *EventBus) On(event string, fn Listener) ListenerID {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.listeners[event] = append(b.listeners[event], registration{id: id, fn: fn})
	return id
}

// Off removes the listener with id from event. Unknown ids are ignored.
func (b *EventBus) Off(event string, id ListenerID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	regs := b.listeners[event]
	for i, r := range regs {
		if r.id != id {
			continue
		}
		// Copy instead of re-slicing in place: an Emit in progress may
		// still be iterating the old slice.
		next := make([]registration, 0, len(regs)-1)
		next = append(next, regs[:i]...)
		next = append(next, regs[i+1:]...)
		if len(next) == 0 {
			delete(b.listeners, event)
		} else {
			b.listeners[event] = next
		}
		return
	}
}

// OffAll removes every listener for event.
func (b *EventBus) OffAll(event string) {
	b.mu.Lock()
	delete(b.listeners, event)
	b.mu.Unlock()
}

// Count returns the number of listeners registered for event.
func (b *EventBus) Count(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[event])
}

// Emit calls every listener currently registered for event with payload.
// It never panics, whatever the listeners do.
func (b *EventBus) Emit(event string, payload any) {
	b.mu.RLock()
	regs := b.listeners[event]
	b.mu.RUnlock()

	for _, r := range regs {
		b.call(event, r.fn, payload)
	}
}

func (b *EventBus) call(event string, fn Listener, payload any) {
	defer func() {
		if rec := recover(); rec != nil {
			b.onPanic(event, rec, debug.Stack())
		}
	}()
	fn(payload)
}

func logPanic(event string, recovered any, stack []byte) {
	slog.Error("bus: listener panicked",
		"event", event,
		"panic", fmt.Sprint(recovered),
		"stack", string(stack),
	)
}
