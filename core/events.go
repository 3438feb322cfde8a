package core

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/halcyonfund/halcyon/types"
)

// Bus fans engine events out to observers. Delivery is best-effort and
// asynchronous; state is always journaled before an event is emitted, so
// a lost notification never loses money.
type Bus struct {
	mu        sync.RWMutex
	observers []func(types.Event)
	ch        chan types.Event
	done      chan struct{}
	once      sync.Once
}

// NewBus starts the fan-out loop.
func NewBus() *Bus {
	b := &Bus{
		ch:   make(chan types.Event, 128),
		done: make(chan struct{}),
	}
	go b.loop()
	return b
}

// Subscribe registers an observer for all future events.
func (b *Bus) Subscribe(fn func(types.Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, fn)
}

// Publish enqueues an event. A full queue drops the event rather than
// blocking the engine.
func (b *Bus) Publish(ev types.Event) {
	select {
	case b.ch <- ev:
	default:
		log.Warn().Str("type", string(ev.Type)).Msg("Event bus full, notification dropped")
	}
}

func (b *Bus) loop() {
	for ev := range b.ch {
		b.mu.RLock()
		observers := b.observers
		b.mu.RUnlock()
		for _, fn := range observers {
			func() {
				defer func() {
					if r := recover(); r != nil {
						log.Error().Interface("panic", r).Msg("Event observer panicked")
					}
				}()
				fn(ev)
			}()
		}
	}
	close(b.done)
}

// Close drains pending events and stops the loop.
func (b *Bus) Close() {
	b.once.Do(func() { close(b.ch) })
	<-b.done
}
