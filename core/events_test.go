package core

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyonfund/halcyon/types"
)

func TestBusFansOutToAllObservers(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	var first, second []types.EventType
	bus.Subscribe(func(ev types.Event) {
		mu.Lock()
		first = append(first, ev.Type)
		mu.Unlock()
	})
	bus.Subscribe(func(ev types.Event) {
		mu.Lock()
		second = append(second, ev.Type)
		mu.Unlock()
	})

	bus.Publish(types.Event{Type: types.EventTradeExecuted, At: time.Now()})
	bus.Publish(types.Event{Type: types.EventRiskHalt, At: time.Now()})
	bus.Close()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []types.EventType{types.EventTradeExecuted, types.EventRiskHalt}, first)
	assert.Equal(t, first, second)
}

func TestBusSurvivesPanickingObserver(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	var delivered int
	bus.Subscribe(func(types.Event) { panic("observer bug") })
	bus.Subscribe(func(types.Event) {
		mu.Lock()
		delivered++
		mu.Unlock()
	})

	bus.Publish(types.Event{Type: types.EventScanComplete, At: time.Now()})
	bus.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, delivered)
}

func TestBusCloseIsIdempotent(t *testing.T) {
	bus := NewBus()
	bus.Close()
	assert.NotPanics(t, bus.Close)
}
