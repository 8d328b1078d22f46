package core

import (
	"log/slog"
	"strconv"
	"sync"

	"escrowd/core/events"
	"escrowd/core/types"
	"escrowd/native/escrow"
	"escrowd/observability/metrics"
)

// payloadEvent is implemented by events carrying a structured payload.
type payloadEvent interface {
	events.Event
	Event() *types.Event
}

// eventFanout delivers each emitted event to the structured log, the metrics
// counters and every live subscriber. Delivery is fire-and-forget: failures
// and slow subscribers never roll back the state change that produced the
// event.
type eventFanout struct {
	mu     sync.Mutex
	subs   map[uint64]chan types.Event
	nextID uint64
}

func newEventFanout() *eventFanout {
	return &eventFanout{subs: make(map[uint64]chan types.Event)}
}

// Emit implements events.Emitter.
func (f *eventFanout) Emit(evt events.Event) {
	if f == nil || evt == nil {
		return
	}
	payload, ok := evt.(payloadEvent)
	if !ok || payload.Event() == nil {
		return
	}
	event := payload.Event()
	metrics.EventEmitted(event.Type)
	observeSettlement(event)
	slog.Info("event emitted", slog.String("type", event.Type), slog.Any("attributes", event.Attributes))

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subs {
		select {
		case sub <- *event:
		default:
			// Subscriber buffer full; drop rather than block the operation.
		}
	}
}

// observeSettlement feeds the settled-value counter from the terminal
// settlement events. The counter is approximate by nature (float64); the
// ledger remains the source of truth.
func observeSettlement(event *types.Event) {
	var outcome string
	switch event.Type {
	case escrow.EventTypeReleased:
		outcome = "release"
	case escrow.EventTypeRefunded:
		outcome = "refund"
	default:
		return
	}
	gross, err := strconv.ParseFloat(event.Attributes["grossAmount"], 64)
	if err != nil {
		return
	}
	metrics.ValueSettled(outcome, gross)
}

func (f *eventFanout) subscribe(buffer int) (<-chan types.Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan types.Event, buffer)
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = ch
	f.mu.Unlock()
	cancel := func() {
		f.mu.Lock()
		if sub, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(sub)
		}
		f.mu.Unlock()
	}
	return ch, cancel
}
