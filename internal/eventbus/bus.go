// Package eventbus is a small in-process fanout used to report engine
// progress to observers (metrics, ops endpoint) without coupling them to the
// engine.
//
// Publish never blocks: subscribers get buffered channels and a subscriber
// that falls behind loses events.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the sync engine.
const (
	TypeEngineState   = "engine.state"
	TypeTickDone      = "tick.done"
	TypeTickFailed    = "tick.failed"
	TypeItemDelivered = "item.delivered"
	TypeItemFailed    = "item.failed"
	TypeLedgerError   = "ledger.error"
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

// StateChange is the Data of TypeEngineState.
type StateChange struct {
	From string
	To   string
}

// TickResult is the Data of TypeTickDone and TypeTickFailed.
type TickResult struct {
	TickID    string
	Fetched   int
	Delivered int
	Retrying  int
	Reason    string
	Duration  time.Duration
	// QuotaRemaining is -1 when the source did not report a budget.
	QuotaRemaining int
	LedgerSize     int
}

// Delivery is the Data of TypeItemDelivered and TypeItemFailed.
type Delivery struct {
	TickID  string
	ItemID  string
	Outcome string
	Status  int
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	// Dropped counts events lost to full subscriber buffers.
	Dropped() uint64
}

func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			// Holding the write lock guarantees no Publish is mid-send.
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
