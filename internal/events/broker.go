package events

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/sketchhub/sketchd/pkg/types"
)

// Broker fans protocol events out to per-sketch subscribers. Publishing never
// blocks: a slow subscriber drops events rather than stalling the coordinator.
type Broker struct {
	mu      sync.RWMutex
	subs    map[string]map[chan types.Event]struct{} // sketchID -> subscribers
	dropped atomic.Int64
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[chan types.Event]struct{})}
}

func (b *Broker) Subscribe(sketchID string, buf int) chan types.Event {
	if buf <= 0 {
		buf = 100
	}
	ch := make(chan types.Event, buf)

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sketchID]; !ok {
		b.subs[sketchID] = make(map[chan types.Event]struct{})
	}
	b.subs[sketchID][ch] = struct{}{}
	return ch
}

func (b *Broker) Unsubscribe(sketchID string, ch chan types.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.subs[sketchID]; ok {
		delete(m, ch)
		if len(m) == 0 {
			delete(b.subs, sketchID)
		}
	}
	close(ch)
}

func (b *Broker) Publish(ev types.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	m := b.subs[ev.SketchID]
	for ch := range m {
		select {
		case ch <- ev:
		default:
			count := b.dropped.Add(1)
			if count == 1 || count%100 == 0 {
				fmt.Fprintf(os.Stderr, "events: dropped event (sketch=%s type=%s, total dropped=%d)\n",
					ev.SketchID, ev.Type, count)
			}
		}
	}
}

// DroppedCount returns the total number of events dropped due to slow subscribers.
func (b *Broker) DroppedCount() int64 {
	return b.dropped.Load()
}
