package adapter

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// EventSource is satisfied by anything that publishes synchronizer events,
// in production the engine client.
type EventSource interface {
	Events() <-chan Event
}

// Broadcaster is a many-to-many hub that ingests Events from any number of
// sources and distributes them to per-market subscribers and a unified "all"
// stream. Market-wide events (empty Market) reach every per-market
// subscriber as well.
type Broadcaster struct {
	sources []<-chan Event

	// Filtered subscribers keyed by market.
	mu   sync.RWMutex
	subs map[string][]chan Event

	// allMu guards the unified subscriber list.
	allMu  sync.RWMutex
	allSub []chan Event
}

// NewBroadcaster creates a Broadcaster ready for source registration.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subs: make(map[string][]chan Event),
	}
}

// Register adds a source. Must be called before Run.
func (b *Broadcaster) Register(source EventSource) {
	b.sources = append(b.sources, source.Events())
}

// Subscribe returns a buffered channel that receives events for market.
// The caller must drain the channel to avoid dropped events.
func (b *Broadcaster) Subscribe(market string) <-chan Event {
	ch := make(chan Event, 256)

	b.mu.Lock()
	b.subs[market] = append(b.subs[market], ch)
	b.mu.Unlock()

	return ch
}

// SubscribeAll returns a buffered channel that receives every event. Used by
// the Redis mirror, the Kafka publisher and the health server.
func (b *Broadcaster) SubscribeAll() <-chan Event {
	ch := make(chan Event, 1024)

	b.allMu.Lock()
	b.allSub = append(b.allSub, ch)
	b.allMu.Unlock()

	return ch
}

// Run starts consuming from all registered sources and distributing events.
// It blocks until ctx is cancelled. Each source gets its own goroutine.
func (b *Broadcaster) Run(ctx context.Context) {
	var wg sync.WaitGroup

	for _, src := range b.sources {
		wg.Add(1)
		go func(ch <-chan Event) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-ch:
					if !ok {
						return
					}
					b.distribute(ev)
				}
			}
		}(src)
	}

	wg.Wait()
}

// distribute sends an event to matching filtered subscribers and all unified
// subscribers. Non-blocking: slow consumers get events dropped.
func (b *Broadcaster) distribute(ev Event) {
	b.mu.RLock()
	for market, subs := range b.subs {
		if ev.Market != "" && ev.Market != market {
			continue
		}
		for _, ch := range subs {
			select {
			case ch <- ev:
			default:
				log.Warn().Str("market", market).Stringer("kind", ev.Kind).
					Msg("broadcaster: dropping event for slow subscriber")
			}
		}
	}
	b.mu.RUnlock()

	b.allMu.RLock()
	for _, ch := range b.allSub {
		select {
		case ch <- ev:
		default:
			// Slow unified subscriber, drop.
		}
	}
	b.allMu.RUnlock()
}
