package adapter

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/caesar-terminal/idexbook/internal/metrics"
	"github.com/caesar-terminal/idexbook/internal/orderbook"
	"github.com/caesar-terminal/idexbook/internal/pipmath"
)

// RedisClient abstracts the Redis operations used by RedisWriter.
// In production this is a *redis.Client wrapped by NewRedisClient; in tests
// a mock.
type RedisClient interface {
	HSet(ctx context.Context, key string, values ...any) error
}

type goRedisClient struct {
	c *redis.Client
}

// NewRedisClient adapts a go-redis client to RedisClient.
func NewRedisClient(c *redis.Client) RedisClient {
	return goRedisClient{c: c}
}

func (g goRedisClient) HSet(ctx context.Context, key string, values ...any) error {
	return g.c.HSet(ctx, key, values...).Err()
}

// BookReader returns the current hybrid books of a market. The engine client
// satisfies it.
type BookReader interface {
	GetHybridBooks(ctx context.Context, market string, tickSize int64) (orderbook.Books, error)
}

// bookSnapshot holds the last-written top of book for a market so we can
// skip duplicate writes.
type bookSnapshot struct {
	Ask orderbook.L1Level
	Bid orderbook.L1Level
}

// RedisWriter mirrors the hybrid top of book of every market into Redis
// whenever the synchronizer reports an L1 change, using the schema:
//
//	Key:    book:{exchange}:{market}
//	Fields: bid, ask, bid_size, ask_size, sequence, ts
//
// Writes are non-blocking: events are buffered in an internal channel and
// flushed by a dedicated goroutine. Unchanged tops of book are suppressed.
type RedisWriter struct {
	client RedisClient
	books  BookReader
	feed   <-chan Event
	buf    chan Event

	mu   sync.Mutex
	last map[string]bookSnapshot // keyed by Redis key
}

// NewRedisWriter creates a RedisWriter that reads from a Broadcaster
// SubscribeAll channel and writes to the given Redis client.
func NewRedisWriter(client RedisClient, books BookReader, feed <-chan Event) *RedisWriter {
	return &RedisWriter{
		client: client,
		books:  books,
		feed:   feed,
		buf:    make(chan Event, 1024),
		last:   make(map[string]bookSnapshot),
	}
}

// Run starts two goroutines: one to drain the feed into an internal buffer,
// and one to flush buffered events to Redis. It blocks until ctx is
// cancelled.
func (rw *RedisWriter) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-rw.feed:
				if !ok {
					return
				}
				if ev.Kind != EventL1Changed {
					continue
				}
				select {
				case rw.buf <- ev:
				default:
					// Buffer full, the next L1 change rewrites the key anyway.
				}
			}
		}
	}()

	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-rw.buf:
				if !ok {
					return
				}
				rw.write(ctx, ev)
			}
		}
	}()

	wg.Wait()
}

// write reads the market's hybrid L1, checks for duplicates, and issues an HSET.
func (rw *RedisWriter) write(ctx context.Context, ev Event) {
	books, err := rw.books.GetHybridBooks(ctx, ev.Market, 0)
	if err != nil {
		log.Warn().Err(err).Str("market", ev.Market).Msg("redis: read book")
		return
	}
	l1 := books.L1

	key := fmt.Sprintf("book:%s:%s", ExchangeIDEX, ev.Market)
	snap := bookSnapshot{Ask: l1.Ask, Bid: l1.Bid}

	rw.mu.Lock()
	if prev, exists := rw.last[key]; exists && prev == snap {
		rw.mu.Unlock()
		return
	}
	rw.last[key] = snap
	rw.mu.Unlock()

	err = rw.client.HSet(ctx, key,
		"bid", pipmath.PipToDecimal(l1.Bid.Price),
		"ask", pipmath.PipToDecimal(l1.Ask.Price),
		"bid_size", pipmath.PipToDecimal(l1.Bid.Size),
		"ask_size", pipmath.PipToDecimal(l1.Ask.Size),
		"sequence", strconv.FormatUint(l1.Sequence, 10),
		"ts", strconv.FormatInt(ev.Timestamp.UnixMilli(), 10),
	)
	if err != nil {
		metrics.SinkErrorsTotal.WithLabelValues("redis").Inc()
		log.Warn().Err(err).Str("key", key).Msg("redis: hset")
		rw.mu.Lock()
		delete(rw.last, key)
		rw.mu.Unlock()
	}
}
