// Package bus is the in-process publish/subscribe used by the market-data feed.
// There is one typed topic per data kind; publishers never wait on slow subscribers.
package bus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/uhyunpark/statecache/pkg/types"
)

const (
	TopicKline  = "kline"
	TopicBookL1 = "bookl1"
	TopicTrade  = "trade"
)

// Topic delivers values of one type to its subscribers
type Topic[T any] struct {
	name     string
	mu       sync.RWMutex
	handlers []func(T)
	dropped  atomic.Uint64
}

func NewTopic[T any](name string) *Topic[T] {
	return &Topic[T]{name: name}
}

func (t *Topic[T]) Name() string { return t.name }

// Subscribe registers a handler invoked inline on Publish.
// Inline handlers must be non-blocking (a map write under a short lock).
func (t *Topic[T]) Subscribe(h func(T)) {
	t.mu.Lock()
	t.handlers = append(t.handlers, h)
	t.mu.Unlock()
}

// SubscribeAsync registers a handler that runs on its own goroutine behind a bounded queue.
// When the queue is full the value is dropped and counted in Dropped.
// The goroutine exits when ctx is done.
func (t *Topic[T]) SubscribeAsync(ctx context.Context, capacity int, h func(T)) {
	if capacity <= 0 {
		capacity = 1
	}
	ch := make(chan T, capacity)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case v := <-ch:
				h(v)
			}
		}
	}()
	t.Subscribe(func(v T) {
		select {
		case ch <- v:
		default:
			t.dropped.Add(1)
		}
	})
}

// Publish hands v to every subscriber
func (t *Topic[T]) Publish(v T) {
	t.mu.RLock()
	handlers := t.handlers
	t.mu.RUnlock()
	for _, h := range handlers {
		h(v)
	}
}

// Dropped returns how many values async subscribers could not accept
func (t *Topic[T]) Dropped() uint64 { return t.dropped.Load() }

// Bus groups the market-data topics
type Bus struct {
	Kline  *Topic[types.Kline]
	BookL1 *Topic[types.BookL1]
	Trade  *Topic[types.Trade]
}

func New() *Bus {
	return &Bus{
		Kline:  NewTopic[types.Kline](TopicKline),
		BookL1: NewTopic[types.BookL1](TopicBookL1),
		Trade:  NewTopic[types.Trade](TopicTrade),
	}
}
