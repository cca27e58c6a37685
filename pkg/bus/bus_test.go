package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/uhyunpark/statecache/pkg/types"
)

func TestTopic_InlineDelivery(t *testing.T) {
	b := New()
	var got []types.BookL1
	b.BookL1.Subscribe(func(v types.BookL1) { got = append(got, v) })

	b.BookL1.Publish(types.BookL1{Symbol: "BTCUSDT", Bid: 1, Ask: 2})
	b.BookL1.Publish(types.BookL1{Symbol: "ETHUSDT", Bid: 3, Ask: 4})

	if len(got) != 2 || got[1].Symbol != "ETHUSDT" {
		t.Fatalf("got %+v", got)
	}
	if b.BookL1.Name() != TopicBookL1 {
		t.Errorf("name = %s", b.BookL1.Name())
	}
}

func TestTopic_AsyncDoesNotBlockPublisher(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	topic := NewTopic[types.Trade](TopicTrade)
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	var once sync.Once
	topic.SubscribeAsync(ctx, 1, func(types.Trade) {
		once.Do(wg.Done)
		<-release
	})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			topic.Publish(types.Trade{Price: float64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
	close(release)
	wg.Wait()

	if topic.Dropped() == 0 {
		t.Errorf("expected drops with a saturated queue")
	}
}
