package eventbus

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tradefresh/quote-engine/pkg/model"
)

func testEvent(t model.EventType) model.Event {
	return model.NewEvent(t, "rfq-1", "", nil, time.Now())
}

func TestEventBus_Subscribe_And_Publish(t *testing.T) {
	bus := New(zap.NewNop())

	received := make(chan model.Event, 1)
	unsub := bus.Subscribe(func(ev model.Event) { received <- ev }, model.BuyerTopic("b1"))
	defer unsub()

	ev := testEvent(model.EventQuoteSubmitted)
	bus.Publish(ev, model.BuyerTopic("b1"))

	select {
	case got := <-received:
		assert.Equal(t, ev.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestEventBus_OncePerListenerAcrossTopics(t *testing.T) {
	bus := New(zap.NewNop())

	var count atomic.Int32
	unsub := bus.Subscribe(func(model.Event) { count.Add(1) },
		model.RFQTopic("rfq-1"), model.BuyerTopic("b1"), model.TopicAll)

	bus.Publish(testEvent(model.EventRFQClosed), model.RFQTopic("rfq-1"), model.BuyerTopic("b1"))
	unsub()
	assert.EqualValues(t, 1, count.Load())
}

func TestEventBus_WildcardReceivesEverything(t *testing.T) {
	bus := New(zap.NewNop())

	var got []model.EventType
	var mu sync.Mutex
	unsub := bus.Subscribe(func(ev model.Event) {
		mu.Lock()
		got = append(got, ev.Type)
		mu.Unlock()
	}, model.TopicAll)

	bus.Publish(testEvent(model.EventRFQOpened), model.TopicAllVendors)
	bus.Publish(testEvent(model.EventQuoteExpired), model.VendorTopic("v1"))
	unsub()

	assert.Equal(t, []model.EventType{model.EventRFQOpened, model.EventQuoteExpired}, got)
}

func TestEventBus_OtherTopicsNotDelivered(t *testing.T) {
	bus := New(zap.NewNop())

	var count atomic.Int32
	unsub := bus.Subscribe(func(model.Event) { count.Add(1) }, model.VendorTopic("v2"))

	bus.Publish(testEvent(model.EventQuoteAccepted), model.VendorTopic("v1"))
	unsub()
	assert.EqualValues(t, 0, count.Load())
}

func TestEventBus_PreservesOrderPerListener(t *testing.T) {
	bus := New(zap.NewNop())

	var mu sync.Mutex
	var seen []int
	unsub := bus.Subscribe(func(ev model.Event) {
		mu.Lock()
		seen = append(seen, len(ev.RFQID))
		mu.Unlock()
	}, "t")

	for i := 1; i <= 10; i++ {
		ev := testEvent(model.EventQuoteSubmitted)
		ev.RFQID = string(make([]byte, i))
		bus.Publish(ev, "t")
	}
	unsub()

	require.Len(t, seen, 10)
	for i, n := range seen {
		assert.Equal(t, i+1, n)
	}
}

func TestEventBus_UnsubscribeStopsDelivery(t *testing.T) {
	bus := New(zap.NewNop())

	var count atomic.Int32
	unsub := bus.Subscribe(func(model.Event) { count.Add(1) }, "t")
	assert.True(t, bus.HasSubscribers("t"))

	unsub()
	unsub()
	assert.False(t, bus.HasSubscribers("t"))

	bus.Publish(testEvent(model.EventRFQClosed), "t")
	assert.EqualValues(t, 0, count.Load())
}

func TestEventBus_SlowListenerReceivesEverything(t *testing.T) {
	bus := New(zap.NewNop())

	var count atomic.Int32
	unsub := bus.Subscribe(func(model.Event) {
		time.Sleep(time.Millisecond)
		count.Add(1)
	}, model.TopicAll)

	start := time.Now()
	for i := 0; i < 200; i++ {
		bus.Publish(testEvent(model.EventQuoteSubmitted), model.RFQTopic("rfq-1"))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond, "publish must not wait on the listener")

	require.Eventually(t, func() bool { return count.Load() == 200 }, 5*time.Second, 10*time.Millisecond)
	unsub()
	assert.EqualValues(t, 200, count.Load())
}

func TestEventBus_UnsubscribeDrainsQueued(t *testing.T) {
	bus := New(zap.NewNop())

	release := make(chan struct{})
	var count atomic.Int32
	unsub := bus.Subscribe(func(model.Event) {
		<-release
		count.Add(1)
	}, "t")

	for i := 0; i < 5; i++ {
		bus.Publish(testEvent(model.EventQuoteSubmitted), "t")
	}
	close(release)
	unsub()
	assert.EqualValues(t, 5, count.Load())
}

func TestEventBus_PanickingListenerKeepsRunning(t *testing.T) {
	bus := New(zap.NewNop())

	var count atomic.Int32
	unsub := bus.Subscribe(func(ev model.Event) {
		if ev.Type == model.EventRFQOpened {
			panic("boom")
		}
		count.Add(1)
	}, "t")

	bus.Publish(testEvent(model.EventRFQOpened), "t")
	bus.Publish(testEvent(model.EventRFQClosed), "t")
	unsub()
	assert.EqualValues(t, 1, count.Load())
}

func TestEventBus_ConcurrentPublishAndSubscribe(t *testing.T) {
	bus := New(zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			unsub := bus.Subscribe(func(model.Event) {}, "t")
			unsub()
		}()
		go func() {
			defer wg.Done()
			bus.Publish(testEvent(model.EventRFQOpened), "t")
		}()
	}
	wg.Wait()
}
