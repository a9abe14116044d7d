package events

import (
	"sync"
	"testing"
)

func TestPublishReachesSubscriber(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(EventStateChanged)

	bus.Publish(EventStateChanged, Payload{"n": 1})

	select {
	case payload := <-sub:
		if payload["n"] != 1 {
			t.Fatalf("unexpected payload: %+v", payload)
		}
	default:
		t.Fatal("expected a buffered payload")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(EventStateChanged)
	bus.Unsubscribe(EventStateChanged, sub)

	bus.Publish(EventStateChanged, Payload{"n": 1})

	select {
	case payload := <-sub:
		t.Fatalf("unexpected delivery after unsubscribe: %+v", payload)
	default:
	}
}

func TestUnsubscribeDuringPublishDoesNotPanic(t *testing.T) {
	bus := NewBus()
	stop := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				bus.Publish(EventStateChanged, Payload{"n": 1})
			}
		}
	}()

	// Publish snapshots the subscriber list before sending, so a subscriber
	// removed mid-publish can still receive one late send. The channel must
	// stay open for that.
	for i := 0; i < 5000; i++ {
		sub := bus.Subscribe(EventStateChanged)
		bus.Unsubscribe(EventStateChanged, sub)
	}

	close(stop)
	wg.Wait()
}
