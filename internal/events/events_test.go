package events

import (
	"testing"
	"time"
)

func TestPublishDeliversInOrder(t *testing.T) {
	bus := New()
	ch, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	bus.Publish(KindWindowPaused, WindowPausedData{Ready: 4, Queued: 2})
	bus.Publish(KindWindowResumed, WindowResumedData{Ready: 2})

	first := <-ch
	second := <-ch

	if first.Kind != KindWindowPaused {
		t.Fatalf("expected first event to be WindowPaused, got %s", first.Kind)
	}
	if second.Kind != KindWindowResumed {
		t.Fatalf("expected second event to be WindowResumed, got %s", second.Kind)
	}
	if first.Seq >= second.Seq {
		t.Fatalf("expected increasing sequence numbers, got %d then %d", first.Seq, second.Seq)
	}
}

func TestPublishDoesNotBlockOnFullSubscriber(t *testing.T) {
	bus := New()
	bus.bufferSize = 2
	ch, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(KindPoolStatsChanged, PoolStatsChangedData{Queued: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked despite a full, unread subscriber buffer")
	}

	// Drain whatever made it through; the bus must have delivered the most
	// recent events, not stalled mid-stream.
	var last PoolStatsChangedData
	for {
		select {
		case ev := <-ch:
			last = ev.Data.(PoolStatsChangedData)
			continue
		default:
		}
		break
	}
	if last.Queued != 9 {
		t.Fatalf("expected the newest event to survive drop-oldest, got Queued=%d", last.Queued)
	}
}

func TestStatsExposesDroppedCount(t *testing.T) {
	bus := New()
	bus.bufferSize = 2
	_, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	if stats := bus.Stats(); stats.Subscribers != 1 || stats.Dropped != 0 {
		t.Fatalf("expected 1 subscriber, 0 dropped before any overflow, got %+v", stats)
	}

	for i := 0; i < 10; i++ {
		bus.Publish(KindPoolStatsChanged, PoolStatsChangedData{Queued: i})
	}

	stats := bus.Stats()
	if stats.Subscribers != 1 {
		t.Fatalf("expected 1 subscriber, got %d", stats.Subscribers)
	}
	if stats.Dropped == 0 {
		t.Fatal("expected Stats().Dropped to reflect events dropped under backpressure")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New()
	ch, unsubscribe := bus.Subscribe()
	unsubscribe()

	bus.Publish(KindWindowResumed, WindowResumedData{})

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected no delivery after unsubscribe")
		}
	case <-time.After(50 * time.Millisecond):
	}

	if bus.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers after unsubscribe, got %d", bus.SubscriberCount())
	}
}

func TestMultipleSubscribersEachGetEvents(t *testing.T) {
	bus := New()
	chA, unsubA := bus.Subscribe()
	defer unsubA()
	chB, unsubB := bus.Subscribe()
	defer unsubB()

	bus.Publish(KindFileMissing, FileMissingData{Path: "/missing.jpg"})

	for _, ch := range []<-chan Event{chA, chB} {
		select {
		case ev := <-ch:
			if ev.Kind != KindFileMissing {
				t.Fatalf("expected FileMissing, got %s", ev.Kind)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}
