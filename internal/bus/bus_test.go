package bus

import (
	"sync"
	"testing"
	"time"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := New()
	defer b.Close()

	sub := b.Subscribe("sensor:s1:data")
	defer sub.Unsubscribe()

	b.Publish("sensor:s1:data", 42)

	select {
	case msg := <-sub.C():
		if msg.Topic != "sensor:s1:data" {
			t.Errorf("topic = %q, want sensor:s1:data", msg.Topic)
		}
		if msg.Data != 42 {
			t.Errorf("data = %v, want 42", msg.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
	}
}

func TestPublishIgnoresOtherTopics(t *testing.T) {
	b := New()
	defer b.Close()

	sub := b.Subscribe("sensor:s1:data")
	defer sub.Unsubscribe()

	b.Publish("sensor:s2:data", "other")

	select {
	case msg := <-sub.C():
		t.Errorf("unexpected delivery: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPerTopicFIFOForSinglePublisher(t *testing.T) {
	b := New()
	defer b.Close()

	sub := b.Subscribe("attention:s1")
	defer sub.Unsubscribe()

	for i := 0; i < 100; i++ {
		b.Publish("attention:s1", i)
	}

	for i := 0; i < 100; i++ {
		msg := <-sub.C()
		if msg.Data != i {
			t.Fatalf("message %d out of order: got %v", i, msg.Data)
		}
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	b := NewWithQueueSize(1024)
	defer b.Close()

	sub := b.Subscribe("sensor:s1:data")
	defer sub.Unsubscribe()

	// Publisher emits 2000 messages with no reader attached.
	for i := 0; i < 2000; i++ {
		b.Publish("sensor:s1:data", i)
	}

	if got := sub.Dropped(); got != 976 {
		t.Errorf("dropped = %d, want 976", got)
	}

	// Subscriber observes exactly the last 1024 messages, in order.
	first := <-sub.C()
	if first.Data != 976 {
		t.Errorf("first surviving message = %v, want 976", first.Data)
	}
	count := 1
	for {
		select {
		case msg := <-sub.C():
			count++
			if msg.Data != 976+count-1 {
				t.Fatalf("message %d = %v, want %d", count, msg.Data, 976+count-1)
			}
		default:
			if count != 1024 {
				t.Errorf("received %d messages, want 1024", count)
			}
			return
		}
	}
}

func TestOverflowBoundary(t *testing.T) {
	b := NewWithQueueSize(1024)
	defer b.Close()

	sub := b.Subscribe("sensor:s1:data")
	defer sub.Unsubscribe()

	for i := 0; i < 1024; i++ {
		b.Publish("sensor:s1:data", i)
	}
	if got := sub.Dropped(); got != 0 {
		t.Fatalf("dropped after filling queue = %d, want 0", got)
	}

	// The 1025th message evicts the oldest.
	b.Publish("sensor:s1:data", 1024)
	if got := sub.Dropped(); got != 1 {
		t.Errorf("dropped after 1025th message = %d, want 1", got)
	}
	first := <-sub.C()
	if first.Data != 1 {
		t.Errorf("oldest surviving = %v, want 1", first.Data)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	defer b.Close()

	sub := b.Subscribe("system:load")
	sub.Unsubscribe()

	if _, ok := <-sub.C(); ok {
		t.Error("channel still open after Unsubscribe")
	}
	if got := b.SubscriberCount("system:load"); got != 0 {
		t.Errorf("subscriber count = %d, want 0", got)
	}

	// Publishing after unsubscribe must not panic.
	b.Publish("system:load", "x")
}

func TestUnsubscribeIdempotent(t *testing.T) {
	b := New()
	defer b.Close()

	sub := b.Subscribe("system:load")
	sub.Unsubscribe()
	sub.Unsubscribe()
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	b := New()
	defer b.Close()

	var wg sync.WaitGroup
	done := make(chan struct{})

	sub := b.Subscribe("sensor:s1:data")
	received := 0
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case _, ok := <-sub.C():
				if !ok {
					return
				}
				received++
			case <-done:
				return
			}
		}
	}()

	var pubs sync.WaitGroup
	for p := 0; p < 4; p++ {
		pubs.Add(1)
		go func() {
			defer pubs.Done()
			for i := 0; i < 250; i++ {
				b.Publish("sensor:s1:data", i)
			}
		}()
	}
	pubs.Wait()

	time.Sleep(100 * time.Millisecond)
	close(done)
	wg.Wait()

	if received+int(sub.Dropped()) != 1000 {
		// Everything published is either delivered or counted as dropped.
		remaining := len(sub.C())
		if received+int(sub.Dropped())+remaining != 1000 {
			t.Errorf("received %d + dropped %d + queued %d != 1000",
				received, sub.Dropped(), remaining)
		}
	}
}

func TestCloseShutsDownAllSubscribers(t *testing.T) {
	b := New()
	s1 := b.Subscribe("a")
	s2 := b.Subscribe("b")

	b.Close()

	if _, ok := <-s1.C(); ok {
		t.Error("s1 channel open after Close")
	}
	if _, ok := <-s2.C(); ok {
		t.Error("s2 channel open after Close")
	}

	// Subscribe after close returns a closed subscription.
	s3 := b.Subscribe("c")
	if _, ok := <-s3.C(); ok {
		t.Error("subscription after Close should be closed")
	}
}
