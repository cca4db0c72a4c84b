package engine

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestBrokerPublishSubscribe(t *testing.T) {
	b := NewBroker()
	ch, unsub := b.Subscribe("r1")
	defer unsub()

	b.Publish("r1", "200 GET / HTTP/1.1")
	b.Publish("r2", "ignored")

	select {
	case line := <-ch:
		if line != "200 GET / HTTP/1.1" {
			t.Errorf("line = %q", line)
		}
	case <-time.After(time.Second):
		t.Fatal("no line received")
	}

	select {
	case line := <-ch:
		t.Errorf("unexpected line %q from another run", line)
	default:
	}
}

func TestBrokerCloseClosesSubscribers(t *testing.T) {
	b := NewBroker()
	ch1, _ := b.Subscribe("r1")
	ch2, _ := b.Subscribe("r1")

	b.Close("r1")

	for i, ch := range []<-chan string{ch1, ch2} {
		if _, ok := <-ch; ok {
			t.Errorf("subscriber %d channel still open", i)
		}
	}
}

func TestBrokerLateSubscriberGetsClosedChannel(t *testing.T) {
	b := NewBroker()
	b.Close("r1")

	ch, unsub := b.Subscribe("r1")
	defer unsub()
	if _, ok := <-ch; ok {
		t.Error("late subscriber channel is open")
	}
}

func TestBrokerUnsubscribe(t *testing.T) {
	b := NewBroker()
	ch, unsub := b.Subscribe("r1")
	unsub()

	b.Publish("r1", "line")
	select {
	case <-ch:
		t.Error("received after unsubscribe")
	default:
	}
}

func TestBrokerDropsForSlowSubscriber(t *testing.T) {
	b := NewBroker()
	ch, unsub := b.Subscribe("r1")
	defer unsub()

	done := make(chan struct{})
	go func() {
		for range subscriberBufferSize + 10 {
			b.Publish("r1", "line")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	if len(ch) != subscriberBufferSize {
		t.Errorf("buffered = %d, want %d", len(ch), subscriberBufferSize)
	}
}

func TestBrokerConcurrentPublishers(t *testing.T) {
	b := NewBroker()
	ch, unsub := b.Subscribe("r1")
	defer unsub()

	const publishers, lines = 8, 16
	var wg sync.WaitGroup
	for p := range publishers {
		wg.Go(func() {
			for i := range lines {
				b.Publish("r1", fmt.Sprintf("%d-%d", p, i))
				b.Publish("idle", "no subscribers")
			}
		})
	}
	wg.Wait()
	b.Close("r1")

	got := 0
	for range ch {
		got++
	}
	if got != publishers*lines {
		t.Errorf("received %d lines, want %d", got, publishers*lines)
	}
}
