package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestIntakeFIFO(t *testing.T) {
	q := newIntake(4)
	for _, s := range []string{"a", "b", "c"} {
		if err := q.offer(context.Background(), []byte(s), time.Second); err != nil {
			t.Fatalf("offer %s: %v", s, err)
		}
	}

	for _, want := range []string{"a", "b", "c"} {
		got, ok := q.poll(10 * time.Millisecond)
		if !ok {
			t.Fatalf("poll: empty, want %q", want)
		}
		if string(got) != want {
			t.Errorf("poll = %q, want %q", got, want)
		}
	}
}

func TestIntakeCapacityTimeout(t *testing.T) {
	q := newIntake(2)
	ctx := context.Background()

	if err := q.offer(ctx, []byte("1"), time.Second); err != nil {
		t.Fatalf("offer 1: %v", err)
	}
	if err := q.offer(ctx, []byte("2"), time.Second); err != nil {
		t.Fatalf("offer 2: %v", err)
	}

	start := time.Now()
	err := q.offer(ctx, []byte("3"), 50*time.Millisecond)
	if !errors.Is(err, ErrCapacity) {
		t.Fatalf("offer 3 err = %v, want ErrCapacity", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("offer returned after %v, want >= 50ms", elapsed)
	}
	if q.len() != 2 {
		t.Errorf("len = %d, want 2", q.len())
	}
}

func TestIntakeOfferUnblocksWhenSpaceFrees(t *testing.T) {
	q := newIntake(1)
	if err := q.offer(context.Background(), []byte("1"), time.Second); err != nil {
		t.Fatalf("offer 1: %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		q.poll(time.Second)
	}()

	if err := q.offer(context.Background(), []byte("2"), 5*time.Second); err != nil {
		t.Fatalf("offer 2: %v", err)
	}
}

func TestIntakeOfferContextCancel(t *testing.T) {
	q := newIntake(1)
	if err := q.offer(context.Background(), []byte("1"), time.Second); err != nil {
		t.Fatalf("offer 1: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := q.offer(ctx, []byte("2"), 5*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestIntakePollTimeout(t *testing.T) {
	q := newIntake(1)
	if _, ok := q.poll(10 * time.Millisecond); ok {
		t.Error("poll on empty intake returned a request")
	}
}

func TestRetryBufferOrder(t *testing.T) {
	var b retryBuffer
	b.pushAll([][]byte{[]byte("a"), []byte("b")})
	b.pushAll(nil)
	b.pushAll([][]byte{[]byte("c")})

	if b.len() != 3 {
		t.Fatalf("len = %d, want 3", b.len())
	}
	for _, want := range []string{"a", "b", "c"} {
		got, ok := b.pop()
		if !ok {
			t.Fatalf("pop: empty, want %q", want)
		}
		if string(got) != want {
			t.Errorf("pop = %q, want %q", got, want)
		}
	}
	if _, ok := b.pop(); ok {
		t.Error("pop on empty buffer returned a request")
	}
}
