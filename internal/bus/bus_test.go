package bus

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func recvOne(t *testing.T, r *Receiver) ([]byte, uint64) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	p, lagged, err := r.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	return p, lagged
}

func TestFanOutInOrder(t *testing.T) {
	s := NewSender()
	r1 := s.Subscribe()
	r2 := s.Subscribe()
	defer r1.Close()
	defer r2.Close()

	for i := 0; i < 5; i++ {
		s.Publish([]byte(fmt.Sprintf("payload-%d", i)))
	}

	for _, r := range []*Receiver{r1, r2} {
		for i := 0; i < 5; i++ {
			p, lagged := recvOne(t, r)
			if lagged != 0 {
				t.Fatalf("unexpected lag %d", lagged)
			}
			if want := fmt.Sprintf("payload-%d", i); string(p) != want {
				t.Fatalf("expected %q, got %q", want, p)
			}
		}
	}
}

func TestSubscribeStartsAtTail(t *testing.T) {
	s := NewSender()
	r1 := s.Subscribe()
	defer r1.Close()

	s.Publish([]byte("before"))

	r2 := s.Subscribe()
	defer r2.Close()

	s.Publish([]byte("after"))

	if p, _ := recvOne(t, r2); string(p) != "after" {
		t.Fatalf("late subscriber should only see future publishes, got %q", p)
	}
}

func TestPublishWithoutSubscribersIsNoop(t *testing.T) {
	s := NewSender()
	if n := s.SubscriberCount(); n != 0 {
		t.Fatalf("expected 0 subscribers, got %d", n)
	}
	s.Publish([]byte("dropped")) // must not panic or enqueue

	r := s.Subscribe()
	defer r.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, _, err := r.Recv(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestSubscriberCount(t *testing.T) {
	s := NewSender()
	r1 := s.Subscribe()
	r2 := s.Subscribe()
	if n := s.SubscriberCount(); n != 2 {
		t.Fatalf("expected 2 subscribers, got %d", n)
	}
	r1.Close()
	if n := s.SubscriberCount(); n != 1 {
		t.Fatalf("expected 1 subscriber after close, got %d", n)
	}
	r2.Close()
	if n := s.SubscriberCount(); n != 0 {
		t.Fatalf("expected 0 subscribers after close, got %d", n)
	}
}

func TestSlowSubscriberLagsButKeepsFreshest(t *testing.T) {
	s := NewSender()
	r := s.Subscribe()
	defer r.Close()

	// Publish past the buffer bound without the subscriber reading.
	total := capacity + 5
	for i := 0; i < total; i++ {
		s.Publish([]byte(fmt.Sprintf("payload-%d", i)))
	}

	// The subscriber lost the oldest 5 and reads the freshest capacity
	// payloads, with the loss reported on the first receive.
	p, lagged := recvOne(t, r)
	if lagged != 5 {
		t.Fatalf("expected lag 5, got %d", lagged)
	}
	if want := fmt.Sprintf("payload-%d", total-capacity); string(p) != want {
		t.Fatalf("expected %q after lag, got %q", want, p)
	}
	for i := total - capacity + 1; i < total; i++ {
		p, lagged := recvOne(t, r)
		if lagged != 0 {
			t.Fatalf("unexpected lag %d mid-drain", lagged)
		}
		if want := fmt.Sprintf("payload-%d", i); string(p) != want {
			t.Fatalf("expected %q, got %q", want, p)
		}
	}
}

func TestSlowSubscriberDoesNotStallOthers(t *testing.T) {
	s := NewSender()
	slow := s.Subscribe()
	fast := s.Subscribe()
	defer slow.Close()
	defer fast.Close()

	// The fast reader drains concurrently. It must account for every
	// payload, either received (in publish order) and/or as lag.
	done := make(chan struct{})
	go func() {
		defer close(done)
		var accounted uint64
		last := -1
		for accounted < 50 {
			p, lagged := recvOne(t, fast)
			var i int
			if _, err := fmt.Sscanf(string(p), "payload-%d", &i); err != nil {
				t.Errorf("fast subscriber: bad payload %q", p)
				return
			}
			if i <= last {
				t.Errorf("fast subscriber: payload %d out of order after %d", i, last)
				return
			}
			last = i
			accounted += lagged + 1
		}
	}()

	for i := 0; i < 50; i++ {
		s.Publish([]byte(fmt.Sprintf("payload-%d", i)))
		// Give the fast reader a chance to drain so it stays mostly current.
		time.Sleep(time.Millisecond)
	}
	<-done

	// The slow subscriber observes a lag but the publisher never blocked.
	_, lagged := recvOne(t, slow)
	if lagged != uint64(50-capacity) {
		t.Fatalf("expected lag %d, got %d", 50-capacity, lagged)
	}
}

func TestCloseSenderClosesReceivers(t *testing.T) {
	s := NewSender()
	r := s.Subscribe()

	s.Publish([]byte("last"))
	s.Close()

	// Buffered payload drains first, then the closure is observed.
	if p, _ := recvOne(t, r); string(p) != "last" {
		t.Fatalf("expected buffered payload, got %q", p)
	}
	_, _, err := r.Recv(context.Background())
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestSubscribeAfterCloseIsClosed(t *testing.T) {
	s := NewSender()
	s.Close()

	r := s.Subscribe()
	if _, _, err := r.Recv(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestReceiverCloseIsIdempotent(t *testing.T) {
	s := NewSender()
	r := s.Subscribe()
	r.Close()
	r.Close()
	s.Close() // must not double-close the receiver channel
}

func TestRecvContextCancel(t *testing.T) {
	s := NewSender()
	r := s.Subscribe()
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := r.Recv(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestPayloadSharedNotCopied(t *testing.T) {
	s := NewSender()
	r1 := s.Subscribe()
	r2 := s.Subscribe()
	defer r1.Close()
	defer r2.Close()

	payload := []byte{1, 2, 3, 4}
	s.Publish(payload)

	p1, _ := recvOne(t, r1)
	p2, _ := recvOne(t, r2)
	if &p1[0] != &payload[0] || &p2[0] != &payload[0] {
		t.Fatal("expected subscribers to share the published slice")
	}
}
