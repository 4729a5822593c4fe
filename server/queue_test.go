package server

import (
	"testing"
	"time"
)

func TestTimedQueueFIFO(t *testing.T) {
	q := newTimedQueue[int](10, true)
	for i := 1; i <= 3; i++ {
		if _, _, pushed := q.Push(i); !pushed {
			t.Fatalf("push %d rejected", i)
		}
	}
	for want := 1; want <= 3; want++ {
		v, _, ok := q.PopWait(time.Second)
		if !ok || v != want {
			t.Fatalf("pop got %d ok=%v, want %d", v, ok, want)
		}
	}
}

func TestTimedQueueDropOldest(t *testing.T) {
	q := newTimedQueue[int](2, true)
	q.Push(1)
	q.Push(2)
	dropped, droppedOK, pushed := q.Push(3)
	if !pushed || !droppedOK || dropped != 1 {
		t.Fatalf("overflow push: dropped=%d droppedOK=%v pushed=%v", dropped, droppedOK, pushed)
	}
	v, _, _ := q.PopWait(time.Second)
	if v != 2 {
		t.Fatalf("head is %d after drop-oldest, want 2", v)
	}
}

func TestTimedQueueReject(t *testing.T) {
	q := newTimedQueue[int](1, false)
	q.Push(1)
	rejected, rejectedOK, pushed := q.Push(2)
	if pushed || !rejectedOK || rejected != 2 {
		t.Fatalf("reject mode: rejected=%d rejectedOK=%v pushed=%v", rejected, rejectedOK, pushed)
	}
	if v, _, _ := q.PopWait(time.Second); v != 1 {
		t.Fatalf("existing entry displaced: %d", v)
	}
}

func TestTimedQueuePopWaitTimeout(t *testing.T) {
	q := newTimedQueue[int](1, true)
	start := time.Now()
	_, _, ok := q.PopWait(100 * time.Millisecond)
	if ok {
		t.Fatal("pop on empty queue succeeded")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("pop wait overshot its timeout")
	}
}

func TestTimedQueuePopWaitWakesOnPush(t *testing.T) {
	q := newTimedQueue[int](1, true)
	go func() {
		time.Sleep(50 * time.Millisecond)
		q.Push(42)
	}()
	v, _, ok := q.PopWait(2 * time.Second)
	if !ok || v != 42 {
		t.Fatalf("got %d ok=%v", v, ok)
	}
}

func TestTimedQueueExpireBefore(t *testing.T) {
	q := newTimedQueue[int](10, true)
	q.Push(1)
	q.Push(2)
	time.Sleep(20 * time.Millisecond)
	expired := q.ExpireBefore(time.Now())
	if len(expired) != 2 || expired[0] != 1 || expired[1] != 2 {
		t.Fatalf("expired %v", expired)
	}
	if q.Len() != 0 {
		t.Fatalf("len %d after expiry", q.Len())
	}
	q.Push(3)
	if expired := q.ExpireBefore(time.Now().Add(-time.Minute)); len(expired) != 0 {
		t.Fatalf("fresh entry expired: %v", expired)
	}
}

func TestTimedQueueClose(t *testing.T) {
	q := newTimedQueue[int](10, true)
	q.Push(1)
	held := q.Close()
	if len(held) != 1 || held[0] != 1 {
		t.Fatalf("close drained %v", held)
	}
	if _, _, pushed := q.Push(2); pushed {
		t.Fatal("push after close succeeded")
	}
	if _, _, ok := q.PopWait(10 * time.Millisecond); ok {
		t.Fatal("pop after close succeeded")
	}
}

func TestAuthLimiter(t *testing.T) {
	l := newAuthLimiter()
	peer := "203.0.113.7"
	l.Fail(peer)
	l.Fail(peer)
	if l.Blocked(peer) {
		t.Fatal("blocked before reaching the threshold")
	}
	l.Fail(peer)
	if !l.Blocked(peer) {
		t.Fatal("not blocked after three failures in the window")
	}
	if l.Blocked("203.0.113.8") {
		t.Fatal("unrelated peer blocked")
	}
}
