package events

import (
	"sync"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
)

func TestQueueDeliversInOrder(t *testing.T) {
	c := qt.New(t)
	q := NewQueue(nil)
	var mu sync.Mutex
	var got []Code
	done := make(chan struct{})
	q.SetHandler(func(code Code, _ any) {
		mu.Lock()
		got = append(got, code)
		mu.Unlock()
		if code == StackDown {
			close(done)
		}
	})
	q.Enable()
	q.Run()

	want := []Code{NodeUp, NodeOnline, NetReqConfig, NetOK, NetReadyV4, StackDown}
	for _, c := range want {
		q.Enqueue(c, nil)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for StackDown delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	c.Assert(got, qt.DeepEquals, want)
}

func TestQueueDropsWhenFullAndDisabledIsNoop(t *testing.T) {
	c := qt.New(t)
	q := NewQueue(nil)
	// Not enabled yet: Enqueue must be a no-op.
	q.Enqueue(NodeUp, nil)
	c.Assert(q.Dropped(), qt.Equals, uint64(0))

	q.Enable()
	for i := 0; i < maxDepth+10; i++ {
		q.Enqueue(NodeOnline, i)
	}
	c.Assert(q.Dropped() > 0, qt.IsTrue)

	q.Disable()
	before := q.Dropped()
	q.Enqueue(NodeOffline, nil)
	c.Assert(q.Dropped(), qt.Equals, before)
}

func TestStackDownIsFinalEvent(t *testing.T) {
	c := qt.New(t)
	q := NewQueue(nil)
	var mu sync.Mutex
	delivered := 0
	done := make(chan struct{})
	q.SetHandler(func(code Code, _ any) {
		mu.Lock()
		delivered++
		mu.Unlock()
		if code == StackDown {
			close(done)
		}
	})
	q.Enable()
	q.Run()
	q.Enqueue(NodeUp, nil)
	q.Enqueue(StackDown, nil)
	q.Enqueue(NodeUp, nil) // disabled by dispatch() once StackDown is seen

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for StackDown")
	}
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	c.Assert(delivered, qt.Equals, 2)
}
