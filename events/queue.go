// Package events implements the core's event queue and dispatcher: the
// single-producer-many-enqueuer, single-consumer pipeline that serialises
// lifecycle, netif, peer, route, address and store events onto one delivery
// thread (spec.md §4.1).
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"ztcore.dev/ztcore/types/logger"
)

// Handler is the user callback invoked for each delivered event. It is
// called synchronously from the dispatcher goroutine; it must not block for
// long, as a slow handler only delays delivery of events already enqueued,
// it never grows the queue's memory (queue-full drops happen at the
// producer, never here).
type Handler func(code Code, payload any)

// maxDepth bounds the queue: once exceeded, enqueue silently drops the new
// event rather than growing unbounded memory for a slow consumer.
const maxDepth = 1024

type entry struct {
	code    Code
	payload any
}

// Queue is the bounded MPSC event channel plus its single dispatcher
// goroutine. The zero value is not usable; construct with NewQueue.
type Queue struct {
	logf logger.Logf
	id   uuid.UUID // generation id, useful for correlating logs across restarts

	ch chan entry

	// limiter rate-limits how aggressively we log queue-full drops; it does
	// not gate delivery itself (delivery is governed by the channel depth).
	dropLogLimiter *rate.Limiter

	mu       sync.Mutex // guards handler and enabled
	handler  Handler
	enabled  bool
	dropped  uint64 // count of events dropped for queue-full, diagnostic only
	done     chan struct{}
	runOnce  sync.Once
	stopOnce sync.Once
}

// NewQueue constructs a Queue. The dispatcher goroutine is not started until
// Run is called.
func NewQueue(logf logger.Logf) *Queue {
	if logf == nil {
		logf = logger.Discard
	}
	return &Queue{
		logf:           logger.WithPrefix(logf, "events: "),
		id:             uuid.New(),
		ch:             make(chan entry, maxDepth),
		dropLogLimiter: rate.NewLimiter(rate.Every(time.Second), 1),
		done:           make(chan struct{}),
	}
}

// SetHandler installs (or replaces) the user callback. It may be called at
// any time; a nil handler discards delivered events instead of panicking.
func (q *Queue) SetHandler(h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handler = h
}

// Enable allows enqueue to accept new events. Queues start disabled so that
// no events are produced before the embedder has registered a handler.
func (q *Queue) Enable() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enabled = true
}

// Disable gates production at the producer side: after Disable, Enqueue is a
// no-op. Already-queued events are still delivered by the dispatcher.
func (q *Queue) Disable() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enabled = false
}

// Enqueue posts an event for later delivery. It never blocks: if the queue
// is full, the incoming event (and its payload) is dropped and the events
// already queued are kept, so a stuck consumer cannot grow memory without
// bound. Enqueue is safe to call from any goroutine, including the node
// and stack driver threads, which must never block on a slow user callback.
func (q *Queue) Enqueue(code Code, payload any) {
	q.mu.Lock()
	enabled := q.enabled
	q.mu.Unlock()
	if !enabled {
		return
	}
	select {
	case q.ch <- entry{code: code, payload: payload}:
	default:
		q.mu.Lock()
		q.dropped++
		q.mu.Unlock()
		if q.dropLogLimiter.Allow() {
			q.logf("queue full, dropping %s", code)
		}
	}
}

// Dropped returns the number of events dropped so far due to queue overflow.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Depth returns the number of events currently queued but not yet
// delivered, for a metrics gauge.
func (q *Queue) Depth() int {
	return len(q.ch)
}

// Run starts the dispatcher goroutine. It returns immediately; the
// dispatcher runs until an event.Code of StackDown is delivered (the last
// event ever delivered, per spec.md §4.1) or the queue is closed with Stop.
func (q *Queue) Run() {
	q.runOnce.Do(func() {
		go q.dispatch()
	})
}

func (q *Queue) dispatch() {
	for {
		select {
		case e, ok := <-q.ch:
			if !ok {
				return
			}
			q.deliver(e)
			if e.code == StackDown {
				q.mu.Lock()
				q.enabled = false
				q.mu.Unlock()
				return
			}
		case <-q.done:
			return
		}
	}
}

// deliver invokes the handler for a single event, holding the lock only
// long enough to read the handler pointer -- never across the callback body
// -- and recovering from a panicking handler so one bad callback can't take
// down the dispatcher thread.
func (q *Queue) deliver(e entry) {
	q.mu.Lock()
	h := q.handler
	q.mu.Unlock()
	if h == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			q.logf("event handler panicked on %s: %v", e.code, r)
		}
	}()
	h(e.code, e.payload)
}

// Stop halts the dispatcher goroutine without delivering a final StackDown.
// Callers that want the StackDown-is-last guarantee should Enqueue(StackDown,
// ...) themselves and let dispatch exit naturally; Stop exists for abrupt
// shutdown paths (e.g. the handler never got installed).
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		close(q.done)
	})
}
