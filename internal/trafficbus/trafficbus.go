// Package trafficbus fans out immutable request/response records to one or
// more observers. Delivery is best-effort and unordered across subscribers
// but per-subscriber FIFO; a slow subscriber never blocks the publisher.
package trafficbus

import (
	"sync"
	"time"

	"github.com/sinanerdinc/mockpod/internal/ruleengine"
)

// Entry is an immutable record of one completed (or aborted) request-response
// exchange. Once Complete is true, no field is mutated. A producer may still
// update an Entry it has not yet published; once published it must never be
// mutated again.
type Entry struct {
	ID        string
	Timestamp time.Time

	Method  string
	URL     string // absolute: scheme + host + path + query
	Host    string
	Path    string
	Scheme  string
	Headers []ruleengine.Header
	Body    []byte

	StatusCode      int
	ResponseHeaders []ruleengine.Header
	ResponseBody    []byte

	Duration time.Duration
	Complete bool
}

// Subscriber receives completed traffic entries. Implementations must not
// assume anything about the calling goroutine other than that deliveries to
// a single Subscriber are serialized.
type Subscriber interface {
	OnTrafficEntry(Entry)
}

// SubscriberFunc adapts a plain function to a Subscriber, for callback-style
// embedders (the onTrafficCaptured/onRecordingEntry hooks of §6).
type SubscriberFunc func(Entry)

func (f SubscriberFunc) OnTrafficEntry(e Entry) { f(e) }

const defaultQueueCapacity = 256

// Bus fans out published entries to subscribers registered at construction.
// Each subscriber owns a bounded queue drained by a dedicated goroutine;
// publication never blocks on a slow subscriber — if its queue is full, the
// oldest queued entry is dropped to make room for the new one.
type Bus struct {
	queues []*subscriberQueue
}

// New returns a Bus fanning out to subs. Subscribers cannot be added after
// construction.
func New(subs ...Subscriber) *Bus {
	b := &Bus{queues: make([]*subscriberQueue, 0, len(subs))}
	for _, s := range subs {
		q := newSubscriberQueue(s, defaultQueueCapacity)
		b.queues = append(b.queues, q)
	}
	return b
}

// Publish delivers entry to every subscriber. Non-blocking.
func (b *Bus) Publish(entry Entry) {
	for _, q := range b.queues {
		q.publish(entry)
	}
}

// Close closes every subscriber queue. Each drain goroutine still delivers
// the entries already queued, then exits.
func (b *Bus) Close() {
	for _, q := range b.queues {
		close(q.items)
	}
}

// SubscriberCount reports how many subscribers the Bus fans out to, for the
// management API's status endpoint.
func (b *Bus) SubscriberCount() int {
	return len(b.queues)
}

type subscriberQueue struct {
	sub   Subscriber
	items chan Entry
	mu    sync.Mutex // guards drop-oldest races against the drain goroutine
}

func newSubscriberQueue(sub Subscriber, capacity int) *subscriberQueue {
	q := &subscriberQueue{sub: sub, items: make(chan Entry, capacity)}
	go q.drain()
	return q
}

func (q *subscriberQueue) drain() {
	for e := range q.items {
		q.sub.OnTrafficEntry(e)
	}
}

func (q *subscriberQueue) publish(e Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	select {
	case q.items <- e:
		return
	default:
	}
	// Queue full: drop the oldest entry to make room, then enqueue the new one.
	select {
	case <-q.items:
	default:
	}
	select {
	case q.items <- e:
	default:
		// Not reached while q.mu serializes publishers: only the drain
		// goroutine removes items, so a slot is free after the drop above.
	}
}
