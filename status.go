package uplink

import (
	"fmt"
	"sync"
)

// UploadStatusKind is the lifecycle state an UploadStatus reports.
type UploadStatusKind int

const (
	// StatusStarted signals that an upload attempt has begun.
	StatusStarted UploadStatusKind = iota
	// StatusFinishedSuccessfully signals that the collector has the
	// complete measurement.
	StatusFinishedSuccessfully
	// StatusFinishedUnsuccessfully signals a retryable failure. The caller
	// decides when to attempt the measurement again.
	StatusFinishedUnsuccessfully
	// StatusFinishedWithError signals a permanent failure. No further
	// attempts should be made.
	StatusFinishedWithError
)

func (k UploadStatusKind) String() string {
	switch k {
	case StatusStarted:
		return "started"
	case StatusFinishedSuccessfully:
		return "finishedSuccessfully"
	case StatusFinishedUnsuccessfully:
		return "finishedUnsuccessfully"
	case StatusFinishedWithError:
		return "finishedWithError"
	default:
		return fmt.Sprintf("UploadStatusKind(%d)", int(k))
	}
}

// UploadStatus is a transient notification pairing an upload with its
// current lifecycle state. It is published on the status bus and never
// persisted.
type UploadStatus struct {
	Upload Upload
	Kind   UploadStatusKind
	// Cause is set only for StatusFinishedWithError.
	Cause error
}

// StatusBus broadcasts UploadStatus values to any number of subscribers.
type StatusBus struct {
	mu          sync.Mutex
	subscribers map[int]chan UploadStatus
	lossless    map[int]*statusQueue
	nextID      int
}

func NewStatusBus() *StatusBus {
	return &StatusBus{
		subscribers: make(map[int]chan UploadStatus),
		lossless:    make(map[int]*statusQueue),
	}
}

// Subscribe returns a channel of status events and a function that cancels
// the subscription and closes the channel. Subscribers that fall behind by
// more than the buffer miss events rather than stalling the protocol.
func (b *StatusBus) Subscribe(buffer int) (<-chan UploadStatus, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan UploadStatus, buffer)
	b.subscribers[id] = ch

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(sub)
		}
	}
	return ch, unsubscribe
}

// subscribeLossless registers a subscriber that never misses an event: the
// queue grows as needed while the consumer is behind. Reserved for the
// process-internal cleanup subscriber, which must see every terminal status
// to remove the session and fire callbacks; external observers get the
// drop-on-slow Subscribe. After cancelling, the channel delivers all queued
// events and then closes.
func (b *StatusBus) subscribeLossless() (<-chan UploadStatus, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	queue := newStatusQueue()
	b.lossless[id] = queue
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.lossless[id]; ok {
			delete(b.lossless, id)
			sub.close()
		}
	}
	return queue.out, unsubscribe
}

// Publish delivers the status to all current subscribers without blocking.
func (b *StatusBus) Publish(status UploadStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subscribers {
		select {
		case sub <- status:
		default:
		}
	}
	for _, sub := range b.lossless {
		sub.push(status)
	}
}

// statusQueue is an unbounded event queue with a channel face. push never
// blocks; the pump goroutine forwards events to out in publish order.
type statusQueue struct {
	mu      sync.Mutex
	pending []UploadStatus
	closed  bool
	wake    chan struct{}
	out     chan UploadStatus
}

func newStatusQueue() *statusQueue {
	q := &statusQueue{
		wake: make(chan struct{}, 1),
		out:  make(chan UploadStatus),
	}
	go q.pump()
	return q
}

func (q *statusQueue) push(status UploadStatus) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, status)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *statusQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *statusQueue) pump() {
	for {
		q.mu.Lock()
		pending := q.pending
		q.pending = nil
		closed := q.closed
		q.mu.Unlock()

		for _, status := range pending {
			q.out <- status
		}
		if closed {
			close(q.out)
			return
		}
		<-q.wake
	}
}
