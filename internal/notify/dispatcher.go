// Package notify delivers anomaly events to emergency contacts through a
// bounded worker pool, keeping delivery latency and failures off the
// ingestion path.
package notify

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"hiketrack/internal/anomaly"
	"hiketrack/internal/observability"
)

// Notice is one event addressed to a recipient list.
type Notice struct {
	Event      anomaly.Event `json:"event"`
	Recipients []string      `json:"recipients"`
}

type Sink interface {
	Name() string
	Deliver(ctx context.Context, n Notice) error
}

type Dispatcher struct {
	sinks   []Sink
	timeout time.Duration
	queue   chan Notice

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

var ErrClosed = errors.New("notify: dispatcher closed")

// NewDispatcher starts workers goroutines draining a queue of the given size.
// Each notice gets timeout to reach every sink.
func NewDispatcher(workers, queue int, timeout time.Duration, sinks ...Sink) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if queue < 1 {
		queue = 1
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	d := &Dispatcher{
		sinks:   sinks,
		timeout: timeout,
		queue:   make(chan Notice, queue),
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
	return d
}

// Enqueue hands n to the pool without blocking. It reports false, and counts
// a drop, when the queue is full or the dispatcher is closed.
func (d *Dispatcher) Enqueue(n Notice) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		observability.RecordNotifyDropped()
		return false
	}
	select {
	case d.queue <- n:
		return true
	default:
		observability.RecordNotifyDropped()
		log.Printf("notify: queue full, dropped %s event for %s", n.Event.Detector, n.Event.SessionID)
		return false
	}
}

// Handler adapts the dispatcher to anomaly.Monitor.Attach for a fixed
// recipient list.
func (d *Dispatcher) Handler(recipients []string) func(anomaly.Event) {
	return func(ev anomaly.Event) {
		d.Enqueue(Notice{Event: ev, Recipients: recipients})
	}
}

// Close stops accepting notices and waits for queued ones to be delivered.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for n := range d.queue {
		d.deliver(n)
	}
}

func (d *Dispatcher) deliver(n Notice) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	for _, sink := range d.sinks {
		if err := sink.Deliver(ctx, n); err != nil {
			observability.RecordNotifyFailed(sink.Name())
			log.Printf("notify: %s delivery of %s for %s failed: %v", sink.Name(), n.Event.Detector, n.Event.SessionID, err)
			continue
		}
		observability.RecordNotifyDelivered(sink.Name())
	}
	observability.ObserveNotifyLatency(time.Since(start).Seconds())
}
