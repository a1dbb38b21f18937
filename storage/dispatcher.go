package storage

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"prism-tasks/domain"
	"prism-tasks/metrics"
)

// DispatcherConfig sizes the background publishing pool.
type DispatcherConfig struct {
	Workers int
	Buffer  int
	// Handoff is how long Publish waits for buffer space before publishing inline.
	Handoff time.Duration
	// Timeout bounds each publish attempt.
	Timeout time.Duration
}

// Dispatcher publishes events from a bounded worker pool so request handlers
// do not wait on the event sinks. When the buffer stays full for longer than
// the handoff timeout the event is published inline instead of dropped.
// Workers run concurrently, so consumers order events by Timestamp.
type Dispatcher struct {
	next    domain.Publisher
	jobs    chan domain.Event
	handoff time.Duration
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(next domain.Publisher, cfg DispatcherConfig) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Buffer < 0 {
		cfg.Buffer = 0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	d := &Dispatcher{
		next:    next,
		jobs:    make(chan domain.Event, cfg.Buffer),
		handoff: cfg.Handoff,
		timeout: cfg.Timeout,
	}
	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	log.Infof("event dispatcher started, workers: %d, buffer: %d, handoff: %v", cfg.Workers, cfg.Buffer, cfg.Handoff)
	return d
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	for ev := range d.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := d.next.Publish(ctx, ev)
		cancel()
		if err != nil {
			log.WithError(err).WithFields(log.Fields{"event": ev.ID, "type": ev.Type, "task": ev.EntityID, "worker": id}).Error("publish task event failed")
		}
	}
}

// Publish hands ev to a worker, falling back to publishing on the caller's goroutine.
func (d *Dispatcher) Publish(ctx context.Context, ev domain.Event) error {
	if d.tryHandoff(ev) {
		metrics.RecordDispatch("queued")
		return nil
	}
	metrics.RecordDispatch("inline")
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()
	return d.next.Publish(ctx, ev)
}

func (d *Dispatcher) tryHandoff(ev domain.Event) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.jobs <- ev:
		return true
	default:
	}
	if d.handoff <= 0 {
		return false
	}
	timer := time.NewTimer(d.handoff)
	defer timer.Stop()
	select {
	case d.jobs <- ev:
		return true
	case <-timer.C:
		return false
	}
}

// Close stops accepting events and waits for queued ones to be published.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.jobs)
	d.mu.Unlock()
	d.wg.Wait()
}
