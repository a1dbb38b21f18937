package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"prism-tasks/domain"
)

const (
	subscriberBuffer  = 16
	heartbeatInterval = 25 * time.Second
)

// Broker fans task events out to connected stream clients. A client that
// falls behind by more than its buffer misses events rather than blocking
// publishers.
type Broker struct {
	mu   sync.Mutex
	subs map[chan domain.Event]struct{}
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[chan domain.Event]struct{})}
}

// Publish implements domain.Publisher.
func (b *Broker) Publish(_ context.Context, ev domain.Event) error {
	b.Deliver(ev)
	return nil
}

// Deliver hands ev to every subscriber without blocking.
func (b *Broker) Deliver(ev domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			log.WithFields(log.Fields{"event": ev.ID, "task": ev.EntityID}).Warn("stream subscriber lagging; event dropped")
		}
	}
}

func (b *Broker) subscribe() chan domain.Event {
	ch := make(chan domain.Event, subscriberBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broker) unsubscribe(ch chan domain.Event) {
	b.mu.Lock()
	delete(b.subs, ch)
	b.mu.Unlock()
}

func (b *Broker) subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func streamTasks(broker *Broker) echo.HandlerFunc {
	return func(c echo.Context) error {
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return echo.NewHTTPError(http.StatusInternalServerError, "stream unsupported")
		}
		h := c.Response().Header()
		h.Set(echo.HeaderContentType, "text/event-stream")
		h.Set(echo.HeaderCacheControl, "no-cache")
		h.Set(echo.HeaderConnection, "keep-alive")
		h.Set("X-Accel-Buffering", "no")

		ctx := c.Request().Context()
		ch := broker.subscribe()
		defer broker.unsubscribe(ch)

		c.Response().WriteHeader(http.StatusOK)
		if _, err := c.Response().Write([]byte(": connected\n\n")); err != nil {
			return nil
		}
		flusher.Flush()

		heartbeat := time.NewTicker(heartbeatInterval)
		defer heartbeat.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-heartbeat.C:
				if _, err := c.Response().Write([]byte(": ping\n\n")); err != nil {
					return nil
				}
			case ev := <-ch:
				if err := writeEvent(c.Response(), ev); err != nil {
					log.WithError(err).Debug("stream client gone")
					return nil
				}
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, ev domain.Event) error {
	data, err := sonic.Marshal(ev)
	if err != nil {
		return err
	}
	frame := make([]byte, 0, len(data)+len(ev.ID)+len(ev.Type)+24)
	frame = append(frame, "id: "...)
	frame = append(frame, ev.ID...)
	frame = append(frame, "\nevent: "...)
	frame = append(frame, ev.Type...)
	frame = append(frame, "\ndata: "...)
	frame = append(frame, data...)
	frame = append(frame, "\n\n"...)
	_, err = w.Write(frame)
	return err
}
