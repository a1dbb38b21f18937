package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"prism-tasks/domain"
)

func waitForSubscribers(t *testing.T, b *Broker, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for b.subscribers() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d subscribers, have %d", n, b.subscribers())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitForDrain(t *testing.T, b *Broker) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for {
		b.mu.Lock()
		pending := 0
		for ch := range b.subs {
			pending += len(ch)
		}
		b.mu.Unlock()
		if pending == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("subscribers did not drain")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStreamTasksWritesEvents(t *testing.T) {
	broker := NewBroker()
	e := echo.New()
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/tasks/stream", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	done := make(chan error, 1)
	go func() { done <- streamTasks(broker)(c) }()
	waitForSubscribers(t, broker, 1)

	task := domain.Task{ID: "t1", Title: "streamed", Status: domain.StatusTodo, Priority: 3, Tags: []string{}}
	if err := broker.Publish(context.Background(), domain.Event{ID: "ev-1", EntityID: "t1", Type: domain.TaskCreated, Task: &task}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	broker.Deliver(domain.Event{ID: "ev-2", EntityID: "t1", Type: domain.TaskDeleted})

	waitForDrain(t, broker)
	// Give the handler a moment to write the last frame it received.
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("stream returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("stream did not stop after cancel")
	}
	waitForSubscribers(t, broker, 0)

	body := rec.Body.String()
	if ct := rec.Header().Get(echo.HeaderContentType); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	for _, want := range []string{
		": connected\n\n",
		"id: ev-1\nevent: task-created\ndata: {",
		`"title":"streamed"`,
		"id: ev-2\nevent: task-deleted\n",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("stream body missing %q:\n%s", want, body)
		}
	}
	if strings.Index(body, "ev-1") > strings.Index(body, "ev-2") {
		t.Fatalf("events out of order:\n%s", body)
	}
}

func TestBrokerDropsForSlowSubscriber(t *testing.T) {
	broker := NewBroker()
	ch := broker.subscribe()
	defer broker.unsubscribe(ch)

	for i := 0; i < subscriberBuffer+5; i++ {
		broker.Deliver(domain.Event{ID: "ev"})
	}
	if len(ch) != subscriberBuffer {
		t.Fatalf("expected buffer to be full at %d, got %d", subscriberBuffer, len(ch))
	}
}
