package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"prism-tasks/domain"
)

// recordSpans installs an in-memory tracer for the duration of the test.
func recordSpans(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	spans := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(spans))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prev)
	})
	return spans
}

func spanAttrs(kvs []attribute.KeyValue) map[string]any {
	m := make(map[string]any, len(kvs))
	for _, kv := range kvs {
		m[string(kv.Key)] = kv.Value.AsInterface()
	}
	return m
}

func onlySpan(t *testing.T, exp *tracetest.InMemoryExporter) tracetest.SpanStub {
	t.Helper()
	got := exp.GetSpans()
	if len(got) != 1 {
		t.Fatalf("want one span, got %d", len(got))
	}
	return got[0]
}

func TestRequestLogEntryAndSpan(t *testing.T) {
	exp := recordSpans(t)
	logger, hook := test.NewNullLogger()
	logger.SetFormatter(&log.JSONFormatter{})

	m, _ := newRequestMetrics(context.Background(), logger, http.MethodGet, "/tasks")
	m.start = m.start.Add(-40 * time.Millisecond)
	m.ObserveService(10 * time.Millisecond)
	m.SetItemsReturned(2)
	m.Log(http.StatusOK, nil)

	entry := hook.LastEntry()
	if entry == nil || entry.Message != observabilityEvent || entry.Level != log.InfoLevel {
		t.Fatalf("unexpected log entry: %#v", entry)
	}
	if entry.Data["event.name"] != requestEventName || entry.Data["event.domain"] != requestEventDomain {
		t.Fatalf("wrong event identity: %v", entry.Data)
	}
	if id, _ := entry.Data["trace_id"].(string); id == "" {
		t.Fatalf("log entry is not correlated with a trace")
	}
	attrs, ok := entry.Data["attributes"].(map[string]any)
	if !ok {
		t.Fatalf("attributes have type %T", entry.Data["attributes"])
	}
	if attrs["http.route"] != "/tasks" || attrs["prism.tasks.items_returned"] != 2 {
		t.Fatalf("wrong attributes: %v", attrs)
	}
	if ms, _ := attrs["prism.tasks.total_ms"].(float64); ms < 40 {
		t.Fatalf("total_ms = %v, want >= 40", attrs["prism.tasks.total_ms"])
	}

	span := onlySpan(t, exp)
	if span.Name != requestSpanName || span.Status.Code != codes.Ok {
		t.Fatalf("span %q has status %v", span.Name, span.Status.Code)
	}
	if code, _ := spanAttrs(span.Attributes)["http.status_code"].(int64); code != http.StatusOK {
		t.Fatalf("span status code attribute = %v", code)
	}
	if len(span.Events) == 0 || span.Events[0].Name != observabilityEvent {
		t.Fatalf("span is missing the observability event: %v", span.Events)
	}
}

func TestRequestLogFailure(t *testing.T) {
	exp := recordSpans(t)
	logger, hook := test.NewNullLogger()
	cause := errors.New("redis unavailable")

	m, _ := newRequestMetrics(context.Background(), logger, http.MethodPatch, "/tasks/:id")
	m.SetErrorStage("service")
	m.Log(http.StatusInternalServerError, cause)

	if entry := hook.LastEntry(); entry == nil || entry.Level != log.ErrorLevel {
		t.Fatalf("want error entry, got %#v", entry)
	}
	span := onlySpan(t, exp)
	if span.Status.Code != codes.Error || span.Status.Description != cause.Error() {
		t.Fatalf("span status = %+v", span.Status)
	}
	attrs := spanAttrs(span.Events[0].Attributes)
	if attrs["prism.tasks.error_stage"] != "service" || attrs["error.message"] != cause.Error() || attrs["severity_text"] != "ERROR" {
		t.Fatalf("event attributes = %v", attrs)
	}
}

func TestObserveRequestsLogsRenderedStatus(t *testing.T) {
	logger, hook := test.NewNullLogger()
	e := echo.New()
	e.HTTPErrorHandler = HTTPErrorHandler(logger)
	e.DELETE("/tasks/:id", func(c echo.Context) error {
		requestMetricsFrom(c).SetErrorStage("service")
		return domain.ErrNotFound
	}, ObserveRequests(logger))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/tasks/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	entry := hook.LastEntry()
	if entry == nil || entry.Level != log.WarnLevel {
		t.Fatalf("want warn entry, got %#v", entry)
	}
	attrs := entry.Data["attributes"].(map[string]any)
	if attrs["http.status_code"] != http.StatusNotFound || attrs["http.route"] != "/tasks/:id" {
		t.Fatalf("attributes = %v", attrs)
	}
}

func TestSeverityForStatus(t *testing.T) {
	cases := []struct {
		status int
		err    error
		text   string
		number int
	}{
		{http.StatusCreated, nil, "INFO", 9},
		{http.StatusNoContent, nil, "INFO", 9},
		{http.StatusBadRequest, nil, "WARN", 13},
		{http.StatusTooManyRequests, nil, "WARN", 13},
		{http.StatusServiceUnavailable, nil, "ERROR", 17},
		{0, errors.New("handler failed"), "ERROR", 17},
	}
	for _, tc := range cases {
		text, number := severityForStatus(tc.status, tc.err)
		if text != tc.text || number != tc.number {
			t.Fatalf("severityForStatus(%d, %v) = %s/%d", tc.status, tc.err, text, number)
		}
	}
}

func TestNilRequestMetricsIsSafe(t *testing.T) {
	var m *requestMetrics
	m.ObserveAuth(time.Second)
	m.ObserveService(time.Second)
	m.SetItemsReturned(1)
	m.SetErrorStage("x")
	m.Log(http.StatusOK, nil)
}
