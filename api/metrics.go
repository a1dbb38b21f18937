package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName         = "prism-tasks/api"
	requestSpanName    = "prism-tasks.request"
	requestEventName   = "tasks.request"
	requestEventDomain = "prism.tasks"
	observabilityEvent = "observability.event"

	requestMetricsKey = "prism.request_metrics"
)

// requestMetrics collects timings for one request and reports them as a
// structured log entry and a span.
type requestMetrics struct {
	logger *log.Logger
	span   trace.Span
	method string
	route  string
	start  time.Time

	authDuration    time.Duration
	serviceDuration time.Duration
	itemsReturned   int
	errorStage      string
}

func newRequestMetrics(ctx context.Context, logger *log.Logger, method, route string) (*requestMetrics, context.Context) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, requestSpanName,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.route", route),
		),
	)
	return &requestMetrics{
		logger:        logger,
		span:          span,
		method:        method,
		route:         route,
		start:         time.Now(),
		itemsReturned: -1,
	}, ctx
}

// requestMetricsFrom returns the collector installed by ObserveRequests, or nil.
// Every method is safe to call on nil.
func requestMetricsFrom(c echo.Context) *requestMetrics {
	m, _ := c.Get(requestMetricsKey).(*requestMetrics)
	return m
}

func (m *requestMetrics) ObserveAuth(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.authDuration = d
}

func (m *requestMetrics) ObserveService(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.serviceDuration = d
}

func (m *requestMetrics) SetItemsReturned(n int) {
	if m == nil {
		return
	}
	if n < 0 {
		n = 0
	}
	m.itemsReturned = n
}

func (m *requestMetrics) SetErrorStage(stage string) {
	if m == nil || stage == "" {
		return
	}
	m.errorStage = stage
}

func (m *requestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}

	attrs := map[string]any{
		"http.method":          m.method,
		"http.route":           m.route,
		"http.status_code":     status,
		"prism.tasks.total_ms": durationToMillis(time.Since(m.start)),
	}
	if m.authDuration > 0 {
		attrs["prism.tasks.auth_ms"] = durationToMillis(m.authDuration)
	}
	if m.serviceDuration > 0 {
		attrs["prism.tasks.service_ms"] = durationToMillis(m.serviceDuration)
	}
	if m.itemsReturned >= 0 {
		attrs["prism.tasks.items_returned"] = m.itemsReturned
	}
	if m.errorStage != "" {
		attrs["prism.tasks.error_stage"] = m.errorStage
	}
	if err != nil {
		attrs["error.message"] = err.Error()
	}

	severityText, severityNumber := severityForStatus(status, err)
	spanAttrs := toAttributes(attrs)
	eventAttrs := append([]attribute.KeyValue{
		attribute.String("event.name", requestEventName),
		attribute.String("event.domain", requestEventDomain),
		attribute.String("severity_text", severityText),
		attribute.Int("severity_number", severityNumber),
	}, spanAttrs...)

	var traceID, spanID string
	if m.span != nil {
		sc := m.span.SpanContext()
		if sc.HasTraceID() {
			traceID = sc.TraceID().String()
		}
		if sc.HasSpanID() {
			spanID = sc.SpanID().String()
		}
		m.span.SetAttributes(spanAttrs...)
		m.span.AddEvent(observabilityEvent, trace.WithAttributes(eventAttrs...))
		if status >= http.StatusInternalServerError || (status == 0 && err != nil) {
			desc := http.StatusText(status)
			if err != nil {
				desc = err.Error()
			}
			m.span.SetStatus(codes.Error, desc)
		} else {
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.End()
	}

	if m.logger == nil {
		return
	}
	fields := log.Fields{
		"event.name":      requestEventName,
		"event.domain":    requestEventDomain,
		"severity_text":   severityText,
		"severity_number": severityNumber,
		"attributes":      attrs,
	}
	if traceID != "" {
		fields["trace_id"] = traceID
	}
	if spanID != "" {
		fields["span_id"] = spanID
	}
	entry := m.logger.WithFields(fields)
	switch severityText {
	case "ERROR":
		entry.Error(observabilityEvent)
	case "WARN":
		entry.Warn(observabilityEvent)
	default:
		entry.Info(observabilityEvent)
	}
}

// ObserveRequests wraps a route with a span and an observability.event log
// entry carrying the final status. Errors are rendered here so the status is
// known when the entry is written.
func ObserveRequests(logger *log.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			m, ctx := newRequestMetrics(req.Context(), logger, req.Method, c.Path())
			c.SetRequest(req.WithContext(ctx))
			c.Set(requestMetricsKey, m)

			err := next(c)
			if err != nil {
				c.Error(err)
			}
			m.Log(c.Response().Status, err)
			return nil
		}
	}
}

// severityForStatus maps a response to OpenTelemetry log severity text and number.
func severityForStatus(status int, err error) (string, int) {
	switch {
	case status >= http.StatusInternalServerError:
		return "ERROR", 17
	case status >= http.StatusBadRequest:
		return "WARN", 13
	case status == 0 && err != nil:
		return "ERROR", 17
	}
	return "INFO", 9
}

func toAttributes(values map[string]any) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(values))
	for k, v := range values {
		switch val := v.(type) {
		case string:
			out = append(out, attribute.String(k, val))
		case int:
			out = append(out, attribute.Int(k, val))
		case int64:
			out = append(out, attribute.Int64(k, val))
		case float64:
			out = append(out, attribute.Float64(k, val))
		case bool:
			out = append(out, attribute.Bool(k, val))
		}
	}
	return out
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
