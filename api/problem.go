package api

import (
	"errors"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"prism-tasks/domain"
)

const problemContentType = "application/problem+json"

var (
	errRateLimited         = errors.New("rate limit exceeded")
	errIdempotencyInFlight = errors.New("a request with this idempotency key is still in progress")
)

// Problem is an RFC 7807 problem details document.
type Problem struct {
	Type           string              `json:"type"`
	Title          string              `json:"title"`
	Status         int                 `json:"status"`
	Detail         string              `json:"detail,omitempty"`
	Instance       string              `json:"instance,omitempty"`
	Errors         []domain.FieldError `json:"errors,omitempty"`
	CurrentVersion *int                `json:"currentVersion,omitempty"`
}

// problemFor classifies err. The second result reports whether err is an
// unexpected failure whose cause must not be shown to the client.
func problemFor(err error) (Problem, bool) {
	var (
		verr     *domain.ValidationError
		conflict *domain.ConflictError
		httpErr  *echo.HTTPError
	)
	switch {
	case errors.As(err, &verr):
		return Problem{
			Type:   "/problems/validation-error",
			Title:  "Validation failed",
			Status: http.StatusBadRequest,
			Detail: "One or more fields are invalid.",
			Errors: verr.Fields,
		}, false
	case errors.Is(err, domain.ErrValidation):
		return Problem{Type: "/problems/validation-error", Title: "Validation failed", Status: http.StatusBadRequest, Detail: err.Error()}, false
	case errors.As(err, &conflict):
		current := conflict.Current
		return Problem{
			Type:           "/problems/version-conflict",
			Title:          "Version conflict",
			Status:         http.StatusConflict,
			Detail:         conflict.Error(),
			CurrentVersion: &current,
		}, false
	case errors.Is(err, domain.ErrVersionConflict):
		return Problem{Type: "/problems/version-conflict", Title: "Version conflict", Status: http.StatusConflict, Detail: err.Error()}, false
	case errors.Is(err, domain.ErrNotFound):
		return Problem{Type: "/problems/not-found", Title: "Task not found", Status: http.StatusNotFound, Detail: err.Error()}, false
	case errors.Is(err, domain.ErrUnauthorized):
		return Problem{Type: "/problems/unauthorized", Title: "Unauthorized", Status: http.StatusUnauthorized, Detail: err.Error()}, false
	case errors.Is(err, errRateLimited):
		return Problem{Type: "/problems/rate-limited", Title: "Too many requests", Status: http.StatusTooManyRequests, Detail: err.Error()}, false
	case errors.Is(err, errIdempotencyInFlight):
		return Problem{Type: "/problems/idempotency-conflict", Title: "Duplicate request in progress", Status: http.StatusConflict, Detail: err.Error()}, false
	case errors.As(err, &httpErr):
		p := Problem{Type: "about:blank", Title: http.StatusText(httpErr.Code), Status: httpErr.Code}
		if msg, ok := httpErr.Message.(string); ok && msg != p.Title {
			p.Detail = msg
		}
		return p, httpErr.Code >= http.StatusInternalServerError
	}
	return Problem{
		Type:   "about:blank",
		Title:  http.StatusText(http.StatusInternalServerError),
		Status: http.StatusInternalServerError,
		Detail: "The server failed to process the request.",
	}, true
}

// HTTPErrorHandler renders every error reaching echo as problem details.
func HTTPErrorHandler(logger *log.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		p, internal := problemFor(err)
		p.Instance = c.Request().URL.Path
		if internal && logger != nil {
			logger.WithError(err).WithFields(log.Fields{
				"method": c.Request().Method,
				"path":   p.Instance,
			}).Error("request failed")
		}
		if p.Status == http.StatusUnauthorized {
			c.Response().Header().Set(echo.HeaderWWWAuthenticate, `Bearer realm="prism-tasks"`)
		}
		if p.Status == http.StatusTooManyRequests && c.Response().Header().Get(echo.HeaderRetryAfter) == "" {
			c.Response().Header().Set(echo.HeaderRetryAfter, "1")
		}
		if c.Request().Method == http.MethodHead {
			err = c.NoContent(p.Status)
		} else {
			err = writeProblem(c, p)
		}
		if err != nil && logger != nil {
			logger.WithError(err).Warn("write problem response")
		}
	}
}

func writeProblem(c echo.Context, p Problem) error {
	body, err := sonic.Marshal(p)
	if err != nil {
		return err
	}
	return c.Blob(p.Status, problemContentType, body)
}
