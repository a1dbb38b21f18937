package api

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"prism-tasks/domain"
	"prism-tasks/metrics"
)

// Options carries the optional collaborators of the task routes.
type Options struct {
	Logger      *log.Logger
	Idempotency IdempotencyStore
	RateLimit   *RateLimiter
	Stream      *Broker
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, tasks Tasks, auth Authenticator, opts Options) {
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	obs := ObserveRequests(opts.Logger)
	write := []echo.MiddlewareFunc{obs, requireUser(auth), opts.RateLimit.Middleware()}

	e.GET("/healthz", healthz())
	e.GET("/metrics", echoprometheus.NewHandlerWithConfig(echoprometheus.HandlerConfig{Gatherer: metrics.Registry}))

	e.GET("/tasks", listTasks(tasks), obs)
	if opts.Stream != nil {
		e.GET("/tasks/stream", streamTasks(opts.Stream))
	}
	e.GET("/tasks/:id", getTask(tasks), obs)
	e.POST("/tasks", createTask(tasks, opts.Idempotency, opts.Logger), write...)
	e.PATCH("/tasks/:id", updateTask(tasks), write...)
	e.DELETE("/tasks/:id", deleteTask(tasks), write...)
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	}
}

func listTasks(tasks Tasks) echo.HandlerFunc {
	return func(c echo.Context) error {
		obs := requestMetricsFrom(c)
		q, err := parseListQuery(c.QueryParams())
		if err != nil {
			obs.SetErrorStage("query")
			return err
		}

		start := time.Now()
		page, err := tasks.List(c.Request().Context(), q)
		obs.ObserveService(time.Since(start))
		if err != nil {
			obs.SetErrorStage("service")
			return err
		}
		obs.SetItemsReturned(len(page.Items))
		return c.JSON(http.StatusOK, toPageResponse(page))
	}
}

func getTask(tasks Tasks) echo.HandlerFunc {
	return func(c echo.Context) error {
		obs := requestMetricsFrom(c)
		start := time.Now()
		task, err := tasks.Get(c.Request().Context(), c.Param("id"))
		obs.ObserveService(time.Since(start))
		if err != nil {
			obs.SetErrorStage("service")
			return err
		}
		obs.SetItemsReturned(1)
		return c.JSON(http.StatusOK, toTaskResponse(task))
	}
}

func createTask(tasks Tasks, idem IdempotencyStore, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		obs := requestMetricsFrom(c)
		ctx := c.Request().Context()
		defer func() { metrics.RecordMutation("create", mutationResult(err)) }()

		var draft domain.CreateDraft
		if err = decodeBody(c, &draft); err != nil {
			obs.SetErrorStage("decode")
			return err
		}

		key := strings.TrimSpace(c.Request().Header.Get(idempotencyHeader))
		if key != "" && idem != nil {
			if len(key) > maxIdempotencyKeyLength {
				obs.SetErrorStage("idempotency")
				return domain.NewValidationError(idempotencyHeader, "must be at most 255 characters")
			}
			userID := domain.ActorFrom(ctx)
			existing, fresh, rerr := idem.Reserve(ctx, userID, key)
			if rerr != nil {
				obs.SetErrorStage("idempotency")
				return rerr
			}
			if !fresh {
				if existing == "" {
					obs.SetErrorStage("idempotency")
					return errIdempotencyInFlight
				}
				task, gerr := tasks.Get(ctx, existing)
				if gerr != nil {
					obs.SetErrorStage("service")
					return gerr
				}
				c.Response().Header().Set("Idempotent-Replayed", "true")
				return c.JSON(http.StatusOK, toTaskResponse(task))
			}
			defer func() {
				if err != nil {
					if rerr := idem.Release(ctx, userID, key); rerr != nil {
						logger.WithError(rerr).WithField("key", key).Warn("release idempotency key")
					}
				}
			}()
		}

		start := time.Now()
		task, err := tasks.Create(ctx, draft)
		obs.ObserveService(time.Since(start))
		if err != nil {
			obs.SetErrorStage("service")
			return err
		}
		if key != "" && idem != nil {
			if cerr := idem.Commit(ctx, domain.ActorFrom(ctx), key, task.ID); cerr != nil {
				logger.WithError(cerr).WithField("key", key).Warn("commit idempotency key")
			}
		}
		c.Response().Header().Set(echo.HeaderLocation, "/tasks/"+task.ID)
		return c.JSON(http.StatusCreated, toTaskResponse(task))
	}
}

func updateTask(tasks Tasks) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		obs := requestMetricsFrom(c)
		defer func() { metrics.RecordMutation("update", mutationResult(err)) }()

		draft, err := decodeUpdateDraft(c)
		if err != nil {
			obs.SetErrorStage("decode")
			return err
		}
		start := time.Now()
		task, err := tasks.Update(c.Request().Context(), c.Param("id"), draft)
		obs.ObserveService(time.Since(start))
		if err != nil {
			obs.SetErrorStage("service")
			return err
		}
		return c.JSON(http.StatusOK, toTaskResponse(task))
	}
}

func deleteTask(tasks Tasks) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		obs := requestMetricsFrom(c)
		defer func() { metrics.RecordMutation("delete", mutationResult(err)) }()

		start := time.Now()
		err = tasks.Delete(c.Request().Context(), c.Param("id"))
		obs.ObserveService(time.Since(start))
		if err != nil {
			obs.SetErrorStage("service")
			return err
		}
		return c.NoContent(http.StatusNoContent)
	}
}

// parseListQuery maps query parameters onto a ListQuery. Only the integer
// parameters are checked here; everything else is validated by the service.
func parseListQuery(params url.Values) (domain.ListQuery, error) {
	var (
		q    domain.ListQuery
		errs []domain.FieldError
	)
	if params.Has("status") {
		s := domain.Status(params.Get("status"))
		q.Status = &s
	}
	if params.Has("tag") {
		v := params.Get("tag")
		q.Tag = &v
	}
	if params.Has("search") {
		v := params.Get("search")
		q.Search = &v
	}
	if params.Has("sortBy") {
		v := domain.SortField(params.Get("sortBy"))
		q.SortBy = &v
	}
	if params.Has("sortOrder") {
		v := domain.SortOrder(params.Get("sortOrder"))
		q.SortOrder = &v
	}
	for _, p := range []struct {
		name string
		dst  **int
	}{{"page", &q.Page}, {"pageSize", &q.PageSize}} {
		raw := strings.TrimSpace(params.Get(p.name))
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			errs = append(errs, domain.FieldError{Field: p.name, Message: "must be an integer"})
			continue
		}
		*p.dst = &n
	}
	if len(errs) > 0 {
		return domain.ListQuery{}, &domain.ValidationError{Fields: errs}
	}
	return q, nil
}

func mutationResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrValidation):
		return "invalid"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrVersionConflict), errors.Is(err, errIdempotencyInFlight):
		return "conflict"
	}
	return "error"
}
