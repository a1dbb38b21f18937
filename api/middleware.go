package api

import (
	"bytes"
	"compress/gzip"
	"io"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/bytedance/sonic/ast"
	"github.com/labstack/echo/v4"

	"prism-tasks/domain"
)

// maxBodySize caps decoded request bodies, after gzip expansion.
const maxBodySize = 64 << 10

// GzipRequestMiddleware decompresses gzip-encoded request bodies so handlers
// always decode plain JSON. A body that is not valid gzip is a validation
// error.
func GzipRequestMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !hasGzipEncoding(req.Header.Get(echo.HeaderContentEncoding)) {
				return next(c)
			}

			body := req.Body
			gr, err := gzip.NewReader(body)
			if err != nil {
				_ = body.Close()
				return domain.NewValidationError("body", "is not valid gzip")
			}

			req.Body = &gzipReadCloser{Reader: gr, body: body}
			req.ContentLength = -1
			req.Header.Del(echo.HeaderContentEncoding)
			req.Header.Del(echo.HeaderContentLength)
			return next(c)
		}
	}
}

func hasGzipEncoding(header string) bool {
	for _, enc := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(enc), "gzip") {
			return true
		}
	}
	return false
}

type gzipReadCloser struct {
	*gzip.Reader
	body io.Closer
}

func (g *gzipReadCloser) Close() error {
	err := g.Reader.Close()
	if cerr := g.body.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// readBody returns the request body, rejecting empty bodies and bodies over
// maxBodySize.
func readBody(c echo.Context) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodySize+1))
	if err != nil {
		return nil, domain.NewValidationError("body", "could not be read")
	}
	if len(body) > maxBodySize {
		return nil, domain.NewValidationError("body", "exceeds 64 KiB")
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, domain.NewValidationError("body", "is required")
	}
	return body, nil
}

// decodeJSON decodes a single JSON document into v. Unknown fields are rejected.
func decodeJSON(body []byte, v any) error {
	dec := sonic.ConfigStd.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.NewValidationError("body", "is not valid JSON for this resource: "+err.Error())
	}
	return nil
}

func decodeBody(c echo.Context, v any) error {
	body, err := readBody(c)
	if err != nil {
		return err
	}
	return decodeJSON(body, v)
}

// decodeUpdateDraft decodes a patch body. An explicit "dueDate": null clears
// the due date, so presence is read from the document itself.
func decodeUpdateDraft(c echo.Context) (domain.UpdateDraft, error) {
	var d domain.UpdateDraft
	body, err := readBody(c)
	if err != nil {
		return d, err
	}
	if err := decodeJSON(body, &d); err != nil {
		return d, err
	}
	if !d.DueDate.Set {
		if node, err := sonic.Get(body, "dueDate"); err == nil && node.TypeSafe() == ast.V_NULL {
			d.DueDate = domain.ClearTime()
		}
	}
	return d, nil
}
