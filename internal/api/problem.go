package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"careflow/backend/pkg/models"

	"github.com/labstack/echo/v4"
)

const problemContentType = "application/problem+json"

// writeProblem writes an RFC 7807 Problem Details JSON error response.
func writeProblem(c echo.Context, status int, title, detail string) error {
	body, err := json.Marshal(models.ProblemDetails{
		Type:     "about:blank",
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: c.Request().URL.Path,
	})
	if err != nil {
		return err
	}
	return c.Blob(status, problemContentType, body)
}

// ProblemErrorHandler renders errors returned by handlers and middleware as
// problem+json.
func ProblemErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	detail := "internal error"
	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		if msg, ok := he.Message.(string); ok {
			detail = msg
		} else {
			detail = http.StatusText(status)
		}
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = writeProblem(c, status, http.StatusText(status), detail)
}
