package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"asset-edge/internal/model"
)

// ErrorHandler replaces Echo's JSON error bodies with the edge's plain-text
// "<code> <reason>" form. Error detail is logged, never returned.
func ErrorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	logger = logger.With("component", "error_handler")
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		code := http.StatusInternalServerError
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
		}

		if code >= http.StatusInternalServerError {
			logger.Error("unhandled error", "path", c.Request().URL.Path, "err", err)
			c.Set(model.OutcomeContextKey, model.OutcomeInternalError)
		}

		body := strconv.Itoa(code) + " " + http.StatusText(code)
		if c.Request().Method == http.MethodHead {
			err = c.NoContent(code)
		} else {
			err = c.String(code, body)
		}
		if err != nil {
			logger.Debug("writing error response", "err", err)
		}
	}
}
