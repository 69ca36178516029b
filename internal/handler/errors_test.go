package handler

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

func TestErrorHandler(t *testing.T) {
	e := echo.New()
	e.HTTPErrorHandler = ErrorHandler(discardLogger())
	e.Use(echomw.Recover())
	e.GET("/panic", func(echo.Context) error { panic("boom") })
	e.GET("/plain", func(echo.Context) error { return errors.New("secret detail") })
	e.GET("/limited", func(echo.Context) error { return echo.ErrTooManyRequests })

	tests := []struct {
		path       string
		wantStatus int
		wantBody   string
	}{
		{"/panic", http.StatusInternalServerError, "500 Internal Server Error"},
		{"/plain", http.StatusInternalServerError, "500 Internal Server Error"},
		{"/limited", http.StatusTooManyRequests, "429 Too Many Requests"},
		{"/nothing/here", http.StatusNotFound, "404 Not Found"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := serve(e, http.MethodGet, tt.path, http.NoBody)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if rec.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestErrorHandler_Head(t *testing.T) {
	e := echo.New()
	e.HTTPErrorHandler = ErrorHandler(discardLogger())

	req := httptest.NewRequest(http.MethodHead, "/missing", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("HEAD body = %q, want empty", rec.Body.String())
	}
}
