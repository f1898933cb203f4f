// Package handlers implements the status server's HTTP handlers.
package handlers

import (
	"errors"
	"net/http"

	"github.com/3leaps/gosqueeze/internal/server/middleware"
	"github.com/3leaps/gosqueeze/pkg/jobregistry"
	"github.com/3leaps/gosqueeze/pkg/observe"
	"github.com/3leaps/gosqueeze/pkg/runner"
)

// HTTPErrorResponder writes err to w.
type HTTPErrorResponder func(w http.ResponseWriter, r *http.Request, err error)

var httpErrorResponder HTTPErrorResponder = defaultErrorResponder

// SetHTTPErrorResponder replaces the responder used by every handler. Nil
// restores the default.
func SetHTTPErrorResponder(fn HTTPErrorResponder) {
	if fn == nil {
		fn = defaultErrorResponder
	}
	httpErrorResponder = fn
}

// ResetHTTPErrorResponder restores the default responder.
func ResetHTTPErrorResponder() {
	httpErrorResponder = defaultErrorResponder
}

func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	httpErrorResponder(w, r, err)
}

// requestError marks client mistakes detected by the handlers themselves.
type requestError struct {
	msg string
}

func (e *requestError) Error() string { return e.msg }

func badRequest(msg string) error { return &requestError{msg: msg} }

func defaultErrorResponder(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	middleware.WriteError(w, r, status, code, msg, nil)
}

func classify(err error) (int, string) {
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr), errors.Is(err, runner.ErrInvalidRequest):
		return http.StatusBadRequest, "INVALID_ARGUMENT"
	case errors.Is(err, jobregistry.ErrJobNotFound), errors.Is(err, observe.ErrUnknownJob):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, jobregistry.ErrJobExists), errors.Is(err, jobregistry.ErrConflict):
		return http.StatusConflict, "CONFLICT"
	}
	return http.StatusInternalServerError, "INTERNAL_ERROR"
}
