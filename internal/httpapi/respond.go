package httpapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/render"
	"queuebell/internal/ack"
	"queuebell/internal/queue"
	"queuebell/internal/router"
	logx "queuebell/pkg/logx"
)

type errResponse struct {
	HTTPStatus int    `json:"-"`
	Message    string `json:"error"`
}

func (e *errResponse) Render(_ http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.HTTPStatus)
	return nil
}

func renderError(w http.ResponseWriter, r *http.Request, status int, err error) {
	_ = render.Render(w, r, &errResponse{HTTPStatus: status, Message: err.Error()})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ack.ErrValidation), errors.Is(err, router.ErrUnknownType):
		return http.StatusBadRequest
	case errors.Is(err, queue.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ack.ErrInvalidState):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error(op+" failed", logx.Err(err))
		renderError(w, r, status, errors.New("internal error"))
		return
	}
	renderError(w, r, status, err)
}
