package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/render"
	"queuebell/internal/ack"
	"queuebell/internal/router"
	logx "queuebell/pkg/logx"
)

type acknowledgeRequest struct {
	EntryID string `json:"entryId"`
	Type    string `json:"type"`
	// ETA is the expected arrival in minutes.
	ETA *float64 `json:"eta,omitempty"`
}

func (a *acknowledgeRequest) Bind(*http.Request) error {
	if a.ETA != nil && *a.ETA < 0 {
		return fmt.Errorf("%w: eta must be >= 0", ack.ErrValidation)
	}
	return nil
}

func (a *acknowledgeRequest) eta() *time.Duration {
	if a.ETA == nil {
		return nil
	}
	d := time.Duration(*a.ETA * float64(time.Minute))
	return &d
}

type entryRequest struct {
	EntryID string `json:"entryId"`
}

func (*entryRequest) Bind(*http.Request) error { return nil }

type notifyRequest struct {
	EntryID   string `json:"entryId"`
	Type      string `json:"type"`
	SendToAll bool   `json:"sendToAll,omitempty"`
	// Wait holds the response until delivery finished or the request ends.
	Wait bool `json:"wait,omitempty"`
}

func (n *notifyRequest) Bind(*http.Request) error {
	n.EntryID = strings.TrimSpace(n.EntryID)
	if n.EntryID == "" {
		return fmt.Errorf("%w: entryId is required", ack.ErrValidation)
	}
	if strings.TrimSpace(n.Type) == "" {
		return fmt.Errorf("%w: type is required", ack.ErrValidation)
	}
	return nil
}

// bind decodes the body into v. Decode failures are reported as validation
// errors.
func bind(r *http.Request, v render.Binder) error {
	if err := render.Bind(r, v); err != nil {
		if errors.Is(err, ack.ErrValidation) {
			return err
		}
		return fmt.Errorf("%w: %v", ack.ErrValidation, err)
	}
	return nil
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	var req acknowledgeRequest
	if err := bind(r, &req); err != nil {
		s.fail(w, r, "acknowledge", err)
		return
	}
	out, err := s.deps.Acks.Acknowledge(r.Context(), req.EntryID, req.Type, req.eta())
	if err != nil {
		s.fail(w, r, "acknowledge", err)
		return
	}
	render.JSON(w, r, out)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.entryOp(w, r, "cancel", s.deps.Acks.Cancel)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	s.entryOp(w, r, "revoke", s.deps.Acks.Revoke)
}

func (s *Server) entryOp(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, string) (ack.Outcome, error)) {
	var req entryRequest
	if err := bind(r, &req); err != nil {
		s.fail(w, r, op, err)
		return
	}
	out, err := fn(r.Context(), req.EntryID)
	if err != nil {
		s.fail(w, r, op, err)
		return
	}
	render.JSON(w, r, out)
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	var req notifyRequest
	if err := bind(r, &req); err != nil {
		s.fail(w, r, "notify", err)
		return
	}
	e, err := s.deps.Entries.Get(r.Context(), req.EntryID)
	if err != nil {
		s.fail(w, r, "notify", err)
		return
	}
	res, err := s.deps.Notifier.SendNotification(r.Context(), e, req.Type, router.Options{SendToAll: req.SendToAll, Wait: req.Wait})
	if err != nil {
		s.fail(w, r, "notify", err)
		return
	}
	switch {
	case len(res.Sent) > 0:
	case res.Pending:
		render.Status(r, http.StatusAccepted)
	case len(res.Failed) > 0:
		s.log.Warn("notify: not delivered on any channel", logx.String("entry_id", e.ID), logx.String("type", req.Type))
		render.Status(r, http.StatusBadGateway)
	}
	render.JSON(w, r, res)
}

type healthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Ready(ctx); err != nil {
			render.Status(r, http.StatusServiceUnavailable)
			render.JSON(w, r, healthResponse{Status: "unavailable", Error: err.Error()})
			return
		}
	}
	render.JSON(w, r, healthResponse{Status: "ok"})
}
