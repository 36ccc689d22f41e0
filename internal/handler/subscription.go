package handler

import (
	"context"
	"net/http"

	"github.com/classbook/backend/internal/domain"
	"github.com/classbook/backend/internal/service"
	"github.com/classbook/backend/internal/session"
)

// SubscriptionHandler handles subscription, deposit and checkout endpoints.
type SubscriptionHandler struct {
	orch     *service.Orchestrator
	sessions *session.Registry
}

// NewSubscriptionHandler creates a new SubscriptionHandler.
func NewSubscriptionHandler(orch *service.Orchestrator, sessions *session.Registry) *SubscriptionHandler {
	return &SubscriptionHandler{orch: orch, sessions: sessions}
}

// State handles GET /api/state.
func (h *SubscriptionHandler) State(w http.ResponseWriter, r *http.Request) {
	sess, err := sessionFor(h.sessions, r)
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, sess.Snapshot())
}

// Subscribe handles POST /api/subscriptions/checkout.
func (h *SubscriptionHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req domain.SubscribeRequest
	h.checkout(w, r, &req, func(ctx context.Context, sess *session.Session) (*domain.CheckoutResponse, error) {
		return h.orch.Subscribe(ctx, sess, &req)
	})
}

// Deposit handles POST /api/deposits/checkout.
func (h *SubscriptionHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req domain.DepositRequest
	h.checkout(w, r, &req, func(ctx context.Context, sess *session.Session) (*domain.CheckoutResponse, error) {
		return h.orch.Deposit(ctx, sess, &req)
	})
}

func (h *SubscriptionHandler) checkout(w http.ResponseWriter, r *http.Request, req interface{},
	run func(context.Context, *session.Session) (*domain.CheckoutResponse, error)) {
	if err := DecodeJSON(r, req); err != nil {
		Error(w, err)
		return
	}
	sess, err := sessionFor(h.sessions, r)
	if err != nil {
		Error(w, err)
		return
	}
	resp, err := run(r.Context(), sess)
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusCreated, resp)
}

// Upgrade handles POST /api/subscriptions/upgrade.
func (h *SubscriptionHandler) Upgrade(w http.ResponseWriter, r *http.Request) {
	h.changePlan(w, r, h.orch.Upgrade)
}

// Downgrade handles POST /api/subscriptions/downgrade.
func (h *SubscriptionHandler) Downgrade(w http.ResponseWriter, r *http.Request) {
	h.changePlan(w, r, h.orch.Downgrade)
}

func (h *SubscriptionHandler) changePlan(w http.ResponseWriter, r *http.Request,
	run func(context.Context, *session.Session, *domain.PlanChangeRequest) (*domain.PlanChangeResult, error)) {
	var req domain.PlanChangeRequest
	if err := DecodeJSON(r, &req); err != nil {
		Error(w, err)
		return
	}
	sess, err := sessionFor(h.sessions, r)
	if err != nil {
		Error(w, err)
		return
	}
	res, err := run(r.Context(), sess, &req)
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"result":  res,
		"state":   sess.Snapshot(),
	})
}

// Cancel handles POST /api/subscriptions/cancel.
func (h *SubscriptionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	sess, err := sessionFor(h.sessions, r)
	if err != nil {
		Error(w, err)
		return
	}
	sub, err := h.orch.Cancel(r.Context(), sess)
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"success":      true,
		"subscription": sub,
	})
}

// Preview handles GET /api/subscriptions/preview?packageId=.
func (h *SubscriptionHandler) Preview(w http.ResponseWriter, r *http.Request) {
	id, err := idQuery(r, "packageId")
	if err != nil {
		Error(w, err)
		return
	}
	sess, err := sessionFor(h.sessions, r)
	if err != nil {
		Error(w, err)
		return
	}
	q, err := h.orch.Preview(sess, id)
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, q)
}

// ClosePreview handles DELETE /api/subscriptions/preview.
func (h *SubscriptionHandler) ClosePreview(w http.ResponseWriter, r *http.Request) {
	sess, err := sessionFor(h.sessions, r)
	if err != nil {
		Error(w, err)
		return
	}
	h.orch.ClosePreview(sess)
	w.WriteHeader(http.StatusNoContent)
}

// ReturnFromCheckout handles POST /api/checkout/return.
func (h *SubscriptionHandler) ReturnFromCheckout(w http.ResponseWriter, r *http.Request) {
	sess, err := sessionFor(h.sessions, r)
	if err != nil {
		Error(w, err)
		return
	}
	snap, err := h.orch.ReturnFromCheckout(r.Context(), sess)
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, snap)
}
