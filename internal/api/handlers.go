package api

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/wavenet/access-control-plane/internal/daraja"
	"github.com/wavenet/access-control-plane/internal/model"
	"github.com/wavenet/access-control-plane/internal/payment"
)

type initiatePaymentRequest struct {
	RouterID string `json:"router_id"`
	PlanID   string `json:"plan_id"`
	Phone    string `json:"phone"`
	Key      string `json:"key"`
}

type redeemVoucherRequest struct {
	RouterID string `json:"router_id"`
	Code     string `json:"code"`
	Password string `json:"password"`
	Key      string `json:"key"`
}

func (s *Server) handlePortalPlans(w http.ResponseWriter, r *http.Request) {
	address := strings.TrimSpace(r.URL.Query().Get("router"))
	if address == "" {
		writeAPIError(w, r, http.StatusBadRequest, "invalid_request", "router is required")
		return
	}
	plans, err := s.Store.ListPlansForRouterAddress(r.Context(), address)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(plans))
	for i := range plans {
		out = append(out, toPlanResponse(&plans[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"plans": out})
}

func (s *Server) handleInitiatePayment(w http.ResponseWriter, r *http.Request) {
	var req initiatePaymentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.RouterID == "" || req.PlanID == "" {
		writeAPIError(w, r, http.StatusBadRequest, "invalid_request", "router_id and plan_id are required")
		return
	}
	out, err := s.Payments.Initiate(r.Context(), payment.InitiateInput{
		RouterID: req.RouterID,
		PlanID:   req.PlanID,
		Phone:    req.Phone,
		Key:      req.Key,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"reference":  out.Reference,
		"session_id": out.SessionID,
		"amount":     out.Amount,
	})
}

func (s *Server) handlePaymentStatus(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "reference")
	var (
		st  payment.Status
		err error
	)
	if r.URL.Query().Get("wait") == "true" {
		st, err = s.Payments.AwaitActivation(r.Context(), reference)
	} else {
		st, err = s.Payments.PaymentStatus(r.Context(), reference)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatusResponse(st))
}

func (s *Server) handleHasActiveSession(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	routerID := q.Get("router_id")
	if routerID == "" {
		writeAPIError(w, r, http.StatusBadRequest, "invalid_request", "router_id is required")
		return
	}
	active, err := s.Payments.HasActiveSession(r.Context(), routerID, q.Get("key"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": active})
}

func (s *Server) handleRedeemVoucher(w http.ResponseWriter, r *http.Request) {
	var req redeemVoucherRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.RouterID == "" {
		writeAPIError(w, r, http.StatusBadRequest, "invalid_request", "router_id is required")
		return
	}
	sess, err := s.Vouchers.Redeem(r.Context(), req.RouterID, req.Code, req.Password, req.Key)
	if err != nil {
		// The voucher is spent; the retry job finishes provisioning.
		if errors.Is(err, model.ErrProvisioningDelayed) && sess != nil {
			writeJSON(w, http.StatusAccepted, map[string]any{
				"session": toSessionResponse(sess),
				"message": "access is being set up, try again shortly",
			})
			return
		}
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": toSessionResponse(sess)})
}

// handlePaymentCallback always acknowledges; the gateway retries anything
// else, and reconciliation covers callbacks that could not be applied.
func (s *Server) handlePaymentCallback(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	entry := log.WithFields(log.Fields{"tenant": tenant, "request_id": middleware.GetReqID(r.Context())})
	if err != nil {
		entry.WithError(err).Warn("payment callback: read body failed")
	} else if err := s.Payments.OnCallback(r.Context(), tenant, chi.URLParam(r, "token"), body); err != nil {
		entry.WithError(err).Warn("payment callback not applied")
	}
	writeJSON(w, http.StatusOK, map[string]any{"ResultCode": 0, "ResultDesc": "Accepted"})
}

// handleC2BValidation lets the gateway refuse a direct shortcode payment
// that matches no pending charge, before the payer's money moves.
func (s *Server) handleC2BValidation(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	code := daraja.C2BInvalidAccount
	if err == nil {
		code, err = s.Payments.ValidateC2B(r.Context(), tenant, chi.URLParam(r, "token"), body)
	}
	if err != nil {
		log.WithFields(log.Fields{"tenant": tenant, "request_id": middleware.GetReqID(r.Context())}).WithError(err).Warn("c2b validation failed")
	}
	desc := "Accepted"
	if code != daraja.C2BAccepted {
		desc = "Rejected"
	}
	writeJSON(w, http.StatusOK, map[string]any{"ResultCode": code, "ResultDesc": desc})
}

// handleC2BConfirmation acknowledges like handlePaymentCallback.
func (s *Server) handleC2BConfirmation(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	entry := log.WithFields(log.Fields{"tenant": tenant, "request_id": middleware.GetReqID(r.Context())})
	if err != nil {
		entry.WithError(err).Warn("c2b confirmation: read body failed")
	} else if err := s.Payments.OnC2BConfirmation(r.Context(), tenant, chi.URLParam(r, "token"), body); err != nil {
		entry.WithError(err).Warn("c2b confirmation not applied")
	}
	writeJSON(w, http.StatusOK, map[string]any{"ResultCode": 0, "ResultDesc": "Accepted"})
}

func toStatusResponse(st payment.Status) map[string]any {
	resp := map[string]any{
		"reference":       st.Reference,
		"payment_status":  string(st.Payment),
		"session_status":  string(st.Session),
		"provision_state": string(st.ProvisionState),
		"active":          st.Active,
		"settled":         st.Settled(),
	}
	if st.FailureReason != "" {
		resp["failure_reason"] = st.FailureReason
	}
	if st.EndsAt != nil {
		resp["ends_at"] = st.EndsAt.UTC().Format(time.RFC3339)
	}
	return resp
}

func toSessionResponse(sess *model.Session) map[string]any {
	resp := map[string]any{
		"session_id":      sess.ID,
		"reference":       sess.Reference,
		"router_id":       sess.RouterID,
		"plan_id":         sess.PlanID,
		"key":             sess.Key,
		"source":          string(sess.Source),
		"status":          string(sess.Status),
		"provision_state": string(sess.ProvisionState),
	}
	if sess.ProvisionState == model.ProvisionFailed || sess.ProvisionError != "" {
		resp["provision_attempts"] = sess.ProvisionAttempts
		resp["provision_error"] = sess.ProvisionError
	}
	if sess.FailureReason != "" {
		resp["failure_reason"] = sess.FailureReason
	}
	if sess.StartedAt != nil {
		resp["started_at"] = sess.StartedAt.UTC().Format(time.RFC3339)
	}
	if sess.EndsAt != nil {
		resp["ends_at"] = sess.EndsAt.UTC().Format(time.RFC3339)
	}
	if sess.LastSeenAt != nil {
		resp["last_seen_at"] = sess.LastSeenAt.UTC().Format(time.RFC3339)
	}
	return resp
}

func toPlanResponse(p *model.Plan) map[string]any {
	return map[string]any{
		"plan_id":      p.ID,
		"router_id":    p.RouterID,
		"name":         p.Name,
		"price":        p.Price,
		"time_limit":   p.TimeLimit,
		"time_unit":    string(p.TimeUnit),
		"data_limit":   p.DataLimit,
		"data_unit":    string(p.DataUnit),
		"shared_users": p.SharedUsers,
		"rate_limit":   p.RateLimit,
		"enabled":      p.Enabled,
	}
}
