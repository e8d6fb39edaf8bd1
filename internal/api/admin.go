package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"github.com/wavenet/access-control-plane/internal/auth"
	"github.com/wavenet/access-control-plane/internal/model"
	"github.com/wavenet/access-control-plane/internal/rate"
	"github.com/wavenet/access-control-plane/internal/routeros"
	"github.com/wavenet/access-control-plane/internal/store"
	"github.com/wavenet/access-control-plane/internal/voucher"
)

type createRouterRequest struct {
	Name     string `json:"name"`
	Address  string `json:"address"`
	APIPort  int    `json:"api_port"`
	Tenant   string `json:"tenant"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type routerCredentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type planRequest struct {
	RouterID    string `json:"router_id"`
	Name        string `json:"name"`
	Price       int64  `json:"price"`
	TimeLimit   int    `json:"time_limit"`
	TimeUnit    string `json:"time_unit"`
	DataLimit   int64  `json:"data_limit"`
	DataUnit    string `json:"data_unit"`
	SharedUsers int    `json:"shared_users"`
	RateLimit   string `json:"rate_limit"`
	Profile     string `json:"profile"`
	Service     string `json:"service"`
	Enabled     *bool  `json:"enabled"`
}

type voucherBatchRequest struct {
	RouterID     string `json:"router_id"`
	PlanID       string `json:"plan_id"`
	Count        int    `json:"count"`
	CodeLength   int    `json:"code_length"`
	WithPassword bool   `json:"with_password"`
}

type disconnectRequest struct {
	RouterID string `json:"router_id"`
	Key      string `json:"key"`
}

type accountRequest struct {
	Username      string `json:"username"`
	Password      string `json:"password"`
	Service       string `json:"service"`
	Profile       string `json:"profile"`
	Comment       string `json:"comment"`
	LimitBytesOut int64  `json:"limit_bytes_out"`
	Disabled      bool   `json:"disabled"`
}

type queueRequest struct {
	Name           string `json:"name"`
	Target         string `json:"target"`
	MaxLimit       string `json:"max_limit"`
	BurstLimit     string `json:"burst_limit"`
	BurstThreshold string `json:"burst_threshold"`
	BurstTime      string `json:"burst_time"`
	Priority       int    `json:"priority"`
	Parent         string `json:"parent"`
	Comment        string `json:"comment"`
	Disabled       bool   `json:"disabled"`
}

func operatorLog(r *http.Request) *log.Entry {
	id, _ := auth.OperatorIDFromContext(r.Context())
	return log.WithField("operator_id", id)
}

func (s *Server) handleCreateRouter(w http.ResponseWriter, r *http.Request) {
	var req createRouterRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Address = strings.TrimSpace(req.Address)
	if req.Name == "" || req.Address == "" || req.Username == "" {
		writeAPIError(w, r, http.StatusBadRequest, "invalid_request", "name, address and username are required")
		return
	}
	sealed, err := s.Vault.SealRouterPassword(r.Context(), req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}
	router, err := s.Store.CreateRouter(r.Context(), store.CreateRouterInput{
		Name:           req.Name,
		Address:        req.Address,
		APIPort:        req.APIPort,
		Tenant:         strings.TrimSpace(req.Tenant),
		Username:       req.Username,
		PasswordSealed: sealed,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	operatorLog(r).WithField("router_id", router.ID).Info("router registered")
	writeJSON(w, http.StatusCreated, map[string]any{"router": toRouterResponse(router)})
}

func (s *Server) handleListRouters(w http.ResponseWriter, r *http.Request) {
	routers, err := s.Store.ListRouters(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(routers))
	for i := range routers {
		out = append(out, toRouterResponse(&routers[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"routers": out})
}

func (s *Server) handleGetRouter(w http.ResponseWriter, r *http.Request) {
	router, err := s.Store.GetRouter(r.Context(), chi.URLParam(r, "routerID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"router": toRouterResponse(router)})
}

func (s *Server) handleUpdateRouterCredentials(w http.ResponseWriter, r *http.Request) {
	routerID := chi.URLParam(r, "routerID")
	var req routerCredentialsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Username == "" {
		writeAPIError(w, r, http.StatusBadRequest, "invalid_request", "username is required")
		return
	}
	sealed, err := s.Vault.SealRouterPassword(r.Context(), req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}
	router, err := s.Store.UpdateRouterCredentials(r.Context(), routerID, req.Username, sealed)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.Gateways.Invalidate(routerID)
	operatorLog(r).WithField("router_id", routerID).Info("router credentials rotated")
	writeJSON(w, http.StatusOK, map[string]any{"router": toRouterResponse(router)})
}

func (s *Server) handleDeleteRouter(w http.ResponseWriter, r *http.Request) {
	routerID := chi.URLParam(r, "routerID")
	if err := s.Store.DeleteRouter(r.Context(), routerID); err != nil {
		writeError(w, r, err)
		return
	}
	s.Gateways.Invalidate(routerID)
	operatorLog(r).WithField("router_id", routerID).Info("router removed")
	w.WriteHeader(http.StatusNoContent)
}

// liveGateway resolves the retrying router client named by the URL.
func (s *Server) liveGateway(w http.ResponseWriter, r *http.Request) (routeros.Gateway, bool) {
	router, err := s.Store.GetRouter(r.Context(), chi.URLParam(r, "routerID"))
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	gw, err := s.Gateways.Retrying(r.Context(), *router)
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	return gw, true
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	gw, ok := s.liveGateway(w, r)
	if !ok {
		return
	}
	accounts, err := gw.ListAccounts(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, toAccountResponse(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": out})
}

func (s *Server) handleUpsertAccount(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	gw, ok := s.liveGateway(w, r)
	if !ok {
		return
	}
	acct, err := gw.UpsertAccount(r.Context(), model.Account{
		Username:      req.Username,
		Password:      req.Password,
		Service:       req.Service,
		Profile:       req.Profile,
		Comment:       req.Comment,
		LimitBytesOut: req.LimitBytesOut,
		Disabled:      req.Disabled,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": toAccountResponse(acct)})
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	gw, ok := s.liveGateway(w, r)
	if !ok {
		return
	}
	if err := gw.DeleteAccount(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListQueues(w http.ResponseWriter, r *http.Request) {
	gw, ok := s.liveGateway(w, r)
	if !ok {
		return
	}
	queues, err := gw.ListQueues(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(queues))
	for _, q := range queues {
		out = append(out, toQueueResponse(q))
	}
	writeJSON(w, http.StatusOK, map[string]any{"queues": out})
}

func (s *Server) handleUpsertQueue(w http.ResponseWriter, r *http.Request) {
	var req queueRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	q, err := routeros.PrepareQueue(model.Queue{
		Name:           req.Name,
		Target:         req.Target,
		MaxLimit:       req.MaxLimit,
		BurstLimit:     req.BurstLimit,
		BurstThreshold: req.BurstThreshold,
		BurstTime:      req.BurstTime,
		Priority:       req.Priority,
		Parent:         req.Parent,
		Comment:        req.Comment,
		Disabled:       req.Disabled,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	gw, ok := s.liveGateway(w, r)
	if !ok {
		return
	}
	out, err := gw.UpsertQueue(r.Context(), q)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queue": toQueueResponse(out)})
}

func (s *Server) handleDeleteQueue(w http.ResponseWriter, r *http.Request) {
	gw, ok := s.liveGateway(w, r)
	if !ok {
		return
	}
	if err := gw.DeleteQueue(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListLiveSessions(w http.ResponseWriter, r *http.Request) {
	gw, ok := s.liveGateway(w, r)
	if !ok {
		return
	}
	live, err := gw.ListActiveSessions(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(live))
	for _, a := range live {
		out = append(out, map[string]any{
			"id":        a.ID,
			"username":  a.Username,
			"service":   a.Service,
			"caller_id": a.CallerID,
			"address":   a.Address,
			"uptime":    a.Uptime,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": out})
}

func (s *Server) handleDropLiveSession(w http.ResponseWriter, r *http.Request) {
	gw, ok := s.liveGateway(w, r)
	if !ok {
		return
	}
	if err := gw.DisconnectActiveSession(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (req planRequest) apply(p *model.Plan) error {
	p.Name = strings.TrimSpace(req.Name)
	p.Price = req.Price
	p.TimeLimit = req.TimeLimit
	p.TimeUnit = model.TimeUnit(strings.ToLower(strings.TrimSpace(req.TimeUnit)))
	p.DataLimit = req.DataLimit
	p.DataUnit = model.DataUnit(strings.ToUpper(strings.TrimSpace(req.DataUnit)))
	p.SharedUsers = req.SharedUsers
	if p.SharedUsers == 0 {
		p.SharedUsers = 1
	}
	p.Profile = req.Profile
	p.Service = strings.ToLower(strings.TrimSpace(req.Service))
	if req.Enabled != nil {
		p.Enabled = *req.Enabled
	}
	rl, err := rate.Normalize("rate_limit", req.RateLimit)
	if err != nil {
		return err
	}
	p.RateLimit = rl
	return p.Validate()
}

func (s *Server) handleCreatePlan(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.RouterID == "" {
		writeAPIError(w, r, http.StatusBadRequest, "invalid_request", "router_id is required")
		return
	}
	if _, err := s.Store.GetRouter(r.Context(), req.RouterID); err != nil {
		writeError(w, r, err)
		return
	}
	plan := model.Plan{RouterID: req.RouterID, Enabled: true}
	if err := req.apply(&plan); err != nil {
		writeError(w, r, err)
		return
	}
	out, err := s.Store.CreatePlan(r.Context(), plan)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"plan": toPlanResponse(out)})
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	routerID := r.URL.Query().Get("router_id")
	if routerID == "" {
		writeAPIError(w, r, http.StatusBadRequest, "invalid_request", "router_id is required")
		return
	}
	plans, err := s.Store.ListPlans(r.Context(), routerID)
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

func (s *Server) handleUpdatePlan(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	plan, err := s.Store.GetPlan(r.Context(), chi.URLParam(r, "planID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if req.RouterID != "" && req.RouterID != plan.RouterID {
		writeAPIError(w, r, http.StatusBadRequest, "invalid_request", "a plan cannot move between routers")
		return
	}
	if err := req.apply(plan); err != nil {
		writeError(w, r, err)
		return
	}
	out, err := s.Store.UpdatePlan(r.Context(), *plan)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"plan": toPlanResponse(out)})
}

func (s *Server) handleGenerateVouchers(w http.ResponseWriter, r *http.Request) {
	var req voucherBatchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	vouchers, err := s.Vouchers.GenerateBatch(r.Context(), voucher.BatchInput{
		RouterID:     req.RouterID,
		PlanID:       req.PlanID,
		Count:        req.Count,
		CodeLength:   req.CodeLength,
		WithPassword: req.WithPassword,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	operatorLog(r).WithFields(log.Fields{"router_id": req.RouterID, "plan_id": req.PlanID, "count": len(vouchers)}).Info("voucher batch generated")
	out := make([]map[string]any, 0, len(vouchers))
	for _, v := range vouchers {
		out = append(out, toVoucherResponse(v))
	}
	writeJSON(w, http.StatusCreated, map[string]any{"vouchers": out})
}

func (s *Server) handleListVouchers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	routerID := q.Get("router_id")
	if routerID == "" {
		writeAPIError(w, r, http.StatusBadRequest, "invalid_request", "router_id is required")
		return
	}
	vouchers, err := s.Store.ListVouchers(r.Context(), routerID, q.Get("include_consumed") == "true")
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(vouchers))
	for _, v := range vouchers {
		out = append(out, toVoucherResponse(v))
	}
	writeJSON(w, http.StatusOK, map[string]any{"vouchers": out})
}

func (s *Server) handleStoreCredentials(w http.ResponseWriter, r *http.Request) {
	var req model.CredentialsInput
	if !decodeJSON(w, r, &req) {
		return
	}
	tenant := chi.URLParam(r, "tenant")
	sum, err := s.Vault.Store(r.Context(), tenant, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	operatorLog(r).WithField("tenant", tenant).Info("gateway credentials stored")
	writeJSON(w, http.StatusOK, map[string]any{"credentials": toCredentialResponse(sum)})
}

func (s *Server) handleDescribeCredentials(w http.ResponseWriter, r *http.Request) {
	sum, err := s.Vault.Describe(r.Context(), chi.URLParam(r, "tenant"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"credentials": toCredentialResponse(sum)})
}

func (s *Server) handleRegisterCallback(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	sum, err := s.Vault.RegisterCallback(r.Context(), tenant)
	if err != nil {
		writeError(w, r, err)
		return
	}
	operatorLog(r).WithFields(log.Fields{"tenant": tenant, "callback_url": sum.CallbackURL}).Info("payment callback registered")
	writeJSON(w, http.StatusOK, map[string]any{"credentials": toCredentialResponse(sum)})
}

func (s *Server) handleListActiveSessions(w http.ResponseWriter, r *http.Request) {
	routerID := r.URL.Query().Get("router_id")
	if routerID == "" {
		writeAPIError(w, r, http.StatusBadRequest, "invalid_request", "router_id is required")
		return
	}
	sessions, err := s.Store.ListActiveSessions(r.Context(), routerID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSessions(w, sessions)
}

func (s *Server) handleListFailedSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.Store.ListProvisionFailed(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSessions(w, sessions)
}

func writeSessions(w http.ResponseWriter, sessions []model.Session) {
	out := make([]map[string]any, 0, len(sessions))
	for i := range sessions {
		out = append(out, toSessionResponse(&sessions[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	var req disconnectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.RouterID == "" || req.Key == "" {
		writeAPIError(w, r, http.StatusBadRequest, "invalid_request", "router_id and key are required")
		return
	}
	sess, err := s.Sessions.DisconnectManually(r.Context(), req.RouterID, req.Key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": toSessionResponse(sess)})
}

// handleRetryProvisioning re-queues a stuck session and makes one attempt
// right away. A router that is still down leaves it with the retry job.
func (s *Server) handleRetryProvisioning(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "reference")
	reset, err := s.Sessions.ResetProvisioning(r.Context(), reference)
	if err != nil {
		writeError(w, r, err)
		return
	}
	operatorLog(r).WithField("reference", reference).Info("provisioning retry requested")
	sess, err := s.Sessions.Activate(r.Context(), reference)
	if err != nil {
		if errors.Is(err, model.ErrProvisioningDelayed) {
			writeJSON(w, http.StatusAccepted, map[string]any{"session": toSessionResponse(reset)})
			return
		}
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": toSessionResponse(sess)})
}

func toRouterResponse(rt *model.ManagedRouter) map[string]any {
	return map[string]any{
		"router_id":  rt.ID,
		"name":       rt.Name,
		"address":    rt.Address,
		"api_port":   rt.APIPort,
		"tenant":     rt.Tenant,
		"username":   rt.Username,
		"created_at": rt.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at": rt.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func toAccountResponse(a model.Account) map[string]any {
	return map[string]any{
		"id":              a.ID,
		"username":        a.Username,
		"service":         a.Service,
		"profile":         a.Profile,
		"comment":         a.Comment,
		"limit_bytes_out": a.LimitBytesOut,
		"disabled":        a.Disabled,
	}
}

func toQueueResponse(q model.Queue) map[string]any {
	return map[string]any{
		"id":              q.ID,
		"name":            q.Name,
		"target":          q.Target,
		"max_limit":       q.MaxLimit,
		"burst_limit":     q.BurstLimit,
		"burst_threshold": q.BurstThreshold,
		"burst_time":      q.BurstTime,
		"priority":        q.Priority,
		"parent":          q.Parent,
		"comment":         q.Comment,
		"disabled":        q.Disabled,
	}
}

func toVoucherResponse(v model.Voucher) map[string]any {
	resp := map[string]any{
		"code":       v.Code,
		"router_id":  v.RouterID,
		"plan_id":    v.PlanID,
		"consumed":   v.Consumed,
		"created_at": v.CreatedAt.UTC().Format(time.RFC3339),
	}
	if v.Password != "" {
		resp["password"] = v.Password
	}
	if v.ConsumedAt != nil {
		resp["consumed_by"] = v.ConsumedBy
		resp["consumed_at"] = v.ConsumedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

func toCredentialResponse(sum model.CredentialSummary) map[string]any {
	resp := map[string]any{
		"tenant":         sum.Tenant,
		"type":           string(sum.Kind),
		"shortcode_hint": sum.ShortcodeHint,
		"callback_url":   sum.CallbackURL,
		"updated_at":     sum.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if sum.CallbackRegisteredAt != nil {
		resp["callback_registered_at"] = sum.CallbackRegisteredAt.UTC().Format(time.RFC3339)
	}
	return resp
}
