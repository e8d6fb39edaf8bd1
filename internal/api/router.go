package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	log "github.com/sirupsen/logrus"

	"github.com/wavenet/access-control-plane/internal/auth"
	"github.com/wavenet/access-control-plane/internal/config"
	"github.com/wavenet/access-control-plane/internal/metrics"
	"github.com/wavenet/access-control-plane/internal/model"
	"github.com/wavenet/access-control-plane/internal/payment"
	"github.com/wavenet/access-control-plane/internal/ratelimit"
	"github.com/wavenet/access-control-plane/internal/routeros"
	"github.com/wavenet/access-control-plane/internal/store"
	"github.com/wavenet/access-control-plane/internal/voucher"
)

type Store interface {
	Ping(ctx context.Context) error

	CreateRouter(ctx context.Context, in store.CreateRouterInput) (*model.ManagedRouter, error)
	GetRouter(ctx context.Context, id string) (*model.ManagedRouter, error)
	ListRouters(ctx context.Context) ([]model.ManagedRouter, error)
	UpdateRouterCredentials(ctx context.Context, id, username, passwordSealed string) (*model.ManagedRouter, error)
	DeleteRouter(ctx context.Context, id string) error

	CreatePlan(ctx context.Context, p model.Plan) (*model.Plan, error)
	UpdatePlan(ctx context.Context, p model.Plan) (*model.Plan, error)
	GetPlan(ctx context.Context, id string) (*model.Plan, error)
	ListPlans(ctx context.Context, routerID string) ([]model.Plan, error)
	ListPlansForRouterAddress(ctx context.Context, address string) ([]model.Plan, error)

	ListVouchers(ctx context.Context, routerID string, includeConsumed bool) ([]model.Voucher, error)
	ListActiveSessions(ctx context.Context, routerID string) ([]model.Session, error)
	ListProvisionFailed(ctx context.Context) ([]model.Session, error)
}

type Payments interface {
	Initiate(ctx context.Context, in payment.InitiateInput) (*payment.Initiated, error)
	OnCallback(ctx context.Context, tenant, token string, body []byte) error
	ValidateC2B(ctx context.Context, tenant, token string, body []byte) (string, error)
	OnC2BConfirmation(ctx context.Context, tenant, token string, body []byte) error
	PaymentStatus(ctx context.Context, reference string) (payment.Status, error)
	AwaitActivation(ctx context.Context, reference string) (payment.Status, error)
	HasActiveSession(ctx context.Context, routerID, key string) (bool, error)
}

type Vouchers interface {
	GenerateBatch(ctx context.Context, in voucher.BatchInput) ([]model.Voucher, error)
	Redeem(ctx context.Context, routerID, code, password, key string) (*model.Session, error)
}

type Sessions interface {
	Activate(ctx context.Context, reference string) (*model.Session, error)
	ResetProvisioning(ctx context.Context, reference string) (*model.Session, error)
	DisconnectManually(ctx context.Context, routerID, key string) (*model.Session, error)
}

type Vault interface {
	Store(ctx context.Context, tenant string, in model.CredentialsInput) (model.CredentialSummary, error)
	Describe(ctx context.Context, tenant string) (model.CredentialSummary, error)
	RegisterCallback(ctx context.Context, tenant string) (model.CredentialSummary, error)
	SealRouterPassword(ctx context.Context, password string) (string, error)
}

type Gateways interface {
	Retrying(ctx context.Context, router model.ManagedRouter) (routeros.Gateway, error)
	Invalidate(routerID string)
}

type Deps struct {
	Store    Store
	Payments Payments
	Vouchers Vouchers
	Sessions Sessions
	Vault    Vault
	Gateways Gateways
	Limiter  ratelimit.Limiter
}

type Server struct {
	cfg config.Config
	Deps
	now func() time.Time
}

func NewRouter(cfg config.Config, deps Deps) http.Handler {
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.NewMemoryLimiter(cfg.Tunables.PortalRateLimitWindow)
	}
	s := &Server{cfg: cfg, Deps: deps, now: time.Now}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestMetrics)
	// Payment status long-polls for up to PollInterval*PollAttempts.
	r.Use(middleware.Timeout(3 * time.Minute))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/metrics", metrics.Default().Handler().ServeHTTP)

	portalCORS := cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         600,
	})

	r.Route("/api/v1", func(v1 chi.Router) {
		v1.Route("/portal", func(p chi.Router) {
			p.Use(portalCORS.Handler)
			p.Use(s.rateLimit)
			p.Get("/plans", s.handlePortalPlans)
			p.Post("/payments", s.handleInitiatePayment)
			p.Get("/payments/{reference}", s.handlePaymentStatus)
			p.Get("/sessions/active", s.handleHasActiveSession)
			p.Post("/vouchers/redeem", s.handleRedeemVoucher)
		})

		v1.Post("/payments/callback/{tenant}/{token}", s.handlePaymentCallback)
		v1.Post("/payments/c2b/{tenant}/{token}/validation", s.handleC2BValidation)
		v1.Post("/payments/c2b/{tenant}/{token}/confirmation", s.handleC2BConfirmation)

		v1.Route("/admin", func(a chi.Router) {
			a.Use(auth.Middleware(cfg.JWTSecret))

			a.Post("/routers", s.handleCreateRouter)
			a.Get("/routers", s.handleListRouters)
			a.Get("/routers/{routerID}", s.handleGetRouter)
			a.Put("/routers/{routerID}/credentials", s.handleUpdateRouterCredentials)
			a.Delete("/routers/{routerID}", s.handleDeleteRouter)

			a.Get("/routers/{routerID}/accounts", s.handleListAccounts)
			a.Put("/routers/{routerID}/accounts", s.handleUpsertAccount)
			a.Delete("/routers/{routerID}/accounts/{id}", s.handleDeleteAccount)
			a.Get("/routers/{routerID}/queues", s.handleListQueues)
			a.Put("/routers/{routerID}/queues", s.handleUpsertQueue)
			a.Delete("/routers/{routerID}/queues/{id}", s.handleDeleteQueue)
			a.Get("/routers/{routerID}/active", s.handleListLiveSessions)
			a.Delete("/routers/{routerID}/active/{id}", s.handleDropLiveSession)

			a.Post("/plans", s.handleCreatePlan)
			a.Get("/plans", s.handleListPlans)
			a.Put("/plans/{planID}", s.handleUpdatePlan)

			a.Post("/vouchers", s.handleGenerateVouchers)
			a.Get("/vouchers", s.handleListVouchers)

			a.Put("/credentials/{tenant}", s.handleStoreCredentials)
			a.Get("/credentials/{tenant}", s.handleDescribeCredentials)
			a.Post("/credentials/{tenant}/register-callback", s.handleRegisterCallback)

			a.Get("/sessions/active", s.handleListActiveSessions)
			a.Get("/sessions/failed", s.handleListFailedSessions)
			a.Post("/sessions/disconnect", s.handleDisconnect)
			a.Post("/sessions/{reference}/retry", s.handleRetryProvisioning)
		})
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.Store.Ping(ctx); err != nil {
		log.WithError(err).Warn("healthz: database ping failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		res, err := s.Limiter.Allow(r.Context(), "portal:"+s.clientIP(r), s.cfg.Tunables.PortalRateLimit, s.now())
		if err != nil {
			log.WithError(err).Warn("portal rate limit check failed")
			next.ServeHTTP(w, r)
			return
		}
		if !res.Allowed {
			metrics.Default().IncCounter("access_portal_rate_limited_total", nil)
			retry := int(res.Reset.Sub(s.now()).Seconds()) + 1
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			writeAPIError(w, r, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP is the address a portal request is limited by. Forwarding
// headers count only when the socket peer is a configured proxy, and then
// the rightmost X-Forwarded-For hop that is not itself a proxy wins.
func (s *Server) clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	peer, err := netip.ParseAddr(host)
	if err != nil || !s.trustedProxy(peer) {
		return host
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
			if err != nil {
				break
			}
			if !s.trustedProxy(hop) {
				return hop.Unmap().String()
			}
		}
	}
	if real, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
		return real.Unmap().String()
	}
	return host
}

func (s *Server) trustedProxy(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range s.cfg.TrustedProxies {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.Default().IncCounter("access_http_requests_total", map[string]string{
			"method": r.Method,
			"route":  route,
			"code":   strconv.Itoa(status/100) + "xx",
		})
	})
}

type apiError struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"request_id,omitempty"`
	} `json:"error"`
}

func writeAPIError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	var payload apiError
	payload.Error.Code = code
	payload.Error.Message = message
	payload.Error.RequestID = middleware.GetReqID(r.Context())
	writeJSON(w, status, payload)
}

// writeError maps domain errors onto the error envelope. Anything unknown
// is logged and reported as internal.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *model.ValidationError
	switch {
	case errors.As(err, &verr):
		writeAPIError(w, r, http.StatusBadRequest, "invalid_request", verr.Error())
	case errors.Is(err, model.ErrInvalidPhone):
		writeAPIError(w, r, http.StatusBadRequest, "invalid_phone", err.Error())
	case errors.Is(err, model.ErrInvalidPlan):
		writeAPIError(w, r, http.StatusBadRequest, "invalid_plan", err.Error())
	case errors.Is(err, model.ErrVoucherNotFound):
		writeAPIError(w, r, http.StatusNotFound, "voucher_not_found", "voucher not found")
	case errors.Is(err, model.ErrVoucherAlreadyConsumed):
		writeAPIError(w, r, http.StatusConflict, "voucher_consumed", "voucher already used")
	case errors.Is(err, model.ErrVoucherRouterMismatch):
		writeAPIError(w, r, http.StatusConflict, "voucher_router_mismatch", "voucher is not valid on this router")
	case errors.Is(err, model.ErrCredentialsNotFound):
		writeAPIError(w, r, http.StatusNotFound, "credentials_not_found", err.Error())
	case errors.Is(err, model.ErrNotFound):
		writeAPIError(w, r, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, model.ErrAlreadyActive):
		writeAPIError(w, r, http.StatusConflict, "already_active", "device already has an active session")
	case errors.Is(err, model.ErrRouterInUse):
		writeAPIError(w, r, http.StatusConflict, "router_in_use", err.Error())
	case errors.Is(err, voucher.ErrCodeSpaceExhausted):
		writeAPIError(w, r, http.StatusConflict, "code_space_exhausted", err.Error())
	case errors.Is(err, model.ErrProvisioningDelayed):
		writeAPIError(w, r, http.StatusServiceUnavailable, "provisioning_delayed", err.Error())
	case errors.Is(err, model.ErrRouterUnavailable):
		writeAPIError(w, r, http.StatusServiceUnavailable, "router_unavailable", "router is unreachable")
	case errors.Is(err, model.ErrRouterRejected):
		writeAPIError(w, r, http.StatusBadGateway, "router_rejected", err.Error())
	case errors.Is(err, model.ErrGatewayRejected):
		writeAPIError(w, r, http.StatusBadGateway, "gateway_rejected", "payment request was rejected")
	default:
		log.WithError(err).WithFields(log.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"request_id": middleware.GetReqID(r.Context()),
		}).Error("request failed")
		writeAPIError(w, r, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeAPIError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return false
	}
	return true
}
