package jsonrpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	mandates "github.com/goliatone/go-mandates"
	"github.com/goliatone/go-mandates/core"
	mandatesquery "github.com/goliatone/go-mandates/query"
	"github.com/goliatone/go-mandates/ratelimit"
)

const defaultMaxBodyBytes int64 = 1 << 20

// AgentInfo describes the agent in the agent card and health payloads.
type AgentInfo struct {
	Name        string
	Description string
	Provider    string
	Version     string
	BaseURL     string
	Currency    string
	Environment string
}

// HealthCheck reports whether a dependency such as the database is usable.
type HealthCheck func(ctx context.Context) error

type Server struct {
	facade       *mandates.Facade
	agent        AgentInfo
	logger       core.Logger
	limiter      *ratelimit.ClientLimiter
	health       HealthCheck
	maxBodyBytes int64
	now          func() time.Time
	methods      map[string]methodHandler

	allowedOrigins []string
	debug          bool
}

type Option func(*Server)

func WithAgentInfo(info AgentInfo) Option {
	return func(s *Server) {
		s.agent = info
	}
}

func WithLogger(logger core.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRateLimit limits each client IP to perMinute requests. Zero disables
// limiting.
func WithRateLimit(perMinute int, opts ...ratelimit.Option) Option {
	return func(s *Server) {
		s.limiter = ratelimit.NewClientLimiter(perMinute, opts...)
	}
}

func WithHealthCheck(check HealthCheck) Option {
	return func(s *Server) {
		s.health = check
	}
}

func WithMaxBodyBytes(limit int64) Option {
	return func(s *Server) {
		if limit > 0 {
			s.maxBodyBytes = limit
		}
	}
}

// WithCORS allows browser calls from the given origins. No origins leaves
// CORS disabled.
func WithCORS(origins ...string) Option {
	return func(s *Server) {
		s.allowedOrigins = nil
		for _, origin := range origins {
			if origin = strings.TrimSpace(origin); origin != "" {
				s.allowedOrigins = append(s.allowedOrigins, origin)
			}
		}
	}
}

// WithDebug drops the content security policy header.
func WithDebug(debug bool) Option {
	return func(s *Server) {
		s.debug = debug
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

func NewServer(facade *mandates.Facade, opts ...Option) (*Server, error) {
	if facade == nil {
		return nil, fmt.Errorf("jsonrpc: mandates facade is required")
	}
	server := &Server{
		facade: facade,
		agent: AgentInfo{
			Name:        "Consulting Agent",
			Description: "Paid consulting tasks settled through intent, cart and payment mandates",
			Version:     "1.0.0",
			Currency:    "USD",
		},
		logger:       glog.Nop(),
		limiter:      ratelimit.NewClientLimiter(60),
		maxBodyBytes: defaultMaxBodyBytes,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(server)
		}
	}
	server.methods = server.methodTable()
	return server, nil
}

// Routes builds the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLog)
	r.Use(middleware.Recoverer)
	r.Use(s.securityHeaders)
	if len(s.allowedOrigins) > 0 {
		r.Use(s.corsHandler())
	}
	r.Use(s.rateLimit)

	r.Get("/", s.handleStatus)
	r.Post("/", s.handleRPC)
	r.Post("/rpc", s.handleRPC)
	r.Post("/a2a", s.handleRPC)
	r.Get("/.well-known/agent.json", s.handleAgentCard)
	r.Get("/health", s.handleHealth)
	r.Get("/mandates/{id}", s.handleGetMandate)
	r.Get("/mandates/cart/{id}", s.handleGetTypedMandate(core.MandateKindCart))
	r.Get("/mandates/payment/{id}", s.handleGetTypedMandate(core.MandateKindPayment))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httpError(w, r, transportError("route not found", goerrors.CategoryNotFound, http.StatusNotFound, "NOT_FOUND"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		httpError(w, r, transportError("method not allowed", goerrors.CategoryMethodNotAllowed, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED"))
	})
	return r
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := s.limiter.Allow(clientIP(r))
		var throttled ratelimit.ThrottledError
		if errors.As(err, &throttled) {
			w.Header().Set("Retry-After", strconv.Itoa(throttled.RetryAfterSeconds()))
			s.logger.Warn("rate limit exceeded", "client", throttled.ClientKey, "path", r.URL.Path)
			httpError(w, r, throttled.ToServiceError())
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleAgentCard(w http.ResponseWriter, r *http.Request) {
	entries, err := s.facade.Queries().ListServices.Query(r.Context(), mandatesquery.ListServicesMessage{})
	if err != nil {
		httpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, buildAgentCard(s.agent, entries))
}

type healthResponse struct {
	Status            string `json:"status"`
	Agent             string `json:"agent"`
	Version           string `json:"version"`
	Timestamp         string `json:"timestamp"`
	AP2Enabled        bool   `json:"ap2_enabled"`
	DatabaseConnected *bool  `json:"database_connected,omitempty"`
	Detail            string `json:"detail,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:     "healthy",
		Agent:      s.agent.Name,
		Version:    s.agent.Version,
		Timestamp:  s.now().Format(time.RFC3339),
		AP2Enabled: true,
	}
	status := http.StatusOK
	if s.health != nil {
		connected := true
		if err := s.health(r.Context()); err != nil {
			connected = false
			resp.Status = "unhealthy"
			resp.Detail = "database unavailable"
			status = http.StatusServiceUnavailable
			s.logger.Error("health check failed", "error", err)
		}
		resp.DatabaseConnected = &connected
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleGetMandate(w http.ResponseWriter, r *http.Request) {
	record, err := s.facade.Queries().GetMandate.Query(r.Context(), mandatesquery.GetMandateMessage{
		MandateID: chi.URLParam(r, "id"),
	})
	if err != nil {
		httpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// handleGetTypedMandate answers 404 when the id names a mandate of another kind.
func (s *Server) handleGetTypedMandate(kind core.MandateKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		record, err := s.facade.Queries().GetMandate.Query(r.Context(), mandatesquery.GetMandateMessage{MandateID: id})
		if err != nil {
			httpError(w, r, err)
			return
		}
		if record.Kind != kind {
			httpError(w, r, transportError(fmt.Sprintf("%s mandate not found", kind), goerrors.CategoryNotFound, http.StatusNotFound, core.ErrorKindMandateNotFound))
			return
		}
		var mandate any = record.Cart
		if kind == core.MandateKindPayment {
			mandate = record.Payment
		}
		writeJSON(w, http.StatusOK, typedMandateResponse{Type: string(kind), Mandate: mandate})
	}
}

type typedMandateResponse struct {
	Type    string `json:"type"`
	Mandate any    `json:"mandate"`
}

type statusService struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Price       string `json:"price"`
}

type statusResponse struct {
	Agent           string            `json:"agent"`
	Version         string            `json:"version"`
	Status          string            `json:"status"`
	PaymentProtocol string            `json:"payment_protocol"`
	Environment     string            `json:"environment,omitempty"`
	Services        []statusService   `json:"services"`
	AgentCard       string            `json:"agent_card"`
	AP2Endpoints    map[string]string `json:"ap2_endpoints"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	entries, err := s.facade.Queries().ListServices.Query(r.Context(), mandatesquery.ListServicesMessage{})
	if err != nil {
		httpError(w, r, err)
		return
	}
	resp := statusResponse{
		Agent:           s.agent.Name,
		Version:         s.agent.Version,
		Status:          "operational",
		PaymentProtocol: "AP2 v0.1",
		Environment:     s.agent.Environment,
		Services:        make([]statusService, 0, len(entries)),
		AgentCard:       strings.TrimRight(s.agent.BaseURL, "/") + "/.well-known/agent.json",
		AP2Endpoints:    map[string]string{},
	}
	for _, entry := range entries {
		currency := entry.Currency
		if currency == "" {
			currency = s.agent.Currency
		}
		resp.Services = append(resp.Services, statusService{
			ID:          entry.ServiceID,
			Description: entry.Description,
			Price:       entry.UnitPrice.StringFixed(2) + " " + strings.ToUpper(currency),
		})
	}
	for _, method := range []string{MethodCreateIntentMandate, MethodCreateCartMandate, MethodProcessPayment, MethodSubmitTask, MethodSendMessage} {
		resp.AP2Endpoints[method] = "POST /a2a (method: " + method + ")"
	}
	writeJSON(w, http.StatusOK, resp)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}
