package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/manav2701/Aperture/internal/connectors"
	"github.com/manav2701/Aperture/internal/domain"
	"github.com/manav2701/Aperture/internal/gate"
	"github.com/manav2701/Aperture/internal/identity"
	"github.com/manav2701/Aperture/internal/infra"
	"github.com/manav2701/Aperture/internal/lifecycle"
	"go.uber.org/zap"
)

// Заголовки платежного прокси.
const (
	HeaderAmount        = "X-Payment-Amount"
	HeaderAsset         = "X-Payment-Asset"
	HeaderFacilitator   = "X-Facilitator"
	HeaderPolicyStatus  = "X-Policy-Status"
	HeaderReservationID = "X-Reservation-ID"
)

// Значения X-Policy-Status.
const (
	PolicyApproved  = "approved"
	PolicyBlocked   = "blocked"
	PolicyFailed    = "failed"    // Апстрим не выполнил работу, резерв возвращен
	PolicyUnsettled = "unsettled" // Расчет не записался, резерв истечет по TTL
	PolicyExpired   = "expired"   // Резерв истек до расчета, платеж не списан
)

// maxRequestBody: тело запроса агента читаем в память целиком.
const maxRequestBody = 10 << 20

// PaymentGate: то, что шлюзу нужно от gate.Gate.
type PaymentGate interface {
	Evaluate(ctx context.Context, req domain.PaymentRequest, now time.Time) (domain.Verdict, error)
	Settle(ctx context.Context, reservationID string, outcome domain.Outcome, sc gate.SettleContext, now time.Time) (*domain.PaymentRecord, error)
	RecordBlocked(ctx context.Context, req domain.PaymentRequest, reason domain.Reason, now time.Time) (*domain.PaymentRecord, error)
}

// Gateway: Data Plane: платежный прокси и API evaluate/settle.
type Gateway struct {
	gate     PaymentGate
	upstream connectors.Executor
	clock    infra.Clock
	metrics  *Metrics
	logger   *zap.Logger
}

func NewGateway(g PaymentGate, upstream connectors.Executor, clock infra.Clock, metrics *Metrics, logger *zap.Logger) *Gateway {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Gateway{
		gate:     g,
		upstream: upstream,
		clock:    clock,
		metrics:  metrics,
		logger:   logger.Named("gateway"),
	}
}

// Router собирает HTTP API. authMw и admission (Watcher.Middleware) могут быть nil.
func (gw *Gateway) Router(authMw, admission func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(TracingMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Group(func(r chi.Router) {
		if authMw != nil {
			r.Use(authMw)
		}
		r.Post("/v1/payments/evaluate", gw.HandleEvaluate)
		r.Post("/v1/payments/{id}/settle", gw.HandleSettle)

		r.Group(func(r chi.Router) {
			if admission != nil {
				r.Use(admission)
			}
			r.HandleFunc("/v1/proxy", gw.HandleProxy)
		})
	})
	return r
}

// HandleProxy: evaluate, вызов платного сервиса, settle по исходу.
func (gw *Gateway) HandleProxy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, target, err := parseProxyRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := authorizeAgent(ctx, req.AgentID); err != nil {
		writeError(w, err)
		return
	}
	req.TraceID = TraceID(ctx)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, fmt.Errorf("%w: read body: %v", domain.ErrInvalidArgument, err))
		return
	}

	verdict, err := gw.gate.Evaluate(ctx, req, gw.clock.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	if !verdict.Allowed {
		gw.metrics.ProxyRequests.WithLabelValues(PolicyBlocked).Inc()
		w.Header().Set(HeaderPolicyStatus, PolicyBlocked)
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "payment_blocked", "reason": string(verdict.Reason)})
		return
	}

	resID := verdict.ReservationID()
	start := time.Now()
	resp, callErr := gw.upstream.Do(ctx, &connectors.Request{
		Method: r.Method,
		URL:    target,
		Header: forwardHeaders(r.Header, req.TraceID),
		Body:   body,
	})

	outcome, detail := domain.OutcomeSuccess, ""
	switch {
	case callErr != nil:
		outcome, detail = domain.OutcomeFailure, callErr.Error()
	case !resp.OK():
		outcome, detail = domain.OutcomeFailure, "upstream_status="+strconv.Itoa(resp.Status)
	default:
		detail = "upstream_status=" + strconv.Itoa(resp.Status)
	}
	gw.metrics.UpstreamDuration.WithLabelValues(string(outcome)).Observe(time.Since(start).Seconds())

	// Расчет не должен зависеть от отмены запроса агентом: резерв уже потрачен или нет.
	settleCtx := context.WithoutCancel(ctx)
	var status string
	rec, err := gw.gate.Settle(settleCtx, resID, outcome, gate.SettleContext{TraceID: req.TraceID, Detail: detail}, gw.clock.Now())
	if err != nil {
		gw.logger.Error("settle after upstream call failed",
			zap.String("reservation_id", resID),
			zap.String("outcome", string(outcome)),
			zap.Error(err),
		)
		status = PolicyUnsettled
	} else {
		status = settledStatus(rec)
	}
	if status == PolicyExpired {
		gw.logger.Warn("reservation expired before settle",
			zap.String("reservation_id", resID),
			zap.String("agent_id", req.AgentID),
		)
	}
	gw.metrics.ProxyRequests.WithLabelValues(status).Inc()

	w.Header().Set(HeaderPolicyStatus, status)
	w.Header().Set(HeaderReservationID, resID)
	if callErr != nil {
		gw.logger.Warn("upstream call failed", zap.String("target", target), zap.Error(callErr))
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "upstream_failed", "reason": string(domain.ReasonPaymentFailed)})
		return
	}

	for k, vs := range resp.Header {
		if hopByHop(k) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

// RecordEarlyReject: lifecycle.RejectHook: отказ Watcher до Gate тоже попадает в журнал.
func (gw *Gateway) RecordEarlyReject(r *http.Request, agentID string, reason domain.Reason) {
	req := domain.PaymentRequest{
		AgentID: agentID,
		Asset:   domain.NormalizeAsset(r.Header.Get(HeaderAsset)),
		TraceID: TraceID(r.Context()),
	}
	// Остальные поля best-effort: запрос может быть некорректным
	req.Amount, _ = strconv.ParseUint(r.Header.Get(HeaderAmount), 10, 64)
	req.ServiceID, _ = identity.NormalizeService(r.URL.Query().Get("target"))
	req.FacilitatorID, _ = identity.NormalizeFacilitator(r.Header.Get(HeaderFacilitator))

	if _, err := gw.gate.RecordBlocked(r.Context(), req, reason, gw.clock.Now()); err != nil {
		gw.logger.Error("failed to record early rejection", zap.String("agent_id", agentID), zap.Error(err))
	}
	gw.metrics.ProxyRequests.WithLabelValues(PolicyBlocked).Inc()
}

type evaluateRequest struct {
	AgentID     string `json:"agent_id"`
	Amount      uint64 `json:"amount"`
	Asset       string `json:"asset"`
	Service     string `json:"service"`
	Facilitator string `json:"facilitator"`
}

type evaluateResponse struct {
	Allowed       bool          `json:"allowed"`
	Reason        domain.Reason `json:"reason"`
	ReservationID string        `json:"reservation_id,omitempty"`
	ExpiresAt     *time.Time    `json:"expires_at,omitempty"`
	RecordID      string        `json:"record_id,omitempty"`
}

// HandleEvaluate: POST /v1/payments/evaluate для агентов, которые платят сами.
func (gw *Gateway) HandleEvaluate(w http.ResponseWriter, r *http.Request) {
	var in evaluateRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&in); err != nil {
		writeError(w, fmt.Errorf("%w: invalid json: %v", domain.ErrInvalidArgument, err))
		return
	}
	if err := authorizeAgent(r.Context(), in.AgentID); err != nil {
		writeError(w, err)
		return
	}

	req, err := buildPaymentRequest(in.AgentID, in.Amount, in.Asset, in.Service, in.Facilitator)
	if err != nil {
		writeError(w, err)
		return
	}
	req.TraceID = TraceID(r.Context())

	verdict, err := gw.gate.Evaluate(r.Context(), req, gw.clock.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newEvaluateResponse(verdict))
}

type settleRequest struct {
	Outcome domain.Outcome `json:"outcome"`
	Detail  string         `json:"detail"`
}

// HandleSettle: POST /v1/payments/{id}/settle. Повторный вызов возвращает ту же запись.
func (gw *Gateway) HandleSettle(w http.ResponseWriter, r *http.Request) {
	var in settleRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&in); err != nil {
		writeError(w, fmt.Errorf("%w: invalid json: %v", domain.ErrInvalidArgument, err))
		return
	}

	rec, err := gw.gate.Settle(r.Context(), chi.URLParam(r, "id"), in.Outcome,
		gate.SettleContext{TraceID: TraceID(r.Context()), Detail: in.Detail}, gw.clock.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func newEvaluateResponse(v domain.Verdict) evaluateResponse {
	out := evaluateResponse{Allowed: v.Allowed, Reason: v.Reason}
	if v.Reservation != nil {
		out.ReservationID = v.Reservation.ID
		exp := v.Reservation.ExpiresAt
		out.ExpiresAt = &exp
	}
	if v.Record != nil {
		out.RecordID = v.Record.ID
	}
	return out
}

func parseProxyRequest(r *http.Request) (domain.PaymentRequest, string, error) {
	target := r.URL.Query().Get("target")
	if target == "" {
		return domain.PaymentRequest{}, "", fmt.Errorf("%w: target query param is required", domain.ErrInvalidArgument)
	}

	raw := r.Header.Get(HeaderAmount)
	amount, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return domain.PaymentRequest{}, "", fmt.Errorf("%w: %s must be a positive integer: %q", domain.ErrInvalidArgument, HeaderAmount, raw)
	}

	req, err := buildPaymentRequest(r.Header.Get(lifecycle.AgentHeader), amount,
		r.Header.Get(HeaderAsset), target, r.Header.Get(HeaderFacilitator))
	return req, target, err
}

func buildPaymentRequest(agentID string, amount uint64, asset, service, facilitator string) (domain.PaymentRequest, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return domain.PaymentRequest{}, fmt.Errorf("%w: agent id is required", domain.ErrInvalidArgument)
	}
	serviceID, err := identity.NormalizeService(service)
	if err != nil {
		return domain.PaymentRequest{}, err
	}
	facilitatorID, err := identity.NormalizeFacilitator(facilitator)
	if err != nil {
		return domain.PaymentRequest{}, err
	}
	return domain.PaymentRequest{
		AgentID:       agentID,
		Amount:        amount,
		Asset:         domain.NormalizeAsset(asset),
		ServiceID:     serviceID,
		FacilitatorID: facilitatorID,
	}, nil
}

// settledStatus: X-Policy-Status по фактически записанному исходу, а не по ответу апстрима.
func settledStatus(rec *domain.PaymentRecord) string {
	switch rec.Stage {
	case domain.StageSuccess:
		return PolicyApproved
	case domain.StageExpired:
		return PolicyExpired
	default:
		return PolicyFailed
	}
}

// forwardHeaders: заголовки агента без служебных заголовков шлюза.
func forwardHeaders(in http.Header, traceID string) http.Header {
	out := make(http.Header, len(in))
	for k, vs := range in {
		switch http.CanonicalHeaderKey(k) {
		case "Authorization", http.CanonicalHeaderKey(lifecycle.AgentHeader), HeaderAmount, HeaderAsset, HeaderFacilitator:
			continue
		}
		if hopByHop(k) {
			continue
		}
		out[k] = append([]string(nil), vs...)
	}
	if traceID != "" {
		out.Set(TraceHeader, traceID)
	}
	return out
}

func hopByHop(key string) bool {
	switch http.CanonicalHeaderKey(key) {
	case "Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
		"Te", "Trailer", "Transfer-Encoding", "Upgrade", "Content-Length":
		return true
	}
	return false
}

// statusFor: HTTP статус по коду причины. Сбои хранилища отдаются как 503: платеж не разрешен.
func statusFor(reason domain.Reason) int {
	switch reason {
	case domain.ReasonInvalidArgument:
		return http.StatusBadRequest
	case domain.ReasonUnauthorized:
		return http.StatusForbidden
	case domain.ReasonInvalidReservation, domain.ReasonNotFound:
		return http.StatusNotFound
	case domain.ReasonArithmeticOverflow:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusServiceUnavailable
	}
}

func writeError(w http.ResponseWriter, err error) {
	reason := domain.ReasonOf(err)
	msg := err.Error()
	if reason == domain.ReasonInternal {
		msg = "payment engine unavailable" // детали сбоя хранилища наружу не отдаем
	}
	writeJSON(w, statusFor(reason), map[string]string{"error": msg, "reason": string(reason)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
