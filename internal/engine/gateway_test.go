package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/manav2701/Aperture/internal/approval"
	"github.com/manav2701/Aperture/internal/audit"
	"github.com/manav2701/Aperture/internal/connectors"
	"github.com/manav2701/Aperture/internal/domain"
	"github.com/manav2701/Aperture/internal/gate"
	"github.com/manav2701/Aperture/internal/infra"
	"github.com/manav2701/Aperture/internal/infra/auth"
	"github.com/manav2701/Aperture/internal/ledger"
	"github.com/manav2701/Aperture/internal/lifecycle"
	"github.com/manav2701/Aperture/internal/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	agent       = "SP2J6ZY48GV1EZ5V2V5RB9MP66SW86PYKKNRV9EJ7"
	service     = "https://weather.example.com"
	facilitator = "SP3FACILITATOR"
)

// tokenTable: валидатор, который знает токены заранее.
type tokenTable map[string]*domain.CustomClaims

func (t tokenTable) VerifyToken(s string) (*domain.CustomClaims, error) {
	c, ok := t[strings.TrimPrefix(s, "Bearer ")]
	if !ok {
		return nil, errors.New("invalid token")
	}
	return c, nil
}

var tokens = tokenTable{
	"agent-token": {UserID: agent},
	"other-token": {UserID: "SP_OTHER"},
	"admin-token": {UserID: "ops", Scopes: map[string]bool{domain.ScopeAdmin: true}},
}

type fixture struct {
	clock     *infra.ManualClock
	lifecycle *lifecycle.Controller
	ledger    *ledger.Ledger
	audit     *audit.MemoryStore
	gate      *gate.Gate
	upstream  *connectors.MockConnector
	gw        *Gateway
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	log := zap.NewNop()
	f := &fixture{
		clock:    infra.NewManualClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
		audit:    audit.NewMemoryStore(),
		upstream: &connectors.MockConnector{},
	}

	policies := policy.NewRegistry(policy.NewMemoryRepository(), nil, f.clock, log)
	approvals := approval.NewRegistry(approval.NewMemoryRepository(), policies, f.clock, log)
	f.lifecycle = lifecycle.NewController(lifecycle.NewMemoryRepository(), policies, nil, f.clock, log)
	f.ledger = ledger.New(ledger.NewMemoryStore(), policies, ledger.Config{ReservationTTL: time.Minute}, log)
	f.gate = gate.New(policies, f.lifecycle, approvals, f.ledger, audit.NewTrail(f.audit, nil, log), nil, log)
	f.gw = NewGateway(f.gate, f.upstream, f.clock, nil, log)

	_, err := policies.Create(ctx, agent, agent, domain.Limits{
		PerTx: map[domain.Asset]uint64{domain.AssetSTX: 100_000},
		Daily: map[domain.Asset]uint64{domain.AssetSTX: 1_000_000},
	})
	require.NoError(t, err)
	require.NoError(t, approvals.Approve(ctx, agent, agent, domain.KindService, service))
	require.NoError(t, approvals.Approve(ctx, agent, agent, domain.KindFacilitator, facilitator))
	return f
}

func (f *fixture) server(t *testing.T, admission func(http.Handler) http.Handler) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(f.gw.Router(auth.NewMiddleware(tokens, zap.NewNop()), admission))
	t.Cleanup(srv.Close)
	return srv
}

func proxyRequest(t *testing.T, base, token, amount string) *http.Request {
	t.Helper()
	q := url.Values{"target": []string{"https://Weather.Example.com:443/v1/forecast?city=oslo"}}
	req, err := http.NewRequest(http.MethodPost, base+"/v1/proxy?"+q.Encode(), strings.NewReader(`{"q":1}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(lifecycle.AgentHeader, agent)
	req.Header.Set(HeaderAmount, amount)
	req.Header.Set(HeaderAsset, "stx")
	req.Header.Set(HeaderFacilitator, strings.ToLower(facilitator))
	req.Header.Set("X-Custom", "kept")
	return req
}

func (f *fixture) counter(t *testing.T) *domain.SpendingCounter {
	t.Helper()
	c, err := f.ledger.Counter(context.Background(), agent, domain.AssetSTX, f.clock.Now())
	require.NoError(t, err)
	return c
}

func decode(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestProxyCommitsOnSuccess(t *testing.T) {
	f := newFixture(t)
	var seen *connectors.Request
	f.upstream.Handler = func(req *connectors.Request, _ int) (*connectors.Response, error) {
		seen = req
		return &connectors.Response{Status: http.StatusOK, Header: http.Header{"Content-Type": []string{"application/json"}}, Body: []byte(`{"temp":3}`)}, nil
	}
	srv := f.server(t, nil)

	resp, err := http.DefaultClient.Do(proxyRequest(t, srv.URL, "agent-token", "50000"))
	require.NoError(t, err)
	body := decode(t, resp)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, PolicyApproved, resp.Header.Get(HeaderPolicyStatus))
	assert.NotEmpty(t, resp.Header.Get(HeaderReservationID))
	assert.NotEmpty(t, resp.Header.Get(TraceHeader))
	assert.Equal(t, float64(3), body["temp"])

	require.NotNil(t, seen)
	assert.Equal(t, "https://Weather.Example.com:443/v1/forecast?city=oslo", seen.URL)
	assert.Equal(t, `{"q":1}`, string(seen.Body))
	assert.Equal(t, "kept", seen.Header.Get("X-Custom"))
	assert.Empty(t, seen.Header.Get("Authorization"))
	assert.Empty(t, seen.Header.Get(lifecycle.AgentHeader))
	assert.Equal(t, resp.Header.Get(TraceHeader), seen.Header.Get(TraceHeader))

	c := f.counter(t)
	assert.Equal(t, uint64(50_000), c.Committed)
	assert.Zero(t, c.Reserved)

	rec, err := f.audit.FindSettlement(context.Background(), resp.Header.Get(HeaderReservationID))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, domain.StageSuccess, rec.Stage)
	assert.Equal(t, service, rec.ServiceID)
	assert.Equal(t, "upstream_status=200", rec.Detail)
}

func TestProxyReportsExpiredReservation(t *testing.T) {
	f := newFixture(t)
	f.upstream.Handler = func(*connectors.Request, int) (*connectors.Response, error) {
		// Апстрим отвечает дольше, чем живет резерв
		f.clock.Advance(2 * time.Minute)
		return &connectors.Response{Status: http.StatusOK, Body: []byte(`{"temp":3}`)}, nil
	}
	srv := f.server(t, nil)

	resp, err := http.DefaultClient.Do(proxyRequest(t, srv.URL, "agent-token", "50000"))
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, PolicyExpired, resp.Header.Get(HeaderPolicyStatus))
	c := f.counter(t)
	assert.Zero(t, c.Committed)
	assert.Zero(t, c.Reserved)

	rec, err := f.audit.FindSettlement(context.Background(), resp.Header.Get(HeaderReservationID))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, domain.StageExpired, rec.Stage)
	assert.Equal(t, domain.ReasonReservationExpired, rec.Reason)
}

func TestProxyReleasesOnUpstreamRejection(t *testing.T) {
	f := newFixture(t)
	f.upstream.Handler = func(*connectors.Request, int) (*connectors.Response, error) {
		return &connectors.Response{Status: http.StatusPaymentRequired, Body: []byte(`{"error":"pay"}`)}, nil
	}
	srv := f.server(t, nil)

	resp, err := http.DefaultClient.Do(proxyRequest(t, srv.URL, "agent-token", "50000"))
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.Equal(t, PolicyFailed, resp.Header.Get(HeaderPolicyStatus))
	c := f.counter(t)
	assert.Zero(t, c.Committed)
	assert.Zero(t, c.Reserved)
}

func TestProxyReleasesOnUpstreamError(t *testing.T) {
	f := newFixture(t)
	f.upstream.Handler = func(*connectors.Request, int) (*connectors.Response, error) {
		return nil, &connectors.UpstreamError{Status: http.StatusBadGateway}
	}
	srv := f.server(t, nil)

	resp, err := http.DefaultClient.Do(proxyRequest(t, srv.URL, "agent-token", "50000"))
	require.NoError(t, err)
	body := decode(t, resp)

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, string(domain.ReasonPaymentFailed), body["reason"])
	assert.Equal(t, PolicyFailed, resp.Header.Get(HeaderPolicyStatus))
	assert.Zero(t, f.counter(t).Reserved)

	rec, err := f.audit.FindSettlement(context.Background(), resp.Header.Get(HeaderReservationID))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, domain.StageFailure, rec.Stage)
}

func TestProxyBlockedNeverCallsUpstream(t *testing.T) {
	f := newFixture(t)
	srv := f.server(t, nil)

	resp, err := http.DefaultClient.Do(proxyRequest(t, srv.URL, "agent-token", "200000"))
	require.NoError(t, err)
	body := decode(t, resp)

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, PolicyBlocked, resp.Header.Get(HeaderPolicyStatus))
	assert.Equal(t, string(domain.ReasonPerTxLimitExceeded), body["reason"])
	assert.Zero(t, f.upstream.Calls())
	assert.Zero(t, f.counter(t).Reserved)
}

func TestProxyRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	srv := f.server(t, nil)

	for _, amount := range []string{"", "-5", "1.5", "abc"} {
		resp, err := http.DefaultClient.Do(proxyRequest(t, srv.URL, "agent-token", amount))
		require.NoError(t, err)
		body := decode(t, resp)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "amount %q", amount)
		assert.Equal(t, string(domain.ReasonInvalidArgument), body["reason"])
	}

	resp, err := http.DefaultClient.Do(proxyRequest(t, srv.URL, "agent-token", "0"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Zero(t, f.upstream.Calls())
}

func TestProxyRequiresMatchingCaller(t *testing.T) {
	f := newFixture(t)
	srv := f.server(t, nil)

	resp, err := http.DefaultClient.Do(proxyRequest(t, srv.URL, "other-token", "10"))
	require.NoError(t, err)
	body := decode(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, string(domain.ReasonUnauthorized), body["reason"])

	resp, err = http.DefaultClient.Do(proxyRequest(t, srv.URL, "bogus", "10"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.DefaultClient.Do(proxyRequest(t, srv.URL, "admin-token", "10"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWatcherRejectionIsAudited(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.lifecycle.Pause(ctx, agent, agent)
	require.NoError(t, err)

	w := lifecycle.NewWatcher(f.lifecycle, nil, zap.NewNop())
	require.NoError(t, w.Init(ctx))
	w.OnReject(f.gw.RecordEarlyReject)
	srv := f.server(t, w.Middleware)

	resp, err := http.DefaultClient.Do(proxyRequest(t, srv.URL, "agent-token", "700"))
	require.NoError(t, err)
	body := decode(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, string(domain.ReasonAgentPaused), body["reason"])
	assert.Zero(t, f.upstream.Calls())

	recs, err := f.audit.List(ctx, domain.RecordFilter{AgentID: agent})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, domain.DecisionBlocked, recs[0].Decision)
	assert.Equal(t, domain.ReasonAgentPaused, recs[0].Reason)
	assert.Equal(t, uint64(700), recs[0].Amount)
	assert.Equal(t, domain.AssetSTX, recs[0].Asset)
	assert.Equal(t, service, recs[0].ServiceID)
}

func TestUnpauseReachesProxyWithoutRedis(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.upstream.Handler = func(*connectors.Request, int) (*connectors.Response, error) {
		return &connectors.Response{Status: http.StatusOK, Body: []byte(`{}`)}, nil
	}
	_, err := f.lifecycle.Pause(ctx, agent, agent)
	require.NoError(t, err)

	w := lifecycle.NewWatcher(f.lifecycle, nil, zap.NewNop())
	require.NoError(t, w.Init(ctx))
	srv := f.server(t, w.Admission())

	resp, err := http.DefaultClient.Do(proxyRequest(t, srv.URL, "agent-token", "10"))
	require.NoError(t, err)
	body := decode(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, string(domain.ReasonAgentPaused), body["reason"])

	_, err = f.lifecycle.Unpause(ctx, agent, agent)
	require.NoError(t, err)

	resp, err = http.DefaultClient.Do(proxyRequest(t, srv.URL, "agent-token", "10"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, PolicyApproved, resp.Header.Get(HeaderPolicyStatus))
}

func postJSON(t *testing.T, url, token string, v interface{}) *http.Response {
	t.Helper()
	buf, err := json.Marshal(v)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(buf))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestEvaluateAndSettleAPI(t *testing.T) {
	f := newFixture(t)
	srv := f.server(t, nil)

	resp := postJSON(t, srv.URL+"/v1/payments/evaluate", "agent-token", map[string]interface{}{
		"agent_id": agent, "amount": 40_000, "asset": "STX", "service": service + "/path", "facilitator": facilitator,
	})
	body := decode(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["allowed"])
	assert.Equal(t, string(domain.ReasonWithinLimits), body["reason"])
	resID, _ := body["reservation_id"].(string)
	require.NotEmpty(t, resID)
	assert.Equal(t, uint64(40_000), f.counter(t).Reserved)

	var first map[string]interface{}
	for i := 0; i < 2; i++ {
		resp = postJSON(t, srv.URL+"/v1/payments/"+resID+"/settle", "agent-token", map[string]string{"outcome": "success"})
		rec := decode(t, resp)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, string(domain.StageSuccess), rec["stage"])
		if first == nil {
			first = rec
		} else {
			assert.Equal(t, first["id"], rec["id"])
		}
	}
	assert.Equal(t, uint64(40_000), f.counter(t).Committed)

	resp = postJSON(t, srv.URL+"/v1/payments/evaluate", "agent-token", map[string]interface{}{
		"agent_id": agent, "amount": 40_000, "asset": "SBTC", "service": service, "facilitator": facilitator,
	})
	body = decode(t, resp)
	assert.Equal(t, false, body["allowed"])
	assert.Equal(t, string(domain.ReasonPerTxLimitExceeded), body["reason"])
	assert.NotEmpty(t, body["record_id"])
}

func TestSettleAPIErrors(t *testing.T) {
	f := newFixture(t)
	srv := f.server(t, nil)

	resp := postJSON(t, srv.URL+"/v1/payments/nope/settle", "agent-token", map[string]string{"outcome": "success"})
	body := decode(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, string(domain.ReasonInvalidReservation), body["reason"])

	resp = postJSON(t, srv.URL+"/v1/payments/nope/settle", "agent-token", map[string]string{"outcome": "maybe"})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// brokenGate: хранилище недоступно.
type brokenGate struct{ PaymentGate }

func (brokenGate) Evaluate(context.Context, domain.PaymentRequest, time.Time) (domain.Verdict, error) {
	return domain.Verdict{}, errors.New("connection refused")
}

func TestProxyFailsClosed(t *testing.T) {
	f := newFixture(t)
	f.gw.gate = brokenGate{}
	srv := f.server(t, nil)

	resp, err := http.DefaultClient.Do(proxyRequest(t, srv.URL, "agent-token", "10"))
	require.NoError(t, err)
	body := decode(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, string(domain.ReasonInternal), body["reason"])
	assert.NotContains(t, body["error"], "connection refused")
	assert.Zero(t, f.upstream.Calls())
}
