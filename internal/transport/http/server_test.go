package enginehttp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"aegis/internal/alloc"
	"aegis/internal/engine"
	"aegis/internal/risk"
	"aegis/internal/types"
)

type stubEngine struct {
	decision  engine.Decision
	err       error
	lastSig   types.Signal
	lastCtx   types.ExecContext
	flattened []string
	tripped   map[types.ExecContext]string
}

func (s *stubEngine) HandleSignal(_ context.Context, execCtx types.ExecContext, sig types.Signal) (engine.Decision, error) {
	s.lastCtx = execCtx
	s.lastSig = sig
	return s.decision, s.err
}

func (s *stubEngine) ContextSnapshots() []types.ContextSnapshot {
	return []types.ContextSnapshot{{Context: types.ContextDemo, Equity: 10000}}
}
func (s *stubEngine) Positions() []types.PositionSnapshot       { return nil }
func (s *stubEngine) RecentPositions() []types.PositionSnapshot { return nil }
func (s *stubEngine) AllocTable() []alloc.CellStats             { return nil }
func (s *stubEngine) Flatten(id string)                         { s.flattened = append(s.flattened, id) }
func (s *stubEngine) FlattenContext(types.ExecContext)          {}
func (s *stubEngine) TripKillSwitch(_ context.Context, execCtx types.ExecContext, reason string) error {
	if s.tripped == nil {
		s.tripped = make(map[types.ExecContext]string)
	}
	s.tripped[execCtx] = reason
	return nil
}
func (s *stubEngine) ResetKillSwitch(context.Context, types.ExecContext) error { return nil }

func newTestServer(t *testing.T, e SignalEngine) http.Handler {
	t.Helper()
	srv, err := NewServer(ServerConfig{Addr: ":0", Engine: e})
	require.NoError(t, err)
	return srv.Handler()
}

func doRequest(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	h := newTestServer(t, &stubEngine{})
	rec := doRequest(h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusEndpoint(t *testing.T) {
	h := newTestServer(t, &stubEngine{})
	rec := doRequest(h, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := gjson.Parse(rec.Body.String())
	assert.Equal(t, "demo", body.Get("contexts.0.context").String())
}

func TestSignalAcceptedFlow(t *testing.T) {
	stub := &stubEngine{decision: engine.Decision{Accepted: true, TraceID: "t1", PositionID: "p1"}}
	h := newTestServer(t, stub)

	rec := doRequest(h, http.MethodPost, "/api/signal?context=demo", `{
		"symbol": "btcusdt",
		"side": "LONG",
		"confidence": "0.91",
		"strategy_id": "technical",
		"price": "100.5",
		"stop_price": 95,
		"atr": 2,
		"regime": "trend"
	}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := gjson.Parse(rec.Body.String())
	assert.True(t, body.Get("decision.accepted").Bool())
	assert.Equal(t, "p1", body.Get("decision.position_id").String())

	// 宽容解析：字符串数字、大小写与 regime 别名都被归一。
	assert.Equal(t, types.ContextDemo, stub.lastCtx)
	assert.Equal(t, "BTCUSDT", stub.lastSig.Symbol)
	assert.Equal(t, types.SideLong, stub.lastSig.Side)
	assert.Equal(t, 0.91, stub.lastSig.Confidence)
	assert.Equal(t, 100.5, stub.lastSig.Price)
	assert.Equal(t, types.RegimeTrending, stub.lastSig.Regime)
}

func TestSignalRejectionIsNotAnHTTPError(t *testing.T) {
	stub := &stubEngine{decision: engine.Decision{Reason: risk.ReasonThresholdNotMet, Detail: "confidence too low"}}
	h := newTestServer(t, stub)

	rec := doRequest(h, http.MethodPost, "/api/signal", `{
		"symbol": "BTCUSDT", "side": "long", "confidence": 0.5,
		"strategy_id": "technical", "price": 100
	}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := gjson.Parse(rec.Body.String())
	assert.False(t, body.Get("decision.accepted").Bool())
	assert.Equal(t, "ThresholdNotMet", body.Get("decision.reason").String())
}

func TestSignalValidation(t *testing.T) {
	h := newTestServer(t, &stubEngine{})

	cases := []struct {
		name string
		body string
	}{
		{"not json", "nope"},
		{"missing side", `{"symbol":"BTCUSDT","confidence":0.9,"strategy_id":"t","price":100}`},
		{"bad side", `{"symbol":"BTCUSDT","side":"up","confidence":0.9,"strategy_id":"t","price":100}`},
		{"confidence out of range", `{"symbol":"BTCUSDT","side":"long","confidence":1.5,"strategy_id":"t","price":100}`},
		{"zero price", `{"symbol":"BTCUSDT","side":"long","confidence":0.9,"strategy_id":"t","price":0}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRequest(h, http.MethodPost, "/api/signal", tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestSignalUnknownContext(t *testing.T) {
	h := newTestServer(t, &stubEngine{})
	rec := doRequest(h, http.MethodPost, "/api/signal?context=mainnet", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestKillSwitchEndpoint(t *testing.T) {
	stub := &stubEngine{}
	h := newTestServer(t, stub)

	rec := doRequest(h, http.MethodPost, "/api/contexts/demo/kill-switch", `{"active":true,"reason":"manual"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "manual", stub.tripped[types.ContextDemo])

	// 熔断必须给出原因。
	rec = doRequest(h, http.MethodPost, "/api/contexts/demo/kill-switch", `{"active":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFlattenPosition(t *testing.T) {
	stub := &stubEngine{}
	h := newTestServer(t, stub)
	rec := doRequest(h, http.MethodPost, "/api/positions/p42/flatten", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"p42"}, stub.flattened)
}
