package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stakeboard/stakeboard/internal/chain"
	"github.com/stakeboard/stakeboard/internal/metrics"
	"github.com/stakeboard/stakeboard/internal/staking"
)

var testStaking = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

// newTestService returns a connected service over the demo chain.
func newTestService(t *testing.T, collector *metrics.PrometheusCollector) (*staking.Service, *chain.MockClient) {
	t.Helper()

	contracts := staking.MustContracts(testStaking)
	mock := staking.NewDemoChain(1337, contracts, nil)
	cfg := staking.SynchronizerConfig{
		Client:          mock,
		Contracts:       contracts,
		AllowedNetworks: []int64{1337, 42},
		RefreshInterval: time.Minute,
		CallTimeout:     5 * time.Second,
		TxTimeout:       5 * time.Second,
		Clock:           clockwork.NewFakeClock(),
	}
	if collector != nil {
		cfg.Recorder = collector
	}

	svc, err := staking.NewService(staking.ServiceConfig{Sync: cfg, Dispatcher: staking.DefaultDispatcherConfig()})
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	require.NoError(t, svc.Connect(context.Background()))
	return svc, mock
}

func newTestServer(t *testing.T, mutate func(*ServerConfig)) (*Server, *staking.Service) {
	t.Helper()
	srv, svc, _ := newTestServerWithChain(t, mutate)
	return srv, svc
}

func newTestServerWithChain(t *testing.T, mutate func(*ServerConfig)) (*Server, *staking.Service, *chain.MockClient) {
	t.Helper()

	collector := metrics.NewPrometheusCollector(metrics.NewCollector())
	svc, mock := newTestService(t, collector)

	cfg := DefaultServerConfig()
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.RateLimit = 0
	if mutate != nil {
		mutate(cfg)
	}
	return NewServer(cfg, svc, collector), svc, mock
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), rec.Body.String())
	return v
}

func TestSnapshotEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := do(t, srv.Handler(), http.MethodGet, "/api/v1/snapshot", "")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[SnapshotResponse](t, rec)
	assert.Equal(t, "connected", resp.State)
	assert.True(t, resp.Ready)
	assert.Equal(t, staking.DemoAccount.Hex(), resp.Snapshot.Account)
	assert.True(t, resp.Snapshot.IsOwner)
	assert.Equal(t, "1250", resp.Snapshot.TotalStakes)
	assert.Equal(t, "5", resp.Snapshot.RewardFunds)
	assert.Equal(t, "0", resp.Snapshot.StakeValue)
	assert.False(t, resp.Snapshot.HasStake)
	assert.Empty(t, resp.Snapshot.StakeSymbol)
	assert.Equal(t, "full", resp.Snapshot.Scope)
}

func TestInputEndpoint(t *testing.T) {
	srv, svc := newTestServer(t, nil)
	h := srv.Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/input", `{"amount":"5"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[staking.EstimateView](t, rec)
	assert.True(t, view.Valid)
	assert.Equal(t, "DAI", view.Symbol)
	assert.NotEmpty(t, view.Estimate)

	rec = do(t, h, http.MethodPost, "/api/v1/input", `{"amount":"0","token":"DAI"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	invalid := decode[staking.EstimateView](t, rec)
	assert.False(t, invalid.Valid)
	assert.Equal(t, staking.InvalidAmountMessage, invalid.InputError)
	assert.Equal(t, view.Estimate, invalid.Estimate, "invalid input keeps the previous estimate")

	rec = do(t, h, http.MethodGet, "/api/v1/estimate", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, svc.Estimate(), decode[staking.EstimateView](t, rec))
}

func TestInputEndpoint_BadRequests(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	h := srv.Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/input", `{"amount":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/input", `{"amount":"1","token":"XYZ"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown token")
}

func TestTokensEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := do(t, srv.Handler(), http.MethodGet, "/api/v1/tokens", "")
	require.Equal(t, http.StatusOK, rec.Code)
	tokens := decode[[]TokenResponse](t, rec)
	require.Len(t, tokens, 2)
	assert.Equal(t, "DAI", tokens[0].Symbol)
	assert.Equal(t, "ALY", tokens[1].Symbol)
}

func TestActionsDisabledByDefault(t *testing.T) {
	srv, svc := newTestServer(t, nil)

	rec := do(t, srv.Handler(), http.MethodPost, "/api/v1/actions/stake", `{"amount":"1"}`)
	assert.GreaterOrEqual(t, rec.Code, 400)
	assert.False(t, svc.Snapshot().HasStake())
}

func TestStakeAction(t *testing.T) {
	srv, _ := newTestServer(t, func(c *ServerConfig) { c.EnableActions = true })

	rec := do(t, srv.Handler(), http.MethodPost, "/api/v1/actions/stake", `{"amount":"2.5"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[ActionResponse](t, rec)
	assert.Equal(t, "stake", resp.Intent)
	assert.NotEmpty(t, resp.ID)
	assert.NotEqual(t, common.Hash{}.Hex(), resp.TxHash)
	assert.Equal(t, "2.5", resp.Snapshot.StakeValue)
	assert.True(t, resp.Snapshot.HasStake)
	assert.Equal(t, "DAI", resp.Snapshot.StakeSymbol)
}

func TestAction_Errors(t *testing.T) {
	srv, _ := newTestServer(t, func(c *ServerConfig) { c.EnableActions = true })
	h := srv.Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/actions/unstake", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), staking.ErrNoActiveStake.Error())

	rec = do(t, h, http.MethodPost, "/api/v1/actions/claim", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/actions/mint", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/actions/stake", `{"amount":"-1"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), staking.InvalidAmountMessage)
}

func TestStakeAction_UsesRequestAmount(t *testing.T) {
	srv, svc, mock := newTestServerWithChain(t, func(c *ServerConfig) { c.EnableActions = true })
	h := srv.Handler()

	// Hold every price fetch so both requests are in flight together.
	release := mock.Gate(svc.Registry().Default().PriceFeed, "latestRoundData")
	defer release()

	staked := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		staked <- do(t, h, http.MethodPost, "/api/v1/actions/stake", `{"amount":"5"}`)
	}()
	require.Eventually(t, func() bool { return svc.Estimate().Amount == "5" }, 5*time.Second, time.Millisecond)

	input := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		input <- do(t, h, http.MethodPost, "/api/v1/input", `{"amount":"100"}`)
	}()
	require.Eventually(t, func() bool { return svc.Estimate().Amount == "100" }, 5*time.Second, time.Millisecond)

	release()
	rec := <-staked
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, http.StatusOK, (<-input).Code)

	var stakes []chain.SentTransaction
	for _, tx := range mock.Sent() {
		if tx.Method == "stake" {
			stakes = append(stakes, tx)
		}
	}
	require.Len(t, stakes, 1)
	require.Len(t, stakes[0].Args, 2)
	assert.Equal(t, "5000000000000000000", fmt.Sprint(stakes[0].Args[1]))
	assert.Equal(t, "5", decode[ActionResponse](t, rec).Snapshot.StakeValue)
}

func TestAction_RequestGuards(t *testing.T) {
	srv, svc := newTestServer(t, func(c *ServerConfig) {
		c.EnableActions = true
		c.AllowedOrigins = []string{"https://dash.example"}
	})
	h := srv.Handler()

	post := func(contentType, origin string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/actions/stake", strings.NewReader(`{"amount":"1"}`))
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusUnsupportedMediaType, post("text/plain", "").Code)
	assert.Equal(t, http.StatusUnsupportedMediaType, post("application/x-www-form-urlencoded", "").Code)
	assert.Equal(t, http.StatusUnsupportedMediaType, post("", "").Code)
	assert.Equal(t, http.StatusForbidden, post("application/json", "https://evil.example").Code)
	assert.False(t, svc.Snapshot().HasStake(), "rejected requests send nothing")

	rec := post("application/json; charset=utf-8", "https://dash.example")
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestAction_WildcardOriginDoesNotCoverActions(t *testing.T) {
	srv, _ := newTestServer(t, func(c *ServerConfig) {
		c.EnableActions = true
		c.AllowedOrigins = []string{"*"}
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/actions/stake", strings.NewReader(`{"amount":"1"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", "https://any.example")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestActionStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{staking.ErrNoReward, http.StatusUnprocessableEntity},
		{fmt.Errorf("wrapped: %w", staking.ErrInvalidAmount), http.StatusUnprocessableEntity},
		{staking.ErrNotConnected, http.StatusServiceUnavailable},
		{staking.ErrTimeout, http.StatusGatewayTimeout},
		{&staking.TransactionError{Intent: staking.IntentStake, Err: errors.New("reverted")}, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, actionStatus(tt.err), tt.err.Error())
	}
}

func TestStatsAndMetricsEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/api/v1/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[metrics.Metrics](t, rec)
	assert.NotZero(t, stats.Refreshes["full/"+metrics.StatusOK])
	assert.NotZero(t, stats.LastPublishSeq)

	rec = do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "stakeboard_chain_calls_total")
}

func TestRateLimit(t *testing.T) {
	srv, _ := newTestServer(t, func(c *ServerConfig) {
		c.RateLimit = 60
		c.RateLimitBurst = 2
	})
	h := srv.Handler()

	for i := 0; i < 2; i++ {
		rec := do(t, h, http.MethodGet, "/api/v1/estimate", "")
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := do(t, h, http.MethodGet, "/api/v1/estimate", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	// Probes are not limited.
	rec = do(t, h, http.MethodGet, "/health", "")
	assert.NotEqual(t, http.StatusTooManyRequests, rec.Code)

	assert.Equal(t, 0, srv.cleanupRateLimiters(time.Now().Add(-time.Minute)))
	assert.Equal(t, 1, srv.cleanupRateLimiters(time.Now().Add(time.Minute)))
}

func TestRateLimiterCleanupConcurrentWithRequests(t *testing.T) {
	srv := NewServer(&ServerConfig{RateLimit: 600, RateLimitBurst: 10}, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				srv.getRateLimiter(fmt.Sprintf("10.0.0.%d", i))
			}
		}(i)
	}
	for j := 0; j < 200; j++ {
		srv.cleanupRateLimiters(time.Now().Add(-time.Minute))
	}
	wg.Wait()

	assert.Equal(t, 4, srv.cleanupRateLimiters(time.Now().Add(time.Minute)))
}

func TestExtractClientIP(t *testing.T) {
	srv := NewServer(DefaultServerConfig(), nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "10.0.0.1", srv.extractClientIP(req))

	srv.config.TrustProxy = true
	assert.Equal(t, "203.0.113.9", srv.extractClientIP(req))
}

func TestCORS(t *testing.T) {
	srv, _ := newTestServer(t, func(c *ServerConfig) {
		c.AllowedOrigins = []string{"https://dash.example"}
	})
	h := srv.Handler()

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/input", nil)
	req.Header.Set("Origin", "https://dash.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://dash.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/v1/estimate", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestHealth_NotRunning(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := do(t, srv.Handler(), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "unhealthy", resp.Status)
	assert.Equal(t, "server not running", resp.Reason)
}

func startServer(t *testing.T, srv *Server) string {
	t.Helper()
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, srv.Stop(ctx))
	})
	return srv.Addr().String()
}

func TestStartStop_Health(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	addr := startServer(t, srv)

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Get("http://" + addr + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "connected", health.Sync)
	assert.NotZero(t, health.Sequence)

	assert.Error(t, srv.Start(context.Background()), "second Start must fail")
}

func readUntil(t *testing.T, conn *websocket.Conn, msgType string) json.RawMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var msg WebSocketMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == msgType {
			return msg.Data
		}
	}
}

func TestWebSocket(t *testing.T) {
	srv, svc := newTestServer(t, nil)
	addr := startServer(t, srv)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	var first SnapshotView
	require.NoError(t, json.Unmarshal(readUntil(t, conn, MessageSnapshot), &first))
	assert.Equal(t, staking.DemoAccount.Hex(), first.Account)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": MessagePing}))
	readUntil(t, conn, MessagePong)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": MessageInput,
		"data": InputRequest{Amount: "5", Token: "ALY"},
	}))
	var view staking.EstimateView
	require.NoError(t, json.Unmarshal(readUntil(t, conn, MessageEstimate), &view))
	assert.True(t, view.Valid)
	assert.Equal(t, "ALY", view.Symbol)

	// The token change triggers a full refresh, which is broadcast.
	aly, ok := svc.Registry().BySymbol("ALY")
	require.True(t, ok)
	var next SnapshotView
	for next.Sequence <= first.Sequence || next.AllowanceToken != aly.Address.Hex() {
		require.NoError(t, json.Unmarshal(readUntil(t, conn, MessageSnapshot), &next))
	}
	assert.Eventually(t, func() bool { return srv.wsHub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestWebSocket_ClosedOnStop(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	require.NoError(t, srv.Start(context.Background()))

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr().String()+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	readUntil(t, conn, MessageSnapshot)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 0, srv.wsHub.ClientCount())
}
