package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/skobkin/resgov/internal/api"
	"github.com/skobkin/resgov/internal/capability"
	"github.com/skobkin/resgov/internal/config"
	"github.com/skobkin/resgov/internal/governor"
	"github.com/skobkin/resgov/internal/inference"
	"github.com/skobkin/resgov/internal/orchestrator"
	"github.com/skobkin/resgov/internal/policy"
	"github.com/skobkin/resgov/internal/telemetry"
	"github.com/skobkin/resgov/internal/version"
)

func TestHealthzOK(t *testing.T) {
	t.Parallel()

	_, ts := newTestHTTPServer(t, defaultTestConfig(), nil)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if strings.TrimSpace(string(body)) != `{"status":"ok"}` {
		t.Fatalf("unexpected body %q", string(body))
	}
	if resp.Header.Get(requestIDHeader) == "" {
		t.Fatalf("expected %s header on response", requestIDHeader)
	}

	respAPI, err := http.Get(ts.URL + "/api/healthz")
	if err != nil {
		t.Fatalf("GET /api/healthz failed: %v", err)
	}
	respAPI.Body.Close()
	if respAPI.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200 for /api/healthz, got %d", respAPI.StatusCode)
	}
}

func TestRequestIDPropagated(t *testing.T) {
	t.Parallel()

	_, ts := newTestHTTPServer(t, defaultTestConfig(), nil)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/healthz", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set(requestIDHeader, "trace-42")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get(requestIDHeader); got != "trace-42" {
		t.Fatalf("expected request id to be echoed, got %q", got)
	}
}

func TestReadyzStates(t *testing.T) {
	t.Parallel()

	cfg := defaultTestConfig()

	_, tsNone := newTestHTTPServer(t, cfg, nil)
	assertReadyz(t, tsNone.URL+"/readyz", http.StatusServiceUnavailable, "degraded", "governor_not_configured")

	gov, _, _ := newTestGovernor(t, "")
	_, ts := newTestHTTPServer(t, cfg, gov)
	assertReadyz(t, ts.URL+"/readyz", http.StatusServiceUnavailable, "initializing", "waiting_for_signals")

	runGovernor(t, gov)
	waitFor(t, 2*time.Second, func() bool {
		s, ok := gov.Classifier.Signals().Latest()
		return ok && !s.Timestamp.IsZero()
	})
	assertReadyz(t, ts.URL+"/api/readyz", http.StatusOK, "ok", "")
}

func TestVersionEndpoint(t *testing.T) {
	t.Parallel()

	version.Set(version.Info{Version: "v0.0.1", Commit: "abc123", BuildTime: "now"})

	_, ts := newTestHTTPServer(t, defaultTestConfig(), nil)

	resp, err := http.Get(ts.URL + "/api/version")
	if err != nil {
		t.Fatalf("GET /api/version failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	var info version.Info
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.Version != "v0.0.1" || info.Commit != "abc123" || info.BuildTime != "now" {
		t.Fatalf("unexpected version payload %+v", info)
	}
}

func TestStateEndpoint(t *testing.T) {
	t.Parallel()

	gov, _, _ := newTestGovernor(t, "")
	_, ts := newTestHTTPServer(t, defaultTestConfig(), gov)

	resp, err := http.Get(ts.URL + "/api/state")
	if err != nil {
		t.Fatalf("GET /api/state failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	baseline, ok := payload["baseline"].(map[string]any)
	if !ok {
		t.Fatalf("baseline missing from state payload")
	}
	if baseline["tier"] != "high" {
		t.Fatalf("expected high tier, got %v", baseline["tier"])
	}
	presentation, ok := payload["presentation"].(map[string]any)
	if !ok || presentation["mode"] != "full" {
		t.Fatalf("expected full presentation mode, got %v", payload["presentation"])
	}

	postResp, err := http.Post(ts.URL+"/api/state", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /api/state failed: %v", err)
	}
	postResp.Body.Close()
	if postResp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", postResp.StatusCode)
	}
	if postResp.Header.Get("Allow") != http.MethodGet {
		t.Fatalf("unexpected Allow header %q", postResp.Header.Get("Allow"))
	}
}

func TestStrategyEndpoint(t *testing.T) {
	t.Parallel()

	gov, _, _ := newTestGovernor(t, "")
	runGovernor(t, gov)
	_, ts := newTestHTTPServer(t, defaultTestConfig(), gov)

	resp := doJSON(t, http.MethodPut, ts.URL+"/api/strategy", api.StrategyRequest{Strategy: "Aggressive"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
	var set orchestrator.Strategy
	decodeBody(t, resp, &set)
	if set.Name != orchestrator.StrategyAggressive {
		t.Fatalf("unexpected strategy %+v", set)
	}

	getResp, err := http.Get(ts.URL + "/api/strategy")
	if err != nil {
		t.Fatalf("GET /api/strategy failed: %v", err)
	}
	var current orchestrator.Strategy
	decodeBody(t, getResp, &current)
	if current.Name != orchestrator.StrategyAggressive {
		t.Fatalf("strategy not persisted, got %q", current.Name)
	}

	bad := doJSON(t, http.MethodPut, ts.URL+"/api/strategy", api.StrategyRequest{Strategy: "reckless"})
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown strategy, got %d", bad.StatusCode)
	}
}

func TestOverridesRateLimited(t *testing.T) {
	t.Parallel()

	gov, _, _ := newTestGovernor(t, "")
	runGovernor(t, gov)

	cfg := defaultTestConfig()
	cfg.Governor.OverrideRate = 0.001
	cfg.Governor.OverrideBurst = 1
	_, ts := newTestHTTPServer(t, cfg, gov)

	first, err := http.Post(ts.URL+"/api/memory/warning", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /api/memory/warning failed: %v", err)
	}
	first.Body.Close()
	if first.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", first.StatusCode)
	}

	second, err := http.Post(ts.URL+"/api/optimize", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /api/optimize failed: %v", err)
	}
	second.Body.Close()
	if second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.StatusCode)
	}
	if second.Header.Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}

func TestOptimizeEndpoint(t *testing.T) {
	t.Parallel()

	gov, _, _ := newTestGovernor(t, "")
	runGovernor(t, gov)
	_, ts := newTestHTTPServer(t, defaultTestConfig(), gov)

	resp, err := http.Post(ts.URL+"/api/optimize", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /api/optimize failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
	var report orchestrator.PassReport
	decodeBody(t, resp, &report)
	if report.Kind != orchestrator.KindForced {
		t.Fatalf("unexpected pass kind %q", report.Kind)
	}
	if report.Score <= 0 || report.Score > 1 {
		t.Fatalf("score out of range: %v", report.Score)
	}
}

func TestLifecycleEndpoint(t *testing.T) {
	t.Parallel()

	gov, _, _ := newTestGovernor(t, "")
	runGovernor(t, gov)
	_, ts := newTestHTTPServer(t, defaultTestConfig(), gov)

	invalid := doJSON(t, http.MethodPost, ts.URL+"/api/lifecycle", api.LifecycleRequest{Event: "will_enter_foreground"})
	invalid.Body.Close()
	if invalid.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for invalid transition, got %d", invalid.StatusCode)
	}

	unknown := doJSON(t, http.MethodPost, ts.URL+"/api/lifecycle", api.LifecycleRequest{Event: "did_explode"})
	unknown.Body.Close()
	if unknown.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown event, got %d", unknown.StatusCode)
	}

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/lifecycle", api.LifecycleRequest{Event: "will_resign_active"})
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
	var state api.LifecycleResponse
	decodeBody(t, resp, &state)
	if state.State != "inactive" {
		t.Fatalf("unexpected state %q", state.State)
	}
}

func TestInferenceEndpoint(t *testing.T) {
	t.Parallel()

	gov, _, _ := newTestGovernor(t, "/models/tiny.gguf")
	ctx := runGovernor(t, gov)
	if err := gov.LoadModel(ctx); err != nil {
		t.Fatalf("LoadModel: %v", err)
	}
	_, ts := newTestHTTPServer(t, defaultTestConfig(), gov)

	empty := doJSON(t, http.MethodPost, ts.URL+"/api/inference", api.InferenceRequest{})
	empty.Body.Close()
	if empty.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty prompt, got %d", empty.StatusCode)
	}

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/inference", api.InferenceRequest{Prompt: "ping", Wait: true})
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
	var out api.InferenceResponse
	decodeBody(t, resp, &out)
	if out.RequestID == "" || out.Queued {
		t.Fatalf("unexpected submission %+v", out)
	}
	if out.Completion == nil || out.Completion.Text != "PING" {
		t.Fatalf("unexpected completion %+v", out.Completion)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	t.Parallel()

	gov, _, _ := newTestGovernor(t, "")
	runGovernor(t, gov)
	_, ts := newTestHTTPServer(t, defaultTestConfig(), gov)

	waitFor(t, 2*time.Second, func() bool { return gov.Orchestrator.History().Len() >= 2 })

	resp, err := http.Get(ts.URL + "/api/history?limit=1")
	if err != nil {
		t.Fatalf("GET /api/history failed: %v", err)
	}
	var history api.HistoryResponse
	decodeBody(t, resp, &history)
	if history.Capacity != 16 {
		t.Fatalf("unexpected capacity %d", history.Capacity)
	}
	if len(history.Samples) != 1 {
		t.Fatalf("expected 1 sample, got %d", len(history.Samples))
	}

	bad, err := http.Get(ts.URL + "/api/history?limit=abc")
	if err != nil {
		t.Fatalf("GET /api/history failed: %v", err)
	}
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", bad.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	gov, _, _ := newTestGovernor(t, "")
	cfg := defaultTestConfig()
	cfg.EnablePrometheus = true
	_, ts := newTestHTTPServer(t, cfg, gov)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}

	for _, want := range []string{
		"resgov_performance_score 1",
		"resgov_device_tier 2",
		`resgov_lane_active_tasks{lane="interactive"} 0`,
		"resgov_ws_active_connections 0",
		"resgov_api_overrides_throttled_total 0",
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func TestWebSocketHelloAndState(t *testing.T) {
	t.Parallel()

	gov, _, _ := newTestGovernor(t, "")
	srv, ts := newTestHTTPServer(t, defaultTestConfig(), gov)

	cctx, ccancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer ccancel()

	conn, _, err := websocket.Dial(cctx, toWebsocketURL(ts.URL+"/ws"), nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	hello := readMessage(t, cctx, conn)
	if hello["type"] != "hello" {
		t.Fatalf("expected hello message, got %q", hello["type"])
	}
	strategies, ok := hello["strategies"].([]any)
	if !ok || len(strategies) != 4 {
		t.Fatalf("unexpected strategies %v", hello["strategies"])
	}

	state := readMessage(t, cctx, conn)
	if state["type"] != "state" {
		t.Fatalf("expected state message, got %q", state["type"])
	}
	if _, ok := state["orchestrator"].(map[string]any); !ok {
		t.Fatalf("orchestrator payload missing from state")
	}
	if srv.Connections() != 1 {
		t.Fatalf("expected 1 active connection, got %d", srv.Connections())
	}

	if err := conn.Write(cctx, websocket.MessageText, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	// State snapshots keep streaming; skip them until the reply arrives.
	for {
		msg := readMessage(t, cctx, conn)
		if msg["type"] == "pong" {
			break
		}
		if msg["type"] != "state" {
			t.Fatalf("expected pong or state, got %q", msg["type"])
		}
	}
}

func TestWebSocketCapacity(t *testing.T) {
	t.Parallel()

	gov, _, _ := newTestGovernor(t, "")
	cfg := defaultTestConfig()
	cfg.WS.MaxClients = 1
	_, ts := newTestHTTPServer(t, cfg, gov)

	cctx, ccancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer ccancel()

	conn, _, err := websocket.Dial(cctx, toWebsocketURL(ts.URL+"/ws"), nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	readMessage(t, cctx, conn)

	_, resp, err := websocket.Dial(cctx, toWebsocketURL(ts.URL+"/ws"), nil)
	if err == nil {
		t.Fatalf("expected second connection to be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for second connection, got %+v", resp)
	}
}

const gib = 1 << 30

type echoEngine struct {
	loaded atomic.Bool
}

func (e *echoEngine) LoadModel(context.Context, string, int) error {
	e.loaded.Store(true)
	return nil
}

func (e *echoEngine) UnloadModel() error {
	e.loaded.Store(false)
	return nil
}

func (e *echoEngine) IsModelLoaded() bool { return e.loaded.Load() }
func (e *echoEngine) IsGenerating() bool  { return false }
func (e *echoEngine) MemoryUsage() uint64 { return 0 }

func (e *echoEngine) Generate(_ context.Context, prompt string, _ inference.Params) (<-chan inference.Token, error) {
	if !e.loaded.Load() {
		return nil, inference.ErrModelNotLoaded
	}
	ch := make(chan inference.Token, 1)
	ch <- inference.Token{Text: strings.ToUpper(prompt)}
	close(ch)
	return ch, nil
}

type hostSource struct {
	mu sync.Mutex
	s  telemetry.Sample
}

func (h *hostSource) Sample() telemetry.Sample {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.s
}

func newTestGovernor(t *testing.T, modelPath string) (*governor.Governor, *hostSource, *echoEngine) {
	t.Helper()

	source := &hostSource{s: telemetry.Sample{
		Memory: telemetry.Memory{
			TotalBytes:     telemetry.Uint64(16 * gib),
			AvailableBytes: telemetry.Uint64(12 * gib),
		},
		CPUUsage: telemetry.Float64(0.1),
		TempC:    telemetry.Float64(40),
	}}
	engine := &echoEngine{}

	gov, err := governor.New(governor.Config{
		Policy:             policy.Default(),
		SignalInterval:     10 * time.Millisecond,
		MemoryInterval:     10 * time.Millisecond,
		MetricsInterval:    10 * time.Millisecond,
		EvaluationInterval: time.Hour,
		HistorySize:        16,
		BufferPoolSize:     4,
		ModelPath:          modelPath,
		ContextSize:        2048,
	}, governor.Deps{
		Facts:  capability.Facts{Cores: 8, MemoryBytes: 16 * gib},
		Source: source,
		Engine: engine,
	})
	if err != nil {
		t.Fatalf("governor.New: %v", err)
	}
	return gov, source, engine
}

func runGovernor(t *testing.T, gov *governor.Governor) context.Context {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gov.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("governor run: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("governor did not stop")
		}
	})
	return ctx
}

func newTestHTTPServer(t *testing.T, cfg config.Config, gov *governor.Governor) (*Server, *httptest.Server) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(cfg, logger, gov)
	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)
	return srv, ts
}

func doJSON(t *testing.T, method, url string, payload any) *http.Response {
	t.Helper()

	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) map[string]any {
	t.Helper()

	msgType, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	if msgType != websocket.MessageText {
		t.Fatalf("unexpected message type %v", msgType)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	return msg
}

func assertReadyz(t *testing.T, url string, expectedStatus int, expected string, reason string) {
	t.Helper()

	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != expectedStatus {
		t.Fatalf("expected status %d for %s, got %d", expectedStatus, url, resp.StatusCode)
	}

	var payload readyResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode readyz response: %v", err)
	}

	if payload.Status != expected {
		t.Fatalf("expected status %q, got %q", expected, payload.Status)
	}
	if reason == "" {
		if payload.Reason != "" {
			t.Fatalf("expected empty reason, got %q", payload.Reason)
		}
	} else if payload.Reason != reason {
		t.Fatalf("expected reason %q, got %q", reason, payload.Reason)
	}
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not satisfied within %s", timeout)
}

func defaultTestConfig() config.Config {
	return config.Config{
		ListenAddr:     ":0",
		AllowedOrigins: []string{"*"},
		WS: config.WebsocketConfig{
			MaxClients:   1024,
			WriteTimeout: 3 * time.Second,
			ReadTimeout:  30 * time.Second,
		},
		Governor: config.GovernorConfig{
			SignalInterval: 10 * time.Millisecond,
			OverrideRate:   100,
			OverrideBurst:  100,
		},
	}
}

func toWebsocketURL(httpURL string) string {
	u, err := url.Parse(httpURL)
	if err != nil {
		return httpURL
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String()
}
