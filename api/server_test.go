package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/evmts/smithers-go/config"
	"github.com/evmts/smithers-go/engine"
	"github.com/evmts/smithers-go/store"
)

func newTestServer(t *testing.T, mutate func(*Options)) (*Server, *store.Store) {
	t.Helper()

	st, err := store.Open(":memory:", store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	opts := Options{
		Config: config.DefaultServerConfig(),
		Store:  st,
		Logger: zaptest.NewLogger(t),
		Health: st.Ping,
	}
	if mutate != nil {
		mutate(&opts)
	}
	return NewServer(opts), st
}

func seedExecution(t *testing.T, st *store.Store) *store.Execution {
	t.Helper()

	ctx := context.Background()
	ex := &store.Execution{Program: "release"}
	require.NoError(t, st.CreateExecution(ctx, ex))
	require.NoError(t, st.SaveFrame(ctx, ex.ID, 1, "<smithers/>"))
	require.NoError(t, st.SaveFrame(ctx, ex.ID, 2, `<smithers name="release"/>`))
	require.NoError(t, st.SetState(ctx, ex.ID, "phase", json.RawMessage(`"build"`), "init"))
	require.NoError(t, st.SetState(ctx, ex.ID, "phase", json.RawMessage(`"test"`), "claude[name=\"build\"]"))
	return ex
}

func get(t *testing.T, ts *httptest.Server, path string) (*http.Response, map[string]any) {
	t.Helper()

	resp, err := ts.Client().Get(ts.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var body map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		_ = json.NewDecoder(resp.Body).Decode(&body)
	}
	return resp, body
}

func TestServer_HealthAndReady(t *testing.T) {
	s, _ := newTestServer(t, nil)
	ts := httptest.NewServer(s.handler())
	defer ts.Close()

	resp, body := get(t, ts, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	resp, body = get(t, ts, "/readyz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ready", body["status"])

	// Responses carry a request id and hardening headers.
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}

func TestServer_ExecutionEndpoints(t *testing.T) {
	s, st := newTestServer(t, nil)
	ex := seedExecution(t, st)
	ts := httptest.NewServer(s.handler())
	defer ts.Close()

	resp, body := get(t, ts, "/api/executions")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["executions"], 1)

	resp, body = get(t, ts, "/api/executions/"+ex.ID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "release", body["program"])

	resp, body = get(t, ts, "/api/executions/"+ex.ID+"/frames")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["frames"], 2)

	resp, body = get(t, ts, "/api/executions/"+ex.ID+"/frames/latest")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, body["sequence"])

	resp, body = get(t, ts, "/api/executions/"+ex.ID+"/state")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	state := body["state"].(map[string]any)
	assert.Equal(t, "test", state["phase"])

	resp, body = get(t, ts, "/api/executions/"+ex.ID+"/history?key=phase")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["history"], 2)

	// The relational store records agent runs, so the endpoint exists.
	resp, body = get(t, ts, "/api/executions/"+ex.ID+"/runs")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body["runs"])
}

type fakeRunner struct {
	mu   sync.Mutex
	ran  []string
	done chan struct{}
}

func (f *fakeRunner) Run(_ context.Context, program engine.Program) (*engine.Outcome, error) {
	f.mu.Lock()
	if n, ok := program.(engine.Named); ok {
		f.ran = append(f.ran, n.Name())
	}
	f.mu.Unlock()
	f.done <- struct{}{}
	return &engine.Outcome{Kind: engine.OutcomeConverged, ExecutionID: "ex-run"}, nil
}

func TestServer_SubmitExecution(t *testing.T) {
	runner := &fakeRunner{done: make(chan struct{}, 1)}
	s, _ := newTestServer(t, func(o *Options) { o.Runner = runner })
	ts := httptest.NewServer(s.handler())
	defer ts.Close()

	body := strings.NewReader(`{"plan": "<smithers name=\"demo\" />"}`)
	resp, err := ts.Client().Post(ts.URL+"/api/executions", "application/json", body)
	require.NoError(t, err)
	defer resp.Body.Close()

	var accepted map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&accepted))
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "accepted", accepted["status"])
	assert.Equal(t, "demo", accepted["program"])

	select {
	case <-runner.done:
	case <-time.After(2 * time.Second):
		t.Fatal("runner was not invoked")
	}
	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.Equal(t, []string{"demo"}, runner.ran)
}

func TestServer_SubmitRejectsBadPlans(t *testing.T) {
	runner := &fakeRunner{done: make(chan struct{}, 1)}
	s, _ := newTestServer(t, func(o *Options) { o.Runner = runner })
	ts := httptest.NewServer(s.handler())
	defer ts.Close()

	for _, body := range []string{`{`, `{}`, `{"plan": "<smithers"}`} {
		resp, err := ts.Client().Post(ts.URL+"/api/executions", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "body %q", body)
	}
}

func TestServer_SubmitAbsentWithoutRunner(t *testing.T) {
	s, _ := newTestServer(t, nil)
	ts := httptest.NewServer(s.handler())
	defer ts.Close()

	resp, err := ts.Client().Post(ts.URL+"/api/executions", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServer_NotFoundAndBadRequest(t *testing.T) {
	s, _ := newTestServer(t, nil)
	ts := httptest.NewServer(s.handler())
	defer ts.Close()

	resp, body := get(t, ts, "/api/executions/nope")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, body["error"], "not found")

	resp, _ = get(t, ts, "/api/executions?limit=bogus")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_JWTAuth(t *testing.T) {
	secret := "test-secret"
	s, _ := newTestServer(t, func(o *Options) {
		o.Config.JWT.Secret = secret
	})
	ts := httptest.NewServer(s.handler())
	defer ts.Close()

	// Health endpoints stay open.
	resp, _ := get(t, ts, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// API endpoints require a token.
	resp, _ = get(t, ts, "/api/executions")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "operator",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(secret))
	require.NoError(t, err)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/executions", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	authed, err := ts.Client().Do(req)
	require.NoError(t, err)
	authed.Body.Close()
	assert.Equal(t, http.StatusOK, authed.StatusCode)

	// Query-parameter tokens work for WebSocket-style clients.
	resp, _ = get(t, ts, "/api/executions?access_token="+token)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// A token signed with the wrong key is rejected.
	bad, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("other-secret"))
	require.NoError(t, err)
	resp, _ = get(t, ts, "/api/executions?access_token="+bad)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServer_WebSocketEventStream(t *testing.T) {
	s, _ := newTestServer(t, nil)
	ts := httptest.NewServer(s.handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Wait for the hub to register the subscriber before publishing.
	require.Eventually(t, func() bool {
		return s.Hub().ClientCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	s.Publish(engine.Event{
		Kind:        engine.EventFrameCaptured,
		ExecutionID: "ex-1",
		Sequence:    3,
		Tree:        "<smithers/>",
	})

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var ev engine.Event
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, engine.EventFrameCaptured, ev.Kind)
	assert.Equal(t, "ex-1", ev.ExecutionID)
	assert.Equal(t, 3, ev.Sequence)
	assert.Equal(t, "<smithers/>", ev.Tree)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestHub_DropsWhenClientFallsBehind(t *testing.T) {
	hub := NewHub(nil, nil, zaptest.NewLogger(t))

	// A client that never drains.
	c := &hubClient{send: make(chan []byte, clientQueue), cancel: func() {}}
	hub.register(c)
	defer hub.unregister(c)

	for i := 0; i < clientQueue+10; i++ {
		hub.Publish(engine.Event{Kind: engine.EventNodeStateChanged, Sequence: i})
	}

	assert.EqualValues(t, 10, hub.Dropped())
	assert.Len(t, c.send, clientQueue)
}

func TestNormalizePath(t *testing.T) {
	assert.Equal(t, "/api/executions", normalizePath("/api/executions"))
	assert.Equal(t, "/api/executions/:id",
		normalizePath("/api/executions/0b51886a-1d52-4cfb-9907-5a8134b2f431"))
	assert.Equal(t, "/api/executions/:id/frames/:id",
		normalizePath("/api/executions/deadbeef01/frames/12"))
	assert.Equal(t, "/healthz", normalizePath("/healthz"))
}

func TestChain_OrdersOutermostFirst(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		order = append(order, "handler")
	}), tag("a"), tag("b"))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"a", "b", "handler"}, order)
}
