package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/GoCodeAlone/conductor/comms"
	"github.com/GoCodeAlone/conductor/config"
	"github.com/GoCodeAlone/conductor/dispatch"
	"github.com/GoCodeAlone/conductor/internal/metrics"
)

const testSecret = "test-secret-key-1234567890"

type testEnv struct {
	srv     *Server
	handler http.Handler
	bus     *comms.InMemoryBus
}

func newTestEnv(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)

	cfg := *config.DefaultConfig()
	cfg.Server.RateLimit = 0
	cfg.Auth.JWTSecret = testSecret
	cfg.Auth.AdminPass = string(hash)
	for _, m := range mutate {
		m(&cfg)
	}

	bus := comms.NewInMemoryBus(0)
	collector := metrics.NewCollector("conductor", nil)
	d := dispatch.New(dispatch.WithBus(bus), dispatch.WithMetrics(collector))
	require.NoError(t, d.Start(context.Background()))

	srv := New(cfg, "test", nil)
	srv.SetDispatcher(d)
	srv.SetBus(bus)
	srv.SetMetrics(collector)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
		_ = d.Shutdown(ctx)
	})
	return &testEnv{srv: srv, handler: srv.Handler(), bus: bus}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) login(t *testing.T) string {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/api/auth/login", "", loginRequest{Username: "admin", Password: "secret"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var resp loginResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func TestSignAndVerifyJWT(t *testing.T) {
	token, err := signJWT(testSecret, "alice", time.Now(), time.Hour)
	require.NoError(t, err)

	subject, err := verifyJWT(testSecret, token)
	require.NoError(t, err)
	assert.Equal(t, "alice", subject)
}

func TestVerifyJWT_Rejects(t *testing.T) {
	expired, err := signJWT(testSecret, "alice", time.Now().Add(-2*time.Hour), time.Hour)
	require.NoError(t, err)
	noSubject, err := signJWT(testSecret, "", time.Now(), time.Hour)
	require.NoError(t, err)
	valid, err := signJWT(testSecret, "alice", time.Now(), time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name   string
		secret string
		token  string
	}{
		{"expired", testSecret, expired},
		{"wrong secret", "another-secret", valid},
		{"no subject", testSecret, noSubject},
		{"garbage", testSecret, "not.a.token"},
		// header {"alg":"none"} with a subject claim and no signature
		{"alg none", testSecret, "eyJhbGciOiJub25lIiwidHlwIjoiSldUIn0.eyJzdWIiOiJhbGljZSJ9."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := verifyJWT(tt.secret, tt.token)
			assert.Error(t, err)
		})
	}
}

func TestHashPassword(t *testing.T) {
	hash, err := HashPassword("hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, "hunter2", hash)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("hunter2")))
}

func TestLogin(t *testing.T) {
	e := newTestEnv(t)
	token := e.login(t)

	subject, err := verifyJWT(testSecret, token)
	require.NoError(t, err)
	assert.Equal(t, "admin", subject)
}

func TestLogin_BadCredentials(t *testing.T) {
	e := newTestEnv(t)

	rr := e.do(t, http.MethodPost, "/api/auth/login", "", loginRequest{Username: "admin", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = e.do(t, http.MethodPost, "/api/auth/login", "", loginRequest{Username: "root", Password: "secret"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLogin_NoPasswordConfigured(t *testing.T) {
	e := newTestEnv(t, func(c *config.Config) { c.Auth.AdminPass = "" })
	rr := e.do(t, http.MethodPost, "/api/auth/login", "", loginRequest{Username: "admin", Password: ""})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestProtectedRoutes(t *testing.T) {
	e := newTestEnv(t)

	rr := e.do(t, http.MethodGet, "/api/tasks", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = e.do(t, http.MethodGet, "/api/tasks", "bogus", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	token := e.login(t)
	rr = e.do(t, http.MethodGet, "/api/tasks", token, nil)
	assert.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = e.do(t, http.MethodGet, "/api/auth/me", token, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"username":"admin"}`, rr.Body.String())
}

func TestPublicRoutes(t *testing.T) {
	e := newTestEnv(t)

	rr := e.do(t, http.MethodGet, "/api/status", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var status map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	assert.Equal(t, "test", status["version"])

	rr = e.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestGeneratedSecretIsStable(t *testing.T) {
	e := newTestEnv(t, func(c *config.Config) { c.Auth.JWTSecret = "" })
	token := e.login(t)

	rr := e.do(t, http.MethodGet, "/api/auth/me", token, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, e.srv.jwtSecret(), e.srv.jwtSecret())
}

func TestMetricsRecordNormalizedPaths(t *testing.T) {
	e := newTestEnv(t)
	token := e.login(t)

	rr := e.do(t, http.MethodGet, "/api/tasks/task_missing", token, nil)
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr = e.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, "conductor_http_requests_total")
	assert.Contains(t, body, `path="/api/tasks/:id"`)
	assert.NotContains(t, body, "task_missing")
}

func TestEventsStream(t *testing.T) {
	e := newTestEnv(t)
	token := e.login(t)

	ts := httptest.NewServer(e.handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/events")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events?token="+token, nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "data: {\"type\":\"connected\"}\n", line)

	require.NoError(t, e.bus.Publish(context.Background(), &comms.Message{
		Type:    comms.TypeTaskUpdate,
		From:    dispatch.Sender,
		Subject: "task t1 ready",
	}))

	var data string
	for {
		line, err = reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimPrefix(strings.TrimSpace(line), "data: ")
			break
		}
	}
	var ev struct {
		Type    string        `json:"type"`
		Payload comms.Message `json:"payload"`
	}
	require.NoError(t, json.Unmarshal([]byte(data), &ev))
	assert.Equal(t, string(comms.TypeTaskUpdate), ev.Type)
	assert.Equal(t, "task t1 ready", ev.Payload.Subject)
}

func TestRateLimiter(t *testing.T) {
	e := newTestEnv(t, func(c *config.Config) {
		c.Server.RateLimit = 1
		c.Server.RateBurst = 2
	})

	codes := make([]int, 0, 3)
	for range 3 {
		codes = append(codes, e.do(t, http.MethodGet, "/api/status", "", nil).Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	// a different client has its own bucket
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.RemoteAddr = "10.0.0.9:4000"
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestRateLimiter_RetryAfter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := RateLimiter(ctx, 0.001, 1)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "1", rr.Header().Get("Retry-After"))
}

func TestRecovery(t *testing.T) {
	h := Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}), Recovery(zap.NewNop()))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	body, _ := io.ReadAll(rr.Body)
	assert.JSONEq(t, `{"error":"internal server error"}`, string(body))
}

func TestChainOrder(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		order = append(order, "handler")
	}), mark("outer"), mark("inner"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}

func TestNormalizePath(t *testing.T) {
	tests := map[string]string{
		"/api/tasks":                   "/api/tasks",
		"/api/tasks/":                  "/api/tasks/",
		"/api/tasks/batch":             "/api/tasks/batch",
		"/api/tasks/task_ab12":         "/api/tasks/:id",
		"/api/tasks/task_ab12/cancel":  "/api/tasks/:id/cancel",
		"/api/agents/researcher/tasks": "/api/agents/:id/tasks",
		"/api/stats":                   "/api/stats",
		"/metrics":                     "/metrics",
	}
	for in, want := range tests {
		assert.Equal(t, want, normalizePath(in), in)
	}
}
