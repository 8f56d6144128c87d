package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shipyard-project/bay/cmd/bay/internal/config"
	"github.com/shipyard-project/bay/cmd/bay/internal/driver"
	"github.com/shipyard-project/bay/cmd/bay/internal/logging"
	"github.com/shipyard-project/bay/cmd/bay/internal/session"
	"github.com/shipyard-project/bay/cmd/bay/internal/ship"
	"github.com/shipyard-project/bay/cmd/bay/internal/shipclient"
	"github.com/shipyard-project/bay/cmd/bay/internal/store"
	"github.com/shipyard-project/bay/cmd/bay/internal/telemetry"
)

const testToken = "test-token"

type stubDriver struct {
	mu       sync.Mutex
	running  map[string]bool
	endpoint string
}

func (f *stubDriver) Name() string { return "stub" }
func (f *stubDriver) Close() error { return nil }

func (f *stubDriver) Create(ctx context.Context, spec driver.Spec) (*driver.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[spec.ShipID] = true
	return &driver.Info{ContainerID: "c-" + spec.ShipID, Endpoint: f.endpoint}, nil
}

func (f *stubDriver) Stop(ctx context.Context, shipID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, shipID)
	return nil
}

func (f *stubDriver) IsRunning(ctx context.Context, shipID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[shipID], nil
}

func (f *stubDriver) DataExists(ctx context.Context, shipID string) (bool, error) {
	return true, nil
}

func (f *stubDriver) Logs(ctx context.Context, shipID string, tail int) (string, error) {
	return "container log\n", nil
}

func newShipBackend(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/exec":
			var req shipclient.ExecRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			json.NewEncoder(w).Encode(shipclient.ExecResult{
				Success: true,
				Data:    json.RawMessage(`{"stdout":"hi\n"}`),
			})
		case "/logs":
			w.Write([]byte("ship service log\n"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *httptest.Server {
	t.Helper()
	cfg := config.Default()
	cfg.AccessToken = testToken
	cfg.MaxShipNum = 3
	cfg.BehaviorAfterMaxShip = "reject"
	cfg.HealthCheckInterval = 10 * time.Millisecond
	cfg.HealthCheckTimeout = 500 * time.Millisecond
	cfg.ExecTimeout = time.Second
	cfg.WarmPoolEnabled = false
	if mutate != nil {
		mutate(&cfg)
	}

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	backend := newShipBackend(t)
	drv := &stubDriver{
		running:  map[string]bool{},
		endpoint: strings.TrimPrefix(backend.URL, "http://"),
	}

	log := logging.New(false)
	client := shipclient.New(shipclient.Config{
		Token:         cfg.AccessToken,
		ProbeInterval: cfg.HealthCheckInterval,
		ProbeTimeout:  cfg.HealthCheckTimeout,
		ExecTimeout:   cfg.ExecTimeout,
	}, log)
	ships := ship.NewService(st, drv, client, cfg, telemetry.Noop(), log)
	sessions := session.NewService(st, log)

	srv := httptest.NewServer(New(ships, sessions, cfg, log).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url, sessID string, body string) (*http.Response, map[string]any) {
	t.Helper()
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("")
	} else {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", "application/json")
	if sessID != "" {
		req.Header.Set("X-SESSION-ID", sessID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	decoded := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestHealthUnprotected(t *testing.T) {
	srv := newTestServer(t, nil)
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuth(t *testing.T) {
	srv := newTestServer(t, nil)

	// no token at all
	resp, err := http.Get(srv.URL + "/ships")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// wrong token
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/ships", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// good token, session-scoped route without the session header
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/ship", "", `{"ttl":600}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAcquireLifecycle(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/ship", "s-1",
		`{"ttl":3600,"spec":{"cpus":0.5,"memory":"256m"}}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	shipID, _ := body["id"].(string)
	require.NotEmpty(t, shipID)
	assert.Equal(t, "running", body["status"])
	assert.NotEmpty(t, body["expires_at"])

	// same session gets the same ship back
	resp, body = doJSON(t, http.MethodPost, srv.URL+"/ship", "s-1", `{"ttl":3600}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, shipID, body["id"])

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/ship/"+shipID, "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, shipID, body["id"])

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/ship/nope", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodDelete, srv.URL+"/ship/"+shipID, "", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	// stopping an already-stopped ship is a 404
	resp, _ = doJSON(t, http.MethodDelete, srv.URL+"/ship/"+shipID, "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/ship/"+shipID, "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "stopped", body["status"])

	resp, _ = doJSON(t, http.MethodDelete, srv.URL+"/ship/"+shipID+"/permanent", "", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/ship/"+shipID, "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCapacityReject(t *testing.T) {
	srv := newTestServer(t, func(cfg *config.Config) { cfg.MaxShipNum = 1 })

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/ship", "s-1", `{"ttl":600}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/ship", "s-2", `{"ttl":600}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestExecAndHistoryFlow(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/ship", "s-A", `{"ttl":600}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	shipID := body["id"].(string)

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/ship/"+shipID+"/exec", "s-A",
		`{"type":"shell/exec","payload":{"command":"echo hi"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	execID, _ := body["execution_id"].(string)
	require.NotEmpty(t, execID)

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/sessions/s-A/history/last", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "shell", body["exec_type"])
	assert.Equal(t, "echo hi", body["code"])
	assert.Equal(t, execID, body["id"])

	resp, body = doJSON(t, http.MethodPatch, srv.URL+"/sessions/s-A/history/"+execID, "",
		`{"tags":"data,cleanup","notes":"reusable"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "data,cleanup", body["tags"])

	resp, body = doJSON(t, http.MethodGet,
		srv.URL+"/sessions/s-A/history?tags=cleanup&has_notes=true", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rows := body["executions"].([]any)
	require.NotEmpty(t, rows)
	first := rows[0].(map[string]any)
	assert.Equal(t, execID, first["id"])

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/sessions/s-A/history/nope", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/sessions/s-unknown/history", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// fs operations pass through without a history row
	resp, body = doJSON(t, http.MethodPost, srv.URL+"/ship/"+shipID+"/exec", "s-A",
		`{"type":"fs/list_dir","payload":{"dir_path":"/home"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotContains(t, body, "execution_id")
	resp, body = doJSON(t, http.MethodGet, srv.URL+"/sessions/s-A/history", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["total"])

	// a session bound to another ship cannot exec into this one
	_, _ = doJSON(t, http.MethodPost, srv.URL+"/ship", "s-B", `{"ttl":600}`)
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/ship/"+shipID+"/exec", "s-B",
		`{"type":"shell/exec","payload":{"command":"cat /home/secret"}}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestShipLogSources(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/ship", "s-logs", `{"ttl":600}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	shipID := body["id"].(string)

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/ship/logs/"+shipID, "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "container log\n", body["logs"])

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/ship/logs/"+shipID+"?source=service", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ship service log\n", body["logs"])
}

func TestExtendTTL(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/ship", "s-ttl", `{"ttl":600}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	shipID := body["id"].(string)

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/ship/"+shipID+"/extend-ttl", "",
		`{"ttl":7200}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	expires, err := time.Parse(time.RFC3339, body["expires_at"].(string))
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(2*time.Hour), expires, 10*time.Second)

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/sessions/s-ttl/extend-ttl", "", `{"ttl":7200}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSessionRoutes(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/ship", "s-sess", `{"ttl":600}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	shipID := body["id"].(string)

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/sessions", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["total"])

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/sessions/s-sess", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, shipID, body["ship_id"])
	assert.Equal(t, true, body["is_active"])

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/ship/"+shipID+"/sessions", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["total"])

	resp, _ = doJSON(t, http.MethodDelete, srv.URL+"/sessions/s-sess", "", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/sessions/s-sess", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUploadTooLarge(t *testing.T) {
	srv := newTestServer(t, func(cfg *config.Config) { cfg.MaxUploadSize = 16 })

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/ship", "s-up", `{"ttl":600}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	shipID := body["id"].(string)

	payload := strings.Repeat("x", 1024)
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/ship/"+shipID+"/upload",
		strings.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("X-SESSION-ID", "s-up")
	req.Header.Set("Content-Type", "multipart/form-data; boundary=xx")
	req.ContentLength = int64(len(payload))

	got, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer got.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, got.StatusCode)
}

func TestStatRoutes(t *testing.T) {
	srv := newTestServer(t, nil)

	_, _ = doJSON(t, http.MethodPost, srv.URL+"/ship", "s-stat", `{"ttl":600}`)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/stat", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["total"])

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/stat/overview", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["total_ships"])
	assert.EqualValues(t, 1, body["active_sessions"])
}

func dialTerm(t *testing.T, srv *httptest.Server, path string) (int, string) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected a close frame, got %v", err)
	return closeErr.Code, closeErr.Text
}

func TestTerminalCloseCodes(t *testing.T) {
	srv := newTestServer(t, nil)

	code, _ := dialTerm(t, srv, "/ship/any/term?token=wrong&session_id=s-1")
	assert.Equal(t, closeAuthFailed, code)

	code, _ = dialTerm(t, srv, "/ship/any/term?token="+testToken)
	assert.Equal(t, closeNoSession, code)

	code, _ = dialTerm(t, srv, "/ship/unknown/term?token="+testToken+"&session_id=s-1")
	assert.Equal(t, closeUnknownShip, code)
}
