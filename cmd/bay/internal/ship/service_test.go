package ship

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shipyard-project/bay/cmd/bay/internal/bayerr"
	"github.com/shipyard-project/bay/cmd/bay/internal/config"
	"github.com/shipyard-project/bay/cmd/bay/internal/driver"
	"github.com/shipyard-project/bay/cmd/bay/internal/logging"
	"github.com/shipyard-project/bay/cmd/bay/internal/shipclient"
	"github.com/shipyard-project/bay/cmd/bay/internal/store"
	"github.com/shipyard-project/bay/cmd/bay/internal/telemetry"
)

// fakeDriver satisfies driver.Driver against an httptest ship server.
type fakeDriver struct {
	mu       sync.Mutex
	running  map[string]bool
	data     map[string]bool
	endpoint string
	creates  int
	failWith error
}

func newFakeDriver(endpoint string) *fakeDriver {
	return &fakeDriver{
		running:  map[string]bool{},
		data:     map[string]bool{},
		endpoint: endpoint,
	}
}

func (f *fakeDriver) Name() string { return "fake" }
func (f *fakeDriver) Close() error { return nil }

func (f *fakeDriver) Create(ctx context.Context, spec driver.Spec) (*driver.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	f.creates++
	f.running[spec.ShipID] = true
	f.data[spec.ShipID] = true
	return &driver.Info{ContainerID: "c-" + spec.ShipID, Endpoint: f.endpoint}, nil
}

func (f *fakeDriver) Stop(ctx context.Context, shipID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, shipID)
	return nil
}

func (f *fakeDriver) IsRunning(ctx context.Context, shipID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[shipID], nil
}

func (f *fakeDriver) DataExists(ctx context.Context, shipID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.data[shipID], nil
}

func (f *fakeDriver) Logs(ctx context.Context, shipID string, tail int) (string, error) {
	return "log line\n", nil
}

func (f *fakeDriver) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

func newShipServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/exec":
			var req shipclient.ExecRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			json.NewEncoder(w).Encode(shipclient.ExecResult{
				Success:         true,
				Data:            json.RawMessage(`{"stdout":"hi\n"}`),
				ExecutionTimeMS: 5,
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

func testConfig() config.Config {
	cfg := config.Default()
	cfg.MaxShipNum = 3
	cfg.BehaviorAfterMaxShip = "reject"
	cfg.MaxSlotWait = time.Second
	cfg.HealthCheckInterval = 10 * time.Millisecond
	cfg.HealthCheckTimeout = 500 * time.Millisecond
	cfg.ExecTimeout = time.Second
	cfg.WarmPoolEnabled = false
	return cfg
}

func newTestService(t *testing.T, cfg config.Config) (*Service, *fakeDriver) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	srv := newShipServer(t)
	drv := newFakeDriver(strings.TrimPrefix(srv.URL, "http://"))

	log := logging.New(false)
	client := shipclient.New(shipclient.Config{
		Token:         cfg.AccessToken,
		ProbeInterval: cfg.HealthCheckInterval,
		ProbeTimeout:  cfg.HealthCheckTimeout,
		ExecTimeout:   cfg.ExecTimeout,
	}, log)
	return NewService(st, drv, client, cfg, telemetry.Noop(), log), drv
}

func TestAcquireCreatesAndRebinds(t *testing.T) {
	svc, drv := newTestService(t, testConfig())
	ctx := context.Background()

	ship, sess, err := svc.Acquire(ctx, "s-1", AcquireRequest{TTL: 3600})
	require.NoError(t, err)
	assert.Equal(t, store.ShipRunning, ship.Status)
	assert.NotEmpty(t, ship.Endpoint)
	require.NotNil(t, ship.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *ship.ExpiresAt, 5*time.Second)
	assert.Equal(t, ship.ID, sess.ShipID)

	// second acquire returns the same ship
	again, _, err := svc.Acquire(ctx, "s-1", AcquireRequest{TTL: 3600})
	require.NoError(t, err)
	assert.Equal(t, ship.ID, again.ID)
	assert.Equal(t, 1, drv.createCount())
}

func TestAcquireSameSessionConcurrent(t *testing.T) {
	svc, drv := newTestService(t, testConfig())
	ctx := context.Background()

	const n = 8
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ship, _, err := svc.Acquire(ctx, "s-conc", AcquireRequest{TTL: 600})
			assert.NoError(t, err)
			if ship != nil {
				ids <- ship.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		seen[id] = true
	}
	assert.Len(t, seen, 1, "all concurrent acquires must resolve to one ship")
	assert.Equal(t, 1, drv.createCount())
}

func TestAcquireCapReject(t *testing.T) {
	cfg := testConfig()
	cfg.MaxShipNum = 1
	svc, _ := newTestService(t, cfg)
	ctx := context.Background()

	_, _, err := svc.Acquire(ctx, "s-1", AcquireRequest{TTL: 600})
	require.NoError(t, err)

	_, _, err = svc.Acquire(ctx, "s-2", AcquireRequest{TTL: 600})
	require.Error(t, err)
	assert.True(t, bayerr.Is(err, bayerr.CapacityExhausted))
}

func TestAcquireCapWait(t *testing.T) {
	cfg := testConfig()
	cfg.MaxShipNum = 1
	cfg.BehaviorAfterMaxShip = "wait"
	cfg.MaxSlotWait = 2 * time.Second
	svc, _ := newTestService(t, cfg)
	ctx := context.Background()

	first, _, err := svc.Acquire(ctx, "s-1", AcquireRequest{TTL: 600})
	require.NoError(t, err)

	got := make(chan string, 1)
	go func() {
		ship, _, err := svc.Acquire(ctx, "s-2", AcquireRequest{TTL: 600})
		if err == nil {
			got <- ship.ID
		} else {
			got <- "error: " + err.Error()
		}
	}()

	// let the second allocator reach the wait queue, then free the slot
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, svc.Stop(ctx, first.ID))

	select {
	case id := <-got:
		assert.NotContains(t, id, "error")
		assert.NotEqual(t, first.ID, id)
	case <-time.After(time.Second):
		t.Fatal("waiter did not unblock after slot release")
	}
}

func TestAcquireCapWaitTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.MaxShipNum = 1
	cfg.BehaviorAfterMaxShip = "wait"
	cfg.MaxSlotWait = 50 * time.Millisecond
	svc, _ := newTestService(t, cfg)
	ctx := context.Background()

	_, _, err := svc.Acquire(ctx, "s-1", AcquireRequest{TTL: 600})
	require.NoError(t, err)

	_, _, err = svc.Acquire(ctx, "s-2", AcquireRequest{TTL: 600})
	require.Error(t, err)
	assert.True(t, bayerr.Is(err, bayerr.BackendTimeout))
}

func TestAcquireClaimsWarmPool(t *testing.T) {
	svc, drv := newTestService(t, testConfig())
	ctx := context.Background()

	// a pool ship is already running and unbound
	warm, err := svc.createShip(ctx, "warm-1", AcquireRequest{TTL: svc.cfg.WarmPoolTTL, CPUs: 1, Memory: "512m"}, true)
	require.NoError(t, err)
	require.True(t, warm.WarmPool)
	createsBefore := drv.createCount()

	ship, sess, err := svc.Acquire(ctx, "s-pool", AcquireRequest{TTL: 600})
	require.NoError(t, err)
	assert.Equal(t, warm.ID, ship.ID)
	assert.False(t, ship.WarmPool)
	assert.Equal(t, 600, ship.TTL)
	assert.Equal(t, warm.ID, sess.ShipID)
	assert.Equal(t, createsBefore, drv.createCount(), "claim must not create a container")
}

func TestForceCreateBypassesPoolAndBinding(t *testing.T) {
	svc, drv := newTestService(t, testConfig())
	ctx := context.Background()

	first, _, err := svc.Acquire(ctx, "s-f", AcquireRequest{TTL: 600})
	require.NoError(t, err)

	fresh, _, err := svc.Acquire(ctx, "s-f", AcquireRequest{TTL: 600, ForceCreate: true})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, fresh.ID)
	assert.Equal(t, 2, drv.createCount())
}

func TestReviveStoppedShip(t *testing.T) {
	svc, drv := newTestService(t, testConfig())
	ctx := context.Background()

	ship, _, err := svc.Acquire(ctx, "s-rev", AcquireRequest{TTL: 600})
	require.NoError(t, err)
	require.NoError(t, svc.Stop(ctx, ship.ID))

	stopped, err := svc.Get(ctx, ship.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ShipStopped, stopped.Status)
	assert.Empty(t, stopped.Endpoint)
	assert.Nil(t, stopped.ExpiresAt)

	revived, _, err := svc.Acquire(ctx, "s-rev", AcquireRequest{TTL: 600})
	require.NoError(t, err)
	assert.Equal(t, ship.ID, revived.ID, "data survived, same ship comes back")
	assert.Equal(t, store.ShipRunning, revived.Status)
	assert.Equal(t, 2, drv.createCount())
}

func TestExtendTTLNotFoundWhenStopped(t *testing.T) {
	svc, _ := newTestService(t, testConfig())
	ctx := context.Background()

	ship, _, err := svc.Acquire(ctx, "s-ttl", AcquireRequest{TTL: 600})
	require.NoError(t, err)
	require.NoError(t, svc.Stop(ctx, ship.ID))

	_, err = svc.ExtendTTL(ctx, ship.ID, 600)
	require.Error(t, err)
	assert.True(t, bayerr.Is(err, bayerr.NotFound))
}

func TestExecuteRecordsHistory(t *testing.T) {
	svc, _ := newTestService(t, testConfig())
	ctx := context.Background()

	ship, _, err := svc.Acquire(ctx, "s-A", AcquireRequest{TTL: 600})
	require.NoError(t, err)

	result, execID, err := svc.Execute(ctx, ship.ID, "s-A", shipclient.ExecRequest{
		Type:    "shell/exec",
		Payload: map[string]any{"command": "echo hi"},
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.NotEmpty(t, execID)

	last, err := svc.store.LastExecution(ctx, "s-A", "")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, store.ExecShell, last.ExecType)
	assert.Equal(t, "echo hi", last.Code)
	assert.True(t, last.Success)
	assert.Equal(t, execID, last.ID)
}

func TestExecuteRequiresOwnShip(t *testing.T) {
	svc, _ := newTestService(t, testConfig())
	ctx := context.Background()

	victim, _, err := svc.Acquire(ctx, "s-owner", AcquireRequest{TTL: 600})
	require.NoError(t, err)
	_, _, err = svc.Acquire(ctx, "s-other", AcquireRequest{TTL: 600})
	require.NoError(t, err)

	req := shipclient.ExecRequest{
		Type:    "shell/exec",
		Payload: map[string]any{"command": "cat /home/secret"},
	}

	// a session bound to a different ship
	_, _, err = svc.Execute(ctx, victim.ID, "s-other", req)
	require.Error(t, err)
	assert.True(t, bayerr.Is(err, bayerr.NotFound))

	// a session with no binding at all
	_, _, err = svc.Execute(ctx, victim.ID, "s-nobody", req)
	require.Error(t, err)
	assert.True(t, bayerr.Is(err, bayerr.NotFound))

	_, _, err = svc.Upload(ctx, victim.ID, "s-other", "/tmp/x", "x", strings.NewReader("x"))
	assert.True(t, bayerr.Is(err, bayerr.NotFound))

	_, _, _, err = svc.Download(ctx, victim.ID, "s-other", "/home/secret")
	assert.True(t, bayerr.Is(err, bayerr.NotFound))

	// the bound session still gets through
	result, _, err := svc.Execute(ctx, victim.ID, "s-owner", req)
	require.NoError(t, err)
	assert.True(t, result.Success)

	// nothing was recorded for the rejected attempts
	last, err := svc.store.LastExecution(ctx, "s-other", "")
	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestStopStoppedShip(t *testing.T) {
	svc, _ := newTestService(t, testConfig())
	ctx := context.Background()

	ship, _, err := svc.Acquire(ctx, "s-twice", AcquireRequest{TTL: 600})
	require.NoError(t, err)
	require.NoError(t, svc.Stop(ctx, ship.ID))

	err = svc.Stop(ctx, ship.ID)
	require.Error(t, err)
	assert.True(t, bayerr.Is(err, bayerr.NotFound))
}

func TestFsOperationsNotRecorded(t *testing.T) {
	svc, _ := newTestService(t, testConfig())
	ctx := context.Background()

	ship, _, err := svc.Acquire(ctx, "s-fs", AcquireRequest{TTL: 600})
	require.NoError(t, err)

	for _, execType := range []string{"fs/read_file", "fs/list_dir", "shell/processes", "shell/cwd"} {
		result, execID, err := svc.Execute(ctx, ship.ID, "s-fs", shipclient.ExecRequest{
			Type:    execType,
			Payload: map[string]any{"file_path": "/home/x"},
		})
		require.NoError(t, err, execType)
		assert.True(t, result.Success)
		assert.Empty(t, execID, "%s must not produce a history row", execType)
	}

	last, err := svc.store.LastExecution(ctx, "s-fs", "")
	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestServiceLogs(t *testing.T) {
	svc, _ := newTestService(t, testConfig())
	ctx := context.Background()

	ship, _, err := svc.Acquire(ctx, "s-logs", AcquireRequest{TTL: 600})
	require.NoError(t, err)

	logs, err := svc.ServiceLogs(ctx, ship.ID, 100)
	require.NoError(t, err)
	assert.Equal(t, "ship service log\n", logs)

	_, err = svc.ServiceLogs(ctx, "nope", 100)
	assert.True(t, bayerr.Is(err, bayerr.NotFound))
}

func TestExecuteOnStoppedShip(t *testing.T) {
	svc, _ := newTestService(t, testConfig())
	ctx := context.Background()

	ship, _, err := svc.Acquire(ctx, "s-B", AcquireRequest{TTL: 600})
	require.NoError(t, err)
	require.NoError(t, svc.Stop(ctx, ship.ID))

	_, _, err = svc.Execute(ctx, ship.ID, "s-B", shipclient.ExecRequest{Type: "shell/exec"})
	require.Error(t, err)
	assert.True(t, bayerr.Is(err, bayerr.ShipUnready))
}

func TestReaperStopsExpired(t *testing.T) {
	svc, drv := newTestService(t, testConfig())
	ctx := context.Background()

	ship, _, err := svc.Acquire(ctx, "s-reap", AcquireRequest{TTL: 600})
	require.NoError(t, err)

	// push expiry into the past
	past := time.Now().UTC().Add(-time.Second)
	ship.ExpiresAt = &past
	require.NoError(t, svc.store.UpdateShip(ctx, ship))

	require.NoError(t, svc.reapExpired(ctx))

	reaped, err := svc.Get(ctx, ship.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ShipStopped, reaped.Status)
	assert.Nil(t, reaped.ExpiresAt)

	running, err := drv.IsRunning(ctx, ship.ID)
	require.NoError(t, err)
	assert.False(t, running)

	sess, err := svc.store.GetSession(ctx, "s-reap")
	require.NoError(t, err)
	assert.Nil(t, sess, "expired ship's session is removed")
}

func TestReconcileLiveness(t *testing.T) {
	svc, drv := newTestService(t, testConfig())
	ctx := context.Background()

	ship, _, err := svc.Acquire(ctx, "s-live", AcquireRequest{TTL: 600})
	require.NoError(t, err)

	// kill the container behind the service's back
	drv.mu.Lock()
	delete(drv.running, ship.ID)
	drv.mu.Unlock()

	require.NoError(t, svc.reconcileLiveness(ctx))

	got, err := svc.Get(ctx, ship.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ShipStopped, got.Status)
}

func TestWarmPoolReplenishAndEvict(t *testing.T) {
	cfg := testConfig()
	cfg.WarmPoolEnabled = true
	cfg.WarmPoolMinSize = 2
	cfg.WarmPoolMaxSize = 2
	svc, _ := newTestService(t, cfg)
	ctx := context.Background()

	require.NoError(t, svc.replenishPool(ctx))
	n, err := svc.store.CountWarmShips(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// shrink the pool and watch eviction
	svc.cfg.WarmPoolMaxSize = 1
	svc.cfg.WarmPoolMinSize = 1
	require.NoError(t, svc.replenishPool(ctx))
	n, err = svc.store.CountWarmShips(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDeletePermanent(t *testing.T) {
	svc, _ := newTestService(t, testConfig())
	ctx := context.Background()

	ship, _, err := svc.Acquire(ctx, "s-del", AcquireRequest{TTL: 600})
	require.NoError(t, err)
	_, _, err = svc.Execute(ctx, ship.ID, "s-del", shipclient.ExecRequest{
		Type:    "shell/exec",
		Payload: map[string]any{"command": "ls"},
	})
	require.NoError(t, err)

	require.NoError(t, svc.DeletePermanent(ctx, ship.ID))

	_, err = svc.Get(ctx, ship.ID)
	assert.True(t, bayerr.Is(err, bayerr.NotFound))
	sess, err := svc.store.GetSession(ctx, "s-del")
	require.NoError(t, err)
	assert.Nil(t, sess)

	err = svc.DeletePermanent(ctx, ship.ID)
	assert.True(t, bayerr.Is(err, bayerr.NotFound))
}
