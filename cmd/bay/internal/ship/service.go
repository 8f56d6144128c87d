// Package ship holds the allocation core: session to ship binding, the warm
// pool, and the TTL reaper.
package ship

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/shipyard-project/bay/cmd/bay/internal/bayerr"
	"github.com/shipyard-project/bay/cmd/bay/internal/config"
	"github.com/shipyard-project/bay/cmd/bay/internal/driver"
	"github.com/shipyard-project/bay/cmd/bay/internal/shipclient"
	"github.com/shipyard-project/bay/cmd/bay/internal/store"
	"github.com/shipyard-project/bay/cmd/bay/internal/telemetry"
)

// errCapReached signals that the fleet is at MAX_SHIP_NUM.
var errCapReached = errors.New("ship cap reached")

// Service orchestrates ship allocation. All public methods are safe for
// concurrent use; allocation is serialized per session_id.
type Service struct {
	store   *store.Store
	driver  driver.Driver
	client  *shipclient.Client
	cfg     config.Config
	metrics *telemetry.Metrics
	log     *logrus.Entry

	locks   *sessionLocks
	waiters *slotWaiters
	// createMu makes the count-then-insert cap check authoritative.
	createMu chan struct{}
}

func NewService(st *store.Store, drv driver.Driver, client *shipclient.Client, cfg config.Config, metrics *telemetry.Metrics, log *logrus.Entry) *Service {
	return &Service{
		store:    st,
		driver:   drv,
		client:   client,
		cfg:      cfg,
		metrics:  metrics,
		log:      log.WithField("component", "ship"),
		locks:    newSessionLocks(),
		waiters:  &slotWaiters{},
		createMu: make(chan struct{}, 1),
	}
}

// AcquireRequest carries the client's ship requirements. Zero values fall
// back to configured defaults.
type AcquireRequest struct {
	TTL         int
	CPUs        float64
	Memory      string
	Disk        string
	ForceCreate bool
}

func (s *Service) defaults(req *AcquireRequest) {
	if req.TTL <= 0 {
		req.TTL = s.cfg.DefaultShipTTL
	}
	if req.CPUs <= 0 {
		req.CPUs = s.cfg.DefaultShipCPUs
	}
	if req.Memory == "" {
		req.Memory = s.cfg.DefaultShipMemory
	}
}

// Acquire returns the ship bound to sessionID, allocating one if needed.
// Concurrent calls for the same session return the same ship.
func (s *Service) Acquire(ctx context.Context, sessionID string, req AcquireRequest) (*store.Ship, *store.Session, error) {
	s.defaults(&req)
	release := s.locks.acquire(sessionID)
	defer release()

	now := time.Now().UTC()

	if !req.ForceCreate {
		ship, sess, err := s.reuseExisting(ctx, sessionID, req, now)
		if err != nil {
			return nil, nil, err
		}
		if ship != nil {
			return ship, sess, nil
		}

		claimed, err := s.store.ClaimWarmShip(ctx, req.TTL, now)
		if err != nil {
			return nil, nil, err
		}
		if claimed != nil {
			sess, err := s.store.BindSession(ctx, sessionID, claimed.ID, req.TTL, now)
			if err != nil {
				return nil, nil, err
			}
			s.metrics.PoolClaims.Add(ctx, 1)
			s.metrics.ShipsAllocated.Add(ctx, 1)
			s.log.WithFields(logrus.Fields{"ship_id": claimed.ID, "session_id": sessionID}).Info("warm ship claimed")
			return claimed, sess, nil
		}
	}

	for {
		ship, err := s.createShip(ctx, uuid.NewString(), req, false)
		if errors.Is(err, errCapReached) {
			if s.cfg.BehaviorAfterMaxShip == "reject" {
				return nil, nil, bayerr.New(bayerr.CapacityExhausted,
					"ship limit of %d reached", s.cfg.MaxShipNum)
			}
			woken, werr := s.waiters.wait(ctx, s.cfg.MaxSlotWait)
			if werr != nil {
				return nil, nil, werr
			}
			if !woken {
				return nil, nil, bayerr.New(bayerr.BackendTimeout,
					"timed out after %s waiting for a ship slot", s.cfg.MaxSlotWait)
			}
			// A slot opened; the pool may have been refilled meanwhile.
			if !req.ForceCreate {
				claimed, cerr := s.store.ClaimWarmShip(ctx, req.TTL, time.Now().UTC())
				if cerr != nil {
					return nil, nil, cerr
				}
				if claimed != nil {
					sess, berr := s.store.BindSession(ctx, sessionID, claimed.ID, req.TTL, time.Now().UTC())
					if berr != nil {
						return nil, nil, berr
					}
					s.metrics.PoolClaims.Add(ctx, 1)
					s.metrics.ShipsAllocated.Add(ctx, 1)
					return claimed, sess, nil
				}
			}
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		sess, err := s.store.BindSession(ctx, sessionID, ship.ID, req.TTL, time.Now().UTC())
		if err != nil {
			return nil, nil, err
		}
		s.metrics.ShipsAllocated.Add(ctx, 1)
		s.log.WithFields(logrus.Fields{"ship_id": ship.ID, "session_id": sessionID}).Info("ship created for session")
		return ship, sess, nil
	}
}

// reuseExisting handles the first two allocation steps: a live bound ship,
// then best-effort revival of a stopped ship with surviving data.
func (s *Service) reuseExisting(ctx context.Context, sessionID string, req AcquireRequest, now time.Time) (*store.Ship, *store.Session, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil || sess == nil {
		return nil, nil, err
	}
	ship, err := s.store.GetShip(ctx, sess.ShipID)
	if err != nil {
		return nil, nil, err
	}
	if ship == nil {
		return nil, nil, nil
	}

	if ship.Status == store.ShipRunning {
		alive, err := s.driver.IsRunning(ctx, ship.ID)
		if err != nil {
			return nil, nil, err
		}
		if alive {
			extended, err := s.store.ExtendShipExpiry(ctx, ship.ID, req.TTL, now)
			if err != nil {
				return nil, nil, err
			}
			if err := s.store.TouchSession(ctx, sessionID, now); err != nil {
				return nil, nil, err
			}
			if _, err := s.store.ExtendSessionExpiry(ctx, sessionID, req.TTL, now); err != nil {
				return nil, nil, err
			}
			s.metrics.ShipsAllocated.Add(ctx, 1)
			return extended, sess, nil
		}
		// The backend lost the container; reconcile and try revival.
		if err := s.markStopped(ctx, ship); err != nil {
			return nil, nil, err
		}
		ship.Status = store.ShipStopped
	}

	if ship.Status == store.ShipStopped {
		hasData, err := s.driver.DataExists(ctx, ship.ID)
		if err != nil {
			s.log.WithError(err).WithField("ship_id", ship.ID).Warn("data check failed, allocating fresh")
			return nil, nil, nil
		}
		if !hasData {
			return nil, nil, nil
		}
		revived, err := s.restore(ctx, ship, req.TTL)
		if err != nil {
			s.log.WithError(err).WithField("ship_id", ship.ID).Warn("revival failed, allocating fresh")
			return nil, nil, nil
		}
		sess, err := s.store.BindSession(ctx, sessionID, revived.ID, req.TTL, time.Now().UTC())
		if err != nil {
			return nil, nil, err
		}
		s.metrics.ShipsAllocated.Add(ctx, 1)
		s.log.WithFields(logrus.Fields{"ship_id": revived.ID, "session_id": sessionID}).Info("stopped ship revived")
		return revived, sess, nil
	}
	return nil, nil, nil
}

// createShip inserts a Creating row under the cap, realizes the container
// and probes it to readiness.
func (s *Service) createShip(ctx context.Context, shipID string, req AcquireRequest, warmPool bool) (*store.Ship, error) {
	now := time.Now().UTC()
	ship := &store.Ship{
		ID:        shipID,
		Status:    store.ShipCreating,
		CPUs:      req.CPUs,
		Memory:    req.Memory,
		Disk:      req.Disk,
		TTL:       req.TTL,
		WarmPool:  warmPool,
		CreatedAt: now,
		UpdatedAt: now,
	}

	select {
	case s.createMu <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	count, err := s.store.CountActiveShips(ctx)
	if err == nil && count >= s.cfg.MaxShipNum {
		err = errCapReached
	}
	if err == nil {
		err = s.store.CreateShip(ctx, ship)
	}
	<-s.createMu
	if err != nil {
		return nil, err
	}

	info, err := s.driver.Create(ctx, driver.Spec{
		ShipID: ship.ID,
		Image:  s.cfg.DockerImage,
		CPUs:   ship.CPUs,
		Memory: ship.Memory,
		Disk:   ship.Disk,
		TTL:    ship.TTL,
	})
	if err != nil {
		if derr := s.store.DeleteShip(context.WithoutCancel(ctx), ship.ID); derr != nil {
			s.log.WithError(derr).WithField("ship_id", ship.ID).Error("cleaning up failed creation")
		}
		s.waiters.signal()
		return nil, err
	}

	if err := s.client.WaitReady(ctx, info.Endpoint); err != nil {
		cleanupCtx := context.WithoutCancel(ctx)
		if serr := s.driver.Stop(cleanupCtx, ship.ID); serr != nil {
			s.log.WithError(serr).WithField("ship_id", ship.ID).Error("stopping unready ship")
		}
		ship.Status = store.ShipStopped
		ship.WarmPool = false
		if uerr := s.store.UpdateShip(cleanupCtx, ship); uerr != nil {
			s.log.WithError(uerr).WithField("ship_id", ship.ID).Error("marking unready ship stopped")
		}
		s.waiters.signal()
		return nil, err
	}

	expires := time.Now().UTC().Add(time.Duration(ship.TTL) * time.Second)
	ship.Status = store.ShipRunning
	ship.ContainerID = info.ContainerID
	ship.Endpoint = info.Endpoint
	ship.ExpiresAt = &expires
	if err := s.store.UpdateShip(ctx, ship); err != nil {
		return nil, err
	}
	s.metrics.ShipsCreated.Add(ctx, 1)
	return ship, nil
}

// restore re-creates the container of a stopped ship over its surviving
// data volume.
func (s *Service) restore(ctx context.Context, ship *store.Ship, ttl int) (*store.Ship, error) {
	info, err := s.driver.Create(ctx, driver.Spec{
		ShipID: ship.ID,
		Image:  s.cfg.DockerImage,
		CPUs:   ship.CPUs,
		Memory: ship.Memory,
		Disk:   ship.Disk,
		TTL:    ttl,
	})
	if err != nil {
		return nil, err
	}
	if err := s.client.WaitReady(ctx, info.Endpoint); err != nil {
		cleanupCtx := context.WithoutCancel(ctx)
		if serr := s.driver.Stop(cleanupCtx, ship.ID); serr != nil {
			s.log.WithError(serr).WithField("ship_id", ship.ID).Error("stopping unready revived ship")
		}
		return nil, err
	}
	expires := time.Now().UTC().Add(time.Duration(ttl) * time.Second)
	ship.Status = store.ShipRunning
	ship.ContainerID = info.ContainerID
	ship.Endpoint = info.Endpoint
	ship.TTL = ttl
	ship.ExpiresAt = &expires
	ship.WarmPool = false
	if err := s.store.UpdateShip(ctx, ship); err != nil {
		return nil, err
	}
	return ship, nil
}

func (s *Service) markStopped(ctx context.Context, ship *store.Ship) error {
	ship.Status = store.ShipStopped
	ship.Endpoint = ""
	ship.ExpiresAt = nil
	ship.WarmPool = false
	return s.store.UpdateShip(ctx, ship)
}

// Get returns a ship by ID.
func (s *Service) Get(ctx context.Context, shipID string) (*store.Ship, error) {
	ship, err := s.store.GetShip(ctx, shipID)
	if err != nil {
		return nil, err
	}
	if ship == nil {
		return nil, bayerr.New(bayerr.NotFound, "ship %s not found", shipID)
	}
	return ship, nil
}

// List returns all non-stopped ships.
func (s *Service) List(ctx context.Context) ([]store.Ship, error) {
	return s.store.ListShips(ctx)
}

// Stop tears down a ship's container but keeps its row and data, so a later
// acquire for the same session can revive it. Stopping twice is an error.
func (s *Service) Stop(ctx context.Context, shipID string) error {
	ship, err := s.Get(ctx, shipID)
	if err != nil {
		return err
	}
	if ship.Status == store.ShipStopped {
		return bayerr.New(bayerr.NotFound, "ship %s is already stopped", shipID)
	}
	if err := s.driver.Stop(ctx, shipID); err != nil && !bayerr.Is(err, bayerr.NotFound) {
		return err
	}
	if err := s.markStopped(ctx, ship); err != nil {
		return err
	}
	s.waiters.signal()
	s.log.WithField("ship_id", shipID).Info("ship stopped")
	return nil
}

// DeletePermanent removes the ship row and its sessions. Host data
// directories are deliberately left in place.
func (s *Service) DeletePermanent(ctx context.Context, shipID string) error {
	ship, err := s.Get(ctx, shipID)
	if err != nil {
		return err
	}
	if err := s.driver.Stop(ctx, shipID); err != nil && !bayerr.Is(err, bayerr.NotFound) {
		s.log.WithError(err).WithField("ship_id", shipID).Warn("driver stop during permanent delete")
	}
	if err := s.store.DeleteSessionsForShip(ctx, ship.ID); err != nil {
		return err
	}
	if err := s.store.DeleteShip(ctx, ship.ID); err != nil {
		return err
	}
	s.waiters.signal()
	s.log.WithField("ship_id", shipID).Info("ship permanently deleted")
	return nil
}

// ExtendTTL moves a running ship's expiry to now+ttl, never shortening it.
func (s *Service) ExtendTTL(ctx context.Context, shipID string, ttl int) (*store.Ship, error) {
	if ttl <= 0 {
		ttl = s.cfg.DefaultShipTTL
	}
	ship, err := s.store.ExtendShipExpiry(ctx, shipID, ttl, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if ship == nil {
		return nil, bayerr.New(bayerr.NotFound, "running ship %s not found", shipID)
	}
	return ship, nil
}

// Start recovers a stopped ship, re-creating its container over whatever
// data survives.
func (s *Service) Start(ctx context.Context, shipID string) (*store.Ship, error) {
	ship, err := s.Get(ctx, shipID)
	if err != nil {
		return nil, err
	}
	if ship.Status == store.ShipRunning {
		return ship, nil
	}
	revived, err := s.restore(ctx, ship, ship.TTL)
	if err != nil {
		if _, classified := bayerr.KindOf(err); classified {
			return nil, err
		}
		return nil, bayerr.Wrap(bayerr.ShipUnready, err, "starting ship %s", shipID)
	}
	return revived, nil
}

// Execute forwards a tagged exec request to the ship. Code executions
// (python and shell) are recorded in history; fs and process operations pass
// through unrecorded. Recording failures never fail the request.
func (s *Service) Execute(ctx context.Context, shipID, sessionID string, req shipclient.ExecRequest) (*shipclient.ExecResult, string, error) {
	ship, err := s.authorized(ctx, shipID, sessionID)
	if err != nil {
		return nil, "", err
	}

	start := time.Now()
	result, execErr := s.client.Exec(ctx, ship.Endpoint, sessionID, req)
	elapsed := time.Since(start).Milliseconds()

	s.metrics.ExecsForwarded.Add(ctx, 1)

	var execID string
	if execType, recorded := recordedExecType(req.Type); recorded {
		exec := &store.Execution{
			SessionID:       sessionID,
			ShipID:          shipID,
			ExecType:        execType,
			Code:            execCode(req),
			ExecutionTimeMS: elapsed,
		}
		if execErr != nil {
			exec.Error = execErr.Error()
		} else {
			exec.Success = result.Success
			exec.Output = string(result.Data)
			exec.Error = result.Error
			if result.ExecutionTimeMS > 0 {
				exec.ExecutionTimeMS = result.ExecutionTimeMS
			}
		}
		var recErr error
		execID, recErr = s.store.RecordExecution(context.WithoutCancel(ctx), exec)
		if recErr != nil {
			s.log.WithError(recErr).WithField("session_id", sessionID).Error("recording execution")
		}
	}
	if terr := s.store.TouchSession(context.WithoutCancel(ctx), sessionID, time.Now().UTC()); terr != nil {
		s.log.WithError(terr).WithField("session_id", sessionID).Warn("touching session")
	}
	if execErr != nil {
		return nil, execID, execErr
	}
	return result, execID, nil
}

// running returns the ship when it is serving, ShipUnready otherwise.
func (s *Service) running(ctx context.Context, shipID string) (*store.Ship, error) {
	ship, err := s.Get(ctx, shipID)
	if err != nil {
		return nil, err
	}
	if ship.Status != store.ShipRunning {
		return nil, bayerr.New(bayerr.ShipUnready, "ship %s is not running", shipID)
	}
	return ship, nil
}

// authorized additionally verifies the caller's session is the one bound to
// the ship; a session never reaches into another session's sandbox.
func (s *Service) authorized(ctx context.Context, shipID, sessionID string) (*store.Ship, error) {
	ship, err := s.running(ctx, shipID)
	if err != nil {
		return nil, err
	}
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil || sess.ShipID != ship.ID {
		return nil, bayerr.New(bayerr.NotFound, "session %s is not bound to ship %s", sessionID, shipID)
	}
	return ship, nil
}

// Upload forwards a file into the ship's filesystem.
func (s *Service) Upload(ctx context.Context, shipID, sessionID, destPath, filename string, r io.Reader) (*shipclient.ExecResult, int, error) {
	ship, err := s.authorized(ctx, shipID, sessionID)
	if err != nil {
		return nil, 0, err
	}
	result, status, err := s.client.Upload(ctx, ship.Endpoint, sessionID, destPath, filename, r)
	if err == nil {
		if terr := s.store.TouchSession(ctx, sessionID, time.Now().UTC()); terr != nil {
			s.log.WithError(terr).WithField("session_id", sessionID).Warn("touching session")
		}
	}
	return result, status, err
}

// Download streams a file out of the ship. The caller owns the body.
func (s *Service) Download(ctx context.Context, shipID, sessionID, filePath string) (io.ReadCloser, http.Header, int, error) {
	ship, err := s.authorized(ctx, shipID, sessionID)
	if err != nil {
		return nil, nil, 0, err
	}
	return s.client.Download(ctx, ship.Endpoint, sessionID, filePath)
}

// DialTerminal opens the upstream PTY WebSocket on the ship.
func (s *Service) DialTerminal(ctx context.Context, shipID, sessionID string, cols, rows int) (*websocket.Conn, error) {
	ship, err := s.authorized(ctx, shipID, sessionID)
	if err != nil {
		return nil, err
	}
	return s.client.DialTerminal(ctx, ship.Endpoint, sessionID, cols, rows)
}

// ServiceLogs returns a tail of the in-ship service's own log, as opposed to
// the container log the driver serves.
func (s *Service) ServiceLogs(ctx context.Context, shipID string, tail int) (string, error) {
	ship, err := s.running(ctx, shipID)
	if err != nil {
		return "", err
	}
	return s.client.Logs(ctx, ship.Endpoint, "", tail)
}

// Logs returns a bounded tail of the ship's container log.
func (s *Service) Logs(ctx context.Context, shipID string, tail int) (string, error) {
	if _, err := s.Get(ctx, shipID); err != nil {
		return "", err
	}
	if tail <= 0 || tail > 10000 {
		tail = 1000
	}
	return s.driver.Logs(ctx, shipID, tail)
}

// StatusCounts exposes fleet counts for the stat endpoints.
func (s *Service) StatusCounts(ctx context.Context) (map[store.ShipStatus]int, error) {
	return s.store.StatusCounts(ctx)
}

// recordedExecType maps the tagged request types that land in history.
// fs, process and cwd operations are never recorded.
func recordedExecType(tagged string) (store.ExecType, bool) {
	switch tagged {
	case "ipython/exec":
		return store.ExecPython, true
	case "shell/exec":
		return store.ExecShell, true
	}
	return "", false
}

func execCode(req shipclient.ExecRequest) string {
	if code, ok := req.Payload["code"].(string); ok {
		return code
	}
	if cmd, ok := req.Payload["command"].(string); ok {
		return cmd
	}
	return ""
}
