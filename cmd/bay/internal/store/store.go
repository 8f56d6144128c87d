package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the sqlite database holding ships, sessions and execution
// history. All methods are safe for concurrent use; single-row claims use
// conditional UPDATEs so they stay atomic without table locks.
type Store struct {
	db *sqlx.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS ships (
	id           TEXT PRIMARY KEY,
	status       INTEGER NOT NULL DEFAULT 0,
	container_id TEXT NOT NULL DEFAULT '',
	endpoint     TEXT NOT NULL DEFAULT '',
	cpus         REAL NOT NULL,
	memory       TEXT NOT NULL,
	disk         TEXT NOT NULL DEFAULT '',
	ttl          INTEGER NOT NULL,
	warm_pool    INTEGER NOT NULL DEFAULT 0,
	created_at   TIMESTAMP NOT NULL,
	updated_at   TIMESTAMP NOT NULL,
	expires_at   TIMESTAMP
);

CREATE TABLE IF NOT EXISTS sessions (
	id            TEXT PRIMARY KEY,
	session_id    TEXT NOT NULL UNIQUE,
	ship_id       TEXT NOT NULL REFERENCES ships(id),
	created_at    TIMESTAMP NOT NULL,
	last_activity TIMESTAMP NOT NULL,
	expires_at    TIMESTAMP NOT NULL,
	initial_ttl   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS execution_history (
	id                TEXT PRIMARY KEY,
	session_id        TEXT NOT NULL,
	ship_id           TEXT NOT NULL,
	exec_type         TEXT NOT NULL,
	code              TEXT NOT NULL,
	success           INTEGER NOT NULL,
	execution_time_ms INTEGER NOT NULL,
	output            TEXT NOT NULL DEFAULT '',
	error             TEXT NOT NULL DEFAULT '',
	description       TEXT NOT NULL DEFAULT '',
	tags              TEXT NOT NULL DEFAULT '',
	notes             TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ships_pool ON ships(warm_pool, status);
CREATE INDEX IF NOT EXISTS idx_sessions_ship ON sessions(ship_id);
CREATE INDEX IF NOT EXISTS idx_history_session ON execution_history(session_id, created_at DESC);
`

// Open opens (or creates) the database at path and applies the schema.
// Use ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
	if path == ":memory:" {
		dsn = "file::memory:?cache=shared&_foreign_keys=on"
	}
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}
	// sqlite allows a single writer; serializing through one connection
	// avoids SQLITE_BUSY churn under concurrent acquires.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// --- ships ---

func (s *Store) CreateShip(ctx context.Context, ship *Ship) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO ships (id, status, container_id, endpoint, cpus, memory, disk, ttl, warm_pool, created_at, updated_at, expires_at)
		VALUES (:id, :status, :container_id, :endpoint, :cpus, :memory, :disk, :ttl, :warm_pool, :created_at, :updated_at, :expires_at)`,
		ship)
	if err != nil {
		return fmt.Errorf("inserting ship %s: %w", ship.ID, err)
	}
	return nil
}

// GetShip returns nil, nil when no ship with that ID exists.
func (s *Store) GetShip(ctx context.Context, id string) (*Ship, error) {
	var ship Ship
	err := s.db.GetContext(ctx, &ship, `SELECT * FROM ships WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading ship %s: %w", id, err)
	}
	return &ship, nil
}

func (s *Store) UpdateShip(ctx context.Context, ship *Ship) error {
	ship.UpdatedAt = time.Now().UTC()
	_, err := s.db.NamedExecContext(ctx, `
		UPDATE ships SET status = :status, container_id = :container_id, endpoint = :endpoint,
			cpus = :cpus, memory = :memory, disk = :disk, ttl = :ttl, warm_pool = :warm_pool,
			updated_at = :updated_at, expires_at = :expires_at
		WHERE id = :id`, ship)
	if err != nil {
		return fmt.Errorf("updating ship %s: %w", ship.ID, err)
	}
	return nil
}

func (s *Store) DeleteShip(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM ships WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting ship %s: %w", id, err)
	}
	return nil
}

// ListShips returns every non-stopped ship, newest first.
func (s *Store) ListShips(ctx context.Context) ([]Ship, error) {
	var ships []Ship
	err := s.db.SelectContext(ctx, &ships,
		`SELECT * FROM ships WHERE status != ? ORDER BY created_at DESC`, ShipStopped)
	if err != nil {
		return nil, fmt.Errorf("listing ships: %w", err)
	}
	return ships, nil
}

// CountActiveShips counts Running and Creating ships; this is the number
// checked against the fleet cap.
func (s *Store) CountActiveShips(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM ships WHERE status != ?`, ShipStopped)
	if err != nil {
		return 0, fmt.Errorf("counting active ships: %w", err)
	}
	return n, nil
}

// StatusCounts returns the number of ships in each status.
func (s *Store) StatusCounts(ctx context.Context) (map[ShipStatus]int, error) {
	rows := []struct {
		Status ShipStatus `db:"status"`
		N      int        `db:"n"`
	}{}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT status, COUNT(*) AS n FROM ships GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting ships by status: %w", err)
	}
	counts := make(map[ShipStatus]int, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}

// ClaimWarmShip atomically takes one ship out of the warm pool, binding its
// expiry to the given TTL. Returns nil, nil when the pool is empty. The
// conditional UPDATE guarantees two concurrent claims never get the same ship.
func (s *Store) ClaimWarmShip(ctx context.Context, ttl int, now time.Time) (*Ship, error) {
	expires := now.Add(time.Duration(ttl) * time.Second)
	var ship Ship
	err := s.db.GetContext(ctx, &ship, `
		UPDATE ships SET warm_pool = 0, ttl = ?, expires_at = ?, updated_at = ?
		WHERE id = (SELECT id FROM ships WHERE warm_pool = 1 AND status = ? ORDER BY created_at ASC LIMIT 1)
		RETURNING *`,
		ttl, expires, now, ShipRunning)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claiming warm ship: %w", err)
	}
	return &ship, nil
}

// TakeFromPool removes one specific ship from the pool, returning false if
// a concurrent claim got there first. Eviction must win ownership through
// this before touching the container.
func (s *Store) TakeFromPool(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE ships SET warm_pool = 0, updated_at = ? WHERE id = ? AND warm_pool = 1`,
		time.Now().UTC(), id)
	if err != nil {
		return false, fmt.Errorf("taking ship %s from pool: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CountWarmShips counts Running ships still in the pool.
func (s *Store) CountWarmShips(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM ships WHERE warm_pool = 1 AND status = ?`, ShipRunning)
	if err != nil {
		return 0, fmt.Errorf("counting warm ships: %w", err)
	}
	return n, nil
}

// OldestWarmShips returns up to limit pool ships, oldest first, for eviction.
func (s *Store) OldestWarmShips(ctx context.Context, limit int) ([]Ship, error) {
	var ships []Ship
	err := s.db.SelectContext(ctx, &ships,
		`SELECT * FROM ships WHERE warm_pool = 1 AND status = ? ORDER BY created_at ASC LIMIT ?`,
		ShipRunning, limit)
	if err != nil {
		return nil, fmt.Errorf("listing warm ships: %w", err)
	}
	return ships, nil
}

// ExpiredShips returns Running ships whose expiry has passed. Warm-pool ships
// are included; the pool replenisher will recreate them.
func (s *Store) ExpiredShips(ctx context.Context, now time.Time) ([]Ship, error) {
	var ships []Ship
	err := s.db.SelectContext(ctx, &ships,
		`SELECT * FROM ships WHERE status = ? AND expires_at IS NOT NULL AND expires_at <= ?`,
		ShipRunning, now)
	if err != nil {
		return nil, fmt.Errorf("listing expired ships: %w", err)
	}
	return ships, nil
}

// RunningShips returns every ship the database believes is running, for
// liveness reconciliation.
func (s *Store) RunningShips(ctx context.Context) ([]Ship, error) {
	var ships []Ship
	err := s.db.SelectContext(ctx, &ships,
		`SELECT * FROM ships WHERE status = ?`, ShipRunning)
	if err != nil {
		return nil, fmt.Errorf("listing running ships: %w", err)
	}
	return ships, nil
}

// StaleStoppedShips returns Stopped ships not touched since the cutoff.
func (s *Store) StaleStoppedShips(ctx context.Context, cutoff time.Time) ([]Ship, error) {
	var ships []Ship
	err := s.db.SelectContext(ctx, &ships,
		`SELECT * FROM ships WHERE status = ? AND updated_at <= ?`, ShipStopped, cutoff)
	if err != nil {
		return nil, fmt.Errorf("listing stale ships: %w", err)
	}
	return ships, nil
}

// ExtendShipExpiry moves a Running ship's expiry to now+ttl only if that is
// later than the current expiry. Returns the resulting ship, or nil, nil when
// the ship is missing or not running.
func (s *Store) ExtendShipExpiry(ctx context.Context, id string, ttl int, now time.Time) (*Ship, error) {
	proposed := now.Add(time.Duration(ttl) * time.Second)
	_, err := s.db.ExecContext(ctx, `
		UPDATE ships SET ttl = ?, expires_at = ?, updated_at = ?
		WHERE id = ? AND status = ? AND (expires_at IS NULL OR expires_at < ?)`,
		ttl, proposed, now, id, ShipRunning, proposed)
	if err != nil {
		return nil, fmt.Errorf("extending ship %s: %w", id, err)
	}
	ship, err := s.GetShip(ctx, id)
	if err != nil {
		return nil, err
	}
	if ship == nil || ship.Status != ShipRunning {
		return nil, nil
	}
	return ship, nil
}

// --- sessions ---

func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO sessions (id, session_id, ship_id, created_at, last_activity, expires_at, initial_ttl)
		VALUES (:id, :session_id, :ship_id, :created_at, :last_activity, :expires_at, :initial_ttl)`,
		sess)
	if err != nil {
		return fmt.Errorf("inserting session %s: %w", sess.SessionID, err)
	}
	return nil
}

// BindSession points a session at a ship, creating the row on first use.
// Expiry is set to now+ttl unconditionally: binding is a fresh lease.
func (s *Store) BindSession(ctx context.Context, sessionID, shipID string, ttl int, now time.Time) (*Session, error) {
	sess := &Session{
		ID:           uuid.NewString(),
		SessionID:    sessionID,
		ShipID:       shipID,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(time.Duration(ttl) * time.Second),
		InitialTTL:   ttl,
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO sessions (id, session_id, ship_id, created_at, last_activity, expires_at, initial_ttl)
		VALUES (:id, :session_id, :ship_id, :created_at, :last_activity, :expires_at, :initial_ttl)
		ON CONFLICT(session_id) DO UPDATE SET
			ship_id = excluded.ship_id,
			last_activity = excluded.last_activity,
			expires_at = excluded.expires_at,
			initial_ttl = excluded.initial_ttl`,
		sess)
	if err != nil {
		return nil, fmt.Errorf("binding session %s to ship %s: %w", sessionID, shipID, err)
	}
	return s.GetSession(ctx, sessionID)
}

// GetSession looks up by the agent-supplied session ID. nil, nil when absent.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var sess Session
	err := s.db.GetContext(ctx, &sess, `SELECT * FROM sessions WHERE session_id = ?`, sessionID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading session %s: %w", sessionID, err)
	}
	return &sess, nil
}

func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	var sessions []Session
	err := s.db.SelectContext(ctx, &sessions, `SELECT * FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	return sessions, nil
}

func (s *Store) SessionsForShip(ctx context.Context, shipID string) ([]Session, error) {
	var sessions []Session
	err := s.db.SelectContext(ctx, &sessions,
		`SELECT * FROM sessions WHERE ship_id = ? ORDER BY created_at DESC`, shipID)
	if err != nil {
		return nil, fmt.Errorf("listing sessions for ship %s: %w", shipID, err)
	}
	return sessions, nil
}

// TouchSession records activity on a session.
func (s *Store) TouchSession(ctx context.Context, sessionID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_activity = ? WHERE session_id = ?`, now, sessionID)
	if err != nil {
		return fmt.Errorf("touching session %s: %w", sessionID, err)
	}
	return nil
}

// ExtendSessionExpiry mirrors ExtendShipExpiry: monotonic, never shortens.
func (s *Store) ExtendSessionExpiry(ctx context.Context, sessionID string, ttl int, now time.Time) (*Session, error) {
	proposed := now.Add(time.Duration(ttl) * time.Second)
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET expires_at = ?, last_activity = ?
		WHERE session_id = ? AND expires_at < ?`,
		proposed, now, sessionID, proposed)
	if err != nil {
		return nil, fmt.Errorf("extending session %s: %w", sessionID, err)
	}
	return s.GetSession(ctx, sessionID)
}

// DeleteSession removes the session row and its execution history.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delete of session %s: %w", sessionID, err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM execution_history WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("deleting history for session %s: %w", sessionID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("deleting session %s: %w", sessionID, err)
	}
	return tx.Commit()
}

// DeleteSessionsForShip unbinds every session of a ship, removing their
// history with them.
func (s *Store) DeleteSessionsForShip(ctx context.Context, shipID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning session cleanup for ship %s: %w", shipID, err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM execution_history WHERE session_id IN
			(SELECT session_id FROM sessions WHERE ship_id = ?)`, shipID); err != nil {
		return fmt.Errorf("deleting history for ship %s: %w", shipID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE ship_id = ?`, shipID); err != nil {
		return fmt.Errorf("deleting sessions for ship %s: %w", shipID, err)
	}
	return tx.Commit()
}

// ShipForSession resolves a session's bound ship. nil, nil when the session
// does not exist.
func (s *Store) ShipForSession(ctx context.Context, sessionID string) (*Ship, error) {
	var ship Ship
	err := s.db.GetContext(ctx, &ship, `
		SELECT ships.* FROM ships
		JOIN sessions ON sessions.ship_id = ships.id
		WHERE sessions.session_id = ?`, sessionID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolving ship for session %s: %w", sessionID, err)
	}
	return &ship, nil
}
