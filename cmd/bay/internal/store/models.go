package store

import (
	"time"
)

// ShipStatus enumerates the lifecycle states of a Ship record.
type ShipStatus int

const (
	ShipStopped  ShipStatus = 0
	ShipRunning  ShipStatus = 1
	ShipCreating ShipStatus = 2
)

func (s ShipStatus) String() string {
	switch s {
	case ShipStopped:
		return "stopped"
	case ShipRunning:
		return "running"
	case ShipCreating:
		return "creating"
	default:
		return "unknown"
	}
}

// Ship is a managed sandbox container instance.
//
// Invariants maintained by the service layer:
//   - a Running ship has a non-empty Endpoint and non-nil ExpiresAt
//   - a Stopped ship has neither
//   - WarmPool is true iff the ship is Running and bound to no session
type Ship struct {
	ID          string     `db:"id" json:"id"`
	Status      ShipStatus `db:"status" json:"status"`
	ContainerID string     `db:"container_id" json:"container_id,omitempty"`
	// Endpoint is how Bay reaches the ship service: either a bare address
	// (attached drivers, Kubernetes) or host:port (host-mapped drivers).
	Endpoint string `db:"endpoint" json:"endpoint,omitempty"`

	CPUs   float64 `db:"cpus" json:"cpus"`
	Memory string  `db:"memory" json:"memory"`
	Disk   string  `db:"disk" json:"disk,omitempty"`

	TTL      int  `db:"ttl" json:"ttl"`
	WarmPool bool `db:"warm_pool" json:"warm_pool"`

	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
	ExpiresAt *time.Time `db:"expires_at" json:"expires_at,omitempty"`
}

// Session binds an agent-supplied session ID to a ship (1:1 while Running).
type Session struct {
	ID           string    `db:"id" json:"id"`
	SessionID    string    `db:"session_id" json:"session_id"`
	ShipID       string    `db:"ship_id" json:"ship_id"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	LastActivity time.Time `db:"last_activity" json:"last_activity"`
	ExpiresAt    time.Time `db:"expires_at" json:"expires_at"`
	InitialTTL   int       `db:"initial_ttl" json:"initial_ttl"`
}

// Active reports whether the session's lease has not yet expired.
func (s *Session) Active(now time.Time) bool {
	return s.ExpiresAt.After(now)
}

// ExecType is the kind of execution recorded in history.
type ExecType string

const (
	ExecPython ExecType = "python"
	ExecShell  ExecType = "shell"
)

// Execution is one append-only execution-history row. Only Description,
// Tags and Notes are ever mutated after insert.
type Execution struct {
	ID              string    `db:"id" json:"id"`
	SessionID       string    `db:"session_id" json:"session_id"`
	ShipID          string    `db:"ship_id" json:"ship_id"`
	ExecType        ExecType  `db:"exec_type" json:"exec_type"`
	Code            string    `db:"code" json:"code"`
	Success         bool      `db:"success" json:"success"`
	ExecutionTimeMS int64     `db:"execution_time_ms" json:"execution_time_ms"`
	Output          string    `db:"output" json:"output,omitempty"`
	Error           string    `db:"error" json:"error,omitempty"`
	Description     string    `db:"description" json:"description,omitempty"`
	Tags            string    `db:"tags" json:"tags,omitempty"`
	Notes           string    `db:"notes" json:"notes,omitempty"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}
