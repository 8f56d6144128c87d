// Package session exposes session lifecycle and execution-history queries.
package session

import (
	"context"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/shipyard-project/bay/cmd/bay/internal/bayerr"
	"github.com/shipyard-project/bay/cmd/bay/internal/store"
)

type Service struct {
	store *store.Store
	log   *logrus.Entry
}

func NewService(st *store.Store, log *logrus.Entry) *Service {
	return &Service{store: st, log: log.WithField("component", "session")}
}

// View is a Session plus its activity state at read time.
type View struct {
	store.Session
	IsActive bool `json:"is_active"`
}

func view(sess store.Session, now time.Time) View {
	return View{Session: sess, IsActive: sess.Active(now)}
}

// List returns all known sessions.
func (s *Service) List(ctx context.Context) ([]View, error) {
	sessions, err := s.store.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return lo.Map(sessions, func(sess store.Session, _ int) View {
		return view(sess, now)
	}), nil
}

// Get returns one session by its client-supplied identifier.
func (s *Service) Get(ctx context.Context, sessionID string) (*View, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, bayerr.New(bayerr.NotFound, "session %s not found", sessionID)
	}
	v := view(*sess, time.Now().UTC())
	return &v, nil
}

// ForShip returns the sessions bound to a ship.
func (s *Service) ForShip(ctx context.Context, shipID string) ([]View, error) {
	sessions, err := s.store.SessionsForShip(ctx, shipID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return lo.Map(sessions, func(sess store.Session, _ int) View {
		return view(sess, now)
	}), nil
}

// Delete removes a session and its history. The bound ship is untouched.
func (s *Service) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.Get(ctx, sessionID); err != nil {
		return err
	}
	if err := s.store.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	s.log.WithField("session_id", sessionID).Info("session deleted")
	return nil
}

// ExtendTTL pushes the session's expiry to now+ttl, never shortening it.
func (s *Service) ExtendTTL(ctx context.Context, sessionID string, ttl int) (*View, error) {
	sess, err := s.store.ExtendSessionExpiry(ctx, sessionID, ttl, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, bayerr.New(bayerr.NotFound, "session %s not found", sessionID)
	}
	v := view(*sess, time.Now().UTC())
	return &v, nil
}

// History lists a session's execution records, newest first.
func (s *Service) History(ctx context.Context, sessionID string, f store.HistoryFilter) ([]store.Execution, int, error) {
	if _, err := s.Get(ctx, sessionID); err != nil {
		return nil, 0, err
	}
	return s.store.ListExecutions(ctx, sessionID, f)
}

// HistoryEntry fetches one execution record scoped to its session.
func (s *Service) HistoryEntry(ctx context.Context, sessionID, execID string) (*store.Execution, error) {
	exec, err := s.store.GetExecution(ctx, sessionID, execID)
	if err != nil {
		return nil, err
	}
	if exec == nil {
		return nil, bayerr.New(bayerr.NotFound, "execution %s not found for session %s", execID, sessionID)
	}
	return exec, nil
}

// LastEntry fetches the newest execution record, optionally restricted to one
// exec type.
func (s *Service) LastEntry(ctx context.Context, sessionID string, execType store.ExecType) (*store.Execution, error) {
	exec, err := s.store.LastExecution(ctx, sessionID, execType)
	if err != nil {
		return nil, err
	}
	if exec == nil {
		return nil, bayerr.New(bayerr.NotFound, "session %s has no executions", sessionID)
	}
	return exec, nil
}

// Annotate updates the user-supplied metadata of one execution record.
func (s *Service) Annotate(ctx context.Context, sessionID, execID string, a store.Annotation) (*store.Execution, error) {
	exec, err := s.store.AnnotateExecution(ctx, sessionID, execID, a)
	if err != nil {
		return nil, err
	}
	if exec == nil {
		return nil, bayerr.New(bayerr.NotFound, "execution %s not found for session %s", execID, sessionID)
	}
	return exec, nil
}
