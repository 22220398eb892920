package service

import (
	"context"
	"errors"

	"github.com/edirooss/portbroker/internal/broker"
	"go.uber.org/zap"
)

// ErrSessionRequired means the client has no live session and must create one.
// Both a missing and an unknown token produce it; callers cannot tell them apart.
var ErrSessionRequired = errors.New("session required")

// SessionService is the transport-free half of the gateway. Each method makes
// exactly one engine call.
type SessionService struct {
	log     *zap.Logger
	engine  *broker.Engine
	metrics *Metrics // optional
}

func NewSessionService(log *zap.Logger, engine *broker.Engine, metrics *Metrics) *SessionService {
	return &SessionService{
		log:     log.Named("sessions"),
		engine:  engine,
		metrics: metrics,
	}
}

// Connect resolves the token presented by a client.
// A stale, forged or expired token is treated exactly like no token.
func (s *SessionService) Connect(token string) (broker.Session, error) {
	if token == "" {
		return broker.Session{}, ErrSessionRequired
	}

	sess, err := s.engine.Lookup(token)
	if errors.Is(err, broker.ErrUnknownSession) {
		s.log.Debug("unknown token, falling back to session creation")
		return broker.Session{}, ErrSessionRequired
	}
	return sess, err
}

// CreateSession acquires a slot for a new client.
// broker.ErrNoSlotsAvailable is returned as is; any other error is internal.
func (s *SessionService) CreateSession(ctx context.Context) (broker.Session, error) {
	sess, err := s.engine.Acquire(ctx)
	switch {
	case err == nil:
		s.metrics.observeAcquire(outcomeOK)
		s.log.Info("session created", zap.Int("port", sess.Port))
	case errors.Is(err, broker.ErrNoSlotsAvailable):
		s.metrics.observeAcquire(outcomeExhausted)
		s.log.Warn("pool exhausted")
	default:
		s.metrics.observeAcquire(outcomeError)
		s.log.Error("session creation failed", zap.Error(err))
	}
	return sess, err
}

// EndSession releases the session behind token. An unknown token is not an error.
func (s *SessionService) EndSession(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	err := s.engine.Release(ctx, token)
	if errors.Is(err, broker.ErrUnknownSession) {
		return nil
	}
	return err
}
