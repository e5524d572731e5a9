package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/passculture/eac-engine/users"
)

// StageRecorder receives one call per computed stage. metrics.Metrics
// implements it.
type StageRecorder interface {
	StageComputed(variant, stage string)
}

// Result is the outcome of one evaluation.
type Result struct {
	UserID   users.ID
	Stage    Stage
	Variant  Variant
	Terminal bool
	Visited  []Stage
}

// Service computes the current stage of stored users.
type Service struct {
	users    users.Repository
	oracle   Oracle
	logger   *slog.Logger
	recorder StageRecorder
	now      func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

func WithServiceLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

func WithRecorder(r StageRecorder) ServiceOption {
	return func(s *Service) { s.recorder = r }
}

func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService creates a Service.
func NewService(repo users.Repository, oracle Oracle, opts ...ServiceOption) *Service {
	s := &Service{
		users:  repo,
		oracle: oracle,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CurrentStage loads the user and drives a fresh machine for them.
func (s *Service) CurrentStage(ctx context.Context, userID users.ID) (*Result, error) {
	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load user %d: %w", userID, err)
	}

	m := New(*user, s.oracle, WithClock(s.now))
	stage, err := m.ProceedToCurrentState(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "subscription stage evaluation failed",
			"user_id", userID, "stage", stage.String(), "err", err)
		return nil, err
	}

	if s.recorder != nil {
		s.recorder.StageComputed(m.Variant().String(), stage.String())
	}
	s.logger.DebugContext(ctx, "subscription stage computed",
		"user_id", userID, "variant", m.Variant().String(), "stage", stage.String())

	return &Result{
		UserID:   userID,
		Stage:    stage,
		Variant:  m.Variant(),
		Terminal: stage.IsTerminal(),
		Visited:  m.Visited(),
	}, nil
}
