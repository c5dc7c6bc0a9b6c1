// Package core implements the catalog service: CRUD for the orderable kinds,
// the renumbering operation and the rules that guard them.
package core

import (
	"context"
	"errors"
	"time"
	"uniformcore/internal/infra/persistence/memory"
	"uniformcore/pkg/domain"

	"go.uber.org/zap"
)

type (
	UniformType       = domain.UniformType
	UniformGeneration = domain.UniformGeneration
	MaterialGroup     = domain.MaterialGroup
	Material          = domain.Material
	Result            = domain.Result
)

// Option customizes a Service.
type Option func(*serviceOptions)

type serviceOptions struct {
	logger  *zap.Logger
	metrics MetricsRecorder
	tracer  Tracer
	actor   string
}

func defaultOptions() serviceOptions {
	return serviceOptions{
		logger:  zap.NewNop(),
		metrics: noopMetrics{},
		tracer:  noopTracer{},
		actor:   "system",
	}
}

// WithLogger sets the structured logger used for operation logs.
func WithLogger(logger *zap.Logger) Option {
	return func(o *serviceOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetricsRecorder sets the recorder notified after every operation.
func WithMetricsRecorder(rec MetricsRecorder) Option {
	return func(o *serviceOptions) {
		if rec != nil {
			o.metrics = rec
		}
	}
}

// WithTracer sets the tracer wrapping every operation.
func WithTracer(tracer Tracer) Option {
	return func(o *serviceOptions) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

// WithDefaultActor sets the user recorded on soft deletes when none is given.
func WithDefaultActor(actor string) Option {
	return func(o *serviceOptions) {
		if actor != "" {
			o.actor = actor
		}
	}
}

// Service exposes transactional operations over the orderable catalog.
type Service struct {
	store   domain.PersistentStore
	logger  *zap.Logger
	metrics MetricsRecorder
	tracer  Tracer
	actor   string
}

// NewService constructs a service backed by the supplied store.
func NewService(store domain.PersistentStore, opts ...Option) *Service {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Service{
		store:   store,
		logger:  o.logger,
		metrics: o.metrics,
		tracer:  o.tracer,
		actor:   o.actor,
	}
}

// NewInMemoryService creates a service and in-memory store with the given rules engine.
func NewInMemoryService(engine *domain.RulesEngine, opts ...Option) *Service {
	if engine == nil {
		engine = NewDefaultRulesEngine()
	}
	return NewService(memory.NewStore(engine), opts...)
}

// Store returns the underlying storage implementation.
func (s *Service) Store() domain.PersistentStore {
	return s.store
}

// run wraps fn with tracing, metrics and logging under the operation name.
func (s *Service) run(ctx context.Context, op string, fields []zap.Field, fn func(context.Context) error) error {
	ctx, span := s.tracer.Start(ctx, op)
	started := time.Now()
	err := fn(ctx)
	elapsed := time.Since(started)
	span.End(err)
	s.metrics.Observe(ctx, op, err == nil, elapsed)

	fields = append(fields, zap.String("operation", op), zap.Duration("duration", elapsed))
	switch {
	case err == nil:
		s.logger.Debug("operation completed", fields...)
	case domain.IsNotFound(err), domain.IsValidation(err), domain.IsConflict(err):
		s.logger.Warn("operation rejected", append(fields, zap.Error(err))...)
	default:
		s.logger.Error("operation failed", append(fields, zap.Error(err))...)
	}
	return err
}

func (s *Service) logResult(op string, res Result) {
	for _, v := range res.Violations {
		if v.Severity == domain.SeverityBlock {
			continue
		}
		s.logger.Info("rule violation",
			zap.String("operation", op),
			zap.String("rule", v.Rule),
			zap.String("severity", string(v.Severity)),
			zap.String("id", v.EntityID),
			zap.String("message", v.Message),
		)
	}
}

// transact runs fn in a store transaction and translates blocking rule
// violations into domain errors.
func (s *Service) transact(ctx context.Context, op string, kind domain.EntityType, scopeID func() string, fn func(domain.Transaction) error) (Result, error) {
	res, err := s.store.RunInTransaction(ctx, fn)
	s.logResult(op, res)
	if err == nil {
		return res, nil
	}
	var violation domain.RuleViolationError
	if errors.As(err, &violation) {
		scope := ""
		if scopeID != nil {
			scope = scopeID()
		}
		switch {
		case violation.Blocked(RuleSortOrderContiguity):
			return res, domain.ConflictError{Entity: kind, ScopeID: scope, Reason: "sibling sort orders are not contiguous", Err: err}
		case violation.Blocked(RuleParentReference):
			return res, domain.ValidationError{Entity: kind, Field: "parent", Message: blockingMessage(violation, RuleParentReference)}
		}
	}
	return res, err
}

func blockingMessage(v domain.RuleViolationError, rule string) string {
	for _, violation := range v.Result.Violations {
		if violation.Rule == rule && violation.Severity == domain.SeverityBlock {
			return violation.Message
		}
	}
	return v.Error()
}
