package usecase

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/sony/gobreaker/v2"

	"github.com/MqtUA/ollamaverse/internal/domain"
	"github.com/MqtUA/ollamaverse/internal/infra/config"
)

// Subsystem names tracked by the recovery service.
const (
	SubsystemChatState    = "ChatState"
	SubsystemModelManager = "ModelManager"
	SubsystemStreaming    = "MessageStreaming"
	SubsystemTitles       = "TitleGenerator"
	SubsystemFiles        = "FileProcessing"
	SubsystemSettings     = "Settings"
)

// RecoveryAction is a caller-supplied idempotent retry of the operation that
// failed. Distinct from a registered RecoveryStrategy: its result is handed
// back to the caller, so error handling can produce a value.
type RecoveryAction func() (any, error)

// RecoveryStrategy attempts to restore a failed subsystem to working order.
type RecoveryStrategy interface {
	Name() string
	AttemptRecovery(ctx context.Context) error
}

// RecoveryService tracks failures per subsystem, guards each with a circuit
// breaker, and dispatches registered recovery strategies. It is the single
// place raw collaborator errors are turned into user-facing error states.
type RecoveryService struct {
	logger     *slog.Logger
	classifier *ErrorClassifier
	cfg        config.RecoveryConfig

	mu         sync.Mutex
	breakers   map[string]*gobreaker.CircuitBreaker[any]
	errors     map[string]domain.ErrorState
	recovering map[string]bool
	strategies map[string]RecoveryStrategy

	updates chan map[string]domain.ErrorState
}

// NewRecoveryService creates a recovery service. Circuit breakers are created
// lazily, one per subsystem, on first use.
func NewRecoveryService(cfg config.RecoveryConfig, logger *slog.Logger) *RecoveryService {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	return &RecoveryService{
		logger:     logger,
		classifier: NewErrorClassifier(),
		cfg:        cfg,
		breakers:   make(map[string]*gobreaker.CircuitBreaker[any]),
		errors:     make(map[string]domain.ErrorState),
		recovering: make(map[string]bool),
		strategies: make(map[string]RecoveryStrategy),
		updates:    make(chan map[string]domain.ErrorState, 1),
	}
}

// Classifier exposes the shared failure-classification utility.
func (r *RecoveryService) Classifier() *ErrorClassifier { return r.classifier }

func (r *RecoveryService) breaker(service string) *gobreaker.CircuitBreaker[any] {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[service]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        service,
		MaxRequests: 1, // one probe in half-open state
		Interval:    r.cfg.Interval,
		Timeout:     r.cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	r.breakers[service] = cb
	return cb
}

// RegisterRecoveryStrategy installs the strategy dispatched when the named
// subsystem reports an error.
func (r *RecoveryService) RegisterRecoveryStrategy(service string, s RecoveryStrategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[service] = s
}

// HandleServiceError records a subsystem failure, feeds the circuit breaker,
// dispatches the registered recovery strategy (if any), and finally runs the
// caller-supplied retry. The retry's result is returned, or nil when the
// retry is absent or fails.
func (r *RecoveryService) HandleServiceError(ctx context.Context, service, op string, err error, retry RecoveryAction) any {
	if err == nil {
		return nil
	}

	state := r.classifier.Classify(service, err)
	r.logger.Warn("service error",
		"service", service, "op", op, "kind", string(state.Kind), "error", err)

	// Feed the breaker so repeated failures trip it even when callers never
	// route the operation itself through ExecuteServiceOperation.
	failErr := err
	r.breaker(service).Execute(func() (any, error) { return nil, failErr }) //nolint:errcheck

	r.mu.Lock()
	r.errors[service] = state
	delete(r.recovering, service)
	strategy := r.strategies[service]
	r.mu.Unlock()
	r.publish()

	if strategy != nil {
		if rerr := strategy.AttemptRecovery(ctx); rerr == nil {
			r.logger.Info("recovery succeeded", "service", service, "strategy", strategy.Name())
			r.mu.Lock()
			delete(r.errors, service)
			r.recovering[service] = true
			r.mu.Unlock()
			r.publish()
		} else {
			r.logger.Warn("recovery failed",
				"service", service, "strategy", strategy.Name(), "error", rerr)
		}
	}

	if retry == nil {
		return nil
	}
	res, rerr := retry()
	if rerr != nil {
		r.logger.Warn("retry after error failed", "service", service, "op", op, "error", rerr)
		return nil
	}
	r.markSuccess(service)
	return res
}

// ExecuteServiceOperation runs op through the subsystem's circuit breaker.
// When the breaker is open, the operation is not invoked and an unavailable
// error is returned immediately.
func (r *RecoveryService) ExecuteServiceOperation(ctx context.Context, service string, op func(ctx context.Context) (any, error)) (any, error) {
	res, err := r.breaker(service).Execute(func() (any, error) { return op(ctx) })
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			unavailable := domain.NewSubSystemError(service, "execute", domain.ErrUnavailable, "circuit breaker open")
			r.setError(service, r.classifier.Classify(service, unavailable))
			return nil, unavailable
		}
		r.setError(service, r.classifier.Classify(service, err))
		return nil, err
	}
	r.markSuccess(service)
	return res, nil
}

func (r *RecoveryService) setError(service string, state domain.ErrorState) {
	r.mu.Lock()
	r.errors[service] = state
	delete(r.recovering, service)
	r.mu.Unlock()
	r.publish()
}

// markSuccess clears any tracked error and promotes a recovering subsystem
// back to healthy.
func (r *RecoveryService) markSuccess(service string) {
	r.mu.Lock()
	_, hadError := r.errors[service]
	wasRecovering := r.recovering[service]
	delete(r.errors, service)
	delete(r.recovering, service)
	r.mu.Unlock()
	if hadError || wasRecovering {
		r.publish()
	}
}

// HasServiceError reports whether an error is currently recorded for service.
func (r *RecoveryService) HasServiceError(service string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.errors[service]
	return ok
}

// IsCircuitBreakerOpen reports whether the subsystem's breaker is open.
func (r *RecoveryService) IsCircuitBreakerOpen(service string) bool {
	return r.breaker(service).State() == gobreaker.StateOpen
}

// ServiceHealth reports the health of a single subsystem.
func (r *RecoveryService) ServiceHealth(service string) domain.ServiceHealth {
	switch r.breaker(service).State() {
	case gobreaker.StateOpen:
		return domain.HealthUnavailable
	case gobreaker.StateHalfOpen:
		return domain.HealthRecovering
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.errors[service]; ok {
		return domain.HealthDegraded
	}
	if r.recovering[service] {
		return domain.HealthRecovering
	}
	return domain.HealthHealthy
}

// SystemHealth is the worst-of aggregate over every tracked subsystem.
func (r *RecoveryService) SystemHealth() domain.SystemHealth {
	r.mu.Lock()
	services := make(map[string]struct{}, len(r.breakers)+len(r.errors))
	for name := range r.breakers {
		services[name] = struct{}{}
	}
	for name := range r.errors {
		services[name] = struct{}{}
	}
	for name := range r.recovering {
		services[name] = struct{}{}
	}
	r.mu.Unlock()

	health := domain.SystemHealthy
	for name := range services {
		switch r.ServiceHealth(name) {
		case domain.HealthUnavailable:
			return domain.SystemCritical
		case domain.HealthDegraded, domain.HealthRecovering:
			health = domain.SystemDegraded
		}
	}
	return health
}

// ClearServiceError drops the tracked error for a subsystem.
func (r *RecoveryService) ClearServiceError(service string) {
	r.mu.Lock()
	delete(r.errors, service)
	delete(r.recovering, service)
	r.mu.Unlock()
	r.publish()
}

// ClearAllErrors drops every tracked error.
func (r *RecoveryService) ClearAllErrors() {
	r.mu.Lock()
	r.errors = make(map[string]domain.ErrorState)
	r.recovering = make(map[string]bool)
	r.mu.Unlock()
	r.publish()
}

// ErrorState returns the tracked error for a subsystem, if any.
func (r *RecoveryService) ErrorState(service string) (domain.ErrorState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.errors[service]
	return state, ok
}

// ErrorStates is a push stream emitting the full error-state map after every
// mutation. The channel holds only the latest snapshot; slow consumers see
// the most recent state rather than a backlog.
func (r *RecoveryService) ErrorStates() <-chan map[string]domain.ErrorState {
	return r.updates
}

func (r *RecoveryService) publish() {
	r.mu.Lock()
	snap := make(map[string]domain.ErrorState, len(r.errors))
	for k, v := range r.errors {
		snap[k] = v
	}
	r.mu.Unlock()

	// Latest-wins: drop the stale snapshot if the consumer hasn't read it.
	select {
	case r.updates <- snap:
	default:
		select {
		case <-r.updates:
		default:
		}
		select {
		case r.updates <- snap:
		default:
		}
	}
}
