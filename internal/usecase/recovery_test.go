package usecase

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MqtUA/ollamaverse/internal/domain"
	"github.com/MqtUA/ollamaverse/internal/infra/config"
)

// fakeStrategy records attempts and returns a scripted result.
type fakeStrategy struct {
	attempts int
	err      error
}

func (s *fakeStrategy) Name() string { return "fake" }

func (s *fakeStrategy) AttemptRecovery(context.Context) error {
	s.attempts++
	return s.err
}

func TestHandleServiceErrorRecordsState(t *testing.T) {
	r := testRecovery()

	r.HandleServiceError(context.Background(), SubsystemStreaming, "generate",
		fmt.Errorf("boom: %w", domain.ErrConnection), nil)

	require.True(t, r.HasServiceError(SubsystemStreaming))
	state, ok := r.ErrorState(SubsystemStreaming)
	require.True(t, ok)
	assert.Equal(t, domain.KindConnection, state.Kind)
	assert.True(t, state.Retryable)
}

func TestBreakerOpensAfterFiveConsecutiveFailures(t *testing.T) {
	r := testRecovery()
	err := fmt.Errorf("down: %w", domain.ErrConnection)

	for i := 0; i < 4; i++ {
		r.HandleServiceError(context.Background(), SubsystemModelManager, "refresh", err, nil)
		assert.False(t, r.IsCircuitBreakerOpen(SubsystemModelManager), "breaker open after %d failures", i+1)
	}

	r.HandleServiceError(context.Background(), SubsystemModelManager, "refresh", err, nil)
	assert.True(t, r.IsCircuitBreakerOpen(SubsystemModelManager))
	assert.Equal(t, domain.HealthUnavailable, r.ServiceHealth(SubsystemModelManager))
}

func TestExecuteFailsFastWhileOpen(t *testing.T) {
	r := testRecovery()
	failure := fmt.Errorf("down: %w", domain.ErrConnection)

	calls := 0
	op := func(context.Context) (any, error) {
		calls++
		return nil, failure
	}
	for i := 0; i < 5; i++ {
		_, err := r.ExecuteServiceOperation(context.Background(), SubsystemModelManager, op)
		require.Error(t, err)
	}
	require.Equal(t, 5, calls)

	_, err := r.ExecuteServiceOperation(context.Background(), SubsystemModelManager, op)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUnavailable)
	assert.Equal(t, 5, calls, "operation must not run while the breaker is open")
}

func TestExecuteSuccessClearsError(t *testing.T) {
	r := testRecovery()

	_, err := r.ExecuteServiceOperation(context.Background(), SubsystemModelManager,
		func(context.Context) (any, error) { return nil, errors.New("one failure") })
	require.Error(t, err)
	require.True(t, r.HasServiceError(SubsystemModelManager))

	res, err := r.ExecuteServiceOperation(context.Background(), SubsystemModelManager,
		func(context.Context) (any, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", res)
	assert.False(t, r.HasServiceError(SubsystemModelManager))
	assert.Equal(t, domain.HealthHealthy, r.ServiceHealth(SubsystemModelManager))
}

func TestBreakerHalfOpenProbeAfterTimeout(t *testing.T) {
	r := NewRecoveryService(config.RecoveryConfig{
		MaxFailures: 2,
		OpenTimeout: 30 * time.Millisecond,
		Interval:    time.Minute,
	}, discardLogger())

	fail := func(context.Context) (any, error) { return nil, errors.New("down") }
	for i := 0; i < 2; i++ {
		r.ExecuteServiceOperation(context.Background(), SubsystemStreaming, fail) //nolint:errcheck
	}
	require.True(t, r.IsCircuitBreakerOpen(SubsystemStreaming))

	time.Sleep(50 * time.Millisecond)

	res, err := r.ExecuteServiceOperation(context.Background(), SubsystemStreaming,
		func(context.Context) (any, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, res)
	assert.False(t, r.IsCircuitBreakerOpen(SubsystemStreaming))
}

func TestStrategyDispatchedOnError(t *testing.T) {
	r := testRecovery()
	strategy := &fakeStrategy{}
	r.RegisterRecoveryStrategy(SubsystemChatState, strategy)

	r.HandleServiceError(context.Background(), SubsystemChatState, "persist",
		errors.New("disk full"), nil)

	assert.Equal(t, 1, strategy.attempts)
	// Successful recovery clears the recorded error and marks recovering.
	assert.False(t, r.HasServiceError(SubsystemChatState))
	assert.Equal(t, domain.HealthRecovering, r.ServiceHealth(SubsystemChatState))
}

func TestFailedStrategyKeepsErrorRecorded(t *testing.T) {
	r := testRecovery()
	strategy := &fakeStrategy{err: errors.New("still down")}
	r.RegisterRecoveryStrategy(SubsystemChatState, strategy)

	r.HandleServiceError(context.Background(), SubsystemChatState, "persist",
		errors.New("disk full"), nil)

	assert.Equal(t, 1, strategy.attempts)
	assert.True(t, r.HasServiceError(SubsystemChatState))
	assert.Equal(t, domain.HealthDegraded, r.ServiceHealth(SubsystemChatState))
}

func TestRetryResultReturnedOnSuccess(t *testing.T) {
	r := testRecovery()

	res := r.HandleServiceError(context.Background(), SubsystemModelManager, "refresh",
		errors.New("transient"), func() (any, error) { return []string{"llama2"}, nil })

	assert.Equal(t, []string{"llama2"}, res)
	assert.False(t, r.HasServiceError(SubsystemModelManager), "successful retry clears the error")
}

func TestRetryFailureReturnsNil(t *testing.T) {
	r := testRecovery()

	res := r.HandleServiceError(context.Background(), SubsystemModelManager, "refresh",
		errors.New("transient"), func() (any, error) { return nil, errors.New("still failing") })

	assert.Nil(t, res)
	assert.True(t, r.HasServiceError(SubsystemModelManager))
}

func TestSystemHealthWorstOf(t *testing.T) {
	r := testRecovery()
	assert.Equal(t, domain.SystemHealthy, r.SystemHealth())

	r.HandleServiceError(context.Background(), SubsystemTitles, "generate", errors.New("x"), nil)
	assert.Equal(t, domain.SystemDegraded, r.SystemHealth())

	err := fmt.Errorf("down: %w", domain.ErrConnection)
	for i := 0; i < 5; i++ {
		r.HandleServiceError(context.Background(), SubsystemStreaming, "generate", err, nil)
	}
	assert.Equal(t, domain.SystemCritical, r.SystemHealth())
}

func TestClearServiceError(t *testing.T) {
	r := testRecovery()
	r.HandleServiceError(context.Background(), SubsystemFiles, "process", errors.New("bad file"), nil)
	require.True(t, r.HasServiceError(SubsystemFiles))

	r.ClearServiceError(SubsystemFiles)
	assert.False(t, r.HasServiceError(SubsystemFiles))

	r.HandleServiceError(context.Background(), SubsystemFiles, "process", errors.New("bad file"), nil)
	r.HandleServiceError(context.Background(), SubsystemTitles, "generate", errors.New("x"), nil)
	r.ClearAllErrors()
	assert.False(t, r.HasServiceError(SubsystemFiles))
	assert.False(t, r.HasServiceError(SubsystemTitles))
}

func TestErrorStatesStreamLatestWins(t *testing.T) {
	r := testRecovery()

	// Publish several mutations without a consumer; only the latest snapshot
	// must be waiting on the channel.
	r.HandleServiceError(context.Background(), SubsystemTitles, "generate", errors.New("first"), nil)
	r.HandleServiceError(context.Background(), SubsystemFiles, "process", errors.New("second"), nil)

	select {
	case snap := <-r.ErrorStates():
		assert.Len(t, snap, 2)
		assert.Contains(t, snap, SubsystemTitles)
		assert.Contains(t, snap, SubsystemFiles)
	case <-time.After(time.Second):
		t.Fatal("no snapshot published")
	}
}
