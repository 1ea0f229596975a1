package domain

// ServiceHealth describes the recovery status of a single subsystem.
type ServiceHealth string

const (
	// HealthHealthy means no tracked error and the circuit is closed.
	HealthHealthy ServiceHealth = "healthy"
	// HealthRecovering means a recovery strategy succeeded; promoted back to
	// healthy by the next successful operation.
	HealthRecovering ServiceHealth = "recovering"
	// HealthDegraded means an error is recorded and recovery has not succeeded.
	HealthDegraded ServiceHealth = "degraded"
	// HealthUnavailable means the subsystem's circuit breaker is open.
	HealthUnavailable ServiceHealth = "unavailable"
)

// SystemHealth is the worst-of aggregate across all tracked subsystems.
type SystemHealth string

const (
	SystemHealthy  SystemHealth = "healthy"
	SystemDegraded SystemHealth = "degraded"
	SystemCritical SystemHealth = "critical"
)
