package chi

import (
	"context"

	"github.com/kailas-cloud/therapist/internal/domain"
	healthuc "github.com/kailas-cloud/therapist/internal/usecase/health"
)

// ContextGatherer fuses web and vector context for a query.
type ContextGatherer interface {
	Process(ctx context.Context, query string) (domain.ContextInfo, error)
	ProcessAsync(ctx context.Context, query string) (domain.ContextInfo, error)
}

// Responder produces a therapist reply grounded in gathered context.
type Responder interface {
	Respond(ctx context.Context, message string, info domain.ContextInfo) (string, error)
}

// HealthChecker reports component health.
type HealthChecker interface {
	Check(ctx context.Context) healthuc.Report
}
