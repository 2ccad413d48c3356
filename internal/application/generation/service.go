package generation

import (
	"context"
	"errors"
	"time"

	"github.com/meridianhealth/procedure-advisor/internal/domain/providers"
	apperrors "github.com/meridianhealth/procedure-advisor/pkg/errors"
	"github.com/sony/gobreaker"
)

// Service wraps the completion provider with a per-call timeout and a
// circuit breaker, so a failing endpoint surfaces quickly as an explicit
// unavailability instead of a pile-up of slow requests.
type Service struct {
	provider providers.GenerationProvider
	breaker  *gobreaker.CircuitBreaker
	timeout  time.Duration
}

// NewService creates a generation service.
func NewService(provider providers.GenerationProvider, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "completion-endpoint",
		MaxRequests: 2,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Service{
		provider: provider,
		breaker:  breaker,
		timeout:  timeout,
	}
}

// Generate invokes the completion endpoint. Every failure maps to
// GENERATION_UNAVAILABLE; a fabricated answer is never substituted.
func (s *Service) Generate(ctx context.Context, req providers.GenerationRequest) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	raw, err := s.breaker.Execute(func() (interface{}, error) {
		return s.provider.Complete(callCtx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", apperrors.NewGenerationUnavailableError("completion endpoint circuit open", err)
		}
		return "", apperrors.NewGenerationUnavailableError("completion call failed", err)
	}

	text, ok := raw.(string)
	if !ok || text == "" {
		return "", apperrors.NewGenerationUnavailableError("completion returned no output", nil)
	}
	return text, nil
}
