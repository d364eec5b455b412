package broker

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/authbridge/tokenvault/instrumentation"
	"github.com/authbridge/tokenvault/providers"
)

// refreshWithRetry exchanges the refresh credential at the provider, retrying
// transient failures (timeouts, 5xx) with exponential backoff and jitter.
// Permanent failures such as invalid_grant abort immediately: retrying a
// refresh token the provider has already invalidated only hammers the
// provider and delays the caller.
func (s *Service) refreshWithRetry(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	var span trace.Span
	if s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, "provider.refresh")
		defer span.End()
	}
	instrumentation.AddProviderAttributes(span, s.provider.Name(), "refresh")

	operation := func() (*oauth2.Token, error) {
		start := time.Now()
		tok, err := s.provider.Refresh(ctx, refreshToken)
		s.recordProviderCall(ctx, "refresh", err, time.Since(start))
		if err != nil {
			if providers.IsTransient(err) {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return tok, nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = s.opts.RetryInitialInterval
	expo.MaxInterval = s.opts.RetryMaxInterval

	tok, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(s.opts.RetryMaxAttempts),
	)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}
	instrumentation.SetSpanSuccess(span)
	return tok, nil
}

// recordProviderCall feeds the provider-call metrics, classifying the outcome.
func (s *Service) recordProviderCall(ctx context.Context, operation string, err error, elapsed time.Duration) {
	if s.metrics == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
		var perr *providers.Error
		if errors.As(err, &perr) {
			result = perr.Code
		}
	}
	s.metrics.RecordProviderCall(ctx, operation, result, elapsed.Seconds())
}
