package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the token vault
type Metrics struct {
	// Broker metrics
	TokenIssued       metric.Int64Counter
	TokenRefreshed    metric.Int64Counter
	RefreshDeduped    metric.Int64Counter
	LeaseCacheHits    metric.Int64Counter
	LeaseCacheMisses  metric.Int64Counter
	ConflictRetries   metric.Int64Counter
	CredentialRevoked metric.Int64Counter

	// Provider metrics
	ProviderCallsTotal metric.Int64Counter
	ProviderDuration   metric.Float64Histogram
	ProviderErrors     metric.Int64Counter

	// Storage metrics
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram

	// Encryption metrics
	EncryptionOperationsTotal metric.Int64Counter
	DecryptionFailures        metric.Int64Counter

	// Session metrics
	SessionsCreated metric.Int64Counter
	SessionsRevoked metric.Int64Counter

	// Sweeper metrics
	SweepRuns           metric.Int64Counter
	SweepRecordsExpired metric.Int64Counter
	SweepReencrypted    metric.Int64Counter

	// Introspection metrics
	IntrospectionCacheHits   metric.Int64Counter
	IntrospectionCacheMisses metric.Int64Counter
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}
	brokerMeter := inst.Meter("broker")
	providerMeter := inst.Meter("provider")
	storageMeter := inst.Meter("storage")
	securityMeter := inst.Meter("security")

	var err error

	m.TokenIssued, err = brokerMeter.Int64Counter(
		"vault.token.issued.total",
		metric.WithDescription("Total number of access tokens issued to callers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token issued counter: %w", err)
	}

	m.TokenRefreshed, err = brokerMeter.Int64Counter(
		"vault.token.refreshed.total",
		metric.WithDescription("Total number of provider refresh operations performed"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token refreshed counter: %w", err)
	}

	m.RefreshDeduped, err = brokerMeter.Int64Counter(
		"vault.refresh.deduplicated.total",
		metric.WithDescription("Callers that attached to an in-flight refresh instead of starting one"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh dedup counter: %w", err)
	}

	m.LeaseCacheHits, err = brokerMeter.Int64Counter(
		"vault.lease.cache.hits.total",
		metric.WithDescription("Access token requests served from the lease cache"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create lease cache hit counter: %w", err)
	}

	m.LeaseCacheMisses, err = brokerMeter.Int64Counter(
		"vault.lease.cache.misses.total",
		metric.WithDescription("Access token requests that required a refresh"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create lease cache miss counter: %w", err)
	}

	m.ConflictRetries, err = brokerMeter.Int64Counter(
		"vault.store.conflict.retries.total",
		metric.WithDescription("Optimistic-concurrency conflicts that triggered an internal retry"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create conflict retry counter: %w", err)
	}

	m.CredentialRevoked, err = brokerMeter.Int64Counter(
		"vault.credential.revoked.total",
		metric.WithDescription("Credentials revoked in the vault"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create credential revoked counter: %w", err)
	}

	m.ProviderCallsTotal, err = providerMeter.Int64Counter(
		"vault.provider.calls.total",
		metric.WithDescription("Total identity provider API calls"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider call counter: %w", err)
	}

	m.ProviderDuration, err = providerMeter.Float64Histogram(
		"vault.provider.duration.seconds",
		metric.WithDescription("Identity provider API call duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider duration histogram: %w", err)
	}

	m.ProviderErrors, err = providerMeter.Int64Counter(
		"vault.provider.errors.total",
		metric.WithDescription("Identity provider API errors by kind"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider error counter: %w", err)
	}

	m.StorageOperationTotal, err = storageMeter.Int64Counter(
		"vault.storage.operations.total",
		metric.WithDescription("Total storage operations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage operation counter: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"vault.storage.operation.duration.seconds",
		metric.WithDescription("Storage operation duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage duration histogram: %w", err)
	}

	m.EncryptionOperationsTotal, err = securityMeter.Int64Counter(
		"vault.encryption.operations.total",
		metric.WithDescription("Encryption and decryption operations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryption operation counter: %w", err)
	}

	m.DecryptionFailures, err = securityMeter.Int64Counter(
		"vault.encryption.decrypt.failures.total",
		metric.WithDescription("Decryption failures indicating corruption or key mismatch"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create decryption failure counter: %w", err)
	}

	m.SessionsCreated, err = brokerMeter.Int64Counter(
		"vault.sessions.created.total",
		metric.WithDescription("Sessions created"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session created counter: %w", err)
	}

	m.SessionsRevoked, err = brokerMeter.Int64Counter(
		"vault.sessions.revoked.total",
		metric.WithDescription("Sessions revoked or expired"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session revoked counter: %w", err)
	}

	m.SweepRuns, err = brokerMeter.Int64Counter(
		"vault.sweep.runs.total",
		metric.WithDescription("Sweeper passes completed"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sweep run counter: %w", err)
	}

	m.SweepRecordsExpired, err = brokerMeter.Int64Counter(
		"vault.sweep.records.expired.total",
		metric.WithDescription("Records revoked by the sweeper for being past expiry"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sweep expired counter: %w", err)
	}

	m.SweepReencrypted, err = brokerMeter.Int64Counter(
		"vault.sweep.records.reencrypted.total",
		metric.WithDescription("Records migrated to the current encryption key version"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sweep reencrypted counter: %w", err)
	}

	m.IntrospectionCacheHits, err = brokerMeter.Int64Counter(
		"vault.introspection.cache.hits.total",
		metric.WithDescription("Token validations served from the introspection cache"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create introspection cache hit counter: %w", err)
	}

	m.IntrospectionCacheMisses, err = brokerMeter.Int64Counter(
		"vault.introspection.cache.misses.total",
		metric.WithDescription("Token validations that called the provider"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create introspection cache miss counter: %w", err)
	}

	return m, nil
}

// RecordProviderCall records a provider API call with its outcome
func (m *Metrics) RecordProviderCall(ctx context.Context, operation, result string, durationSeconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrProviderOperation, operation),
		attribute.String(AttrProviderResult, result),
	)
	m.ProviderCallsTotal.Add(ctx, 1, attrs)
	m.ProviderDuration.Record(ctx, durationSeconds, attrs)
	if result != "success" {
		m.ProviderErrors.Add(ctx, 1, attrs)
	}
}

// RecordStorageOperation records a storage operation with its outcome
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationSeconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageResult, result),
	)
	m.StorageOperationTotal.Add(ctx, 1, attrs)
	m.StorageOperationDuration.Record(ctx, durationSeconds, attrs)
}
