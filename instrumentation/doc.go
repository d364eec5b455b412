// Package instrumentation provides OpenTelemetry (OTEL) instrumentation for the
// token vault library.
//
// It exposes named meters and tracers per layer (broker, storage, provider,
// security) plus a Metrics registry holding the library's counters and
// histograms. Providers are no-op by default so instrumentation adds zero
// overhead until a real exporter is wired in by the embedding application.
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "tokenvault",
//		ServiceVersion: "1.0.0",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
// # Available Metrics
//
// Broker:
//   - vault.token.issued.total - Access tokens returned to callers
//   - vault.token.refreshed.total - Provider refresh operations performed
//   - vault.refresh.deduplicated.total - Callers attached to an in-flight refresh
//   - vault.lease.cache.hits.total / misses.total - Lease cache effectiveness
//   - vault.store.conflict.retries.total - Optimistic-concurrency retries
//   - vault.credential.revoked.total - Credentials revoked
//
// Provider:
//   - vault.provider.calls.total{provider.operation, provider.result}
//   - vault.provider.duration.seconds{provider.operation}
//   - vault.provider.errors.total{provider.operation}
//
// Storage:
//   - vault.storage.operations.total{storage.operation, storage.result}
//   - vault.storage.operation.duration.seconds{storage.operation}
//
// Security:
//   - vault.encryption.operations.total
//   - vault.encryption.decrypt.failures.total
//
// Sessions and sweeping:
//   - vault.sessions.created.total / vault.sessions.revoked.total
//   - vault.sweep.runs.total, vault.sweep.records.expired.total,
//     vault.sweep.records.reencrypted.total
//
// # Security Considerations
//
// This package collects observability data, never credentials. Callers MUST NOT
// record token values, encryption keys, or client secrets as attributes; use
// metadata only (token kinds, expiry times, key versions, result codes).
//
// # Thread Safety
//
// All instrumentation operations are thread-safe and can be called concurrently
// from multiple goroutines.
package instrumentation
