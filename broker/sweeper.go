package broker

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/authbridge/tokenvault/instrumentation"
	"github.com/authbridge/tokenvault/security"
	"github.com/authbridge/tokenvault/storage"
)

// SweepStats summarizes one sweeper pass.
type SweepStats struct {
	RecordsExpired  int
	SessionsExpired int
	Reencrypted     int
	Purged          int
}

// RunSweeper runs sweep passes at the configured interval until the context
// is cancelled. Safe to run alongside the orchestrator: revocation state is
// re-checked from the store on every read path, and re-encryption writes use
// optimistic concurrency, so a racing refresh simply wins the version check.
func (s *Service) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()

	s.logger.Info("Sweeper started", "interval", s.opts.SweepInterval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Sweeper stopped")
			return
		case <-ticker.C:
			stats := s.SweepOnce(ctx)
			if stats != (SweepStats{}) {
				s.logger.Info("Sweep pass completed",
					"records_expired", stats.RecordsExpired,
					"sessions_expired", stats.SessionsExpired,
					"reencrypted", stats.Reencrypted,
					"purged", stats.Purged)
			}
		}
	}
}

// SweepOnce performs a single maintenance pass: revoke expired credentials,
// expire idle sessions (with credential cascade), migrate records to the
// current encryption key, and purge revoked records past retention.
func (s *Service) SweepOnce(ctx context.Context) SweepStats {
	var span trace.Span
	if s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, "broker.sweep")
		defer span.End()
	}

	var stats SweepStats
	now := time.Now()

	stats.RecordsExpired = s.sweepPhase(ctx, "expiry", func(ctx context.Context) int {
		return s.sweepExpiredRecords(ctx, now)
	})
	stats.SessionsExpired = s.sweepPhase(ctx, "sessions", func(ctx context.Context) int {
		return s.sweepIdleSessions(ctx, now)
	})
	stats.Reencrypted = s.sweepPhase(ctx, "reencrypt", s.sweepStaleKeyVersions)
	stats.Purged = s.sweepPhase(ctx, "purge", func(ctx context.Context) int {
		return s.sweepRevokedRecords(ctx, now)
	})

	s.addMetric(func(m *instrumentation.Metrics) { m.SweepRuns.Add(ctx, 1) })
	instrumentation.SetSpanSuccess(span)
	return stats
}

// sweepPhase runs one maintenance phase under its own span.
func (s *Service) sweepPhase(ctx context.Context, phase string, fn func(context.Context) int) int {
	var span trace.Span
	if s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, "broker.sweep."+phase)
		defer span.End()
	}
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrSweepPhase, phase))
	return fn(ctx)
}

func (s *Service) sweepExpiredRecords(ctx context.Context, now time.Time) int {
	expired, err := s.store.ListExpired(ctx, now)
	if err != nil {
		s.logger.Error("Sweep: listing expired records failed", "error", err)
		return 0
	}

	revoked := 0
	for _, rec := range expired {
		if err := s.store.Revoke(ctx, rec.SubjectID, rec.Realm, rec.Kind); err != nil {
			s.logger.Warn("Sweep: revoking expired record failed",
				"subject_id", rec.SubjectID, "realm", rec.Realm, "error", err)
			continue
		}
		s.leases.Invalidate(leaseKey(rec.SubjectID, rec.Realm))
		s.audit(func(a *security.Auditor) {
			a.LogCredentialRevoked(rec.SubjectID, rec.Realm, string(rec.Kind), "expired")
		})
		revoked++
	}
	if revoked > 0 {
		s.addMetric(func(m *instrumentation.Metrics) {
			m.SweepRecordsExpired.Add(ctx, int64(revoked))
		})
	}
	return revoked
}

func (s *Service) sweepIdleSessions(ctx context.Context, now time.Time) int {
	cutoff := now.Add(-s.opts.SessionIdleTTL)
	idle, err := s.store.ListIdleSessions(ctx, cutoff)
	if err != nil {
		s.logger.Error("Sweep: listing idle sessions failed", "error", err)
		return 0
	}

	expired := 0
	for _, sess := range idle {
		if err := s.store.UpdateSessionStatus(ctx, sess.ID, storage.SessionExpired); err != nil {
			s.logger.Warn("Sweep: expiring idle session failed",
				"session_id", sess.ID, "error", err)
			continue
		}
		cascaded, err := s.cascadeCredentialRevocation(ctx, sess, false, "session_expired")
		if err != nil {
			s.logger.Warn("Sweep: credential cascade for idle session failed",
				"session_id", sess.ID, "error", err)
		}
		s.audit(func(a *security.Auditor) {
			a.LogSessionRevoked(sess.SubjectID, sess.ID, "idle_expired", cascaded)
		})
		expired++
	}
	if expired > 0 {
		s.addMetric(func(m *instrumentation.Metrics) {
			m.SessionsRevoked.Add(ctx, int64(expired))
		})
	}
	return expired
}

// sweepStaleKeyVersions migrates records encrypted under old key versions to
// the current one. Conflict losses are skipped; the next pass catches them.
func (s *Service) sweepStaleKeyVersions(ctx context.Context) int {
	current := s.keyring.CurrentVersion()
	stale, err := s.store.ListKeyVersionsBelow(ctx, current)
	if err != nil {
		s.logger.Error("Sweep: listing stale key versions failed", "error", err)
		return 0
	}

	migrated := 0
	for _, rec := range stale {
		plaintext, err := s.keyring.Decrypt(rec.Ciphertext, rec.Nonce, rec.KeyVersion)
		if err != nil {
			s.audit(func(a *security.Auditor) {
				a.LogDecryptFailure(rec.SubjectID, rec.Realm, string(rec.Kind), rec.KeyVersion)
			})
			s.logger.Error("Sweep: record undecryptable, leaving in place",
				"subject_id", rec.SubjectID,
				"realm", rec.Realm,
				"key_version", rec.KeyVersion)
			continue
		}

		ciphertext, nonce, keyVersion, err := s.keyring.Encrypt(plaintext)
		if err != nil {
			s.logger.Error("Sweep: re-encryption failed", "error", err)
			continue
		}

		updated := rec.Clone()
		updated.Ciphertext = ciphertext
		updated.Nonce = nonce
		updated.KeyVersion = keyVersion

		if _, err := s.store.Upsert(ctx, updated, rec.Version); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				continue
			}
			s.logger.Warn("Sweep: storing re-encrypted record failed",
				"subject_id", rec.SubjectID, "realm", rec.Realm, "error", err)
			continue
		}
		migrated++
	}
	if migrated > 0 {
		s.addMetric(func(m *instrumentation.Metrics) {
			m.SweepReencrypted.Add(ctx, int64(migrated))
		})
		s.logger.Info("Sweep: records migrated to current key version",
			"count", migrated, "key_version", current)
	}
	return migrated
}

func (s *Service) sweepRevokedRecords(ctx context.Context, now time.Time) int {
	cutoff := now.Add(-s.opts.RevokedRetention)
	old, err := s.store.ListRevokedBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("Sweep: listing revoked records failed", "error", err)
		return 0
	}

	purged := 0
	for _, rec := range old {
		if err := s.store.Delete(ctx, rec.SubjectID, rec.Realm, rec.Kind); err != nil {
			s.logger.Warn("Sweep: purging revoked record failed",
				"subject_id", rec.SubjectID, "realm", rec.Realm, "error", err)
			continue
		}
		purged++
	}
	return purged
}
