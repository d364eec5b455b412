package broker

import (
	"context"
	"testing"
	"time"

	"github.com/authbridge/tokenvault/providers/mock"
	"github.com/authbridge/tokenvault/security"
	"github.com/authbridge/tokenvault/storage"
	"github.com/authbridge/tokenvault/storage/memory"
)

func TestSweepOnce_RevokesExpiredRecords(t *testing.T) {
	svc, _, store := newTestService(t, Options{})
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	if err := svc.StoreCredential(ctx, "alice", "main", storage.KindRefresh, "tok", StoreCredentialOptions{ExpiresAt: &past}); err != nil {
		t.Fatalf("StoreCredential() error = %v", err)
	}
	// Offline credential without expiry must be untouched
	mustStoreCredential(t, svc, "bob", "main", storage.KindOffline, "offline")

	stats := svc.SweepOnce(ctx)
	if stats.RecordsExpired != 1 {
		t.Errorf("RecordsExpired = %d, want 1", stats.RecordsExpired)
	}

	rec, err := store.Get(ctx, "alice", "main", storage.KindRefresh)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !rec.Revoked() {
		t.Error("expired record not revoked")
	}

	offline, err := store.Get(ctx, "bob", "main", storage.KindOffline)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if offline.Revoked() {
		t.Error("offline record without expiry was revoked")
	}
}

func TestSweepOnce_ExpiresIdleSessionsWithCascade(t *testing.T) {
	svc, _, store := newTestService(t, Options{SessionIdleTTL: 10 * time.Millisecond})
	ctx := context.Background()
	mustStoreCredential(t, svc, "alice", "main", storage.KindRefresh, "tok")

	sess, err := svc.CreateSession(ctx, "alice", "main", storage.KindRefresh)
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	stats := svc.SweepOnce(ctx)
	if stats.SessionsExpired != 1 {
		t.Errorf("SessionsExpired = %d, want 1", stats.SessionsExpired)
	}

	got, err := store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.Status != storage.SessionExpired {
		t.Errorf("session status = %q, want expired", got.Status)
	}

	// Last referencing session expired, so the credential cascaded
	rec, err := store.Get(ctx, "alice", "main", storage.KindRefresh)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !rec.Revoked() {
		t.Error("credential not revoked after its last session idled out")
	}
}

func TestSweepOnce_TouchedSessionSurvives(t *testing.T) {
	svc, _, store := newTestService(t, Options{SessionIdleTTL: time.Hour})
	ctx := context.Background()

	sess, err := svc.CreateSession(ctx, "alice", "main", storage.KindRefresh)
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	stats := svc.SweepOnce(ctx)
	if stats.SessionsExpired != 0 {
		t.Errorf("SessionsExpired = %d, want 0", stats.SessionsExpired)
	}
	got, err := store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.Status != storage.SessionActive {
		t.Errorf("session status = %q, want active", got.Status)
	}
}

func TestSweepOnce_MigratesRecordsToCurrentKey(t *testing.T) {
	logger := testLogger()
	store := memory.New(logger)
	provider := mock.NewMockProvider()

	keyV1, err := security.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	keyV2, err := security.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}

	oldKeyring, err := security.NewKeyring(map[uint32][]byte{1: keyV1}, 1)
	if err != nil {
		t.Fatalf("NewKeyring() error = %v", err)
	}
	oldSvc, err := New(store, oldKeyring, provider, Options{}, logger, nil, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(oldSvc.Close)

	ctx := context.Background()
	if err := oldSvc.StoreCredential(ctx, "alice", "main", storage.KindRefresh, "tok-v1", StoreCredentialOptions{}); err != nil {
		t.Fatalf("StoreCredential() error = %v", err)
	}

	// Rotation: same store, keyring now carries v2 as current
	newKeyring, err := security.NewKeyring(map[uint32][]byte{1: keyV1, 2: keyV2}, 2)
	if err != nil {
		t.Fatalf("NewKeyring() error = %v", err)
	}
	newSvc, err := New(store, newKeyring, provider, Options{}, logger, nil, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(newSvc.Close)

	stats := newSvc.SweepOnce(ctx)
	if stats.Reencrypted != 1 {
		t.Errorf("Reencrypted = %d, want 1", stats.Reencrypted)
	}

	rec, err := store.Get(ctx, "alice", "main", storage.KindRefresh)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec.KeyVersion != 2 {
		t.Errorf("KeyVersion = %d, want 2", rec.KeyVersion)
	}
	plaintext, err := newKeyring.Decrypt(rec.Ciphertext, rec.Nonce, rec.KeyVersion)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if plaintext != "tok-v1" {
		t.Errorf("migrated credential = %q, want tok-v1", plaintext)
	}

	// Second pass finds nothing left to migrate
	stats = newSvc.SweepOnce(ctx)
	if stats.Reencrypted != 0 {
		t.Errorf("second pass Reencrypted = %d, want 0", stats.Reencrypted)
	}
}

func TestSweepOnce_PurgesRevokedPastRetention(t *testing.T) {
	svc, _, store := newTestService(t, Options{RevokedRetention: time.Nanosecond})
	ctx := context.Background()
	mustStoreCredential(t, svc, "alice", "main", storage.KindRefresh, "tok")

	if err := svc.RevokeCredential(ctx, "alice", "main", storage.KindRefresh, "test"); err != nil {
		t.Fatalf("RevokeCredential() error = %v", err)
	}

	time.Sleep(time.Millisecond)
	stats := svc.SweepOnce(ctx)
	if stats.Purged != 1 {
		t.Errorf("Purged = %d, want 1", stats.Purged)
	}

	_, err := store.Get(ctx, "alice", "main", storage.KindRefresh)
	if err == nil {
		t.Error("purged record still present")
	}
}

func TestRunSweeper_StopsOnContextCancel(t *testing.T) {
	svc, _, _ := newTestService(t, Options{SweepInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.RunSweeper(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop after cancellation")
	}
}
