package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/authbridge/tokenvault/storage"
)

func TestCreateSession(t *testing.T) {
	svc, _, _ := newTestService(t, Options{})
	ctx := context.Background()

	sess, err := svc.CreateSession(ctx, "alice", "main", storage.KindRefresh)
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if sess.ID == "" {
		t.Error("session ID is empty")
	}
	if sess.Status != storage.SessionActive {
		t.Errorf("Status = %q, want active", sess.Status)
	}
	if sess.SubjectID != "alice" || sess.Realm != "main" || sess.Kind != storage.KindRefresh {
		t.Errorf("session identity = %s/%s/%s", sess.SubjectID, sess.Realm, sess.Kind)
	}

	got, err := svc.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.ID != sess.ID {
		t.Errorf("GetSession() ID = %q, want %q", got.ID, sess.ID)
	}
}

func TestCreateSession_Validation(t *testing.T) {
	svc, _, _ := newTestService(t, Options{})
	ctx := context.Background()

	if _, err := svc.CreateSession(ctx, "", "main", storage.KindRefresh); err == nil {
		t.Error("CreateSession() with empty subject succeeded")
	}
	if _, err := svc.CreateSession(ctx, "alice", "main", storage.TokenKind("bogus")); err == nil {
		t.Error("CreateSession() with bad kind succeeded")
	}
}

func TestRevokeSession_SharedCredentialSurvivesUntilLastSession(t *testing.T) {
	svc, _, store := newTestService(t, Options{Sharing: SharingShared})
	ctx := context.Background()
	mustStoreCredential(t, svc, "alice", "main", storage.KindRefresh, "tok")

	first, err := svc.CreateSession(ctx, "alice", "main", storage.KindRefresh)
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	second, err := svc.CreateSession(ctx, "alice", "main", storage.KindRefresh)
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	// First revocation: the other session still references the credential
	if err := svc.RevokeSession(ctx, first.ID, false); err != nil {
		t.Fatalf("RevokeSession() error = %v", err)
	}
	rec, err := store.Get(ctx, "alice", "main", storage.KindRefresh)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec.Revoked() {
		t.Fatal("credential revoked while another session is still active")
	}

	// Last referencing session revoked: the credential cascades
	if err := svc.RevokeSession(ctx, second.ID, false); err != nil {
		t.Fatalf("RevokeSession() error = %v", err)
	}
	rec, err = store.Get(ctx, "alice", "main", storage.KindRefresh)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !rec.Revoked() {
		t.Error("credential not revoked after last session ended")
	}
}

func TestRevokeSession_ForceCascades(t *testing.T) {
	svc, _, store := newTestService(t, Options{Sharing: SharingShared})
	ctx := context.Background()
	mustStoreCredential(t, svc, "alice", "main", storage.KindRefresh, "tok")

	first, err := svc.CreateSession(ctx, "alice", "main", storage.KindRefresh)
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if _, err := svc.CreateSession(ctx, "alice", "main", storage.KindRefresh); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	if err := svc.RevokeSession(ctx, first.ID, true); err != nil {
		t.Fatalf("RevokeSession(force) error = %v", err)
	}
	rec, err := store.Get(ctx, "alice", "main", storage.KindRefresh)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !rec.Revoked() {
		t.Error("force revocation did not cascade to the credential")
	}
}

func TestRevokeSession_PerSessionPolicyAlwaysCascades(t *testing.T) {
	svc, _, store := newTestService(t, Options{Sharing: SharingPerSession})
	ctx := context.Background()
	mustStoreCredential(t, svc, "alice", "main", storage.KindRefresh, "tok")

	sess, err := svc.CreateSession(ctx, "alice", "main", storage.KindRefresh)
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if _, err := svc.CreateSession(ctx, "alice", "main", storage.KindRefresh); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	if err := svc.RevokeSession(ctx, sess.ID, false); err != nil {
		t.Fatalf("RevokeSession() error = %v", err)
	}
	rec, err := store.Get(ctx, "alice", "main", storage.KindRefresh)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !rec.Revoked() {
		t.Error("per-session policy did not cascade")
	}
}

func TestRevokeSession_Idempotent(t *testing.T) {
	svc, _, _ := newTestService(t, Options{})
	ctx := context.Background()
	mustStoreCredential(t, svc, "alice", "main", storage.KindRefresh, "tok")

	sess, err := svc.CreateSession(ctx, "alice", "main", storage.KindRefresh)
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if err := svc.RevokeSession(ctx, sess.ID, false); err != nil {
		t.Fatalf("first RevokeSession() error = %v", err)
	}
	if err := svc.RevokeSession(ctx, sess.ID, false); err != nil {
		t.Errorf("second RevokeSession() error = %v, want nil", err)
	}
}

func TestRevokeSession_MissingCredential(t *testing.T) {
	svc, _, _ := newTestService(t, Options{})
	ctx := context.Background()

	// A session whose credential was never stored (or already purged)
	// still revokes cleanly
	sess, err := svc.CreateSession(ctx, "alice", "main", storage.KindRefresh)
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if err := svc.RevokeSession(ctx, sess.ID, false); err != nil {
		t.Errorf("RevokeSession() error = %v, want nil", err)
	}
}

func TestRevokeSession_DoesNotAffectOtherSubjects(t *testing.T) {
	svc, _, store := newTestService(t, Options{})
	ctx := context.Background()
	mustStoreCredential(t, svc, "alice", "main", storage.KindRefresh, "alice-tok")
	mustStoreCredential(t, svc, "bob", "main", storage.KindRefresh, "bob-tok")

	aliceSess, err := svc.CreateSession(ctx, "alice", "main", storage.KindRefresh)
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if _, err := svc.CreateSession(ctx, "bob", "main", storage.KindRefresh); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	if err := svc.RevokeSession(ctx, aliceSess.ID, true); err != nil {
		t.Fatalf("RevokeSession() error = %v", err)
	}

	rec, err := store.Get(ctx, "bob", "main", storage.KindRefresh)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec.Revoked() {
		t.Error("revoking alice's session revoked bob's credential")
	}
}

func TestGetAccessTokenForSession(t *testing.T) {
	svc, _, _ := newTestService(t, Options{})
	ctx := context.Background()
	mustStoreCredential(t, svc, "alice", "main", storage.KindRefresh, "tok")

	sess, err := svc.CreateSession(ctx, "alice", "main", storage.KindRefresh)
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	before := time.Now()
	lease, err := svc.GetAccessTokenForSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetAccessTokenForSession() error = %v", err)
	}
	if lease.AccessToken == "" {
		t.Error("empty access token")
	}

	got, err := svc.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.LastUsedAt.Before(before) {
		t.Error("session not touched by token issuance")
	}
}

func TestGetAccessTokenForSession_RevokedSession(t *testing.T) {
	svc, _, _ := newTestService(t, Options{})
	ctx := context.Background()
	mustStoreCredential(t, svc, "alice", "main", storage.KindRefresh, "tok")

	sess, err := svc.CreateSession(ctx, "alice", "main", storage.KindRefresh)
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if err := svc.RevokeSession(ctx, sess.ID, false); err != nil {
		t.Fatalf("RevokeSession() error = %v", err)
	}

	_, err = svc.GetAccessTokenForSession(ctx, sess.ID)
	if !errors.Is(err, storage.ErrRevoked) {
		t.Errorf("GetAccessTokenForSession() error = %v, want ErrRevoked", err)
	}
}

func TestListActiveSessions(t *testing.T) {
	svc, _, _ := newTestService(t, Options{})
	ctx := context.Background()

	if _, err := svc.CreateSession(ctx, "alice", "main", storage.KindRefresh); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	sess, err := svc.CreateSession(ctx, "alice", "main", storage.KindOffline)
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if err := svc.RevokeSession(ctx, sess.ID, false); err != nil {
		t.Fatalf("RevokeSession() error = %v", err)
	}

	active, err := svc.ListActiveSessions(ctx, "alice")
	if err != nil {
		t.Fatalf("ListActiveSessions() error = %v", err)
	}
	if len(active) != 1 {
		t.Errorf("active sessions = %d, want 1", len(active))
	}
}
