package broker

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/authbridge/tokenvault/instrumentation"
	"github.com/authbridge/tokenvault/providers/mock"
	"github.com/authbridge/tokenvault/storage"
	"github.com/authbridge/tokenvault/storage/memory"
)

func newTracedService(t *testing.T) (*Service, *mock.MockProvider, *tracetest.SpanRecorder) {
	t.Helper()
	logger := testLogger()
	store := memory.New(logger)
	provider := mock.NewMockProvider()
	kr := testKeyring(t)

	recorder := tracetest.NewSpanRecorder()
	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:    "test-vault",
		Enabled:        true,
		TracerProvider: sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)),
	})
	if err != nil {
		t.Fatalf("instrumentation.New() error = %v", err)
	}

	svc, err := New(store, kr, provider, Options{
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     5 * time.Millisecond,
	}, logger, nil, inst)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(svc.Close)
	return svc, provider, recorder
}

func spanNames(recorder *tracetest.SpanRecorder) map[string]sdktrace.ReadOnlySpan {
	spans := make(map[string]sdktrace.ReadOnlySpan)
	for _, span := range recorder.Ended() {
		spans[span.Name()] = span
	}
	return spans
}

func spanAttr(span sdktrace.ReadOnlySpan, key string) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestGetAccessToken_EmitsSpans(t *testing.T) {
	svc, _, recorder := newTracedService(t)
	ctx := context.Background()
	mustStoreCredential(t, svc, "alice", "main", storage.KindRefresh, "initial-refresh-token")

	if _, err := svc.GetAccessToken(ctx, "alice", "main"); err != nil {
		t.Fatalf("GetAccessToken() error = %v", err)
	}

	spans := spanNames(recorder)
	top, ok := spans["broker.get_access_token"]
	if !ok {
		t.Fatal("no broker.get_access_token span recorded")
	}
	if v, ok := spanAttr(top, instrumentation.AttrSubjectID); !ok || v.AsString() != "alice" {
		t.Errorf("subject attribute = %v, want alice", v)
	}
	if v, ok := spanAttr(top, instrumentation.AttrLeaseHit); !ok || v.AsBool() {
		t.Errorf("lease hit attribute = %v, want false", v)
	}

	refresh, ok := spans["broker.refresh_credential"]
	if !ok {
		t.Fatal("no broker.refresh_credential span recorded")
	}
	if v, ok := spanAttr(refresh, instrumentation.AttrTokenRotated); !ok || !v.AsBool() {
		t.Errorf("rotated attribute = %v, want true", v)
	}
	if v, ok := spanAttr(refresh, instrumentation.AttrKeyVersion); !ok || v.AsInt64() != 1 {
		t.Errorf("key version attribute = %v, want 1", v)
	}

	provider, ok := spans["provider.refresh"]
	if !ok {
		t.Fatal("no provider.refresh span recorded")
	}
	if v, ok := spanAttr(provider, instrumentation.AttrProviderOperation); !ok || v.AsString() != "refresh" {
		t.Errorf("provider operation attribute = %v, want refresh", v)
	}
}

func TestGetAccessToken_LeaseHitSpanAttribute(t *testing.T) {
	svc, _, recorder := newTracedService(t)
	ctx := context.Background()
	mustStoreCredential(t, svc, "alice", "main", storage.KindRefresh, "initial-refresh-token")

	if _, err := svc.GetAccessToken(ctx, "alice", "main"); err != nil {
		t.Fatalf("GetAccessToken() error = %v", err)
	}
	before := len(recorder.Ended())
	if _, err := svc.GetAccessToken(ctx, "alice", "main"); err != nil {
		t.Fatalf("GetAccessToken() cached error = %v", err)
	}

	ended := recorder.Ended()
	if len(ended) != before+1 {
		t.Fatalf("cached call ended %d spans, want 1", len(ended)-before)
	}
	hit := ended[len(ended)-1]
	if hit.Name() != "broker.get_access_token" {
		t.Fatalf("cached call span = %q, want broker.get_access_token", hit.Name())
	}
	if v, ok := spanAttr(hit, instrumentation.AttrLeaseHit); !ok || !v.AsBool() {
		t.Errorf("lease hit attribute = %v, want true", v)
	}
}

func TestValidateAccessToken_EmitsSpan(t *testing.T) {
	svc, _, recorder := newTracedService(t)

	if _, err := svc.ValidateAccessToken(context.Background(), "some-access-token"); err != nil {
		t.Fatalf("ValidateAccessToken() error = %v", err)
	}

	spans := spanNames(recorder)
	span, ok := spans["broker.validate_access_token"]
	if !ok {
		t.Fatal("no broker.validate_access_token span recorded")
	}
	if v, ok := spanAttr(span, instrumentation.AttrProviderOperation); !ok || v.AsString() != "introspect" {
		t.Errorf("provider operation attribute = %v, want introspect", v)
	}
}

func TestSweepOnce_EmitsPhaseSpans(t *testing.T) {
	svc, _, recorder := newTracedService(t)

	svc.SweepOnce(context.Background())

	spans := spanNames(recorder)
	if _, ok := spans["broker.sweep"]; !ok {
		t.Fatal("no broker.sweep span recorded")
	}
	for _, phase := range []string{"expiry", "sessions", "reencrypt", "purge"} {
		span, ok := spans["broker.sweep."+phase]
		if !ok {
			t.Errorf("no broker.sweep.%s span recorded", phase)
			continue
		}
		if v, ok := spanAttr(span, instrumentation.AttrSweepPhase); !ok || v.AsString() != phase {
			t.Errorf("sweep phase attribute = %v, want %s", v, phase)
		}
	}
}

func TestRevokeSession_EmitsSpan(t *testing.T) {
	svc, _, recorder := newTracedService(t)
	ctx := context.Background()
	mustStoreCredential(t, svc, "alice", "main", storage.KindRefresh, "initial-refresh-token")

	sess, err := svc.CreateSession(ctx, "alice", "main", storage.KindRefresh)
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if err := svc.RevokeSession(ctx, sess.ID, true); err != nil {
		t.Fatalf("RevokeSession() error = %v", err)
	}

	spans := spanNames(recorder)
	span, ok := spans["broker.revoke_session"]
	if !ok {
		t.Fatal("no broker.revoke_session span recorded")
	}
	if v, ok := spanAttr(span, instrumentation.AttrSessionID); !ok || v.AsString() != sess.ID {
		t.Errorf("session attribute = %v, want %s", v, sess.ID)
	}
	if v, ok := spanAttr(span, instrumentation.AttrForceRevoke); !ok || !v.AsBool() {
		t.Errorf("force attribute = %v, want true", v)
	}
	if _, ok := spans["broker.revoke_credential"]; !ok {
		t.Error("no broker.revoke_credential span recorded for the cascade")
	}
}
