package instrumentation

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestSpanHelpers_NilSafe(t *testing.T) {
	// All span helpers must tolerate a nil span
	RecordError(nil, errors.New("boom"))
	SetSpanSuccess(nil)
	SetSpanError(nil, "failed")
	SetSpanAttributes(nil, attribute.String("k", "v"))
	AddCredentialAttributes(nil, "subject", "realm", "refresh")
	AddProviderAttributes(nil, "keycloak", "refresh")
}

func TestSpanHelpers_NoOpSpan(t *testing.T) {
	inst, err := New(Config{ServiceName: "test-vault"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	_, span := inst.Tracer("broker").Start(context.Background(), "test.operation")
	defer span.End()

	RecordError(span, errors.New("boom"))
	RecordError(span, nil)
	SetSpanSuccess(span)
	AddCredentialAttributes(span, "subject", "", "offline")
	AddProviderAttributes(span, "mock", "introspect")
}
