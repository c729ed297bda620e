package instrumentation

import (
	"context"
	"testing"
)

func TestNew_Defaults(t *testing.T) {
	inst, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if inst.Metrics() == nil {
		t.Error("Metrics() returned nil")
	}
	if inst.Meter("storage") == nil {
		t.Error("Meter() returned nil")
	}
	if inst.Tracer("http") == nil {
		t.Error("Tracer() returned nil")
	}
	if inst.ShouldLogClientIPs() {
		t.Error("client IP logging should default to off")
	}
}

func TestNew_Enabled(t *testing.T) {
	inst, err := New(Config{
		ServiceName:    "test-idp",
		ServiceVersion: "1.0.0",
		Enabled:        true,
		LogClientIPs:   true,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !inst.ShouldLogClientIPs() {
		t.Error("ShouldLogClientIPs() = false, want true")
	}
	if err := inst.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestRegisterStorageSizeCallbacks(t *testing.T) {
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	count := func() int64 { return 42 }
	if err := inst.RegisterStorageSizeCallbacks(count, count, count, count, count); err != nil {
		t.Fatalf("RegisterStorageSizeCallbacks: %v", err)
	}

	// Nil callbacks are skipped, not an error.
	if err := inst.RegisterStorageSizeCallbacks(nil, nil, nil, nil, nil); err != nil {
		t.Fatalf("RegisterStorageSizeCallbacks with nils: %v", err)
	}
}

func TestMetrics_RecordingDoesNotPanic(t *testing.T) {
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m := inst.Metrics()
	ctx := context.Background()

	m.RecordHTTPRequest(ctx, "POST", "token", 200, 12.5)
	m.RecordCodeIssued(ctx, "client-1")
	m.RecordCodeExchange(ctx, "client-1", "S256")
	m.RecordTokenRefresh(ctx, "client-1")
	m.RecordTokenRevocation(ctx, "client-1")
	m.RecordClientRegistration(ctx, "public")
	m.RecordKeyRotation(ctx, "kid-1")
	m.RecordRateLimitExceeded(ctx, "ip")
	m.RecordPKCEValidationFailed(ctx, "S256")
	m.RecordCodeReuseDetected(ctx)
	m.RecordTokenReuseDetected(ctx)
	m.RecordFamilyRevoked(ctx, "reuse_detected")
	m.RecordStorageOperation(ctx, "save_refresh_token", "success", 1.2)
	m.RecordAuditEvent(ctx, "token_issued")
}
