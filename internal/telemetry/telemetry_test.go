package telemetry

import (
	"context"
	"testing"
)

func TestSetup_DisabledReturnsNil(t *testing.T) {
	tel, err := Setup(context.Background(), Config{})
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	if tel != nil {
		t.Error("disabled telemetry should return nil")
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown on nil Telemetry should be a no-op, got %v", err)
	}
}

func TestSetup_EnabledInstallsProvider(t *testing.T) {
	tel, err := Setup(context.Background(), Config{
		Endpoint:    "http://127.0.0.1:4318",
		ServiceName: "pairchat-test",
	})
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	if tel == nil {
		t.Fatal("enabled telemetry should return a provider")
	}

	_, span := Tracer().Start(context.Background(), "test")
	if !span.SpanContext().IsValid() {
		t.Error("spans should be recorded once a provider is installed")
	}
	span.End()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = tel.Shutdown(ctx)
}

func TestParseHeaders(t *testing.T) {
	got := ParseHeaders("authorization=Bearer abc, x-team = core,broken")
	if got["authorization"] != "Bearer abc" || got["x-team"] != "core" {
		t.Errorf("ParseHeaders = %v", got)
	}
	if _, ok := got["broken"]; ok {
		t.Error("pair without '=' should be skipped")
	}
	if len(ParseHeaders("")) != 0 {
		t.Error("empty header string should yield no headers")
	}
}
