package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/trace/noop"
)

func TestInitProviderDisabled(t *testing.T) {
	config := DefaultConfig()

	ctx := context.Background()
	shutdown, err := InitProvider(ctx, config)
	if err != nil {
		t.Fatalf("InitProvider failed: %v", err)
	}
	if shutdown == nil {
		t.Fatal("expected shutdown function, got nil")
	}

	if _, ok := GetTracerProvider().(noop.TracerProvider); !ok {
		t.Errorf("expected noop provider, got %T", GetTracerProvider())
	}

	if err := shutdown(ctx); err != nil {
		t.Fatalf("shutdown returned error: %v", err)
	}
}

func TestInitProviderEnabled(t *testing.T) {
	for _, endpoint := range []string{"", "collector.example.com:4318", "https://collector.example.com/v1/traces"} {
		config := DefaultConfig()
		config.Enabled = true
		config.Endpoint = endpoint
		config.SampleRate = 0.5

		ctx := context.Background()
		shutdown, err := InitProvider(ctx, config)
		if err != nil {
			t.Fatalf("InitProvider(%q) failed: %v", endpoint, err)
		}
		if shutdown == nil {
			t.Fatal("expected shutdown function, got nil")
		}
		_ = shutdown(ctx)
	}
}

func TestShutdownForceFlush(t *testing.T) {
	ctx := context.Background()
	if err := Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if err := ForceFlush(ctx); err != nil {
		t.Fatalf("ForceFlush failed: %v", err)
	}
}
