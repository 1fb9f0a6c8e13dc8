package tracing

import (
	"context"
	"testing"
)

func TestInitTracerNoopWhenNoCollector(t *testing.T) {
	tp, err := InitTracer(context.Background(), "signalserver-test", "", false)
	if err != nil {
		t.Fatal(err)
	}
	if tp == nil {
		t.Fatal("expected a non-nil tracer provider")
	}
	if err := Shutdown(context.Background(), tp); err != nil {
		t.Fatal(err)
	}
}

func TestShutdownHandlesNil(t *testing.T) {
	if err := Shutdown(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
}
