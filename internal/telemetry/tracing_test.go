package telemetry

import (
	"context"
	"testing"
)

func TestSetupWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), "", "test")
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestSpanHelpers(t *testing.T) {
	ctx := context.Background()

	ctx, span := StartToolCall(ctx, "get_crew_status", "admin")
	EndWithError(span, nil)

	_, span = StartWorkflowRun(ctx, "wf-1", "crew-1")
	EndWithError(span, context.Canceled)

	_, span = StartEvolution(ctx, "agent-1", "personality_drift")
	span.End()
}
