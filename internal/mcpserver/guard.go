package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/evolvant/cohort/internal/fault"
	"github.com/evolvant/cohort/internal/telemetry"
)

// toolDef is one entry in the static tool registry.
type toolDef struct {
	name        string
	description string
	readOnly    bool
}

// register wires a typed handler behind the full admission pipeline: gate
// (auth, authz, rate limit, validation, audit), per-tool deadline, tracing,
// metrics and panic containment.
func register[In, Out any](s *Server, def toolDef, fn func(ctx context.Context, in In) (Out, error)) {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        def.name,
		Description: def.description,
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in In) (res *mcp.CallToolResult, out any, _ error) {
		started := time.Now()
		var opErr error

		if timeout := s.config().ToolTimeout; timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		ctx, span := telemetry.StartToolCall(ctx, def.name, "")
		defer func() { telemetry.EndWithError(span, opErr) }()

		caller, err := s.deps.Gate.Admit(ctx, def.name, def.readOnly, argTree(in))
		if err != nil {
			opErr = err
			s.observe(def.name, started, opErr)
			return errorToolResult(opErr)
		}

		defer func() {
			if r := recover(); r != nil {
				opErr = fault.Internalf(fmt.Errorf("panic: %v", r), "tool %s failed unexpectedly", def.name)
				s.logger.Error("tool handler panicked",
					zap.String("tool", def.name),
					zap.String("correlation_id", fault.CorrelationOf(opErr)),
					zap.Any("panic", r))
				res, out, _ = errorToolResult(opErr)
			}
			s.deps.Gate.Finish(caller, def.name, started, opErr)
			s.observe(def.name, started, opErr)
		}()

		result, err := fn(ctx, in)
		if err != nil {
			opErr = err
			return errorToolResult(opErr)
		}
		return jsonToolResult(result)
	})
}

// jsonToolResult renders a handler result as a single JSON text block.
func jsonToolResult(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, nil, fault.Internalf(err, "encode tool result")
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}, nil, nil
}

// errorToolResult renders a tool failure as an explicit error result so MCP
// clients receive the taxonomy kind and its JSON-RPC code instead of an
// opaque string.
func errorToolResult(opErr error) (*mcp.CallToolResult, any, error) {
	kind := fault.KindOf(opErr)
	payload := map[string]any{
		"code":    fault.JSONRPCCode(kind),
		"kind":    string(kind),
		"message": opErr.Error(),
	}
	if id := fault.CorrelationOf(opErr); id != "" {
		payload["correlation_id"] = id
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, opErr
	}
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}, nil, nil
}

// argTree converts the bound input back to a generic JSON tree for the
// gate's validation walk.
func argTree(in any) any {
	raw, err := json.Marshal(in)
	if err != nil {
		return nil
	}
	var tree any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil
	}
	return tree
}

func (s *Server) observe(tool string, started time.Time, err error) {
	if s.deps.Metrics == nil {
		return
	}
	outcome := outcomeLabel(err)
	s.deps.Metrics.ObserveTool(tool, outcome, time.Since(started))
	if outcome == "rate_limited" {
		s.deps.Metrics.RecordRateLimited()
	}
}

func outcomeLabel(err error) string {
	if err == nil {
		return "ok"
	}
	switch fault.KindOf(err) {
	case fault.Unauthenticated, fault.Forbidden:
		return "denied"
	case fault.RateLimited:
		return "rate_limited"
	case fault.InvalidArgument:
		return "invalid"
	default:
		return "error"
	}
}
