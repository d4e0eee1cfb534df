// Package mcpserver exposes the orchestration surface as MCP tools over
// stdio and streamable HTTP. Every tool call passes through the gate before
// its handler runs.
package mcpserver

import (
	"context"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/evolvant/cohort/internal/auth"
	"github.com/evolvant/cohort/internal/config"
	"github.com/evolvant/cohort/internal/crew"
	"github.com/evolvant/cohort/internal/deliverables"
	"github.com/evolvant/cohort/internal/events"
	"github.com/evolvant/cohort/internal/evolution"
	"github.com/evolvant/cohort/internal/gate"
	"github.com/evolvant/cohort/internal/instructions"
	"github.com/evolvant/cohort/internal/metrics"
	"github.com/evolvant/cohort/internal/supervisor"
	"github.com/evolvant/cohort/internal/workflow"
)

// Version is stamped at build time.
var Version = "dev"

// Deps carries everything the tool handlers reach.
type Deps struct {
	Gate         *gate.Gate
	Keys         *auth.Store
	Crews        *crew.Manager
	Engine       *workflow.Engine
	Instructions *instructions.Bus
	Evolution    *evolution.Engine
	Events       *events.Bus
	Output       *deliverables.Store
	Metrics      *metrics.Set
	Health       func() supervisor.Health
	Config       *config.Config
	Logger       *zap.Logger
}

// Server is the MCP frontend.
type Server struct {
	mcp       *mcp.Server
	deps      Deps
	logger    *zap.Logger
	startedAt time.Time

	mu  sync.RWMutex
	cfg *config.Config
}

// New builds the server and registers the tool surface.
func New(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		mcp: mcp.NewServer(&mcp.Implementation{
			Name:    "cohort",
			Version: Version,
		}, nil),
		deps:      deps,
		logger:    logger.Named("mcp"),
		startedAt: time.Now().UTC(),
		cfg:       deps.Config,
	}
	s.registerTools()
	return s
}

// RunStdio serves line-delimited JSON-RPC on stdin/stdout until ctx ends.
func (s *Server) RunStdio(ctx context.Context) error {
	s.logger.Info("stdio transport listening")
	return s.mcp.Run(ctx, &mcp.StdioTransport{})
}

func (s *Server) config() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *Server) setConfig(cfg *config.Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}
