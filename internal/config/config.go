// Package config loads the server's environment-driven configuration.
// Every knob has a contractual COHORT_* variable; unset means default,
// malformed means the process must refuse to start.
package config

import (
	"fmt"
	"net"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Transport selects which frontends the server runs.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
	TransportDual  = "dual"
)

// Queue policies for a saturated worker pool.
const (
	QueuePolicyQueue  = "queue"
	QueuePolicyReject = "reject"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// Config is the full runtime configuration. Fields are plain values; the
// struct is treated as immutable after Load.
type Config struct {
	Host      string
	Port      int
	Transport string

	DataDir  string
	DBDriver string
	DBDSN    string

	Workers     int
	QueuePolicy string
	ToolTimeout time.Duration

	RateHourly int
	RateBurst  int
	RateBlock  time.Duration

	EvolutionSweep    string // duration or cron expression
	EvolutionCooldown time.Duration

	InstructionTTL  time.Duration
	InstructionPoll time.Duration

	MaxWorkflowDuration time.Duration
	EstopDeadline       time.Duration

	AdminKey string // bootstrap admin key material, may be empty
	StdioKey string // credential attached to stdio tool calls

	LogLevel     string
	OTLPEndpoint string

	TestSeed string // deterministic id seed, test mode only
}

// Load reads the environment. Unset variables take defaults; malformed
// values return an error so main can exit with the invalid-config code.
func Load() (*Config, error) {
	cfg := &Config{
		Host:      envStr("COHORT_HOST", "127.0.0.1"),
		Transport: envStr("COHORT_TRANSPORT", TransportHTTP),

		DataDir:  envStr("COHORT_DATA_DIR", "./data"),
		DBDriver: envStr("COHORT_DB_DRIVER", DriverSQLite),
		DBDSN:    os.Getenv("COHORT_DB_DSN"),

		QueuePolicy: envStr("COHORT_QUEUE_POLICY", QueuePolicyQueue),

		EvolutionSweep: envStr("COHORT_EVOLUTION_SWEEP", "1h"),

		AdminKey: os.Getenv("COHORT_ADMIN_KEY"),
		StdioKey: os.Getenv("COHORT_API_KEY"),

		LogLevel:     envStr("COHORT_LOG_LEVEL", "info"),
		OTLPEndpoint: os.Getenv("COHORT_OTLP_ENDPOINT"),
		TestSeed:     os.Getenv("COHORT_TEST_SEED"),
	}

	var err error
	if cfg.Port, err = envInt("COHORT_PORT", 8765); err != nil {
		return nil, err
	}
	if cfg.Workers, err = envInt("COHORT_WORKERS", runtime.NumCPU()); err != nil {
		return nil, err
	}
	if cfg.ToolTimeout, err = envDuration("COHORT_TOOL_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.RateHourly, err = envInt("COHORT_RATE_HOURLY", 100); err != nil {
		return nil, err
	}
	if cfg.RateBurst, err = envInt("COHORT_RATE_BURST", 10); err != nil {
		return nil, err
	}
	if cfg.RateBlock, err = envDuration("COHORT_RATE_BLOCK", time.Hour); err != nil {
		return nil, err
	}
	if cfg.EvolutionCooldown, err = envDuration("COHORT_EVOLUTION_COOLDOWN", 6*time.Hour); err != nil {
		return nil, err
	}
	if cfg.InstructionTTL, err = envDuration("COHORT_INSTRUCTION_TTL", time.Hour); err != nil {
		return nil, err
	}
	if cfg.InstructionPoll, err = envDuration("COHORT_INSTRUCTION_POLL", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.MaxWorkflowDuration, err = envDuration("COHORT_MAX_WORKFLOW_DURATION", time.Hour); err != nil {
		return nil, err
	}
	if cfg.EstopDeadline, err = envDuration("COHORT_ESTOP_DEADLINE", 30*time.Second); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints beyond per-value parsing.
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportStdio, TransportHTTP, TransportDual:
	default:
		return fmt.Errorf("COHORT_TRANSPORT must be stdio, http or dual, got %q", c.Transport)
	}
	switch c.QueuePolicy {
	case QueuePolicyQueue, QueuePolicyReject:
	default:
		return fmt.Errorf("COHORT_QUEUE_POLICY must be queue or reject, got %q", c.QueuePolicy)
	}
	switch c.DBDriver {
	case DriverSQLite:
	case DriverPostgres, DriverMySQL:
		if strings.TrimSpace(c.DBDSN) == "" {
			return fmt.Errorf("COHORT_DB_DSN is required for driver %q", c.DBDriver)
		}
	default:
		return fmt.Errorf("COHORT_DB_DRIVER must be sqlite, postgres or mysql, got %q", c.DBDriver)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("COHORT_PORT out of range: %d", c.Port)
	}
	if c.Workers < 1 {
		return fmt.Errorf("COHORT_WORKERS must be positive, got %d", c.Workers)
	}
	if c.RateHourly < 1 || c.RateBurst < 1 {
		return fmt.Errorf("rate limits must be positive (hourly=%d burst=%d)", c.RateHourly, c.RateBurst)
	}
	if c.ToolTimeout <= 0 || c.InstructionPoll <= 0 || c.EstopDeadline <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if _, err := ParseSchedule(c.EvolutionSweep); err != nil {
		return fmt.Errorf("COHORT_EVOLUTION_SWEEP: %w", err)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("COHORT_LOG_LEVEL must be debug, info, warn or error, got %q", c.LogLevel)
	}
	return nil
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ParseSchedule accepts either a Go duration ("1h") or a five-field cron
// expression ("0 * * * *") and returns the interval until the next firing
// as seen from now. Cron specs are resolved against time.Now at each call.
func ParseSchedule(spec string) (func(time.Time) time.Time, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("empty schedule")
	}
	if d, err := time.ParseDuration(spec); err == nil {
		if d <= 0 {
			return nil, fmt.Errorf("schedule duration must be positive, got %s", spec)
		}
		return func(from time.Time) time.Time { return from.Add(d) }, nil
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("schedule %q is neither a duration nor a cron expression: %w", spec, err)
	}
	return sched.Next, nil
}

// Summary returns a client-safe view for get_server_config. Key material
// is reported by presence only.
func (c *Config) Summary() map[string]any {
	return map[string]any{
		"host":                  c.Host,
		"port":                  c.Port,
		"transport":             c.Transport,
		"data_dir":              c.DataDir,
		"db_driver":             c.DBDriver,
		"workers":               c.Workers,
		"queue_policy":          c.QueuePolicy,
		"tool_timeout":          c.ToolTimeout.String(),
		"rate_hourly":           c.RateHourly,
		"rate_burst":            c.RateBurst,
		"rate_block":            c.RateBlock.String(),
		"evolution_sweep":       c.EvolutionSweep,
		"evolution_cooldown":    c.EvolutionCooldown.String(),
		"instruction_ttl":       c.InstructionTTL.String(),
		"instruction_poll":      c.InstructionPoll.String(),
		"max_workflow_duration": c.MaxWorkflowDuration.String(),
		"estop_deadline":        c.EstopDeadline.String(),
		"admin_key_set":         c.AdminKey != "",
		"stdio_key_set":         c.StdioKey != "",
		"log_level":             c.LogLevel,
		"otlp_endpoint_set":     c.OTLPEndpoint != "",
	}
}

// ProductionIssues lists conditions that make the current configuration
// unfit for production. Empty means production ready.
func (c *Config) ProductionIssues() []string {
	var issues []string
	if c.Transport != TransportStdio && c.StdioKey == "" && c.AdminKey == "" {
		issues = append(issues, "no pre-provisioned key material; admin key will be minted and printed at startup")
	}
	if c.DBDriver == DriverSQLite && strings.HasPrefix(c.DataDir, os.TempDir()) {
		issues = append(issues, "data dir is under the system temp directory")
	}
	if c.TestSeed != "" {
		issues = append(issues, "deterministic test seed is set")
	}
	if c.LogLevel == "debug" {
		issues = append(issues, "debug logging enabled")
	}
	return issues
}

func envStr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", key, raw)
	}
	return d, nil
}
