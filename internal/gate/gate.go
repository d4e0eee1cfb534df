// Package gate is the security pipeline every tool call passes through:
// authenticate, authorize, rate-limit, validate, then audit. The gate knows
// nothing about individual tools beyond their name and read-only flag.
package gate

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/evolvant/cohort/internal/audit"
	"github.com/evolvant/cohort/internal/auth"
	"github.com/evolvant/cohort/internal/fault"
	"github.com/evolvant/cohort/internal/ratelimit"
	"github.com/evolvant/cohort/internal/validate"
)

type ctxKey int

const credentialKey ctxKey = 0

// WithCredential stashes the caller's plaintext credential in the context.
// The HTTP middleware sets it from the X-API-Key header; the stdio frontend
// sets it once at startup from the environment.
func WithCredential(ctx context.Context, credential string) context.Context {
	return context.WithValue(ctx, credentialKey, credential)
}

// CredentialFrom extracts the credential, if present.
func CredentialFrom(ctx context.Context) string {
	if v, ok := ctx.Value(credentialKey).(string); ok {
		return v
	}
	return ""
}

// Caller identifies an admitted client for the duration of one tool call.
type Caller struct {
	KeyID   string
	KeyName string
}

// Gate runs the admission pipeline.
type Gate struct {
	keys    *auth.Store
	limiter *ratelimit.Limiter
	journal *audit.Journal
	logger  *zap.Logger
}

// New assembles a gate.
func New(keys *auth.Store, limiter *ratelimit.Limiter, journal *audit.Journal, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{keys: keys, limiter: limiter, journal: journal, logger: logger}
}

// Admit runs authentication, authorization, rate limiting and argument
// validation for one call of tool. rawArgs is the decoded argument tree
// (may be nil for zero-argument tools). On success it returns the caller
// identity; on failure it records the rejection and returns a typed error.
func (g *Gate) Admit(ctx context.Context, tool string, readOnly bool, rawArgs any) (Caller, error) {
	credential := CredentialFrom(ctx)
	key, err := g.keys.Authenticate(credential)
	if err != nil {
		g.reject("", "", tool, audit.OutcomeDenied, "authentication failed")
		return Caller{}, fault.New(fault.Unauthenticated, "invalid or missing API key")
	}
	caller := Caller{KeyID: key.ID, KeyName: key.Name}

	if !key.Can(tool) {
		g.reject(key.ID, key.Name, tool, audit.OutcomeDenied, "permission denied")
		return caller, fault.Newf(fault.Forbidden, "key %q may not call %s", key.Name, tool)
	}

	if d := g.limiter.Allow(key.ID, readOnly); !d.Allowed {
		g.reject(key.ID, key.Name, tool, audit.OutcomeRateLimited, d.Reason)
		return caller, fault.New(fault.RateLimited, d.Reason)
	}

	if rawArgs != nil {
		if err := validate.Walk(rawArgs); err != nil {
			g.reject(key.ID, key.Name, tool, audit.OutcomeInvalid, err.Error())
			return caller, fault.Wrap(fault.InvalidArgument, err, err.Error())
		}
	}

	g.journal.Record(audit.Record{
		ClientID:  key.ID,
		KeyName:   key.Name,
		Tool:      tool,
		ArgDigest: audit.DigestArgs(rawArgs),
		Outcome:   audit.OutcomeStarted,
	})
	return caller, nil
}

// Finish records the completion half of the audit pair.
func (g *Gate) Finish(caller Caller, tool string, started time.Time, err error) {
	rec := audit.Record{
		ClientID:  caller.KeyID,
		KeyName:   caller.KeyName,
		Tool:      tool,
		Outcome:   audit.OutcomeOK,
		LatencyMS: time.Since(started).Milliseconds(),
	}
	if err != nil {
		rec.Outcome = audit.OutcomeError
		rec.Detail = validate.Redact(err.Error())
		rec.CorrelationID = fault.CorrelationOf(err)
	}
	g.journal.Record(rec)

	if err != nil {
		g.logger.Warn("tool call failed",
			zap.String("tool", tool),
			zap.String("kind", string(fault.KindOf(err))),
			zap.String("correlation_id", rec.CorrelationID),
			zap.Error(err))
	}
}

func (g *Gate) reject(keyID, keyName, tool string, outcome audit.Outcome, detail string) {
	g.journal.Record(audit.Record{
		ClientID: keyID,
		KeyName:  keyName,
		Tool:     tool,
		Outcome:  outcome,
		Detail:   detail,
	})
}
