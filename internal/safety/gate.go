// Package safety implements the pre-execution authorization checkpoint every
// step passes through before its handler runs, plus the audit trail of those
// decisions.
package safety

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tessaro/chainkit/internal/expressions"
	"github.com/tessaro/chainkit/pkg/schema"
)

// Publisher receives safety events. Satisfied by *bus.CallbackBus.
type Publisher interface {
	Publish(ctx context.Context, event schema.Event) error
}

// CheckRequest describes the step about to execute.
type CheckRequest struct {
	ChainID   string
	StepID    string
	Operation string
	Target    string
	Actor     string
	StepMeta  map[string]any // handler, tags, service — visible to policies
	ChainMeta map[string]any // id, name, mode
}

// Decision is the gate's verdict for one step.
// Simulate means the step runs as a no-op dry run instead of touching the
// target; it is only set on allowed decisions.
type Decision struct {
	Allow    bool
	Simulate bool
	Reason   string
}

type tokenKey struct {
	operation string
	actor     string
}

// Gate evaluates, in order: the global emergency stop, target policies,
// per-(operation, actor) authorization tokens, and sandbox mode. Sandbox mode
// never denies — it downgrades the step to a simulated result so a chain can
// complete a dry run. Every decision lands in the audit sink.
type Gate struct {
	mu sync.RWMutex

	emergencyStop bool
	sandbox       bool

	// policies are CEL expressions over PolicyVariables; a target passes
	// validation when any policy returns true.
	policies []string
	cel      *expressions.CELEngine

	// authorizedTargets bypass policy validation entirely.
	authorizedTargets map[string]bool

	// tokenRequired marks operations that demand a valid token; tokens maps
	// (operation, actor) to expiry.
	tokenRequired map[string]bool
	tokens        map[tokenKey]time.Time

	audit  Sink
	bus    Publisher
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithPolicies sets the CEL target policies.
func WithPolicies(policies ...string) Option {
	return func(g *Gate) { g.policies = policies }
}

// WithSandbox starts the gate in sandbox mode.
func WithSandbox(on bool) Option {
	return func(g *Gate) { g.sandbox = on }
}

// WithPublisher attaches an event publisher for denials and emergency stops.
func WithPublisher(bus Publisher) Option {
	return func(g *Gate) { g.bus = bus }
}

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) { g.logger = logger }
}

// WithClock overrides the time source, for token expiry tests.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// NewGate creates a Gate writing decisions to the given audit sink.
// A nil sink falls back to an in-memory sink.
func NewGate(audit Sink, opts ...Option) (*Gate, error) {
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	if audit == nil {
		audit = NewMemorySink(DefaultMemorySinkCap)
	}
	g := &Gate{
		cel:               cel,
		authorizedTargets: make(map[string]bool),
		tokenRequired:     make(map[string]bool),
		tokens:            make(map[tokenKey]time.Time),
		audit:             audit,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Check runs the full decision ladder for one step. It never returns an
// error for a denial — denials are Decisions; errors mean the gate itself
// could not evaluate (bad policy, audit failure is logged but not fatal).
func (g *Gate) Check(ctx context.Context, req CheckRequest) (Decision, error) {
	decision, err := g.decide(ctx, req)
	if err != nil {
		return Decision{}, err
	}

	g.record(ctx, req, decision)

	if !decision.Allow {
		g.publish(ctx, schema.Event{
			ChainID:   req.ChainID,
			StepID:    req.StepID,
			Type:      schema.EventSafetyDenied,
			Timestamp: g.now().UTC(),
			Detail: map[string]any{
				"target": req.Target,
				"reason": decision.Reason,
			},
		})
	}
	return decision, nil
}

func (g *Gate) decide(ctx context.Context, req CheckRequest) (Decision, error) {
	g.mu.RLock()
	stopped := g.emergencyStop
	sandbox := g.sandbox
	policies := g.policies
	authorized := g.authorizedTargets[req.Target]
	g.mu.RUnlock()

	if stopped {
		return Decision{Reason: "emergency stop active"}, nil
	}

	if !authorized {
		if looksProduction(req.Target) {
			return Decision{Reason: "target looks like production and is not explicitly authorized"}, nil
		}
		if len(policies) > 0 {
			ok, err := g.anyPolicyAllows(ctx, req, policies)
			if err != nil {
				return Decision{}, err
			}
			if !ok {
				return Decision{Reason: "target denied by policy"}, nil
			}
		}
	}

	if ok, reason := g.tokenValid(req.Operation, req.Actor); !ok {
		return Decision{Reason: reason}, nil
	}

	if sandbox {
		return Decision{Allow: true, Simulate: true, Reason: "sandbox mode"}, nil
	}
	return Decision{Allow: true}, nil
}

func (g *Gate) anyPolicyAllows(ctx context.Context, req CheckRequest, policies []string) (bool, error) {
	data := map[string]any{
		"target":    req.Target,
		"operation": req.Operation,
		"step":      req.StepMeta,
		"chain":     req.ChainMeta,
	}
	for _, policy := range policies {
		ok, err := g.cel.EvaluateBool(ctx, policy, data)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (g *Gate) tokenValid(operation, actor string) (bool, string) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if !g.tokenRequired[operation] {
		return true, ""
	}
	expiry, ok := g.tokens[tokenKey{operation: operation, actor: actor}]
	if !ok {
		return false, "no authorization token for operation " + operation
	}
	if g.now().After(expiry) {
		return false, "authorization token expired for operation " + operation
	}
	return true, ""
}

// EmergencyStop flips the global kill switch. Once set, every check denies
// until Resume is called.
func (g *Gate) EmergencyStop(ctx context.Context, reason string) {
	g.mu.Lock()
	g.emergencyStop = true
	g.mu.Unlock()

	if g.logger != nil {
		g.logger.Warn("emergency stop engaged", slog.String("reason", reason))
	}
	g.publish(ctx, schema.Event{
		Type:      schema.EventEmergencyStop,
		Timestamp: g.now().UTC(),
		Detail:    map[string]any{"reason": reason},
	})
}

// Resume clears the emergency stop.
func (g *Gate) Resume() {
	g.mu.Lock()
	g.emergencyStop = false
	g.mu.Unlock()
}

// Stopped reports whether the emergency stop is active.
func (g *Gate) Stopped() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.emergencyStop
}

// SetSandbox toggles sandbox mode.
func (g *Gate) SetSandbox(on bool) {
	g.mu.Lock()
	g.sandbox = on
	g.mu.Unlock()
}

// Sandbox reports whether sandbox mode is active.
func (g *Gate) Sandbox() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.sandbox
}

// AuthorizeTarget explicitly authorizes a target, bypassing policy
// validation and the production heuristic.
func (g *Gate) AuthorizeTarget(target string) {
	g.mu.Lock()
	g.authorizedTargets[target] = true
	g.mu.Unlock()
}

// RevokeTarget removes an explicit target authorization.
func (g *Gate) RevokeTarget(target string) {
	g.mu.Lock()
	delete(g.authorizedTargets, target)
	g.mu.Unlock()
}

// RequireToken marks an operation as token-gated.
func (g *Gate) RequireToken(operation string) {
	g.mu.Lock()
	g.tokenRequired[operation] = true
	g.mu.Unlock()
}

// GrantToken issues an authorization token for (operation, actor) valid for
// the given duration.
func (g *Gate) GrantToken(operation, actor string, ttl time.Duration) {
	g.mu.Lock()
	g.tokens[tokenKey{operation: operation, actor: actor}] = g.now().Add(ttl)
	g.mu.Unlock()
}

// looksProduction flags targets whose name suggests a production system.
func looksProduction(target string) bool {
	t := strings.ToLower(target)
	for _, marker := range []string{"prod", "production", "live."} {
		if strings.Contains(t, marker) {
			return true
		}
	}
	return false
}

func (g *Gate) record(ctx context.Context, req CheckRequest, d Decision) {
	rec := Record{
		Time:      g.now().UTC(),
		ChainID:   req.ChainID,
		StepID:    req.StepID,
		Operation: req.Operation,
		Target:    req.Target,
		Actor:     req.Actor,
		Allowed:   d.Allow,
		Simulated: d.Simulate,
		Reason:    d.Reason,
	}
	if err := g.audit.Append(ctx, rec); err != nil && g.logger != nil {
		g.logger.Error("audit append failed", slog.String("error", err.Error()))
	}
}

func (g *Gate) publish(ctx context.Context, event schema.Event) {
	if g.bus == nil {
		return
	}
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	_ = g.bus.Publish(ctx, event)
}
