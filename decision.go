package tabula

import "context"

// Decision overrides row-level authorization for admin tools and tests.
// Decisions are set at Engine construction time via WithDecision, making
// the bypass explicit and visible in code.
type Decision int

type decisionKey struct{}

const (
	// DecisionUnset means no override: roles and ownership are checked.
	DecisionUnset Decision = iota

	// DecisionAllow skips authorization, as for a trusted internal caller.
	// Use for migrations, background jobs, or testing authorized paths.
	DecisionAllow

	// DecisionDeny refuses every read and write made for a principal.
	// Use for testing unauthorized code paths. Trusted (nil principal)
	// calls are unaffected.
	DecisionDeny
)

// WithDecisionContext returns a new context with the given decision.
// An Engine consults it only when built with WithContextDecision.
func WithDecisionContext(ctx context.Context, decision Decision) context.Context {
	return context.WithValue(ctx, decisionKey{}, decision)
}

// GetDecisionContext retrieves the decision from context.
// Returns DecisionUnset if no decision is set.
func GetDecisionContext(ctx context.Context) Decision {
	if decision, ok := ctx.Value(decisionKey{}).(Decision); ok {
		return decision
	}
	return DecisionUnset
}

// decision returns the override in effect for a call: the context decision
// when enabled and set, otherwise the engine's.
func (e *Engine) decision(ctx context.Context) Decision {
	if e.useContextDecision {
		if d := GetDecisionContext(ctx); d != DecisionUnset {
			return d
		}
	}
	return e.fixedDecision
}
