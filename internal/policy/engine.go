// Package policy implements the pure decision function that gates every
// remediation action. Built-in rules cover IP safety (whitelists, loopback,
// private ranges), destructive-action approval, and production caution;
// operators add CEL-based custom rules on top. Lowest priority number wins.
package policy

import (
	"fmt"
	"log/slog"
	"net/netip"
	"sort"

	"github.com/selairgi/socagents/internal/config"
	"github.com/selairgi/socagents/internal/soc"
)

// Verdict is the policy outcome for one action in context.
type Verdict string

const (
	Allow           Verdict = "allow"
	Deny            Verdict = "deny"
	RequireApproval Verdict = "require_approval"
	DryRunOnly      Verdict = "dry_run_only"
)

// ActionContext is everything the engine may consult. Evaluation never
// mutates it and touches no external state.
type ActionContext struct {
	Action      soc.Action
	Alert       *soc.Alert
	Environment string
	RealMode    bool
}

// Decision is a verdict plus the rule that produced it.
type Decision struct {
	Verdict  Verdict `json:"verdict"`
	Rule     string  `json:"rule"`
	Priority int     `json:"priority"`
	Message  string  `json:"message,omitempty"`
}

type builtinRule struct {
	name     string
	priority int
	verdict  Verdict
	message  string
	match    func(ctx ActionContext, e *Engine) bool
}

type customRule struct {
	name     string
	priority int
	verdict  Verdict
	message  string
	compiled CompiledRule
}

// Engine evaluates actions against the rule set. It is immutable after
// construction and safe for concurrent use.
type Engine struct {
	whitelist []netip.Prefix
	builtins  []builtinRule
	custom    []customRule
	evaluator *CELEvaluator
	logger    *slog.Logger
}

// NewEngine builds the engine from config. Whitelist entries may be single
// addresses or CIDR prefixes; invalid entries are an error, not a warning,
// because a silently dropped whitelist entry would let the system block an
// IP the operator meant to protect.
func NewEngine(cfg config.PolicyConfig, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		logger: logger.With("component", "policy.Engine"),
	}

	for _, raw := range cfg.WhitelistCIDRs {
		prefix, err := parsePrefixOrAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid whitelist entry %q: %w", raw, err)
		}
		e.whitelist = append(e.whitelist, prefix)
	}

	e.builtins = builtinRules()

	if len(cfg.CustomRules) > 0 {
		eval, err := NewCELEvaluator(logger)
		if err != nil {
			return nil, fmt.Errorf("create CEL evaluator: %w", err)
		}
		e.evaluator = eval
		for _, cr := range cfg.CustomRules {
			verdict, err := parseVerdict(cr.Decision)
			if err != nil {
				return nil, fmt.Errorf("custom rule %q: %w", cr.Name, err)
			}
			compiled, err := eval.Compile(cr.Condition)
			if err != nil {
				return nil, fmt.Errorf("custom rule %q: %w", cr.Name, err)
			}
			e.custom = append(e.custom, customRule{
				name:     cr.Name,
				priority: cr.Priority,
				verdict:  verdict,
				message:  cr.Message,
				compiled: compiled,
			})
		}
		sort.SliceStable(e.custom, func(i, j int) bool {
			return e.custom[i].priority < e.custom[j].priority
		})
	}

	return e, nil
}

// Evaluate returns the decision for the action. All matching rules are
// collected and the lowest priority number wins. A CEL evaluation error
// fails closed to REQUIRE_APPROVAL.
func (e *Engine) Evaluate(ctx ActionContext) Decision {
	best := Decision{Verdict: DryRunOnly, Rule: "default", Priority: 1000}

	consider := func(d Decision) {
		if d.Priority < best.Priority {
			best = d
		}
	}

	for _, r := range e.builtins {
		if r.match(ctx, e) {
			consider(Decision{Verdict: r.verdict, Rule: r.name, Priority: r.priority, Message: r.message})
		}
	}

	for _, r := range e.custom {
		matched, err := e.evaluator.Evaluate(r.compiled, ctx)
		if err != nil {
			e.logger.Warn("custom rule evaluation failed, failing closed",
				"rule", r.name, "error", err)
			consider(Decision{
				Verdict:  RequireApproval,
				Rule:     r.name,
				Priority: r.priority,
				Message:  "rule evaluation error, approval required",
			})
			continue
		}
		if matched {
			consider(Decision{Verdict: r.verdict, Rule: r.name, Priority: r.priority, Message: r.message})
		}
	}

	return best
}

func (e *Engine) isWhitelisted(addr netip.Addr) bool {
	for _, p := range e.whitelist {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// actionTargetIP parses the action parameter as an IP when the action kind
// targets one.
func actionTargetIP(ctx ActionContext) (netip.Addr, bool) {
	if ctx.Action.Kind != soc.ActionBlockIP {
		return netip.Addr{}, false
	}
	addr, err := netip.ParseAddr(ctx.Action.Parameter)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr, true
}

func builtinRules() []builtinRule {
	return []builtinRule{
		{
			name:     "whitelisted_target",
			priority: 5,
			verdict:  Deny,
			message:  "target is whitelisted, never block",
			match: func(ctx ActionContext, e *Engine) bool {
				addr, ok := actionTargetIP(ctx)
				return ok && e.isWhitelisted(addr)
			},
		},
		{
			name:     "loopback_or_reserved_target",
			priority: 10,
			verdict:  Deny,
			message:  "loopback and reserved addresses are never blocked",
			match: func(ctx ActionContext, e *Engine) bool {
				addr, ok := actionTargetIP(ctx)
				if !ok {
					return false
				}
				return addr.IsLoopback() || addr.IsMulticast() ||
					addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() ||
					addr.IsUnspecified()
			},
		},
		{
			name:     "private_target",
			priority: 20,
			verdict:  RequireApproval,
			message:  "blocking a private address requires approval",
			match: func(ctx ActionContext, e *Engine) bool {
				addr, ok := actionTargetIP(ctx)
				return ok && addr.IsPrivate()
			},
		},
		{
			name:     "destructive_action",
			priority: 25,
			verdict:  RequireApproval,
			message:  "destructive actions require approval",
			match: func(ctx ActionContext, e *Engine) bool {
				return ctx.Action.Destructive()
			},
		},
		{
			name:     "production_environment",
			priority: 30,
			verdict:  RequireApproval,
			message:  "production changes require approval",
			match: func(ctx ActionContext, e *Engine) bool {
				return ctx.Environment == "production"
			},
		},
	}
}

func parseVerdict(s string) (Verdict, error) {
	switch Verdict(s) {
	case Allow, Deny, RequireApproval, DryRunOnly:
		return Verdict(s), nil
	default:
		return "", fmt.Errorf("unknown decision %q", s)
	}
}

func parsePrefixOrAddr(raw string) (netip.Prefix, error) {
	if prefix, err := netip.ParsePrefix(raw); err == nil {
		return prefix, nil
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}
