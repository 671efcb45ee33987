package remediate

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/selairgi/socagents/internal/soc"
)

// Effector applies one action kind to the world. Execute returns a short
// human-readable result on success.
type Effector interface {
	Name() string
	Execute(ctx context.Context, action soc.Action, playbook *soc.Playbook) (string, error)
}

// Registry dispatches actions to effectors, wrapping each effector in its
// own circuit breaker and retry loop.
type Registry struct {
	effectors map[soc.ActionKind]Effector
	breakers  map[string]*gobreaker.CircuitBreaker
	timeout   time.Duration
	logger    *slog.Logger
}

const (
	retryAttempts   = 3
	retryBase       = 250 * time.Millisecond
	breakerFailures = 5
	breakerCooldown = 60 * time.Second
)

// NewRegistry creates a Registry with per-effector breakers.
func NewRegistry(timeout time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Registry{
		effectors: make(map[soc.ActionKind]Effector),
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
		timeout:   timeout,
		logger:    logger.With("component", "remediate.Registry"),
	}
}

// Register binds an effector to an action kind.
func (r *Registry) Register(kind soc.ActionKind, e Effector) {
	r.effectors[kind] = e
	if _, ok := r.breakers[e.Name()]; !ok {
		name := e.Name()
		r.breakers[name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    name,
			Timeout: breakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= breakerFailures
			},
			OnStateChange: func(n string, from, to gobreaker.State) {
				r.logger.Warn("effector breaker state change",
					"effector", n, "from", from.String(), "to", to.String())
			},
		})
	}
}

// Dispatch executes the action through its effector with retries and the
// effector's circuit breaker. An open breaker fails fast.
func (r *Registry) Dispatch(ctx context.Context, action soc.Action, playbook *soc.Playbook) (string, error) {
	e, ok := r.effectors[action.Kind]
	if !ok {
		return "", fmt.Errorf("no effector registered for kind %q", action.Kind)
	}
	cb := r.breakers[e.Name()]

	var lastErr error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			backoff := retryBase * (1 << (attempt - 1))
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}

		result, err := cb.Execute(func() (interface{}, error) {
			callCtx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			return e.Execute(callCtx, action, playbook)
		})
		if err == nil {
			return result.(string), nil
		}
		lastErr = err
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			// Open breaker: retrying immediately cannot help.
			return "", fmt.Errorf("effector %s unavailable: %w", e.Name(), err)
		}
		r.logger.Warn("effector call failed",
			"effector", e.Name(), "kind", action.Kind, "attempt", attempt+1, "error", err)
	}
	return "", fmt.Errorf("effector %s failed after %d attempts: %w", e.Name(), retryAttempts, lastErr)
}

// StateEffector applies actions to the in-process RemediationState. It is
// the default effector for every whitelisted kind; deployments swap in
// cloud-backed effectors per kind as needed.
type StateEffector struct {
	state    *State
	blockTTL time.Duration
	limit    int
	window   time.Duration
	logger   *slog.Logger
}

// NewStateEffector creates the default effector.
func NewStateEffector(state *State, blockTTL time.Duration, rateLimit int, rateWindow time.Duration, logger *slog.Logger) *StateEffector {
	if logger == nil {
		logger = slog.Default()
	}
	if blockTTL <= 0 {
		blockTTL = time.Hour
	}
	return &StateEffector{
		state:    state,
		blockTTL: blockTTL,
		limit:    rateLimit,
		window:   rateWindow,
		logger:   logger.With("component", "remediate.StateEffector"),
	}
}

func (e *StateEffector) Name() string { return "state" }

func (e *StateEffector) Execute(ctx context.Context, action soc.Action, playbook *soc.Playbook) (string, error) {
	switch action.Kind {
	case soc.ActionBlockIP:
		reason := "playbook " + playbook.ID
		if err := e.state.BlockIP(ctx, action.Parameter, reason, playbook.AlertID, e.blockTTL); err != nil {
			return "", err
		}
		return fmt.Sprintf("blocked %s for %s", action.Parameter, e.blockTTL), nil

	case soc.ActionRateLimitIP:
		id, limit, window := e.parseRateParam(action.Parameter)
		if err := e.state.SetRateLimit(ctx, "ip", id, limit, window); err != nil {
			return "", err
		}
		return fmt.Sprintf("rate limited ip %s to %d/%s", id, limit, window), nil

	case soc.ActionRateLimitUser:
		id, limit, window := e.parseRateParam(action.Parameter)
		if err := e.state.SetRateLimit(ctx, "user", id, limit, window); err != nil {
			return "", err
		}
		return fmt.Sprintf("rate limited user %s to %d/%s", id, limit, window), nil

	case soc.ActionTerminateSession:
		if err := e.state.TerminateSession(ctx, action.Parameter); err != nil {
			return "", err
		}
		return "terminated session " + action.Parameter, nil

	case soc.ActionSuspendUser:
		if err := e.state.SuspendUser(ctx, action.Parameter); err != nil {
			return "", err
		}
		return "suspended user " + action.Parameter, nil

	case soc.ActionIsolateAgent:
		// Isolation reuses the suspension mirror keyed by agent id.
		if err := e.state.SuspendUser(ctx, "agent:"+action.Parameter); err != nil {
			return "", err
		}
		return "isolated agent " + action.Parameter, nil

	case soc.ActionFlagUser:
		e.state.FlagUser(action.Parameter)
		return "flagged user " + action.Parameter, nil

	case soc.ActionEnhancedMonitor:
		e.state.EnableMonitoring(action.Parameter, 4*time.Hour)
		return "enhanced monitoring on " + action.Parameter, nil

	case soc.ActionInitiateForensics:
		e.logger.Info("forensics snapshot requested",
			"session", action.Parameter, "playbook", playbook.ID)
		return "forensics initiated for " + action.Parameter, nil

	case soc.ActionNotifyCompliance, soc.ActionRequireReview, soc.ActionMonitor:
		e.logger.Info("advisory action recorded",
			"kind", action.Kind, "parameter", action.Parameter, "playbook", playbook.ID)
		return string(action.Kind) + " recorded", nil

	default:
		return "", fmt.Errorf("unsupported action kind %q", action.Kind)
	}
}

// parseRateParam splits "entity[:limit[:window_secs]]" with defaults from
// config when the suffix is absent.
func (e *StateEffector) parseRateParam(param string) (string, int, time.Duration) {
	parts := strings.Split(param, ":")
	id := parts[0]
	limit := e.limit
	window := e.window
	if limit <= 0 {
		limit = 5
	}
	if window <= 0 {
		window = 2 * time.Minute
	}
	if len(parts) > 1 {
		if n, err := strconv.Atoi(parts[1]); err == nil && n > 0 {
			limit = n
		}
	}
	if len(parts) > 2 {
		if n, err := strconv.Atoi(parts[2]); err == nil && n > 0 {
			window = time.Duration(n) * time.Second
		}
	}
	return id, limit, window
}
