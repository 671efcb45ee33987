package remediate

import (
	"fmt"
	"net/netip"
	"regexp"
	"strconv"
	"strings"

	"github.com/selairgi/socagents/internal/soc"
)

// ActionSpec describes one whitelisted action kind: how to validate its
// parameter and how risky executing it is.
type ActionSpec struct {
	Kind             soc.ActionKind
	RiskLevel        soc.Severity
	RequiresRealMode bool
	Validate         func(param string) error
}

var identifierRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:@-]{0,99}$`)

func validateIdentifier(param string) error {
	if !identifierRe.MatchString(param) {
		return fmt.Errorf("invalid identifier %q", param)
	}
	return nil
}

func validateIP(param string) error {
	if _, err := netip.ParseAddr(param); err != nil {
		return fmt.Errorf("invalid IP address %q: %w", param, err)
	}
	return nil
}

// validateRateParam accepts the rate-limit parameter forms the effector
// parses: a bare IP or "ip:limit:window_secs".
func validateRateParam(param string) error {
	if _, err := netip.ParseAddr(param); err == nil {
		return nil
	}
	parts := strings.Split(param, ":")
	if len(parts) > 3 {
		return fmt.Errorf("invalid rate limit parameter %q", param)
	}
	if err := validateIP(parts[0]); err != nil {
		return err
	}
	for _, p := range parts[1:] {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid rate limit parameter %q: %q is not a positive integer", param, p)
		}
	}
	return nil
}

func validateFreeText(param string) error {
	if param == "" {
		return fmt.Errorf("parameter must not be empty")
	}
	return nil
}

// Whitelist is the action catalogue. Only kinds listed here may ever
// execute; everything else fails validation.
type Whitelist struct {
	specs map[soc.ActionKind]*ActionSpec
}

// NewWhitelist builds the default action catalogue.
func NewWhitelist() *Whitelist {
	specs := []*ActionSpec{
		{Kind: soc.ActionBlockIP, RiskLevel: soc.SeverityHigh, RequiresRealMode: true, Validate: validateIP},
		{Kind: soc.ActionRateLimitIP, RiskLevel: soc.SeverityMedium, Validate: validateRateParam},
		{Kind: soc.ActionRateLimitUser, RiskLevel: soc.SeverityMedium, Validate: validateIdentifier},
		{Kind: soc.ActionTerminateSession, RiskLevel: soc.SeverityHigh, RequiresRealMode: true, Validate: validateIdentifier},
		{Kind: soc.ActionSuspendUser, RiskLevel: soc.SeverityHigh, RequiresRealMode: true, Validate: validateIdentifier},
		{Kind: soc.ActionIsolateAgent, RiskLevel: soc.SeverityCritical, RequiresRealMode: true, Validate: validateIdentifier},
		{Kind: soc.ActionFlagUser, RiskLevel: soc.SeverityMedium, Validate: validateIdentifier},
		{Kind: soc.ActionInitiateForensics, RiskLevel: soc.SeverityMedium, RequiresRealMode: true, Validate: validateIdentifier},
		{Kind: soc.ActionEnhancedMonitor, RiskLevel: soc.SeverityLow, Validate: validateIdentifier},
		{Kind: soc.ActionNotifyCompliance, RiskLevel: soc.SeverityLow, Validate: validateFreeText},
		{Kind: soc.ActionRequireReview, RiskLevel: soc.SeverityLow, Validate: validateIdentifier},
		{Kind: soc.ActionMonitor, RiskLevel: soc.SeverityLow, Validate: validateIdentifier},
	}
	w := &Whitelist{specs: make(map[soc.ActionKind]*ActionSpec, len(specs))}
	for _, s := range specs {
		w.specs[s.Kind] = s
	}
	return w
}

// CatalogueKinds returns every whitelisted action kind, for effector
// registration.
func CatalogueKinds() []soc.ActionKind {
	w := NewWhitelist()
	kinds := make([]soc.ActionKind, 0, len(w.specs))
	for kind := range w.specs {
		kinds = append(kinds, kind)
	}
	return kinds
}

// Spec returns the catalogue entry for a kind, or nil when the kind is not
// whitelisted.
func (w *Whitelist) Spec(kind soc.ActionKind) *ActionSpec {
	return w.specs[kind]
}

// ValidateAction checks the action against the catalogue: the kind must be
// whitelisted and the (sanitized) parameter must match the kind's format.
func (w *Whitelist) ValidateAction(a soc.Action) error {
	spec := w.specs[a.Kind]
	if spec == nil {
		return fmt.Errorf("action kind %q is not whitelisted", a.Kind)
	}
	if err := spec.Validate(a.Parameter); err != nil {
		return fmt.Errorf("action %s: %w", a.Kind, err)
	}
	return nil
}
