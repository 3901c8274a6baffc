// Package whitelist gates every outbound remote command against a closed,
// named catalog of command shapes.
package whitelist

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/openfroyo/driftwatch/pkg/engine"
	"github.com/openfroyo/driftwatch/pkg/telemetry"
	"github.com/rs/zerolog"
)

// Metacharacters are refused anywhere in a command, before any catalog lookup.
var Metacharacters = []string{";", "|", "&", "`", "$(", ">", "<"}

// Rejection reasons.
const (
	ReasonMetacharacter    = "metacharacter"
	ReasonUnknownAction    = "unknown_action"
	ReasonPatternMismatch  = "pattern_mismatch"
	ReasonInvalidParameter = "invalid_parameter"
)

// Placeholders are lower snake case so that literal braces such as dpkg-query
// format fields are left alone.
var placeholderRe = regexp.MustCompile(`\{([a-z_][a-z0-9_]*)\}`)

type compiledRule struct {
	re        *regexp.Regexp
	maxLength int
}

type compiledAction struct {
	action Action
	// matcher is nil for patterns without placeholders.
	matcher *regexp.Regexp
	names   []string
}

// Validator checks command lines against a compiled catalog. It is safe for
// concurrent use; the catalog is immutable once compiled.
type Validator struct {
	actions map[string]*compiledAction
	rules   map[string]*compiledRule
	logger  zerolog.Logger
	metrics *telemetry.Metrics
}

// Option configures a Validator.
type Option func(*Validator)

// WithLogger sets the logger used for rejection warnings.
func WithLogger(logger zerolog.Logger) Option {
	return func(v *Validator) {
		v.logger = logger.With().Str("component", "whitelist").Logger()
	}
}

// WithMetrics counts rejections.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(v *Validator) {
		v.metrics = m
	}
}

// New compiles catalog into a Validator. Every placeholder used by an action
// must have a rule.
func New(catalog *Catalog, opts ...Option) (*Validator, error) {
	if catalog == nil {
		catalog = DefaultCatalog()
	}

	v := &Validator{
		actions: make(map[string]*compiledAction, len(catalog.Actions)),
		rules:   make(map[string]*compiledRule, len(catalog.Rules)),
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(v)
	}

	for name, rule := range catalog.Rules {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid rule for placeholder %s: %w", name, err)
		}
		v.rules[name] = &compiledRule{re: re, maxLength: rule.MaxLength}
	}

	for _, action := range catalog.Actions {
		if _, dup := v.actions[action.Type]; dup {
			return nil, fmt.Errorf("duplicate action type: %s", action.Type)
		}
		for _, m := range Metacharacters {
			if strings.Contains(action.Pattern, m) {
				return nil, fmt.Errorf("action %s: pattern contains metacharacter %q", action.Type, m)
			}
		}

		ca, err := compileAction(action)
		if err != nil {
			return nil, err
		}
		for _, name := range ca.names {
			if _, ok := v.rules[name]; !ok {
				return nil, fmt.Errorf("action %s: no rule for placeholder %s", action.Type, name)
			}
		}
		v.actions[action.Type] = ca
	}

	return v, nil
}

// compileAction reverses a pattern into an anchored regexp with one capture group
// per placeholder occurrence. Literal text is quoted.
func compileAction(action Action) (*compiledAction, error) {
	locs := placeholderRe.FindAllStringSubmatchIndex(action.Pattern, -1)
	if len(locs) == 0 {
		return &compiledAction{action: action}, nil
	}

	var b strings.Builder
	b.WriteString("^")
	names := make([]string, 0, len(locs))
	last := 0
	for _, loc := range locs {
		b.WriteString(regexp.QuoteMeta(action.Pattern[last:loc[0]]))
		b.WriteString("(.+?)")
		names = append(names, action.Pattern[loc[2]:loc[3]])
		last = loc[1]
	}
	b.WriteString(regexp.QuoteMeta(action.Pattern[last:]))
	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("action %s: failed to compile pattern: %w", action.Type, err)
	}

	return &compiledAction{action: action, matcher: re, names: names}, nil
}

// IsWhitelisted reports whether command is an acceptable instance of actionType.
func (v *Validator) IsWhitelisted(command, actionType string) bool {
	return v.Check(command, actionType) == nil
}

// Check validates command against actionType and returns the rejection as an error.
// Unknown action types are catalog errors; every other rejection is a security rejection.
func (v *Validator) Check(command, actionType string) error {
	for _, m := range Metacharacters {
		if strings.Contains(command, m) {
			return v.reject(command, actionType, ReasonMetacharacter,
				fmt.Sprintf("contains shell metacharacter %q", m))
		}
	}

	ca, ok := v.actions[actionType]
	if !ok {
		return v.reject(command, actionType, ReasonUnknownAction, "action type is not in the catalog")
	}

	if ca.matcher == nil {
		if command != ca.action.Pattern {
			return v.reject(command, actionType, ReasonPatternMismatch, "command does not match the action exactly")
		}
		return nil
	}

	groups := ca.matcher.FindStringSubmatch(command)
	if groups == nil {
		return v.reject(command, actionType, ReasonPatternMismatch, "command does not match the action pattern")
	}

	seen := make(map[string]string, len(ca.names))
	for i, name := range ca.names {
		value := groups[i+1]
		if prev, ok := seen[name]; ok && prev != value {
			return v.reject(command, actionType, ReasonInvalidParameter,
				fmt.Sprintf("placeholder %s bound to different values", name))
		}
		seen[name] = value

		rule := v.rules[name]
		if len(value) > rule.maxLength {
			return v.reject(command, actionType, ReasonInvalidParameter,
				fmt.Sprintf("placeholder %s exceeds %d characters", name, rule.maxLength))
		}
		if !rule.re.MatchString(value) {
			return v.reject(command, actionType, ReasonInvalidParameter,
				fmt.Sprintf("placeholder %s has invalid value %q", name, value))
		}
	}

	return nil
}

func (v *Validator) reject(command, actionType, reason, detail string) error {
	v.logger.Warn().
		Str("command", command).
		Str("action_type", actionType).
		Str("reason", reason).
		Msg("Command rejected: " + detail)
	v.metrics.RecordCommandRejected(actionType, reason)

	if reason == ReasonUnknownAction {
		return engine.NewCatalogError("unknown action type "+actionType, nil).
			WithCode(engine.ErrCodeUnknownAction).
			WithOperation("whitelist")
	}
	return engine.NewSecurityRejection("command rejected: "+detail, nil).
		WithOperation(actionType).
		WithDetail("reason", reason)
}

// Actions returns the known action types in sorted order.
func (v *Validator) Actions() []string {
	types := make([]string, 0, len(v.actions))
	for t := range v.actions {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Describe returns the pattern and description of actionType.
func (v *Validator) Describe(actionType string) (Action, bool) {
	ca, ok := v.actions[actionType]
	if !ok {
		return Action{}, false
	}
	return ca.action, true
}
