package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage"
	"github.com/open-policy-agent/opa/v1/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/openfroyo/cumulus/pkg/engine"
)

// Engine evaluates Rego policies against intents. It implements
// engine.IntentPolicy.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	paths    []string
	store    storage.Store
	logger   zerolog.Logger
	now      func() time.Time
}

type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

var _ engine.IntentPolicy = (*Engine)(nil)

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		store:    inmem.New(),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
		now:      time.Now,
	}

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	return e, nil
}

// CheckIntent rejects intents with blocking violations. Warnings are
// logged. A policy that fails to evaluate is logged and skipped.
func (e *Engine) CheckIntent(ctx context.Context, intent *engine.Intent) error {
	input, err := NewInput(intent, e.now())
	if err != nil {
		return engine.NewValidationError("failed to build policy input", err)
	}

	result, err := e.Evaluate(ctx, input)
	if err != nil {
		return err
	}

	for _, w := range result.Warnings {
		e.logger.Warn().
			Str("policy", w.Policy).
			Str("tenant", intent.Tenant).
			Str("kind", input.Intent.Kind).
			Msg(w.Message)
	}

	if result.Allowed {
		return nil
	}

	msgs := make([]string, 0, len(result.Violations))
	for _, v := range result.Violations {
		msgs = append(msgs, v.Message)
	}
	return engine.NewValidationError(strings.Join(msgs, "; "), nil).
		WithCode(engine.ErrCodePolicyDenied).
		WithDetail("violations", result.Violations)
}

// NewInput converts an intent to the policy input document.
func NewInput(intent *engine.Intent, now time.Time) (*Input, error) {
	if intent == nil || intent.Spec == nil {
		return nil, fmt.Errorf("intent has no spec")
	}

	data, err := json.Marshal(intent.Spec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode spec: %w", err)
	}
	spec := make(map[string]interface{})
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to decode spec: %w", err)
	}

	return &Input{
		Intent: IntentInput{
			Tenant:   intent.Tenant,
			Kind:     string(intent.Spec.Kind()),
			Name:     engine.SpecName(intent.Spec),
			ParentID: intent.ParentID,
			Spec:     spec,
		},
		Context: Context{
			Timestamp: now,
			Operation: string(engine.OperationCreate),
		},
	}, nil
}

// Evaluate runs every enabled policy against input, in name order.
func (e *Engine) Evaluate(ctx context.Context, input *Input) (*Result, error) {
	startTime := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{Allowed: true}

	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.logger.Error().Err(err).
				Str("policy", name).
				Msg("Policy evaluation failed")
			result.Errors = append(result.Errors, fmt.Sprintf("policy %s evaluation failed: %v", name, err))
			continue
		}

		for _, v := range violations {
			if v.Severity.Blocking() {
				result.Allowed = false
				result.Violations = append(result.Violations, v)
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
	}

	result.EvaluatedAt = time.Now()
	result.Duration = time.Since(startTime)

	e.logger.Debug().
		Str("kind", input.Intent.Kind).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Dur("duration", result.Duration).
		Msg("Intent policy evaluation completed")

	return result, nil
}

func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, r := range results {
		if len(r.Expressions) == 0 {
			continue
		}
		denySet, ok := r.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, newViolation(cp.policy, d))
		}
	}
	return violations, nil
}

// newViolation accepts either a message string or an object with message,
// severity and remediation keys.
func newViolation(policy *Policy, value interface{}) Violation {
	v := Violation{
		Policy:   policy.Name,
		Severity: policy.Severity,
	}

	switch d := value.(type) {
	case string:
		v.Message = d
	case map[string]interface{}:
		if msg, ok := d["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := d["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
		if rem, ok := d["remediation"].(string); ok {
			v.Remediation = rem
		}
	default:
		v.Message = fmt.Sprintf("%v", value)
	}
	return v
}

// compile parses the module, derives its package and prepares the query for
// its deny set.
func (e *Engine) compile(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name+".rego", policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	if module == nil {
		return nil, fmt.Errorf("policy %s is empty", policy.Name)
	}

	r := rego.New(
		rego.ParsedModule(module),
		rego.Store(e.store),
		rego.Query(module.Package.Path.String()+".deny"),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	return &compiledPolicy{
		policy:   policy,
		query:    query,
		compiled: time.Now(),
	}, nil
}

func (e *Engine) compileAll(ctx context.Context, policies []Policy) (map[string]*compiledPolicy, error) {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		p := policies[i]
		cp, err := e.compile(ctx, &p)
		if err != nil {
			return nil, fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		compiled[p.Name] = cp
	}
	return compiled, nil
}

func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	builtins := GetBuiltinPolicies()
	compiled, err := e.compileAll(ctx, builtins)
	if err != nil {
		return err
	}

	e.mu.Lock()
	for name, cp := range compiled {
		e.policies[name] = cp
	}
	e.mu.Unlock()

	e.logger.Info().
		Int("count", len(builtins)).
		Msg("Built-in policies loaded")
	return nil
}

// LoadPolicies loads policy files and directories on top of the current
// set. Nothing is installed unless every policy compiles. The paths are
// remembered for ReloadPolicies.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	compiled, err := e.compileAll(ctx, policies)
	if err != nil {
		return err
	}

	e.mu.Lock()
	for name, cp := range compiled {
		e.policies[name] = cp
	}
	e.paths = append(e.paths, paths...)
	e.mu.Unlock()

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")
	return nil
}

// SetPolicies replaces the loaded policies with the built-ins plus
// policies. It is the reload callback of Loader.Watch. Enable state of
// policies that survive the reload is kept.
func (e *Engine) SetPolicies(ctx context.Context, policies []Policy) error {
	all := append(GetBuiltinPolicies(), policies...)
	compiled, err := e.compileAll(ctx, all)
	if err != nil {
		return err
	}

	e.mu.Lock()
	for name, cp := range compiled {
		if old, ok := e.policies[name]; ok {
			cp.policy.Enabled = old.policy.Enabled
		}
	}
	e.policies = compiled
	e.mu.Unlock()

	e.logger.Info().
		Int("count", len(all)).
		Msg("Policies replaced")
	return nil
}

// ReloadPolicies rereads the paths given to LoadPolicies.
func (e *Engine) ReloadPolicies(ctx context.Context) error {
	e.mu.RLock()
	paths := append([]string(nil), e.paths...)
	e.mu.RUnlock()

	var policies []Policy
	if len(paths) > 0 {
		loaded, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
		if err != nil {
			return fmt.Errorf("failed to reload policies: %w", err)
		}
		policies = loaded
	}
	return e.SetPolicies(ctx, policies)
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, engine.NewNotFoundError("policy", name)
	}
	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies ordered by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return engine.NewNotFoundError("policy", name)
	}
	cp.policy.Enabled = enabled

	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}

// sortedNames must be called with the lock held.
func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
