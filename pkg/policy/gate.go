// Package policy evaluates Rego policies against operation definitions
// before anything executes. Built-in policies cover the fleet conventions;
// operators add their own as .rego files in the policy directory.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/fleetwright/fleetwright/pkg/engine"
)

// Severity grades a policy.
type Severity string

const (
	// SeverityError violations block execution.
	SeverityError Severity = "error"

	// SeverityWarning violations are logged and execution continues.
	SeverityWarning Severity = "warning"
)

// Policy is one named Rego policy. Violations come from the policy
// package's deny set.
type Policy struct {
	Name     string
	Severity Severity
	Rego     string
}

// Violation is one deny result.
type Violation struct {
	Policy   string `json:"policy"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// Gate evaluates policies against operation definitions. It implements the
// orchestrator's pre-flight gate.
type Gate struct {
	mu       sync.RWMutex
	policies []Policy
	logger   zerolog.Logger
}

// NewGate creates a gate preloaded with the built-in policies.
func NewGate(logger zerolog.Logger) *Gate {
	return &Gate{
		policies: BuiltinPolicies(),
		logger:   logger.With().Str("component", "policy").Logger(),
	}
}

// LoadDir adds every .rego file under dir as an error-severity policy. A
// missing directory is not an error.
func (g *Gate) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read policy directory: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".rego") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("failed to read policy %s: %w", entry.Name(), err)
		}
		g.policies = append(g.policies, Policy{
			Name:     strings.TrimSuffix(entry.Name(), ".rego"),
			Severity: SeverityError,
			Rego:     string(data),
		})
		loaded++
	}
	g.logger.Info().Int("count", loaded).Str("dir", dir).Msg("policies loaded")
	return nil
}

// Evaluate implements engine.PolicyGate. Error-severity violations abort;
// warnings only log.
func (g *Gate) Evaluate(ctx context.Context, def *engine.OperationDefinition) error {
	violations, err := g.Check(ctx, def)
	if err != nil {
		return err
	}

	blocking := []string{}
	for _, v := range violations {
		if v.Severity == string(SeverityError) {
			blocking = append(blocking, fmt.Sprintf("%s: %s", v.Policy, v.Message))
			continue
		}
		g.logger.Warn().
			Str("operation", def.ID).
			Str("policy", v.Policy).
			Msg(v.Message)
	}
	if len(blocking) > 0 {
		return engine.NewValidationError(
			fmt.Sprintf("operation %s denied by policy: %s", def.ID, strings.Join(blocking, "; ")), nil).
			WithCode(engine.ErrCodePolicy).WithOperation(def.ID)
	}
	return nil
}

// Check evaluates every policy and returns the collected violations.
func (g *Gate) Check(ctx context.Context, def *engine.OperationDefinition) ([]Violation, error) {
	g.mu.RLock()
	policies := make([]Policy, len(g.policies))
	copy(policies, g.policies)
	g.mu.RUnlock()

	// Round-trip through JSON so the policy sees the document shape, not Go
	// struct internals.
	raw, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("failed to encode definition for policy input: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode definition for policy input: %w", err)
	}
	input := map[string]any{"operation": doc}
	var violations []Violation

	for _, p := range policies {
		query := fmt.Sprintf("data.%s.deny", packageName(p.Rego))
		r := rego.New(
			rego.Module(p.Name, p.Rego),
			rego.Query(query),
			rego.Input(input),
		)
		results, err := r.Eval(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate policy %s: %w", p.Name, err)
		}
		for _, result := range results {
			for _, expr := range result.Expressions {
				denies, ok := expr.Value.([]any)
				if !ok {
					continue
				}
				for _, d := range denies {
					violations = append(violations, toViolation(p, d))
				}
			}
		}
	}
	return violations, nil
}

func toViolation(p Policy, result any) Violation {
	v := Violation{Policy: p.Name, Severity: string(p.Severity)}
	switch r := result.(type) {
	case string:
		v.Message = r
	case map[string]any:
		if msg, ok := r["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := r["severity"].(string); ok {
			v.Severity = sev
		}
	default:
		v.Message = fmt.Sprintf("%v", result)
	}
	return v
}

// packageName extracts the package declaration from Rego source.
func packageName(source string) string {
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			fields := strings.Fields(trimmed)
			if len(fields) >= 2 {
				return fields[1]
			}
		}
	}
	return "fleetwright.policies"
}
