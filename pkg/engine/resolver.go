package engine

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// tokenPattern matches {{TOKEN}} placeholders in command templates.
var tokenPattern = regexp.MustCompile(`\{\{([A-Za-z_][A-Za-z0-9_]*)\}\}`)

// Resolver turns an operation definition plus user parameters into a
// concrete, executable operation. Resolution runs entirely before any side
// effect: parameter priority, type checks, template rendering, and the
// optional idempotency probe.
type Resolver struct {
	config   ConfigProvider
	probes   ProbeRunner
	validate *validator.Validate
	logger   zerolog.Logger
}

// NewResolver creates a resolver. A nil config provider resolves no
// config-mapped parameters; a nil probe runner falls back to shelling out.
func NewResolver(config ConfigProvider, probes ProbeRunner, logger zerolog.Logger) *Resolver {
	if config == nil {
		config = ConfigMap{}
	}
	if probes == nil {
		probes = &ShellProbeRunner{}
	}
	return &Resolver{
		config:   config,
		probes:   probes,
		validate: validator.New(),
		logger:   logger.With().Str("component", "resolver").Logger(),
	}
}

// ValidateDefinition statically checks a definition before any resolution:
// struct constraints, closed enum sets, duplicate parameter names, and that
// every template token has a declared parameter.
func (r *Resolver) ValidateDefinition(def *OperationDefinition) error {
	if def == nil {
		return NewValidationError("operation definition is nil", nil).
			WithCode(ErrCodeBadDefinition)
	}

	if err := r.validate.Struct(def); err != nil {
		return NewValidationError(fmt.Sprintf("definition %s failed validation", def.ID), err).
			WithCode(ErrCodeBadDefinition).WithOperation(def.ID)
	}

	if !ValidModes[def.Mode] {
		return NewValidationError(fmt.Sprintf("unknown execution mode %q", def.Mode), nil).
			WithCode(ErrCodeBadDefinition).WithOperation(def.ID)
	}
	if !ValidCategories[def.Duration.Type] {
		return NewValidationError(fmt.Sprintf("unknown duration type %q", def.Duration.Type), nil).
			WithCode(ErrCodeBadDefinition).WithOperation(def.ID)
	}
	if def.Duration.Timeout.Duration <= 0 {
		return NewValidationError("duration.timeout must be positive", nil).
			WithCode(ErrCodeBadDefinition).WithOperation(def.ID)
	}

	seen := make(map[string]bool, len(def.Params))
	for _, p := range def.Params {
		if seen[p.Name] {
			return NewValidationError(fmt.Sprintf("duplicate parameter %q", p.Name), nil).
				WithCode(ErrCodeBadDefinition).WithOperation(def.ID)
		}
		seen[p.Name] = true
		if !ValidParamTypes[p.Type] {
			return NewValidationError(fmt.Sprintf("parameter %q has unknown type %q", p.Name, p.Type), nil).
				WithCode(ErrCodeBadDefinition).WithOperation(def.ID)
		}
	}

	for _, tok := range templateTokens(def.Template.Command) {
		if !seen[tok] {
			return NewValidationError(
				fmt.Sprintf("template token {{%s}} has no declared parameter", tok), nil).
				WithCode(ErrCodeUnresolvedToken).WithOperation(def.ID)
		}
	}

	if def.Duration.Type == CategoryHeartbeat && !seen["target"] {
		return NewValidationError("heartbeat operations must declare a target parameter", nil).
			WithCode(ErrCodeBadDefinition).WithOperation(def.ID)
	}

	if def.Idempotency.Enabled && def.Idempotency.CheckCommand == "" {
		return NewValidationError("idempotency enabled without check_command", nil).
			WithCode(ErrCodeBadDefinition).WithOperation(def.ID)
	}

	return nil
}

// ResolveParameters resolves every declared parameter through the fixed
// priority chain: explicit user value, then config mapping, then schema
// default. A required parameter that resolves nowhere is a hard error, as is
// a value whose dynamic type contradicts the declared type.
func (r *Resolver) ResolveParameters(def *OperationDefinition, userParams map[string]any) (map[string]any, error) {
	resolved := make(map[string]any, len(def.Params))

	for _, spec := range def.Params {
		value, source, found := r.lookupParam(spec, userParams)
		if !found {
			if spec.Required {
				return nil, NewValidationError(
					fmt.Sprintf("required parameter %q has no value", spec.Name), nil).
					WithCode(ErrCodeMissingParameter).WithOperation(def.ID)
			}
			continue
		}

		coerced, err := coerceParam(spec, value)
		if err != nil {
			return nil, NewValidationError(
				fmt.Sprintf("parameter %q: %v", spec.Name, err), nil).
				WithCode(ErrCodeTypeMismatch).WithOperation(def.ID)
		}
		resolved[spec.Name] = coerced

		r.logger.Debug().
			Str("operation", def.ID).
			Str("param", spec.Name).
			Str("source", source).
			Msg("parameter resolved")
	}

	// Reject unknown user parameters so typos do not silently vanish.
	declared := make(map[string]bool, len(def.Params))
	for _, spec := range def.Params {
		declared[spec.Name] = true
	}
	for name := range userParams {
		if !declared[name] {
			return nil, NewValidationError(
				fmt.Sprintf("unknown parameter %q", name), nil).
				WithCode(ErrCodeMissingParameter).WithOperation(def.ID)
		}
	}

	return resolved, nil
}

func (r *Resolver) lookupParam(spec ParamSpec, userParams map[string]any) (any, string, bool) {
	if v, ok := userParams[spec.Name]; ok {
		return v, "user", true
	}
	if spec.ConfigKey != "" {
		if v, ok := r.config.Lookup(spec.ConfigKey); ok {
			return v, "config", true
		}
	}
	if spec.Default != nil {
		return spec.Default, "default", true
	}
	return nil, "", false
}

// coerceParam checks a resolved value against the declared type. Strings are
// never implicitly converted; a number declared as string is a mismatch.
func coerceParam(spec ParamSpec, value any) (any, error) {
	switch spec.Type {
	case ParamString, ParamSecret:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("expected %s, got %T", spec.Type, value)
		}
		return s, nil
	case ParamBool:
		b, ok := value.(bool)
		if !ok {
			return nil, fmt.Errorf("expected bool, got %T", value)
		}
		return b, nil
	case ParamNumber:
		switch n := value.(type) {
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case float64:
			return n, nil
		default:
			return nil, fmt.Errorf("expected number, got %T", value)
		}
	case ParamObject:
		m, ok := value.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("expected object, got %T", value)
		}
		return m, nil
	case ParamArray:
		a, ok := value.([]any)
		if !ok {
			return nil, fmt.Errorf("expected array, got %T", value)
		}
		return a, nil
	default:
		return nil, fmt.Errorf("unknown parameter type %q", spec.Type)
	}
}

// Render substitutes {{TOKEN}} placeholders with resolved parameter values.
// Any token left unresolved after substitution is a hard error; a command
// with a literal "{{" in it never reaches execution.
func (r *Resolver) Render(def *OperationDefinition, params map[string]any) (string, error) {
	command := def.Template.Command
	for name, value := range params {
		command = strings.ReplaceAll(command, "{{"+name+"}}", paramString(value))
	}

	if leftover := tokenPattern.FindString(command); leftover != "" {
		return "", NewValidationError(
			fmt.Sprintf("unresolved token %s in rendered command", leftover), nil).
			WithCode(ErrCodeUnresolvedToken).WithOperation(def.ID)
	}

	return command, nil
}

// paramString renders a parameter value into the command text.
func paramString(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		// Render whole numbers without a trailing ".0".
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Resolve performs the full pipeline for one definition: static validation,
// parameter resolution, template rendering, and the idempotency probe. Force
// skips the probe entirely, so the operation executes even when the target
// already exists. The returned operation is ready for the monitor.
func (r *Resolver) Resolve(ctx context.Context, def *OperationDefinition, userParams map[string]any, force bool) (*ResolvedOperation, error) {
	if err := r.ValidateDefinition(def); err != nil {
		return nil, err
	}

	params, err := r.ResolveParameters(def, userParams)
	if err != nil {
		return nil, err
	}

	command, err := r.Render(def, params)
	if err != nil {
		return nil, err
	}

	op := &ResolvedOperation{
		Definition:  def,
		OperationID: uuid.New().String(),
		Params:      redactSecrets(def, params),
		Command:     command,
		Category:    def.Duration.Type,
	}

	if def.Idempotency.Enabled && def.Idempotency.SkipIfExists && !force {
		probe, err := r.probes.Probe(ctx, def.Idempotency.CheckCommand)
		if err != nil {
			return nil, NewExecutionError(
				fmt.Sprintf("idempotency probe for %s failed to run", def.ID), err).
				WithOperation(def.ID)
		}
		op.AlreadySatisfied = probe.Satisfied
		if probe.Satisfied {
			r.logger.Info().
				Str("operation", def.ID).
				Msg("target already satisfied, execution will be skipped")
		}
	}

	return op, nil
}

// redactSecrets copies the resolved parameter map with secret values masked.
// The rendered command keeps the real values; only the recorded snapshot is
// masked.
func redactSecrets(def *OperationDefinition, params map[string]any) map[string]any {
	secret := make(map[string]bool)
	for _, spec := range def.Params {
		if spec.Type == ParamSecret {
			secret[spec.Name] = true
		}
	}
	out := make(map[string]any, len(params))
	for name, value := range params {
		if secret[name] {
			out[name] = "***"
		} else {
			out[name] = value
		}
	}
	return out
}

// templateTokens lists the distinct {{TOKEN}} names in a template, in order
// of first appearance.
func templateTokens(command string) []string {
	seen := make(map[string]bool)
	tokens := []string{}
	for _, m := range tokenPattern.FindAllStringSubmatch(command, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			tokens = append(tokens, m[1])
		}
	}
	return tokens
}

// ShellProbeRunner runs probe commands through the local shell. Exit 0 means
// satisfied; any nonzero exit means not satisfied rather than an error.
type ShellProbeRunner struct{}

// Probe implements ProbeRunner.
func (p *ShellProbeRunner) Probe(ctx context.Context, command string) (*ProbeResult, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return &ProbeResult{Satisfied: false, Output: string(output)}, nil
		}
		return nil, fmt.Errorf("failed to run probe command: %w", err)
	}
	return &ProbeResult{Satisfied: true, Output: string(output)}, nil
}
