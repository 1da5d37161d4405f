package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// ExecutionMode is the declared intent of an operation.
type ExecutionMode string

const (
	ModeCreate   ExecutionMode = "create"
	ModeAdopt    ExecutionMode = "adopt"
	ModeModify   ExecutionMode = "modify"
	ModeValidate ExecutionMode = "validate"
	ModeDelete   ExecutionMode = "delete"
)

// ValidModes is the closed set of execution modes.
var ValidModes = map[ExecutionMode]bool{
	ModeCreate:   true,
	ModeAdopt:    true,
	ModeModify:   true,
	ModeValidate: true,
	ModeDelete:   true,
}

// OperationCategory selects the supervision strategy for an operation.
type OperationCategory string

const (
	// CategoryFast is a short local command supervised with a tight polling
	// interval.
	CategoryFast OperationCategory = "fast"

	// CategoryWait is a longer synchronous command supervised with a relaxed
	// polling interval.
	CategoryWait OperationCategory = "wait"

	// CategoryHeartbeat is very long remote work dispatched asynchronously
	// and tracked through dispatcher state plus a liveness artifact.
	CategoryHeartbeat OperationCategory = "heartbeat"
)

// ValidCategories is the closed set of operation categories.
var ValidCategories = map[OperationCategory]bool{
	CategoryFast:      true,
	CategoryWait:      true,
	CategoryHeartbeat: true,
}

// ParamType is the declared type of an operation parameter.
type ParamType string

const (
	ParamString ParamType = "string"
	ParamBool   ParamType = "bool"
	ParamNumber ParamType = "number"
	ParamSecret ParamType = "secret"
	ParamObject ParamType = "object"
	ParamArray  ParamType = "array"
)

// ValidParamTypes is the closed set of parameter types.
var ValidParamTypes = map[ParamType]bool{
	ParamString: true,
	ParamBool:   true,
	ParamNumber: true,
	ParamSecret: true,
	ParamObject: true,
	ParamArray:  true,
}

// Duration wraps time.Duration so documents can declare durations either as
// Go duration strings ("45m") or as plain second counts.
type Duration struct {
	time.Duration
}

// UnmarshalYAML accepts "1h30m" style strings and bare integers (seconds).
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var asInt int64
	if err := node.Decode(&asInt); err == nil {
		d.Duration = time.Duration(asInt) * time.Second
		return nil
	}
	var asStr string
	if err := node.Decode(&asStr); err != nil {
		return fmt.Errorf("duration must be a string or integer seconds")
	}
	parsed, err := time.ParseDuration(asStr)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", asStr, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalJSON emits the duration in its string form.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

// UnmarshalJSON mirrors UnmarshalYAML for JSON documents.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var asInt int64
	if err := json.Unmarshal(data, &asInt); err == nil {
		d.Duration = time.Duration(asInt) * time.Second
		return nil
	}
	var asStr string
	if err := json.Unmarshal(data, &asStr); err != nil {
		return fmt.Errorf("duration must be a string or integer seconds")
	}
	parsed, err := time.ParseDuration(asStr)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", asStr, err)
	}
	d.Duration = parsed
	return nil
}

// ParamSpec declares one parameter of an operation definition.
type ParamSpec struct {
	// Name is the parameter name, matched against {{NAME}} tokens.
	Name string `json:"name" yaml:"name" validate:"required"`

	// Type is the declared parameter type.
	Type ParamType `json:"type" yaml:"type" validate:"required"`

	// Required marks the parameter as mandatory.
	Required bool `json:"required" yaml:"required"`

	// Default is the documented default value, used when neither a user
	// value nor a config mapping resolves.
	Default any `json:"default,omitempty" yaml:"default"`

	// ConfigKey optionally maps the parameter to a key in the ambient
	// configuration (settings value or environment).
	ConfigKey string `json:"config_key,omitempty" yaml:"config_key"`

	// Description is free-form documentation.
	Description string `json:"description,omitempty" yaml:"description"`
}

// DurationSpec declares the expected and maximum duration of an operation and
// the supervision category.
type DurationSpec struct {
	Expected Duration          `json:"expected" yaml:"expected"`
	Timeout  Duration          `json:"timeout" yaml:"timeout"`
	Type     OperationCategory `json:"type" yaml:"type" validate:"required"`
}

// ValidationSpec declares post-execution validation behavior.
type ValidationSpec struct {
	// Enabled turns on [SUCCESS] marker validation: exit 0 without the
	// marker is flagged as suspicious.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Checks are named post-execution checks recorded with the result.
	Checks []string `json:"checks,omitempty" yaml:"checks"`
}

// TemplateSpec declares how the concrete command is rendered.
type TemplateSpec struct {
	// Type is the template type. "shell" is the only supported type.
	Type string `json:"type" yaml:"type" validate:"required,oneof=shell"`

	// Command is the command template with {{TOKEN}} placeholders.
	Command string `json:"command" yaml:"command" validate:"required"`
}

// IdempotencySpec declares the idempotency probe for an operation.
type IdempotencySpec struct {
	// Enabled turns the probe on.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// CheckCommand is the probe command. Exit 0 means the target is already
	// satisfied.
	CheckCommand string `json:"check_command,omitempty" yaml:"check_command"`

	// SkipIfExists skips rendering and execution entirely when the probe
	// reports the target satisfied.
	SkipIfExists bool `json:"skip_if_exists" yaml:"skip_if_exists"`
}

// RollbackSpec declares whether the operation supports rollback.
type RollbackSpec struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Command string `json:"command,omitempty" yaml:"command"`
}

// Requirement names a prerequisite operation. A bare string in a document is
// shorthand for {operation: X, status: "completed", optional: false}.
type Requirement struct {
	Operation string `json:"operation" yaml:"operation" validate:"required"`
	Status    string `json:"status,omitempty" yaml:"status"`
	Optional  bool   `json:"optional" yaml:"optional"`
}

// UnmarshalYAML accepts both the bare-string and the object form.
func (r *Requirement) UnmarshalYAML(node *yaml.Node) error {
	var bare string
	if err := node.Decode(&bare); err == nil {
		r.Operation = bare
		r.Status = string(StatusCompleted)
		r.Optional = false
		return nil
	}
	type plain Requirement
	var obj plain
	if err := node.Decode(&obj); err != nil {
		return err
	}
	*r = Requirement(obj)
	if r.Status == "" {
		r.Status = string(StatusCompleted)
	}
	return nil
}

// UnmarshalJSON mirrors UnmarshalYAML for JSON documents.
func (r *Requirement) UnmarshalJSON(data []byte) error {
	var bare string
	if err := json.Unmarshal(data, &bare); err == nil {
		r.Operation = bare
		r.Status = string(StatusCompleted)
		r.Optional = false
		return nil
	}
	type plain Requirement
	var obj plain
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*r = Requirement(obj)
	if r.Status == "" {
		r.Status = string(StatusCompleted)
	}
	return nil
}

// OperationDefinition is one declarative, idempotent-intended unit of
// infrastructure change or validation.
type OperationDefinition struct {
	ID          string          `json:"id" yaml:"id" validate:"required"`
	Name        string          `json:"name" yaml:"name" validate:"required"`
	Description string          `json:"description,omitempty" yaml:"description"`
	Capability  string          `json:"capability,omitempty" yaml:"capability"`
	Mode        ExecutionMode   `json:"mode" yaml:"mode" validate:"required"`
	Params      []ParamSpec     `json:"params,omitempty" yaml:"params" validate:"dive"`
	Duration    DurationSpec    `json:"duration" yaml:"duration"`
	Validation  ValidationSpec  `json:"validation,omitempty" yaml:"validation"`
	Template    TemplateSpec    `json:"template" yaml:"template"`
	Idempotency IdempotencySpec `json:"idempotency,omitempty" yaml:"idempotency"`
	Rollback    RollbackSpec    `json:"rollback,omitempty" yaml:"rollback"`
	Requires    []Requirement   `json:"requires,omitempty" yaml:"requires"`
}

// OperationStatus is the lifecycle status of an operation record.
type OperationStatus string

const (
	StatusPending   OperationStatus = "pending"
	StatusRunning   OperationStatus = "running"
	StatusCompleted OperationStatus = "completed"
	StatusFailed    OperationStatus = "failed"
	StatusSkipped   OperationStatus = "skipped"
)

// IsTerminal reports whether the status is final.
func (s OperationStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusSkipped
}

// ResolvedOperation is a definition whose parameters resolved and whose
// command rendered. It is the unit handed to the monitor.
type ResolvedOperation struct {
	// Definition is the source definition.
	Definition *OperationDefinition `json:"definition"`

	// OperationID is the generated id of the dispatch record.
	OperationID string `json:"operation_id"`

	// Params is the resolved-parameter snapshot. Secret values are redacted
	// in the snapshot but present in Command.
	Params map[string]any `json:"params"`

	// Command is the rendered concrete command.
	Command string `json:"command"`

	// Category is the supervision category.
	Category OperationCategory `json:"category"`

	// AlreadySatisfied is set when the idempotency probe reported the
	// target satisfied and skip_if_exists is declared.
	AlreadySatisfied bool `json:"already_satisfied"`
}

// OperationResult is the outcome of one supervised execution.
type OperationResult struct {
	OperationID string          `json:"operation_id"`
	Status      OperationStatus `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`
	Duration    time.Duration   `json:"duration"`
	ExitCode    int             `json:"exit_code"`

	// Suspicious is set when validation is enabled and the process exited 0
	// without emitting a [SUCCESS] marker.
	Suspicious bool `json:"suspicious,omitempty"`

	// OutputRef points at the captured combined-output log.
	OutputRef string `json:"output_ref,omitempty"`

	// OutputTail holds the last lines of output for failures.
	OutputTail string `json:"output_tail,omitempty"`

	// Markers are the milestone tokens observed on the output.
	Markers []Marker `json:"markers,omitempty"`

	// Err is the classified failure, if any.
	Err *Error `json:"error,omitempty"`
}

// Checkpoint is the persisted record of an operation's last known terminal
// status. One per operation id, overwritten on each attempt.
type Checkpoint struct {
	OperationID string          `json:"operation_id"`
	Status      OperationStatus `json:"status"`
	Duration    float64         `json:"duration_seconds"`
	Timestamp   time.Time       `json:"timestamp"`
	OutputRef   string          `json:"output_ref,omitempty"`
}

// ResumeDecision tells the caller what to do with a previously attempted
// operation.
type ResumeDecision string

const (
	// ResumeSkip means the checkpoint shows completion; do not re-execute.
	ResumeSkip ResumeDecision = "skip"

	// ResumeRetry means the operation should be attempted again.
	ResumeRetry ResumeDecision = "retry"
)

// Workflow is an ordered list of operation invocations executed as one
// logical deployment unit.
type Workflow struct {
	ID          string         `json:"id" yaml:"id" validate:"required"`
	Name        string         `json:"name" yaml:"name" validate:"required"`
	Description string         `json:"description,omitempty" yaml:"description"`
	Steps       []WorkflowStep `json:"steps" yaml:"steps" validate:"required,min=1,dive"`
}

// WorkflowStep names one operation invocation within a workflow.
type WorkflowStep struct {
	// Name is the human-readable step name.
	Name string `json:"name" yaml:"name" validate:"required"`

	// Operation references an operation definition: a literal document path,
	// a path relative to the project root, or a path relative to the
	// workflows root, searched in that order.
	Operation string `json:"operation" yaml:"operation" validate:"required"`

	// Parameters are literal user parameters for this step.
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters"`

	// ContinueOnError records the failure as non-fatal and keeps going.
	ContinueOnError bool `json:"continue_on_error" yaml:"continue_on_error"`
}

// WorkflowStatus is the lifecycle status of a workflow execution.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
)

// StepState is the persisted per-step record of a workflow execution.
type StepState struct {
	Index       int             `json:"index"`
	Name        string          `json:"name"`
	Status      OperationStatus `json:"status"`
	Output      string          `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// WorkflowSummary aggregates per-step counts.
type WorkflowSummary struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// WorkflowExecution is one run of a workflow. Created at start, updated after
// every step, finalized at the end or at the first fatal failure.
type WorkflowExecution struct {
	ExecutionID string               `json:"execution_id"`
	WorkflowID  string               `json:"workflow_id"`
	Status      WorkflowStatus       `json:"status"`
	Steps       map[string]StepState `json:"steps"`
	Summary     WorkflowSummary      `json:"summary"`
	StartedAt   time.Time            `json:"started_at"`
	CompletedAt *time.Time           `json:"completed_at,omitempty"`
	Error       string               `json:"error,omitempty"`
}

// FailedSteps returns the names of steps recorded as failed.
func (e *WorkflowExecution) FailedSteps() []string {
	failed := make([]string, 0)
	for name, st := range e.Steps {
		if st.Status == StatusFailed {
			failed = append(failed, name)
		}
	}
	return failed
}
