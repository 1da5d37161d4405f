package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fleetwright/fleetwright/pkg/telemetry"
)

// DefinitionLoader resolves an operation reference from a workflow step into
// a parsed definition. Implementations search a fixed path order: the
// literal reference, the project root, then the workflows root.
type DefinitionLoader interface {
	LoadDefinition(ref string) (*OperationDefinition, error)
}

// PolicyGate is an optional pre-flight check evaluated against each
// definition before resolution. A gate failure aborts the step before any
// side effect.
type PolicyGate interface {
	Evaluate(ctx context.Context, def *OperationDefinition) error
}

// RunOptions control one workflow run.
type RunOptions struct {
	// Resume consults checkpoints and skips operations already completed.
	Resume bool

	// Force re-executes operations even when their checkpoint shows
	// completion, and bypasses the idempotency probe.
	Force bool

	// Steps restricts execution to the named steps. Empty means all.
	Steps []string

	// Params are run-level user parameters, overridden per step by the
	// step's own parameters.
	Params map[string]any
}

// Orchestrator executes workflows step by step. Each step loads its
// operation definition, passes the policy gate, resolves, and runs under
// the monitor. Execution state persists as one JSON record per run, updated
// after every step, so an interrupted run is inspectable and resumable.
type Orchestrator struct {
	resolver    *Resolver
	monitor     *Monitor
	checkpoints *CheckpointStore
	loader      DefinitionLoader
	gate        PolicyGate
	execDir     string
	tracer      *telemetry.Tracer
	metrics     *telemetry.Metrics
	logger      zerolog.Logger
}

// NewOrchestrator creates an orchestrator. The policy gate, tracer, and
// metrics may be nil.
func NewOrchestrator(
	resolver *Resolver,
	monitor *Monitor,
	checkpoints *CheckpointStore,
	loader DefinitionLoader,
	gate PolicyGate,
	execDir string,
	tracer *telemetry.Tracer,
	metrics *telemetry.Metrics,
	logger zerolog.Logger,
) (*Orchestrator, error) {
	if execDir == "" {
		return nil, fmt.Errorf("execution state directory is required")
	}
	if err := os.MkdirAll(execDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create execution state directory: %w", err)
	}
	return &Orchestrator{
		resolver:    resolver,
		monitor:     monitor,
		checkpoints: checkpoints,
		loader:      loader,
		gate:        gate,
		execDir:     execDir,
		tracer:      tracer,
		metrics:     metrics,
		logger:      logger.With().Str("component", "orchestrator").Logger(),
	}, nil
}

// ValidateWorkflow checks a workflow and every definition it references
// without executing anything.
func (o *Orchestrator) ValidateWorkflow(ctx context.Context, wf *Workflow) error {
	return o.validateWorkflow(ctx, wf, false)
}

// validateWorkflow is the pre-flight check behind ValidateWorkflow and Run.
// With tolerateMissing, an unloadable reference on a continue_on_error step
// does not abort: the load failure surfaces as that step's failure at run
// time instead.
func (o *Orchestrator) validateWorkflow(ctx context.Context, wf *Workflow, tolerateMissing bool) error {
	if wf == nil || len(wf.Steps) == 0 {
		return NewValidationError("workflow has no steps", nil).
			WithCode(ErrCodeBadDefinition)
	}

	seen := make(map[string]bool, len(wf.Steps))
	for _, step := range wf.Steps {
		if seen[step.Name] {
			return NewValidationError(
				fmt.Sprintf("duplicate step name %q", step.Name), nil).
				WithCode(ErrCodeBadDefinition)
		}
		seen[step.Name] = true

		def, err := o.loader.LoadDefinition(step.Operation)
		if err != nil {
			if tolerateMissing && step.ContinueOnError {
				continue
			}
			return NewValidationError(
				fmt.Sprintf("step %q references unloadable operation %q", step.Name, step.Operation), err).
				WithCode(ErrCodeNotFound)
		}
		if err := o.resolver.ValidateDefinition(def); err != nil {
			return err
		}
		if o.gate != nil {
			if err := o.gate.Evaluate(ctx, def); err != nil {
				return err
			}
		}
	}
	return nil
}

// Run executes a workflow and returns its final execution record. The
// returned error is non-nil only when the run could not proceed at all;
// step failures are reported inside the record.
func (o *Orchestrator) Run(ctx context.Context, wf *Workflow, opts RunOptions) (*WorkflowExecution, error) {
	if err := o.validateWorkflow(ctx, wf, true); err != nil {
		return nil, err
	}

	selected, err := selectSteps(wf, opts.Steps)
	if err != nil {
		return nil, err
	}

	// Steps enter the record as they start; a never-started step is absent.
	exec := &WorkflowExecution{
		ExecutionID: uuid.New().String(),
		WorkflowID:  wf.ID,
		Status:      WorkflowRunning,
		Steps:       make(map[string]StepState, len(selected)),
		Summary:     WorkflowSummary{Total: len(selected)},
		StartedAt:   time.Now(),
	}
	if err := o.saveExecution(exec); err != nil {
		return nil, err
	}

	ctx, span := o.tracer.StartWorkflowSpan(ctx, wf.ID, exec.ExecutionID)
	defer span.End()

	o.logger.Info().
		Str("workflow", wf.ID).
		Str("execution", exec.ExecutionID).
		Int("steps", len(selected)).
		Bool("resume", opts.Resume).
		Msg("workflow started")

	fatal := ""
	for i, step := range selected {
		if ctx.Err() != nil {
			fatal = "run cancelled"
			break
		}
		state := StepState{Index: i, Name: step.Name}

		stepCtx, stepSpan := o.tracer.Start(ctx, "workflow.step", trace.WithAttributes(
			attribute.String("step.name", step.Name),
			attribute.String("step.operation", step.Operation),
		))
		status, output, stepErr := o.runStep(stepCtx, &selected[i], opts)
		if stepErr != nil {
			telemetry.RecordError(stepSpan, stepErr)
		} else {
			telemetry.RecordSuccess(stepSpan)
		}
		stepSpan.End()

		now := time.Now()
		state.Status = status
		state.Output = output
		if stepErr != nil {
			state.Error = stepErr.Error()
		}
		state.CompletedAt = &now
		exec.Steps[step.Name] = state

		switch status {
		case StatusCompleted:
			exec.Summary.Completed++
		case StatusSkipped:
			exec.Summary.Skipped++
		case StatusFailed:
			exec.Summary.Failed++
		}

		if err := o.saveExecution(exec); err != nil {
			return exec, err
		}

		if stepErr != nil && status == StatusFailed && !step.ContinueOnError {
			fatal = fmt.Sprintf("step %q failed: %v", step.Name, stepErr)
			break
		}
		if stepErr != nil && step.ContinueOnError {
			o.logger.Warn().
				Str("step", step.Name).
				Err(stepErr).
				Msg("step failed, continuing")
		}
	}

	now := time.Now()
	exec.CompletedAt = &now
	// Failures tolerated by continue_on_error stay visible through the
	// summary and FailedSteps but do not fail the run.
	if fatal != "" {
		exec.Status = WorkflowFailed
		exec.Error = fatal
		telemetry.RecordError(span, fmt.Errorf("%s", fatal))
	} else {
		exec.Status = WorkflowCompleted
		telemetry.RecordSuccess(span)
	}
	o.metrics.RecordWorkflowFinished(string(exec.Status), now.Sub(exec.StartedAt))
	if err := o.saveExecution(exec); err != nil {
		return exec, err
	}

	ev := o.logger.Info()
	if exec.Status == WorkflowFailed {
		ev = o.logger.Error()
	}
	ev.Str("workflow", wf.ID).
		Str("execution", exec.ExecutionID).
		Str("status", string(exec.Status)).
		Int("completed", exec.Summary.Completed).
		Int("failed", exec.Summary.Failed).
		Int("skipped", exec.Summary.Skipped).
		Msg("workflow finished")

	return exec, nil
}

// runStep executes one workflow step to a terminal status.
func (o *Orchestrator) runStep(ctx context.Context, step *WorkflowStep, opts RunOptions) (OperationStatus, string, error) {
	def, err := o.loader.LoadDefinition(step.Operation)
	if err != nil {
		return StatusFailed, "", err
	}

	if opts.Resume && o.checkpoints != nil {
		decision, cp, err := o.checkpoints.Decide(def.ID, opts.Force)
		if err != nil {
			return StatusFailed, "", err
		}
		if decision == ResumeSkip {
			o.logger.Info().
				Str("step", step.Name).
				Str("operation", def.ID).
				Time("completed", cp.Timestamp).
				Msg("step already completed, skipping")
			return StatusSkipped, "completed in a previous run", nil
		}
	}

	if err := o.checkRequirements(def); err != nil {
		return StatusFailed, "", err
	}

	params := make(map[string]any, len(opts.Params)+len(step.Parameters))
	for k, v := range opts.Params {
		params[k] = v
	}
	for k, v := range step.Parameters {
		params[k] = v
	}

	resolved, err := o.resolver.Resolve(ctx, def, params, opts.Force)
	if err != nil {
		return StatusFailed, "", err
	}

	result, err := o.monitor.Run(ctx, resolved)
	if err != nil {
		return StatusFailed, "", err
	}

	output := result.OutputTail
	if result.Err != nil {
		return result.Status, output, result.Err
	}
	if result.Suspicious {
		output = strings.TrimSpace(output + "\ncompleted without success marker")
	}
	return result.Status, output, nil
}

// checkRequirements verifies each declared prerequisite against the
// checkpoint record of the required operation. A missing or mismatched
// required prerequisite is a hard error; an optional one degrades to a
// warning.
func (o *Orchestrator) checkRequirements(def *OperationDefinition) error {
	if o.checkpoints == nil {
		return nil
	}
	for _, req := range def.Requires {
		cp, err := o.checkpoints.Load(req.Operation)
		if err != nil {
			return err
		}
		satisfied := cp != nil && string(cp.Status) == req.Status
		if satisfied {
			continue
		}
		got := "never ran"
		if cp != nil {
			got = string(cp.Status)
		}
		if req.Optional {
			o.logger.Warn().
				Str("operation", def.ID).
				Str("requires", req.Operation).
				Str("want", req.Status).
				Str("got", got).
				Msg("optional prerequisite not met")
			continue
		}
		return NewPrerequisiteError(
			fmt.Sprintf("operation %s requires %s in status %q, got %s",
				def.ID, req.Operation, req.Status, got), nil).
			WithOperation(def.ID)
	}
	return nil
}

// selectSteps filters workflow steps to the requested subset, preserving
// workflow order. Unknown step names are an error.
func selectSteps(wf *Workflow, names []string) ([]WorkflowStep, error) {
	if len(names) == 0 {
		return wf.Steps, nil
	}
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}
	selected := make([]WorkflowStep, 0, len(names))
	for _, step := range wf.Steps {
		if wanted[step.Name] {
			selected = append(selected, step)
			delete(wanted, step.Name)
		}
	}
	if len(wanted) > 0 {
		unknown := make([]string, 0, len(wanted))
		for n := range wanted {
			unknown = append(unknown, n)
		}
		sort.Strings(unknown)
		return nil, NewValidationError(
			fmt.Sprintf("unknown steps: %s", strings.Join(unknown, ", ")), nil).
			WithCode(ErrCodeNotFound)
	}
	return selected, nil
}

func (o *Orchestrator) executionPath(id string) string {
	return filepath.Join(o.execDir, id+".json")
}

// saveExecution persists the execution record atomically.
func (o *Orchestrator) saveExecution(exec *WorkflowExecution) error {
	data, err := json.MarshalIndent(exec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal execution record: %w", err)
	}
	tmp, err := os.CreateTemp(o.execDir, ".execution-*")
	if err != nil {
		return fmt.Errorf("failed to create temp execution record: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write execution record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close execution record: %w", err)
	}
	if err := os.Rename(tmpName, o.executionPath(exec.ExecutionID)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to commit execution record: %w", err)
	}
	return nil
}

// GetExecution loads one execution record by id.
func (o *Orchestrator) GetExecution(id string) (*WorkflowExecution, error) {
	data, err := os.ReadFile(o.executionPath(id))
	if os.IsNotExist(err) {
		return nil, NewValidationError(fmt.Sprintf("execution %s not found", id), nil).
			WithCode(ErrCodeNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read execution record: %w", err)
	}
	var exec WorkflowExecution
	if err := json.Unmarshal(data, &exec); err != nil {
		return nil, fmt.Errorf("failed to parse execution record %s: %w", id, err)
	}
	return &exec, nil
}

// ListExecutions returns every stored execution record, newest first.
func (o *Orchestrator) ListExecutions() ([]WorkflowExecution, error) {
	entries, err := os.ReadDir(o.execDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list execution records: %w", err)
	}
	execs := []WorkflowExecution{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(o.execDir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read execution record %s: %w", entry.Name(), err)
		}
		var exec WorkflowExecution
		if err := json.Unmarshal(data, &exec); err != nil {
			o.logger.Warn().Str("file", entry.Name()).Msg("skipping unreadable execution record")
			continue
		}
		execs = append(execs, exec)
	}
	sort.Slice(execs, func(i, j int) bool {
		return execs[i].StartedAt.After(execs[j].StartedAt)
	})
	return execs, nil
}
