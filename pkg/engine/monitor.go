package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetwright/fleetwright/pkg/stores"
	"github.com/fleetwright/fleetwright/pkg/telemetry"
)

// MonitorConfig tunes the supervision loops.
type MonitorConfig struct {
	// FastPollInterval paces progress reporting for fast operations.
	FastPollInterval time.Duration

	// WaitPollInterval paces progress reporting for wait operations.
	WaitPollInterval time.Duration

	// HeartbeatPollInterval paces dispatcher-state and heartbeat reads for
	// asynchronously dispatched operations.
	HeartbeatPollInterval time.Duration

	// StaleThreshold is how long a heartbeat artifact may go unrefreshed
	// before the work counts as hung. Hung is a detection outcome, not a
	// cancellation: the remote work is left running.
	StaleThreshold time.Duration

	// TailLines is how many trailing output lines are kept for failure
	// reports.
	TailLines int

	// LogDir receives one combined-output capture file per execution.
	LogDir string
}

func (c *MonitorConfig) applyDefaults() {
	if c.FastPollInterval == 0 {
		c.FastPollInterval = 2 * time.Second
	}
	if c.WaitPollInterval == 0 {
		c.WaitPollInterval = 15 * time.Second
	}
	if c.HeartbeatPollInterval == 0 {
		c.HeartbeatPollInterval = 30 * time.Second
	}
	if c.StaleThreshold == 0 {
		c.StaleThreshold = 3 * c.HeartbeatPollInterval
	}
	if c.TailLines == 0 {
		c.TailLines = 50
	}
}

// Monitor supervises resolved operations to a terminal status. Fast and wait
// operations run locally under a polling loop; heartbeat operations are
// dispatched through a Dispatcher and tracked by two independent signals,
// the dispatcher's state and the in-target liveness artifact.
//
// Every terminal status is persisted twice: a checkpoint file for resume and
// an operation record in the store for history.
type Monitor struct {
	cfg         MonitorConfig
	dispatcher  Dispatcher
	checkpoints *CheckpointStore
	store       stores.Store
	metrics     *telemetry.Metrics
	logger      zerolog.Logger
}

// NewMonitor creates a monitor. The dispatcher may be nil when no heartbeat
// operations will run; the store, metrics, and checkpoint store may be nil in
// tests.
func NewMonitor(cfg MonitorConfig, dispatcher Dispatcher, checkpoints *CheckpointStore, store stores.Store, metrics *telemetry.Metrics, logger zerolog.Logger) *Monitor {
	cfg.applyDefaults()
	return &Monitor{
		cfg:         cfg,
		dispatcher:  dispatcher,
		checkpoints: checkpoints,
		store:       store,
		metrics:     metrics,
		logger:      logger.With().Str("component", "monitor").Logger(),
	}
}

// Run supervises one resolved operation to completion and returns its
// result. The returned error is non-nil only for failures to supervise;
// operation failures are reported inside the result.
func (m *Monitor) Run(ctx context.Context, op *ResolvedOperation) (*OperationResult, error) {
	started := time.Now()

	if op.AlreadySatisfied {
		result := &OperationResult{
			OperationID: op.OperationID,
			Status:      StatusSkipped,
			StartedAt:   started,
			CompletedAt: started,
		}
		m.finalize(ctx, op, result)
		return result, nil
	}

	m.recordStart(ctx, op, started)
	m.metrics.RecordOperationStarted(string(op.Category))

	var result *OperationResult
	switch op.Category {
	case CategoryFast:
		result = m.runLocal(ctx, op, started, m.cfg.FastPollInterval)
	case CategoryWait:
		result = m.runLocal(ctx, op, started, m.cfg.WaitPollInterval)
	case CategoryHeartbeat:
		result = m.runDispatched(ctx, op, started)
	default:
		return nil, NewInternalError(fmt.Sprintf("unknown operation category %q", op.Category), nil).
			WithOperation(op.Definition.ID)
	}

	m.finalize(ctx, op, result)
	return result, nil
}

// tailBuffer keeps the last n lines appended to it.
type tailBuffer struct {
	mu    sync.Mutex
	lines []string
	max   int
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, line)
	if len(b.lines) > b.max {
		b.lines = b.lines[len(b.lines)-b.max:]
	}
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Join(b.lines, "\n")
}

// runLocal executes the rendered command locally and supervises it: output
// streams through the marker scanner into a capture file while a ticker
// reports progress and the declared timeout bounds the whole thing.
func (m *Monitor) runLocal(ctx context.Context, op *ResolvedOperation, started time.Time, pollInterval time.Duration) *OperationResult {
	def := op.Definition
	result := &OperationResult{
		OperationID: op.OperationID,
		StartedAt:   started,
	}

	runCtx, cancel := context.WithTimeout(ctx, def.Duration.Timeout.Duration)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", op.Command)

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	scanner := NewMarkerScanner()
	tail := newTailBuffer(m.cfg.TailLines)

	var logFile *os.File
	if m.cfg.LogDir != "" {
		if err := os.MkdirAll(m.cfg.LogDir, 0o755); err == nil {
			path := filepath.Join(m.cfg.LogDir, op.OperationID+".log")
			if f, err := os.Create(path); err == nil {
				logFile = f
				result.OutputRef = path
			}
		}
	}

	copyDone := make(chan struct{})
	go func() {
		defer close(copyDone)
		sc := bufio.NewScanner(pr)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			line := sc.Text()
			tail.Append(line)
			if logFile != nil {
				fmt.Fprintln(logFile, line)
			}
			for _, ev := range scanner.ScanLine(line) {
				m.onMarker(ctx, op, ev)
			}
		}
	}()

	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		<-copyDone
		if logFile != nil {
			_ = logFile.Close()
		}
		return m.fail(result, started, scanner, tail,
			NewExecutionError("failed to start command", err).WithOperation(def.ID))
	}

	// Progress reporting runs beside Wait; the command itself is bounded by
	// the timeout on runCtx.
	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var runErr error
	expected := def.Duration.Expected.Duration
supervise:
	for {
		select {
		case err := <-waitErr:
			runErr = err
			break supervise
		case <-ticker.C:
			elapsed := time.Since(started).Round(time.Second)
			ev := m.logger.Debug()
			if expected > 0 && elapsed > expected {
				ev = m.logger.Warn()
			}
			ev.Str("operation", def.ID).
				Dur("elapsed", elapsed).
				Msg("operation still running")
		}
	}

	_ = pw.Close()
	<-copyDone
	if logFile != nil {
		_ = logFile.Close()
	}

	result.CompletedAt = time.Now()
	result.Duration = result.CompletedAt.Sub(started)
	result.Markers = scanner.Markers()

	// The declared timeout wins over exit-code classification: a process
	// killed at the deadline reports a signal exit, not a timeout, unless
	// checked here.
	if runCtx.Err() == context.DeadlineExceeded {
		result.Status = StatusFailed
		result.Err = NewTimeoutError(
			fmt.Sprintf("operation exceeded timeout of %s and was cancelled", def.Duration.Timeout.Duration), nil).
			WithOperation(def.ID).WithOutputTail(tail.String())
		return result
	}
	if ctx.Err() != nil {
		result.Status = StatusFailed
		result.Err = NewTimeoutError("operation cancelled by request", ctx.Err()).
			WithCode(ErrCodeCancelled).WithOperation(def.ID).WithOutputTail(tail.String())
		return result
	}

	if exitErr, ok := runErr.(*exec.ExitError); ok {
		result.ExitCode = exitErr.ExitCode()
	} else if runErr != nil {
		result.Status = StatusFailed
		result.Err = NewExecutionError("command did not run", runErr).
			WithOperation(def.ID).WithOutputTail(tail.String())
		return result
	}

	// An [ERROR] marker is authoritative even when the exit code is 0.
	if scanner.Saw(MarkerError) {
		result.Status = StatusFailed
		result.Err = NewExecutionError("output reported an error marker", nil).
			WithCode(ErrCodeErrorMarker).WithOperation(def.ID).WithOutputTail(tail.String())
		return result
	}

	if result.ExitCode != 0 {
		result.Status = StatusFailed
		result.Err = NewExecutionError(
			fmt.Sprintf("command exited with code %d", result.ExitCode), nil).
			WithCode(ErrCodeExitNonZero).WithOperation(def.ID).WithOutputTail(tail.String())
		return result
	}

	result.Status = StatusCompleted
	if def.Validation.Enabled && !scanner.Saw(MarkerSuccess) {
		// Success without the expected marker is recorded, not failed.
		result.Suspicious = true
		m.logger.Warn().
			Str("operation", def.ID).
			Msg("exit 0 without success marker")
	}
	return result
}

// runDispatched supervises asynchronously dispatched remote work. Two
// signals are polled independently: the dispatcher's own execution state and
// the in-target heartbeat artifact. A stale heartbeat while the dispatcher
// still reports running means hung; hung surfaces as a failure but never
// cancels the remote work. Cancellation happens only at the declared timeout
// or on an explicit caller cancel.
func (m *Monitor) runDispatched(ctx context.Context, op *ResolvedOperation, started time.Time) *OperationResult {
	def := op.Definition
	result := &OperationResult{
		OperationID: op.OperationID,
		StartedAt:   started,
	}

	if m.dispatcher == nil {
		result.Status = StatusFailed
		result.Err = NewInternalError("no dispatcher configured for heartbeat operation", nil).
			WithOperation(def.ID)
		result.CompletedAt = time.Now()
		return result
	}

	target, _ := op.Params["target"].(string)
	if target == "" {
		result.Status = StatusFailed
		result.Err = NewValidationError("heartbeat operation resolved without a target", nil).
			WithCode(ErrCodeMissingParameter).WithOperation(def.ID)
		result.CompletedAt = time.Now()
		return result
	}

	handle, err := m.dispatcher.Dispatch(ctx, target, op.Command)
	if err != nil {
		result.Status = StatusFailed
		result.Err = NewExecutionError("failed to dispatch remote operation", err).
			WithOperation(def.ID)
		result.CompletedAt = time.Now()
		return result
	}

	m.logger.Info().
		Str("operation", def.ID).
		Str("target", target).
		Str("dispatch_id", handle.ID).
		Msg("operation dispatched")

	deadline := started.Add(def.Duration.Timeout.Duration)
	ticker := time.NewTicker(m.cfg.HeartbeatPollInterval)
	defer ticker.Stop()

	finish := func(status OperationStatus, opErr *Error) *OperationResult {
		result.Status = status
		result.Err = opErr
		result.CompletedAt = time.Now()
		result.Duration = result.CompletedAt.Sub(started)
		return result
	}

	for {
		select {
		case <-ctx.Done():
			// Explicit caller cancellation propagates to the target.
			if cancelErr := m.dispatcher.Cancel(context.Background(), handle); cancelErr != nil {
				m.logger.Error().Err(cancelErr).
					Str("operation", def.ID).
					Msg("failed to cancel dispatched operation")
			}
			return finish(StatusFailed,
				NewTimeoutError("operation cancelled by request", ctx.Err()).
					WithCode(ErrCodeCancelled).WithOperation(def.ID))
		case <-ticker.C:
		}

		if time.Now().After(deadline) {
			if cancelErr := m.dispatcher.Cancel(ctx, handle); cancelErr != nil {
				m.logger.Error().Err(cancelErr).
					Str("operation", def.ID).
					Msg("failed to cancel dispatched operation")
			}
			return finish(StatusFailed,
				NewTimeoutError(
					fmt.Sprintf("operation exceeded timeout of %s and was cancelled", def.Duration.Timeout.Duration), nil).
					WithOperation(def.ID))
		}

		state, err := m.dispatcher.State(ctx, handle)
		if err != nil {
			m.logger.Warn().Err(err).
				Str("operation", def.ID).
				Msg("dispatcher state read failed, will retry")
			continue
		}

		switch state {
		case DispatchSucceeded:
			return finish(StatusCompleted, nil)
		case DispatchFailed:
			return finish(StatusFailed,
				NewExecutionError("dispatcher reported the operation failed", nil).
					WithOperation(def.ID))
		case DispatchRunning, DispatchUnknown:
			hb, err := m.dispatcher.Heartbeat(ctx, handle)
			if err != nil {
				m.logger.Warn().Err(err).
					Str("operation", def.ID).
					Msg("heartbeat read failed, will retry")
				continue
			}
			age := time.Since(hb.LastUpdate)
			if age > m.cfg.StaleThreshold {
				// Hung, not timed out. The remote work is left running; an
				// operator decides whether to cancel.
				m.metrics.RecordStaleHeartbeat(def.ID)
				return finish(StatusFailed,
					NewStaleHeartbeatError(
						fmt.Sprintf("heartbeat stale for %s (threshold %s)",
							age.Round(time.Second), m.cfg.StaleThreshold), nil).
						WithCode(ErrCodeHung).WithOperation(def.ID))
			}
			m.logger.Debug().
				Str("operation", def.ID).
				Dur("heartbeat_age", age).
				Str("message", hb.Message).
				Msg("heartbeat fresh")
		}
	}
}

func (m *Monitor) fail(result *OperationResult, started time.Time, scanner *MarkerScanner, tail *tailBuffer, err *Error) *OperationResult {
	result.Status = StatusFailed
	result.Err = err
	result.CompletedAt = time.Now()
	result.Duration = result.CompletedAt.Sub(started)
	result.Markers = scanner.Markers()
	result.OutputTail = tail.String()
	return result
}

// recordStart creates the store-side operation record.
func (m *Monitor) recordStart(ctx context.Context, op *ResolvedOperation, started time.Time) {
	if m.store == nil {
		return
	}
	params, err := json.Marshal(op.Params)
	if err != nil {
		params = []byte("{}")
	}
	rec := &stores.OperationRecord{
		ID:         op.OperationID,
		Capability: op.Definition.Capability,
		Name:       op.Definition.ID,
		Status:     stores.OpRunning,
		Params:     string(params),
		StartedAt:  started,
		CreatedAt:  started,
	}
	if err := m.store.CreateOperation(ctx, rec); err != nil {
		m.logger.Error().Err(err).
			Str("operation", op.Definition.ID).
			Msg("failed to record operation start")
	}
}

// onMarker logs a recognized marker and appends it to the operation log.
func (m *Monitor) onMarker(ctx context.Context, op *ResolvedOperation, ev MarkerEvent) {
	m.logger.Info().
		Str("operation", op.Definition.ID).
		Str("marker", string(ev.Marker)).
		Msg(ev.Line)
	m.metrics.RecordMarker(string(ev.Marker))

	if m.store == nil {
		return
	}
	level := stores.LogInfo
	switch ev.Marker {
	case MarkerWarning:
		level = stores.LogWarn
	case MarkerError:
		level = stores.LogError
	}
	entry := &stores.OperationLogEntry{
		OperationID: op.OperationID,
		Level:       level,
		Message:     ev.Line,
		Timestamp:   ev.Seen,
	}
	if err := m.store.AppendLog(ctx, entry); err != nil {
		m.logger.Error().Err(err).
			Str("operation", op.Definition.ID).
			Msg("failed to append operation log")
	}
}

// finalize persists the terminal status: the resume checkpoint and the
// store-side record. On a failed output tail the result carries the tail so
// callers can show it without re-reading the capture file.
func (m *Monitor) finalize(ctx context.Context, op *ResolvedOperation, result *OperationResult) {
	if result.Err != nil && result.OutputTail == "" {
		result.OutputTail = result.Err.OutputTail
	}

	if !op.AlreadySatisfied {
		m.metrics.RecordOperationFinished(string(op.Category), string(result.Status), result.Duration)
	}
	if result.Err != nil {
		m.metrics.RecordError(string(result.Err.Kind))
	}

	if m.checkpoints != nil {
		cp := &Checkpoint{
			OperationID: op.Definition.ID,
			Status:      result.Status,
			Duration:    result.Duration.Seconds(),
			Timestamp:   result.CompletedAt,
			OutputRef:   result.OutputRef,
		}
		if err := m.checkpoints.Save(cp); err != nil {
			m.logger.Error().Err(err).
				Str("operation", op.Definition.ID).
				Msg("failed to save checkpoint")
		}
	}

	if m.store != nil && !op.AlreadySatisfied {
		status := stores.OpCompleted
		switch result.Status {
		case StatusFailed:
			status = stores.OpFailed
		case StatusSkipped:
			status = stores.OpSkipped
		}
		if err := m.store.UpdateOperationStatus(ctx, op.OperationID, status); err != nil {
			m.logger.Error().Err(err).
				Str("operation", op.Definition.ID).
				Msg("failed to record operation completion")
		}
	}

	ev := m.logger.Info()
	if result.Status == StatusFailed {
		ev = m.logger.Error()
	}
	ev.Str("operation", op.Definition.ID).
		Str("status", string(result.Status)).
		Dur("duration", result.Duration).
		Msg("operation finished")
}
