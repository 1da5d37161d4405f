package engine

import (
	"encoding/json"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestDuration_UnmarshalYAMLString(t *testing.T) {
	var d Duration
	if err := yaml.Unmarshal([]byte(`"1h30m"`), &d); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Duration != 90*time.Minute {
		t.Errorf("expected 90m, got %s", d.Duration)
	}
}

func TestDuration_UnmarshalYAMLSeconds(t *testing.T) {
	var d Duration
	if err := yaml.Unmarshal([]byte(`45`), &d); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Duration != 45*time.Second {
		t.Errorf("expected 45s, got %s", d.Duration)
	}
}

func TestDuration_UnmarshalYAMLInvalid(t *testing.T) {
	var d Duration
	if err := yaml.Unmarshal([]byte(`"not a duration"`), &d); err == nil {
		t.Fatal("expected an error for an unparseable duration")
	}
}

func TestDuration_JSONRoundTrip(t *testing.T) {
	var d Duration
	if err := json.Unmarshal([]byte(`"2h"`), &d); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Duration != 2*time.Hour {
		t.Errorf("expected 2h, got %s", d.Duration)
	}

	out, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(out) != `"2h0m0s"` {
		t.Errorf("unexpected JSON form: %s", out)
	}
}

func TestRequirement_BareStringShorthand(t *testing.T) {
	var r Requirement
	if err := yaml.Unmarshal([]byte(`"create-network"`), &r); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Operation != "create-network" {
		t.Errorf("expected operation create-network, got %q", r.Operation)
	}
	if r.Status != string(StatusCompleted) {
		t.Errorf("expected status completed, got %q", r.Status)
	}
	if r.Optional {
		t.Error("shorthand requirement should not be optional")
	}
}

func TestRequirement_ObjectForm(t *testing.T) {
	doc := `
operation: warm-cache
status: skipped
optional: true
`
	var r Requirement
	if err := yaml.Unmarshal([]byte(doc), &r); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Operation != "warm-cache" || r.Status != "skipped" || !r.Optional {
		t.Errorf("unexpected requirement: %+v", r)
	}
}

func TestRequirement_ObjectFormDefaultStatus(t *testing.T) {
	var r Requirement
	if err := yaml.Unmarshal([]byte(`{operation: create-subnet}`), &r); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Status != string(StatusCompleted) {
		t.Errorf("expected default status completed, got %q", r.Status)
	}
}

func TestOperationStatus_IsTerminal(t *testing.T) {
	terminal := []OperationStatus{StatusCompleted, StatusFailed, StatusSkipped}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	for _, s := range []OperationStatus{StatusPending, StatusRunning} {
		if s.IsTerminal() {
			t.Errorf("expected %s to be non-terminal", s)
		}
	}
}

func TestWorkflowExecution_FailedSteps(t *testing.T) {
	exec := &WorkflowExecution{
		Steps: map[string]StepState{
			"a": {Name: "a", Status: StatusCompleted},
			"b": {Name: "b", Status: StatusFailed},
			"c": {Name: "c", Status: StatusSkipped},
		},
	}
	failed := exec.FailedSteps()
	if len(failed) != 1 || failed[0] != "b" {
		t.Errorf("expected [b], got %v", failed)
	}
}
