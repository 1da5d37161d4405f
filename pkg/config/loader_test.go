package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fleetwright/fleetwright/pkg/engine"
)

const yamlDefinition = `
id: create-vm
name: Create VM
mode: create
capability: compute
params:
  - name: vm_name
    type: string
    required: true
duration:
  expected: 30s
  timeout: 5m
  type: fast
template:
  type: shell
  command: "provision --name {{vm_name}}"
requires:
  - create-network
  - operation: warm-cache
    optional: true
`

const cueDefinition = `
id:         "create-disk"
name:       "Create Disk"
mode:       "create"
capability: "storage"
params: [{
	name:     "size_gb"
	type:     "number"
	required: true
}]
duration: {
	expected: "1m"
	timeout:  600
	type:     "wait"
}
template: {
	type:    "shell"
	command: "allocate --size {{size_gb}}"
}
`

const yamlWorkflow = `
id: deploy-fleet
name: Deploy Fleet
steps:
  - name: network
    operation: create-network.yaml
  - name: vm
    operation: create-vm.yaml
    parameters:
      vm_name: web-01
    continue_on_error: true
`

func writeDoc(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestLoadDefinition_YAML(t *testing.T) {
	dir := t.TempDir()
	path := writeDoc(t, dir, "create-vm.yaml", yamlDefinition)

	def, err := NewLoader("", "").LoadDefinition(path)
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}
	if def.ID != "create-vm" {
		t.Errorf("expected id create-vm, got %q", def.ID)
	}
	if def.Mode != engine.ModeCreate {
		t.Errorf("expected mode create, got %q", def.Mode)
	}
	if def.Duration.Timeout.Duration != 5*time.Minute {
		t.Errorf("expected 5m timeout, got %s", def.Duration.Timeout.Duration)
	}
	if len(def.Requires) != 2 {
		t.Fatalf("expected 2 requirements, got %d", len(def.Requires))
	}
	// Bare-string shorthand expands to a completed requirement.
	if def.Requires[0].Operation != "create-network" || def.Requires[0].Status != "completed" {
		t.Errorf("unexpected shorthand requirement: %+v", def.Requires[0])
	}
	if !def.Requires[1].Optional {
		t.Errorf("expected the second requirement optional: %+v", def.Requires[1])
	}
}

func TestLoadDefinition_CUE(t *testing.T) {
	dir := t.TempDir()
	path := writeDoc(t, dir, "create-disk.cue", cueDefinition)

	def, err := NewLoader("", "").LoadDefinition(path)
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}
	if def.ID != "create-disk" {
		t.Errorf("expected id create-disk, got %q", def.ID)
	}
	if def.Duration.Expected.Duration != time.Minute {
		t.Errorf("expected 1m expected duration, got %s", def.Duration.Expected.Duration)
	}
	// Bare integers in CUE documents read as seconds.
	if def.Duration.Timeout.Duration != 10*time.Minute {
		t.Errorf("expected 10m timeout, got %s", def.Duration.Timeout.Duration)
	}
	if def.Duration.Type != engine.CategoryWait {
		t.Errorf("expected wait category, got %q", def.Duration.Type)
	}
}

func TestLoadDefinition_SearchOrder(t *testing.T) {
	project := t.TempDir()
	workflows := t.TempDir()
	writeDoc(t, project, "op.yaml", yamlDefinition)
	writeDoc(t, workflows, "op.yaml", cueDefinition)

	// The project root wins over the workflows root.
	def, err := NewLoader(project, workflows).LoadDefinition("op.yaml")
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}
	if def.ID != "create-vm" {
		t.Errorf("expected the project-root document, got %q", def.ID)
	}
}

func TestLoadDefinition_ExtensionlessReference(t *testing.T) {
	project := t.TempDir()
	writeDoc(t, project, "create-disk.cue", cueDefinition)

	def, err := NewLoader(project, "").LoadDefinition("create-disk")
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}
	if def.ID != "create-disk" {
		t.Errorf("expected id create-disk, got %q", def.ID)
	}
}

func TestLoadDefinition_NotFound(t *testing.T) {
	if _, err := NewLoader(t.TempDir(), "").LoadDefinition("nope.yaml"); err == nil {
		t.Fatal("expected an error for a missing document")
	}
}

func TestLoadDefinition_MalformedCUE(t *testing.T) {
	dir := t.TempDir()
	path := writeDoc(t, dir, "bad.cue", `id: "x" name:`)

	if _, err := NewLoader("", "").LoadDefinition(path); err == nil {
		t.Fatal("expected a compile error")
	}
}

func TestLoadWorkflow(t *testing.T) {
	dir := t.TempDir()
	path := writeDoc(t, dir, "deploy.yaml", yamlWorkflow)

	wf, err := NewLoader("", "").LoadWorkflow(path)
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}
	if wf.ID != "deploy-fleet" {
		t.Errorf("expected id deploy-fleet, got %q", wf.ID)
	}
	if len(wf.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(wf.Steps))
	}
	if wf.Steps[1].Parameters["vm_name"] != "web-01" {
		t.Errorf("unexpected step parameters: %+v", wf.Steps[1].Parameters)
	}
	if !wf.Steps[1].ContinueOnError {
		t.Error("expected continue_on_error on the second step")
	}
}
