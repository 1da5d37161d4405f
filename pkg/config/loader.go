package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/fleetwright/fleetwright/pkg/engine"
)

// Loader resolves document references into parsed operation definitions and
// workflows. A reference is tried as a literal path first, then relative to
// the project root, then relative to the workflows root. References without
// an extension try .yaml, .yml, and .cue in that order.
type Loader struct {
	projectRoot   string
	workflowsRoot string
}

// NewLoader creates a loader over the two search roots. Either root may be
// empty.
func NewLoader(projectRoot, workflowsRoot string) *Loader {
	return &Loader{
		projectRoot:   projectRoot,
		workflowsRoot: workflowsRoot,
	}
}

var docExtensions = []string{".yaml", ".yml", ".cue"}

// locate resolves a document reference to an existing file path.
func (l *Loader) locate(ref string) (string, error) {
	candidates := []string{ref}
	if l.projectRoot != "" {
		candidates = append(candidates, filepath.Join(l.projectRoot, ref))
	}
	if l.workflowsRoot != "" {
		candidates = append(candidates, filepath.Join(l.workflowsRoot, ref))
	}

	for _, candidate := range candidates {
		if filepath.Ext(candidate) != "" {
			if fileExists(candidate) {
				return candidate, nil
			}
			continue
		}
		for _, ext := range docExtensions {
			if fileExists(candidate + ext) {
				return candidate + ext, nil
			}
		}
	}
	return "", fmt.Errorf("document not found: %s", ref)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// decodeDocument reads a document file and decodes it into out. CUE files
// compile and export to JSON first so YAML and CUE documents share one set
// of decoding rules.
func decodeDocument(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read document %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		ctx := cuecontext.New()
		val := ctx.CompileBytes(data, cue.Filename(path))
		if err := val.Err(); err != nil {
			return fmt.Errorf("failed to compile %s: %w", path, err)
		}
		jsonData, err := val.MarshalJSON()
		if err != nil {
			return fmt.Errorf("failed to export %s: %w", path, err)
		}
		if err := json.Unmarshal(jsonData, out); err != nil {
			return fmt.Errorf("failed to decode %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode %s: %w", path, err)
		}
	}
	return nil
}

// LoadDefinition implements engine.DefinitionLoader.
func (l *Loader) LoadDefinition(ref string) (*engine.OperationDefinition, error) {
	path, err := l.locate(ref)
	if err != nil {
		return nil, err
	}
	var def engine.OperationDefinition
	if err := decodeDocument(path, &def); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadWorkflow loads a workflow document.
func (l *Loader) LoadWorkflow(ref string) (*engine.Workflow, error) {
	path, err := l.locate(ref)
	if err != nil {
		return nil, err
	}
	var wf engine.Workflow
	if err := decodeDocument(path, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}
