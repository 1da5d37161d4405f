// Package cloud talks to the provider through its CLI. The CLI is treated
// as an opaque executable: inputs are arguments, outputs are JSON on stdout
// plus an exit code. Nothing in here depends on which provider is behind
// the binary.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"
)

// Resource is one resource as reported by the provider CLI.
type Resource struct {
	ID                string            `json:"id"`
	Type              string            `json:"type"`
	Name              string            `json:"name"`
	Location          string            `json:"location"`
	ProvisioningState string            `json:"provisioning_state"`
	Properties        map[string]any    `json:"properties"`
	Tags              map[string]string `json:"tags"`
}

// Client lists resources from the provider.
type Client interface {
	ListResources(ctx context.Context, scope, resourceType string) ([]Resource, error)
}

// CLIClient implements Client by shelling out to the provider CLI.
type CLIClient struct {
	binary  string
	timeout time.Duration
}

// NewCLIClient creates a client over the given executable.
func NewCLIClient(binary string, timeout time.Duration) (*CLIClient, error) {
	if binary == "" {
		return nil, fmt.Errorf("provider CLI binary is required")
	}
	if timeout == 0 {
		timeout = 2 * time.Minute
	}
	return &CLIClient{binary: binary, timeout: timeout}, nil
}

// ListResources invokes the CLI's list subcommand and parses its JSON
// output.
func (c *CLIClient) ListResources(ctx context.Context, scope, resourceType string) ([]Resource, error) {
	args := []string{"resource", "list", "--output", "json"}
	if scope != "" {
		args = append(args, "--scope", scope)
	}
	if resourceType != "" {
		args = append(args, "--type", resourceType)
	}

	runCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, c.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("provider CLI timed out after %s", c.timeout)
		}
		return nil, fmt.Errorf("provider CLI failed: %w: %s", err, stderr.String())
	}

	var resources []Resource
	if err := json.Unmarshal(stdout.Bytes(), &resources); err != nil {
		return nil, fmt.Errorf("failed to parse provider CLI output: %w", err)
	}
	return resources, nil
}
