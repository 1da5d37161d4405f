package commands

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

func newWatchCommand() *cobra.Command {
	var debounce time.Duration

	cmd := &cobra.Command{
		Use:   "watch [dir]",
		Short: "Watch a document directory and validate on change",
		Long: `Watch a directory of operation and workflow documents and re-validate
each document as it changes. Useful while authoring documents: errors show
up on save instead of at run time.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			dir := a.settings.WorkflowsRoot
			if len(args) > 0 {
				dir = args[0]
			}
			if dir == "" {
				return fmt.Errorf("no directory given and no workflows root configured")
			}

			watcher, err := fsnotify.NewWatcher()
			if err != nil {
				return fmt.Errorf("failed to create watcher: %w", err)
			}
			defer watcher.Close()
			if err := watcher.Add(dir); err != nil {
				return fmt.Errorf("failed to watch %s: %w", dir, err)
			}

			a.logger.Info().Str("dir", dir).Msg("watching for document changes")

			// Editors fire several events per save; coalesce per path.
			debounce = clampDebounce(debounce)
			pending := make(map[string]time.Time)
			ticker := time.NewTicker(debounce / 2)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return nil
				case err, ok := <-watcher.Errors:
					if !ok {
						return nil
					}
					a.logger.Error().Err(err).Msg("watch error")
				case event, ok := <-watcher.Events:
					if !ok {
						return nil
					}
					if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
						continue
					}
					if !isDocument(event.Name) {
						continue
					}
					pending[event.Name] = time.Now()
				case <-ticker.C:
					for path, seen := range pending {
						if time.Since(seen) < debounce {
							continue
						}
						delete(pending, path)
						validateDocument(cmd, a, path)
					}
				}
			}
		},
	}

	cmd.Flags().DurationVar(&debounce, "debounce", 500*time.Millisecond, "settle time after a change")

	return cmd
}

// clampDebounce keeps the settle time above the floor the ticker needs.
func clampDebounce(d time.Duration) time.Duration {
	const minDebounce = 10 * time.Millisecond
	if d < minDebounce {
		return minDebounce
	}
	return d
}

func isDocument(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".cue":
		return true
	}
	return false
}

// validateDocument tries the path as a workflow first, then as an operation
// definition.
func validateDocument(cmd *cobra.Command, a *app, path string) {
	ctx := cmd.Context()

	if wf, err := a.loader.LoadWorkflow(path); err == nil && len(wf.Steps) > 0 {
		if err := a.orchestrator.ValidateWorkflow(ctx, wf); err != nil {
			fmt.Printf("%s: %v\n", path, err)
			return
		}
		fmt.Printf("%s: workflow %s ok\n", path, wf.ID)
		return
	}

	def, err := a.loader.LoadDefinition(path)
	if err != nil {
		fmt.Printf("%s: %v\n", path, err)
		return
	}
	if err := a.resolver.ValidateDefinition(def); err != nil {
		fmt.Printf("%s: %v\n", path, err)
		return
	}
	if err := a.gate.Evaluate(ctx, def); err != nil {
		fmt.Printf("%s: %v\n", path, err)
		return
	}
	fmt.Printf("%s: operation %s ok\n", path, def.ID)
}
