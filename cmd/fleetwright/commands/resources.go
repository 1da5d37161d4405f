package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fleetwright/fleetwright/pkg/stores"
)

func newResourcesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resources",
		Short: "Inspect and maintain the resource cache",
	}
	cmd.AddCommand(newResourcesSyncCommand())
	cmd.AddCommand(newResourcesListCommand())
	cmd.AddCommand(newResourcesInvalidateCommand())
	cmd.AddCommand(newResourcesPruneCommand())
	return cmd
}

func newResourcesSyncCommand() *cobra.Command {
	var (
		scope        string
		resourceType string
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile the cache against the provider",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			syncer, err := a.cloudSyncer()
			if err != nil {
				return err
			}
			if scope == "" {
				scope = a.settings.Cloud.Scope
			}

			result, err := syncer.Sync(ctx, scope, resourceType)
			if err != nil {
				return err
			}
			fmt.Printf("listed=%d stored=%d removed=%d\n",
				result.Listed, result.Stored, result.Removed)
			return nil
		},
	}

	cmd.Flags().StringVar(&scope, "scope", "", "provider scope to sync")
	cmd.Flags().StringVar(&resourceType, "type", "", "restrict to one resource type")

	return cmd
}

func newResourcesListCommand() *cobra.Command {
	var (
		resourceType   string
		scope          string
		namePattern    string
		includeDeleted bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cached resources with freshness flags",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			results, err := a.store.Query(ctx, stores.ResourceFilter{
				Type:           resourceType,
				Scope:          scope,
				NamePattern:    namePattern,
				IncludeDeleted: includeDeleted,
			})
			if err != nil {
				return err
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(results)
			}
			if len(results) == 0 {
				fmt.Println("no resources")
				return nil
			}
			fresh, stale := 0, 0
			for _, r := range results {
				flag := ""
				if r.Stale {
					flag = " (stale)"
					stale++
				} else {
					fresh++
				}
				if r.Resource.DeletedAt != nil {
					flag = " (deleted)"
				}
				fmt.Printf("%-12s %-30s %-15s %s%s\n",
					r.Resource.Type, r.Resource.Name, r.Resource.ProvisioningState,
					r.Resource.ExternalID, flag)
			}
			a.metrics.SetCachedResources(fresh, stale)
			return nil
		},
	}

	cmd.Flags().StringVar(&resourceType, "type", "", "filter by resource type")
	cmd.Flags().StringVar(&scope, "scope", "", "filter by scope")
	cmd.Flags().StringVar(&namePattern, "name", "", "filter by name glob")
	cmd.Flags().BoolVar(&includeDeleted, "deleted", false, "include tombstoned resources")

	return cmd
}

func newResourcesInvalidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "invalidate <pattern>",
		Short: "Mark cached resources stale without deleting them",
		Long: `Clear the freshness timestamp of every resource whose external id or
name matches the glob pattern. The rows stay in the cache; queries flag
them as stale until the next sync refreshes them.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			affected, err := a.store.Invalidate(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("invalidated %d resources\n", affected)
			return nil
		},
	}
}

func newResourcesPruneCommand() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove tombstoned resources past the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			pruned, err := a.store.PruneDeleted(ctx, olderThan)
			if err != nil {
				return err
			}
			fmt.Printf("pruned %d resources\n", pruned)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "minimum tombstone age")

	return cmd
}
