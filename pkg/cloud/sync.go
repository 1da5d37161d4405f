package cloud

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fleetwright/fleetwright/pkg/stores"
)

// SyncResult summarizes one synchronization pass.
type SyncResult struct {
	Listed  int `json:"listed"`
	Stored  int `json:"stored"`
	Removed int `json:"removed"`
}

// Syncer reconciles the local resource cache against the provider: every
// listed resource is upserted, and cached resources the provider no longer
// reports are soft-deleted. Discovery stores rows as unmanaged; a row created
// by an operation keeps its managed flag across syncs.
type Syncer struct {
	client Client
	store  stores.Store
	logger zerolog.Logger
}

// NewSyncer creates a syncer.
func NewSyncer(client Client, store stores.Store, logger zerolog.Logger) *Syncer {
	return &Syncer{
		client: client,
		store:  store,
		logger: logger.With().Str("component", "sync").Logger(),
	}
}

// Sync runs one full pass over the given scope. An empty resource type
// lists everything.
func (s *Syncer) Sync(ctx context.Context, scope, resourceType string) (*SyncResult, error) {
	listed, err := s.client.ListResources(ctx, scope, resourceType)
	if err != nil {
		return nil, fmt.Errorf("failed to list provider resources: %w", err)
	}

	result := &SyncResult{Listed: len(listed)}
	seen := make(map[string]bool, len(listed))

	for _, r := range listed {
		if r.ID == "" {
			s.logger.Warn().Str("name", r.Name).Msg("skipping resource without id")
			continue
		}
		seen[r.ID] = true

		props, err := json.Marshal(r.Properties)
		if err != nil {
			props = []byte("{}")
		}
		tags, err := json.Marshal(r.Tags)
		if err != nil {
			tags = []byte("{}")
		}

		rec := &stores.Resource{
			ID:                uuid.New().String(),
			ExternalID:        r.ID,
			Type:              r.Type,
			Name:              r.Name,
			Scope:             scope,
			Location:          r.Location,
			ProvisioningState: r.ProvisioningState,
			Properties:        string(props),
			Tags:              string(tags),
			Managed:           false,
		}
		if err := s.store.StoreResource(ctx, rec); err != nil {
			return result, fmt.Errorf("failed to store resource %s: %w", r.ID, err)
		}
		result.Stored++
	}

	// Resources the provider stopped reporting get tombstoned, not dropped,
	// so history and dependency edges survive.
	cached, err := s.store.Query(ctx, stores.ResourceFilter{
		Type:  resourceType,
		Scope: scope,
	})
	if err != nil {
		return result, fmt.Errorf("failed to query cached resources: %w", err)
	}
	for _, qr := range cached {
		if seen[qr.Resource.ExternalID] {
			continue
		}
		if err := s.store.SoftDeleteResource(ctx, qr.Resource.ExternalID); err != nil {
			return result, fmt.Errorf("failed to tombstone resource %s: %w", qr.Resource.ExternalID, err)
		}
		result.Removed++
	}

	s.logger.Info().
		Str("scope", scope).
		Int("listed", result.Listed).
		Int("stored", result.Stored).
		Int("removed", result.Removed).
		Msg("resource sync complete")
	return result, nil
}
