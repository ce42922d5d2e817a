package migration

import (
	"context"
	"errors"
	"fmt"

	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/repo"
	"github.com/parley-ai/parley/pkg/serviceerr"
)

// CompositeMapper assembles multi-version plan chains. A session several
// versions behind is migrated through every intermediate plan as one
// logical migration.
type CompositeMapper struct {
	configs repo.ConfigRepository
}

// NewCompositeMapper creates a mapper over the config repository.
func NewCompositeMapper(configs repo.ConfigRepository) *CompositeMapper {
	return &CompositeMapper{configs: configs}
}

// PlanChain returns the ordered plans covering fromVersion up to
// toVersion. An incomplete chain returns nil, which routes reconciliation
// to the hash-match fallback.
func (m *CompositeMapper) PlanChain(ctx context.Context, t repo.Tenant, scenarioID string, fromVersion, toVersion int) ([]*models.MigrationPlan, error) {
	if fromVersion >= toVersion {
		return nil, nil
	}
	var chain []*models.MigrationPlan
	v := fromVersion
	for v < toVersion {
		plan, err := m.configs.GetMigrationPlan(ctx, t, scenarioID, v)
		if err != nil {
			if errors.Is(err, serviceerr.ErrNotFound) {
				return nil, nil
			}
			return nil, fmt.Errorf("loading plan %s v%d: %w", scenarioID, v, err)
		}
		if plan.ToVersion <= v {
			return nil, fmt.Errorf("plan %s v%d does not advance: %w", scenarioID, v, serviceerr.ErrInvalidInput)
		}
		chain = append(chain, plan)
		v = plan.ToVersion
	}
	if v != toVersion {
		return nil, nil
	}
	return chain, nil
}
