package marketplace

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/meschain/sync-core/internal/model"
	"github.com/meschain/sync-core/internal/scheduler"
)

// NewSyncHandler returns the handler for sync tasks. Task params narrow
// the scope: "marketplace" selects one channel (default all) and
// "entity" selects products or orders (default both). Marketplaces
// without credentials are skipped, not failed, so a partially onboarded
// install still syncs what it can.
func NewSyncHandler(registry *Registry, logger *zap.Logger) scheduler.TaskHandler {
	log := logger.Named("sync-handler")

	return scheduler.HandlerFunc(func(ctx context.Context, task *model.ScheduledTask) (*model.TaskResult, error) {
		helpers, err := selectHelpers(registry, task.Params["marketplace"])
		if err != nil {
			return nil, err
		}
		entities, err := selectEntities(task.Params["entity"])
		if err != nil {
			return nil, err
		}

		var (
			errs  error
			total int
			parts []string
		)
		for _, h := range helpers {
			for _, entity := range entities {
				result, err := runSync(ctx, h, entity, task.TenantID)
				if err != nil {
					if errors.Is(err, ErrNotConfigured) {
						log.Debug("Skipping unconfigured marketplace",
							zap.String("marketplace", string(h.Marketplace())))
						continue
					}
					errs = multierr.Append(errs, err)
					continue
				}
				total += result.ItemsSynced
				parts = append(parts, fmt.Sprintf("%s/%s: %d", h.Marketplace(), entity, result.ItemsSynced))
			}
		}

		if errs != nil {
			return nil, errs
		}
		return &model.TaskResult{
			Output:         strings.Join(parts, ", "),
			ItemsProcessed: total,
		}, nil
	})
}

func runSync(ctx context.Context, h Helper, entity, tenantID string) (*model.SyncResult, error) {
	if entity == EntityOrders {
		return h.SyncOrders(ctx, tenantID)
	}
	return h.SyncProducts(ctx, tenantID)
}

func selectHelpers(registry *Registry, name string) ([]Helper, error) {
	if name == "" {
		return registry.All(), nil
	}
	h, err := registry.Helper(model.Marketplace(name))
	if err != nil {
		return nil, err
	}
	return []Helper{h}, nil
}

func selectEntities(name string) ([]string, error) {
	switch name {
	case "":
		return []string{EntityProducts, EntityOrders}, nil
	case EntityProducts, EntityOrders:
		return []string{name}, nil
	default:
		return nil, fmt.Errorf("unknown sync entity %q", name)
	}
}
