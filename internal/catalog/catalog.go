// Package catalog serves validated reward lookups for the ledger engine and
// the admin reward surfaces. Reads go cache-aside; admin writes invalidate.
package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/loyalty/internal/cache"
	"github.com/MarkoPoloResearchLab/loyalty/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/loyalty/pkg/loyalty"
)

const (
	rewardKeyPrefix = "loyalty:reward:"
	rewardCacheTTL  = 5 * time.Minute
)

// Catalog implements loyalty.RewardCatalog over the store with a cache layer.
type Catalog struct {
	store *gormstore.Store
	cache cache.Cache
}

// New wires a Catalog.
func New(store *gormstore.Store, rewardCache cache.Cache) *Catalog {
	if rewardCache == nil {
		rewardCache = cache.NewInMemoryCache()
	}
	return &Catalog{store: store, cache: rewardCache}
}

// GetReward resolves a reward for redemption. Missing rewards fail with
// ErrRewardNotFound, deactivated ones with ErrRewardInactive. Inactive rows
// are cached too, so a deactivated reward does not hammer the store.
func (catalog *Catalog) GetReward(ctx context.Context, rewardID loyalty.RewardID) (loyalty.Reward, error) {
	var reward loyalty.Reward
	cacheKey := rewardKeyPrefix + rewardID.String()
	if err := cache.GetJSON(ctx, catalog.cache, cacheKey, &reward); err == nil {
		return validateActive(reward)
	}
	reward, err := catalog.store.GetReward(ctx, rewardID)
	if err != nil {
		return loyalty.Reward{}, err
	}
	_ = cache.SetJSON(ctx, catalog.cache, cacheKey, reward, rewardCacheTTL)
	return validateActive(reward)
}

// ListRewards returns the full catalog, uncached (admin read path).
func (catalog *Catalog) ListRewards(ctx context.Context) ([]loyalty.Reward, error) {
	return catalog.store.ListRewards(ctx)
}

// CreateReward validates and inserts a reward.
func (catalog *Catalog) CreateReward(ctx context.Context, reward loyalty.Reward) (loyalty.Reward, error) {
	if reward.Name == "" {
		return loyalty.Reward{}, fmt.Errorf("%w: name is required", loyalty.ErrInvalidReward)
	}
	if reward.PointCost <= 0 {
		return loyalty.Reward{}, fmt.Errorf("%w: point cost must be positive", loyalty.ErrInvalidReward)
	}
	return catalog.store.CreateReward(ctx, reward)
}

// UpdateReward applies field changes and invalidates the cached row.
func (catalog *Catalog) UpdateReward(ctx context.Context, rewardID loyalty.RewardID, update gormstore.RewardUpdate) (loyalty.Reward, error) {
	if update.PointCost != nil && *update.PointCost <= 0 {
		return loyalty.Reward{}, fmt.Errorf("%w: point cost must be positive", loyalty.ErrInvalidReward)
	}
	reward, err := catalog.store.UpdateReward(ctx, rewardID, update)
	if err != nil {
		return loyalty.Reward{}, err
	}
	_ = catalog.cache.Delete(ctx, rewardKeyPrefix+rewardID.String())
	return reward, nil
}

func validateActive(reward loyalty.Reward) (loyalty.Reward, error) {
	if !reward.Active {
		return loyalty.Reward{}, fmt.Errorf("%w: %s", loyalty.ErrRewardInactive, reward.RewardID)
	}
	return reward, nil
}
