package loyalty

import (
	"fmt"
	"sort"
	"sync/atomic"
)

// TierTable resolves tiers against an immutable, validated snapshot of the
// ordered tier set. Administrator edits replace the snapshot atomically, so an
// in-flight resolve never observes a partially applied tier set.
type TierTable struct {
	snapshot atomic.Pointer[tierSnapshot]
}

type tierSnapshot struct {
	tiers []Tier
}

// NewTierTable validates the tier set and builds a table over it.
func NewTierTable(tiers []Tier) (*TierTable, error) {
	snapshot, err := newTierSnapshot(tiers)
	if err != nil {
		return nil, err
	}
	table := &TierTable{}
	table.snapshot.Store(snapshot)
	return table, nil
}

// Replace swaps in a new validated tier set.
func (table *TierTable) Replace(tiers []Tier) error {
	snapshot, err := newTierSnapshot(tiers)
	if err != nil {
		return err
	}
	table.snapshot.Store(snapshot)
	return nil
}

// Resolve returns the highest tier whose threshold does not exceed points.
func (table *TierTable) Resolve(points Points) (Tier, error) {
	snapshot := table.snapshot.Load()
	if snapshot == nil || len(snapshot.tiers) == 0 {
		return Tier{}, fmt.Errorf("%w: no tiers configured", ErrTierConfiguration)
	}
	resolved := snapshot.tiers[0]
	for _, tier := range snapshot.tiers[1:] {
		if tier.Threshold > points {
			break
		}
		resolved = tier
	}
	return resolved, nil
}

// Tiers returns a copy of the current ordered tier set.
func (table *TierTable) Tiers() []Tier {
	snapshot := table.snapshot.Load()
	if snapshot == nil {
		return nil
	}
	tiers := make([]Tier, len(snapshot.tiers))
	copy(tiers, snapshot.tiers)
	return tiers
}

// Lookup finds a tier by name in the current snapshot.
func (table *TierTable) Lookup(name string) (Tier, bool) {
	snapshot := table.snapshot.Load()
	if snapshot == nil {
		return Tier{}, false
	}
	for _, tier := range snapshot.tiers {
		if tier.Name == name {
			return tier, true
		}
	}
	return Tier{}, false
}

func newTierSnapshot(tiers []Tier) (*tierSnapshot, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("%w: no tiers configured", ErrTierConfiguration)
	}
	ordered := make([]Tier, len(tiers))
	copy(ordered, tiers)
	sort.SliceStable(ordered, func(left, right int) bool {
		return ordered[left].Threshold < ordered[right].Threshold
	})
	if ordered[0].Threshold != 0 {
		return nil, fmt.Errorf("%w: base tier with threshold 0 is required", ErrTierConfiguration)
	}
	names := make(map[string]struct{}, len(ordered))
	for index, tier := range ordered {
		if tier.Name == "" {
			return nil, fmt.Errorf("%w: tier name is required", ErrTierConfiguration)
		}
		if tier.Threshold < 0 {
			return nil, fmt.Errorf("%w: tier %q has negative threshold", ErrTierConfiguration, tier.Name)
		}
		if _, exists := names[tier.Name]; exists {
			return nil, fmt.Errorf("%w: duplicate tier name %q", ErrTierConfiguration, tier.Name)
		}
		names[tier.Name] = struct{}{}
		if index > 0 && tier.Threshold == ordered[index-1].Threshold {
			return nil, fmt.Errorf("%w: tiers %q and %q share threshold %d", ErrTierConfiguration, ordered[index-1].Name, tier.Name, tier.Threshold)
		}
	}
	return &tierSnapshot{tiers: ordered}, nil
}
