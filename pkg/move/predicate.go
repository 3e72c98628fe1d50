package move

import "github.com/cuemby/bfscore/pkg/types"

// PredicateMissingReplicas selects extents whose dirty-pointer count has
// fallen below wanted, the rereplicate job kind.
func PredicateMissingReplicas(wanted int) func(*types.Extent) bool {
	return func(e *types.Extent) bool {
		return len(e.DirtyPointers()) < wanted
	}
}

// PredicateOnDevice selects extents with a pointer to deviceID, the
// migrate job kind.
func PredicateOnDevice(deviceID int) func(*types.Extent) bool {
	return func(e *types.Extent) bool {
		return hasDevice(e.Pointers, deviceID)
	}
}

// TierOf resolves the storage tier a device belongs to; move.PredicateWrongTier
// uses it to find extents that should be relocated to a different tier.
type TierOf func(deviceID int) (types.Tier, bool)

// PredicateWrongTier selects extents none of whose dirty pointers live on
// a device in want, the background-tiering job kind.
func PredicateWrongTier(tierOf TierOf, want types.Tier) func(*types.Extent) bool {
	return func(e *types.Extent) bool {
		for _, ptr := range e.DirtyPointers() {
			if tier, ok := tierOf(ptr.DeviceID); ok && tier == want {
				return false
			}
		}
		return true
	}
}
