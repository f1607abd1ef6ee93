package model

import "github.com/m-mizutani/goerr/v2"

// DefaultCapacity is the number of entries kept per conversation
const DefaultCapacity = 30

// RetentionPolicy caps each conversation at Capacity entries, evicting the
// oldest ones first.
type RetentionPolicy struct {
	Capacity int
}

// DefaultRetentionPolicy returns the policy with DefaultCapacity
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{Capacity: DefaultCapacity}
}

// Validate checks if the policy is usable
func (p RetentionPolicy) Validate() error {
	if p.Capacity < 1 {
		return goerr.New("retention capacity must be at least 1", goerr.V(CapacityKey, p.Capacity))
	}
	return nil
}

// Excess returns how many of the oldest entries must be evicted from a
// conversation holding count entries.
func (p RetentionPolicy) Excess(count int) int {
	if count <= p.Capacity {
		return 0
	}
	return count - p.Capacity
}
