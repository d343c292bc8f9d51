package adaptive

import (
	"sync/atomic"

	"flowguard/internal/model"
)

// Conditions holds the process-wide network condition state behind an
// atomic replace. Readers always see a complete snapshot; there is no
// partially-updated state.
type Conditions struct {
	v atomic.Value
}

func NewConditions() *Conditions {
	c := &Conditions{}
	c.v.Store(model.NetworkConditions{})
	return c
}

// Get returns the current snapshot.
func (c *Conditions) Get() model.NetworkConditions {
	return c.v.Load().(model.NetworkConditions)
}

// Update replaces the snapshot as a whole.
func (c *Conditions) Update(nc model.NetworkConditions) {
	c.v.Store(nc)
}
