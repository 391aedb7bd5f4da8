package policy

import (
	"fmt"
	"sync/atomic"
)

// Holder publishes the current Config snapshot. Readers call Load once per
// evaluation and keep using that pointer, so a concurrent Swap never changes
// settings underneath an in-flight evaluation.
type Holder struct {
	cur atomic.Pointer[Config]
}

// NewHolder validates c and returns a Holder publishing it.
func NewHolder(c Config) (*Holder, error) {
	h := &Holder{}
	if err := h.Swap(c); err != nil {
		return nil, err
	}
	return h, nil
}

// Load returns the current snapshot. The returned Config must not be mutated.
func (h *Holder) Load() *Config {
	return h.cur.Load()
}

// Swap normalizes and validates c, then atomically replaces the snapshot.
// An invalid Config leaves the current snapshot in place.
func (h *Holder) Swap(c Config) error {
	n := c.Normalize()
	if err := n.Validate(); err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	h.cur.Store(&n)
	return nil
}
