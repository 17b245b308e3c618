package registry

import (
	"sync/atomic"

	"threat-assembler/internal/domain"
)

// Holder keeps the current threat snapshot. Readers get an immutable value
// that stays valid after a later Set.
type Holder struct {
	value atomic.Pointer[domain.Snapshot]
}

func NewHolder() *Holder {
	h := &Holder{}
	h.value.Store(&domain.Snapshot{})
	return h
}

func (h *Holder) Get() *domain.Snapshot {
	return h.value.Load()
}

func (h *Holder) Set(s *domain.Snapshot) {
	h.value.Store(s)
}
