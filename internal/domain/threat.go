package domain

import "fmt"

// SlotCount is the number of policy slots in a threat. A resolver cannot have
// more policies than slots.
const SlotCount = 12

// Threat is the per-resolver decision vector for one domain hash.
type Threat struct {
	Hash     uint64
	Accuracy int
	Slots    [SlotCount]Flag

	// Domain is kept for diagnostics only, it is never published.
	Domain string
}

func NewThreat(hash uint64) *Threat {
	return &Threat{Hash: hash}
}

// SetSlot stores f at slot i. i outside [0, SlotCount) is a programming error.
func (t *Threat) SetSlot(i int, f Flag) {
	if i < 0 || i >= SlotCount {
		panic(fmt.Sprintf("threat slot %d out of range [0,%d)", i, SlotCount))
	}
	t.Slots[i] = f
}

func (t *Threat) Slot(i int) Flag {
	if i < 0 || i >= SlotCount {
		panic(fmt.Sprintf("threat slot %d out of range [0,%d)", i, SlotCount))
	}
	return t.Slots[i]
}

// IsSet reports whether any slot holds a flag.
func (t *Threat) IsSet() bool {
	for _, f := range t.Slots {
		if f != FlagNone {
			return true
		}
	}
	return false
}

// FlagBytes encodes every slot as a single byte.
func (t *Threat) FlagBytes() []byte {
	b := make([]byte, SlotCount)
	for i, f := range t.Slots {
		b[i] = byte(f)
	}
	return b
}
