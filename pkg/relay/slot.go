// Copyright 2024-2026 Aiku AI

package relay

// Slot names one of the two persisted upstream session identities.
type Slot int

const (
	SlotA Slot = iota
	SlotB
)

// Slots lists both slots in rotation order.
var Slots = []Slot{SlotA, SlotB}

// Other returns the slot that is not s.
func (s Slot) Other() Slot {
	if s == SlotA {
		return SlotB
	}
	return SlotA
}

// String returns the storage name of the slot.
func (s Slot) String() string {
	if s == SlotB {
		return "b"
	}
	return "a"
}

// ParseSlot is the inverse of String.
func ParseSlot(name string) (Slot, bool) {
	switch name {
	case "a", "A":
		return SlotA, true
	case "b", "B":
		return SlotB, true
	default:
		return SlotA, false
	}
}
