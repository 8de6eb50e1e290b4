package enums

import "fmt"

// ViolationKind maps to the violation_kind enum in Postgres.
type ViolationKind string

const (
	ViolationOrphan    ViolationKind = "orphan"
	ViolationFanOut    ViolationKind = "fan_out"
	ViolationFillOrder ViolationKind = "fill_order"
	ViolationCycle     ViolationKind = "cycle"
)

var validViolationKinds = []ViolationKind{
	ViolationOrphan,
	ViolationFanOut,
	ViolationFillOrder,
	ViolationCycle,
}

// IsValid reports whether the value matches the canonical violation_kind enum.
func (k ViolationKind) IsValid() bool {
	for _, candidate := range validViolationKinds {
		if candidate == k {
			return true
		}
	}
	return false
}

// ParseViolationKind converts raw input into ViolationKind.
func ParseViolationKind(value string) (ViolationKind, error) {
	for _, candidate := range validViolationKinds {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid violation kind %q", value)
}
