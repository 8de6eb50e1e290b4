package enums

import (
	"fmt"
	"strings"
)

// TreeKind maps to the tree_kind enum in Postgres.
type TreeKind string

const (
	TreeSelf TreeKind = "self"
	TreeAuto TreeKind = "auto"
)

var validTreeKinds = []TreeKind{
	TreeSelf,
	TreeAuto,
}

// IsValid reports whether the value matches the canonical tree_kind enum.
func (t TreeKind) IsValid() bool {
	for _, candidate := range validTreeKinds {
		if candidate == t {
			return true
		}
	}
	return false
}

func (t TreeKind) String() string {
	return string(t)
}

// ParseTreeKind converts raw input into TreeKind.
func ParseTreeKind(value string) (TreeKind, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	for _, candidate := range validTreeKinds {
		if string(candidate) == normalized {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid tree kind %q", value)
}

// AllTreeKinds returns every tree in a stable order.
func AllTreeKinds() []TreeKind {
	return append([]TreeKind(nil), validTreeKinds...)
}
