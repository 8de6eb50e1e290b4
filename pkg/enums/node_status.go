package enums

import "fmt"

// NodeStatus maps to the node_status enum in Postgres.
type NodeStatus string

const (
	NodeStatusActive   NodeStatus = "active"
	NodeStatusInactive NodeStatus = "inactive"
)

var validNodeStatuses = []NodeStatus{
	NodeStatusActive,
	NodeStatusInactive,
}

func (s NodeStatus) IsValid() bool {
	for _, candidate := range validNodeStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

func ParseNodeStatus(value string) (NodeStatus, error) {
	for _, candidate := range validNodeStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid node status %q", value)
}
