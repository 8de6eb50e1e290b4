package enums

import "fmt"

// PlacementJobStatus maps to the placement_job_status enum in Postgres.
type PlacementJobStatus string

const (
	PlacementJobQueued    PlacementJobStatus = "queued"
	PlacementJobRunning   PlacementJobStatus = "running"
	PlacementJobCompleted PlacementJobStatus = "completed"
	PlacementJobFailed    PlacementJobStatus = "failed"
)

var validPlacementJobStatuses = []PlacementJobStatus{
	PlacementJobQueued,
	PlacementJobRunning,
	PlacementJobCompleted,
	PlacementJobFailed,
}

// IsValid reports whether the value matches the canonical placement_job_status enum.
func (s PlacementJobStatus) IsValid() bool {
	for _, candidate := range validPlacementJobStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the job will not be picked up again by the runner.
func (s PlacementJobStatus) IsTerminal() bool {
	return s == PlacementJobCompleted
}

// ParsePlacementJobStatus converts raw input into PlacementJobStatus.
func ParsePlacementJobStatus(value string) (PlacementJobStatus, error) {
	for _, candidate := range validPlacementJobStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid placement job status %q", value)
}
