package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/gorm"

	"github.com/angelmondragon/poolnet-backend/pkg/enums"
)

// IntegrityViolation is a finding of the reconciliation scans. Findings are
// reported, never auto-corrected.
type IntegrityViolation struct {
	ID              uuid.UUID           `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	Kind            enums.ViolationKind `gorm:"column:kind;type:violation_kind;not null"`
	Tree            enums.TreeKind      `gorm:"column:tree;type:tree_kind;not null"`
	NodeID          uint64              `gorm:"column:node_id;not null"`
	RelatedNodeIDs  pq.Int64Array       `gorm:"column:related_node_ids;type:bigint[]"`
	Detail          string              `gorm:"column:detail;not null"`
	Occurrences     int                 `gorm:"column:occurrences;not null;default:1"`
	FirstDetectedAt time.Time           `gorm:"column:first_detected_at;not null"`
	LastDetectedAt  time.Time           `gorm:"column:last_detected_at;not null"`
	ResolvedAt      *time.Time          `gorm:"column:resolved_at"`
}

func (v *IntegrityViolation) BeforeCreate(tx *gorm.DB) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	return nil
}
