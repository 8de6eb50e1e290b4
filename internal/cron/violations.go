package cron

import (
	"context"
	"time"

	"github.com/lib/pq"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/poolnet-backend/pkg/db/models"
	"github.com/angelmondragon/poolnet-backend/pkg/enums"
)

// Finding is one violation observed by a scan.
type Finding struct {
	Kind    enums.ViolationKind
	Tree    enums.TreeKind
	NodeID  uint64
	Related []uint64
	Detail  string
}

type violationRecorder interface {
	Record(ctx context.Context, tx *gorm.DB, finding Finding, at time.Time) error
}

// ViolationRepository keeps one row per (kind, tree, node) and counts how
// often a scan saw it again.
type ViolationRepository struct{}

func NewViolationRepository() *ViolationRepository {
	return &ViolationRepository{}
}

func (r *ViolationRepository) Record(ctx context.Context, tx *gorm.DB, finding Finding, at time.Time) error {
	related := make(pq.Int64Array, 0, len(finding.Related))
	for _, id := range finding.Related {
		related = append(related, int64(id))
	}
	row := models.IntegrityViolation{
		Kind:            finding.Kind,
		Tree:            finding.Tree,
		NodeID:          finding.NodeID,
		RelatedNodeIDs:  related,
		Detail:          finding.Detail,
		Occurrences:     1,
		FirstDetectedAt: at,
		LastDetectedAt:  at,
	}
	return tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "kind"}, {Name: "tree"}, {Name: "node_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"occurrences":      gorm.Expr("integrity_violations.occurrences + 1"),
				"last_detected_at": at,
				"detail":           finding.Detail,
				"related_node_ids": related,
				"resolved_at":      nil,
			}),
		}).
		Create(&row).Error
}
