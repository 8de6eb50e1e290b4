package placement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/poolnet-backend/pkg/db/models"
	"github.com/angelmondragon/poolnet-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/poolnet-backend/pkg/errors"
)

// Repository reads and writes tree links on nodes.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	FindNode(ctx context.Context, nodeID uint64) (*models.Node, error)
	LockNode(ctx context.Context, nodeID uint64) (*models.Node, error)
	ChildrenOf(ctx context.Context, parentIDs []uint64, tree enums.TreeKind) ([]models.Node, error)
	CountChildren(ctx context.Context, parentID uint64, tree enums.TreeKind) (int64, error)
	AssignParent(ctx context.Context, nodeID, parentID uint64, tree enums.TreeKind, placedAt time.Time) (bool, error)
	ListLinks(ctx context.Context) ([]models.Node, error)
	ListUnplaced(ctx context.Context, tree enums.TreeKind, createdBefore time.Time, limit int) ([]models.Node, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a placement repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func parentColumn(tree enums.TreeKind) string {
	if tree == enums.TreeAuto {
		return "auto_parent_id"
	}
	return "self_parent_id"
}

func placedAtColumn(tree enums.TreeKind) string {
	if tree == enums.TreeAuto {
		return "auto_placed_at"
	}
	return "self_placed_at"
}

func (r *repository) FindNode(ctx context.Context, nodeID uint64) (*models.Node, error) {
	return findNode(r.db.WithContext(ctx), nodeID)
}

func (r *repository) LockNode(ctx context.Context, nodeID uint64) (*models.Node, error) {
	return findNode(r.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), nodeID)
}

func findNode(query *gorm.DB, nodeID uint64) (*models.Node, error) {
	var node models.Node
	err := query.Where("id = ?", nodeID).First(&node).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "node not found").WithDetails(map[string]any{"node_id": nodeID})
	}
	if err != nil {
		return nil, err
	}
	return &node, nil
}

// ChildrenOf loads the children of every parent in one query, ordered by
// parent, then creation time, then id.
func (r *repository) ChildrenOf(ctx context.Context, parentIDs []uint64, tree enums.TreeKind) ([]models.Node, error) {
	if len(parentIDs) == 0 {
		return nil, nil
	}
	col := parentColumn(tree)
	var children []models.Node
	if err := r.db.WithContext(ctx).
		Select("id", "sponsor_id", "self_parent_id", "auto_parent_id", "created_at", "self_placed_at", "auto_placed_at").
		Where(col+" IN ?", parentIDs).
		Order(col + " ASC").
		Order("created_at ASC").
		Order("id ASC").
		Find(&children).Error; err != nil {
		return nil, err
	}
	return children, nil
}

func (r *repository) CountChildren(ctx context.Context, parentID uint64, tree enums.TreeKind) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Node{}).
		Where(parentColumn(tree)+" = ?", parentID).
		Count(&count).Error
	return count, err
}

// AssignParent writes the parent link only while it is still empty and
// reports whether the row changed.
func (r *repository) AssignParent(ctx context.Context, nodeID, parentID uint64, tree enums.TreeKind, placedAt time.Time) (bool, error) {
	col := parentColumn(tree)
	res := r.db.WithContext(ctx).
		Model(&models.Node{}).
		Where(fmt.Sprintf("id = ? AND %s IS NULL", col), nodeID).
		Updates(map[string]any{
			col:                  parentID,
			placedAtColumn(tree): placedAt,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ListLinks loads the tree links of every node for the offline audits.
func (r *repository) ListLinks(ctx context.Context) ([]models.Node, error) {
	var nodes []models.Node
	if err := r.db.WithContext(ctx).
		Select("id", "sponsor_id", "self_parent_id", "auto_parent_id", "status", "created_at", "self_placed_at", "auto_placed_at").
		Order("id ASC").
		Find(&nodes).Error; err != nil {
		return nil, err
	}
	return nodes, nil
}

func (r *repository) ListUnplaced(ctx context.Context, tree enums.TreeKind, createdBefore time.Time, limit int) ([]models.Node, error) {
	query := r.db.WithContext(ctx).
		Where(parentColumn(tree)+" IS NULL").
		Where("status = ?", enums.NodeStatusActive).
		Where("created_at < ?", createdBefore).
		Order("created_at ASC").
		Order("id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var nodes []models.Node
	if err := query.Find(&nodes).Error; err != nil {
		return nil, err
	}
	return nodes, nil
}
