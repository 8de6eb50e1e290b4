package placement

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/angelmondragon/poolnet-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/poolnet-backend/pkg/errors"
)

// Capacity is the fixed fan-out of both trees.
const Capacity = 3

// Resolver finds the next open slot in a tree. It has no side effects; the
// caller writes the assignment in the same unit of work.
type Resolver struct {
	repo Repository
}

func NewResolver(repo Repository) (*Resolver, error) {
	if repo == nil {
		return nil, fmt.Errorf("placement repository required")
	}
	return &Resolver{repo: repo}, nil
}

// FindSlot walks the tree breadth-first from rootID and returns the leftmost,
// shallowest node with fewer than Capacity children. Siblings are visited in
// creation order, ties broken by id, so re-runs over the same snapshot agree.
// Children are loaded one level at a time.
func (r *Resolver) FindSlot(ctx context.Context, tx *gorm.DB, rootID uint64, tree enums.TreeKind) (uint64, error) {
	if !tree.IsValid() {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "invalid tree").WithDetails(map[string]any{"tree": tree})
	}
	repo := r.repo.WithTx(tx)

	if _, err := repo.FindNode(ctx, rootID); err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
			return 0, pkgerrors.Wrap(pkgerrors.CodeConfiguration, err, "placement root not found").WithDetails(map[string]any{
				"root_id": rootID,
				"tree":    tree,
			})
		}
		return 0, err
	}

	visited := map[uint64]struct{}{rootID: {}}
	level := []uint64{rootID}
	for len(level) > 0 {
		children, err := repo.ChildrenOf(ctx, level, tree)
		if err != nil {
			return 0, err
		}
		byParent := make(map[uint64][]uint64, len(level))
		for _, child := range children {
			parent := child.ParentID(tree)
			if parent == nil {
				continue
			}
			byParent[*parent] = append(byParent[*parent], child.ID)
		}

		for _, id := range level {
			if len(byParent[id]) < Capacity {
				return id, nil
			}
		}

		next := make([]uint64, 0, len(level)*Capacity)
		for _, id := range level {
			for _, child := range byParent[id] {
				if _, seen := visited[child]; seen {
					return 0, pkgerrors.New(pkgerrors.CodeIntegrity, "placement cycle detected").WithDetails(map[string]any{
						"root_id": rootID,
						"node_id": child,
						"tree":    tree,
					})
				}
				visited[child] = struct{}{}
				next = append(next, child)
			}
		}
		level = next
	}

	return 0, pkgerrors.New(pkgerrors.CodeIntegrity, "placement search exhausted the tree").WithDetails(map[string]any{
		"root_id": rootID,
		"tree":    tree,
	})
}
