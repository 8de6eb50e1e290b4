// Package progress keeps the per (node, tier, tree) revenue line the waterfall
// fills: total revenue received plus the running fill of each bucket.
package progress

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/poolnet-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/poolnet-backend/pkg/errors"
	"github.com/angelmondragon/poolnet-backend/pkg/types"
)

// Record folds one distribution into row. Fills may only grow, and their sum
// may never exceed the revenue recorded so far.
func Record(row *models.LevelProgress, amount decimal.Decimal, fills types.BucketFills, completed bool) error {
	if row == nil {
		return fmt.Errorf("progress row required")
	}
	if amount.IsNegative() {
		return pkgerrors.New(pkgerrors.CodeValidation, "amount must not be negative")
	}

	for _, prev := range row.Buckets {
		if fills.Filled(prev.Name).LessThan(prev.Filled) {
			return integrityFault(row, fmt.Sprintf("bucket %q would shrink from %s to %s", prev.Name, prev.Filled, fills.Filled(prev.Name)))
		}
	}

	revenue := row.TotalRevenue.Add(amount)
	if fills.Total().GreaterThan(revenue) {
		return integrityFault(row, fmt.Sprintf("bucket fills %s exceed revenue %s", fills.Total(), revenue))
	}
	if row.IsCompleted && !completed {
		return integrityFault(row, "completed progress cannot reopen")
	}

	row.TotalRevenue = revenue
	row.Buckets = fills
	row.IsCompleted = completed
	return nil
}

func integrityFault(row *models.LevelProgress, msg string) error {
	return pkgerrors.New(pkgerrors.CodeIntegrity, "level progress: "+msg).WithDetails(map[string]any{
		"node_id": row.NodeID,
		"tier":    row.Tier,
		"tree":    row.Tree,
	})
}
