package waterfall

import (
	"fmt"

	"github.com/shopspring/decimal"

	pkgerrors "github.com/angelmondragon/poolnet-backend/pkg/errors"
	"github.com/angelmondragon/poolnet-backend/pkg/plan"
	"github.com/angelmondragon/poolnet-backend/pkg/types"
)

// Fill is what one distribution did to one bucket.
type Fill struct {
	Bucket  plan.Bucket
	Before  decimal.Decimal
	Applied decimal.Decimal
	After   decimal.Decimal
	// Reached is set only on the call that brought the bucket to capacity.
	Reached bool
}

// Allocation is the pure result of routing an amount through a tier's buckets.
type Allocation struct {
	Fills  []Fill
	Profit decimal.Decimal
}

// Allocate pours amount through buckets in order. Each bucket takes
// min(room, remaining); whatever is left after the last bucket is profit.
func Allocate(buckets []plan.Bucket, current types.BucketFills, amount decimal.Decimal) (Allocation, error) {
	if amount.IsNegative() {
		return Allocation{}, pkgerrors.New(pkgerrors.CodeValidation, "amount must not be negative")
	}

	remaining := amount
	out := Allocation{Fills: make([]Fill, 0, len(buckets))}
	for _, bucket := range buckets {
		before := current.Filled(bucket.Name)
		if before.GreaterThan(bucket.Capacity) {
			return Allocation{}, pkgerrors.New(pkgerrors.CodeIntegrity, fmt.Sprintf("bucket %q is filled past its capacity", bucket.Name)).WithDetails(map[string]any{
				"filled":   before.String(),
				"capacity": bucket.Capacity.String(),
			})
		}
		room := bucket.Capacity.Sub(before)
		applied := decimal.Min(room, remaining)
		after := before.Add(applied)
		out.Fills = append(out.Fills, Fill{
			Bucket:  bucket,
			Before:  before,
			Applied: applied,
			After:   after,
			Reached: applied.IsPositive() && after.Equal(bucket.Capacity),
		})
		remaining = remaining.Sub(applied)
	}
	out.Profit = remaining
	return out, nil
}

// BucketFills returns the post-allocation fills in plan order.
func (a Allocation) BucketFills() types.BucketFills {
	fills := make(types.BucketFills, 0, len(a.Fills))
	for _, f := range a.Fills {
		fills = append(fills, types.BucketFill{Name: f.Bucket.Name, Filled: f.After})
	}
	return fills
}

// Completed reports whether every capped bucket is full.
func (a Allocation) Completed() bool {
	for _, f := range a.Fills {
		if f.After.LessThan(f.Bucket.Capacity) {
			return false
		}
	}
	return true
}

// Reached lists the buckets that hit capacity during this allocation.
func (a Allocation) Reached() []Fill {
	var out []Fill
	for _, f := range a.Fills {
		if f.Reached {
			out = append(out, f)
		}
	}
	return out
}
