package waterfall

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/poolnet-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/poolnet-backend/pkg/errors"
	"github.com/angelmondragon/poolnet-backend/pkg/plan"
	"github.com/angelmondragon/poolnet-backend/pkg/types"
)

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func testBuckets() []plan.Bucket {
	return []plan.Bucket{
		{Name: "upgrade", Kind: enums.BucketUpgrade, Capacity: dec("1000")},
		{Name: "rebirth", Kind: enums.BucketRebirth, Capacity: dec("1000"), Rebirth: &plan.RebirthSpec{Count: 2, Cost: dec("100")}},
		{Name: "system", Kind: enums.BucketSystem, Capacity: dec("50")},
	}
}

func TestAllocate(t *testing.T) {
	cases := []struct {
		name    string
		current types.BucketFills
		amount  string
		after   []string
		reached []string
		profit  string
	}{
		{name: "first bucket only", amount: "500", after: []string{"500", "0", "0"}, profit: "0"},
		{
			name:    "spills into next bucket",
			current: types.BucketFills{{Name: "upgrade", Filled: dec("500")}},
			amount:  "700",
			after:   []string{"1000", "200", "0"},
			reached: []string{"upgrade"},
			profit:  "0",
		},
		{
			name: "everything full pays profit",
			current: types.BucketFills{
				{Name: "upgrade", Filled: dec("1000")},
				{Name: "rebirth", Filled: dec("1000")},
				{Name: "system", Filled: dec("50")},
			},
			amount: "12.34",
			after:  []string{"1000", "1000", "50"},
			profit: "12.34",
		},
		{
			name:    "one payment fills several buckets",
			amount:  "2100",
			after:   []string{"1000", "1000", "50"},
			reached: []string{"upgrade", "rebirth", "system"},
			profit:  "50",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			alloc, err := Allocate(testBuckets(), tc.current, dec(tc.amount))
			require.NoError(t, err)
			require.Len(t, alloc.Fills, len(tc.after))

			sum := alloc.Profit
			for i, fill := range alloc.Fills {
				assert.True(t, dec(tc.after[i]).Equal(fill.After), "bucket %s after=%s", fill.Bucket.Name, fill.After)
				sum = sum.Add(fill.Applied)
			}
			assert.True(t, dec(tc.amount).Equal(sum), "allocation must conserve the amount")
			assert.True(t, dec(tc.profit).Equal(alloc.Profit), "profit=%s", alloc.Profit)

			var reached []string
			for _, f := range alloc.Reached() {
				reached = append(reached, f.Bucket.Name)
			}
			assert.Equal(t, tc.reached, reached)
		})
	}
}

func TestAllocateDoesNotRefireFullBucket(t *testing.T) {
	current := types.BucketFills{{Name: "upgrade", Filled: dec("1000")}}
	alloc, err := Allocate(testBuckets(), current, dec("10"))
	require.NoError(t, err)
	assert.Empty(t, alloc.Reached())
	assert.False(t, alloc.Completed())
}

func TestAllocateCompleted(t *testing.T) {
	alloc, err := Allocate(testBuckets(), nil, dec("2050"))
	require.NoError(t, err)
	assert.True(t, alloc.Completed())
	fills := alloc.BucketFills()
	require.Len(t, fills, 3)
	assert.Equal(t, "upgrade", fills[0].Name)
	assert.Equal(t, "1000", fills.Filled("rebirth").String())
	assert.Equal(t, "50", fills.Filled("system").String())
}

func TestAllocateRejectsOverfilledBucket(t *testing.T) {
	current := types.BucketFills{{Name: "system", Filled: dec("51")}}
	_, err := Allocate(testBuckets(), current, dec("1"))
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeIntegrity))

	_, err = Allocate(testBuckets(), nil, dec("-1"))
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}
