package progress

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/poolnet-backend/pkg/db/dbtest"
	"github.com/angelmondragon/poolnet-backend/pkg/db/models"
	"github.com/angelmondragon/poolnet-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/poolnet-backend/pkg/errors"
	"github.com/angelmondragon/poolnet-backend/pkg/types"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func TestGetOrCreateForUpdateIsIdempotent(t *testing.T) {
	conn := dbtest.Open(t)
	repo := NewRepository(conn)
	ctx := context.Background()
	key := Key{NodeID: 5, Tier: 1, Tree: enums.TreeSelf}

	var first *models.LevelProgress
	require.NoError(t, conn.Transaction(func(tx *gorm.DB) error {
		row, err := repo.WithTx(tx).GetOrCreateForUpdate(ctx, key, []string{"upgrade", "rebirth"})
		first = row
		return err
	}))
	require.Len(t, first.Buckets, 2)
	assert.Equal(t, "upgrade", first.Buckets[0].Name)
	assert.True(t, first.TotalRevenue.IsZero())

	first.TotalRevenue = d("40")
	first.Buckets = first.Buckets.Set("upgrade", d("40"))
	require.NoError(t, repo.Save(ctx, first))

	again, err := repo.GetOrCreateForUpdate(ctx, key, []string{"upgrade", "rebirth"})
	require.NoError(t, err)
	assert.Equal(t, "40", again.TotalRevenue.String())
	assert.Equal(t, "40", again.Buckets.Filled("upgrade").String())

	var count int64
	require.NoError(t, conn.Model(&models.LevelProgress{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestListByNodeOrdersTiers(t *testing.T) {
	conn := dbtest.Open(t)
	repo := NewRepository(conn)
	ctx := context.Background()

	for _, tier := range []int{2, 1} {
		_, err := repo.GetOrCreateForUpdate(ctx, Key{NodeID: 5, Tier: tier, Tree: enums.TreeAuto}, nil)
		require.NoError(t, err)
	}
	_, err := repo.GetOrCreateForUpdate(ctx, Key{NodeID: 5, Tier: 1, Tree: enums.TreeSelf}, nil)
	require.NoError(t, err)

	rows, err := repo.ListByNode(ctx, 5, enums.TreeAuto)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 1, rows[0].Tier)
	assert.Equal(t, 2, rows[1].Tier)

	missing, err := repo.Find(ctx, Key{NodeID: 5, Tier: 3, Tree: enums.TreeAuto})
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestRecordEnforcesInvariants(t *testing.T) {
	row := &models.LevelProgress{
		NodeID:       1,
		Tier:         1,
		Tree:         enums.TreeSelf,
		TotalRevenue: d("50"),
		Buckets:      types.BucketFills{{Name: "upgrade", Filled: d("50")}},
	}

	err := Record(row, d("10"), types.BucketFills{{Name: "upgrade", Filled: d("40")}}, false)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeIntegrity), "fills never shrink")

	err = Record(row, d("10"), types.BucketFills{{Name: "upgrade", Filled: d("61")}}, false)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeIntegrity), "fills never exceed revenue")

	require.NoError(t, Record(row, d("10"), types.BucketFills{{Name: "upgrade", Filled: d("60")}}, true))
	assert.Equal(t, "60", row.TotalRevenue.String())
	assert.True(t, row.IsCompleted)

	err = Record(row, d("5"), row.Buckets, false)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeIntegrity))
}
