package nodes

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/poolnet-backend/internal/placement"
	"github.com/angelmondragon/poolnet-backend/internal/progress"
	"github.com/angelmondragon/poolnet-backend/internal/waterfall"
	"github.com/angelmondragon/poolnet-backend/internal/wallet"
	"github.com/angelmondragon/poolnet-backend/pkg/db/dbtest"
	"github.com/angelmondragon/poolnet-backend/pkg/db/models"
	"github.com/angelmondragon/poolnet-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/poolnet-backend/pkg/errors"
	"github.com/angelmondragon/poolnet-backend/pkg/outbox"
	"github.com/angelmondragon/poolnet-backend/pkg/pagination"
	"github.com/angelmondragon/poolnet-backend/pkg/plan"
)

const testPlan = `
entry_price: "100"
direct_sponsor_percent: "10"
trees:
  self:
    placement_income: "40"
    tiers:
      - tier: 1
        buckets:
          - {name: upgrade, capacity: "100"}
          - {name: system, capacity: "10"}
      - tier: 2
        buckets:
          - {name: system, capacity: "20"}
  auto:
    placement_income: "40"
    tiers:
      - tier: 1
        buckets:
          - {name: system, capacity: "10"}
`

func newNodeService(t *testing.T) (Service, *gorm.DB) {
	t.Helper()
	client, conn := dbtest.Client(t)
	epoch := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, conn.Create(&models.Node{ID: 1, ReferralCode: "ROOT", OwnerID: 1, SelfTier: 1, AutoTier: 1, Status: enums.NodeStatusActive, CreatedAt: epoch}).Error)
	require.NoError(t, conn.Create(&models.Node{ID: 2, ReferralCode: "SYSTEM", OwnerID: 2, SelfTier: 1, AutoTier: 1, Status: enums.NodeStatusInactive, CreatedAt: epoch}).Error)

	p, err := plan.Parse([]byte(testPlan))
	require.NoError(t, err)
	emitter := outbox.NewService(outbox.NewRepository(conn), nil)
	locker := placement.NewTreeLocker(client.Dialect(), 0)
	placer, err := placement.NewService(placement.ServiceParams{
		Repository: placement.NewRepository(conn),
		Locker:     locker,
		Outbox:     emitter,
		Roots:      placement.Roots{Self: 1, Auto: 1},
	})
	require.NoError(t, err)
	queue, err := placement.NewJobQueue(placement.QueueParams{Outbox: emitter})
	require.NoError(t, err)
	walletSvc, err := wallet.NewService(wallet.NewRepository(conn), emitter)
	require.NoError(t, err)
	engine, err := waterfall.NewEngine(waterfall.EngineParams{
		Plan:         p,
		Repository:   waterfall.NewRepository(conn),
		Progress:     progress.NewRepository(conn),
		Wallet:       walletSvc,
		Placer:       placer,
		Jobs:         queue,
		Outbox:       emitter,
		SystemNodeID: 2,
	})
	require.NoError(t, err)

	svc, err := NewService(ServiceParams{
		TxRunner:   client,
		Repository: NewRepository(conn),
		Locker:     locker,
		Placer:     placer,
		Jobs:       queue,
		Engine:     engine,
		Wallet:     walletSvc,
		Outbox:     emitter,
		Plan:       p,
	})
	require.NoError(t, err)
	return svc, conn
}

func countRows(t *testing.T, conn *gorm.DB, model any, query string, args ...any) int64 {
	t.Helper()
	var n int64
	q := conn.Model(model)
	if query != "" {
		q = q.Where(query, args...)
	}
	require.NoError(t, q.Count(&n).Error)
	return n
}

func TestCreateWithoutCodeIsSponsoredByRoot(t *testing.T) {
	svc, conn := newNodeService(t)
	ctx := context.Background()

	res, err := svc.Create(ctx, CreateInput{OwnerID: 10})
	require.NoError(t, err)

	require.NotNil(t, res.Node.SponsorID)
	assert.Equal(t, uint64(1), *res.Node.SponsorID)
	assert.Equal(t, uint64(1), res.SelfPlacement.ParentID)
	assert.Len(t, res.Node.ReferralCode, 8)

	require.NotNil(t, res.AutoJob)
	assert.Equal(t, enums.TreeAuto, res.AutoJob.Tree)
	assert.Equal(t, "40.00", res.AutoJob.IncomeAmount.StringFixed(2))

	var root models.Node
	require.NoError(t, conn.First(&root, "id = ?", 1).Error)
	assert.Equal(t, "10.00", root.WalletBalance.StringFixed(2), "direct sponsor commission")

	require.NotNil(t, res.SelfDistribution)
	assert.Equal(t, uint64(1), res.SelfDistribution.NodeID)
	assert.Equal(t, "40", res.SelfDistribution.Amount.String())

	assert.Equal(t, int64(1), countRows(t, conn, &models.OutboxEvent{}, "event_type = ?", enums.EventNodeCreated))
	assert.Equal(t, int64(1), countRows(t, conn, &models.OutboxEvent{}, "event_type = ?", enums.EventPlacementRequested))
	assert.Equal(t, int64(1), countRows(t, conn, &models.OutboxEvent{}, "event_type = ?", enums.EventNodePlaced))
}

func TestCreateUsesSponsorCode(t *testing.T) {
	svc, conn := newNodeService(t)
	ctx := context.Background()

	sponsor, err := svc.Create(ctx, CreateInput{OwnerID: 10})
	require.NoError(t, err)

	var children []uint64
	for i := 0; i < 4; i++ {
		res, err := svc.Create(ctx, CreateInput{OwnerID: uint64(20 + i), SponsorCode: "  " + sponsor.Node.ReferralCode + " "})
		require.NoError(t, err)
		require.NotNil(t, res.Node.SponsorID)
		assert.Equal(t, sponsor.Node.ID, *res.Node.SponsorID)
		children = append(children, res.SelfPlacement.ParentID)
	}
	assert.Equal(t, []uint64{sponsor.Node.ID, sponsor.Node.ID, sponsor.Node.ID}, children[:3])
	assert.NotEqual(t, sponsor.Node.ID, children[3])

	var stored models.Node
	require.NoError(t, conn.First(&stored, "id = ?", sponsor.Node.ID).Error)
	// 4 x 10 commission. Three 40 payments fill upgrade (100) and system
	// (10), leaving 10 profit; the fourth child pays its own parent.
	assert.Equal(t, "50.00", stored.WalletBalance.StringFixed(2))
	assert.Equal(t, 2, stored.SelfTier)
}

func TestCreateRejectsUnknownAndInactiveSponsors(t *testing.T) {
	svc, conn := newNodeService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateInput{OwnerID: 10, SponsorCode: "NOPE1234"})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))

	_, err = svc.Create(ctx, CreateInput{OwnerID: 10, SponsorCode: "system"})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	_, err = svc.Create(ctx, CreateInput{})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	assert.Equal(t, int64(2), countRows(t, conn, &models.Node{}, ""))
	assert.Zero(t, countRows(t, conn, &models.PlacementJob{}, ""))
	assert.Zero(t, countRows(t, conn, &models.OutboxEvent{}, ""))
}

func TestGetAndListByOwner(t *testing.T) {
	svc, _ := newNodeService(t)
	ctx := context.Background()

	first, err := svc.Create(ctx, CreateInput{OwnerID: 77})
	require.NoError(t, err)
	_, err = svc.Create(ctx, CreateInput{OwnerID: 77})
	require.NoError(t, err)

	got, err := svc.Get(ctx, first.Node.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Node.ReferralCode, got.ReferralCode)
	require.NotNil(t, got.SelfParentID)

	page, err := svc.ListByOwner(ctx, 77, pagination.Params{Limit: 1})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, first.Node.ID, page.Items[0].ID)
	require.NotEmpty(t, page.NextCursor)

	page, err = svc.ListByOwner(ctx, 77, pagination.Params{Limit: 1, Cursor: page.NextCursor})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.NotEqual(t, first.Node.ID, page.Items[0].ID)
	assert.Empty(t, page.NextCursor)

	page, err = svc.ListByOwner(ctx, 77, pagination.Params{})
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)

	_, err = svc.Get(ctx, 9999)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
	_, err = svc.ListByOwner(ctx, 0, pagination.Params{})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
	_, err = svc.ListByOwner(ctx, 77, pagination.Params{Cursor: "not-a-cursor"})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}
