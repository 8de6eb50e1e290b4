package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/poolnet-backend/internal/placement"
	"github.com/angelmondragon/poolnet-backend/internal/progress"
	"github.com/angelmondragon/poolnet-backend/internal/waterfall"
	"github.com/angelmondragon/poolnet-backend/internal/wallet"
	"github.com/angelmondragon/poolnet-backend/pkg/db"
	"github.com/angelmondragon/poolnet-backend/pkg/db/dbtest"
	"github.com/angelmondragon/poolnet-backend/pkg/db/models"
	"github.com/angelmondragon/poolnet-backend/pkg/enums"
	"github.com/angelmondragon/poolnet-backend/pkg/logger"
	"github.com/angelmondragon/poolnet-backend/pkg/metrics"
	"github.com/angelmondragon/poolnet-backend/pkg/outbox"
	"github.com/angelmondragon/poolnet-backend/pkg/plan"
	"github.com/angelmondragon/poolnet-backend/pkg/redis"
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
      - tier: 2
        buckets:
          - {name: system, capacity: "10"}
  auto:
    placement_income: "40"
    tiers:
      - tier: 1
        buckets:
          - {name: system, capacity: "10"}
`

type fixture struct {
	client *db.Client
	conn   *gorm.DB
	queue  *placement.JobQueue
	runner *Runner
	seq    int
}

func newFixture(t *testing.T, lease Lease) *fixture {
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
	queue, err := placement.NewJobQueue(placement.QueueParams{Outbox: emitter, MaxAttempts: 3})
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

	r, err := New(Params{
		TxRunner: client,
		Queue:    queue,
		Placer:   placer,
		Engine:   engine,
		Locker:   locker,
		Lease:    lease,
		Metrics:  metrics.NewPlacementMetrics(nil),
		Logger:   logger.New(logger.Options{ServiceName: "test", Output: io.Discard}),
	})
	require.NoError(t, err)
	return &fixture{client: client, conn: conn, queue: queue, runner: r}
}

func (f *fixture) addNode(t *testing.T) *models.Node {
	t.Helper()
	f.seq++
	root := uint64(1)
	node := &models.Node{
		ReferralCode: fmt.Sprintf("R%05d", f.seq),
		OwnerID:      uint64(100 + f.seq),
		SponsorID:    &root,
		SelfTier:     1,
		AutoTier:     1,
		Status:       enums.NodeStatusActive,
		CreatedAt:    time.Date(2026, 1, 1, 0, 0, f.seq, 0, time.UTC),
	}
	require.NoError(t, f.conn.Create(node).Error)
	return node
}

func (f *fixture) enqueue(t *testing.T, nodeID uint64, tree enums.TreeKind, income string) *models.PlacementJob {
	t.Helper()
	var job *models.PlacementJob
	require.NoError(t, f.client.WithTx(context.Background(), func(tx *gorm.DB) error {
		var err error
		job, err = f.queue.Enqueue(context.Background(), tx, nodeID, tree, decimal.RequireFromString(income))
		return err
	}))
	return job
}

func (f *fixture) job(t *testing.T, nodeID uint64, tree enums.TreeKind) *models.PlacementJob {
	t.Helper()
	var job models.PlacementJob
	require.NoError(t, f.conn.Where("node_id = ? AND tree = ?", nodeID, tree).First(&job).Error)
	return &job
}

func (f *fixture) node(t *testing.T, id uint64) *models.Node {
	t.Helper()
	var n models.Node
	require.NoError(t, f.conn.First(&n, "id = ?", id).Error)
	return &n
}

type fakeLease struct {
	acquire    bool
	acquireErr error
	refreshErr error
	held       bool
	acquired   int
	released   int
}

func (l *fakeLease) Acquire(context.Context) (bool, error) {
	l.acquired++
	if l.acquireErr != nil {
		return false, l.acquireErr
	}
	l.held = l.acquire
	return l.acquire, nil
}

func (l *fakeLease) Refresh(context.Context) error {
	if l.refreshErr != nil {
		l.held = false
	}
	return l.refreshErr
}

func (l *fakeLease) Release(context.Context) error {
	l.released++
	l.held = false
	return nil
}

func (l *fakeLease) Held() bool { return l.held }

func TestProcessNextPlacesAndDistributes(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	node := f.addNode(t)
	f.enqueue(t, node.ID, enums.TreeAuto, "40")

	processed, err := f.runner.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, processed)

	placed := f.node(t, node.ID)
	require.NotNil(t, placed.AutoParentID)
	assert.Equal(t, uint64(1), *placed.AutoParentID)
	assert.Nil(t, placed.SelfParentID, "only the job's tree is touched")

	job := f.job(t, node.ID, enums.TreeAuto)
	assert.Equal(t, enums.PlacementJobCompleted, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Nil(t, job.LastError)

	// 10 fills the system bucket, the remaining 30 is the root's profit.
	assert.Equal(t, "30.00", f.node(t, 1).WalletBalance.StringFixed(2))
	assert.Equal(t, "10.00", f.node(t, 2).WalletBalance.StringFixed(2))

	processed, err = f.runner.ProcessNext(ctx)
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestProcessNextFollowsArrivalOrder(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	var ids []uint64
	for i := 0; i < 5; i++ {
		n := f.addNode(t)
		ids = append(ids, n.ID)
		f.enqueue(t, n.ID, enums.TreeAuto, "0")
	}
	for range ids {
		processed, err := f.runner.ProcessNext(ctx)
		require.NoError(t, err)
		require.True(t, processed)
	}

	for i, id := range ids[:3] {
		assert.Equal(t, uint64(1), *f.node(t, id).AutoParentID, "node %d", i)
	}
	assert.Equal(t, ids[0], *f.node(t, ids[3]).AutoParentID)
	assert.Equal(t, ids[0], *f.node(t, ids[4]).AutoParentID)
}

func TestProcessNextTakesTreesInArrivalOrder(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	first := f.addNode(t)
	second := f.addNode(t)
	autoJob := f.enqueue(t, first.ID, enums.TreeAuto, "0")
	selfJob := f.enqueue(t, second.ID, enums.TreeSelf, "0")

	base := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, f.conn.Model(&models.PlacementJob{}).Where("id = ?", autoJob.ID).Update("created_at", base).Error)
	require.NoError(t, f.conn.Model(&models.PlacementJob{}).Where("id = ?", selfJob.ID).Update("created_at", base.Add(time.Second)).Error)

	processed, err := f.runner.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, processed)
	assert.Equal(t, enums.PlacementJobCompleted, f.job(t, first.ID, enums.TreeAuto).Status)
	assert.Equal(t, enums.PlacementJobQueued, f.job(t, second.ID, enums.TreeSelf).Status)

	processed, err = f.runner.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, processed)
	assert.Equal(t, enums.PlacementJobCompleted, f.job(t, second.ID, enums.TreeSelf).Status)
	assert.NotNil(t, f.node(t, second.ID).SelfParentID)
}

func TestProcessNextCompletesAlreadyPlacedNodeWithoutPaying(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	node := f.addNode(t)
	require.NoError(t, f.conn.Model(&models.Node{}).Where("id = ?", node.ID).
		Updates(map[string]any{"auto_parent_id": 1, "auto_placed_at": time.Now().UTC()}).Error)
	f.enqueue(t, node.ID, enums.TreeAuto, "40")

	processed, err := f.runner.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, processed)

	assert.Equal(t, enums.PlacementJobCompleted, f.job(t, node.ID, enums.TreeAuto).Status)
	assert.True(t, f.node(t, 1).WalletBalance.IsZero())
}

func TestProcessNextParksNonRetryableFailure(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	// The auto root can never be placed.
	f.enqueue(t, 1, enums.TreeAuto, "40")

	processed, err := f.runner.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, processed)

	job := f.job(t, 1, enums.TreeAuto)
	assert.Equal(t, enums.PlacementJobFailed, job.Status)
	assert.Equal(t, f.queue.MaxAttempts(), job.Attempts)
	require.NotNil(t, job.LastError)
	assert.Contains(t, *job.LastError, "tree root cannot be placed")
	assert.True(t, f.node(t, 1).WalletBalance.IsZero())

	// A parked job stops blocking the queue.
	node := f.addNode(t)
	f.enqueue(t, node.ID, enums.TreeAuto, "0")
	processed, err = f.runner.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, processed)
	assert.NotNil(t, f.node(t, node.ID).AutoParentID)
}

func TestProcessSkipsSupersededJob(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	node := f.addNode(t)
	job := f.enqueue(t, node.ID, enums.TreeAuto, "40")

	// The claimed copy is stale: the stored row is still queued.
	job.Status = enums.PlacementJobRunning
	job.Attempts = 1
	outcome, _, err := f.runner.process(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, outcomeSuperseded, outcome)
	assert.Nil(t, f.node(t, node.ID).AutoParentID)
	assert.Equal(t, enums.PlacementJobQueued, f.job(t, node.ID, enums.TreeAuto).Status)
}

func TestDrainRequiresLease(t *testing.T) {
	lease := &fakeLease{acquire: false}
	f := newFixture(t, lease)
	ctx := context.Background()
	node := f.addNode(t)
	f.enqueue(t, node.ID, enums.TreeAuto, "0")

	f.runner.drain(ctx)
	assert.Equal(t, 1, lease.acquired)
	assert.Equal(t, enums.PlacementJobQueued, f.job(t, node.ID, enums.TreeAuto).Status)

	lease.acquire = true
	f.runner.drain(ctx)
	assert.Equal(t, enums.PlacementJobCompleted, f.job(t, node.ID, enums.TreeAuto).Status)
	assert.True(t, lease.Held())
}

func TestEnsureLeaseReacquiresAfterLoss(t *testing.T) {
	lease := &fakeLease{acquire: true, held: true, refreshErr: redis.ErrLeaseLost}
	f := newFixture(t, lease)

	held, err := f.runner.ensureLease(context.Background())
	require.NoError(t, err)
	assert.True(t, held)
	assert.Equal(t, 1, lease.acquired)

	lease.refreshErr = errors.New("connection refused")
	lease.held = true
	held, err = f.runner.ensureLease(context.Background())
	assert.Error(t, err)
	assert.False(t, held)
}

func TestRunStopsOnCancelAndReleasesLease(t *testing.T) {
	lease := &fakeLease{acquire: true}
	f := newFixture(t, lease)
	node := f.addNode(t)
	f.enqueue(t, node.ID, enums.TreeAuto, "0")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.runner.Run(ctx) }()

	require.Eventually(t, func() bool {
		var job models.PlacementJob
		if err := f.conn.Where("node_id = ?", node.ID).First(&job).Error; err != nil {
			return false
		}
		return job.Status == enums.PlacementJobCompleted
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}
	assert.Equal(t, 1, lease.released)
}

func TestWakeNeverBlocks(t *testing.T) {
	f := newFixture(t, nil)
	f.runner.Wake()
	f.runner.Wake()
	assert.Len(t, f.runner.wake, 1)
}

func TestNewValidatesParams(t *testing.T) {
	_, err := New(Params{})
	assert.Error(t, err)
}
