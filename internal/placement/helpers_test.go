package placement

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/poolnet-backend/pkg/db"
	"github.com/angelmondragon/poolnet-backend/pkg/db/dbtest"
	"github.com/angelmondragon/poolnet-backend/pkg/db/models"
	"github.com/angelmondragon/poolnet-backend/pkg/enums"
	"github.com/angelmondragon/poolnet-backend/pkg/outbox"
)

var (
	testEpoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	codeSeq   atomic.Int64
)

type fixture struct {
	client *db.Client
	conn   *gorm.DB
	svc    *Service
	queue  *JobQueue
	root   *models.Node
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	client, conn := dbtest.Client(t)
	emitter := outbox.NewService(outbox.NewRepository(conn), nil)

	root := &models.Node{ReferralCode: "ROOT", OwnerID: 1, SelfTier: 1, AutoTier: 1, Status: enums.NodeStatusActive, CreatedAt: testEpoch}
	require.NoError(t, conn.Create(root).Error)

	svc, err := NewService(ServiceParams{
		Repository: NewRepository(conn),
		Locker:     NewTreeLocker(client.Dialect(), time.Second),
		Outbox:     emitter,
		Roots:      Roots{Self: root.ID, Auto: root.ID},
	})
	require.NoError(t, err)

	queue, err := NewJobQueue(QueueParams{Outbox: emitter, MaxAttempts: 3, BaseBackoff: time.Second, MaxBackoff: time.Minute, LeaseTimeout: time.Minute})
	require.NoError(t, err)

	return &fixture{client: client, conn: conn, svc: svc, queue: queue, root: root}
}

// addNode creates an unplaced node; offset orders creation times.
func (f *fixture) addNode(t *testing.T, sponsor *uint64, offset int) *models.Node {
	t.Helper()
	node := &models.Node{
		ReferralCode:  fmt.Sprintf("N%05d", codeSeq.Add(1)),
		OwnerID:       100 + uint64(offset),
		SponsorID:     sponsor,
		SelfTier:      1,
		AutoTier:      1,
		WalletBalance: decimal.Zero,
		Status:        enums.NodeStatusActive,
		CreatedAt:     testEpoch.Add(time.Duration(offset) * time.Second),
	}
	require.NoError(t, f.conn.Create(node).Error)
	return node
}

func (f *fixture) reload(t *testing.T, id uint64) *models.Node {
	t.Helper()
	var node models.Node
	require.NoError(t, f.conn.First(&node, "id = ?", id).Error)
	return &node
}

func (f *fixture) childCounts(t *testing.T, tree enums.TreeKind) map[uint64]int {
	t.Helper()
	var nodes []models.Node
	require.NoError(t, f.conn.Find(&nodes).Error)
	counts := map[uint64]int{}
	for _, n := range nodes {
		if p := n.ParentID(tree); p != nil {
			counts[*p]++
		}
	}
	return counts
}

func u64(v uint64) *uint64 { return &v }
