package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/poolnet-backend/internal/placement"
	"github.com/angelmondragon/poolnet-backend/pkg/db/models"
	"github.com/angelmondragon/poolnet-backend/pkg/enums"
	"github.com/angelmondragon/poolnet-backend/pkg/logger"
	"github.com/angelmondragon/poolnet-backend/pkg/metrics"
)

const (
	defaultOrphanThreshold = 15 * time.Minute
	defaultOrphanBatch     = 500
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type unplacedLister interface {
	ListUnplaced(ctx context.Context, tree enums.TreeKind, createdBefore time.Time, limit int) ([]models.Node, error)
}

type jobRequeuer interface {
	Requeue(ctx context.Context, tx *gorm.DB, nodeID uint64, tree enums.TreeKind, income decimal.Decimal) (*models.PlacementJob, bool, error)
}

type incomePlan interface {
	PlacementIncome(tree enums.TreeKind) decimal.Decimal
}

type OrphanScanJobParams struct {
	Logger     *logger.Logger
	DB         txRunner
	Nodes      unplacedLister
	Queue      jobRequeuer
	Violations violationRecorder
	Plan       incomePlan
	Roots      placement.Roots
	Metrics    *metrics.CronJobMetrics
	Threshold  time.Duration
	BatchSize  int
}

func NewOrphanScanJob(params OrphanScanJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("db runner required")
	}
	if params.Nodes == nil {
		return nil, fmt.Errorf("node lister required")
	}
	if params.Queue == nil {
		return nil, fmt.Errorf("placement job queue required")
	}
	if params.Violations == nil {
		return nil, fmt.Errorf("violation repository required")
	}
	if params.Plan == nil {
		return nil, fmt.Errorf("reward plan required")
	}
	if params.Roots.Self == 0 || params.Roots.Auto == 0 {
		return nil, fmt.Errorf("tree roots required")
	}
	threshold := params.Threshold
	if threshold <= 0 {
		threshold = defaultOrphanThreshold
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultOrphanBatch
	}
	return &orphanScanJob{
		logg:       params.Logger,
		db:         params.DB,
		nodes:      params.Nodes,
		queue:      params.Queue,
		violations: params.Violations,
		plan:       params.Plan,
		roots:      params.Roots,
		metrics:    params.Metrics,
		threshold:  threshold,
		batch:      batch,
		now:        time.Now,
	}, nil
}

// orphanScanJob finds active nodes that never got a parent and sends them
// back through the placement queue. A job that already exists keeps its
// stored income, so the skipped distribution is replayed once.
type orphanScanJob struct {
	logg       *logger.Logger
	db         txRunner
	nodes      unplacedLister
	queue      jobRequeuer
	violations violationRecorder
	plan       incomePlan
	roots      placement.Roots
	metrics    *metrics.CronJobMetrics
	threshold  time.Duration
	batch      int
	now        func() time.Time
}

func (j *orphanScanJob) Name() string { return "orphan-scan" }

func (j *orphanScanJob) Run(ctx context.Context) error {
	var errs error
	for _, tree := range enums.AllTreeKinds() {
		if err := j.scanTree(ctx, tree); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s tree: %w", tree, err))
		}
	}
	return errs
}

func (j *orphanScanJob) scanTree(ctx context.Context, tree enums.TreeKind) error {
	now := j.now().UTC()
	cutoff := now.Add(-j.threshold)
	nodes, err := j.nodes.ListUnplaced(ctx, tree, cutoff, j.batch)
	if err != nil {
		return err
	}

	var (
		errs    error
		found   int
		created int
	)
	for i := range nodes {
		node := &nodes[i]
		if j.roots.IsRoot(node.ID, tree) {
			continue
		}
		found++
		newJob, err := j.repair(ctx, node, tree, now)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("node %d: %w", node.ID, err))
			continue
		}
		if newJob {
			created++
		}
	}
	j.metrics.AddViolations(string(enums.ViolationOrphan), tree.String(), found)

	logCtx := j.logg.WithTree(ctx, tree.String())
	logCtx = j.logg.WithFields(logCtx, map[string]any{
		"cutoff":       cutoff,
		"orphans":      found,
		"jobs_created": created,
	})
	if found > 0 {
		j.logg.Warn(logCtx, "orphan nodes requeued")
	} else {
		j.logg.Info(logCtx, "no orphan nodes")
	}
	return errs
}

func (j *orphanScanJob) repair(ctx context.Context, node *models.Node, tree enums.TreeKind, now time.Time) (bool, error) {
	income := j.plan.PlacementIncome(tree)
	if node.IsRebirth {
		income = decimal.Zero
	}
	var created bool
	err := j.db.WithTx(ctx, func(tx *gorm.DB) error {
		if err := j.violations.Record(ctx, tx, Finding{
			Kind:   enums.ViolationOrphan,
			Tree:   tree,
			NodeID: node.ID,
			Detail: fmt.Sprintf("no %s parent %s after creation", tree, now.Sub(node.CreatedAt).Truncate(time.Second)),
		}, now); err != nil {
			return err
		}
		var err error
		_, created, err = j.queue.Requeue(ctx, tx, node.ID, tree, income)
		return err
	})
	return created, err
}
