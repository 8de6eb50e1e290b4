package cron

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/poolnet-backend/internal/placement"
	"github.com/angelmondragon/poolnet-backend/pkg/db/models"
	"github.com/angelmondragon/poolnet-backend/pkg/enums"
	"github.com/angelmondragon/poolnet-backend/pkg/logger"
	"github.com/angelmondragon/poolnet-backend/pkg/metrics"
)

type linkLister interface {
	ListLinks(ctx context.Context) ([]models.Node, error)
}

type IntegrityScanJobParams struct {
	Logger     *logger.Logger
	DB         txRunner
	Nodes      linkLister
	Violations violationRecorder
	Roots      placement.Roots
	Metrics    *metrics.CronJobMetrics
}

func NewIntegrityScanJob(params IntegrityScanJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("db runner required")
	}
	if params.Nodes == nil {
		return nil, fmt.Errorf("node lister required")
	}
	if params.Violations == nil {
		return nil, fmt.Errorf("violation repository required")
	}
	if params.Roots.Self == 0 || params.Roots.Auto == 0 {
		return nil, fmt.Errorf("tree roots required")
	}
	return &integrityScanJob{
		logg:       params.Logger,
		db:         params.DB,
		nodes:      params.Nodes,
		violations: params.Violations,
		roots:      params.Roots,
		metrics:    params.Metrics,
		now:        time.Now,
	}, nil
}

// integrityScanJob audits both trees from one snapshot: fan-out above
// capacity, parent cycles, and parents that differ from the breadth-first
// replay. Findings are recorded only; tree shape is never changed here.
type integrityScanJob struct {
	logg       *logger.Logger
	db         txRunner
	nodes      linkLister
	violations violationRecorder
	roots      placement.Roots
	metrics    *metrics.CronJobMetrics
	now        func() time.Time
}

func (j *integrityScanJob) Name() string { return "integrity-scan" }

func (j *integrityScanJob) Run(ctx context.Context) error {
	nodes, err := j.nodes.ListLinks(ctx)
	if err != nil {
		return fmt.Errorf("load tree links: %w", err)
	}
	now := j.now().UTC()

	var errs error
	for _, tree := range enums.AllTreeKinds() {
		findings := j.audit(nodes, tree)
		if err := j.record(ctx, findings, now); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s tree: %w", tree, err))
		}

		counts := map[enums.ViolationKind]int{}
		for _, f := range findings {
			counts[f.Kind]++
		}
		for kind, n := range counts {
			j.metrics.AddViolations(string(kind), tree.String(), n)
		}

		logCtx := j.logg.WithFields(j.logg.WithTree(ctx, tree.String()), map[string]any{
			"nodes":      len(nodes),
			"fan_out":    counts[enums.ViolationFanOut],
			"cycles":     counts[enums.ViolationCycle],
			"fill_order": counts[enums.ViolationFillOrder],
		})
		if len(findings) > 0 {
			j.logg.Warn(logCtx, "tree integrity violations found")
		} else {
			j.logg.Info(logCtx, "tree integrity ok")
		}
	}
	return errs
}

func (j *integrityScanJob) audit(nodes []models.Node, tree enums.TreeKind) []Finding {
	var findings []Finding
	for _, v := range placement.FanOut(nodes, tree) {
		findings = append(findings, Finding{
			Kind:    enums.ViolationFanOut,
			Tree:    tree,
			NodeID:  v.ParentID,
			Related: v.Children,
			Detail:  fmt.Sprintf("%d children, capacity %d", len(v.Children), placement.Capacity),
		})
	}

	cycles := placement.Cycles(nodes, tree)
	for _, id := range cycles {
		findings = append(findings, Finding{
			Kind:    enums.ViolationCycle,
			Tree:    tree,
			NodeID:  id,
			Related: cycles,
			Detail:  "parent chain loops back on itself",
		})
	}
	// Replay assumes an acyclic tree.
	if len(cycles) > 0 {
		return findings
	}

	for _, m := range placement.Replay(nodes, tree, j.roots) {
		detail := fmt.Sprintf("placed under %d, breadth-first order expected %d", m.Actual, m.Expected)
		if m.Expected == 0 {
			detail = fmt.Sprintf("placed under %d, no open slot was reachable", m.Actual)
		}
		related := []uint64{m.Actual}
		if m.Expected != 0 {
			related = append(related, m.Expected)
		}
		findings = append(findings, Finding{
			Kind:    enums.ViolationFillOrder,
			Tree:    tree,
			NodeID:  m.NodeID,
			Related: related,
			Detail:  detail,
		})
	}
	return findings
}

func (j *integrityScanJob) record(ctx context.Context, findings []Finding, at time.Time) error {
	if len(findings) == 0 {
		return nil
	}
	return j.db.WithTx(ctx, func(tx *gorm.DB) error {
		for _, f := range findings {
			if err := j.violations.Record(ctx, tx, f, at); err != nil {
				return err
			}
		}
		return nil
	})
}
