// Package runner drains the placement job queue. One instance at a time holds
// the runner lease; every job is placed and paid out inside a single
// transaction that holds both tree locks.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/poolnet-backend/internal/placement"
	"github.com/angelmondragon/poolnet-backend/internal/waterfall"
	"github.com/angelmondragon/poolnet-backend/pkg/db/models"
	"github.com/angelmondragon/poolnet-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/poolnet-backend/pkg/errors"
	"github.com/angelmondragon/poolnet-backend/pkg/logger"
	"github.com/angelmondragon/poolnet-backend/pkg/metrics"
	"github.com/angelmondragon/poolnet-backend/pkg/redis"
)

const (
	defaultBatchSize    = 25
	defaultPollInterval = time.Second

	outcomePlaced     = "placed"
	outcomeDuplicate  = "duplicate"
	outcomeSuperseded = "superseded"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type jobQueue interface {
	ClaimNext(ctx context.Context, tx *gorm.DB) (*models.PlacementJob, error)
	Lock(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) (*models.PlacementJob, error)
	Complete(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) error
	Fail(ctx context.Context, tx *gorm.DB, job *models.PlacementJob, cause error, retryable bool) (time.Time, error)
	MaxAttempts() int
}

type placer interface {
	Place(ctx context.Context, tx *gorm.DB, nodeID uint64, tree enums.TreeKind) (*placement.Result, error)
}

type distributor interface {
	Distribute(ctx context.Context, tx *gorm.DB, input waterfall.Input) (*waterfall.Effects, error)
}

// Lease is the single-writer claim; *redis.Lease implements it.
type Lease interface {
	Acquire(ctx context.Context) (bool, error)
	Refresh(ctx context.Context) error
	Release(ctx context.Context) error
	Held() bool
}

type Params struct {
	TxRunner     txRunner
	Queue        jobQueue
	Placer       placer
	Engine       distributor
	Locker       placement.TreeLocker
	Lease        Lease
	Metrics      *metrics.PlacementMetrics
	Logger       *logger.Logger
	BatchSize    int
	PollInterval time.Duration
}

// Runner consumes placement jobs in arrival order.
type Runner struct {
	tx           txRunner
	queue        jobQueue
	placer       placer
	engine       distributor
	locker       placement.TreeLocker
	lease        Lease
	metrics      *metrics.PlacementMetrics
	logg         *logger.Logger
	batchSize    int
	pollInterval time.Duration
	wake         chan struct{}
	now          func() time.Time
}

func New(params Params) (*Runner, error) {
	if params.TxRunner == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if params.Queue == nil {
		return nil, fmt.Errorf("placement job queue required")
	}
	if params.Placer == nil {
		return nil, fmt.Errorf("placer required")
	}
	if params.Engine == nil {
		return nil, fmt.Errorf("waterfall engine required")
	}
	if params.Locker == nil {
		return nil, fmt.Errorf("tree locker required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	interval := params.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Runner{
		tx:           params.TxRunner,
		queue:        params.Queue,
		placer:       params.Placer,
		engine:       params.Engine,
		locker:       params.Locker,
		lease:        params.Lease,
		metrics:      params.Metrics,
		logg:         params.Logger,
		batchSize:    batch,
		pollInterval: interval,
		wake:         make(chan struct{}, 1),
		now:          func() time.Time { return time.Now().UTC() },
	}, nil
}

// Wake asks the loop to poll now. It never blocks.
func (r *Runner) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run polls the queue until ctx is canceled.
func (r *Runner) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	r.logg.Info(ctx, "placement runner starting")
	defer r.releaseLease()

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		r.drain(ctx)
		select {
		case <-ctx.Done():
			r.logg.Info(ctx, "placement runner context canceled")
			return ctx.Err()
		case <-ticker.C:
		case <-r.wake:
		}
	}
}

// drain processes up to one batch while this instance holds the lease.
func (r *Runner) drain(ctx context.Context) {
	held, err := r.ensureLease(ctx)
	if err != nil {
		r.logg.Error(ctx, "runner lease check failed", err)
		return
	}
	if !held {
		return
	}
	for i := 0; i < r.batchSize; i++ {
		if ctx.Err() != nil {
			return
		}
		processed, err := r.ProcessNext(ctx)
		if err != nil {
			r.logg.Error(ctx, "placement claim failed", err)
			return
		}
		if !processed {
			return
		}
	}
}

func (r *Runner) ensureLease(ctx context.Context) (bool, error) {
	if r.lease == nil {
		return true, nil
	}
	if r.lease.Held() {
		err := r.lease.Refresh(ctx)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, redis.ErrLeaseLost) {
			r.metrics.SetLeaseHeld(false)
			return false, err
		}
		r.logg.Warn(ctx, "runner lease lost")
	}
	ok, err := r.lease.Acquire(ctx)
	r.metrics.SetLeaseHeld(ok && err == nil)
	if err != nil {
		return false, err
	}
	if ok {
		r.logg.Info(ctx, "runner lease acquired")
	}
	return ok, nil
}

func (r *Runner) releaseLease() {
	if r.lease == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.lease.Release(ctx); err != nil {
		r.logg.Error(ctx, "failed to release runner lease", err)
	}
	r.metrics.SetLeaseHeld(false)
}

// ProcessNext claims the earliest-arrived runnable job across both trees and
// runs it. It reports false when no job was due.
func (r *Runner) ProcessNext(ctx context.Context) (bool, error) {
	var job *models.PlacementJob
	err := r.tx.WithTx(ctx, func(tx *gorm.DB) error {
		claimed, err := r.queue.ClaimNext(ctx, tx)
		job = claimed
		return err
	})
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	r.metrics.ObserveQueueLag(job.Tree.String(), r.now().Sub(job.CreatedAt))
	r.handle(ctx, job)
	return true, nil
}

func (r *Runner) handle(ctx context.Context, job *models.PlacementJob) {
	logCtx := r.logg.WithJobID(ctx, job.ID.String())
	logCtx = r.logg.WithTree(r.logg.WithNodeID(logCtx, job.NodeID), job.Tree.String())
	logCtx = r.logg.WithField(logCtx, "attempt", job.Attempts)

	start := time.Now()
	outcome, parentID, err := r.process(ctx, job)
	r.metrics.ObserveDuration(job.Tree.String(), time.Since(start))
	if err != nil {
		r.fail(logCtx, job, err)
		return
	}
	r.metrics.IncProcessed(job.Tree.String(), outcome)
	r.logg.Info(r.logg.WithFields(logCtx, map[string]any{
		"outcome":   outcome,
		"parent_id": parentID,
	}), "placement job completed")
}

// process places the job's node and distributes the job income to the new
// parent, then completes the job. All of it commits or none of it does.
func (r *Runner) process(ctx context.Context, job *models.PlacementJob) (string, uint64, error) {
	var (
		outcome  string
		parentID uint64
	)
	err := r.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := r.locker.Lock(ctx, tx, enums.AllTreeKinds()...); err != nil {
			return err
		}
		current, err := r.queue.Lock(ctx, tx, job.ID)
		if err != nil {
			return err
		}
		if current.Status != enums.PlacementJobRunning || current.Attempts != job.Attempts {
			outcome = outcomeSuperseded
			return nil
		}

		res, err := r.placer.Place(ctx, tx, job.NodeID, job.Tree)
		if err != nil {
			return err
		}
		parentID = res.ParentID
		if res.AlreadyPlaced {
			outcome = outcomeDuplicate
			return r.queue.Complete(ctx, tx, job.ID)
		}

		outcome = outcomePlaced
		if job.IncomeAmount.IsPositive() {
			if _, err := r.engine.Distribute(ctx, tx, waterfall.Input{
				NodeID: res.ParentID,
				Amount: job.IncomeAmount,
				Tier:   res.ParentTier,
				Tree:   job.Tree,
			}); err != nil {
				return err
			}
		}
		return r.queue.Complete(ctx, tx, job.ID)
	})
	return outcome, parentID, err
}

func (r *Runner) fail(ctx context.Context, job *models.PlacementJob, cause error) {
	code := pkgerrors.CodeOf(cause)
	r.metrics.IncFailed(job.Tree.String(), string(code))

	retryable := pkgerrors.IsRetryable(cause)
	var next time.Time
	err := r.tx.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		next, err = r.queue.Fail(ctx, tx, job, cause, retryable)
		return err
	})
	if err != nil {
		r.logg.Error(ctx, "failed to record placement job failure", err)
		return
	}

	logCtx := r.logg.WithFields(ctx, map[string]any{
		"code":            code,
		"retryable":       retryable,
		"next_attempt_at": next,
	})
	if fields := pkgerrors.Dump(cause).Fields(); len(fields) > 0 {
		logCtx = r.logg.WithFields(logCtx, fields)
	}
	if !retryable || job.Attempts >= r.queue.MaxAttempts() {
		r.logg.Error(logCtx, "placement job parked", cause)
		return
	}
	r.logg.Warn(r.logg.WithField(logCtx, "error", cause.Error()), "placement job failed, retry scheduled")
}
