package placement

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/poolnet-backend/pkg/db/models"
	"github.com/angelmondragon/poolnet-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/poolnet-backend/pkg/errors"
	"github.com/angelmondragon/poolnet-backend/pkg/outbox"
	"github.com/angelmondragon/poolnet-backend/pkg/outbox/payloads"
	"github.com/angelmondragon/poolnet-backend/pkg/validate"
)

const maxLastErrorLen = 1024

// QueueParams tunes retry behavior of the placement job queue.
type QueueParams struct {
	Outbox       outbox.Emitter
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	LeaseTimeout time.Duration
}

// JobQueue is the durable placement queue stored in placement_jobs. Every
// method runs inside the caller's transaction.
//
// Jobs of a tree are claimed strictly in arrival order: a job waiting out a
// retry backoff holds back the jobs queued after it, so fill order follows
// creation order. A job that failed permanently is parked (attempts set to
// the maximum) and stops blocking; the orphan scan re-submits it.
type JobQueue struct {
	outbox       outbox.Emitter
	maxAttempts  int
	baseBackoff  time.Duration
	maxBackoff   time.Duration
	leaseTimeout time.Duration
	now          func() time.Time
}

func NewJobQueue(params QueueParams) (*JobQueue, error) {
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox emitter required")
	}
	if params.MaxAttempts <= 0 {
		params.MaxAttempts = 10
	}
	if params.BaseBackoff <= 0 {
		params.BaseBackoff = 2 * time.Second
	}
	if params.MaxBackoff < params.BaseBackoff {
		params.MaxBackoff = params.BaseBackoff
	}
	if params.LeaseTimeout <= 0 {
		params.LeaseTimeout = 2 * time.Minute
	}
	return &JobQueue{
		outbox:       params.Outbox,
		maxAttempts:  params.MaxAttempts,
		baseBackoff:  params.BaseBackoff,
		maxBackoff:   params.MaxBackoff,
		leaseTimeout: params.LeaseTimeout,
		now:          func() time.Time { return time.Now().UTC() },
	}, nil
}

func (q *JobQueue) MaxAttempts() int { return q.maxAttempts }

// Enqueue records a placement request for (nodeID, tree). A second request for
// the same pair returns the existing job untouched.
func (q *JobQueue) Enqueue(ctx context.Context, tx *gorm.DB, nodeID uint64, tree enums.TreeKind, income decimal.Decimal) (*models.PlacementJob, error) {
	if tx == nil {
		return nil, fmt.Errorf("transaction required")
	}
	if nodeID == 0 || !tree.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "node id and tree are required")
	}
	if income.IsNegative() || !validate.Cents(income) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "placement income must be a non-negative amount in whole cents").WithDetails(map[string]any{"income": income.String()})
	}

	now := q.now()
	job := &models.PlacementJob{
		ID:            uuid.New(),
		NodeID:        nodeID,
		Tree:          tree,
		Status:        enums.PlacementJobQueued,
		IncomeAmount:  income,
		NextAttemptAt: now,
		CreatedAt:     now,
	}
	if err := tx.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "node_id"}, {Name: "tree"}}, DoNothing: true}).
		Create(job).Error; err != nil {
		return nil, err
	}

	stored, err := q.findByNode(ctx, tx, nodeID, tree)
	if err != nil {
		return nil, err
	}
	if stored.ID != job.ID {
		return stored, nil
	}

	event := outbox.DomainEvent{
		EventType:     enums.EventPlacementRequested,
		AggregateType: enums.AggregatePlacementJob,
		AggregateID:   stored.ID.String(),
		Data:          payloads.PlacementRequestedEvent{JobID: stored.ID, NodeID: nodeID, Tree: tree},
		OccurredAt:    now,
	}
	if err := q.outbox.Emit(ctx, tx, event); err != nil {
		return nil, err
	}
	return stored, nil
}

// Claim marks the oldest runnable job of tree as running and returns it, or
// nil when the head of the queue is not due yet.
func (q *JobQueue) Claim(ctx context.Context, tx *gorm.DB, tree enums.TreeKind) (*models.PlacementJob, error) {
	if tx == nil {
		return nil, fmt.Errorf("transaction required")
	}
	job, err := q.dueHead(ctx, tx, tree)
	if err != nil || job == nil {
		return nil, err
	}
	return q.start(ctx, tx, job)
}

// ClaimNext claims across every tree: of the heads that are due, the one that
// arrived first wins. Each tree still only ever runs its own head.
func (q *JobQueue) ClaimNext(ctx context.Context, tx *gorm.DB) (*models.PlacementJob, error) {
	if tx == nil {
		return nil, fmt.Errorf("transaction required")
	}
	var next *models.PlacementJob
	for _, tree := range enums.AllTreeKinds() {
		job, err := q.dueHead(ctx, tx, tree)
		if err != nil {
			return nil, err
		}
		if job != nil && (next == nil || arrivedBefore(job, next)) {
			next = job
		}
	}
	if next == nil {
		return nil, nil
	}
	return q.start(ctx, tx, next)
}

// dueHead returns the head of tree's queue when it may run now.
func (q *JobQueue) dueHead(ctx context.Context, tx *gorm.DB, tree enums.TreeKind) (*models.PlacementJob, error) {
	query := tx.WithContext(ctx).
		Where("tree = ? AND status <> ? AND attempts < ?", tree, enums.PlacementJobCompleted, q.maxAttempts).
		Order("created_at ASC").
		Order("id ASC")
	if tx.Dialector.Name() == "postgres" {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var job models.PlacementJob
	err := query.First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	now := q.now()
	switch job.Status {
	case enums.PlacementJobRunning:
		if job.StartedAt != nil && job.StartedAt.After(now.Add(-q.leaseTimeout)) {
			return nil, nil
		}
	default:
		if job.NextAttemptAt.After(now) {
			return nil, nil
		}
	}
	return &job, nil
}

func (q *JobQueue) start(ctx context.Context, tx *gorm.DB, job *models.PlacementJob) (*models.PlacementJob, error) {
	now := q.now()
	if err := tx.WithContext(ctx).
		Model(&models.PlacementJob{}).
		Where("id = ?", job.ID).
		Updates(map[string]any{
			"status":     enums.PlacementJobRunning,
			"attempts":   gorm.Expr("attempts + 1"),
			"started_at": now,
		}).Error; err != nil {
		return nil, err
	}
	job.Status = enums.PlacementJobRunning
	job.Attempts++
	job.StartedAt = &now
	return job, nil
}

func arrivedBefore(a, b *models.PlacementJob) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}

// Lock re-reads a job under a row lock.
func (q *JobQueue) Lock(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) (*models.PlacementJob, error) {
	query := tx.WithContext(ctx).Where("id = ?", jobID)
	if tx.Dialector.Name() == "postgres" {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var job models.PlacementJob
	err := query.First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "placement job not found").WithDetails(map[string]any{"job_id": jobID})
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (q *JobQueue) Complete(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) error {
	now := q.now()
	return tx.WithContext(ctx).
		Model(&models.PlacementJob{}).
		Where("id = ?", jobID).
		Updates(map[string]any{
			"status":       enums.PlacementJobCompleted,
			"completed_at": now,
			"last_error":   nil,
		}).Error
}

// Fail records a failed attempt. Retryable failures back off exponentially;
// anything else parks the job.
func (q *JobQueue) Fail(ctx context.Context, tx *gorm.DB, job *models.PlacementJob, cause error, retryable bool) (time.Time, error) {
	if job == nil {
		return time.Time{}, fmt.Errorf("job required")
	}
	now := q.now()
	attempts := job.Attempts
	next := now.Add(Backoff(attempts, q.baseBackoff, q.maxBackoff))
	if !retryable || attempts >= q.maxAttempts {
		attempts = q.maxAttempts
		next = now.Add(q.maxBackoff)
	}
	err := tx.WithContext(ctx).
		Model(&models.PlacementJob{}).
		Where("id = ?", job.ID).
		Updates(map[string]any{
			"status":          enums.PlacementJobFailed,
			"attempts":        attempts,
			"next_attempt_at": next,
			"last_error":      truncateError(cause),
		}).Error
	return next, err
}

// Requeue makes the job for (nodeID, tree) runnable again, creating it with
// income when it does not exist. The stored income of an existing job is
// kept so its distribution is replayed exactly once.
func (q *JobQueue) Requeue(ctx context.Context, tx *gorm.DB, nodeID uint64, tree enums.TreeKind, income decimal.Decimal) (*models.PlacementJob, bool, error) {
	existing, err := q.findByNode(ctx, tx, nodeID, tree)
	if err != nil && !pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
		return nil, false, err
	}
	if existing == nil {
		job, err := q.Enqueue(ctx, tx, nodeID, tree, income)
		return job, true, err
	}
	if existing.Status == enums.PlacementJobRunning {
		return existing, false, nil
	}

	now := q.now()
	if err := tx.WithContext(ctx).
		Model(&models.PlacementJob{}).
		Where("id = ?", existing.ID).
		Updates(map[string]any{
			"status":          enums.PlacementJobQueued,
			"attempts":        0,
			"next_attempt_at": now,
			"completed_at":    nil,
		}).Error; err != nil {
		return nil, false, err
	}
	existing.Status = enums.PlacementJobQueued
	existing.Attempts = 0
	existing.NextAttemptAt = now
	existing.CompletedAt = nil
	return existing, false, nil
}

// ListDue returns runnable jobs of tree in claim order.
func (q *JobQueue) ListDue(ctx context.Context, tx *gorm.DB, tree enums.TreeKind, limit int) ([]models.PlacementJob, error) {
	query := tx.WithContext(ctx).
		Where("tree = ? AND status IN ? AND attempts < ? AND next_attempt_at <= ?",
			tree, []enums.PlacementJobStatus{enums.PlacementJobQueued, enums.PlacementJobFailed}, q.maxAttempts, q.now()).
		Order("created_at ASC").
		Order("id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var jobs []models.PlacementJob
	if err := query.Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

func (q *JobQueue) findByNode(ctx context.Context, tx *gorm.DB, nodeID uint64, tree enums.TreeKind) (*models.PlacementJob, error) {
	var job models.PlacementJob
	err := tx.WithContext(ctx).Where("node_id = ? AND tree = ?", nodeID, tree).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "placement job not found")
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// Backoff doubles base for every attempt after the first, capped at max.
func Backoff(attempts int, base, max time.Duration) time.Duration {
	if attempts <= 1 {
		return base
	}
	factor := math.Pow(2, float64(attempts-1))
	d := time.Duration(float64(base) * factor)
	if d <= 0 || d > max {
		return max
	}
	return d
}

func truncateError(err error) *string {
	if err == nil {
		return nil
	}
	msg := pkgerrors.Dump(err).Summary()
	if len(msg) > maxLastErrorLen {
		msg = msg[:maxLastErrorLen]
	}
	return &msg
}
