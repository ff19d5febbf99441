package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/fooddw/warehouse/pkg/dimension"
	"github.com/malbeclabs/fooddw/warehouse/pkg/entity"
	"github.com/malbeclabs/fooddw/warehouse/pkg/fact"
	"github.com/malbeclabs/fooddw/warehouse/pkg/metrics"
	"github.com/malbeclabs/fooddw/warehouse/pkg/quarantine"
)

const (
	DefaultConcurrency          = 8
	DefaultMaxAttempts          = 3
	DefaultRetryInitialInterval = 200 * time.Millisecond
	DefaultRetryMaxInterval     = 5 * time.Second
)

// Committer publishes a batch once its facts are built. COMMITTED is only reached after every
// committer succeeds, so implementations must be idempotent.
type Committer interface {
	Name() string
	Commit(ctx context.Context, b Batch) error
}

type Config struct {
	Logger     *slog.Logger
	Clock      clockwork.Clock
	Store      Store
	Quarantine quarantine.Sink
	Dimensions dimension.Store
	Facts      fact.Store
	Allocator  *dimension.Allocator
	Locks      *dimension.KeyLock
	Committers []Committer

	// OnFailure is called when a batch enters FAILED.
	OnFailure func(b Batch, err error)

	Concurrency          int
	OpTimeout            time.Duration
	MaxAttempts          int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	// SettleAfter keeps RunPending from sealing a RECEIVED batch that was updated more recently
	// than this, so that batches submitted in parts are not run half-filled.
	SettleAfter time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Store == nil {
		return errors.New("batch store is required")
	}
	if c.Quarantine == nil {
		return errors.New("quarantine sink is required")
	}
	if c.Dimensions == nil {
		return errors.New("dimension store is required")
	}
	if c.Facts == nil {
		return errors.New("fact store is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Allocator == nil {
		c.Allocator = dimension.NewAllocator()
	}
	if c.Locks == nil {
		c.Locks = dimension.NewKeyLock(dimension.DefaultKeyLockStripes)
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = dimension.DefaultOpTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = DefaultRetryInitialInterval
	}
	if c.RetryMaxInterval <= 0 {
		c.RetryMaxInterval = DefaultRetryMaxInterval
	}
	return nil
}

// Coordinator drives batches through RECEIVED → STAGED → CLEANED → DIMENSIONS_MERGED →
// FACTS_BUILT → COMMITTED. Batches run one at a time in submission order; entity types within a
// batch run in parallel.
type Coordinator struct {
	log *slog.Logger
	cfg Config

	detector *dimension.Detector
	merger   *dimension.MergeEngine
	builder  *fact.Builder

	// runMu serializes batch execution and cancellation. mu guards read-modify-write of batch
	// records and the active map. Lock order is runMu then mu.
	runMu  sync.Mutex
	mu     sync.Mutex
	active map[string]context.CancelFunc
}

func New(cfg Config) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}

	merger, err := dimension.NewMergeEngine(dimension.MergeConfig{
		Logger:      cfg.Logger,
		Store:       cfg.Dimensions,
		Allocator:   cfg.Allocator,
		Locks:       cfg.Locks,
		Concurrency: cfg.Concurrency,
		OpTimeout:   cfg.OpTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create merge engine: %w", err)
	}
	builder, err := fact.NewBuilder(fact.BuilderConfig{
		Logger:      cfg.Logger,
		Clock:       cfg.Clock,
		Resolver:    fact.NewResolver(cfg.Dimensions, cfg.Locks, cfg.OpTimeout),
		Facts:       cfg.Facts,
		Allocator:   cfg.Allocator,
		Concurrency: cfg.Concurrency,
		OpTimeout:   cfg.OpTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create fact builder: %w", err)
	}

	return &Coordinator{
		log:      cfg.Logger,
		cfg:      cfg,
		detector: dimension.NewDetector(cfg.Dimensions, cfg.Concurrency, cfg.OpTimeout),
		merger:   merger,
		builder:  builder,
		active:   make(map[string]context.CancelFunc),
	}, nil
}

// Recover seeds the surrogate key allocator from persisted state so keys are never reissued
// across restarts.
func (c *Coordinator) Recover(ctx context.Context) error {
	for _, t := range entity.DimensionTypes {
		maxKey, err := withOpTimeout(ctx, c.cfg.OpTimeout, func(ctx context.Context) (int64, error) {
			return c.cfg.Dimensions.MaxSurrogateKey(ctx, t)
		})
		if err != nil {
			return fmt.Errorf("failed to read max surrogate key for %s: %w", t, err)
		}
		c.cfg.Allocator.Seed(t, maxKey)
	}
	for _, t := range entity.TransactionTypes {
		maxKey, err := withOpTimeout(ctx, c.cfg.OpTimeout, func(ctx context.Context) (int64, error) {
			return c.cfg.Facts.MaxSurrogateKey(ctx, t)
		})
		if err != nil {
			return fmt.Errorf("failed to read max surrogate key for %s: %w", t, err)
		}
		c.cfg.Allocator.Seed(t, maxKey)
	}
	return nil
}

// Submit adds one part to a batch, creating the batch on first use. Parts are accepted until the
// batch first runs.
func (c *Coordinator) Submit(ctx context.Context, sub Submission) (Batch, error) {
	id := strings.TrimSpace(sub.BatchID)
	if id == "" || strings.ContainsAny(id, "/ ") {
		return Batch{}, fmt.Errorf("%w: %q", ErrInvalidName, sub.BatchID)
	}
	if !sub.EntityType.Valid() {
		return Batch{}, fmt.Errorf("%w: %q", entity.ErrUnknownEntity, sub.EntityType)
	}
	if len(sub.Rows) == 0 {
		return Batch{}, ErrEmptyBatch
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.cfg.Clock.Now().UTC()
	b, err := c.getBatch(ctx, id)
	switch {
	case errors.Is(err, ErrNotFound):
		b, err = c.create(ctx, id, sub.IngestedAt, now)
		if err != nil {
			return Batch{}, err
		}
	case err != nil:
		return Batch{}, fmt.Errorf("failed to get batch %s: %w", id, err)
	case b.Sealed || b.State != StateReceived:
		return b, fmt.Errorf("%w: %s is %s", ErrSealed, id, b.State)
	}

	rows := make([]entity.RawRow, len(sub.Rows))
	for i, fields := range sub.Rows {
		rows[i] = entity.RawRow{Type: sub.EntityType, Index: b.Rows + i, Fields: fields}
	}
	if err := c.storeOp(ctx, func(ctx context.Context) error {
		return c.cfg.Store.AppendRows(ctx, id, rows)
	}); err != nil {
		return Batch{}, fmt.Errorf("failed to append rows to batch %s: %w", id, err)
	}

	b.Rows += len(rows)
	b.Counts.Received = b.Rows
	if !containsType(b.Parts, sub.EntityType) {
		b.Parts = append(b.Parts, sub.EntityType)
	}
	b.UpdatedAt = now
	if err := c.updateBatch(ctx, b); err != nil {
		return Batch{}, fmt.Errorf("failed to update batch %s: %w", id, err)
	}

	c.log.Debug("run: accepted batch part", "batch_id", id, "entity", sub.EntityType, "rows", len(rows))
	return b, nil
}

func (c *Coordinator) create(ctx context.Context, id string, ingestedAt, now time.Time) (Batch, error) {
	if ingestedAt.IsZero() {
		ingestedAt = now
	}
	ingestedAt = ingestedAt.UTC().Truncate(time.Millisecond)

	last, err := withOpTimeout(ctx, c.cfg.OpTimeout, c.cfg.Store.LastBatch)
	if err != nil {
		return Batch{}, fmt.Errorf("failed to get last batch: %w", err)
	}
	if last != nil && ingestedAt.Before(last.IngestedAt) {
		return Batch{}, fmt.Errorf("%w: %s at %s, %s at %s", ErrOutOfOrder,
			id, ingestedAt.Format(time.RFC3339Nano), last.ID, last.IngestedAt.Format(time.RFC3339Nano))
	}

	b, err := withOpTimeout(ctx, c.cfg.OpTimeout, func(ctx context.Context) (Batch, error) {
		return c.cfg.Store.CreateBatch(ctx, Batch{
			ID:         id,
			IngestedAt: ingestedAt,
			State:      StateReceived,
			Reached:    StateReceived,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	})
	if err != nil {
		return Batch{}, fmt.Errorf("failed to create batch %s: %w", id, err)
	}
	c.log.Info("run: batch received", "batch_id", id, "seq", b.Seq, "ingested_at", ingestedAt)
	return b, nil
}

func containsType(types []entity.Type, t entity.Type) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}

func (c *Coordinator) Status(ctx context.Context, id string) (State, error) {
	b, err := c.getBatch(ctx, id)
	if err != nil {
		return "", err
	}
	return b.State, nil
}

func (c *Coordinator) Batch(ctx context.Context, id string) (Batch, error) {
	return c.getBatch(ctx, id)
}

// Result returns the last recorded outcome of a batch without running it.
func (c *Coordinator) Result(ctx context.Context, id string) (RunResult, error) {
	b, err := c.getBatch(ctx, id)
	if err != nil {
		return RunResult{}, err
	}
	return resultOf(b), nil
}

func (c *Coordinator) Quarantined(ctx context.Context, id string) ([]quarantine.Record, error) {
	if _, err := c.getBatch(ctx, id); err != nil {
		return nil, err
	}
	return withOpTimeout(ctx, c.cfg.OpTimeout, func(ctx context.Context) ([]quarantine.Record, error) {
		return c.cfg.Quarantine.List(ctx, id)
	})
}

// RunIncremental runs a batch to COMMITTED, resuming after the last completed step. Row-level
// problems are reported in the result. An error is returned only when the batch cannot run or
// ends FAILED (invariant violation, exhausted timeout retries).
func (c *Coordinator) RunIncremental(ctx context.Context, id string) (RunResult, error) {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	b, err := c.getBatch(ctx, id)
	if err != nil {
		return RunResult{BatchID: id}, err
	}
	switch b.State {
	case StateCommitted:
		return resultOf(b), nil
	case StateCancelled:
		return resultOf(b), fmt.Errorf("%w: %s", ErrCancelled, id)
	}
	if err := c.checkOrder(ctx, b); err != nil {
		return resultOf(b), err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.active[id] = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.active, id)
		c.mu.Unlock()
	}()

	b, err = c.seal(ctx, id)
	if err != nil {
		return resultOf(b), err
	}
	log := c.log.With("batch_id", id, "op_id", b.LastOpID)
	log.Info("run: starting batch", "from", b.Reached, "attempt", b.Attempts)

	if err := c.execute(ctx, log, &b); err != nil {
		return resultOf(b), err
	}
	return resultOf(b), nil
}

// checkOrder enforces strict submission order: every earlier batch must be terminal.
func (c *Coordinator) checkOrder(ctx context.Context, b Batch) error {
	pending, err := c.listPending(ctx)
	if err != nil {
		return fmt.Errorf("failed to list batches: %w", err)
	}
	for _, p := range pending {
		if p.Seq < b.Seq {
			return fmt.Errorf("%w: %s waits for %s (%s)", ErrBlocked, b.ID, p.ID, p.State)
		}
	}
	return nil
}

func (c *Coordinator) seal(ctx context.Context, id string) (Batch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, err := c.getBatch(ctx, id)
	if err != nil {
		return b, err
	}
	b.Sealed = true
	b.Attempts++
	b.LastOpID = uuid.NewString()
	b.State = b.Reached
	b.FailedStep = ""
	b.Error = nil
	b.UpdatedAt = c.cfg.Clock.Now().UTC()
	if err := c.updateBatch(ctx, b); err != nil {
		return b, fmt.Errorf("failed to seal batch %s: %w", id, err)
	}
	return b, nil
}

// Cancel stops a batch before COMMITTED. Dimension versions and facts it wrote are compensated:
// inserted versions are removed, expired versions reopened and facts deleted.
func (c *Coordinator) Cancel(ctx context.Context, id string) error {
	c.mu.Lock()
	if cancel, ok := c.active[id]; ok {
		cancel()
	}
	c.mu.Unlock()

	c.runMu.Lock()
	defer c.runMu.Unlock()

	b, err := c.getBatch(ctx, id)
	if err != nil {
		return err
	}
	switch b.State {
	case StateCommitted:
		return fmt.Errorf("%w: %s", ErrCommitted, id)
	case StateCancelled:
		return nil
	}

	if err := c.compensate(ctx, id); err != nil {
		return fmt.Errorf("failed to compensate batch %s: %w", id, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	b, err = c.getBatch(ctx, id)
	if err != nil {
		return err
	}
	b.State = StateCancelled
	b.Sealed = true
	b.UpdatedAt = c.cfg.Clock.Now().UTC()
	if err := c.updateBatch(ctx, b); err != nil {
		return fmt.Errorf("failed to update batch %s: %w", id, err)
	}
	metrics.BatchesTotal.WithLabelValues(string(StateCancelled)).Inc()
	c.log.Info("run: batch cancelled", "batch_id", id, "reached", b.Reached)
	return nil
}

func (c *Coordinator) compensate(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.OpTimeout)
	defer cancel()
	if n, err := c.cfg.Facts.DeleteBatch(ctx, id); err != nil {
		return err
	} else if n > 0 {
		c.log.Info("run: deleted batch facts", "batch_id", id, "facts", n)
	}
	if _, err := c.merger.Revert(ctx, id); err != nil {
		return err
	}
	return nil
}

// RunPending runs every non-terminal batch in submission order. It stops at the first FAILED
// batch, which needs an explicit retry or cancel, and at the first batch still settling.
func (c *Coordinator) RunPending(ctx context.Context) ([]RunResult, error) {
	batches, err := c.listPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}

	var results []RunResult
	now := c.cfg.Clock.Now()
	for _, b := range batches {
		if b.State == StateFailed {
			c.log.Warn("run: pending batches blocked by failed batch", "batch_id", b.ID, "failed_step", b.FailedStep)
			break
		}
		if b.State == StateReceived && !b.Sealed && now.Sub(b.UpdatedAt) < c.cfg.SettleAfter {
			break
		}
		res, err := c.RunIncremental(ctx, b.ID)
		results = append(results, res)
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// withOpTimeout runs a store call under timeout. A call that hits its own deadline while ctx is
// still live is reported as ErrTimeout.
func withOpTimeout[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	v, err := fn(opCtx)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		err = fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return v, err
}

func (c *Coordinator) storeOp(ctx context.Context, fn func(context.Context) error) error {
	_, err := withOpTimeout(ctx, c.cfg.OpTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func (c *Coordinator) getBatch(ctx context.Context, id string) (Batch, error) {
	return withOpTimeout(ctx, c.cfg.OpTimeout, func(ctx context.Context) (Batch, error) {
		return c.cfg.Store.GetBatch(ctx, id)
	})
}

func (c *Coordinator) updateBatch(ctx context.Context, b Batch) error {
	return c.storeOp(ctx, func(ctx context.Context) error {
		return c.cfg.Store.UpdateBatch(ctx, b)
	})
}

func (c *Coordinator) listPending(ctx context.Context) ([]Batch, error) {
	return withOpTimeout(ctx, c.cfg.OpTimeout, func(ctx context.Context) ([]Batch, error) {
		return c.cfg.Store.ListBatches(ctx, false)
	})
}
