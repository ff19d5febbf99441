package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/malbeclabs/fooddw/warehouse/pkg/clean"
	"github.com/malbeclabs/fooddw/warehouse/pkg/dimension"
	"github.com/malbeclabs/fooddw/warehouse/pkg/entity"
	"github.com/malbeclabs/fooddw/warehouse/pkg/metrics"
	"github.com/malbeclabs/fooddw/warehouse/pkg/quarantine"
	"github.com/malbeclabs/fooddw/warehouse/pkg/staging"
	"golang.org/x/sync/errgroup"
)

func (c *Coordinator) execute(ctx context.Context, log *slog.Logger, b *Batch) error {
	// Staging and cleaning are pure, so they are recomputed from the stored rows on every run.
	// Their side effects (quarantine writes, counts) only happen the first time.
	var rows []entity.RawRow
	err := c.retry(ctx, log, StateStaged, func(ctx context.Context) error {
		var err error
		rows, err = withOpTimeout(ctx, c.cfg.OpTimeout, func(ctx context.Context) ([]entity.RawRow, error) {
			return c.cfg.Store.Rows(ctx, b.ID)
		})
		return err
	})
	if err != nil {
		return c.fail(ctx, log, b, StateStaged, err)
	}

	admitted, malformed := staging.NewBuffer(log, b.ID).Admit(rows)
	if b.Reached.rank() < StateStaged.rank() {
		err := c.step(ctx, log, b, StateStaged, func(ctx context.Context) error {
			if err := c.writeQuarantine(ctx, malformed); err != nil {
				return err
			}
			b.Counts.Staged = admitted.Count()
			b.Counts.Malformed = len(malformed)
			b.Counts.Superseded = 0
			for _, n := range admitted.Superseded {
				b.Counts.Superseded += n
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	accepted, rejected, err := clean.NewTransformer(log, b.ID).TransformAll(ctx, admitted.Records)
	if err != nil {
		return c.fail(ctx, log, b, StateCleaned, err)
	}
	if b.Reached.rank() < StateCleaned.rank() {
		err := c.step(ctx, log, b, StateCleaned, func(ctx context.Context) error {
			if err := c.writeQuarantine(ctx, rejected); err != nil {
				return err
			}
			b.Counts.Rejected = len(rejected)
			b.Counts.Cleaned = 0
			for _, recs := range accepted {
				b.Counts.Cleaned += len(recs)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	dims := make(map[entity.Type][]entity.Record)
	txs := make(map[entity.Type][]entity.Record)
	for t, recs := range accepted {
		switch t.Kind() {
		case entity.KindDimension:
			dims[t] = recs
		case entity.KindTransaction:
			txs[t] = recs
		}
	}

	if b.Reached.rank() < StateDimensionsMerged.rank() {
		err := c.step(ctx, log, b, StateDimensionsMerged, func(ctx context.Context) error {
			return c.mergeDimensions(ctx, b, dims)
		})
		if err != nil {
			return err
		}
	}

	if b.Reached.rank() < StateFactsBuilt.rank() {
		err := c.step(ctx, log, b, StateFactsBuilt, func(ctx context.Context) error {
			return c.buildFacts(ctx, b, txs)
		})
		if err != nil {
			return err
		}
	}

	if b.Reached.rank() < StateCommitted.rank() {
		err := c.step(ctx, log, b, StateCommitted, func(ctx context.Context) error {
			for _, committer := range c.cfg.Committers {
				if err := committer.Commit(ctx, *b); err != nil {
					return fmt.Errorf("commit %s: %w", committer.Name(), err)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) writeQuarantine(ctx context.Context, records []quarantine.Record) error {
	if len(records) == 0 {
		return nil
	}
	now := c.cfg.Clock.Now().UTC()
	for i := range records {
		records[i].QuarantinedAt = now
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.OpTimeout)
	defer cancel()
	if err := c.cfg.Quarantine.Write(ctx, records); err != nil {
		return fmt.Errorf("failed to write quarantine: %w", err)
	}
	for _, r := range records {
		metrics.QuarantinedRowsTotal.WithLabelValues(string(r.EntityType), string(r.Reason)).Inc()
	}
	return nil
}

// mergeDimensions first reverts anything a previous attempt of this batch left behind, so every
// attempt starts from the state before the batch.
func (c *Coordinator) mergeDimensions(ctx context.Context, b *Batch, dims map[entity.Type][]entity.Record) error {
	revertCtx, cancel := context.WithTimeout(ctx, c.cfg.OpTimeout)
	_, err := c.merger.Revert(revertCtx, b.ID)
	cancel()
	if err != nil {
		return err
	}

	var (
		mu     sync.Mutex
		byType = make(map[entity.Type][]dimension.Change, len(dims))
	)
	g, gctx := errgroup.WithContext(ctx)
	for t, recs := range dims {
		g.Go(func() error {
			changes, err := c.detector.DetectAll(gctx, recs)
			if err != nil {
				return err
			}
			mu.Lock()
			byType[t] = changes
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var changes []dimension.Change
	for _, t := range entity.DimensionTypes {
		changes = append(changes, byType[t]...)
	}
	counts, err := c.merger.Merge(ctx, b.Ref(), changes)
	if err != nil {
		return err
	}
	b.Counts.Dimensions = &counts

	for t, chs := range byType {
		for kind, n := range dimension.Tally(chs) {
			metrics.DimensionChangesTotal.WithLabelValues(string(t), string(kind)).Add(float64(n))
		}
	}
	return nil
}

// buildFacts deletes facts from a previous attempt of this batch before building, so counts are
// identical however many attempts it takes.
func (c *Coordinator) buildFacts(ctx context.Context, b *Batch, txs map[entity.Type][]entity.Record) error {
	deleteCtx, cancel := context.WithTimeout(ctx, c.cfg.OpTimeout)
	_, err := c.cfg.Facts.DeleteBatch(deleteCtx, b.ID)
	cancel()
	if err != nil {
		return err
	}

	counts, err := c.builder.Build(ctx, b.Ref(), txs)
	if err != nil {
		return err
	}
	b.Counts.Facts = &counts

	for t, n := range counts.ByType {
		metrics.FactsBuiltTotal.WithLabelValues(string(t)).Add(float64(n))
	}
	for dim, n := range counts.Unresolved {
		metrics.UnresolvedReferencesTotal.WithLabelValues(string(dim)).Add(float64(n))
	}
	return nil
}

func (c *Coordinator) step(ctx context.Context, log *slog.Logger, b *Batch, target State, fn func(context.Context) error) error {
	start := c.cfg.Clock.Now()
	err := c.retry(ctx, log, target, fn)
	metrics.RecordStep(string(target), c.cfg.Clock.Since(start), err)
	if err != nil {
		return c.fail(ctx, log, b, target, err)
	}
	return c.advance(ctx, log, b, target)
}

func (c *Coordinator) advance(ctx context.Context, log *slog.Logger, b *Batch, state State) error {
	b.Reached = state
	b.State = state
	b.UpdatedAt = c.cfg.Clock.Now().UTC()
	if err := c.updateBatch(ctx, *b); err != nil {
		return fmt.Errorf("failed to record batch %s as %s: %w", b.ID, state, err)
	}
	if state == StateCommitted {
		metrics.BatchesTotal.WithLabelValues(string(StateCommitted)).Inc()
		log.Info("run: batch committed", "staged", b.Counts.Staged, "quarantined", b.Counts.Quarantined())
	} else {
		log.Debug("run: step completed", "state", state)
	}
	return nil
}

// fail records FAILED for the step, undoing the partial effects of a failed merge or fact build
// so that nothing half-written stays visible.
func (c *Coordinator) fail(ctx context.Context, log *slog.Logger, b *Batch, step State, cause error) error {
	runErr := classify(step, cause)

	// The run context may already be cancelled; compensation and bookkeeping must still happen.
	ctx = context.WithoutCancel(ctx)
	switch step {
	case StateDimensionsMerged:
		if err := c.compensate(ctx, b.ID); err != nil {
			log.Error("run: failed to revert dimension merge", "error", err)
		}
	case StateFactsBuilt:
		deleteCtx, cancel := context.WithTimeout(ctx, c.cfg.OpTimeout)
		if _, err := c.cfg.Facts.DeleteBatch(deleteCtx, b.ID); err != nil {
			log.Error("run: failed to delete partial facts", "error", err)
		}
		cancel()
	}

	b.State = StateFailed
	b.FailedStep = step
	b.Error = runErr
	b.UpdatedAt = c.cfg.Clock.Now().UTC()
	if err := c.updateBatch(ctx, *b); err != nil {
		log.Error("run: failed to record batch failure", "error", err)
	}
	metrics.BatchesTotal.WithLabelValues(string(StateFailed)).Inc()
	log.Error("run: batch failed", "step", step, "code", runErr.Code, "error", cause)

	if c.cfg.OnFailure != nil {
		c.cfg.OnFailure(*b, cause)
	}

	if runErr.Code == CodeTimeout {
		return fmt.Errorf("batch %s failed at %s: %w: %w", b.ID, step, ErrTimeout, cause)
	}
	return fmt.Errorf("batch %s failed at %s: %w", b.ID, step, cause)
}

// retry runs fn, retrying with exponential backoff while it fails with a store timeout. Any
// other error is permanent.
func (c *Coordinator) retry(ctx context.Context, log *slog.Logger, step State, fn func(context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.RetryInitialInterval
	bo.MaxInterval = c.cfg.RetryMaxInterval
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.cfg.MaxAttempts-1)), ctx)

	return backoff.RetryNotify(func() error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if isTimeout(ctx, err) {
			return err
		}
		return backoff.Permanent(err)
	}, policy, func(err error, wait time.Duration) {
		metrics.StepRetriesTotal.WithLabelValues(string(step)).Inc()
		log.Warn("run: retrying step after timeout", "step", step, "backoff", wait, "error", err)
	})
}

// isTimeout reports a store operation that hit its own deadline while the run itself is still
// live.
func isTimeout(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout)
}

func classify(step State, err error) *RunError {
	code := CodeInternal
	switch {
	case errors.Is(err, entity.ErrInvariantViolation):
		code = CodeInvariantViolation
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrTimeout):
		code = CodeTimeout
	case errors.Is(err, context.Canceled):
		code = CodeCancelled
	}
	return &RunError{Code: code, Step: step, Message: err.Error()}
}
