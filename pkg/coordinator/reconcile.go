package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/surrealdb/annosync/pkg/models"
	"github.com/surrealdb/annosync/pkg/store"
)

// SweepResult summarises one reconciliation sweep.
type SweepResult struct {
	// Coalesced is set when another sweep was already running and this
	// call did nothing.
	Coalesced bool `json:"coalesced"`
	// BreakerOpen is set when the sweep stopped because the breaker
	// refused further DocumentStore calls.
	BreakerOpen bool `json:"breaker_open"`
	Processed   int  `json:"processed"`
	Synced      int  `json:"synced"`
	// Superseded counts tasks replicated while newer work was queued for
	// the same entity; they stay queued.
	Superseded int `json:"superseded"`
	Deferred   int `json:"deferred"`
	Dropped    int `json:"dropped"`
}

func (r *SweepResult) add(o SweepResult) {
	r.Processed += o.Processed
	r.Synced += o.Synced
	r.Superseded += o.Superseded
	r.Deferred += o.Deferred
	r.Dropped += o.Dropped
	r.BreakerOpen = r.BreakerOpen || o.BreakerOpen
}

// Reconcile runs one sweep over the sync tasks that are due. Each task is
// tried up to ReconcileAttempts times; a task that still fails is
// deferred by Backoff of its failure count. Only one sweep runs at a
// time; a call made while one is running returns at once with Coalesced
// set.
func (c *Coordinator) Reconcile(ctx context.Context) (SweepResult, error) {
	if !c.sweeping.CompareAndSwap(false, true) {
		c.metrics.Sweep("coalesced")
		return SweepResult{Coalesced: true}, nil
	}
	defer c.sweeping.Store(false)

	res, err := c.sweep(ctx)
	switch {
	case err != nil:
		c.metrics.Sweep("error")
		c.logger.Error().Err(err).Msg("reconciliation sweep failed")
	case res.BreakerOpen:
		c.metrics.Sweep("breaker_open")
	default:
		c.metrics.Sweep("ok")
	}
	if res.Processed > 0 || err != nil {
		c.logger.Info().
			Int("processed", res.Processed).
			Int("synced", res.Synced).
			Int("deferred", res.Deferred).
			Int("superseded", res.Superseded).
			Bool("breaker_open", res.BreakerOpen).
			Msg("reconciliation sweep")
	}
	return res, err
}

func (c *Coordinator) sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := c.now()
	tasks, err := c.meta.DueSyncTasks(ctx, now, c.cfg.BatchSize)
	if err != nil {
		return res, store.Permanent("due sync tasks", err)
	}

	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			return res, store.Permanent("reconcile", err)
		}
		entity, err := c.load(ctx, task)
		if errors.Is(err, store.ErrNotFound) {
			// The record is gone; nothing left to replicate.
			if _, err := c.meta.CompleteSyncTask(ctx, task); err != nil {
				return res, store.Permanent("drop sync task", err)
			}
			res.Dropped++
			continue
		}
		if err != nil {
			return res, store.Permanent("load "+string(task.EntityKind), err)
		}

		tried, pushErr := c.tryPush(ctx, task, entity)
		if err := ctx.Err(); err != nil {
			// Abandoned mid-push; the task stays due as it was.
			return res, store.Permanent("reconcile", err)
		}
		if tried == 0 {
			res.BreakerOpen = true
			return res, nil
		}
		res.Processed++

		if pushErr != nil {
			c.metrics.SweepTask(false)
			task.MarkError(pushErr.Error(), now.Add(c.Backoff(task.Attempts+1)))
			if err := c.meta.DeferSyncTask(ctx, task); err != nil {
				return res, store.Permanent("defer sync task", err)
			}
			res.Deferred++
			c.logger.Debug().Err(pushErr).Uint64("task", task.ID).Int("attempts", task.Attempts).
				Time("next_attempt", task.NextAttemptAt).Msg("sync task deferred")
			if tried < c.cfg.ReconcileAttempts {
				// The breaker opened part way through.
				res.BreakerOpen = true
				return res, nil
			}
			continue
		}

		c.metrics.SweepTask(true)
		done, err := c.meta.CompleteSyncTask(ctx, task)
		if err != nil {
			return res, store.Permanent("complete sync task", err)
		}
		if done {
			res.Synced++
		} else {
			res.Superseded++
		}
	}
	return res, nil
}

// tryPush pushes the task up to ReconcileAttempts times while the breaker
// allows it. It returns the number of pushes made and the last error.
func (c *Coordinator) tryPush(ctx context.Context, task *models.SyncTask, entity any) (int, error) {
	var err error
	tried := 0
	for tried < c.cfg.ReconcileAttempts {
		if !c.breaker.Allow() {
			break
		}
		tried++
		err = c.push(ctx, task, entity)
		if err == nil {
			c.breaker.RecordSuccess()
			c.metrics.DocumentStoreWrite(string(task.EntityKind), true)
			return tried, nil
		}
		if ctx.Err() != nil {
			c.breaker.Release()
			return tried, err
		}
		c.breaker.RecordFailure()
		c.metrics.DocumentStoreWrite(string(task.EntityKind), false)
	}
	return tried, err
}

// load reads the current MetadataStore record behind task. Document
// metadata has no record of its own and is rebuilt from the task payload.
// A task whose entity ID does not parse is reported as not found.
func (c *Coordinator) load(ctx context.Context, task *models.SyncTask) (any, error) {
	switch task.EntityKind {
	case models.EntitySchema:
		id, err := models.ParseSchemaID(task.EntityID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", store.ErrNotFound, err)
		}
		return c.meta.GetSchema(ctx, id)
	case models.EntityAnnotation:
		id, err := models.ParseAnnotationID(task.EntityID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", store.ErrNotFound, err)
		}
		return c.meta.GetAnnotation(ctx, id)
	case models.EntityDocumentMetadata:
		return &models.DocumentMetadata{
			DocumentID: task.DocumentID,
			Attributes: task.Payload.Clone(),
			UpdatedAt:  task.UpdatedAt,
		}, nil
	default:
		return nil, fmt.Errorf("unknown entity kind %q", task.EntityKind)
	}
}
