// ShopMirror - Differential Catalog Synchronization Engine
// Copyright 2026 ShopMirror Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncforge/shopmirror

// Package engine drives a full synchronization session: change detection,
// queueing, batched dispatch, retries, and checkpointing. A session moves
// through pending, running, and one of completed, failed, or interrupted.
// Interrupted sessions persist their remaining queue and resume on the next
// invocation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/syncforge/shopmirror/internal/audit"
	"github.com/syncforge/shopmirror/internal/batch"
	"github.com/syncforge/shopmirror/internal/cache"
	"github.com/syncforge/shopmirror/internal/config"
	"github.com/syncforge/shopmirror/internal/diff"
	"github.com/syncforge/shopmirror/internal/logging"
	"github.com/syncforge/shopmirror/internal/metrics"
	"github.com/syncforge/shopmirror/internal/mirror"
	"github.com/syncforge/shopmirror/internal/models"
	"github.com/syncforge/shopmirror/internal/queue"
	"github.com/syncforge/shopmirror/internal/remote"
	"github.com/syncforge/shopmirror/internal/retry"
	"github.com/syncforge/shopmirror/internal/state"
)

// Hooks are the collaborator callbacks the host application supplies.
// Credential refresh, read-only detection, and progress reporting live
// outside the sync pipeline.
type Hooks struct {
	// Credentials returns the current access token. Called once before the
	// session starts. Nil means the configured token is used as-is.
	Credentials func(ctx context.Context) (string, error)

	// ReadOnly reports whether the application is in a read-only state in
	// which no remote writes may be issued. Nil means never read-only.
	ReadOnly func(ctx context.Context) (bool, error)

	// Progress receives human-readable progress updates with a completion
	// percentage in [0, 100]. Nil disables reporting.
	Progress func(message string, percent float64)
}

// ErrReadOnly is returned when the read-only hook vetoes the session.
var ErrReadOnly = errors.New("application is read-only, refusing to sync")

// Orchestrator wires the sync pipeline together and runs sessions.
type Orchestrator struct {
	cfg    *config.Config
	client remote.Catalog
	mirror *mirror.Store
	states *state.Store
	audit  *audit.Logger
	retry  *retry.Manager
	proc   *batch.Processor
	hooks  Hooks

	// now is replaceable for tests.
	now func() time.Time
}

// New builds an Orchestrator over already-opened stores and client.
func New(cfg *config.Config, client remote.Catalog, m *mirror.Store, st *state.Store, a *audit.Logger, hooks Hooks) *Orchestrator {
	dedup := cache.NewDedup(cfg.Sync.DedupTTL)
	return &Orchestrator{
		cfg:    cfg,
		client: client,
		mirror: m,
		states: st,
		audit:  a,
		retry:  retry.NewManager(&cfg.Sync),
		proc:   batch.NewProcessor(client, dedup, &cfg.Sync),
		hooks:  hooks,
		now:    time.Now,
	}
}

// Run executes one sync session end to end. When resume is true and a
// resumable session exists, its queue is restored instead of running change
// detection; otherwise a fresh session starts.
func (o *Orchestrator) Run(ctx context.Context, scope string, resume bool) (*models.ExportSession, error) {
	started := o.now()
	defer func() {
		metrics.SyncDuration.Observe(o.now().Sub(started).Seconds())
	}()

	if err := o.preflight(ctx); err != nil {
		return nil, err
	}

	sess, q, err := o.prepare(ctx, scope, resume)
	if err != nil {
		return nil, err
	}
	if q == nil {
		// Nothing to do.
		return sess, nil
	}

	return o.drain(ctx, sess, q)
}

// preflight runs the collaborator checks that must pass before any remote
// traffic.
func (o *Orchestrator) preflight(ctx context.Context) error {
	if o.hooks.ReadOnly != nil {
		ro, err := o.hooks.ReadOnly(ctx)
		if err != nil {
			return fmt.Errorf("read-only check: %w", err)
		}
		if ro {
			return ErrReadOnly
		}
	}
	if o.hooks.Credentials != nil {
		token, err := o.hooks.Credentials(ctx)
		if err != nil {
			return fmt.Errorf("credential refresh: %w", err)
		}
		if tc, ok := o.client.(interface{ SetToken(string) }); ok {
			tc.SetToken(token)
		}
	}
	if err := o.client.Ping(ctx); err != nil {
		return fmt.Errorf("remote catalog unreachable: %w", err)
	}
	return nil
}

// prepare either resumes a prior interrupted session or starts a fresh one
// with change detection. A nil queue with a non-nil session means there was
// no outbound work.
func (o *Orchestrator) prepare(ctx context.Context, scope string, resume bool) (*models.ExportSession, *queue.Queue, error) {
	if resume {
		sess, q, err := o.resumeSession(ctx)
		if err == nil {
			return sess, q, nil
		}
		if !errors.Is(err, state.ErrNotFound) {
			return nil, nil, err
		}
		logging.Info().Msg("No resumable session found, starting fresh")
	}
	return o.freshSession(ctx, scope)
}

func (o *Orchestrator) resumeSession(ctx context.Context) (*models.ExportSession, *queue.Queue, error) {
	sess, err := o.states.LatestResumable()
	if err != nil {
		return nil, nil, err
	}
	q, err := queue.RestoreJSON(sess.QueueSnapshot)
	if err != nil {
		logging.Warn().
			Str("session_id", sess.SessionID).
			Err(err).
			Msg("Queue snapshot failed to restore, starting fresh")
		return nil, nil, state.ErrNotFound
	}

	sess.Status = models.SessionRunning
	sess.QueueSnapshot = nil
	if err := o.states.SaveSession(sess); err != nil {
		return nil, nil, err
	}
	metrics.SessionsResumed.Inc()
	logging.Info().
		Str("session_id", sess.SessionID).
		Int("pending", q.Len()).
		Msg("Resuming interrupted session")
	o.progress("resuming previous session", 0)
	return sess, q, nil
}

func (o *Orchestrator) freshSession(ctx context.Context, scope string) (*models.ExportSession, *queue.Queue, error) {
	sess := &models.ExportSession{
		SessionID: uuid.NewString(),
		Scope:     scope,
		Status:    models.SessionPending,
		StartedAt: o.now().UTC(),
		DryRun:    o.cfg.Sync.DryRun,
	}
	if err := o.states.SaveSession(sess); err != nil {
		return nil, nil, err
	}
	if err := o.audit.StartSession(ctx, sess); err != nil {
		return nil, nil, err
	}

	o.progress("detecting changes", 0)
	d, err := o.detect(ctx)
	if err != nil {
		o.failSession(ctx, sess, err)
		return nil, nil, err
	}

	if len(d.ImportNew) > 0 {
		imported, err := o.mirror.ImportSnapshot(ctx, d.ImportNew)
		if err != nil {
			o.failSession(ctx, sess, err)
			return nil, nil, err
		}
		logging.Info().Int("imported", imported).Msg("Adopted remote-only records into mirror")
	}

	outbound := o.validateItems(ctx, sess, d.Outbound())
	if len(outbound) == 0 {
		o.completeSession(ctx, sess)
		logging.Info().
			Int("unchanged", d.Unchanged).
			Msg("Catalog already in sync")
		o.progress("catalog already in sync", 100)
		return sess, nil, nil
	}

	q := queue.New()
	q.Add(outbound...)

	sess.Status = models.SessionRunning
	if err := o.states.SaveSession(sess); err != nil {
		return nil, nil, err
	}
	logging.Info().
		Str("session_id", sess.SessionID).
		Int("to_add", len(d.ToAdd)).
		Int("to_update", len(d.ToUpdate)).
		Int("to_delete", len(d.ToDelete)).
		Int("unchanged", d.Unchanged).
		Msg("Change detection complete")
	return sess, q, nil
}

// detect loads both sides and classifies.
func (o *Orchestrator) detect(ctx context.Context) (*diff.Diff, error) {
	local, err := o.mirror.LoadRows(ctx)
	if err != nil {
		return nil, err
	}
	tombstones, err := o.mirror.LoadTombstones(ctx)
	if err != nil {
		return nil, err
	}

	products, variants, err := o.client.FetchSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch remote snapshot: %w", err)
	}
	remoteEntities := make([]models.Entity, 0, len(products)+len(variants))
	for i := range products {
		remoteEntities = append(remoteEntities, models.NewProductEntity(&products[i]))
	}
	for i := range variants {
		remoteEntities = append(remoteEntities, models.NewVariantEntity(&variants[i]))
	}

	return diff.ClassifyWithTombstones(local, remoteEntities, tombstones)
}

// validateItems runs pre-flight validation. Invalid payloads resolve
// fatally before any remote call is spent on them.
func (o *Orchestrator) validateItems(ctx context.Context, sess *models.ExportSession, items []models.SyncItem) []models.SyncItem {
	valid := items[:0]
	for _, item := range items {
		if item.Operation == models.OpDelete {
			valid = append(valid, item)
			continue
		}
		if err := item.Entity.ValidateFields(); err != nil {
			sess.Processed++
			sess.Failed++
			o.resolve(ctx, sess, item, models.ResolutionFatal, "validation: "+err.Error())
			continue
		}
		valid = append(valid, item)
	}
	return valid
}

// deferredRetry is an item waiting out its backoff before re-entering the
// queue.
type deferredRetry struct {
	item    models.SyncItem
	readyAt time.Time
}

// drain works the queue until it empties, the context is canceled, or the
// time budget runs out.
func (o *Orchestrator) drain(ctx context.Context, sess *models.ExportSession, q *queue.Queue) (*models.ExportSession, error) {
	deadline := o.now().Add(o.cfg.Sync.TimeBudget)
	total := q.Len() + sess.Processed
	var deferred []deferredRetry

	for q.Len() > 0 || len(deferred) > 0 {
		if err := ctx.Err(); err != nil {
			o.requeueDeferred(q, &deferred, true)
			return o.interrupt(ctx, sess, q, "context canceled")
		}
		if !o.now().Before(deadline) {
			o.requeueDeferred(q, &deferred, true)
			return o.interrupt(ctx, sess, q, "time budget exhausted")
		}

		o.requeueDeferred(q, &deferred, false)
		if q.Len() == 0 {
			// Every pending item is waiting out a backoff.
			o.waitForDeferred(ctx, deferred, deadline)
			continue
		}

		q.PromoteAged(o.cfg.Sync.PromoteAfter)

		head := q.GetNext()
		if head == nil {
			break
		}
		size := o.proc.BatchSize(head.Operation)
		items := append([]models.SyncItem{*head}, o.takeMatching(q, head.Operation, size-1)...)

		if err := o.audit.BatchStart(ctx, sess.SessionID, head.Operation, len(items)); err != nil {
			logging.Warn().Err(err).Msg("Audit batch start failed")
		}

		succeeded, failed, abort := o.runBatch(ctx, sess, &deferred, items)

		if err := o.audit.BatchComplete(ctx, sess.SessionID, head.Operation, succeeded, failed); err != nil {
			logging.Warn().Err(err).Msg("Audit batch complete failed")
		}
		if abort != nil {
			o.failSession(ctx, sess, abort)
			return sess, abort
		}

		// Checkpoint after every batch.
		snap, err := snapshotQueue(q)
		if err != nil {
			return nil, err
		}
		sess.QueueSnapshot = snap
		if err := o.states.SaveSession(sess); err != nil {
			return nil, err
		}

		if total > 0 {
			pct := float64(sess.Processed) / float64(total) * 100
			o.progress(fmt.Sprintf("processed %d of %d items", sess.Processed, total), pct)
		}
	}

	o.completeSession(ctx, sess)
	o.progress("sync complete", 100)
	return sess, nil
}

// requeueDeferred moves ready deferred items back into the queue. With
// force set, everything moves regardless of backoff, as when checkpointing.
func (o *Orchestrator) requeueDeferred(q *queue.Queue, deferred *[]deferredRetry, force bool) {
	now := o.now()
	remaining := (*deferred)[:0]
	for _, d := range *deferred {
		if force || !d.readyAt.After(now) {
			q.Add(d.item)
			continue
		}
		remaining = append(remaining, d)
	}
	*deferred = remaining
}

// waitForDeferred sleeps until the earliest deferred item is ready, the
// context ends, or the deadline arrives.
func (o *Orchestrator) waitForDeferred(ctx context.Context, deferred []deferredRetry, deadline time.Time) {
	if len(deferred) == 0 {
		return
	}
	earliest := deferred[0].readyAt
	for _, d := range deferred[1:] {
		if d.readyAt.Before(earliest) {
			earliest = d.readyAt
		}
	}
	if earliest.After(deadline) {
		earliest = deadline
	}
	wait := time.Until(earliest)
	if wait <= 0 {
		return
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// takeMatching pops up to n items whose operation matches op. Non-matching
// heads stay queued for the next batch.
func (o *Orchestrator) takeMatching(q *queue.Queue, op models.Operation, n int) []models.SyncItem {
	var taken []models.SyncItem
	var putBack []models.SyncItem
	for len(taken) < n {
		item := q.GetNext()
		if item == nil {
			break
		}
		if item.Operation == op {
			taken = append(taken, *item)
			continue
		}
		putBack = append(putBack, *item)
		break
	}
	if len(putBack) > 0 {
		q.Add(putBack...)
	}
	return taken
}

// runBatch executes one batch and applies every result. Returns the number
// of succeeded and failed items in this pass; deferred retries count as
// neither. A non-nil abort means a session-level failure such as an
// exhausted quota.
func (o *Orchestrator) runBatch(ctx context.Context, sess *models.ExportSession, deferred *[]deferredRetry, items []models.SyncItem) (succeeded, failed int, abort error) {
	results := o.proc.Execute(ctx, items)
	for _, res := range results {
		switch {
		case res.Err == nil:
			o.applySuccess(ctx, sess, res)
			succeeded++
		default:
			counted, sessionErr := o.applyFailure(ctx, sess, deferred, res)
			if counted {
				failed++
			}
			if sessionErr != nil && abort == nil {
				abort = sessionErr
			}
		}
	}
	return succeeded, failed, abort
}

func (o *Orchestrator) applySuccess(ctx context.Context, sess *models.ExportSession, res batch.Result) {
	item := res.Item
	sess.Processed++
	sess.Succeeded++

	if !sess.DryRun {
		if err := o.commitMirror(ctx, res); err != nil {
			logging.Error().
				Str("item", item.Key()).
				Err(err).
				Msg("Mirror commit failed after successful remote call")
		}
	}
	if err := o.states.ClearAttempts(item.Key()); err != nil {
		logging.Warn().Str("item", item.Key()).Err(err).Msg("Clearing attempt state failed")
	}

	message := ""
	if res.Deduplicated {
		message = "suppressed duplicate request"
	}
	o.resolve(ctx, sess, item, models.ResolutionCompleted, message)
}

// commitMirror records the remote outcome on the mirror row.
func (o *Orchestrator) commitMirror(ctx context.Context, res batch.Result) error {
	item := res.Item
	if item.Operation == models.OpDelete {
		return o.mirror.CommitDelete(ctx, item.EntityType, item.ID)
	}
	entity := item.Entity
	if res.Canonical != nil {
		entity = *res.Canonical
		if err := o.mirror.UpsertEntity(ctx, entity); err != nil {
			return err
		}
	}
	return o.mirror.CommitSync(ctx, entity, string(item.Operation))
}

// applyFailure categorizes a failure and either defers the item for retry
// or resolves it terminally. counted reports whether the item resolved as
// failed; a non-nil sessionErr aborts the whole session.
func (o *Orchestrator) applyFailure(ctx context.Context, sess *models.ExportSession, deferred *[]deferredRetry, res batch.Result) (counted bool, sessionErr error) {
	item := res.Item
	category := retry.Categorize(res.Err)

	if err := o.audit.Error(ctx, sess.SessionID, item.Key(), string(category), res.Err.Error()); err != nil {
		logging.Warn().Err(err).Msg("Audit error event failed")
	}
	if !sess.DryRun {
		if err := o.mirror.RecordError(ctx, item.EntityType, item.ID, res.Err.Error()); err != nil {
			logging.Warn().Str("item", item.Key()).Err(err).Msg("Recording mirror error failed")
		}
	}

	attempts, err := o.states.RecordAttempt(item.Key(), res.Err.Error())
	if err != nil {
		logging.Warn().Str("item", item.Key()).Err(err).Msg("Persisting attempt state failed")
		attempts = item.Attempts + 1
	}

	if category == retry.CategoryRetryable && o.retry.ShouldRetry(res.Err, attempts-1) {
		backoff := o.retry.Backoff(res.Err, attempts)
		logging.Warn().
			Str("item", item.Key()).
			Int("attempts", attempts).
			Dur("backoff", backoff).
			Err(res.Err).
			Msg("Transient failure, deferring for retry")

		item.Attempts = attempts
		*deferred = append(*deferred, deferredRetry{
			item:    item,
			readyAt: o.now().Add(backoff),
		})
		return false, nil
	}

	sess.Processed++

	// An exhausted quota means every further call this session would fail
	// the same way.
	var quota *remote.QuotaError
	if errors.As(res.Err, &quota) {
		sess.Failed++
		o.resolve(ctx, sess, item, models.ResolutionFatal, res.Err.Error())
		return true, fmt.Errorf("quota exhausted after %d attempts: %w", attempts, res.Err)
	}

	if category == retry.CategoryRetryable {
		// Retries exhausted on a transient failure.
		sess.Skipped++
		o.resolve(ctx, sess, item, models.ResolutionSkipped, res.Err.Error())
		return true, nil
	}

	// Rejected credentials fail every call alike.
	var auth *remote.AuthError
	if errors.As(res.Err, &auth) {
		sess.Failed++
		o.resolve(ctx, sess, item, models.ResolutionFatal, res.Err.Error())
		return true, fmt.Errorf("remote revoked access mid-session: %w", res.Err)
	}

	// A vanished remote resource is skipped, not treated as a defect in the
	// payload.
	var notFound *remote.NotFoundError
	if errors.As(res.Err, &notFound) {
		sess.Skipped++
		o.resolve(ctx, sess, item, models.ResolutionSkipped, res.Err.Error())
		return true, nil
	}

	sess.Failed++
	o.resolve(ctx, sess, item, models.ResolutionFatal, res.Err.Error())
	return true, nil
}

// resolve records an item's terminal outcome in the audit log and metrics.
func (o *Orchestrator) resolve(ctx context.Context, sess *models.ExportSession, item models.SyncItem, res models.Resolution, message string) {
	metrics.ItemsResolved.WithLabelValues(string(item.EntityType), string(item.Operation), string(res)).Inc()
	if err := o.audit.ItemResolved(ctx, sess.SessionID, item, res, message); err != nil {
		logging.Warn().Str("item", item.Key()).Err(err).Msg("Audit item resolution failed")
	}
}

// interrupt checkpoints the remaining queue and marks the session for
// resumption.
func (o *Orchestrator) interrupt(ctx context.Context, sess *models.ExportSession, q *queue.Queue, reason string) (*models.ExportSession, error) {
	snap, err := snapshotQueue(q)
	if err != nil {
		return nil, err
	}
	sess.Status = models.SessionInterrupted
	sess.QueueSnapshot = snap
	sess.LastError = reason
	if err := o.states.SaveSession(sess); err != nil {
		return nil, err
	}
	if err := o.audit.EndSession(ctx, sess); err != nil {
		logging.Warn().Err(err).Msg("Audit session end failed")
	}
	metrics.SessionsInterrupted.Inc()
	logging.Warn().
		Str("session_id", sess.SessionID).
		Str("reason", reason).
		Int("pending", q.Len()).
		Msg("Session interrupted, checkpoint saved")
	return sess, nil
}

func (o *Orchestrator) completeSession(ctx context.Context, sess *models.ExportSession) {
	now := o.now().UTC()
	sess.Status = models.SessionCompleted
	sess.CompletedAt = &now
	sess.QueueSnapshot = nil
	if err := o.states.SaveSession(sess); err != nil {
		logging.Error().Err(err).Msg("Saving completed session failed")
	}
	if err := o.audit.EndSession(ctx, sess); err != nil {
		logging.Warn().Err(err).Msg("Audit session end failed")
	}
	if err := o.audit.Metric(ctx, sess.SessionID, "duration_seconds", now.Sub(sess.StartedAt).Seconds()); err != nil {
		logging.Warn().Err(err).Msg("Audit duration metric failed")
	}
	logging.Info().
		Str("session_id", sess.SessionID).
		Int("processed", sess.Processed).
		Int("succeeded", sess.Succeeded).
		Int("failed", sess.Failed).
		Int("skipped", sess.Skipped).
		Msg("Session complete")
}

func (o *Orchestrator) failSession(ctx context.Context, sess *models.ExportSession, cause error) {
	now := o.now().UTC()
	sess.Status = models.SessionFailed
	sess.CompletedAt = &now
	sess.LastError = cause.Error()
	if err := o.states.SaveSession(sess); err != nil {
		logging.Error().Err(err).Msg("Saving failed session failed")
	}
	if err := o.audit.EndSession(ctx, sess); err != nil {
		logging.Warn().Err(err).Msg("Audit session end failed")
	}
}

func (o *Orchestrator) progress(message string, percent float64) {
	if o.hooks.Progress != nil {
		o.hooks.Progress(message, percent)
	}
}

func snapshotQueue(q *queue.Queue) ([]byte, error) {
	if q.Len() == 0 {
		return nil, nil
	}
	return q.MarshalSnapshot()
}
