package flows

import (
	"context"
	"sort"
	"strings"
	"time"

	"grrshell/internal/grrapi"
	"grrshell/internal/hsm"
	"grrshell/internal/model"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/backoff"
	"github.com/Rican7/retry/strategy"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type pollItem struct {
	record     model.FlowRecord
	prefetched *model.FlowStatus
}

type flowUpdate struct {
	from    model.FlowState
	record  model.FlowRecord
	changed bool
	persist bool
	message string
	pollErr error
	// complete asks for the flow's results to be materialized outside the poll iteration.
	complete bool
	// materialized marks the update that ends a materialization.
	materialized bool
}

// Start runs the poller until ctx is cancelled or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.done != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done

	m.mu.Lock()
	m.snapshot.Running = true
	m.snapshot.StartedAt = m.now()
	m.mu.Unlock()

	go func() {
		defer close(done)
		m.loop(runCtx)
		m.mu.Lock()
		m.snapshot.Running = false
		m.mu.Unlock()
	}()
}

// Stop halts polling and returns the ids of tracked flows that are still running remotely.
func (m *Manager) Stop() []string {
	m.runMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.runMu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	m.tasks.Wait()

	running := []string{}
	for _, record := range m.Records() {
		if !record.Terminal() {
			running = append(running, record.ID)
		}
	}
	sort.Strings(running)
	return running
}

func (m *Manager) loop(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
		case <-timer.C:
		}
		m.poll(ctx)
		timer.Reset(m.nextInterval())
	}
}

func (m *Manager) nextInterval() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.waiters) > 0 {
		return m.fastPollInterval
	}
	return m.pollInterval
}

// RunOnce performs a single poll iteration and waits for the materializations it started.
func (m *Manager) RunOnce(ctx context.Context) {
	m.poll(ctx)
	m.tasks.Wait()
}

// poll drains registrations, refreshes the client, polls every non-terminal flow and commits
// the resulting transitions. Completed flows are handed to background materialization so a
// large download never holds up the next iteration.
func (m *Manager) poll(ctx context.Context) {
	m.drainInbox()
	if _, err := m.RefreshClient(ctx); err != nil && ctx.Err() == nil {
		m.logger.Debug("client refresh failed", zap.Error(err))
	}

	items := m.pollItems()
	updates := make([]flowUpdate, len(items))
	var group errgroup.Group
	group.SetLimit(m.concurrency)
	for i, item := range items {
		group.Go(func() error {
			updates[i] = m.advance(ctx, item)
			return nil
		})
	}
	_ = group.Wait()

	var iterationErr error
	for _, update := range updates {
		if update.pollErr != nil && iterationErr == nil {
			iterationErr = update.pollErr
		}
		if update.changed {
			m.commit(ctx, update)
		}
		if update.complete {
			m.startMaterialize(ctx, update.record)
		}
	}
	m.finishIteration(iterationErr)
}

func (m *Manager) startMaterialize(ctx context.Context, record model.FlowRecord) {
	m.mu.Lock()
	current, tracked := m.records[record.ID]
	if !tracked || current.materializing {
		m.mu.Unlock()
		return
	}
	current.materializing = true
	m.mu.Unlock()

	m.tasks.Add(1)
	go func() {
		defer m.tasks.Done()
		m.completeFlow(ctx, record)
	}()
}

// completeFlow materializes a flow whose remote side finished and commits it as Complete,
// or as Error when its results cannot be fetched.
func (m *Manager) completeFlow(ctx context.Context, record model.FlowRecord) {
	if err := m.materializers.Acquire(ctx, 1); err != nil {
		m.clearMaterializing(record.ID)
		return
	}
	next := record
	next.State = model.FlowStateComplete
	materialized, err := m.materialize(ctx, next)
	m.materializers.Release(1)

	update := flowUpdate{from: record.State, changed: true, persist: true, materialized: true}
	switch {
	case err == nil:
		next = materialized
	case ctx.Err() != nil:
		m.clearMaterializing(record.ID)
		return
	default:
		m.logger.Error("flow materialization failed", zap.String("flow_id", record.ID), zap.Error(err))
		next.State = model.FlowStateError
		next.ErrorDetail = "materialize: " + err.Error()
		update.message = next.ErrorDetail
	}
	next.UpdatedAt = m.now()
	update.record = next
	m.commit(ctx, update)
}

func (m *Manager) clearMaterializing(flowID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.records[flowID]; ok {
		current.materializing = false
	}
}

func (m *Manager) drainInbox() {
	m.inboxMu.Lock()
	batch := append([]registration(nil), m.inbox...)
	m.inboxMu.Unlock()
	if len(batch) == 0 {
		return
	}
	for _, queued := range batch {
		m.persist(queued.record, "", "registered")
	}

	m.inboxMu.Lock()
	defer m.inboxMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	drained := map[string]bool{}
	for _, queued := range batch {
		drained[queued.record.ID] = true
	}
	kept := m.inbox[:0]
	for _, queued := range m.inbox {
		if !drained[queued.record.ID] {
			kept = append(kept, queued)
			continue
		}
		if _, exists := m.records[queued.record.ID]; exists {
			continue
		}
		status := queued.status
		m.records[queued.record.ID] = &entry{record: queued.record, prefetched: &status}
	}
	m.inbox = kept
	m.metrics.SetTrackedFlows(len(m.records))
}

func (m *Manager) pollItems() []pollItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]pollItem, 0, len(m.records))
	for _, current := range m.records {
		if current.record.Terminal() || current.materializing {
			continue
		}
		items = append(items, pollItem{record: cloneRecord(current.record), prefetched: current.prefetched})
		current.prefetched = nil
	}
	sort.Slice(items, func(i, j int) bool { return items[i].record.ID < items[j].record.ID })
	return items
}

func (m *Manager) advance(ctx context.Context, item pollItem) flowUpdate {
	record := item.record
	update := flowUpdate{from: record.State, record: record}

	var status model.FlowStatus
	if item.prefetched != nil {
		status = *item.prefetched
	} else {
		polled, err := m.pollStatus(ctx, record.ID)
		if err != nil {
			if ctx.Err() != nil {
				return update
			}
			m.metrics.FlowPolled("error")
			m.logger.Warn("flow poll failed", zap.String("flow_id", record.ID), zap.Error(err))
			update.record.ErrorDetail = pollErrorPrefix + err.Error()
			update.pollErr = err
			update.changed = true
			return update
		}
		status = polled
	}
	m.metrics.FlowPolled("ok")

	next := record
	if strings.HasPrefix(next.ErrorDetail, pollErrorPrefix) {
		next.ErrorDetail = ""
	}
	if status.LastActiveAt.After(next.LastActiveAt) {
		next.LastActiveAt = status.LastActiveAt
		update.persist = true
	}
	if next.StartedAt.IsZero() {
		next.StartedAt = status.StartedAt
	}
	target := hsm.TrackedFlowState(status.State)
	if !hsm.CanTransitionFlow(record.State, target) {
		m.logger.Warn("ignoring flow transition", zap.String("flow_id", record.ID),
			zap.String("from", string(record.State)), zap.String("to", string(target)))
		target = record.State
	}
	next.State = target

	switch target {
	case model.FlowStateError:
		next.ErrorDetail = status.ErrorDescription
		if next.ErrorDetail == "" {
			next.ErrorDetail = strings.ToLower(string(status.State))
		}
		update.message = next.ErrorDetail
	case model.FlowStateComplete:
		if record.State != model.FlowStateComplete {
			next.State = record.State
			update.complete = true
		}
	}

	next.UpdatedAt = m.now()
	update.record = next
	update.changed = true
	if next.State != record.State {
		update.persist = true
	}
	return update
}

// pollStatus fetches a flow's status, retrying transient transport errors with
// exponential backoff.
func (m *Manager) pollStatus(ctx context.Context, flowID string) (model.FlowStatus, error) {
	var status model.FlowStatus
	var lastErr error
	err := retry.Retry(
		func(attempt uint) error {
			polled, err := m.transport.GetFlow(ctx, m.clientID, flowID)
			lastErr = err
			if err == nil {
				status = polled
			}
			return err
		},
		strategy.Limit(uint(m.retryAttempts)),
		func(attempt uint) bool {
			return attempt == 0 || (ctx.Err() == nil && grrapi.IsTransient(lastErr))
		},
		strategy.Backoff(backoff.Exponential(m.retryBase, 2)),
	)
	return status, err
}

// commit persists a record before swapping it into the table, so readers never see
// results that the history store does not have.
func (m *Manager) commit(ctx context.Context, update flowUpdate) {
	record := update.record
	if update.persist {
		m.persist(record, update.from, update.message)
	}

	m.mu.Lock()
	current, tracked := m.records[record.ID]
	if tracked {
		current.record = record
		if update.materialized {
			current.materializing = false
		}
		if record.Terminal() {
			m.releaseWaitersLocked(record.ID)
		}
	}
	m.mu.Unlock()
	if !tracked || record.State == update.from {
		return
	}

	m.metrics.FlowTransition(string(record.State))
	m.logger.Info("flow transition", zap.String("flow_id", record.ID),
		zap.String("from", string(update.from)), zap.String("to", string(record.State)))
	m.publish(ctx, update.from, record)
}

func (m *Manager) persist(record model.FlowRecord, from model.FlowState, message string) {
	if m.history == nil {
		return
	}
	if err := m.history.RecordTransition(record, from, message); err != nil {
		m.logger.Error("persist flow", zap.String("flow_id", record.ID), zap.Error(err))
	}
}

func (m *Manager) finishIteration(iterationErr error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot.Iterations++
	m.snapshot.LastPollAt = now
	if iterationErr == nil {
		m.snapshot.ConsecutiveErrors = 0
		return
	}
	m.snapshot.ConsecutiveErrors++
	m.snapshot.LastErrorAt = now
	m.snapshot.LastError = strings.TrimSpace(iterationErr.Error())
}
