package flows

import (
	"context"
	"errors"
	"fmt"

	"grrshell/internal/hsm"
	"grrshell/internal/model"

	"go.uber.org/zap"
)

// ListFlows returns flows newest first. The session scope lists tracked flows only; the all
// scope merges them with the persisted history and the remote flow list.
func (m *Manager) ListFlows(ctx context.Context, scope model.FlowScope, count int) ([]model.FlowRecord, error) {
	session := m.Records()
	if scope != model.FlowScopeAll {
		return truncate(session, count), nil
	}
	if count <= 0 {
		count = m.defaultCount
	}
	remote, err := m.RemoteHistory(ctx, count)
	if err != nil {
		return nil, err
	}
	var persisted []model.FlowRecord
	if m.history != nil {
		persisted, err = m.history.ListFlows(m.clientID, count)
		if err != nil {
			m.logger.Warn("read persisted flow history", zap.Error(err))
			persisted = nil
		}
	}
	return mergeHistory(session, persisted, remote, count), nil
}

// RemoteHistory pages through the client's remote flow list, newest first.
func (m *Manager) RemoteHistory(ctx context.Context, count int) ([]model.FlowRecord, error) {
	if count <= 0 {
		count = m.defaultCount
	}
	return m.scanRemote(ctx, count, nil)
}

// TimelineHistory returns every remote Timeline flow of the client, newest first.
func (m *Manager) TimelineHistory(ctx context.Context) ([]model.FlowRecord, error) {
	return m.scanRemote(ctx, 0, func(status model.FlowStatus) bool {
		return status.Kind == model.FlowKindTimeline
	})
}

// scanRemote pages until a short page, or until limit records match when limit > 0.
func (m *Manager) scanRemote(ctx context.Context, limit int, keep func(model.FlowStatus) bool) ([]model.FlowRecord, error) {
	var out []model.FlowRecord
	for offset := 0; limit <= 0 || len(out) < limit; {
		page, err := m.transport.ListFlows(ctx, m.clientID, offset, m.pageSize)
		if err != nil {
			return nil, fmt.Errorf("list remote flows: %w", err)
		}
		for _, status := range page {
			if keep == nil || keep(status) {
				out = append(out, historyRecord(m.clientID, status))
			}
		}
		if len(page) < m.pageSize {
			break
		}
		offset += len(page)
	}
	return truncate(out, limit), nil
}

func historyRecord(clientID string, status model.FlowStatus) model.FlowRecord {
	if status.ClientID != "" {
		clientID = status.ClientID
	}
	return model.FlowRecord{
		ID:           status.ID,
		ClientID:     clientID,
		Name:         status.Name,
		Kind:         status.Kind,
		State:        hsm.HistoryFlowState(status.State),
		Args:         status.Args,
		Creator:      status.Creator,
		StartedAt:    status.StartedAt,
		LastActiveAt: status.LastActiveAt,
		ErrorDetail:  status.ErrorDescription,
	}
}

// mergeHistory keys records by flow id. Session records win, then terminal persisted
// records, then the remote view.
func mergeHistory(session []model.FlowRecord, persisted []model.FlowRecord, remote []model.FlowRecord, count int) []model.FlowRecord {
	byID := map[string]model.FlowRecord{}
	for _, record := range remote {
		byID[record.ID] = record
	}
	for _, record := range persisted {
		if _, known := byID[record.ID]; !known || record.Terminal() {
			byID[record.ID] = record
		}
	}
	for _, record := range session {
		byID[record.ID] = record
	}
	out := make([]model.FlowRecord, 0, len(byID))
	for _, record := range byID {
		out = append(out, record)
	}
	sortNewestFirst(out)
	return truncate(out, count)
}

func truncate(records []model.FlowRecord, count int) []model.FlowRecord {
	if count > 0 && len(records) > count {
		return records[:count]
	}
	return records
}

// Detail combines the remote view of a flow with whatever the session or the history store
// knows about it. It never changes tracked state.
func (m *Manager) Detail(ctx context.Context, flowID string) (model.FlowDetail, error) {
	status, err := m.transport.GetFlow(ctx, m.clientID, flowID)
	if err != nil {
		return model.FlowDetail{}, fmt.Errorf("flow %s: %w", flowID, err)
	}
	detail := model.FlowDetail{
		Status:   status,
		Progress: string(status.State),
	}
	if record, tracked := m.Get(flowID); tracked {
		detail.Record = record
		detail.Tracked = true
	} else if persisted, ok := m.persistedRecord(flowID); ok {
		detail.Record = persisted
	} else {
		detail.Record = historyRecord(m.clientID, status)
	}

	switch {
	case detail.Tracked || detail.Record.State == model.FlowStateComplete:
		if detail.Record.State == model.FlowStateComplete {
			detail.Results = detail.Record.Results
		}
	case status.Finished():
		results, err := m.transport.ListResults(ctx, m.clientID, flowID)
		if err != nil {
			return detail, fmt.Errorf("flow %s results: %w", flowID, err)
		}
		detail.Results = results
	}
	if m.history != nil {
		events, err := m.history.ListEvents(m.clientID, flowID)
		if err != nil {
			m.logger.Warn("read flow events", zap.String("flow_id", flowID), zap.Error(err))
		}
		detail.Events = events
	}
	return detail, nil
}

func (m *Manager) persistedRecord(flowID string) (model.FlowRecord, bool) {
	if m.history == nil {
		return model.FlowRecord{}, false
	}
	record, err := m.history.GetFlow(m.clientID, flowID)
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			m.logger.Warn("read persisted flow", zap.String("flow_id", flowID), zap.Error(err))
		}
		return model.FlowRecord{}, false
	}
	return record, true
}
