package flows

import (
	"context"
	"fmt"
	"io"
	"time"

	"grrshell/internal/model"
	"grrshell/internal/timeline"

	"go.uber.org/zap"
)

// materialize fetches the results of a flow that just completed and returns the record
// with its results and local target set.
func (m *Manager) materialize(ctx context.Context, record model.FlowRecord) (model.FlowRecord, error) {
	started := time.Now()
	var (
		written int64
		err     error
	)
	switch record.Kind {
	case model.FlowKindTimeline:
		record, written, err = m.materializeTimeline(ctx, record)
	case model.FlowKindFileFinder:
		if record.Args.Action == model.FileFinderActionDownload || record.Args.Action == "" {
			record, written, err = m.materializeArchive(ctx, record)
		} else {
			record, err = m.materializeResults(ctx, record)
		}
	case model.FlowKindArtifactCollector:
		if m.synchronousArtifact(ctx, record.Args.Artifact) {
			record, err = m.materializeResults(ctx, record)
		} else {
			record, written, err = m.materializeArchive(ctx, record)
		}
	case model.FlowKindGetFile:
		record, written, err = m.materializeArchive(ctx, record)
		if err == nil && record.Args.StreamName != "" {
			record, err = m.attachStreamContent(record)
		}
	default:
		err = fmt.Errorf("%q: %w", record.Kind, model.ErrUnsupportedFlowKind)
	}
	if err != nil {
		return record, err
	}
	m.metrics.Materialized(string(record.Kind), time.Since(started), written)
	return record, nil
}

func (m *Manager) materializeResults(ctx context.Context, record model.FlowRecord) (model.FlowRecord, error) {
	results, err := m.transport.ListResults(ctx, m.clientID, record.ID)
	if err != nil {
		return record, fmt.Errorf("list results: %w", err)
	}
	record.Results = results
	return record, nil
}

func (m *Manager) materializeArchive(ctx context.Context, record model.FlowRecord) (model.FlowRecord, int64, error) {
	record, err := m.materializeResults(ctx, record)
	if err != nil {
		return record, 0, err
	}
	staged, size, err := m.storage.Stage(ctx, ".zip", func(w io.Writer) (int64, error) {
		return m.transport.DownloadFilesArchive(ctx, m.clientID, record.ID, w)
	})
	if err != nil {
		return record, 0, fmt.Errorf("download files archive: %w", err)
	}
	defer m.storage.Discard(staged)

	extracted, err := m.storage.ExtractArchive(ctx, m.clientID, staged)
	if err != nil {
		return record, size, fmt.Errorf("extract files archive: %w", err)
	}
	switch len(extracted.Files) {
	case 0:
		record.LocalTarget = ""
	case 1:
		record.LocalTarget = extracted.Files[0].LocalPath
	default:
		record.LocalTarget = m.storage.ClientRoot(m.clientID)
	}
	if len(record.Results) == 0 {
		for _, file := range extracted.Files {
			record.Results = append(record.Results, model.FlowResult{
				PayloadType: "CollectedFile",
				Stat:        &model.StatEntry{Path: file.RemotePath, Size: file.Size},
			})
		}
	}
	m.logger.Info("flow files extracted", zap.String("flow_id", record.ID),
		zap.Int("files", len(extracted.Files)), zap.Int64("archive_bytes", size))
	return record, size, nil
}

// attachStreamContent keeps the (small) content of an alternate data stream in the result.
func (m *Manager) attachStreamContent(record model.FlowRecord) (model.FlowRecord, error) {
	if record.LocalTarget == "" {
		return record, nil
	}
	content, err := m.storage.ReadFile(record.LocalTarget, adsContentLimit)
	if err != nil {
		return record, fmt.Errorf("read stream %s: %w", record.Args.StreamName, err)
	}
	if len(record.Results) == 0 {
		record.Results = []model.FlowResult{{PayloadType: "StreamContent"}}
	}
	record.Results[0].Content = string(content)
	return record, nil
}

func (m *Manager) materializeTimeline(ctx context.Context, record model.FlowRecord) (model.FlowRecord, int64, error) {
	staged, size, err := m.storage.Stage(ctx, ".body", func(w io.Writer) (int64, error) {
		return m.transport.DownloadTimelineBody(ctx, m.clientID, record.ID, w)
	})
	if err != nil {
		return record, 0, fmt.Errorf("download timeline body: %w", err)
	}
	defer m.storage.Discard(staged)

	file, err := m.storage.Fs().Open(staged)
	if err != nil {
		return record, size, fmt.Errorf("open timeline body: %w", err)
	}
	entries, unparsable, err := timeline.ParseBody(file, m.platform)
	file.Close()
	if err != nil {
		return record, size, err
	}

	snapshot := record.LastActiveAt
	results, err := m.transport.ListResults(ctx, m.clientID, record.ID)
	if err != nil {
		return record, size, fmt.Errorf("list timeline results: %w", err)
	}
	if len(results) > 0 && !results[0].Timestamp.IsZero() {
		snapshot = results[0].Timestamp
	}

	root := timeline.EFSRoot(record.Args.Root)
	mergeStarted := time.Now()
	unlock := m.tree.LockSubtree(root)
	merged := m.tree.Merge(root, entries, snapshot)
	unlock()
	m.metrics.EFSMerged(time.Since(mergeStarted), m.tree.Len())

	summary := fmt.Sprintf("merged %d entries at %s (%d pruned, %d outside root, %d unparsable)",
		merged.Upserted, merged.Root, merged.Pruned, merged.Ignored, unparsable)
	if merged.Skipped {
		summary = fmt.Sprintf("snapshot of %s is older than the current view, not merged", merged.Root)
	}
	record.Results = []model.FlowResult{{Timestamp: snapshot, PayloadType: "TimelineMerge", Summary: summary}}
	m.logger.Info("timeline merged", zap.String("flow_id", record.ID), zap.String("root", merged.Root),
		zap.Int("upserted", merged.Upserted), zap.Int("pruned", merged.Pruned), zap.Bool("skipped", merged.Skipped))
	return record, size, nil
}
