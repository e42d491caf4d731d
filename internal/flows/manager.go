package flows

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"grrshell/internal/efs"
	"grrshell/internal/events"
	"grrshell/internal/hsm"
	"grrshell/internal/logging"
	"grrshell/internal/metrics"
	"grrshell/internal/model"
	"grrshell/internal/storage"

	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultPollInterval     = 15 * time.Second
	DefaultFastPollInterval = 2 * time.Second
	DefaultConcurrency      = 8
	DefaultRetryAttempts    = 4
	DefaultRetryBase        = 250 * time.Millisecond
	DefaultHistoryPageSize  = 50
	DefaultHistoryCount     = 50
	DefaultMaxFileSize      = 512 * 1024 * 1024

	adsContentLimit = 64 * 1024
	pollErrorPrefix = "poll: "
)

type Options struct {
	Client    model.ClientInfo
	SessionID string
	Creator   string

	Transport Transport
	History   History
	Storage   *storage.Local
	Tree      *efs.Tree
	Events    Publisher
	Metrics   *metrics.Recorder
	Logger    *zap.Logger

	PollInterval     time.Duration
	FastPollInterval time.Duration
	Concurrency      int
	RetryAttempts    int
	RetryBase        time.Duration
	HistoryPageSize  int
	HistoryCount     int
	MaxFileSize      int64
	Now              func() time.Time
}

type Snapshot struct {
	Running           bool
	StartedAt         time.Time
	LastPollAt        time.Time
	LastErrorAt       time.Time
	LastError         string
	ConsecutiveErrors int
	Iterations        int64
	Tracked           int
	Active            int
	Materializing     int
}

type registration struct {
	record model.FlowRecord
	status model.FlowStatus
}

type entry struct {
	record model.FlowRecord
	// prefetched is used instead of a remote poll on the next iteration.
	prefetched *model.FlowStatus
	// materializing is set while the results of a completed flow are being fetched.
	materializing bool
}

// Manager owns the flow records of one session. Foreground callers register flows through
// an inbox; only the poller goroutine mutates records.
type Manager struct {
	clientID  string
	sessionID string
	creator   string
	platform  model.Platform

	transport Transport
	history   History
	storage   *storage.Local
	tree      *efs.Tree
	events    Publisher
	metrics   *metrics.Recorder
	logger    *zap.Logger
	now       func() time.Time

	pollInterval     time.Duration
	fastPollInterval time.Duration
	concurrency      int
	retryAttempts    int
	retryBase        time.Duration
	pageSize         int
	defaultCount     int
	maxFileSize      atomic.Int64

	// Lock order: inboxMu before mu.
	inboxMu sync.Mutex
	inbox   []registration
	wake    chan struct{}

	mu       sync.RWMutex
	records  map[string]*entry
	waiters  map[string][]chan struct{}
	client   model.ClientInfo
	snapshot Snapshot

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	materializers *semaphore.Weighted
	tasks         sync.WaitGroup

	lookups   singleflight.Group
	catalogMu sync.Mutex
	catalog   []model.Artifact
}

func NewManager(options Options) (*Manager, error) {
	if options.Transport == nil {
		return nil, fmt.Errorf("flow manager requires a transport")
	}
	clientID := strings.TrimSpace(options.Client.ClientID)
	if clientID == "" {
		return nil, fmt.Errorf("flow manager requires a client id")
	}
	if options.Storage == nil {
		options.Storage = storage.NewLocal(afero.NewOsFs(), ".")
	}
	if options.Tree == nil {
		options.Tree = efs.New()
	}
	if options.Metrics == nil {
		options.Metrics = metrics.NewRecorder()
	}
	if options.Now == nil {
		options.Now = time.Now
	}
	m := &Manager{
		clientID:         clientID,
		sessionID:        options.SessionID,
		creator:          options.Creator,
		platform:         options.Client.Platform(),
		transport:        options.Transport,
		history:          options.History,
		storage:          options.Storage,
		tree:             options.Tree,
		events:           options.Events,
		metrics:          options.Metrics,
		logger:           logging.OrGlobal(options.Logger).Named("flows").With(zap.String("client_id", clientID)),
		now:              options.Now,
		pollInterval:     orDuration(options.PollInterval, DefaultPollInterval),
		fastPollInterval: orDuration(options.FastPollInterval, DefaultFastPollInterval),
		concurrency:      orInt(options.Concurrency, DefaultConcurrency),
		retryAttempts:    orInt(options.RetryAttempts, DefaultRetryAttempts),
		retryBase:        orDuration(options.RetryBase, DefaultRetryBase),
		pageSize:         orInt(options.HistoryPageSize, DefaultHistoryPageSize),
		defaultCount:     orInt(options.HistoryCount, DefaultHistoryCount),
		wake:             make(chan struct{}, 1),
		materializers:    semaphore.NewWeighted(int64(orInt(options.Concurrency, DefaultConcurrency))),
		records:          map[string]*entry{},
		waiters:          map[string][]chan struct{}{},
		client:           options.Client,
	}
	maxFileSize := options.MaxFileSize
	if maxFileSize <= 0 {
		maxFileSize = DefaultMaxFileSize
	}
	m.maxFileSize.Store(maxFileSize)
	return m, nil
}

func orDuration(value time.Duration, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}

func orInt(value int, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}

func (m *Manager) ClientID() string {
	return m.clientID
}

func (m *Manager) SessionID() string {
	return m.sessionID
}

func (m *Manager) Platform() model.Platform {
	return m.platform
}

func (m *Manager) Tree() *efs.Tree {
	return m.tree
}

func (m *Manager) Storage() *storage.Local {
	return m.storage
}

func (m *Manager) MaxFileSize() int64 {
	return m.maxFileSize.Load()
}

func (m *Manager) SetMaxFileSize(size int64) error {
	if size <= 0 {
		return fmt.Errorf("max file size must be positive: %w", model.ErrInvalidArgument)
	}
	m.maxFileSize.Store(size)
	return nil
}

// Launch validates and submits a new flow. Synchronous kinds block until the flow is
// terminal and its results are materialized.
func (m *Manager) Launch(ctx context.Context, kind model.FlowKind, args model.FlowArgs) (model.FlowRecord, error) {
	args, err := m.prepareArgs(kind, args)
	if err != nil {
		return model.FlowRecord{}, err
	}
	status, err := m.transport.SubmitFlow(ctx, m.clientID, kind, args)
	m.metrics.FlowLaunched(string(kind), err)
	if err != nil {
		return model.FlowRecord{}, fmt.Errorf("launch %s flow: %w", kind, err)
	}
	if strings.TrimSpace(status.ID) == "" {
		return model.FlowRecord{}, fmt.Errorf("launch %s flow: empty flow id: %w", kind, model.ErrRemoteFailure)
	}
	if status.Kind == "" {
		status.Kind = kind
	}
	record := m.newRecord(status, args)
	m.logger.Info("flow launched", zap.String("flow_id", record.ID), zap.String("kind", string(kind)))
	m.register(record, status)

	if !m.Synchronous(ctx, kind, args) {
		return record, nil
	}
	return m.Wait(ctx, record.ID)
}

func (m *Manager) prepareArgs(kind model.FlowKind, args model.FlowArgs) (model.FlowArgs, error) {
	args.Paths = trimPaths(args.Paths)
	switch kind {
	case model.FlowKindFileFinder:
		if len(args.Paths) == 0 {
			return args, fmt.Errorf("file finder requires at least one path: %w", model.ErrInvalidArgument)
		}
		if args.Action == "" {
			args.Action = model.FileFinderActionDownload
		}
		switch args.Action {
		case model.FileFinderActionStat, model.FileFinderActionHash:
		case model.FileFinderActionDownload:
			args.MaxFileSize = m.stampMaxFileSize(args.MaxFileSize)
		default:
			return args, fmt.Errorf("unknown file finder action %q: %w", args.Action, model.ErrInvalidArgument)
		}
	case model.FlowKindGetFile:
		if len(args.Paths) != 1 {
			return args, fmt.Errorf("get file requires exactly one path: %w", model.ErrInvalidArgument)
		}
		if args.StreamName != "" && strings.ContainsAny(args.Paths[0], "*?[") {
			return args, fmt.Errorf("alternate data streams cannot be read through a wildcard: %w", model.ErrInvalidArgument)
		}
		args.MaxFileSize = m.stampMaxFileSize(args.MaxFileSize)
	case model.FlowKindArtifactCollector:
		args.Artifact = strings.TrimSpace(args.Artifact)
		if args.Artifact == "" {
			return args, fmt.Errorf("artifact collector requires an artefact name: %w", model.ErrInvalidArgument)
		}
		args.MaxFileSize = m.stampMaxFileSize(args.MaxFileSize)
	case model.FlowKindTimeline:
		if strings.TrimSpace(args.Root) == "" {
			return args, fmt.Errorf("timeline requires a root: %w", model.ErrInvalidArgument)
		}
	default:
		return args, fmt.Errorf("%q: %w", kind, model.ErrUnsupportedFlowKind)
	}
	return args, nil
}

func (m *Manager) stampMaxFileSize(requested int64) int64 {
	if requested > 0 {
		return requested
	}
	return m.MaxFileSize()
}

func trimPaths(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Synchronous reports whether a flow of this kind finishes fast enough to block on.
func (m *Manager) Synchronous(ctx context.Context, kind model.FlowKind, args model.FlowArgs) bool {
	switch kind {
	case model.FlowKindFileFinder:
		return args.Action == model.FileFinderActionStat || args.Action == model.FileFinderActionHash
	case model.FlowKindGetFile, model.FlowKindTimeline:
		return true
	case model.FlowKindArtifactCollector:
		return m.synchronousArtifact(ctx, args.Artifact)
	}
	return false
}

func (m *Manager) synchronousArtifact(ctx context.Context, name string) bool {
	artifact, ok, err := m.Artifact(ctx, name)
	if err != nil || !ok {
		return false
	}
	return artifact.Synchronous()
}

// Resume attaches the session to a flow launched elsewhere. A finished flow is materialized
// before Resume returns.
func (m *Manager) Resume(ctx context.Context, flowID string) (model.FlowRecord, error) {
	flowID = strings.TrimSpace(flowID)
	if flowID == "" {
		return model.FlowRecord{}, fmt.Errorf("flow id is required: %w", model.ErrInvalidArgument)
	}
	if record, ok := m.Get(flowID); ok {
		return record, nil
	}
	status, err := m.transport.GetFlow(ctx, m.clientID, flowID)
	if err != nil {
		return model.FlowRecord{}, fmt.Errorf("resume %s: %w", flowID, err)
	}
	if !status.KindKnown {
		return model.FlowRecord{}, fmt.Errorf("resume %s (%s): %w", flowID, status.Name, model.ErrUnsupportedFlowKind)
	}
	record := m.newRecord(status, status.Args)
	m.logger.Info("flow resumed", zap.String("flow_id", flowID), zap.String("remote_state", string(status.State)))
	m.register(record, status)
	if !status.Finished() {
		return record, nil
	}
	return m.Wait(ctx, flowID)
}

func (m *Manager) newRecord(status model.FlowStatus, args model.FlowArgs) model.FlowRecord {
	creator := status.Creator
	if creator == "" {
		creator = m.creator
	}
	return model.FlowRecord{
		ID:           status.ID,
		ClientID:     m.clientID,
		Name:         status.Name,
		Kind:         status.Kind,
		State:        model.FlowStatePending,
		Args:         args,
		Creator:      creator,
		StartedAt:    status.StartedAt,
		LastActiveAt: status.LastActiveAt,
		SessionID:    m.sessionID,
		UpdatedAt:    m.now(),
	}
}

func (m *Manager) register(record model.FlowRecord, status model.FlowStatus) {
	m.inboxMu.Lock()
	m.inbox = append(m.inbox, registration{record: record, status: status})
	m.inboxMu.Unlock()
	m.signal()
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Get returns a copy of a tracked record, including flows still waiting in the inbox.
func (m *Manager) Get(flowID string) (model.FlowRecord, bool) {
	m.inboxMu.Lock()
	defer m.inboxMu.Unlock()
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lookupLocked(flowID)
}

func (m *Manager) lookupLocked(flowID string) (model.FlowRecord, bool) {
	if current, ok := m.records[flowID]; ok {
		return cloneRecord(current.record), true
	}
	for _, queued := range m.inbox {
		if queued.record.ID == flowID {
			return cloneRecord(queued.record), true
		}
	}
	return model.FlowRecord{}, false
}

// Records returns the session's tracked flows, newest first.
func (m *Manager) Records() []model.FlowRecord {
	m.inboxMu.Lock()
	m.mu.RLock()
	out := make([]model.FlowRecord, 0, len(m.records)+len(m.inbox))
	seen := map[string]bool{}
	for id, current := range m.records {
		seen[id] = true
		out = append(out, cloneRecord(current.record))
	}
	for _, queued := range m.inbox {
		if !seen[queued.record.ID] {
			seen[queued.record.ID] = true
			out = append(out, cloneRecord(queued.record))
		}
	}
	m.mu.RUnlock()
	m.inboxMu.Unlock()
	sortNewestFirst(out)
	return out
}

// ActiveCount is the number of tracked flows that are not terminal yet.
func (m *Manager) ActiveCount() int {
	count := 0
	for _, record := range m.Records() {
		if !record.Terminal() {
			count++
		}
	}
	return count
}

func sortNewestFirst(records []model.FlowRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].StartedAt.Equal(records[j].StartedAt) {
			return records[i].StartedAt.After(records[j].StartedAt)
		}
		return records[i].ID > records[j].ID
	})
}

func cloneRecord(record model.FlowRecord) model.FlowRecord {
	record.Args.Paths = append([]string(nil), record.Args.Paths...)
	record.Results = append([]model.FlowResult(nil), record.Results...)
	return record
}

// Untrack drops a flow from the session. The remote flow keeps running and can be resumed.
func (m *Manager) Untrack(flowID string) (model.FlowRecord, error) {
	m.inboxMu.Lock()
	defer m.inboxMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.lookupLocked(flowID)
	if !ok {
		return model.FlowRecord{}, fmt.Errorf("flow %s is not tracked: %w", flowID, model.ErrNotFound)
	}
	delete(m.records, flowID)
	kept := m.inbox[:0]
	for _, queued := range m.inbox {
		if queued.record.ID != flowID {
			kept = append(kept, queued)
		}
	}
	m.inbox = kept
	m.releaseWaitersLocked(flowID)
	m.metrics.SetTrackedFlows(len(m.records))
	m.logger.Info("flow untracked", zap.String("flow_id", flowID))
	return record, nil
}

// Wait blocks until the flow is terminal and materialized. A flow that ended in Error
// returns a *model.FlowFailedError.
func (m *Manager) Wait(ctx context.Context, flowID string) (model.FlowRecord, error) {
	for {
		ch, record, err := m.waitChannel(flowID)
		if err != nil {
			return model.FlowRecord{}, err
		}
		if ch == nil {
			return record, finishedError(record)
		}
		m.signal()
		select {
		case <-ctx.Done():
			m.dropWaiter(flowID, ch)
			return record, ctx.Err()
		case <-ch:
		}
	}
}

func finishedError(record model.FlowRecord) error {
	if record.State == model.FlowStateError {
		return &model.FlowFailedError{FlowID: record.ID, Description: record.ErrorDetail}
	}
	return nil
}

func (m *Manager) waitChannel(flowID string) (chan struct{}, model.FlowRecord, error) {
	m.inboxMu.Lock()
	defer m.inboxMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.lookupLocked(flowID)
	if !ok {
		return nil, model.FlowRecord{}, fmt.Errorf("flow %s is not tracked: %w", flowID, model.ErrNotFound)
	}
	if _, committed := m.records[flowID]; committed && hsm.IsTerminalFlow(record.State) {
		return nil, record, nil
	}
	ch := make(chan struct{})
	m.waiters[flowID] = append(m.waiters[flowID], ch)
	return ch, record, nil
}

func (m *Manager) dropWaiter(flowID string, ch chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	waiting := m.waiters[flowID]
	for i, candidate := range waiting {
		if candidate == ch {
			waiting = append(waiting[:i], waiting[i+1:]...)
			break
		}
	}
	if len(waiting) == 0 {
		delete(m.waiters, flowID)
		return
	}
	m.waiters[flowID] = waiting
}

func (m *Manager) releaseWaitersLocked(flowID string) {
	for _, ch := range m.waiters[flowID] {
		close(ch)
	}
	delete(m.waiters, flowID)
}

// ClientInfo returns the last known client metadata.
func (m *Manager) ClientInfo() model.ClientInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.client
}

// RefreshClient fetches client metadata. Concurrent callers share one request.
func (m *Manager) RefreshClient(ctx context.Context) (model.ClientInfo, error) {
	value, err, _ := m.lookups.Do("client", func() (any, error) {
		info, err := m.transport.GetClient(ctx, m.clientID)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.client = info
		m.mu.Unlock()
		return info, nil
	})
	if err != nil {
		return m.ClientInfo(), fmt.Errorf("refresh client %s: %w", m.clientID, err)
	}
	return value.(model.ClientInfo), nil
}

// Artifacts returns the server's artefact catalog, fetched once per session.
func (m *Manager) Artifacts(ctx context.Context) ([]model.Artifact, error) {
	m.catalogMu.Lock()
	cached := m.catalog
	m.catalogMu.Unlock()
	if cached != nil {
		return append([]model.Artifact(nil), cached...), nil
	}
	value, err, _ := m.lookups.Do("artifacts", func() (any, error) {
		list, err := m.transport.ListArtifacts(ctx)
		if err != nil {
			return nil, err
		}
		if list == nil {
			list = []model.Artifact{}
		}
		m.catalogMu.Lock()
		m.catalog = list
		m.catalogMu.Unlock()
		return list, nil
	})
	if err != nil {
		return nil, fmt.Errorf("list artefacts: %w", err)
	}
	return append([]model.Artifact(nil), value.([]model.Artifact)...), nil
}

func (m *Manager) Artifact(ctx context.Context, name string) (model.Artifact, bool, error) {
	catalog, err := m.Artifacts(ctx)
	if err != nil {
		return model.Artifact{}, false, err
	}
	name = strings.TrimSpace(name)
	for _, artifact := range catalog {
		if strings.EqualFold(artifact.Name, name) {
			return artifact, true, nil
		}
	}
	return model.Artifact{}, false, nil
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snapshot := m.snapshot
	snapshot.Tracked = len(m.records)
	for _, current := range m.records {
		if !current.record.Terminal() {
			snapshot.Active++
		}
		if current.materializing {
			snapshot.Materializing++
		}
	}
	return snapshot
}

func (m *Manager) publish(ctx context.Context, from model.FlowState, record model.FlowRecord) {
	if m.events == nil {
		return
	}
	transition := events.FlowTransition{
		SessionID:   m.sessionID,
		ClientID:    m.clientID,
		FlowID:      record.ID,
		FlowName:    record.Name,
		Kind:        string(record.Kind),
		From:        string(from),
		To:          string(record.State),
		LocalTarget: record.LocalTarget,
		ErrorDetail: record.ErrorDetail,
		At:          m.now(),
	}
	if err := m.events.PublishTransition(ctx, transition); err != nil {
		m.logger.Warn("publish flow transition", zap.String("flow_id", record.ID), zap.Error(err))
	}
}
