package grrapitest

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"grrshell/internal/grrapi"
	"grrshell/internal/model"
)

// Payload is what a fake flow hands back once it finishes.
type Payload struct {
	Results []model.FlowResult
	Archive []byte
	Body    []byte
}

type Submission struct {
	ClientID string
	Kind     model.FlowKind
	Args     model.FlowArgs
}

// Transport is an in-memory GRR server for a single client.
type Transport struct {
	mu        sync.Mutex
	client    model.ClientInfo
	clients   []model.ClientInfo
	flows     map[string]*fakeFlow
	artifacts []model.Artifact
	nextID    int
	now       time.Time

	submissions   []Submission
	getFlowCalls  map[string]int
	getFlowErrors map[string][]error
	submitErr     error

	// FinishOnSubmit makes submitted flows report TERMINATED immediately.
	FinishOnSubmit bool
	// Payloads are attached to submitted flows by kind.
	Payloads map[model.FlowKind]Payload
	// DownloadGate, when set, holds archive downloads until it is closed.
	DownloadGate chan struct{}
}

type fakeFlow struct {
	status  model.FlowStatus
	payload Payload
}

func New(client model.ClientInfo) *Transport {
	return &Transport{
		client:        client,
		clients:       []model.ClientInfo{client},
		flows:         map[string]*fakeFlow{},
		getFlowCalls:  map[string]int{},
		getFlowErrors: map[string][]error{},
		Payloads:      map[model.FlowKind]Payload{},
		now:           time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (t *Transport) tick() time.Time {
	t.now = t.now.Add(time.Second)
	return t.now
}

func (t *Transport) AddClient(client model.ClientInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clients = append(t.clients, client)
}

func (t *Transport) SetLastSeen(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.client.LastSeen = at
}

func (t *Transport) SetArtifacts(artifacts ...model.Artifact) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.artifacts = artifacts
}

func (t *Transport) SetSubmitError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.submitErr = err
}

// AddFlow registers a flow that exists on the server before the session starts.
func (t *Transport) AddFlow(status model.FlowStatus, payload Payload) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if status.ClientID == "" {
		status.ClientID = t.client.ClientID
	}
	if status.Name == "" {
		status.Name = grrapi.FlowName(status.Kind)
	}
	if status.Name != "" && status.Kind != "" {
		status.KindKnown = true
	}
	t.flows[status.ID] = &fakeFlow{status: status, payload: payload}
}

func (t *Transport) SetState(flowID string, state model.RemoteState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if flow, ok := t.flows[flowID]; ok {
		flow.status.State = state
		flow.status.LastActiveAt = t.tick()
	}
}

func (t *Transport) SetError(flowID string, description string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if flow, ok := t.flows[flowID]; ok {
		flow.status.State = model.RemoteStateError
		flow.status.ErrorDescription = description
		flow.status.LastActiveAt = t.tick()
	}
}

func (t *Transport) SetPayload(flowID string, payload Payload) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if flow, ok := t.flows[flowID]; ok {
		flow.payload = payload
	}
}

// FailGetFlow queues errors returned by the next GetFlow calls for flowID.
func (t *Transport) FailGetFlow(flowID string, errs ...error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.getFlowErrors[flowID] = append(t.getFlowErrors[flowID], errs...)
}

func (t *Transport) GetFlowCalls(flowID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.getFlowCalls[flowID]
}

func (t *Transport) Submissions() []Submission {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Submission(nil), t.submissions...)
}

func (t *Transport) SearchClients(_ context.Context, query string) ([]model.ClientInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	query = strings.ToLower(strings.TrimSpace(query))
	matches := []model.ClientInfo{}
	for _, client := range t.clients {
		if strings.EqualFold(client.ClientID, query) || strings.Contains(strings.ToLower(client.Hostname), query) {
			matches = append(matches, client)
		}
	}
	return matches, nil
}

func (t *Transport) GetClient(_ context.Context, clientID string) (model.ClientInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if clientID != t.client.ClientID {
		return model.ClientInfo{}, &grrapi.StatusError{Status: 404, Message: "client " + clientID}
	}
	return t.client, nil
}

func (t *Transport) SubmitFlow(_ context.Context, clientID string, kind model.FlowKind, args model.FlowArgs) (model.FlowStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.submitErr != nil {
		return model.FlowStatus{}, t.submitErr
	}
	t.nextID++
	now := t.tick()
	status := model.FlowStatus{
		ID:           fmt.Sprintf("F%07X", t.nextID),
		ClientID:     clientID,
		Name:         grrapi.FlowName(kind),
		Kind:         kind,
		KindKnown:    true,
		State:        model.RemoteStateRunning,
		Args:         args,
		Creator:      "tester",
		StartedAt:    now,
		LastActiveAt: now,
	}
	if t.FinishOnSubmit {
		status.State = model.RemoteStateTerminated
	}
	t.flows[status.ID] = &fakeFlow{status: status, payload: t.Payloads[kind]}
	t.submissions = append(t.submissions, Submission{ClientID: clientID, Kind: kind, Args: args})
	return status, nil
}

func (t *Transport) GetFlow(_ context.Context, _ string, flowID string) (model.FlowStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.getFlowCalls[flowID]++
	if queued := t.getFlowErrors[flowID]; len(queued) > 0 {
		t.getFlowErrors[flowID] = queued[1:]
		return model.FlowStatus{}, queued[0]
	}
	flow, ok := t.flows[flowID]
	if !ok {
		return model.FlowStatus{}, &grrapi.StatusError{Status: 404, Message: "flow " + flowID}
	}
	return flow.status, nil
}

func (t *Transport) ListFlows(_ context.Context, _ string, offset int, count int) ([]model.FlowStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	all := make([]model.FlowStatus, 0, len(t.flows))
	for _, flow := range t.flows {
		all = append(all, flow.status)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].StartedAt.Equal(all[j].StartedAt) {
			return all[i].StartedAt.After(all[j].StartedAt)
		}
		return all[i].ID > all[j].ID
	})
	if offset >= len(all) {
		return []model.FlowStatus{}, nil
	}
	end := offset + count
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (t *Transport) ListResults(_ context.Context, _ string, flowID string) ([]model.FlowResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	flow, ok := t.flows[flowID]
	if !ok {
		return nil, &grrapi.StatusError{Status: 404, Message: "flow " + flowID}
	}
	return append([]model.FlowResult(nil), flow.payload.Results...), nil
}

func (t *Transport) DownloadFilesArchive(ctx context.Context, _ string, flowID string, w io.Writer) (int64, error) {
	t.mu.Lock()
	flow, ok := t.flows[flowID]
	gate := t.DownloadGate
	t.mu.Unlock()
	if !ok {
		return 0, &grrapi.StatusError{Status: 404, Message: "flow " + flowID}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return io.Copy(w, bytes.NewReader(flow.payload.Archive))
}

func (t *Transport) DownloadTimelineBody(_ context.Context, _ string, flowID string, w io.Writer) (int64, error) {
	t.mu.Lock()
	flow, ok := t.flows[flowID]
	t.mu.Unlock()
	if !ok {
		return 0, &grrapi.StatusError{Status: 404, Message: "flow " + flowID}
	}
	return io.Copy(w, bytes.NewReader(flow.payload.Body))
}

func (t *Transport) ListArtifacts(context.Context) ([]model.Artifact, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]model.Artifact(nil), t.artifacts...), nil
}

// BuildArchive lays files out the way the GRR files archive does, including the
// MANIFEST and client_info.yaml members.
func BuildArchive(clientID string, flowName string, flowID string, files map[string]string) []byte {
	var buf bytes.Buffer
	writer := zip.NewWriter(&buf)
	top := fmt.Sprintf("%s_flow_%s_%s", clientID, flowName, flowID)
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	write := func(name string, content string) {
		w, err := writer.Create(name)
		if err != nil {
			panic(err)
		}
		if _, err := io.WriteString(w, content); err != nil {
			panic(err)
		}
	}
	write(path.Join(top, "MANIFEST"), "description: test\n")
	write(path.Join(top, clientID, "client_info.yaml"), "client_id: "+clientID+"\n")
	for _, name := range names {
		write(path.Join(top, clientID, "fs", "os", strings.TrimPrefix(name, "/")), files[name])
	}
	if err := writer.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}
