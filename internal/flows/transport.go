package flows

import (
	"context"
	"io"

	"grrshell/internal/events"
	"grrshell/internal/model"
)

// Transport is the remote side of a session. grrapi.Client implements it against the GRR
// API and grrapitest.Transport in memory.
type Transport interface {
	SearchClients(ctx context.Context, query string) ([]model.ClientInfo, error)
	GetClient(ctx context.Context, clientID string) (model.ClientInfo, error)
	SubmitFlow(ctx context.Context, clientID string, kind model.FlowKind, args model.FlowArgs) (model.FlowStatus, error)
	GetFlow(ctx context.Context, clientID string, flowID string) (model.FlowStatus, error)
	ListFlows(ctx context.Context, clientID string, offset int, count int) ([]model.FlowStatus, error)
	ListResults(ctx context.Context, clientID string, flowID string) ([]model.FlowResult, error)
	DownloadFilesArchive(ctx context.Context, clientID string, flowID string, w io.Writer) (int64, error)
	DownloadTimelineBody(ctx context.Context, clientID string, flowID string, w io.Writer) (int64, error)
	ListArtifacts(ctx context.Context) ([]model.Artifact, error)
}

// History persists flow records across sessions.
type History interface {
	RecordTransition(record model.FlowRecord, from model.FlowState, message string) error
	GetFlow(clientID string, flowID string) (model.FlowRecord, error)
	ListFlows(clientID string, limit int) ([]model.FlowRecord, error)
	ListEvents(clientID string, flowID string) ([]model.FlowEvent, error)
}

type Publisher interface {
	PublishTransition(ctx context.Context, transition events.FlowTransition) error
}
