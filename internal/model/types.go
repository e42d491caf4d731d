package model

import (
	"strings"
	"time"
)

type FlowKind string

const (
	FlowKindFileFinder        FlowKind = "file_finder"
	FlowKindArtifactCollector FlowKind = "artifact_collector"
	FlowKindTimeline          FlowKind = "timeline"
	FlowKindGetFile           FlowKind = "get_file"
)

type FlowState string

const (
	FlowStatePending    FlowState = "pending"
	FlowStateRunning    FlowState = "running"
	FlowStateComplete   FlowState = "complete"
	FlowStateError      FlowState = "error"
	FlowStateTerminated FlowState = "terminated"
)

// RemoteState is the flow state vocabulary reported by the GRR server.
type RemoteState string

const (
	RemoteStateRunning       RemoteState = "RUNNING"
	RemoteStateTerminated    RemoteState = "TERMINATED"
	RemoteStateError         RemoteState = "ERROR"
	RemoteStateClientCrashed RemoteState = "CLIENT_CRASHED"
)

type FileFinderAction string

const (
	FileFinderActionStat     FileFinderAction = "STAT"
	FileFinderActionHash     FileFinderAction = "HASH"
	FileFinderActionDownload FileFinderAction = "DOWNLOAD"
)

type Platform string

const (
	PlatformUnknown Platform = ""
	PlatformPosix   Platform = "posix"
	PlatformWindows Platform = "windows"
)

const ZoneIdentifierStream = "Zone.Identifier"

type FlowArgs struct {
	Paths       []string         `json:"paths,omitempty"`
	Action      FileFinderAction `json:"action,omitempty"`
	PathType    string           `json:"path_type,omitempty"`
	Artifact    string           `json:"artifact,omitempty"`
	Root        string           `json:"root,omitempty"`
	StreamName  string           `json:"stream_name,omitempty"`
	MaxFileSize int64            `json:"max_file_size,omitempty"`
	RawAccess   bool             `json:"raw_access,omitempty"`
}

type StatEntry struct {
	Path  string    `json:"path"`
	Mode  string    `json:"mode,omitempty"`
	Inode uint64    `json:"inode,omitempty"`
	UID   int64     `json:"uid,omitempty"`
	GID   int64     `json:"gid,omitempty"`
	Size  int64     `json:"size"`
	Atime time.Time `json:"atime,omitzero"`
	Mtime time.Time `json:"mtime,omitzero"`
	Ctime time.Time `json:"ctime,omitzero"`
	Btime time.Time `json:"btime,omitzero"`
	MD5   string    `json:"md5,omitempty"`
}

func (s StatEntry) IsDir() bool {
	return strings.HasPrefix(s.Mode, "d")
}

type FlowResult struct {
	Timestamp   time.Time  `json:"timestamp,omitzero"`
	PayloadType string     `json:"payload_type,omitempty"`
	Stat        *StatEntry `json:"stat,omitempty"`
	SHA256      string     `json:"sha256,omitempty"`
	SHA1        string     `json:"sha1,omitempty"`
	MD5         string     `json:"md5,omitempty"`
	Content     string     `json:"content,omitempty"`
	Summary     string     `json:"summary,omitempty"`
}

type FlowRecord struct {
	ID           string       `json:"flow_id"`
	ClientID     string       `json:"client_id"`
	Name         string       `json:"name"`
	Kind         FlowKind     `json:"kind"`
	State        FlowState    `json:"state"`
	Args         FlowArgs     `json:"args"`
	Creator      string       `json:"creator,omitempty"`
	StartedAt    time.Time    `json:"started_at,omitzero"`
	LastActiveAt time.Time    `json:"last_active_at,omitzero"`
	LocalTarget  string       `json:"local_target,omitempty"`
	ErrorDetail  string       `json:"error_detail,omitempty"`
	Results      []FlowResult `json:"results,omitempty"`
	SessionID    string       `json:"session_id,omitempty"`
	UpdatedAt    time.Time    `json:"updated_at,omitzero"`
}

func (r FlowRecord) Terminal() bool {
	switch r.State {
	case FlowStateComplete, FlowStateError, FlowStateTerminated:
		return true
	}
	return false
}

// FlowStatus is a single remote status report for a flow.
type FlowStatus struct {
	ID               string
	ClientID         string
	Name             string
	Kind             FlowKind
	KindKnown        bool
	State            RemoteState
	Args             FlowArgs
	Creator          string
	StartedAt        time.Time
	LastActiveAt     time.Time
	ErrorDescription string
}

func (s FlowStatus) Finished() bool {
	return s.State == RemoteStateTerminated
}

func (s FlowStatus) Failed() bool {
	return s.State == RemoteStateError || s.State == RemoteStateClientCrashed
}

// FlowEvent is one persisted state change of a flow.
type FlowEvent struct {
	FlowID    string
	FromState FlowState
	ToState   FlowState
	Message   string
	CreatedAt time.Time
}

type FlowDetail struct {
	Record   FlowRecord
	Tracked  bool
	Status   FlowStatus
	Results  []FlowResult
	Progress string
	Events   []FlowEvent
}

type ClientInfo struct {
	ClientID  string    `json:"client_id"`
	Hostname  string    `json:"hostname"`
	OSFamily  string    `json:"os_family"`
	OSRelease string    `json:"os_release,omitempty"`
	Users     []string  `json:"users,omitempty"`
	LastSeen  time.Time `json:"last_seen,omitzero"`
	FirstSeen time.Time `json:"first_seen,omitzero"`
	Labels    []string  `json:"labels,omitempty"`
}

func (c ClientInfo) Platform() Platform {
	switch strings.ToLower(strings.TrimSpace(c.OSFamily)) {
	case "windows":
		return PlatformWindows
	case "linux", "darwin", "freebsd", "macos":
		return PlatformPosix
	}
	return PlatformUnknown
}

type ArtifactSource struct {
	Type       string   `json:"type"`
	Attributes []string `json:"attributes,omitempty"`
}

type Artifact struct {
	Name        string           `json:"name"`
	Doc         string           `json:"doc,omitempty"`
	SupportedOS []string         `json:"supported_os,omitempty"`
	Sources     []ArtifactSource `json:"sources,omitempty"`
}

var synchronousArtifactSources = map[string]bool{
	"REGISTRY_KEY":   true,
	"REGISTRY_VALUE": true,
	"WMI":            true,
	"COMMAND":        true,
	"ARTIFACT_GROUP": true,
}

// Synchronous reports whether every source of the artifact is cheap enough for a blocking
// collection. Artifacts that collect files or paths run in the background.
func (a Artifact) Synchronous() bool {
	if len(a.Sources) == 0 {
		return false
	}
	for _, source := range a.Sources {
		if !synchronousArtifactSources[strings.ToUpper(source.Type)] {
			return false
		}
	}
	return true
}

type FlowScope string

const (
	FlowScopeSession FlowScope = "session"
	FlowScopeAll     FlowScope = "all"
)
