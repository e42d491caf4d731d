package grrapi

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"grrshell/internal/model"
)

const (
	flowNameClientFileFinder = "ClientFileFinder"
	flowNameFileFinder       = "FileFinder"
	flowNameArtifact         = "ArtifactCollectorFlow"
	flowNameTimeline         = "TimelineFlow"
	flowNameGetFile          = "GetFile"
)

// microTime decodes GRR microsecond timestamps, which arrive as strings or numbers.
type microTime struct {
	time.Time
}

func (m *microTime) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(bytes.TrimSpace(data)), `"`)
	if raw == "" || raw == "null" || raw == "0" {
		m.Time = time.Time{}
		return nil
	}
	micros, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return err
	}
	m.Time = time.UnixMicro(micros).UTC()
	return nil
}

// int64String decodes proto3 int64 values, encoded as JSON strings.
type int64String int64

func (i *int64String) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(bytes.TrimSpace(data)), `"`)
	if raw == "" || raw == "null" {
		*i = 0
		return nil
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return err
	}
	*i = int64String(value)
	return nil
}

type apiClient struct {
	ClientID    string    `json:"clientId"`
	LastSeenAt  microTime `json:"lastSeenAt"`
	FirstSeenAt microTime `json:"firstSeenAt"`
	OSInfo      struct {
		System  string `json:"system"`
		Release string `json:"release"`
		Fqdn    string `json:"fqdn"`
		Node    string `json:"node"`
	} `json:"osInfo"`
	KnowledgeBase struct {
		Fqdn  string `json:"fqdn"`
		OS    string `json:"os"`
		Users []struct {
			Username string `json:"username"`
		} `json:"users"`
	} `json:"knowledgeBase"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
}

func (a apiClient) toModel() model.ClientInfo {
	info := model.ClientInfo{
		ClientID:  a.ClientID,
		Hostname:  firstNonEmpty(a.KnowledgeBase.Fqdn, a.OSInfo.Fqdn, a.OSInfo.Node),
		OSFamily:  firstNonEmpty(a.OSInfo.System, a.KnowledgeBase.OS),
		OSRelease: a.OSInfo.Release,
		LastSeen:  a.LastSeenAt.Time,
		FirstSeen: a.FirstSeenAt.Time,
	}
	for _, user := range a.KnowledgeBase.Users {
		if user.Username != "" {
			info.Users = append(info.Users, user.Username)
		}
	}
	for _, label := range a.Labels {
		info.Labels = append(info.Labels, label.Name)
	}
	return info
}

type apiFlow struct {
	FlowID           string          `json:"flowId"`
	ClientID         string          `json:"clientId"`
	Name             string          `json:"name"`
	Args             json.RawMessage `json:"args"`
	State            string          `json:"state"`
	Creator          string          `json:"creator"`
	StartedAt        microTime       `json:"startedAt"`
	LastActiveAt     microTime       `json:"lastActiveAt"`
	ErrorDescription string          `json:"errorDescription"`
}

func (a apiFlow) toModel() model.FlowStatus {
	kind, args, known := decodeFlowArgs(a.Name, a.Args)
	return model.FlowStatus{
		ID:               a.FlowID,
		ClientID:         a.ClientID,
		Name:             a.Name,
		Kind:             kind,
		KindKnown:        known,
		State:            model.RemoteState(strings.ToUpper(a.State)),
		Args:             args,
		Creator:          a.Creator,
		StartedAt:        a.StartedAt.Time,
		LastActiveAt:     a.LastActiveAt.Time,
		ErrorDescription: a.ErrorDescription,
	}
}

type apiPathSpec struct {
	Path       string `json:"path"`
	PathType   string `json:"pathtype,omitempty"`
	StreamName string `json:"streamName,omitempty"`
}

type apiFileFinderArgs struct {
	Paths    []string `json:"paths"`
	PathType string   `json:"pathtype,omitempty"`
	Action   struct {
		ActionType string `json:"actionType"`
		Download   *struct {
			MaxSize int64String `json:"maxSize"`
		} `json:"download,omitempty"`
	} `json:"action"`
}

type apiArtifactArgs struct {
	ArtifactList           []string    `json:"artifactList"`
	MaxFileSize            int64String `json:"maxFileSize"`
	UseRawFilesystemAccess bool        `json:"useRawFilesystemAccess"`
}

type apiTimelineArgs struct {
	Root string `json:"root"`
}

type apiGetFileArgs struct {
	PathSpec apiPathSpec `json:"pathspec"`
}

// FlowName returns the remote flow type launched for kind.
func FlowName(kind model.FlowKind) string {
	switch kind {
	case model.FlowKindFileFinder:
		return flowNameClientFileFinder
	case model.FlowKindArtifactCollector:
		return flowNameArtifact
	case model.FlowKindTimeline:
		return flowNameTimeline
	case model.FlowKindGetFile:
		return flowNameGetFile
	}
	return ""
}

func encodeFlowArgs(kind model.FlowKind, args model.FlowArgs) (map[string]any, error) {
	switch kind {
	case model.FlowKindFileFinder:
		action := map[string]any{"actionType": string(args.Action)}
		if args.Action == model.FileFinderActionDownload && args.MaxFileSize > 0 {
			action["download"] = map[string]any{"maxSize": strconv.FormatInt(args.MaxFileSize, 10)}
		}
		encoded := map[string]any{
			"@type":  "type.googleapis.com/grr.FileFinderArgs",
			"paths":  args.Paths,
			"action": action,
		}
		if args.PathType != "" {
			encoded["pathtype"] = args.PathType
		}
		return encoded, nil
	case model.FlowKindArtifactCollector:
		encoded := map[string]any{
			"@type":                  "type.googleapis.com/grr.ArtifactCollectorFlowArgs",
			"artifactList":           []string{args.Artifact},
			"useRawFilesystemAccess": args.RawAccess,
		}
		if args.MaxFileSize > 0 {
			encoded["maxFileSize"] = strconv.FormatInt(args.MaxFileSize, 10)
		}
		return encoded, nil
	case model.FlowKindTimeline:
		return map[string]any{
			"@type": "type.googleapis.com/grr.TimelineArgs",
			"root":  base64.StdEncoding.EncodeToString([]byte(args.Root)),
		}, nil
	case model.FlowKindGetFile:
		path := ""
		if len(args.Paths) > 0 {
			path = args.Paths[0]
		}
		pathType := args.PathType
		if pathType == "" {
			pathType = "OS"
		}
		return map[string]any{
			"@type":    "type.googleapis.com/grr.GetFileArgs",
			"pathspec": apiPathSpec{Path: path, PathType: pathType, StreamName: args.StreamName},
		}, nil
	}
	return nil, model.ErrUnsupportedFlowKind
}

// decodeFlowArgs infers the flow kind from the remote flow name and the shape of its args.
// Args that do not decode leave the kind unknown, so the flow cannot be tracked.
func decodeFlowArgs(name string, raw json.RawMessage) (model.FlowKind, model.FlowArgs, bool) {
	switch name {
	case flowNameClientFileFinder, flowNameFileFinder:
		var decoded apiFileFinderArgs
		if !unmarshalArgs(raw, &decoded) {
			return model.FlowKindFileFinder, model.FlowArgs{}, false
		}
		args := model.FlowArgs{
			Paths:    decoded.Paths,
			Action:   model.FileFinderAction(strings.ToUpper(decoded.Action.ActionType)),
			PathType: decoded.PathType,
		}
		if args.Action == "" {
			args.Action = model.FileFinderActionStat
		}
		if decoded.Action.Download != nil {
			args.MaxFileSize = int64(decoded.Action.Download.MaxSize)
		}
		return model.FlowKindFileFinder, args, true
	case flowNameArtifact:
		var decoded apiArtifactArgs
		if !unmarshalArgs(raw, &decoded) {
			return model.FlowKindArtifactCollector, model.FlowArgs{}, false
		}
		args := model.FlowArgs{MaxFileSize: int64(decoded.MaxFileSize), RawAccess: decoded.UseRawFilesystemAccess}
		if len(decoded.ArtifactList) > 0 {
			args.Artifact = decoded.ArtifactList[0]
		}
		return model.FlowKindArtifactCollector, args, true
	case flowNameTimeline:
		var decoded apiTimelineArgs
		if !unmarshalArgs(raw, &decoded) {
			return model.FlowKindTimeline, model.FlowArgs{}, false
		}
		root := decoded.Root
		if value, err := base64.StdEncoding.DecodeString(root); err == nil {
			root = string(value)
		}
		if strings.TrimSpace(root) == "" {
			return model.FlowKindTimeline, model.FlowArgs{}, false
		}
		return model.FlowKindTimeline, model.FlowArgs{Root: root}, true
	case flowNameGetFile:
		var decoded apiGetFileArgs
		if !unmarshalArgs(raw, &decoded) || decoded.PathSpec.Path == "" {
			return model.FlowKindGetFile, model.FlowArgs{}, false
		}
		return model.FlowKindGetFile, model.FlowArgs{
			Paths:      []string{decoded.PathSpec.Path},
			PathType:   decoded.PathSpec.PathType,
			StreamName: decoded.PathSpec.StreamName,
		}, true
	}
	return "", model.FlowArgs{}, false
}

// unmarshalArgs treats absent args as empty.
func unmarshalArgs(raw json.RawMessage, v any) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return true
	}
	return json.Unmarshal(trimmed, v) == nil
}

type apiStatEntry struct {
	PathSpec apiPathSpec `json:"pathspec"`
	StMode   int64String `json:"stMode"`
	StIno    int64String `json:"stIno"`
	StUID    int64String `json:"stUid"`
	StGID    int64String `json:"stGid"`
	StSize   int64String `json:"stSize"`
	StAtime  int64String `json:"stAtime"`
	StMtime  int64String `json:"stMtime"`
	StCtime  int64String `json:"stCtime"`
	StBtime  int64String `json:"stBtime"`
}

func (a apiStatEntry) toModel() *model.StatEntry {
	return &model.StatEntry{
		Path:  a.PathSpec.Path,
		Mode:  modeString(int64(a.StMode)),
		Inode: uint64(a.StIno),
		UID:   int64(a.StUID),
		GID:   int64(a.StGID),
		Size:  int64(a.StSize),
		Atime: epochSeconds(int64(a.StAtime)),
		Mtime: epochSeconds(int64(a.StMtime)),
		Ctime: epochSeconds(int64(a.StCtime)),
		Btime: epochSeconds(int64(a.StBtime)),
	}
}

type apiHashEntry struct {
	SHA256 string `json:"sha256"`
	SHA1   string `json:"sha1"`
	MD5    string `json:"md5"`
}

type apiResult struct {
	PayloadType string          `json:"payloadType"`
	Payload     json.RawMessage `json:"payload"`
	Timestamp   microTime       `json:"timestamp"`
}

func (a apiResult) toModel() model.FlowResult {
	result := model.FlowResult{Timestamp: a.Timestamp.Time, PayloadType: a.PayloadType}
	switch a.PayloadType {
	case "FileFinderResult", "CollectSingleFileResult":
		var decoded struct {
			StatEntry *apiStatEntry `json:"statEntry"`
			Stat      *apiStatEntry `json:"stat"`
			HashEntry *apiHashEntry `json:"hashEntry"`
			Hash      *apiHashEntry `json:"hash"`
		}
		if err := json.Unmarshal(a.Payload, &decoded); err == nil {
			if stat := firstStat(decoded.StatEntry, decoded.Stat); stat != nil {
				result.Stat = stat.toModel()
			}
			if hash := firstHash(decoded.HashEntry, decoded.Hash); hash != nil {
				result.SHA256 = hexDigest(hash.SHA256)
				result.SHA1 = hexDigest(hash.SHA1)
				result.MD5 = hexDigest(hash.MD5)
			}
		}
	case "StatEntry":
		var decoded apiStatEntry
		if err := json.Unmarshal(a.Payload, &decoded); err == nil {
			result.Stat = decoded.toModel()
		}
	}
	if result.Stat == nil && result.SHA256 == "" {
		summary := strings.TrimSpace(string(a.Payload))
		if len(summary) > 512 {
			summary = summary[:512] + "..."
		}
		result.Summary = summary
	}
	return result
}

type apiArtifact struct {
	Artifact struct {
		Name        string   `json:"name"`
		Doc         string   `json:"doc"`
		SupportedOS []string `json:"supportedOs"`
		Sources     []struct {
			Type string `json:"type"`
		} `json:"sources"`
	} `json:"artifact"`
}

func (a apiArtifact) toModel() model.Artifact {
	artifact := model.Artifact{
		Name:        a.Artifact.Name,
		Doc:         a.Artifact.Doc,
		SupportedOS: a.Artifact.SupportedOS,
	}
	for _, source := range a.Artifact.Sources {
		artifact.Sources = append(artifact.Sources, model.ArtifactSource{Type: source.Type})
	}
	return artifact
}

func firstStat(entries ...*apiStatEntry) *apiStatEntry {
	for _, entry := range entries {
		if entry != nil {
			return entry
		}
	}
	return nil
}

func firstHash(entries ...*apiHashEntry) *apiHashEntry {
	for _, entry := range entries {
		if entry != nil {
			return entry
		}
	}
	return nil
}

func hexDigest(value string) string {
	if value == "" {
		return ""
	}
	decoded, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return value
	}
	return hex.EncodeToString(decoded)
}

func epochSeconds(value int64) time.Time {
	if value == 0 {
		return time.Time{}
	}
	return time.Unix(value, 0).UTC()
}

func modeString(mode int64) string {
	const typeMask = 0o170000
	prefix := "-"
	switch mode & typeMask {
	case 0o040000:
		prefix = "d"
	case 0o120000:
		prefix = "l"
	}
	const perms = "rwxrwxrwx"
	var b strings.Builder
	b.WriteString(prefix)
	for i := 0; i < 9; i++ {
		if mode&(1<<uint(8-i)) != 0 {
			b.WriteByte(perms[i])
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
