package timeline

import (
	"strings"
	"time"

	"grrshell/internal/model"
)

const DefaultFreshnessWindow = 3 * time.Hour

type Options struct {
	Override        string
	Now             time.Time
	FreshnessWindow time.Duration
}

type Selection struct {
	FlowID       string
	Root         string
	LastActiveAt time.Time
	Reused       bool
	Override     bool
}

// LaunchRequired reports whether the caller has to launch a new whole-filesystem timeline.
// FlowID may still name a stale candidate usable as a fallback.
func (s Selection) LaunchRequired() bool {
	return !s.Reused
}

func (s Selection) Stale() bool {
	return s.FlowID != "" && !s.Reused
}

func Select(candidates []model.FlowRecord, platform model.Platform, options Options) Selection {
	if override := strings.TrimSpace(options.Override); override != "" {
		return Selection{FlowID: override, Reused: true, Override: true}
	}
	now := options.Now
	if now.IsZero() {
		now = time.Now()
	}
	window := options.FreshnessWindow
	if window <= 0 {
		window = DefaultFreshnessWindow
	}

	var best *model.FlowRecord
	for i := range candidates {
		candidate := &candidates[i]
		if candidate.Kind != model.FlowKindTimeline || candidate.State != model.FlowStateTerminated {
			continue
		}
		if !IsCanonicalRoot(candidate.Args.Root, platform) {
			continue
		}
		if best == nil || newer(candidate, best) {
			best = candidate
		}
	}
	if best == nil {
		return Selection{}
	}
	return Selection{
		FlowID:       best.ID,
		Root:         NormalizeRoot(best.Args.Root),
		LastActiveAt: best.LastActiveAt,
		Reused:       now.Sub(best.LastActiveAt) <= window,
	}
}

func newer(a *model.FlowRecord, b *model.FlowRecord) bool {
	if !a.LastActiveAt.Equal(b.LastActiveAt) {
		return a.LastActiveAt.After(b.LastActiveAt)
	}
	return a.ID > b.ID
}

func CanonicalRoot(platform model.Platform) string {
	if platform == model.PlatformWindows {
		return "C:/"
	}
	return "/"
}

func IsCanonicalRoot(root string, platform model.Platform) bool {
	normalized := NormalizeRoot(root)
	switch platform {
	case model.PlatformPosix:
		return normalized == "/"
	case model.PlatformWindows:
		return normalized == "C:/"
	}
	return normalized == "/" || normalized == "C:/"
}

// NormalizeRoot folds the spellings of a timeline root (C:\, /C:/, c:) into one form.
func NormalizeRoot(root string) string {
	root = strings.ReplaceAll(strings.TrimSpace(root), `\`, "/")
	if root == "" {
		return ""
	}
	trimmed := strings.TrimPrefix(root, "/")
	if len(trimmed) >= 2 && trimmed[1] == ':' && isDriveLetter(trimmed[0]) {
		rest := strings.TrimRight(trimmed[2:], "/")
		return strings.ToUpper(trimmed[:1]) + ":/" + strings.TrimPrefix(rest, "/")
	}
	if root == "/" {
		return root
	}
	return "/" + strings.Trim(root, "/")
}

// RemoteRoot converts an EFS directory path into the root argument of a timeline flow.
func RemoteRoot(efsPath string, platform model.Platform) string {
	trimmed := strings.TrimPrefix(efsPath, "/")
	if platform == model.PlatformWindows || looksLikeDrivePath(trimmed) {
		if trimmed == "" {
			return CanonicalRoot(model.PlatformWindows)
		}
		return NormalizeRoot(trimmed)
	}
	if efsPath == "" {
		return "/"
	}
	return NormalizeRoot(efsPath)
}

// EFSRoot converts a timeline root argument into the EFS directory it populates.
func EFSRoot(root string) string {
	normalized := NormalizeRoot(root)
	if normalized == "" {
		return "/"
	}
	if looksLikeDrivePath(normalized) {
		return "/" + strings.TrimRight(normalized, "/")
	}
	return normalized
}
