package storage

import (
	"archive/zip"
	"context"
	"fmt"
	"path"
	"strings"
)

var skippedArchiveMembers = map[string]bool{
	"MANIFEST":         true,
	"client_info.yaml": true,
}

type ExtractedFile struct {
	RemotePath string
	LocalPath  string
	Size       int64
}

type ExtractResult struct {
	Files   []ExtractedFile
	Skipped int
}

// ExtractArchive unpacks a staged GRR files archive into the client's local root.
func (l *Local) ExtractArchive(ctx context.Context, clientID string, archivePath string) (ExtractResult, error) {
	result := ExtractResult{}
	file, err := l.fs.Open(archivePath)
	if err != nil {
		return result, fmt.Errorf("open archive: %w", err)
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return result, fmt.Errorf("stat archive: %w", err)
	}
	if info.Size() == 0 {
		return result, nil
	}
	reader, err := zip.NewReader(file, info.Size())
	if err != nil {
		return result, fmt.Errorf("read archive: %w", err)
	}
	for _, member := range reader.File {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if member.FileInfo().IsDir() || skippedArchiveMembers[path.Base(member.Name)] {
			result.Skipped++
			continue
		}
		remotePath, ok := ArchiveRemotePath(member.Name, clientID)
		if !ok {
			result.Skipped++
			continue
		}
		rc, err := member.Open()
		if err != nil {
			return result, fmt.Errorf("open %s: %w", member.Name, err)
		}
		target, size, err := l.writeFile(ctx, clientID, remotePath, rc)
		rc.Close()
		if err != nil {
			return result, err
		}
		result.Files = append(result.Files, ExtractedFile{RemotePath: remotePath, LocalPath: target, Size: size})
	}
	return result, nil
}

// ArchiveRemotePath strips the <top>/<clientId>/fs/<pathtype>/ prefix of an archive member
// and returns the remote path it was collected from.
func ArchiveRemotePath(name string, clientID string) (string, bool) {
	parts := strings.Split(strings.Trim(strings.ReplaceAll(name, `\`, "/"), "/"), "/")
	for i := 0; i+3 < len(parts); i++ {
		if parts[i] == clientID && parts[i+1] == "fs" {
			return cleanRemote(parts[i+3:])
		}
	}
	if len(parts) > 1 {
		return cleanRemote(parts[1:])
	}
	return "", false
}

func cleanRemote(parts []string) (string, bool) {
	for _, part := range parts {
		if part == ".." {
			return "", false
		}
	}
	remote := path.Clean("/" + strings.Join(parts, "/"))
	if remote == "/" {
		return "", false
	}
	return remote, true
}
