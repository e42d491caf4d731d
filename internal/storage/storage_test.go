package storage

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"grrshell/internal/grrapi/grrapitest"

	"github.com/spf13/afero"
)

type recordingMirror struct {
	mu   sync.Mutex
	keys map[string]string
}

func (m *recordingMirror) PutObject(_ context.Context, key string, body io.Reader, _ int64) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys == nil {
		m.keys = map[string]string{}
	}
	m.keys[key] = string(data)
	return nil
}

func stageBytes(t *testing.T, local *Local, data []byte) string {
	t.Helper()
	name, size, err := local.Stage(t.Context(), ".zip", func(w io.Writer) (int64, error) {
		return io.Copy(w, bytes.NewReader(data))
	})
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	if size != int64(len(data)) {
		t.Fatalf("expected staged size %d, got %d", len(data), size)
	}
	return name
}

func TestExtractArchivePreservesRemoteLayout(t *testing.T) {
	fs := afero.NewMemMapFs()
	mirror := &recordingMirror{}
	local := NewLocal(fs, "/out").WithMirror(mirror)

	archive := grrapitest.BuildArchive("C.1234", "ClientFileFinder", "F1", map[string]string{
		"/etc/passwd":        "root:x:0:0",
		"/home/user/a b.txt": "hello",
	})
	staged := stageBytes(t, local, archive)

	result, err := local.ExtractArchive(t.Context(), "C.1234", staged)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if result.Skipped != 2 {
		t.Fatalf("expected MANIFEST and client_info.yaml to be skipped, got %d", result.Skipped)
	}
	remotes := []string{}
	for _, file := range result.Files {
		remotes = append(remotes, file.RemotePath)
	}
	sort.Strings(remotes)
	if strings.Join(remotes, ",") != "/etc/passwd,/home/user/a b.txt" {
		t.Fatalf("unexpected remote paths: %v", remotes)
	}

	content, err := afero.ReadFile(fs, filepath.Join("/out", "C.1234", "etc", "passwd"))
	if err != nil {
		t.Fatalf("read extracted file: %v", err)
	}
	if string(content) != "root:x:0:0" {
		t.Fatalf("unexpected content %q", content)
	}
	if mirror.keys["C.1234/home/user/a b.txt"] != "hello" {
		t.Fatalf("expected mirrored file, got %v", mirror.keys)
	}

	local.Discard(staged)
	if exists, _ := afero.Exists(fs, staged); exists {
		t.Fatalf("expected staging file to be removed")
	}
}

func TestExtractEmptyArchive(t *testing.T) {
	local := NewLocal(afero.NewMemMapFs(), "/out")
	staged := stageBytes(t, local, nil)
	result, err := local.ExtractArchive(t.Context(), "C.1", staged)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(result.Files) != 0 {
		t.Fatalf("expected no files, got %d", len(result.Files))
	}
}

func TestArchiveRemotePath(t *testing.T) {
	cases := []struct {
		name   string
		remote string
		ok     bool
	}{
		{"C.1_flow_ClientFileFinder_F1/C.1/fs/os/etc/hosts", "/etc/hosts", true},
		{"C.1_flow_GetFile_F2/C.1/fs/ntfs/C:/Users/x.txt", "/C:/Users/x.txt", true},
		{"top/other/file", "/other/file", true},
		{"C.1_flow_X_F3/C.1/fs/os/../../escape", "", false},
		{"single", "", false},
	}
	for _, tc := range cases {
		remote, ok := ArchiveRemotePath(tc.name, "C.1")
		if ok != tc.ok || remote != tc.remote {
			t.Fatalf("ArchiveRemotePath(%q) = %q %v, want %q %v", tc.name, remote, ok, tc.remote, tc.ok)
		}
	}
}

func TestLocalPathStaysUnderClientRoot(t *testing.T) {
	local := NewLocal(afero.NewMemMapFs(), "/out")
	got, err := local.LocalPath("C.1", "/../../etc/passwd")
	if err != nil {
		t.Fatalf("local path: %v", err)
	}
	if got != filepath.Join("/out", "C.1", "etc", "passwd") {
		t.Fatalf("unexpected local path %q", got)
	}
	if _, err := local.LocalPath("C.1", "/"); err == nil {
		t.Fatalf("expected error for root path")
	}
}

func TestS3MirrorPutsObjectUnderPrefix(t *testing.T) {
	var mu sync.Mutex
	received := map[string]string{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		received[r.URL.Path] = string(data)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	mirror, err := NewS3Mirror(t.Context(), S3Config{
		Endpoint:  server.URL,
		Bucket:    "evidence",
		Region:    "us-east-1",
		AccessKey: "test",
		SecretKey: "test",
		Prefix:    "cases/42",
	})
	if err != nil {
		t.Fatalf("new mirror: %v", err)
	}
	payload := []byte("collected")
	if err := mirror.PutObject(t.Context(), "C.1/etc/hosts", bytes.NewReader(payload), int64(len(payload))); err != nil {
		t.Fatalf("put object: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if _, ok := received["/evidence/cases/42/C.1/etc/hosts"]; !ok {
		t.Fatalf("expected object under bucket prefix, got %v", received)
	}
}
