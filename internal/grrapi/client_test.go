package grrapi

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"grrshell/internal/model"
)

func writeGRR(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, ")]}'\n")
	_ = json.NewEncoder(w).Encode(payload)
}

func TestClientGetFlowStripsXSSIAndDecodesArgs(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "analyst" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/v2/clients/C.1234/flows/F1":
			writeGRR(w, map[string]any{
				"flowId":       "F1",
				"clientId":     "C.1234",
				"name":         "TimelineFlow",
				"state":        "TERMINATED",
				"args":         map[string]any{"root": base64.StdEncoding.EncodeToString([]byte("/"))},
				"startedAt":    "1700000000000000",
				"lastActiveAt": 1700000005000000,
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client, err := NewClient(Options{BaseURL: server.URL + "/", Username: "analyst", Password: "secret"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	status, err := client.GetFlow(t.Context(), "C.1234", "F1")
	if err != nil {
		t.Fatalf("get flow: %v", err)
	}
	if status.Kind != model.FlowKindTimeline || !status.KindKnown {
		t.Fatalf("expected timeline kind, got %+v", status)
	}
	if status.Args.Root != "/" {
		t.Fatalf("expected decoded root /, got %q", status.Args.Root)
	}
	if !status.Finished() {
		t.Fatalf("expected finished flow")
	}
	if !status.LastActiveAt.Equal(time.UnixMicro(1700000005000000)) {
		t.Fatalf("unexpected last active: %v", status.LastActiveAt)
	}

	_, err = client.GetFlow(t.Context(), "C.1234", "F404")
	if !errors.Is(err, model.ErrNotFound) || !errors.Is(err, model.ErrRemoteFailure) {
		t.Fatalf("expected not found remote failure, got %v", err)
	}
	if IsTransient(err) {
		t.Fatalf("expected 404 to be permanent")
	}
}

func TestClientSubmitFlowSendsCSRFToken(t *testing.T) {
	var gotToken string
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/":
			http.SetCookie(w, &http.Cookie{Name: "csrftoken", Value: "tok-1", Path: "/"})
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPost && r.URL.Path == "/api/v2/clients/C.1234/flows":
			gotToken = r.Header.Get("X-CSRFToken")
			if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			writeGRR(w, map[string]any{"flowId": "F2", "name": "ClientFileFinder", "state": "RUNNING"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client, err := NewClient(Options{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	status, err := client.SubmitFlow(t.Context(), "C.1234", model.FlowKindFileFinder, model.FlowArgs{
		Paths:       []string{"/etc/*"},
		Action:      model.FileFinderActionDownload,
		MaxFileSize: 1024,
	})
	if err != nil {
		t.Fatalf("submit flow: %v", err)
	}
	if status.ID != "F2" || status.ClientID != "C.1234" {
		t.Fatalf("unexpected status: %+v", status)
	}
	if gotToken != "tok-1" {
		t.Fatalf("expected csrf token header, got %q", gotToken)
	}
	flow, _ := gotBody["flow"].(map[string]any)
	if flow["name"] != "ClientFileFinder" {
		t.Fatalf("unexpected flow name: %v", flow["name"])
	}
	args, _ := flow["args"].(map[string]any)
	action, _ := args["action"].(map[string]any)
	download, _ := action["download"].(map[string]any)
	if action["actionType"] != "DOWNLOAD" || download["maxSize"] != "1024" {
		t.Fatalf("unexpected action: %v", action)
	}
}

func TestClientClassifiesServerErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/F503") {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = io.WriteString(w, `)]}'`+"\n"+`{"message": "backend down"}`)
			return
		}
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, `{"message": "no approval"}`)
	}))
	defer server.Close()

	client, err := NewClient(Options{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.GetFlow(t.Context(), "C.1", "F503")
	if !IsTransient(err) {
		t.Fatalf("expected 503 to be transient, got %v", err)
	}
	if !strings.Contains(err.Error(), "backend down") {
		t.Fatalf("expected server message in error, got %v", err)
	}
	_, err = client.GetClient(t.Context(), "C.1")
	if !IsUnauthorized(err) || IsTransient(err) {
		t.Fatalf("expected permanent authorization error, got %v", err)
	}
}

func TestClientStreamsTimelineBodyAndDecodesResults(t *testing.T) {
	body := "0|/etc|1|d/drwxr-xr-x|0|0|0|0|0|0|0\n"
	sha := base64.StdEncoding.EncodeToString([]byte{0xab, 0xcd})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v2/clients/C.1/flows/F1/timeline/BODY":
			if r.URL.Query().Get("body_opts.backslash_escape") != "1" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_, _ = io.WriteString(w, body)
		case "/api/v2/clients/C.1/flows/F1/results":
			writeGRR(w, map[string]any{"items": []any{
				map[string]any{
					"payloadType": "FileFinderResult",
					"timestamp":   "1700000000000000",
					"payload": map[string]any{
						"statEntry": map[string]any{"pathspec": map[string]any{"path": "/etc/passwd"}, "stSize": "42", "stMode": "33188"},
						"hashEntry": map[string]any{"sha256": sha},
					},
				},
			}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client, err := NewClient(Options{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	var buf bytes.Buffer
	if _, err := client.DownloadTimelineBody(t.Context(), "C.1", "F1", &buf); err != nil {
		t.Fatalf("download body: %v", err)
	}
	if buf.String() != body {
		t.Fatalf("unexpected body %q", buf.String())
	}
	results, err := client.ListResults(t.Context(), "C.1", "F1")
	if err != nil {
		t.Fatalf("list results: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected one result, got %d", len(results))
	}
	result := results[0]
	if result.Stat == nil || result.Stat.Path != "/etc/passwd" || result.Stat.Size != 42 {
		t.Fatalf("unexpected stat: %+v", result.Stat)
	}
	if result.Stat.Mode != "-rw-r--r--" {
		t.Fatalf("unexpected mode %q", result.Stat.Mode)
	}
	if result.SHA256 != "abcd" {
		t.Fatalf("unexpected sha256 %q", result.SHA256)
	}
}

func TestDecodeFlowArgsUnknownName(t *testing.T) {
	if _, _, known := decodeFlowArgs("Interrogate", json.RawMessage(`{}`)); known {
		t.Fatalf("expected Interrogate to be unknown")
	}
	kind, args, known := decodeFlowArgs("GetFile", json.RawMessage(`{"pathspec":{"path":"C:/x","pathtype":"NTFS","streamName":"Zone.Identifier"}}`))
	if !known || kind != model.FlowKindGetFile || args.StreamName != "Zone.Identifier" || args.Paths[0] != "C:/x" {
		t.Fatalf("unexpected GetFile decode: %v %+v", kind, args)
	}
}

func TestDecodeFlowArgsRejectsMalformedArgs(t *testing.T) {
	if _, _, known := decodeFlowArgs("TimelineFlow", json.RawMessage(`{"root": 42}`)); known {
		t.Fatalf("expected a timeline with undecodable args to be unknown")
	}
	if _, _, known := decodeFlowArgs("TimelineFlow", json.RawMessage(`{}`)); known {
		t.Fatalf("expected a timeline without a root to be unknown")
	}
	if _, _, known := decodeFlowArgs("ClientFileFinder", json.RawMessage(`["not", "an", "object"]`)); known {
		t.Fatalf("expected file finder with undecodable args to be unknown")
	}
	kind, args, known := decodeFlowArgs("ClientFileFinder", nil)
	if !known || kind != model.FlowKindFileFinder || args.Action != model.FileFinderActionStat {
		t.Fatalf("expected absent args to decode as an empty file finder, got %v %+v %v", kind, args, known)
	}
}
