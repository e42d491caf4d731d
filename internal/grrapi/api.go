package grrapi

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"grrshell/internal/model"

	"github.com/pkg/errors"
)

func clientPath(clientID string) string {
	return apiPrefix + "/clients/" + url.PathEscape(strings.TrimSpace(clientID))
}

func flowPath(clientID string, flowID string) string {
	return clientPath(clientID) + "/flows/" + url.PathEscape(strings.TrimSpace(flowID))
}

func (c *Client) SearchClients(ctx context.Context, query string) ([]model.ClientInfo, error) {
	var response struct {
		Items []apiClient `json:"items"`
	}
	params := map[string]string{"query": strings.TrimSpace(query), "count": "10"}
	if err := c.doJSON(ctx, http.MethodGet, apiPrefix+"/clients", params, nil, &response); err != nil {
		return nil, err
	}
	clients := make([]model.ClientInfo, 0, len(response.Items))
	for _, item := range response.Items {
		clients = append(clients, item.toModel())
	}
	return clients, nil
}

func (c *Client) GetClient(ctx context.Context, clientID string) (model.ClientInfo, error) {
	var response apiClient
	if err := c.doJSON(ctx, http.MethodGet, clientPath(clientID), nil, nil, &response); err != nil {
		return model.ClientInfo{}, err
	}
	info := response.toModel()
	if info.ClientID == "" {
		info.ClientID = clientID
	}
	return info, nil
}

func (c *Client) SubmitFlow(ctx context.Context, clientID string, kind model.FlowKind, args model.FlowArgs) (model.FlowStatus, error) {
	name := FlowName(kind)
	encodedArgs, err := encodeFlowArgs(kind, args)
	if err != nil {
		return model.FlowStatus{}, errors.Wrapf(err, "encode %s args", kind)
	}
	payload := map[string]any{
		"flow": map[string]any{
			"name": name,
			"args": encodedArgs,
		},
	}
	var response apiFlow
	if err := c.doJSON(ctx, http.MethodPost, clientPath(clientID)+"/flows", nil, payload, &response); err != nil {
		return model.FlowStatus{}, err
	}
	status := response.toModel()
	if status.ClientID == "" {
		status.ClientID = clientID
	}
	if strings.TrimSpace(status.ID) == "" {
		return model.FlowStatus{}, errors.Wrap(model.ErrRemoteFailure, "submit flow: server returned no flow id")
	}
	return status, nil
}

func (c *Client) GetFlow(ctx context.Context, clientID string, flowID string) (model.FlowStatus, error) {
	var response apiFlow
	if err := c.doJSON(ctx, http.MethodGet, flowPath(clientID, flowID), nil, nil, &response); err != nil {
		return model.FlowStatus{}, err
	}
	status := response.toModel()
	if status.ClientID == "" {
		status.ClientID = clientID
	}
	return status, nil
}

// ListFlows returns one page of the client's flows, newest first.
func (c *Client) ListFlows(ctx context.Context, clientID string, offset int, count int) ([]model.FlowStatus, error) {
	var response struct {
		Items []apiFlow `json:"items"`
	}
	params := map[string]string{
		"offset":         strconv.Itoa(offset),
		"count":          strconv.Itoa(count),
		"top_flows_only": "1",
	}
	if err := c.doJSON(ctx, http.MethodGet, clientPath(clientID)+"/flows", params, nil, &response); err != nil {
		return nil, err
	}
	flows := make([]model.FlowStatus, 0, len(response.Items))
	for _, item := range response.Items {
		status := item.toModel()
		if status.ClientID == "" {
			status.ClientID = clientID
		}
		flows = append(flows, status)
	}
	return flows, nil
}

func (c *Client) ListResults(ctx context.Context, clientID string, flowID string) ([]model.FlowResult, error) {
	const pageSize = 1000
	results := []model.FlowResult{}
	for offset := 0; ; offset += pageSize {
		var response struct {
			Items []apiResult `json:"items"`
		}
		params := map[string]string{"offset": strconv.Itoa(offset), "count": strconv.Itoa(pageSize)}
		if err := c.doJSON(ctx, http.MethodGet, flowPath(clientID, flowID)+"/results", params, nil, &response); err != nil {
			return nil, err
		}
		for _, item := range response.Items {
			results = append(results, item.toModel())
		}
		if len(response.Items) < pageSize {
			return results, nil
		}
	}
}

// DownloadFilesArchive streams the ZIP archive of the files collected by a flow.
func (c *Client) DownloadFilesArchive(ctx context.Context, clientID string, flowID string, w io.Writer) (int64, error) {
	return c.doStream(ctx, flowPath(clientID, flowID)+"/results/files-archive", map[string]string{"archive_format": "ZIP"}, w)
}

// DownloadTimelineBody streams the sleuthkit body export of a timeline flow.
func (c *Client) DownloadTimelineBody(ctx context.Context, clientID string, flowID string, w io.Writer) (int64, error) {
	params := map[string]string{"body_opts.backslash_escape": "1"}
	return c.doStream(ctx, flowPath(clientID, flowID)+"/timeline/BODY", params, w)
}

func (c *Client) ListArtifacts(ctx context.Context) ([]model.Artifact, error) {
	var response struct {
		Items []apiArtifact `json:"items"`
	}
	if err := c.doJSON(ctx, http.MethodGet, apiPrefix+"/artifacts", nil, nil, &response); err != nil {
		return nil, err
	}
	artifacts := make([]model.Artifact, 0, len(response.Items))
	for _, item := range response.Items {
		artifacts = append(artifacts, item.toModel())
	}
	return artifacts, nil
}
