package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// generatedFilesFilter selects files produced by the model rather than uploaded by us.
const generatedFilesFilter = "file_origin_type = AI_GENERATED"

// CreateSession creates a remote session and returns its opaque name.
func (c *Client) CreateSession(ctx context.Context, token, configID string) (string, error) {
	var req CreateSessionRequest
	req.ConfigID = configID
	req.AdditionalParams = defaultAdditionalParams

	var resp createSessionResponse
	if err := c.postJSON(ctx, OpCreateSession, "widgetCreateSession", token, &req, &resp); err != nil {
		return "", err
	}
	if resp.Session.Name == "" {
		return "", fmt.Errorf("create session response missing session name")
	}
	return resp.Session.Name, nil
}

// AddContextFile pushes a file into a session and returns the remote file id.
// Exactly one of file.FileContents or file.FileURI should be set.
func (c *Client) AddContextFile(ctx context.Context, token, configID string, file ContextFile) (string, error) {
	req := AddContextFileRequest{
		ConfigID:              configID,
		AdditionalParams:      defaultAdditionalParams,
		AddContextFileRequest: file,
	}

	var resp addContextFileResponse
	if err := c.postJSON(ctx, OpUploadFile, "widgetAddContextFile", token, &req, &resp); err != nil {
		return "", err
	}
	if resp.AddContextFileResponse.FileID == "" {
		return "", fmt.Errorf("add context file response missing fileId")
	}
	return resp.AddContextFileResponse.FileID, nil
}

// ListGeneratedFiles lists the model-generated files attached to a session.
func (c *Client) ListGeneratedFiles(ctx context.Context, token, configID, session string) ([]FileMetadata, error) {
	var req ListFilesRequest
	req.ConfigID = configID
	req.AdditionalParams = defaultAdditionalParams
	req.ListSessionFileMetadataRequest.Name = session
	req.ListSessionFileMetadataRequest.Filter = generatedFilesFilter

	var resp listFilesResponse
	if err := c.postJSON(ctx, OpListFiles, "widgetListSessionFileMetadata", token, &req, &resp); err != nil {
		return nil, err
	}
	return resp.ListSessionFileMetadataResponse.FileMetadata, nil
}

// DownloadFile fetches raw file bytes. fullSession is the session path reported by ListGeneratedFiles.
func (c *Client) DownloadFile(ctx context.Context, token, fullSession, fileID string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.sessionTimeout)
	defer cancel()

	downloadURL := fmt.Sprintf("%s/download/v1alpha/%s:downloadFile?fileId=%s&alt=media",
		c.downloadBaseURL, fullSession, url.QueryEscape(fileID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create download request: %w", err)
	}
	setCommonHeaders(req, token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read download response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("download failed", "status", resp.StatusCode, "file_id", fileID)
		return nil, &APIError{Op: OpDownloadFile, StatusCode: resp.StatusCode, Body: body}
	}
	return body, nil
}
