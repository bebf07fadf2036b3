package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"navi/internal/infra/httpclient"
	"navi/internal/shared/errors"
	"navi/internal/shared/logging"
)

const (
	defaultLybicEndpoint = "https://api.lybic.cn"

	// Per-call budget for control-plane requests. Screenshot downloads get
	// the same budget on a separate request.
	lybicCallTimeout = 30 * time.Second
)

// lybicClient is a thin REST client for the lybic sandbox API. All calls are
// single-attempt; retry policy lives in the adapter on top.
type lybicClient struct {
	base   string
	apiKey string
	orgID  string
	http   *http.Client
	logger logging.Logger
}

func newLybicClient(base, apiKey, orgID string, logger logging.Logger) *lybicClient {
	return &lybicClient{
		base:   strings.TrimRight(base, "/"),
		apiKey: apiKey,
		orgID:  orgID,
		http:   httpclient.New(lybicCallTimeout, logger),
		logger: logging.OrNop(logger),
	}
}

type createSandboxRequest struct {
	Name           string `json:"name"`
	MaxLifeSeconds int    `json:"maxLifeSeconds"`
	Shape          string `json:"shape,omitempty"`
	ProjectID      string `json:"projectId,omitempty"`
}

type sandboxRecord struct {
	ID     string `json:"id"`
	Shape  string `json:"shape,omitempty"`
	Status string `json:"status,omitempty"`
}

type previewResponse struct {
	ScreenShot     string `json:"screenShot"`
	CursorPosition *struct {
		X int `json:"x"`
		Y int `json:"y"`
	} `json:"cursorPosition,omitempty"`
}

func (c *lybicClient) createSandbox(ctx context.Context, req createSandboxRequest) (sandboxRecord, error) {
	var record sandboxRecord
	err := c.call(ctx, http.MethodPost, c.orgPath("sandboxes"), req, &record)
	if err != nil {
		return sandboxRecord{}, err
	}
	if record.ID == "" {
		return sandboxRecord{}, fmt.Errorf("sandbox create response missing id")
	}
	return record, nil
}

func (c *lybicClient) deleteSandbox(ctx context.Context, sid string) error {
	return c.call(ctx, http.MethodDelete, c.orgPath("sandboxes/"+sid), nil, nil)
}

// preview asks for the current screen. The response carries a short-lived
// URL to a webp capture plus the cursor position.
func (c *lybicClient) preview(ctx context.Context, sid string) (previewResponse, error) {
	var resp previewResponse
	err := c.call(ctx, http.MethodGet, c.orgPath("sandboxes/"+sid+"/preview"), nil, &resp)
	if err != nil {
		return previewResponse{}, err
	}
	if resp.ScreenShot == "" {
		return previewResponse{}, fmt.Errorf("preview response missing screenShot url")
	}
	return resp, nil
}

// execAction sends one computer-use action to the sandbox.
func (c *lybicClient) execAction(ctx context.Context, sid string, action map[string]any) error {
	payload := map[string]any{"action": action}
	return c.call(ctx, http.MethodPost, c.orgPath("sandboxes/"+sid+"/actions/computer-use"), payload, nil)
}

// download fetches raw bytes from a capture URL. The URL is pre-signed, so
// no auth headers are attached.
func (c *lybicClient) download(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, lybicCallTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &errors.HTTPError{StatusCode: resp.StatusCode, Status: resp.Status, Body: string(body)}
	}
	return io.ReadAll(resp.Body)
}

func (c *lybicClient) orgPath(suffix string) string {
	return fmt.Sprintf("%s/api/orgs/%s/%s", c.base, c.orgID, suffix)
}

func (c *lybicClient) call(ctx context.Context, method, url string, body any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, lybicCallTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("x-api-key", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &errors.HTTPError{StatusCode: resp.StatusCode, Status: resp.Status, Body: string(raw)}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", url, err)
	}
	return nil
}
