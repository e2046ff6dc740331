package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPClient implements Client against the sandbox HTTP API.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	baseURL = strings.TrimRight(baseURL, "/")
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *HTTPClient) StartProcess(ctx context.Context, sketchID, command, workDir string) error {
	body := map[string]any{"command": command, "work_dir": workDir}
	return c.doJSON(ctx, http.MethodPost, "/v1/sandboxes/"+url.PathEscape(sketchID)+"/processes", nil, body, nil)
}

func (c *HTTPClient) WaitForPort(ctx context.Context, sketchID string, port int) error {
	path := fmt.Sprintf("/v1/sandboxes/%s/ports/%d/wait", url.PathEscape(sketchID), port)
	return c.doJSON(ctx, http.MethodPost, path, nil, nil, nil)
}

func (c *HTTPClient) ExposePort(ctx context.Context, sketchID string, port int, hostname string) (string, error) {
	path := fmt.Sprintf("/v1/sandboxes/%s/ports/%d/expose", url.PathEscape(sketchID), port)
	var out struct {
		URL string `json:"url"`
	}
	if err := c.doJSON(ctx, http.MethodPost, path, nil, map[string]any{"hostname": hostname, "token": c.token}, &out); err != nil {
		return "", err
	}
	return out.URL, nil
}

func (c *HTTPClient) UnexposePort(ctx context.Context, sketchID string, port int) error {
	path := fmt.Sprintf("/v1/sandboxes/%s/ports/%d/expose", url.PathEscape(sketchID), port)
	return c.doJSON(ctx, http.MethodDelete, path, nil, nil, nil)
}

func (c *HTTPClient) ReadFile(ctx context.Context, sketchID, path string) (string, error) {
	q := url.Values{"path": []string{path}}
	var out struct {
		Content string `json:"content"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/sandboxes/"+url.PathEscape(sketchID)+"/files", q, nil, &out); err != nil {
		return "", err
	}
	return out.Content, nil
}

func (c *HTTPClient) WriteFile(ctx context.Context, sketchID, path, content string) error {
	body := map[string]any{"path": path, "content": content}
	return c.doJSON(ctx, http.MethodPut, "/v1/sandboxes/"+url.PathEscape(sketchID)+"/files", nil, body, nil)
}

func (c *HTTPClient) doJSON(ctx context.Context, method, path string, q url.Values, body any, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return &HTTPError{
			Method:     method,
			Path:       path,
			Status:     resp.Status,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(b)),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
