package insight

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Client posts Statistics to a remote narrative service.
type Client struct {
	url        string
	httpClient *http.Client
}

// NewClient creates a narrative client.
// Returns nil if url is empty (narratives disabled).
func NewClient(url string) *Client {
	if url == "" {
		return nil
	}
	return &Client{
		url: url,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Enabled returns true if the client has an endpoint.
func (c *Client) Enabled() bool {
	return c != nil && c.url != ""
}

type response struct {
	Narrative string `json:"narrative"`
}

// Explain sends the statistics and returns the narrative text.
func (c *Client) Explain(ctx context.Context, s Statistics) (string, error) {
	if !c.Enabled() {
		return "", fmt.Errorf("insight client not configured")
	}

	body, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("marshal statistics: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("insight call: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("insight error %d: %s", resp.StatusCode, string(respBody))
	}

	var r response
	if err := json.Unmarshal(respBody, &r); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	if r.Narrative == "" {
		return "", fmt.Errorf("insight returned an empty narrative")
	}
	slog.Debug("insight narrative received", "bytes", len(r.Narrative), "elapsed", time.Since(start).String())
	return r.Narrative, nil
}

// Fallback tries primary and falls back to the built-in summary on error.
type Fallback struct {
	Primary Explainer
}

// Explain implements Explainer.
func (f Fallback) Explain(ctx context.Context, s Statistics) (string, error) {
	if f.Primary != nil {
		text, err := f.Primary.Explain(ctx, s)
		if err == nil {
			return text, nil
		}
		slog.Warn("insight collaborator failed, using summary", "err", err)
	}
	return Summary{}.Explain(ctx, s)
}
