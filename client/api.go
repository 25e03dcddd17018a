package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/petal-labs/livepipe/protocol"
)

// HTTPPuller pulls snapshots from a livepipe server's REST API.
type HTTPPuller struct {
	// BaseURL is the server root, e.g. http://localhost:3000.
	BaseURL string
	Client  *http.Client
}

// Events implements Puller.
func (p HTTPPuller) Events(ctx context.Context, limit int) ([]protocol.EventRecord, error) {
	var body struct {
		Events []protocol.EventRecord `json:"events"`
	}
	if err := p.get(ctx, "/api/events", url.Values{"limit": {strconv.Itoa(limit)}}, &body); err != nil {
		return nil, err
	}
	return body.Events, nil
}

// Gallery implements Puller.
func (p HTTPPuller) Gallery(ctx context.Context, limit int) ([]protocol.GalleryItem, error) {
	var body struct {
		Items []protocol.GalleryItem `json:"items"`
	}
	if err := p.get(ctx, "/api/gallery", url.Values{"limit": {strconv.Itoa(limit)}}, &body); err != nil {
		return nil, err
	}
	return body.Items, nil
}

// Stats implements Puller.
func (p HTTPPuller) Stats(ctx context.Context) (protocol.Stats, error) {
	var stats protocol.Stats
	err := p.get(ctx, "/api/stats", nil, &stats)
	return stats, err
}

func (p HTTPPuller) get(ctx context.Context, path string, query url.Values, out any) error {
	u := strings.TrimRight(p.BaseURL, "/") + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("client: build request: %w", err)
	}
	httpClient := p.Client
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("client: GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("client: GET %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decode %s: %w", path, err)
	}
	return nil
}
