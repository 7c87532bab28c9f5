package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ramin-karimi/facegraph/config"
	"github.com/ramin-karimi/facegraph/internal/store"
)

// HTTPSource fetches recent profile media from a feed service:
// GET {base}/profiles/{username}/media?limit=N.
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSource builds the source, or nil when no base URL is configured so
// the scanner degrades to a no-op.
func NewHTTPSource(cfg config.IngestConfig) *HTTPSource {
	if cfg.SourceBaseURL == "" {
		return nil
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSource{baseURL: cfg.SourceBaseURL, client: &http.Client{Timeout: timeout}}
}

type sourceItem struct {
	ID        string     `json:"id"`
	Kind      string     `json:"kind"`
	MediaURL  string     `json:"media_url"`
	Permalink string     `json:"permalink"`
	Caption   string     `json:"caption"`
	PostedAt  *time.Time `json:"posted_at"`
}

type sourceResponse struct {
	Items []sourceItem `json:"items"`
}

func (s *HTTPSource) FetchRecent(ctx context.Context, scope store.ProfileScope, limit int) ([]store.ContentItem, error) {
	endpoint := fmt.Sprintf("%s/profiles/%s/media?limit=%s",
		s.baseURL, url.PathEscape(scope.Username), strconv.Itoa(limit))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build source request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch profile media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch profile media: unexpected status %d", resp.StatusCode)
	}

	var payload sourceResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode profile media: %w", err)
	}

	out := make([]store.ContentItem, 0, len(payload.Items))
	for _, item := range payload.Items {
		kind := item.Kind
		if kind == "" {
			kind = store.ContentKindPost
		}
		out = append(out, store.ContentItem{
			ID:        item.ID,
			ScopeID:   scope.ID,
			Kind:      kind,
			MediaURL:  item.MediaURL,
			Permalink: item.Permalink,
			Caption:   item.Caption,
			PostedAt:  item.PostedAt,
		})
	}
	return out, nil
}
