package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/loykin/sidekick/internal/history"
)

// Sink sends events to OpenSearch via HTTP.
// Events are indexed with POST {baseURL}/{index}/_doc and read back with
// _search.
type Sink struct {
	client  *http.Client
	baseURL string
	index   string
}

func New(baseURL, index string) *Sink {
	c := &http.Client{Timeout: 5 * time.Second}
	if index == "" {
		index = strings.ReplaceAll(history.DefaultTable, "_", "-")
	}
	return &Sink{client: c, baseURL: strings.TrimRight(baseURL, "/"), index: index}
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	resp, err := s.post(ctx, "_doc", e)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	return nil
}

type searchRequest struct {
	Size int              `json:"size"`
	Sort []map[string]any `json:"sort"`
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			Source history.Event `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// Recent queries the index for the newest events, sorted by occurred_at.
// A missing index yields no events.
func (s *Sink) Recent(ctx context.Context, limit int) ([]history.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	q := searchRequest{
		Size: limit,
		Sort: []map[string]any{{"occurred_at": map[string]string{"order": "desc"}}},
	}
	resp, err := s.post(ctx, "_search", q)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && se.code == http.StatusNotFound {
			return []history.Event{}, nil
		}
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	var sr searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("decode opensearch response: %w", err)
	}
	out := make([]history.Event, 0, len(sr.Hits.Hits))
	for _, h := range sr.Hits.Hits {
		out = append(out, h.Source)
	}
	return out, nil
}

type statusError struct{ code int }

func (e *statusError) Error() string { return fmt.Sprintf("opensearch sink status %d", e.code) }

// post sends v as JSON to index/op. The caller closes the body of a
// successful response.
func (s *Sink) post(ctx context.Context, op string, v any) (*http.Response, error) {
	u := fmt.Sprintf("%s/%s/%s", s.baseURL, s.index, op)
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		_ = resp.Body.Close()
		return nil, &statusError{code: resp.StatusCode}
	}
	return resp, nil
}
