// Package knowledge syncs project snapshots to an external semantic
// index. The index is an optional collaborator: sync failures are logged
// by callers and never block the workflow.
package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Snapshot is the observability payload pushed once per completed phase.
type Snapshot struct {
	Project        string    `json:"project"`
	Phase          string    `json:"phase"`
	CompletedSteps []string  `json:"completed_steps"`
	EntityCount    int       `json:"entity_count"`
	SceneCount     int       `json:"scene_count"`
	TotalWords     int       `json:"total_words"`
	Timestamp      time.Time `json:"timestamp"`
}

// Stats is what the index reports back after a sync.
type Stats struct {
	IndexedDocuments int `json:"indexed_documents"`
	SkippedDocuments int `json:"skipped_documents"`
}

type Index interface {
	Sync(ctx context.Context, snapshot Snapshot) (Stats, error)
}

// HTTPIndex syncs snapshots to a remote index over JSON.
type HTTPIndex struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPIndex(baseURL string) *HTTPIndex {
	return &HTTPIndex{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (h *HTTPIndex) Sync(ctx context.Context, snapshot Snapshot) (Stats, error) {
	body, err := json.Marshal(snapshot)
	if err != nil {
		return Stats{}, fmt.Errorf("marshaling snapshot: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/sync", bytes.NewReader(body))
	if err != nil {
		return Stats{}, fmt.Errorf("building sync request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return Stats{}, fmt.Errorf("posting snapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Stats{}, fmt.Errorf("sync rejected with status %d", resp.StatusCode)
	}

	var stats Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return Stats{}, fmt.Errorf("decoding sync stats: %w", err)
	}

	return stats, nil
}

// Noop satisfies Index when no index is configured.
type Noop struct{}

func (Noop) Sync(ctx context.Context, snapshot Snapshot) (Stats, error) {
	return Stats{}, nil
}
