package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/groupcore-lab/groupcore/internal/config"
	coreerrors "github.com/groupcore-lab/groupcore/internal/core/errors"
	"github.com/groupcore-lab/groupcore/internal/store"
)

// pageSize is the row window requested per search call.
const pageSize = 10_000

// maxAttempts bounds the retries of a single page request.
const maxAttempts = 3

// Client talks to the search service over HTTP. It evaluates column
// filters against materialized entity rows.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

func NewClient(cfg config.UpstreamConfig, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.EffectiveTimeout()},
		logger:  logger,
	}
}

// GroupingValue is one grouping key with its concrete value in a combination.
type GroupingValue struct {
	GroupedBy     string `json:"grouped_by"`
	GroupingValue string `json:"grouping_value"`
}

// Combination is one distinct grouping-key combination with its row count.
type Combination struct {
	Group    []GroupingValue `json:"group"`
	Quantity int             `json:"quantity"`
}

type entitiesRequest struct {
	ObjectTypeID int              `json:"tmo_id"`
	Filters      []map[string]any `json:"filters,omitempty"`
	Ranges       map[string]any   `json:"ranges,omitempty"`
	Limit        map[string]int   `json:"limit"`
}

// Entities fetches every row matching the filters, paging until the
// upstream runs out of data. Each page is retried before giving up.
func (c *Client) Entities(ctx context.Context, objectTypeID int, filters []map[string]any, ranges map[string]any) ([]map[string]any, error) {
	var result []map[string]any
	offset := 0
	for offset <= len(result)+1 {
		req := entitiesRequest{
			ObjectTypeID: objectTypeID,
			Filters:      filters,
			Ranges:       ranges,
			Limit:        map[string]int{"limit": pageSize, "offset": offset},
		}
		var page struct {
			Objects []map[string]any `json:"objects"`
		}
		if err := c.postWithRetry(ctx, "/api/processes", req, &page); err != nil {
			return nil, err
		}
		result = append(result, page.Objects...)
		offset += pageSize
	}
	c.logger.Debug("[Search] Collected entities", "object_type", objectTypeID, "rows", len(result))
	return result, nil
}

type combinationsRequest struct {
	ObjectTypeID int              `json:"tmo_id"`
	Filters      []map[string]any `json:"filters,omitempty"`
	Ranges       map[string]any   `json:"ranges,omitempty"`
	GroupBy      []string         `json:"group_by"`
	MinQuantity  int              `json:"min_group_qty"`
}

// Combinations fetches the distinct grouping-key combinations for a
// template, with the row count per combination.
func (c *Client) Combinations(ctx context.Context, t *store.GroupTemplate) ([]Combination, error) {
	req := combinationsRequest{
		ObjectTypeID: t.ObjectTypeID,
		Filters:      t.ColumnFilters,
		Ranges:       t.RangesObject,
		GroupBy:      t.GroupingKeys,
		MinQuantity:  t.MinQuantity,
	}
	var out struct {
		Items []Combination `json:"items"`
	}
	if err := c.postWithRetry(ctx, "/api/processes/groups", req, &out); err != nil {
		return nil, err
	}
	c.logger.Debug("[Search] Collected combinations", "template", t.Name, "combinations", len(out.Items))
	return out.Items, nil
}

func (c *Client) postWithRetry(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode search request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = c.post(ctx, path, payload, out)
		if lastErr == nil {
			return nil
		}
		c.logger.Warn("[Search] Request failed", "path", path, "attempt", attempt, "error", lastErr)
	}
	return fmt.Errorf("search %s failed after %d attempts: %w", path, maxAttempts, coreerrors.ErrUpstreamUnavailable)
}

func (c *Client) post(ctx context.Context, path string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("search returned %d: %s", resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode search response: %w", err)
	}
	return nil
}

// EnsureStatusFilter appends the default "status isNotEmpty" condition
// unless the caller already filters on status.
func EnsureStatusFilter(filters []map[string]any) []map[string]any {
	for _, f := range filters {
		if name, ok := f["columnName"].(string); ok && name == "status" {
			return filters
		}
	}
	return append(filters, map[string]any{
		"columnName": "status",
		"rule":       "and",
		"filters":    []map[string]any{{"operator": "isNotEmpty", "value": ""}},
	})
}

// IDFilter builds an explicit-candidate filter matching the given entity ids.
func IDFilter(ids []int64) []map[string]any {
	values := make([]string, 0, len(ids))
	for _, id := range ids {
		values = append(values, strconv.FormatInt(id, 10))
	}
	return []map[string]any{{
		"columnName": "id",
		"rule":       "and",
		"filters":    []map[string]any{{"operator": "isAnyOf", "value": values}},
	}}
}
