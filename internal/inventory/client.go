package inventory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/cast"

	"github.com/groupcore-lab/groupcore/internal/config"
	coreerrors "github.com/groupcore-lab/groupcore/internal/core/errors"
	"github.com/groupcore-lab/groupcore/internal/schema"
)

// Client talks to the inventory service over HTTP. It is the source of
// truth for object type metadata and for entity payloads fetched by id.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// ProcessDefinition is the lifecycle process bound to an object type.
type ProcessDefinition struct {
	Name    string
	Version int
}

func NewClient(cfg config.UpstreamConfig, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.EffectiveTimeout()},
		logger:  logger,
	}
}

type attributePayload struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Multiple bool   `json:"multiply"`
}

// ObjectTypeAttributes fetches the declared attributes of one object type.
// It satisfies schema.AttributeSource.
func (c *Client) ObjectTypeAttributes(ctx context.Context, objectTypeID int) ([]schema.Attribute, error) {
	var out struct {
		Attrs []attributePayload `json:"attrs"`
	}
	path := fmt.Sprintf("/api/object-types/%d/attributes", objectTypeID)
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}

	attrs := make([]schema.Attribute, 0, len(out.Attrs))
	for _, a := range out.Attrs {
		attrs = append(attrs, schema.Attribute{
			Name:     a.Name,
			Type:     a.Type,
			Multiple: a.Multiple,
		})
	}
	return attrs, nil
}

type entityPayload struct {
	Fields map[string]any `json:"fields"`
	Params []struct {
		ID    int64 `json:"id"`
		Value any   `json:"value"`
	} `json:"params"`
}

// EntitiesByIDs fetches full entity payloads for the given ids and flattens
// each into a single row: entity fields keep their names, parameter values
// are keyed by the decimal parameter id.
func (c *Client) EntitiesByIDs(ctx context.Context, objectTypeID int, ids []int64) ([]map[string]any, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var out struct {
		Objects []entityPayload `json:"objects"`
	}
	path := fmt.Sprintf("/api/object-types/%d/entities", objectTypeID)
	if err := c.post(ctx, path, map[string]any{"ids": ids}, &out); err != nil {
		return nil, err
	}

	rows := make([]map[string]any, 0, len(out.Objects))
	for _, obj := range out.Objects {
		row := make(map[string]any, len(obj.Fields)+len(obj.Params))
		for k, v := range obj.Fields {
			row[k] = v
		}
		for _, p := range obj.Params {
			row[strconv.FormatInt(p.ID, 10)] = p.Value
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// ObjectTypeInfo fetches the lifecycle process definition per object type.
// The upstream encodes it as "name:version".
func (c *Client) ObjectTypeInfo(ctx context.Context, ids []int) (map[int]ProcessDefinition, error) {
	var out struct {
		Info map[string]struct {
			LifecycleProcessDefinition string `json:"lifecycle_process_definition"`
		} `json:"info"`
	}
	if err := c.post(ctx, "/api/object-types/info", map[string]any{"ids": ids}, &out); err != nil {
		return nil, err
	}

	defs := make(map[int]ProcessDefinition, len(out.Info))
	for key, info := range out.Info {
		id := cast.ToInt(key)
		name, version, ok := strings.Cut(info.LifecycleProcessDefinition, ":")
		if !ok {
			c.logger.Warn("[Inventory] Malformed lifecycle process definition",
				"object_type", id, "value", info.LifecycleProcessDefinition)
			continue
		}
		defs[id] = ProcessDefinition{Name: name, Version: cast.ToInt(version)}
	}
	return defs, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build inventory request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode inventory request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build inventory request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		if urlErr, ok := err.(*url.Error); ok && urlErr.Timeout() {
			return fmt.Errorf("inventory request timed out: %w", coreerrors.ErrUpstreamUnavailable)
		}
		return fmt.Errorf("inventory request failed: %w", coreerrors.ErrUpstreamUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("inventory %s: %w", req.URL.Path, coreerrors.ErrNotFound)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("inventory returned %d: %w", resp.StatusCode, coreerrors.ErrUpstreamUnavailable)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("inventory returned %d: %s", resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode inventory response: %w", err)
	}
	return nil
}
