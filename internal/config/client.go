package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Client fetches configuration entries from the config API
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Entry is one configuration entry from the API
type Entry struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Scope     string          `json:"scope"`
	UpdatedBy string          `json:"updated_by"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// NewClient creates a new configuration client
func NewClient(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// GetSnapshot fetches every entry and applies the known ones on top of base
func (c *Client) GetSnapshot(ctx context.Context, base *Config) (*Config, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("no config API configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/config", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build config request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch config: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("config-api returned status %d", resp.StatusCode)
	}

	var response struct {
		Configs []Entry `json:"configs"`
		Count   int     `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode config response: %w", err)
	}

	snapshot := base.Clone()
	applied := 0
	for _, entry := range response.Configs {
		if Apply(snapshot, entry.Key, entry.Value) {
			applied++
		}
	}

	if err := snapshot.Validate(); err != nil {
		return nil, fmt.Errorf("config-api snapshot rejected: %w", err)
	}
	snapshot.LastUpdated = time.Now()

	c.logger.Info("Configuration snapshot loaded",
		"config_count", response.Count,
		"applied", applied,
		"min_verifiers", snapshot.Consensus.MinVerifiers,
		"consensus_threshold", snapshot.Consensus.ConsensusThreshold,
		"high_confidence_threshold", snapshot.Credibility.HighConfidenceThreshold)

	return snapshot, nil
}

// GetSnapshotWithFallback fetches a snapshot and falls back to base on any failure
func (c *Client) GetSnapshotWithFallback(ctx context.Context, base *Config) *Config {
	snapshot, err := c.GetSnapshot(ctx, base)
	if err != nil {
		c.logger.Warn("Failed to fetch config snapshot, using local configuration", "error", err)
		return base
	}
	return snapshot
}
