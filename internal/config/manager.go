package config

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// ChangedSubject carries live configuration changes
const ChangedSubject = "config.changed"

// Manager holds the current configuration and applies live updates
type Manager struct {
	client        *Client
	nats          *nats.Conn
	logger        *slog.Logger
	currentConfig *Config
	mu            sync.RWMutex
	subscribers   []func(*Config)
	sub           *nats.Subscription
}

// ChangeMessage is a configuration change published on config.changed
type ChangeMessage struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Scope     string          `json:"scope"`
	UpdatedBy string          `json:"updated_by"`
	Timestamp int64           `json:"timestamp"`
}

// NewManager creates a configuration manager. nc may be nil, which disables live updates.
func NewManager(configAPIURL string, nc *nats.Conn, logger *slog.Logger) *Manager {
	return &Manager{
		client:      NewClient(configAPIURL, logger),
		nats:        nc,
		logger:      logger,
		subscribers: make([]func(*Config), 0),
	}
}

// Initialize loads the initial snapshot, falling back to local, and subscribes to changes
func (m *Manager) Initialize(ctx context.Context, local *Config) error {
	m.logger.Info("Loading initial configuration snapshot")
	snapshot := local
	if m.client.baseURL != "" {
		snapshot = m.client.GetSnapshotWithFallback(ctx, local)
	}
	m.updateConfig(snapshot)

	if m.nats == nil {
		return nil
	}

	sub, err := m.nats.Subscribe(ChangedSubject, func(msg *nats.Msg) {
		m.handleConfigChange(msg.Data)
	})
	if err != nil {
		m.logger.Error("Failed to subscribe to config changes", "error", err)
		return err
	}
	m.sub = sub

	m.logger.Info("Configuration manager initialized", "subject", ChangedSubject)
	return nil
}

// Close stops listening for changes
func (m *Manager) Close() {
	if m.sub != nil {
		_ = m.sub.Unsubscribe()
	}
}

// GetCurrentConfig returns a copy of the current configuration
func (m *Manager) GetCurrentConfig() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.currentConfig == nil {
		return nil
	}
	return m.currentConfig.Clone()
}

// Subscribe adds a callback invoked with every new configuration
func (m *Manager) Subscribe(callback func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.subscribers = append(m.subscribers, callback)
}

// handleConfigChange applies one change message. Changes that leave the configuration
// invalid are dropped.
func (m *Manager) handleConfigChange(data []byte) {
	var change ChangeMessage
	if err := json.Unmarshal(data, &change); err != nil {
		m.logger.Error("Failed to unmarshal config change message", "error", err)
		return
	}

	m.logger.Info("Received configuration change",
		"key", change.Key,
		"updated_by", change.UpdatedBy,
		"timestamp", change.Timestamp)

	m.mu.Lock()
	current := m.currentConfig
	if current == nil {
		current = Default()
	}
	newConfig := current.Clone()

	if !Apply(newConfig, change.Key, change.Value) {
		m.mu.Unlock()
		m.logger.Debug("Ignoring unknown or unparsable configuration key", "key", change.Key)
		return
	}
	if err := newConfig.Validate(); err != nil {
		m.mu.Unlock()
		m.logger.Warn("Rejected configuration change", "key", change.Key, "error", err)
		return
	}
	if change.Timestamp > 0 {
		newConfig.LastUpdated = time.Unix(change.Timestamp, 0)
	} else {
		newConfig.LastUpdated = time.Now()
	}

	m.currentConfig = newConfig
	m.mu.Unlock()

	m.notifySubscribers(newConfig)

	m.logger.Info("Configuration updated live",
		"key", change.Key,
		"min_verifiers", newConfig.Consensus.MinVerifiers,
		"consensus_threshold", newConfig.Consensus.ConsensusThreshold,
		"high_confidence_threshold", newConfig.Credibility.HighConfidenceThreshold,
		"medium_confidence_threshold", newConfig.Credibility.MediumConfidenceThreshold)
}

// updateConfig replaces the current configuration and notifies subscribers
func (m *Manager) updateConfig(config *Config) {
	m.mu.Lock()
	m.currentConfig = config.Clone()
	m.mu.Unlock()

	m.notifySubscribers(config)
}

// notifySubscribers calls every subscriber synchronously, in registration order
func (m *Manager) notifySubscribers(config *Config) {
	m.mu.RLock()
	subscribers := make([]func(*Config), len(m.subscribers))
	copy(subscribers, m.subscribers)
	m.mu.RUnlock()

	for _, callback := range subscribers {
		func(cb func(*Config)) {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("Panic in config subscriber callback", "panic", r)
				}
			}()
			cb(config.Clone())
		}(callback)
	}
}

// Refresh fetches a fresh snapshot from the config API on top of the current configuration
func (m *Manager) Refresh(ctx context.Context) error {
	m.logger.Info("Refreshing configuration from config-api")

	current := m.GetCurrentConfig()
	if current == nil {
		current = Default()
	}

	snapshot, err := m.client.GetSnapshot(ctx, current)
	if err != nil {
		return err
	}
	m.updateConfig(snapshot)
	return nil
}
