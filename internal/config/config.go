package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sgerhart/aegisflux/backend/consensus/internal/consensus"
	"github.com/sgerhart/aegisflux/backend/consensus/internal/credibility"
)

// Config is the full service configuration
type Config struct {
	AgentID      string             `yaml:"agent_id" json:"agent_id"`
	ConfigAPIURL string             `yaml:"config_api_url" json:"config_api_url"`
	Consensus    consensus.Config   `yaml:"consensus" json:"consensus"`
	Credibility  credibility.Config `yaml:"credibility" json:"credibility"`
	Transport    TransportConfig    `yaml:"transport" json:"transport"`
	HTTP         HTTPConfig         `yaml:"http" json:"http"`
	Store        StoreConfig        `yaml:"store" json:"store"`
	Pipeline     PipelineConfig     `yaml:"pipeline" json:"pipeline"`
	Persist      PersistConfig      `yaml:"persist" json:"persist"`
	Schedule     ScheduleConfig     `yaml:"schedule" json:"schedule"`
	Indicators   IndicatorsConfig   `yaml:"indicators" json:"indicators"`
	Signing      SigningConfig      `yaml:"signing" json:"signing"`
	LastUpdated  time.Time          `yaml:"-" json:"last_updated"`
}

// TransportConfig configures the NATS peer transport
type TransportConfig struct {
	NATSURL  string `yaml:"nats_url" json:"nats_url"`
	Compress bool   `yaml:"compress" json:"compress"`
}

// HTTPConfig configures the HTTP API
type HTTPConfig struct {
	Addr string `yaml:"addr" json:"addr"`
}

// StoreConfig sizes the enhanced evidence store
type StoreConfig struct {
	MaxEvidence int `yaml:"max_evidence" json:"max_evidence"`
	DedupeCap   int `yaml:"dedupe_cap" json:"dedupe_cap"`
}

// PipelineConfig controls how long buffered evidence waits for correlation
type PipelineConfig struct {
	WindowSeconds int `yaml:"window_seconds" json:"window_seconds"`
	MaxBuffered   int `yaml:"max_buffered" json:"max_buffered"`
}

// PersistConfig configures trust persistence. An empty path disables it.
type PersistConfig struct {
	Path string `yaml:"path" json:"path"`
}

// ScheduleConfig holds cron specs for the periodic jobs
type ScheduleConfig struct {
	Cleanup  string `yaml:"cleanup" json:"cleanup"`
	Flush    string `yaml:"flush" json:"flush"`
	Snapshot string `yaml:"snapshot" json:"snapshot"`
}

// IndicatorsConfig points at the indicator files
type IndicatorsConfig struct {
	Dir        string `yaml:"dir" json:"dir"`
	HotReload  bool   `yaml:"hot_reload" json:"hot_reload"`
	DebounceMs int    `yaml:"debounce_ms" json:"debounce_ms"`
}

// SigningConfig holds this node's key and the keys of known peers
type SigningConfig struct {
	PrivateKey string            `yaml:"private_key" json:"-"`
	PeerKeys   map[string]string `yaml:"peer_keys" json:"peer_keys"`
}

// Default returns the stock configuration
func Default() *Config {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "local"
	}

	return &Config{
		AgentID:      "agent-" + hostname,
		ConfigAPIURL: "",
		Consensus:    consensus.DefaultConfig(),
		Credibility:  credibility.DefaultConfig(),
		Transport: TransportConfig{
			NATSURL:  "nats://localhost:4222",
			Compress: true,
		},
		HTTP: HTTPConfig{Addr: ":8086"},
		Store: StoreConfig{
			MaxEvidence: 10000,
			DedupeCap:   100000,
		},
		Pipeline: PipelineConfig{
			WindowSeconds: 300,
			MaxBuffered:   10000,
		},
		Persist: PersistConfig{Path: "consensus.db"},
		Schedule: ScheduleConfig{
			Cleanup:  "@every 30s",
			Flush:    "@every 10s",
			Snapshot: "@every 5m",
		},
		Indicators: IndicatorsConfig{
			Dir:        "",
			HotReload:  false,
			DebounceMs: 1000,
		},
		Signing: SigningConfig{PeerKeys: map[string]string{}},
	}
}

// Load builds the configuration from defaults, an optional YAML file and CONSENSUS_*
// environment variables, in that order of precedence
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.LastUpdated = time.Now()
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.AgentID = getEnv("CONSENSUS_AGENT_ID", cfg.AgentID)
	cfg.ConfigAPIURL = getEnv("CONSENSUS_CONFIG_API_URL", cfg.ConfigAPIURL)

	cfg.Consensus.MinVerifiers = getEnvInt("CONSENSUS_MIN_VERIFIERS", cfg.Consensus.MinVerifiers)
	cfg.Consensus.VerificationTimeoutSeconds = int64(getEnvInt("CONSENSUS_VERIFICATION_TIMEOUT_SECONDS",
		int(cfg.Consensus.VerificationTimeoutSeconds)))
	cfg.Consensus.ConsensusThreshold = getEnvFloat("CONSENSUS_THRESHOLD", cfg.Consensus.ConsensusThreshold)
	cfg.Consensus.ReputationThreshold = getEnvFloat("CONSENSUS_REPUTATION_THRESHOLD", cfg.Consensus.ReputationThreshold)
	cfg.Consensus.ResultCacheSize = getEnvInt("CONSENSUS_RESULT_CACHE_SIZE", cfg.Consensus.ResultCacheSize)
	cfg.Consensus.VerifyUncorrelatedLocal = getEnvBool("CONSENSUS_VERIFY_UNCORRELATED_LOCAL", cfg.Consensus.VerifyUncorrelatedLocal)

	cfg.Credibility.HighConfidenceThreshold = getEnvFloat("CONSENSUS_HIGH_CONFIDENCE_THRESHOLD", cfg.Credibility.HighConfidenceThreshold)
	cfg.Credibility.MediumConfidenceThreshold = getEnvFloat("CONSENSUS_MEDIUM_CONFIDENCE_THRESHOLD", cfg.Credibility.MediumConfidenceThreshold)
	cfg.Credibility.RecencyWindowSeconds = int64(getEnvInt("CONSENSUS_RECENCY_WINDOW_SECONDS",
		int(cfg.Credibility.RecencyWindowSeconds)))

	cfg.Transport.NATSURL = getEnv("CONSENSUS_NATS_URL", cfg.Transport.NATSURL)
	cfg.Transport.Compress = getEnvBool("CONSENSUS_COMPRESS", cfg.Transport.Compress)
	cfg.HTTP.Addr = getEnv("CONSENSUS_HTTP_ADDR", cfg.HTTP.Addr)
	cfg.Store.MaxEvidence = getEnvInt("CONSENSUS_MAX_EVIDENCE", cfg.Store.MaxEvidence)
	cfg.Store.DedupeCap = getEnvInt("CONSENSUS_DEDUPE_CAP", cfg.Store.DedupeCap)
	cfg.Pipeline.WindowSeconds = getEnvInt("CONSENSUS_WINDOW_SECONDS", cfg.Pipeline.WindowSeconds)
	cfg.Persist.Path = getEnv("CONSENSUS_DB_PATH", cfg.Persist.Path)
	cfg.Indicators.Dir = getEnv("CONSENSUS_INDICATORS_DIR", cfg.Indicators.Dir)
	cfg.Indicators.HotReload = getEnvBool("CONSENSUS_HOT_RELOAD", cfg.Indicators.HotReload)
	cfg.Indicators.DebounceMs = getEnvInt("CONSENSUS_DEBOUNCE_MS", cfg.Indicators.DebounceMs)
	cfg.Signing.PrivateKey = getEnv("CONSENSUS_SIGNING_KEY", cfg.Signing.PrivateKey)
}

// Validate checks every section
func (c *Config) Validate() error {
	if c.AgentID == "" {
		return fmt.Errorf("agent_id is required")
	}
	if err := c.Consensus.Validate(); err != nil {
		return fmt.Errorf("consensus: %w", err)
	}
	if err := c.Credibility.Validate(); err != nil {
		return fmt.Errorf("credibility: %w", err)
	}
	if c.Store.MaxEvidence <= 0 || c.Store.DedupeCap <= 0 {
		return fmt.Errorf("store: max_evidence and dedupe_cap must be positive")
	}
	if c.Pipeline.WindowSeconds <= 0 || c.Pipeline.MaxBuffered <= 0 {
		return fmt.Errorf("pipeline: window_seconds and max_buffered must be positive")
	}
	if c.Schedule.Cleanup == "" || c.Schedule.Flush == "" {
		return fmt.Errorf("schedule: cleanup and flush specs are required")
	}
	return nil
}

// Clone returns a deep copy
func (c *Config) Clone() *Config {
	out := *c
	out.Signing.PeerKeys = make(map[string]string, len(c.Signing.PeerKeys))
	for k, v := range c.Signing.PeerKeys {
		out.Signing.PeerKeys[k] = v
	}
	return &out
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an environment variable as an integer with a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat gets an environment variable as a float with a default value
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// getEnvBool gets an environment variable as a boolean with a default value
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultValue
}
