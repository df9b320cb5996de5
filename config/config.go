// Package config loads the runtime's YAML-based configuration surface:
// cluster options, client (gateway) options, and planner options, following
// the pack's pattern of a thin Loader over gopkg.in/yaml.v3 with environment
// variable expansion.
package config

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

// ClusteringMode selects the persistence/clustering backend.
type ClusteringMode string

const (
	ClusteringLocalhost  ClusteringMode = "localhost"
	ClusteringRelational ClusteringMode = "relational"
	ClusteringCloudTable ClusteringMode = "cloud_table"
)

// ClusterOptions configures the cluster substrate.
type ClusterOptions struct {
	ClusterID               string         `yaml:"cluster_id"`
	ServiceID                string         `yaml:"service_id"`
	ClusteringMode           ClusteringMode `yaml:"clustering_mode"`
	ConnectionString         string         `yaml:"connection_string,omitempty"`
	StorageConnectionString string         `yaml:"storage_connection_string,omitempty"`
}

// ClientOptions configures the cluster client's connection/retry behavior.
type ClientOptions struct {
	ConnectionRetryCount     int           `yaml:"connection_retry_count"`
	ConnectionRetryDelay     time.Duration `yaml:"connection_retry_delay"`
	GatewayListRefreshPeriod time.Duration `yaml:"gateway_list_refresh_period"`
	ResponseTimeout          time.Duration `yaml:"response_timeout"`
}

// DefaultClientOptions matches the retry/timeout defaults named in the
// external interfaces surface (5 attempts, 3s delay, 30s response deadline).
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		ConnectionRetryCount:     5,
		ConnectionRetryDelay:     3 * time.Second,
		GatewayListRefreshPeriod: time.Minute,
		ResponseTimeout:          30 * time.Second,
	}
}

// Backoff paces reconnection attempts against a ClientOptions' retry policy:
// at most one permit every ConnectionRetryDelay, up to ConnectionRetryCount
// attempts. It is the connection-retry filter named in the external
// interfaces surface (5 attempts / 3s delay by default).
type Backoff struct {
	limiter *rate.Limiter
	max     int
	used    int
}

// NewBackoff builds a Backoff from opts.
func NewBackoff(opts ClientOptions) *Backoff {
	return &Backoff{
		limiter: rate.NewLimiter(rate.Every(opts.ConnectionRetryDelay), 1),
		max:     opts.ConnectionRetryCount,
	}
}

// Wait blocks until the next retry attempt is permitted, or returns false
// once ConnectionRetryCount attempts have already been spent.
func (b *Backoff) Wait(ctx context.Context) (bool, error) {
	if b.used >= b.max {
		return false, nil
	}
	b.used++
	if err := b.limiter.Wait(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// PlannerOptions configures compaction behavior. These are carried inside
// AgentConfiguration.Args on the wire but are decoded into this typed form
// for internal use.
type PlannerOptions struct {
	CompactionEnabled          bool    `yaml:"compaction_enabled"`
	CompactionKeepLastN        int     `yaml:"compaction_keep_last_n"`
	CompactionMaxContextTokens int     `yaml:"compaction_max_context_tokens"`
	CompactionThreshold        float64 `yaml:"compaction_threshold"`
}

// Config is the top-level YAML document.
type Config struct {
	Cluster ClusterOptions `yaml:"cluster"`
	Client  ClientOptions  `yaml:"client"`
	Planner PlannerOptions `yaml:"planner"`
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-[^}]*)?\}`)

// expandEnv replaces ${VAR} and ${VAR:-default} references with the current
// environment, following the convention used across the example pack's YAML
// loaders.
func expandEnv(raw []byte) []byte {
	return envPattern.ReplaceAllFunc(raw, func(match []byte) []byte {
		sub := envPattern.FindSubmatch(match)
		name := string(sub[1])
		if v, ok := os.LookupEnv(name); ok {
			return []byte(v)
		}
		if len(sub[2]) > 0 {
			return sub[2][2:]
		}
		return nil
	})
}

// Load reads a YAML document from path, expands environment references, and
// decodes it into a Config with ClientOptions defaults pre-applied.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes an in-memory YAML document, applying the same environment
// expansion and defaulting as Load.
func Parse(raw []byte) (*Config, error) {
	cfg := &Config{Client: DefaultClientOptions()}
	expanded := expandEnv(raw)
	if err := yaml.Unmarshal(expanded, cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if cfg.Cluster.ClusteringMode == "" {
		cfg.Cluster.ClusteringMode = ClusteringLocalhost
	}
	return cfg, nil
}
