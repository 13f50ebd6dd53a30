package config

import (
	"fmt"
	"time"
)

// ChainSettings configures one EVM chain for the ingestor (§3 Chain entity).
// Environment variables follow the pattern {CHAIN}_RPC_WS / {CHAIN}_RPC_HTTP
// named in §6.
type ChainSettings struct {
	ChainID     uint64 `mapstructure:"chain_id"`
	DisplayName string `mapstructure:"display_name"`
	WSURL       string `mapstructure:"ws_url"`
	HTTPURL     string `mapstructure:"http_url"`
}

// RedisSettings configures the bus client (C2).
type RedisSettings struct {
	Addresses    []string      `mapstructure:"addresses"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
}

// ConfigStoreSettings configures C1.
type ConfigStoreSettings struct {
	DSN             string        `mapstructure:"dsn"`
	CacheTTL        time.Duration `mapstructure:"cache_ttl"`
	CacheSize       int           `mapstructure:"cache_size"`
}

// EventStoreSettings configures C3.
type EventStoreSettings struct {
	Addresses       []string      `mapstructure:"addresses"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	BatchSize       int           `mapstructure:"batch_size"`
	BatchTimeout    time.Duration `mapstructure:"batch_timeout"`
	FlushDeadline   time.Duration `mapstructure:"flush_deadline"`
	MaxBufferedRows int           `mapstructure:"max_buffered_rows"`
}

// IngestorSettings configures C4.
type IngestorSettings struct {
	DedupCacheSize      int           `mapstructure:"dedup_cache_size"`
	DedupWindow         time.Duration `mapstructure:"dedup_window"`
	ReconnectBaseDelay  time.Duration `mapstructure:"reconnect_base_delay"`
	ReconnectMaxDelay   time.Duration `mapstructure:"reconnect_max_delay"`
	HeartbeatTimeout    time.Duration `mapstructure:"heartbeat_timeout"`
	BackfillLookback    uint64        `mapstructure:"backfill_lookback"`
	DegradedBufferSize  int           `mapstructure:"degraded_buffer_size"`
	PublishRetryBudget  time.Duration `mapstructure:"publish_retry_budget"`
}

// ProcessorSettings configures C5.
type ProcessorSettings struct {
	WorkersPerChain      int    `mapstructure:"workers_per_chain"`
	ConsumerGroup        string `mapstructure:"consumer_group"`
	DeliveryShardCount   int    `mapstructure:"delivery_shard_count"`
	MaxMatchesPerLog     int    `mapstructure:"max_matches_per_log"`
	ClaimMinIdle         time.Duration `mapstructure:"claim_min_idle"`
}

// DeliverySettings configures C6.
type DeliverySettings struct {
	WorkersPerShard       int           `mapstructure:"workers_per_shard"`
	ConsumerGroup         string        `mapstructure:"consumer_group"`
	RequestTimeout        time.Duration `mapstructure:"request_timeout"`
	MaxRedirects          int           `mapstructure:"max_redirects"`
	HTTPPoolSize          int           `mapstructure:"http_pool_size"`
	MaxRetries            uint32        `mapstructure:"max_retries"`
	RetryBaseDelay        time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay         time.Duration `mapstructure:"retry_max_delay"`
	RetryMultiplier       float64       `mapstructure:"retry_multiplier"`
	RetryJitter           float64       `mapstructure:"retry_jitter"`
	CircuitFailureThreshold int         `mapstructure:"circuit_failure_threshold"`
	CircuitCooldown       time.Duration `mapstructure:"circuit_cooldown"`
	CircuitHalfOpenMax    int           `mapstructure:"circuit_half_open_max"`
	CircuitProbeSuccess   int           `mapstructure:"circuit_probe_success"`
	DefaultRateLimitPerMin int          `mapstructure:"default_rate_limit_per_minute"`
	ClaimMinIdle          time.Duration `mapstructure:"claim_min_idle"`
}

// ObservabilitySettings configures logging/metrics/tracing.
type ObservabilitySettings struct {
	LogLevel         string `mapstructure:"log_level"`
	MetricsEnabled   bool   `mapstructure:"metrics_enabled"`
	MetricsAddr      string `mapstructure:"metrics_addr"`
	MetricsNamespace string `mapstructure:"metrics_namespace"`
	TracingEnabled   bool   `mapstructure:"tracing_enabled"`
	TracingEndpoint  string `mapstructure:"tracing_endpoint"`
}

// Settings is the fully merged, unmarshaled configuration for any of the
// three pipeline processes. A single schema is shared; each cmd/ entrypoint
// reads only the sections it needs.
type Settings struct {
	Environment   string                `mapstructure:"environment"`
	ShutdownGrace time.Duration         `mapstructure:"shutdown_grace"`
	Chains        []ChainSettings       `mapstructure:"chains"`
	Redis         RedisSettings         `mapstructure:"redis"`
	ConfigStore   ConfigStoreSettings   `mapstructure:"config_store"`
	EventStore    EventStoreSettings    `mapstructure:"event_store"`
	Ingestor      IngestorSettings      `mapstructure:"ingestor"`
	Processor     ProcessorSettings     `mapstructure:"processor"`
	Delivery      DeliverySettings      `mapstructure:"delivery"`
	Observability ObservabilitySettings `mapstructure:"observability"`
}

// DefaultSettings returns the §4-defined defaults, overridable by config
// files and environment variables layered on top.
func DefaultSettings() *Settings {
	return &Settings{
		ShutdownGrace: 30 * time.Second,
		Redis: RedisSettings{
			Addresses:    []string{"localhost:6379"},
			DialTimeout:  5 * time.Second,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
			PoolSize:     10,
		},
		ConfigStore: ConfigStoreSettings{
			CacheTTL:  60 * time.Second,
			CacheSize: 10000,
		},
		EventStore: EventStoreSettings{
			BatchSize:       1000,
			BatchTimeout:    time.Second,
			FlushDeadline:   30 * time.Second,
			MaxBufferedRows: 100000,
		},
		Ingestor: IngestorSettings{
			DedupCacheSize:     100000,
			DedupWindow:        24 * time.Hour,
			ReconnectBaseDelay: time.Second,
			ReconnectMaxDelay:  60 * time.Second,
			HeartbeatTimeout:   30 * time.Second,
			BackfillLookback:   6,
			DegradedBufferSize: 10000,
			PublishRetryBudget: 30 * time.Second,
		},
		Processor: ProcessorSettings{
			WorkersPerChain:    0, // 0 means runtime.NumCPU() at wiring time
			ConsumerGroup:      "processor-v1",
			DeliveryShardCount: 8,
			MaxMatchesPerLog:   10000,
			ClaimMinIdle:       30 * time.Second,
		},
		Delivery: DeliverySettings{
			WorkersPerShard:         4,
			ConsumerGroup:           "delivery-v1",
			RequestTimeout:          30 * time.Second,
			MaxRedirects:            3,
			HTTPPoolSize:            100,
			MaxRetries:              5,
			RetryBaseDelay:          time.Second,
			RetryMaxDelay:           60 * time.Second,
			RetryMultiplier:         2.0,
			RetryJitter:             0.25,
			CircuitFailureThreshold: 5,
			CircuitCooldown:         30 * time.Second,
			CircuitHalfOpenMax:      3,
			CircuitProbeSuccess:     3,
			DefaultRateLimitPerMin:  600,
			ClaimMinIdle:            30 * time.Second,
		},
		Observability: ObservabilitySettings{
			LogLevel:         "info",
			MetricsEnabled:   true,
			MetricsAddr:      ":9090",
			MetricsNamespace: "ethhook",
			TracingEnabled:   false,
			TracingEndpoint:  "localhost:4317",
		},
	}
}

// Validate enforces the §7 Config-kind policy: fatal at startup only. It
// catches the configuration errors that would otherwise surface much later
// as a confusing runtime failure (no redis addresses, a zero delivery shard
// count, a chain entry missing its chain_id or ws_url). An empty chain list
// is not rejected.
func (s *Settings) Validate() error {
	if s.Redis.Addresses == nil || len(s.Redis.Addresses) == 0 {
		return fmt.Errorf("config: redis.addresses must not be empty")
	}
	if s.Processor.DeliveryShardCount <= 0 {
		return fmt.Errorf("config: processor.delivery_shard_count must be positive")
	}
	for _, c := range s.Chains {
		if c.ChainID == 0 {
			return fmt.Errorf("config: chain %q missing chain_id", c.DisplayName)
		}
		if c.WSURL == "" {
			return fmt.Errorf("config: chain %q missing ws_url", c.DisplayName)
		}
	}
	return nil
}
