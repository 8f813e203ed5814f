// Package config provides configuration loading and validation for the
// Gatekeeper Tier-1 detection engine.
//
// Configuration file: /etc/gatekeeper/config.yaml (default)
// Schema version: 1
//
// SIGHUP (handled in cmd/gatekeeper):
//   - The agent listens for SIGHUP.
//   - On SIGHUP: re-read and re-validate config.yaml and log the result.
//   - No field of the re-read config is applied: the running engine keeps
//     the config it started with, and every change takes effect on restart.
//   - If the new config is invalid, an error is logged. The agent does NOT
//     crash on an invalid config at SIGHUP.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (e.g., weights >= 0, probabilities in [0,1]).
//   - Invalid config on startup: agent refuses to start (fatal error).
//   - Invalid config on SIGHUP: logged, running config unchanged.
package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected by the Makefile via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for Gatekeeper.
type Config struct {
	// SchemaVersion must be "1".
	SchemaVersion string `yaml:"schema_version"`

	// NodeID identifies this Gatekeeper instance in logs and checkpoints.
	// Default: hostname.
	NodeID string `yaml:"node_id"`

	Ingest        IngestConfig        `yaml:"ingest"`
	Detectors     DetectorsConfig     `yaml:"detectors"`
	Ensemble      EnsembleConfig      `yaml:"ensemble"`
	Registry      RegistryConfig      `yaml:"registry"`
	Policy        PolicyConfig        `yaml:"policy"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Forwarder     ForwarderConfig     `yaml:"forwarder"`
	Checkpoint    CheckpointConfig    `yaml:"checkpoint"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// IngestConfig holds front-end and sharding parameters.
type IngestConfig struct {
	// ListenAddr is the HTTP listen address for the ingest/control API.
	// Default: 0.0.0.0:8080.
	ListenAddr string `yaml:"listen_addr"`

	// ShardCount is the number of shard workers. Must be a power of two.
	// Default: runtime.GOMAXPROCS(0) rounded down to a power of two,
	// overridden by env SHARD_COUNT.
	ShardCount int `yaml:"shard_count"`

	// ShardQueueSize is the bounded inbound channel capacity per shard.
	// Default: 16000.
	ShardQueueSize int `yaml:"shard_queue_size"`

	// FeedbackQueueSize is the bounded feedback channel capacity per shard.
	// Default: 4000.
	FeedbackQueueSize int `yaml:"feedback_queue_size"`

	// DrainBatchSize is the number of events drained from the inbound
	// channel per shard tick. Default: 64.
	DrainBatchSize int `yaml:"drain_batch_size"`

	// FeedbackBatchSize is the number of feedback events drained per
	// shard tick. Default: 16.
	FeedbackBatchSize int `yaml:"feedback_batch_size"`

	// BatchMaxEvents caps the size of a single /ingest/batch request.
	// Default: 10000.
	BatchMaxEvents int `yaml:"batch_max_events"`

	// SkewWindow is the acceptable timestamp skew around wall clock.
	// Default: 1h.
	SkewWindow time.Duration `yaml:"skew_window"`

	// IdleEvictionEvents is parsed and defaulted but not read by the shard
	// worker; idle expiry runs only on IdleEvictionTick. Default: 10000.
	IdleEvictionEvents uint64 `yaml:"idle_eviction_events"`

	// IdleEvictionTick triggers expire_idle on a wall-clock
	// cadence so low-traffic shards still reclaim memory. Default: 1s.
	IdleEvictionTick time.Duration `yaml:"idle_eviction_tick"`
}

// DetectorsConfig holds per-detector tunables.
type DetectorsConfig struct {
	// WarmupEvents is the number of events before a profile may emit
	// signals (event_count >= WarmupEvents). Default: 20.
	WarmupEvents uint64 `yaml:"warmup_events"`

	// FireThreshold is the per-detector score at/above which a detector
	// counts as "fired" for the detectors_fired bitmask. Default: 0.30.
	FireThreshold float64 `yaml:"fire_threshold"`

	HoltWinters HoltWintersConfig `yaml:"holt_winters"`
	Histogram   HistogramConfig   `yaml:"histogram"`
	Cardinality CardinalityConfig `yaml:"cardinality"`
	Burst       BurstConfig       `yaml:"burst"`
	Spectral    SpectralConfig    `yaml:"spectral"`
	ChangePoint ChangePointConfig `yaml:"change_point"`
	Drift       DriftConfig       `yaml:"drift"`
	MultiScale  MultiScaleConfig  `yaml:"multi_scale"`
	Behavioral  BehavioralConfig  `yaml:"behavioral"`
	RRCF        RRCFConfig        `yaml:"rrcf"`
}

type HoltWintersConfig struct {
	Alpha          float64 `yaml:"alpha"`
	Beta           float64 `yaml:"beta"`
	Gamma          float64 `yaml:"gamma"`
	SeasonalPeriod int     `yaml:"seasonal_period"`
}

type HistogramConfig struct {
	Bins     int           `yaml:"bins"`
	HalfLife time.Duration `yaml:"half_life"`
	MinValue float64       `yaml:"min_value"`
	MaxValue float64       `yaml:"max_value"`
}

type CardinalityConfig struct {
	Precision uint8   `yaml:"precision"`
	EWMAAlpha float64 `yaml:"ewma_alpha"`
}

type BurstConfig struct {
	BaselineAlpha float64 `yaml:"baseline_alpha"`
	KSigma        float64 `yaml:"k_sigma"`
	CUSUMSlack    float64 `yaml:"cusum_slack"`
	CUSUMH        float64 `yaml:"cusum_h"`
}

type SpectralConfig struct {
	WindowSize   int `yaml:"window_size"`
	RefreshEvery int `yaml:"refresh_every"`
}

type ChangePointConfig struct {
	Slack     float64 `yaml:"slack"`
	Threshold float64 `yaml:"threshold"`
	FIREnable bool    `yaml:"fir_enabled"`
	FIRHead   float64 `yaml:"fir_head"`
}

type DriftConfig struct {
	ADWINDelta        float64 `yaml:"adwin_delta"`
	PageHinkleyDelta  float64 `yaml:"page_hinkley_delta"`
	PageHinkleyLambda float64 `yaml:"page_hinkley_lambda"`
}

type MultiScaleConfig struct {
	FastAlpha   float64 `yaml:"fast_alpha"`   // ~1s scale
	MediumAlpha float64 `yaml:"medium_alpha"` // ~60s scale
	SlowAlpha   float64 `yaml:"slow_alpha"`   // ~3600s scale
	SquashK     float64 `yaml:"squash_k"`
}

type BehavioralConfig struct {
	CountMinDepth int `yaml:"count_min_depth"`
	CountMinWidth int `yaml:"count_min_width"`
}

type RRCFConfig struct {
	NumTrees     int `yaml:"num_trees"`
	TreeCapacity int `yaml:"tree_capacity"`
}

// EnsembleConfig holds the decision and bandit learning parameters.
type EnsembleConfig struct {
	MinDetectorScore     float64 `yaml:"min_detector_score_for_anomaly"`
	MinEnsembleScore     float64 `yaml:"min_ensemble_score_for_anomaly"`
	ConfidenceThreshold  float64 `yaml:"confidence_threshold"`
	UseAdaptiveThreshold bool    `yaml:"use_adaptive_ensemble_threshold"`
	AdaptivePercentile   float64 `yaml:"adaptive_percentile"`
	AdaptiveFloor        float64 `yaml:"adaptive_floor"`
	WeightFloor          float64 `yaml:"weight_floor"`
}

// RegistryConfig holds per-shard LRU registry parameters.
type RegistryConfig struct {
	// CapacityPerShard is the max number of profiles per shard registry.
	// Default: 100000, overridden by env REGISTRY_CAPACITY_PER_SHARD.
	CapacityPerShard int `yaml:"capacity_per_shard"`

	// IdleTimeout evicts profiles idle longer than this. Default: 24h.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// PolicyConfig holds runtime policy defaults.
type PolicyConfig struct {
	DefaultScoreScale      float64 `yaml:"default_score_scale"`
	DefaultConfidenceScale float64 `yaml:"default_confidence_scale"`
}

// RateLimitConfig configures the per-class backpressure shedders.
type RateLimitConfig struct {
	Capacity     int           `yaml:"capacity"`
	RefillPeriod time.Duration `yaml:"refill_period"`
}

// ForwarderConfig configures the async Tier-2 signal forwarder.
type ForwarderConfig struct {
	// Tier2URL is the base URL signals are POSTed to. Empty disables
	// the forwarder (overridden by env TIER2_URL).
	Tier2URL string `yaml:"tier2_url"`

	QueueSize     int           `yaml:"queue_size"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`

	RetryBaseDelay   time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay    time.Duration `yaml:"retry_max_delay"`
	RetryMaxAttempts int           `yaml:"retry_max_attempts"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`

	FallbackFilePath string `yaml:"fallback_file_path"`
}

// CheckpointConfig holds checkpoint persistence parameters.
type CheckpointConfig struct {
	DBPath        string        `yaml:"db_path"`
	Interval      time.Duration `yaml:"interval"`
	EventInterval uint64        `yaml:"event_interval"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
}

// DefaultDBPath is the default BoltDB checkpoint store location.
const DefaultDBPath = "/var/lib/gatekeeper/gatekeeper.db"

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	hostname, _ := os.Hostname()
	shards := 1
	for shards*2 <= runtime.GOMAXPROCS(0) {
		shards *= 2
	}
	return Config{
		SchemaVersion: "1",
		NodeID:        hostname,
		Ingest: IngestConfig{
			ListenAddr:         "0.0.0.0:8080",
			ShardCount:         shards,
			ShardQueueSize:     16000,
			FeedbackQueueSize:  4000,
			DrainBatchSize:     64,
			FeedbackBatchSize:  16,
			BatchMaxEvents:     10000,
			SkewWindow:         time.Hour,
			IdleEvictionEvents: 10000,
			IdleEvictionTick:   time.Second,
		},
		Detectors: DetectorsConfig{
			WarmupEvents:  20,
			FireThreshold: 0.30,
			HoltWinters: HoltWintersConfig{
				Alpha: 0.3, Beta: 0.1, Gamma: 0.1, SeasonalPeriod: 24,
			},
			Histogram: HistogramConfig{
				Bins: 32, HalfLife: 5 * time.Minute, MinValue: 0, MaxValue: 1000,
			},
			Cardinality: CardinalityConfig{Precision: 12, EWMAAlpha: 0.2},
			Burst: BurstConfig{
				BaselineAlpha: 0.2, KSigma: 3.0, CUSUMSlack: 0.5, CUSUMH: 5.0,
			},
			Spectral:    SpectralConfig{WindowSize: 64, RefreshEvery: 5},
			ChangePoint: ChangePointConfig{Slack: 0.5, Threshold: 5.0, FIREnable: true, FIRHead: 2.5},
			Drift: DriftConfig{
				ADWINDelta: 0.002, PageHinkleyDelta: 0.005, PageHinkleyLambda: 50,
			},
			MultiScale: MultiScaleConfig{
				FastAlpha: 0.5, MediumAlpha: 0.05, SlowAlpha: 0.001, SquashK: 2.0,
			},
			Behavioral: BehavioralConfig{CountMinDepth: 4, CountMinWidth: 256},
			RRCF:       RRCFConfig{NumTrees: 16, TreeCapacity: 128},
		},
		Ensemble: EnsembleConfig{
			MinDetectorScore:     0.30,
			MinEnsembleScore:     0.15,
			ConfidenceThreshold:  0.50,
			UseAdaptiveThreshold: true,
			AdaptivePercentile:   0.95,
			AdaptiveFloor:        0.15,
			WeightFloor:          0.01,
		},
		Registry: RegistryConfig{
			CapacityPerShard: 100000,
			IdleTimeout:      24 * time.Hour,
		},
		Policy: PolicyConfig{
			DefaultScoreScale:      1.0,
			DefaultConfidenceScale: 1.0,
		},
		RateLimit: RateLimitConfig{
			Capacity:     1000,
			RefillPeriod: time.Second,
		},
		Forwarder: ForwarderConfig{
			QueueSize:        8192,
			BatchSize:        100,
			FlushInterval:    time.Second,
			RetryBaseDelay:   100 * time.Millisecond,
			RetryMaxDelay:    5 * time.Second,
			RetryMaxAttempts: 3,
			RequestTimeout:   5 * time.Second,
			FallbackFilePath: "/var/lib/gatekeeper/forwarder-fallback.jsonl",
		},
		Checkpoint: CheckpointConfig{
			DBPath:        DefaultDBPath,
			Interval:      time.Minute,
			EventInterval: 10000,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// Load reads and validates a config file from the given path, then
// applies environment variable overrides (TIER2_URL, SHARD_COUNT,
// REGISTRY_CAPACITY_PER_SHARD).
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	applyEnvOverrides(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}
	return &cfg, nil
}

// applyEnvOverrides applies supported environment variable overrides.
func applyEnvOverrides(cfg *Config) {
	if url := os.Getenv("TIER2_URL"); url != "" {
		cfg.Forwarder.Tier2URL = url
	}
	if sc := os.Getenv("SHARD_COUNT"); sc != "" {
		var n int
		if _, err := fmt.Sscanf(sc, "%d", &n); err == nil && n > 0 {
			cfg.Ingest.ShardCount = n
		}
	}
	if rc := os.Getenv("REGISTRY_CAPACITY_PER_SHARD"); rc != "" {
		var n int
		if _, err := fmt.Sscanf(rc, "%d", &n); err == nil && n > 0 {
			cfg.Registry.CapacityPerShard = n
		}
	}
}

// Validate checks all config fields for correctness. Returns a
// descriptive error listing every violation found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.NodeID == "" {
		errs = append(errs, "node_id must not be empty")
	}
	if cfg.Ingest.ShardCount < 1 || cfg.Ingest.ShardCount&(cfg.Ingest.ShardCount-1) != 0 {
		errs = append(errs, fmt.Sprintf("ingest.shard_count must be a power of two, got %d", cfg.Ingest.ShardCount))
	}
	if cfg.Ingest.ShardQueueSize < 1 {
		errs = append(errs, "ingest.shard_queue_size must be >= 1")
	}
	if cfg.Ingest.BatchMaxEvents < 1 || cfg.Ingest.BatchMaxEvents > 10000 {
		errs = append(errs, fmt.Sprintf("ingest.batch_max_events must be in [1, 10000], got %d", cfg.Ingest.BatchMaxEvents))
	}
	if cfg.Detectors.WarmupEvents < 1 {
		errs = append(errs, "detectors.warmup_events must be >= 1")
	}
	if cfg.Detectors.FireThreshold < 0 || cfg.Detectors.FireThreshold > 1 {
		errs = append(errs, "detectors.fire_threshold must be in [0,1]")
	}
	if cfg.Detectors.Cardinality.Precision < 10 || cfg.Detectors.Cardinality.Precision > 16 {
		errs = append(errs, fmt.Sprintf("detectors.cardinality.precision must be in [10,16], got %d", cfg.Detectors.Cardinality.Precision))
	}
	if cfg.Detectors.RRCF.NumTrees < 1 || cfg.Detectors.RRCF.NumTrees > 16 {
		errs = append(errs, "detectors.rrcf.num_trees must be in [1,16]")
	}
	if cfg.Ensemble.MinDetectorScore < 0 || cfg.Ensemble.MinDetectorScore > 1 {
		errs = append(errs, "ensemble.min_detector_score_for_anomaly must be in [0,1]")
	}
	if cfg.Ensemble.ConfidenceThreshold < 0 || cfg.Ensemble.ConfidenceThreshold > 1 {
		errs = append(errs, "ensemble.confidence_threshold must be in [0,1]")
	}
	if cfg.Ensemble.WeightFloor <= 0 || cfg.Ensemble.WeightFloor >= 1 {
		errs = append(errs, "ensemble.weight_floor must be in (0,1)")
	}
	if cfg.Registry.CapacityPerShard < 1 {
		errs = append(errs, "registry.capacity_per_shard must be >= 1")
	}
	if cfg.RateLimit.Capacity < 1 {
		errs = append(errs, "rate_limit.capacity must be >= 1")
	}
	if cfg.RateLimit.RefillPeriod <= 0 {
		errs = append(errs, "rate_limit.refill_period must be > 0")
	}
	if cfg.Forwarder.BatchSize < 1 || cfg.Forwarder.BatchSize > 100 {
		errs = append(errs, fmt.Sprintf("forwarder.batch_size must be in [1,100], got %d", cfg.Forwarder.BatchSize))
	}
	if cfg.Forwarder.RetryMaxAttempts < 1 {
		errs = append(errs, "forwarder.retry_max_attempts must be >= 1")
	}
	if cfg.Checkpoint.DBPath == "" {
		errs = append(errs, "checkpoint.db_path must not be empty")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", joinStrings(errs, "\n  - "))
	}
	return nil
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
