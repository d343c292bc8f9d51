package utils

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Application ApplicationConfig `yaml:"application"`
	Detection   DetectionConfig   `yaml:"detection"`
	Analysis    AnalysisConfig    `yaml:"analysis"`
	Behavior    BehaviorConfig    `yaml:"behavior"`
	Reputation  ReputationConfig  `yaml:"reputation"`
	Adaptive    AdaptiveConfig    `yaml:"adaptive"`
	Policy      PolicyConfig      `yaml:"policy"`
	Storage     StorageConfig     `yaml:"storage"`
	Enforcement EnforcementConfig `yaml:"enforcement"`
	Alerting    AlertingConfig    `yaml:"alerting"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type ApplicationConfig struct {
	APIPort         string `yaml:"api_port"`
	MetricsPort     string `yaml:"metrics_port"`
	TelemetryBuffer int    `yaml:"telemetry_buffer"`
	// DropOldest selects the backpressure policy for full queues:
	// drop the oldest record instead of blocking the producer.
	DropOldest bool `yaml:"drop_oldest"`
}

type DetectionConfig struct {
	RateThreshold        float64 `yaml:"rate_threshold"`         // bytes/sec
	EscalationBound      int     `yaml:"escalation_bound"`       // consecutive violations before a threat event
	WindowSeconds        int     `yaml:"window_seconds"`         // detection window horizon
	BucketSeconds        int     `yaml:"bucket_seconds"`         // traffic window bucket size
	IdleEvictionSeconds  int     `yaml:"idle_eviction_seconds"`  // drop windows idle this long
	CriticalRateMultiple float64 `yaml:"critical_rate_multiple"` // rate/threshold ratio graded critical
	SweepIntervalSeconds int     `yaml:"sweep_interval_seconds"` // periodic eviction sweep
}

type AnalysisConfig struct {
	MonitorThreshold   float64  `yaml:"monitor_threshold"`    // bytes/sec
	RateLimitThreshold float64  `yaml:"rate_limit_threshold"` // bytes/sec
	BlockThreshold     float64  `yaml:"block_threshold"`      // bytes/sec
	BurstBytes         uint64   `yaml:"burst_bytes"`          // burst cap within the sub-window
	ConnRateThreshold  float64  `yaml:"conn_rate_threshold"`  // connection attempts/sec
	Whitelist          []string `yaml:"whitelist"`            // addresses or CIDR ranges
	Blacklist          []string `yaml:"blacklist"`
}

type BehaviorConfig struct {
	BaselineMinSamples int     `yaml:"baseline_min_samples"`
	DeviationThreshold float64 `yaml:"deviation_threshold"` // z-score beyond which a sample is anomalous
	ScanPortThreshold  int     `yaml:"scan_port_threshold"` // distinct destination ports flagging a scan
	HorizonSeconds     int     `yaml:"horizon_seconds"`
}

type ReputationConfig struct {
	MaxStep       float64 `yaml:"max_step"`        // largest score move a single outcome can cause
	HighTrustBand float64 `yaml:"high_trust_band"` // >= high trust
	GoodBand      float64 `yaml:"good_band"`       // >= good
	PoorBand      float64 `yaml:"poor_band"`       // < very poor
}

type AdaptiveConfig struct {
	MinDurationSeconds int `yaml:"min_duration_seconds"`
	MaxDurationSeconds int `yaml:"max_duration_seconds"`
	ControllerPriority int `yaml:"controller_priority"`
	SweepSeconds       int `yaml:"sweep_seconds"`
}

type PolicyConfig struct {
	SweepSeconds int `yaml:"sweep_seconds"`
	Shards       int `yaml:"shards"`
}

type StorageConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	Database      string `yaml:"database"`
	User          string `yaml:"user"`
	Password      string `yaml:"password"`
	SSLMode       string `yaml:"ssl_mode"`
	RetryAttempts int    `yaml:"retry_attempts"`
	RetryDelayMS  int    `yaml:"retry_delay_ms"`
}

type EnforcementConfig struct {
	RetryAttempts int `yaml:"retry_attempts"`
	RetryDelayMS  int `yaml:"retry_delay_ms"`
}

type AlertingConfig struct {
	Enabled  bool              `yaml:"enabled"`
	Channels AlertChannelsYAML `yaml:"channels"`
	Webhook  WebhookConfig     `yaml:"webhook"`
}

type AlertChannelsYAML struct {
	Log     bool `yaml:"log"`
	Webhook bool `yaml:"webhook"`
}

type WebhookConfig struct {
	URL            string `yaml:"url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Enabled        bool   `yaml:"enabled"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func LoadConfig(filename string) (*Config, error) {
	if filename == "" {
		filename = "configs/flowguard.yaml"
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %v", filename, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config file %s: %v", filename, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %v", err)
	}

	return &config, nil
}

// Validate fills defaults for absent values and rejects invalid input.
func (c *Config) Validate() error {
	if c.Application.APIPort == "" {
		c.Application.APIPort = "8080"
	}
	if c.Application.MetricsPort == "" {
		c.Application.MetricsPort = "9100"
	}
	if c.Application.TelemetryBuffer <= 0 {
		c.Application.TelemetryBuffer = 1024
	}

	if c.Detection.RateThreshold <= 0 {
		c.Detection.RateThreshold = 700000
	}
	if c.Detection.EscalationBound <= 0 {
		c.Detection.EscalationBound = 3
	}
	if c.Detection.WindowSeconds <= 0 {
		c.Detection.WindowSeconds = 30
	}
	if c.Detection.BucketSeconds <= 0 {
		c.Detection.BucketSeconds = 10
	}
	if c.Detection.IdleEvictionSeconds <= 0 {
		c.Detection.IdleEvictionSeconds = 2 * c.Detection.WindowSeconds
	}
	if c.Detection.CriticalRateMultiple <= 0 {
		c.Detection.CriticalRateMultiple = 2.0
	}
	if c.Detection.SweepIntervalSeconds <= 0 {
		c.Detection.SweepIntervalSeconds = 30
	}

	if c.Analysis.MonitorThreshold <= 0 {
		c.Analysis.MonitorThreshold = 100000
	}
	if c.Analysis.RateLimitThreshold <= 0 {
		c.Analysis.RateLimitThreshold = 400000
	}
	if c.Analysis.BlockThreshold <= 0 {
		c.Analysis.BlockThreshold = 700000
	}
	if c.Analysis.MonitorThreshold >= c.Analysis.RateLimitThreshold ||
		c.Analysis.RateLimitThreshold >= c.Analysis.BlockThreshold {
		return fmt.Errorf("analysis thresholds must be strictly increasing")
	}
	if c.Analysis.BurstBytes == 0 {
		c.Analysis.BurstBytes = 5000000
	}
	if c.Analysis.ConnRateThreshold <= 0 {
		c.Analysis.ConnRateThreshold = 100
	}

	if c.Behavior.BaselineMinSamples <= 0 {
		c.Behavior.BaselineMinSamples = 5
	}
	if c.Behavior.DeviationThreshold <= 0 {
		c.Behavior.DeviationThreshold = 3.0
	}
	if c.Behavior.ScanPortThreshold <= 0 {
		c.Behavior.ScanPortThreshold = 10
	}
	if c.Behavior.HorizonSeconds <= 0 {
		c.Behavior.HorizonSeconds = 300
	}

	if c.Reputation.MaxStep <= 0 {
		c.Reputation.MaxStep = 0.1
	}
	if c.Reputation.HighTrustBand <= 0 {
		c.Reputation.HighTrustBand = 0.9
	}
	if c.Reputation.GoodBand <= 0 {
		c.Reputation.GoodBand = 0.7
	}
	if c.Reputation.PoorBand <= 0 {
		c.Reputation.PoorBand = 0.3
	}

	if c.Adaptive.MinDurationSeconds <= 0 {
		c.Adaptive.MinDurationSeconds = 30
	}
	if c.Adaptive.MaxDurationSeconds <= 0 {
		c.Adaptive.MaxDurationSeconds = 86400
	}
	if c.Adaptive.ControllerPriority <= 0 {
		c.Adaptive.ControllerPriority = 30
	}
	if c.Adaptive.SweepSeconds <= 0 {
		c.Adaptive.SweepSeconds = 30
	}

	if c.Policy.SweepSeconds <= 0 {
		c.Policy.SweepSeconds = 60
	}
	if c.Policy.Shards <= 0 {
		c.Policy.Shards = 16
	}

	if c.Storage.Enabled {
		if c.Storage.Host == "" {
			c.Storage.Host = "localhost"
		}
		if c.Storage.Port <= 0 {
			c.Storage.Port = 5432
		}
		if c.Storage.Database == "" {
			return fmt.Errorf("storage database name cannot be empty when storage is enabled")
		}
		if c.Storage.SSLMode == "" {
			c.Storage.SSLMode = "disable"
		}
	}
	if c.Storage.RetryAttempts <= 0 {
		c.Storage.RetryAttempts = 3
	}
	if c.Storage.RetryDelayMS <= 0 {
		c.Storage.RetryDelayMS = 500
	}

	if c.Enforcement.RetryAttempts <= 0 {
		c.Enforcement.RetryAttempts = 3
	}
	if c.Enforcement.RetryDelayMS <= 0 {
		c.Enforcement.RetryDelayMS = 200
	}

	if c.Alerting.Webhook.TimeoutSeconds <= 0 {
		c.Alerting.Webhook.TimeoutSeconds = 10
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "INFO"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	return nil
}

// GetDefaultConfig returns a configuration with all defaults applied.
func GetDefaultConfig() *Config {
	config := &Config{}
	_ = config.Validate()
	return config
}
