package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Storage  StorageConfig  `yaml:"storage"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Remote   RemoteConfig   `yaml:"remote"`
	Hazards  HazardsConfig  `yaml:"hazards"`
	Outbox   OutboxConfig   `yaml:"outbox"`
	Sync     SyncConfig     `yaml:"sync"`
	Alerts   AlertsConfig   `yaml:"alerts"`
	HTTP     HTTPConfig     `yaml:"http"`
	Log      LogConfig      `yaml:"log"`
}

type StorageConfig struct {
	Driver string `yaml:"driver"` // "redis" | "postgres"
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

type RedisConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	DB     int    `yaml:"db"`
	Prefix string `yaml:"prefix"`
}

type KafkaConfig struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	AlertsTopicName    string `yaml:"alerts_topic_name"`
	RemoteChangesTopic string `yaml:"remote_changes_topic_name"`
	ConsumerGroup      string `yaml:"consumer_group"`
}

type RemoteConfig struct {
	Mode           string `yaml:"mode"` // "fake" | "http"
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type HazardsConfig struct {
	DedupeRadiusMeters float64 `yaml:"dedupe_radius_m"`
	ExpirySweepSeconds int     `yaml:"expiry_sweep_seconds"`

	// TTLDays overrides the per-kind defaults; 0 or negative disables expiry for that kind.
	TTLDays map[string]int `yaml:"ttl_days"`
}

type OutboxConfig struct {
	BaseBackoffMs int `yaml:"base_backoff_ms"`
	MaxBackoffMs  int `yaml:"max_backoff_ms"`
}

type SyncConfig struct {
	PageSize        int `yaml:"page_size"`
	SkewMs          int `yaml:"skew_ms"`
	IntervalSeconds int `yaml:"interval_seconds"`
}

type AlertsConfig struct {
	Budget                  int     `yaml:"budget"`
	BoxSizeMeters           float64 `yaml:"box_size_m"`
	RegionRadiusMeters      float64 `yaml:"region_radius_m"`
	PlatformMaxRadiusMeters float64 `yaml:"platform_max_radius_m"`
	MinRegionRadiusMeters   float64 `yaml:"min_region_radius_m"`
	AnnounceCooldownSeconds int     `yaml:"announce_cooldown_seconds"`
	LocationDebounceMs      int     `yaml:"location_debounce_ms"`
	HazardDebounceMs        int     `yaml:"hazard_debounce_ms"`
}

type HTTPConfig struct {
	Addr          string  `yaml:"addr"`
	SwaggerPath   string  `yaml:"swagger_path"`
	ReportsPerSec float64 `yaml:"reports_per_second"`
	ReportsBurst  int     `yaml:"reports_burst"`

	// ReportsPerClientPerMinute is enforced in Redis; 0 disables the per-client window.
	ReportsPerClientPerMinute int `yaml:"reports_per_client_per_minute"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &config, nil
}
