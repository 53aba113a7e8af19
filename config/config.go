package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	ShipBox  ShipBoxConfig  `yaml:"shipbox"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

type KafkaConfig struct {
	Host                     string `yaml:"host"`
	Port                     int    `yaml:"port"`
	ShipmentUpdatedTopicName string `yaml:"shipment_updated_topic_name"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// CarrierUPSConfig holds UPS OAuth credentials and the shipper (return
// address) block stamped onto every outbound shipment.
type CarrierUPSConfig struct {
	BaseURL      string `yaml:"base_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`

	ShipperName         string `yaml:"shipper_name"`
	ShipperNumber       string `yaml:"shipper_number"`
	ShipperAddressLine1 string `yaml:"shipper_address_line1"`
	ShipperCity         string `yaml:"shipper_city"`
	ShipperPostalCode   string `yaml:"shipper_postal_code"`
	ShipperCountry      string `yaml:"shipper_country"`

	// Optional endpoint path overrides for sandbox environments.
	TokenPath string `yaml:"token_path"`
	ShipPath  string `yaml:"ship_path"`
	TrackPath string `yaml:"track_path"`
}

type CarrierRoyalMailConfig struct {
	BaseURL      string `yaml:"base_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

type ShipBoxConfig struct {
	HTTPAddr                string `yaml:"http_addr"`
	KafkaConsumerGroup      string `yaml:"kafka_consumer_group"`
	CurrentStatusTTLSeconds int    `yaml:"current_status_ttl_seconds"`
	RecheckIntervalSeconds  int    `yaml:"recheck_interval_seconds"`

	WorkerPollIntervalSeconds int `yaml:"worker_poll_interval_seconds"`
	WorkerBatchSize           int `yaml:"worker_batch_size"`
	WorkerConcurrency         int `yaml:"worker_concurrency"`
	WorkerLeaseSeconds        int `yaml:"worker_lease_seconds"`
	WorkerRateLimitPerMinute  int `yaml:"worker_rate_limit_per_minute"`

	WorkerRateLimitUPSPerMinute       int `yaml:"worker_rate_limit_ups_per_minute"`
	WorkerRateLimitRoyalMailPerMinute int `yaml:"worker_rate_limit_royal_mail_per_minute"`

	WorkerPendingMaxAttempts int `yaml:"worker_pending_max_attempts"`

	WorkerHTTPAddr string `yaml:"worker_http_addr"`

	// Worker scheduling (optional). If not set, defaults are "prod-like":
	// created: 15 minutes, in_transit: 30..120 minutes, unknown: 60 minutes,
	// backoff: 5/15/30/60 minutes.
	WorkerNextCheckCreatedSeconds      int `yaml:"worker_next_check_created_seconds"`
	WorkerNextCheckInTransitMinSeconds int `yaml:"worker_next_check_in_transit_min_seconds"`
	WorkerNextCheckInTransitMaxSeconds int `yaml:"worker_next_check_in_transit_max_seconds"`
	WorkerNextCheckUnknownSeconds      int `yaml:"worker_next_check_unknown_seconds"`
	WorkerBackoff1Seconds              int `yaml:"worker_backoff_1_seconds"`
	WorkerBackoff2Seconds              int `yaml:"worker_backoff_2_seconds"`
	WorkerBackoff3Seconds              int `yaml:"worker_backoff_3_seconds"`
	WorkerBackoff4Seconds              int `yaml:"worker_backoff_4_seconds"`

	UPS       CarrierUPSConfig       `yaml:"ups"`
	RoyalMail CarrierRoyalMailConfig `yaml:"royal_mail"`

	// EnableFakeCarrier wires the deterministic in-process carrier; used for
	// local demo runs without real credentials.
	EnableFakeCarrier bool `yaml:"enable_fake_carrier"`
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
