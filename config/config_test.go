package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "cfg.yaml")
	require.NoError(t, os.WriteFile(p, []byte(`
database:
  host: "localhost"
  port: 5432
  username: "u"
  password: "p"
  name: "db"
kafka:
  host: "localhost"
  port: 9092
  shipment_updated_topic_name: "shipment.updated"
redis:
  host: "localhost"
  port: 6379
shipbox:
  http_addr: ":8080"
  kafka_consumer_group: "ship-api"
  current_status_ttl_seconds: 600
  ups:
    base_url: "https://wwwcie.ups.com"
    client_id: "id"
    client_secret: "secret"
    shipper_name: "ShipBox Ltd"
    shipper_number: "A1B2C3"
  royal_mail:
    base_url: "https://api.royalmail.net"
    client_id: "rm-id"
    client_secret: "rm-secret"
  enable_fake_carrier: true
`), 0o600))

	cfg, err := LoadConfig(p)
	require.NoError(t, err)
	require.Equal(t, "u", cfg.Database.Username)
	require.Equal(t, "shipment.updated", cfg.Kafka.ShipmentUpdatedTopicName)
	require.Equal(t, 6379, cfg.Redis.Port)
	require.Equal(t, ":8080", cfg.ShipBox.HTTPAddr)
	require.Equal(t, "A1B2C3", cfg.ShipBox.UPS.ShipperNumber)
	require.Equal(t, "rm-id", cfg.ShipBox.RoyalMail.ClientID)
	require.True(t, cfg.ShipBox.EnableFakeCarrier)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/cfg.yaml")
	require.Error(t, err)
}
