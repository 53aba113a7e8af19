package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BearBump/ShipBox/config"
	"github.com/BearBump/ShipBox/internal/broker/kafka"
	"github.com/BearBump/ShipBox/internal/cache/rediscache"
	"github.com/BearBump/ShipBox/internal/integrations/carrier"
	"github.com/BearBump/ShipBox/internal/integrations/carrier/fake"
	"github.com/BearBump/ShipBox/internal/integrations/carrier/royalmailhttp"
	"github.com/BearBump/ShipBox/internal/integrations/carrier/upshttp"
	"github.com/BearBump/ShipBox/internal/services/shipments"
	"github.com/BearBump/ShipBox/internal/storage/pgshipping"
)

type shipAPIApp struct {
	ctx      context.Context
	cancel   context.CancelFunc
	opts     shipAPIOpts
	svc      *shipments.Service
	consumer *kafka.Consumer
	closeDB  func()
}

func mustBootstrapShipAPI() *shipAPIApp {
	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}
	swaggerPath := os.Getenv("swaggerPath")
	if swaggerPath == "" {
		panic("swaggerPath env var is required")
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}

	httpAddr := cfg.ShipBox.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	consumerGroup := cfg.ShipBox.KafkaConsumerGroup
	if consumerGroup == "" {
		consumerGroup = "ship-api"
	}
	topic := cfg.Kafka.ShipmentUpdatedTopicName
	if topic == "" {
		topic = "shipment.updated"
	}

	cacheTTL := time.Duration(cfg.ShipBox.CurrentStatusTTLSeconds) * time.Second
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Minute
	}
	recheck := time.Duration(cfg.ShipBox.RecheckIntervalSeconds) * time.Second

	st := mustOpenPostgresWithRetry(connString(cfg), 60*time.Second)

	redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
	rc := rediscache.New(redisAddr)

	svc := shipments.New(st, st, newCarrierRegistry(cfg), rc, shipments.Config{
		CurrentTTL:      cacheTTL,
		RecheckInterval: recheck,
	})

	brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
	consumer := kafka.NewConsumer(brokers, topic, consumerGroup)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	return &shipAPIApp{
		ctx:    ctx,
		cancel: cancel,
		opts: shipAPIOpts{
			httpAddr:      httpAddr,
			swaggerPath:   swaggerPath,
			topic:         topic,
			consumerGroup: consumerGroup,
		},
		svc:      svc,
		consumer: consumer,
		closeDB:  st.Close,
	}
}

// newCarrierRegistry wires every carrier the config has credentials for. The
// fake carrier is opt-in so a misconfigured prod deploy cannot silently ship
// through it.
func newCarrierRegistry(cfg *config.Config) *carrier.Registry {
	reg := carrier.NewRegistry()

	if ups := cfg.ShipBox.UPS; ups.BaseURL != "" {
		reg.Register(upshttp.New(upshttp.Config{
			BaseURL:            ups.BaseURL,
			ClientID:           ups.ClientID,
			ClientSecret:       ups.ClientSecret,
			ShipperNumber:      ups.ShipperNumber,
			ShipperName:        ups.ShipperName,
			ShipperAddressLine: ups.ShipperAddressLine1,
			ShipperCity:        ups.ShipperCity,
			ShipperPostalCode:  ups.ShipperPostalCode,
			ShipperCountry:     ups.ShipperCountry,
			TokenPath:          ups.TokenPath,
			ShipPath:           ups.ShipPath,
			TrackPath:          ups.TrackPath,
		}))
	}
	if rm := cfg.ShipBox.RoyalMail; rm.BaseURL != "" {
		reg.Register(royalmailhttp.New(royalmailhttp.Config{
			BaseURL:      rm.BaseURL,
			ClientID:     rm.ClientID,
			ClientSecret: rm.ClientSecret,
		}))
	}
	if cfg.ShipBox.EnableFakeCarrier {
		reg.Register(fake.New())
	}
	return reg
}

func connString(cfg *config.Config) string {
	sslMode := cfg.Database.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
}

func mustOpenPostgresWithRetry(connString string, wait time.Duration) *pgshipping.Storage {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgshipping.New(connString)
		if err == nil {
			return st
		}
		lastErr = err
		time.Sleep(1 * time.Second)
	}
	panic(fmt.Sprintf("postgres is not ready after %s: %v", wait, lastErr))
}

func (a *shipAPIApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.consumer != nil {
		_ = a.consumer.Close()
	}
	if a.closeDB != nil {
		a.closeDB()
	}
}

func (a *shipAPIApp) Run() error {
	return runShipAPI(a.ctx, a.opts, a.svc, a.consumer)
}
