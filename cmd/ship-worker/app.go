package main

import (
	"context"
	"fmt"
	"time"

	"github.com/BearBump/ShipBox/config"
	"github.com/BearBump/ShipBox/internal/broker/kafka"
	"github.com/BearBump/ShipBox/internal/cache/rediscache"
	"github.com/BearBump/ShipBox/internal/integrations/carrier"
	"github.com/BearBump/ShipBox/internal/integrations/carrier/fake"
	"github.com/BearBump/ShipBox/internal/integrations/carrier/royalmailhttp"
	"github.com/BearBump/ShipBox/internal/integrations/carrier/upshttp"
	"github.com/BearBump/ShipBox/internal/models"
	"github.com/BearBump/ShipBox/internal/services/reconciler"
	"github.com/BearBump/ShipBox/internal/storage/pgshipping"
)

type workerFactories struct {
	newStorage     func(cfg *config.Config) (repo reconciler.Repository, closeFn func(), err error)
	newProducer    func(cfg *config.Config) reconciler.Producer
	newRateLimiter func(cfg *config.Config) reconciler.RateLimiter
	newCarriers    func(cfg *config.Config) *carrier.Registry
}

func defaultWorkerFactories() workerFactories {
	return workerFactories{
		newStorage: func(cfg *config.Config) (reconciler.Repository, func(), error) {
			sslMode := cfg.Database.SSLMode
			if sslMode == "" {
				sslMode = "disable"
			}
			connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
				cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
			st, err := pgshipping.New(connString)
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newProducer: func(cfg *config.Config) reconciler.Producer {
			brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
			return kafka.NewProducer(brokers)
		},
		newRateLimiter: func(cfg *config.Config) reconciler.RateLimiter {
			redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
			return rediscache.NewRateLimiter(redisAddr)
		},
		newCarriers: func(cfg *config.Config) *carrier.Registry {
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
		},
	}
}

func buildReconciler(cfg *config.Config, f workerFactories) (*reconciler.Reconciler, func(), error) {
	topic := cfg.Kafka.ShipmentUpdatedTopicName
	if topic == "" {
		topic = "shipment.updated"
	}

	pollInterval := time.Duration(cfg.ShipBox.WorkerPollIntervalSeconds) * time.Second
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	batchSize := cfg.ShipBox.WorkerBatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	concurrency := cfg.ShipBox.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	lease := time.Duration(cfg.ShipBox.WorkerLeaseSeconds) * time.Second
	if lease <= 0 {
		lease = 120 * time.Second
	}
	rlPerMin := int64(cfg.ShipBox.WorkerRateLimitPerMinute)
	if rlPerMin <= 0 {
		rlPerMin = 120
	}

	repo, closeFn, err := f.newStorage(cfg)
	if err != nil {
		return nil, nil, err
	}
	if closeFn == nil {
		closeFn = func() {}
	}

	rec := reconciler.New(repo, f.newCarriers(cfg), f.newProducer(cfg), f.newRateLimiter(cfg), topic).
		WithSettings(pollInterval, batchSize, concurrency, lease, rlPerMin).
		WithCarrierRateLimits(map[string]int64{
			models.CarrierUPS:       int64(cfg.ShipBox.WorkerRateLimitUPSPerMinute),
			models.CarrierRoyalMail: int64(cfg.ShipBox.WorkerRateLimitRoyalMailPerMinute),
		}).
		WithPendingMaxAttempts(int32(cfg.ShipBox.WorkerPendingMaxAttempts)).
		WithPlanner(reconciler.PlannerConfig{
			CreatedDelay:      time.Duration(cfg.ShipBox.WorkerNextCheckCreatedSeconds) * time.Second,
			InTransitMinDelay: time.Duration(cfg.ShipBox.WorkerNextCheckInTransitMinSeconds) * time.Second,
			InTransitMaxDelay: time.Duration(cfg.ShipBox.WorkerNextCheckInTransitMaxSeconds) * time.Second,
			UnknownDelay:      time.Duration(cfg.ShipBox.WorkerNextCheckUnknownSeconds) * time.Second,
			Backoff1:          time.Duration(cfg.ShipBox.WorkerBackoff1Seconds) * time.Second,
			Backoff2:          time.Duration(cfg.ShipBox.WorkerBackoff2Seconds) * time.Second,
			Backoff3:          time.Duration(cfg.ShipBox.WorkerBackoff3Seconds) * time.Second,
			Backoff4:          time.Duration(cfg.ShipBox.WorkerBackoff4Seconds) * time.Second,
		})
	return rec, closeFn, nil
}

// RunShipWorker builds the reconciler from factories and runs it until ctx
// is canceled.
func RunShipWorker(ctx context.Context, cfg *config.Config, f workerFactories) error {
	rec, cleanup, err := buildReconciler(cfg, f)
	if err != nil {
		return err
	}
	defer cleanup()
	return rec.Run(ctx)
}
