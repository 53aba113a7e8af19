package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/BearBump/ShipBox/config"

	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.LoadConfig(os.Getenv("configPath"))
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	f := defaultWorkerFactories()
	rec, cleanup, err := buildReconciler(cfg, f)
	if err != nil {
		panic(err)
	}
	defer cleanup()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rec.Run(gctx)
	})
	g.Go(func() error {
		return runWorkerHTTPServer(gctx, workerHTTPOpts{
			httpAddr:    cfg.ShipBox.WorkerHTTPAddr,
			swaggerPath: os.Getenv("swaggerPath"),
			reconciler:  rec,
			cfg:         cfg,
		})
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		panic(err)
	}
}
