package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"bsky-scheduler/internal/adapters/rehostclient"
	"bsky-scheduler/internal/adapters/repo"
	"bsky-scheduler/internal/adapters/session"
	"bsky-scheduler/internal/domain"
	"bsky-scheduler/internal/infra/config"
	"bsky-scheduler/internal/infra/db"
	applog "bsky-scheduler/internal/infra/log"
	"bsky-scheduler/internal/infra/metrics"
	"bsky-scheduler/internal/infra/tid"
	"bsky-scheduler/internal/usecase/blobs"
	"bsky-scheduler/internal/usecase/delivery"
	"bsky-scheduler/internal/usecase/threadstore"
)

func main() {
	cfg := config.Load()
	log := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("post-worker: нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool, domain.ScheduleWindows{
		UploadLeadTime: cfg.Worker.UploadLeadTime,
		UploadLease:    cfg.Worker.UploadLease,
		MaxPostDelay:   cfg.Worker.MaxPostDelay,
		PublishLease:   cfg.Worker.PublishLease,
	})
	sessions := session.NewProvider(repoAdapter, cfg.Repo.Timeout)

	rehoster, err := rehostclient.New(
		cfg.InternalAPI.BaseURL,
		cfg.InternalAPI.Token,
		rehostclient.WithTimeout(cfg.InternalAPI.Timeout),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("post-worker: неверный адрес внутреннего API")
	}

	clockID, err := tid.RandomClockID()
	if err != nil {
		log.Fatal().Err(err).Msg("post-worker: не удалось сгенерировать clock id")
	}

	store := threadstore.NewService(log.With().Str("component", "threadstore").Logger())
	deliveryService := delivery.NewService(
		repoAdapter,
		sessions,
		store,
		blobs.NewResolver(rehoster),
		cfg.Worker.Concurrency,
		clockID,
		log.With().Str("component", "delivery").Logger(),
	)

	metrics.StartServer(ctx, log.With().Str("component", "metrics").Logger(), cfg.MetricsAddr)

	log.Info().
		Dur("tick", cfg.Worker.Tick).
		Int("concurrency", cfg.Worker.Concurrency).
		Uint16("clock_id", clockID).
		Msg("post-worker: старт")

	ticker := time.NewTicker(cfg.Worker.Tick)
	defer ticker.Stop()
	deliveryService.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("post-worker: остановка")
			return
		case <-ticker.C:
			deliveryService.RunOnce(ctx)
		}
	}
}
