package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"github.com/google/uuid"
	"github.com/illmade-knight/go-querycache/pkg/booking"
	"github.com/illmade-knight/go-querycache/pkg/config"
	"github.com/illmade-knight/go-querycache/pkg/invalidation"
	"github.com/illmade-knight/go-querycache/pkg/microservice"
	"github.com/illmade-knight/go-querycache/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"google.golang.org/api/option"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the booking API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

// service holds everything serve starts, in the order it must be stopped.
type service struct {
	server    *microservice.BaseServer
	listener  *invalidation.Listener
	publisher invalidation.Publisher
	caches    *booking.Caches
	stores    booking.Stores
	closers   []func() error
	logger    zerolog.Logger
}

// serve wires the service, runs it until ctx is done and shuts it down.
func serve(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	svc, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := svc.start(ctx); err != nil {
		_ = svc.shutdown()
		return err
	}

	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received.")
	return svc.shutdown()
}

func build(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (svc *service, err error) {
	svc = &service{logger: logger}
	defer func() {
		if err != nil {
			_ = svc.shutdown()
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	svc.stores, err = newStores(ctx, cfg, opts, svc, logger)
	if err != nil {
		return svc, err
	}

	svc.caches, err = booking.NewCaches(&cfg.Cache, reg, logger)
	if err != nil {
		return svc, err
	}

	var shared *booking.SharedLayers
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		svc.closers = append(svc.closers, rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return svc, fmt.Errorf("failed to connect to redis: %w", err)
		}
		shared = booking.NewSharedLayers(rdb, &cfg.Redis.RedisConfig, logger)
		logger.Info().Str("redis_address", cfg.Redis.Addr).Msg("Shared cache enabled.")
	}

	var psClient *pubsub.Client
	svc.publisher = invalidation.NopPublisher{}
	origin := uuid.NewString()
	if cfg.PubSub.Enabled {
		psClient, err = pubsub.NewClient(ctx, cfg.ProjectID, opts...)
		if err != nil {
			return svc, fmt.Errorf("failed to create pubsub client: %w", err)
		}
		svc.closers = append(svc.closers, psClient.Close)
		svc.publisher, err = invalidation.NewGooglePublisher(ctx, psClient, cfg.PubSub.TopicID, origin, logger)
		if err != nil {
			return svc, err
		}
	}

	repo, err := booking.NewRepository(svc.stores, svc.caches, shared, svc.publisher, logger)
	if err != nil {
		return svc, err
	}

	if psClient != nil {
		listenerCfg := cfg.PubSub.Listener
		listenerCfg.Origin = origin
		svc.listener, err = invalidation.NewListener(&listenerCfg, psClient, repo, logger)
		if err != nil {
			return svc, err
		}
	}

	svc.server = microservice.NewBaseServer(logger, cfg.HTTPPort, reg)
	svc.server.SetRateLimit(cfg.RateLimit)
	microservice.NewBookingHandler(repo, logger).Register(svc.server.Mux())
	return svc, nil
}

func newStores(ctx context.Context, cfg *config.Config, opts []option.ClientOption, svc *service, logger zerolog.Logger) (booking.Stores, error) {
	names := cfg.Firestore.Collections
	if !cfg.Firestore.Enabled {
		logger.Warn().Msg("Firestore disabled, using in-memory collections.")
		return booking.Stores{
			Services:      store.NewInMemoryCollection[booking.Service](names.Services),
			Schedules:     store.NewInMemoryCollection[booking.Schedule](names.Schedules),
			Courts:        store.NewInMemoryCollection[booking.Court](names.Courts),
			Matches:       store.NewInMemoryCollection[booking.Match](names.Matches),
			Players:       store.NewInMemoryCollection[booking.Player](names.Players),
			Payments:      store.NewInMemoryCollection[booking.Payment](names.Payments),
			MatchServices: store.NewInMemoryCollection[booking.MatchService](names.MatchServices),
		}, nil
	}

	client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return booking.Stores{}, fmt.Errorf("failed to create firestore client: %w", err)
	}
	svc.closers = append(svc.closers, client.Close)

	fsCfg := func(name string) *store.FirestoreConfig {
		return &store.FirestoreConfig{ProjectID: cfg.ProjectID, CollectionName: name}
	}
	var stores booking.Stores
	var errs []error
	collect := func(err error) { errs = append(errs, err) }

	var e error
	stores.Services, e = store.NewFirestoreCollection[booking.Service](fsCfg(names.Services), client, logger)
	collect(e)
	stores.Schedules, e = store.NewFirestoreCollection[booking.Schedule](fsCfg(names.Schedules), client, logger)
	collect(e)
	stores.Courts, e = store.NewFirestoreCollection[booking.Court](fsCfg(names.Courts), client, logger)
	collect(e)
	stores.Matches, e = store.NewFirestoreCollection[booking.Match](fsCfg(names.Matches), client, logger)
	collect(e)
	stores.Players, e = store.NewFirestoreCollection[booking.Player](fsCfg(names.Players), client, logger)
	collect(e)
	stores.Payments, e = store.NewFirestoreCollection[booking.Payment](fsCfg(names.Payments), client, logger)
	collect(e)
	stores.MatchServices, e = store.NewFirestoreCollection[booking.MatchService](fsCfg(names.MatchServices), client, logger)
	collect(e)
	if err := errors.Join(errs...); err != nil {
		return booking.Stores{}, err
	}
	return stores, nil
}

func (s *service) start(ctx context.Context) error {
	if s.listener != nil {
		if err := s.listener.Start(ctx); err != nil {
			return err
		}
	}
	return s.server.Start()
}

// shutdown stops the HTTP server first so no request sees a closed cache.
func (s *service) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if s.server != nil {
		errs = append(errs, s.server.Shutdown(ctx))
	}
	if s.listener != nil {
		errs = append(errs, s.listener.Stop(ctx))
	}
	if s.publisher != nil {
		errs = append(errs, s.publisher.Stop(ctx))
	}
	if s.caches != nil {
		errs = append(errs, s.caches.Close())
	}
	if s.stores.Services != nil {
		errs = append(errs, s.stores.Close())
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	err := errors.Join(errs...)
	if err != nil {
		s.logger.Error().Err(err).Msg("Errors during shutdown.")
	} else {
		s.logger.Info().Msg("Service stopped.")
	}
	return err
}
