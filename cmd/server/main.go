package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"wager-escrow/internal/api"
	"wager-escrow/internal/broadcast"
	"wager-escrow/internal/config"
	"wager-escrow/internal/db"
	"wager-escrow/internal/engine"
	"wager-escrow/internal/lifecycle"
	"wager-escrow/internal/logger"
	"wager-escrow/internal/notify"
	"wager-escrow/internal/ws"
)

func main() {
	configPath := flag.String("config", os.Getenv("WAGER_CONFIG"), "path to a TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log, err := logger.New("wager-escrow", cfg.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
	log.Info("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	store, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	hub := ws.NewHub(log)
	notifier := notify.NewDispatcher(log, notify.NewInboxSender(store), notify.NewHubSender(hub))

	sinks := []broadcast.Sink{broadcast.NewHubSink(hub)}
	if cfg.Redis.Addr != "" {
		rdb, err := broadcast.ConnectRedis(ctx, cfg.Redis.Addr)
		if err != nil {
			return err
		}
		defer closeLogged(log, "redis", rdb)
		sinks = append(sinks, broadcast.NewRedisSink(rdb, cfg.Redis.Channel))
		log.Info("redis broadcast enabled", zap.String("addr", cfg.Redis.Addr), zap.String("channel", cfg.Redis.Channel))
	}
	if len(cfg.Kafka.Brokers) > 0 {
		w := broadcast.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer closeLogged(log, "kafka", w)
		sinks = append(sinks, broadcast.NewKafkaSink(w))
		log.Info("kafka broadcast enabled", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	eng := engine.New(store, notifier, broadcast.NewFanout(log, sinks...), log, engine.Options{
		CreatorFeeBps:   cfg.Fees.CreatorBps,
		PlatformFeeBps:  cfg.Fees.PlatformBps,
		AnnounceTimeout: cfg.Broadcast.Timeout.Duration,
		Registerer:      reg,
	})

	sched, err := lifecycle.NewScheduler(
		lifecycle.Deps{Ledger: eng, Metrics: eng.Metrics(), Logger: log},
		lifecycle.Options{
			Interval:         cfg.Scheduler.Interval.Duration,
			EndingSoonWindow: cfg.Scheduler.EndingSoonWindow.Duration,
		},
	)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           api.NewServer(eng, hub, cfg.Auth.JWTSecret, reg, log).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		sched.Start(ctx)
		<-ctx.Done()
		sched.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		eng.Wait()
		return err
	})
	return g.Wait()
}

func openStore(cfg *config.Config, log *zap.Logger) (db.Store, error) {
	if cfg.Store.Driver == "memory" {
		log.Warn("using in-memory store; state is lost on exit")
		return db.NewMemoryStore(), nil
	}
	pg, err := db.Open(cfg.Store.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	log.Info("connected to database")
	if cfg.Store.Migrate {
		if err := pg.Migrate(); err != nil {
			pg.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		log.Info("migrations applied")
	}
	return pg, nil
}

type closer interface{ Close() error }

func closeLogged(log *zap.Logger, name string, c closer) {
	if err := c.Close(); err != nil {
		log.Warn("close failed", zap.String("resource", name), zap.Error(err))
	}
}
