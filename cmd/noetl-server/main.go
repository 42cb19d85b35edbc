// Command noetl-server runs the broker: the process that LISTENs on the
// Postgres event log, replays each touched execution's prefix, and drives
// the workflow state machine forward. It also serves the Execution API
// (spec §6) and a Prometheus metrics endpoint.
//
// Grounded on r3e-network-service_layer's cmd/appserver/main.go: flag
// overrides over a config loader, signal.Notify-based graceful shutdown,
// background goroutines for subsystems that outlive a single request.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/noetl/noetl-sub018/internal/broker"
	"github.com/noetl/noetl-sub018/internal/catalog"
	"github.com/noetl/noetl-sub018/internal/config"
	"github.com/noetl/noetl-sub018/internal/eventlog"
	"github.com/noetl/noetl-sub018/internal/ids"
	"github.com/noetl/noetl-sub018/internal/iterator"
	"github.com/noetl/noetl-sub018/internal/logging"
	"github.com/noetl/noetl-sub018/internal/queue"
	"github.com/noetl/noetl-sub018/internal/store"
	"github.com/noetl/noetl-sub018/internal/telemetry"

	apihttp "github.com/noetl/noetl-sub018/internal/api"
)

// everySpec turns a Duration into the "@every" cron spec robfig/cron
// understands, rounding to the nearest whole second (minimum one second)
// since cron.WithSeconds() has no sub-second resolution.
func everySpec(d time.Duration) string {
	if d < time.Second {
		d = time.Second
	}
	return fmt.Sprintf("@every %s", d.Round(time.Second))
}

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (overrides defaults and env)")
	nodeID := flag.Int64("node-id", 1, "snowflake node id for this server process (0..1023)")
	skipMigrate := flag.Bool("skip-migrate", false, "skip running embedded migrations on startup")
	flag.Parse()

	cfg, err := config.Load(config.WithConfigFile(*configPath))
	if err != nil {
		logging.NewFromEnv("server").Fatalf("config: %v", err)
	}

	log := logging.New("server", cfg.LogLevel, cfg.LogFormat)

	if !*skipMigrate {
		if err := store.Migrate(cfg.PostgresDSN); err != nil {
			log.Fatalf("migrate: %v", err)
		}
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := store.Open(rootCtx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect to postgres: %v", err)
	}
	defer pool.Close()

	gen, err := ids.NewGenerator(*nodeID)
	if err != nil {
		log.Fatalf("ids: %v", err)
	}

	registry := prometheus.NewRegistry()
	metrics := telemetry.New(registry)

	shutdownTracing, err := telemetry.InitTracerProvider(rootCtx, "noetl-server", cfg.OTELExporterEndpoint, cfg.OTELInsecure)
	if err != nil {
		log.Fatalf("telemetry: %v", err)
	}
	defer shutdownTracing(context.Background())
	tracer := telemetry.NewTracer("noetl-server")

	events := eventlog.New(pool, gen)
	catalogs := catalog.New(pool, gen)
	q := queue.New(pool)
	iter := iterator.New(pool, events)

	br := broker.New(events, q, catalogs, iter, pool, gen, log, metrics, tracer)
	reaper := broker.NewReaper(br, cfg.QueueVisibilityTimeout)

	listener := eventlog.NewListener(pool)
	notifications := make(chan int64, 256)

	go func() {
		if err := listener.Listen(rootCtx, notifications); err != nil && rootCtx.Err() == nil {
			log.WithError(err).Error("server: event log listener stopped")
		}
	}()

	go func() {
		for {
			select {
			case <-rootCtx.Done():
				return
			case executionID := <-notifications:
				if err := br.React(rootCtx, executionID); err != nil {
					log.WithContext(rootCtx).WithError(err).WithField("execution_id", executionID).
						Error("server: broker react failed")
				}
			}
		}
	}()

	// Reaper timeout scans and queue-lease reclamation run on a
	// robfig/cron schedule rather than bare tickers, so their cadence
	// reads the same way an operator would configure a crontab entry.
	scheduler := cron.New(cron.WithSeconds())
	if _, err := scheduler.AddFunc(everySpec(cfg.ExecutionReapInterval), func() {
		if err := reaper.Sweep(rootCtx); err != nil {
			log.WithError(err).Error("server: reaper sweep failed")
		}
	}); err != nil {
		log.Fatalf("schedule reaper sweep: %v", err)
	}
	if _, err := scheduler.AddFunc(everySpec(cfg.QueueSweepInterval), func() {
		if n, err := q.Sweep(rootCtx); err != nil {
			log.WithError(err).Error("server: queue sweep failed")
		} else if n > 0 {
			log.WithField("requeued", n).Info("server: queue sweep reclaimed expired leases")
		}
	}); err != nil {
		log.Fatalf("schedule queue sweep: %v", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	apiServer := apihttp.NewServer(apihttp.Deps{
		Pool:     pool,
		Events:   events,
		Catalogs: catalogs,
		Queue:    q,
		Broker:   br,
		IDs:      gen,
		Log:      log,
		Metrics:  metrics,
	})

	httpServer := &http.Server{Addr: cfg.APIListenAddr, Handler: apiServer.Router()}
	metricsServer := &http.Server{Addr: cfg.MetricsListenAddr, Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{})}

	go func() {
		log.WithField("addr", cfg.APIListenAddr).Info("server: execution API listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server: http server failed")
		}
	}()

	go func() {
		log.WithField("addr", cfg.MetricsListenAddr).Info("server: metrics listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("server: metrics server failed")
		}
	}()

	<-rootCtx.Done()
	log.Info("server: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = metricsServer.Shutdown(shutdownCtx)
}
