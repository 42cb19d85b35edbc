// Command noetl-worker leases queue items, dispatches each to the plugin
// matching its step kind, and reports the outcome back onto the event log.
// Many noetl-worker processes run concurrently against the same queue; the
// lease-with-visibility-timeout protocol in internal/queue is what makes
// that safe.
package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"github.com/docker/docker/client"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/noetl/noetl-sub018/internal/config"
	"github.com/noetl/noetl-sub018/internal/eventlog"
	"github.com/noetl/noetl-sub018/internal/ids"
	"github.com/noetl/noetl-sub018/internal/logging"
	"github.com/noetl/noetl-sub018/internal/plugin"
	"github.com/noetl/noetl-sub018/internal/queue"
	"github.com/noetl/noetl-sub018/internal/store"
	"github.com/noetl/noetl-sub018/internal/telemetry"
	"github.com/noetl/noetl-sub018/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (overrides defaults and env)")
	workerID := flag.String("worker-id", "", "stable id for this worker process (random if empty)")
	pythonInterpreter := flag.String("python", "python3", "interpreter used for kind=python steps")
	flag.Parse()

	cfg, err := config.Load(config.WithConfigFile(*configPath))
	if err != nil {
		logging.NewFromEnv("worker").Fatalf("config: %v", err)
	}

	log := logging.New("worker", cfg.LogLevel, cfg.LogFormat)

	id := *workerID
	if id == "" {
		id = logging.NewWorkerID()
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := store.Open(rootCtx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect to postgres: %v", err)
	}
	defer pool.Close()

	gen, err := ids.NewGenerator(0)
	if err != nil {
		log.Fatalf("ids: %v", err)
	}

	registry := prometheus.NewRegistry()
	metrics := telemetry.New(registry)

	shutdownTracing, err := telemetry.InitTracerProvider(rootCtx, "noetl-worker", cfg.OTELExporterEndpoint, cfg.OTELInsecure)
	if err != nil {
		log.Fatalf("telemetry: %v", err)
	}
	defer shutdownTracing(context.Background())
	tracer := telemetry.NewTracer("noetl-worker")

	events := eventlog.New(pool, gen)
	q := queue.New(pool)

	plugins := []plugin.Plugin{
		plugin.NewHTTP(30 * time.Second),
		plugin.NewSQL(pool.Pool, "postgres"),
		plugin.Shell{},
		plugin.NewPython(*pythonInterpreter),
		plugin.Noop{},
		plugin.Save{},
	}
	if dockerCli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation()); err != nil {
		log.WithError(err).Warn("worker: docker client unavailable, kind=container steps will fail")
	} else {
		plugins = append(plugins, plugin.NewContainer(dockerCli))
	}

	pluginRegistry := plugin.NewRegistry(plugins...)

	w := worker.New(id, q, events, pluginRegistry, log, metrics, tracer, cfg.QueueVisibilityTimeout)

	log.WithField("worker_id", id).WithField("concurrency", cfg.WorkerConcurrency).Info("worker: starting")
	w.Run(rootCtx, cfg.WorkerConcurrency, 2*time.Second)
	log.Info("worker: shut down")
}
