// etlflow-engine — долгоживущий движок выполнения jobs.
//
// Engine:
//   - Загружает каталог jobs (JOBS_PATH) и проверяет его
//   - Принимает run.requested и run.cancel из RabbitMQ
//   - Подбирает из PostgreSQL runs, запрос на которые потерялся
//   - Запускает jobs по расписаниям каталога
//   - Публикует события runs и шагов в etlflow.events
//   - Отдаёт HTTP API: каталог, запуск и остановка runs
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/etlflow/internal/api"
	"github.com/shaiso/etlflow/internal/domain"
	"github.com/shaiso/etlflow/internal/engine"
	"github.com/shaiso/etlflow/internal/executor"
	"github.com/shaiso/etlflow/internal/mq"
	"github.com/shaiso/etlflow/internal/orchestrator"
	"github.com/shaiso/etlflow/internal/repo"
	"github.com/shaiso/etlflow/internal/scheduler"
	"github.com/shaiso/etlflow/internal/telemetry"
)

func main() {
	logger := telemetry.SetupLogger()
	logger.Info("starting etlflow-engine")

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Каталог jobs
	jobsPath := os.Getenv("JOBS_PATH")
	if jobsPath == "" {
		jobsPath = "jobs"
	}
	catalog, err := engine.LoadCatalog(jobsPath)
	if err != nil {
		logger.Error("failed to load catalog", "path", jobsPath, "error", err)
		os.Exit(1)
	}
	if err := engine.ValidateCatalog(catalog); err != nil {
		logger.Error("invalid catalog", "path", jobsPath, "error", err)
		os.Exit(1)
	}
	logger.Info("catalog loaded",
		"path", jobsPath,
		"jobs", len(catalog.Jobs),
		"schedules", len(catalog.Schedules),
	)

	// DB pool
	pool, err := repo.NewPool(ctx, repo.PoolConfigFromEnv(logger))
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := repo.Migrate(ctx, pool); err != nil {
		logger.Error("failed to migrate schema", "error", err)
		os.Exit(1)
	}
	logger.Info("database connected")

	executions := repo.NewExecutionRepo(pool)

	// RabbitMQ
	var mqConn *mq.Connection
	var notifier orchestrator.Notifier
	mqURL := os.Getenv("RABBITMQ_URL")
	if mqURL == "" {
		mqURL = mq.DefaultURL()
	}

	mqConn, err = mq.NewConnection(mqURL, logger)
	if err != nil {
		logger.Warn("RabbitMQ not available, running in polling-only mode", "error", err)
	} else {
		defer mqConn.Close()
		logger.Info("RabbitMQ connected")

		if err := mq.SetupTopology(ctx, mqConn); err != nil {
			logger.Warn("failed to setup topology", "error", err)
		}

		notifier = mq.NewNotifier(mq.NewPublisher(mqConn, logger))
	}

	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)

	// Executors и оркестраторы
	executors := executor.NewDefaultRegistry(executor.Config{
		PipelinePollInterval: envDuration("PIPELINE_POLL_INTERVAL", 0),
		Logger:               logger,
	})
	defer executors.Close()

	steps := orchestrator.NewStepOrchestrator(orchestrator.StepOrchestratorConfig{
		Executors: executors,
		Store:     executions,
		Logger:    logger,
		Metrics:   metrics,
	})

	global := orchestrator.NewGlobal(orchestrator.GlobalConfig{
		Runner:      steps,
		MaxParallel: envInt("MAX_PARALLEL_STEPS", 0),
		Logger:      logger,
		Metrics:     metrics,
	})

	jobs := orchestrator.NewJobExecutor(orchestrator.JobExecutorConfig{
		Global:   global,
		Store:    executions,
		Notifier: notifier,
		Catalog:  catalog,
		Logger:   logger,
		Metrics:  metrics,
	})
	executors.Register(domain.StepKindJob, &executor.JobStepExecutor{Launcher: jobs})

	// Service: очереди + polling
	service := orchestrator.NewService(orchestrator.ServiceConfig{
		Jobs:         jobs,
		Conn:         mqConn,
		Pending:      executions,
		PollInterval: envDuration("POLL_INTERVAL", 0),
		Logger:       logger,
	})
	if err := service.Start(ctx); err != nil {
		logger.Error("failed to start service", "error", err)
		os.Exit(1)
	}

	// Scheduler
	sched := scheduler.New(scheduler.Config{
		Schedules: catalog.Schedules,
		Launcher:  jobs,
		Interval:  envDuration("SCHEDULER_INTERVAL", 0),
		Logger:    logger,
	})
	go sched.Run(ctx)

	// HTTP mux: /healthz + /metrics + API
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		if mqConn != nil && !mqConn.IsConnected() {
			http.Error(w, "rabbitmq reconnecting", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ready"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	api.NewHandler(api.Config{
		Jobs:      jobs,
		Runs:      executions,
		Schedules: sched,
		Catalog:   catalog,
		Logger:    logger,
	}).RegisterRoutes(mux)

	port := ":8083"
	if v := os.Getenv("ENGINE_PORT"); v != "" {
		port = ":" + v
	}

	srv := &http.Server{Addr: port, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Info("listening", "addr", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}

	service.Stop()
	logger.Info("etlflow-engine stopped")
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
