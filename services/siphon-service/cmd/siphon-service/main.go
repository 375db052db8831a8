package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/open-afc-project/als-siphon/libs/config"
	"github.com/open-afc-project/als-siphon/libs/db"
	"github.com/open-afc-project/als-siphon/libs/httpx"
	"github.com/open-afc-project/als-siphon/libs/kafkax"
	otelx "github.com/open-afc-project/als-siphon/libs/otel"
	"github.com/open-afc-project/als-siphon/libs/runtime"
	"github.com/open-afc-project/als-siphon/services/siphon-service/internal/dbwrite"
	"github.com/open-afc-project/als-siphon/services/siphon-service/internal/metrics"
	"github.com/open-afc-project/als-siphon/services/siphon-service/internal/siphon"
	"github.com/open-afc-project/als-siphon/services/siphon-service/internal/stream"
)

func main() {
	service := config.String("SERVICE_NAME", "siphon-service")
	port, err := config.Port("PORT", "8090")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	brokers, err := config.RequiredString("ALS_KAFKA_SERVERS")
	if err != nil {
		panic(err)
	}
	maxPoll, err := config.Int("ALS_MAX_POLL_RECORDS", 100)
	if err != nil {
		panic(err)
	}
	idleTimeout, err := config.Duration("ALS_IDLE_TIMEOUT", 2*time.Second)
	if err != nil {
		panic(err)
	}
	maxAge, err := config.Duration("ALS_MAX_BUNDLE_AGE", 10*time.Minute)
	if err != nil {
		panic(err)
	}
	maxFlushBundles, err := config.Int("ALS_MAX_FLUSH_BUNDLES", 100)
	if err != nil {
		panic(err)
	}
	maxFlushRequests, err := config.Int("ALS_MAX_FLUSH_REQUESTS", 5000)
	if err != nil {
		panic(err)
	}
	refreshEvery, err := config.Duration("ALS_TOPIC_REFRESH_EVERY", 5*time.Minute)
	if err != nil {
		panic(err)
	}
	alsTopic := config.String("ALS_TOPIC", "ALS")

	consumer, err := stream.NewClient(logger, stream.Config{
		Brokers:      brokers,
		GroupID:      config.String("ALS_KAFKA_GROUP_ID", "als-siphon"),
		AlsTopic:     alsTopic,
		TopicPattern: config.String("ALS_LOG_TOPIC_PATTERN", ""),
	})
	if err != nil {
		logger.Error("kafka client setup failed", "err", err)
		panic(err)
	}
	defer func() { _ = consumer.Close() }()

	// An empty database URL runs the siphon in stream-only mode: records
	// are consumed and dropped, offsets still advance.
	var pool *db.Pool
	var sink siphon.Sink
	if dbURL := config.String("ALS_DATABASE_URL", ""); dbURL != "" {
		pool, err = db.Open(ctx, dbURL)
		if err != nil {
			logger.Error("db connection failed", "err", err)
			panic(err)
		}
		defer pool.Close()

		if err := dbwrite.ValidateSchema(ctx, pool); err != nil {
			logger.Error("schema validation failed", "err", err)
			var schemaErr *dbwrite.SchemaError
			if errors.As(err, &schemaErr) {
				// Running against a mismatched schema would corrupt data.
				os.Exit(1)
			}
			panic(err)
		}
		sink = dbwrite.NewFlusher(pool, logger)
	} else {
		logger.Warn("no database configured, running stream-only")
	}

	instance := uuid.NewString()
	m := metrics.New(instance)
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := m.Register(registry); err != nil {
		logger.Error("metric registration failed", "err", err)
		panic(err)
	}

	loop := siphon.New(consumer, sink, m, logger, siphon.Config{
		AlsTopic:         alsTopic,
		MaxPollRecords:   maxPoll,
		IdleTimeout:      idleTimeout,
		MaxBundleAge:     maxAge,
		MaxFlushBundles:  maxFlushBundles,
		MaxFlushRequests: maxFlushRequests,
		RefreshEvery:     refreshEvery,
	})
	go loop.Run(ctx)
	logger.Info("siphon loop started", "instance_id", instance, "als_topic", alsTopic)

	readyChecks := []runtime.ReadyCheck{
		{Name: "kafka", Check: kafkax.ReadyCheck(brokers)},
	}
	if pool != nil {
		readyChecks = append(readyChecks, runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)})
	}
	mux := runtime.NewBaseMuxWithReady(readyChecks...)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
	)
	handler = otelhttp.NewHandler(handler, "siphon-ops")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("ops server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("ops server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("ops server shutdown error", "err", err)
	}
	logger.Info("siphon stopped")
}
