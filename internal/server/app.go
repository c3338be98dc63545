// Package server builds the application's dependencies and runs the HTTP service.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/image-crawler/internal/api"
	"github.com/JakeFAU/image-crawler/internal/clock/system"
	"github.com/JakeFAU/image-crawler/internal/config"
	"github.com/JakeFAU/image-crawler/internal/crawler"
	"github.com/JakeFAU/image-crawler/internal/dispatcher"
	"github.com/JakeFAU/image-crawler/internal/extract"
	collyfetcher "github.com/JakeFAU/image-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/image-crawler/internal/id/uuid"
	"github.com/JakeFAU/image-crawler/internal/metrics"
	kafkapublisher "github.com/JakeFAU/image-crawler/internal/publisher/kafka"
	memorypublisher "github.com/JakeFAU/image-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/image-crawler/internal/publisher/pubsub"
	memorystorage "github.com/JakeFAU/image-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/image-crawler/internal/storage/postgres"
	redisstore "github.com/JakeFAU/image-crawler/internal/storage/redis"
	sqlitestore "github.com/JakeFAU/image-crawler/internal/storage/sqlite"
)

const shutdownTimeout = 10 * time.Second

// App contains the application's dependencies.
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	apiServer *api.Server
	dispatch  *dispatcher.Dispatcher
	jobStore  crawler.JobStore
	publisher crawler.Publisher
	closers   []namedCloser
}

type namedCloser struct {
	name  string
	close func() error
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("publisher_backend", cfg.Publisher.Backend),
	)

	var err error
	app.jobStore, err = setupStore(ctx, app)
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, namedCloser{name: "job store", close: app.jobStore.Close})

	app.publisher, err = setupPublisher(ctx, app)
	if err != nil {
		app.closeInfrastructure()
		return nil, err
	}

	app.dispatch = setupDispatcher(app)
	app.apiServer = api.NewServer(app.jobStore, app.dispatch, *cfg, logger.Named("api"))
	return app, nil
}

// Handler returns the HTTP handler serving the API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Publisher returns the configured publisher, or nil when publishing is disabled.
func (a *App) Publisher() crawler.Publisher {
	return a.publisher
}

// Crawl submits seeds, waits for the job to finish and returns its final record.
func (a *App) Crawl(ctx context.Context, seeds []string, workers int) (crawler.Job, error) {
	job, err := a.dispatch.Submit(ctx, seeds, workers)
	if err != nil {
		return crawler.Job{}, fmt.Errorf("submit crawl: %w", err)
	}
	if err := a.dispatch.Wait(ctx, job.ID); err != nil {
		return crawler.Job{}, err
	}
	final, err := a.jobStore.GetJob(ctx, job.ID)
	if err != nil {
		return crawler.Job{}, fmt.Errorf("load crawl result: %w", err)
	}
	return final, nil
}

// Run serves the API and blocks until the context is canceled or a
// termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	return a.Close(shutdownCtx)
}

// Close stops running jobs and releases every backend.
func (a *App) Close(ctx context.Context) error {
	var err error
	if a.dispatch != nil {
		if cerr := a.dispatch.Close(ctx); cerr != nil {
			a.logger.Warn("dispatcher close failed", zap.Error(cerr))
			err = cerr
		}
	}
	a.closeInfrastructure()
	if serr := a.logger.Sync(); serr != nil {
		a.logger.Debug("logger sync failed", zap.Error(serr))
	}
	a.logger.Info("shutdown complete")
	return err
}

// closeInfrastructure closes backends in reverse order of creation.
func (a *App) closeInfrastructure() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
		}
	}
	a.closers = nil
}

func setupStore(ctx context.Context, app *App) (crawler.JobStore, error) {
	cfg := app.cfg.Storage
	switch cfg.Backend {
	case config.StoragePostgres:
		store, err := pgstore.NewJobStore(ctx, pgstore.Config{
			DSN:      cfg.Postgres.DSN,
			Table:    cfg.Postgres.Table,
			MaxConns: cfg.Postgres.MaxConns,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres job store init failed: %w", err)
		}
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("postgres job store migrate failed: %w", err)
		}
		app.logger.Info("using postgres job store", zap.String("table", cfg.Postgres.Table))
		return store, nil
	case config.StorageRedis:
		store, err := redisstore.NewJobStore(redisstore.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			TTL:      app.cfg.RedisTTL(),
		})
		if err != nil {
			return nil, fmt.Errorf("redis job store init failed: %w", err)
		}
		if err := store.Ping(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("redis job store ping failed: %w", err)
		}
		app.logger.Info("using redis job store", zap.String("addr", cfg.Redis.Addr))
		return store, nil
	case config.StorageSQLite:
		store, err := sqlitestore.Open(cfg.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("sqlite job store init failed: %w", err)
		}
		app.logger.Info("using sqlite job store", zap.String("path", cfg.SQLite.Path))
		return store, nil
	default:
		app.logger.Info("using in-memory job store")
		return memorystorage.NewJobStore(), nil
	}
}

func setupPublisher(ctx context.Context, app *App) (crawler.Publisher, error) {
	cfg := app.cfg.Publisher
	switch cfg.Backend {
	case config.PublisherKafka:
		pub, err := kafkapublisher.New(cfg.Kafka.Brokers)
		if err != nil {
			return nil, fmt.Errorf("kafka publisher init failed: %w", err)
		}
		app.closers = append(app.closers, namedCloser{name: "kafka publisher", close: pub.Close})
		app.logger.Info("kafka publisher initialized",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("topic", cfg.Topic),
		)
		return pub, nil
	case config.PublisherPubSub:
		pub, err := gcppublisher.NewForProject(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		app.closers = append(app.closers, namedCloser{name: "pubsub publisher", close: pub.Close})
		app.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", cfg.PubSub.ProjectID),
			zap.String("topic", cfg.Topic),
		)
		return pub, nil
	case config.PublisherMemory:
		app.logger.Info("using in-memory publisher", zap.String("topic", cfg.Topic))
		return memorypublisher.New(), nil
	default:
		app.logger.Info("seed result publishing disabled")
		return nil, nil
	}
}

func setupDispatcher(app *App) *dispatcher.Dispatcher {
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent: app.cfg.Crawler.UserAgent,
		Timeout:   app.cfg.FetchTimeout(),
	})
	app.logger.Info("using colly fetcher",
		zap.String("user_agent", app.cfg.Crawler.UserAgent),
		zap.Duration("timeout", app.cfg.FetchTimeout()),
	)
	topic := ""
	if app.publisher != nil {
		topic = app.cfg.Publisher.Topic
	}
	return dispatcher.New(
		app.jobStore,
		app.publisher,
		fetcher,
		extract.New(),
		uuid.New(),
		system.New(),
		dispatcher.Config{
			MaxWorkers: app.cfg.Crawler.MaxWorkers,
			CacheSize:  app.cfg.Fetch.CacheSize,
			Topic:      topic,
		},
		app.logger.Named("dispatcher"),
	)
}
