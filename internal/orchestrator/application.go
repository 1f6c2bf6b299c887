package orchestrator

import (
	"context"
	"net/http"
	"time"

	"github.com/go-redis/redis"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/ersilia-os/ersilia-hub-sub000/internal/common"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/common/app"
	dbcommon "github.com/ersilia-os/ersilia-hub-sub000/internal/common/database"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/common/health"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/common/logging"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/common/task"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/cache"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/configuration"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/jobclient"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/lock"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/metrics"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/provisioner"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/recovery"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/registry"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/repository"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/resultstore"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/scaling"
	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/scheduler"
)

const backgroundTaskShutdownTimeout = 30 * time.Second

// Run sets up the orchestrator and runs it until a SIGTERM is received.
func Run(config configuration.OrchestratorConfiguration) error {
	g, ctx := errgroup.WithContext(app.CreateContextWithShutdown())
	wallClock := clock.RealClock{}

	//////////////////////////////////////////////////////////////////////////
	// Health Checks
	//////////////////////////////////////////////////////////////////////////
	mux := http.NewServeMux()
	startupCompleteCheck := health.NewStartupCompleteChecker()
	healthChecks := health.NewMultiChecker(startupCompleteCheck)
	health.SetupHttpMux(mux, healthChecks)
	shutdownHttpServer := common.ServeHttp(config.MetricsPort, mux)
	defer shutdownHttpServer()

	//////////////////////////////////////////////////////////////////////////
	// Database
	//////////////////////////////////////////////////////////////////////////
	log.Infof("Setting up database connections")
	db, err := dbcommon.OpenPgxPool(ctx, config.Postgres)
	if err != nil {
		return errors.WithMessage(err, "error opening connection to postgres")
	}
	defer db.Close()
	requests := repository.NewPostgresWorkRequestRepository(db)
	servers := repository.NewPostgresServerRepository(db)
	models := registry.NewModelRegistry(repository.NewPostgresModelRepository(db), config.Registry.CacheTtl)

	locker, err := createLocker(db, config)
	if err != nil {
		return err
	}

	//////////////////////////////////////////////////////////////////////////
	// Kubernetes
	//////////////////////////////////////////////////////////////////////////
	log.Infof("Setting up kubernetes client for namespace %s", config.Kubernetes.Namespace)
	kubernetesClient, err := provisioner.NewKubernetesClient(config.Kubernetes)
	if err != nil {
		return errors.WithMessage(err, "error creating kubernetes client")
	}
	instanceProvisioner := provisioner.NewKubernetesProvisioner(kubernetesClient, config.Kubernetes, config.ServerId)
	scalingManager := scaling.NewManager(instanceProvisioner, models, locker, config.Scaling, wallClock)

	//////////////////////////////////////////////////////////////////////////
	// Results
	//////////////////////////////////////////////////////////////////////////
	resultCache, closeCache, err := createResultCache(config)
	if err != nil {
		return err
	}
	defer closeCache()
	resultStore, err := resultstore.New(ctx, config.ResultStore)
	if err != nil {
		return errors.WithMessage(err, "error creating result store")
	}

	//////////////////////////////////////////////////////////////////////////
	// Recovery
	//////////////////////////////////////////////////////////////////////////
	heartbeat := recovery.NewHeartbeat(config.ServerId, servers, wallClock)
	if err := heartbeat.Register(ctx); err != nil {
		return errors.WithMessagef(err, "error registering server %s", config.ServerId)
	}
	healthChecks.Add(heartbeat.Checker(config.Recovery.StaleAfter))
	failedServerHandler := recovery.NewFailedServerHandler(
		config.ServerId,
		servers,
		requests,
		instanceProvisioner,
		config.Recovery.StaleAfter,
		config.Scheduler.UpdateAttempts,
		wallClock,
	)

	//////////////////////////////////////////////////////////////////////////
	// Scheduler
	//////////////////////////////////////////////////////////////////////////
	worker := scheduler.NewWorkRequestWorker(
		config.ServerId,
		config.Models,
		requests,
		models,
		instanceProvisioner,
		scalingManager,
		resultCache,
		resultStore,
		jobclient.NewHttpClient(config.JobClient),
		config.Scheduler,
		config.Scaling.AcquireTimeout,
		config.Kubernetes.ContainerPort,
		wallClock,
	)

	taskManager := task.NewBackgroundTaskManager(metrics.MetricPrefix)
	taskManager.Register(worker.ProcessRequests, config.Scheduler.Interval, "process_requests")
	taskManager.Register(func(ctx context.Context) {
		modelIds, err := models.ServedModelIds(ctx, config.Models)
		if err != nil {
			logging.WithStacktrace(log.NewEntry(log.StandardLogger()), err).Error("Failed to resolve served models")
			return
		}
		scalingManager.ScaleModels(ctx, modelIds)
	}, config.Scaling.Interval, "scale_models")
	taskManager.Register(heartbeat.CheckIn, config.Recovery.HeartbeatInterval, "heartbeat")
	taskManager.Register(failedServerHandler.HandleFailedServers, config.Recovery.FailedServerInterval, "failed_servers")
	if !config.Metrics.Disabled {
		collector := metrics.NewInstanceMetricsCollector(instanceProvisioner)
		taskManager.Register(collector.Collect, config.Metrics.ScrapeInterval, "instance_metrics")
	}

	g.Go(func() error {
		<-ctx.Done()
		log.Infof("Stopping background tasks")
		if timedOut := taskManager.StopAll(backgroundTaskShutdownTimeout); timedOut {
			log.Warnf("Background tasks did not stop within %s", backgroundTaskShutdownTimeout)
		}
		return nil
	})

	startupCompleteCheck.MarkComplete()
	log.Infof("Orchestrator %s started", config.ServerId)
	return g.Wait()
}

func createLocker(db *pgxpool.Pool, config configuration.OrchestratorConfiguration) (lock.Locker, error) {
	switch config.Lock.Mode {
	case configuration.LockModePostgres:
		log.Infof("Using postgres leases for instance locks")
		return lock.NewPostgresLeaseLocker(db, config.ServerId, config.Lock.LeaseDuration, config.Lock.PollInterval), nil
	case configuration.LockModeLocal, "":
		return lock.NewKeyedMutex(), nil
	default:
		return nil, errors.Errorf("unknown lock mode %s", config.Lock.Mode)
	}
}

func createResultCache(config configuration.OrchestratorConfiguration) (cache.ResultCache, func(), error) {
	if config.Cache.Type != configuration.CacheTypeRedis {
		log.Infof("Result cache disabled")
		return cache.NoopCache{}, func() {}, nil
	}
	redisClient := redis.NewUniversalClient(config.Redis.AsUniversalOptions())
	closeClient := func() {
		if err := redisClient.Close(); err != nil {
			log.WithError(errors.WithStack(err)).Warnf("Redis client didn't close down cleanly")
		}
	}
	resultCache, err := cache.NewRedisCache(redisClient, config.Cache.Ttl, config.Cache.LocalCacheSize)
	if err != nil {
		closeClient()
		return nil, nil, errors.WithMessage(err, "error creating result cache")
	}
	return resultCache, closeClient, nil
}
