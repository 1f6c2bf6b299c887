package configuration

import (
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-redis/redis"
	"k8s.io/apimachinery/pkg/api/resource"
)

type OrchestratorConfiguration struct {
	// Identifies this replica in the servers table and on the instances it claims.
	// Defaults to the hostname.
	ServerId    string
	MetricsPort uint16
	// Models served by this replica. Empty means every model in the registry.
	Models []string

	Postgres    PostgresConfig
	Redis       RedisConfig
	Kubernetes  KubernetesConfig
	Lock        LockConfig
	Scheduler   SchedulerConfig
	Scaling     ScalingConfig
	Recovery    RecoveryConfig
	Cache       CacheConfig
	ResultStore ResultStoreConfig
	JobClient   JobClientConfig
	Registry    RegistryConfig
	Metrics     MetricsConfig
}

type PostgresConfig struct {
	PoolMaxOpenConns    int
	PoolMaxConnLifetime time.Duration
	Connection          map[string]string
}

type RedisConfig struct {
	Addrs    []string
	Password string
	DB       int
	PoolSize int
}

func (c RedisConfig) AsUniversalOptions() *redis.UniversalOptions {
	return &redis.UniversalOptions{
		Addrs:    c.Addrs,
		Password: c.Password,
		DB:       c.DB,
		PoolSize: c.PoolSize,
	}
}

type KubernetesConfig struct {
	// Path to a kubeconfig file. When empty the in-cluster configuration is used.
	KubeConfigPath string
	Namespace      string `validate:"required"`
	QPS            float32
	Burst          int
	// Image used when a model does not name one; "%s" is replaced by the model id.
	ImageTemplate   string `validate:"required"`
	ImagePullPolicy string
	ContainerPort   int32 `validate:"required"`
	// Resource profiles keyed by model size, e.g. "small" or "large".
	SizeProfiles map[string]SizeProfile `validate:"required"`
	DefaultSize  string                 `validate:"required"`
}

type SizeProfile struct {
	Cpu    resource.Quantity
	Memory resource.Quantity
}

const (
	LockModeLocal    = "local"
	LockModePostgres = "postgres"
)

type LockConfig struct {
	Mode string `validate:"oneof=local postgres"`
	// How long a postgres lease is valid for without being renewed.
	LeaseDuration time.Duration
	// How often a waiting acquirer retries the postgres lease.
	PollInterval time.Duration
}

type SchedulerConfig struct {
	Interval time.Duration `validate:"required"`
	// How long a SCHEDULING claim may stay without a matching instance.
	SchedulingGracePeriod time.Duration `validate:"required"`
	// How long after being claimed a PROCESSING request may go without an instance or a job id.
	ProcessingGracePeriod time.Duration `validate:"required"`
	// FAILED requests processed within [FailedCleanupMinAge, FailedCleanupMaxAge] ago release their instance.
	FailedCleanupMinAge   time.Duration `validate:"required"`
	FailedCleanupMaxAge   time.Duration `validate:"required,gtfield=FailedCleanupMinAge"`
	JobStatusPollInterval time.Duration `validate:"required"`
	// How long an asynchronous job may run, measured from its submission, before its request fails.
	JobTimeout time.Duration `validate:"required"`
	// Consecutive failed result downloads of a completed job before its request fails.
	ResultFetchAttempts uint `validate:"required"`
	PodReadyPollInterval  time.Duration `validate:"required"`
	PodReadyTimeout       time.Duration `validate:"required"`
	SubmitAttempts        uint          `validate:"required"`
	SubmitRetryDelay      time.Duration
	UpdateAttempts        uint `validate:"required"`
	// Upper bound on concurrently held instances across all models on this replica.
	MaxConcurrentInstances int `validate:"required"`
	// Maximum number of requests loaded per iteration.
	FetchLimit uint `validate:"required"`
	// How long submitting a job, or running a synchronous one, may take once the instance is ready.
	// Waiting for readiness is bounded by PodReadyTimeout alone.
	SubmissionTimeout time.Duration `validate:"required"`
}

type ScalingConfig struct {
	Interval    time.Duration `validate:"required"`
	LockTimeout time.Duration `validate:"required"`
	// Instances younger than this are never scaled down.
	StartupGrace time.Duration
	// Bound on a single acquisition attempt made by the scheduler.
	AcquireTimeout time.Duration `validate:"required"`
}

type RecoveryConfig struct {
	HeartbeatInterval    time.Duration `validate:"required"`
	StaleAfter           time.Duration `validate:"required"`
	FailedServerInterval time.Duration `validate:"required"`
}

const (
	CacheTypeNone  = "none"
	CacheTypeRedis = "redis"
)

type CacheConfig struct {
	Type string `validate:"oneof=none redis"`
	// How long cached results live. Zero keeps them forever.
	Ttl            time.Duration
	LocalCacheSize int
}

const (
	ResultStoreTypeLocal = "local"
	ResultStoreTypeS3    = "s3"
)

type ResultStoreConfig struct {
	Type  string `validate:"oneof=local s3"`
	Local LocalResultStoreConfig
	S3    S3Config
}

type LocalResultStoreConfig struct {
	Directory string
}

type S3Config struct {
	Bucket string
	Prefix string
	Region string
	// Optional endpoint for S3 compatible stores such as MinIO.
	Endpoint        string
	AccessKeyId     string
	SecretAccessKey string
	UsePathStyle    bool
}

type JobClientConfig struct {
	RequestTimeout time.Duration `validate:"required"`
	RetryMax       int
	RetryWaitMin   time.Duration
	RetryWaitMax   time.Duration
}

type RegistryConfig struct {
	CacheTtl time.Duration
}

type MetricsConfig struct {
	Disabled bool
	// How often node metrics are scraped from the kubelets.
	ScrapeInterval time.Duration
}

func (c OrchestratorConfiguration) Validate() error {
	validate := validator.New()
	validate.RegisterStructValidation(validateBackends, OrchestratorConfiguration{})
	return validate.Struct(c)
}

// validateBackends requires the settings of the selected cache and result store backends.
func validateBackends(sl validator.StructLevel) {
	c := sl.Current().Interface().(OrchestratorConfiguration)
	if c.Cache.Type == CacheTypeRedis && len(c.Redis.Addrs) == 0 {
		sl.ReportError(c.Redis.Addrs, "Redis.Addrs", "Addrs", "required_with_redis_cache", "")
	}
	switch c.ResultStore.Type {
	case ResultStoreTypeS3:
		if c.ResultStore.S3.Bucket == "" {
			sl.ReportError(c.ResultStore.S3.Bucket, "ResultStore.S3.Bucket", "Bucket", "required_with_s3", "")
		}
	case ResultStoreTypeLocal:
		if c.ResultStore.Local.Directory == "" {
			sl.ReportError(c.ResultStore.Local.Directory, "ResultStore.Local.Directory", "Directory", "required_with_local", "")
		}
	}
}

// ResolveServerId fills in ServerId from the hostname when it is not configured.
func (c *OrchestratorConfiguration) ResolveServerId() error {
	if c.ServerId != "" {
		return nil
	}
	hostname, err := os.Hostname()
	if err != nil {
		return err
	}
	c.ServerId = hostname
	return nil
}
