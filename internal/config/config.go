// Package config loads runtime configuration from environment variables,
// following the same Load()+getEnv* idiom used throughout the retrieved
// example pack rather than pulling in a configuration framework.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds every knob the coordinator, cache, comm layer, and optional
// ambient services read at startup.
type Config struct {
	Solver    SolverConfig
	Comm      CommConfig
	Cache     CacheConfig
	Partition PartitionConfig
	UC        UCConfig
	Admm      AdmmConfig
	Runlog    RunlogConfig
	Metrics   MetricsConfig
	HTTP      HTTPConfig
}

// SolverConfig configures internal/solver's SolverFactory.
type SolverConfig struct {
	MIPGap      float64
	Threads     int
	Seed        int64
	Verbose     bool
}

// CommConfig configures internal/comm and internal/registry.
type CommConfig struct {
	NATSUrl        string
	EtcdEndpoints  []string
	EtcdPrefix     string
	ConnectTimeout time.Duration

	// WorldSize is the number of zones/workers this run expects; registry.Join
	// blocks until this many workers have registered. WorkerID and RunID
	// default to values derived at startup (hostname-pid, instance-algorithm) when
	// left unset, but can be pinned for reproducible multi-process launches.
	WorldSize    int
	WorkerID     string
	RunID        string
	PollInterval time.Duration
	Timeout      time.Duration
}

// PartitionConfig configures internal/partition's recursive MIP splitter.
type PartitionConfig struct {
	Epsilon float64
	MIPGap  float64
	MaxSize int
}

// UCConfig configures the per-zone internal/uccollab bundle build. The
// reserve fraction is a fleet-wide spinning-reserve margin, never a CLI
// argument (only demand_scale and limit_scale are), so it lives here
// instead of being parsed out of os.Args.
type UCConfig struct {
	ReserveFraction float64
}

// CacheConfig configures internal/cache.
type CacheConfig struct {
	DiskRoot     string
	RedisURL     string
	MinExternalLinesForCache int
}

// AdmmConfig configures internal/admm's coordinator.
type AdmmConfig struct {
	MaxTime               time.Duration
	MaxIterations          int
	MinIterations          int
	MinFeasibility        float64
	ObjChangeTolerance    float64
	InfeasImprovTolerance float64
	RhoInit               float64
	RhoMax                float64
	RhoMultiplier         float64
	RhoUpdateInterval     int
}

// RunlogConfig configures internal/runlog.
type RunlogConfig struct {
	DSN string
}

// MetricsConfig configures internal/metrics.
type MetricsConfig struct {
	InfluxURL   string
	InfluxToken string
	InfluxOrg   string
	InfluxBucket string
}

// HTTPConfig configures internal/httpapi.
type HTTPConfig struct {
	Addr      string
	JWTSecret string
}

// Load reads every setting from the environment with sensible defaults,
// mirroring the pack's convention of a defaults-first Load().
func Load() *Config {
	return &Config{
		Solver: SolverConfig{
			MIPGap:  getEnvFloat("SCUC_MIP_GAP", 1e-3),
			Threads: getEnvInt("SCUC_SOLVER_THREADS", 8),
			Seed:    int64(getEnvInt("SCUC_SOLVER_SEED", 0)),
			Verbose: getEnvBool("SCUC_SOLVER_VERBOSE", false),
		},
		Comm: CommConfig{
			NATSUrl:        getEnv("SCUC_NATS_URL", "nats://localhost:4222"),
			EtcdEndpoints:  getEnvStringSlice("SCUC_ETCD_ENDPOINTS", []string{"localhost:2379"}),
			EtcdPrefix:     getEnv("SCUC_ETCD_PREFIX", "/scuc/workers"),
			ConnectTimeout: getEnvDuration("SCUC_CONNECT_TIMEOUT", 10*time.Second),
			WorldSize:      getEnvInt("SCUC_WORLD_SIZE", 1),
			WorkerID:       getEnv("SCUC_WORKER_ID", ""),
			RunID:          getEnv("SCUC_RUN_ID", ""),
			PollInterval:   getEnvDuration("SCUC_REGISTRY_POLL_INTERVAL", 500*time.Millisecond),
			Timeout:        getEnvDuration("SCUC_REGISTRY_TIMEOUT", 5*time.Minute),
		},
		Cache: CacheConfig{
			DiskRoot:                 getEnv("SCUC_CACHE_DIR", "cache"),
			RedisURL:                 getEnv("SCUC_REDIS_URL", ""),
			MinExternalLinesForCache: getEnvInt("SCUC_CACHE_MIN_EXTERNAL_LINES", 100),
		},
		Partition: PartitionConfig{
			Epsilon: getEnvFloat("SCUC_PARTITION_EPSILON", 0.1),
			MIPGap:  getEnvFloat("SCUC_PARTITION_MIP_GAP", 1e-2),
			MaxSize: getEnvInt("SCUC_PARTITION_MAX_SIZE", 50),
		},
		UC: UCConfig{
			ReserveFraction: getEnvFloat("SCUC_RESERVE_FRACTION", 0.1),
		},
		Admm: AdmmConfig{
			MaxTime:               getEnvDuration("SCUC_MAX_TIME", 30*time.Minute),
			MaxIterations:         getEnvInt("SCUC_MAX_ITERATIONS", 200),
			MinIterations:         getEnvInt("SCUC_MIN_ITERATIONS", 5),
			MinFeasibility:        getEnvFloat("SCUC_MIN_FEASIBILITY", 1e-3),
			ObjChangeTolerance:    getEnvFloat("SCUC_OBJ_CHANGE_TOLERANCE", 1e-3),
			InfeasImprovTolerance: getEnvFloat("SCUC_INFEAS_IMPROV_TOLERANCE", 1e-3),
			RhoInit:               getEnvFloat("SCUC_RHO_INIT", 1.0),
			RhoMax:                getEnvFloat("SCUC_RHO_MAX", 1000.0),
			RhoMultiplier:         getEnvFloat("SCUC_RHO_MULTIPLIER", 1.5),
			RhoUpdateInterval:     getEnvInt("SCUC_RHO_UPDATE_INTERVAL", 10),
		},
		Runlog: RunlogConfig{
			DSN: getEnv("SCUC_RUNLOG_DSN", ""),
		},
		Metrics: MetricsConfig{
			InfluxURL:    getEnv("SCUC_INFLUX_URL", ""),
			InfluxToken:  getEnv("SCUC_INFLUX_TOKEN", ""),
			InfluxOrg:    getEnv("SCUC_INFLUX_ORG", "scuc"),
			InfluxBucket: getEnv("SCUC_INFLUX_BUCKET", "scuc-admm"),
		},
		HTTP: HTTPConfig{
			Addr:      getEnv("SCUC_HTTP_ADDR", ""),
			JWTSecret: getEnv("SCUC_JWT_SECRET", ""),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value, exists := os.LookupEnv(key); exists {
		var out []string
		start := 0
		for i := 0; i <= len(value); i++ {
			if i == len(value) || value[i] == ',' {
				if i > start {
					out = append(out, value[start:i])
				}
				start = i + 1
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
