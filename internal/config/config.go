// Package config assembles one immutable Config record from the process
// environment at startup. Every component constructor takes the fields it
// needs explicitly. The log level (LOG_LEVEL, read in cmd/serve.go) and the
// Kubernetes client's KUBECONFIG lookup are read outside this record.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kubecoderun/kubecoderun/internal/model"
)

// Config is the complete, immutable configuration surface for the
// execution orchestration core.
type Config struct {
	// Backend selects the sandbox platform: "k8s" or "docker".
	Backend string

	// Pool.
	PoolEnabled            bool
	PoolWarmupOnStartup    bool
	PoolTargetPerLang      map[model.Language]int
	PoolParallelBatch      int
	PoolReplenishInterval  time.Duration
	PoolExhaustionTrigger  bool
	PoolStartupDeadline    time.Duration
	PoolHealthInterval     time.Duration
	PoolFallbackThreshold  time.Duration // deployment policy: max wait before cold-spawn fallback

	// Execution.
	MaxExecutionTime      time.Duration
	MaxMemoryMiB          int
	MaxPIDs               int
	MaxOpenFiles           int
	MaxConcurrentExecutions int

	// Files.
	MaxFileSizeMiB      int64
	MaxTotalFileSizeMiB int64
	MaxFilesPerSession  int
	MaxOutputFiles      int
	MaxFilenameLength   int

	// Session.
	SessionTTL             time.Duration
	SessionCleanupInterval time.Duration

	// State.
	StateEnabled           bool
	StateTTL               time.Duration
	StateMaxSizeMiB        int64
	StateArchiveEnabled    bool
	StateArchiveAfter      time.Duration
	StateArchiveTTL        time.Duration
	StateArchiveCheckInterval time.Duration
	StateRestoreGrace      time.Duration

	// Connection strings / endpoints for ambient infrastructure.
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	S3Bucket      string
	S3Endpoint    string
	S3Region      string

	// K8s backend.
	K8sNamespace        string
	AgentImage          string
	AgentMemoryLimit    string
	AgentCPULimit       string
	SessionStorageSize  string
	StorageClassName    string
	RuntimeClassName    string
	AgentPort           int

	// Docker backend.
	DockerNetworkMode string
	DockerPidsLimit   int64

	// HTTP server.
	ListenAddr string
}

// Load builds a Config from the process environment. It is called exactly
// once at startup; the returned value is never mutated.
func Load() Config {
	return Config{
		Backend: envOrDefault("SANDBOX_BACKEND", "docker"),

		PoolEnabled:         envBoolOrDefault("POOL_ENABLED", true),
		PoolWarmupOnStartup: envBoolOrDefault("POOL_WARMUP_ON_STARTUP", true),
		PoolTargetPerLang: map[model.Language]int{
			model.LangPython:     envIntOrDefault("POOL_TARGET_PY", 4),
			model.LangJavaScript: envIntOrDefault("POOL_TARGET_JS", 2),
			model.LangTypeScript: envIntOrDefault("POOL_TARGET_TS", 0),
			model.LangGo:         envIntOrDefault("POOL_TARGET_GO", 0),
			model.LangJava:       envIntOrDefault("POOL_TARGET_JAVA", 0),
			model.LangC:          envIntOrDefault("POOL_TARGET_C", 0),
			model.LangCPP:        envIntOrDefault("POOL_TARGET_CPP", 0),
			model.LangRust:       envIntOrDefault("POOL_TARGET_RS", 0),
			model.LangPHP:        envIntOrDefault("POOL_TARGET_PHP", 0),
			model.LangR:          envIntOrDefault("POOL_TARGET_R", 0),
			model.LangFortran:    envIntOrDefault("POOL_TARGET_F90", 0),
			model.LangD:          envIntOrDefault("POOL_TARGET_D", 0),
		},
		PoolParallelBatch:     envIntOrDefault("POOL_PARALLEL_BATCH", 5),
		PoolReplenishInterval: envSecondsOrDefault("POOL_REPLENISH_INTERVAL_S", 2*time.Second),
		PoolExhaustionTrigger: envBoolOrDefault("POOL_EXHAUSTION_TRIGGER", true),
		PoolStartupDeadline:   envSecondsOrDefault("POOL_STARTUP_DEADLINE_S", 20*time.Second),
		PoolHealthInterval:    envSecondsOrDefault("POOL_HEALTH_INTERVAL_S", 15*time.Second),
		PoolFallbackThreshold: envSecondsOrDefault("POOL_FALLBACK_THRESHOLD_S", 500*time.Millisecond),

		MaxExecutionTime:        envSecondsOrDefault("MAX_EXECUTION_TIME_S", 30*time.Second),
		MaxMemoryMiB:            envIntOrDefault("MAX_MEMORY_MIB", 512),
		MaxPIDs:                 envIntOrDefault("MAX_PIDS", 64),
		MaxOpenFiles:            envIntOrDefault("MAX_OPEN_FILES", 256),
		MaxConcurrentExecutions: envIntOrDefault("MAX_CONCURRENT_EXECUTIONS", 200),

		MaxFileSizeMiB:      envInt64OrDefault("MAX_FILE_SIZE_MIB", 32),
		MaxTotalFileSizeMiB: envInt64OrDefault("MAX_TOTAL_FILE_SIZE_MIB", 256),
		MaxFilesPerSession:  envIntOrDefault("MAX_FILES_PER_SESSION", 64),
		MaxOutputFiles:      envIntOrDefault("MAX_OUTPUT_FILES", 32),
		MaxFilenameLength:   envIntOrDefault("MAX_FILENAME_LENGTH", 255),

		SessionTTL:             envHoursOrDefault("SESSION_TTL_HOURS", 24*time.Hour),
		SessionCleanupInterval: envMinutesOrDefault("SESSION_CLEANUP_INTERVAL_MINUTES", 5*time.Minute),

		StateEnabled:              envBoolOrDefault("STATE_ENABLED", true),
		StateTTL:                  envSecondsOrDefault("STATE_TTL_S", 2*time.Hour),
		StateMaxSizeMiB:           envInt64OrDefault("STATE_MAX_SIZE_MIB", 50),
		StateArchiveEnabled:       envBoolOrDefault("STATE_ARCHIVE_ENABLED", true),
		StateArchiveAfter:         envSecondsOrDefault("STATE_ARCHIVE_AFTER_S", time.Hour),
		StateArchiveTTL:           envDaysOrDefault("STATE_ARCHIVE_TTL_DAYS", 7*24*time.Hour),
		StateArchiveCheckInterval: envSecondsOrDefault("STATE_ARCHIVE_CHECK_INTERVAL_S", 5*time.Minute),
		StateRestoreGrace:         envSecondsOrDefault("STATE_RESTORE_GRACE_S", 30*time.Second),

		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisAddr:     envOrDefault("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		S3Bucket:      envOrDefault("S3_BUCKET", "kubecoderun"),
		S3Endpoint:    os.Getenv("S3_ENDPOINT"),
		S3Region:      envOrDefault("S3_REGION", "us-east-1"),

		K8sNamespace:       envOrDefault("SANDBOX_NAMESPACE", "default"),
		AgentImage:         envOrDefault("AGENT_IMAGE", "kubecoderun-agent:latest"),
		AgentMemoryLimit:   envOrDefault("AGENT_MEMORY_LIMIT", "512Mi"),
		AgentCPULimit:      envOrDefault("AGENT_CPU_LIMIT", "1"),
		SessionStorageSize: envOrDefault("SESSION_STORAGE_SIZE", "1Gi"),
		StorageClassName:   os.Getenv("STORAGE_CLASS"),
		RuntimeClassName:   os.Getenv("RUNTIME_CLASS"),
		AgentPort:          envIntOrDefault("AGENT_PORT", 8765),

		DockerNetworkMode: envOrDefault("DOCKER_NETWORK_MODE", "none"),
		DockerPidsLimit:   envInt64OrDefault("DOCKER_PIDS_LIMIT", 64),

		ListenAddr: envOrDefault("LISTEN_ADDR", ":8080"),
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBoolOrDefault(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntOrDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

func envInt64OrDefault(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envSecondsOrDefault(key string, def time.Duration) time.Duration {
	n := envIntOrDefault(key, -1)
	if n < 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

func envMinutesOrDefault(key string, def time.Duration) time.Duration {
	n := envIntOrDefault(key, -1)
	if n < 0 {
		return def
	}
	return time.Duration(n) * time.Minute
}

func envHoursOrDefault(key string, def time.Duration) time.Duration {
	n := envIntOrDefault(key, -1)
	if n < 0 {
		return def
	}
	return time.Duration(n) * time.Hour
}

func envDaysOrDefault(key string, def time.Duration) time.Duration {
	n := envIntOrDefault(key, -1)
	if n < 0 {
		return def
	}
	return time.Duration(n) * 24 * time.Hour
}
