package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/kubecoderun/kubecoderun/internal/config"
	"github.com/kubecoderun/kubecoderun/internal/dbx"
	"github.com/kubecoderun/kubecoderun/internal/eventbus"
	"github.com/kubecoderun/kubecoderun/internal/executor"
	"github.com/kubecoderun/kubecoderun/internal/filestore"
	"github.com/kubecoderun/kubecoderun/internal/orchestrator"
	"github.com/kubecoderun/kubecoderun/internal/sandboxmgr"
	"github.com/kubecoderun/kubecoderun/internal/sandboxpool"
	"github.com/kubecoderun/kubecoderun/internal/server"
	"github.com/kubecoderun/kubecoderun/internal/session"
	"github.com/kubecoderun/kubecoderun/internal/statestore"
	"github.com/kubecoderun/kubecoderun/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the execution orchestration core's HTTP server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	log := telemetry.NewLogger(envOrDefault("LOG_LEVEL", "info"))

	tp, err := telemetry.NewTracerProvider("kubecoderun")
	if err != nil {
		return fmt.Errorf("tracer provider: %w", err)
	}
	defer tp.Shutdown(context.Background())

	db, err := dbx.Open(cfg.DatabaseURL, log)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return fmt.Errorf("aws config: %w", err)
	}
	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})

	backend, err := buildBackend(cfg, log)
	if err != nil {
		return fmt.Errorf("build sandbox backend: %w", err)
	}

	execClient := executor.NewClient()

	pool := sandboxpool.New(sandboxpool.Config{
		TargetPerLang:     cfg.PoolTargetPerLang,
		ParallelBatch:     cfg.PoolParallelBatch,
		ReplenishInterval: cfg.PoolReplenishInterval,
		ExhaustionTrigger: cfg.PoolExhaustionTrigger,
		StartupDeadline:   cfg.PoolStartupDeadline,
		HealthInterval:    cfg.PoolHealthInterval,
	}, backend, execClient, log)

	sandboxMgr := sandboxmgr.NewManager(backend)

	if cfg.PoolEnabled {
		pool.Start()
		if cfg.PoolWarmupOnStartup {
			for lang, target := range cfg.PoolTargetPerLang {
				if target > 0 {
					pool.Warmup(lang)
				}
			}
		}
	}

	source := orchestrator.NewBlendedSource(pool, sandboxMgr, execClient.Ready, cfg.PoolFallbackThreshold, cfg.PoolStartupDeadline)

	orphanSweeper := sandboxmgr.NewOrphanSweeper(backend, log, cfg.PoolHealthInterval, func() map[string]bool {
		live := pool.LiveNames()
		for name := range sandboxMgr.LiveNames() {
			live[name] = true
		}
		return live
	})

	sessionStore := session.NewStore(db, log)

	stateStore := statestore.New(statestore.Config{
		Enabled:        cfg.StateEnabled,
		TTL:            cfg.StateTTL,
		MaxSizeBytes:   cfg.StateMaxSizeMiB * 1024 * 1024,
		ArchiveEnabled: cfg.StateArchiveEnabled,
		ArchiveAfter:   cfg.StateArchiveAfter,
		ArchiveTTL:     cfg.StateArchiveTTL,
		RestoreGrace:   cfg.StateRestoreGrace,
		Bucket:         cfg.S3Bucket,
	}, redisClient, s3Client)
	archiver := statestore.NewArchiver(stateStore, cfg.StateArchiveCheckInterval, cfg.StateArchiveAfter)

	cleaner := session.NewCleaner(sessionStore, db, stateStore, cfg.SessionCleanupInterval)

	fileStore := filestore.New(filestore.Config{
		Bucket:             cfg.S3Bucket,
		MaxFileSizeBytes:   cfg.MaxFileSizeMiB * 1024 * 1024,
		MaxTotalSizeBytes:  cfg.MaxTotalFileSizeMiB * 1024 * 1024,
		MaxFilesPerSession: cfg.MaxFilesPerSession,
		MaxFilenameLength:  cfg.MaxFilenameLength,
	}, db, s3Client)

	bus := eventbus.New()

	orch := orchestrator.New(orchestrator.Config{
		MaxExecutionTime: cfg.MaxExecutionTime,
		MaxOutputFiles:   cfg.MaxOutputFiles,
		MaxFileSizeBytes: cfg.MaxFileSizeMiB * 1024 * 1024,
		SessionTTL:       cfg.SessionTTL,
	}, sessionStore, stateStore, source, execClient, fileStore, bus, log, tp.Tracer("orchestrator"))

	srv := server.New(orch, sessionStore, fileStore, stateStore, log)

	cleaner.Start()
	defer cleaner.Stop()
	archiver.Start()
	defer archiver.Stop()
	orphanSweeper.Start()
	defer orphanSweeper.Stop()

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Router(),
	}

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("http server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	<-sigCh

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown failed")
	}
	pool.Shutdown(shutdownCtx)

	return nil
}

// buildBackend selects the sandbox platform backend named by
// cfg.Backend. "docker" is the local-development default; "k8s" is the
// production path against the agent-sandbox Sandbox CRD.
func buildBackend(cfg config.Config, log zerolog.Logger) (sandboxmgr.Backend, error) {
	switch cfg.Backend {
	case "k8s":
		return sandboxmgr.NewK8sBackend(sandboxmgr.K8sConfig{
			Namespace:        cfg.K8sNamespace,
			Image:            cfg.AgentImage,
			MemoryLimit:      cfg.AgentMemoryLimit,
			CPULimit:         cfg.AgentCPULimit,
			StorageSize:      cfg.SessionStorageSize,
			StorageClassName: cfg.StorageClassName,
			RuntimeClassName: cfg.RuntimeClassName,
			AgentPort:        cfg.AgentPort,
		}, log)
	case "docker":
		return sandboxmgr.NewDockerBackend(sandboxmgr.DockerConfig{
			Image:       cfg.AgentImage,
			NetworkMode: cfg.DockerNetworkMode,
			PidsLimit:   cfg.DockerPidsLimit,
			MemoryMiB:   int64(cfg.MaxMemoryMiB),
			NanoCPUs:    1_000_000_000,
			AgentPort:   cfg.AgentPort,
		}, log)
	default:
		return nil, fmt.Errorf("unknown sandbox backend %q", cfg.Backend)
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
