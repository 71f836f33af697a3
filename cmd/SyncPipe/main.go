package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/BTreeMap/SyncPipe/internal/alert"
	"github.com/BTreeMap/SyncPipe/internal/api"
	"github.com/BTreeMap/SyncPipe/internal/audit"
	"github.com/BTreeMap/SyncPipe/internal/classify"
	"github.com/BTreeMap/SyncPipe/internal/credentials"
	"github.com/BTreeMap/SyncPipe/internal/crm"
	"github.com/BTreeMap/SyncPipe/internal/fieldcache"
	"github.com/BTreeMap/SyncPipe/internal/formatter"
	"github.com/BTreeMap/SyncPipe/internal/lockfile"
	"github.com/BTreeMap/SyncPipe/internal/models"
	"github.com/BTreeMap/SyncPipe/internal/pipeline"
	"github.com/BTreeMap/SyncPipe/internal/recovery"
	"github.com/BTreeMap/SyncPipe/internal/retry"
	"github.com/BTreeMap/SyncPipe/internal/stats"
	"github.com/BTreeMap/SyncPipe/internal/store"
	"github.com/BTreeMap/SyncPipe/internal/util"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for SyncPipe state data
	DefaultStateDir = "/var/lib/syncpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "syncpipe.db"
	// DefaultShutdownTimeout bounds the graceful HTTP shutdown
	DefaultShutdownTimeout = 15 * time.Second
)

// Config holds the process configuration, from the environment first and
// then command line flags.
type Config struct {
	StateDir        string
	DatabaseURL     string
	APIAddr         string
	MappingsPath    string
	CRMBaseURL      string
	CRMRate         float64
	CRMBurst        int
	BreakerFailures int
	BreakerOpen     time.Duration
	RedisURL        string
	FieldCacheTTL   time.Duration
	BatchInterval   time.Duration
	LogFormat       string
	LogLevel        string
	Debug           bool
}

func main() {
	config := loadEnvironmentConfig()
	config, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	initializeLogger(os.Stdout, config)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping SyncPipe", "state_dir", config.StateDir, "dsn_set", config.DatabaseURL != "", "api_addr", config.APIAddr)
	if err := run(ctx, config); err != nil {
		slog.Error("SyncPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("SyncPipe exited successfully")
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	config := Config{
		StateDir:        os.Getenv("SYNCPIPE_STATE_DIR"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		APIAddr:         os.Getenv("API_ADDR"),
		MappingsPath:    os.Getenv("FORM_MAPPINGS_PATH"),
		CRMBaseURL:      os.Getenv("CRM_BASE_URL"),
		CRMRate:         util.ParseFloatEnv("CRM_RATE_LIMIT", crm.DefaultRequestsPerSec),
		CRMBurst:        util.ParseIntEnv("CRM_RATE_BURST", crm.DefaultBurst),
		BreakerFailures: util.ParseIntEnv("CRM_BREAKER_FAILURES", crm.DefaultFailureThreshold),
		BreakerOpen:     util.ParseDurationEnv("CRM_BREAKER_OPEN", crm.DefaultOpenTimeout),
		RedisURL:        os.Getenv("REDIS_URL"),
		FieldCacheTTL:   util.ParseDurationEnv("FIELD_CACHE_TTL", fieldcache.DefaultTTL),
		BatchInterval:   util.ParseDurationEnv("RETRY_BATCH_INTERVAL", retry.DefaultBatchInterval),
		LogFormat:       os.Getenv("LOG_FORMAT"),
		LogLevel:        os.Getenv("LOG_LEVEL"),
		Debug:           util.ParseBoolEnv("SYNCPIPE_DEBUG", false),
	}
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
	}
	if config.APIAddr == "" {
		config.APIAddr = api.DefaultAddr
	}
	if config.CRMBaseURL == "" {
		config.CRMBaseURL = crm.DefaultBaseURL
	}
	return config
}

// parseCommandLineFlags applies flag overrides on top of config. The SQLite
// file defaults into the final state directory when no DATABASE_URL is given.
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Config, error) {
	fs.StringVar(&config.StateDir, "state-dir", config.StateDir, "state directory for the lock file and SQLite database (overrides $SYNCPIPE_STATE_DIR)")
	fs.StringVar(&config.DatabaseURL, "db-dsn", config.DatabaseURL, "PostgreSQL DSN or SQLite path (overrides $DATABASE_URL)")
	fs.StringVar(&config.APIAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&config.MappingsPath, "mappings", config.MappingsPath, "form mapping YAML file (overrides $FORM_MAPPINGS_PATH)")
	fs.StringVar(&config.CRMBaseURL, "crm-base-url", config.CRMBaseURL, "CRM API base URL (overrides $CRM_BASE_URL)")
	fs.StringVar(&config.RedisURL, "redis-url", config.RedisURL, "Redis URL for the shared field cache (overrides $REDIS_URL)")
	fs.StringVar(&config.LogFormat, "log-format", config.LogFormat, "log format: text or pretty (overrides $LOG_FORMAT)")
	fs.BoolVar(&config.Debug, "debug", config.Debug, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return config, err
	}

	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
	}
	return config, nil
}

// initializeLogger installs the default slog handler.
func initializeLogger(w io.Writer, config Config) {
	level := parseLogLevel(config.LogLevel)
	if config.Debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(newLogHandler(w, config.LogFormat, level)))
}

func newLogHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	if strings.EqualFold(format, "pretty") {
		return tint.NewHandler(w, &tint.Options{Level: level, TimeFormat: time.Kitchen})
	}
	return slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// run wires every module and blocks until ctx is cancelled.
func run(ctx context.Context, config Config) error {
	lock, err := lockfile.AcquireLock(config.StateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := store.Open(config.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	mappings, err := loadMappings(config.MappingsPath)
	if err != nil {
		return err
	}

	tokens := credentials.NewProvider()
	client := crm.NewClient(buildCRMOptions(config, tokens)...)

	cacheOpts := []fieldcache.Option{fieldcache.WithTTL(config.FieldCacheTTL)}
	if config.RedisURL != "" {
		rdb, err := fieldcache.NewRedisClient(config.RedisURL)
		if err != nil {
			slog.Warn("run: redis unavailable, field cache stays in memory", "error", err)
		} else {
			defer rdb.Close()
			cacheOpts = append(cacheOpts, fieldcache.WithRedis(rdb))
		}
	}
	cache := fieldcache.New(client, cacheOpts...)

	classifier := classify.New(nil)
	auditLog := audit.NewLogger(st)
	sched := retry.NewScheduler(retry.WithBatchInterval(config.BatchInterval))
	defer sched.Shutdown()

	dispatcher := recovery.NewDispatcher(recovery.Deps{
		Tokens:         tokens,
		CredentialName: crm.DefaultCredentialName,
		FieldCache:     cache,
		Queue:          sched,
	})
	send := pipeline.CRMSender(formatter.New(mappings, cache), client, auditLog)
	orch := pipeline.NewOrchestrator(st, classifier, auditLog, dispatcher, sched, send,
		pipeline.WithAlerter(buildNotifier()))
	sched.SetRetryFunc(orch.ExecuteRetry)

	resumer := recovery.NewResumer(st, classifier, classifier.Registry(), sched,
		func(cfg models.RetryConfig, retryCount int) time.Duration {
			return retry.ComputeDelay(cfg, retryCount, nil)
		})
	if report, err := resumer.RecoverState(ctx); err != nil {
		slog.Error("run: failed to recover pending retries", "error", err)
	} else {
		slog.Info("run: pending retries recovered", "scanned", report.Scanned, "rearmed", report.Rearmed, "failed", report.Failed)
	}

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start retry scheduler: %w", err)
	}

	server := api.NewServer(orch, st, auditLog, stats.NewAggregator(st, classifier), sched, api.WithAddr(config.APIAddr),
		api.WithHealthCheck("crm_breaker", func() any { return client.BreakerState() }),
		api.WithHealthCheck("cached_modules", func() any { return cache.Modules() }))
	server.Start()

	<-ctx.Done()
	slog.Info("run: shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("run: HTTP server shutdown failed", "error", err)
	}
	return nil
}

// buildCRMOptions constructs CRM client options. Without OAuth credentials
// the client still runs but every call will be rejected by the CRM.
func buildCRMOptions(config Config, tokens *credentials.Provider) []crm.Option {
	opts := []crm.Option{
		crm.WithBaseURL(config.CRMBaseURL),
		crm.WithRateLimit(config.CRMRate, config.CRMBurst),
		crm.WithBreaker(uint32(max(config.BreakerFailures, 1)), config.BreakerOpen),
	}
	if err := tokens.RegisterFromEnv(crm.DefaultCredentialName); err != nil {
		slog.Warn("buildCRMOptions: CRM credentials not configured", "error", err)
		return opts
	}
	return append(opts, crm.WithTokenSource(tokens, crm.DefaultCredentialName))
}

// buildNotifier returns a Twilio notifier when Twilio is configured and a
// log-only notifier otherwise.
func buildNotifier() alert.Notifier {
	if os.Getenv("TWILIO_ACCOUNT_SID") == "" {
		slog.Info("buildNotifier: Twilio not configured, critical alerts go to the log")
		return alert.LogNotifier{}
	}
	n, err := alert.NewTwilioNotifier()
	if err != nil {
		slog.Warn("buildNotifier: Twilio misconfigured, falling back to log alerts", "error", err)
		return alert.LogNotifier{}
	}
	return n
}

// loadMappings reads the form mapping file, or returns nil mappings when no
// path is configured so that every form falls back to metadata and inference.
func loadMappings(path string) (*formatter.Mappings, error) {
	if path == "" {
		slog.Info("loadMappings: no form mapping file configured")
		return nil, nil
	}
	m, err := formatter.LoadMappings(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load form mappings %s: %w", path, err)
	}
	slog.Info("loadMappings: form mappings loaded", "path", path, "forms", len(m.Forms))
	return m, nil
}
