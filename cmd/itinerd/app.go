package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/itinerd"
	"pkt.systems/itinerd/internal/svcfields"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("ITINERD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "itinerd")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			if rootInvocation {
				svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// invocationTargetsRootCommand reports whether args run the server rather
// than a subcommand. Root failures are logged; subcommand failures go to stderr.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return true
		}
		if strings.HasPrefix(arg, "-") && arg != "-" {
			name := strings.TrimLeft(arg, "-")
			if strings.Contains(name, "=") {
				continue
			}
			flag := root.Flags().Lookup(name)
			if flag == nil && len(name) == 1 {
				flag = root.Flags().ShorthandLookup(name)
			}
			if flag == nil {
				flag = root.PersistentFlags().Lookup(name)
			}
			if flag == nil && len(name) == 1 {
				flag = root.PersistentFlags().ShorthandLookup(name)
			}
			if flag != nil && flag.NoOptDefVal == "" {
				i++
			}
			continue
		}
		return !isSubcommandToken(root, arg)
	}
	return true
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() || sub.HasAlias(token) {
			return true
		}
	}
	return false
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		if dir, err := itinerd.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, itinerd.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

// restartKeys are settings read once at startup; edits to them only take
// effect after a restart.
var restartKeys = []string{
	"log-level", "listen", "store", "upstream-url", "agent",
	"default-ttl", "max-ttl", "replay-capacity", "sse-idle-timeout",
}

// watchConfigFile reports edits to the loaded config file. Values are
// snapshotted at startup so the log names exactly which keys drifted.
func watchConfigFile(path string, logger pslog.Logger) {
	snapshot := make(map[string]string, len(restartKeys))
	for _, key := range restartKeys {
		snapshot[key] = fmt.Sprint(viper.Get(key))
	}
	viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		var changed []string
		for _, key := range restartKeys {
			if now := fmt.Sprint(viper.Get(key)); now != snapshot[key] {
				changed = append(changed, key)
			}
		}
		if len(changed) == 0 {
			logger.Debug("config.file.changed", "path", e.Name, "op", e.Op.String())
			return
		}
		logger.Warn("config.file.changed.restart_required", "path", e.Name, "keys", strings.Join(changed, ","))
	})
	viper.WatchConfig()
	logger.Debug("config.file.watch", "path", path)
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	var cfg itinerd.Config

	cmd := &cobra.Command{
		Use:           "itinerd",
		Short:         "itinerd coordinates multi-stage itinerary generation with leased node locks, replayable progress streams and guarded agent calls",
		SilenceErrors: true,
		Example: `
  # In-memory lock store (tests/dev only)
  itinerd --store mem://

  # MinIO lock store (TLS on by default; append ?insecure=1 for HTTP)
  ITINERD_STORE='s3://localhost:9000/itinerd?insecure=1&path-style=1' ITINERD_S3_ACCESS_KEY_ID=minioadmin ITINERD_S3_SECRET_ACCESS_KEY=minioadmin itinerd

  # AWS S3 lock store (expects AWS_ACCESS_KEY_ID / AWS_SECRET_ACCESS_KEY)
  itinerd --store aws://my-bucket/itinerd --aws-region eu-north-1

  # Remote agents behind retries and a circuit breaker
  itinerd --upstream-url http://agents:8080/ --agent planner:1:write --agent pricing:2:read:v1/price
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true
			svcfields.WithSubsystem(logger, "server.lifecycle.init").WithLogLevel().Info(
				"welcome to itinerd",
				"app", "itinerd",
				"pid", os.Getpid(),
			)

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if err := bindConfig(&cfg); err != nil {
				return err
			}
			if level, ok := pslog.ParseLevel(strings.TrimSpace(viper.GetString("log-level"))); ok {
				logger = logger.LogLevel(level)
				cliLogger = svcfields.WithSubsystem(logger, "cli.root")
			}
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
				watchConfigFile(configFile, svcfields.WithSubsystem(logger, "cli.config"))
			}
			cliLogger.Info("limits",
				"json_max", configHumanizeBytes(cfg.JSONMaxBytes),
				"publish_max", configHumanizeBytes(cfg.PublishMaxBytes),
			)

			server, err := itinerd.NewServer(cfg, itinerd.WithLogger(logger))
			if err != nil {
				return err
			}
			shutdownDone := make(chan error, 1)
			go func() {
				<-ctx.Done()
				shutdownDone <- server.Close()
			}()
			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				_ = server.Close()
				return err
			}
			if err := <-shutdownDone; err != nil {
				cliLogger.Error("shutdown failed", "error", err)
				return err
			}
			cliLogger.Info("shutdown complete")
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.itinerd/"+itinerd.DefaultConfigFileName+")")
	persistentFlags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	flags := cmd.Flags()
	flags.String("listen", itinerd.DefaultListen, "listen address")
	flags.String("listen-proto", itinerd.DefaultListenProto, "listen network (tcp, tcp4, tcp6, unix)")
	flags.String("store", itinerd.DefaultStore, "lock store URL (mem://, disk:///path, s3://host[:port]/bucket[/prefix], aws://bucket[/prefix])")
	flags.Int("store-retry-attempts", itinerd.DefaultStoreRetryAttempts, "attempts per lock store call on transient backend errors")
	flags.String("aws-region", "", "AWS region for aws:// stores")
	flags.String("s3-access-key-id", "", "access key for s3:// stores")
	flags.String("s3-secret-access-key", "", "secret key for s3:// stores")
	flags.String("s3-session-token", "", "session token for s3:// stores")
	flags.String("metrics-listen", itinerd.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", itinerd.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.Bool("tracing", false, "trace every HTTP request even without an OTLP endpoint")
	flags.String("json-max", configHumanizeBytes(itinerd.DefaultJSONMaxBytes), "maximum lock/run request body size (e.g. 64KiB)")
	flags.String("publish-max", configHumanizeBytes(itinerd.DefaultPublishMaxBytes), "maximum published event body size (e.g. 256KiB)")
	flags.Duration("default-ttl", itinerd.DefaultLockTTL, "lock lease used when a request omits ttlMs")
	flags.Duration("max-ttl", itinerd.DefaultMaxLockTTL, "maximum lock lease a caller may request")
	flags.Duration("lock-cache-ttl", itinerd.DefaultLockCacheTTL, "how long lock reads are served from cache")
	flags.Bool("disable-lock-cache", false, "read every lock decision from the store")
	flags.Duration("sweeper-interval", itinerd.DefaultSweeperInterval, "interval between expired lock sweeps")
	flags.Int("cas-attempts", itinerd.DefaultCASAttempts, "lock re-evaluations after conditional write conflicts")
	flags.Int("replay-capacity", itinerd.DefaultReplayCapacity, "events kept per resource for replay")
	flags.Duration("replay-retention", itinerd.DefaultReplayRetention, "how long events stay replayable")
	flags.Duration("hub-maintenance-interval", itinerd.DefaultHubMaintenanceInterval, "interval between replay purges and idle stream drops")
	flags.Duration("sse-idle-timeout", itinerd.DefaultSSEIdleTimeout, "close event streams idle for this long")
	flags.Duration("sse-heartbeat", itinerd.DefaultSSEHeartbeat, "keepalive comment interval on event streams")
	flags.Int("sse-queue-size", itinerd.DefaultSSEQueueSize, "frames queued per stream before it is dropped")
	flags.String("upstream-url", "", "base URL for remote agents (empty disables remote agents)")
	flags.Duration("upstream-timeout", itinerd.DefaultUpstreamTimeout, "timeout for a single upstream attempt")
	flags.Int("retry-attempts", itinerd.DefaultRetryMaxAttempts, "attempts per upstream call")
	flags.Duration("retry-base-delay", itinerd.DefaultRetryBaseDelay, "first upstream backoff delay")
	flags.Duration("retry-max-delay", itinerd.DefaultRetryMaxDelay, "upstream backoff ceiling")
	flags.Float64("retry-multiplier", itinerd.DefaultRetryMultiplier, "upstream backoff multiplier")
	flags.Int("breaker-threshold", itinerd.DefaultBreakerThreshold, "consecutive upstream failures that open the breaker")
	flags.Duration("breaker-cooldown", itinerd.DefaultBreakerCooldown, "how long an open breaker rejects calls")
	flags.Duration("run-lock-ttl", itinerd.DefaultRunLockTTL, "lease each pipeline stage holds and keeps alive")
	flags.Duration("run-acquire-timeout", itinerd.DefaultRunAcquireTimeout, "how long a stage waits for its lock")
	flags.StringSlice("agent", nil, "remote agent as kind:stage:locktype[:path] (repeatable)")
	flags.Bool("qrf", false, "pace lock, publish, run and stream requests when the server is under load")
	flags.Int64("qrf-lock-soft-limit", 0, "inflight lock operations that soft-arm pacing (0 unbounded)")
	flags.Int64("qrf-lock-hard-limit", 0, "inflight lock operations that fully engage pacing (0 unbounded)")
	flags.Int64("qrf-publish-soft-limit", 0, "inflight publishes that soft-arm pacing (0 unbounded)")
	flags.Int64("qrf-publish-hard-limit", 0, "inflight publishes that fully engage pacing (0 unbounded)")
	flags.Int64("qrf-run-soft-limit", 0, "inflight run submissions that soft-arm pacing (0 unbounded)")
	flags.Int64("qrf-run-hard-limit", 0, "inflight run submissions that fully engage pacing (0 unbounded)")
	flags.Int64("qrf-stream-soft-limit", 0, "open event streams that soft-arm pacing (0 unbounded)")
	flags.Int64("qrf-stream-hard-limit", 0, "open event streams that fully engage pacing (0 unbounded)")
	flags.Float64("qrf-memory-soft-limit-percent", itinerd.DefaultQRFMemorySoftLimitPercent, "host memory percent that soft-arms pacing")
	flags.Float64("qrf-memory-hard-limit-percent", itinerd.DefaultQRFMemoryHardLimitPercent, "host memory percent that fully engages pacing")
	flags.Float64("qrf-cpu-soft-limit-percent", itinerd.DefaultQRFCPUPercentSoftLimit, "host CPU percent that soft-arms pacing")
	flags.Float64("qrf-cpu-hard-limit-percent", itinerd.DefaultQRFCPUPercentHardLimit, "host CPU percent that fully engages pacing")
	flags.Float64("qrf-load-soft-limit-multiplier", itinerd.DefaultQRFLoadSoftLimitMultiplier, "load average multiple of baseline that soft-arms pacing")
	flags.Float64("qrf-load-hard-limit-multiplier", itinerd.DefaultQRFLoadHardLimitMultiplier, "load average multiple of baseline that fully engages pacing")
	flags.Int("qrf-recovery-samples", itinerd.DefaultQRFRecoverySamples, "healthy samples required before pacing steps down")
	flags.Duration("qrf-max-wait", itinerd.DefaultQRFMaxWait, "longest a request is paced before it is rejected with 429")
	flags.Duration("lsf-sample-interval", itinerd.DefaultLSFSampleInterval, "load sampling interval")
	flags.Duration("shutdown-timeout", itinerd.DefaultShutdownTimeout, "graceful shutdown budget")

	viper.SetEnvPrefix("ITINERD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	bindFlags(persistentFlags)
	bindFlags(flags)

	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func bindFlags(set *pflag.FlagSet) {
	set.VisitAll(func(f *pflag.Flag) {
		_ = viper.BindPFlag(f.Name, f)
	})
}

func bindConfig(cfg *itinerd.Config) error {
	jsonMax, err := parseBytes("json-max")
	if err != nil {
		return err
	}
	publishMax, err := parseBytes("publish-max")
	if err != nil {
		return err
	}
	cfg.Listen = viper.GetString("listen")
	cfg.ListenProto = viper.GetString("listen-proto")
	cfg.Store = viper.GetString("store")
	cfg.StoreRetryAttempts = viper.GetInt("store-retry-attempts")
	cfg.AWSRegion = viper.GetString("aws-region")
	cfg.S3AccessKeyID = viper.GetString("s3-access-key-id")
	cfg.S3SecretAccessKey = viper.GetString("s3-secret-access-key")
	cfg.S3SessionToken = viper.GetString("s3-session-token")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.TracingEnabled = viper.GetBool("tracing")
	cfg.JSONMaxBytes = jsonMax
	cfg.PublishMaxBytes = publishMax
	cfg.DefaultLockTTL = viper.GetDuration("default-ttl")
	cfg.MaxLockTTL = viper.GetDuration("max-ttl")
	cfg.LockCacheTTL = viper.GetDuration("lock-cache-ttl")
	cfg.DisableCache = viper.GetBool("disable-lock-cache")
	cfg.SweeperInterval = viper.GetDuration("sweeper-interval")
	cfg.CASAttempts = viper.GetInt("cas-attempts")
	cfg.ReplayCapacity = viper.GetInt("replay-capacity")
	cfg.ReplayRetention = viper.GetDuration("replay-retention")
	cfg.HubMaintenanceInterval = viper.GetDuration("hub-maintenance-interval")
	cfg.SSEIdleTimeout = viper.GetDuration("sse-idle-timeout")
	cfg.SSEHeartbeat = viper.GetDuration("sse-heartbeat")
	cfg.SSEQueueSize = viper.GetInt("sse-queue-size")
	cfg.UpstreamURL = viper.GetString("upstream-url")
	cfg.UpstreamTimeout = viper.GetDuration("upstream-timeout")
	cfg.RetryMaxAttempts = viper.GetInt("retry-attempts")
	cfg.RetryBaseDelay = viper.GetDuration("retry-base-delay")
	cfg.RetryMaxDelay = viper.GetDuration("retry-max-delay")
	cfg.RetryMultiplier = viper.GetFloat64("retry-multiplier")
	cfg.BreakerThreshold = viper.GetInt("breaker-threshold")
	cfg.BreakerCooldown = viper.GetDuration("breaker-cooldown")
	cfg.RunLockTTL = viper.GetDuration("run-lock-ttl")
	cfg.RunAcquireTimeout = viper.GetDuration("run-acquire-timeout")
	cfg.Agents = viper.GetStringSlice("agent")
	cfg.QRFEnabled = viper.GetBool("qrf")
	cfg.QRFLockSoftLimit = viper.GetInt64("qrf-lock-soft-limit")
	cfg.QRFLockHardLimit = viper.GetInt64("qrf-lock-hard-limit")
	cfg.QRFPublishSoftLimit = viper.GetInt64("qrf-publish-soft-limit")
	cfg.QRFPublishHardLimit = viper.GetInt64("qrf-publish-hard-limit")
	cfg.QRFRunSoftLimit = viper.GetInt64("qrf-run-soft-limit")
	cfg.QRFRunHardLimit = viper.GetInt64("qrf-run-hard-limit")
	cfg.QRFStreamSoftLimit = viper.GetInt64("qrf-stream-soft-limit")
	cfg.QRFStreamHardLimit = viper.GetInt64("qrf-stream-hard-limit")
	cfg.QRFMemorySoftLimitPercent = viper.GetFloat64("qrf-memory-soft-limit-percent")
	cfg.QRFMemoryHardLimitPercent = viper.GetFloat64("qrf-memory-hard-limit-percent")
	cfg.QRFCPUPercentSoftLimit = viper.GetFloat64("qrf-cpu-soft-limit-percent")
	cfg.QRFCPUPercentHardLimit = viper.GetFloat64("qrf-cpu-hard-limit-percent")
	cfg.QRFLoadSoftLimitMultiplier = viper.GetFloat64("qrf-load-soft-limit-multiplier")
	cfg.QRFLoadHardLimitMultiplier = viper.GetFloat64("qrf-load-hard-limit-multiplier")
	cfg.QRFRecoverySamples = viper.GetInt("qrf-recovery-samples")
	cfg.QRFMaxWait = viper.GetDuration("qrf-max-wait")
	cfg.LSFSampleInterval = viper.GetDuration("lsf-sample-interval")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	return cfg.Validate()
}

func parseBytes(key string) (int64, error) {
	raw := strings.TrimSpace(viper.GetString(key))
	if raw == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("parse --%s %q: %w", key, raw, err)
	}
	return int64(n), nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
