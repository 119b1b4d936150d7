package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/itinerd"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage itinerd configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.itinerd/" + itinerd.DefaultConfigFileName
	if dir, err := itinerd.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, itinerd.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default itinerd configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				dir, err := itinerd.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, itinerd.DefaultConfigFileName)
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the root command flags; keys must match flag names
// so viper resolves file values through the same bindings.
type configDefaults struct {
	Listen                     string   `yaml:"listen"`
	ListenProto                string   `yaml:"listen-proto"`
	Store                      string   `yaml:"store"`
	StoreRetryAttempts         int      `yaml:"store-retry-attempts"`
	AWSRegion                  string   `yaml:"aws-region"`
	S3AccessKeyID              string   `yaml:"s3-access-key-id"`
	S3SecretAccessKey          string   `yaml:"s3-secret-access-key"`
	MetricsListen              string   `yaml:"metrics-listen"`
	PprofListen                string   `yaml:"pprof-listen"`
	EnableProfilingMetrics     bool     `yaml:"enable-profiling-metrics"`
	OTLPEndpoint               string   `yaml:"otlp-endpoint"`
	Tracing                    bool     `yaml:"tracing"`
	LogLevel                   string   `yaml:"log-level"`
	JSONMax                    string   `yaml:"json-max"`
	PublishMax                 string   `yaml:"publish-max"`
	DefaultTTL                 string   `yaml:"default-ttl"`
	MaxTTL                     string   `yaml:"max-ttl"`
	LockCacheTTL               string   `yaml:"lock-cache-ttl"`
	DisableLockCache           bool     `yaml:"disable-lock-cache"`
	SweeperInterval            string   `yaml:"sweeper-interval"`
	CASAttempts                int      `yaml:"cas-attempts"`
	ReplayCapacity             int      `yaml:"replay-capacity"`
	ReplayRetention            string   `yaml:"replay-retention"`
	HubMaintenanceInterval     string   `yaml:"hub-maintenance-interval"`
	SSEIdleTimeout             string   `yaml:"sse-idle-timeout"`
	SSEHeartbeat               string   `yaml:"sse-heartbeat"`
	SSEQueueSize               int      `yaml:"sse-queue-size"`
	UpstreamURL                string   `yaml:"upstream-url"`
	UpstreamTimeout            string   `yaml:"upstream-timeout"`
	RetryAttempts              int      `yaml:"retry-attempts"`
	RetryBaseDelay             string   `yaml:"retry-base-delay"`
	RetryMaxDelay              string   `yaml:"retry-max-delay"`
	RetryMultiplier            float64  `yaml:"retry-multiplier"`
	BreakerThreshold           int      `yaml:"breaker-threshold"`
	BreakerCooldown            string   `yaml:"breaker-cooldown"`
	RunLockTTL                 string   `yaml:"run-lock-ttl"`
	RunAcquireTimeout          string   `yaml:"run-acquire-timeout"`
	Agent                      []string `yaml:"agent"`
	QRF                        bool     `yaml:"qrf"`
	QRFLockSoftLimit           int64    `yaml:"qrf-lock-soft-limit"`
	QRFLockHardLimit           int64    `yaml:"qrf-lock-hard-limit"`
	QRFPublishSoftLimit        int64    `yaml:"qrf-publish-soft-limit"`
	QRFPublishHardLimit        int64    `yaml:"qrf-publish-hard-limit"`
	QRFRunSoftLimit            int64    `yaml:"qrf-run-soft-limit"`
	QRFRunHardLimit            int64    `yaml:"qrf-run-hard-limit"`
	QRFStreamSoftLimit         int64    `yaml:"qrf-stream-soft-limit"`
	QRFStreamHardLimit         int64    `yaml:"qrf-stream-hard-limit"`
	QRFMemorySoftLimitPercent  float64  `yaml:"qrf-memory-soft-limit-percent"`
	QRFMemoryHardLimitPercent  float64  `yaml:"qrf-memory-hard-limit-percent"`
	QRFCPUSoftLimitPercent     float64  `yaml:"qrf-cpu-soft-limit-percent"`
	QRFCPUHardLimitPercent     float64  `yaml:"qrf-cpu-hard-limit-percent"`
	QRFLoadSoftLimitMultiplier float64  `yaml:"qrf-load-soft-limit-multiplier"`
	QRFLoadHardLimitMultiplier float64  `yaml:"qrf-load-hard-limit-multiplier"`
	QRFRecoverySamples         int      `yaml:"qrf-recovery-samples"`
	QRFMaxWait                 string   `yaml:"qrf-max-wait"`
	LSFSampleInterval          string   `yaml:"lsf-sample-interval"`
	ShutdownTimeout            string   `yaml:"shutdown-timeout"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		Listen:                     itinerd.DefaultListen,
		ListenProto:                itinerd.DefaultListenProto,
		Store:                      itinerd.DefaultStore,
		StoreRetryAttempts:         itinerd.DefaultStoreRetryAttempts,
		MetricsListen:              itinerd.DefaultMetricsListen,
		PprofListen:                itinerd.DefaultPprofListen,
		LogLevel:                   "info",
		JSONMax:                    configHumanizeBytes(itinerd.DefaultJSONMaxBytes),
		PublishMax:                 configHumanizeBytes(itinerd.DefaultPublishMaxBytes),
		DefaultTTL:                 itinerd.DefaultLockTTL.String(),
		MaxTTL:                     itinerd.DefaultMaxLockTTL.String(),
		LockCacheTTL:               itinerd.DefaultLockCacheTTL.String(),
		SweeperInterval:            itinerd.DefaultSweeperInterval.String(),
		CASAttempts:                itinerd.DefaultCASAttempts,
		ReplayCapacity:             itinerd.DefaultReplayCapacity,
		ReplayRetention:            itinerd.DefaultReplayRetention.String(),
		HubMaintenanceInterval:     itinerd.DefaultHubMaintenanceInterval.String(),
		SSEIdleTimeout:             itinerd.DefaultSSEIdleTimeout.String(),
		SSEHeartbeat:               itinerd.DefaultSSEHeartbeat.String(),
		SSEQueueSize:               itinerd.DefaultSSEQueueSize,
		UpstreamTimeout:            itinerd.DefaultUpstreamTimeout.String(),
		RetryAttempts:              itinerd.DefaultRetryMaxAttempts,
		RetryBaseDelay:             itinerd.DefaultRetryBaseDelay.String(),
		RetryMaxDelay:              itinerd.DefaultRetryMaxDelay.String(),
		RetryMultiplier:            itinerd.DefaultRetryMultiplier,
		BreakerThreshold:           itinerd.DefaultBreakerThreshold,
		BreakerCooldown:            itinerd.DefaultBreakerCooldown.String(),
		RunLockTTL:                 itinerd.DefaultRunLockTTL.String(),
		RunAcquireTimeout:          itinerd.DefaultRunAcquireTimeout.String(),
		Agent:                      []string{},
		QRFMemorySoftLimitPercent:  itinerd.DefaultQRFMemorySoftLimitPercent,
		QRFMemoryHardLimitPercent:  itinerd.DefaultQRFMemoryHardLimitPercent,
		QRFCPUSoftLimitPercent:     itinerd.DefaultQRFCPUPercentSoftLimit,
		QRFCPUHardLimitPercent:     itinerd.DefaultQRFCPUPercentHardLimit,
		QRFLoadSoftLimitMultiplier: itinerd.DefaultQRFLoadSoftLimitMultiplier,
		QRFLoadHardLimitMultiplier: itinerd.DefaultQRFLoadHardLimitMultiplier,
		QRFRecoverySamples:         itinerd.DefaultQRFRecoverySamples,
		QRFMaxWait:                 itinerd.DefaultQRFMaxWait.String(),
		LSFSampleInterval:          itinerd.DefaultLSFSampleInterval.String(),
		ShutdownTimeout:            itinerd.DefaultShutdownTimeout.String(),
	}
	for _, override := range overrides {
		if override != nil {
			override(&defaults)
		}
	}
	data, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal default config: %w", err)
	}
	return data, nil
}

func configHumanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}
