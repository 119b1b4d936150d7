package itinerd

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"pkt.systems/itinerd/internal/broadcast"
	"pkt.systems/itinerd/internal/httpapi"
	"pkt.systems/itinerd/internal/lockmgr"
	"pkt.systems/itinerd/internal/lsf"
	"pkt.systems/itinerd/internal/pipeline"
	"pkt.systems/itinerd/internal/qrf"
	"pkt.systems/itinerd/internal/resilience"
	"pkt.systems/itinerd/internal/storage"
	"pkt.systems/itinerd/internal/upstream"
	"pkt.systems/pslog"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":9351"
	// DefaultListenProto controls the scheme used when no protocol is configured.
	DefaultListenProto = "tcp"
	// DefaultMetricsListen is the default metrics endpoint (Prometheus scrape).
	// Empty disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultStore points the server at the in-memory lock store when no store is provided.
	DefaultStore = "mem://"
	// DefaultStoreRetryAttempts is how many attempts a lock store call gets
	// when the backend reports a transient failure.
	DefaultStoreRetryAttempts = 3
	// DefaultJSONMaxBytes bounds lock and run request bodies.
	DefaultJSONMaxBytes = httpapi.DefaultJSONMaxBytes
	// DefaultPublishMaxBytes bounds published event bodies.
	DefaultPublishMaxBytes = httpapi.DefaultPublishMaxBytes
	// DefaultLockTTL is the lease handed out when a caller omits ttlMs.
	DefaultLockTTL = httpapi.DefaultLockTTL
	// DefaultMaxLockTTL is the hard ceiling enforced on caller supplied TTLs.
	DefaultMaxLockTTL = httpapi.DefaultMaxLockTTL
	// DefaultLockCacheTTL bounds how long lock reads are served from cache.
	DefaultLockCacheTTL = lockmgr.DefaultCacheTTL
	// DefaultSweeperInterval sets the tick frequency of the expired lock sweep.
	DefaultSweeperInterval = lockmgr.DefaultSweepInterval
	// DefaultCASAttempts bounds lock re-evaluation after conditional write conflicts.
	DefaultCASAttempts = lockmgr.DefaultCASAttempts
	// DefaultReplayCapacity is how many events each resource keeps for replay.
	DefaultReplayCapacity = broadcast.DefaultBufferCapacity
	// DefaultReplayRetention is how long buffered events stay replayable.
	DefaultReplayRetention = broadcast.DefaultRetention
	// DefaultHubMaintenanceInterval is the cadence of replay purges and idle channel drops.
	DefaultHubMaintenanceInterval = broadcast.DefaultMaintenanceInterval
	// DefaultSSEIdleTimeout closes event streams that have seen no events for this long.
	DefaultSSEIdleTimeout = httpapi.DefaultSSEIdleTimeout
	// DefaultSSEHeartbeat is the interval between keepalive comments on event streams.
	DefaultSSEHeartbeat = httpapi.DefaultSSEHeartbeat
	// DefaultSSEQueueSize bounds frames queued per stream before it is considered failed.
	DefaultSSEQueueSize = httpapi.DefaultSSEQueueSize
	// DefaultUpstreamTimeout bounds a single upstream attempt.
	DefaultUpstreamTimeout = upstream.DefaultTimeout
	// DefaultRetryMaxAttempts describes how many attempts an upstream call gets.
	DefaultRetryMaxAttempts = resilience.DefaultMaxAttempts
	// DefaultRetryBaseDelay configures the first backoff delay.
	DefaultRetryBaseDelay = resilience.DefaultBaseDelay
	// DefaultRetryMaxDelay caps the exponential backoff between attempts.
	DefaultRetryMaxDelay = resilience.DefaultMaxDelay
	// DefaultRetryMultiplier defines the exponential backoff ratio.
	DefaultRetryMultiplier = resilience.DefaultMultiplier
	// DefaultBreakerThreshold is the consecutive failure count that opens the breaker.
	DefaultBreakerThreshold = resilience.DefaultBreakerThreshold
	// DefaultBreakerCooldown is how long an open breaker rejects calls.
	DefaultBreakerCooldown = resilience.DefaultBreakerCooldown
	// DefaultRunLockTTL is the lease each pipeline stage holds and keeps alive.
	DefaultRunLockTTL = pipeline.DefaultLockTTL
	// DefaultRunAcquireTimeout bounds how long a stage waits for its lock.
	DefaultRunAcquireTimeout = pipeline.DefaultAcquireTimeout
	// DefaultQRFMemorySoftLimitPercent soft-arms pacing when host memory use crosses this percentage.
	DefaultQRFMemorySoftLimitPercent = 75.0
	// DefaultQRFMemoryHardLimitPercent engages pacing when host memory use crosses this percentage.
	DefaultQRFMemoryHardLimitPercent = 85.0
	// DefaultQRFCPUPercentSoftLimit soft-arms pacing when host CPU use crosses this percentage.
	DefaultQRFCPUPercentSoftLimit = 70.0
	// DefaultQRFCPUPercentHardLimit engages pacing when host CPU use crosses this percentage.
	DefaultQRFCPUPercentHardLimit = 85.0
	// DefaultQRFLoadSoftLimitMultiplier is the load-average multiple of baseline that soft-arms pacing.
	DefaultQRFLoadSoftLimitMultiplier = 4.0
	// DefaultQRFLoadHardLimitMultiplier is the load-average multiple of baseline that engages pacing.
	DefaultQRFLoadHardLimitMultiplier = 8.0
	// DefaultQRFRecoverySamples is how many healthy samples it takes to step down.
	DefaultQRFRecoverySamples = 5
	// DefaultQRFMaxWait caps how long a request is paced before it is shed with 429.
	DefaultQRFMaxWait = 5 * time.Second
	// DefaultLSFSampleInterval is the load sampling cadence.
	DefaultLSFSampleInterval = lsf.DefaultSampleInterval
	// DefaultShutdownTimeout caps the total graceful shutdown time.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
)

// Config captures the tunables for an itinerd server.
type Config struct {
	Listen      string
	ListenProto string
	Store       string
	// StoreRetryAttempts bounds attempts per lock store call on transient
	// backend errors. One disables retries.
	StoreRetryAttempts int

	// AWSRegion is required for aws:// stores unless the URL carries ?region=.
	AWSRegion         string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3SessionToken    string

	MetricsListen          string
	PprofListen            string
	EnableProfilingMetrics bool
	OTLPEndpoint           string
	// TracingEnabled wraps every route in otelhttp. Implied by OTLPEndpoint.
	TracingEnabled bool

	JSONMaxBytes    int64
	PublishMaxBytes int64

	DefaultLockTTL  time.Duration
	MaxLockTTL      time.Duration
	LockCacheTTL    time.Duration
	DisableCache    bool
	SweeperInterval time.Duration
	CASAttempts     int

	ReplayCapacity         int
	ReplayRetention        time.Duration
	HubMaintenanceInterval time.Duration
	SSEIdleTimeout         time.Duration
	SSEHeartbeat           time.Duration

	// SSEQueueSize is raised to ReplayCapacity+1 when smaller: replay and the
	// connection-established frame are queued before the stream drains.
	SSEQueueSize int

	// UpstreamURL is the base URL remote agents are posted to. Empty disables
	// HTTP agents.
	UpstreamURL      string
	UpstreamTimeout  time.Duration
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	RetryMultiplier  float64
	BreakerThreshold int
	BreakerCooldown  time.Duration

	RunLockTTL        time.Duration
	RunAcquireTimeout time.Duration
	// Agents declares remote agents as kind:stage:locktype[:path].
	Agents []string

	// QRFEnabled turns on load-based pacing of lock, publish, run and
	// stream requests. Inflight limits of zero are unbounded.
	QRFEnabled                 bool
	QRFLockSoftLimit           int64
	QRFLockHardLimit           int64
	QRFPublishSoftLimit        int64
	QRFPublishHardLimit        int64
	QRFRunSoftLimit            int64
	QRFRunHardLimit            int64
	QRFStreamSoftLimit         int64
	QRFStreamHardLimit         int64
	QRFMemorySoftLimitPercent  float64
	QRFMemoryHardLimitPercent  float64
	QRFCPUPercentSoftLimit     float64
	QRFCPUPercentHardLimit     float64
	QRFLoadSoftLimitMultiplier float64
	QRFLoadHardLimitMultiplier float64
	QRFRecoverySamples         int
	QRFMaxWait                 time.Duration
	LSFSampleInterval          time.Duration

	ShutdownTimeout time.Duration
}

// Validate normalises the configuration and fills defaults.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	c.ListenProto = strings.ToLower(strings.TrimSpace(c.ListenProto))
	if c.ListenProto == "" {
		c.ListenProto = DefaultListenProto
	}
	switch c.ListenProto {
	case "tcp", "tcp4", "tcp6", "unix":
	default:
		return fmt.Errorf("config: listen proto %q not supported", c.ListenProto)
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if c.Store == "" {
		c.Store = DefaultStore
	}
	if _, err := url.Parse(c.Store); err != nil {
		return fmt.Errorf("config: parse store: %w", err)
	}
	if strings.TrimSpace(c.OTLPEndpoint) != "" {
		c.TracingEnabled = true
	}
	if c.JSONMaxBytes <= 0 {
		c.JSONMaxBytes = DefaultJSONMaxBytes
	}
	if c.PublishMaxBytes <= 0 {
		c.PublishMaxBytes = DefaultPublishMaxBytes
	}
	if c.DefaultLockTTL <= 0 {
		c.DefaultLockTTL = DefaultLockTTL
	}
	if c.MaxLockTTL <= 0 {
		c.MaxLockTTL = DefaultMaxLockTTL
	}
	if c.DefaultLockTTL > c.MaxLockTTL {
		return fmt.Errorf("config: default lock ttl %s exceeds max lock ttl %s", c.DefaultLockTTL, c.MaxLockTTL)
	}
	if c.LockCacheTTL <= 0 {
		c.LockCacheTTL = DefaultLockCacheTTL
	}
	if c.SweeperInterval <= 0 {
		c.SweeperInterval = DefaultSweeperInterval
	}
	if c.StoreRetryAttempts <= 0 {
		c.StoreRetryAttempts = DefaultStoreRetryAttempts
	}
	if c.CASAttempts <= 0 {
		c.CASAttempts = DefaultCASAttempts
	}
	if c.ReplayCapacity <= 0 {
		c.ReplayCapacity = DefaultReplayCapacity
	}
	if c.ReplayRetention <= 0 {
		c.ReplayRetention = DefaultReplayRetention
	}
	if c.HubMaintenanceInterval <= 0 {
		c.HubMaintenanceInterval = DefaultHubMaintenanceInterval
	}
	if c.SSEIdleTimeout <= 0 {
		c.SSEIdleTimeout = DefaultSSEIdleTimeout
	}
	if c.SSEHeartbeat <= 0 {
		c.SSEHeartbeat = DefaultSSEHeartbeat
	}
	if c.SSEQueueSize <= 0 {
		c.SSEQueueSize = DefaultSSEQueueSize
	}
	if c.SSEQueueSize < c.ReplayCapacity+1 {
		c.SSEQueueSize = c.ReplayCapacity + 1
	}
	if c.UpstreamURL != "" {
		u, err := url.Parse(c.UpstreamURL)
		if err != nil {
			return fmt.Errorf("config: parse upstream url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("config: upstream url must be http or https, got %q", u.Scheme)
		}
	}
	if c.UpstreamTimeout <= 0 {
		c.UpstreamTimeout = DefaultUpstreamTimeout
	}
	if c.RetryMaxAttempts <= 0 {
		c.RetryMaxAttempts = DefaultRetryMaxAttempts
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("config: retry max delay %s below base delay %s", c.RetryMaxDelay, c.RetryBaseDelay)
	}
	if c.RetryMultiplier <= 0 {
		c.RetryMultiplier = DefaultRetryMultiplier
	} else if c.RetryMultiplier < 1 {
		return fmt.Errorf("config: retry multiplier must be >= 1")
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = DefaultBreakerThreshold
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = DefaultBreakerCooldown
	}
	if c.RunLockTTL <= 0 {
		c.RunLockTTL = DefaultRunLockTTL
	}
	if c.RunAcquireTimeout <= 0 {
		c.RunAcquireTimeout = DefaultRunAcquireTimeout
	}
	if len(c.Agents) > 0 && c.UpstreamURL == "" {
		return fmt.Errorf("config: agents require an upstream url")
	}
	if _, err := c.AgentSpecs(); err != nil {
		return err
	}
	if c.QRFMemorySoftLimitPercent == 0 {
		c.QRFMemorySoftLimitPercent = DefaultQRFMemorySoftLimitPercent
	}
	if c.QRFMemoryHardLimitPercent == 0 {
		c.QRFMemoryHardLimitPercent = DefaultQRFMemoryHardLimitPercent
	}
	if c.QRFCPUPercentSoftLimit == 0 {
		c.QRFCPUPercentSoftLimit = DefaultQRFCPUPercentSoftLimit
	}
	if c.QRFCPUPercentHardLimit == 0 {
		c.QRFCPUPercentHardLimit = DefaultQRFCPUPercentHardLimit
	}
	if c.QRFLoadSoftLimitMultiplier == 0 {
		c.QRFLoadSoftLimitMultiplier = DefaultQRFLoadSoftLimitMultiplier
	}
	if c.QRFLoadHardLimitMultiplier == 0 {
		c.QRFLoadHardLimitMultiplier = DefaultQRFLoadHardLimitMultiplier
	}
	if c.QRFRecoverySamples <= 0 {
		c.QRFRecoverySamples = DefaultQRFRecoverySamples
	}
	if c.QRFMaxWait < 0 {
		return fmt.Errorf("config: qrf max wait must not be negative")
	}
	if c.QRFMaxWait == 0 {
		c.QRFMaxWait = DefaultQRFMaxWait
	}
	if c.LSFSampleInterval <= 0 {
		c.LSFSampleInterval = DefaultLSFSampleInterval
	}
	for name, pair := range map[string][2]int64{
		"lock":    {c.QRFLockSoftLimit, c.QRFLockHardLimit},
		"publish": {c.QRFPublishSoftLimit, c.QRFPublishHardLimit},
		"run":     {c.QRFRunSoftLimit, c.QRFRunHardLimit},
		"stream":  {c.QRFStreamSoftLimit, c.QRFStreamHardLimit},
	} {
		if pair[0] > 0 && pair[1] > 0 && pair[0] > pair[1] {
			return fmt.Errorf("config: qrf %s soft limit %d exceeds hard limit %d", name, pair[0], pair[1])
		}
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return nil
}

// QRFConfig returns the request pacing configuration described by c.
func (c Config) QRFConfig(logger pslog.Logger) qrf.Config {
	return qrf.Config{
		Enabled: c.QRFEnabled,
		Inflight: map[qrf.Kind]qrf.Limits{
			qrf.KindLock:    {Soft: c.QRFLockSoftLimit, Hard: c.QRFLockHardLimit},
			qrf.KindPublish: {Soft: c.QRFPublishSoftLimit, Hard: c.QRFPublishHardLimit},
			qrf.KindRun:     {Soft: c.QRFRunSoftLimit, Hard: c.QRFRunHardLimit},
			qrf.KindStream:  {Soft: c.QRFStreamSoftLimit, Hard: c.QRFStreamHardLimit},
		},
		MemorySoftLimitPercent:  c.QRFMemorySoftLimitPercent,
		MemoryHardLimitPercent:  c.QRFMemoryHardLimitPercent,
		CPUPercentSoftLimit:     c.QRFCPUPercentSoftLimit,
		CPUPercentHardLimit:     c.QRFCPUPercentHardLimit,
		LoadSoftLimitMultiplier: c.QRFLoadSoftLimitMultiplier,
		LoadHardLimitMultiplier: c.QRFLoadHardLimitMultiplier,
		RecoverySamples:         c.QRFRecoverySamples,
		MaxWait:                 c.QRFMaxWait,
		Logger:                  logger,
	}
}

// RetryPolicy returns the upstream retry policy described by c.
func (c Config) RetryPolicy() resilience.RetryPolicy {
	return resilience.RetryPolicy{
		MaxAttempts: c.RetryMaxAttempts,
		BaseDelay:   c.RetryBaseDelay,
		MaxDelay:    c.RetryMaxDelay,
		Multiplier:  c.RetryMultiplier,
	}.Normalize()
}

// AgentSpec is a parsed remote agent declaration.
type AgentSpec struct {
	Capability pipeline.Capability
	Path       string
}

// AgentSpecs parses Agents. Entries have the form kind:stage:locktype[:path].
func (c Config) AgentSpecs() ([]AgentSpec, error) {
	specs := make([]AgentSpec, 0, len(c.Agents))
	for _, raw := range c.Agents {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		spec, err := ParseAgentSpec(raw)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// ParseAgentSpec parses a single kind:stage:locktype[:path] declaration.
func ParseAgentSpec(raw string) (AgentSpec, error) {
	parts := strings.SplitN(raw, ":", 4)
	if len(parts) < 3 {
		return AgentSpec{}, fmt.Errorf("config: agent %q: expected kind:stage:locktype[:path]", raw)
	}
	stage, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || stage < 0 {
		return AgentSpec{}, fmt.Errorf("config: agent %q: invalid stage %q", raw, parts[1])
	}
	lockType, err := storage.ParseLockType(parts[2])
	if err != nil {
		return AgentSpec{}, fmt.Errorf("config: agent %q: %w", raw, err)
	}
	spec := AgentSpec{
		Capability: pipeline.Capability{
			Kind:     strings.TrimSpace(parts[0]),
			Stage:    stage,
			LockType: lockType,
		},
	}
	if len(parts) == 4 {
		spec.Path = strings.TrimSpace(parts[3])
	}
	if err := spec.Capability.Validate(); err != nil {
		return AgentSpec{}, fmt.Errorf("config: agent %q: %w", raw, err)
	}
	return spec, nil
}

// DefaultConfigDir returns the default configuration directory ($HOME/.itinerd).
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".itinerd"), nil
}
