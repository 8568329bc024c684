package config

const (
	defaultBind                 = "127.0.0.1:7641"
	defaultRateLimitPerSecond   = 5.0
	defaultRateLimitBurst       = 10
	defaultPoolSize             = 4
	defaultPhaseTimeoutSeconds  = 120
	defaultPollIntervalSeconds  = 1
	defaultBackoffBaseMS        = 1000
	defaultBackoffFactor        = 2.0
	defaultMaxAttempts          = 3
	defaultJitterMS             = 200
	defaultHeartbeatSeconds     = 10
	defaultSubscriberQueueSize  = 16
	defaultCacheTTLHours        = 24
	defaultSweepIntervalMinutes = 10
	defaultEvictionGraceMinutes = 30
	defaultEvictIntervalMinutes = 5
	defaultStrategyVersion      = "v1"
	defaultMetadataEndpoint     = "https://www.youtube.com/oembed"
	defaultGeocodeEndpoint      = "https://nominatim.openstreetmap.org/search"
	defaultRequestTimeout       = 30
	defaultNotifyTimeout        = 10
	defaultLogFormat            = "console"
	defaultLogLevel             = "info"
	defaultDataDir              = "~/.local/share/vidatlas"
)

// DefaultWeights returns the standard phase weight table. The four analysis
// phases sum to exactly 100.
func DefaultWeights() map[string]int {
	return map[string]int{
		"metadata":    10,
		"compression": 25,
		"summary":     35,
		"geocode":     30,
	}
}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Server: Server{
			Bind:               defaultBind,
			RateLimitPerSecond: defaultRateLimitPerSecond,
			RateLimitBurst:     defaultRateLimitBurst,
		},
		Pool: Pool{
			Size:                defaultPoolSize,
			PhaseTimeoutSeconds: defaultPhaseTimeoutSeconds,
			PollIntervalSeconds: defaultPollIntervalSeconds,
		},
		Retry: Retry{
			BackoffBaseMS: defaultBackoffBaseMS,
			BackoffFactor: defaultBackoffFactor,
			MaxAttempts:   defaultMaxAttempts,
			JitterMS:      defaultJitterMS,
		},
		Progress: Progress{
			HeartbeatIntervalSeconds: defaultHeartbeatSeconds,
			SubscriberQueueSize:      defaultSubscriberQueueSize,
			Weights:                  DefaultWeights(),
		},
		Cache: Cache{
			TTLHours:             defaultCacheTTLHours,
			SweepIntervalMinutes: defaultSweepIntervalMinutes,
		},
		Registry: Registry{
			EvictionGraceMinutes: defaultEvictionGraceMinutes,
			EvictIntervalMinutes: defaultEvictIntervalMinutes,
		},
		Pipeline: Pipeline{
			StrategyVersion:       defaultStrategyVersion,
			MetadataEndpoint:      defaultMetadataEndpoint,
			GeocodeEndpoint:       defaultGeocodeEndpoint,
			RequestTimeoutSeconds: defaultRequestTimeout,
		},
		Notify: Notify{
			RequestTimeoutSeconds: defaultNotifyTimeout,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
		Daemon: Daemon{
			DataDir: defaultDataDir,
		},
	}
}
