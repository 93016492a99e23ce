package domain

import "time"

// Environment names a deployment profile.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
	EnvTest        Environment = "test"
)

// GenerationConfig bounds the job engine.
type GenerationConfig struct {
	MaxConcurrentJobs  int           `yaml:"max_concurrent_jobs" json:"max_concurrent_jobs" env:"JEWELFORGE_GENERATION_MAX_CONCURRENT_JOBS"`
	MaxQueueSize       int           `yaml:"max_queue_size" json:"max_queue_size" env:"JEWELFORGE_GENERATION_MAX_QUEUE_SIZE"`
	MaxRetries         int           `yaml:"max_retries" json:"max_retries" env:"JEWELFORGE_GENERATION_MAX_RETRIES"`
	RetryDelay         time.Duration `yaml:"retry_delay" json:"retry_delay" env:"JEWELFORGE_GENERATION_RETRY_DELAY"`
	MaxRetryDelay      time.Duration `yaml:"max_retry_delay" json:"max_retry_delay" env:"JEWELFORGE_GENERATION_MAX_RETRY_DELAY"`
	StaleAfter         time.Duration `yaml:"stale_after" json:"stale_after" env:"JEWELFORGE_GENERATION_STALE_AFTER"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval" json:"checkpoint_interval" env:"JEWELFORGE_GENERATION_CHECKPOINT_INTERVAL"`
	DispatchInterval   time.Duration `yaml:"dispatch_interval" json:"dispatch_interval" env:"JEWELFORGE_GENERATION_DISPATCH_INTERVAL"`
	DefaultMaterials   []string      `yaml:"default_materials" json:"default_materials" env:"JEWELFORGE_GENERATION_DEFAULT_MATERIALS"`
}

// PressureThresholds are percentages at which a dimension reaches a level.
type PressureThresholds struct {
	Medium   float64 `yaml:"medium" json:"medium" env:"JEWELFORGE_RESOURCES_THRESHOLD_MEDIUM"`
	High     float64 `yaml:"high" json:"high" env:"JEWELFORGE_RESOURCES_THRESHOLD_HIGH"`
	Critical float64 `yaml:"critical" json:"critical" env:"JEWELFORGE_RESOURCES_THRESHOLD_CRITICAL"`
}

// ResourceConfig holds limits used by the resource monitor.
type ResourceConfig struct {
	MaxMemoryMB  uint64             `yaml:"max_memory_mb" json:"max_memory_mb" env:"JEWELFORGE_RESOURCES_MAX_MEMORY_MB"`
	DiskPath     string             `yaml:"disk_path" json:"disk_path" env:"JEWELFORGE_RESOURCES_DISK_PATH"`
	MaxProcesses int                `yaml:"max_processes" json:"max_processes" env:"JEWELFORGE_RESOURCES_MAX_PROCESSES"`
	Thresholds   PressureThresholds `yaml:"thresholds" json:"thresholds"`
}

type MonitoringConfig struct {
	SampleIntervalMs int `yaml:"sample_interval_ms" json:"sample_interval_ms" env:"JEWELFORGE_MONITORING_SAMPLE_INTERVAL_MS"`
}

// SampleInterval returns the sampling period with a floor of 100ms.
func (m MonitoringConfig) SampleInterval() time.Duration {
	d := time.Duration(m.SampleIntervalMs) * time.Millisecond
	if d < 100*time.Millisecond {
		return 100 * time.Millisecond
	}
	return d
}

type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold" env:"JEWELFORGE_BREAKER_FAILURE_THRESHOLD"`
	Window           time.Duration `yaml:"window" json:"window" env:"JEWELFORGE_BREAKER_WINDOW"`
	CoolDown         time.Duration `yaml:"cool_down" json:"cool_down" env:"JEWELFORGE_BREAKER_COOL_DOWN"`
}

type StorageConfig struct {
	Driver string `yaml:"driver" json:"driver" env:"JEWELFORGE_STORAGE_DRIVER"` // "duckdb" or "memory"
	Path   string `yaml:"path" json:"path" env:"JEWELFORGE_STORAGE_PATH"`
}

type EventsConfig struct {
	RedisAddr     string `yaml:"redis_addr" json:"redis_addr" env:"JEWELFORGE_REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" json:"-" env:"JEWELFORGE_REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db" json:"redis_db" env:"JEWELFORGE_REDIS_DB"`
	ChannelPrefix string `yaml:"channel_prefix" json:"channel_prefix" env:"JEWELFORGE_EVENTS_CHANNEL_PREFIX"`
}

type RendererConfig struct {
	Mode     string        `yaml:"mode" json:"mode" env:"JEWELFORGE_RENDERER_MODE"` // "http" or "docker"
	Endpoint string        `yaml:"endpoint" json:"endpoint" env:"JEWELFORGE_RENDERER_ENDPOINT"`
	APIKey   string        `yaml:"api_key" json:"api_key" env:"JEWELFORGE_RENDERER_API_KEY"`
	Image    string        `yaml:"image" json:"image" env:"JEWELFORGE_RENDERER_IMAGE"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout" env:"JEWELFORGE_RENDERER_TIMEOUT"`
}

type ServerConfig struct {
	Addr           string   `yaml:"addr" json:"addr" env:"JEWELFORGE_SERVER_ADDR"`
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins" env:"JEWELFORGE_SERVER_ALLOWED_ORIGINS"`
}

// EngineConfig is the main application configuration.
type EngineConfig struct {
	Environment Environment      `yaml:"environment" json:"environment"`
	Generation  GenerationConfig `yaml:"generation" json:"generation"`
	Resources   ResourceConfig   `yaml:"resources" json:"resources"`
	Monitoring  MonitoringConfig `yaml:"monitoring" json:"monitoring"`
	Breaker     BreakerConfig    `yaml:"breaker" json:"breaker"`
	Storage     StorageConfig    `yaml:"storage" json:"storage"`
	Events      EventsConfig     `yaml:"events" json:"events"`
	Renderer    RendererConfig   `yaml:"renderer" json:"renderer"`
	Server      ServerConfig     `yaml:"server" json:"server"`
}

// DefaultConfig returns safe defaults for the given environment.
// Development caps concurrency lower than production.
func DefaultConfig(env Environment) *EngineConfig {
	cfg := &EngineConfig{
		Environment: env,
		Generation: GenerationConfig{
			MaxConcurrentJobs:  2,
			MaxQueueSize:       20,
			MaxRetries:         3,
			RetryDelay:         2 * time.Second,
			MaxRetryDelay:      30 * time.Second,
			StaleAfter:         5 * time.Minute,
			CheckpointInterval: 10 * time.Second,
			DispatchInterval:   time.Second,
			DefaultMaterials:   []string{"gold"},
		},
		Resources: ResourceConfig{
			MaxMemoryMB:  0,
			DiskPath:     "/",
			MaxProcesses: 2048,
			Thresholds: PressureThresholds{
				Medium:   60,
				High:     80,
				Critical: 95,
			},
		},
		Monitoring: MonitoringConfig{SampleIntervalMs: 5000},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			Window:           time.Minute,
			CoolDown:         30 * time.Second,
		},
		Storage: StorageConfig{Driver: "duckdb", Path: "jewelforge.db"},
		Events:  EventsConfig{ChannelPrefix: "jewelforge"},
		Renderer: RendererConfig{
			Mode:     "http",
			Endpoint: "http://localhost:8188",
			Image:    "jewelforge/renderer:latest",
			Timeout:  3 * time.Minute,
		},
		Server: ServerConfig{
			Addr:           ":8080",
			AllowedOrigins: []string{"http://localhost:5173"},
		},
	}

	switch env {
	case EnvProduction:
		cfg.Generation.MaxConcurrentJobs = 8
		cfg.Generation.MaxQueueSize = 200
		cfg.Resources.MaxMemoryMB = 16384
		cfg.Monitoring.SampleIntervalMs = 3000
	case EnvTest:
		cfg.Storage.Driver = "memory"
		cfg.Generation.RetryDelay = 0
		cfg.Generation.CheckpointInterval = 50 * time.Millisecond
		cfg.Generation.DispatchInterval = 20 * time.Millisecond
	}

	return cfg
}

// RuntimeSettings are the tunables that can change while the engine runs.
type RuntimeSettings struct {
	Generation     GenerationConfig `json:"generation"`
	Resources      ResourceConfig   `json:"resources"`
	RendererAPIKey string           `json:"renderer_api_key"`
}

// RuntimeSettings extracts the hot-reloadable part of the configuration.
func (c *EngineConfig) RuntimeSettings() RuntimeSettings {
	return RuntimeSettings{
		Generation:     c.Generation,
		Resources:      c.Resources,
		RendererAPIKey: c.Renderer.APIKey,
	}
}

// Apply copies settings into the configuration.
func (c *EngineConfig) Apply(s RuntimeSettings) {
	c.Generation = s.Generation
	c.Resources = s.Resources
	c.Renderer.APIKey = s.RendererAPIKey
}
