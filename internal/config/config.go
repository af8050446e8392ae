package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Browser   BrowserConfig   `yaml:"browser"`
	Webcam    WebcamConfig    `yaml:"webcam"`
	Integrity IntegrityConfig `yaml:"integrity"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Storage   StorageConfig   `yaml:"storage"`
	Events    EventsConfig    `yaml:"events"`
	Webhooks  WebhooksConfig  `yaml:"webhooks"`
	Detectors DetectorsConfig `yaml:"detectors"`
	Admin     AdminConfig     `yaml:"admin"`
	Retention RetentionConfig `yaml:"retention"`
}

type ServerConfig struct {
	Port                string   `yaml:"port"`
	Env                 string   `yaml:"env"`
	ReadTimeoutSeconds  int      `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds int      `yaml:"write_timeout_seconds"`
	CORSAllowOrigins    []string `yaml:"cors_allow_origins"` // exact origins or "https://*.example.com"
	TrustedProxies      []string `yaml:"trusted_proxies"`    // CIDRs whose X-Forwarded-For is believed
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

type BrowserConfig struct {
	AllowedBrowsers     []string              `yaml:"allowed_browsers"`
	MinScreenWidth      int                   `yaml:"min_screen_width"`
	MinScreenHeight     int                   `yaml:"min_screen_height"`
	BlockIncognito      bool                  `yaml:"block_incognito"`
	MaxIdleTimeSeconds  int                   `yaml:"max_idle_time_seconds"`
	IdleSweepSeconds    int                   `yaml:"idle_sweep_seconds"`
	CPUAnomalyThreshold float64               `yaml:"cpu_anomaly_threshold"`
	Policy              ViolationPolicyConfig `yaml:"violation_policy"`
}

type ViolationPolicyConfig struct {
	AutoTerminate        bool `yaml:"auto_terminate"`
	WarningThreshold     int  `yaml:"warning_threshold"`
	TerminationThreshold int  `yaml:"termination_threshold"`
	GracePeriodSeconds   int  `yaml:"grace_period_seconds"`
}

type WebcamConfig struct {
	MinConfidence    float64 `yaml:"min_confidence"`
	FlagLookingAway  bool    `yaml:"flag_looking_away"`
	RetainFrames     int     `yaml:"retain_frames"`
	DataMinimization bool    `yaml:"data_minimization"`
	AnonymizeFrames  bool    `yaml:"anonymize_frames"`
}

type IntegrityConfig struct {
	Weights             IntegrityWeights `yaml:"weights"`
	PlagiarismThreshold float64          `yaml:"plagiarism_threshold"`
	ShingleSize         int              `yaml:"shingle_size"`
	MinThinkTimeMs      int              `yaml:"min_think_time_ms"`
	MaxCharsPerSecond   float64          `yaml:"max_chars_per_second"`
	MinReviewTimeMs     int              `yaml:"min_review_time_ms"`
	ReferenceAnswers    []ReferenceText  `yaml:"reference_answers"`
}

type IntegrityWeights struct {
	Plagiarism float64 `yaml:"plagiarism"`
	Typing     float64 `yaml:"typing"`
	Response   float64 `yaml:"response"`
}

// ReferenceText seeds the plagiarism corpus with known sources.
type ReferenceText struct {
	AssessmentID string `yaml:"assessment_id"`
	QuestionID   string `yaml:"question_id"`
	Source       string `yaml:"source"`
	Text         string `yaml:"text"`
}

type RateLimitConfig struct {
	Events          LimitConfig `yaml:"events"`
	Frames          LimitConfig `yaml:"frames"`
	MaxKeysPerShard int         `yaml:"max_keys_per_shard"`
	SweepSeconds    int         `yaml:"sweep_seconds"`
}

type LimitConfig struct {
	Requests      int `yaml:"requests"`
	WindowSeconds int `yaml:"window_seconds"`
}

// Window returns the configured window as a duration.
func (l LimitConfig) Window() time.Duration {
	return time.Duration(l.WindowSeconds) * time.Second
}

type StorageConfig struct {
	SnapshotBackend string         `yaml:"snapshot_backend"` // memory, redis
	Redis           RedisConfig    `yaml:"redis"`
	ArchiveBackend  string         `yaml:"archive_backend"` // memory, postgres, supabase, spanner
	PostgresURL     string         `yaml:"postgres_url"`
	Supabase        SupabaseConfig `yaml:"supabase"`
	Spanner         SpannerConfig  `yaml:"spanner"`
}

type RedisConfig struct {
	Addr       string `yaml:"addr"`
	Password   string `yaml:"password"`
	DB         int    `yaml:"db"`
	KeyPrefix  string `yaml:"key_prefix"`
	TTLMinutes int    `yaml:"ttl_minutes"`
}

type SupabaseConfig struct {
	URL        string `yaml:"url"`
	ServiceKey string `yaml:"service_key"`
	Table      string `yaml:"table"`
}

type SpannerConfig struct {
	Project         string `yaml:"project"`
	Instance        string `yaml:"instance"`
	Database        string `yaml:"database"`
	CredentialsFile string `yaml:"credentials_file"`
}

type EventsConfig struct {
	PubSubEnabled   bool   `yaml:"pubsub_enabled"`
	ProjectID       string `yaml:"project_id"`
	TopicID         string `yaml:"topic_id"`
	CredentialsFile string `yaml:"credentials_file"`
	BufferSize      int    `yaml:"buffer_size"`
}

type WebhooksConfig struct {
	Workers       int                         `yaml:"workers"`
	Subscriptions []WebhookSubscriptionConfig `yaml:"subscriptions"`
	CloudTasks    CloudTasksConfig            `yaml:"cloud_tasks"`
}

type WebhookSubscriptionConfig struct {
	URL          string   `yaml:"url"`
	Events       []string `yaml:"events"`
	Secret       string   `yaml:"secret"`
	AssessmentID string   `yaml:"assessment_id"`
}

type CloudTasksConfig struct {
	Enabled         bool   `yaml:"enabled"`
	ProjectID       string `yaml:"project_id"`
	LocationID      string `yaml:"location_id"`
	QueueID         string `yaml:"queue_id"`
	CredentialsFile string `yaml:"credentials_file"`
}

type DetectorsConfig struct {
	FrameAnalyzerAddr string        `yaml:"frame_analyzer_addr"`
	SimilarityAddr    string        `yaml:"similarity_addr"`
	TimeoutMs         int           `yaml:"timeout_ms"`
	Async             bool          `yaml:"async"`
	Workers           int           `yaml:"workers"`
	QueueSize         int           `yaml:"queue_size"`
	Breaker           BreakerConfig `yaml:"breaker"`
}

// Timeout returns the per-call detector timeout.
func (d DetectorsConfig) Timeout() time.Duration {
	return time.Duration(d.TimeoutMs) * time.Millisecond
}

type BreakerConfig struct {
	MinRequests  int     `yaml:"min_requests"`
	FailureRatio float64 `yaml:"failure_ratio"`
	OpenSeconds  int     `yaml:"open_seconds"`
}

type AdminConfig struct {
	// bcrypt hashes of accepted admin API keys
	APIKeyHashes []string `yaml:"api_key_hashes"`
}

type RetentionConfig struct {
	CompletedTTLMinutes int `yaml:"completed_ttl_minutes"`
	SweepSeconds        int `yaml:"sweep_seconds"`
}

// Default returns the configuration used when no file overrides a field.
func Default() *Config {
	return &Config{
		Server:  ServerConfig{Port: "8080", Env: "development", ReadTimeoutSeconds: 15, WriteTimeoutSeconds: 15},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Browser: BrowserConfig{
			AllowedBrowsers:     []string{"chrome", "firefox", "edge", "safari"},
			MinScreenWidth:      1024,
			MinScreenHeight:     768,
			BlockIncognito:      true,
			MaxIdleTimeSeconds:  300,
			IdleSweepSeconds:    15,
			CPUAnomalyThreshold: 80,
			Policy: ViolationPolicyConfig{
				AutoTerminate:        true,
				WarningThreshold:     5,
				TerminationThreshold: 10,
			},
		},
		Webcam: WebcamConfig{MinConfidence: 0.6, FlagLookingAway: true, RetainFrames: 10},
		Integrity: IntegrityConfig{
			Weights:             IntegrityWeights{Plagiarism: 0.5, Typing: 0.25, Response: 0.25},
			PlagiarismThreshold: 0.8,
			ShingleSize:         3,
			MinThinkTimeMs:      2000,
			MaxCharsPerSecond:   12,
			MinReviewTimeMs:     500,
		},
		RateLimit: RateLimitConfig{
			Events:          LimitConfig{Requests: 120, WindowSeconds: 60},
			Frames:          LimitConfig{Requests: 10, WindowSeconds: 5},
			MaxKeysPerShard: 4096,
			SweepSeconds:    60,
		},
		Storage: StorageConfig{
			SnapshotBackend: "memory",
			Redis:           RedisConfig{Addr: "localhost:6379", KeyPrefix: "proctor:", TTLMinutes: 24 * 60},
			ArchiveBackend:  "memory",
			Supabase:        SupabaseConfig{Table: "proctor_reports"},
		},
		Events:    EventsConfig{TopicID: "proctor-events", BufferSize: 100},
		Webhooks:  WebhooksConfig{Workers: 4},
		Detectors: DetectorsConfig{TimeoutMs: 2000, Workers: 8, QueueSize: 256, Breaker: BreakerConfig{MinRequests: 5, FailureRatio: 0.5, OpenSeconds: 30}},
		Retention: RetentionConfig{CompletedTTLMinutes: 60, SweepSeconds: 60},
	}
}

// LoadConfig reads a YAML file on top of Default and applies environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv lets deployment secrets and selectors override the file.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("CORS_ALLOW_ORIGINS"); v != "" {
		c.Server.CORSAllowOrigins = strings.Split(v, ",")
	}
	if v := os.Getenv("TRUSTED_PROXIES"); v != "" {
		c.Server.TrustedProxies = strings.Split(v, ",")
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Storage.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Storage.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Storage.Redis.DB = db
		}
	}
	if v := os.Getenv("SNAPSHOT_BACKEND"); v != "" {
		c.Storage.SnapshotBackend = v
	}
	if v := os.Getenv("ARCHIVE_BACKEND"); v != "" {
		c.Storage.ArchiveBackend = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Storage.PostgresURL = v
	}
	if v := os.Getenv("SUPABASE_URL"); v != "" {
		c.Storage.Supabase.URL = v
	}
	if v := os.Getenv("SUPABASE_SERVICE_KEY"); v != "" {
		c.Storage.Supabase.ServiceKey = v
	}
	if v := os.Getenv("SPANNER_PROJECT_ID"); v != "" {
		c.Storage.Spanner.Project = v
	}
	if v := os.Getenv("SPANNER_INSTANCE_ID"); v != "" {
		c.Storage.Spanner.Instance = v
	}
	if v := os.Getenv("SPANNER_DATABASE_ID"); v != "" {
		c.Storage.Spanner.Database = v
	}
	if v := os.Getenv("GOOGLE_CLOUD_PROJECT"); v != "" {
		if c.Events.ProjectID == "" {
			c.Events.ProjectID = v
		}
		if c.Webhooks.CloudTasks.ProjectID == "" {
			c.Webhooks.CloudTasks.ProjectID = v
		}
	}
}

// Validate rejects settings the monitors cannot work with.
func (c *Config) Validate() error {
	p := c.Browser.Policy
	if p.WarningThreshold < 0 || p.TerminationThreshold < 0 {
		return fmt.Errorf("browser.violation_policy: thresholds must be non-negative")
	}
	if p.TerminationThreshold > 0 && p.WarningThreshold > p.TerminationThreshold {
		return fmt.Errorf("browser.violation_policy: warning_threshold %d exceeds termination_threshold %d",
			p.WarningThreshold, p.TerminationThreshold)
	}
	w := c.Integrity.Weights
	if w.Plagiarism <= 0 || w.Typing <= 0 || w.Response <= 0 {
		return fmt.Errorf("integrity.weights: all three weights must be positive")
	}
	if c.Integrity.PlagiarismThreshold <= 0 || c.Integrity.PlagiarismThreshold > 1 {
		return fmt.Errorf("integrity.plagiarism_threshold must be in (0,1]")
	}
	if c.Webcam.MinConfidence < 0 || c.Webcam.MinConfidence > 1 {
		return fmt.Errorf("webcam.min_confidence must be in [0,1]")
	}
	if c.RateLimit.Events.Requests <= 0 || c.RateLimit.Events.WindowSeconds <= 0 {
		return fmt.Errorf("rate_limit.events must set requests and window_seconds")
	}
	if c.RateLimit.Frames.Requests <= 0 || c.RateLimit.Frames.WindowSeconds <= 0 {
		return fmt.Errorf("rate_limit.frames must set requests and window_seconds")
	}
	for _, cidr := range c.Server.TrustedProxies {
		if _, _, err := net.ParseCIDR(strings.TrimSpace(cidr)); err != nil && net.ParseIP(strings.TrimSpace(cidr)) == nil {
			return fmt.Errorf("server.trusted_proxies: %q is not an address or CIDR", cidr)
		}
	}
	return nil
}
