package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all dispatcher configuration from environment variables.
type Config struct {
	// Marketplace
	APIBase      string // VAP_API, e.g. https://market.example.com
	IdentityName string // VAP_IDENTITY, primary identity name
	IAddress     string // VAP_I_ADDRESS
	KeysFile     string // VAP_KEYS_FILE, primary identity keys.json
	AgentsDir    string // AGENTS_DIR, identity pool root
	PollInterval time.Duration

	// Container runtime
	DockerSock        string
	ContainerImage    string
	ContainerMemory   string // e.g. "2g"
	ContainerCPUs     float64
	ContainerLifetime time.Duration
	PortRangeStart    int
	PortRangeEnd      int
	PortCooldown      time.Duration
	ProfilesPath      string // optional yaml of per-tier resource profiles

	// Credential proxy
	ProxyPort      int
	ProxyRateLimit int // per-token upstream requests per minute
	LLMAPIURL      string
	LLMAPIKey      string
	LLMModel       string
	EmbeddingsURL  string
	EmbeddingsKey  string

	// Admission
	MaxAcceptsPerMin int
	MaxQueuedJobs    int
	GhostTimeout     time.Duration

	// Paths
	JobsPath string
	WikiPath string

	// Observability
	MetricsPort int // 0 disables the metrics listener
	LogJSON     bool
}

// Load reads all configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		APIBase:      envStr("VAP_API", ""),
		IdentityName: envStr("VAP_IDENTITY", ""),
		IAddress:     envStr("VAP_I_ADDRESS", ""),
		KeysFile:     envStr("VAP_KEYS_FILE", ""),
		AgentsDir:    envStr("AGENTS_DIR", "/data/agents"),
		PollInterval: envDuration("POLL_INTERVAL", 30*time.Second),

		DockerSock:        envStr("DOCKER_SOCK", "/var/run/docker.sock"),
		ContainerImage:    envStr("CONTAINER_IMAGE", ""),
		ContainerMemory:   envStr("CONTAINER_MEMORY", "2g"),
		ContainerCPUs:     envFloat("CONTAINER_CPUS", 1.0),
		ContainerLifetime: envDuration("CONTAINER_MAX_LIFETIME", time.Hour),
		PortRangeStart:    envInt("PORT_RANGE_START", 8100),
		PortRangeEnd:      envInt("PORT_RANGE_END", 8119),
		PortCooldown:      envDuration("PORT_COOLDOWN", 60*time.Second),
		ProfilesPath:      envStr("PROFILES_PATH", ""),

		ProxyPort:      envInt("PROXY_PORT", 8090),
		ProxyRateLimit: envInt("PROXY_RATE_LIMIT", 60),
		LLMAPIURL:      envStr("LLM_API_URL", "https://api.openai.com"),
		LLMAPIKey:      envStr("LLM_API_KEY", ""),
		LLMModel:       envStr("LLM_MODEL", "gpt-4o-mini"),
		EmbeddingsURL:  envStr("EMBEDDINGS_API_URL", ""),
		EmbeddingsKey:  envStr("EMBEDDINGS_API_KEY", ""),

		MaxAcceptsPerMin: envInt("MAX_ACCEPTS_PER_MIN", 3),
		MaxQueuedJobs:    envInt("MAX_QUEUED_JOBS", 5),
		GhostTimeout:     envDuration("GHOST_TIMEOUT", 10*time.Minute),

		JobsPath: envStr("JOBS_PATH", "/data/jobs"),
		WikiPath: envStr("WIKI_PATH", ""),

		MetricsPort: envInt("METRICS_PORT", 0),
		LogJSON:     envBool("LOG_JSON", true),
	}
}

// Validate checks configuration for invalid values. An error here is fatal
// at startup.
func (c *Config) Validate() error {
	var errs []error
	if c.APIBase == "" {
		errs = append(errs, errors.New("VAP_API is required"))
	}
	if c.ContainerImage == "" {
		errs = append(errs, errors.New("CONTAINER_IMAGE is required"))
	}
	if c.LLMAPIKey == "" {
		errs = append(errs, errors.New("LLM_API_KEY is required"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("POLL_INTERVAL must be > 0, got %s", c.PollInterval))
	}
	if c.PortRangeStart <= 0 || c.PortRangeEnd < c.PortRangeStart {
		errs = append(errs, fmt.Errorf("invalid port range [%d, %d]", c.PortRangeStart, c.PortRangeEnd))
	}
	if c.PortCooldown < 0 {
		errs = append(errs, fmt.Errorf("PORT_COOLDOWN must be >= 0, got %s", c.PortCooldown))
	}
	if c.ContainerLifetime <= 0 {
		errs = append(errs, fmt.Errorf("CONTAINER_MAX_LIFETIME must be > 0, got %s", c.ContainerLifetime))
	}
	if c.ContainerCPUs <= 0 {
		errs = append(errs, fmt.Errorf("CONTAINER_CPUS must be > 0, got %g", c.ContainerCPUs))
	}
	if c.ProxyPort <= 0 {
		errs = append(errs, fmt.Errorf("PROXY_PORT must be > 0, got %d", c.ProxyPort))
	}
	if c.ProxyRateLimit <= 0 {
		errs = append(errs, fmt.Errorf("PROXY_RATE_LIMIT must be > 0, got %d", c.ProxyRateLimit))
	}
	if c.MaxAcceptsPerMin <= 0 {
		errs = append(errs, fmt.Errorf("MAX_ACCEPTS_PER_MIN must be > 0, got %d", c.MaxAcceptsPerMin))
	}
	if c.MaxQueuedJobs < 0 {
		errs = append(errs, fmt.Errorf("MAX_QUEUED_JOBS must be >= 0, got %d", c.MaxQueuedJobs))
	}
	if c.GhostTimeout <= 0 {
		errs = append(errs, fmt.Errorf("GHOST_TIMEOUT must be > 0, got %s", c.GhostTimeout))
	}
	return errors.Join(errs...)
}

// PoolSize is the number of sandbox ports, which caps parallel jobs.
func (c *Config) PoolSize() int {
	return c.PortRangeEnd - c.PortRangeStart + 1
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envBool(key string, def bool) bool {
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

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
