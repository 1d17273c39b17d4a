package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// DatabaseConfig holds the database connection information.
type DatabaseConfig struct {
	Type string `yaml:"type"`
	DSN  string `yaml:"dsn"`
}

// AdminConfig holds the process-wide admin credential.
type AdminConfig struct {
	Token string `yaml:"token"`
}

// AuthConfig controls API key hashing and the lookup cache.
type AuthConfig struct {
	KeySalt   string        `yaml:"key_salt"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
	CacheSize int64         `yaml:"cache_size"`
}

// RenderConfig holds configuration for the PDF and template collaborators.
type RenderConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	TemplateDir string        `yaml:"template_dir"`
	ChromePath  string        `yaml:"chrome_path"`
	// MaxBodyBytes caps the size of a /generate request body.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// CORSConfig lists the browser origins allowed to call the API.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// SchedulerConfig holds configuration for the scheduler.
type SchedulerConfig struct {
	UsageReport string `yaml:"usage_report"`
}

// PlanLimits are the per-period quotas of a plan. A nil limit is unbounded.
type PlanLimits struct {
	MaxRequestsPerPeriod *int64 `yaml:"max_requests_per_period" json:"max_requests_per_period"`
	MaxBytesPerPeriod    *int64 `yaml:"max_bytes_per_period" json:"max_bytes_per_period"`
}

// Config holds the configuration for the PDF service.
type Config struct {
	Database  DatabaseConfig        `yaml:"database"`
	Admin     AdminConfig           `yaml:"admin"`
	Auth      AuthConfig            `yaml:"auth"`
	Render    RenderConfig          `yaml:"render"`
	CORS      CORSConfig            `yaml:"cors"`
	Scheduler SchedulerConfig       `yaml:"scheduler"`
	Plans     map[string]PlanLimits `yaml:"plans"`
	Port      int                   `yaml:"port"`
	Debug     bool                  `yaml:"debug"`
}

const (
	defaultPort            = 8080
	defaultRenderTimeout   = 30 * time.Second
	defaultTemplateDir     = "templates"
	defaultMaxBodyBytes    = 10 << 20
	defaultCacheTTL        = 5 * time.Minute
	defaultCacheSize       = 10000
	defaultUsageReportSpec = "@monthly"
	defaultKeySalt         = "change-me-in-production"
)

// Limit returns a pointer to n, for building PlanLimits literals.
func Limit(n int64) *int64 {
	return &n
}

// DefaultPlans returns the built-in plan table used when no plans are configured.
func DefaultPlans() map[string]PlanLimits {
	const mib = int64(1 << 20)
	return map[string]PlanLimits{
		"free":       {MaxRequestsPerPeriod: Limit(100), MaxBytesPerPeriod: Limit(100 * mib)},
		"pro":        {MaxRequestsPerPeriod: Limit(2000), MaxBytesPerPeriod: Limit(2048 * mib)},
		"business":   {MaxRequestsPerPeriod: Limit(20000), MaxBytesPerPeriod: Limit(20480 * mib)},
		"enterprise": {},
	}
}

// LoadConfig reads and parses the configuration file. It returns the config and a potential warning message.
var LoadConfig = func(path string) (*Config, string, error) {
	var config Config
	var warnings []string

	data, err := os.ReadFile(path)
	if err == nil {
		err = yaml.Unmarshal(data, &config)
		if err != nil {
			return nil, "", fmt.Errorf("failed to parse config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, "", fmt.Errorf("failed to read config file: %w", err)
	}
	// A missing file is fine, environment variables may provide everything.

	if config.Port == 0 {
		config.Port = defaultPort
	}
	if config.Render.Timeout <= 0 {
		config.Render.Timeout = defaultRenderTimeout
	}
	if config.Render.TemplateDir == "" {
		config.Render.TemplateDir = defaultTemplateDir
	}
	if config.Render.MaxBodyBytes <= 0 {
		config.Render.MaxBodyBytes = defaultMaxBodyBytes
	}
	if config.Auth.CacheTTL <= 0 {
		config.Auth.CacheTTL = defaultCacheTTL
	}
	if config.Auth.CacheSize <= 0 {
		config.Auth.CacheSize = defaultCacheSize
	}
	if config.Scheduler.UsageReport == "" {
		config.Scheduler.UsageReport = defaultUsageReportSpec
	}
	if len(config.Plans) == 0 {
		config.Plans = DefaultPlans()
		warnings = append(warnings, "plans not set, using built-in free/pro/business/enterprise limits")
	}

	// Override with environment variables if they exist
	if dsn := os.Getenv("GOPDF_DATABASE_DSN"); dsn != "" {
		config.Database.DSN = dsn
	}
	if dbType := os.Getenv("GOPDF_DATABASE_TYPE"); dbType != "" {
		config.Database.Type = dbType
	}
	if port := os.Getenv("GOPDF_PORT"); port != "" {
		var p int
		if n, err := fmt.Sscanf(port, "%d", &p); err == nil && n == 1 {
			config.Port = p
		}
	}
	if token := os.Getenv("GOPDF_ADMIN_TOKEN"); token != "" {
		config.Admin.Token = token
	}
	if salt := os.Getenv("GOPDF_KEY_SALT"); salt != "" {
		config.Auth.KeySalt = salt
	}
	if timeout := os.Getenv("GOPDF_RENDER_TIMEOUT"); timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return nil, "", fmt.Errorf("invalid GOPDF_RENDER_TIMEOUT %q: %w", timeout, err)
		}
		config.Render.Timeout = d
	}
	if dir := os.Getenv("GOPDF_TEMPLATE_DIR"); dir != "" {
		config.Render.TemplateDir = dir
	}
	if size := os.Getenv("GOPDF_MAX_BODY_BYTES"); size != "" {
		n, err := strconv.ParseInt(size, 10, 64)
		if err != nil || n <= 0 {
			return nil, "", fmt.Errorf("invalid GOPDF_MAX_BODY_BYTES %q", size)
		}
		config.Render.MaxBodyBytes = n
	}
	if debug := os.Getenv("GOPDF_DEBUG"); debug != "" {
		config.Debug = (debug == "true")
	}

	if config.Auth.KeySalt == "" {
		config.Auth.KeySalt = defaultKeySalt
		warnings = append(warnings, "auth.key_salt not set, using the insecure default salt")
	}

	// Final validation after overrides
	if config.Database.Type == "" || config.Database.DSN == "" {
		return nil, "", fmt.Errorf("database type and dsn must be configured in config.yaml or via environment variables")
	}
	if config.Admin.Token == "" {
		return nil, "", fmt.Errorf("admin token must be configured in config.yaml or via GOPDF_ADMIN_TOKEN")
	}
	plans := make(map[string]PlanLimits, len(config.Plans))
	for name, limits := range config.Plans {
		if err := limits.validate(); err != nil {
			return nil, "", fmt.Errorf("plan %q: %w", name, err)
		}
		plans[NormalizePlan(name)] = limits
	}
	config.Plans = plans

	return &config, strings.Join(warnings, "; "), nil
}

// NormalizePlan canonicalises a plan name for lookups.
func NormalizePlan(plan string) string {
	return strings.ToLower(strings.TrimSpace(plan))
}

func (l PlanLimits) validate() error {
	if l.MaxRequestsPerPeriod != nil && *l.MaxRequestsPerPeriod < 0 {
		return fmt.Errorf("max_requests_per_period must be >= 0")
	}
	if l.MaxBytesPerPeriod != nil && *l.MaxBytesPerPeriod < 0 {
		return fmt.Errorf("max_bytes_per_period must be >= 0")
	}
	return nil
}
