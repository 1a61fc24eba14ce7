package configuration

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/iota-uz/utils/fs"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/dashsync/pkg/logging"
)

const Production = "production"

var singleton = sync.OnceValue(func() *Configuration {
	c := &Configuration{}
	if err := c.load([]string{".env", ".env.local"}); err != nil {
		c.Unload()
		panic(err)
	}
	return c
})

// LoadEnv loads the given env files. Files missing from the working directory
// are looked up in the nearest parent directory that contains go.mod.
func LoadEnv(envFiles []string) (int, error) {
	root := moduleRoot()

	existingFiles := make([]string, 0, len(envFiles))
	for _, file := range envFiles {
		if fs.FileExists(file) {
			existingFiles = append(existingFiles, file)
			continue
		}
		if root == "" || filepath.IsAbs(file) {
			continue
		}
		if candidate := filepath.Join(root, file); fs.FileExists(candidate) {
			existingFiles = append(existingFiles, candidate)
		}
	}

	if len(existingFiles) == 0 {
		return 0, nil
	}

	return len(existingFiles), godotenv.Load(existingFiles...)
}

func moduleRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		if fs.FileExists(filepath.Join(dir, "go.mod")) {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

type DatabaseOptions struct {
	Opts     string `env:"-"`
	Name     string `env:"DB_NAME" envDefault:"dashsync"`
	Host     string `env:"DB_HOST" envDefault:"localhost"`
	Port     string `env:"DB_PORT" envDefault:"5432"`
	User     string `env:"DB_USER" envDefault:"postgres"`
	Password string `env:"DB_PASSWORD" envDefault:"postgres"`
}

func (d *DatabaseOptions) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s dbname=%s password=%s sslmode=disable",
		d.Host, d.Port, d.User, d.Name, d.Password,
	)
}

type OpenTelemetryOptions struct {
	Enabled     bool   `env:"OTEL_ENABLED" envDefault:"false"`
	TempoURL    string `env:"OTEL_TEMPO_URL" envDefault:"localhost:4318"`
	ServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"dashsync"`
}

type PrometheusOptions struct {
	Enabled bool   `env:"PROMETHEUS_METRICS_ENABLED" envDefault:"false"`
	Path    string `env:"PROMETHEUS_METRICS_PATH" envDefault:"/debug/prometheus"`
}

type RateLimitOptions struct {
	Enabled   bool   `env:"RATE_LIMIT_ENABLED" envDefault:"true"`
	GlobalRPS int    `env:"RATE_LIMIT_GLOBAL_RPS" envDefault:"1000"`
	Storage   string `env:"RATE_LIMIT_STORAGE" envDefault:"memory"` // memory or redis
	RedisURL  string `env:"RATE_LIMIT_REDIS_URL"`
}

// Validate checks the rate limit configuration for errors
func (r *RateLimitOptions) Validate() error {
	if r.GlobalRPS < 0 {
		return fmt.Errorf("rate limit GlobalRPS must be non-negative, got %d", r.GlobalRPS)
	}
	if r.GlobalRPS > 1000000 {
		return fmt.Errorf("rate limit GlobalRPS too high, maximum is 1,000,000, got %d", r.GlobalRPS)
	}
	if r.Storage != "memory" && r.Storage != "redis" {
		return fmt.Errorf("rate limit Storage must be 'memory' or 'redis', got '%s'", r.Storage)
	}
	if r.Storage == "redis" && r.RedisURL == "" {
		return fmt.Errorf("rate limit RedisURL is required when Storage is 'redis'")
	}
	return nil
}

// LayoutOptions configures the layout synchronizer (client side) and the
// layout persistence service (server side).
type LayoutOptions struct {
	Debounce       time.Duration `env:"LAYOUT_DEBOUNCE" envDefault:"500ms"`
	RetryAttempts  int           `env:"LAYOUT_RETRY_ATTEMPTS" envDefault:"3"`
	RetryBaseDelay time.Duration `env:"LAYOUT_RETRY_BASE_DELAY" envDefault:"1s"`
	RetryMaxDelay  time.Duration `env:"LAYOUT_RETRY_MAX_DELAY" envDefault:"30s"`

	GatewayURL     string        `env:"LAYOUT_GATEWAY_URL" envDefault:"http://localhost:3200"`
	GatewayTimeout time.Duration `env:"LAYOUT_GATEWAY_TIMEOUT" envDefault:"10s"`

	// manual, local or remote
	ConflictPolicy string `env:"LAYOUT_CONFLICT_POLICY" envDefault:"manual"`

	// postgres or sqlite
	Store      string `env:"LAYOUT_STORE" envDefault:"postgres"`
	SQLitePath string `env:"LAYOUT_SQLITE_PATH" envDefault:"./data/layouts.db"`

	DefaultsPath     string        `env:"LAYOUT_DEFAULTS_PATH" envDefault:""`
	DefaultsCacheTTL time.Duration `env:"LAYOUT_DEFAULTS_CACHE_TTL" envDefault:"10m"`
}

// Validate checks the layout configuration for errors
func (o *LayoutOptions) Validate() error {
	if o.Debounce < 0 {
		return fmt.Errorf("LAYOUT_DEBOUNCE must be non-negative, got %s", o.Debounce)
	}
	if o.RetryAttempts < 1 || o.RetryAttempts > 10 {
		return fmt.Errorf("LAYOUT_RETRY_ATTEMPTS must be between 1 and 10, got %d", o.RetryAttempts)
	}
	if o.RetryBaseDelay < 0 || o.RetryMaxDelay < 0 {
		return fmt.Errorf("layout retry delays must be non-negative")
	}
	if o.GatewayTimeout <= 0 {
		return fmt.Errorf("LAYOUT_GATEWAY_TIMEOUT must be positive, got %s", o.GatewayTimeout)
	}

	store := strings.ToLower(strings.TrimSpace(o.Store))
	if store == "" {
		store = "postgres"
	}
	if store != "postgres" && store != "sqlite" {
		return fmt.Errorf("invalid LAYOUT_STORE=%q (expected postgres|sqlite)", o.Store)
	}
	o.Store = store

	policy := strings.ToLower(strings.TrimSpace(o.ConflictPolicy))
	if policy == "" {
		policy = "manual"
	}
	switch policy {
	case "manual", "local", "remote":
	default:
		return fmt.Errorf("invalid LAYOUT_CONFLICT_POLICY=%q (expected manual|local|remote)", o.ConflictPolicy)
	}
	o.ConflictPolicy = policy
	return nil
}

type Configuration struct {
	Database      DatabaseOptions
	OpenTelemetry OpenTelemetryOptions
	Prometheus    PrometheusOptions
	Layout        LayoutOptions
	RateLimit     RateLimitOptions

	CorsAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000"`

	// Empty disables the role-defaults cache.
	RedisURL         string `env:"REDIS_URL" envDefault:""`
	ServerPort       int    `env:"PORT" envDefault:"3200"`
	GoAppEnvironment string `env:"GO_APP_ENV" envDefault:"development"`
	SocketAddress    string `env:"-"`
	LogLevel         string `env:"LOG_LEVEL" envDefault:"error"`
	LogPath          string `env:"LOG_PATH" envDefault:"./logs/app.log"`
	// Incoming request ids are read from this header; a uuid is generated when it is absent.
	RequestIDHeader string `env:"REQUEST_ID_HEADER" envDefault:"X-Request-ID"`

	logFile *os.File
	logger  *logrus.Logger
}

func (c *Configuration) Logger() *logrus.Logger {
	return c.logger
}

func (c *Configuration) LogrusLogLevel() logrus.Level {
	switch c.LogLevel {
	case "silent":
		return logrus.PanicLevel
	case "error":
		return logrus.ErrorLevel
	case "warn":
		return logrus.WarnLevel
	case "info":
		return logrus.InfoLevel
	case "debug":
		return logrus.DebugLevel
	default:
		return logrus.ErrorLevel
	}
}

func Use() *Configuration {
	return singleton()
}

// Parse reads the environment into a fresh Configuration without touching the
// log file. Intended for CLIs and tests.
func Parse() (*Configuration, error) {
	c := &Configuration{}
	if err := env.Parse(c); err != nil {
		return nil, err
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	c.finish()
	c.logger = logging.ConsoleLogger(c.LogrusLogLevel())
	return c, nil
}

func (c *Configuration) load(envFiles []string) error {
	n, err := LoadEnv(envFiles)
	if err != nil {
		return err
	}
	if n == 0 {
		wd, _ := os.Getwd()
		log.Println("No .env files found. Tried:")
		for _, file := range envFiles {
			log.Println(filepath.Join(wd, file))
		}
	}
	if err := env.Parse(c); err != nil {
		return err
	}

	if err := c.validate(); err != nil {
		return err
	}

	f, logger, err := logging.FileLogger(c.LogrusLogLevel(), c.LogPath)
	if err != nil {
		return err
	}
	c.logFile = f
	c.logger = logger

	c.finish()
	return nil
}

func (c *Configuration) validate() error {
	if err := c.Layout.Validate(); err != nil {
		return fmt.Errorf("layout configuration error: %w", err)
	}
	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("rate limit configuration error: %w", err)
	}
	return nil
}

func (c *Configuration) finish() {
	c.Database.Opts = c.Database.ConnectionString()
	if c.GoAppEnvironment == Production {
		c.SocketAddress = fmt.Sprintf(":%d", c.ServerPort)
	} else {
		c.SocketAddress = fmt.Sprintf("localhost:%d", c.ServerPort)
	}
}

// Unload handles a graceful shutdown.
func (c *Configuration) Unload() {
	if c.logFile != nil {
		if err := c.logFile.Close(); err != nil {
			log.Printf("Failed to close log file: %v", err)
		}
	}
}
