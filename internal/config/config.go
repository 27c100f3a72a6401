// Package config loads the ETL settings from an optional .env file and the
// process environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// EnvFileVar overrides the .env path.
const EnvFileVar = "PLANNER_ETL_ENV_FILE"

// DefaultEnvFile is read from the working directory when present.
const DefaultEnvFile = ".env"

var (
	ErrMissingDatabase = errors.New("Database configuration values are missing.")
	ErrMissingAzure    = errors.New("Azure details values are missing")
)

// Config is the full run configuration.
type Config struct {
	Database Database
	Azure    Azure
	Metrics  Metrics

	LoadAtomic  bool          `env:"LOAD_ATOMIC" env-default:"true"`
	HTTPTimeout time.Duration `env:"HTTP_TIMEOUT" env-default:"60s"`
	Verbose     bool          `env:"PLANNER_ETL_VERBOSE" env-default:"false"`
}

// Database selects the storage backend and its connection parameters.
type Database struct {
	Kind     string `env:"DATABASE_KIND" env-default:"mssql"`
	DSN      string `env:"DATABASE_DSN"`
	User     string `env:"DATABASE_USER"`
	Password string `env:"DATABASE_PASSWORD"`
	Host     string `env:"DATABASE_HOST"`
	Port     string `env:"DATABASE_PORT"`
	Name     string `env:"DATABASE_NAME"`

	// TrustedConnection leaves credentials out of the SQL Server DSN so the
	// driver falls back to integrated authentication.
	TrustedConnection bool   `env:"DATABASE_TRUSTED_CONNECTION" env-default:"false"`
	Encrypt           string `env:"DATABASE_ENCRYPT" env-default:"disable"`
}

// Azure holds the app registration and the plan to export.
type Azure struct {
	ClientID      string `env:"CLIENT_ID"`
	ClientSecret  string `env:"CLIENT_SECRET"`
	TenantID      string `env:"TENANT_ID"`
	PlanID        string `env:"PLAN_ID"`
	AuthorityHost string `env:"AUTHORITY_HOST" env-default:"https://login.microsoftonline.com"`
	GraphBaseURL  string `env:"GRAPH_BASE_URL" env-default:"https://graph.microsoft.com/v1.0"`
}

// Metrics selects the metrics backend.
type Metrics struct {
	Backend    string        `env:"METRICS_BACKEND" env-default:"none"`
	Tags       string        `env:"METRICS_TAGS"`
	FlushEvery time.Duration `env:"METRICS_FLUSH_EVERY" env-default:"60s"`
}

// Load reads the .env file (if any) and then the environment. Variables
// already set in the environment win over the file.
func Load() (Config, error) {
	path := os.Getenv(EnvFileVar)
	explicit := path != ""
	if !explicit {
		path = DefaultEnvFile
	}
	if err := godotenv.Load(path); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: read env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the required groups. The database group is checked first.
func (c Config) Validate() error {
	if err := c.Database.validate(); err != nil {
		return err
	}
	a := c.Azure
	if a.ClientID == "" || a.ClientSecret == "" || a.TenantID == "" || a.PlanID == "" {
		return ErrMissingAzure
	}
	switch c.Metrics.Backend {
	case "", "none", "datadog":
	default:
		return fmt.Errorf("config: unknown METRICS_BACKEND %q", c.Metrics.Backend)
	}
	return nil
}

func (d Database) validate() error {
	switch d.Kind {
	case "mssql", "postgres":
		if d.DSN != "" {
			return nil
		}
		if d.User == "" || d.Password == "" || d.Host == "" || d.Port == "" || d.Name == "" {
			return ErrMissingDatabase
		}
	case "sqlite":
		if d.DSN == "" && d.Name == "" {
			return ErrMissingDatabase
		}
	default:
		return fmt.Errorf("config: unknown DATABASE_KIND %q", d.Kind)
	}
	return nil
}

// ConnString returns the DSN for the configured backend. DATABASE_DSN, when
// set, is used as is.
func (d Database) ConnString() string {
	if d.DSN != "" {
		return d.DSN
	}
	switch d.Kind {
	case "postgres":
		return postgresDSN(d)
	case "sqlite":
		return d.Name
	default:
		return mssqlDSN(d)
	}
}

// Redacted returns ConnString with the password masked, for logs.
func (d Database) Redacted() string {
	s := d.ConnString()
	u, err := url.Parse(s)
	if err != nil || u.User == nil {
		return s
	}
	return u.Redacted()
}

func mssqlDSN(d Database) string {
	u := &url.URL{
		Scheme: "sqlserver",
		Host:   d.Host + ":" + d.Port,
	}
	if !d.TrustedConnection {
		u.User = url.UserPassword(d.User, d.Password)
	}
	q := u.Query()
	q.Set("database", d.Name)
	q.Set("encrypt", d.Encrypt)
	u.RawQuery = q.Encode()
	return u.String()
}

func postgresDSN(d Database) string {
	u := &url.URL{
		Scheme: "postgresql",
		User:   url.UserPassword(d.User, d.Password),
		Host:   d.Host + ":" + d.Port,
		Path:   "/" + d.Name,
	}
	q := u.Query()
	q.Set("sslmode", pgSSLMode(d.Encrypt))
	u.RawQuery = q.Encode()
	return u.String()
}

// pgSSLMode maps the SQL Server style encrypt flag onto sslmode.
func pgSSLMode(encrypt string) string {
	switch strings.ToLower(encrypt) {
	case "true", "strict", "mandatory":
		return "require"
	case "", "false", "disable", "optional":
		return "disable"
	default:
		return encrypt
	}
}
