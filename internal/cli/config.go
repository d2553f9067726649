package cli

import (
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/pthm/tabula"
	"github.com/pthm/tabula/internal/sqlgen/sqldsl"
	"github.com/pthm/tabula/pkg/store"
)

const (
	maxWalkDepth = 25

	// EnvPrefix prefixes every environment variable read by the CLI.
	EnvPrefix = "TABULA"
)

// Config represents the tabula configuration from tabula.yaml.
type Config struct {
	// Top-level convenience fields
	SchemasDir string `mapstructure:"schemas_dir" json:"schemas_dir"`

	// Database configuration
	Database DatabaseConfig `mapstructure:"database" json:"database"`

	// Engine configuration
	Engine EngineConfig `mapstructure:"engine" json:"engine"`

	// Per-command configuration
	Migrate MigrateConfig `mapstructure:"migrate" json:"migrate"`
	Status  StatusConfig  `mapstructure:"status" json:"status"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver" json:"driver"`
	URL      string `mapstructure:"url" json:"url,omitempty"`
	Host     string `mapstructure:"host" json:"host,omitempty"`
	Port     int    `mapstructure:"port" json:"port"`
	Name     string `mapstructure:"name" json:"name,omitempty"`
	User     string `mapstructure:"user" json:"user,omitempty"`
	Password string `mapstructure:"password" json:"password,omitempty"`
	SSLMode  string `mapstructure:"sslmode" json:"sslmode"`
}

// EngineConfig holds the runtime options of the engine.
type EngineConfig struct {
	LogLevel          string `mapstructure:"log_level" json:"log_level"`
	LogFormat         string `mapstructure:"log_format" json:"log_format"`
	FTSLanguage       string `mapstructure:"fts_language" json:"fts_language,omitempty"`
	SyncTriggers      bool   `mapstructure:"sync_triggers" json:"sync_triggers"`
	BulkCopyThreshold int    `mapstructure:"bulk_copy_threshold" json:"bulk_copy_threshold"`
}

// MigrateConfig holds migration settings.
type MigrateConfig struct {
	SchemasDir string `mapstructure:"schemas_dir" json:"schemas_dir,omitempty"`
	DryRun     bool   `mapstructure:"dry_run" json:"dry_run"`
	Force      bool   `mapstructure:"force" json:"force"`
}

// StatusConfig holds status command settings.
type StatusConfig struct {
	SchemasDir string `mapstructure:"schemas_dir" json:"schemas_dir,omitempty"`
}

// LoadConfig discovers and loads configuration with proper precedence:
// flags > env > config file > defaults.
//
// A .env file next to the config file, or in the working directory when
// there is none, is loaded first. It never overrides variables that are
// already set.
//
// Returns the loaded config, the path to the config file (empty if none found),
// and any error encountered.
func LoadConfig(explicitConfigPath string) (*Config, string, error) {
	v := viper.New()

	// 1. Set defaults first (lowest precedence)
	setDefaults(v)

	// 2. Find the config file and load its .env
	configPath, err := findConfigFile(explicitConfigPath)
	if err != nil {
		return nil, "", err
	}
	if err := loadDotEnv(configPath); err != nil {
		return nil, configPath, err
	}

	// 3. Set up environment variable binding
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 4. Load config file
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, configPath, fmt.Errorf("reading config file: %w", err)
		}
	}

	// 5. Unmarshal into Config struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, configPath, fmt.Errorf("unmarshaling config: %w", err)
	}

	return &cfg, configPath, nil
}

func setDefaults(v *viper.Viper) {
	// Top-level defaults
	v.SetDefault("schemas_dir", "schemas")

	// Database defaults
	v.SetDefault("database.driver", store.DriverPgx)
	v.SetDefault("database.url", "")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "")
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.sslmode", "prefer")

	// Engine defaults
	v.SetDefault("engine.log_level", "info")
	v.SetDefault("engine.log_format", "text")
	v.SetDefault("engine.fts_language", "")
	v.SetDefault("engine.sync_triggers", false)
	v.SetDefault("engine.bulk_copy_threshold", tabula.DefaultBulkCopyThreshold)

	// Migrate defaults
	v.SetDefault("migrate.schemas_dir", "")
	v.SetDefault("migrate.dry_run", false)
	v.SetDefault("migrate.force", false)

	// Status defaults
	v.SetDefault("status.schemas_dir", "")
}

// loadDotEnv loads the .env file beside configPath, or in the working
// directory when configPath is empty. A missing file is not an error.
func loadDotEnv(configPath string) error {
	dir := "."
	if configPath != "" {
		dir = filepath.Dir(configPath)
	}
	path := filepath.Join(dir, ".env")
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// findConfigFile finds the config file to use.
// If explicitPath is provided, it validates the file exists.
// Otherwise, it walks up from cwd looking for tabula.yaml or tabula.yml,
// stopping at a .git directory or after maxWalkDepth levels.
func findConfigFile(explicitPath string) (string, error) {
	if explicitPath != "" {
		if _, err := os.Stat(explicitPath); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicitPath)
		}
		return explicitPath, nil
	}

	// Auto-discovery: walk up to .git or maxWalkDepth
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting cwd: %w", err)
	}

	dir := cwd
	for i := 0; i < maxWalkDepth; i++ {
		// Try tabula.yaml then tabula.yml
		for _, name := range []string{"tabula.yaml", "tabula.yml"} {
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); err == nil {
				return path, nil
			}
		}

		// Check for repo boundary (.git file or directory)
		gitPath := filepath.Join(dir, ".git")
		if _, err := os.Stat(gitPath); err == nil {
			break // Stop at repo root
		}

		// Move up
		parent := filepath.Dir(dir)
		if parent == dir {
			break // Reached filesystem root
		}
		dir = parent
	}

	return "", nil // No config found, use defaults
}

// Driver returns the database/sql driver name, validated against the
// supported dialects.
func (c *Config) Driver() (string, error) {
	d := c.Database.Driver
	if d == "" {
		d = store.DriverPgx
	}
	if _, ok := sqldsl.ParseDialect(d); !ok {
		return "", fmt.Errorf("unsupported database.driver %q", d)
	}
	return d, nil
}

// DSN returns the database connection string.
// If database.url is set, it's returned directly. For sqlite3, database.name
// is the database file. Otherwise, builds a postgres URL from discrete fields.
func (c *Config) DSN() (string, error) {
	db := c.Database

	if db.URL != "" {
		return db.URL, nil
	}

	if d, ok := sqldsl.ParseDialect(db.Driver); ok && d == sqldsl.SQLite {
		if db.Name == "" {
			return "", fmt.Errorf("database.name is required for sqlite3")
		}
		return db.Name, nil
	}

	// Build DSN from discrete fields
	if db.Host == "" {
		return "", fmt.Errorf("database.host is required when database.url is not set")
	}
	if db.Name == "" {
		return "", fmt.Errorf("database.name is required when database.url is not set")
	}
	if db.User == "" {
		return "", fmt.Errorf("database.user is required when database.url is not set")
	}

	// Build postgres:// URL
	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", db.Host, db.Port),
		Path:   "/" + db.Name,
	}

	if db.Password != "" {
		u.User = url.UserPassword(db.User, db.Password)
	} else {
		u.User = url.User(db.User)
	}

	if db.SSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.SSLMode)
		u.RawQuery = q.Encode()
	}

	return u.String(), nil
}

// ResolvedSchemasDir returns the effective schemas_dir for a command,
// with command-specific override taking precedence over top-level.
func (c *Config) ResolvedSchemasDir(commandDir string) string {
	if commandDir != "" {
		return commandDir
	}
	return c.SchemasDir
}

// Logger returns the structured logger described by engine.log_level and
// engine.log_format, writing to w.
func (c *Config) Logger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Engine.LogLevel)); err != nil {
		return nil, fmt.Errorf("engine.log_level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(c.Engine.LogFormat) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("engine.log_format: unknown format %q", c.Engine.LogFormat)
}

// EngineOptions returns the engine options the configuration selects.
func (c *Config) EngineOptions(logger *slog.Logger) []tabula.Option {
	opts := []tabula.Option{
		tabula.WithLogger(logger),
		tabula.WithBulkCopyThreshold(c.Engine.BulkCopyThreshold),
	}
	if c.Engine.FTSLanguage != "" {
		opts = append(opts, tabula.WithFTSLanguage(c.Engine.FTSLanguage))
	}
	if c.Engine.SyncTriggers {
		opts = append(opts, tabula.WithSyncTriggers())
	}
	return opts
}

// Redacted returns a copy of the configuration with secrets masked.
func (c *Config) Redacted() Config {
	out := *c
	if out.Database.Password != "" {
		out.Database.Password = "****"
	}
	if out.Database.URL != "" {
		if u, err := url.Parse(out.Database.URL); err == nil && u.User != nil {
			if _, ok := u.User.Password(); ok {
				u.User = url.UserPassword(u.User.Username(), "****")
				out.Database.URL = u.String()
			}
		}
	}
	return out
}
