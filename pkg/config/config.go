package config

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix is the prefix for environment variable overrides.
	EnvPrefix = "DOTESTOOR"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultResultsDir is the default directory for run results.
	DefaultResultsDir = "./results"

	// DefaultInterpreter is the default interpreter used to launch dotest.
	DefaultInterpreter = "python3"

	// DefaultTimeout is the default per-test wall-clock limit.
	DefaultTimeout = 10 * time.Minute

	// DefaultMaxOutputSize caps each captured stream of a child process.
	DefaultMaxOutputSize = "64MiB"

	// DefaultDatabaseDriver is the default history database driver.
	DefaultDatabaseDriver = "sqlite"

	// DefaultAPIListen is the default API listen address.
	DefaultAPIListen = ":8080"
)

// DefaultSuffixes are the accepted child test file extensions.
var DefaultSuffixes = []string{".py"}

// DefaultRequiredCapabilities are the capabilities every test needs.
var DefaultRequiredCapabilities = []string{"python"}

// DefaultPassEnv names the parent variables handed to every child test.
var DefaultPassEnv = []string{"PATH", "HOME", "TMPDIR", "LANG"}

// Config is the root configuration for dotestoor.
type Config struct {
	Global   GlobalConfig   `yaml:"global" mapstructure:"global"`
	Suite    SuiteConfig    `yaml:"suite" mapstructure:"suite"`
	Results  ResultsConfig  `yaml:"results" mapstructure:"results"`
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
	API      APIConfig      `yaml:"api" mapstructure:"api"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// SuiteConfig describes where child tests live and how they are launched.
type SuiteConfig struct {
	SourceDir            string            `json:"source_dir" yaml:"source_dir" mapstructure:"source_dir"`
	Excludes             []string          `json:"excludes,omitempty" yaml:"excludes,omitempty" mapstructure:"excludes"`
	Suffixes             []string          `json:"suffixes" yaml:"suffixes" mapstructure:"suffixes"`
	Interpreter          string            `json:"interpreter" yaml:"interpreter" mapstructure:"interpreter"`
	DotestArgs           []string          `json:"dotest_args" yaml:"dotest_args" mapstructure:"dotest_args"`
	Environment          []string          `json:"environment,omitempty" yaml:"environment,omitempty" mapstructure:"environment"`
	PassEnv              []string          `json:"pass_env" yaml:"pass_env" mapstructure:"pass_env"`
	Timeout              time.Duration     `json:"timeout" yaml:"timeout" mapstructure:"timeout"`
	MaxOutputSize        string            `json:"max_output_size" yaml:"max_output_size" mapstructure:"max_output_size"`
	Workers              int               `json:"workers" yaml:"workers" mapstructure:"workers"`
	NoExecute            bool              `json:"no_execute" yaml:"no_execute" mapstructure:"no_execute"`
	Unsupported          bool              `json:"unsupported" yaml:"unsupported" mapstructure:"unsupported"`
	MaxFailures          int               `json:"max_failures" yaml:"max_failures" mapstructure:"max_failures"`
	Filter               string            `json:"filter,omitempty" yaml:"filter,omitempty" mapstructure:"filter"`
	Capabilities         map[string]bool   `json:"capabilities,omitempty" yaml:"capabilities,omitempty" mapstructure:"capabilities"`
	RequiredCapabilities []string          `json:"required_capabilities" yaml:"required_capabilities" mapstructure:"required_capabilities"`
	Directories          []DirectoryConfig `json:"directories,omitempty" yaml:"directories,omitempty" mapstructure:"directories"`
}

// DirectoryConfig overrides suite settings for one directory (relative to
// source_dir) and everything below it.
type DirectoryConfig struct {
	Path        string   `json:"path" yaml:"path" mapstructure:"path"`
	Excludes    []string `json:"excludes,omitempty" yaml:"excludes,omitempty" mapstructure:"excludes"`
	Suffixes    []string `json:"suffixes,omitempty" yaml:"suffixes,omitempty" mapstructure:"suffixes"`
	Unsupported bool     `json:"unsupported" yaml:"unsupported" mapstructure:"unsupported"`
}

// ResultsConfig controls where run artifacts are written.
type ResultsConfig struct {
	Dir    string              `yaml:"dir" mapstructure:"dir"`
	Owner  string              `yaml:"owner,omitempty" mapstructure:"owner"`
	Upload ResultsUploadConfig `yaml:"upload,omitempty" mapstructure:"upload"`
}

// ResultsUploadConfig configures remote upload of run directories.
type ResultsUploadConfig struct {
	S3 *S3UploadConfig `yaml:"s3,omitempty" mapstructure:"s3"`
}

// S3UploadConfig contains S3 settings for uploading results.
type S3UploadConfig struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
	StorageClass    string `yaml:"storage_class,omitempty" mapstructure:"storage_class"`
}

// DatabaseConfig contains run history database settings.
type DatabaseConfig struct {
	Enabled  bool                 `yaml:"enabled" mapstructure:"enabled"`
	Driver   string               `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// defaults registers every known key so env overrides work even when the
// key is absent from all config files.
var defaults = map[string]any{
	"global.log_level":                   DefaultLogLevel,
	"suite.source_dir":                   "",
	"suite.excludes":                     []string{},
	"suite.suffixes":                     DefaultSuffixes,
	"suite.interpreter":                  DefaultInterpreter,
	"suite.dotest_args":                  []string{},
	"suite.environment":                  []string{},
	"suite.timeout":                      DefaultTimeout.String(),
	"suite.pass_env":                     DefaultPassEnv,
	"suite.max_output_size":              DefaultMaxOutputSize,
	"suite.workers":                      0,
	"suite.no_execute":                   false,
	"suite.unsupported":                  false,
	"suite.max_failures":                 0,
	"suite.filter":                       "",
	"suite.required_capabilities":        DefaultRequiredCapabilities,
	"results.dir":                        DefaultResultsDir,
	"results.owner":                      "",
	"database.enabled":                   false,
	"database.driver":                    DefaultDatabaseDriver,
	"database.sqlite.path":               "./dotestoor.db",
	"database.postgres.host":             "",
	"database.postgres.port":             5432,
	"database.postgres.user":             "",
	"database.postgres.password":         "",
	"database.postgres.database":         "",
	"database.postgres.ssl_mode":         "disable",
	"api.listen":                         DefaultAPIListen,
	"api.rate_limit.enabled":             false,
	"api.rate_limit.requests_per_minute": 120,
	"api.basic_auth.enabled":             false,
}

// Load reads and merges configuration files in order, applies environment
// overrides (DOTESTOOR_SUITE_TIMEOUT=5m) and defaults.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	for i, p := range paths {
		v.SetConfigFile(p)

		var err error
		if i == 0 {
			err = v.ReadInConfig()
		} else {
			err = v.MergeInConfig()
		}

		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", p, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := decode(v.AllSettings(), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// decode maps viper settings onto the config struct.
func decode(input map[string]any, out *Config) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
		Result:           out,
	})
	if err != nil {
		return fmt.Errorf("creating decoder: %w", err)
	}

	return dec.Decode(input)
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if len(c.Suite.Suffixes) == 0 {
		c.Suite.Suffixes = append([]string(nil), DefaultSuffixes...)
	}

	if c.Suite.Interpreter == "" {
		c.Suite.Interpreter = DefaultInterpreter
	}

	if c.Suite.MaxOutputSize == "" {
		c.Suite.MaxOutputSize = DefaultMaxOutputSize
	}

	if c.Suite.Capabilities == nil {
		c.Suite.Capabilities = make(map[string]bool, len(c.Suite.RequiredCapabilities))
	}

	// Required capabilities nobody mentioned are assumed present.
	for _, capability := range c.Suite.RequiredCapabilities {
		if _, ok := c.Suite.Capabilities[capability]; !ok {
			c.Suite.Capabilities[capability] = true
		}
	}

	if c.Results.Dir == "" {
		c.Results.Dir = DefaultResultsDir
	}

	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDatabaseDriver
	}

	if c.API.Listen == "" {
		c.API.Listen = DefaultAPIListen
	}

	if s3 := c.Results.Upload.S3; s3 != nil {
		if s3.Region == "" {
			s3.Region = "us-east-1"
		}

		if s3.Prefix == "" {
			s3.Prefix = "results"
		}
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Suite.SourceDir == "" {
		return fmt.Errorf("suite.source_dir is required")
	}

	if _, err := os.Stat(c.Suite.SourceDir); os.IsNotExist(err) {
		return fmt.Errorf("suite.source_dir %q does not exist", c.Suite.SourceDir)
	}

	for _, suffix := range c.Suite.Suffixes {
		if !strings.HasPrefix(suffix, ".") {
			return fmt.Errorf("suite.suffixes: %q must start with a dot", suffix)
		}
	}

	if c.Suite.Timeout < 0 {
		return fmt.Errorf("suite.timeout must not be negative")
	}

	if c.Suite.Workers < 0 {
		return fmt.Errorf("suite.workers must not be negative")
	}

	if _, err := c.MaxOutputBytes(); err != nil {
		return err
	}

	if _, err := c.EnvironmentMap(); err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(c.Suite.Directories))

	for i, dir := range c.Suite.Directories {
		if dir.Path == "" {
			return fmt.Errorf("suite.directories[%d]: path is required", i)
		}

		if filepath.IsAbs(dir.Path) {
			return fmt.Errorf("suite.directories[%d]: path %q must be relative to source_dir", i, dir.Path)
		}

		clean := path.Clean(filepath.ToSlash(dir.Path))
		if _, exists := seen[clean]; exists {
			return fmt.Errorf("suite.directories[%d]: duplicate path %q", i, dir.Path)
		}

		seen[clean] = struct{}{}
	}

	if c.Database.Enabled {
		switch c.Database.Driver {
		case "sqlite":
			if c.Database.SQLite.Path == "" {
				return fmt.Errorf("database.sqlite.path is required")
			}
		case "postgres":
			if c.Database.Postgres.Host == "" {
				return fmt.Errorf("database.postgres.host is required")
			}
		default:
			return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
		}
	}

	if s3 := c.Results.Upload.S3; s3 != nil && s3.Enabled && s3.Bucket == "" {
		return fmt.Errorf("results.upload.s3.bucket is required when upload is enabled")
	}

	return nil
}

// MaxOutputBytes parses max_output_size ("64MiB", "512k") into bytes. Zero
// disables the cap.
func (c *Config) MaxOutputBytes() (int64, error) {
	size, err := units.RAMInBytes(c.Suite.MaxOutputSize)
	if err != nil {
		return 0, fmt.Errorf("suite.max_output_size %q: %w", c.Suite.MaxOutputSize, err)
	}

	if size < 0 {
		return 0, fmt.Errorf("suite.max_output_size must not be negative")
	}

	return size, nil
}

// EnvironmentMap returns the complete child environment: the pass_env
// variables that are set in this process, overlaid with the KEY=VALUE
// entries of suite.environment.
func (c *Config) EnvironmentMap() (map[string]string, error) {
	env := make(map[string]string, len(c.Suite.PassEnv)+len(c.Suite.Environment))

	for _, name := range c.Suite.PassEnv {
		if v, ok := os.LookupEnv(name); ok {
			env[name] = v
		}
	}

	for _, entry := range c.Suite.Environment {
		k, v, ok := strings.Cut(entry, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("suite.environment: invalid entry %q, expected KEY=VALUE", entry)
		}

		env[k] = v
	}

	return env, nil
}
