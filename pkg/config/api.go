package config

import "fmt"

// APIConfig contains the results API server configuration.
type APIConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
	BasicAuth   BasicAuthConfig `yaml:"basic_auth,omitempty" mapstructure:"basic_auth"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// BasicAuthConfig configures username/password authentication. Passwords
// are stored as bcrypt hashes.
type BasicAuthConfig struct {
	Enabled bool            `yaml:"enabled" mapstructure:"enabled"`
	Users   []BasicAuthUser `yaml:"users,omitempty" mapstructure:"users"`
}

// BasicAuthUser defines a basic auth user from config.
type BasicAuthUser struct {
	Username     string `yaml:"username" mapstructure:"username"`
	PasswordHash string `yaml:"password_hash" mapstructure:"password_hash"`
}

// ValidateAPI checks the api and database sections for the api command.
func (c *Config) ValidateAPI() error {
	if !c.Database.Enabled {
		return fmt.Errorf("database must be enabled to serve the api")
	}

	if c.API.RateLimit.Enabled && c.API.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("api.rate_limit.requests_per_minute must be positive")
	}

	if c.API.BasicAuth.Enabled {
		if len(c.API.BasicAuth.Users) == 0 {
			return fmt.Errorf("api.basic_auth.users must not be empty when basic auth is enabled")
		}

		for _, u := range c.API.BasicAuth.Users {
			if u.Username == "" || u.PasswordHash == "" {
				return fmt.Errorf("api.basic_auth.users: username and password_hash are required")
			}
		}
	}

	return nil
}
