package internal

import (
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/weave/internal/auth"
	"github.com/starford/weave/internal/fstree"
	"github.com/starford/weave/internal/storage"
)

// Config represents the application configuration.
type Config struct {
	App      ApplicationConfig `yaml:"app"`
	Storage  StorageConfig     `yaml:"storage"`
	Sessions SessionConfig     `yaml:"sessions"`
	Tree     TreeConfig        `yaml:"tree"`
	Gateway  GatewayConfig     `yaml:"gateway"`
	Auth     AuthConfig        `yaml:"auth"`
	Redis    RedisConfig       `yaml:"redis"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Storage.Validate(); err != nil {
		return err
	}
	if err := c.Sessions.Validate(); err != nil {
		return err
	}
	if err := c.Tree.Validate(); err != nil {
		return err
	}
	if err := c.Gateway.Validate(); err != nil {
		return err
	}
	if err := c.Auth.Validate(); err != nil {
		return err
	}
	return c.Redis.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&c.ShutdownTimeout, validation.Min(time.Duration(0))),
	)
}

// StorageConfig selects the persistence backend.
//
// DSN is a file path for sqlite, a connection string for postgres and a
// directory for fs. The memory driver keeps nothing across restarts.
type StorageConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// Validate validates the storage configuration.
func (c *StorageConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Driver, validation.Required,
			validation.In(storage.DriverSQLite, storage.DriverPostgres, storage.DriverFS, storage.DriverMemory)),
		validation.Field(&c.DSN, validation.When(c.Driver != storage.DriverMemory, validation.Required)),
	)
}

// SessionConfig tunes the document registry.
type SessionConfig struct {
	IdleEviction     time.Duration `yaml:"idle_eviction"`
	FlushInterval    time.Duration `yaml:"flush_interval"`
	CompactThreshold int           `yaml:"compact_threshold"`
	QueueSize        int           `yaml:"queue_size"`
}

// Validate validates the session configuration.
func (c *SessionConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.IdleEviction, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.FlushInterval, validation.Required, validation.Min(10*time.Millisecond)),
		validation.Field(&c.CompactThreshold, validation.Min(0)),
		validation.Field(&c.QueueSize, validation.Required, validation.Min(1)),
	)
}

// TreeConfig controls how the file tree is projected.
type TreeConfig struct {
	// Orphans is "root" (surface at the top level) or "hidden".
	Orphans string `yaml:"orphans"`
}

// Validate validates the tree configuration.
func (c *TreeConfig) Validate() error {
	if c.Orphans == "" {
		c.Orphans = "root"
	}
	return validation.ValidateStruct(c,
		validation.Field(&c.Orphans, validation.In("root", "hidden")),
	)
}

// OrphanPolicy maps Orphans onto the tree option.
func (c *TreeConfig) OrphanPolicy() fstree.OrphanPolicy {
	if c.Orphans == "hidden" {
		return fstree.OrphansHidden
	}
	return fstree.OrphansToRoot
}

// GatewayConfig holds websocket endpoint configuration.
type GatewayConfig struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	MaxMessageBytes  int64         `yaml:"max_message_bytes"`
}

// Validate validates the gateway configuration.
func (c *GatewayConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.HandshakeTimeout, validation.Min(time.Duration(0))),
		validation.Field(&c.WriteTimeout, validation.Min(time.Duration(0))),
		validation.Field(&c.PingInterval, validation.Min(time.Duration(0))),
		validation.Field(&c.MaxMessageBytes, validation.Min(int64(0))),
	)
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": a single shared Bearer token; Token must be non-empty.
//   - "jwt": HMAC-signed JWTs, optionally limited to rooms; Secret must be non-empty.
type AuthConfig struct {
	Mode   string `yaml:"mode"`
	Token  string `yaml:"token"`
	Secret string `yaml:"secret"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = auth.ModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(auth.ModeDisabled, auth.ModeToken, auth.ModeJWT)),
	); err != nil {
		return err
	}
	if c.Mode == auth.ModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", auth.ModeToken)
	}
	if c.Mode == auth.ModeJWT && c.Secret == "" {
		return fmt.Errorf("auth: mode is %q but secret is empty", auth.ModeJWT)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == auth.ModeToken || c.Mode == auth.ModeJWT
}

// Credential returns the token or secret the active mode checks against.
func (c *AuthConfig) Credential() string {
	if c.Mode == auth.ModeJWT {
		return c.Secret
	}
	return c.Token
}

// RedisConfig enables the cross-instance relay.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// Validate validates the redis configuration.
func (c *RedisConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Addr, validation.When(c.Enabled, validation.Required)),
		validation.Field(&c.DB, validation.Min(0)),
	)
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port:            8080,
				ShutdownTimeout: 10 * time.Second,
			},
		},
		Storage: StorageConfig{
			Driver: storage.DriverSQLite,
			DSN:    "./weave.db",
		},
		Sessions: SessionConfig{
			IdleEviction:     5 * time.Minute,
			FlushInterval:    2 * time.Second,
			CompactThreshold: 500,
			QueueSize:        256,
		},
		Tree: TreeConfig{
			Orphans: "root",
		},
		Gateway: GatewayConfig{
			HandshakeTimeout: 10 * time.Second,
			WriteTimeout:     10 * time.Second,
			PingInterval:     30 * time.Second,
			MaxMessageBytes:  16 << 20,
		},
		Auth: AuthConfig{
			Mode: auth.ModeDisabled,
		},
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "weave",
		},
	}
}
