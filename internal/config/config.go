// Package config provides Viper-based configuration loading for the magx server.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"
)

// ServerConfig holds per-process room server settings.
type ServerConfig struct {
	// ProcessID identifies this process in the cluster. Empty means generated at startup.
	ProcessID string `mapstructure:"process_id"`
	// PublicPort is the client-facing port advertised in room records.
	PublicPort int `mapstructure:"public_port"`
	// ConnectionTimeout bounds the client handshake after the socket attaches.
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`
	// ReservationTTL is how long a reserved seat waits for its socket.
	ReservationTTL time.Duration `mapstructure:"reservation_ttl"`
}

// IPCConfig holds inter-process communication settings.
type IPCConfig struct {
	// Backend is one of "memory", "redis", "nats", "broker".
	Backend string `mapstructure:"backend"`
	// RequestTimeout bounds every correlated request/response round trip.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// HeartbeatInterval is the liveness publish period; peers expire after twice this.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// RedisAddr is the redis host:port for the redis backend.
	RedisAddr string `mapstructure:"redis_addr"`
	// NATSURL is the server url for the nats backend.
	NATSURL string `mapstructure:"nats_url"`
	// BrokerAddr is the gRPC broker address workers dial for the broker backend.
	BrokerAddr string `mapstructure:"broker_addr"`
	// BrokerListen makes this process host the broker on the given address.
	BrokerListen string `mapstructure:"broker_listen"`
}

// RegistryConfig selects the shared room registry backend.
type RegistryConfig struct {
	// Backend is one of "local", "postgres", "ipc".
	Backend string `mapstructure:"backend"`
	// Owner is the process id hosting the registry when Backend is "ipc".
	// A process whose id equals Owner serves the registry itself.
	Owner string `mapstructure:"owner"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
// Postcondition: Returns a valid PostgreSQL DSN string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// HTTPConfig holds the room API listener settings.
type HTTPConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// Prefix is the path prefix every API route is mounted under.
	Prefix string `mapstructure:"prefix"`
	// PingInterval is the websocket keepalive period.
	PingInterval time.Duration `mapstructure:"ping_interval"`
	// MaxPingRetries is how many unanswered pings drop a socket.
	MaxPingRetries int `mapstructure:"max_ping_retries"`
	// ShutdownTimeout bounds the graceful drain of open requests.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// RoomsConfig holds room type catalog settings.
type RoomsConfig struct {
	// Catalog is the path to the YAML room type catalog. Empty registers built-ins only.
	Catalog string `mapstructure:"catalog"`
	// PatchRate is the default per-client patch flush interval.
	PatchRate time.Duration `mapstructure:"patch_rate"`
	// ScriptInstructionLimit caps the VM instructions of one script hook call.
	ScriptInstructionLimit int `mapstructure:"script_instruction_limit"`
}

// AuthConfig holds session token settings.
type AuthConfig struct {
	// BcryptCost is the work factor of stored session secrets.
	BcryptCost int `mapstructure:"bcrypt_cost"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	IPC      IPCConfig      `mapstructure:"ipc"`
	Registry RegistryConfig `mapstructure:"registry"`
	Database DatabaseConfig `mapstructure:"database"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Rooms    RoomsConfig    `mapstructure:"rooms"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateServer(c.Server); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateIPC(c.IPC); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateRegistry(c.Registry); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Registry.Backend == "postgres" {
		if err := validateDatabase(c.Database); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if err := validateHTTP(c.HTTP); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Rooms.PatchRate <= 0 {
		errs = append(errs, "rooms.patch_rate must be > 0")
	}
	if c.Rooms.ScriptInstructionLimit < 1 {
		errs = append(errs, fmt.Sprintf("rooms.script_instruction_limit must be >= 1, got %d", c.Rooms.ScriptInstructionLimit))
	}
	if c.Auth.BcryptCost < bcrypt.MinCost || c.Auth.BcryptCost > bcrypt.MaxCost {
		errs = append(errs, fmt.Sprintf("auth.bcrypt_cost must be %d-%d, got %d", bcrypt.MinCost, bcrypt.MaxCost, c.Auth.BcryptCost))
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateServer(s ServerConfig) error {
	var errs []string
	if s.PublicPort < 0 || s.PublicPort > 65535 {
		errs = append(errs, fmt.Sprintf("server.public_port must be 0-65535, got %d", s.PublicPort))
	}
	if s.ConnectionTimeout <= 0 {
		errs = append(errs, "server.connection_timeout must be > 0")
	}
	if s.ReservationTTL <= 0 {
		errs = append(errs, "server.reservation_ttl must be > 0")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateIPC(i IPCConfig) error {
	var errs []string
	switch i.Backend {
	case "memory":
	case "redis":
		if i.RedisAddr == "" {
			errs = append(errs, "ipc.redis_addr must not be empty for the redis backend")
		}
	case "nats":
		if i.NATSURL == "" {
			errs = append(errs, "ipc.nats_url must not be empty for the nats backend")
		}
	case "broker":
		if i.BrokerAddr == "" {
			errs = append(errs, "ipc.broker_addr must not be empty for the broker backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("ipc.backend must be one of [memory, redis, nats, broker], got %q", i.Backend))
	}
	if i.RequestTimeout <= 0 {
		errs = append(errs, "ipc.request_timeout must be > 0")
	}
	if i.HeartbeatInterval <= 0 {
		errs = append(errs, "ipc.heartbeat_interval must be > 0")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateRegistry(r RegistryConfig) error {
	switch r.Backend {
	case "local", "postgres":
		return nil
	case "ipc":
		if r.Owner == "" {
			return errors.New("registry.owner must not be empty for the ipc backend")
		}
		return nil
	}
	return fmt.Errorf("registry.backend must be one of [local, postgres, ipc], got %q", r.Backend)
}

func validateDatabase(d DatabaseConfig) error {
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if d.Port < 1 || d.Port > 65535 {
		errs = append(errs, fmt.Sprintf("database.port must be 1-65535, got %d", d.Port))
	}
	if d.User == "" {
		errs = append(errs, "database.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "database.name must not be empty")
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		errs = append(errs, fmt.Sprintf("database.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns < 0 {
		errs = append(errs, fmt.Sprintf("database.min_conns must be >= 0, got %d", d.MinConns))
	}
	if d.MinConns > d.MaxConns {
		errs = append(errs, "database.min_conns must not exceed database.max_conns")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateHTTP(h HTTPConfig) error {
	var errs []string
	if h.Port < 1 || h.Port > 65535 {
		errs = append(errs, fmt.Sprintf("http.port must be 1-65535, got %d", h.Port))
	}
	if !strings.HasPrefix(h.Prefix, "/") {
		errs = append(errs, fmt.Sprintf("http.prefix must start with /, got %q", h.Prefix))
	}
	if h.PingInterval <= 0 {
		errs = append(errs, "http.ping_interval must be > 0")
	}
	if h.MaxPingRetries < 0 {
		errs = append(errs, fmt.Sprintf("http.max_ping_retries must be >= 0, got %d", h.MaxPingRetries))
	}
	if h.ShutdownTimeout <= 0 {
		errs = append(errs, "http.shutdown_timeout must be > 0")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with MAGX_ prefix
	v.SetEnvPrefix("MAGX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Defaults returns a Viper instance carrying only the default values.
func Defaults() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.process_id", "")
	v.SetDefault("server.public_port", 8000)
	v.SetDefault("server.connection_timeout", "1s")
	v.SetDefault("server.reservation_ttl", "3s")

	v.SetDefault("ipc.backend", "memory")
	v.SetDefault("ipc.request_timeout", "1s")
	v.SetDefault("ipc.heartbeat_interval", "30s")
	v.SetDefault("ipc.redis_addr", "localhost:6379")
	v.SetDefault("ipc.nats_url", "nats://localhost:4222")
	v.SetDefault("ipc.broker_addr", "127.0.0.1:7100")
	v.SetDefault("ipc.broker_listen", "")

	v.SetDefault("registry.backend", "local")
	v.SetDefault("registry.owner", "")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "magx")
	v.SetDefault("database.password", "magx")
	v.SetDefault("database.name", "magx")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8000)
	v.SetDefault("http.prefix", "/magx")
	v.SetDefault("http.ping_interval", "1500ms")
	v.SetDefault("http.max_ping_retries", 2)
	v.SetDefault("http.shutdown_timeout", "10s")

	v.SetDefault("rooms.catalog", "")
	v.SetDefault("rooms.patch_rate", "50ms")
	v.SetDefault("rooms.script_instruction_limit", 100000)

	v.SetDefault("auth.bcrypt_cost", bcrypt.DefaultCost)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
