// Package config loads oncfsd's static server configuration: listener
// addresses, worker/pool sizing, and the ambient subsystems (oplock
// durability, audit trail, JWT secret). Grounded on pkg/config/config.go's
// viper-plus-mapstructure layering (file, then DITTOFS_* environment
// variables, then defaults) and its go-playground/validator struct-tag
// validation pass.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/oncfsd/oncfsd/internal/audit"
)

// Config is the full set of tunables cmd/oncfsd needs to start a server.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Server  ServerConfig  `mapstructure:"server"`
	Portmap PortmapConfig `mapstructure:"portmap"`
	Pool    PoolConfig    `mapstructure:"pool"`
	Oplock  OplockConfig  `mapstructure:"oplock"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Audit   AuditConfig   `mapstructure:"audit"`
	Admin   AdminConfig   `mapstructure:"admin"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// LoggingConfig controls internal/logger.Init.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	Format string `mapstructure:"format" validate:"required,oneof=text json"`
}

// ServerConfig addresses the RPC transports this process listens on.
type ServerConfig struct {
	TCPAddr         string        `mapstructure:"tcp_addr" validate:"required"`
	UDPAddr         string        `mapstructure:"udp_addr" validate:"required"`
	Workers         int           `mapstructure:"workers" validate:"gte=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0"`
}

// PortmapConfig controls registration of this process's NFS/MOUNT programs
// with an external portmapper, and whether this process runs the
// portmapper program itself.
type PortmapConfig struct {
	// Serve, when true, registers the portmapper's own NULL/SET/UNSET/
	// GETPORT/DUMP procedures on this process's RPC registry.
	Serve bool `mapstructure:"serve"`
	// RegisterAddr is the external portmapper this process advertises its
	// own services to at startup. Empty disables self-registration.
	RegisterAddr string `mapstructure:"register_addr"`
	// Programs lists the (program, version, protocol, port) tuples to
	// register against RegisterAddr.
	Programs []ProgramMapping `mapstructure:"programs"`
}

// ProgramMapping is one entry in PortmapConfig.Programs.
type ProgramMapping struct {
	Program  uint32 `mapstructure:"program"`
	Version  uint32 `mapstructure:"version"`
	Protocol uint32 `mapstructure:"protocol"`
	Port     uint32 `mapstructure:"port"`
}

// PoolConfig sizes the bounded packet pool (internal/rpcpacket). A Max of
// 0 here means "use rpcpacket.DefaultConfig's unlimited (-1)"; set a
// positive value to bound outstanding allocations for that class.
type PoolConfig struct {
	SmallSize int `mapstructure:"small_size" validate:"gte=0"`
	SmallMax  int `mapstructure:"small_max"`
	LargeSize int `mapstructure:"large_size" validate:"gte=0"`
	LargeMax  int `mapstructure:"large_max"`
}

// OplockConfig controls the Manager's deferred-queue and break-timeout
// behavior, plus the optional write-behind durability mirror.
type OplockConfig struct {
	MaxDeferred     int           `mapstructure:"max_deferred" validate:"gte=0"`
	BreakTimeout    time.Duration `mapstructure:"break_timeout" validate:"gte=0"`
	ScanInterval    time.Duration `mapstructure:"scan_interval" validate:"gte=0"`
	DurabilityDir   string        `mapstructure:"durability_dir"`
	DurabilityEnabled bool        `mapstructure:"durability_enabled"`
}

// AuthConfig controls session-key minting.
type AuthConfig struct {
	// JWTSecret, when non-empty, switches the Authenticator to
	// auth.JWTAuthenticator: every session key is derived from a signed
	// token instead of a bare address hash.
	JWTSecret string `mapstructure:"jwt_secret"`
}

// AuditConfig controls the internal/audit.Store.
type AuditConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Driver    audit.Driver  `mapstructure:"driver" validate:"omitempty,oneof=sqlite postgres"`
	SQLite    audit.SQLiteConfig   `mapstructure:"sqlite"`
	Postgres  audit.PostgresConfig `mapstructure:"postgres"`
	QueueSize int           `mapstructure:"queue_size" validate:"gte=0"`
}

// AdminConfig controls the internal/admin HTTP surface.
type AdminConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr" validate:"required_if=Enabled true"`
}

// TelemetryConfig controls internal/telemetry's OTLP tracing exporter and
// Pyroscope continuous profiler, both off by default.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint" validate:"required_if=Enabled true"`
	Insecure    bool    `mapstructure:"insecure"`
	SampleRate  float64 `mapstructure:"sample_rate" validate:"gte=0,lte=1"`
	Profiling   ProfilingConfig `mapstructure:"profiling"`
}

// ProfilingConfig controls the continuous profiler independently of
// tracing, since a deployment may want one without the other.
type ProfilingConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	Endpoint     string   `mapstructure:"endpoint" validate:"required_if=Enabled true"`
	ProfileTypes []string `mapstructure:"profile_types"`
}

// Load reads configuration from configPath (or the default search path if
// empty), then DITTOFS_*-style ONCFSD_* environment overrides, then
// defaults, and validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if found {
		if err := v.Unmarshal(cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		))); err != nil {
			return nil, fmt.Errorf("config: unmarshal: %w", err)
		}
	}
	applyEnvOverrides(v, cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return cfg, nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("ONCFSD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.AddConfigPath(defaultConfigDir())
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("config: read: %w", err)
	}
	return true, nil
}

// applyEnvOverrides re-applies ONCFSD_* environment variables on top of
// whatever the config file (or defaults) produced, since viper's
// AutomaticEnv only takes effect for keys it has already seen via
// BindPFlag/Unmarshal of a matching key — the explicit binds below keep
// the override surface predictable rather than emergent from struct
// shape.
func applyEnvOverrides(v *viper.Viper, cfg *Config) {
	if s := v.GetString("logging.level"); s != "" {
		cfg.Logging.Level = strings.ToUpper(s)
	}
	if s := v.GetString("logging.format"); s != "" {
		cfg.Logging.Format = s
	}
	if s := v.GetString("server.tcp_addr"); s != "" {
		cfg.Server.TCPAddr = s
	}
	if s := v.GetString("server.udp_addr"); s != "" {
		cfg.Server.UDPAddr = s
	}
	if s := v.GetString("auth.jwt_secret"); s != "" {
		cfg.Auth.JWTSecret = s
	}
	if s := v.GetString("admin.addr"); s != "" {
		cfg.Admin.Addr = s
	}
}

func defaultConfigDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "oncfsd")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "oncfsd")
}

// defaultConfig returns a Config that runs a usable, if minimal, server
// with zero external dependencies: no portmapper registration, no audit
// persistence, no JWT signing, loopback-only listeners.
func defaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "INFO", Format: "text"},
		Server: ServerConfig{
			TCPAddr:         "127.0.0.1:2049",
			UDPAddr:         "127.0.0.1:2049",
			Workers:         0,
			ShutdownTimeout: 10 * time.Second,
		},
		Pool: PoolConfig{
			SmallSize: 512,
			SmallMax:  -1,
			LargeSize: 32768,
			LargeMax:  -1,
		},
		Oplock: OplockConfig{
			MaxDeferred:  0,
			BreakTimeout: 0,
			ScanInterval: 5 * time.Second,
		},
		Admin: AdminConfig{Enabled: true, Addr: "127.0.0.1:9090"},
		Audit: AuditConfig{QueueSize: audit.DefaultQueueSize},
		Telemetry: TelemetryConfig{
			Enabled:    false,
			SampleRate: 1.0,
		},
	}
}

func validate(cfg *Config) error {
	return validator.New().Struct(cfg)
}
