// Package config handles configuration loading and validation for pegasproxy.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ServerType identifies which outbound carrier a configured server uses.
type ServerType string

const (
	ServerTrojanWS  ServerType = "trojan_ws"
	ServerTrojanGFW ServerType = "trojan_gfw"
	ServerV2RayTCP  ServerType = "v2ray_tcp"
	ServerV2RayWS   ServerType = "v2ray_ws"
)

// Security selects the VMess stream AEAD. Driven from config rather than
// hard-coded so the proxy can interop with servers pinned to either cipher.
type Security string

const (
	SecurityAESGCM        Security = "aes-128-gcm"
	SecurityChaCha20Poly1305 Security = "chacha20-poly1305"
)

// Server is one configured outbound descriptor. Immutable after Load.
type Server struct {
	Address     string   `mapstructure:"address"`
	Port        int      `mapstructure:"port"`
	Type        ServerType `mapstructure:"server_type"`
	SNI         string   `mapstructure:"sni"`
	Secret      string   `mapstructure:"password_or_uuid"`
	WSPath      string   `mapstructure:"ws_path"`
	TLSInsecure bool     `mapstructure:"tls_insecure"`
	Security    Security `mapstructure:"security"`
}

// Config is the frozen runtime configuration, loaded once at startup.
type Config struct {
	LocalAddress string   `mapstructure:"local_address"`
	LocalPort    int      `mapstructure:"local_port"`
	ControlPort  int      `mapstructure:"control_port"`
	ControlFile  string   `mapstructure:"control_file"`
	AdminAddress string   `mapstructure:"admin_address"`
	LogLevel     string   `mapstructure:"log_level"`
	LogIsATTY    bool     `mapstructure:"log_isatty"`
	Timeout      int      `mapstructure:"timeout"`
	ProbeInterval int     `mapstructure:"probe_interval"`
	WorkerThreads int     `mapstructure:"worker_threads"`
	Servers      []Server `mapstructure:"servers"`
}

// Defaults matches spec.md §6.
func setDefaults(v *viper.Viper) {
	v.SetDefault("local_address", "127.0.0.1")
	v.SetDefault("local_port", 1080)
	v.SetDefault("control_port", 0)
	v.SetDefault("control_file", "")
	v.SetDefault("admin_address", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_isatty", false)
	v.SetDefault("timeout", 120)
	v.SetDefault("probe_interval", 60)
	v.SetDefault("worker_threads", 4)
}

// DefaultConfigPath resolves $XDG_CONFIG_HOME/.pegasrc, falling back to
// $XDG_CONFIG_HOME/pegas/config. When XDG_CONFIG_HOME is unset,
// $HOME/.config stands in for it.
func DefaultConfigPath() string {
	xdg := os.Getenv("XDG_CONFIG_HOME")
	if xdg == "" {
		home := os.Getenv("HOME")
		xdg = filepath.Join(home, ".config")
	}
	direct := filepath.Join(xdg, ".pegasrc")
	if _, err := os.Stat(direct); err == nil {
		return direct
	}
	return filepath.Join(xdg, "pegas", "config")
}

// Load builds a Config from the -c flag (or the default path), consistent
// with proxy-egress/internal/config.Load's cobra+viper wiring.
func Load(cmd *cobra.Command) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("json")

	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = DefaultConfigPath()
	}

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if threads, _ := cmd.Flags().GetInt("threads"); threads > 0 {
		cfg.WorkerThreads = threads
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate mirrors proxy-egress/internal/config.validateConfig's shape:
// a flat sequence of field checks returning the first failure.
func Validate(c *Config) error {
	if c.LocalAddress == "" {
		return fmt.Errorf("local_address is required")
	}
	if c.LocalPort <= 0 || c.LocalPort > 65535 {
		return fmt.Errorf("invalid local_port: %d", c.LocalPort)
	}
	if c.ControlPort < 0 || c.ControlPort > 65535 {
		return fmt.Errorf("invalid control_port: %d", c.ControlPort)
	}
	if c.ControlPort == 0 && c.ControlFile == "" {
		// control plane disabled entirely; that's a valid configuration.
	}
	switch strings.ToLower(c.LogLevel) {
	case "error", "warn", "info", "debug":
	default:
		return fmt.Errorf("invalid log_level: %s (must be error|warn|info|debug)", c.LogLevel)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.WorkerThreads <= 0 {
		return fmt.Errorf("worker_threads must be positive")
	}
	if len(c.Servers) == 0 {
		return fmt.Errorf("at least one server must be configured")
	}
	for i, s := range c.Servers {
		if err := validateServer(i, s); err != nil {
			return err
		}
	}
	return nil
}

func validateServer(i int, s Server) error {
	if s.Address == "" {
		return fmt.Errorf("servers[%d]: address is required", i)
	}
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("servers[%d]: invalid port: %d", i, s.Port)
	}
	switch s.Type {
	case ServerTrojanWS, ServerTrojanGFW, ServerV2RayTCP, ServerV2RayWS:
	default:
		return fmt.Errorf("servers[%d]: invalid server_type: %s", i, s.Type)
	}
	if s.Secret == "" {
		return fmt.Errorf("servers[%d]: password_or_uuid is required", i)
	}
	if (s.Type == ServerTrojanWS || s.Type == ServerV2RayWS) && s.WSPath == "" {
		return fmt.Errorf("servers[%d]: ws_path is required for %s", i, s.Type)
	}
	return nil
}

// ListenAddress is the SOCKS5 inbound bind address.
func (c *Config) ListenAddress() string {
	return fmt.Sprintf("%s:%d", c.LocalAddress, c.LocalPort)
}

// IsControlEnabled reports whether the control plane should be started.
func (c *Config) IsControlEnabled() bool {
	return c.ControlPort != 0 || c.ControlFile != ""
}
