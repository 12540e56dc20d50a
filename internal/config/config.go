package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"

	"github.com/kit-playground/playground/internal/kit"
)

// Config represents the playground server configuration
type Config struct {
	Limits  Limits  `mapstructure:"limits"`
	Display Display `mapstructure:"display"`
	Server  Server  `mapstructure:"server"`
	Kit     Kit     `mapstructure:"kit"`
}

// Limits bounds the process supervisor
type Limits struct {
	MaxProcesses    int    `mapstructure:"max_processes"`
	BuildTimeout    string `mapstructure:"build_timeout"`
	StopGracePeriod string `mapstructure:"stop_grace_period"`
}

// Display configures the virtual-display session pool
type Display struct {
	First          int    `mapstructure:"first"`
	Count          int    `mapstructure:"count"`
	PortBase       int    `mapstructure:"port_base"`
	XpraBinary     string `mapstructure:"xpra_binary"`
	AppGracePeriod string `mapstructure:"app_grace_period"`
}

// Server configures the HTTP boundary
type Server struct {
	Listen       string `mapstructure:"listen"`
	RemoteAccess bool   `mapstructure:"remote_access"`
	ProjectRoot  string `mapstructure:"project_root"`
}

// Kit configures the external build tool invocation
type Kit struct {
	Wrapper string `mapstructure:"wrapper"`
}

// BuildTimeoutDuration returns the parsed build wait timeout, falling back
// to the default when the configured value does not parse.
func (l *Limits) BuildTimeoutDuration() time.Duration {
	return parseDuration(l.BuildTimeout, 10*time.Minute)
}

// StopGraceDuration returns the parsed terminate-to-kill grace period.
func (l *Limits) StopGraceDuration() time.Duration {
	return parseDuration(l.StopGracePeriod, 5*time.Second)
}

// AppGraceDuration returns how long to wait after launching a session app
// before checking whether it crashed on startup.
func (d *Display) AppGraceDuration() time.Duration {
	return parseDuration(d.AppGracePeriod, 2*time.Second)
}

// BindHost returns the address the display server binds to: all interfaces
// when remote access is enabled, loopback otherwise.
func (s *Server) BindHost() string {
	if s.RemoteAccess {
		return "0.0.0.0"
	}
	return "localhost"
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// Load loads the configuration from ~/.kit-playground/config.yaml or returns defaults
func Load() (*Config, error) {
	home, err := homedir.Dir()
	if err != nil {
		return nil, err
	}

	v := viper.New()
	configDir := filepath.Join(home, ".kit-playground")
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)

	setDefaults(v)

	// Try to read config file, but don't fail if it doesn't exist
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if cfg.Server.ProjectRoot != "" {
		if expanded, err := homedir.Expand(cfg.Server.ProjectRoot); err == nil {
			cfg.Server.ProjectRoot = expanded
		}
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("limits.max_processes", 10)
	v.SetDefault("limits.build_timeout", "10m")
	v.SetDefault("limits.stop_grace_period", "5s")

	v.SetDefault("display.first", 100)
	v.SetDefault("display.count", 100)
	v.SetDefault("display.port_base", 10000)
	v.SetDefault("display.xpra_binary", "xpra")
	v.SetDefault("display.app_grace_period", "2s")

	v.SetDefault("server.listen", ":8200")
	v.SetDefault("server.remote_access", false)
	v.SetDefault("server.project_root", "")

	v.SetDefault("kit.wrapper", kit.DefaultWrapper())
}

func (c *Config) validate() error {
	if c.Limits.MaxProcesses <= 0 {
		return fmt.Errorf("limits.max_processes must be positive, got %d", c.Limits.MaxProcesses)
	}
	if c.Display.Count <= 0 {
		return fmt.Errorf("display.count must be positive, got %d", c.Display.Count)
	}
	if c.Display.First < 0 {
		return fmt.Errorf("display.first must be non-negative, got %d", c.Display.First)
	}
	if c.Display.PortBase <= 0 || c.Display.PortBase+c.Display.Count > 65535 {
		return fmt.Errorf("display.port_base %d with count %d exceeds the valid port range", c.Display.PortBase, c.Display.Count)
	}
	return nil
}

// ConfigDir returns the playground configuration directory path
func ConfigDir() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".kit-playground"), nil
}

// EnsureConfigDir creates the config directory if it doesn't exist
func EnsureConfigDir() error {
	configDir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(configDir, 0755)
}
