// Package config loads the engine configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/banshee-data/cmdtlm/internal/iface"
	"github.com/banshee-data/cmdtlm/internal/rawlog"
)

// Interface types.
const (
	TypeSerial = "serial"
	TypeTCP    = "tcp"
	TypeUDP    = "udp"
	TypePcap   = "pcap"
)

// Config is the root of the engine configuration. Pointer fields are
// optional; the Get* methods supply their defaults.
type Config struct {
	Definitions []Definition      `json:"definitions" yaml:"definitions" toml:"definitions"`
	Interfaces  []InterfaceConfig `json:"interfaces" yaml:"interfaces" toml:"interfaces"`

	DBPath         *string `json:"db_path,omitempty" yaml:"db_path,omitempty" toml:"db_path,omitempty"`
	LimitsSet      *string `json:"limits_set,omitempty" yaml:"limits_set,omitempty" toml:"limits_set,omitempty"`
	DebugListen    *string `json:"debug_listen,omitempty" yaml:"debug_listen,omitempty" toml:"debug_listen,omitempty"`
	HealthListen   *string `json:"health_listen,omitempty" yaml:"health_listen,omitempty" toml:"health_listen,omitempty"`
	ReconnectDelay *string `json:"reconnect_delay,omitempty" yaml:"reconnect_delay,omitempty" toml:"reconnect_delay,omitempty"` // duration string like "5s"
}

// Definition is one packet definition file. Target, when set, overrides
// the target name written in the file.
type Definition struct {
	Path   string `json:"path" yaml:"path" toml:"path"`
	Target string `json:"target,omitempty" yaml:"target,omitempty" toml:"target,omitempty"`
}

// InterfaceConfig describes one interface and the targets it carries.
type InterfaceConfig struct {
	Name    string   `json:"name" yaml:"name" toml:"name"`
	Type    string   `json:"type" yaml:"type" toml:"type"`
	Targets []string `json:"targets" yaml:"targets" toml:"targets"`

	// serial
	WritePort string             `json:"write_port,omitempty" yaml:"write_port,omitempty" toml:"write_port,omitempty"`
	ReadPort  string             `json:"read_port,omitempty" yaml:"read_port,omitempty" toml:"read_port,omitempty"`
	Serial    *iface.PortOptions `json:"serial,omitempty" yaml:"serial,omitempty" toml:"serial,omitempty"`

	// tcp and udp
	WriteAddress  string `json:"write_address,omitempty" yaml:"write_address,omitempty" toml:"write_address,omitempty"`
	ReadAddress   string `json:"read_address,omitempty" yaml:"read_address,omitempty" toml:"read_address,omitempty"`
	ListenAddress string `json:"listen_address,omitempty" yaml:"listen_address,omitempty" toml:"listen_address,omitempty"`

	// pcap
	Path     string `json:"path,omitempty" yaml:"path,omitempty" toml:"path,omitempty"`
	UDPPort  int    `json:"udp_port,omitempty" yaml:"udp_port,omitempty" toml:"udp_port,omitempty"`
	Realtime bool   `json:"realtime,omitempty" yaml:"realtime,omitempty" toml:"realtime,omitempty"`

	// Protocol is the protocol name followed by its arguments, e.g.
	// ["TERMINATED", "0x0A", "0x0A", "true"].
	Protocol []string            `json:"protocol,omitempty" yaml:"protocol,omitempty" toml:"protocol,omitempty"`
	Options  map[string][]string `json:"options,omitempty" yaml:"options,omitempty" toml:"options,omitempty"`

	RawLogDir      string  `json:"raw_log_dir,omitempty" yaml:"raw_log_dir,omitempty" toml:"raw_log_dir,omitempty"`
	RawLogEnabled  *bool   `json:"raw_log_enabled,omitempty" yaml:"raw_log_enabled,omitempty" toml:"raw_log_enabled,omitempty"`
	RawLogCycle    *int64  `json:"raw_log_cycle,omitempty" yaml:"raw_log_cycle,omitempty" toml:"raw_log_cycle,omitempty"`
	ReconnectDelay *string `json:"reconnect_delay,omitempty" yaml:"reconnect_delay,omitempty" toml:"reconnect_delay,omitempty"`
}

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Load reads a .json, .yaml, .yml or .toml configuration file and
// validates it.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	switch ext {
	case ".json", ".yaml", ".yml", ".toml":
	default:
		return nil, fmt.Errorf("config file must have .json, .yaml, .yml or .toml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	switch ext {
	case ".json":
		err = json.Unmarshal(data, cfg)
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	default:
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", filepath.Base(cleanPath), err)
	}

	// relative definition and capture paths are relative to the config file
	base := filepath.Dir(cleanPath)
	for i := range cfg.Definitions {
		cfg.Definitions[i].Path = resolve(base, cfg.Definitions[i].Path)
	}
	for i := range cfg.Interfaces {
		if cfg.Interfaces[i].Type == TypePcap {
			cfg.Interfaces[i].Path = resolve(base, cfg.Interfaces[i].Path)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// Validate checks that the configuration values are valid.
func (c *Config) Validate() error {
	if len(c.Definitions) == 0 {
		return fmt.Errorf("at least one definition file is required")
	}
	for i, d := range c.Definitions {
		if d.Path == "" {
			return fmt.Errorf("definition %d has no path", i)
		}
	}
	if c.ReconnectDelay != nil {
		if _, err := parseDuration(*c.ReconnectDelay); err != nil {
			return fmt.Errorf("invalid reconnect_delay '%s': %w", *c.ReconnectDelay, err)
		}
	}

	seen := make(map[string]bool)
	for _, ic := range c.Interfaces {
		name := strings.ToUpper(ic.Name)
		if name == "" {
			return fmt.Errorf("interface has no name")
		}
		if seen[name] {
			return fmt.Errorf("interface %s defined twice", name)
		}
		seen[name] = true
		if err := ic.Validate(); err != nil {
			return fmt.Errorf("interface %s: %w", name, err)
		}
	}
	return nil
}

// Validate checks one interface.
func (ic *InterfaceConfig) Validate() error {
	if len(ic.Targets) == 0 {
		return fmt.Errorf("no targets")
	}
	switch ic.Type {
	case TypeSerial:
		if iface.PortName(ic.WritePort) == "" && iface.PortName(ic.ReadPort) == "" {
			return fmt.Errorf("serial interface needs a read_port or write_port")
		}
		if ic.Serial != nil {
			if _, err := ic.Serial.Normalize(); err != nil {
				return err
			}
		}
	case TypeTCP:
		if ic.ReadAddress == "" && ic.WriteAddress == "" {
			return fmt.Errorf("tcp interface needs a read_address or write_address")
		}
	case TypeUDP:
		if ic.ListenAddress == "" && ic.WriteAddress == "" {
			return fmt.Errorf("udp interface needs a listen_address or write_address")
		}
	case TypePcap:
		if ic.Path == "" {
			return fmt.Errorf("pcap interface needs a path")
		}
		if ic.UDPPort < 0 || ic.UDPPort > 65535 {
			return fmt.Errorf("udp_port %d out of range", ic.UDPPort)
		}
	default:
		return fmt.Errorf("unknown interface type %q", ic.Type)
	}
	if _, err := ic.BuildProtocol(); err != nil {
		return err
	}
	if ic.ReconnectDelay != nil {
		if _, err := parseDuration(*ic.ReconnectDelay); err != nil {
			return fmt.Errorf("invalid reconnect_delay '%s': %w", *ic.ReconnectDelay, err)
		}
	}
	if ic.RawLogCycle != nil && *ic.RawLogCycle < 0 {
		return fmt.Errorf("raw_log_cycle must be non-negative, got %d", *ic.RawLogCycle)
	}
	return nil
}

func parseDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration")
	}
	return d, nil
}

// BuildProtocol constructs the configured protocol.
func (ic *InterfaceConfig) BuildProtocol() (iface.Protocol, error) {
	if len(ic.Protocol) == 0 {
		return iface.ParseProtocol("", nil)
	}
	return iface.ParseProtocol(ic.Protocol[0], ic.Protocol[1:])
}

// GetDBPath returns the database path or the default.
func (c *Config) GetDBPath() string {
	if c.DBPath == nil || *c.DBPath == "" {
		return "cmdtlm.db"
	}
	return *c.DBPath
}

// GetLimitsSet returns the active limits set or DEFAULT.
func (c *Config) GetLimitsSet() string {
	if c.LimitsSet == nil || *c.LimitsSet == "" {
		return "DEFAULT"
	}
	return strings.ToUpper(*c.LimitsSet)
}

// GetDebugListen returns the debug HTTP listen address or the default.
func (c *Config) GetDebugListen() string {
	if c.DebugListen == nil {
		return ":8080"
	}
	return *c.DebugListen
}

// GetHealthListen returns the gRPC health listen address; empty disables it.
func (c *Config) GetHealthListen() string {
	if c.HealthListen == nil {
		return ""
	}
	return *c.HealthListen
}

// GetReconnectDelay returns the default reconnect delay.
func (c *Config) GetReconnectDelay() time.Duration {
	if c.ReconnectDelay == nil {
		return 5 * time.Second
	}
	d, err := parseDuration(*c.ReconnectDelay)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// GetReconnectDelay returns the interface's reconnect delay, falling back
// to def. Zero disables reconnecting.
func (ic *InterfaceConfig) GetReconnectDelay(def time.Duration) time.Duration {
	if ic.ReconnectDelay == nil {
		return def
	}
	d, err := parseDuration(*ic.ReconnectDelay)
	if err != nil {
		return def
	}
	return d
}

// GetRawLogEnabled reports whether raw logging starts enabled. It
// defaults to true when a raw log directory is configured.
func (ic *InterfaceConfig) GetRawLogEnabled() bool {
	if ic.RawLogEnabled == nil {
		return ic.RawLogDir != ""
	}
	return *ic.RawLogEnabled
}

// GetRawLogCycle returns the raw log cycle size or the default.
func (ic *InterfaceConfig) GetRawLogCycle() int64 {
	if ic.RawLogCycle == nil || *ic.RawLogCycle == 0 {
		return rawlog.DefaultCycleSize
	}
	return *ic.RawLogCycle
}

// GetSerial returns the serial options with defaults applied.
func (ic *InterfaceConfig) GetSerial() iface.PortOptions {
	var opts iface.PortOptions
	if ic.Serial != nil {
		opts = *ic.Serial
	}
	if normalized, err := opts.Normalize(); err == nil {
		return normalized
	}
	return opts
}
