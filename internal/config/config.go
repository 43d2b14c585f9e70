// Package config loads agent, controller and directory settings from a
// JSON or YAML file, applies NETCTL_* environment overrides and watches
// the file for changes.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Default addresses.
const (
	DefaultAgentListen     = ":5000"
	DefaultStreamAddr      = ":5900"
	DefaultDirectoryListen = ":5001"
	DefaultAPIAddr         = "127.0.0.1:8090"
)

// Duration is a time.Duration that decodes from "5s" style strings or
// integer nanoseconds.
type Duration time.Duration

// D returns d as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return d.set(v)
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var v interface{}
	if err := unmarshal(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) set(v any) error {
	switch x := v.(type) {
	case string:
		p, err := time.ParseDuration(x)
		if err != nil {
			return err
		}
		*d = Duration(p)
	case float64:
		*d = Duration(x)
	case int:
		*d = Duration(x)
	case nil:
		*d = 0
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}

// LogConfig mirrors logging.Options.
type LogConfig struct {
	Dir        string `json:"dir,omitempty" yaml:"dir,omitempty"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty" yaml:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty" yaml:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty" yaml:"max_age_days,omitempty"`
}

// Common holds settings every binary has.
type Common struct {
	DataDir string `json:"data_dir" yaml:"data_dir"`
	// TLS wraps the command channel in TLS.
	TLS bool `json:"tls" yaml:"tls"`
	// InsecureNoopCipher disables session encryption. Both ends must agree.
	InsecureNoopCipher bool      `json:"insecure_noop_cipher" yaml:"insecure_noop_cipher"`
	Debug              bool      `json:"debug" yaml:"debug"`
	Log                LogConfig `json:"log" yaml:"log"`
}

// AgentConfig configures cmd/agent.
type AgentConfig struct {
	Common      `yaml:",inline"`
	Listen      string `json:"listen" yaml:"listen"`
	StreamAddr  string `json:"stream_addr" yaml:"stream_addr"`
	MetricsAddr string `json:"metrics_addr" yaml:"metrics_addr"`
	// StreamQuality is the JPEG quality of full frames.
	StreamQuality int `json:"stream_quality" yaml:"stream_quality"`
	// MaxClients caps concurrent controller connections; 0 is unlimited.
	MaxClients int `json:"max_clients" yaml:"max_clients"`
}

// ControllerConfig configures cmd/controller.
type ControllerConfig struct {
	Common `yaml:",inline"`
	Peers  []string `json:"peers" yaml:"peers"`
	// APIAddr serves /api/peers and /metrics; empty disables it.
	APIAddr      string   `json:"api_addr" yaml:"api_addr"`
	APIKeyHashes []string `json:"api_key_hashes" yaml:"api_key_hashes"`
	// DigestPolicy is "reject" or "warn".
	DigestPolicy    string   `json:"digest_policy" yaml:"digest_policy"`
	PinCertificates bool     `json:"pin_certificates" yaml:"pin_certificates"`
	ProbeInterval   Duration `json:"probe_interval" yaml:"probe_interval"`
	IdleThreshold   Duration `json:"idle_threshold" yaml:"idle_threshold"`
	MaxBackoff      Duration `json:"max_backoff" yaml:"max_backoff"`
	// Directory is the host:port of the directory server.
	Directory string `json:"directory" yaml:"directory"`
}

// DirectoryConfig configures cmd/directory.
type DirectoryConfig struct {
	Common      `yaml:",inline"`
	Listen      string   `json:"listen" yaml:"listen"`
	MetricsAddr string   `json:"metrics_addr" yaml:"metrics_addr"`
	TokenTTL    Duration `json:"token_ttl" yaml:"token_ttl"`
}

// DefaultAgentConfig returns agent defaults.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		Common:        Common{DataDir: "data"},
		Listen:        DefaultAgentListen,
		StreamAddr:    DefaultStreamAddr,
		StreamQuality: 95,
	}
}

// DefaultControllerConfig returns controller defaults.
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		Common:        Common{DataDir: "data"},
		APIAddr:       DefaultAPIAddr,
		DigestPolicy:  "reject",
		ProbeInterval: Duration(5 * time.Second),
		IdleThreshold: Duration(30 * time.Second),
		MaxBackoff:    Duration(60 * time.Second),
	}
}

// DefaultDirectoryConfig returns directory defaults.
func DefaultDirectoryConfig() DirectoryConfig {
	return DirectoryConfig{
		Common:   Common{DataDir: "data"},
		Listen:   DefaultDirectoryListen,
		TokenTTL: Duration(12 * time.Hour),
	}
}

// LoadAgent reads path (missing file means defaults) and applies env
// overrides.
func LoadAgent(path string) (AgentConfig, error) {
	cfg := DefaultAgentConfig()
	if err := readFile(path, &cfg); err != nil {
		return cfg, err
	}
	cfg.Common.applyEnv()
	envString("NETCTL_LISTEN", &cfg.Listen)
	envString("NETCTL_STREAM_ADDR", &cfg.StreamAddr)
	envString("NETCTL_METRICS_ADDR", &cfg.MetricsAddr)
	envInt("NETCTL_STREAM_QUALITY", &cfg.StreamQuality)
	envInt("NETCTL_MAX_CLIENTS", &cfg.MaxClients)
	return cfg, cfg.Validate()
}

// LoadController reads path and applies env overrides.
func LoadController(path string) (ControllerConfig, error) {
	cfg := DefaultControllerConfig()
	if err := readFile(path, &cfg); err != nil {
		return cfg, err
	}
	cfg.Common.applyEnv()
	envList("NETCTL_PEERS", &cfg.Peers)
	envString("NETCTL_API_ADDR", &cfg.APIAddr)
	envList("NETCTL_API_KEY_HASHES", &cfg.APIKeyHashes)
	envString("NETCTL_DIGEST_POLICY", &cfg.DigestPolicy)
	envBool("NETCTL_PIN_CERTIFICATES", &cfg.PinCertificates)
	envString("NETCTL_DIRECTORY", &cfg.Directory)
	cfg.Peers = cleanList(cfg.Peers)
	return cfg, cfg.Validate()
}

// LoadDirectory reads path and applies env overrides.
func LoadDirectory(path string) (DirectoryConfig, error) {
	cfg := DefaultDirectoryConfig()
	if err := readFile(path, &cfg); err != nil {
		return cfg, err
	}
	cfg.Common.applyEnv()
	envString("NETCTL_LISTEN", &cfg.Listen)
	envString("NETCTL_METRICS_ADDR", &cfg.MetricsAddr)
	return cfg, cfg.Validate()
}

// Validate checks agent settings.
func (c AgentConfig) Validate() error {
	if c.Listen == "" {
		return errors.New("listen address is required")
	}
	if c.StreamAddr == "" {
		return errors.New("stream_addr is required")
	}
	if c.StreamQuality < 1 || c.StreamQuality > 100 {
		return fmt.Errorf("stream_quality %d out of range 1-100", c.StreamQuality)
	}
	if c.MaxClients < 0 {
		return errors.New("max_clients must not be negative")
	}
	return nil
}

// Validate checks controller settings.
func (c ControllerConfig) Validate() error {
	switch c.DigestPolicy {
	case "reject", "warn":
	default:
		return fmt.Errorf("digest_policy must be reject or warn, got %q", c.DigestPolicy)
	}
	if c.ProbeInterval <= 0 || c.IdleThreshold <= 0 || c.MaxBackoff <= 0 {
		return errors.New("probe_interval, idle_threshold and max_backoff must be positive")
	}
	return nil
}

// Validate checks directory settings.
func (c DirectoryConfig) Validate() error {
	if c.Listen == "" {
		return errors.New("listen address is required")
	}
	if c.TokenTTL <= 0 {
		return errors.New("token_ttl must be positive")
	}
	return nil
}

func (c *Common) applyEnv() {
	envString("NETCTL_DATA_DIR", &c.DataDir)
	envBool("NETCTL_TLS", &c.TLS)
	envBool("NETCTL_NOOP_CIPHER", &c.InsecureNoopCipher)
	envBool("NETCTL_DEBUG", &c.Debug)
	envString("NETCTL_LOG_DIR", &c.Log.Dir)
}

// readFile decodes path into dst by extension. A missing file is not an
// error; an empty path reads nothing.
func readFile(path string, dst any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, dst); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, dst); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return nil
}

func envString(key string, dst *string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envList(key string, dst *[]string) {
	if v := os.Getenv(key); v != "" {
		if out := cleanList(strings.Split(v, ",")); len(out) > 0 {
			*dst = out
		}
	}
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if t := strings.TrimSpace(s); t != "" {
			out = append(out, t)
		}
	}
	return out
}
