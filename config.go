package tlschan

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Config is the file form of the context options.
type Config struct {
	CAFile           string `toml:"ca_file" yaml:"ca_file"`
	SystemRoots      bool   `toml:"system_roots" yaml:"system_roots"`
	ServerName       string `toml:"server_name" yaml:"server_name"`
	MinVersion       string `toml:"min_version" yaml:"min_version"`
	MaxVersion       string `toml:"max_version" yaml:"max_version"`
	HandshakeTimeout string `toml:"handshake_timeout" yaml:"handshake_timeout"`
	SecurityPolicy   string `toml:"security_policy" yaml:"security_policy"`
	LogLevel         string `toml:"log_level" yaml:"log_level"`
}

func DefaultConfig() Config {
	return Config{
		SystemRoots:      true,
		MinVersion:       "1.2",
		HandshakeTimeout: DefaultHandshakeTimeout.String(),
		SecurityPolicy:   Domestic.String(),
		LogLevel:         zerolog.WarnLevel.String(),
	}
}

// LoadConfig reads a .toml, .yaml or .yml file over the defaults.
// Unknown keys are rejected.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		meta, decodeErr := toml.Decode(string(data), &cfg)
		if decodeErr != nil {
			return Config{}, fmt.Errorf("config parse failed (%s): %w", path, decodeErr)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return Config{}, fmt.Errorf("config parse failed (%s): unknown key %q", path, undecoded[0].String())
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if decodeErr := dec.Decode(&cfg); decodeErr != nil {
			return Config{}, fmt.Errorf("config parse failed (%s): %w", path, decodeErr)
		}
	default:
		return Config{}, fmt.Errorf("config load failed (%s): unsupported format %q", path, ext)
	}
	if err = cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	lo, err := ParseVersion(c.MinVersion)
	if err != nil {
		return fmt.Errorf("min_version: %w", err)
	}
	hi, err := ParseVersion(c.MaxVersion)
	if err != nil {
		return fmt.Errorf("max_version: %w", err)
	}
	if lo != 0 && hi != 0 && lo > hi {
		return fmt.Errorf("min_version %s is greater than max_version %s", c.MinVersion, c.MaxVersion)
	}
	if _, err = c.handshakeTimeout(); err != nil {
		return err
	}
	if _, err = c.Policy(); err != nil {
		return err
	}
	if _, err = c.Level(); err != nil {
		return err
	}
	if !c.SystemRoots && strings.TrimSpace(c.CAFile) == "" {
		return fmt.Errorf("ca_file is required when system_roots is false")
	}
	return nil
}

// Options converts the config into context options.
func (c Config) Options() ([]Option, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	lo, _ := ParseVersion(c.MinVersion)
	hi, _ := ParseVersion(c.MaxVersion)
	timeout, _ := c.handshakeTimeout()
	options := []Option{
		WithVersions(lo, hi),
		WithHandshakeTimeout(timeout),
	}
	if !c.SystemRoots {
		options = append(options, WithoutSystemRoots())
	}
	if file := strings.TrimSpace(c.CAFile); file != "" {
		options = append(options, WithCAFile(file))
	}
	if name := strings.TrimSpace(c.ServerName); name != "" {
		options = append(options, WithServerName(name))
	}
	return options, nil
}

func (c Config) handshakeTimeout() (time.Duration, error) {
	raw := strings.TrimSpace(c.HandshakeTimeout)
	if raw == "" {
		return DefaultHandshakeTimeout, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("handshake_timeout: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("handshake_timeout: negative duration %s", raw)
	}
	return d, nil
}

func (c Config) Policy() (SecurityPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(c.SecurityPolicy)) {
	case "", "domestic":
		return Domestic, nil
	case "export":
		return Export, nil
	case "france":
		return France, nil
	default:
		return Domestic, fmt.Errorf("security_policy: unknown policy %q", c.SecurityPolicy)
	}
}

func (c Config) Level() (zerolog.Level, error) {
	raw := strings.ToLower(strings.TrimSpace(c.LogLevel))
	if raw == "" {
		return zerolog.WarnLevel, nil
	}
	lvl, err := zerolog.ParseLevel(raw)
	if err != nil {
		return zerolog.WarnLevel, fmt.Errorf("log_level: %w", err)
	}
	return lvl, nil
}

// ParseVersion maps "1.0" to "1.3" onto tls version numbers. Empty is 0.
func ParseVersion(s string) (uint16, error) {
	switch strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "tls") {
	case "":
		return 0, nil
	case "1.0", "10":
		return tls.VersionTLS10, nil
	case "1.1", "11":
		return tls.VersionTLS11, nil
	case "1.2", "12":
		return tls.VersionTLS12, nil
	case "1.3", "13":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unknown tls version %q", s)
	}
}
