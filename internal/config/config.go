// Package config handles feedctl configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// normalizeBase64Padding trims whitespace and right-pads s with '='
// characters to the next multiple of 4, the padding scheme app_secret
// is declared in base64 under.
func normalizeBase64Padding(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}
	if rem := len(s) % 4; rem != 0 {
		s += strings.Repeat("=", 4-rem)
	}
	return s
}

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./feedctl.yaml, ~/.config/feedctl/config.yaml, /etc/feedctl/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"feedctl.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "feedctl", "config.yaml"))
	}

	paths = append(paths, "/etc/feedctl/config.yaml")
	return paths
}

// searchPathsFunc is indirected so tests can substitute a search list
// that doesn't collide with real config files on the developer machine.
var searchPathsFunc = DefaultSearchPaths

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	paths := searchPathsFunc()
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", paths)
}

// Config holds all feedctl configuration.
type Config struct {
	Transport  TransportConfig  `yaml:"transport"`
	Decoder    DecoderConfig    `yaml:"decoder"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Health     HealthConfig     `yaml:"health"`
	LogLevel   string           `yaml:"log_level"`

	// Watchlist is the set of symbols to subscribe to at startup. Symbol
	// case does not matter; the transport uppercases internally.
	Watchlist []string `yaml:"watchlist"`
}

// Environment selects which authentication/discovery environment the
// transport talks to. BrokerID == "SANDBOX" routes to the UAT environment.
type Environment int

const (
	// EnvProduction is the default, live-broker environment.
	EnvProduction Environment = iota
	// EnvSandbox is the UAT environment selected by BrokerID == "SANDBOX".
	EnvSandbox
)

func (e Environment) String() string {
	if e == EnvSandbox {
		return "sandbox"
	}
	return "production"
}

// sandboxCanonicalBrokerID is the real broker id the SANDBOX sentinel
// resolves to once the environment switch has been applied.
const sandboxCanonicalBrokerID = "SANDBOX-UAT"

// TransportConfig configures the transport & session manager.
type TransportConfig struct {
	AppID     string `yaml:"app_id"`
	AppSecret string `yaml:"app_secret"`
	AppCode   string `yaml:"app_code"`
	BrokerID  string `yaml:"broker_id"`
	BaseURL   string `yaml:"base_url"`
	Port      int    `yaml:"port"`
	Keepalive int    `yaml:"keepalive"`

	ReconnectMinDelaySeconds float64 `yaml:"reconnect_min_delay"`
	ReconnectMaxDelaySeconds float64 `yaml:"reconnect_max_delay"`

	TokenRefreshBeforeExpSeconds int `yaml:"token_refresh_before_exp_seconds"`

	// Environment and effective broker id are derived once at Validate
	// time from BrokerID == "SANDBOX" and are not settable directly
	// from YAML; see resolveEnvironment.
	environment    Environment
	effectiveBroker string
}

// Configured reports whether the credentials required to attempt a
// connection are all present. Mirrors the teacher's
// HomeAssistantConfig.Configured() convenience-predicate pattern.
func (c TransportConfig) Configured() bool {
	return c.AppID != "" && c.AppSecret != "" && c.AppCode != "" && c.BrokerID != ""
}

// Environment returns the resolved environment (production or sandbox).
// Only meaningful after Validate has run.
func (c TransportConfig) Environment() Environment { return c.environment }

// EffectiveBrokerID returns the broker id to actually send to the
// authentication collaborator, after SANDBOX sentinel remapping.
func (c TransportConfig) EffectiveBrokerID() string { return c.effectiveBroker }

// resolveEnvironment applies the SANDBOX sentinel remap: the literal
// broker id "SANDBOX" is environment routing, not a per-request option,
// so it is resolved once here instead of being checked ad hoc wherever
// BrokerID is used.
func (c *TransportConfig) resolveEnvironment() {
	if strings.EqualFold(c.BrokerID, "SANDBOX") {
		c.environment = EnvSandbox
		c.effectiveBroker = sandboxCanonicalBrokerID
		return
	}
	c.environment = EnvProduction
	c.effectiveBroker = c.BrokerID
}

func (c *TransportConfig) applyDefaults() {
	c.AppSecret = normalizeBase64Padding(c.AppSecret)
	if c.Port == 0 {
		c.Port = 443
	}
	if c.Keepalive == 0 {
		c.Keepalive = 30
	}
	if c.ReconnectMinDelaySeconds == 0 {
		c.ReconnectMinDelaySeconds = 1.0
	}
	if c.ReconnectMaxDelaySeconds == 0 {
		c.ReconnectMaxDelaySeconds = 30.0
	}
	if c.TokenRefreshBeforeExpSeconds == 0 {
		c.TokenRefreshBeforeExpSeconds = 100
	}
}

// Validate checks the transport configuration's numeric ranges and
// resolves the SANDBOX sentinel. Must be called once before use.
func (c *TransportConfig) Validate() error {
	c.applyDefaults()
	c.resolveEnvironment()

	if c.Keepalive < 5 || c.Keepalive > 300 {
		return fmt.Errorf("transport.keepalive %d out of range (5-300)", c.Keepalive)
	}
	if c.ReconnectMinDelaySeconds < 0.1 {
		return fmt.Errorf("transport.reconnect_min_delay %.3f must be >= 0.1", c.ReconnectMinDelaySeconds)
	}
	if c.ReconnectMaxDelaySeconds < 1.0 {
		return fmt.Errorf("transport.reconnect_max_delay %.3f must be >= 1.0", c.ReconnectMaxDelaySeconds)
	}
	if c.ReconnectMaxDelaySeconds < c.ReconnectMinDelaySeconds {
		return fmt.Errorf("transport.reconnect_max_delay must be >= reconnect_min_delay")
	}
	if c.TokenRefreshBeforeExpSeconds < 10 {
		return fmt.Errorf("transport.token_refresh_before_exp_seconds %d must be >= 10", c.TokenRefreshBeforeExpSeconds)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("transport.port %d out of range (1-65535)", c.Port)
	}
	return nil
}

// DecoderConfig configures the binary-frame decoder.
type DecoderConfig struct {
	FullDepth bool `yaml:"full_depth"`
}

// DispatcherConfig configures the bounded SPSC dispatcher.
type DispatcherConfig struct {
	Maxlen                int     `yaml:"maxlen"`
	EMAAlpha              float64 `yaml:"ema_alpha"`
	DropWarningThreshold  float64 `yaml:"drop_warning_threshold"`
}

func (c *DispatcherConfig) applyDefaults() {
	if c.Maxlen == 0 {
		c.Maxlen = 100_000
	}
	if c.EMAAlpha == 0 {
		c.EMAAlpha = 0.01
	}
	if c.DropWarningThreshold == 0 {
		c.DropWarningThreshold = 0.01
	}
}

// Validate checks numeric ranges and applies defaults.
func (c *DispatcherConfig) Validate() error {
	c.applyDefaults()
	if c.Maxlen <= 0 {
		return fmt.Errorf("dispatcher.maxlen %d must be > 0", c.Maxlen)
	}
	if c.EMAAlpha <= 0 || c.EMAAlpha > 1 {
		return fmt.Errorf("dispatcher.ema_alpha %.4f must be in (0,1]", c.EMAAlpha)
	}
	if c.DropWarningThreshold <= 0 || c.DropWarningThreshold > 1 {
		return fmt.Errorf("dispatcher.drop_warning_threshold %.4f must be in (0,1]", c.DropWarningThreshold)
	}
	return nil
}

// HealthConfig configures the feed-health monitor.
type HealthConfig struct {
	MaxGapSeconds    float64            `yaml:"max_gap_seconds"`
	PerSymbolMaxGap  map[string]float64 `yaml:"per_symbol_max_gap"`
}

func (c *HealthConfig) applyDefaults() {
	if c.MaxGapSeconds == 0 {
		c.MaxGapSeconds = 5.0
	}
}

// Validate checks numeric ranges and applies defaults.
func (c *HealthConfig) Validate() error {
	c.applyDefaults()
	if c.MaxGapSeconds <= 0 {
		return fmt.Errorf("health.max_gap_seconds %.4f must be > 0", c.MaxGapSeconds)
	}
	for sym, gap := range c.PerSymbolMaxGap {
		if gap <= 0 {
			return fmt.Errorf("health.per_symbol_max_gap[%s] %.4f must be > 0", sym, gap)
		}
	}
	return nil
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates the
// result. After Load returns successfully, all fields are usable without
// additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${FEEDCTL_APP_SECRET}). This is
	// a convenience for container deployments that keep secrets out of
	// the checked-in config file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// Validate runs every sub-config's Validate in turn, stopping at the
// first error. Called automatically by Load.
func (c *Config) Validate() error {
	if err := c.Transport.Validate(); err != nil {
		return err
	}
	if err := c.Dispatcher.Validate(); err != nil {
		return err
	}
	if err := c.Health.Validate(); err != nil {
		return err
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// Default returns a default configuration with every numeric field at
// its documented default and no credentials set. Useful for tests.
func Default() *Config {
	cfg := &Config{}
	_ = cfg.Validate() // defaults are always internally consistent
	return cfg
}
