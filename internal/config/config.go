// Package config handles Moltbridge configuration loading and validation.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Defaults restored when fields are left empty.
const (
	DefaultAgentID          = "main"
	DefaultContextThreshold = 13000
	DefaultTruncateStrategy = "clear"
	DefaultListenPort       = 8098
)

// DefaultPrompt is the system prompt template used when an agent does not
// configure one. Variables are rendered with text/template; see
// agent.PromptVars for the available fields.
const DefaultPrompt = `You are a voice assistant for Home Assistant.

Answer in plain text only.
Respond naturally as a voice assistant.
Prefer a single sentence; use up to 2-3 sentences only when truly necessary.

You have access to Home Assistant via mcporter and the ha-mcp server. To control devices, search entities, or manage automations, use:

mcporter call {{.HAMCPURL}}.<tool> --allow-http [args]

Key tools:
- ha_search_entities query="..." — find entities
- ha_call_service domain=X service=Y entity_id=Z — control devices
- ha_config_list_areas — list rooms
- ha_config_get_automation / ha_config_set_automation — view/edit automations

When asked to control a device, search for it first if you don't know the entity_id, then call the appropriate service.

For general knowledge questions not related to the home, answer truthfully using internal knowledge only.

{{.ExtraSystemPrompt}}
`

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first. Then:
// ./moltbridge.yaml, ~/.config/moltbridge/moltbridge.yaml,
// /etc/moltbridge/moltbridge.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"moltbridge.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "moltbridge", "moltbridge.yaml"))
	}

	paths = append(paths, "/etc/moltbridge/moltbridge.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Moltbridge configuration.
type Config struct {
	Listen        ListenConfig        `yaml:"listen"`
	Upstream      UpstreamConfig      `yaml:"upstream"`
	Agents        []AgentConfig       `yaml:"agents"`
	HomeAssistant HomeAssistantConfig `yaml:"homeassistant"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	Store         StoreConfig         `yaml:"store"`
	LogLevel      string              `yaml:"log_level"`
}

// ListenConfig defines the inbound API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// UpstreamConfig is the connection to the remote OpenClaw/Moltworker
// gateway. The URL and API key authorize every relayed turn; the optional
// Cloudflare Access service token pair is required for deployments behind
// CF Access.
type UpstreamConfig struct {
	OpenClawURL          string `yaml:"openclaw_url"`
	APIKey               string `yaml:"api_key"`
	VerifySSL            *bool  `yaml:"verify_ssl"` // nil means true
	CFAccessClientID     string `yaml:"cf_access_client_id"`
	CFAccessClientSecret string `yaml:"cf_access_client_secret"`
}

// SSLVerified reports the effective verify_ssl setting (default true).
func (u UpstreamConfig) SSLVerified() bool {
	return u.VerifySSL == nil || *u.VerifySSL
}

// AgentConfig defines one conversation agent exposed by the bridge.
type AgentConfig struct {
	Name             string `yaml:"name"`
	HAMCPURL         string `yaml:"ha_mcp_url"`
	Prompt           string `yaml:"prompt"`
	AgentID          string `yaml:"agent_id"`
	SessionKey       string `yaml:"session_key"`
	ContextThreshold int    `yaml:"context_threshold"`
	TruncateStrategy string `yaml:"context_truncate_strategy"`
}

// HomeAssistantConfig defines the optional callback connection to Home
// Assistant, used for firing conversation-finished events and reading the
// installation's location name. When URL is empty, callbacks are skipped.
type HomeAssistantConfig struct {
	URL          string `yaml:"url"`
	Token        string `yaml:"token"`
	UseWebsocket bool   `yaml:"use_websocket"`
}

// MQTTConfig defines the optional availability/status publisher.
// Disabled unless Broker is set.
type MQTTConfig struct {
	Broker          string `yaml:"broker"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	DeviceName      string `yaml:"device_name"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
}

// StoreConfig defines the chat-log store. An empty Path selects the
// in-memory store (history is lost on restart).
type StoreConfig struct {
	Path string `yaml:"path"`
}

// ValidationError reports a config field that failed validation. The CLI
// validate command and the API surface these per-field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// cfHeaderPrefixes are header names users sometimes paste along with the
// value when copying CF Access credentials out of the Cloudflare dashboard.
var cfHeaderPrefixes = []string{"CF-Access-Client-Id:", "CF-Access-Client-Secret:"}

// StripCFHeaderPrefix removes an accidental header-name prefix from a
// Cloudflare Access credential value and trims surrounding whitespace.
func StripCFHeaderPrefix(value string) string {
	for _, prefix := range cfHeaderPrefixes {
		if strings.HasPrefix(value, prefix) {
			return strings.TrimSpace(value[len(prefix):])
		}
	}
	return strings.TrimSpace(value)
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{
		Listen: ListenConfig{Port: DefaultListenPort},
	}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults fills zero-valued fields and normalizes user input
// (trailing slashes on URLs, pasted header prefixes on CF credentials).
func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = DefaultListenPort
	}
	c.Upstream.OpenClawURL = strings.TrimRight(strings.TrimSpace(c.Upstream.OpenClawURL), "/")
	c.Upstream.CFAccessClientID = StripCFHeaderPrefix(c.Upstream.CFAccessClientID)
	c.Upstream.CFAccessClientSecret = StripCFHeaderPrefix(c.Upstream.CFAccessClientSecret)
	c.HomeAssistant.URL = strings.TrimRight(strings.TrimSpace(c.HomeAssistant.URL), "/")

	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "moltbridge"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}

	for i := range c.Agents {
		a := &c.Agents[i]
		if a.Name == "" {
			a.Name = fmt.Sprintf("agent-%d", i)
		}
		if a.Prompt == "" {
			a.Prompt = DefaultPrompt
		}
		if a.AgentID == "" {
			a.AgentID = DefaultAgentID
		}
		if a.ContextThreshold == 0 {
			a.ContextThreshold = DefaultContextThreshold
		}
		if a.TruncateStrategy == "" {
			a.TruncateStrategy = DefaultTruncateStrategy
		}
	}
}

// Validate checks the loaded configuration. The first failure is returned
// as a *ValidationError naming the offending field.
func (c *Config) Validate() error {
	if err := validateURL("upstream.openclaw_url", c.Upstream.OpenClawURL); err != nil {
		return err
	}
	if c.Upstream.APIKey == "" {
		return &ValidationError{Field: "upstream.api_key", Message: "gateway token must not be empty"}
	}

	// CF Access service tokens are a client id/secret pair. One without
	// the other cannot authenticate, so partial credentials are rejected
	// up front instead of failing at the first relayed turn.
	hasID := c.Upstream.CFAccessClientID != ""
	hasSecret := c.Upstream.CFAccessClientSecret != ""
	if hasID != hasSecret {
		missing := "upstream.cf_access_client_secret"
		if hasSecret {
			missing = "upstream.cf_access_client_id"
		}
		return &ValidationError{Field: missing, Message: "Cloudflare Access credentials require both client id and secret"}
	}

	if len(c.Agents) == 0 {
		return &ValidationError{Field: "agents", Message: "at least one agent must be configured"}
	}
	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		field := fmt.Sprintf("agents[%d]", i)
		if seen[a.Name] {
			return &ValidationError{Field: field + ".name", Message: fmt.Sprintf("duplicate agent name %q", a.Name)}
		}
		seen[a.Name] = true
		if err := validateURL(field+".ha_mcp_url", a.HAMCPURL); err != nil {
			return err
		}
		if a.TruncateStrategy != DefaultTruncateStrategy {
			return &ValidationError{Field: field + ".context_truncate_strategy", Message: fmt.Sprintf("unknown strategy %q (valid: clear)", a.TruncateStrategy)}
		}
	}

	if c.HomeAssistant.URL != "" {
		if err := validateURL("homeassistant.url", c.HomeAssistant.URL); err != nil {
			return err
		}
		if c.HomeAssistant.Token == "" {
			return &ValidationError{Field: "homeassistant.token", Message: "token is required when homeassistant.url is set"}
		}
	}

	return nil
}

func validateURL(field, raw string) error {
	if raw == "" {
		return &ValidationError{Field: field, Message: "must not be empty"}
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return &ValidationError{Field: field, Message: fmt.Sprintf("%q is not an absolute http(s) URL", raw)}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &ValidationError{Field: field, Message: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}
	return nil
}

// Agent returns the agent config with the given name, or the first agent
// when name is empty. Returns nil when no agent matches.
func (c *Config) Agent(name string) *AgentConfig {
	if name == "" && len(c.Agents) > 0 {
		return &c.Agents[0]
	}
	for i := range c.Agents {
		if c.Agents[i].Name == name {
			return &c.Agents[i]
		}
	}
	return nil
}

// Redacted returns a copy of the config with every secret replaced by a
// placeholder. Safe to log or echo back over the API.
func (c *Config) Redacted() Config {
	out := *c
	out.Upstream.APIKey = redact(c.Upstream.APIKey)
	out.Upstream.CFAccessClientSecret = redact(c.Upstream.CFAccessClientSecret)
	out.HomeAssistant.Token = redact(c.HomeAssistant.Token)
	out.MQTT.Password = redact(c.MQTT.Password)
	out.Agents = append([]AgentConfig(nil), c.Agents...)
	for i := range out.Agents {
		out.Agents[i].SessionKey = redact(out.Agents[i].SessionKey)
	}
	return out
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}
