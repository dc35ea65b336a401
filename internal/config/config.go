// Package config loads daemon configuration from environment variables and
// manages the persisted runtime settings file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
)

// ErrMissingEnv marks a required environment variable that was not set.
// main exits with code 1 when Load fails with this error.
var ErrMissingEnv = errors.New("required environment variable not set")

// Config holds all runtime configuration for the daemon.
// Values come from environment variables only; the binary takes no flags.
type Config struct {
	SIPServer   string // registrar hostname (required)
	SIPPort     int
	SIPUser     string // auth username (required)
	SIPPassword string // auth password (required)

	OpenAIKey string // bearer token for both realtime and expert APIs (required)

	APIHost string // control-plane bind address
	APIPort int

	DataDir    string // settings file, sqlite database
	CatalogDir string // read-only product catalogs and knowledge base

	RTPPortMin int
	RTPPortMax int

	LogLevel  string
	LogFormat string // "text" or "json"

	// AllowedNetworks is the comma-separated CIDR allowlist for inbound
	// INVITEs. ProviderHostname and PublicIP feed the NAT exception.
	AllowedNetworks  string
	ProviderHostname string
	PublicIP         string
}

// defaults
const (
	defaultSIPPort    = 5060
	defaultAPIHost    = "127.0.0.1"
	defaultAPIPort    = 8080
	defaultDataDir    = "./data"
	defaultCatalogDir = "./catalogs"
	defaultRTPPortMin = 10000
	defaultRTPPortMax = 20000
	defaultLogLevel   = "info"
	defaultLogFormat  = "json"
)

// envPrefix is the prefix for the operational environment variables. The
// credential variables (SIP_*, OPENAI_API_KEY, API_*) are unprefixed for
// compatibility with existing deployments.
const envPrefix = "SHKVOICE_"

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		SIPServer:        os.Getenv("SIP_SERVER"),
		SIPPort:          defaultSIPPort,
		SIPUser:          os.Getenv("SIP_USER"),
		SIPPassword:      os.Getenv("SIP_PASSWORD"),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		APIHost:          defaultAPIHost,
		APIPort:          defaultAPIPort,
		DataDir:          defaultDataDir,
		CatalogDir:       defaultCatalogDir,
		RTPPortMin:       defaultRTPPortMin,
		RTPPortMax:       defaultRTPPortMax,
		LogLevel:         defaultLogLevel,
		LogFormat:        defaultLogFormat,
		AllowedNetworks:  os.Getenv(envPrefix + "ALLOWED_NETWORKS"),
		ProviderHostname: os.Getenv(envPrefix + "PROVIDER_HOSTNAME"),
		PublicIP:         os.Getenv(envPrefix + "PUBLIC_IP"),
	}

	for _, req := range []struct {
		name, val string
	}{
		{"SIP_SERVER", cfg.SIPServer},
		{"SIP_USER", cfg.SIPUser},
		{"SIP_PASSWORD", cfg.SIPPassword},
		{"OPENAI_API_KEY", cfg.OpenAIKey},
	} {
		if req.val == "" {
			return nil, fmt.Errorf("%w: %s", ErrMissingEnv, req.name)
		}
	}

	if v := os.Getenv("SIP_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("SIP_PORT: %w", err)
		}
		cfg.SIPPort = p
	}
	if v := os.Getenv("API_HOST"); v != "" {
		cfg.APIHost = v
	}
	if v := os.Getenv("API_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("API_PORT: %w", err)
		}
		cfg.APIPort = p
	}
	if v := os.Getenv(envPrefix + "DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv(envPrefix + "CATALOG_DIR"); v != "" {
		cfg.CatalogDir = v
	}
	if v := os.Getenv(envPrefix + "RTP_PORT_MIN"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("%sRTP_PORT_MIN: %w", envPrefix, err)
		}
		cfg.RTPPortMin = p
	}
	if v := os.Getenv(envPrefix + "RTP_PORT_MAX"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("%sRTP_PORT_MAX: %w", envPrefix, err)
		}
		cfg.RTPPortMax = p
	}
	if v := os.Getenv(envPrefix + "LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv(envPrefix + "LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.SIPPort < 1 || c.SIPPort > 65535 {
		return fmt.Errorf("SIP_PORT must be between 1 and 65535, got %d", c.SIPPort)
	}
	if c.APIPort < 1 || c.APIPort > 65535 {
		return fmt.Errorf("API_PORT must be between 1 and 65535, got %d", c.APIPort)
	}
	if c.RTPPortMin < 1024 || c.RTPPortMin > 65534 {
		return fmt.Errorf("RTP_PORT_MIN must be between 1024 and 65534, got %d", c.RTPPortMin)
	}
	if c.RTPPortMax < c.RTPPortMin+2 || c.RTPPortMax > 65535 {
		return fmt.Errorf("RTP_PORT_MAX must be between RTP_PORT_MIN+2 and 65535, got %d", c.RTPPortMax)
	}
	// RTP ports must be even (RTP uses even ports, RTCP uses the next odd port).
	if c.RTPPortMin%2 != 0 {
		return fmt.Errorf("RTP_PORT_MIN must be even, got %d", c.RTPPortMin)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("LOG_FORMAT must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	for _, cidr := range c.AllowedCIDRs() {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			if net.ParseIP(cidr) == nil {
				return fmt.Errorf("%sALLOWED_NETWORKS entry %q is not a CIDR or IP", envPrefix, cidr)
			}
		}
	}

	return nil
}

// AllowedCIDRs splits the configured allowlist into its entries.
func (c *Config) AllowedCIDRs() []string {
	if c.AllowedNetworks == "" {
		return nil
	}
	parts := strings.Split(c.AllowedNetworks, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// MediaIP returns the IP address to advertise in SDP offers and answers.
// If PublicIP is configured, it is returned directly. Otherwise the function
// attempts to detect the machine's primary non-loopback IPv4 address.
// Falls back to "127.0.0.1" if detection fails.
func (c *Config) MediaIP() string {
	if c.PublicIP != "" {
		return c.PublicIP
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "text" {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
