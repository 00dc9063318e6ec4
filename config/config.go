package config

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/c360/streamswitch/errors"
	"github.com/c360/streamswitch/flow"
	"github.com/c360/streamswitch/gateway"
	"github.com/c360/streamswitch/pkg/tlsutil"
)

// Sink and producer types.
const (
	SinkLog       = "log"
	SinkNATS      = "nats"
	SinkFile      = "file"
	SinkHTTP      = "http"
	SinkWebSocket = "websocket"

	ProducerTicker = "ticker"
	ProducerRange  = "range"
	ProducerNATS   = "nats"
	ProducerUDP    = "udp"
)

// Config represents the complete application configuration
type Config struct {
	NATS      NATSConfig       `json:"nats" yaml:"nats"`
	Runtime   RuntimeConfig    `json:"runtime" yaml:"runtime"`
	Gateway   gateway.Config   `json:"gateway" yaml:"gateway"`
	Metrics   MetricsConfig    `json:"metrics" yaml:"metrics"`
	Groups    []GroupConfig    `json:"groups" yaml:"groups"`
	Producers []ProducerConfig `json:"producers" yaml:"producers"`
}

// NATSConfig defines NATS connection settings
type NATSConfig struct {
	URL            string   `json:"url" yaml:"url"`
	Name           string   `json:"name,omitempty" yaml:"name,omitempty"`
	MaxReconnects  int      `json:"max_reconnects" yaml:"max_reconnects"`
	ReconnectWait  Duration `json:"reconnect_wait" yaml:"reconnect_wait"`
	ConnectTimeout Duration `json:"connect_timeout" yaml:"connect_timeout"`
	Username       string   `json:"username,omitempty" yaml:"username,omitempty"`
	Password       string   `json:"password,omitempty" yaml:"password,omitempty"`
	Token          string   `json:"token,omitempty" yaml:"token,omitempty"`

	TLS tlsutil.ClientConfig `json:"tls" yaml:"tls"`
}

// RuntimeConfig tunes the flow runtime.
type RuntimeConfig struct {
	FanInBuffer     int      `json:"fan_in_buffer" yaml:"fan_in_buffer"`
	ShutdownTimeout Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// MetricsConfig configures the Prometheus listener. /health is served on
// the same port.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Port    int    `json:"port" yaml:"port"`
	Path    string `json:"path" yaml:"path"`

	TLS tlsutil.ServerConfig `json:"tls" yaml:"tls"`
}

// GroupConfig declares a consumer group created at startup.
type GroupConfig struct {
	Name string `json:"name" yaml:"name"`
	// Sink is "log", "nats", "file", "http" or "websocket".
	Sink string `json:"sink" yaml:"sink"`
	// Subject is required for nats sinks.
	Subject string `json:"subject,omitempty" yaml:"subject,omitempty"`
	// LogLevel applies to log sinks (default: info).
	LogLevel string `json:"log_level,omitempty" yaml:"log_level,omitempty"`

	// File sinks.
	Path   string `json:"path,omitempty" yaml:"path,omitempty"`
	Format string `json:"format,omitempty" yaml:"format,omitempty"` // jsonl (default) or json
	Append bool   `json:"append,omitempty" yaml:"append,omitempty"`

	// HTTP sinks.
	URL     string               `json:"url,omitempty" yaml:"url,omitempty"`
	Headers map[string]string    `json:"headers,omitempty" yaml:"headers,omitempty"`
	Timeout Duration             `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	TLS     tlsutil.ClientConfig `json:"tls,omitempty" yaml:"tls,omitempty"`

	// QueueSize is the per-client send queue of websocket sinks.
	QueueSize int `json:"queue_size,omitempty" yaml:"queue_size,omitempty"`
}

// StreamPath is where a websocket sink is mounted on the metrics listener.
func (g GroupConfig) StreamPath() string {
	return "/stream/" + g.Name
}

// ProducerConfig declares a producer registered at startup.
type ProducerConfig struct {
	Name string `json:"name" yaml:"name"`
	// Type is "ticker", "range", "nats" or "udp".
	Type string `json:"type" yaml:"type"`

	Interval   Duration `json:"interval,omitempty" yaml:"interval,omitempty"` // ticker
	From       int      `json:"from,omitempty" yaml:"from,omitempty"`         // range
	To         int      `json:"to,omitempty" yaml:"to,omitempty"`             // range
	Subject    string   `json:"subject,omitempty" yaml:"subject,omitempty"`   // nats
	Addr       string   `json:"addr,omitempty" yaml:"addr,omitempty"`         // udp, host:port
	BufferSize int      `json:"buffer_size,omitempty" yaml:"buffer_size,omitempty"`

	// Throttle limits the producer to one item per interval when set.
	Throttle Duration `json:"throttle,omitempty" yaml:"throttle,omitempty"`
	Burst    int      `json:"burst,omitempty" yaml:"burst,omitempty"`

	// Gate is the initial gate state, "open" or "closed" (default).
	Gate string `json:"gate,omitempty" yaml:"gate,omitempty"`
	// AttachTo names a group to attach to at startup.
	AttachTo string `json:"attach_to,omitempty" yaml:"attach_to,omitempty"`
}

// GateMode parses Gate. Call after Validate.
func (p ProducerConfig) GateMode() flow.Mode {
	mode, err := flow.ParseMode(p.Gate)
	if err != nil {
		return flow.Closed
	}
	return mode
}

// Default returns the configuration used before any layer is applied.
func Default() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:            "nats://localhost:4222",
			Name:           "streamswitch",
			MaxReconnects:  -1,
			ReconnectWait:  Duration(2 * time.Second),
			ConnectTimeout: Duration(5 * time.Second),
		},
		Runtime: RuntimeConfig{
			FanInBuffer:     64,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Gateway: gateway.DefaultConfig(),
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
	}
}

func invalid(method, format string, args ...any) error {
	return errors.WrapInvalid(
		fmt.Errorf("%w: %s", errors.ErrInvalidConfig, fmt.Sprintf(format, args...)),
		"Config", method, "validate")
}

// Validate checks the configuration and fills per-entry defaults.
func (c *Config) Validate() error {
	if c.NATS.URL == "" {
		return invalid("Validate", "nats.url is required")
	}
	if err := c.NATS.TLS.Validate(); err != nil {
		return errors.WrapInvalid(err, "Config", "Validate", "nats.tls")
	}
	if c.Runtime.FanInBuffer < 0 {
		return invalid("Validate", "runtime.fan_in_buffer cannot be negative")
	}
	if c.Runtime.ShutdownTimeout <= 0 {
		c.Runtime.ShutdownTimeout = Duration(10 * time.Second)
	}
	if err := c.Gateway.Validate(); err != nil {
		return errors.WrapInvalid(err, "Config", "Validate", "gateway")
	}
	if !isValidNATSSubjectPart(c.Gateway.SubjectPrefix) {
		return invalid("Validate", "gateway.subject_prefix %q is not a valid NATS subject", c.Gateway.SubjectPrefix)
	}
	if c.Metrics.Enabled {
		if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
			return invalid("Validate", "metrics.port %d out of range", c.Metrics.Port)
		}
		if c.Metrics.Path == "" {
			c.Metrics.Path = "/metrics"
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return invalid("Validate", "metrics.path must start with /")
		}
		if err := c.Metrics.TLS.Validate(); err != nil {
			return errors.WrapInvalid(err, "Config", "Validate", "metrics.tls")
		}
	}

	groups := make(map[string]bool, len(c.Groups))
	for i := range c.Groups {
		g := &c.Groups[i]
		if err := g.validate(); err != nil {
			return err
		}
		if g.Sink == SinkWebSocket && !c.Metrics.Enabled {
			return invalid("Validate", "group %q: websocket sinks are served on the metrics listener, enable metrics", g.Name)
		}
		if groups[g.Name] {
			return invalid("Validate", "duplicate group %q", g.Name)
		}
		groups[g.Name] = true
	}

	producers := make(map[string]bool, len(c.Producers))
	for i := range c.Producers {
		p := &c.Producers[i]
		if err := p.validate(); err != nil {
			return err
		}
		if producers[p.Name] {
			return invalid("Validate", "duplicate producer %q", p.Name)
		}
		producers[p.Name] = true
		if p.AttachTo != "" && !groups[p.AttachTo] {
			return invalid("Validate", "producer %q attaches to unknown group %q", p.Name, p.AttachTo)
		}
	}

	return nil
}

func (g *GroupConfig) validate() error {
	if g.Name == "" {
		return invalid("validate", "group name is required")
	}
	switch g.Sink {
	case "", SinkLog:
		g.Sink = SinkLog
		if g.LogLevel == "" {
			g.LogLevel = "info"
		}
		switch strings.ToLower(g.LogLevel) {
		case "debug", "info", "warn", "error":
		default:
			return invalid("validate", "group %q: unknown log_level %q", g.Name, g.LogLevel)
		}
	case SinkNATS:
		if g.Subject == "" || !isValidNATSSubjectPart(g.Subject) {
			return invalid("validate", "group %q: nats sink needs a valid subject", g.Name)
		}
	case SinkFile:
		if g.Path == "" {
			return invalid("validate", "group %q: file sink needs a path", g.Name)
		}
		switch g.Format {
		case "", "jsonl", "json":
		default:
			return invalid("validate", "group %q: unknown format %q", g.Name, g.Format)
		}
	case SinkHTTP:
		u, err := url.Parse(g.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return invalid("validate", "group %q: http sink needs an http(s) url", g.Name)
		}
		if g.Timeout < 0 {
			return invalid("validate", "group %q: timeout cannot be negative", g.Name)
		}
		if err := g.TLS.Validate(); err != nil {
			return errors.WrapInvalid(err, "Config", "validate", "group "+g.Name+" tls")
		}
	case SinkWebSocket:
		if !isValidNATSSubjectPart(g.Name) {
			return invalid("validate", "group %q: websocket sink needs a URL-safe name", g.Name)
		}
		if g.QueueSize < 0 {
			return invalid("validate", "group %q: queue_size cannot be negative", g.Name)
		}
	default:
		return invalid("validate", "group %q: unknown sink %q", g.Name, g.Sink)
	}
	return nil
}

func (p *ProducerConfig) validate() error {
	if p.Name == "" {
		return invalid("validate", "producer name is required")
	}

	switch p.Type {
	case ProducerTicker:
		if p.Interval < 0 {
			return invalid("validate", "producer %q: interval cannot be negative", p.Name)
		}
		if p.Interval == 0 {
			p.Interval = Duration(time.Second)
		}
	case ProducerRange:
		if p.From > p.To {
			return invalid("validate", "producer %q: from %d is after to %d", p.Name, p.From, p.To)
		}
	case ProducerNATS:
		if p.Subject == "" {
			return invalid("validate", "producer %q: nats producer needs a subject", p.Name)
		}
		if p.BufferSize < 0 {
			return invalid("validate", "producer %q: buffer_size cannot be negative", p.Name)
		}
	case ProducerUDP:
		if _, _, err := net.SplitHostPort(p.Addr); err != nil {
			return invalid("validate", "producer %q: udp producer needs host:port addr", p.Name)
		}
		if p.BufferSize < 0 {
			return invalid("validate", "producer %q: buffer_size cannot be negative", p.Name)
		}
	default:
		return invalid("validate", "producer %q: unknown type %q", p.Name, p.Type)
	}

	if p.Throttle < 0 || p.Burst < 0 {
		return invalid("validate", "producer %q: throttle and burst cannot be negative", p.Name)
	}
	if p.Gate == "" {
		p.Gate = flow.Closed.String()
	}
	if _, err := flow.ParseMode(p.Gate); err != nil {
		return invalid("validate", "producer %q: gate must be open or closed", p.Name)
	}
	return nil
}

// isValidNATSSubjectPart checks if a string is valid for use in NATS subjects.
// Valid characters are alphanumeric, dots, dashes, and underscores.
func isValidNATSSubjectPart(s string) bool {
	if len(s) == 0 || strings.HasPrefix(s, ".") || strings.HasSuffix(s, ".") {
		return false
	}

	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) &&
			r != '-' && r != '_' && r != '.' {
			return false
		}
	}
	return true
}

// String returns the configuration as JSON with credentials redacted.
func (c *Config) String() string {
	redacted := *c
	if redacted.NATS.Password != "" {
		redacted.NATS.Password = "***"
	}
	if redacted.NATS.Token != "" {
		redacted.NATS.Token = "***"
	}
	// Webhook headers usually carry credentials.
	redacted.Groups = make([]GroupConfig, len(c.Groups))
	for i, g := range c.Groups {
		if len(g.Headers) > 0 {
			headers := make(map[string]string, len(g.Headers))
			for k := range g.Headers {
				headers[k] = "***"
			}
			g.Headers = headers
		}
		redacted.Groups[i] = g
	}
	data, err := json.Marshal(redacted)
	if err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return string(data)
}

// Duration is a time.Duration that reads "1m30s" or "7d" from JSON and YAML.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// String formats d in Go duration syntax.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalJSON writes d as a duration string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts a duration string or integer nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := parseDurationWithDays(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid duration %s", data)
	}
	*d = Duration(n)
	return nil
}

// MarshalYAML writes d as a duration string.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// UnmarshalYAML accepts a duration string or integer nanoseconds.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if n, err := strconv.ParseInt(node.Value, 10, 64); err == nil {
		*d = Duration(n)
		return nil
	}
	parsed, err := parseDurationWithDays(node.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// parseDurationWithDays parses durations that may include days (e.g., "14d")
func parseDurationWithDays(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		n, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}
