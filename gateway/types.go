package gateway

import (
	"fmt"
	"time"

	"github.com/c360/streamswitch/errors"
	"github.com/c360/streamswitch/routing"
)

// Verb names. The NATS subject for a verb is <prefix>.<verb>.
const (
	VerbAttach       = "attach"
	VerbAttachPaused = "attach_paused"
	VerbDetach       = "detach"
	VerbKill         = "kill"
	VerbKillWrapper  = "kill_wrapper"
	VerbFlip         = "flip"
	VerbList         = "list"
)

// Verbs lists every verb the Dispatcher serves.
var Verbs = []string{
	VerbAttach, VerbAttachPaused, VerbDetach, VerbKill, VerbKillWrapper, VerbFlip, VerbList,
}

// AttachRequest is the body of attach and attach_paused.
type AttachRequest struct {
	WrapperID routing.WrapperID `json:"wrapper_id"`
	GroupID   routing.GroupID   `json:"group_id"`
}

// AttachReply carries the new attachment.
type AttachReply struct {
	AttachmentID routing.AttachmentID `json:"attachment_id"`
}

// AttachmentRequest is the body of detach and kill.
type AttachmentRequest struct {
	GroupID      routing.GroupID      `json:"group_id"`
	AttachmentID routing.AttachmentID `json:"attachment_id"`
}

// WrapperRequest is the body of kill_wrapper.
type WrapperRequest struct {
	WrapperID routing.WrapperID `json:"wrapper_id"`
}

// FlipRequest is the body of flip. Mode is "open" or "closed".
type FlipRequest struct {
	WrapperID routing.WrapperID `json:"wrapper_id"`
	Mode      string            `json:"mode"`
}

// WrapperReply names the wrapper a detach or flip completed for.
type WrapperReply struct {
	WrapperID routing.WrapperID `json:"wrapper_id"`
}

// EmptyReply is the reply of kill and kill_wrapper.
type EmptyReply struct{}

// ListReply is a snapshot of every wrapper and group.
type ListReply struct {
	Wrappers []routing.WrapperInfo `json:"wrappers"`
	Groups   []routing.GroupInfo   `json:"groups"`
}

// ErrorReply is sent instead of the verb's reply when it fails.
type ErrorReply struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Config holds configuration for the gateway transports.
type Config struct {
	// Enabled turns on the NATS request/reply transport.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// SubjectPrefix is prepended to each verb (default: "streamswitch.ctl").
	SubjectPrefix string `json:"subject_prefix" yaml:"subject_prefix"`

	// QueueGroup load-balances requests across replicas when set.
	QueueGroup string `json:"queue_group,omitempty" yaml:"queue_group,omitempty"`

	// Workers and QueueSize size the request worker pool.
	Workers   int `json:"workers" yaml:"workers"`
	QueueSize int `json:"queue_size" yaml:"queue_size"`

	// TimeoutStr bounds how long a request waits on pending results (default: "5s").
	TimeoutStr string `json:"request_timeout,omitempty" yaml:"request_timeout,omitempty"`

	// HTTP exposes the same verbs over HTTP on the metrics listener.
	HTTP HTTPConfig `json:"http" yaml:"http"`

	timeout time.Duration
}

// HTTPConfig configures the HTTP transport.
type HTTPConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	// PathPrefix is the route prefix (default: "/ctl/").
	PathPrefix string `json:"path_prefix" yaml:"path_prefix"`

	// EnableCORS requires explicit cors_origins.
	EnableCORS  bool     `json:"enable_cors" yaml:"enable_cors"`
	CORSOrigins []string `json:"cors_origins,omitempty" yaml:"cors_origins,omitempty"`

	// MaxRequestSize limits request body size in bytes (default: 64KiB).
	MaxRequestSize int64 `json:"max_request_size,omitempty" yaml:"max_request_size,omitempty"`
}

// DefaultConfig returns default gateway configuration
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		SubjectPrefix: "streamswitch.ctl",
		Workers:       4,
		QueueSize:     64,
		TimeoutStr:    "5s",
		timeout:       5 * time.Second,
		HTTP: HTTPConfig{
			PathPrefix:     "/ctl/",
			MaxRequestSize: 64 * 1024,
		},
	}
}

// Validate fills defaults and checks ranges. It must run before Timeout.
func (c *Config) Validate() error {
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "streamswitch.ctl"
	}
	if c.Workers < 0 || c.QueueSize < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"workers and queue_size cannot be negative")
	}
	if c.Workers == 0 {
		c.Workers = 4
	}
	if c.QueueSize == 0 {
		c.QueueSize = 64
	}

	if c.TimeoutStr == "" {
		c.timeout = 5 * time.Second
	} else {
		parsed, err := time.ParseDuration(c.TimeoutStr)
		if err != nil {
			return errors.WrapInvalid(err, "Config", "Validate",
				fmt.Sprintf("invalid timeout format: %s", c.TimeoutStr))
		}
		c.timeout = parsed
	}
	if c.timeout < 10*time.Millisecond || c.timeout > time.Minute {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"request_timeout must be between 10ms and 1m")
	}

	if c.HTTP.PathPrefix == "" {
		c.HTTP.PathPrefix = "/ctl/"
	}
	if c.HTTP.MaxRequestSize < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"max_request_size cannot be negative")
	}
	if c.HTTP.MaxRequestSize == 0 {
		c.HTTP.MaxRequestSize = 64 * 1024
	}
	if c.HTTP.EnableCORS && len(c.HTTP.CORSOrigins) == 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"enable_cors requires explicit cors_origins configuration")
	}

	return nil
}

// Timeout returns the parsed request timeout
func (c *Config) Timeout() time.Duration {
	if c.timeout == 0 {
		return 5 * time.Second
	}
	return c.timeout
}
