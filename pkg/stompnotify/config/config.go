package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/tsarna/go2cty2go"
	"github.com/tsarna/stompnotify/pkg/stompnotify"
	"github.com/zclconf/go-cty/cty"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ConfigFileExtension is the extension of files loaded from a directory.
const ConfigFileExtension = ".hcl"

type clientDefinition struct {
	URL           string               `hcl:"url,optional"`
	Endpoint      string               `hcl:"endpoint,optional"`
	Login         string               `hcl:"login,optional"`
	Passcode      string               `hcl:"passcode,optional"`
	Host          string               `hcl:"host,optional"`
	Authorization string               `hcl:"authorization,optional"`
	SockJS        bool                 `hcl:"sockjs,optional"`
	Headers       map[string]string    `hcl:"headers,optional"`
	HTTPHeaders   map[string]string    `hcl:"http_headers,optional"`
	DialTimeout   hcl.Expression       `hcl:"dial_timeout,optional"`
	QueueSize     *int                 `hcl:"queue_size,optional"`
	ReadLimit     *int64               `hcl:"read_limit,optional"`
	HeartBeat     *heartBeatDefinition `hcl:"heartbeat,block"`
	Reconnect     *reconnectDefinition `hcl:"reconnect,block"`
	SendRateLimit *rateLimitDefinition `hcl:"send_rate_limit,block"`
	Publish       []publishDefinition  `hcl:"publish,block"`
}

type heartBeatDefinition struct {
	Send     hcl.Expression `hcl:"send,optional"`
	Receive  hcl.Expression `hcl:"receive,optional"`
	DefRange hcl.Range      `hcl:",def_range"`
}

type reconnectDefinition struct {
	Strategy    string         `hcl:"strategy,optional"`
	Delay       hcl.Expression `hcl:"delay,optional"`
	MaxDelay    hcl.Expression `hcl:"max_delay,optional"`
	Factor      *float64       `hcl:"factor,optional"`
	Jitter      *float64       `hcl:"jitter,optional"`
	MaxAttempts *int           `hcl:"max_attempts,optional"`
	DefRange    hcl.Range      `hcl:",def_range"`
}

type rateLimitDefinition struct {
	PerSecond float64   `hcl:"per_second"`
	Burst     int       `hcl:"burst,optional"`
	DefRange  hcl.Range `hcl:",def_range"`
}

type publishDefinition struct {
	Name        string    `hcl:"name,label"`
	Destination string    `hcl:"destination"`
	Schedule    string    `hcl:"schedule,optional"`
	Payload     cty.Value `hcl:"payload"`
	DefRange    hcl.Range `hcl:",def_range"`
}

// HeartBeat holds the heart-beat intervals offered to the server.
type HeartBeat struct {
	Send    time.Duration
	Receive time.Duration
}

// Publication is a message the client publishes, optionally on a cron schedule.
type Publication struct {
	Name        string
	Destination string
	Schedule    string
	Payload     any
}

// Config is a decoded client configuration. Zero values mean "not set".
type Config struct {
	Logger *zap.Logger

	URL            string
	Endpoint       string
	Login          string
	Passcode       string
	Host           string
	Authorization  string
	SockJS         bool
	ConnectHeaders map[string]string
	HTTPHeaders    map[string]string
	DialTimeout    time.Duration
	QueueSize      int
	ReadLimit      int64
	HeartBeat      *HeartBeat

	ReconnectPolicy      stompnotify.ReconnectPolicy
	MaxReconnectAttempts *int

	SendRateLimit rate.Limit
	SendBurst     int

	Publications []Publication

	evalCtx *hcl.EvalContext
}

type ConfigBuilder struct {
	logger  *zap.Logger
	sources []any
	env     *cty.Value
}

func NewConfig() *ConfigBuilder {
	return &ConfigBuilder{
		logger: zap.NewNop(),
	}
}

func (cb *ConfigBuilder) WithLogger(logger *zap.Logger) *ConfigBuilder {
	if logger != nil {
		cb.logger = logger
	}
	return cb
}

// WithSources adds configuration sources: file or directory paths (string)
// or literal HCL ([]byte).
func (cb *ConfigBuilder) WithSources(sources ...any) *ConfigBuilder {
	cb.sources = append(cb.sources, sources...)
	return cb
}

// WithEnv replaces the env object seen by expressions. It defaults to the
// process environment.
func (cb *ConfigBuilder) WithEnv(env map[string]string) *ConfigBuilder {
	environ := make([]string, 0, len(env))
	for key, value := range env {
		environ = append(environ, key+"="+value)
	}
	obj := envObject(environ)
	cb.env = &obj
	return cb
}

func (cb *ConfigBuilder) Build() (*Config, hcl.Diagnostics) {
	bodies, diags := ParseConfigFiles(cb.sources...)
	if diags.HasErrors() {
		return nil, diags
	}

	env := EnvObject()
	if cb.env != nil {
		env = *cb.env
	}

	config := &Config{
		Logger: cb.logger,
		evalCtx: &hcl.EvalContext{
			Functions: Functions(),
			Variables: map[string]cty.Value{"env": env},
		},
	}

	var def clientDefinition
	diags = diags.Extend(gohcl.DecodeBody(hcl.MergeBodies(bodies), config.evalCtx, &def))
	if diags.HasErrors() {
		return nil, diags
	}

	diags = diags.Extend(config.apply(&def))
	if diags.HasErrors() {
		return nil, diags
	}

	config.Logger.Debug("Config built successfully",
		zap.String("url", config.URL),
		zap.Int("publications", len(config.Publications)),
	)

	return config, diags
}

func (c *Config) apply(def *clientDefinition) hcl.Diagnostics {
	var diags hcl.Diagnostics

	c.URL = def.URL
	c.Endpoint = def.Endpoint
	c.Login = def.Login
	c.Passcode = def.Passcode
	c.Host = def.Host
	c.Authorization = def.Authorization
	c.SockJS = def.SockJS
	c.ConnectHeaders = def.Headers
	c.HTTPHeaders = def.HTTPHeaders

	if IsExpressionProvided(def.DialTimeout) {
		timeout, addDiags := c.ParseDuration(def.DialTimeout)
		diags = diags.Extend(addDiags)
		c.DialTimeout = timeout
	}

	if def.QueueSize != nil {
		if *def.QueueSize <= 0 {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid queue_size",
				Detail:   "queue_size must be positive",
			})
		}
		c.QueueSize = *def.QueueSize
	}

	if def.ReadLimit != nil {
		c.ReadLimit = *def.ReadLimit
	}

	if def.HeartBeat != nil {
		hb := &HeartBeat{}
		if IsExpressionProvided(def.HeartBeat.Send) {
			d, addDiags := c.ParseDuration(def.HeartBeat.Send)
			diags = diags.Extend(addDiags)
			hb.Send = d
		}
		if IsExpressionProvided(def.HeartBeat.Receive) {
			d, addDiags := c.ParseDuration(def.HeartBeat.Receive)
			diags = diags.Extend(addDiags)
			hb.Receive = d
		}
		c.HeartBeat = hb
	}

	if def.Reconnect != nil {
		diags = diags.Extend(c.applyReconnect(def.Reconnect))
	}

	if def.SendRateLimit != nil {
		if def.SendRateLimit.PerSecond <= 0 {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid send_rate_limit",
				Detail:   "per_second must be positive",
				Subject:  &def.SendRateLimit.DefRange,
			})
		}
		c.SendRateLimit = rate.Limit(def.SendRateLimit.PerSecond)
		c.SendBurst = def.SendRateLimit.Burst
		if c.SendBurst <= 0 {
			c.SendBurst = 1
		}
	}

	seen := make(map[string]bool)
	for _, pub := range def.Publish {
		if seen[pub.Name] {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Duplicate publish block",
				Detail:   fmt.Sprintf("publish %q is already defined", pub.Name),
				Subject:  &pub.DefRange,
			})
			continue
		}
		seen[pub.Name] = true

		if pub.Schedule != "" {
			if _, err := ParseSchedule(pub.Schedule); err != nil {
				diags = diags.Append(&hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Invalid schedule",
					Detail:   fmt.Sprintf("schedule of publish %q: %s", pub.Name, err),
					Subject:  &pub.DefRange,
				})
				continue
			}
		}

		payload, err := go2cty2go.CtyToAny(pub.Payload)
		if err != nil {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid payload",
				Detail:   fmt.Sprintf("payload of publish %q cannot be converted: %s", pub.Name, err),
				Subject:  &pub.DefRange,
			})
			continue
		}

		c.Publications = append(c.Publications, Publication{
			Name:        pub.Name,
			Destination: pub.Destination,
			Schedule:    pub.Schedule,
			Payload:     payload,
		})
	}

	return diags
}

func (c *Config) applyReconnect(def *reconnectDefinition) hcl.Diagnostics {
	var diags hcl.Diagnostics

	if def.MaxAttempts != nil {
		if *def.MaxAttempts < 0 {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid max_attempts",
				Detail:   "max_attempts must not be negative",
				Subject:  &def.DefRange,
			})
		}
		c.MaxReconnectAttempts = def.MaxAttempts
	}

	var delay, maxDelay time.Duration
	if IsExpressionProvided(def.Delay) {
		d, addDiags := c.ParseDuration(def.Delay)
		diags = diags.Extend(addDiags)
		delay = d
	}
	if IsExpressionProvided(def.MaxDelay) {
		d, addDiags := c.ParseDuration(def.MaxDelay)
		diags = diags.Extend(addDiags)
		maxDelay = d
	}

	switch strings.ToLower(def.Strategy) {
	case "fixed":
		if delay <= 0 {
			delay = stompnotify.DefaultReconnectDelay
		}
		c.ReconnectPolicy = stompnotify.FixedDelay(delay)
	case "", "exponential":
		policy := stompnotify.DefaultReconnectPolicy()
		if delay > 0 {
			policy.Initial = delay
		}
		if maxDelay > 0 {
			policy.Max = maxDelay
		}
		if def.Factor != nil {
			policy.Factor = *def.Factor
		}
		if def.Jitter != nil {
			policy.Jitter = *def.Jitter
		}
		c.ReconnectPolicy = policy
	default:
		diags = diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid reconnect strategy",
			Detail:   fmt.Sprintf("Unknown strategy %q, expected \"fixed\" or \"exponential\"", def.Strategy),
			Subject:  &def.DefRange,
		})
	}

	return diags
}

// ParseConfigFiles parses each source into an HCL body. A string source is
// a file, or a directory whose .hcl files are all loaded; a []byte source is
// literal HCL.
func ParseConfigFiles(sources ...any) ([]hcl.Body, hcl.Diagnostics) {
	parser := hclparse.NewParser()
	var diags hcl.Diagnostics
	bodies := make([]hcl.Body, 0, len(sources))

	for _, source := range sources {
		switch v := source.(type) {
		case string:
			info, err := os.Stat(v)
			if err != nil {
				diags = diags.Append(&hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Failed to stat file",
					Detail:   fmt.Sprintf("Error statting %s: %s", v, err),
				})
				continue
			}

			paths := []string{v}
			if info.IsDir() {
				paths, err = filepath.Glob(filepath.Join(v, "*"+ConfigFileExtension))
				if err != nil {
					diags = diags.Append(&hcl.Diagnostic{
						Severity: hcl.DiagError,
						Summary:  "Failed to list directory",
						Detail:   fmt.Sprintf("Error listing %s: %s", v, err),
					})
					continue
				}
			}

			for _, path := range paths {
				file, parseDiags := parser.ParseHCLFile(path)
				diags = diags.Extend(parseDiags)
				if file != nil {
					bodies = append(bodies, file.Body)
				}
			}
		case []byte:
			file, parseDiags := parser.ParseHCL(v, fmt.Sprintf("<bytes@%p>", v))
			diags = diags.Extend(parseDiags)
			if file != nil {
				bodies = append(bodies, file.Body)
			}
		default:
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid source type",
				Detail:   fmt.Sprintf("Invalid source type: %T", v),
			})
		}
	}

	return bodies, diags
}
