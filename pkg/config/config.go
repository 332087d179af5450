package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/cloudvibe/agentd/pkg/engine"
	"github.com/cloudvibe/agentd/pkg/provisioning"
	"github.com/cloudvibe/agentd/pkg/telemetry"
)

// Config is the agentd server configuration.
type Config struct {
	Server    ServerConfig      `yaml:"server"`
	Backend   BackendConfig     `yaml:"backend"`
	Workflow  WorkflowConfig    `yaml:"workflow"`
	Agent     AgentConfig       `yaml:"agent"`
	Telemetry *telemetry.Config `yaml:"telemetry" validate:"required"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port" validate:"min=1,max=65535"`

	// APIPrefix is prepended to every deployment route.
	APIPrefix string `yaml:"apiPrefix" validate:"required,startswith=/"`

	// PublicURL is the externally reachable base URL of this server.
	PublicURL string `yaml:"publicUrl" validate:"omitempty,url"`

	// BackendURL overrides the callback base handed to provisioned agents.
	BackendURL string `yaml:"backendUrl" validate:"omitempty,url"`

	ReadTimeout     time.Duration `yaml:"readTimeout" validate:"gte=0"`
	WriteTimeout    time.Duration `yaml:"writeTimeout" validate:"gte=0"`
	IdleTimeout     time.Duration `yaml:"idleTimeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" validate:"gte=0"`

	// ObserverWriteTimeout bounds a single websocket push.
	ObserverWriteTimeout time.Duration `yaml:"observerWriteTimeout" validate:"gte=0"`
}

// BackendConfig configures the provisioning backend.
type BackendConfig struct {
	Mode provisioning.Mode `yaml:"mode" validate:"oneof=auto real simulated"`

	// ProjectID fills deployment requests that carry no project.
	ProjectID string `yaml:"projectId"`

	MachineType     string `yaml:"machineType" validate:"required"`
	SourceImage     string `yaml:"sourceImage" validate:"required"`
	DiskSizeGB      int64  `yaml:"diskSizeGb" validate:"min=10"`
	CredentialsFile string `yaml:"credentialsFile"`
	Endpoint        string `yaml:"endpoint"`

	// ReadyDelay is waited before the first instance status check.
	ReadyDelay time.Duration `yaml:"readyDelay" validate:"gte=0"`
}

// WorkflowConfig paces the deployment steps.
type WorkflowConfig struct {
	ValidateDelay time.Duration `yaml:"validateDelay" validate:"gte=0"`
	InstallDelay  time.Duration `yaml:"installDelay" validate:"gte=0"`
	StartDelay    time.Duration `yaml:"startDelay" validate:"gte=0"`

	PollInterval    time.Duration `yaml:"pollInterval" validate:"gt=0"`
	PollMaxInterval time.Duration `yaml:"pollMaxInterval" validate:"gtefield=PollInterval"`
	PollAttempts    uint          `yaml:"pollAttempts" validate:"min=1"`
	PollTimeout     time.Duration `yaml:"pollTimeout" validate:"gte=0"`
}

// AgentConfig locates the agent program embedded in startup scripts.
type AgentConfig struct {
	// Source is a file path, http(s) URL or s3://bucket/key. Empty uses the built-in stub.
	Source string `yaml:"source"`

	// Watch reloads a file source when it changes.
	Watch bool `yaml:"watch"`

	FetchTimeout time.Duration `yaml:"fetchTimeout" validate:"gte=0"`
}

// Default returns a configuration that runs the demo workflow against
// whichever backend is available.
func Default() *Config {
	shape := provisioning.DefaultInstanceShape()
	poll := provisioning.DefaultPollConfig()
	timings := engine.DefaultTimings()

	return &Config{
		Server: ServerConfig{
			Host:                 "0.0.0.0",
			Port:                 8080,
			APIPrefix:            "/api/v1/monitoring",
			ReadTimeout:          15 * time.Second,
			WriteTimeout:         15 * time.Second,
			IdleTimeout:          60 * time.Second,
			ShutdownTimeout:      30 * time.Second,
			ObserverWriteTimeout: 10 * time.Second,
		},
		Backend: BackendConfig{
			Mode:        provisioning.ModeAuto,
			MachineType: shape.MachineType,
			SourceImage: shape.SourceImage,
			DiskSizeGB:  shape.DiskSizeGB,
			ReadyDelay:  3 * time.Second,
		},
		Workflow: WorkflowConfig{
			ValidateDelay:   timings.Validate,
			InstallDelay:    timings.Install,
			StartDelay:      timings.Start,
			PollInterval:    poll.InitialInterval,
			PollMaxInterval: poll.MaxInterval,
			PollAttempts:    poll.MaxAttempts,
			PollTimeout:     poll.Timeout,
		},
		Agent: AgentConfig{
			FetchTimeout: 30 * time.Second,
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Load reads the optional YAML file at path over the defaults, applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with an explicit environment lookup.
func LoadWithEnv(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()

	if path != "" {
		// #nosec G304
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal yaml: %w", err)
		}
	}

	if err := cfg.ApplyEnv(lookup); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	str("HOST", &c.Server.Host)
	str("PUBLIC_URL", &c.Server.PublicURL)
	str("BACKEND_URL", &c.Server.BackendURL)
	str("GOOGLE_CLOUD_PROJECT", &c.Backend.ProjectID)
	str("AGENT_SOURCE", &c.Agent.Source)

	if v, ok := lookup("PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}

	if v, ok := lookup("AGENTD_BACKEND_MODE"); ok && v != "" {
		c.Backend.Mode = provisioning.Mode(strings.ToLower(v))
	}

	if c.Telemetry == nil {
		c.Telemetry = telemetry.DefaultConfig()
	}
	str("LOG_LEVEL", &c.Telemetry.Logging.Level)
	str("LOG_FORMAT", &c.Telemetry.Logging.Format)
	return nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	return c.Telemetry.Validate()
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// CallbackURL returns the base URL provisioned agents report to.
func (c *Config) CallbackURL() string {
	if c.Server.BackendURL != "" {
		return strings.TrimRight(c.Server.BackendURL, "/")
	}
	base := c.Server.PublicURL
	if base == "" {
		host := c.Server.Host
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "localhost"
		}
		base = "http://" + net.JoinHostPort(host, strconv.Itoa(c.Server.Port))
	}
	return strings.TrimRight(base, "/") + c.Server.APIPrefix
}

// Timings returns the orchestrator step pacing.
func (c *Config) Timings() engine.Timings {
	return engine.Timings{
		Validate: c.Workflow.ValidateDelay,
		Install:  c.Workflow.InstallDelay,
		Start:    c.Workflow.StartDelay,
	}
}

// ProvisioningOptions returns the options for provisioning.Open.
func (c *Config) ProvisioningOptions() provisioning.Options {
	shape := provisioning.DefaultInstanceShape()
	shape.MachineType = c.Backend.MachineType
	shape.SourceImage = c.Backend.SourceImage
	shape.DiskSizeGB = c.Backend.DiskSizeGB

	return provisioning.Options{
		Mode: c.Backend.Mode,
		GCE: provisioning.GCEConfig{
			CredentialsFile: c.Backend.CredentialsFile,
			Endpoint:        c.Backend.Endpoint,
			Shape:           shape,
		},
		ReadyDelay: c.Backend.ReadyDelay,
		Poll: provisioning.PollConfig{
			InitialInterval: c.Workflow.PollInterval,
			MaxInterval:     c.Workflow.PollMaxInterval,
			MaxAttempts:     c.Workflow.PollAttempts,
			Timeout:         c.Workflow.PollTimeout,
		},
	}
}
