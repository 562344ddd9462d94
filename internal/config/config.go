// Package config loads the YAML configuration shared by the rendezvous and
// knock commands.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Pairing modes of the rendezvous service.
const (
	ModeOrdered = "ordered"
	ModeSession = "session"
)

// DefaultPort is the rendezvous service's well-known UDP port.
const DefaultPort = 55007

// DefaultMaxPending bounds the open pairing cycles of a session-mode service.
const DefaultMaxPending = 1024

// Environment variables consulted by ApplyEnv.
const (
	EnvServer   = "KNOCK_SERVER"
	EnvSession  = "KNOCK_SESSION"
	EnvLogLevel = "KNOCK_LOG_LEVEL"
	EnvSTUN     = "STUN_SERVER"
)

// Config is the root of the configuration file.
type Config struct {
	Log        LogConfig        `yaml:"log"`
	Rendezvous RendezvousConfig `yaml:"rendezvous"`
	Agent      AgentConfig      `yaml:"agent"`
}

// LogConfig selects the logrus level and formatter.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// RendezvousConfig holds rendezvous service options.
type RendezvousConfig struct {
	Port           int           `yaml:"port"`
	Mode           string        `yaml:"mode"`
	PendingTimeout time.Duration `yaml:"pending_timeout"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	MaxPending     int           `yaml:"max_pending"` // 0 is unbounded
	AdminAddr      string        `yaml:"admin_addr"`
}

// AgentConfig holds peer agent options.
type AgentConfig struct {
	Server            string        `yaml:"server"`
	Session           string        `yaml:"session"`
	Name              string        `yaml:"name"`
	LocalAddr         string        `yaml:"local_addr"`
	PunchDelayMin     time.Duration `yaml:"punch_delay_min"`
	PunchDelayMax     time.Duration `yaml:"punch_delay_max"`
	AwaitTimeout      time.Duration `yaml:"await_timeout"`
	ReceiveTimeout    time.Duration `yaml:"receive_timeout"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	Count             int           `yaml:"count"`
	STUNServer        string        `yaml:"stun_server"`
}

// Default returns the reference configuration.
func Default() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Rendezvous: RendezvousConfig{
			Port:          DefaultPort,
			Mode:          ModeOrdered,
			SweepInterval: time.Second,
			MaxPending:    DefaultMaxPending,
		},
		Agent: AgentConfig{
			Server:            fmt.Sprintf("127.0.0.1:%d", DefaultPort),
			LocalAddr:         ":0",
			PunchDelayMin:     2 * time.Second,
			PunchDelayMax:     5 * time.Second,
			AwaitTimeout:      60 * time.Second,
			ReceiveTimeout:    5 * time.Second,
			KeepaliveInterval: time.Second,
		},
	}
}

// Load reads path on top of the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, nil
}

// ApplyEnv overrides fields from the environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	if v, ok := lookup(EnvServer); ok && v != "" {
		c.Agent.Server = v
	}
	if v, ok := lookup(EnvSession); ok && v != "" {
		c.Agent.Session = v
	}
	if v, ok := lookup(EnvSTUN); ok && v != "" {
		c.Agent.STUNServer = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Log.Level = v
	}
}

// Validate rejects configurations the components cannot run with.
func (c Config) Validate() error {
	var errs []error

	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}

	r := c.Rendezvous
	if r.Port < 0 || r.Port > 65535 {
		errs = append(errs, fmt.Errorf("rendezvous.port: %d out of range", r.Port))
	}
	switch r.Mode {
	case ModeOrdered, ModeSession:
	default:
		errs = append(errs, fmt.Errorf("rendezvous.mode: unknown mode %q", r.Mode))
	}
	if r.PendingTimeout < 0 {
		errs = append(errs, errors.New("rendezvous.pending_timeout: must not be negative"))
	}
	if r.PendingTimeout > 0 && r.SweepInterval <= 0 {
		errs = append(errs, errors.New("rendezvous.sweep_interval: must be positive when pending_timeout is set"))
	}
	if r.MaxPending < 0 {
		errs = append(errs, errors.New("rendezvous.max_pending: must not be negative"))
	}
	if r.Mode == ModeSession && r.MaxPending == 0 && r.PendingTimeout == 0 {
		errs = append(errs, errors.New("rendezvous: session mode needs max_pending or pending_timeout to bound pending cycles"))
	}

	a := c.Agent
	if a.Server == "" {
		errs = append(errs, errors.New("agent.server: required"))
	}
	if a.PunchDelayMin < 0 || a.PunchDelayMax < a.PunchDelayMin {
		errs = append(errs, fmt.Errorf("agent.punch_delay: invalid range [%v, %v]", a.PunchDelayMin, a.PunchDelayMax))
	}
	if a.AwaitTimeout < 0 {
		errs = append(errs, errors.New("agent.await_timeout: must not be negative"))
	}
	if a.ReceiveTimeout <= 0 {
		errs = append(errs, errors.New("agent.receive_timeout: must be positive"))
	}
	if a.KeepaliveInterval < 0 {
		errs = append(errs, errors.New("agent.keepalive_interval: must not be negative"))
	}
	if a.Count < 0 {
		errs = append(errs, errors.New("agent.count: must not be negative"))
	}

	return errors.Join(errs...)
}
