// Package config loads cui configuration from YAML or TOML files.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/me/clusterui/pkg/model"
	"gopkg.in/yaml.v3"
)

// EnvConfig names the environment variable that points at a config file.
const EnvConfig = "CUI_CONFIG"

// Config holds configuration for cui.
type Config struct {
	StateDir         string                           `yaml:"state_dir" toml:"state_dir"` // SQLite location (default ~/.clusterui)
	LogLevel         string                           `yaml:"log_level" toml:"log_level"`
	LogFormat        string                           `yaml:"log_format" toml:"log_format"`
	DefaultProfile   string                           `yaml:"default_profile" toml:"default_profile"`
	DefaultTransport string                           `yaml:"default_transport" toml:"default_transport"`
	Scheduler        SchedulerConfig                  `yaml:"scheduler" toml:"scheduler"`
	Lifecycle        LifecycleConfig                  `yaml:"lifecycle" toml:"lifecycle"`
	Profiles         map[string]model.ResourceProfile `yaml:"profiles" toml:"profiles"`
	Daemon           DaemonConfig                     `yaml:"daemon" toml:"daemon"`
}

// SchedulerConfig describes how to reach the HTCondor pool.
type SchedulerConfig struct {
	Pool              string             `yaml:"pool" toml:"pool"` // -pool collector, empty for the local pool
	Name              string             `yaml:"name" toml:"name"` // -name schedd, empty for the local schedd
	SubmitBin         string             `yaml:"submit_bin" toml:"submit_bin"`
	QueueBin          string             `yaml:"queue_bin" toml:"queue_bin"`
	RemoveBin         string             `yaml:"remove_bin" toml:"remove_bin"`
	SSHToJobBin       string             `yaml:"ssh_to_job_bin" toml:"ssh_to_job_bin"`
	SSHBin            string             `yaml:"ssh_bin" toml:"ssh_bin"`
	VNCViewerBin      string             `yaml:"vncviewer_bin" toml:"vncviewer_bin"`
	EndpointAttribute string             `yaml:"endpoint_attribute" toml:"endpoint_attribute"`
	ExtraSubmit       []string           `yaml:"extra_submit" toml:"extra_submit"`
	Payloads          map[string]Payload `yaml:"payloads" toml:"payloads"` // keyed by transport kind
	CommandTimeout    time.Duration      `yaml:"command_timeout" toml:"command_timeout"`
}

// Payload is the job the scheduler runs to hold the slot for a transport.
type Payload struct {
	Executable string `yaml:"executable" toml:"executable"`
	Arguments  string `yaml:"arguments" toml:"arguments"`
}

// LifecycleConfig tunes polling and retry budgets.
type LifecycleConfig struct {
	PollInterval      time.Duration `yaml:"poll_interval" toml:"poll_interval"`
	QueryRetries      int           `yaml:"query_retries" toml:"query_retries"`
	PreemptRetries    int           `yaml:"preempt_retries" toml:"preempt_retries"`
	ChannelRetries    int           `yaml:"channel_retries" toml:"channel_retries"`
	ReconnectAttempts int           `yaml:"reconnect_attempts" toml:"reconnect_attempts"`
	RemovalWarnAfter  time.Duration `yaml:"removal_warn_after" toml:"removal_warn_after"`
	RemovalGrace      time.Duration `yaml:"removal_grace" toml:"removal_grace"`
}

// DaemonConfig holds settings for `cui daemon`.
type DaemonConfig struct {
	Addr string `yaml:"addr" toml:"addr"`
}

// Default returns sensible defaults.
func Default() Config {
	return Config{
		LogLevel:         "info",
		LogFormat:        "text",
		DefaultProfile:   "default",
		DefaultTransport: string(model.TransportTerminal),
		Scheduler: SchedulerConfig{
			SubmitBin:         "condor_submit",
			QueueBin:          "condor_q",
			RemoveBin:         "condor_rm",
			SSHToJobBin:       "condor_ssh_to_job",
			SSHBin:            "ssh",
			VNCViewerBin:      "vncviewer",
			EndpointAttribute: "InteractiveEndpoint",
			CommandTimeout:    60 * time.Second,
			Payloads: map[string]Payload{
				string(model.TransportTerminal): {Executable: "/bin/sleep", Arguments: "infinity"},
			},
		},
		Lifecycle: LifecycleConfig{
			PollInterval:      5 * time.Second,
			QueryRetries:      5,
			PreemptRetries:    2,
			ChannelRetries:    3,
			ReconnectAttempts: 3,
			RemovalWarnAfter:  10 * time.Minute,
			RemovalGrace:      15 * time.Second,
		},
		Profiles: map[string]model.ResourceProfile{
			"default": {CPUs: 1, MemoryMB: 2048},
		},
		Daemon: DaemonConfig{Addr: "127.0.0.1:7070"},
	}
}

// Load reads path (or the first file found on the search path when path is
// empty) on top of Default. A missing file on the search path is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = os.Getenv(EnvConfig)
		explicit = path != ""
	}
	if !explicit {
		found, err := searchPath()
		if err != nil {
			return cfg, err
		}
		if found == "" {
			return cfg, nil
		}
		path = found
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := decode(path, data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		_, err := toml.Decode(string(data), cfg)
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func searchPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	dir := filepath.Join(home, ".config", "clusterui")
	for _, name := range []string{"config.yaml", "config.yml", "config.toml"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", nil
}

// Validate checks values that would otherwise fail late, mid-session.
func (c Config) Validate() error {
	if c.Lifecycle.PollInterval <= 0 {
		return fmt.Errorf("lifecycle.poll_interval must be positive")
	}
	if c.Lifecycle.QueryRetries <= 0 {
		return fmt.Errorf("lifecycle.query_retries must be positive")
	}
	if c.Lifecycle.PreemptRetries < 0 || c.Lifecycle.ChannelRetries < 0 || c.Lifecycle.ReconnectAttempts < 0 {
		return fmt.Errorf("lifecycle retry counts must be non-negative")
	}
	if _, ok := model.ParseTransportKind(c.DefaultTransport); !ok {
		return fmt.Errorf("default_transport %q is not a known transport", c.DefaultTransport)
	}
	for name := range c.Scheduler.Payloads {
		if _, ok := model.ParseTransportKind(name); !ok {
			return fmt.Errorf("scheduler.payloads: unknown transport %q", name)
		}
	}
	for name, p := range c.Profiles {
		p.Name = name
		if err := p.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Profile resolves a named resource profile; empty selects DefaultProfile.
func (c Config) Profile(name string) (model.ResourceProfile, error) {
	if name == "" {
		name = c.DefaultProfile
	}
	p, ok := c.Profiles[name]
	if !ok {
		return model.ResourceProfile{}, fmt.Errorf("unknown resource profile %q (have: %s)", name, strings.Join(c.ProfileNames(), ", "))
	}
	p.Name = name
	return p, nil
}

// ProfileNames returns the configured profile names, sorted.
func (c Config) ProfileNames() []string {
	names := make([]string, 0, len(c.Profiles))
	for name := range c.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResolveStateDir returns StateDir, defaulting to ~/.clusterui, and creates it.
func (c Config) ResolveStateDir() (string, error) {
	dir := c.StateDir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".clusterui")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create %s: %w", dir, err)
	}
	return dir, nil
}
