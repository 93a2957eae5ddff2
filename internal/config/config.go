// Package config loads the runtime's global and per-job configuration
// using viper, the way the teacher loads its capture-agent configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"firestige.xyz/streamrt/internal/log"
)

// GlobalConfig is the top-level static configuration; its sections are
// the top-level YAML keys `node`, `control`, `kafka`, `metrics` and `log`.
type GlobalConfig struct {
	Node    NodeConfig    `mapstructure:"node"`
	Control ControlConfig `mapstructure:"control"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Log     log.Config    `mapstructure:"log"`
}

// NodeConfig identifies this process within its job's peer group.
type NodeConfig struct {
	ID   string `mapstructure:"id"`
	Role string `mapstructure:"role"`
}

// ControlConfig is the local control-plane UDS socket.
type ControlConfig struct {
	Socket  string `mapstructure:"socket"`
	PIDFile string `mapstructure:"pid_file"`
}

// KafkaConfig is the shared broker set the protocol/kafkabus transport and
// any kafka-backed source/sink operators dial.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	GroupID string   `mapstructure:"group_id"`
}

// MetricsConfig is the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// JobConfig describes one task's assembly: which operator drives it, which
// peers participate in its recovery protocol, and its backoff/retention
// knobs (§4.4, §4.5, §9).
type JobConfig struct {
	ID       string            `mapstructure:"id" json:"id" yaml:"id"`
	VertexID uint16            `mapstructure:"vertex_id" json:"vertex_id" yaml:"vertex_id"`
	Peers    []string          `mapstructure:"peers" json:"peers" yaml:"peers"`
	Operator OperatorConfig    `mapstructure:"operator" json:"operator" yaml:"operator"`
	Inputs   []InputConfig     `mapstructure:"inputs" json:"inputs" yaml:"inputs"`
	Backoff  BackoffConfig     `mapstructure:"backoff" json:"backoff" yaml:"backoff"`
	Tags     map[string]string `mapstructure:"tags" json:"tags" yaml:"tags"`
}

// OperatorConfig selects and parameterizes a pkg/operator factory.
type OperatorConfig struct {
	Name   string                 `mapstructure:"name" json:"name" yaml:"name"`
	Params map[string]interface{} `mapstructure:"params" json:"params" yaml:"params"`
}

// InputConfig describes one upstream subpartition this job reads from.
type InputConfig struct {
	PartitionID       string `mapstructure:"partition_id" json:"partition_id" yaml:"partition_id"`
	SubpartitionIndex uint32 `mapstructure:"subpartition_index" json:"subpartition_index" yaml:"subpartition_index"`
	Local             bool   `mapstructure:"local" json:"local" yaml:"local"`
}

// BackoffConfig mirrors inputchannel.BackoffConfig in a mapstructure-
// friendly, human-readable duration form.
type BackoffConfig struct {
	Initial time.Duration `mapstructure:"initial" json:"initial" yaml:"initial"`
	Max     time.Duration `mapstructure:"max" json:"max" yaml:"max"`
}

// Validate checks a JobConfig is complete enough to assemble, the way the
// teacher's TaskConfig.Validate gates TaskManager.Create before any
// factories are resolved.
func (c JobConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("config: job id is required")
	}
	if c.Operator.Name == "" {
		return fmt.Errorf("config: job %q: operator name is required", c.ID)
	}
	return nil
}

// Load reads a YAML file at path into a GlobalConfig via viper, applying
// defaults for any field the file omits.
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("control.socket", "/run/streamrt/control.sock")
	v.SetDefault("metrics.listen", ":9090")
	v.SetDefault("log.level", "info")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var cfg GlobalConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal %s: %w", path, err)
	}
	return &cfg, nil
}

// LoadJobs reads the `jobs:` array from the file at path (the daemon passes
// a jobs file separate from its global config), each entry describing one
// task to assemble at startup.
func LoadJobs(path string) ([]JobConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var jobs []JobConfig
	if err := v.UnmarshalKey("jobs", &jobs); err != nil {
		return nil, fmt.Errorf("config: unmarshal jobs in %s: %w", path, err)
	}
	for _, j := range jobs {
		if err := j.Validate(); err != nil {
			return nil, err
		}
	}
	return jobs, nil
}

// LoadJob reads a single job config file (one JobConfig document, rather
// than nested under a `jobs:` array), used by the CLI's `task create -f`
// to submit an ad-hoc job. It tries JSON first and falls back to YAML,
// mirroring the teacher's TaskConfig loader.
func LoadJob(path string) (JobConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return JobConfig{}, fmt.Errorf("config: reading %s: %w", path, err)
	}

	jc, err := DecodeJobBytes(data)
	if err != nil {
		return JobConfig{}, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	if err := jc.Validate(); err != nil {
		return JobConfig{}, err
	}
	return jc, nil
}

// DecodeJobBytes parses a single JobConfig document, trying JSON first
// and falling back to YAML if that fails.
func DecodeJobBytes(data []byte) (JobConfig, error) {
	var jc JobConfig
	if err := json.Unmarshal(data, &jc); err == nil {
		return jc, nil
	}
	if err := yaml.Unmarshal(data, &jc); err != nil {
		return JobConfig{}, fmt.Errorf("not valid JSON or YAML: %w", err)
	}
	return jc, nil
}
