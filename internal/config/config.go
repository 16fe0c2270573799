// Package config loads the localsync configuration file: engine tunables and
// the set of built-in topics to run.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cybertec-postgresql/localsync/internal/entities"
	"github.com/cybertec-postgresql/localsync/internal/provider"
	"github.com/cybertec-postgresql/localsync/internal/sync"
)

// Duration decodes Go duration strings such as "250ms"
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(v)
	return nil
}

// Engine overrides sync.Config; zero fields keep the defaults
type Engine struct {
	BatchWindow          Duration   `yaml:"batch_window"`
	RetryDelays          []Duration `yaml:"retry_delays"`
	MaxAttempts          int        `yaml:"max_attempts"`
	MaxQueueBytes        int        `yaml:"max_queue_bytes"`
	MaxBatchOps          int        `yaml:"max_batch_ops"`
	MaxBatchBytes        int        `yaml:"max_batch_bytes"`
	PullInterval         Duration   `yaml:"pull_interval"`
	PullPageSize         int        `yaml:"pull_page_size"`
	SubscriptionDebounce Duration   `yaml:"subscription_debounce"`
	PurgeInterval        Duration   `yaml:"purge_interval"`
	BackgroundFactor     int        `yaml:"background_factor"`
	FlushTimeout         Duration   `yaml:"flush_timeout"`
}

// Topic selects a built-in table and optionally overrides its policy and scope
type Topic struct {
	Table  string `yaml:"table"`
	Policy string `yaml:"policy,omitempty"`
	Scope  string `yaml:"scope,omitempty"`
}

// File is the root of the configuration file
type File struct {
	Engine Engine  `yaml:"engine"`
	Topics []Topic `yaml:"topics"`
}

// Load reads and validates a configuration file. An empty path returns the defaults.
func Load(path string) (*File, error) {
	if path == "" {
		return &File{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a configuration document, rejecting unknown fields
func Parse(data []byte) (*File, error) {
	var f File
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := f.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &f, nil
}

func (f *File) validate() error {
	var errs []error
	seen := make(map[string]bool)
	for i, t := range f.Topics {
		if t.Table == "" {
			errs = append(errs, fmt.Errorf("topic %d: table is required", i))
			continue
		}
		if seen[t.Table] {
			errs = append(errs, fmt.Errorf("topic %s listed twice", t.Table))
		}
		seen[t.Table] = true
		if t.Policy != "" {
			if _, err := sync.ParsePolicy(t.Policy); err != nil {
				errs = append(errs, fmt.Errorf("topic %s: %w", t.Table, err))
			}
		}
	}
	if err := f.EngineConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// EngineConfig returns the engine config with the file's overrides applied
func (f *File) EngineConfig() sync.Config {
	e := f.Engine
	cfg := sync.DefaultConfig()
	setDuration(&cfg.BatchWindow, e.BatchWindow)
	setDuration(&cfg.PullInterval, e.PullInterval)
	setDuration(&cfg.SubscriptionDebounce, e.SubscriptionDebounce)
	setDuration(&cfg.PurgeInterval, e.PurgeInterval)
	setDuration(&cfg.FlushTimeout, e.FlushTimeout)
	if len(e.RetryDelays) > 0 {
		cfg.RetryDelays = make([]time.Duration, len(e.RetryDelays))
		for i, d := range e.RetryDelays {
			cfg.RetryDelays[i] = time.Duration(d)
		}
	}
	setInt(&cfg.MaxAttempts, e.MaxAttempts)
	setInt(&cfg.MaxQueueBytes, e.MaxQueueBytes)
	setInt(&cfg.MaxBatchOps, e.MaxBatchOps)
	setInt(&cfg.MaxBatchBytes, e.MaxBatchBytes)
	setInt(&cfg.PullPageSize, e.PullPageSize)
	setInt(&cfg.BackgroundFactor, e.BackgroundFactor)
	return cfg
}

func setDuration(dst *time.Duration, v Duration) {
	if v > 0 {
		*dst = time.Duration(v)
	}
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

// Adapters resolves the configured topics. Without a topics section every
// built-in topic runs with its own policy.
func (f *File) Adapters() ([]sync.Adapter, error) {
	if len(f.Topics) == 0 {
		return entities.All(), nil
	}
	adapters := make([]sync.Adapter, 0, len(f.Topics))
	for _, t := range f.Topics {
		a, err := entities.ByTable(t.Table)
		if err != nil {
			return nil, err
		}
		var policy sync.Policy
		if t.Policy != "" {
			if policy, err = sync.ParsePolicy(t.Policy); err != nil {
				return nil, err
			}
		}
		var scope *provider.Scope
		if t.Scope != "" {
			scope = &provider.Scope{KeyPrefix: t.Scope}
		}
		if policy != "" || scope != nil {
			if a, err = sync.Override(a, policy, scope); err != nil {
				return nil, err
			}
		}
		adapters = append(adapters, a)
	}
	return adapters, nil
}
