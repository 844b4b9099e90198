// Package config loads the foreman's pipeline configuration from a YAML file
// with environment-variable overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/refinebio/refinery/internal/domain/jobs"
	"github.com/refinebio/refinery/internal/domain/pipeline"
)

// JobTypeConfig carries the per-job-type knobs: retry ceiling, backoff
// growth, hung-detection timeout, concurrency ceiling, and the container
// image the substrate runs.
type JobTypeConfig struct {
	MaxRetries     int           `mapstructure:"max_retries" yaml:"max_retries"`
	BackoffBase    time.Duration `mapstructure:"backoff_base" yaml:"backoff_base"`
	BackoffCap     time.Duration `mapstructure:"backoff_cap" yaml:"backoff_cap"`
	HungTimeout    time.Duration `mapstructure:"hung_timeout" yaml:"hung_timeout"`
	MaxConcurrency int           `mapstructure:"max_concurrency" yaml:"max_concurrency"`
	Image          string        `mapstructure:"image" yaml:"image"`
}

// ProcessorRule is one row of the processor-selection table.
type ProcessorRule struct {
	Source   string `mapstructure:"source" yaml:"source"`
	Division string `mapstructure:"division" yaml:"division"`
	Pipeline string `mapstructure:"pipeline" yaml:"pipeline"`
}

// Config is the foreman's top-level configuration.
type Config struct {
	// Survey, Downloader, Processor hold the per-type knobs.
	Survey     JobTypeConfig `mapstructure:"survey" yaml:"survey"`
	Downloader JobTypeConfig `mapstructure:"downloader" yaml:"downloader"`
	Processor  JobTypeConfig `mapstructure:"processor" yaml:"processor"`

	// RetryInterval controls how often the retry scheduler scans.
	RetryInterval time.Duration `mapstructure:"retry_interval" yaml:"retry_interval"`
	// PollInterval controls how often running executions are polled.
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	// PollTimeout bounds a single substrate poll call; a timeout is treated
	// as a LOST execution, not a fatal error.
	PollTimeout time.Duration `mapstructure:"poll_timeout" yaml:"poll_timeout"`
	// PollWorkers bounds the poll worker pool.
	PollWorkers int `mapstructure:"poll_workers" yaml:"poll_workers"`
	// DispatchBatchSize bounds how many queued jobs one dispatch pass claims.
	DispatchBatchSize int `mapstructure:"dispatch_batch_size" yaml:"dispatch_batch_size"`

	// SubmitRPS and SubmitBurst rate limit substrate submissions.
	SubmitRPS   float64 `mapstructure:"submit_rps" yaml:"submit_rps"`
	SubmitBurst int     `mapstructure:"submit_burst" yaml:"submit_burst"`

	// ProcessorRules is the processor-selection table.
	ProcessorRules []ProcessorRule `mapstructure:"processor_rules" yaml:"processor_rules"`
}

// Load reads configuration from the given file path (optional) and the
// REFINERY_* environment, applying defaults for anything unset.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("REFINERY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	for _, jt := range []string{"survey", "downloader", "processor"} {
		v.SetDefault(jt+".max_retries", 3)
		v.SetDefault(jt+".backoff_base", "1m")
		v.SetDefault(jt+".backoff_cap", "30m")
		v.SetDefault(jt+".max_concurrency", 20)
	}
	// Downloads against external archives hang more often than surveys.
	v.SetDefault("survey.hung_timeout", "30m")
	v.SetDefault("downloader.hung_timeout", "2h")
	v.SetDefault("processor.hung_timeout", "4h")

	v.SetDefault("retry_interval", "30s")
	v.SetDefault("poll_interval", "15s")
	v.SetDefault("poll_timeout", "10s")
	v.SetDefault("poll_workers", 10)
	v.SetDefault("dispatch_batch_size", 50)
	v.SetDefault("submit_rps", 5.0)
	v.SetDefault("submit_burst", 10)
}

// Validate rejects configurations the scheduler cannot run with.
func (c *Config) Validate() error {
	for _, tc := range []struct {
		name string
		cfg  JobTypeConfig
	}{
		{"survey", c.Survey},
		{"downloader", c.Downloader},
		{"processor", c.Processor},
	} {
		if tc.cfg.MaxRetries < 0 {
			return fmt.Errorf("config %s: max_retries must be >= 0", tc.name)
		}
		if tc.cfg.BackoffBase <= 0 {
			return fmt.Errorf("config %s: backoff_base must be positive", tc.name)
		}
		if tc.cfg.HungTimeout <= 0 {
			return fmt.Errorf("config %s: hung_timeout must be positive", tc.name)
		}
		if tc.cfg.MaxConcurrency <= 0 {
			return fmt.Errorf("config %s: max_concurrency must be positive", tc.name)
		}
	}
	if c.PollWorkers <= 0 {
		return fmt.Errorf("config: poll_workers must be positive")
	}
	if c.PollTimeout <= 0 {
		return fmt.Errorf("config: poll_timeout must be positive")
	}
	return nil
}

// ForType returns the knobs for a job type.
func (c *Config) ForType(t jobs.JobType) JobTypeConfig {
	switch t {
	case jobs.JobTypeSurvey:
		return c.Survey
	case jobs.JobTypeDownloader:
		return c.Downloader
	case jobs.JobTypeProcessor:
		return c.Processor
	default:
		return JobTypeConfig{}
	}
}

// Backoff returns the backoff parameters for a job type.
func (c *Config) Backoff(t jobs.JobType) jobs.Backoff {
	tc := c.ForType(t)
	return jobs.Backoff{Base: tc.BackoffBase, Cap: tc.BackoffCap}
}

// HungCutoffs translates per-type timeouts into poll-timestamp cutoffs
// relative to now.
func (c *Config) HungCutoffs(now time.Time) map[jobs.JobType]time.Time {
	return map[jobs.JobType]time.Time{
		jobs.JobTypeSurvey:     now.Add(-c.Survey.HungTimeout),
		jobs.JobTypeDownloader: now.Add(-c.Downloader.HungTimeout),
		jobs.JobTypeProcessor:  now.Add(-c.Processor.HungTimeout),
	}
}

// RuleSet builds the processor-selection rule set from configuration.
func (c *Config) RuleSet() *pipeline.RuleSet {
	rules := make([]pipeline.SelectionRule, 0, len(c.ProcessorRules))
	for _, r := range c.ProcessorRules {
		rules = append(rules, pipeline.SelectionRule{
			Source:   r.Source,
			Division: r.Division,
			Pipeline: pipeline.ProcessorPipeline(r.Pipeline),
		})
	}
	return pipeline.NewRuleSet(rules)
}
