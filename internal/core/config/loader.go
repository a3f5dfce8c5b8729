package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration and fills defaults.
func Parse(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *AppConfig) applyDefaults() {
	if c.Instance == "" {
		if host, err := os.Hostname(); err == nil {
			c.Instance = host
		} else {
			c.Instance = "ticketbot"
		}
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	s := &c.Scheduler
	if s.Interval == 0 {
		s.Interval = Duration(20 * time.Minute)
	}
	if s.Threshold == 0 {
		s.Threshold = 3
	}
	if s.Cooldown == 0 {
		s.Cooldown = Duration(5 * time.Second)
	}
	if s.BatchLimit == 0 {
		s.BatchLimit = 1000
	}
	if s.Attempts == 0 {
		s.Attempts = 1
	}
	if s.LeaseTTL == 0 {
		s.LeaseTTL = Duration(30 * time.Minute)
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = Duration(5 * time.Minute)
	}

	if c.Executor.Attempts == 0 {
		c.Executor.Attempts = 1
	}
	if c.Intake.InlineAttempts == 0 {
		c.Intake.InlineAttempts = 3
	}
	if len(c.Intake.Delays) == 0 && c.Intake.Backoff.Initial == 0 {
		c.Intake.Delays = []Duration{
			Duration(5 * time.Second),
			Duration(15 * time.Second),
			Duration(30 * time.Second),
		}
	}

	if c.Pruner.Interval == 0 {
		c.Pruner.Interval = Duration(time.Hour)
	}
	for i := range c.Automation.Families {
		if c.Automation.Families[i].Timeout == 0 {
			c.Automation.Families[i].Timeout = Duration(10 * time.Minute)
		}
	}
}

// Validate reports configuration that cannot be started.
func (c *AppConfig) Validate() error {
	var errs []error
	if c.Scheduler.Threshold < 1 {
		errs = append(errs, errors.New("scheduler.threshold must be at least 1"))
	}
	if c.Scheduler.MaxConcurrency < 0 {
		errs = append(errs, errors.New("scheduler.max_concurrency must not be negative"))
	}
	seen := make(map[string]string)
	names := make(map[string]bool)
	for i, f := range c.Automation.Families {
		if f.Name == "" {
			errs = append(errs, fmt.Errorf("automation.families[%d]: name is required", i))
		} else if names[f.Name] {
			errs = append(errs, fmt.Errorf("automation.families[%d]: duplicate family name %q", i, f.Name))
		}
		names[f.Name] = true
		if f.Endpoint == "" {
			errs = append(errs, fmt.Errorf("automation.families[%d]: endpoint is required", i))
		}
		for _, w := range f.Websites {
			if prev, ok := seen[w]; ok {
				errs = append(errs, fmt.Errorf("website %q is bound to both %s and %s", w, prev, f.Name))
			}
			seen[w] = f.Name
		}
	}
	for i, r := range c.Classifier.Rules {
		if r.Pattern == "" {
			errs = append(errs, fmt.Errorf("classifier.rules[%d]: pattern is required", i))
		}
		if !r.Kind.Valid() {
			errs = append(errs, fmt.Errorf("classifier.rules[%d]: kind must be terminal or transient, got %q", i, r.Kind))
		}
	}
	errs = append(errs, validateBackoff("scheduler", c.Scheduler.Delays, c.Scheduler.Backoff))
	errs = append(errs, validateBackoff("executor", c.Executor.Delays, c.Executor.Backoff))
	errs = append(errs, validateBackoff("intake", c.Intake.Delays, c.Intake.Backoff))
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}

func validateBackoff(section string, delays []Duration, b BackoffConfig) error {
	if b == (BackoffConfig{}) {
		return nil
	}
	if len(delays) > 0 {
		return fmt.Errorf("%s: set either delays or backoff, not both", section)
	}
	if b.Initial <= 0 {
		return fmt.Errorf("%s.backoff.initial must be positive", section)
	}
	if b.Max != 0 && b.Max < b.Initial {
		return fmt.Errorf("%s.backoff.max must not be below initial", section)
	}
	return nil
}
