package config

import (
	"time"

	"github.com/vietddude/ticketbot/internal/automation"
	redisclient "github.com/vietddude/ticketbot/internal/infra/redis"
	"github.com/vietddude/ticketbot/internal/infra/storage/sqlstore"
	"github.com/vietddude/ticketbot/internal/recovery"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Instance   string             `yaml:"instance"` // defaults to the hostname
	Server     ServerConfig       `yaml:"server"`
	Database   sqlstore.Config    `yaml:"database"` // empty url = in-memory store
	Redis      redisclient.Config `yaml:"redis"`    // empty url = no claim lease
	Logging    LoggingConfig      `yaml:"logging"`
	Scheduler  SchedulerConfig    `yaml:"scheduler"`
	Executor   ExecutorConfig     `yaml:"executor"`
	Intake     IntakeConfig       `yaml:"intake"`
	Classifier ClassifierConfig   `yaml:"classifier"`
	Automation AutomationConfig   `yaml:"automation"`
	Pruner     PrunerConfig       `yaml:"pruner"`
	Health     HealthConfig       `yaml:"health"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port       int    `yaml:"port"`
	AdminToken string `yaml:"admin_token"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// SchedulerConfig controls the periodic retry sweep. Only the instance with
// leader set runs it.
type SchedulerConfig struct {
	Leader          bool          `yaml:"leader"`
	Interval        Duration      `yaml:"interval"`
	Threshold       int           `yaml:"threshold"`
	MaxConcurrency  int           `yaml:"max_concurrency"` // 0 = derive from CPU count
	Cooldown        Duration      `yaml:"cooldown"`
	BatchLimit      int           `yaml:"batch_limit"`
	Attempts        int           `yaml:"attempts"`
	Delays          []Duration    `yaml:"delays"`
	Backoff         BackoffConfig `yaml:"backoff"` // used when delays is empty
	LeaseTTL        Duration      `yaml:"lease_ttl"`
	ShutdownTimeout Duration      `yaml:"shutdown_timeout"`
}

// ExecutorConfig controls manual retries.
type ExecutorConfig struct {
	Attempts int           `yaml:"attempts"`
	Delays   []Duration    `yaml:"delays"`
	Backoff  BackoffConfig `yaml:"backoff"`
}

// IntakeConfig controls the inline attempts made when an order arrives.
type IntakeConfig struct {
	InlineAttempts int           `yaml:"inline_attempts"`
	Delays         []Duration    `yaml:"delays"`
	Backoff        BackoffConfig `yaml:"backoff"`
}

// BackoffConfig describes an exponential delay schedule: initial, doubled
// after each failed attempt, capped at max.
type BackoffConfig struct {
	Initial Duration `yaml:"initial"`
	Max     Duration `yaml:"max"`
}

// ClassifierConfig holds failure classification rules.
type ClassifierConfig struct {
	Rules             []recovery.Rule `yaml:"rules"` // empty = built-in rules
	StrictBookingDate bool            `yaml:"strict_booking_date"`
}

// AutomationConfig lists the automation runner families.
type AutomationConfig struct {
	Families []FamilyConfig `yaml:"families"`
}

// FamilyConfig binds a set of websites to one automation runner.
type FamilyConfig struct {
	Name     string   `yaml:"name"`
	Endpoint string   `yaml:"endpoint"`
	Token    string   `yaml:"token"`
	Timeout  Duration `yaml:"timeout"`
	Websites []string `yaml:"websites"`
}

// PrunerConfig controls deletion of resolved failed orders.
type PrunerConfig struct {
	Retention Duration `yaml:"retention"` // 0 = keep forever
	Interval  Duration `yaml:"interval"`
}

// HealthConfig holds backlog thresholds for the health monitor.
type HealthConfig struct {
	DegradedFailed int `yaml:"degraded_failed"`
	CriticalFailed int `yaml:"critical_failed"`
}

// Schedule converts configured delays into a retry schedule. Without explicit
// delays a configured backoff yields one delay per gap between attempts.
func Schedule(delays []Duration, backoff BackoffConfig, attempts int) recovery.Schedule {
	if len(delays) == 0 && backoff.Initial > 0 {
		return recovery.ExponentialSchedule(backoff.Initial.Std(), backoff.Max.Std(), max(1, attempts-1))
	}
	out := make(recovery.Schedule, len(delays))
	for i, d := range delays {
		out[i] = d.Std()
	}
	return out
}

// Runners builds the HTTP runner of every configured family.
func (c AutomationConfig) Runners() []*automation.HTTPRunner {
	runners := make([]*automation.HTTPRunner, 0, len(c.Families))
	for _, f := range c.Families {
		runners = append(runners, automation.NewHTTPRunner(f.Name, f.Endpoint, f.Token, f.Timeout.Std()))
	}
	return runners
}

// Duration is a time.Duration that unmarshals from strings like "20m".
type Duration time.Duration

// Std returns the standard library duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}
