package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Workers.PollMillis) * time.Millisecond
}

func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Workers.TickSeconds) * time.Second
}

func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.Workers.BackoffBaseSec) * time.Second
}

func (c *Config) BackoffCap() time.Duration {
	return time.Duration(c.Workers.BackoffCapSec) * time.Second
}

type FeedAPI struct {
	Name      string `yaml:"name"`
	BaseURL   string `yaml:"base_url"`
	APIHost   string `yaml:"api_host"`
	APIKeyEnv string `yaml:"api_key_env"` // env var holding the key
	Enabled   bool   `yaml:"enabled"`
}

type BoardDef struct {
	Company string `yaml:"company"`
	URL     string `yaml:"url"`
}

type ScheduleDef struct {
	Name        string   `yaml:"name"`
	Cron        string   `yaml:"cron"`
	Task        string   `yaml:"task"` // fetch_postings | cleanup_postings
	Sources     []string `yaml:"sources,omitempty"`
	Queries     []string `yaml:"queries,omitempty"`
	Locations   []string `yaml:"locations,omitempty"`
	PageSize    int      `yaml:"page_size,omitempty"`
	MaxPages    int      `yaml:"max_pages,omitempty"`
	MaxAttempts int      `yaml:"max_attempts,omitempty"`
	// VisibilitySeconds is the lease a run of this schedule gets before a
	// crashed worker's task is recovered. Long fetches under the rate
	// limiter need room; zero takes the queue default (30 min).
	VisibilitySeconds int `yaml:"visibility_seconds,omitempty"`
}

type Config struct {
	App struct {
		Addr    string `yaml:"addr"`
		DataDir string `yaml:"data_dir"`
	} `yaml:"app"`

	Workers struct {
		Count          int  `yaml:"count"`
		PollMillis     int  `yaml:"poll_ms"`
		TickSeconds    int  `yaml:"tick_seconds"`
		BackoffBaseSec int  `yaml:"backoff_base_seconds"`
		BackoffCapSec  int  `yaml:"backoff_cap_seconds"`
		CatchUp        bool `yaml:"catch_up"`
	} `yaml:"workers"`

	Limits struct {
		RequestsPerSec float64 `yaml:"requests_per_sec"`
		Burst          int     `yaml:"burst"`
	} `yaml:"limits"`

	Retention struct {
		Days int `yaml:"days"`
	} `yaml:"retention"`

	Sources struct {
		Feeds  []FeedAPI  `yaml:"feeds"`
		Boards []BoardDef `yaml:"boards"`
	} `yaml:"sources"`

	Schedules []ScheduleDef `yaml:"schedules"`
}

func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Default mirrors the cadences the service has always run on: a daily
// global fetch, a twice-daily priority-region fetch, and a weekly
// retention sweep.
func Default() Config {
	var cfg Config
	cfg.Schedules = []ScheduleDef{
		{
			Name:      "fetch-global-jobs-daily",
			Cron:      "0 2 * * *",
			Task:      "fetch_postings",
			Queries:   []string{"Software Engineer", "Data Scientist", "Product Manager"},
			Locations: []string{"Remote, USA", "London, UK", "Singapore"},
		},
		{
			Name:      "fetch-regional-jobs",
			Cron:      "0 2,14 * * *",
			Task:      "fetch_postings",
			Queries:   []string{"Software Engineer", "Accountant", "Sales Manager"},
			Locations: []string{"Nairobi, Kenya", "Mombasa, Kenya", "Remote, Kenya"},
		},
		{
			Name: "cleanup-old-jobs-weekly",
			Cron: "0 3 * * 0",
			Task: "cleanup_postings",
		},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.App.Addr == "" {
		c.App.Addr = ":8080"
	}
	if c.App.DataDir == "" {
		c.App.DataDir = "."
	}
	if c.Workers.Count <= 0 {
		c.Workers.Count = 4
	}
	if c.Workers.PollMillis <= 0 {
		c.Workers.PollMillis = 500
	}
	if c.Workers.TickSeconds <= 0 {
		c.Workers.TickSeconds = 15
	}
	if c.Workers.BackoffBaseSec <= 0 {
		c.Workers.BackoffBaseSec = 1
	}
	if c.Workers.BackoffCapSec <= 0 {
		c.Workers.BackoffCapSec = 300
	}
	if c.Limits.RequestsPerSec <= 0 {
		c.Limits.RequestsPerSec = 1
	}
	if c.Limits.Burst <= 0 {
		c.Limits.Burst = 2
	}
	if c.Retention.Days <= 0 {
		c.Retention.Days = 30
	}
}

// Validate rejects configurations the scheduler would choke on later.
func (c *Config) Validate() error {
	seen := map[string]bool{}
	for _, s := range c.Schedules {
		if s.Name == "" {
			return fmt.Errorf("schedule with empty name")
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate schedule name %q", s.Name)
		}
		seen[s.Name] = true
		switch s.Task {
		case "fetch_postings", "cleanup_postings":
		default:
			return fmt.Errorf("schedule %q: unknown task %q", s.Name, s.Task)
		}
		if s.Task == "fetch_postings" && len(s.Queries) == 0 {
			return fmt.Errorf("schedule %q: fetch needs at least one query", s.Name)
		}
	}
	return nil
}
