// Package config loads the on-disk JSON configuration: the global
// section, the annotators[][domain] table, and a separate credentials
// file. Plain json-tagged structs decoded with encoding/json, with a
// Load constructor that fills defaults and validates.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

type Global struct {
	ModelName              string  `json:"model_name"`
	ModelEndpoint          string  `json:"model_endpoint"`
	RequestDelaySeconds    float64 `json:"request_delay_seconds"`
	MaxRetries             int     `json:"max_retries"`
	CrashDetectionMinutes  int     `json:"crash_detection_minutes"`
	ControlCheckIterations int     `json:"control_check_iterations"`
	ControlCheckSeconds    int     `json:"control_check_seconds"`
	MaxConcurrentWorkers   int     `json:"max_concurrent_workers"`
}

// RateLimit configures the per-credential token bucket.
type RateLimit struct {
	RequestsPerMinute int `json:"requests_per_minute"`
	RequestsPerDay    int `json:"requests_per_day"`
	BurstSize         int `json:"burst_size"`
}

// Paths locates the on-disk surfaces relative to the project root
// (the CWD every spawned worker shares with the supervisor).
type Paths struct {
	Database    string `json:"database"`
	Corpus      string `json:"corpus"`
	Prompts     string `json:"prompts"`
	Control     string `json:"control"`
	Annotations string `json:"annotations"`
	Credentials string `json:"credentials"`
}

type DomainSettings struct {
	Enabled     bool `json:"enabled"`
	TargetCount int  `json:"target_count"`
}

type Config struct {
	Global     Global                               `json:"global"`
	RateLimit  RateLimit                            `json:"rate_limit"`
	Paths      Paths                                `json:"paths"`
	Annotators map[string]map[string]DomainSettings `json:"annotators"`
}

// Load reads and validates the settings file at path, filling in
// defaults for any zero-valued field.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

// Normalize fills defaults and validates, for configs that arrive
// from somewhere other than Load (the façade's update endpoint).
func (c *Config) Normalize() error {
	c.applyDefaults()
	return c.validate()
}

func (c *Config) applyDefaults() {
	if c.Global.RequestDelaySeconds == 0 {
		c.Global.RequestDelaySeconds = 1.0
	}
	if c.Global.MaxRetries == 0 {
		c.Global.MaxRetries = 3
	}
	if c.Global.CrashDetectionMinutes == 0 {
		c.Global.CrashDetectionMinutes = 2
	}
	if c.Global.ControlCheckIterations == 0 {
		c.Global.ControlCheckIterations = 10
	}
	if c.Global.ControlCheckSeconds == 0 {
		c.Global.ControlCheckSeconds = 30
	}
	if c.Global.MaxConcurrentWorkers == 0 {
		c.Global.MaxConcurrentWorkers = 30
	}
	if c.Global.ModelEndpoint == "" {
		c.Global.ModelEndpoint = "http://127.0.0.1:8090"
	}
	if c.RateLimit.RequestsPerMinute == 0 {
		c.RateLimit.RequestsPerMinute = 15
	}
	if c.RateLimit.RequestsPerDay == 0 {
		c.RateLimit.RequestsPerDay = 1500
	}
	if c.RateLimit.BurstSize == 0 {
		c.RateLimit.BurstSize = 5
	}
	if c.Paths.Database == "" {
		c.Paths.Database = "data/annotation.db"
	}
	if c.Paths.Corpus == "" {
		c.Paths.Corpus = "data/samples.csv"
	}
	if c.Paths.Prompts == "" {
		c.Paths.Prompts = "prompts"
	}
	if c.Paths.Control == "" {
		c.Paths.Control = "control"
	}
	if c.Paths.Annotations == "" {
		c.Paths.Annotations = "data/annotations"
	}
	if c.Paths.Credentials == "" {
		c.Paths.Credentials = "config/credentials.json"
	}
}

func (c *Config) validate() error {
	if c.Global.RequestDelaySeconds < 0.1 || c.Global.RequestDelaySeconds > 60 {
		return fmt.Errorf("request_delay_seconds out of range [0.1,60]: %v", c.Global.RequestDelaySeconds)
	}
	if c.Global.MaxRetries < 0 || c.Global.MaxRetries > 10 {
		return fmt.Errorf("max_retries out of range [0,10]: %v", c.Global.MaxRetries)
	}
	if c.Global.CrashDetectionMinutes < 1 || c.Global.CrashDetectionMinutes > 60 {
		return fmt.Errorf("crash_detection_minutes out of range [1,60]: %v", c.Global.CrashDetectionMinutes)
	}
	for annotator, domains := range c.Annotators {
		for domain, ds := range domains {
			if ds.TargetCount < 0 || ds.TargetCount > 100000 {
				return fmt.Errorf("annotators[%s][%s].target_count out of range [0,100000]: %d", annotator, domain, ds.TargetCount)
			}
		}
	}
	return nil
}

// Credentials maps "annotator_<i>" to its secret string.
type Credentials map[string]string

func LoadCredentials(path string) (Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read credentials %s: %w", path, err)
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("config: parse credentials %s: %w", path, err)
	}
	return creds, nil
}

// DomainSettingsFor looks up the enabled/target_count pair for (annotatorID, domain).
func (c *Config) DomainSettingsFor(annotatorID int, domain string) (DomainSettings, bool) {
	key := fmt.Sprintf("%d", annotatorID)
	domains, ok := c.Annotators[key]
	if !ok {
		return DomainSettings{}, false
	}
	ds, ok := domains[domain]
	return ds, ok
}

// Pairs enumerates every (annotatorID, domain) entry. The entries come
// from map iteration, so their order is not defined.
func (c *Config) Pairs() []struct {
	AnnotatorID int
	Domain      string
	Settings    DomainSettings
} {
	var out []struct {
		AnnotatorID int
		Domain      string
		Settings    DomainSettings
	}
	for annotatorStr, domains := range c.Annotators {
		var id int
		fmt.Sscanf(annotatorStr, "%d", &id)
		for domain, ds := range domains {
			out = append(out, struct {
				AnnotatorID int
				Domain      string
				Settings    DomainSettings
			}{id, domain, ds})
		}
	}
	return out
}
