package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models ledgerline.yml. It is explicit construction-time state: the
// engine, dispatcher and server all receive it as a value, never through a
// global.
type Config struct {
	Agent struct {
		ID string `yaml:"id"`
	} `yaml:"agent"`
	ERP struct {
		BaseURL        string `yaml:"base_url"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"erp"`
	Retry struct {
		MaxAttempts       int     `yaml:"max_attempts"`
		BaseBackoffMillis int     `yaml:"base_backoff_millis"`
		MaxBackoffSeconds int     `yaml:"max_backoff_seconds"`
		RateLimitQPS      float64 `yaml:"rate_limit_qps"`
	} `yaml:"retry"`
	Classifier struct {
		AmountTolerance   float64 `yaml:"amount_tolerance"`
		DateToleranceDays int     `yaml:"date_tolerance_days"`
	} `yaml:"classifier"`
	Approvals struct {
		// Required approval counts by risk level. High risk is dual-control.
		Required map[string]int `yaml:"required"`
	} `yaml:"approvals"`
	Pipelines map[string][]string `yaml:"pipelines"`
	Dispatch  struct {
		Workers     int `yaml:"workers"`
		QueueBuffer int `yaml:"queue_buffer"`
	} `yaml:"dispatch"`
	Telemetry struct {
		Enabled    bool   `yaml:"enabled"`
		OutputFile string `yaml:"output_file"`
	} `yaml:"telemetry"`
}

// RunTypes is the closed set of workflows the dispatcher knows how to expand.
var RunTypes = []string{"contract_obligation", "document_ingest", "anomaly_scan", "cashflow_forecast"}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate with ll config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns Default() if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Agent.ID == "" {
		return fmt.Errorf("config.agent.id is required")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("config.retry.max_attempts must be >= 1")
	}
	if c.Retry.MaxBackoffSeconds < 1 {
		return fmt.Errorf("config.retry.max_backoff_seconds must be >= 1")
	}
	if c.Retry.RateLimitQPS <= 0 {
		return fmt.Errorf("config.retry.rate_limit_qps must be > 0")
	}
	if c.Classifier.AmountTolerance < 0 {
		return fmt.Errorf("config.classifier.amount_tolerance must be >= 0")
	}
	if len(c.Approvals.Required) == 0 {
		return fmt.Errorf("config.approvals.required is required")
	}
	for _, level := range []string{"low", "medium", "high"} {
		n, ok := c.Approvals.Required[level]
		if !ok {
			return fmt.Errorf("config.approvals.required missing level %s", level)
		}
		if n < 1 {
			return fmt.Errorf("config.approvals.required.%s must be >= 1", level)
		}
	}
	if c.Approvals.Required["high"] < 2 {
		return fmt.Errorf("config.approvals.required.high must be >= 2 (dual control)")
	}
	if len(c.Pipelines) == 0 {
		return fmt.Errorf("config.pipelines is required")
	}
	for runType, steps := range c.Pipelines {
		if !knownRunType(runType) {
			return fmt.Errorf("config.pipelines contains unknown run type %s", runType)
		}
		if len(steps) == 0 {
			return fmt.Errorf("pipeline %s has no steps", runType)
		}
		for _, s := range steps {
			if s == "" {
				return fmt.Errorf("pipeline %s has empty step name", runType)
			}
		}
	}
	if c.Dispatch.Workers < 1 {
		return fmt.Errorf("config.dispatch.workers must be >= 1")
	}
	return nil
}

func knownRunType(t string) bool {
	for _, rt := range RunTypes {
		if rt == t {
			return true
		}
	}
	return false
}

// ApprovalsRequired returns the approval quota for a risk level.
func (c *Config) ApprovalsRequired(riskLevel string) int {
	if n, ok := c.Approvals.Required[riskLevel]; ok {
		return n
	}
	return 1
}

// ERPTimeout returns the outbound call timeout as a duration.
func (c *Config) ERPTimeout() time.Duration {
	if c.ERP.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.ERP.TimeoutSeconds) * time.Second
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "ledgerline.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `agent:
  id: ledgerline

erp:
  base_url: http://127.0.0.1:9090
  timeout_seconds: 10

retry:
  max_attempts: 4
  base_backoff_millis: 200
  max_backoff_seconds: 30
  rate_limit_qps: 5

classifier:
  amount_tolerance: 0.01
  date_tolerance_days: 0

approvals:
  required:
    low: 1
    medium: 1
    high: 2

pipelines:
  contract_obligation:
    - fetch_source
    - extract_obligations
    - classify_tiers
    - generate_proposals
    - publish_evidence_pack
  document_ingest:
    - fetch_source
    - store_document
  anomaly_scan:
    - fetch_entries
    - flag_anomalies
  cashflow_forecast:
    - fetch_entries
    - forecast_cashflow

dispatch:
  workers: 4
  queue_buffer: 128

telemetry:
  enabled: false
  output_file: ""
`
