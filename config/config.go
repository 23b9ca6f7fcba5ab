// Copyright 2025 CostPilot
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads service configuration from an optional YAML
// file layered over environment variables. Values in the file may
// reference the environment with ${VAR} or ${VAR:-default} syntax.
// Durations are expressed as *_ms integer fields.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"costpilot/core/circuitbreaker"
	"costpilot/core/orchestrator"
	"costpilot/core/safety"
)

// Config is the full service configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Inference InferenceConfig `yaml:"inference"`
	CostData  CostDataConfig  `yaml:"cost_data"`
	Audit     AuditConfig     `yaml:"audit"`
	Safety    SafetySection   `yaml:"safety"`
	Executor  ExecutorSection `yaml:"executor"`
	Breakers  BreakerSection  `yaml:"circuit_breakers"`
}

// ServerConfig tunes the HTTP listener
type ServerConfig struct {
	Port string `yaml:"port"`
}

// Addr is the listen address derived from the configured port
func (s ServerConfig) Addr() string {
	return ":" + s.Port
}

// DatabaseConfig points at the audit database
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig points at the stale cost-data cache
type RedisConfig struct {
	URL string `yaml:"url"`
}

// InferenceConfig points at the inference backend
type InferenceConfig struct {
	Endpoint  string `yaml:"endpoint"`
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

// CostDataConfig points at the live cost data provider
type CostDataConfig struct {
	Endpoint string `yaml:"endpoint"`
}

// AuditConfig tunes the async safety violation sink
type AuditConfig struct {
	QueueSize    int    `yaml:"queue_size"`
	Workers      int    `yaml:"workers"`
	FallbackPath string `yaml:"fallback_path"`
}

// SafetySection tunes the validation pipeline
type SafetySection struct {
	MaxInputBytes       int     `yaml:"max_input_bytes"`
	RepetitionRatio     float64 `yaml:"repetition_ratio"`
	RepetitionMinTokens int     `yaml:"repetition_min_tokens"`
}

// Pipeline converts the section into the safety package config
func (s SafetySection) Pipeline() safety.PipelineConfig {
	cfg := safety.DefaultPipelineConfig()
	if s.MaxInputBytes > 0 {
		cfg.MaxInputBytes = s.MaxInputBytes
	}
	if s.RepetitionRatio > 0 {
		cfg.RepetitionRatio = s.RepetitionRatio
	}
	if s.RepetitionMinTokens > 0 {
		cfg.RepetitionMinTokens = s.RepetitionMinTokens
	}
	return cfg
}

// ExecutorSection tunes the workflow executor
type ExecutorSection struct {
	TotalBudgetMs int `yaml:"total_budget_ms"`
	NodeTimeoutMs int `yaml:"node_timeout_ms"`
	UpdateBuffer  int `yaml:"update_buffer"`
}

// Executor converts the section into the orchestrator package config
func (s ExecutorSection) Executor() orchestrator.ExecutorConfig {
	cfg := orchestrator.DefaultExecutorConfig()
	if s.TotalBudgetMs > 0 {
		cfg.TotalBudget = time.Duration(s.TotalBudgetMs) * time.Millisecond
	}
	if s.NodeTimeoutMs > 0 {
		cfg.NodeTimeout = time.Duration(s.NodeTimeoutMs) * time.Millisecond
	}
	if s.UpdateBuffer > 0 {
		cfg.UpdateBuffer = s.UpdateBuffer
	}
	return cfg
}

// BreakerSettings mirrors circuitbreaker.Config with millisecond
// durations; zero fields inherit the running defaults
type BreakerSettings struct {
	WindowSize            int     `yaml:"window_size"`
	ConsecutiveFailures   int     `yaml:"consecutive_failures"`
	FailureRateThreshold  float64 `yaml:"failure_rate_threshold"`
	MinimumSamples        int     `yaml:"minimum_samples"`
	SlowCallThresholdMs   int     `yaml:"slow_call_threshold_ms"`
	SlowCallRateThreshold float64 `yaml:"slow_call_rate_threshold"`
	CallTimeoutMs         int     `yaml:"call_timeout_ms"`
	RecoveryTimeoutMs     int     `yaml:"recovery_timeout_ms"`
	HalfOpenMaxProbes     int     `yaml:"half_open_max_probes"`
	HalfOpenSuccesses     int     `yaml:"half_open_successes"`
}

// BreakerSection carries breaker defaults plus per-dependency overrides
type BreakerSection struct {
	Defaults  BreakerSettings            `yaml:"defaults"`
	Overrides map[string]BreakerSettings `yaml:"overrides"`
}

// apply layers the non-zero settings over base
func (s BreakerSettings) apply(base circuitbreaker.Config) circuitbreaker.Config {
	if s.WindowSize > 0 {
		base.WindowSize = s.WindowSize
	}
	if s.ConsecutiveFailures > 0 {
		base.ConsecutiveFailures = s.ConsecutiveFailures
	}
	if s.FailureRateThreshold > 0 {
		base.FailureRateThreshold = s.FailureRateThreshold
	}
	if s.MinimumSamples > 0 {
		base.MinimumSamples = s.MinimumSamples
	}
	if s.SlowCallThresholdMs > 0 {
		base.SlowCallThreshold = time.Duration(s.SlowCallThresholdMs) * time.Millisecond
	}
	if s.SlowCallRateThreshold > 0 {
		base.SlowCallRateThreshold = s.SlowCallRateThreshold
	}
	if s.CallTimeoutMs > 0 {
		base.CallTimeout = time.Duration(s.CallTimeoutMs) * time.Millisecond
	}
	if s.RecoveryTimeoutMs > 0 {
		base.RecoveryTimeout = time.Duration(s.RecoveryTimeoutMs) * time.Millisecond
	}
	if s.HalfOpenMaxProbes > 0 {
		base.HalfOpenMaxProbes = s.HalfOpenMaxProbes
	}
	if s.HalfOpenSuccesses > 0 {
		base.HalfOpenSuccesses = s.HalfOpenSuccesses
	}
	return base
}

// BreakerDefaults resolves the default breaker configuration
func (s BreakerSection) BreakerDefaults() circuitbreaker.Config {
	return s.Defaults.apply(circuitbreaker.DefaultConfig())
}

// BreakerOverrides resolves per-dependency configurations; each
// override starts from the resolved defaults
func (s BreakerSection) BreakerOverrides() map[string]circuitbreaker.Config {
	if len(s.Overrides) == 0 {
		return nil
	}
	defaults := s.BreakerDefaults()
	overrides := make(map[string]circuitbreaker.Config, len(s.Overrides))
	for name, settings := range s.Overrides {
		overrides[name] = settings.apply(defaults)
	}
	return overrides
}

// InferenceTimeout resolves the inference HTTP timeout
func (c *Config) InferenceTimeout() time.Duration {
	if c.Inference.TimeoutMs > 0 {
		return time.Duration(c.Inference.TimeoutMs) * time.Millisecond
	}
	return 0
}

// Default returns the configuration used when no file and no
// environment overrides are present
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080"},
		Audit:  AuditConfig{QueueSize: 1024, Workers: 2, FallbackPath: "safety_audit_fallback.jsonl"},
	}
}

// Load builds the configuration: defaults, then the YAML file when
// path is non-empty, then direct environment overrides
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv lets a handful of well-known environment variables override
// the file for container deployments
func (c *Config) applyEnv() {
	setIfPresent(&c.Server.Port, "PORT")
	setIfPresent(&c.Database.URL, "DATABASE_URL")
	setIfPresent(&c.Redis.URL, "REDIS_URL")
	setIfPresent(&c.Inference.Endpoint, "INFERENCE_ENDPOINT")
	setIfPresent(&c.Inference.APIKey, "INFERENCE_API_KEY")
	setIfPresent(&c.Inference.Model, "INFERENCE_MODEL")
	setIfPresent(&c.CostData.Endpoint, "COSTDATA_ENDPOINT")
	setIfPresent(&c.Audit.FallbackPath, "AUDIT_FALLBACK_PATH")
}

func setIfPresent(dst *string, key string) {
	if value := os.Getenv(key); value != "" {
		*dst = value
	}
}

var envVarRegex = regexp.MustCompile(`\$\{[^}]+\}`)

// expandEnvVars substitutes ${VAR} and ${VAR:-default} references in
// the raw file content before parsing
func expandEnvVars(content string) string {
	return envVarRegex.ReplaceAllStringFunc(content, func(match string) string {
		varName := match[2 : len(match)-1]

		defaultVal := ""
		if idx := strings.Index(varName, ":-"); idx != -1 {
			defaultVal = varName[idx+2:]
			varName = varName[:idx]
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultVal
	})
}
