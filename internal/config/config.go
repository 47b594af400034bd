// Copyright 2025 Tom Barlow
//
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

// Package config loads the principal's and agent's configuration: an
// optional YAML file provides a base, environment variables named in
// spec.md §6 override it, and unset fields fall back to hardcoded
// defaults. Precedence, low to high: defaults, file, environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Principal is the principal process's configuration.
type Principal struct {
	Host                       string        `yaml:"host"`
	Port                       int           `yaml:"port"`
	LogsListeningPort          int           `yaml:"logs_listening_port"`
	LogsPublishingPort         int           `yaml:"logs_publishing_port"`
	WorkflowDir                string        `yaml:"workflow_dir"`
	WorkflowDirRefreshInterval time.Duration `yaml:"-"`
	LogLevel                   string        `yaml:"log_level"`
	NATSURL                    string        `yaml:"nats_url"`
	DBPath                     string        `yaml:"db_path"`
	MetricsAddr                string        `yaml:"metrics_addr"`
	OTELEndpoint               string        `yaml:"otel_endpoint"`
}

// Agent is the agent process's configuration.
type Agent struct {
	PrincipalHost    string        `yaml:"principal_host"`
	PrincipalPort    int           `yaml:"principal_port"`
	MaxConcurrency   int           `yaml:"max_concurrency"`
	HeartbeatTimeout time.Duration `yaml:"-"`
	DefaultTimeout   time.Duration `yaml:"-"`
	RetryAttempts    int           `yaml:"retry_attempts"`
	LogLevel         string        `yaml:"log_level"`
	NATSURL          string        `yaml:"nats_url"`
	OTELEndpoint     string        `yaml:"otel_endpoint"`
}

// yamlDoc is the on-disk shape; durations are parsed separately from
// their millisecond/second env and yaml counterparts since
// time.Duration doesn't rountrip through yaml as plain integers the
// way operators expect ("30" meaning 30 seconds, not 30 nanoseconds).
type yamlDoc struct {
	Principal struct {
		Host                          string `yaml:"host"`
		Port                          int    `yaml:"port"`
		LogsListeningPort             int    `yaml:"logs_listening_port"`
		LogsPublishingPort            int    `yaml:"logs_publishing_port"`
		WorkflowDir                   string `yaml:"workflow_dir"`
		WorkflowDirRefreshFrequencyS  int    `yaml:"workflow_dir_refresh_frequency_s"`
		LogLevel                      string `yaml:"log_level"`
		NATSURL                       string `yaml:"nats_url"`
		DBPath                        string `yaml:"db_path"`
		MetricsAddr                   string `yaml:"metrics_addr"`
		OTELEndpoint                  string `yaml:"otel_endpoint"`
	} `yaml:"principal"`
	Agent struct {
		PrincipalHost           string `yaml:"principal_host"`
		PrincipalPort           int    `yaml:"principal_port"`
		MaxConcurrency          int    `yaml:"max_concurrency"`
		HeartbeatTimeoutMs      int    `yaml:"heartbeat_timeout_ms"`
		DefaultTimeoutMs        int    `yaml:"default_timeout_ms"`
		RetryAttempts           int    `yaml:"retry_attempts"`
		NATSURL                 string `yaml:"nats_url"`
		OTELEndpoint            string `yaml:"otel_endpoint"`
		LogLevel                string `yaml:"log_level"`
	} `yaml:"agent"`
}

// Defaults mirror the teacher's own "zero value means unset, apply the
// hardcoded default" convention.
const (
	DefaultPrincipalHost         = "127.0.0.1"
	DefaultPrincipalPort         = 7777
	DefaultLogsListeningPort     = 7778
	DefaultLogsPublishingPort    = 7779
	DefaultWorkflowDir           = "./workflows"
	DefaultWorkflowRefreshS      = 30
	DefaultAgentMaxConcurrency   = 4
	DefaultAgentHeartbeatMs      = 15000
	DefaultTimeoutMs             = 5000
	DefaultRetryAttempts         = 5
	DefaultLogLevel              = "info"
	DefaultNATSURL               = "nats://127.0.0.1:4222"
	DefaultDBPath                = "./cdktr.db"
)

func defaultPrincipal() Principal {
	return Principal{
		Host:                       DefaultPrincipalHost,
		Port:                       DefaultPrincipalPort,
		LogsListeningPort:          DefaultLogsListeningPort,
		LogsPublishingPort:         DefaultLogsPublishingPort,
		WorkflowDir:                DefaultWorkflowDir,
		WorkflowDirRefreshInterval: DefaultWorkflowRefreshS * time.Second,
		LogLevel:                   DefaultLogLevel,
		NATSURL:                    DefaultNATSURL,
		DBPath:                     DefaultDBPath,
	}
}

func defaultAgent() Agent {
	return Agent{
		PrincipalHost:    DefaultPrincipalHost,
		PrincipalPort:    DefaultPrincipalPort,
		MaxConcurrency:   DefaultAgentMaxConcurrency,
		HeartbeatTimeout: DefaultAgentHeartbeatMs * time.Millisecond,
		DefaultTimeout:   DefaultTimeoutMs * time.Millisecond,
		RetryAttempts:    DefaultRetryAttempts,
		LogLevel:         DefaultLogLevel,
		NATSURL:          DefaultNATSURL,
	}
}

// LoadPrincipal builds a Principal config: defaults, then path's YAML
// contents if path is non-empty, then environment overrides.
func LoadPrincipal(path string) (Principal, error) {
	cfg := defaultPrincipal()

	if path != "" {
		doc, err := readYAML(path)
		if err != nil {
			return Principal{}, err
		}
		if doc.Principal.Host != "" {
			cfg.Host = doc.Principal.Host
		}
		if doc.Principal.Port != 0 {
			cfg.Port = doc.Principal.Port
		}
		if doc.Principal.LogsListeningPort != 0 {
			cfg.LogsListeningPort = doc.Principal.LogsListeningPort
		}
		if doc.Principal.LogsPublishingPort != 0 {
			cfg.LogsPublishingPort = doc.Principal.LogsPublishingPort
		}
		if doc.Principal.WorkflowDir != "" {
			cfg.WorkflowDir = doc.Principal.WorkflowDir
		}
		if doc.Principal.WorkflowDirRefreshFrequencyS != 0 {
			cfg.WorkflowDirRefreshInterval = time.Duration(doc.Principal.WorkflowDirRefreshFrequencyS) * time.Second
		}
		if doc.Principal.LogLevel != "" {
			cfg.LogLevel = doc.Principal.LogLevel
		}
		if doc.Principal.NATSURL != "" {
			cfg.NATSURL = doc.Principal.NATSURL
		}
		if doc.Principal.DBPath != "" {
			cfg.DBPath = doc.Principal.DBPath
		}
		if doc.Principal.MetricsAddr != "" {
			cfg.MetricsAddr = doc.Principal.MetricsAddr
		}
		if doc.Principal.OTELEndpoint != "" {
			cfg.OTELEndpoint = doc.Principal.OTELEndpoint
		}
	}

	if val := os.Getenv("PRINCIPAL_HOST"); val != "" {
		cfg.Host = val
	}
	if val, ok := getenvInt("PRINCIPAL_PORT"); ok {
		cfg.Port = val
	}
	if val, ok := getenvInt("LOGS_LISTENING_PORT"); ok {
		cfg.LogsListeningPort = val
	}
	if val, ok := getenvInt("LOGS_PUBLISHING_PORT"); ok {
		cfg.LogsPublishingPort = val
	}
	if val := os.Getenv("WORKFLOW_DIR"); val != "" {
		cfg.WorkflowDir = val
	}
	if val, ok := getenvInt("WORKFLOW_DIR_REFRESH_FREQUENCY_S"); ok {
		cfg.WorkflowDirRefreshInterval = time.Duration(val) * time.Second
	}
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		cfg.LogLevel = strings.ToLower(val)
	}
	if val := os.Getenv("CDKTR_NATS_URL"); val != "" {
		cfg.NATSURL = val
	}
	if val := os.Getenv("CDKTR_DB_PATH"); val != "" {
		cfg.DBPath = val
	}
	if val := os.Getenv("CDKTR_METRICS_ADDR"); val != "" {
		cfg.MetricsAddr = val
	}
	if val := os.Getenv("CDKTR_OTEL_ENDPOINT"); val != "" {
		cfg.OTELEndpoint = val
	}

	return cfg, nil
}

// LoadAgent builds an Agent config the same way LoadPrincipal does.
func LoadAgent(path string) (Agent, error) {
	cfg := defaultAgent()

	if path != "" {
		doc, err := readYAML(path)
		if err != nil {
			return Agent{}, err
		}
		if doc.Agent.PrincipalHost != "" {
			cfg.PrincipalHost = doc.Agent.PrincipalHost
		}
		if doc.Agent.PrincipalPort != 0 {
			cfg.PrincipalPort = doc.Agent.PrincipalPort
		}
		if doc.Agent.MaxConcurrency != 0 {
			cfg.MaxConcurrency = doc.Agent.MaxConcurrency
		}
		if doc.Agent.HeartbeatTimeoutMs != 0 {
			cfg.HeartbeatTimeout = time.Duration(doc.Agent.HeartbeatTimeoutMs) * time.Millisecond
		}
		if doc.Agent.DefaultTimeoutMs != 0 {
			cfg.DefaultTimeout = time.Duration(doc.Agent.DefaultTimeoutMs) * time.Millisecond
		}
		if doc.Agent.RetryAttempts != 0 {
			cfg.RetryAttempts = doc.Agent.RetryAttempts
		}
		if doc.Agent.LogLevel != "" {
			cfg.LogLevel = doc.Agent.LogLevel
		}
		if doc.Agent.NATSURL != "" {
			cfg.NATSURL = doc.Agent.NATSURL
		}
		if doc.Agent.OTELEndpoint != "" {
			cfg.OTELEndpoint = doc.Agent.OTELEndpoint
		}
	}

	if val := os.Getenv("PRINCIPAL_HOST"); val != "" {
		cfg.PrincipalHost = val
	}
	if val, ok := getenvInt("PRINCIPAL_PORT"); ok {
		cfg.PrincipalPort = val
	}
	if val, ok := getenvInt("AGENT_MAX_CONCURRENCY"); ok {
		cfg.MaxConcurrency = val
	}
	if val, ok := getenvInt("AGENT_HEARTBEAT_TIMEOUT_MS"); ok {
		cfg.HeartbeatTimeout = time.Duration(val) * time.Millisecond
	}
	if val, ok := getenvInt("DEFAULT_TIMEOUT_MS"); ok {
		cfg.DefaultTimeout = time.Duration(val) * time.Millisecond
	}
	if val, ok := getenvInt("RETRY_ATTEMPTS"); ok {
		cfg.RetryAttempts = val
	}
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		cfg.LogLevel = strings.ToLower(val)
	}
	if val := os.Getenv("CDKTR_NATS_URL"); val != "" {
		cfg.NATSURL = val
	}
	if val := os.Getenv("CDKTR_OTEL_ENDPOINT"); val != "" {
		cfg.OTELEndpoint = val
	}

	return cfg, nil
}

func readYAML(path string) (yamlDoc, error) {
	var doc yamlDoc
	data, err := os.ReadFile(path)
	if err != nil {
		return doc, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return doc, nil
}

func getenvInt(key string) (int, bool) {
	val := os.Getenv(key)
	if val == "" {
		return 0, false
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, false
	}
	return n, true
}
