// Copyright 2025 Fenwick AI
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

// Package config loads the broker's startup configuration from a Provider
// (local file, Consul, etcd, or Zookeeper), decodes it with mapstructure,
// and overlays process environment variables (including .env files read
// through godotenv) on top of the decoded values.
package config

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Transport selects how the broker accepts connections.
type Transport string

const (
	TransportStdio     Transport = "stdio"
	TransportWebSocket Transport = "websocket"
)

// Config is the broker's full startup configuration.
type Config struct {
	Transport Transport `mapstructure:"transport" yaml:"transport"`
	WSAddr    string    `mapstructure:"ws_addr" yaml:"ws_addr"`
	LogLevel  string    `mapstructure:"log_level" yaml:"log_level"`

	Model struct {
		BaseURL          string `mapstructure:"base_url" yaml:"base_url"`
		APIKey           string `mapstructure:"api_key" yaml:"api_key"`
		Name             string `mapstructure:"name" yaml:"name"`
		MaxToolCalls     int    `mapstructure:"max_tool_calls" yaml:"max_tool_calls"`
		MaxContextTokens int    `mapstructure:"max_context_tokens" yaml:"max_context_tokens"`
	} `mapstructure:"model" yaml:"model"`

	MCPServers []MCPServerConfig `mapstructure:"mcp_servers" yaml:"mcp_servers"`

	Audit struct {
		Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
		DBPath  string `mapstructure:"db_path" yaml:"db_path"`
	} `mapstructure:"audit" yaml:"audit"`

	Metrics struct {
		Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
		Addr    string `mapstructure:"addr" yaml:"addr"`
	} `mapstructure:"metrics" yaml:"metrics"`

	Auth struct {
		Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
		JWKSURL  string `mapstructure:"jwks_url" yaml:"jwks_url"`
		Issuer   string `mapstructure:"issuer" yaml:"issuer"`
		Audience string `mapstructure:"audience" yaml:"audience"`
	} `mapstructure:"auth" yaml:"auth"`

	Tracing struct {
		Enabled      bool    `mapstructure:"enabled" yaml:"enabled"`
		ServiceName  string  `mapstructure:"service_name" yaml:"service_name"`
		SamplingRate float64 `mapstructure:"sampling_rate" yaml:"sampling_rate"`
	} `mapstructure:"tracing" yaml:"tracing"`
}

// MCPServerConfig configures one supplemental stdio-launched MCP tool
// server, wired into every session's toolcatalog.Builder as a Source.
type MCPServerConfig struct {
	Name    string            `mapstructure:"name" yaml:"name"`
	Command string            `mapstructure:"command" yaml:"command"`
	Args    []string          `mapstructure:"args" yaml:"args"`
	Env     map[string]string `mapstructure:"env" yaml:"env"`
}

// SetDefaults fills in zero-valued fields with broker defaults.
func (c *Config) SetDefaults() {
	if c.Transport == "" {
		c.Transport = TransportStdio
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Model.Name == "" {
		c.Model.Name = "gpt-4o-mini"
	}
	if c.Model.BaseURL == "" {
		c.Model.BaseURL = "https://api.openai.com/v1"
	}
	if c.Model.MaxToolCalls == 0 {
		c.Model.MaxToolCalls = 25
	}
}

// Validate reports configuration errors that SetDefaults cannot paper over.
func (c *Config) Validate() error {
	if c.Transport != TransportStdio && c.Transport != TransportWebSocket {
		return fmt.Errorf("config: unknown transport %q", c.Transport)
	}
	if c.Transport == TransportWebSocket && c.WSAddr == "" {
		return fmt.Errorf("config: ws_addr is required for websocket transport")
	}
	if c.Model.APIKey == "" {
		return fmt.Errorf("config: model.api_key is required (set via config file or OPENAI_API_KEY)")
	}
	if c.Auth.Enabled && c.Auth.JWKSURL == "" {
		return fmt.Errorf("config: auth.jwks_url is required when auth.enabled is true")
	}
	return nil
}

// Load reads raw bytes from p, expands ${VAR} references against the
// process environment, decodes the YAML into a Config, applies defaults,
// and validates the result.
func Load(p Provider) (*Config, error) {
	_ = LoadEnvFiles()

	raw, err := p.Load(context.Background())
	if err != nil {
		return nil, fmt.Errorf("config: load from %s provider: %w", p.Type(), err)
	}

	var data map[string]interface{}
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	data, _ = ExpandEnvVarsInData(data).(map[string]interface{})

	var cfg Config
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return nil, fmt.Errorf("config: build decoder: %w", err)
	}
	if err := decoder.Decode(data); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}

	applyEnvOverrides(&cfg)
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides applies well-known environment variables on top of the
// config source: ACPBROKER_LOG_LEVEL overrides log_level, while
// OPENAI_API_KEY only fills model.api_key when the source left it empty.
func applyEnvOverrides(cfg *Config) {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Model.APIKey == "" {
		cfg.Model.APIKey = key
	}
	if lvl := os.Getenv("ACPBROKER_LOG_LEVEL"); lvl != "" {
		cfg.LogLevel = lvl
	}
}

// LoadEnvFiles loads .env.local then .env into the process environment,
// ignoring a missing file.
func LoadEnvFiles() error {
	for _, file := range []string{".env.local", ".env"} {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("config: load %s: %w", file, err)
		}
	}
	return nil
}

var envVarPatterns = struct {
	withDefault *regexp.Regexp
	braced      *regexp.Regexp
	simple      *regexp.Regexp
}{
	withDefault: regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*):-(.*?)\}`),
	braced:      regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`),
	simple:      regexp.MustCompile(`\$([A-Z_][A-Z0-9_]*)`),
}

func expandEnvVars(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}
	s = envVarPatterns.withDefault.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.withDefault.FindStringSubmatch(match)
		if len(parts) == 3 {
			if val := os.Getenv(parts[1]); val != "" {
				return val
			}
			return parts[2]
		}
		return match
	})
	s = envVarPatterns.braced.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.braced.FindStringSubmatch(match)
		if len(parts) == 2 {
			return os.Getenv(parts[1])
		}
		return match
	})
	s = envVarPatterns.simple.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.simple.FindStringSubmatch(match)
		if len(parts) == 2 {
			return os.Getenv(parts[1])
		}
		return match
	})
	return s
}

func parseValue(value string) interface{} {
	switch strings.ToLower(value) {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.Atoi(value); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	return value
}

// ExpandEnvVarsInData walks a decoded YAML document and substitutes
// ${VAR}/$VAR/${VAR:-default} references against the process environment,
// coercing the expanded string back to bool/int/float when it looks like
// one.
func ExpandEnvVarsInData(data interface{}) interface{} {
	switch v := data.(type) {
	case string:
		expanded := expandEnvVars(v)
		if expanded != v {
			return parseValue(expanded)
		}
		return expanded
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, value := range v {
			out[key] = ExpandEnvVarsInData(value)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = ExpandEnvVarsInData(item)
		}
		return out
	default:
		return v
	}
}
