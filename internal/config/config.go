// Copyright 2023 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config defines the external YAML schema (spec.md §6) and loads
// it with koanf: a YAML file layered with L4LB_-prefixed environment
// overrides. Grounded on original_source/src/config/mod.rs's Config/
// LBRule/*Config structs and Config::validate, and on omeyang-XKit's
// pkg/config/xconf/koanf.go for the koanf wiring idiom (New(delim),
// provider/parser composition).
package config

import (
	"fmt"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the root document, matching spec.md §6's YAML schema.
type Config struct {
	Rules   []Rule         `koanf:"rules"`
	Cluster *ClusterConfig `koanf:"cluster"`
	Log     *LogConfig     `koanf:"log"`
}

// LogConfig controls the external log subsystem's verbosity, consumed by
// cmd/l4lb to configure slog, not by the core itself.
type LogConfig struct {
	Level string `koanf:"level"`
}

// ClusterConfig controls the gossip layer, per spec.md §6.
type ClusterConfig struct {
	Enabled   bool     `koanf:"enabled"`
	BindAddr  string   `koanf:"bind_addr"`
	Peers     []string `koanf:"peers"`
}

// Rule is one load-balancing rule, per spec.md §6, extended with the
// SPEC_FULL.md §6 supplements (acl, send_proxy_protocol, idle_timeout_ms,
// and detailed backend entries).
type Rule struct {
	Name     string     `koanf:"name"`
	Listen   string     `koanf:"listen"`
	Backends []Backend  `koanf:"backends"`
	Protocol string     `koanf:"protocol"` // default "tcp"

	TLS                    *TLSConfig        `koanf:"tls"`
	BackendTLS             *BackendTLSConfig `koanf:"backend_tls"`
	RateLimit              *RateLimitConfig  `koanf:"rate_limit"`
	BandwidthLimit         *BandwidthLimitConfig `koanf:"bandwidth_limit"`
	BackendConnectionLimit *int              `koanf:"backend_connection_limit"`
	HealthCheck            *HealthCheckConfig `koanf:"health_check"`
	ACL                    *ACLConfig        `koanf:"acl"`
	SendProxyProtocol      bool              `koanf:"send_proxy_protocol"`
	IdleTimeoutMS          *int              `koanf:"idle_timeout_ms"`
}

// Backend is either a bare "host:port" string or a detailed map with an
// explicit drain flag, per SPEC_FULL.md §6 / original_source's
// BackendConfig::{Simple,Detailed}. Koanf decodes both shapes into this
// struct via backendDecodeHook (see backend_decode.go).
type Backend struct {
	Addr  string
	Drain bool
}

// ACLConfig is the per-rule allow/deny CIDR list, per SPEC_FULL.md §4.10.
type ACLConfig struct {
	Allow []string `koanf:"allow"`
	Deny  []string `koanf:"deny"`
}

// HealthCheckConfig mirrors original_source's HealthCheckConfig exactly.
type HealthCheckConfig struct {
	Enabled    bool   `koanf:"enabled"`
	IntervalMS uint64 `koanf:"interval_ms"`
	TimeoutMS  uint64 `koanf:"timeout_ms"`
	Protocol   string `koanf:"protocol"` // "tcp" | "http"
	Path       string `koanf:"path"`
}

// TLSConfig controls client-facing TLS termination.
type TLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	Cert    string `koanf:"cert"`
	Key     string `koanf:"key"`
}

// RateLimitConfig controls the connection-rate limiter.
type RateLimitConfig struct {
	Enabled           bool    `koanf:"enabled"`
	RequestsPerSecond float64 `koanf:"requests_per_second"`
	Burst             float64 `koanf:"burst"`
}

// BandwidthLimitConfig controls client- and backend-side byte throttling.
type BandwidthLimitConfig struct {
	Enabled bool                      `koanf:"enabled"`
	Client  *DirectionalBandwidth     `koanf:"client"`
	Backend *DirectionalBandwidth     `koanf:"backend"`
}

// DirectionalBandwidth is one side's upload/download caps, in bytes/sec.
type DirectionalBandwidth struct {
	UploadPerSec   uint32 `koanf:"upload_per_sec"`
	DownloadPerSec uint32 `koanf:"download_per_sec"`
}

// BackendTLSConfig controls backend-side re-encryption.
type BackendTLSConfig struct {
	Enabled       bool `koanf:"enabled"`
	IgnoreVerify  bool `koanf:"ignore_verify"`
}

// Load reads path as YAML, then overlays any L4LB_-prefixed environment
// variable (L4LB_CLUSTER_BIND_ADDR -> cluster.bind_addr: the first
// underscore after the prefix separates section from key), and unmarshals
// into a Config. Grounded on omeyang-XKit's koanf.go layering pattern.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	envProvider := env.Provider("L4LB_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "L4LB_")
		return strings.Replace(strings.ToLower(s), "_", ".", 1)
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("config: reading environment overrides: %w", err)
	}

	var cfg Config
	unmarshalConf := koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			Result:           &cfg,
			WeaklyTypedInput: true,
			TagName:          "koanf",
			DecodeHook:       backendDecodeHook(),
		},
	}
	if err := k.UnmarshalWithConf("", &cfg, unmarshalConf); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	for i := range cfg.Rules {
		r := &cfg.Rules[i]
		if r.Protocol == "" {
			r.Protocol = "tcp"
		}
		if r.HealthCheck != nil {
			if r.HealthCheck.IntervalMS == 0 {
				r.HealthCheck.IntervalMS = 5000
			}
			if r.HealthCheck.TimeoutMS == 0 {
				r.HealthCheck.TimeoutMS = 1000
			}
			if r.HealthCheck.Protocol == "" {
				r.HealthCheck.Protocol = "tcp"
			}
		}
	}
}

// Validate matches original_source/src/config/mod.rs's Config::validate:
// rules must be non-empty, and every rule needs a non-empty listen
// address and at least one backend.
func (c *Config) Validate() error {
	if len(c.Rules) == 0 {
		return fmt.Errorf("config: rules are empty")
	}
	for i, r := range c.Rules {
		if r.Listen == "" {
			return fmt.Errorf("config: rule %q (index %d) has no listen address", r.Name, i)
		}
		if len(r.Backends) == 0 {
			return fmt.Errorf("config: rule %q (index %d) has no backends", r.Name, i)
		}
	}
	return nil
}
