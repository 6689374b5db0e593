// Package config defines the configuration schema for deskwire.
//
// JSON keys use camelCase. The same keys are used for YAML files.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// RetryConfig bounds automatic resubscribes of failed rooms.
type RetryConfig struct {
	MaxAttempts    int `json:"maxAttempts" yaml:"maxAttempts"`
	InitialDelayMs int `json:"initialDelayMs" yaml:"initialDelayMs"`
	MaxDelayMs     int `json:"maxDelayMs" yaml:"maxDelayMs"`
}

func defaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, InitialDelayMs: 1000, MaxDelayMs: 15000}
}

// RealtimeConfig configures the pub-sub connection.
type RealtimeConfig struct {
	URL                 string      `json:"url" yaml:"url"`
	Namespace           string      `json:"namespace" yaml:"namespace"`
	KnownNamespaces     []string    `json:"knownNamespaces" yaml:"knownNamespaces"`
	MinReconnectDelayMs int         `json:"minReconnectDelayMs" yaml:"minReconnectDelayMs"`
	MaxReconnectDelayMs int         `json:"maxReconnectDelayMs" yaml:"maxReconnectDelayMs"`
	TokenTimeoutMs      int         `json:"tokenTimeoutMs" yaml:"tokenTimeoutMs"`
	Retry               RetryConfig `json:"retry" yaml:"retry"`
}

func defaultRealtimeConfig() RealtimeConfig {
	return RealtimeConfig{
		URL:                 "ws://localhost:8000",
		Namespace:           "conv",
		KnownNamespaces:     []string{},
		MinReconnectDelayMs: 1000,
		MaxReconnectDelayMs: 20000,
		TokenTimeoutMs:      10000,
		Retry:               defaultRetryConfig(),
	}
}

// IssuerConfig points at the HTTP service issuing connect and channel tokens.
type IssuerConfig struct {
	BaseURL     string `json:"baseUrl" yaml:"baseUrl"`
	BearerToken string `json:"bearerToken" yaml:"bearerToken"`
}

// IdentityConfig is the tenant and user this client acts for.
type IdentityConfig struct {
	Tenant string `json:"tenant" yaml:"tenant"`
	User   string `json:"user" yaml:"user"`
}

// ReportConfig configures the periodic snapshot reporter.
type ReportConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Schedule string `json:"schedule" yaml:"schedule"` // cron spec or @every
}

func defaultReportConfig() ReportConfig {
	return ReportConfig{Enabled: true, Schedule: "@every 30s"}
}

// ---- Root config -----------------------------------------------------------

// Config is the root configuration object, loaded from ~/.deskwire/config.json.
type Config struct {
	Realtime RealtimeConfig `json:"realtime" yaml:"realtime"`
	Issuer   IssuerConfig   `json:"issuer" yaml:"issuer"`
	Identity IdentityConfig `json:"identity" yaml:"identity"`
	Rooms    []string       `json:"rooms" yaml:"rooms"`
	Report   ReportConfig   `json:"report" yaml:"report"`
}

// DefaultConfig returns a Config populated with all default values.
func DefaultConfig() Config {
	return Config{
		Realtime: defaultRealtimeConfig(),
		Issuer:   IssuerConfig{BaseURL: "http://localhost:8080"},
		Rooms:    []string{},
		Report:   defaultReportConfig(),
	}
}

// Validate reports every setting the client cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Realtime.URL) == "" {
		errs = append(errs, errors.New("realtime.url is required"))
	}
	if strings.TrimSpace(c.Issuer.BaseURL) == "" {
		errs = append(errs, errors.New("issuer.baseUrl is required"))
	} else if u, err := url.Parse(c.Issuer.BaseURL); err != nil || u.Host == "" {
		errs = append(errs, fmt.Errorf("issuer.baseUrl %q is not an absolute URL", c.Issuer.BaseURL))
	}
	if strings.TrimSpace(c.Identity.Tenant) == "" {
		errs = append(errs, errors.New("identity.tenant is required"))
	}
	if c.Realtime.MaxReconnectDelayMs > 0 && c.Realtime.MaxReconnectDelayMs < c.Realtime.MinReconnectDelayMs {
		errs = append(errs, errors.New("realtime.maxReconnectDelayMs is below minReconnectDelayMs"))
	}
	if c.Realtime.Retry.MaxAttempts < 0 {
		errs = append(errs, errors.New("realtime.retry.maxAttempts must not be negative"))
	}
	return errors.Join(errs...)
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (r RealtimeConfig) MinReconnectDelay() time.Duration { return ms(r.MinReconnectDelayMs) }
func (r RealtimeConfig) MaxReconnectDelay() time.Duration { return ms(r.MaxReconnectDelayMs) }
func (r RealtimeConfig) TokenTimeout() time.Duration      { return ms(r.TokenTimeoutMs) }
func (r RetryConfig) InitialDelay() time.Duration         { return ms(r.InitialDelayMs) }
func (r RetryConfig) MaxDelay() time.Duration             { return ms(r.MaxDelayMs) }
