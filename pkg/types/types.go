// Package types provides core types and configuration for Revenant.
package types

import (
	"fmt"
	"strings"
	"time"
)

// ArtifactKind distinguishes applications from the domains they depend on.
type ArtifactKind string

const (
	KindApplication ArtifactKind = "application"
	KindDomain      ArtifactKind = "domain"
)

// ProcessingOrder is the order kinds are reconciled in. Domains go first so
// applications dropped together with their domain can resolve it.
var ProcessingOrder = []ArtifactKind{KindDomain, KindApplication}

// DefaultDomain is the implicit domain every application belongs to unless
// its descriptor names another one. It is always considered deployed.
const DefaultDomain = "default"

// ParseArtifactKind accepts the singular and plural spellings used on the command line.
func ParseArtifactKind(s string) (ArtifactKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "app", "apps", "application", "applications":
		return KindApplication, nil
	case "domain", "domains":
		return KindDomain, nil
	}
	return "", fmt.Errorf("%w: unknown artifact kind %q", ErrInvalidArgument, s)
}

// Valid reports whether k is a known kind.
func (k ArtifactKind) Valid() bool {
	return k == KindApplication || k == KindDomain
}

// DescriptorFile is the entry file that identifies an exploded artifact.
func (k ArtifactKind) DescriptorFile() string {
	if k == KindDomain {
		return "domain.yaml"
	}
	return "application.yaml"
}

func (k ArtifactKind) String() string { return string(k) }

// LifecycleState is the position of one artifact in its lifecycle.
type LifecycleState string

const (
	StateFresh       LifecycleState = "fresh"
	StateDeploying   LifecycleState = "deploying"
	StateDeployed    LifecycleState = "deployed"
	StateRedeploying LifecycleState = "redeploying"
	StateUndeploying LifecycleState = "undeploying"
	StateFailed      LifecycleState = "failed"
	// StateUndeployed is only ever written to the status mirror
	StateUndeployed  LifecycleState = "undeployed"
)

// IsRest reports whether s is a state an artifact can stay in between passes.
func (s LifecycleState) IsRest() bool {
	return s == StateDeployed || s == StateFailed
}

// LogLevel represents logging verbosity levels.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Descriptor is the parsed entry file of an exploded artifact. It is what the
// construction collaborator receives.
type Descriptor struct {
	Name                string            `json:"name" yaml:"name"`
	Kind                ArtifactKind      `json:"kind" yaml:"-"`
	Location            string            `json:"location" yaml:"-"`
	Domain              string            `json:"domain,omitempty" yaml:"domain,omitempty"`
	Command             string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args                []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Environment         map[string]string `json:"environment,omitempty" yaml:"environment,omitempty"`
	Properties          map[string]string `json:"properties,omitempty" yaml:"properties,omitempty"`
	RedeploymentEnabled *bool             `json:"redeploymentEnabled,omitempty" yaml:"redeploymentEnabled,omitempty"`
}

// AllowsRedeployment reports whether content changes should trigger a redeploy.
func (d Descriptor) AllowsRedeployment() bool {
	return d.RedeploymentEnabled == nil || *d.RedeploymentEnabled
}

// WatchConfig configures change detection.
type WatchConfig struct {
	// Fsnotify wakes the poll loop early on filesystem events
	Fsnotify bool `json:"fsnotify" yaml:"fsnotify" toml:"fsnotify"`
	// Debounce in milliseconds applied to filesystem events
	Debounce int `json:"debounce,omitempty" yaml:"debounce,omitempty" toml:"debounce,omitempty"`
}

// NotificationConfig represents notification preferences.
type NotificationConfig struct {
	Enabled      *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty" toml:"enabled,omitempty"`
	SuccessSound string `json:"successSound,omitempty" yaml:"successSound,omitempty" toml:"successSound,omitempty"`
	FailureSound string `json:"failureSound,omitempty" yaml:"failureSound,omitempty" toml:"failureSound,omitempty"`
}

// APIConfig configures the management HTTP surface.
type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Addr    string `json:"addr,omitempty" yaml:"addr,omitempty" toml:"addr,omitempty"`
}

// MetricsConfig toggles the Prometheus listener and /metrics route.
type MetricsConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled" toml:"enabled"`
}

// LoggingConfig represents logging configuration.
type LoggingConfig struct {
	File  string   `json:"file" yaml:"file" toml:"file"`
	Level LogLevel `json:"level" yaml:"level" toml:"level"`
}

// RevenantConfig represents the main configuration.
type RevenantConfig struct {
	Version       string              `json:"version" yaml:"version" toml:"version"`
	AppsDir       string              `json:"apps" yaml:"apps" toml:"apps"`
	DomainsDir    string              `json:"domains" yaml:"domains" toml:"domains"`
	StateDir      string              `json:"stateDir,omitempty" yaml:"stateDir,omitempty" toml:"stateDir,omitempty"`
	PollInterval  int                 `json:"pollInterval,omitempty" yaml:"pollInterval,omitempty" toml:"pollInterval,omitempty"`
	StartupOrder  []string            `json:"startupOrder,omitempty" yaml:"startupOrder,omitempty" toml:"startupOrder,omitempty"`
	Watch         *WatchConfig        `json:"watch,omitempty" yaml:"watch,omitempty" toml:"watch,omitempty"`
	Notifications *NotificationConfig `json:"notifications,omitempty" yaml:"notifications,omitempty" toml:"notifications,omitempty"`
	API           *APIConfig          `json:"api,omitempty" yaml:"api,omitempty" toml:"api,omitempty"`
	Metrics       *MetricsConfig      `json:"metrics,omitempty" yaml:"metrics,omitempty" toml:"metrics,omitempty"`
	Logging       *LoggingConfig      `json:"logging,omitempty" yaml:"logging,omitempty" toml:"logging,omitempty"`
}

// DefaultPollInterval is used when the configuration leaves it unset.
const DefaultPollInterval = 5 * time.Second

// GetPollInterval returns the watcher interval.
func (c *RevenantConfig) GetPollInterval() time.Duration {
	if c.PollInterval <= 0 {
		return DefaultPollInterval
	}
	return time.Duration(c.PollInterval) * time.Millisecond
}

// WatchDir returns the watched directory for kind.
func (c *RevenantConfig) WatchDir(kind ArtifactKind) string {
	if kind == KindDomain {
		return c.DomainsDir
	}
	return c.AppsDir
}

// NotificationsEnabled reports whether desktop notifications are on.
func (c *RevenantConfig) NotificationsEnabled() bool {
	return c.Notifications != nil && c.Notifications.Enabled != nil && *c.Notifications.Enabled
}

// FsnotifyEnabled reports whether filesystem events should wake the watcher.
func (c *RevenantConfig) FsnotifyEnabled() bool {
	return c.Watch != nil && c.Watch.Fsnotify
}

// ParseStartupOrder splits an operator supplied order such as "3:1:2".
// Colons and commas both delimit; blanks are dropped and duplicates kept once.
func ParseStartupOrder(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ':' || r == ','
	})

	seen := make(map[string]bool, len(fields))
	order := make([]string, 0, len(fields))
	for _, f := range fields {
		name := strings.TrimSpace(f)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		order = append(order, name)
	}
	return order
}

// MetricsEnabled reports whether Prometheus collection is on.
func (c *RevenantConfig) MetricsEnabled() bool {
	return c.Metrics != nil && c.Metrics.Enabled
}

// APIEnabled reports whether the management API should listen.
func (c *RevenantConfig) APIEnabled() bool {
	return c.API != nil && c.API.Enabled
}
