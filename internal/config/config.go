package config

// Configuration loading and validation for chaosbot

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DiscoveryPolicy selects how a VLAN's target set is produced.
type DiscoveryPolicy string

const (
	// PolicyARPOnly attacks only hosts found by the ARP sweep.
	PolicyARPOnly DiscoveryPolicy = "arp_only"
	// PolicyARPStaticFallback falls back to the static target list when
	// the sweep finds nothing.
	PolicyARPStaticFallback DiscoveryPolicy = "arp_with_static_fallback"
)

// reservedVlans are cluster-control segments that must never be hopped.
var reservedVlans = map[int]bool{20: true, 21: true}

// Reserved reports whether vlanID belongs to a cluster-control segment.
func Reserved(vlanID int) bool {
	return reservedVlans[vlanID]
}

// VlanProfile describes one hoppable VLAN segment.
type VlanProfile struct {
	ID        int             `yaml:"id" json:"id"`
	Name      string          `yaml:"name,omitempty" json:"name,omitempty"`
	Gateway   string          `yaml:"gateway,omitempty" json:"gateway,omitempty"`
	Subnet    string          `yaml:"subnet,omitempty" json:"subnet,omitempty"`
	Discovery DiscoveryPolicy `yaml:"discovery,omitempty" json:"discovery,omitempty"`
	Targets   []string        `yaml:"targets" json:"targets"`
}

// SubnetCIDR returns the profile's subnet, deriving the /24 from the
// gateway address when no explicit subnet is configured.
func (v VlanProfile) SubnetCIDR() (string, error) {
	if v.Subnet != "" {
		_, n, err := net.ParseCIDR(v.Subnet)
		if err != nil {
			return "", fmt.Errorf("vlan %d: bad subnet %q: %w", v.ID, v.Subnet, err)
		}
		return n.String(), nil
	}
	if v.Gateway == "" {
		return "", fmt.Errorf("vlan %d: no subnet or gateway configured", v.ID)
	}
	ip := net.ParseIP(v.Gateway)
	if ip == nil || ip.To4() == nil {
		return "", fmt.Errorf("vlan %d: bad gateway %q", v.ID, v.Gateway)
	}
	_, n, err := net.ParseCIDR(ip.String() + "/24")
	if err != nil {
		return "", err
	}
	return n.String(), nil
}

// GeneralConfig holds process-wide settings.
type GeneralConfig struct {
	Interface    string `yaml:"interface" json:"interface"`
	ManagementIP string `yaml:"management_ip,omitempty" json:"management_ip,omitempty"`
	DryRun       bool   `yaml:"dry_run,omitempty" json:"dry_run,omitempty"`
	LogLevel     string `yaml:"log_level,omitempty" json:"log_level,omitempty"`
	LogFile      string `yaml:"log_file,omitempty" json:"log_file,omitempty"`
	HistoryDB    string `yaml:"history_db,omitempty" json:"history_db,omitempty"`
}

// ScheduleConfig holds timing knobs, all in seconds.
type ScheduleConfig struct {
	CooldownMin    int `yaml:"cooldown_min" json:"cooldown_min"`
	CooldownMax    int `yaml:"cooldown_max" json:"cooldown_max"`
	ModuleDelayMin int `yaml:"module_delay_min,omitempty" json:"module_delay_min,omitempty"`
	ModuleDelayMax int `yaml:"module_delay_max,omitempty" json:"module_delay_max,omitempty"`
	LeaseTimeout   int `yaml:"lease_timeout,omitempty" json:"lease_timeout,omitempty"`
	ModuleTimeout  int `yaml:"module_timeout,omitempty" json:"module_timeout,omitempty"`
}

// CooldownRange returns the configured cooldown bounds as durations.
func (s ScheduleConfig) CooldownRange() (time.Duration, time.Duration) {
	min, max := s.CooldownMin, s.CooldownMax
	if min <= 0 {
		min = 30
	}
	if max < min {
		max = min
	}
	return time.Duration(min) * time.Second, time.Duration(max) * time.Second
}

// LeaseTimeoutDuration returns the DHCP lease timeout (default 60s).
func (s ScheduleConfig) LeaseTimeoutDuration() time.Duration {
	if s.LeaseTimeout <= 0 {
		return 60 * time.Second
	}
	return time.Duration(s.LeaseTimeout) * time.Second
}

// ModuleTimeoutDuration returns the per-module deadline (default 10m).
func (s ScheduleConfig) ModuleTimeoutDuration() time.Duration {
	if s.ModuleTimeout <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(s.ModuleTimeout) * time.Second
}

// ModuleConfig holds per-module settings. Fields unused by a module are
// simply ignored by it.
type ModuleConfig struct {
	Enabled     *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Intensity   string   `yaml:"intensity,omitempty" json:"intensity,omitempty"`
	PortList    string   `yaml:"port_list,omitempty" json:"port_list,omitempty"`
	Protocols   []string `yaml:"protocols,omitempty" json:"protocols,omitempty"`
	MaxAttempts int      `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`
	Resolver    string   `yaml:"resolver,omitempty" json:"resolver,omitempty"`
	QueryCount  int      `yaml:"query_count,omitempty" json:"query_count,omitempty"`
	Paths       []string `yaml:"paths,omitempty" json:"paths,omitempty"`
}

// CredentialsConfig holds the intentionally failing probe credentials.
type CredentialsConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// NotificationsConfig controls the webhook notifier.
type NotificationsConfig struct {
	Enabled         bool   `yaml:"enabled" json:"enabled"`
	WebhookURL      string `yaml:"webhook_url,omitempty" json:"webhook_url,omitempty"`
	OnCycleComplete *bool  `yaml:"on_cycle_complete,omitempty" json:"on_cycle_complete,omitempty"`
	OnError         *bool  `yaml:"on_error,omitempty" json:"on_error,omitempty"`
}

// MetricsConfig controls the Prometheus exporter.
type MetricsConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	Port        int    `yaml:"port,omitempty" json:"port,omitempty"`
	BindAddress string `yaml:"bind_address,omitempty" json:"bind_address,omitempty"`
}

// WebConfig controls the HTTP control API.
type WebConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Host    string `yaml:"host,omitempty" json:"host,omitempty"`
	Port    int    `yaml:"port,omitempty" json:"port,omitempty"`
}

// Config is the resolved configuration snapshot. A loaded Config is
// treated as immutable; updates produce a fresh snapshot.
type Config struct {
	General       GeneralConfig           `yaml:"general" json:"general"`
	Vlans         []VlanProfile           `yaml:"vlans" json:"vlans"`
	Schedule      ScheduleConfig          `yaml:"schedule" json:"schedule"`
	Modules       map[string]ModuleConfig `yaml:"modules" json:"modules"`
	Credentials   CredentialsConfig       `yaml:"credentials,omitempty" json:"credentials,omitempty"`
	ExcludedHosts []string                `yaml:"excluded_hosts,omitempty" json:"excluded_hosts,omitempty"`
	Notifications NotificationsConfig     `yaml:"notifications,omitempty" json:"notifications,omitempty"`
	Metrics       MetricsConfig           `yaml:"metrics,omitempty" json:"metrics,omitempty"`
	Web           WebConfig               `yaml:"web,omitempty" json:"web,omitempty"`

	path string
}

// DefaultPaths are searched in order when no config path is given.
func DefaultPaths() []string {
	home, _ := os.UserHomeDir()
	return []string{
		"config.yml",
		"/etc/chaosbot/config.yml",
		filepath.Join(home, ".chaosbot", "config.yml"),
	}
}

// Find locates the config file, checking the override then default paths.
func Find(override string) (string, error) {
	if override != "" {
		if _, err := os.Stat(override); err != nil {
			return "", fmt.Errorf("config file not found: %s", override)
		}
		return override, nil
	}
	for _, p := range DefaultPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no config found; searched %v", DefaultPaths())
}

// Load reads, validates and defaults a config file.
func Load(path string) (*Config, error) {
	resolved, err := Find(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", resolved, err)
	}
	cfg.path = resolved
	return cfg, nil
}

// Parse decodes, validates and defaults raw YAML config bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.General.Interface == "" {
		c.General.Interface = "eth1"
	}
	if c.General.LogLevel == "" {
		c.General.LogLevel = "info"
	}
	if c.Credentials.Username == "" {
		c.Credentials.Username = "chaos-bot"
	}
	if c.Credentials.Password == "" {
		c.Credentials.Password = "NotARealPassword"
	}
	if c.Modules == nil {
		c.Modules = map[string]ModuleConfig{}
	}
	for i := range c.Vlans {
		if c.Vlans[i].Discovery == "" {
			if len(c.Vlans[i].Targets) > 0 {
				c.Vlans[i].Discovery = PolicyARPStaticFallback
			} else {
				c.Vlans[i].Discovery = PolicyARPOnly
			}
		}
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9100
	}
	if c.Metrics.BindAddress == "" {
		c.Metrics.BindAddress = "0.0.0.0"
	}
	if c.Web.Host == "" {
		c.Web.Host = "0.0.0.0"
	}
	if c.Web.Port == 0 {
		c.Web.Port = 8880
	}
}

// Validate checks structural requirements and the reserved-VLAN invariant.
func (c *Config) Validate() error {
	if len(c.Vlans) == 0 {
		return fmt.Errorf("config must define at least one VLAN")
	}
	seen := map[int]bool{}
	for _, v := range c.Vlans {
		if v.ID <= 0 || v.ID > 4094 {
			return fmt.Errorf("vlan id %d out of 802.1Q range", v.ID)
		}
		if Reserved(v.ID) {
			return fmt.Errorf("vlan %d is a reserved cluster-control segment", v.ID)
		}
		if seen[v.ID] {
			return fmt.Errorf("duplicate vlan id %d", v.ID)
		}
		seen[v.ID] = true
		if _, err := v.SubnetCIDR(); err != nil {
			return err
		}
		switch v.Discovery {
		case PolicyARPOnly, PolicyARPStaticFallback:
		default:
			return fmt.Errorf("vlan %d: unknown discovery policy %q", v.ID, v.Discovery)
		}
	}
	if c.Schedule.CooldownMax > 0 && c.Schedule.CooldownMax < c.Schedule.CooldownMin {
		return fmt.Errorf("schedule: cooldown_max < cooldown_min")
	}
	return nil
}

// Path returns the file the config was loaded from, if any.
func (c *Config) Path() string { return c.path }

// Profile returns the VLAN profile with the given id.
func (c *Config) Profile(id int) (VlanProfile, bool) {
	for _, v := range c.Vlans {
		if v.ID == id {
			return v, true
		}
	}
	return VlanProfile{}, false
}

// ModuleEnabled reports whether the named module is enabled. Modules are
// enabled by default.
func (c *Config) ModuleEnabled(name string) bool {
	mc, ok := c.Modules[name]
	if !ok || mc.Enabled == nil {
		return true
	}
	return *mc.Enabled
}

// Merge produces a new validated snapshot with the partial YAML/JSON
// document applied over this config. The receiver is not modified.
func (c *Config) Merge(partial []byte) (*Config, error) {
	base, err := yaml.Marshal(c)
	if err != nil {
		return nil, err
	}
	var merged Config
	if err := yaml.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(partial, &merged); err != nil {
		return nil, fmt.Errorf("parse config update: %w", err)
	}
	merged.applyDefaults()
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	merged.path = c.path
	return &merged, nil
}
