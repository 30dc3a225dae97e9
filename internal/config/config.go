// Package config loads the simulator's YAML configuration using a
// struct-with-yaml-tags, defaults-before-unmarshal pattern.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level simulator configuration (spec.md §6's
// "configuration file grammar").
type Config struct {
	StateDir    string       `yaml:"state_dir"`
	Persistence PersistConfig `yaml:"persistence"`
	Logs        LogsConfig   `yaml:"logs"`
	Admin       AdminConfig  `yaml:"admin"`
	MCs         []MCEntry    `yaml:"mcs"`
}

// PersistConfig controls the name/value record store of spec.md §4.7.
type PersistConfig struct {
	AppName  string `yaml:"app_name"`
	Instance string `yaml:"instance"`
	Disabled bool   `yaml:"disabled"`
}

// LogsConfig controls per-channel SOL transcript logging.
type LogsConfig struct {
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

// AdminConfig controls the read-only introspection HTTP surface.
type AdminConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// MCEntry configures one managed controller and its channels.
type MCEntry struct {
	IPMBAddr  uint8          `yaml:"ipmb_addr"`
	DeviceID  uint8          `yaml:"device_id"`
	FWRev     [2]uint8       `yaml:"fw_rev"`
	MfgID     [3]uint8       `yaml:"mfg_id,omitempty"`
	ProductID uint16         `yaml:"product_id,omitempty"`
	Channels  []ChannelEntry `yaml:"channels"`
	Users     []UserEntry    `yaml:"users"`
	StartCmd  string         `yaml:"start_cmd"`
}

// ChannelEntry configures one of an MC's 16 channels.
type ChannelEntry struct {
	Number       int    `yaml:"number"`
	Medium       string `yaml:"medium"` // "lan", "ipmb", "serial", "system_interface"
	SerialDevice string `yaml:"serial_device,omitempty"`
	ListenAddr   string `yaml:"listen_addr,omitempty"` // for lan channels
}

// UserEntry seeds one MC user table slot.
type UserEntry struct {
	Index    uint8  `yaml:"index"`
	Name     string `yaml:"name"`
	Password string `yaml:"password"`
	Priv     uint8  `yaml:"priv"`
}

const defaultSysconfigPath = "/etc/ipmi/lan.conf"

// Load reads and parses path, applying defaults before unmarshaling so
// a sparse config file only overrides what it mentions.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := &Config{
		StateDir: "/var/lib/ipmisimd",
		Persistence: PersistConfig{
			AppName:  "ipmisimd",
			Instance: "default",
		},
		Logs: LogsConfig{
			Path:          "/var/log/ipmisimd",
			RetentionDays: 30,
		},
		Admin: AdminConfig{
			Enabled: true,
			Port:    8080,
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if len(cfg.MCs) == 0 {
		cfg.MCs = []MCEntry{DefaultBMC()}
	}
	return cfg, nil
}

// DefaultSysconfigPath is the default -c flag value (spec.md §6).
func DefaultSysconfigPath() string { return defaultSysconfigPath }

// DefaultBMC returns the minimal single-BMC configuration used when no
// config file names any MCs.
func DefaultBMC() MCEntry {
	return MCEntry{
		IPMBAddr: 0x20,
		Channels: []ChannelEntry{
			{Number: 1, Medium: "lan", ListenAddr: ":623"},
			{Number: 15, Medium: "system_interface"},
		},
		Users: []UserEntry{
			{Index: 1, Name: "admin", Password: "admin", Priv: 0x04},
		},
	}
}
