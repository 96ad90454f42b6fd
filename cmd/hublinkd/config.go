package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hublink/hublink-go/pkg/buffer"
	"github.com/hublink/hublink-go/pkg/watchdog"
)

// Config holds the daemon configuration. Values come from an optional YAML
// file; flags given on the command line override it.
type Config struct {
	Serial        string `yaml:"serial"`
	MAC           string `yaml:"mac"`
	ProductID     int    `yaml:"product_id"`
	FirmwareMajor int    `yaml:"firmware_major"`
	FirmwareMinor int    `yaml:"firmware_minor"`

	// CredentialHost is the provisioning endpoint, optionally with ":port".
	CredentialHost     string `yaml:"credential_host"`
	CredentialResource string `yaml:"credential_resource"`

	BrokerPort   int    `yaml:"broker_port"`
	CleanSession bool   `yaml:"clean_session"`
	RootCA       string `yaml:"root_ca"`

	DataDir        string   `yaml:"data_dir"`
	NTPServers     []string `yaml:"ntp_servers"`
	Interface      string   `yaml:"interface"`
	BufferCapacity int      `yaml:"buffer_capacity"`
	TraceMessages  bool     `yaml:"trace_messages"`

	WatchdogTimeout time.Duration `yaml:"watchdog_timeout"`

	LogLevel    string `yaml:"log_level"`
	TraceFile   string `yaml:"trace_file"`
	MetricsAddr string `yaml:"metrics_addr"`
	Interactive bool   `yaml:"interactive"`
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML configuration. Unknown keys are rejected.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// bindFlags registers the command-line flags that can override the file.
func bindFlags(fs *flag.FlagSet, c *Config) {
	fs.StringVar(&c.Serial, "serial", "", "Hub serial number")
	fs.StringVar(&c.MAC, "mac", "", "Hub MAC address (aa:bb:cc:dd:ee:ff)")
	fs.StringVar(&c.CredentialHost, "host", "", "Credential endpoint host[:port]")
	fs.IntVar(&c.BrokerPort, "broker-port", 0, "Broker TLS port (default 8883)")
	fs.StringVar(&c.RootCA, "root-ca", "", "PEM bundle of trusted roots (default: system pool)")
	fs.StringVar(&c.DataDir, "data-dir", "", "Directory for persisted keys and certificates")
	fs.StringVar(&c.Interface, "interface", "", "Network interface to watch (default: any)")
	fs.StringVar(&c.LogLevel, "log-level", "", "Log level: debug, info, warn, error")
	fs.StringVar(&c.TraceFile, "trace", "", "Write the protocol trace to this file")
	fs.StringVar(&c.MetricsAddr, "metrics", "", "Serve Prometheus metrics on this address")
	fs.BoolVar(&c.Interactive, "interactive", false, "Start the interactive console")
}

// mergeFlags copies the flags set on fs from src into c.
func (c *Config) mergeFlags(fs *flag.FlagSet, src *Config) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "serial":
			c.Serial = src.Serial
		case "mac":
			c.MAC = src.MAC
		case "host":
			c.CredentialHost = src.CredentialHost
		case "broker-port":
			c.BrokerPort = src.BrokerPort
		case "root-ca":
			c.RootCA = src.RootCA
		case "data-dir":
			c.DataDir = src.DataDir
		case "interface":
			c.Interface = src.Interface
		case "log-level":
			c.LogLevel = src.LogLevel
		case "trace":
			c.TraceFile = src.TraceFile
		case "metrics":
			c.MetricsAddr = src.MetricsAddr
		case "interactive":
			c.Interactive = src.Interactive
		}
	})
}

func (c *Config) applyDefaults() {
	if c.ProductID == 0 {
		c.ProductID = 1
	}
	if c.CredentialResource == "" {
		c.CredentialResource = "/api/credentials"
	}
	if c.BrokerPort == 0 {
		c.BrokerPort = 8883
	}
	if c.DataDir == "" {
		c.DataDir = "/var/lib/hublink"
	}
	if len(c.NTPServers) == 0 {
		c.NTPServers = []string{"pool.ntp.org"}
	}
	if c.BufferCapacity == 0 {
		c.BufferCapacity = buffer.DefaultCapacity
	}
	if c.WatchdogTimeout == 0 {
		c.WatchdogTimeout = watchdog.DefaultTimeout
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate checks the configuration after defaults are applied.
func (c *Config) Validate() error {
	var errs []error
	if c.Serial == "" {
		errs = append(errs, errors.New("serial is required"))
	}
	if _, err := c.HardwareAddr(); err != nil {
		errs = append(errs, err)
	}
	if c.CredentialHost == "" {
		errs = append(errs, errors.New("credential_host is required"))
	}
	if c.BrokerPort < 1 || c.BrokerPort > 65535 {
		errs = append(errs, fmt.Errorf("broker_port must be 1-65535, got %d", c.BrokerPort))
	}
	if c.BufferCapacity < 1 || c.BufferCapacity > 254 {
		errs = append(errs, fmt.Errorf("buffer_capacity must be 1-254, got %d", c.BufferCapacity))
	}
	if c.WatchdogTimeout < 0 {
		errs = append(errs, fmt.Errorf("watchdog_timeout must not be negative, got %s", c.WatchdogTimeout))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log_level: %s", c.LogLevel))
	}
	return errors.Join(errs...)
}

// HardwareAddr parses the configured MAC address.
func (c *Config) HardwareAddr() ([6]byte, error) {
	var mac [6]byte
	hw, err := net.ParseMAC(c.MAC)
	if err != nil {
		return mac, fmt.Errorf("invalid mac %q: %w", c.MAC, err)
	}
	if len(hw) != len(mac) {
		return mac, fmt.Errorf("invalid mac %q: want 6 bytes", c.MAC)
	}
	copy(mac[:], hw)
	return mac, nil
}
