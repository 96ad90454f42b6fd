package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
serial: H010-0123456
mac: "00:11:22:33:44:55"
firmware_major: 2
firmware_minor: 7
credential_host: hub.api.example.com
ntp_servers: [ntp1.example.com, ntp2.example.com]
watchdog_timeout: 5m
metrics_addr: ":9100"
`

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hublinkd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	cfg.applyDefaults()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "H010-0123456", cfg.Serial)
	assert.Equal(t, 2, cfg.FirmwareMajor)
	assert.Equal(t, 7, cfg.FirmwareMinor)
	assert.Equal(t, []string{"ntp1.example.com", "ntp2.example.com"}, cfg.NTPServers)
	assert.Equal(t, 5*time.Minute, cfg.WatchdogTimeout)
	assert.Equal(t, 8883, cfg.BrokerPort)
	assert.Equal(t, "/api/credentials", cfg.CredentialResource)
	assert.Equal(t, "info", cfg.LogLevel)

	mac, err := cfg.HardwareAddr()
	require.NoError(t, err)
	assert.Equal(t, [6]byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}, mac)
}

func TestParseConfigRejectsUnknownKeys(t *testing.T) {
	_, err := ParseConfig([]byte("serial: x\nbogus: 1\n"))
	assert.Error(t, err)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := &Config{Serial: "H010-0123456", MAC: "00:11:22:33:44:55", CredentialHost: "api.example.com"}
		c.applyDefaults()
		return c
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "no serial", mutate: func(c *Config) { c.Serial = "" }, wantErr: "serial is required"},
		{name: "bad mac", mutate: func(c *Config) { c.MAC = "nope" }, wantErr: "invalid mac"},
		{name: "eui64 mac", mutate: func(c *Config) { c.MAC = "00:11:22:33:44:55:66:77" }, wantErr: "want 6 bytes"},
		{name: "no host", mutate: func(c *Config) { c.CredentialHost = "" }, wantErr: "credential_host is required"},
		{name: "port", mutate: func(c *Config) { c.BrokerPort = 70000 }, wantErr: "broker_port"},
		{name: "capacity", mutate: func(c *Config) { c.BufferCapacity = 255 }, wantErr: "buffer_capacity"},
		{name: "watchdog", mutate: func(c *Config) { c.WatchdogTimeout = -time.Second }, wantErr: "watchdog_timeout"},
		{name: "log level", mutate: func(c *Config) { c.LogLevel = "loud" }, wantErr: "unknown log_level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestMergeFlags(t *testing.T) {
	fs := flag.NewFlagSet("hublinkd", flag.ContinueOnError)
	var flags Config
	bindFlags(fs, &flags)
	require.NoError(t, fs.Parse([]string{"-serial", "H010-9999999", "-broker-port", "1883", "-interactive"}))

	cfg, err := ParseConfig([]byte(sampleConfig))
	require.NoError(t, err)
	cfg.mergeFlags(fs, &flags)

	assert.Equal(t, "H010-9999999", cfg.Serial)
	assert.Equal(t, 1883, cfg.BrokerPort)
	assert.True(t, cfg.Interactive)
	assert.Equal(t, "hub.api.example.com", cfg.CredentialHost, "unset flags keep file values")
	assert.Equal(t, ":9100", cfg.MetricsAddr)
}

func TestNewLogger(t *testing.T) {
	assert.True(t, newLogger(os.Stderr, "debug").Enabled(context.Background(), slog.LevelDebug))
	assert.False(t, newLogger(os.Stderr, "warn").Enabled(context.Background(), slog.LevelInfo))
}
