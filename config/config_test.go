package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sniff "github.com/packetcap/go-sniff"
)

// isolate keep the search path and environment of the host out of a test
func isolate(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	chdir(t, dir)
	t.Setenv("HOME", dir)
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)
	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, int(sniff.DefaultSnaplen), cfg.Snaplen)
	assert.True(t, cfg.Promiscuous)
	assert.Equal(t, sniff.DefaultSyscalls, cfg.Syscalls)
	assert.Equal(t, "raw", cfg.Mode)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 100, cfg.Log.MaxSizeMB)
	assert.Zero(t, cfg.Timeout)
}

func TestLoadPrecedence(t *testing.T) {
	isolate(t)
	file := filepath.Join(t.TempDir(), "custom.yaml")
	require.NoError(t, os.WriteFile(file, []byte(strings.Join([]string{
		"interface: eth1",
		"snaplen: 128",
		"mode: hex",
		"timeout: 30s",
		"log:",
		"  level: warn",
		"  max-backups: 2",
	}, "\n")), 0o600))

	t.Setenv("SNIFF_SNAPLEN", "256")
	t.Setenv("SNIFF_LOG_LEVEL", "debug")
	t.Setenv("SNIFF_TCP_ONLY", "true")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String(KeyMode, "raw", "")
	require.NoError(t, flags.Parse([]string{"--mode=proto"}))
	v := viper.New()
	require.NoError(t, v.BindPFlag(KeyMode, flags.Lookup(KeyMode)))

	cfg, err := Load(v, file)
	require.NoError(t, err)
	assert.Equal(t, "eth1", cfg.Interface, "file over default")
	assert.Equal(t, 256, cfg.Snaplen, "env over file")
	assert.Equal(t, "debug", cfg.Log.Level, "env over file, nested")
	assert.Equal(t, 2, cfg.Log.MaxBackups)
	assert.True(t, cfg.TCPOnly)
	assert.Equal(t, "proto", cfg.Mode, "flag over file")
	assert.Equal(t, 30*time.Second, cfg.Timeout)
}

func TestLoadSearchPath(t *testing.T) {
	isolate(t)
	require.NoError(t, os.WriteFile("sniff.yaml", []byte("count: 5\n"), 0o600))
	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Count)
}

func TestLoadErrors(t *testing.T) {
	isolate(t)
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err, "a named file must exist")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("mode: fancy\n"), 0o600))
	_, err = Load(viper.New(), bad)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{Snaplen: 1600, Mode: "proto", Log: Log{Level: "info", MaxSizeMB: 1}}
	}
	tests := []struct {
		name   string
		modify func(c *Config)
		ok     bool
	}{
		{"valid", func(c *Config) {}, true},
		{"zero snaplen means default", func(c *Config) { c.Snaplen = 0 }, true},
		{"snaplen too large", func(c *Config) { c.Snaplen = int(sniff.MaxSnaplen) + 1 }, false},
		{"negative count", func(c *Config) { c.Count = -1 }, false},
		{"negative timeout", func(c *Config) { c.Timeout = -time.Second }, false},
		{"unknown mode", func(c *Config) { c.Mode = "pretty" }, false},
		{"file and interface", func(c *Config) { c.Read = "x.pcap"; c.Interface = "eth0" }, false},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, false},
		{"log file without size", func(c *Config) { c.Log.File = "x.log"; c.Log.MaxSizeMB = 0 }, false},
	}
	for _, tt := range tests {
		c := valid()
		tt.modify(&c)
		err := c.Validate()
		if tt.ok {
			assert.NoError(t, err, tt.name)
		} else {
			assert.Error(t, err, tt.name)
		}
	}
}

func TestSetupLogging(t *testing.T) {
	logger := log.New()
	file := filepath.Join(t.TempDir(), "sniff.log")
	closer, err := SetupLogging(logger, Log{Level: "debug", File: file, JSON: true, MaxSizeMB: 1})
	require.NoError(t, err)
	logger.WithField("iface", "eth0").Debug("opening")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"iface":"eth0"`)
	assert.Contains(t, string(data), `"level":"debug"`)
	assert.Equal(t, log.DebugLevel, logger.GetLevel())

	_, err = SetupLogging(log.New(), Log{Level: "loud"})
	assert.Error(t, err)

	closer, err = SetupLogging(logger, Log{Level: "warn"})
	require.NoError(t, err)
	assert.NoError(t, closer.Close())
	assert.Equal(t, log.WarnLevel, logger.GetLevel())
}

// chdir stands in for testing.T.Chdir, which needs Go 1.24: it changes the
// working directory and restores it when the test ends.
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(old); err != nil {
			t.Fatal(err)
		}
	})
}
