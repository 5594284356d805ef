// Package config loads sniff settings from flags, SNIFF_* environment variables
// and an optional YAML file, and sets up logging from them.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	sniff "github.com/packetcap/go-sniff"
	"github.com/packetcap/go-sniff/dump"
)

const (
	// EnvPrefix of the environment variables, e.g. SNIFF_INTERFACE or SNIFF_LOG_LEVEL
	EnvPrefix = "SNIFF"
	// FileName of the config file searched for when none is given, without extension
	FileName = "sniff"
)

// Keys, shared with the flag names in cmd
const (
	KeyInterface   = "interface"
	KeySnaplen     = "snaplen"
	KeyPromisc     = "promisc"
	KeyReadTimeout = "read-timeout"
	KeyTimeout     = "timeout"
	KeySyscalls    = "syscalls"
	KeyGopacket    = "gopacket"
	KeyFilter      = "filter"
	KeyMode        = "mode"
	KeyCount       = "count"
	KeyTCPOnly     = "tcp-only"
	KeyColor       = "color"
	KeyWrite       = "write"
	KeyRead        = "read"
	KeyMetricsAddr = "metrics-addr"
	KeyLogLevel    = "log.level"
	KeyLogFile     = "log.file"
	KeyLogJSON     = "log.json"
	KeyLogMaxSize  = "log.max-size"
	KeyLogBackups  = "log.max-backups"
	KeyLogMaxAge   = "log.max-age"
	KeyLogCompress = "log.compress"
)

// Log where and how much to log
type Log struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	JSON       bool   `mapstructure:"json"`
	MaxSizeMB  int    `mapstructure:"max-size"`
	MaxBackups int    `mapstructure:"max-backups"`
	MaxAgeDays int    `mapstructure:"max-age"`
	Compress   bool   `mapstructure:"compress"`
}

// Config everything one capture run needs
type Config struct {
	Interface   string        `mapstructure:"interface"`
	Snaplen     int           `mapstructure:"snaplen"`
	Promiscuous bool          `mapstructure:"promisc"`
	ReadTimeout time.Duration `mapstructure:"read-timeout"`
	// Timeout stops the capture after this long; 0 runs until interrupted
	Timeout     time.Duration `mapstructure:"timeout"`
	Syscalls    bool          `mapstructure:"syscalls"`
	// Gopacket reads through gopacket.PacketSource instead of Handle.Listen
	Gopacket    bool          `mapstructure:"gopacket"`
	Filter      string        `mapstructure:"filter"`
	Mode        string        `mapstructure:"mode"`
	Count       int           `mapstructure:"count"`
	TCPOnly     bool          `mapstructure:"tcp-only"`
	Color       bool          `mapstructure:"color"`
	Write       string        `mapstructure:"write"`
	Read        string        `mapstructure:"read"`
	MetricsAddr string        `mapstructure:"metrics-addr"`
	Log         Log           `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyInterface, "")
	v.SetDefault(KeySnaplen, sniff.DefaultSnaplen)
	v.SetDefault(KeyPromisc, true)
	v.SetDefault(KeyReadTimeout, time.Duration(0))
	v.SetDefault(KeyTimeout, time.Duration(0))
	v.SetDefault(KeySyscalls, sniff.DefaultSyscalls)
	v.SetDefault(KeyGopacket, false)
	v.SetDefault(KeyFilter, "")
	v.SetDefault(KeyMode, string(dump.ModeRaw))
	v.SetDefault(KeyCount, 0)
	v.SetDefault(KeyTCPOnly, false)
	v.SetDefault(KeyColor, false)
	v.SetDefault(KeyWrite, "")
	v.SetDefault(KeyRead, "")
	v.SetDefault(KeyMetricsAddr, "")
	v.SetDefault(KeyLogLevel, log.InfoLevel.String())
	v.SetDefault(KeyLogFile, "")
	v.SetDefault(KeyLogJSON, false)
	v.SetDefault(KeyLogMaxSize, 100)
	v.SetDefault(KeyLogBackups, 7)
	v.SetDefault(KeyLogMaxAge, 30)
	v.SetDefault(KeyLogCompress, true)
}

// Load settings into a Config. Flags bound to v win over the environment, which
// wins over the file, which wins over the defaults. A named file must exist;
// without one, sniff.yaml is looked for in the working directory,
// $HOME/.config/sniff and /etc/sniff.
func Load(v *viper.Viper, file string) (*Config, error) {
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home + "/.config/sniff")
		}
		v.AddConfigPath("/etc/sniff")
		if err := v.ReadInConfig(); err != nil {
			var nfErr viper.ConfigFileNotFoundError
			if !errors.As(err, &nfErr) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}
	if used := v.ConfigFileUsed(); used != "" {
		log.WithField("file", used).Debug("loaded config file")
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reject settings no capture can run with
func (c *Config) Validate() error {
	if c.Snaplen < 0 || c.Snaplen > int(sniff.MaxSnaplen) {
		return fmt.Errorf("snaplen %d out of range 0-%d", c.Snaplen, sniff.MaxSnaplen)
	}
	if c.Count < 0 {
		return fmt.Errorf("count %d must not be negative", c.Count)
	}
	if c.ReadTimeout < 0 || c.Timeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	if _, err := dump.ParseMode(c.Mode); err != nil {
		return err
	}
	if c.Read != "" && c.Interface != "" {
		return errors.New("read from a file or an interface, not both")
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	if c.Log.File != "" && c.Log.MaxSizeMB <= 0 {
		return fmt.Errorf("log max-size %d must be positive", c.Log.MaxSizeMB)
	}
	return nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// SetupLogging configure logger from l. When l.File is set, output goes to a
// rotating file; the returned Closer closes it.
func SetupLogging(logger *log.Logger, l Log) (io.Closer, error) {
	level, err := log.ParseLevel(l.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	logger.SetLevel(level)
	if l.JSON {
		logger.SetFormatter(&log.JSONFormatter{})
	} else {
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true, DisableColors: l.File != ""})
	}
	if l.File == "" {
		logger.SetOutput(os.Stderr)
		return nopCloser{}, nil
	}
	lj := &lumberjack.Logger{
		Filename:   l.File,
		MaxSize:    l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		MaxAge:     l.MaxAgeDays,
		Compress:   l.Compress,
		LocalTime:  true,
	}
	logger.SetOutput(lj)
	return lj, nil
}
