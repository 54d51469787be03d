// Package appconfig loads the application configuration from an optional
// YAML file, SMART_TRAINER_* environment variables and command line flags.
package appconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "SMART_TRAINER"

type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	Devices    DevicesConfig    `mapstructure:"devices"`
	Simulator  SimulatorConfig  `mapstructure:"simulator"`
	Interfaces InterfacesConfig `mapstructure:"interfaces"`
	Pairing    PairingConfig    `mapstructure:"pairing"`
}

type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	// mirror log output to stderr
	Stderr bool `mapstructure:"stderr"`
}

type DevicesConfig struct {
	// device configuration document
	File string `mapstructure:"file"`
}

type SimulatorConfig struct {
	Enforced bool `mapstructure:"enforced"`
}

type InterfacesConfig struct {
	Serial SerialConfig `mapstructure:"serial"`
	Ant    AntConfig    `mapstructure:"ant"`
	TCPIP  TCPIPConfig  `mapstructure:"tcpip"`
}

type SerialConfig struct {
	Ports    []string `mapstructure:"ports"`
	Protocol string   `mapstructure:"protocol"`
}

type AntConfig struct {
	Port string `mapstructure:"port"`
}

type TCPIPConfig struct {
	Hosts    []string `mapstructure:"hosts"`
	Port     string   `mapstructure:"port"`
	Protocol string   `mapstructure:"protocol"`
}

type PairingConfig struct {
	ScanTimeout time.Duration `mapstructure:"scan_timeout"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
}

// flag name -> configuration key
var flagKeys = map[string]string{
	"log-file":        "log.file",
	"log-stderr":      "log.stderr",
	"devices-file":    "devices.file",
	"simulator":       "simulator.enforced",
	"serial-ports":    "interfaces.serial.ports",
	"serial-protocol": "interfaces.serial.protocol",
	"ant-port":        "interfaces.ant.port",
	"tcpip-hosts":     "interfaces.tcpip.hosts",
	"tcpip-port":      "interfaces.tcpip.port",
	"scan-timeout":    "pairing.scan_timeout",
}

// DefaultDir is the directory holding the configuration, the device
// configuration and the log file
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".smart-trainer"
	}
	return filepath.Join(home, ".smart-trainer")
}

func setDefaults(v *viper.Viper, dir string) {
	v.SetDefault("log.file", filepath.Join(dir, "smart-trainer.log"))
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.stderr", false)
	v.SetDefault("devices.file", filepath.Join(dir, "devices.json"))
	v.SetDefault("simulator.enforced", false)
	v.SetDefault("interfaces.serial.ports", []string{})
	v.SetDefault("interfaces.serial.protocol", "")
	v.SetDefault("interfaces.ant.port", "")
	v.SetDefault("interfaces.tcpip.hosts", []string{})
	v.SetDefault("interfaces.tcpip.port", "51955")
	v.SetDefault("interfaces.tcpip.protocol", "")
	v.SetDefault("pairing.scan_timeout", "30s")
	v.SetDefault("pairing.retry_delay", "2s")
}

// RegisterFlags defines the command line flags on flags
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "configuration file (default ~/.smart-trainer/config.yaml)")
	flags.String("log-file", "", "log file")
	flags.Bool("log-stderr", false, "mirror the log to stderr")
	flags.String("devices-file", "", "device configuration file")
	flags.Bool("simulator", false, "ride with the simulator instead of real devices")
	flags.StringSlice("serial-ports", nil, "serial ports to probe for bikes")
	flags.String("serial-protocol", "", "protocol of bikes on the serial ports")
	flags.String("ant-port", "", "serial port of the ANT+ stick")
	flags.StringSlice("tcpip-hosts", nil, "hosts to probe for network bikes")
	flags.String("tcpip-port", "", "tcp port of network bikes")
	flags.Duration("scan-timeout", 0, "device scan timeout")
}

// Load parses args into flags and merges, in increasing precedence,
// defaults, the configuration file, the environment and the flags set on
// the command line. flags must have been prepared with RegisterFlags.
func Load(flags *pflag.FlagSet, args []string) (*Config, error) {
	if err := flags.Parse(args); err != nil {
		return nil, fmt.Errorf("failed to parse flags: %w", err)
	}

	v := viper.New()
	dir := DefaultDir()
	setDefaults(v, dir)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
		}
	}

	path, _ := flags.GetString("config")
	explicit := path != ""
	if !explicit {
		path = filepath.Join(dir, "config.yaml")
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		missing := errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)
		if explicit || !missing {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}
