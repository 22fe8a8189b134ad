package main

import (
	"os"
	"strings"

	"github.com/drpcorg/liveobjects/channel"
	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config can come from a YAML file; flags given on the command line win.
type Config struct {
	Channel     string `yaml:"channel,omitempty" long:"channel" description:"Channel name"`
	DB          string `yaml:"db,omitempty" long:"db" description:"Pebble directory used by save and stored"`
	Format      string `yaml:"format,omitempty" long:"format" description:"Wire format: json or msgpack"`
	PageSize    int    `yaml:"pageSize,omitempty" long:"page-size" description:"Object states per OBJECT_SYNC page"`
	Site        string `yaml:"site,omitempty" long:"site" description:"Site code stamped on published operations"`
	LogLevel    string `yaml:"logLevel,omitempty" long:"log-level" description:"debug, info, warn or error"`
	MetricsAddr string `yaml:"metricsAddr,omitempty" long:"metrics-addr" description:"Serve prometheus metrics on this address"`
	History     string `yaml:"history,omitempty" long:"history" description:"REPL history file"`
}

type Options struct {
	ConfigPath string `short:"f" long:"config" description:"YAML config path"`
	Config
}

func (c *Config) SetDefaults() {
	if c.Channel == "" {
		c.Channel = "default"
	}
	if c.Format == "" {
		c.Format = "json"
	}
	if c.PageSize == 0 {
		c.PageSize = channel.DefaultPageSize
	}
	if c.LogLevel == "" {
		c.LogLevel = "warn"
	}
	if c.History == "" {
		c.History = ".liveobjects_history"
	}
}

func LoadConfig(path string) (cfg Config, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "read config %q", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %q", path)
	}
	return cfg, nil
}

// ParseOptions loads the config file named by -f/--config first, then
// applies the flags over it.
func ParseOptions(args []string) (*Options, error) {
	opts := &Options{}
	if path := extractConfigPath(args); path != "" {
		cfg, err := LoadConfig(path)
		if err != nil {
			return nil, err
		}
		opts.Config = cfg
	}
	parser := flags.NewParser(opts, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}
	opts.SetDefaults()
	return opts, nil
}

func extractConfigPath(args []string) string {
	for i, a := range args {
		switch a {
		case "-f", "--config":
			if i+1 < len(args) {
				return args[i+1]
			}
		default:
			if strings.HasPrefix(a, "--config=") {
				return strings.TrimPrefix(a, "--config=")
			}
		}
	}
	return ""
}
