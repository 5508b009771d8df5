// Package config resolves the settings of one harvesting run from defaults,
// a configuration file, the environment and command-line overrides, in that
// order of increasing precedence.
//
// Configuration files are INI by default:
//
//	[Aggregate_Managers]
//	urn:publicid:IDN+example+authority+am = https://am.example.net:12346
//
//	[UNIS]
//	url = http://unis.example.net:8888
//
//	[UNISENCODER]
//	exec = /usr/local/bin/unisencoder
//
//	[OMNI]
//	exec = ~/gcf/src/omni.py
//	conf = ~/.gcf/omni_config
//
// Files ending in .yaml or .yml carry the same content under lowercase keys.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-ini/ini"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Registry sections.
const (
	SectionAggregateManagers = "Aggregate_Managers"
	SectionTopologies        = "perfSONAR_Topologies"
)

// Defaults.
const (
	DefaultUNISURL  = "http://129.79.244.8:8888"
	DefaultEncoder  = "unisencoder"
	DefaultOmni     = "~/workdir/geni/gcf-2.0/src/omni.py"
	DefaultOmniConf = "~/.gcf/omni_config"
)

// Environment variables.
const (
	EnvUNISURL  = "TOPOPULL_UNIS_URL"
	EnvEncoder  = "TOPOPULL_ENCODER"
	EnvOmni     = "TOPOPULL_OMNI"
	EnvOmniConf = "TOPOPULL_OMNI_CONF"
	EnvWorkers  = "TOPOPULL_WORKERS"
)

// ConfigError reports settings that make a run impossible.
type ConfigError struct {
	Path string // "" when not tied to a file
	Msg  string
	Err  error
}

func (e *ConfigError) Error() string {
	msg := e.Msg
	if e.Path != "" {
		msg = e.Path + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Config is the resolved setting set.
type Config struct {
	Section   string            // registry section that was read
	Endpoints map[string]string // id -> location
	UNISURL   string
	Encoder   string
	Omni      string
	OmniConf  string
	Workers   int // 0 means one per CPU
}

// Overrides are command-line values; empty fields leave lower layers alone.
type Overrides struct {
	File     string // configuration file
	URN      string // single endpoint id
	Location string // single endpoint location, paired with URN
	UNISURL  string
	Encoder  string
	Omni     string
	OmniConf string
	Workers  int
}

// File is the content of a configuration file in either format.
type File struct {
	Endpoints map[string]string
	UNISURL   string
	Encoder   string
	Omni      string
	OmniConf  string
}

// Load resolves the configuration for a run that reads endpoints from
// section. A single endpoint given as URN and Location is added to those of
// the file and may replace one of them.
func Load(section string, o Overrides) (*Config, error) {
	cfg := &Config{
		Section:   section,
		Endpoints: map[string]string{},
		UNISURL:   DefaultUNISURL,
		Encoder:   DefaultEncoder,
		Omni:      DefaultOmni,
		OmniConf:  DefaultOmniConf,
	}

	if o.File != "" {
		fc, err := ReadFile(o.File, section)
		if err != nil {
			return nil, err
		}
		for id, loc := range fc.Endpoints {
			cfg.Endpoints[id] = loc
		}
		setIf(&cfg.UNISURL, fc.UNISURL)
		setIf(&cfg.Encoder, fc.Encoder)
		setIf(&cfg.Omni, fc.Omni)
		setIf(&cfg.OmniConf, fc.OmniConf)
	}

	setIf(&cfg.UNISURL, os.Getenv(EnvUNISURL))
	setIf(&cfg.Encoder, os.Getenv(EnvEncoder))
	setIf(&cfg.Omni, os.Getenv(EnvOmni))
	setIf(&cfg.OmniConf, os.Getenv(EnvOmniConf))
	if raw := strings.TrimSpace(os.Getenv(EnvWorkers)); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, &ConfigError{Msg: fmt.Sprintf("%s must be a non-negative integer, got %q", EnvWorkers, raw)}
		}
		cfg.Workers = n
	}

	switch {
	case o.URN != "" && o.Location != "":
		cfg.Endpoints[o.URN] = o.Location
	case o.URN != "" || o.Location != "":
		return nil, &ConfigError{Msg: "an endpoint needs both a URN and a URL"}
	case o.File == "":
		return nil, &ConfigError{Msg: "either a configuration file or an endpoint URN and URL must be provided"}
	}
	setIf(&cfg.UNISURL, o.UNISURL)
	setIf(&cfg.Encoder, o.Encoder)
	setIf(&cfg.Omni, o.Omni)
	setIf(&cfg.OmniConf, o.OmniConf)
	if o.Workers > 0 {
		cfg.Workers = o.Workers
	}
	return cfg, nil
}

// ReadFile parses a configuration file. The registry section must exist;
// it may be empty.
func ReadFile(path, section string) (*File, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return readYAML(path, section)
	default:
		return readINI(path, section)
	}
}

func readINI(path, section string) (*File, error) {
	// URNs contain ':' so only '=' separates keys from values.
	f, err := ini.LoadSources(ini.LoadOptions{KeyValueDelimiters: "="}, path)
	if err != nil {
		return nil, &ConfigError{Path: path, Msg: "read configuration", Err: err}
	}
	sec, err := f.GetSection(section)
	if err != nil {
		return nil, &ConfigError{Path: path, Msg: fmt.Sprintf("no %s are defined in the configuration file", section)}
	}

	fc := &File{Endpoints: make(map[string]string, len(sec.Keys()))}
	for _, k := range sec.Keys() {
		fc.Endpoints[k.Name()] = k.String()
	}
	fc.UNISURL = f.Section("UNIS").Key("url").String()
	fc.Encoder = f.Section("UNISENCODER").Key("exec").String()
	fc.Omni = f.Section("OMNI").Key("exec").String()
	fc.OmniConf = f.Section("OMNI").Key("conf").String()
	return fc, nil
}

type yamlDoc struct {
	AggregateManagers map[string]string `yaml:"aggregate_managers"`
	Topologies        map[string]string `yaml:"perfsonar_topologies"`
	UNIS              struct {
		URL string `yaml:"url"`
	} `yaml:"unis"`
	UNISEncoder struct {
		Exec string `yaml:"exec"`
	} `yaml:"unisencoder"`
	Omni struct {
		Exec string `yaml:"exec"`
		Conf string `yaml:"conf"`
	} `yaml:"omni"`
}

func readYAML(path, section string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Path: path, Msg: "read configuration", Err: err}
	}
	var doc yamlDoc
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, &ConfigError{Path: path, Msg: "parse configuration", Err: err}
	}

	var eps map[string]string
	switch section {
	case SectionAggregateManagers:
		eps = doc.AggregateManagers
	case SectionTopologies:
		eps = doc.Topologies
	default:
		return nil, &ConfigError{Path: path, Msg: fmt.Sprintf("unknown registry section %q", section)}
	}
	if eps == nil {
		return nil, &ConfigError{Path: path, Msg: fmt.Sprintf("no %s are defined in the configuration file", section)}
	}
	return &File{
		Endpoints: eps,
		UNISURL:   doc.UNIS.URL,
		Encoder:   doc.UNISEncoder.Exec,
		Omni:      doc.Omni.Exec,
		OmniConf:  doc.Omni.Conf,
	}, nil
}

// LoadDotEnv loads variables from a .env file into the environment without
// replacing ones already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return &ConfigError{Path: path, Msg: "load environment file", Err: err}
	}
	return nil
}

func setIf(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}
