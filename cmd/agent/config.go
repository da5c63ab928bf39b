package main

import (
	"flag"
	"os"
	"time"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"
)

// Config is the agent process configuration: the CLI surface plus the
// local directories the runtime needs. A YAML file provides defaults;
// flags override.
type Config struct {
	Connect      string `yaml:"connect"`
	Listen       string `yaml:"listen"`
	Broker       string `yaml:"broker"`
	BrokerCompat bool   `yaml:"broker_compat"`

	CACert string `yaml:"ca_cert"`
	Cert   string `yaml:"cert"`
	Key    string `yaml:"key"`

	Verbose          int         `yaml:"verbose"`
	LogAllowModules  moduleFlags `yaml:"log_allow_modules"`
	LogIgnoreModules moduleFlags `yaml:"log_ignore_modules"`

	PackDir  string `yaml:"pack_dir"`
	CacheDir string `yaml:"cache_dir"`

	// KeyVaultURL, when set, switches credential resolution from the
	// pass-through Identity vault to the external credential daemon.
	KeyVaultURL string `yaml:"keyvault_url"`

	RetryInterval  time.Duration `yaml:"retry_interval"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type moduleFlags []string

func (m *moduleFlags) String() string { return "" }
func (m *moduleFlags) Set(v string) error {
	*m = append(*m, v)
	return nil
}

func (c *Config) RegisterFlagsAndApplyDefaults(f *flag.FlagSet) {
	f.StringVar(&c.Connect, "connect", "", "broker address to dial")
	f.StringVar(&c.Listen, "listen", "", "local address to await the broker's tunneled dial-in")
	f.StringVar(&c.Broker, "broker", "", "broker domain (TLS SNI and certificate verification name)")
	f.BoolVar(&c.BrokerCompat, "broker-compat", false, "use the legacy wire framing")
	f.StringVar(&c.CACert, "ca-cert", "certs/ca.crt", "CA bundle path")
	f.StringVar(&c.Cert, "cert", "certs/agent.crt", "agent certificate path")
	f.StringVar(&c.Key, "key", "certs/agent.key", "agent key path")
	f.IntVar(&c.Verbose, "verbose", 0, "log verbosity, 0 (errors) to 3 (debug)")
	f.Var(&c.LogAllowModules, "log-allow-module", "only log the given module (repeatable)")
	f.Var(&c.LogIgnoreModules, "log-ignore-module", "never log the given module (repeatable)")
	f.StringVar(&c.PackDir, "pack-dir", "packs", "monitoring pack directory")
	f.StringVar(&c.CacheDir, "cache-dir", "cache", "per-host persisted state directory")
	f.StringVar(&c.KeyVaultURL, "keyvault-url", "", "credential daemon base URL; empty means inline credentials")
	f.DurationVar(&c.RetryInterval, "retry-interval", 10*time.Second, "broker reconnect pacing")
	f.DurationVar(&c.RequestTimeout, "request-timeout", 10*time.Second, "metrics-engine per-call timeout")
}

func (c *Config) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read config file %s", path)
	}
	return errors.Wrapf(yaml.UnmarshalStrict(raw, c), "parse config file %s", path)
}

func (c *Config) Validate() error {
	if (c.Connect == "") == (c.Listen == "") {
		return errors.New("exactly one of -connect or -listen is required")
	}
	if c.Broker == "" {
		return errors.New("-broker is required")
	}
	return nil
}
