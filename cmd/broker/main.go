// The broker binary: terminates mTLS peer connections, routes between
// agents, backends and metrics engines, and maintains SSH tunnels to
// agents that cannot dial out. Exit codes: 0 on normal shutdown, 1 on
// startup failure.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	yaml "gopkg.in/yaml.v2"

	"github.com/northbeacon/agent/modules/broker"
	"github.com/northbeacon/agent/pkg/keyvault"
	"github.com/northbeacon/agent/pkg/logfilter"
	"github.com/northbeacon/agent/pkg/tlsutil"
)

// Config is the broker process configuration.
type Config struct {
	Listen    string `yaml:"listen"`
	AdminAddr string `yaml:"admin_addr"` // operational metrics endpoint; empty disables

	CACert string `yaml:"ca_cert"`
	Cert   string `yaml:"cert"`
	Key    string `yaml:"key"`

	Verbose     int    `yaml:"verbose"`
	KeyVaultURL string `yaml:"keyvault_url"`

	// Tunnels lists the agents this broker reaches via SSH rather than
	// waiting for an inbound dial.
	Tunnels []tunnelDef `yaml:"tunnels"`
}

type tunnelDef struct {
	Org           string        `yaml:"org"`
	Agent         string        `yaml:"agent"`
	Hops          []broker.Hop  `yaml:"hops"`
	AgentAddr     string        `yaml:"agent_addr"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

func (c *Config) registerFlags(f *flag.FlagSet) {
	f.StringVar(&c.Listen, "listen", ":9443", "peer listen address")
	f.StringVar(&c.AdminAddr, "admin-addr", "", "operational metrics listen address; empty disables")
	f.StringVar(&c.CACert, "ca-cert", "certs/ca.crt", "CA bundle path")
	f.StringVar(&c.Cert, "cert", "certs/broker.crt", "broker certificate path")
	f.StringVar(&c.Key, "key", "certs/broker.key", "broker key path")
	f.IntVar(&c.Verbose, "verbose", 0, "log verbosity, 0 (errors) to 3 (debug)")
	f.StringVar(&c.KeyVaultURL, "keyvault-url", "", "credential daemon base URL for tunnel credentials")
}

func main() {
	var cfg Config
	configFile := flag.String("config.file", "", "optional YAML config file; flags override")
	cfg.registerFlags(flag.CommandLine)
	flag.Parse()

	if *configFile != "" {
		raw, err := os.ReadFile(*configFile)
		if err == nil {
			err = yaml.UnmarshalStrict(raw, &cfg)
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, errors.Wrap(err, "load config file"))
			os.Exit(1)
		}
		flag.Parse()
	}

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = logfilter.Verbosity(logger, cfg.Verbose)

	if err := run(cfg, logger); err != nil {
		level.Error(logger).Log("msg", "startup failed", "err", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger log.Logger) error {
	tlsCfg, err := tlsutil.Load(cfg.CACert, cfg.Cert, cfg.Key)
	if err != nil {
		return err
	}

	var vault keyvault.Vault = keyvault.Identity{}
	if cfg.KeyVaultURL != "" {
		vault = &keyvault.KeyReader{BaseURL: cfg.KeyVaultURL}
	}

	reg := prometheus.NewRegistry()
	router := broker.NewRouter(log.With(logger, "module", "router"))
	server := broker.NewServer(broker.ServerConfig{
		ListenAddr: cfg.Listen,
		TLS:        tlsCfg,
	}, router, log.With(logger, "module", "server"), reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.AdminAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		admin := &http.Server{Addr: cfg.AdminAddr, Handler: mux}
		go func() {
			if err := admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				level.Warn(logger).Log("msg", "admin endpoint failed", "err", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutCancel()
			_ = admin.Shutdown(shutCtx)
		}()
	}

	for _, td := range cfg.Tunnels {
		conn := broker.NewConnector(broker.ConnectorConfig{
			Org:           broker.OrgID(td.Org),
			Agent:         broker.AgentID(td.Agent),
			Hops:          td.Hops,
			AgentAddr:     td.AgentAddr,
			RetryInterval: td.RetryInterval,
		}, server, vault, log.With(logger, "module", "tunnel", "agent", td.Agent))
		go conn.Run(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Run(ctx)
	}()

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-sigs:
	}
	level.Info(logger).Log("msg", "shutting down")
	go func() {
		<-sigs
		os.Exit(1)
	}()
	cancel()
	<-errCh
	return nil
}
