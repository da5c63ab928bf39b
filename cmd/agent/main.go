// The agent binary: loads monitoring packs, runs the collector
// scheduler, and maintains the broker connection. Exit codes: 0 on
// normal shutdown, 1 on startup failure.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	agentconn "github.com/northbeacon/agent/modules/agent"
	"github.com/northbeacon/agent/modules/collector/api"
	"github.com/northbeacon/agent/modules/collector/azure"
	"github.com/northbeacon/agent/modules/collector/powershell"
	"github.com/northbeacon/agent/modules/collector/sqlquery"
	"github.com/northbeacon/agent/modules/collector/sshexec"
	"github.com/northbeacon/agent/modules/collector/wmiquery"
	"github.com/northbeacon/agent/modules/etc"
	"github.com/northbeacon/agent/modules/plugin"
	"github.com/northbeacon/agent/modules/scheduler"
	"github.com/northbeacon/agent/modules/snmp"
	"github.com/northbeacon/agent/pkg/keyvault"
	"github.com/northbeacon/agent/pkg/logfilter"
	"github.com/northbeacon/agent/pkg/metrics"
	"github.com/northbeacon/agent/pkg/tlsutil"
)

func main() {
	var cfg Config
	configFile := flag.String("config.file", "", "optional YAML config file; flags override")
	cfg.RegisterFlagsAndApplyDefaults(flag.CommandLine)
	flag.Parse()

	if *configFile != "" {
		if err := cfg.LoadFile(*configFile); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		// Re-apply flags so explicit CLI values win over the file.
		flag.Parse()
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = logfilter.Verbosity(logger, cfg.Verbose)
	logger = logfilter.Modules(logger, cfg.LogAllowModules, cfg.LogIgnoreModules)

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

	cacheDir := func(host string) string { return filepath.Join(cfg.CacheDir, host) }
	plugMgr := plugin.NewManager(vault, log.With(logger, "module", "plugin"))
	plugMgr.Register("snmp", snmp.NewFactory(cacheDir))
	plugMgr.Register("api", api.NewFactory())
	plugMgr.Register("ssh", sshexec.NewFactory())
	plugMgr.Register("sql", sqlquery.NewFactory())
	plugMgr.Register("wmi", wmiquery.NewFactory())
	plugMgr.Register("powershell", powershell.NewFactory())
	plugMgr.Register("azure", azure.NewFactory())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	etcMgr := etc.NewManager()
	if err := loadInitialPacks(ctx, cfg.PackDir, etcMgr, plugMgr, logger); err != nil {
		return err
	}

	sink := make(chan metrics.Table, 256)
	sched := scheduler.New(etcMgr, plugMgr, sink, log.With(logger, "module", "scheduler"))

	client := agentconn.NewClient(agentconn.ClientConfig{
		ConnectAddr:    cfg.Connect,
		ListenAddr:     cfg.Listen,
		BrokerDomain:   cfg.Broker,
		Compat:         cfg.BrokerCompat,
		TLS:            tlsCfg,
		RetryInterval:  cfg.RetryInterval,
		RequestTimeout: cfg.RequestTimeout,
	}, newBackendHandler(etcMgr, plugMgr, sched, log.With(logger, "module", "control")), log.With(logger, "module", "broker"))

	go func() {
		if err := etc.Watch(ctx, cfg.PackDir, etcMgr, plugMgr, log.With(logger, "module", "etc")); err != nil {
			level.Warn(logger).Log("msg", "pack watch unavailable", "err", err)
		}
	}()
	go func() {
		_ = client.Run(ctx, sink)
	}()

	// First signal: graceful shutdown. Second: immediate exit.
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	level.Info(logger).Log("msg", "shutting down")
	go func() {
		<-sigs
		os.Exit(1)
	}()
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := sched.Shutdown(stopCtx); err != nil {
		level.Warn(logger).Log("msg", "scheduler shutdown incomplete", "err", err)
	}
	return nil
}

// loadInitialPacks loads every pack file present at startup; later
// changes arrive through the watcher.
func loadInitialPacks(ctx context.Context, dir string, etcMgr *etc.Manager, plugMgr *plugin.Manager, logger log.Logger) error {
	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return err
	}
	src := etc.LocalSource{PathFor: func(name, version string) string {
		return filepath.Join(dir, name+"-"+version+".json")
	}}
	for _, path := range paths {
		name, version, ok := packNameVersion(path)
		if !ok {
			continue
		}
		source, err := src.Fetch(ctx, name, version)
		if err != nil {
			level.Warn(logger).Log("msg", "pack unreadable", "path", path, "err", err)
			continue
		}
		if err := etcMgr.LoadPkg(ctx, name, version, source, plugMgr); err != nil {
			level.Warn(logger).Log("msg", "pack rejected", "pack", name, "version", version, "err", err)
		}
	}
	return nil
}

func packNameVersion(path string) (string, string, bool) {
	base := filepath.Base(path)
	base = base[:len(base)-len(".json")]
	for i := len(base) - 1; i > 0; i-- {
		if base[i] == '-' {
			return base[:i], base[i+1:], i < len(base)-1
		}
	}
	return "", "", false
}
