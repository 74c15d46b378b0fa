package main

import (
	"fmt"

	"github.com/chaoslab/chaosbot/internal/config"
	"github.com/chaoslab/chaosbot/internal/discovery"
	"github.com/chaoslab/chaosbot/internal/execx"
	"github.com/chaoslab/chaosbot/internal/history"
	"github.com/chaoslab/chaosbot/internal/logging"
	"github.com/chaoslab/chaosbot/internal/metrics"
	"github.com/chaoslab/chaosbot/internal/netdetect"
	"github.com/chaoslab/chaosbot/internal/notify"
	"github.com/chaoslab/chaosbot/internal/orchestrator"
	"github.com/chaoslab/chaosbot/internal/scheduler"
	"github.com/chaoslab/chaosbot/internal/vlan"
)

// app bundles the wired components shared by every long-running command.
type app struct {
	cfg     *config.Config
	log     *logging.Logger
	store   *history.Store
	metrics *metrics.Metrics
	orch    *orchestrator.Orchestrator
}

func (a *app) close() {
	if a.store != nil {
		a.store.Close()
	}
	if a.log != nil {
		a.log.Close()
	}
}

// loadApp resolves config, opens the log and history sinks and wires the
// orchestrator. dryRun forces command logging regardless of config.
func loadApp(configPath string, dryRun bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	dryRun = dryRun || cfg.General.DryRun

	log, err := logging.NewLogger(logging.ParseLevel(cfg.General.LogLevel), cfg.General.LogFile)
	if err != nil {
		return nil, err
	}

	store, err := history.Open(cfg.General.HistoryDB)
	if err != nil {
		log.Close()
		return nil, fmt.Errorf("open history: %w", err)
	}

	var runner execx.Runner = execx.Local{}
	if dryRun {
		runner = execx.DryRun{Log: log}
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	lc := vlan.NewManager(runner, log, cfg.General.Interface, cfg.Schedule.LeaseTimeoutDuration(),
		vlan.WithPriorLeases(store),
		vlan.WithDryRun(dryRun),
		vlan.WithNICCheck(netdetect.Exists),
		vlan.WithMetrics(m),
	)
	disc := discovery.NewEngine(runner, log, dryRun,
		discovery.WithExcludedHosts(cfg.ExcludedHosts),
	)
	sched := scheduler.New(log, runner,
		scheduler.WithMetrics(m),
		scheduler.WithDryRun(dryRun),
	)
	notifier := notify.New(cfg, log)
	orch := orchestrator.New(cfg, lc, disc, sched, store, notifier, m, log)

	return &app{cfg: cfg, log: log, store: store, metrics: m, orch: orch}, nil
}

func metricsAddr(cfg *config.Config) string {
	host := cfg.Metrics.BindAddress
	port := cfg.Metrics.Port
	if port == 0 {
		port = 9100
	}
	return fmt.Sprintf("%s:%d", host, port)
}

func webAddr(cfg *config.Config) string {
	host := cfg.Web.Host
	if host == "" {
		host = "0.0.0.0"
	}
	port := cfg.Web.Port
	if port == 0 {
		port = 8880
	}
	return fmt.Sprintf("%s:%d", host, port)
}
