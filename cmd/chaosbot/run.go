package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chaoslab/chaosbot/internal/discovery"
	"github.com/chaoslab/chaosbot/internal/execx"
	"github.com/chaoslab/chaosbot/internal/modules"
	"github.com/chaoslab/chaosbot/internal/scheduler"
)

type runFlags struct {
	configPath string
	targets    []string
	moduleList []string
	sourceIP   string
	iface      string
	dryRun     bool
	loop       bool
	interval   time.Duration
}

func newRunCmd() *cobra.Command {
	flags := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run attack modules against static targets without hopping",
		Long: `Run the module scheduler directly against a fixed target list, using
the host's existing network identity. No sub-interface is created and no
DHCP lease is requested.

Useful for exercising a single sensor segment, or for tuning module
behavior before letting the daemon loose on the rotation.`,
		Example: `  # All enabled modules against two hosts
  chaosbot run --targets 10.40.40.5,10.40.40.9

  # Only HTTP noise, bound to a specific interface and source address
  chaosbot run --targets 10.40.40.5 --modules http_probe --iface eth1.40 --source-ip 10.40.40.50`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModules(flags)
		},
	}

	cmd.Flags().StringVar(&flags.configPath, "config", "", "Path to config.yml (default: search standard locations)")
	cmd.Flags().StringSliceVar(&flags.targets, "targets", nil, "Target IPs or CIDR ranges (required)")
	cmd.Flags().StringSliceVar(&flags.moduleList, "modules", nil, "Module subset to run (default: all enabled)")
	cmd.Flags().StringVar(&flags.sourceIP, "source-ip", "", "Source address to bind probes to")
	cmd.Flags().StringVar(&flags.iface, "iface", "", "Interface for raw-socket tools")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "Log commands instead of executing them")
	cmd.Flags().BoolVar(&flags.loop, "loop", false, "Repeat until interrupted")
	cmd.Flags().DurationVar(&flags.interval, "interval", 60*time.Second, "Pause between passes with --loop")
	cmd.MarkFlagRequired("targets")

	return cmd
}

func runModules(flags *runFlags) error {
	a, err := loadApp(flags.configPath, flags.dryRun)
	if err != nil {
		return err
	}
	defer a.close()

	mods, err := modules.Build(a.cfg, flags.moduleList)
	if err != nil {
		return err
	}
	if len(mods) == 0 {
		return fmt.Errorf("no modules enabled")
	}

	excluded := make(map[string]bool, len(a.cfg.ExcludedHosts))
	for _, h := range a.cfg.ExcludedHosts {
		excluded[h] = true
	}
	targets := make([]discovery.Target, 0, len(flags.targets))
	for _, t := range flags.targets {
		if excluded[t] {
			fmt.Fprintf(os.Stderr, "skipping excluded host %s\n", t)
			continue
		}
		targets = append(targets, discovery.Target{IP: t, Origin: discovery.OriginStatic})
	}
	if len(targets) == 0 {
		return fmt.Errorf("all targets are excluded hosts")
	}

	dryRun := flags.dryRun || a.cfg.General.DryRun
	var runner execx.Runner = execx.Local{}
	if dryRun {
		runner = execx.DryRun{Log: a.log}
	}
	sched := scheduler.New(a.log, runner,
		scheduler.WithMetrics(a.metrics),
		scheduler.WithDryRun(dryRun),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for {
		results := sched.Run(ctx, mods, targets, a.cfg, modules.Bind{
			SourceIP:  flags.sourceIP,
			Interface: flags.iface,
		})
		for name, r := range results {
			fmt.Fprintf(os.Stdout, "%-12s %-8s %s\n", name, r.Status, r.Summary)
		}
		if !flags.loop {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(flags.interval):
		}
	}
}
