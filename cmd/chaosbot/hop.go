package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chaoslab/chaosbot/internal/orchestrator"
)

type hopFlags struct {
	configPath string
	daemon     bool
	vlans      []int
	dryRun     bool
	jsonOut    bool
}

func newHopCmd() *cobra.Command {
	flags := &hopFlags{}

	cmd := &cobra.Command{
		Use:   "hop",
		Short: "Run VLAN hop cycles",
		Long: `Run one hop cycle (default) or loop continuously in daemon mode.

Each cycle creates an 802.1Q sub-interface on the configured parent NIC,
obtains a DHCP lease, discovers live hosts on the segment, runs the
enabled attack modules against them and tears everything down again.

Daemon mode repeats cycles with a randomized cooldown between them until
interrupted. Ctrl-C always forces interface teardown before exit.`,
		Example: `  # One cycle against the next VLAN in the rotation
  chaosbot hop

  # Continuous hopping restricted to two segments
  chaosbot hop --daemon --vlans 40,41

  # Log the commands a cycle would run without touching the network
  chaosbot hop --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHop(flags)
		},
	}

	cmd.Flags().StringVar(&flags.configPath, "config", "", "Path to config.yml (default: search standard locations)")
	cmd.Flags().BoolVar(&flags.daemon, "daemon", false, "Hop continuously with cooldown between cycles")
	cmd.Flags().IntSliceVar(&flags.vlans, "vlans", nil, "Restrict hopping to these VLAN IDs")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "Log commands instead of executing them")
	cmd.Flags().BoolVar(&flags.jsonOut, "json", false, "Print the cycle result as JSON")

	return cmd
}

func runHop(flags *hopFlags) error {
	a, err := loadApp(flags.configPath, flags.dryRun)
	if err != nil {
		return err
	}
	defer a.close()

	if a.metrics != nil {
		a.metrics.Serve(metricsAddr(a.cfg), a.log)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !flags.daemon {
		res, err := a.orch.RunOnce(ctx, flags.vlans)
		if err != nil {
			return err
		}
		printCycle(res, flags.jsonOut)
		if res.Status == orchestrator.CycleError {
			return fmt.Errorf("cycle failed: %s", res.Message)
		}
		return nil
	}

	if err := a.orch.Start(flags.vlans); err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, "chaosbot daemon running, Ctrl-C to stop")
	<-ctx.Done()
	fmt.Fprintln(os.Stdout, "stopping, tearing down interfaces...")
	return a.orch.Stop()
}

func printCycle(res *orchestrator.CycleResult, jsonOut bool) {
	if jsonOut {
		b, _ := json.MarshalIndent(res, "", "  ")
		fmt.Fprintln(os.Stdout, string(b))
		return
	}
	fmt.Fprintf(os.Stdout, "cycle %s: VLAN %d %s", res.ID, res.VlanID, res.Status)
	if res.SourceIP != "" {
		fmt.Fprintf(os.Stdout, " as %s", res.SourceIP)
	}
	if res.Message != "" {
		fmt.Fprintf(os.Stdout, " (%s)", res.Message)
	}
	fmt.Fprintln(os.Stdout)
	for name, r := range res.Modules {
		fmt.Fprintf(os.Stdout, "  %-12s %-8s %s\n", name, r.Status, r.Summary)
	}
}
