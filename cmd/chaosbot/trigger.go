package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/chaoslab/chaosbot/internal/config"
	"github.com/chaoslab/chaosbot/internal/modules"
)

type triggerFlags struct {
	configPath string
	api        string
	vlanID     int
	moduleList []string
}

func newTriggerCmd() *cobra.Command {
	flags := &triggerFlags{}

	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Trigger one cycle on a running daemon",
		Long: `Ask a running chaosbot serve instance to execute a single hop cycle
against a chosen VLAN, optionally restricted to a module subset.

Without --vlan an interactive picker is shown, populated from the local
config file. The request is rejected with a conflict if the daemon is
already hopping or attacking.`,
		Example: `  # Interactive VLAN and module selection
  chaosbot trigger

  # Non-interactive
  chaosbot trigger --vlan 40 --modules net_scanner,dns_noise`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrigger(flags)
		},
	}

	cmd.Flags().StringVar(&flags.configPath, "config", "", "Path to config.yml (default: search standard locations)")
	cmd.Flags().StringVar(&flags.api, "api", "http://127.0.0.1:8880", "Base URL of the control API")
	cmd.Flags().IntVar(&flags.vlanID, "vlan", 0, "VLAN ID to hop to")
	cmd.Flags().StringSliceVar(&flags.moduleList, "modules", nil, "Module subset to run (default: all enabled)")

	return cmd
}

func runTrigger(flags *triggerFlags) error {
	if flags.vlanID == 0 {
		cfg, err := config.Load(flags.configPath)
		if err != nil {
			return fmt.Errorf("interactive mode needs a readable config: %w", err)
		}
		if err := pickCycle(cfg, flags); err != nil {
			return err
		}
	}

	client := newAPIClient(flags.api)
	req := map[string]any{"vlan_id": flags.vlanID}
	if len(flags.moduleList) > 0 {
		req["modules"] = flags.moduleList
	}
	var resp struct {
		Result string `json:"result"`
	}
	if err := client.post("/api/v1/trigger", req, &resp); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "%s on VLAN %d\n", resp.Result, flags.vlanID)
	return nil
}

// pickCycle fills the VLAN and module selection interactively.
func pickCycle(cfg *config.Config, flags *triggerFlags) error {
	vlanOpts := make([]huh.Option[int], 0, len(cfg.Vlans))
	for _, v := range cfg.Vlans {
		label := fmt.Sprintf("VLAN %d", v.ID)
		if v.Name != "" {
			label = fmt.Sprintf("VLAN %d (%s)", v.ID, v.Name)
		}
		vlanOpts = append(vlanOpts, huh.NewOption(label, v.ID))
	}

	moduleOpts := make([]huh.Option[string], 0, len(modules.Names()))
	for _, name := range modules.Names() {
		opt := huh.NewOption(name, name)
		if cfg.ModuleEnabled(name) {
			opt = opt.Selected(true)
		}
		moduleOpts = append(moduleOpts, opt)
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[int]().
				Title("Target VLAN").
				Description("Segment to hop to for this cycle.").
				Options(vlanOpts...).
				Value(&flags.vlanID),
			huh.NewMultiSelect[string]().
				Title("Modules").
				Description("Attack modules to run once targets are found.").
				Options(moduleOpts...).
				Value(&flags.moduleList),
		),
	)
	return form.Run()
}
