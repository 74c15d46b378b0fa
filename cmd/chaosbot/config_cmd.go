package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chaoslab/chaosbot/internal/config"
	"github.com/chaoslab/chaosbot/internal/netdetect"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate configuration",
	}
	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigValidateCmd())
	cmd.AddCommand(newConfigInterfacesCmd())
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the resolved configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			b, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, string(b))
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to config.yml (default: search standard locations)")
	return cmd
}

func newConfigValidateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		Long: `Load and validate the configuration, reporting the first problem found.
Checks VLAN IDs against the 802.1Q range, rejects the reserved
cluster-control segments 20 and 21, and verifies subnets and discovery
policies parse.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.Find(configPath)
			if err != nil {
				return err
			}
			if _, err := config.Load(configPath); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			fmt.Fprintf(os.Stdout, "%s: OK\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to config.yml (default: search standard locations)")
	return cmd
}

func newConfigInterfacesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "interfaces",
		Short: "List network interfaces usable as the hop parent",
		RunE: func(cmd *cobra.Command, args []string) error {
			ifaces, err := netdetect.ListInterfaces()
			if err != nil {
				return err
			}
			for _, ifc := range ifaces {
				state := "down"
				if ifc.IsUp {
					state = "up"
				}
				if ifc.IsLoopback {
					state += ", loopback"
				}
				fmt.Fprintf(os.Stdout, "%-12s %-16s %s\n", ifc.Name, state, strings.Join(ifc.Addresses, " "))
			}
			return nil
		},
	}
}
