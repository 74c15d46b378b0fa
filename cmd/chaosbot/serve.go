package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chaoslab/chaosbot/internal/server"
)

type serveFlags struct {
	configPath string
	addr       string
	daemon     bool
	dryRun     bool
}

func newServeCmd() *cobra.Command {
	flags := &serveFlags{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP control API",
		Long: `Start the control API and wait for commands. The bot begins idle; hops
are started through POST /api/v1/hop, /api/v1/start or /api/v1/trigger.

With --daemon the hop loop starts immediately alongside the API. The
Prometheus exporter is started when metrics are enabled in config.`,
		Example: `  # API only, idle until commanded
  chaosbot serve

  # API plus continuous hopping
  chaosbot serve --daemon

  # Override the listen address from config
  chaosbot serve --addr 127.0.0.1:9000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(flags)
		},
	}

	cmd.Flags().StringVar(&flags.configPath, "config", "", "Path to config.yml (default: search standard locations)")
	cmd.Flags().StringVar(&flags.addr, "addr", "", "Listen address (default from config, 0.0.0.0:8880)")
	cmd.Flags().BoolVar(&flags.daemon, "daemon", false, "Start the hop loop immediately")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "Log commands instead of executing them")

	return cmd
}

func runServe(flags *serveFlags) error {
	a, err := loadApp(flags.configPath, flags.dryRun)
	if err != nil {
		return err
	}
	defer a.close()

	if a.metrics != nil {
		a.metrics.Serve(metricsAddr(a.cfg), a.log)
	}

	addr := flags.addr
	if addr == "" {
		addr = webAddr(a.cfg)
	}

	if flags.daemon {
		if err := a.orch.Start(nil); err != nil {
			return err
		}
	}

	srv := server.New(a.orch, a.store, a.log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(addr) }()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		fmt.Fprintln(os.Stdout, "stopping, tearing down interfaces...")
	}
	return a.orch.Stop()
}
