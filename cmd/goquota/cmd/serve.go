package cmd

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/goquota/pkg/config"
	"git.srvlab.io/whiskey/goquota/pkg/daemon"
	"git.srvlab.io/whiskey/goquota/pkg/observability"
	"git.srvlab.io/whiskey/goquota/pkg/quota"
)

func newServeCommand(a *app) *cobra.Command {
	var devices []string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Export quota usage as Prometheus metrics and sync quotas periodically",
		Long: `Export quota usage as Prometheus metrics and sync quotas periodically.
Devices come from --device, the devices list of the config file, and with
--discover from every filesystem mounted with quota options.`,
		Example: `  goquota serve --device /dev/sda1 --device /home
  GOQUOTA_DISCOVER=true goquota serve --metrics-addr :9207`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(devices) > 0 {
				list := make([]map[string]any, 0, len(devices))
				for _, d := range devices {
					list = append(list, map[string]any{"path": d})
				}
				a.v.Set("devices", list)
			}

			cfg, err := config.Load(a.v)
			if err != nil {
				return err
			}

			metrics := observability.NewMetrics()
			client := a.client(quota.WithObserver(metrics), quota.WithCallTimeout(cfg.CallTimeout))

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			klog.Info("Starting goquota daemon...")
			if err := daemon.Run(ctx, cfg, client, metrics); err != nil {
				klog.ErrorS(err, "goquota daemon exited with error")
				return err
			}
			klog.Info("goquota daemon stopped gracefully")
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringSliceVar(&devices, "device", nil, "block device or mount point to manage, repeatable")
	flags.Bool("discover", false, "manage every filesystem mounted with quota options")
	flags.String("metrics-addr", config.DefaultMetricsAddr, "listen address of /metrics, empty to disable")
	flags.Duration("sync-interval", config.DefaultSyncInterval, "period of quota syncs, 0 to disable")
	flags.Float64("scrape-rate", config.DefaultScrapeRate, "quotactl calls per second while reading usage, 0 for no limit")
	flags.Duration("scrape-interval", config.DefaultScrapeInterval, "period at which exported usage is re-read")

	_ = a.v.BindPFlag("discover", flags.Lookup("discover"))
	_ = a.v.BindPFlag("metrics_addr", flags.Lookup("metrics-addr"))
	_ = a.v.BindPFlag("sync_interval", flags.Lookup("sync-interval"))
	_ = a.v.BindPFlag("scrape_rate", flags.Lookup("scrape-rate"))
	_ = a.v.BindPFlag("scrape_interval", flags.Lookup("scrape-interval"))
	return cmd
}
