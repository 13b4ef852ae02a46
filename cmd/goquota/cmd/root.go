package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/goquota/pkg/config"
	"git.srvlab.io/whiskey/goquota/pkg/mount"
	"git.srvlab.io/whiskey/goquota/pkg/quota"
	"git.srvlab.io/whiskey/goquota/pkg/security"
)

// Exit codes, one per error kind
const (
	ExitOK              = 0
	ExitFailure         = 1
	ExitInvalidArgument = 2
	ExitPermission      = 3
	ExitNotFound        = 4
	ExitNotSupported    = 5
	ExitIO              = 6
)

// app holds what the commands share. Tests swap the kernel and resolver.
type app struct {
	v       *viper.Viper
	cfgFile string
	output  string

	kernel  quota.Kernel
	resolve quota.DeviceResolver
	out     io.Writer
}

func newApp() *app {
	return &app{
		v:       config.NewViper(),
		kernel:  quota.NewSyscallKernel(),
		resolve: mount.NewResolver().ResolveDevice,
		out:     os.Stdout,
	}
}

// NewRootCommand returns the goquota command tree
func NewRootCommand() *cobra.Command {
	return newRootCommand(newApp())
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "goquota",
		Short: "Linux disk quota tool",
		Long: `goquota reads and updates user, group and project disk quotas through
quotactl(2), and serves quota usage as Prometheus metrics.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.initConfig()
		},
	}
	root.SetOut(a.out)

	klogFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(klogFlags)
	_ = klogFlags.Set("logtostderr", "true")
	root.PersistentFlags().AddGoFlagSet(klogFlags)

	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (default is /etc/goquota/goquota.yaml if present)")
	root.PersistentFlags().StringVarP(&a.output, "output", "o", "table", "output format: table or json")
	root.PersistentFlags().Duration("call-timeout", config.DefaultCallTimeout, "timeout of a single quotactl call, 0 for none")
	_ = a.v.BindPFlag("call_timeout", root.PersistentFlags().Lookup("call-timeout"))

	root.AddCommand(
		newGetCommand(a),
		newSetCommand(a),
		newNextCommand(a),
		newFormatCommand(a),
		newSyncCommand(a),
		newInfoCommand(a),
		newSetInfoCommand(a),
		newOnCommand(a),
		newOffCommand(a),
		newServeCommand(a),
	)
	return root
}

func (a *app) initConfig() error {
	if a.output != "table" && a.output != "json" {
		return fmt.Errorf("%w: unknown output format %q", quota.ErrInvalidArgument, a.output)
	}

	if a.cfgFile != "" {
		a.v.SetConfigFile(a.cfgFile)
	} else {
		a.v.AddConfigPath("/etc/goquota")
		a.v.SetConfigName("goquota")
	}
	if err := a.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if a.cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config: %w", err)
		}
		return nil
	}
	klog.V(2).Infof("Using config file %s", a.v.ConfigFileUsed())
	return nil
}

// client builds a quota client whose changes are written to the audit log
func (a *app) client(opts ...quota.Option) quota.QuotaClient {
	base := []quota.Option{
		quota.WithKernel(a.kernel),
		quota.WithCallTimeout(a.v.GetDuration("call_timeout")),
	}
	if a.resolve != nil {
		base = append(base, quota.WithDeviceResolver(a.resolve))
	}
	return security.NewAuditedClient(quota.NewClient(append(base, opts...)...), security.NewLogger())
}

// formatFor returns the format named by the --format flag, or asks the
// kernel when the flag is empty
func formatFor(ctx context.Context, c quota.QuotaClient, name, device string, kind quota.Kind) (quota.Format, error) {
	if name != "" {
		return quota.ParseFormat(name)
	}
	return c.GetFormat(ctx, device, kind)
}

// ExitCode maps an error returned by the command tree to a process exit code
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch quota.KindOf(err) {
	case quota.ErrInvalidArgument:
		return ExitInvalidArgument
	case quota.ErrPermission:
		return ExitPermission
	case quota.ErrNotFound:
		return ExitNotFound
	case quota.ErrNotSupported:
		return ExitNotSupported
	case quota.ErrIO:
		return ExitIO
	}
	return ExitFailure
}

// Execute runs the command tree with ctx and returns the process exit code
func Execute(ctx context.Context) int {
	root := NewRootCommand()
	err := root.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "goquota: %s: %v\n", quota.Reason(err), err)
	}
	klog.Flush()
	return ExitCode(err)
}
