package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/goquota/pkg/quota"
)

func newFormatCommand(a *app) *cobra.Command {
	var kind kindFlag
	cmd := &cobra.Command{
		Use:   "format DEVICE",
		Short: "Show the active quota format",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := kind.kind()
			if err != nil {
				return err
			}
			f, err := a.client().GetFormat(cmd.Context(), args[0], k)
			if err != nil {
				return err
			}
			r := formatRecord{Device: args[0], Kind: k.String(), Format: f.String()}
			return a.print(cmd.OutOrStdout(), r, func(tw *tabwriter.Writer) {
				fmt.Fprintln(tw, "DEVICE\tKIND\tFORMAT")
				fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Device, r.Kind, r.Format)
			})
		},
	}
	kind.register(cmd)
	return cmd
}

func newSyncCommand(a *app) *cobra.Command {
	var kind kindFlag
	cmd := &cobra.Command{
		Use:   "sync [DEVICE]",
		Short: "Write cached quota usage to disk",
		Long:  `Write cached quota usage to disk. Without DEVICE every filesystem with active quotas is synced.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := kind.kind()
			if err != nil {
				return err
			}
			var device string
			if len(args) == 1 {
				device = args[0]
			}
			if err := a.client().Sync(cmd.Context(), device, k); err != nil {
				return err
			}
			klog.V(2).Infof("Synced %s quotas", k)
			return nil
		},
	}
	kind.register(cmd)
	return cmd
}

func newInfoCommand(a *app) *cobra.Command {
	var (
		kind   kindFlag
		format string
	)
	cmd := &cobra.Command{
		Use:   "info DEVICE",
		Short: "Show grace periods and flags of a quota file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			k, err := kind.kind()
			if err != nil {
				return err
			}
			c := a.client()
			f, err := formatFor(ctx, c, format, args[0], k)
			if err != nil {
				return err
			}
			info, err := c.GetInfo(ctx, args[0], k, f)
			if err != nil {
				return err
			}
			r := infoRecord{Device: args[0], Kind: k.String(), Format: f.String(), Info: *info}
			return a.print(cmd.OutOrStdout(), r, func(tw *tabwriter.Writer) {
				fmt.Fprintln(tw, "DEVICE\tKIND\tFORMAT\tBLOCK GRACE\tINODE GRACE\tFLAGS")
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					r.Device, r.Kind, r.Format, info.BlockGrace, info.InodeGrace, formatFlags(info.Flags))
			})
		},
	}
	kind.register(cmd)
	cmd.Flags().StringVarP(&format, "format", "f", "", "quota format (vfsold, vfsv0, vfsv1, xfs); detected when empty")
	return cmd
}

func newSetInfoCommand(a *app) *cobra.Command {
	var (
		kind       kindFlag
		format     string
		info       quota.Info
		rootSquash bool
	)
	cmd := &cobra.Command{
		Use:   "set-info DEVICE",
		Short: "Change grace periods and flags of a quota file",
		Long: `Change grace periods and flags of a quota file. Settings that are not
given keep their current value.`,
		Example: `  goquota set-info /dev/sda1 --kind user --block-grace 168h --inode-grace 168h`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			flags := cmd.Flags()
			if !flags.Changed("block-grace") && !flags.Changed("inode-grace") && !flags.Changed("root-squash") {
				return fmt.Errorf("%w: nothing to change", quota.ErrInvalidArgument)
			}
			k, err := kind.kind()
			if err != nil {
				return err
			}

			c := a.client()
			f, err := formatFor(ctx, c, format, args[0], k)
			if err != nil {
				return err
			}
			current, err := c.GetInfo(ctx, args[0], k, f)
			if err != nil {
				return err
			}

			// only root squash can be set, the other flags are reported by the kernel
			next := quota.Info{
				BlockGrace: current.BlockGrace,
				InodeGrace: current.InodeGrace,
				Flags:      current.Flags & quota.InfoFlagRootSquash,
			}
			if flags.Changed("block-grace") {
				next.BlockGrace = info.BlockGrace
			}
			if flags.Changed("inode-grace") {
				next.InodeGrace = info.InodeGrace
			}
			if flags.Changed("root-squash") {
				if rootSquash {
					next.Flags |= quota.InfoFlagRootSquash
				} else {
					next.Flags &^= quota.InfoFlagRootSquash
				}
			}
			return c.SetInfo(ctx, args[0], k, f, next)
		},
	}
	kind.register(cmd)
	cmd.Flags().StringVarP(&format, "format", "f", "", "quota format (vfsold, vfsv0, vfsv1, xfs); detected when empty")
	cmd.Flags().DurationVar(&info.BlockGrace, "block-grace", 0, "grace period of the block soft limit")
	cmd.Flags().DurationVar(&info.InodeGrace, "inode-grace", 0, "grace period of the inode soft limit")
	cmd.Flags().BoolVar(&rootSquash, "root-squash", false, "apply limits to root (vfsold only)")
	return cmd
}

func newOnCommand(a *app) *cobra.Command {
	var (
		kind   kindFlag
		format string
		file   string
	)
	cmd := &cobra.Command{
		Use:   "on DEVICE",
		Short: "Turn quotas on",
		Long: `Turn quotas on. VFS formats need the absolute path of the quota file;
on XFS the limits start being enforced.`,
		Example: `  goquota on /dev/sda1 --kind user --format vfsv1 --file /aquota.user
  goquota on /dev/sdb1 --kind project --format xfs`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := kind.kind()
			if err != nil {
				return err
			}
			f, err := quota.ParseFormat(format)
			if err != nil {
				return err
			}
			if err := a.client().QuotaOn(cmd.Context(), args[0], k, f, file); err != nil {
				return err
			}
			klog.Infof("Turned %s quotas on for %s", k, args[0])
			return nil
		},
	}
	kind.register(cmd)
	cmd.Flags().StringVarP(&format, "format", "f", quota.FormatVFSV1.String(), "quota format (vfsold, vfsv0, vfsv1, xfs)")
	cmd.Flags().StringVar(&file, "file", "", "absolute path of the quota file")
	return cmd
}

func newOffCommand(a *app) *cobra.Command {
	var (
		kind   kindFlag
		format string
	)
	cmd := &cobra.Command{
		Use:   "off DEVICE",
		Short: "Turn quotas off",
		Long:  `Turn quotas off. On XFS accounting continues and only enforcement stops.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			k, err := kind.kind()
			if err != nil {
				return err
			}
			c := a.client()
			f, err := formatFor(ctx, c, format, args[0], k)
			if err != nil {
				return err
			}
			if err := c.QuotaOff(ctx, args[0], k, f); err != nil {
				return err
			}
			klog.Infof("Turned %s quotas off for %s", k, args[0])
			return nil
		},
	}
	kind.register(cmd)
	cmd.Flags().StringVarP(&format, "format", "f", "", "quota format (vfsold, vfsv0, vfsv1, xfs); detected when empty")
	return cmd
}
