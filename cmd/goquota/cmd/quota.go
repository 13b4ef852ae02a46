package cmd

import (
	"errors"
	"fmt"
	"math"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/goquota/pkg/quota"
)

func newGetCommand(a *app) *cobra.Command {
	var (
		ident  identityFlags
		format string
	)
	cmd := &cobra.Command{
		Use:   "get DEVICE",
		Short: "Show the quota of a user, group or project",
		Example: `  goquota get /dev/sda1 --user 1000
  goquota get /home --group staff -o json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			device := args[0]
			id, err := ident.identity()
			if err != nil {
				return err
			}

			c := a.client()
			f, err := formatFor(ctx, c, format, device, id.Kind)
			if err != nil {
				return err
			}
			limits, err := c.GetQuota(ctx, device, id, f)
			if err != nil {
				return err
			}

			r := quotaRecord{Device: device, Format: f.String(), Identity: id, Limits: *limits}
			return a.print(cmd.OutOrStdout(), r, func(tw *tabwriter.Writer) {
				printQuotaHeader(tw)
				printQuotaRow(tw, r)
			})
		},
	}
	ident.register(cmd)
	cmd.Flags().StringVarP(&format, "format", "f", "", "quota format (vfsold, vfsv0, vfsv1, xfs); detected when empty")
	return cmd
}

func newSetCommand(a *app) *cobra.Command {
	var (
		ident                  identityFlags
		format                 string
		blockSoft, blockHard   string
		inodeSoft, inodeHard   string
		blockGrace, inodeGrace time.Duration
	)
	cmd := &cobra.Command{
		Use:   "set DEVICE",
		Short: "Change the limits of a user, group or project",
		Long: `Change the limits of a user, group or project. Limits that are not given
keep their current value. Sizes accept suffixes such as 500Mi or 10Gi and
are rounded up to whole KiB; 0 removes a limit.`,
		Example: `  goquota set /dev/sda1 --user 1000 --block-soft 10Gi --block-hard 12Gi
  goquota set /srv --project 42 --inode-hard 100k`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			device := args[0]
			id, err := ident.identity()
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if !flags.Changed("block-soft") && !flags.Changed("block-hard") &&
				!flags.Changed("inode-soft") && !flags.Changed("inode-hard") &&
				!flags.Changed("block-grace") && !flags.Changed("inode-grace") {
				return fmt.Errorf("%w: no limit given", quota.ErrInvalidArgument)
			}

			c := a.client()
			f, err := formatFor(ctx, c, format, device, id.Kind)
			if err != nil {
				return err
			}

			var limits quota.Limits
			current, err := c.GetQuota(ctx, device, id, f)
			switch {
			case err == nil:
				limits = *current
			case errors.Is(err, quota.ErrNotFound):
				klog.V(4).Infof("No quota for %s on %s yet", id, device)
			default:
				return err
			}
			limits.BlockGraceTime = time.Time{}
			limits.InodeGraceTime = time.Time{}

			for _, b := range []struct {
				flag  string
				value string
				dst   *uint64
				parse func(string) (uint64, error)
			}{
				{"block-soft", blockSoft, &limits.BlockSoftLimit, parseBlocks},
				{"block-hard", blockHard, &limits.BlockHardLimit, parseBlocks},
				{"inode-soft", inodeSoft, &limits.InodeSoftLimit, parseCount},
				{"inode-hard", inodeHard, &limits.InodeHardLimit, parseCount},
			} {
				if !flags.Changed(b.flag) {
					continue
				}
				if *b.dst, err = b.parse(b.value); err != nil {
					return fmt.Errorf("--%s: %w", b.flag, err)
				}
			}

			now := time.Now()
			if flags.Changed("block-grace") {
				limits.BlockGraceTime, err = graceTime(now, blockGrace)
				if err != nil {
					return fmt.Errorf("--block-grace: %w", err)
				}
			}
			if flags.Changed("inode-grace") {
				limits.InodeGraceTime, err = graceTime(now, inodeGrace)
				if err != nil {
					return fmt.Errorf("--inode-grace: %w", err)
				}
			}

			if err := c.SetQuota(ctx, device, id, f, limits); err != nil {
				return err
			}
			klog.V(2).Infof("Set quota of %s on %s", id, device)
			return nil
		},
	}
	ident.register(cmd)
	cmd.Flags().StringVarP(&format, "format", "f", "", "quota format (vfsold, vfsv0, vfsv1, xfs); detected when empty")
	cmd.Flags().StringVar(&blockSoft, "block-soft", "", "block soft limit, e.g. 10Gi")
	cmd.Flags().StringVar(&blockHard, "block-hard", "", "block hard limit, e.g. 12Gi")
	cmd.Flags().StringVar(&inodeSoft, "inode-soft", "", "inode soft limit, e.g. 10k")
	cmd.Flags().StringVar(&inodeHard, "inode-hard", "", "inode hard limit, e.g. 12k")
	cmd.Flags().DurationVar(&blockGrace, "block-grace", 0, "time left before the block soft limit is enforced")
	cmd.Flags().DurationVar(&inodeGrace, "inode-grace", 0, "time left before the inode soft limit is enforced")
	return cmd
}

// graceTime returns the grace expiry d from now; zero stops a running grace period
func graceTime(now time.Time, d time.Duration) (time.Time, error) {
	switch {
	case d < 0:
		return time.Time{}, fmt.Errorf("%w: grace time must not be negative", quota.ErrInvalidArgument)
	case d == 0:
		return time.Time{}, nil
	}
	return now.Add(d).Truncate(time.Second), nil
}

func newNextCommand(a *app) *cobra.Command {
	var (
		kind   kindFlag
		format string
		from   int64
		all    bool
	)
	cmd := &cobra.Command{
		Use:   "next DEVICE",
		Short: "List quota records in id order",
		Long: `Show the first quota record at or above --from. With --all every record
from --from on is listed.`,
		Example: `  goquota next /dev/sda1 --kind group --all`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			device := args[0]
			k, err := kind.kind()
			if err != nil {
				return err
			}
			id, err := quota.NewIdentity(k, from)
			if err != nil {
				return err
			}

			c := a.client()
			f, err := formatFor(ctx, c, format, device, k)
			if err != nil {
				return err
			}

			records := []quotaRecord{}
			for {
				entry, err := c.GetNextQuota(ctx, device, id, f)
				if errors.Is(err, quota.ErrNotFound) && all {
					break
				}
				if err != nil {
					return err
				}
				records = append(records, quotaRecord{Device: device, Format: f.String(), Identity: entry.Identity, Limits: entry.Limits})
				if !all || entry.Identity.ID >= math.MaxUint32-1 {
					break
				}
				id.ID = entry.Identity.ID + 1
			}

			return a.print(cmd.OutOrStdout(), records, func(tw *tabwriter.Writer) {
				printQuotaHeader(tw)
				for _, r := range records {
					printQuotaRow(tw, r)
				}
			})
		},
	}
	kind.register(cmd)
	cmd.Flags().StringVarP(&format, "format", "f", "", "quota format (vfsold, vfsv0, vfsv1, xfs); detected when empty")
	cmd.Flags().Int64Var(&from, "from", 0, "first id to look at")
	cmd.Flags().BoolVarP(&all, "all", "a", false, "list every record")
	return cmd
}
