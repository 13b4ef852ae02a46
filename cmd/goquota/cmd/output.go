package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"git.srvlab.io/whiskey/goquota/pkg/quota"
)

// quotaRecord is the printed form of one quota record
type quotaRecord struct {
	Device   string         `json:"device"`
	Format   string         `json:"format"`
	Identity quota.Identity `json:"identity"`
	Limits   quota.Limits   `json:"limits"`
}

type infoRecord struct {
	Device string     `json:"device"`
	Kind   string     `json:"kind"`
	Format string     `json:"format"`
	Info   quota.Info `json:"info"`
}

type formatRecord struct {
	Device string `json:"device"`
	Kind   string `json:"kind"`
	Format string `json:"format"`
}

func (a *app) print(w io.Writer, v any, table func(tw *tabwriter.Writer)) error {
	if a.output == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	table(tw)
	return tw.Flush()
}

func printQuotaHeader(tw *tabwriter.Writer) {
	fmt.Fprintln(tw, "DEVICE\tKIND\tID\tSPACE\tSOFT\tHARD\tGRACE\tFILES\tSOFT\tHARD\tGRACE")
}

func printQuotaRow(tw *tabwriter.Writer, r quotaRecord) {
	l := r.Limits
	fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
		r.Device, r.Identity.Kind, r.Identity.ID,
		formatBytes(l.SpaceUsage), formatBlocks(l.BlockSoftLimit), formatBlocks(l.BlockHardLimit), formatGrace(l.BlockGraceTime),
		l.InodeUsage, formatCount(l.InodeSoftLimit), formatCount(l.InodeHardLimit), formatGrace(l.InodeGraceTime))
}

func formatGrace(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func formatFlags(f quota.InfoFlags) string {
	var s string
	if f&quota.InfoFlagRootSquash != 0 {
		s = "root-squash"
	}
	if f&quota.InfoFlagSysFile != 0 {
		if s != "" {
			s += ","
		}
		s += "sys-file"
	}
	if s == "" {
		return "-"
	}
	return s
}
