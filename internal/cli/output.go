package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/ChuLiYu/probe-swarm/pkg/types"
)

func printReport(out io.Writer, r types.JobReport) {
	fmt.Fprintln(out, "╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintf(out, "  Job %s (%s)\n", r.ID, r.Status)
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintf(out, "  ├─ Target:        %s\n", r.Target)
	fmt.Fprintf(out, "  ├─ Progress:      %.1f%% (%d/%d payloads tested)\n", r.Progress, r.PayloadsTested, r.Counts.Total)
	if r.ETA > 0 {
		fmt.Fprintf(out, "  ├─ ETA:           %s\n", r.ETA.Round(time.Second))
	}
	if r.WaitingForCapacity {
		fmt.Fprintln(out, "  ├─ ⚠️  Waiting for capacity (no live nodes)")
	}
	c := r.Counts
	fmt.Fprintf(out, "  ├─ ⏳ Queued:      %d\n", c.Queued)
	fmt.Fprintf(out, "  ├─ 🔄 In-Flight:   %d\n", c.InFlight)
	fmt.Fprintf(out, "  ├─ ✅ Succeeded:   %d\n", c.Succeeded)
	fmt.Fprintf(out, "  ├─ ➖ Failed:      %d\n", c.Failed)
	fmt.Fprintf(out, "  ├─ ❌ Errored:     %d (timed out %d, dead-lettered %d)\n", c.Errored, c.TimedOut, c.DeadLettered)
	fmt.Fprintf(out, "  ├─ 🚫 Cancelled:   %d\n", c.Cancelled)
	fmt.Fprintf(out, "  └─ 🎯 Findings:    %d\n", r.Findings)
}

func printFindings(out io.Writer, results []types.Result) {
	if len(results) == 0 {
		fmt.Fprintln(out, "No findings.")
		return
	}
	fmt.Fprintf(out, "Findings (%d):\n", len(results))
	for _, r := range results {
		fmt.Fprintf(out, "  - %s  node=%s  latency=%s\n", r.ItemID, r.NodeID, r.Latency.Round(time.Millisecond))
		if len(r.Evidence) > 0 {
			fmt.Fprintf(out, "    evidence: %q\n", r.Evidence)
		}
	}
}

func printJobs(out io.Writer, jobs []types.JobReport) {
	if len(jobs) == 0 {
		fmt.Fprintln(out, "No jobs.")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tSTATUS\tPROGRESS\tTOTAL\tFINDINGS\tTARGET")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%.1f%%\t%d\t%d\t%s\n", j.ID, j.Status, j.Progress, j.Counts.Total, j.Findings, j.Target)
	}
	tw.Flush()
}

func printNodes(out io.Writer, nodes []types.NodeInfo) {
	if len(nodes) == 0 {
		fmt.Fprintln(out, "No nodes registered.")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tCAPABILITY\tCAPACITY\tIDLE\tQUEUED\tASSIGNED\tCOMPLETED\tERRORED\tAVG LATENCY\tLAST SEEN")
	for _, n := range nodes {
		seen := "-"
		if n.LastHeartbeat > 0 {
			seen = time.UnixMilli(n.LastHeartbeat).Format(time.TimeOnly)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\t%s\t%s\n",
			n.ID, n.Capability, n.Capacity, n.IdleWorkers, n.LocalQueued, n.Assigned,
			n.Completed, n.Errored, n.AvgLatency.Round(time.Millisecond), seen)
	}
	tw.Flush()
}
