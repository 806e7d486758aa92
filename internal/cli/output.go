package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"taskwarden/internal/job"
	"taskwarden/internal/task/engine"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer, header ...string) *tabwriter.Writer {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(header, "\t"))
	return tw
}

func fmtTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func printJobs(w io.Writer, jobs []job.ScheduledJob) error {
	tw := newTable(w, "NAME", "TYPE", "STATUS", "FAILURES", "LAST RUN", "LAST STATUS", "ID")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			j.Name, j.Type, j.Status, j.ConsecutiveFailures, fmtTime(j.LastRunAt), orDash(string(j.LastExecutionStatus)), j.ID)
	}
	return tw.Flush()
}

func printExecutions(w io.Writer, execs []job.Execution) error {
	tw := newTable(w, "STARTED", "JOB", "STATUS", "ATTEMPT", "DURATION", "TRIGGER", "NODE", "ERROR")
	for _, e := range execs {
		started := e.StartedAt
		attempt := fmt.Sprintf("%d/%d", e.Attempt, e.MaxAttempts)
		if e.IsReplay {
			attempt += " replay"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			fmtTime(&started), e.JobID, e.Status, attempt,
			(time.Duration(e.DurationMs) * time.Millisecond).String(),
			e.TriggeredBy, e.NodeID, orDash(oneLine(e.Error, 80)))
	}
	return tw.Flush()
}

func printDependencies(w io.Writer, deps []job.Dependency) error {
	tw := newTable(w, "JOB", "DEPENDS ON", "CREATED")
	for _, d := range deps {
		created := d.CreatedAt
		fmt.Fprintf(tw, "%s\t%s\t%s\n", d.JobID, d.DependsOnJobID, fmtTime(&created))
	}
	return tw.Flush()
}

func printResults(w io.Writer, name string, results []engine.Result) {
	for _, r := range results {
		fmt.Fprintf(w, "%s attempt %d/%d: %s\n", name, r.Attempt, r.MaxAttempts, describeResult(r))
	}
}

func describeResult(r engine.Result) string {
	var b strings.Builder
	switch {
	case r.Skip != engine.SkipNone:
		b.WriteString("skipped (" + string(r.Skip) + ")")
	case r.Status != "":
		b.WriteString(string(r.Status))
	default:
		b.WriteString("unknown")
	}
	if r.Duration > 0 {
		b.WriteString(" in " + r.Duration.Round(time.Millisecond).String())
	}
	if r.Err != nil {
		b.WriteString(": " + oneLine(r.Err.Error(), 200))
	}
	if r.Retry != nil {
		b.WriteString(", retry at " + r.RetryAt.UTC().Format(time.RFC3339))
	}
	return b.String()
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if max > 3 && len(s) > max {
		return s[:max-3] + "..."
	}
	return s
}
