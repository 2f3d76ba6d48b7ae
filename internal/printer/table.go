package printer

import (
	"fmt"
	"io"
	"slices"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/aristath/nworlds/internal/phase"
	"github.com/aristath/nworlds/internal/pool"
	"github.com/aristath/nworlds/internal/sandbox"
	"github.com/aristath/nworlds/internal/speculative"
	"github.com/aristath/nworlds/internal/store"
)

// TablePrinter prints results as aligned tables for terminals.
type TablePrinter struct {
	writer io.Writer
	color  bool
	now    func() time.Time
}

var _ Printer = (*TablePrinter)(nil)

// NewTablePrinter creates a table printer. With color disabled no ANSI
// sequences are written.
func NewTablePrinter(w io.Writer, color bool) *TablePrinter {
	return &TablePrinter{writer: w, color: color, now: time.Now}
}

func (t *TablePrinter) PrintBatch(res *pool.BatchResult) error {
	tw := t.table()
	fmt.Fprintln(tw, "TASK\tOUTCOME\tDURATION\tSANDBOX\tERROR")
	for _, r := range res.Results {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.TaskID, t.status(r.Outcome.String()), round(r.Duration), orDash(r.SandboxID), orDash(r.Error))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	return t.summary(fmt.Sprintf("Batch %s", res.ID), [][2]string{
		{"tasks", fmt.Sprintf("%d succeeded, %d failed, %d timed out, %d cancelled of %d",
			res.Succeeded, res.Failed, res.TimedOut, res.Cancelled, res.Total)},
		{"success rate", fmt.Sprintf("%.0f%%", res.SuccessRate*100)},
		{"wall time", round(res.WallTime).String()},
		{"durations", fmt.Sprintf("avg %s, min %s, max %s", round(res.AvgDuration), round(res.MinDuration), round(res.MaxDuration))},
		{"throughput", fmt.Sprintf("%.2f tasks/s", res.Throughput)},
		{"concurrency", fmt.Sprintf("%.2f", res.EffectiveConcurrency)},
	})
}

func (t *TablePrinter) PrintSpeculative(res *speculative.Result) error {
	if err := t.worlds(res); err != nil {
		return err
	}

	verdict := "rejected"
	if res.OverallSuccess {
		verdict = "accepted"
	}
	return t.summary(fmt.Sprintf("Task %s", res.TaskID), [][2]string{
		{"verdict", t.status(verdict)},
		{"confidence", fmt.Sprintf("%.2f (%d/%d worlds, threshold %.2f)",
			res.Confidence, res.SuccessfulWorlds, res.TotalWorlds, res.Threshold)},
		{"wall time", round(res.WallTime).String()},
	})
}

func (t *TablePrinter) worlds(res *speculative.Result) error {
	tw := t.table()
	fmt.Fprintln(tw, "WORLD\tOUTCOME\tDURATION\tMESSAGE")
	for _, w := range res.Worlds {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n",
			w.WorldID, t.status(w.Outcome.String()), round(w.Duration), orDash(oneLine(w.Message, 60)))
	}
	return tw.Flush()
}

func (t *TablePrinter) PrintReport(rep *phase.Report) error {
	for _, tr := range rep.Tasks {
		fmt.Fprintln(t.writer, t.style(styleTitle, "Task "+tr.Task.ID))
		if tr.Result != nil {
			if err := t.worlds(tr.Result); err != nil {
				return err
			}
		}
		fmt.Fprintln(t.writer)
	}

	rows := [][2]string{
		{"status", t.status(rep.Status.String())},
		{"phase", rep.FinalPhase.String()},
		{"tasks", fmt.Sprintf("%d", len(rep.Tasks))},
	}
	if e := rep.Escalation; e != nil {
		rows = append(rows, [2]string{"escalation", e.Reason})
	}
	return t.summary(fmt.Sprintf("Execution %s (issue %s)", rep.ExecutionID, rep.IssueID), rows)
}

func (t *TablePrinter) PrintSandboxes(entries []sandbox.Entry, usage *sandbox.Usage) error {
	entries = slices.Clone(entries)
	sortEntries(entries)

	tw := t.table()
	fmt.Fprintln(tw, "ID\tSTATUS\tOWNER\tBRANCH\tSIZE\tLAST ACCESS\tREASON")
	for _, e := range entries {
		size := "-"
		if usage != nil {
			if b, ok := usage.PerSandbox[e.Info.ID]; ok {
				size = humanize.IBytes(uint64(b))
			}
		}
		lastAccess := "-"
		if !e.Info.LastAccessedAt.IsZero() {
			lastAccess = humanize.RelTime(e.Info.LastAccessedAt, t.now(), "ago", "from now")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Info.ID, t.status(e.Status.String()), orDash(e.Info.OwnerTaskID), orDash(e.Info.Branch),
			size, lastAccess, orDash(e.Reason))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if usage == nil {
		return nil
	}
	return t.summary("Disk usage", [][2]string{
		{"sandboxes", fmt.Sprintf("%d", len(entries))},
		{"total", humanize.IBytes(uint64(usage.TotalBytes))},
		{"cache", humanize.IBytes(uint64(usage.CacheBytes))},
	})
}

func (t *TablePrinter) PrintExecution(e *store.Execution) error {
	rows := [][2]string{
		{"issue", fmt.Sprintf("%s %s", e.IssueID, e.Title)},
		{"status", t.status(e.Status)},
		{"phase", e.Phase},
		{"started", humanize.Time(e.StartedAt)},
	}
	if e.FinishedAt != nil {
		rows = append(rows, [2]string{"took", round(e.FinishedAt.Sub(e.StartedAt)).String()})
	}
	if e.Reason != "" {
		rows = append(rows, [2]string{"reason", e.Reason})
	}
	if err := t.summary("Execution "+e.ID, rows); err != nil {
		return err
	}
	if len(e.Transitions) == 0 {
		return nil
	}

	tw := t.table()
	fmt.Fprintln(tw, "FROM\tTO\tAT")
	for _, tr := range e.Transitions {
		to := tr.To
		if tr.Skipped {
			to += t.style(styleMuted, " (skipped)")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", tr.From, to, tr.At.Format(time.RFC3339))
	}
	return tw.Flush()
}

func (t *TablePrinter) PrintExecutions(es []store.Execution) error {
	tw := t.table()
	fmt.Fprintln(tw, "ID\tISSUE\tSTATUS\tPHASE\tSTARTED")
	for _, e := range es {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			e.ID, e.IssueID, t.status(e.Status), e.Phase, humanize.RelTime(e.StartedAt, t.now(), "ago", "from now"))
	}
	return tw.Flush()
}

func (t *TablePrinter) PrintMessage(msg string) error {
	_, err := fmt.Fprintln(t.writer, msg)
	return err
}

func (t *TablePrinter) table() *tabwriter.Writer {
	return tabwriter.NewWriter(t.writer, 0, 0, 3, ' ', 0)
}

// summary prints a titled box of key/value rows.
func (t *TablePrinter) summary(title string, rows [][2]string) error {
	width := 0
	for _, r := range rows {
		width = max(width, len(r[0]))
	}
	var b strings.Builder
	b.WriteString(t.style(styleTitle, title))
	for _, r := range rows {
		fmt.Fprintf(&b, "\n%-*s  %s", width, r[0], r[1])
	}

	out := b.String()
	if t.color {
		out = styleBox.Render(out)
	}
	_, err := fmt.Fprintln(t.writer, out)
	return err
}

func (t *TablePrinter) status(s string) string {
	return t.style(statusStyle(s), s)
}

func (t *TablePrinter) style(st lipgloss.Style, s string) string {
	if !t.color {
		return s
	}
	return st.Render(s)
}

func round(d time.Duration) time.Duration {
	switch {
	case d >= time.Second:
		return d.Round(10 * time.Millisecond)
	case d >= time.Millisecond:
		return d.Round(time.Millisecond)
	default:
		return d
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// oneLine returns the first line of s cut to n runes.
func oneLine(s string, n int) string {
	s, _, _ = strings.Cut(strings.TrimSpace(s), "\n")
	r := []rune(s)
	if len(r) > n {
		return string(r[:n-1]) + "…"
	}
	return s
}

// sortEntries orders sandboxes by status, then id.
func sortEntries(entries []sandbox.Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Status != entries[j].Status {
			return entries[i].Status < entries[j].Status
		}
		return entries[i].Info.ID < entries[j].Info.ID
	})
}
