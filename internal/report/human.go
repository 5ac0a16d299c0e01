package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/lherron/revmerge/internal/render"
)

// Write renders the report in the renderer's format. Human and table formats
// produce the terminal summary; everything else serializes the whole report.
func Write(r *render.Renderer, rep *Report) error {
	switch r.Format() {
	case render.FormatJSON, render.FormatNDJSON:
		return r.RenderJSON(rep)
	case render.FormatYAML:
		return r.RenderYAML(rep)
	case render.FormatTSV:
		return r.RenderTSV(entryHeaders, entryRows(rep))
	default:
		return WriteHuman(r.Writer(), rep, r.Styles)
	}
}

var entryHeaders = []string{"RESULT", "EMAIL", "AUTHORITATIVE", "RETIRING", "STEP", "REF_AFTER", "TICKETS_AFTER", "ERROR"}

func entryRows(rep *Report) [][]string {
	rows := make([][]string, 0, len(rep.Successes)+len(rep.Failures))
	for _, e := range rep.Successes {
		rows = append(rows, entryRow("ok", e))
	}
	for _, e := range rep.Failures {
		rows = append(rows, entryRow("failed", e))
	}
	return rows
}

func entryRow(result string, e Entry) []string {
	return []string{
		result,
		e.Email,
		e.AuthoritativeID,
		e.RetiringID,
		string(e.Step),
		e.IdentityRefAfter,
		fmt.Sprintf("%d", e.TicketCountAfter),
		e.Error,
	}
}

// WriteHuman writes the terminal summary
func WriteHuman(w io.Writer, rep *Report, st render.Styles) error {
	var b strings.Builder

	mode := rep.Mode
	if mode == ModeDryRun {
		mode = st.Warning(strings.ToUpper(mode))
	}
	fmt.Fprintf(&b, "%s %s (%s, strategy %s) in %.1fs\n",
		st.Header("Run"), rep.RunID, mode, rep.Strategy, rep.DurationSec)

	c := rep.Counts
	fmt.Fprintf(&b, "  records %d, rejected rows %d, groups %d, pairs %d\n",
		c.Records, c.RejectedRows, c.Groups, c.Pairs)
	fmt.Fprintf(&b, "  attempted %d, %s, %s, skipped groups %d, already processed %d\n",
		c.Attempted,
		st.Success(fmt.Sprintf("succeeded %d", c.Succeeded)),
		failedLabel(st, c.Failed),
		c.SkippedGroups, c.AlreadyProcessed)
	if c.ReconcileFailed > 0 {
		fmt.Fprintf(&b, "  %s\n", st.Warning(fmt.Sprintf(
			"%d merged pair(s) kept the wrong identity reference; run 'revmerge reconcile'", c.ReconcileFailed)))
	}
	if rep.Interrupted {
		fmt.Fprintf(&b, "  %s\n", st.Warning(fmt.Sprintf("interrupted: %d pair(s) not attempted", c.NotAttempted)))
	}

	if len(rep.Successes) > 0 {
		fmt.Fprintf(&b, "\n%s\n", st.Header("Merged"))
		for _, e := range rep.Successes {
			fmt.Fprintf(&b, "  %s %s  %s <- %s  ref %s -> %s  tickets %d -> %d\n",
				st.Success("✓"), e.Email, e.AuthoritativeID, e.RetiringID,
				orDash(e.IdentityRefBefore), orDash(e.IdentityRefAfter),
				e.TicketCountBefore, e.TicketCountAfter)
			for _, warn := range e.Warnings {
				fmt.Fprintf(&b, "      %s %s\n", st.Warning("warning:"), warn)
			}
		}
	}

	if len(rep.Failures) > 0 {
		fmt.Fprintf(&b, "\n%s\n", st.Header("Failed"))
		for _, e := range rep.Failures {
			fmt.Fprintf(&b, "  %s %s  %s <- %s  [%s] %s\n",
				st.Failure("✗"), e.Email, e.AuthoritativeID, e.RetiringID, e.Step, e.Error)
		}
	}

	if len(rep.Skipped) > 0 {
		fmt.Fprintf(&b, "\n%s\n", st.Header("Skipped groups"))
		for _, s := range rep.Skipped {
			fmt.Fprintf(&b, "  %s  %s  refs: %s\n", s.Email, s.Reason, strings.Join(s.IdentityRefs, ", "))
		}
	}

	if len(rep.Rejected) > 0 {
		fmt.Fprintf(&b, "\n%s\n", st.Header("Rejected rows"))
		for _, re := range rep.Rejected {
			fmt.Fprintf(&b, "  %s\n", re.Error())
		}
	}

	if rep.LogFile != "" || rep.ReportFile != "" {
		b.WriteString("\n")
	}
	if rep.LogFile != "" {
		fmt.Fprintf(&b, "%s %s\n", st.Muted("log:"), rep.LogFile)
	}
	if rep.ReportFile != "" {
		fmt.Fprintf(&b, "%s %s\n", st.Muted("report:"), rep.ReportFile)
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func failedLabel(st render.Styles, n int) string {
	label := fmt.Sprintf("failed %d", n)
	if n > 0 {
		return st.Failure(label)
	}
	return label
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
