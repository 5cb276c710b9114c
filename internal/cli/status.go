package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/fieldcrm/fieldsync/internal/models"
	"github.com/fieldcrm/fieldsync/internal/sync/status"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue counts and entries that need attention",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, rootOpts)
		},
	}
}

func runStatus(cmd *cobra.Command, opts *RootOptions) error {
	a, err := openApp(cmd, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	snap, err := a.bridge(nil, nil).Snapshot(contextOf(cmd))
	if err != nil {
		return err
	}
	return a.out.Success(snap, func(w io.Writer) {
		renderStatus(w, lipgloss.NewRenderer(w), snap)
	})
}

// statusStyles are the text styles used by renderStatus.
type statusStyles struct {
	title   lipgloss.Style
	muted   lipgloss.Style
	ok      lipgloss.Style
	warn    lipgloss.Style
	bad     lipgloss.Style
	section lipgloss.Style
}

func newStatusStyles(r *lipgloss.Renderer) statusStyles {
	return statusStyles{
		title:   r.NewStyle().Bold(true),
		muted:   r.NewStyle().Faint(true),
		ok:      r.NewStyle().Foreground(lipgloss.Color("2")),
		warn:    r.NewStyle().Foreground(lipgloss.Color("3")),
		bad:     r.NewStyle().Foreground(lipgloss.Color("1")),
		section: r.NewStyle().Bold(true).Underline(true),
	}
}

// renderStatus writes snap as text. Columns are aligned before styling so
// escape sequences never affect the layout.
func renderStatus(w io.Writer, r *lipgloss.Renderer, snap *status.Snapshot) {
	st := newStatusStyles(r)

	conn := st.ok.Render("online")
	if !snap.Online {
		conn = st.warn.Render("offline")
	}
	fmt.Fprintf(w, "%s (%s)\n", st.title.Render("fieldsync queue"), conn)
	fmt.Fprintln(w, st.muted.Render("generated "+snap.GeneratedAt.UTC().Format("2006-01-02 15:04:05")+" UTC"))
	fmt.Fprintln(w)

	c := snap.Counts
	rows := []struct {
		label string
		n     int
		style lipgloss.Style
	}{
		{"pending", c.Pending, st.muted},
		{"syncing", c.Syncing, st.muted},
		{"synced", c.Synced, st.ok},
		{"failed", c.Failed, st.warn},
		{"conflict", c.Conflict, st.bad},
	}
	for _, row := range rows {
		line := fmt.Sprintf("%-9s %d", row.label, row.n)
		if row.label == "failed" && c.FailedTerminal > 0 {
			line += fmt.Sprintf("  (%d terminal)", c.FailedTerminal)
		}
		if row.n > 0 {
			line = row.style.Render(line)
		}
		fmt.Fprintln(w, line)
	}

	if lc := snap.LastCycle; lc != nil {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "last cycle %s at %s: %d dequeued, %d synced, %d failed, %d conflicted\n",
			lc.Trigger, lc.FinishedAt.UTC().Format("15:04:05"), lc.Dequeued, lc.Synced, lc.Failed, lc.Conflicted)
		if lc.Error != "" {
			fmt.Fprintln(w, st.bad.Render("  aborted: "+lc.Error))
		}
	}

	if len(snap.Conflicts) == 0 && len(snap.TerminalFailures) == 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, st.ok.Render("nothing needs attention"))
		return
	}

	if len(snap.Conflicts) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, st.section.Render(fmt.Sprintf("conflicts (%d)", len(snap.Conflicts))))
		for _, e := range snap.Conflicts {
			fmt.Fprintln(w, conflictLine(e))
		}
	}

	if len(snap.TerminalFailures) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, st.section.Render(fmt.Sprintf("terminal failures (%d)", len(snap.TerminalFailures))))
		for _, e := range snap.TerminalFailures {
			fmt.Fprintf(w, "  %s  %-10s %d attempts  %s\n", e.ID, e.Payload.Kind, e.AttemptCount, oneLine(e.LastError))
		}
	}
}

func conflictLine(e *models.QueueEntry) string {
	var reason, version string
	if d := e.ConflictDetail; d != nil {
		reason = string(d.Reason)
		if d.ServerVersion != "" {
			version = "  server v" + d.ServerVersion
		}
	}
	return fmt.Sprintf("  %s  %-10s %s%s", e.ID, e.Payload.Kind, reason, version)
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
