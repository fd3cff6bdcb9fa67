package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"stagecheck/internal/artifact"
	"stagecheck/internal/campaign"
	"stagecheck/internal/property"
)

// Semantic colors
var (
	colorSuccess = lipgloss.Color("#8BC34A") // Lime Green
	colorDanger  = lipgloss.Color("#e53935") // Red
	colorWarning = lipgloss.Color("#FFC107") // Yellow
	colorInfo    = lipgloss.Color("#2196F3") // Blue
	colorMuted   = lipgloss.Color("#7a8699")
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(colorInfo)
	headerStyle  = lipgloss.NewStyle().Bold(true).Underline(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(colorMuted)
	warningStyle = lipgloss.NewStyle().Foreground(colorWarning)
	errorStyle   = lipgloss.NewStyle().Foreground(colorDanger)

	statusStyles = map[campaign.Status]lipgloss.Style{
		campaign.StatusSucceeded: lipgloss.NewStyle().Foreground(colorSuccess),
		campaign.StatusFailed:    lipgloss.NewStyle().Foreground(colorDanger).Bold(true),
		campaign.StatusSkipped:   lipgloss.NewStyle().Foreground(colorMuted),
		campaign.StatusRunning:   lipgloss.NewStyle().Foreground(colorInfo),
	}

	verdictStyles = map[campaign.Verdict]lipgloss.Style{
		campaign.VerdictSucceeded: lipgloss.NewStyle().Bold(true).Foreground(colorSuccess),
		campaign.VerdictPartial:   lipgloss.NewStyle().Bold(true).Foreground(colorWarning),
		campaign.VerdictFailed:    lipgloss.NewStyle().Bold(true).Foreground(colorDanger),
		campaign.VerdictAborted:   lipgloss.NewStyle().Bold(true).Foreground(colorDanger).Reverse(true),
	}
)

// column is one fixed-width table column.
type column struct {
	title string
	width int
}

func cell(s string, width int) string {
	if len(s) > width-1 {
		s = s[:width-2] + "…"
	}
	return lipgloss.NewStyle().Width(width).Render(s)
}

func headerRow(cols []column) string {
	var b strings.Builder
	for _, c := range cols {
		b.WriteString(cell(c.title, c.width))
	}
	return headerStyle.Render(strings.TrimRight(b.String(), " "))
}

var reportColumns = []column{
	{"STAGE", 14}, {"ROLE", 8}, {"MODE", 7}, {"KEEP", 6},
	{"STATUS", 11}, {"OUTCOME", 17}, {"TIME", 9}, {"ARTIFACT", 14},
}

// renderReport formats a campaign report as a colored table followed by
// diagnostics, warnings and the verdict line.
func renderReport(rep *campaign.Report) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s %s\n", titleStyle.Render("Campaign "+rep.Campaign), mutedStyle.Render("(top "+rep.Top+", run "+rep.RunID+")"))
	b.WriteString(headerRow(reportColumns))
	b.WriteString("\n")

	for _, s := range rep.Stages {
		artifactID := s.Snapshot
		if artifactID == "" {
			artifactID = s.Trace
		}
		outcome := string(s.Outcome)
		if s.Step > 0 {
			outcome = fmt.Sprintf("%s@%d", outcome, s.Step)
		}
		status := cell(string(s.Status), reportColumns[4].width)
		if st, ok := statusStyles[s.Status]; ok {
			status = st.Render(status)
		}

		b.WriteString(cell(s.ID, reportColumns[0].width))
		b.WriteString(cell(string(s.Role), reportColumns[1].width))
		b.WriteString(cell(string(s.Mode), reportColumns[2].width))
		b.WriteString(cell(s.Keep, reportColumns[3].width))
		b.WriteString(status)
		b.WriteString(cell(outcome, reportColumns[5].width))
		b.WriteString(cell(formatDuration(s.Duration), reportColumns[6].width))
		b.WriteString(strings.TrimRight(cell(artifact.Short(artifactID), reportColumns[7].width), " "))
		b.WriteString("\n")
	}

	var diags []string
	for _, s := range rep.Stages {
		if s.Diagnostic == "" {
			continue
		}
		line := fmt.Sprintf("  %s: %s", s.ID, s.Diagnostic)
		if s.Property != "" {
			line += fmt.Sprintf(" (property %s)", s.Property)
		}
		if s.Status == campaign.StatusFailed {
			line = errorStyle.Render(line)
		} else {
			line = mutedStyle.Render(line)
		}
		diags = append(diags, line)
	}
	if len(diags) > 0 {
		b.WriteString("\nDiagnostics:\n")
		b.WriteString(strings.Join(diags, "\n"))
		b.WriteString("\n")
	}

	if len(rep.Warnings) > 0 {
		b.WriteString("\nWarnings:\n")
		for _, w := range rep.Warnings {
			b.WriteString(warningStyle.Render("  ! "+w) + "\n")
		}
	}

	if rep.FatalCause != "" {
		fmt.Fprintf(&b, "\n%s %s\n", errorStyle.Bold(true).Render("Fatal:"), rep.FatalCause)
	}

	counts := rep.Counts()
	verdict := string(rep.Verdict)
	if st, ok := verdictStyles[rep.Verdict]; ok {
		verdict = st.Render(verdict)
	}
	fmt.Fprintf(&b, "\nVerdict: %s  %s\n", verdict, mutedStyle.Render(fmt.Sprintf(
		"%d succeeded, %d failed, %d skipped in %s",
		counts[campaign.StatusSucceeded], counts[campaign.StatusFailed], counts[campaign.StatusSkipped],
		formatDuration(rep.Duration()))))
	return b.String()
}

// renderPlan prints the topological levels and each verify stage's
// property partition.
func renderPlan(plan *campaign.Plan) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s %s\n", titleStyle.Render("Plan "+plan.Def.Name),
		mutedStyle.Render(fmt.Sprintf("(top %s, structure %s, %d properties)",
			plan.Base.Top, artifact.Short(plan.Base.StructuralHash), len(plan.Index.All()))))

	for i, level := range plan.Graph.Levels() {
		fmt.Fprintf(&b, "\n%s\n", headerStyle.Render(fmt.Sprintf("Level %d", i)))
		for _, id := range level {
			s := plan.Graph.Stage(id)
			fmt.Fprintf(&b, "  %s", id)
			if deps := plan.Graph.Deps(id); len(deps) > 0 {
				b.WriteString(mutedStyle.Render(" <- " + strings.Join(deps, ", ")))
			}
			b.WriteString("\n")

			switch s.Role {
			case campaign.RoleInit:
				if s.Root() {
					b.WriteString(mutedStyle.Render("    init: elaborate "+plan.Def.Design.Top) + "\n")
				} else {
					b.WriteString(mutedStyle.Render(fmt.Sprintf("    init: replay %s onto %s", s.Trace, s.Parent)) + "\n")
				}
			case campaign.RoleVerify:
				sel := plan.Selection(id)
				keep := s.Keep
				if keep == "" {
					keep = "-"
				}
				fmt.Fprintf(&b, "    %s keep=%s\n", s.Mode, keep)
				fmt.Fprintf(&b, "    active: %s\n", propertyList(sel.Active))
				b.WriteString(mutedStyle.Render("    pruned: "+propertyList(sel.Pruned)) + "\n")
			}
		}
	}

	if len(plan.Warnings) > 0 {
		b.WriteString("\nWarnings:\n")
		for _, w := range plan.Warnings {
			b.WriteString(warningStyle.Render("  ! "+w) + "\n")
		}
	}
	return b.String()
}

func propertyList(props []property.Property) string {
	if len(props) == 0 {
		return "(none)"
	}
	names := make([]string, len(props))
	for i, p := range props {
		names[i] = fmt.Sprintf("%s(%s)", p.Name, p.Kind)
	}
	return strings.Join(names, " ")
}

func formatDuration(d time.Duration) string {
	switch {
	case d == 0:
		return "-"
	case d < time.Millisecond:
		return d.String()
	case d < time.Second:
		return d.Round(time.Millisecond).String()
	default:
		return d.Round(10 * time.Millisecond).String()
	}
}
