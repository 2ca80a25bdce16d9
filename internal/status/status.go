// Package status renders work graph and run summaries for the terminal.
package status

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/msageha/storyforge/internal/model"
	"github.com/msageha/storyforge/internal/orchestrator"
	"github.com/msageha/storyforge/internal/parallel"
)

const (
	progressWidth = 24
	titleWidth    = 44
)

var (
	colorSuccess = lipgloss.Color("#a6e3a1")
	colorWarning = lipgloss.Color("#f9e2af")
	colorError   = lipgloss.Color("#f38ba8")
	colorInfo    = lipgloss.Color("#89b4fa")
	colorSubtle  = lipgloss.Color("#6c7086")
	colorPrimary = lipgloss.Color("#cba6f7")

	titleStyle  = lipgloss.NewStyle().Foreground(colorPrimary).Bold(true)
	labelStyle  = lipgloss.NewStyle().Foreground(colorInfo).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(colorSubtle)
	headerStyle = lipgloss.NewStyle().Foreground(colorSubtle).Bold(true)
)

var statusColors = map[model.StoryStatus]lipgloss.Color{
	model.StoryPending:    colorSubtle,
	model.StoryInProgress: colorInfo,
	model.StoryCompleted:  colorSuccess,
	model.StoryFailed:     colorError,
	model.StoryBlocked:    colorWarning,
	model.StorySkipped:    colorSubtle,
}

// Write prints report as indented JSON or as the rendered view.
func Write(w io.Writer, report *orchestrator.StatusReport, jsonOutput bool) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	_, err := fmt.Fprintln(w, Render(report))
	return err
}

func Render(report *orchestrator.StatusReport) string {
	prd, sum := report.Graph, report.Summary
	var sections []string

	title := prd.ProjectName
	if prd.Tier != "" {
		title += mutedStyle.Render(" (" + string(prd.Tier) + ")")
	}
	sections = append(sections, titleStyle.Render(title))
	sections = append(sections, fmt.Sprintf("%s %s %.0f%%  %s",
		labelStyle.Render("Progress:"),
		progressBar(sum.CompletionPercentage(), progressWidth),
		sum.CompletionPercentage(),
		mutedStyle.Render(fmt.Sprintf("%d/%d completed", sum.Completed, sum.Total))))
	sections = append(sections, counts(sum.Pending, sum.InProgress, sum.Completed, sum.Failed, sum.Blocked))

	switch {
	case sum.AllComplete():
		sections = append(sections, styled(colorSuccess, "All stories completed."))
	case sum.Stuck():
		sections = append(sections, styled(colorWarning,
			"No story can run: reset failed or blocked stories to continue."))
	}
	if sum.Unreachable > 0 {
		sections = append(sections, styled(colorWarning,
			fmt.Sprintf("%d pending stories depend on stories that cannot complete.", sum.Unreachable)))
	}

	if len(prd.Stories) > 0 {
		sections = append(sections, "", storyTable(prd.Stories))
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func storyTable(stories []model.Story) string {
	rows := []string{headerStyle.Render(fmt.Sprintf("  %-10s %-12s %3s %8s  %s", "ID", "STATUS", "PRI", "ATTEMPTS", "TITLE"))}
	for _, s := range stories {
		status := lipgloss.NewStyle().Foreground(statusColors[s.Status]).Width(12).Render(string(s.Status))
		line := fmt.Sprintf("  %-10s %s %3d %8d  %s", s.ID, status, s.Priority, s.Attempts, truncate(s.Title, titleWidth))
		if len(s.Dependencies) > 0 {
			line += mutedStyle.Render(" <- " + strings.Join(s.Dependencies, ", "))
		}
		rows = append(rows, line)
		if s.Status == model.StoryBlocked || s.Status == model.StoryFailed {
			if note := lastNote(s.Notes); note != "" {
				rows = append(rows, mutedStyle.Render("      "+truncate(note, 100)))
			}
		}
	}
	return strings.Join(rows, "\n")
}

// RenderBatch summarizes one executor run.
func RenderBatch(b *parallel.BatchSummary) string {
	if b == nil || b.RunID == "" {
		return mutedStyle.Render("Nothing to run.")
	}
	lines := []string{
		titleStyle.Render("Run " + b.RunID),
		fmt.Sprintf("%s %d stories in %s (%d iterations)",
			labelStyle.Render("Executed:"), b.Executed, b.Elapsed.Round(time.Millisecond), b.Iterations),
		counts(-1, b.Requeued, b.Completed, b.Failed, b.Blocked),
	}
	if b.LockTimeouts > 0 {
		lines = append(lines, mutedStyle.Render(fmt.Sprintf("%d claims hit the lock timeout", b.LockTimeouts)))
	}
	if b.LeasesLost > 0 {
		lines = append(lines, styled(colorWarning, fmt.Sprintf("%d stories abandoned after another worker took their claim", b.LeasesLost)))
	}
	if b.BudgetExhausted {
		lines = append(lines, styled(colorWarning, "Stopped: iteration or time budget exhausted."))
	}
	for _, o := range b.Outcomes {
		if o.Status == model.StoryCompleted || o.Reason == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("  %-10s %s %s", o.ID,
			lipgloss.NewStyle().Foreground(statusColors[o.Status]).Render(string(o.Status)),
			mutedStyle.Render(truncate(firstLine(o.Reason), 90))))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

// counts renders the per-status breakdown. A negative pending hides it and
// inProgress is then labelled requeued.
func counts(pending, inProgress, completed, failed, blocked int) string {
	parts := []string{}
	if pending >= 0 {
		parts = append(parts,
			styled(colorSubtle, fmt.Sprint(pending))+" "+mutedStyle.Render("pending"),
			styled(colorInfo, fmt.Sprint(inProgress))+" "+mutedStyle.Render("in progress"))
	} else {
		parts = append(parts, styled(colorInfo, fmt.Sprint(inProgress))+" "+mutedStyle.Render("requeued"))
	}
	parts = append(parts,
		styled(colorSuccess, fmt.Sprint(completed))+" "+mutedStyle.Render("completed"),
		styled(colorError, fmt.Sprint(failed))+" "+mutedStyle.Render("failed"),
		styled(colorWarning, fmt.Sprint(blocked))+" "+mutedStyle.Render("blocked"))
	return strings.Join(parts, " | ")
}

func progressBar(percent float64, width int) string {
	filled := int(percent / 100 * float64(width))
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}
	return styled(colorSuccess, strings.Repeat("█", filled)) +
		mutedStyle.Render(strings.Repeat("░", width-filled))
}

func styled(c lipgloss.Color, s string) string {
	return lipgloss.NewStyle().Foreground(c).Render(s)
}

func lastNote(notes string) string {
	notes = strings.TrimSpace(notes)
	if i := strings.LastIndexByte(notes, '\n'); i >= 0 {
		notes = notes[i+1:]
	}
	return notes
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
