package tuiapp

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/afk-relay/afk-supervisor/internal/config"
	"github.com/afk-relay/afk-supervisor/internal/contextmon"
	"github.com/afk-relay/afk-supervisor/internal/progress"
	"github.com/afk-relay/afk-supervisor/internal/tuiclient"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
)

const panelWidth = 72

var (
	stylePanel = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(colorBorder).Padding(0, 1)
	styleLabel = lipgloss.NewStyle().Foreground(colorDimmed).Width(14)
	styleValue = lipgloss.NewStyle().Foreground(colorBright)
)

// renderDetail builds the session detail panel: identity/status fields
// plus the Progress Tracker's latest iteration summary and the Context
// Monitor's report, rendered as Markdown via glamour.
func renderDetail(cfg *config.Config, s *tuiclient.Session) string {
	var b strings.Builder

	b.WriteString(styleHeader.Render("Session "+shortID(s.ID)) + "\n")
	b.WriteString(strings.Repeat("─", panelWidth-4) + "\n")
	writeRow(&b, "Status", lipgloss.NewStyle().Foreground(statusColor(s.Status)).Render(s.Status))
	writeRow(&b, "Task", truncate(s.Task, 50))
	writeRow(&b, "Iterations", fmt.Sprintf("%d / %d (current %d)", s.IterationsCompleted, s.IterationsPlanned, s.CurrentIteration))
	if s.PID != nil {
		writeRow(&b, "PID", fmt.Sprintf("%d", *s.PID))
	}
	writeRow(&b, "Working Dir", truncate(s.WorkingDirectory, 50))
	if s.Model != nil && *s.Model != "" {
		writeRow(&b, "Model", *s.Model)
	}
	if s.Error != "" {
		writeRow(&b, "Error", s.Error)
	}
	b.WriteString("\n")

	md := buildSidecarMarkdown(cfg, s.ID)
	rendered, err := glamour.Render(md, "dark")
	if err != nil {
		rendered = md
	}
	b.WriteString(rendered)

	b.WriteString(styleDimmed.Render("[t] tail log  [esc] back  [q] quit"))

	return stylePanel.Width(panelWidth).Render(b.String())
}

// buildSidecarMarkdown reads the session's progress sidecar and context
// report directly off disk (both are local files the TUI shares a host
// with) and renders them as Markdown.
func buildSidecarMarkdown(cfg *config.Config, sessionID string) string {
	var b strings.Builder

	sidecarPath := filepath.Join(cfg.Paths.ProgressDir, sessionID+"-progress.json")
	b.WriteString("## Progress\n\n")
	if _, err := os.Stat(sidecarPath); err != nil {
		b.WriteString("_no iterations recorded yet_\n\n")
	} else if tracker, err := progress.Open(cfg.Paths.ProgressDir, sessionID); err == nil {
		doc := tracker.Document()
		if len(doc.Iterations) == 0 {
			b.WriteString("_no iterations recorded yet_\n\n")
		} else {
			last := doc.Iterations[len(doc.Iterations)-1]
			b.WriteString(fmt.Sprintf("**Iteration %d** — %s\n\n", last.Number, last.Status))
			if last.Goal != "" {
				b.WriteString(fmt.Sprintf("Goal: %s\n\n", last.Goal))
			}
			writeBulletSection(&b, "Achievements", last.Achievements)
			writeBulletSection(&b, "Challenges", last.Challenges)
			writeBulletSection(&b, "Next steps", last.NextSteps)
		}
		if len(doc.Milestones) > 0 {
			b.WriteString("### Milestones\n\n")
			for _, ms := range doc.Milestones {
				b.WriteString(fmt.Sprintf("- %s — %s\n", ms.At.Format("15:04:05"), ms.Text))
			}
			b.WriteString("\n")
		}
	}

	reportPath := filepath.Join(cfg.Paths.RegistryDir, sessionID, "context-report.json")
	b.WriteString("## Context report\n\n")
	if data, err := os.ReadFile(reportPath); err == nil {
		b.Write(formatReportAsMarkdownList(data))
	} else {
		b.WriteString("_no context report yet — generated when the session ends_\n")
	}

	return b.String()
}

func writeBulletSection(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	b.WriteString(fmt.Sprintf("**%s**\n\n", title))
	for _, it := range items {
		b.WriteString("- " + it + "\n")
	}
	b.WriteString("\n")
}

// formatReportAsMarkdownList renders a persisted context-report.json as a
// short bullet list instead of dumping raw JSON.
func formatReportAsMarkdownList(data []byte) []byte {
	var report contextmon.Report
	if err := json.Unmarshal(data, &report); err != nil {
		return data
	}
	var b strings.Builder
	b.WriteString(fmt.Sprintf("- total events: %d\n", report.TotalEvents))
	b.WriteString(fmt.Sprintf("- mean context-limit gap: %.0fms\n", report.ContextLimitMeanGapMs))
	b.WriteString(fmt.Sprintf("- compact success rate: %.0f%%\n", report.CompactSuccessRate*100))
	return []byte(b.String())
}

func writeRow(b *strings.Builder, label, value string) {
	b.WriteString(styleLabel.Render(label+":") + styleValue.Render(value) + "\n")
}

func shortID(id string) string {
	if len(id) > 16 {
		return id[:16]
	}
	return id
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}
