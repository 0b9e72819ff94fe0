// Package dashboard renders a point-in-time terminal summary of the task
// queue and the analytics report.
package dashboard

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"mediaflow/internal/analytics"
	"mediaflow/internal/store"
	"mediaflow/internal/task"
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#8BC34A")).
			Bold(true).
			MarginBottom(1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#2196F3")).
			Bold(true)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#8a8f98"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#e53935"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFC107"))

	okStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#8BC34A"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#2a3850")).
			Padding(0, 2)
)

// statusOrder fixes the rendering order of the queue summary.
var statusOrder = []task.Status{
	task.StatusPending, task.StatusRunning, task.StatusCompleted,
	task.StatusError, task.StatusCancelled,
}

// Render produces the full dashboard for events since the given time.
func Render(s *store.Store, since time.Time) (string, error) {
	counts, err := s.CountTasksByStatus()
	if err != nil {
		return "", fmt.Errorf("failed to count tasks: %w", err)
	}
	report, err := analytics.BuildReport(s, since)
	if err != nil {
		return "", fmt.Errorf("failed to build report: %w", err)
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("mediaflow dashboard"))
	b.WriteString("\n")
	b.WriteString(labelStyle.Render(fmt.Sprintf("events since %s", since.Format(time.RFC3339))))
	b.WriteString("\n\n")

	b.WriteString(boxStyle.Render(renderQueue(counts)))
	b.WriteString("\n\n")
	b.WriteString(boxStyle.Render(renderKinds(report)))

	if len(report.TopErrors) > 0 {
		b.WriteString("\n\n")
		b.WriteString(boxStyle.Render(renderErrors(report)))
	}
	b.WriteString("\n")
	return b.String(), nil
}

func renderQueue(counts map[task.Status]int) string {
	var b strings.Builder
	b.WriteString(sectionStyle.Render("Queue"))
	b.WriteString("\n")
	for _, st := range statusOrder {
		line := fmt.Sprintf("%-10s %5d", st, counts[st])
		switch st {
		case task.StatusError:
			if counts[st] > 0 {
				line = errorStyle.Render(line)
			}
		case task.StatusCompleted:
			line = okStyle.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderKinds(report *analytics.Report) string {
	var b strings.Builder
	b.WriteString(sectionStyle.Render("By kind"))
	b.WriteString("\n")
	if len(report.Kinds) == 0 {
		b.WriteString(labelStyle.Render("no completed or errored tasks yet"))
		return b.String()
	}

	kinds := append([]store.KindStats(nil), report.Kinds...)
	sort.Slice(kinds, func(i, j int) bool { return kinds[i].Kind < kinds[j].Kind })

	b.WriteString(labelStyle.Render(fmt.Sprintf("%-20s %5s %5s %8s %8s %7s",
		"kind", "ok", "err", "avg ms", "max ms", "rate")))
	b.WriteString("\n")
	for _, ks := range kinds {
		rate := fmt.Sprintf("%5.1f%%", ks.SuccessRate()*100)
		line := fmt.Sprintf("%-20s %5d %5d %8d %8d %7s",
			ks.Kind, ks.Completed, ks.Errored, ks.AvgDurationMs, ks.MaxDurationMs, rate)
		if ks.SuccessRate() < 0.5 {
			line = errorStyle.Render(line)
		} else if ks.SuccessRate() < 1.0 {
			line = warnStyle.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	if len(report.Bottlenecks) > 0 {
		b.WriteString("\n")
		b.WriteString(labelStyle.Render("slowest: "))
		b.WriteString(kindList(report.Bottlenecks, 3))
	}
	if len(report.WorstSuccess) > 0 {
		b.WriteString("\n")
		b.WriteString(labelStyle.Render("least reliable: "))
		b.WriteString(kindList(report.WorstSuccess, 3))
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderErrors(report *analytics.Report) string {
	type reasonCount struct {
		reason string
		count  int
	}
	reasons := make([]reasonCount, 0, len(report.TopErrors))
	for r, n := range report.TopErrors {
		reasons = append(reasons, reasonCount{r, n})
	}
	sort.Slice(reasons, func(i, j int) bool {
		if reasons[i].count != reasons[j].count {
			return reasons[i].count > reasons[j].count
		}
		return reasons[i].reason < reasons[j].reason
	})

	var b strings.Builder
	b.WriteString(sectionStyle.Render("Top errors"))
	b.WriteString("\n")
	for _, rc := range reasons {
		reason := rc.reason
		if len(reason) > 60 {
			reason = reason[:57] + "..."
		}
		b.WriteString(errorStyle.Render(fmt.Sprintf("%4dx ", rc.count)))
		b.WriteString(reason)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func kindList(kinds []task.Kind, max int) string {
	if len(kinds) > max {
		kinds = kinds[:max]
	}
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = string(k)
	}
	return strings.Join(parts, ", ")
}
