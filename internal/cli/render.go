package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/seantiz/kiln/internal/client"
	"github.com/seantiz/kiln/internal/model"
)

var (
	statusStyleRunning   = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	statusStyleCompleted = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	statusStyleCancelled = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true)
	statusStyleError     = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	statusStyleDefault   = lipgloss.NewStyle().Foreground(lipgloss.Color("#CCCCCC"))

	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0"))
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
)

const progressBarWidth = 24

func statusStyle(status string) lipgloss.Style {
	switch status {
	case model.StatusRunning, model.PhaseApplying, model.PhaseProducing:
		return statusStyleRunning
	case model.StatusCompleted:
		return statusStyleCompleted
	case model.StatusCancelled:
		return statusStyleCancelled
	case model.StatusError:
		return statusStyleError
	default:
		return statusStyleDefault
	}
}

func progressBar(current, total int) string {
	if total <= 0 {
		return ""
	}
	filled := min(progressBarWidth*current/total, progressBarWidth)
	return "[" + strings.Repeat("#", filled) + strings.Repeat(".", progressBarWidth-filled) + "]"
}

func field(w io.Writer, label, value string) {
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render(fmt.Sprintf("%-10s", label+":")), value)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderJob(w io.Writer, job *model.Job) {
	field(w, "Job", job.ID)
	field(w, "Status", statusStyle(job.Status).Render(job.Status))
	field(w, "Progress", fmt.Sprintf("%s %d/%d %s",
		progressBar(job.Progress.Current, job.Progress.Total),
		job.Progress.Current, job.Progress.Total, job.Progress.Phase))
	if job.Route != "" {
		field(w, "Route", job.Route)
	}
	if job.Error != "" {
		field(w, "Error", errorStyle.Render(job.Error))
	}
	field(w, "Created", job.CreatedAt.Format(time.RFC3339))
	if job.FinishedAt != nil {
		field(w, "Finished", job.FinishedAt.Format(time.RFC3339))
	}
	for _, a := range job.Artifacts {
		fmt.Fprintf(w, "  %s %s\n", labelStyle.Render(fmt.Sprintf("#%d", a.Index)), a.Locator)
	}
}

func renderJobs(w io.Writer, jobs []model.Job) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, labelStyle.Render("no jobs"))
		return
	}
	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("%-28s %-10s %-9s %s", "ID", "STATUS", "PROGRESS", "PHASE")))
	for _, j := range jobs {
		status := statusStyle(j.Status).Render(fmt.Sprintf("%-10s", j.Status))
		fmt.Fprintf(w, "%-28s %s %-9s %s\n", j.ID, status,
			fmt.Sprintf("%d/%d", j.Progress.Current, j.Progress.Total), j.Progress.Phase)
	}
}

func renderCancel(w io.Writer, id string, res model.CancelResult) {
	switch res.Operation {
	case model.OperationAlreadyCancelled:
		fmt.Fprintf(w, "job %s was already cancelled\n", id)
	default:
		fmt.Fprintf(w, "job %s %s\n", id, statusStyleCancelled.Render("cancelled"))
	}
}

func renderSequence(w io.Writer, p *model.SequenceProgress) {
	if p == nil {
		fmt.Fprintln(w, labelStyle.Render("no sequence running"))
		return
	}
	field(w, "Sequence", p.SequenceID)
	field(w, "Item", fmt.Sprintf("%d/%d %s (%s)", p.Index+1, p.Total, p.CurrentItem.Name, p.CurrentItem.ID))
	field(w, "Phase", statusStyle(p.Phase).Render(p.Phase))
	field(w, "Started", p.StartedAt.Format(time.RFC3339))
}

func renderStats(w io.Writer, s *client.Stats) {
	fmt.Fprintln(w, headerStyle.Render("Live jobs"))
	field(w, "Total", fmt.Sprint(s.Live.Total))
	for _, status := range slices.Sorted(maps.Keys(s.Live.ByStatus)) {
		field(w, status, fmt.Sprint(s.Live.ByStatus[status]))
	}
	if s.Archive != nil {
		fmt.Fprintln(w, headerStyle.Render("Archive"))
		field(w, "Total", fmt.Sprint(s.Archive.Total))
		field(w, "Artifacts", fmt.Sprint(s.Archive.ArtifactsMade))
	}
	fmt.Fprintln(w, headerStyle.Render("Sequence"))
	renderSequence(w, s.Sequence)
	field(w, "Pending", fmt.Sprintf("%d notifications", s.NotificationsPending))
}

// renderNotification prints one notification as a single line.
func renderNotification(w io.Writer, n model.Notification) {
	ts := labelStyle.Render(n.CreatedAt.Format("15:04:05"))
	switch {
	case n.Progress != nil:
		p := n.Progress
		fmt.Fprintf(w, "%s %s %s %d/%d %s\n", ts, n.Subject(),
			statusStyle(p.Status).Render(p.Status), p.Progress.Current, p.Progress.Total, p.Progress.Phase)
	case n.Completion != nil:
		fmt.Fprintf(w, "%s %s %s %d\n", ts, n.Subject(),
			statusStyleCompleted.Render("complete"), n.Completion.Count)
	case n.Error != nil:
		fmt.Fprintf(w, "%s %s %s %s\n", ts, n.Subject(),
			errorStyle.Render(n.Error.Code), n.Error.Message)
	}
}
