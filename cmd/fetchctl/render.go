package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"

	"media-fetch-service/internal/client"
	"media-fetch-service/internal/domain/model"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	panelStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

func renderInfo(info *model.MediaInfo) string {
	lines := []string{titleStyle.Render(info.Title)}
	if info.Uploader != "" {
		lines = append(lines, mutedStyle.Render("by "+info.Uploader))
	}
	lines = append(lines, "duration  "+formatDuration(info.DurationSeconds))
	if info.Thumbnail != "" {
		lines = append(lines, mutedStyle.Render(info.Thumbnail))
	}
	return panelStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

// progressView redraws one terminal line per session update.
type progressView struct {
	w      io.Writer
	bar    progress.Model
	active bool
}

func newProgressView(w io.Writer) *progressView {
	return &progressView{w: w, bar: progress.New(progress.WithDefaultGradient(), progress.WithWidth(40))}
}

func (v *progressView) Render(s client.Snapshot) {
	switch s.Phase {
	case client.PhaseDownloadRequested:
		fmt.Fprint(v.w, mutedStyle.Render("submitting..."))
		v.active = true
	case client.PhasePolling:
		label := s.Label
		if s.State == model.JobStateWaiting || s.State == model.JobStateDelayed {
			label = string(s.State)
		}
		fmt.Fprintf(v.w, "\r\033[K%s %5.1f%% %s", v.bar.ViewAs(s.Progress/100), s.Progress, mutedStyle.Render(label))
		v.active = true
	case client.PhaseReady:
		fmt.Fprintf(v.w, "\r\033[K%s %s", v.bar.ViewAs(1), okStyle.Render("done"))
		v.active = true
	case client.PhaseFailed:
		fmt.Fprintf(v.w, "\r\033[K%s", errorStyle.Render("failed"))
		v.active = true
	}
}

// Done ends the progress line.
func (v *progressView) Done() {
	if v.active {
		fmt.Fprintln(v.w)
		v.active = false
	}
}

func describe(err error) string {
	var jf *client.JobFailedError
	var apiErr *client.APIError
	switch {
	case errors.As(err, &jf):
		return jf.Error()
	case errors.As(err, &apiErr):
		return apiErr.Message
	case errors.Is(err, client.ErrConnectivity):
		return "lost connection to the service: " + strings.TrimPrefix(err.Error(), client.ErrConnectivity.Error()+": ")
	default:
		return err.Error()
	}
}

func formatDuration(secs float64) string {
	d := time.Duration(secs * float64(time.Second)).Round(time.Second)
	h, m, s := int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
