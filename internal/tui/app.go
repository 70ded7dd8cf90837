// Package tui renders a live dashboard for a scheduled run. It follows the
// bubbletea Elm loop: the model polls the run snapshot on a tick, Update
// folds messages into state, View renders the pipeline table.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/gantryci/gantry/internal/scheduler"
)

const refreshInterval = 200 * time.Millisecond

// SnapshotProvider is the minimal contract the dashboard needs from a run.
type SnapshotProvider interface {
	Snapshot() scheduler.Snapshot
}

type tickMsg time.Time

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#5B8DEF"))
	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888"))
	failStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))
	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#6BCB77"))
	skipStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#AAAAAA"))
	runStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFD93D"))
	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#444444")).
			Padding(0, 1)
)

// App is the dashboard model for one run.
type App struct {
	run      SnapshotProvider
	title    string
	spin     spinner.Model
	snapshot scheduler.Snapshot
	done     bool
	quitting bool
}

// NewApp builds a dashboard polling the provided run.
func NewApp(title string, run SnapshotProvider) *App {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = runStyle
	return &App{
		run:      run,
		title:    title,
		spin:     sp,
		snapshot: run.Snapshot(),
	}
}

// Init starts the spinner and the refresh tick.
func (a *App) Init() tea.Cmd {
	return tea.Batch(a.spin.Tick, tick())
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Update folds messages into the model.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			a.quitting = true
			return a, tea.Quit
		}
		return a, nil
	case tickMsg:
		a.snapshot = a.run.Snapshot()
		if a.snapshot.Done {
			a.done = true
			return a, tea.Quit
		}
		return a, tick()
	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spin, cmd = a.spin.Update(msg)
		return a, cmd
	}
	return a, nil
}

// View renders the pipeline table.
func (a *App) View() string {
	var rows []string
	rows = append(rows, titleStyle.Render(a.title))
	width := nameColumnWidth(a.snapshot)
	for _, status := range a.snapshot.Pipelines {
		rows = append(rows, a.renderPipeline(status, width))
	}
	rows = append(rows, "")
	if a.done {
		rows = append(rows, dimStyle.Render("run complete"))
	} else {
		rows = append(rows, dimStyle.Render("q to quit"))
	}
	return boxStyle.Render(strings.Join(rows, "\n"))
}

func (a *App) renderPipeline(status scheduler.PipelineStatus, width int) string {
	marker := a.marker(status.State)
	name := fmt.Sprintf("%-*s", width, status.Name)
	line := fmt.Sprintf("%s %s %s", marker, name, a.stateLabel(status.State))
	if status.State == scheduler.StateSkipped && status.BlockedBy != "" {
		line += dimStyle.Render(fmt.Sprintf("  blocked by %s", status.BlockedBy))
	}
	if status.State == scheduler.StateRunning {
		line += dimStyle.Render("  " + stepSummary(status.Steps))
	}
	return line
}

func (a *App) marker(state scheduler.State) string {
	switch state {
	case scheduler.StateRunning:
		return a.spin.View()
	case scheduler.StateSucceeded:
		return okStyle.Render("✓")
	case scheduler.StateFailed:
		return failStyle.Render("✗")
	case scheduler.StateSkipped:
		return skipStyle.Render("-")
	}
	return dimStyle.Render("·")
}

func (a *App) stateLabel(state scheduler.State) string {
	label := string(state)
	switch state {
	case scheduler.StateSucceeded:
		return okStyle.Render(label)
	case scheduler.StateFailed:
		return failStyle.Render(label)
	case scheduler.StateSkipped:
		return skipStyle.Render(label)
	case scheduler.StateRunning:
		return runStyle.Render(label)
	}
	return dimStyle.Render(label)
}

func stepSummary(steps []scheduler.StepStatus) string {
	counts := map[scheduler.StepState]int{}
	for _, step := range steps {
		counts[step.State]++
	}
	var parts []string
	for _, state := range []scheduler.StepState{
		scheduler.StepSucceeded,
		scheduler.StepRunning,
		scheduler.StepFailed,
		scheduler.StepSkipped,
		scheduler.StepPending,
	} {
		if counts[state] > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", counts[state], state))
		}
	}
	return strings.Join(parts, ", ")
}

func nameColumnWidth(snapshot scheduler.Snapshot) int {
	width := 10
	for _, status := range snapshot.Pipelines {
		if len(status.Name) > width {
			width = len(status.Name)
		}
	}
	return width
}

// Watch runs the dashboard until the run completes or the user quits.
func Watch(title string, run SnapshotProvider) error {
	p := tea.NewProgram(NewApp(title, run))
	_, err := p.Run()
	return err
}
