package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pelorus-io/chantry/types"
)

// keyMap defines key bindings.
type keyMap struct {
	Quit key.Binding
}

var keys = keyMap{
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c", "esc"),
		key.WithHelp("q", "quit"),
	),
}

// StatusModel is the Bubble Tea model for the channel status dashboard.
type StatusModel struct {
	statuses []types.ChannelStatus
	width    int
	quitting bool
}

// NewStatusModel creates a status model from a status snapshot.
func NewStatusModel(statuses []types.ChannelStatus) StatusModel {
	return StatusModel{statuses: statuses}
}

// Init implements tea.Model.
func (m StatusModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m StatusModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		if key.Matches(msg, keys.Quit) {
			m.quitting = true
			return m, tea.Quit
		}
	}
	return m, nil
}

// View implements tea.Model.
func (m StatusModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render("Chantry Channel Status"))
	b.WriteString("\n")

	if len(m.statuses) == 0 {
		b.WriteString(ValueStyle.Render("(no channels registered)"))
	}
	for _, st := range m.statuses {
		b.WriteString(m.renderChannel(st))
		b.WriteString("\n")
	}

	b.WriteString(HelpStyle.Render("Press q or Ctrl+C to quit"))
	return b.String()
}

func (m StatusModel) renderChannel(st types.ChannelStatus) string {
	var rows []string

	title := lipgloss.JoinHorizontal(lipgloss.Top,
		ValueStyle.Bold(true).Render(st.Identifier),
		"  ",
		StateStyle(string(st.State)).Render(string(st.State)),
	)
	rows = append(rows, title)

	rows = append(rows, m.row("Watermark", fmt.Sprintf("%d", st.Watermark)))
	rows = append(rows, m.row("Events", fmt.Sprintf("%d seen / %d accepted / %d duplicate",
		st.EventsSeen, st.EventsAccepted, st.EventsDuplicate)))
	rows = append(rows, m.row("Committed", fmt.Sprintf("%d", st.RecordsCommitted)))
	rows = append(rows, m.row("Media", fmt.Sprintf("%d fetched / %d skipped / %d failed",
		st.MediaFetched, st.MediaSkipped, st.MediaFailed)))
	if st.LastError != "" {
		rows = append(rows, lipgloss.JoinHorizontal(lipgloss.Top,
			LabelStyle.Render("Last error"),
			ErrorStyle.Render(st.LastError),
		))
	}

	return ChannelBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

func (m StatusModel) row(label, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top,
		LabelStyle.Render(label),
		ValueStyle.Render(value),
	)
}

// RunStatus starts the status dashboard.
func RunStatus(statuses []types.ChannelStatus) error {
	p := tea.NewProgram(NewStatusModel(statuses))
	_, err := p.Run()
	return err
}
