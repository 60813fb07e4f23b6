package watch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/castellan/internal/api"
	"github.com/mattjoyce/castellan/internal/dispatch"
)

const pollInterval = 2 * time.Second

// Model is the main BubbleTea model for the watch TUI.
type Model struct {
	apiURL string
	token  string

	width  int
	height int

	status    api.StatusResponse
	plugins   []table.Row
	sessions  []dispatch.SessionInfo
	connected bool
	lastError string

	pluginTable  table.Model
	sessionTable table.Model
	spinner      spinner.Model
	theme        Theme
}

// New creates a new watch TUI model.
func New(apiURL, token string) *Model {
	theme := NewDefaultTheme()

	newTable := func(cols []table.Column) table.Model {
		t := table.New(table.WithColumns(cols), table.WithHeight(6))
		s := table.DefaultStyles()
		s.Header = s.Header.
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("240")).
			BorderBottom(true).
			Bold(false)
		s.Selected = s.Selected.
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57")).
			Bold(false)
		t.SetStyles(s)
		return t
	}

	pluginTable := newTable([]table.Column{
		{Title: "Plugin", Width: 14},
		{Title: "Version", Width: 8},
		{Title: "Capabilities", Width: 28},
		{Title: "Busy", Width: 8},
	})
	sessionTable := newTable([]table.Column{
		{Title: "Client", Width: 14},
		{Title: "State", Width: 12},
		{Title: "In-flight", Width: 9},
		{Title: "Requests", Width: 9},
		{Title: "Age", Width: 10},
	})
	sessionTable.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = theme.Highlight

	return &Model{
		apiURL:       apiURL,
		token:        token,
		pluginTable:  pluginTable,
		sessionTable: sessionTable,
		spinner:      sp,
		theme:        theme,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		fetchStatus(m.apiURL, m.token),
		fetchPlugins(m.apiURL, m.token),
		fetchSessions(m.apiURL, m.token),
		m.spinner.Tick,
		tea.Tick(pollInterval, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.sessionTable, cmd = m.sessionTable.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		return m, tea.Batch(
			fetchStatus(m.apiURL, m.token),
			fetchPlugins(m.apiURL, m.token),
			fetchSessions(m.apiURL, m.token),
			tea.Tick(pollInterval, func(t time.Time) tea.Msg { return tickMsg(t) }),
		)

	case statusMsg:
		m.status = api.StatusResponse(msg)
		m.connected = true
		m.lastError = ""

	case pluginsMsg:
		rows := make([]table.Row, 0, len(msg.Plugins))
		for _, p := range msg.Plugins {
			rows = append(rows, table.Row{
				p.Name,
				p.Version,
				joinOrDash(p.Capabilities),
				fmt.Sprintf("%d/%d", p.InFlight, p.MaxConcurrent),
			})
		}
		m.plugins = rows
		m.pluginTable.SetRows(rows)

	case sessionsMsg:
		m.sessions = msg.Sessions
		rows := make([]table.Row, 0, len(msg.Sessions))
		for _, s := range msg.Sessions {
			rows = append(rows, table.Row{
				s.ClientID,
				string(s.State),
				fmt.Sprintf("%d", s.InFlight),
				fmt.Sprintf("%d", s.RequestsTotal),
				time.Since(s.StartedAt).Round(time.Second).String(),
			})
		}
		m.sessionTable.SetRows(rows)

	case errMsg:
		m.connected = false
		m.lastError = msg.Error()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to castellan..."
	}

	header := m.renderHeader()
	plugins := m.theme.Border.Render(lipgloss.JoinVertical(lipgloss.Left,
		m.theme.Title.Render("Plugins"),
		m.pluginTable.View(),
	))
	sessions := m.theme.Border.Render(lipgloss.JoinVertical(lipgloss.Left,
		m.theme.Title.Render("Sessions"),
		m.sessionTable.View(),
	))

	var errBar string
	if m.lastError != "" {
		errBar = m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError))
	}

	help := m.theme.Dim.Render(" [q] Quit • [↑/↓] Navigate Sessions")

	parts := []string{header, plugins, sessions}
	if errBar != "" {
		parts = append(parts, errBar)
	}
	parts = append(parts, help)

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}

func (m Model) renderHeader() string {
	var conn string
	if m.connected {
		conn = m.theme.StatusOK.Render("● connected")
	} else {
		conn = m.theme.StatusFailed.Render("● disconnected")
	}

	line := fmt.Sprintf("%s castellan %s  %s  up %s  plugins %d  sessions %d  in-flight %d",
		m.spinner.View(),
		m.status.Version,
		conn,
		(time.Duration(m.status.UptimeSeconds) * time.Second).String(),
		m.status.PluginsLoaded,
		m.status.Sessions,
		m.status.InFlight,
	)
	return m.theme.Border.Width(m.width - 6).Render(m.theme.Header.Render(line))
}

func joinOrDash(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	out := items[0]
	for _, s := range items[1:] {
		out += ", " + s
	}
	return out
}
