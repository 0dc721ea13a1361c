package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/valter-silva-au/workloop/internal/core"
	"github.com/valter-silva-au/workloop/pkg/models"
	"golang.org/x/term"
)

const dashboardRefresh = 2 * time.Second

// Dashboard panel indices.
const (
	panelTasks = iota
	panelAudit
	panelAlerts
	panelCount
)

type dashboardModel struct {
	activePanel int
	width       int
	height      int

	tasks table.Model

	// Data.
	capacity    capacitySnapshot
	statusCount map[models.TaskStatus]int
	audit       []models.AuditEntry
	alerts      []alertSnapshot
	updated     time.Time

	// State.
	loading bool
	err     error
}

type capacitySnapshot struct {
	active, global        int
	reviewers, reviewCap  int
	resolvers, resolveCap int
	exhausted             string
}

type alertSnapshot struct {
	severity string
	message  string
}

// dataLoadedMsg carries loaded data back to the model.
type dataLoadedMsg struct {
	rows        []table.Row
	capacity    capacitySnapshot
	statusCount map[models.TaskStatus]int
	audit       []models.AuditEntry
	alerts      []alertSnapshot
	at          time.Time
	err         error
}

type tickMsg time.Time

// Style definitions.
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("230")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	panelStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	activePanelStyle = lipgloss.NewStyle().
				BorderStyle(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("62")).
				Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62"))

	statusInProgress = lipgloss.NewStyle().Foreground(lipgloss.Color("226"))
	statusDone       = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusBlocked    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusReview     = lipgloss.NewStyle().Foreground(lipgloss.Color("141"))
	statusReady      = lipgloss.NewStyle().Foreground(lipgloss.Color("69"))
	statusBacklog    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))

	severityHigh   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	severityMedium = lipgloss.NewStyle().Foreground(lipgloss.Color("226"))
	severityLow    = lipgloss.NewStyle().Foreground(lipgloss.Color("69"))

	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	helpStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

func newDashboardModel() dashboardModel {
	columns := []table.Column{
		{Title: "ID", Width: 12},
		{Title: "Project", Width: 10},
		{Title: "Status", Width: 11},
		{Title: "Role", Width: 12},
		{Title: "PR", Width: 6},
		{Title: "Agent", Width: 18},
		{Title: "Updated", Width: 16},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(12),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true).
		Foreground(lipgloss.Color("62"))
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return dashboardModel{
		activePanel: panelTasks,
		loading:     true,
		tasks:       t,
		statusCount: make(map[models.TaskStatus]int),
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(dashboardRefresh, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m dashboardModel) Init() tea.Cmd {
	return tea.Batch(loadData, tickCmd())
}

func (m dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		case "tab":
			m.activePanel = (m.activePanel + 1) % panelCount
			return m, nil
		case "shift+tab":
			m.activePanel = (m.activePanel - 1 + panelCount) % panelCount
			return m, nil
		case "r":
			m.loading = true
			return m, loadData
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		if h := msg.Height - 16; h > 3 {
			m.tasks.SetHeight(h)
		}
		return m, nil

	case tickMsg:
		return m, tea.Batch(loadData, tickCmd())

	case dataLoadedMsg:
		m.loading = false
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.tasks.SetRows(msg.rows)
		m.capacity = msg.capacity
		m.statusCount = msg.statusCount
		m.audit = msg.audit
		m.alerts = msg.alerts
		m.updated = msg.at
		m.err = nil
		return m, nil
	}

	if m.activePanel == panelTasks {
		var cmd tea.Cmd
		m.tasks, cmd = m.tasks.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m dashboardModel) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	title := titleStyle.Render(" workloop ")
	help := helpStyle.Render("tab: switch panel | up/down: move | r: refresh | q: quit")

	if m.loading && m.updated.IsZero() {
		return fmt.Sprintf("%s\n\n  Loading data...\n\n%s", title, help)
	}

	var b strings.Builder
	b.WriteString(title)
	b.WriteString("  ")
	b.WriteString(m.renderCapacity())
	if !m.updated.IsZero() {
		b.WriteString(helpStyle.Render("  updated " + m.updated.Format("15:04:05")))
	}
	b.WriteString("\n")
	if m.err != nil {
		b.WriteString(errorStyle.Render("Error: " + m.err.Error()))
		b.WriteString("\n")
	}
	b.WriteString(m.renderStatusCounts())
	b.WriteString("\n")

	width := m.width - 4
	if width < 20 {
		width = 20
	}
	b.WriteString(m.applyPanelStyle(panelTasks, m.tasks.View(), width))
	b.WriteString("\n")

	sideBySide := m.width > 120
	audit, alerts := m.renderAuditPanel(), m.renderAlertsPanel()
	if sideBySide {
		half := width/2 - 2
		b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
			m.applyPanelStyle(panelAudit, audit, half),
			m.applyPanelStyle(panelAlerts, alerts, half),
		))
	} else {
		b.WriteString(lipgloss.JoinVertical(lipgloss.Left,
			m.applyPanelStyle(panelAudit, audit, width),
			m.applyPanelStyle(panelAlerts, alerts, width),
		))
	}
	b.WriteString("\n")
	b.WriteString(help)
	return b.String()
}

func (m dashboardModel) applyPanelStyle(panel int, content string, width int) string {
	style := panelStyle
	if m.activePanel == panel {
		style = activePanelStyle
	}
	return style.Width(width).Render(content)
}

func (m dashboardModel) renderCapacity() string {
	c := m.capacity
	s := fmt.Sprintf("agents %d/%d  reviewers %d/%d  resolvers %d/%d",
		c.active, c.global, c.reviewers, c.reviewCap, c.resolvers, c.resolveCap)
	if c.exhausted != "" {
		return statusBlocked.Render(s + "  (" + c.exhausted + " ceiling reached)")
	}
	return s
}

func (m dashboardModel) renderStatusCounts() string {
	parts := make([]string, 0, len(statusOrder))
	for _, status := range statusOrder {
		n := m.statusCount[status]
		if n == 0 {
			continue
		}
		parts = append(parts, styleForStatus(status).Render(fmt.Sprintf("%s %d", status, n)))
	}
	if len(parts) == 0 {
		return "No tasks found."
	}
	return strings.Join(parts, "  ")
}

func (m dashboardModel) renderAuditPanel() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Recent decisions"))
	b.WriteString("\n")
	if len(m.audit) == 0 {
		b.WriteString("  No audit entries.")
		return b.String()
	}
	for _, e := range m.audit {
		task := e.TaskID
		if task == "" {
			task = e.ProjectID
		}
		line := fmt.Sprintf("  #%-5d %-8s %-24s %s", e.Cycle, e.Phase, e.Action, task)
		if reason, ok := e.Details["reason"]; ok {
			line += fmt.Sprintf(" (%v)", reason)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m dashboardModel) renderAlertsPanel() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Alerts"))
	b.WriteString("\n")

	if len(m.alerts) == 0 {
		b.WriteString("  No active alerts.")
		return b.String()
	}

	for _, a := range m.alerts {
		sev := styleForSeverity(a.severity).Render(fmt.Sprintf("[%s]", strings.ToUpper(a.severity)))
		b.WriteString(fmt.Sprintf("  %s %s\n", sev, a.message))
	}
	b.WriteString(fmt.Sprintf("\n  Total: %d alert(s)", len(m.alerts)))
	return b.String()
}

func styleForStatus(status models.TaskStatus) lipgloss.Style {
	switch status {
	case models.StatusInProgress:
		return statusInProgress
	case models.StatusDone:
		return statusDone
	case models.StatusBlocked:
		return statusBlocked
	case models.StatusInReview:
		return statusReview
	case models.StatusReady:
		return statusReady
	case models.StatusBacklog:
		return statusBacklog
	default:
		return lipgloss.NewStyle()
	}
}

func styleForSeverity(severity string) lipgloss.Style {
	switch strings.ToLower(severity) {
	case "high":
		return severityHigh
	case "medium":
		return severityMedium
	case "low":
		return severityLow
	default:
		return lipgloss.NewStyle()
	}
}

const dashboardAuditLimit = 8

func loadData() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result := dataLoadedMsg{
		statusCount: make(map[models.TaskStatus]int),
		at:          time.Now(),
	}
	if Deps == nil {
		result.err = fmt.Errorf("work loop not initialized")
		return result
	}

	tasks, err := Deps.Store.ListTasks(ctx, "")
	if err != nil {
		result.err = fmt.Errorf("loading tasks: %w", err)
		return result
	}

	tracker := core.NewCapacityTracker(core.CeilingsFromConfig(Deps.Config.WorkLoop), Deps.Logger)
	enabled := make(map[string]bool)
	for _, p := range Deps.Config.Projects {
		enabled[p.ID] = p.WorkLoopEnabled
	}
	var seeded []models.Task
	for _, t := range tasks {
		if enabled[t.ProjectID] {
			seeded = append(seeded, t)
		}
	}
	if Monitor != nil {
		tracker.Seed(ctx, seeded, Monitor)
	}
	c := tracker.Ceilings()
	result.capacity = capacitySnapshot{
		active:     tracker.ActiveCount(),
		global:     c.Global,
		reviewers:  tracker.ActiveCountByRole(models.RoleReviewer),
		reviewCap:  c.Reviewer,
		resolvers:  tracker.ActiveCountByRole(models.RoleConflictResolver),
		resolveCap: c.ConflictResolver,
		exhausted:  tracker.ExhaustedCeiling(),
	}

	for _, t := range tasks {
		result.statusCount[t.Status]++
		if t.Status == models.StatusDone || t.Status == models.StatusBacklog {
			continue
		}
		result.rows = append(result.rows, taskRow(t, tracker))
	}

	if Audit != nil {
		entries, err := Audit.Query(ctx, models.AuditFilter{Limit: dashboardAuditLimit})
		if err != nil {
			result.err = fmt.Errorf("loading audit log: %w", err)
			return result
		}
		result.audit = entries
	}

	if AlertEngine != nil {
		alerts, err := AlertEngine.Evaluate()
		if err != nil {
			result.err = fmt.Errorf("loading alerts: %w", err)
			return result
		}
		result.alerts = make([]alertSnapshot, 0, len(alerts))
		for _, a := range alerts {
			result.alerts = append(result.alerts, alertSnapshot{severity: string(a.Severity), message: a.Message})
		}
	}
	return result
}

func taskRow(t models.Task, tracker *core.CapacityTracker) table.Row {
	pr := ""
	if t.PRNumber != nil {
		pr = fmt.Sprintf("#%d", *t.PRNumber)
	}
	agent := ""
	if h, ok := tracker.Get(t.ID); ok {
		agent = fmt.Sprintf("%s %s", displayRole(h.Role), h.Status)
	}
	updated := ""
	if !t.Updated.IsZero() {
		updated = humanize.Time(t.Updated)
	}
	return table.Row{t.ID, t.ProjectID, string(t.Status), roleLabel(t.Role), pr, agent, updated}
}

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Interactive TUI dashboard for the work loop",
	Long: `Launch an interactive terminal dashboard showing active tasks, agent
capacity, recent work-loop decisions and alerts. It refreshes every two
seconds.

Navigate between panels with Tab, refresh with r, quit with q.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireDeps(); err != nil {
			return err
		}
		if !term.IsTerminal(int(os.Stdout.Fd())) {
			return fmt.Errorf("dashboard needs an interactive terminal; use 'wl status' instead")
		}
		p := tea.NewProgram(newDashboardModel(), tea.WithAltScreen())
		_, err := p.Run()
		return err
	},
}

func init() {
	rootCmd.AddCommand(dashboardCmd)
}
