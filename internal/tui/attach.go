// Package tui implements the attach view: a read-only terminal dashboard
// over one team directory, showing members, tasks, and the lead's message
// stream while a leader session is attached.
//
// The view is a projection of the on-disk team state and polls it on an
// interval; it never writes to the team directory.
package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"github.com/baiirun/piteams/internal/claim"
	"github.com/baiirun/piteams/internal/mailbox"
	"github.com/baiirun/piteams/internal/tasks"
	"github.com/baiirun/piteams/internal/teamcfg"
)

// pollInterval is the interval between team directory polls.
const pollInterval = 2 * time.Second

// Styles are allocated once at package level, not per View() call.
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	greenStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10"))

	yellowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))

	redStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9"))

	cyanStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("14"))

	selectedStyle = lipgloss.NewStyle().
			Bold(true).
			Background(lipgloss.Color("237"))

	paneBorder = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("8")).
			Padding(0, 1)
)

// Config selects the team to watch.
type Config struct {
	TeamDir    string
	TeamID     string
	TaskListID string
	LeadName   string
}

// snapshot is one consistent read of the team directory.
type snapshot struct {
	cfg      teamcfg.TeamConfig
	cfgOK    bool
	tasks    []tasks.Task
	claim    *claim.Claim
	stale    bool
	messages []mailbox.Message
}

// snapshotMsg carries a poll result.
type snapshotMsg struct {
	snap snapshot
	err  error
}

// tickMsg triggers the next poll cycle.
type tickMsg time.Time

// Model is the top-level bubbletea model for the attach view.
type Model struct {
	config   Config
	width    int
	height   int
	snap     snapshot
	err      error
	loaded   bool
	selected int // index into the worker list

	// stream, when non-nil, replaces the dashboard with the full mailbox
	// history of one recipient.
	stream *StreamModel
}

// New creates an attach view model.
func New(cfg Config) Model {
	return Model{config: cfg}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(poll(m.config), tick())
}

// poll reads the team directory as a bubbletea Cmd.
func poll(cfg Config) tea.Cmd {
	return func() tea.Msg {
		var snap snapshot

		tc, ok, err := teamcfg.Load(cfg.TeamDir)
		if err != nil {
			return snapshotMsg{err: err}
		}
		snap.cfg = tc
		snap.cfgOK = ok

		store := tasks.NewStore(cfg.TeamDir, cfg.TaskListID)
		if list, err := store.ListTasks(); err == nil {
			snap.tasks = list
		}

		if c, ok := claim.Load(cfg.TeamDir); ok {
			cc := c
			snap.claim = &cc
			snap.stale = claim.Assess(c, time.Now(), claim.DefaultStale).IsStale
		}

		msgs := mailbox.ReadInbox(cfg.TeamDir, mailbox.NamespaceTeam, cfg.LeadName, mailbox.ReadOptions{})
		msgs = append(msgs, mailbox.ReadInbox(cfg.TeamDir, cfg.TaskListID, cfg.LeadName, mailbox.ReadOptions{})...)
		snap.messages = msgs

		return snapshotMsg{snap: snap}
	}
}

func tick() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	// The mailbox screen owns every message except quit and its own exit.
	if m.stream != nil {
		switch msg := msg.(type) {
		case tea.KeyMsg:
			switch msg.String() {
			case "ctrl+c":
				return m, tea.Quit
			case "q", "esc":
				m.stream = nil
				return m, nil
			}
		case tickMsg:
			cmds := []tea.Cmd{m.stream.readCmd(), tick()}
			return m, tea.Batch(cmds...)
		case tea.WindowSizeMsg:
			m.width = msg.Width
			m.height = msg.Height
		}
		stream, cmd := m.stream.Update(msg)
		m.stream = &stream
		return m, cmd
	}

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		case "j", "down":
			if n := len(m.workers()); n > 0 {
				m.selected = min(m.selected+1, n-1)
			}
		case "k", "up":
			if m.selected > 0 {
				m.selected--
			}
		case "m":
			stream := NewStreamModel(m.config.TeamDir, mailbox.NamespaceTeam,
				m.config.LeadName, m.width, m.height)
			m.stream = &stream
			return m, m.stream.Init()
		case "enter":
			workers := m.workers()
			if m.selected < len(workers) {
				stream := NewStreamModel(m.config.TeamDir, m.config.TaskListID,
					workers[m.selected].Name, m.width, m.height)
				m.stream = &stream
				return m, m.stream.Init()
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case snapshotMsg:
		m.err = msg.err
		if msg.err == nil {
			m.snap = msg.snap
			m.loaded = true
		}
		if n := len(m.workers()); m.selected >= n {
			m.selected = max(0, n-1)
		}

	case tickMsg:
		return m, tea.Batch(poll(m.config), tick())
	}

	return m, nil
}

func (m Model) workers() []teamcfg.Member {
	var out []teamcfg.Member
	for _, member := range m.snap.cfg.Members {
		if member.Role == teamcfg.RoleWorker {
			out = append(out, member)
		}
	}
	return out
}

// View implements tea.Model.
func (m Model) View() string {
	if m.stream != nil {
		return m.stream.View()
	}
	var b strings.Builder
	b.WriteString(m.viewHeader())
	b.WriteString("\n")
	b.WriteString(m.viewWorkers())
	b.WriteString(m.viewTasks())
	b.WriteString(m.viewMessages())
	b.WriteString(m.viewFooter())
	return b.String()
}

func (m Model) viewHeader() string {
	if m.err != nil {
		return fmt.Sprintf("\n  %s  %s  %s\n",
			titleStyle.Render("piteams"),
			redStyle.Render("error"),
			dimStyle.Render(m.err.Error()),
		)
	}
	if !m.loaded {
		return fmt.Sprintf("\n  %s  %s\n",
			titleStyle.Render("piteams"),
			dimStyle.Render("loading..."),
		)
	}

	claimInfo := dimStyle.Render("unclaimed")
	if m.snap.claim != nil {
		if m.snap.stale {
			claimInfo = yellowStyle.Render("claim stale (" + m.snap.claim.HolderSessionID + ")")
		} else {
			claimInfo = greenStyle.Render("attached: " + m.snap.claim.HolderSessionID)
		}
	}
	return fmt.Sprintf("\n  %s  %s  %s\n",
		titleStyle.Render("piteams"),
		cyanStyle.Render(m.config.TeamID),
		claimInfo,
	)
}

// viewWorkers renders one row per worker inside a single bordered pane.
func (m Model) viewWorkers() string {
	if !m.loaded || m.err != nil {
		return ""
	}
	workers := m.workers()
	if len(workers) == 0 {
		return "  " + dimStyle.Render("No workers yet") + "\n\n"
	}

	owned := make(map[string]int)
	for _, t := range m.snap.tasks {
		if t.Owner != "" && t.Status != tasks.StatusCompleted {
			owned[t.Owner]++
		}
	}

	inner := m.innerWidth()
	var rows []string
	for i, w := range workers {
		status := dimStyle.Render("offline")
		if w.Status == teamcfg.StatusOnline {
			status = greenStyle.Render("online")
		}
		model := w.Meta[teamcfg.MetaModel]
		if model == "" {
			model = "—"
		}
		left := fmt.Sprintf("%s  %s  %s", padRight(w.Name, 14), status, dimStyle.Render(model))
		right := fmt.Sprintf("%d task(s)  %s", owned[w.Name], lastSeen(w.LastSeenAt))
		row := padBetween(left, dimStyle.Render(right), inner)
		if i == m.selected {
			row = selectedStyle.Render(row)
		}
		rows = append(rows, row)
	}

	return paneBorder.Width(inner + 2).Render(strings.Join(rows, "\n")) + "\n"
}

func (m Model) viewTasks() string {
	if !m.loaded || m.err != nil {
		return ""
	}
	var pending, inProgress, completed int
	for _, t := range m.snap.tasks {
		switch t.Status {
		case tasks.StatusPending:
			pending++
		case tasks.StatusInProgress:
			inProgress++
		case tasks.StatusCompleted:
			completed++
		}
	}
	if pending+inProgress+completed == 0 {
		return "  " + dimStyle.Render("No tasks") + "\n"
	}
	return fmt.Sprintf("  %s %s %s\n",
		yellowStyle.Render(fmt.Sprintf("%d pending", pending)),
		cyanStyle.Render(fmt.Sprintf("%d in progress", inProgress)),
		greenStyle.Render(fmt.Sprintf("%d done", completed)),
	)
}

// viewMessages renders the tail of the lead's inbox.
func (m Model) viewMessages() string {
	if !m.loaded || m.err != nil || len(m.snap.messages) == 0 {
		return ""
	}

	const tail = 8
	msgs := m.snap.messages
	if len(msgs) > tail {
		msgs = msgs[len(msgs)-tail:]
	}

	inner := m.innerWidth()
	var b strings.Builder
	b.WriteString("\n")
	for _, msg := range msgs {
		text := msg.Text
		if msg.Envelope() != nil {
			// Structured envelopes are machine traffic; show a marker only.
			text = dimStyle.Render("[" + string(msg.Envelope().EnvelopeKind()) + "]")
		} else {
			text = truncateCells(text, inner-20)
		}
		b.WriteString(fmt.Sprintf("  %s %s %s\n",
			dimStyle.Render(msg.Timestamp),
			cyanStyle.Render(padRight(msg.From, 12)),
			text,
		))
	}
	return b.String()
}

func (m Model) viewFooter() string {
	return "  " + dimStyle.Render("j/k navigate  enter worker mailbox  m lead mailbox  q quit") + "\n"
}

func (m Model) innerWidth() int {
	w := m.width
	if w == 0 {
		w = 80
	}
	return max(20, w-6)
}

func lastSeen(ts string) string {
	if ts == "" {
		return "never seen"
	}
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return "never seen"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
}

// padRight pads to width in terminal cells, truncating when longer. Plain
// len() miscounts wide runes, so widths go through runewidth.
func padRight(s string, width int) string {
	w := runewidth.StringWidth(s)
	if w >= width {
		return runewidth.Truncate(s, width, "")
	}
	return s + strings.Repeat(" ", width-w)
}

// padBetween right-justifies right against left within width cells. Styled
// text carries zero-width escape sequences, so the gap is computed from the
// unstyled parts where possible and clamped at two cells.
func padBetween(left, right string, width int) string {
	gap := width - runewidth.StringWidth(stripANSI(left)) - runewidth.StringWidth(stripANSI(right))
	if gap < 2 {
		gap = 2
	}
	return left + strings.Repeat(" ", gap) + right
}

// truncateCells shortens s to max terminal cells with an ellipsis.
func truncateCells(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if runewidth.StringWidth(s) <= max {
		return s
	}
	return runewidth.Truncate(s, max, "…")
}

// stripANSI removes SGR escape sequences for width computation.
func stripANSI(s string) string {
	var b strings.Builder
	inEscape := false
	for _, r := range s {
		switch {
		case inEscape:
			if r == 'm' {
				inEscape = false
			}
		case r == '\x1b':
			inEscape = true
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Run starts the attach view with the alternate screen buffer.
func Run(cfg Config) error {
	p := tea.NewProgram(New(cfg), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
