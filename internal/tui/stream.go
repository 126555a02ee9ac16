package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/baiirun/piteams/internal/mailbox"
)

const (
	streamHeaderRows = 3 // header bar + blank line
	streamFooterRows = 2 // blank line + help text
)

// streamMsg carries a full re-read of a worker's mailbox.
type streamMsg struct {
	messages []mailbox.Message
	err      error
}

// StreamModel is the full-screen mailbox viewer for one worker: the whole
// message history for that recipient, newest at the bottom, in a scrollable
// viewport. The parent polls and feeds it streamMsg updates.
type StreamModel struct {
	teamDir   string
	namespace string
	recipient string

	vp         viewport.Model
	lines      []string
	seen       int  // messages already rendered, for incremental appends
	autoScroll bool // keep the bottom in view on new content

	ready  bool
	width  int
	height int
}

// NewStreamModel creates a mailbox viewer for one recipient.
func NewStreamModel(teamDir, namespace, recipient string, width, height int) StreamModel {
	m := StreamModel{
		teamDir:    teamDir,
		namespace:  namespace,
		recipient:  recipient,
		width:      width,
		height:     height,
		autoScroll: true,
	}
	if width > 0 && height > 0 {
		m.initViewport()
	}
	return m
}

func (m *StreamModel) initViewport() {
	vpH := max(4, m.height-streamHeaderRows-streamFooterRows)
	m.vp = viewport.New(max(10, m.width-2), vpH) // -2 for left margin
	m.vp.SetContent(dimStyle.Render("Loading messages..."))
	m.ready = true
}

// Init returns the first mailbox read.
func (m StreamModel) Init() tea.Cmd {
	return m.readCmd()
}

// Update handles messages for the stream screen.
func (m StreamModel) Update(msg tea.Msg) (StreamModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.initViewport()
		m.refreshContent()

	case tea.KeyMsg:
		switch msg.String() {
		case "G":
			m.autoScroll = true
			if m.ready {
				m.vp.GotoBottom()
			}
			return m, nil
		case "g":
			m.autoScroll = false
			if m.ready {
				m.vp.GotoTop()
			}
			return m, nil
		}
		if msg.String() == "up" || msg.String() == "k" ||
			msg.String() == "pgup" || msg.String() == "ctrl+u" {
			m.autoScroll = false
		}

	case streamMsg:
		if msg.err != nil {
			// Mailbox may not exist yet; keep the last content.
			return m, nil
		}
		if len(msg.messages) > m.seen {
			for _, entry := range msg.messages[m.seen:] {
				m.lines = append(m.lines, formatStreamLine(entry))
			}
			m.seen = len(msg.messages)
			m.refreshContent()
		}
	}

	if m.ready {
		var cmd tea.Cmd
		m.vp, cmd = m.vp.Update(msg)
		return m, cmd
	}
	return m, nil
}

// refreshContent updates the viewport from the accumulated lines.
func (m *StreamModel) refreshContent() {
	if !m.ready {
		return
	}
	if len(m.lines) == 0 {
		m.vp.SetContent(dimStyle.Render("No messages yet..."))
		return
	}
	m.vp.SetContent(strings.Join(m.lines, "\n"))
	if m.autoScroll {
		m.vp.GotoBottom()
	}
}

// readCmd re-reads the mailbox. ReadInbox tolerates a missing file, so the
// Cmd never fails hard.
func (m StreamModel) readCmd() tea.Cmd {
	teamDir, ns, recipient := m.teamDir, m.namespace, m.recipient
	return func() tea.Msg {
		return streamMsg{messages: mailbox.ReadInbox(teamDir, ns, recipient, mailbox.ReadOptions{})}
	}
}

// formatStreamLine renders one mailbox entry. Envelopes show their kind
// marker; prose shows verbatim.
func formatStreamLine(msg mailbox.Message) string {
	text := msg.Text
	if env := msg.Envelope(); env != nil {
		text = dimStyle.Render("[" + string(env.EnvelopeKind()) + "]")
	}
	marker := " "
	if !msg.Read {
		marker = cyanStyle.Render("•")
	}
	return fmt.Sprintf("%s %s %s  %s",
		marker,
		dimStyle.Render(msg.Timestamp),
		cyanStyle.Render(msg.From),
		text,
	)
}

// View renders the full-screen message stream.
func (m StreamModel) View() string {
	var b strings.Builder
	b.WriteString(m.viewHeader())
	b.WriteString("\n")

	if !m.ready {
		b.WriteString("  " + dimStyle.Render("Loading...") + "\n")
	} else {
		b.WriteString("  ")
		b.WriteString(m.vp.View())
		b.WriteString("\n")
	}

	b.WriteString(m.viewFooter())
	return b.String()
}

func (m StreamModel) viewHeader() string {
	return fmt.Sprintf("\n  %s  %s  %s\n",
		titleStyle.Render("piteams"),
		yellowStyle.Render("Mailbox"),
		cyanStyle.Render(m.recipient),
	)
}

func (m StreamModel) viewFooter() string {
	scrollLabel := ""
	if m.ready {
		pct := m.vp.ScrollPercent() * 100
		scrollLabel = dimStyle.Render(fmt.Sprintf("  %.0f%%", pct))
	}
	autoLabel := ""
	if m.autoScroll {
		autoLabel = "  " + greenStyle.Render("[follow]")
	}
	return fmt.Sprintf("  %s%s%s\n",
		dimStyle.Render("j/k scroll  g top  G bottom+follow  q back"),
		scrollLabel,
		autoLabel,
	)
}
