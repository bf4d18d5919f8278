// Package dashboard is the operational terminal view of the suspend/resume
// daemon: a live table of registered subscribers and the outcome of the
// most recently completed cycle. It is the coordinator's own operational
// UX, not an application subscriber — it never calls Ready or parks on the
// execution gate, only Subscribe and ListSubscribers.
package dashboard

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/embertide/emberos/internal/keys"
	"github.com/embertide/emberos/internal/log"
	"github.com/embertide/emberos/internal/susres"
	"github.com/embertide/emberos/internal/susres/hw"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cleanStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	forcedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Padding(1, 1, 0, 1)
	logStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Padding(0, 1)
)

// refreshInterval is how often the subscriber table is re-polled in
// addition to being pushed on every coordinator event.
const refreshInterval = time.Second

// logTailLines caps how many recent log lines the dashboard keeps for
// display; older lines are dropped as new ones arrive.
const logTailLines = 6

// Model is the dashboard's bubbletea model.
type Model struct {
	coord  susres.Coordinator
	driver hw.Driver
	events <-chan susres.Event

	table  table.Model
	help   help.Model
	width  int
	height int

	lastEvent   susres.Event
	haveLastRun bool
	lastForced  bool
	cycle       uint64
	armed       bool
	showHelp    bool

	logListener *log.LogListener
	logLines    []string

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a dashboard model bound to a running Coordinator. driver is
// the same hardware driver the coordinator was constructed with; on real
// hardware resume is an external interrupt, but the simulation has no such
// source of its own unless the operator configured an automatic
// ResumeLatency, so the dashboard offers a manual "r" binding that calls
// driver.TriggerResume directly, standing in for the bootloader flipping
// the resume-state bit.
func New(ctx context.Context, coord susres.Coordinator, driver hw.Driver) Model {
	ctx, cancel := context.WithCancel(ctx)

	columns := []table.Column{
		{Title: "Token", Width: 6},
		{Title: "Label", Width: 20},
		{Title: "Stage", Width: 8},
		{Title: "Ready", Width: 6},
		{Title: "Failed", Width: 6},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(false),
		table.WithHeight(10),
	)

	return Model{
		coord:       coord,
		driver:      driver,
		events:      coord.Subscribe(ctx),
		table:       t,
		help:        help.New(),
		logListener: log.NewListener(ctx),
		ctx:         ctx,
		cancel:      cancel,
	}
}

type eventMsg susres.Event

type refreshMsg struct {
	subs []susres.SubscriberInfo
}

type tickMsg time.Time

func waitForEvent(events <-chan susres.Event) tea.Cmd {
	return func() tea.Msg {
		evt, ok := <-events
		if !ok {
			return nil
		}
		return eventMsg(evt)
	}
}

func (m Model) refreshCmd() tea.Cmd {
	coord := m.coord
	ctx := m.ctx
	return func() tea.Msg {
		subs, err := coord.ListSubscribers(ctx)
		if err != nil {
			return nil
		}
		return refreshMsg{subs: subs}
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{waitForEvent(m.events), m.refreshCmd(), tickCmd()}
	if m.logListener != nil {
		cmds = append(cmds, m.logListener.Listen())
	}
	return tea.Batch(cmds...)
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Dashboard.Quit):
			m.cancel()
			return m, tea.Quit
		case key.Matches(msg, keys.Dashboard.TriggerResume):
			if m.armed && m.driver != nil {
				m.driver.TriggerResume()
			}
			return m, nil
		case key.Matches(msg, keys.Dashboard.Help):
			m.showHelp = !m.showHelp
			return m, nil
		}
		return m, nil

	case eventMsg:
		evt := susres.Event(msg)
		m.lastEvent = evt
		switch evt.Type {
		case susres.EventSuspended:
			m.armed = true
		case susres.EventResumed:
			m.armed = false
		case susres.EventCycleCompleted:
			m.haveLastRun = true
			m.lastForced = evt.Forced
			m.cycle = evt.Cycle
			m.armed = false
		}
		return m, tea.Batch(waitForEvent(m.events), m.refreshCmd())

	case refreshMsg:
		m.table.SetRows(rowsFor(msg.subs))
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.refreshCmd(), tickCmd())

	case log.LogEvent:
		m.logLines = append(m.logLines, msg.Payload)
		if len(m.logLines) > logTailLines {
			m.logLines = m.logLines[len(m.logLines)-logTailLines:]
		}
		if m.logListener != nil {
			return m, m.logListener.Listen()
		}
		return m, nil

	default:
		return m, nil
	}
}

func rowsFor(subs []susres.SubscriberInfo) []table.Row {
	rows := make([]table.Row, 0, len(subs))
	for _, s := range subs {
		rows = append(rows, table.Row{
			fmt.Sprintf("%d", s.Token),
			s.Label,
			s.Stage.String(),
			boolCell(s.ReadyFlag),
			boolCell(s.FailedFlag),
		})
	}
	return rows
}

func boolCell(b bool) string {
	if b {
		return "yes"
	}
	return "-"
}

// View implements tea.Model.
func (m Model) View() string {
	header := headerStyle.Render("emberos susres — subscriber registry")

	status := "no cycle has completed yet"
	if m.haveLastRun {
		if m.lastForced {
			status = forcedStyle.Render(fmt.Sprintf("cycle %d: forced (timeout straggler)", m.cycle))
		} else {
			status = cleanStyle.Render(fmt.Sprintf("cycle %d: clean", m.cycle))
		}
	}

	// The resume binding is only listed while a cycle is suspended, the
	// only time the "r" key has an effect.
	short := []key.Binding{keys.Dashboard.Quit}
	full := [][]key.Binding{{keys.Dashboard.Help, keys.Dashboard.Quit}}
	if m.armed {
		short = keys.ShortHelp()
		full = keys.FullHelp()
	}
	var helpView string
	if m.showHelp {
		helpView = m.help.FullHelpView(full)
	} else {
		helpView = m.help.ShortHelpView(short)
	}
	if m.armed {
		helpView = forcedStyle.Render("suspended, awaiting resume interrupt") + "  " + helpView
	}
	help := helpStyle.Render(helpView)

	logs := logStyle.Render(strings.Join(m.logLines, "\n"))

	return lipgloss.JoinVertical(lipgloss.Left, header, m.table.View(), status, logs, help)
}
