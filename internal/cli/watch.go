package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/lvcoi/ytgate/internal/governor"
)

// snapshotSource is the part of adminClient the dashboard polls.
type snapshotSource interface {
	Stats(ctx context.Context) (governor.Stats, error)
	Blocked(ctx context.Context) ([]governor.BlockInfo, error)
}

type snapshotMsg struct {
	stats   governor.Stats
	blocked []governor.BlockInfo
	err     error
	at      time.Time
}

type pollMsg struct{}

type watchModel struct {
	ctx      context.Context
	src      snapshotSource
	interval time.Duration

	spin    spinner.Model
	loading bool
	snap    snapshotMsg
	width   int
}

func newWatchModel(ctx context.Context, src snapshotSource, interval time.Duration) watchModel {
	spin := spinner.New()
	spin.Spinner = spinner.MiniDot
	spin.Style = okStyle
	return watchModel{ctx: ctx, src: src, interval: interval, spin: spin, loading: true}
}

func (m watchModel) fetch() tea.Msg {
	ctx, cancel := context.WithTimeout(m.ctx, 10*time.Second)
	defer cancel()
	msg := snapshotMsg{at: time.Now()}
	msg.stats, msg.err = m.src.Stats(ctx)
	if msg.err == nil {
		msg.blocked, msg.err = m.src.Blocked(ctx)
	}
	return msg
}

func (m watchModel) schedule() tea.Cmd {
	return tea.Tick(m.interval, func(time.Time) tea.Msg { return pollMsg{} })
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, m.fetch)
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		case "r":
			m.loading = true
			return m, m.fetch
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case pollMsg:
		m.loading = true
		return m, m.fetch
	case snapshotMsg:
		m.loading = false
		if msg.err != nil {
			// Keep the last good numbers on screen.
			m.snap.err, m.snap.at = msg.err, msg.at
		} else {
			m.snap = msg
		}
		return m, m.schedule()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m watchModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("ytgate governor"))
	b.WriteString(" ")
	if m.loading {
		b.WriteString(m.spin.View())
	} else if !m.snap.at.IsZero() {
		b.WriteString(mutedStyle.Render("updated " + m.snap.at.Format("15:04:05")))
	}
	b.WriteString("\n\n")

	if m.snap.err != nil {
		b.WriteString(errStyle.Render("error: " + m.snap.err.Error()))
		b.WriteString("\n\n")
	}

	b.WriteString(renderTable([]string{"METRIC", "VALUE"}, statsRows(m.snap.stats)))
	b.WriteString("\n")
	if len(m.snap.blocked) == 0 {
		b.WriteString(mutedStyle.Render("No blocked clients."))
	} else {
		rows := make([][]string, 0, len(m.snap.blocked))
		for _, bl := range m.snap.blocked {
			rows = append(rows, []string{bl.Key, formatRemaining(time.Duration(bl.RemainingSeconds) * time.Second)})
		}
		b.WriteString(renderTable([]string{"BLOCKED IP", "REMAINING"}, rows))
	}
	b.WriteString("\n")
	b.WriteString(mutedStyle.Render(fmt.Sprintf("refresh every %s · r refresh · q quit", m.interval)))
	b.WriteString("\n")
	return b.String()
}

func runWatch(ctx context.Context, src snapshotSource, interval time.Duration, out io.Writer) error {
	p := tea.NewProgram(newWatchModel(ctx, src, interval),
		tea.WithAltScreen(),
		tea.WithOutput(out),
		tea.WithContext(ctx),
	)
	_, err := p.Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}
