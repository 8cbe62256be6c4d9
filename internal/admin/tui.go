package admin

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/xiy/recall/internal/audit"
	"github.com/xiy/recall/pkg/types"
)

type tickMsg time.Time
type dashboardMsg struct {
	tiers      types.TierStats
	eventStats audit.Stats
	events     []audit.Event
	memories   []types.MemoryRecord
	err        error
	duration   time.Duration
}

// TierSource exposes live tier sizes and recent persistent records.
type TierSource interface {
	Stats() types.TierStats
	RecentPersistent(limit int) []types.MemoryRecord
}

// EventSource exposes the audit event log.
type EventSource interface {
	RecentEvents(ctx context.Context, limit int) ([]audit.Event, error)
	EventStats(ctx context.Context) (audit.Stats, error)
}

type model struct {
	ctx         context.Context
	tiers       TierSource
	events      EventSource
	stats       types.TierStats
	eventStats  audit.Stats
	eventRows   []audit.Event
	memories    []types.MemoryRecord
	lastErr     error
	lastTick    time.Time
	logLines    []string
	maxLogs     int
	eventsLimit int
	memLimit    int
	width       int
	height      int
}

// Run starts a lightweight local admin dashboard.
func Run(ctx context.Context, tiers TierSource, events EventSource) error {
	m := model{
		ctx:         ctx,
		tiers:       tiers,
		events:      events,
		maxLogs:     10,
		eventsLimit: 8,
		memLimit:    8,
	}
	m = m.appendLog("admin UI started")
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

func (m model) Init() tea.Cmd {
	return tea.Batch(fetchDashboardCmd(m.ctx, m.tiers, m.events, m.eventsLimit, m.memLimit), tickCmd())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m = m.appendLog("received quit signal")
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case tickMsg:
		m.lastTick = time.Time(msg)
		return m, tea.Batch(fetchDashboardCmd(m.ctx, m.tiers, m.events, m.eventsLimit, m.memLimit), tickCmd())
	case dashboardMsg:
		m.lastErr = msg.err
		if msg.err == nil {
			m.stats = msg.tiers
			m.eventStats = msg.eventStats
			m.eventRows = msg.events
			m.memories = msg.memories
			m = m.appendLog(fmt.Sprintf(
				"refresh ok persistent=%d session=%d rolling=%d vectors=%d events=%d (%s)",
				msg.tiers.Persistent,
				msg.tiers.Session,
				msg.tiers.Rolling,
				msg.tiers.Vectors,
				msg.eventStats.Total,
				formatDuration(msg.duration),
			))
		} else {
			m = m.appendLog(fmt.Sprintf("refresh error: %v", msg.err))
		}
	}
	return m, nil
}

func (m model) View() string {
	title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).Render("recall admin")
	meta := lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Render("q to quit • refresh every 2s")

	statsBody := m.renderStats()
	logBody := "(no log events yet)"
	if len(m.logLines) > 0 {
		logBody = strings.Join(m.logLines, "\n")
	}

	paneWidth := 54
	if m.width > 0 {
		paneWidth = max(38, (m.width-3)/2)
	}
	paneHeight := 9
	if m.height > 0 {
		paneHeight = max(8, (m.height-8)/2)
	}

	topRow := joinColumns(
		renderPane("Tiers", statsBody, paneWidth, paneHeight),
		renderPane("General Logs", logBody, paneWidth, paneHeight),
	)
	bottomRow := joinColumns(
		renderPane("Memory Events", formatEventPane(m.eventRows), paneWidth, paneHeight),
		renderPane("Persistent Memories", formatMemoriesPane(m.memories), paneWidth, paneHeight),
	)

	return lipgloss.JoinVertical(
		lipgloss.Left,
		title,
		meta,
		"",
		topRow,
		bottomRow,
	)
}

func (m model) renderStats() string {
	body := fmt.Sprintf(
		"Persistent:    %d\nSession:       %d\nRolling:       %d\nVectors:       %d\nEvent total:   %d\nEvent errors:  %d\nLast refresh:  %s",
		m.stats.Persistent,
		m.stats.Session,
		m.stats.Rolling,
		m.stats.Vectors,
		m.eventStats.Total,
		m.eventStats.Failures,
		formatTime(m.lastTick),
	)
	if m.lastErr != nil {
		body += "\n\nLast error: " + truncateText(compactWhitespace(m.lastErr.Error()), 120)
	}
	return body
}

func fetchDashboardCmd(ctx context.Context, tiers TierSource, events EventSource, eventLimit, memLimit int) tea.Cmd {
	return func() tea.Msg {
		start := time.Now()
		st := tiers.Stats()
		memories := tiers.RecentPersistent(memLimit)

		evStats, err := events.EventStats(ctx)
		if err != nil {
			return dashboardMsg{tiers: st, memories: memories, err: err, duration: time.Since(start)}
		}
		rows, err := events.RecentEvents(ctx, eventLimit)
		if err != nil {
			return dashboardMsg{tiers: st, memories: memories, eventStats: evStats, err: err, duration: time.Since(start)}
		}

		return dashboardMsg{
			tiers:      st,
			eventStats: evStats,
			events:     rows,
			memories:   memories,
			duration:   time.Since(start),
		}
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func (m model) appendLog(line string) model {
	if strings.TrimSpace(line) == "" {
		return m
	}
	entry := fmt.Sprintf("[%s] %s", time.Now().UTC().Format("15:04:05"), line)
	m.logLines = append(m.logLines, entry)
	if m.maxLogs <= 0 {
		m.maxLogs = 10
	}
	if len(m.logLines) > m.maxLogs {
		m.logLines = m.logLines[len(m.logLines)-m.maxLogs:]
	}
	return m
}

func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return d.String()
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return d.Round(10 * time.Millisecond).String()
}

func renderPane(title, body string, width, height int) string {
	style := lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(1, 2)
	if width > 0 {
		style = style.Width(width)
	}
	if height > 0 {
		style = style.Height(height)
	}
	return style.Render(title + "\n\n" + body)
}

func joinColumns(left, right string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, left, " ", right)
}

func formatEventPane(rows []audit.Event) string {
	if len(rows) == 0 {
		return "(no memory events yet)"
	}
	lines := make([]string, 0, len(rows))
	for _, row := range rows {
		op := strings.TrimSpace(row.Op)
		if row.Level != "" {
			op += ":" + strings.TrimSpace(row.Level)
		}
		status := "ok"
		if !row.Success {
			status = "err"
		}
		line := fmt.Sprintf(
			"[%s] %-3s %-24s %4dms",
			formatClock(row.CreatedAt),
			status,
			truncateText(op, 24),
			max(0, row.DurationMS),
		)
		if !row.Success && strings.TrimSpace(row.ErrorText) != "" {
			line += " " + truncateText(compactWhitespace(row.ErrorText), 52)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func formatMemoriesPane(rows []types.MemoryRecord) string {
	if len(rows) == 0 {
		return "(no persistent memories yet)"
	}
	lines := make([]string, 0, len(rows))
	for _, row := range rows {
		line := fmt.Sprintf(
			"[%s] %.2f :: %s",
			formatClock(row.CreatedAt),
			row.Importance,
			truncateText(compactWhitespace(row.Content), 64),
		)
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func formatClock(t time.Time) string {
	if t.IsZero() {
		return "--:--:--"
	}
	return t.UTC().Format("15:04:05")
}

func truncateText(s string, limit int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	if limit <= 3 {
		return string(r[:limit])
	}
	return string(r[:limit-3]) + "..."
}

func compactWhitespace(s string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(s)), " ")
}
