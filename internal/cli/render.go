package cli

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/lvcoi/ytgate/internal/app"
	"github.com/lvcoi/ytgate/internal/db"
	"github.com/lvcoi/ytgate/internal/governor"
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#0B0B0B")).
			Background(lipgloss.Color("#FFE66D")).
			Bold(true).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F8F8F2")).
			Bold(true).
			Padding(0, 1)

	cellStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#EAEAEA")).
			Padding(0, 1)

	mutedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#A6ADC8")).
			Faint(true)

	okStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00F5D4")).
			Bold(true)

	errStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B")).
			Bold(true)

	borderStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7FDBFF"))
)

func renderTable(headers []string, rows [][]string) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	return t.String()
}

func writeBlockedTable(w io.Writer, blocks []governor.BlockInfo) {
	if len(blocks) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("No blocked clients."))
		return
	}
	rows := make([][]string, 0, len(blocks))
	for _, b := range blocks {
		rows = append(rows, []string{
			b.Key,
			formatTime(b.UnblockAt),
			formatRemaining(time.Duration(b.RemainingSeconds) * time.Second),
		})
	}
	fmt.Fprintln(w, renderTable([]string{"IP", "UNBLOCK AT", "REMAINING"}, rows))
}

func writeSessionsTable(w io.Writer, sessions []governor.SessionInfo) {
	if len(sessions) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("No active rate windows."))
		return
	}
	rows := make([][]string, 0, len(sessions))
	for _, s := range sessions {
		rows = append(rows, []string{
			s.Key,
			strconv.Itoa(s.Count),
			formatTime(s.WindowStart),
			formatRemaining(time.Duration(s.ElapsedSeconds) * time.Second),
		})
	}
	fmt.Fprintln(w, renderTable([]string{"IP", "REQUESTS", "WINDOW START", "ELAPSED"}, rows))
}

func statsRows(st governor.Stats) [][]string {
	return [][]string{
		{"Total requests", strconv.FormatInt(st.TotalRequests, 10)},
		{"Rejections", strconv.FormatInt(st.TotalRejections, 10)},
		{"Escalations", strconv.FormatInt(st.TotalEscalations, 10)},
		{"Manual blocks", strconv.FormatInt(st.ManualBlocks, 10)},
		{"Active windows", strconv.Itoa(st.ActiveWindows)},
		{"Active blocks", strconv.Itoa(st.ActiveBlocks)},
		{"Limit", fmt.Sprintf("%d requests / %ds, block %dm", st.MaxClicks, st.WindowSeconds, st.BlockMinutes)},
	}
}

func writeStatsTable(w io.Writer, st governor.Stats) {
	fmt.Fprintln(w, renderTable([]string{"METRIC", "VALUE"}, statsRows(st)))
}

func writeAuditTable(w io.Writer, events []db.EventRecord) {
	if len(events) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("Audit log is empty."))
		return
	}
	rows := make([][]string, 0, len(events))
	for _, ev := range events {
		detail := "-"
		switch {
		case !ev.UnblockAt.IsZero():
			detail = "until " + formatTime(ev.UnblockAt)
		case ev.Count > 0:
			detail = strconv.Itoa(ev.Count)
		}
		key := ev.Key
		if key == "" {
			key = "-"
		}
		rows = append(rows, []string{formatTime(ev.At), ev.Kind, key, ev.Actor, detail})
	}
	fmt.Fprintln(w, renderTable([]string{"AT", "EVENT", "IP", "ACTOR", "DETAIL"}, rows))
}

func writeDownloadResults(w io.Writer, results []app.Result) {
	var ok, failed int
	var total int64
	for _, r := range results {
		if r.Err != nil {
			failed++
			fmt.Fprintf(w, "%s %s: %s\n", errStyle.Render("✗"), r.URL, r.Error)
			continue
		}
		ok++
		total += r.Bytes
		fmt.Fprintf(w, "%s %s %s\n", okStyle.Render("✓"), r.Path, mutedStyle.Render("("+humanBytes(r.Bytes)+")"))
	}
	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("%d downloaded, %d failed, %s", ok, failed, humanBytes(total))))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

// formatRemaining renders durations as "5s", "2m30s" or "1h15m".
func formatRemaining(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d.Seconds())
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", total)
	case d < time.Hour:
		return fmt.Sprintf("%dm%ds", total/60, total%60)
	}
	return fmt.Sprintf("%dh%dm", total/3600, (total%3600)/60)
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for n >= unit*div && exp < 3 {
		div *= unit
		exp++
	}
	value := float64(n) / float64(div)
	suffix := []string{"KB", "MB", "GB", "TB"}
	return fmt.Sprintf("%.1f%s", value, suffix[exp])
}
