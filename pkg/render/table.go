package render

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/go-go-golems/stackctl/pkg/state"
)

type Column struct {
	Header string
	Width  int
	Align  lipgloss.Position
}

type Row struct {
	Icon  string
	Style lipgloss.Style
	Cells []string
}

// Table lays out fixed-width columns; cells wider than their column are
// truncated with an ellipsis.
type Table struct {
	Columns []Column
	Rows    []Row
	theme   Theme
}

func NewTable(cols []Column, theme Theme) Table {
	return Table{Columns: cols, theme: theme}
}

func (t Table) WithRows(rows []Row) Table {
	t.Rows = rows
	return t
}

func truncate(s string, width int) string {
	r := []rune(s)
	if len(r) <= width {
		return s
	}
	if width <= 1 {
		return string(r[:width])
	}
	return string(r[:width-1]) + "…"
}

func (t Table) cell(j int, s string, base lipgloss.Style) string {
	width := 12
	align := lipgloss.Left
	if j < len(t.Columns) {
		if t.Columns[j].Width > 0 {
			width = t.Columns[j].Width
		}
		align = t.Columns[j].Align
	}
	return base.Width(width).Align(align).Render(truncate(s, width))
}

func (t Table) Render() string {
	if len(t.Rows) == 0 {
		return t.theme.Dim.Render("(no services)")
	}
	var lines []string
	header := []string{"  "}
	for j, c := range t.Columns {
		header = append(header, t.cell(j, c.Header, t.theme.Header))
	}
	lines = append(lines, lipgloss.JoinHorizontal(lipgloss.Top, header...))

	for _, row := range t.Rows {
		parts := []string{row.Style.Render(row.Icon) + " "}
		for j, c := range row.Cells {
			style := lipgloss.NewStyle().Foreground(t.theme.Text)
			if j > 0 {
				style = lipgloss.NewStyle().Foreground(t.theme.Dim.GetForeground())
			}
			if j == 1 {
				style = row.Style
			}
			parts = append(parts, t.cell(j, c, style))
		}
		lines = append(lines, lipgloss.JoinHorizontal(lipgloss.Top, parts...))
	}
	return strings.Join(lines, "\n")
}

var statusColumns = []Column{
	{Header: "SERVICE", Width: 16},
	{Header: "PHASE", Width: 18},
	{Header: "HEALTH", Width: 11},
	{Header: "PID", Width: 8, Align: lipgloss.Right},
	{Header: "RESTARTS", Width: 10, Align: lipgloss.Right},
	{Header: "UPTIME", Width: 10, Align: lipgloss.Right},
	{Header: "PORTS", Width: 24},
}

// StatusRows turns a state snapshot into table rows, in snapshot order.
func StatusRows(st *state.State, theme Theme, now time.Time) []Row {
	rows := make([]Row, 0, len(st.Services))
	for _, s := range st.Services {
		icon, style := theme.PhaseIcon(s.Phase)
		pid, uptime := "-", "-"
		if s.PID > 0 {
			pid = strconv.Itoa(s.PID)
			if !s.StartedAt.IsZero() {
				uptime = now.Sub(s.StartedAt).Truncate(time.Second).String()
			}
		}
		health := s.Health
		if health == "" {
			health = "-"
		}
		rows = append(rows, Row{
			Icon:  icon,
			Style: style,
			Cells: []string{s.Name, s.Phase, health, pid, strconv.Itoa(s.Restarts), uptime, strings.Join(s.Ports, ",")},
		})
	}
	return rows
}

// Status writes a header line, the service table and the last exit of each
// service that is no longer live.
func Status(w io.Writer, st *state.State, theme Theme, now time.Time) error {
	title := theme.Title.Render(fmt.Sprintf("%s (%s)", st.Project, st.Mode))
	meta := theme.Dim.Render(fmt.Sprintf("runtime %s, pid %d", st.Runtime, st.PID))
	if _, err := fmt.Fprintf(w, "%s  %s\n\n", title, meta); err != nil {
		return err
	}
	table := NewTable(statusColumns, theme).WithRows(StatusRows(st, theme, now))
	if _, err := fmt.Fprintln(w, table.Render()); err != nil {
		return err
	}
	for _, s := range st.Services {
		if s.LastExit == nil || s.Phase == "running" || s.Phase == "healthy" {
			continue
		}
		e := s.LastExit
		line := fmt.Sprintf("%s exited (%s, code %d) at %s", s.Name, e.Reason, e.Code(), e.ExitedAt.Format(time.RFC3339))
		if _, err := fmt.Fprintf(w, "\n%s\n", theme.Bad.Render(line)); err != nil {
			return err
		}
		for _, l := range e.StderrTail {
			if _, err := fmt.Fprintf(w, "  %s\n", theme.Dim.Render(l)); err != nil {
				return err
			}
		}
	}
	return nil
}
