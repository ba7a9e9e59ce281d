package render

import (
	"bytes"
	"testing"
	"time"

	"github.com/go-go-golems/stackctl/pkg/state"
	"github.com/stretchr/testify/require"
)

func TestStatusRows(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	code := 1
	st := &state.State{
		Project: "meditation",
		Mode:    "production",
		Services: []state.ServiceRecord{
			{Name: "mongo", Phase: "healthy", Health: "healthy", PID: 42, StartedAt: now.Add(-90 * time.Second)},
			{Name: "api", Phase: "terminal", Restarts: 1, Ports: []string{"9999:8080/tcp"},
				LastExit: &state.ExitInfo{Reason: state.ExitCrash, ExitCode: &code, StderrTail: []string{"panic: boom"}}},
		},
	}
	theme := DefaultTheme()
	rows := StatusRows(st, theme, now)
	require.Len(t, rows, 2)
	require.Equal(t, IconHealthy, rows[0].Icon)
	require.Equal(t, []string{"mongo", "healthy", "healthy", "42", "0", "1m30s", ""}, rows[0].Cells)
	require.Equal(t, IconFailed, rows[1].Icon)
	require.Equal(t, "-", rows[1].Cells[3])

	var buf bytes.Buffer
	require.NoError(t, Status(&buf, st, theme, now))
	out := buf.String()
	require.Contains(t, out, "meditation")
	require.Contains(t, out, "SERVICE")
	require.Contains(t, out, "api exited (crash, code 1)")
	require.Contains(t, out, "panic: boom")
}

func TestTruncate(t *testing.T) {
	require.Equal(t, "abc", truncate("abc", 5))
	require.Equal(t, "abcd…", truncate("abcdefgh", 5))
}

func TestEmptyTable(t *testing.T) {
	require.Contains(t, NewTable(statusColumns, DefaultTheme()).Render(), "no services")
}
