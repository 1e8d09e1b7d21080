package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	prettytable "github.com/jedib0t/go-pretty/v6/table"
	"github.com/stranger-cam/stranger/internal/media"
	"github.com/stranger-cam/stranger/internal/session"
	"github.com/stranger-cam/stranger/internal/utils"
)

// DeviceTableView renders the capture devices using lipgloss/table
func DeviceTableView(devices []media.DeviceInfo) string {
	if len(devices) == 0 {
		return MutedStyle.Render("No capture devices found")
	}

	var rows [][]string
	for i, d := range devices {
		icon := IconCamera
		if d.Kind == "microphone" {
			icon = IconMic
		}
		rows = append(rows, []string{
			fmt.Sprintf("%d", i+1),
			icon + " " + d.Kind,
			utils.TruncateString(d.Label, 40),
			utils.TruncateString(d.ID, 24),
		})
	}

	tbl := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(Primary)).
		Headers("#", "Kind", "Label", "ID").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return TableHeaderStyle
			case row%2 == 0:
				return TableRowStyle
			default:
				return TableRowAltStyle
			}
		})

	return tbl.Render()
}

func RenderDeviceTable(devices []media.DeviceInfo) {
	fmt.Println(DeviceTableView(devices))
}

// SessionSummaryView renders the session history as a go-pretty table.
func SessionSummaryView(records []session.Record) string {
	if len(records) == 0 {
		return MutedStyle.Render("No sessions")
	}

	t := prettytable.NewWriter()
	t.SetTitle(IconSummary + " Session Summary")
	t.AppendHeader(prettytable.Row{"#", "Room", "Role", "Connected", "Duration", "Ended by"})

	var connected int
	var total time.Duration
	for i, r := range records {
		ok := IconError
		if !r.ConnectedAt.IsZero() {
			ok = IconSuccess
			connected++
			total += r.Duration()
		}
		t.AppendRow(prettytable.Row{
			i + 1,
			utils.TruncateString(r.RoomID, 12),
			r.Role,
			ok,
			utils.FormatTimeDuration(r.Duration()),
			r.Reason,
		})
	}
	t.AppendFooter(prettytable.Row{
		"", "", "Total",
		fmt.Sprintf("%d/%d", connected, len(records)),
		utils.FormatTimeDuration(total),
		"",
	})
	t.SetStyle(prettytable.StyleRounded)

	return t.Render()
}

func RenderSessionSummary(records []session.Record) {
	fmt.Println()
	fmt.Println(SessionSummaryView(records))
}

// keyValueView renders aligned "label value" lines.
func keyValueView(pairs [][2]string) string {
	var b strings.Builder
	for i, p := range pairs {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(LabelStyle.Render(p[0]) + p[1])
	}
	return b.String()
}
