/* usbipd-go - USB/IP device-side stub server
 *
 * Live terminal monitor ("usbipd-go top")
 */

package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	monitorHeaderStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#000000")).
				Background(lipgloss.Color("#00AAAA")).
				Bold(true).
				Padding(0, 1)

	monitorFooterStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#9CA3AF")).
				Padding(0, 1)

	monitorErrStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#EF4444")).
			Bold(true)
)

const monitorRefresh = time.Second

type monitorTickMsg time.Time

type monitorSnapshotMsg struct {
	snap MonitorSnapshot
	err  error
}

// monitorModel is the bubbletea model backing "usbipd-go top": a table
// of tracked devices refreshed once a second from the control API.
type monitorModel struct {
	table table.Model
	host  HostStats
	err   error
}

func newMonitorModel() monitorModel {
	columns := []table.Column{
		{Title: "BUSID", Width: 10},
		{Title: "VID:PID", Width: 9},
		{Title: "STATE", Width: 10},
		{Title: "PENDING", Width: 7},
		{Title: "DONE", Width: 7},
		{Title: "UNLINK", Width: 7},
		{Title: "PDUS", Width: 10},
		{Title: "UPTIME", Width: 10},
		{Title: "LAST ERROR", Width: 24},
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(false),
		table.WithHeight(15),
	)

	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true)
	styles.Selected = styles.Selected.
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(lipgloss.Color("#2563EB"))
	t.SetStyles(styles)

	return monitorModel{table: t}
}

func (m monitorModel) Init() tea.Cmd {
	return tea.Batch(pollMonitor(), monitorTick())
}

func monitorTick() tea.Cmd {
	return tea.Tick(monitorRefresh, func(t time.Time) tea.Msg {
		return monitorTickMsg(t)
	})
}

func pollMonitor() tea.Cmd {
	return func() tea.Msg {
		snap, err := MonitorRetrieve()
		return monitorSnapshotMsg{snap: snap, err: err}
	}
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}

	case monitorTickMsg:
		return m, tea.Batch(pollMonitor(), monitorTick())

	case monitorSnapshotMsg:
		m.err = msg.err
		if msg.err == nil {
			m.host = msg.snap.Host
			m.table.SetRows(monitorRows(msg.snap.Devices))
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func monitorRows(devs []DeviceMonitorStat) []table.Row {
	sort.Slice(devs, func(i, j int) bool { return devs[i].BusID < devs[j].BusID })

	rows := make([]table.Row, 0, len(devs))
	for _, d := range devs {
		state := "available"
		if d.Exported {
			state = "exported"
		}
		uptime := ""
		if d.Exported {
			uptime = d.Uptime.Round(time.Second).String()
		}

		rows = append(rows, table.Row{
			d.BusID,
			fmt.Sprintf("%4.4x:%4.4x", d.Vendor, d.Product),
			state,
			fmt.Sprintf("%d", d.Pending),
			fmt.Sprintf("%d", d.Completed),
			fmt.Sprintf("%d", d.Unlinking),
			fmt.Sprintf("%d", d.PDUs),
			uptime,
			d.LastErr,
		})
	}
	return rows
}

func (m monitorModel) View() string {
	header := monitorHeaderStyle.Render(" usbipd-go top ")

	if m.err != nil {
		return lipgloss.JoinVertical(lipgloss.Left, header,
			monitorErrStyle.Render(fmt.Sprintf("\n  %s\n", m.err)))
	}

	footer := monitorFooterStyle.Render(fmt.Sprintf(
		"host: mem %.1f%% used, load %.2f/%.2f  |  q to quit",
		m.host.MemUsedPercent, m.host.Load1, m.host.Load5))

	return lipgloss.JoinVertical(lipgloss.Left, header, m.table.View(), footer)
}

// RunMonitor runs the live monitor until the user quits.
func RunMonitor() error {
	_, err := tea.NewProgram(newMonitorModel()).Run()
	return err
}
