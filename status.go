/* usbipd-go - USB/IP device-side stub server
 *
 * Status reporting
 */

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostStats is a point-in-time snapshot of host resource usage,
// included in the status report so operators can correlate transfer
// stalls with memory/load pressure on the export host.
type HostStats struct {
	MemUsedPercent float64
	Load1          float64
	Load5          float64
}

// CollectHostStats samples current host resource usage via gopsutil.
func CollectHostStats() HostStats {
	var stats HostStats

	if vm, err := mem.VirtualMemory(); err == nil {
		stats.MemUsedPercent = vm.UsedPercent
	}

	if avg, err := load.Avg(); err == nil {
		stats.Load1 = avg.Load1
		stats.Load5 = avg.Load5
	}

	return stats
}

// MonitorSnapshot is the JSON body served at /monitor: host stats plus
// one entry per tracked device, queue depths and PDU counts included.
// It is the wire shape the "usbipd-go top" monitor polls.
type MonitorSnapshot struct {
	Host    HostStats           `json:"host"`
	Devices []DeviceMonitorStat `json:"devices"`
}

func ctrlsockClient() *http.Client {
	t := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return CtrlsockDial()
		},
	}
	return &http.Client{Transport: t, Timeout: 5 * time.Second}
}

// StatusRetrieve connects to the running usbipd-go daemon over the
// control API and retrieves its status as printable text.
func StatusRetrieve() ([]byte, error) {
	rsp, err := ctrlsockClient().Get("http://unix/status")
	if err != nil {
		return nil, err
	}
	defer rsp.Body.Close()

	return io.ReadAll(rsp.Body)
}

// MonitorRetrieve connects to the running usbipd-go daemon over the
// control API and retrieves one /monitor snapshot for the live monitor.
func MonitorRetrieve() (MonitorSnapshot, error) {
	var snap MonitorSnapshot

	rsp, err := ctrlsockClient().Get("http://unix/monitor")
	if err != nil {
		return snap, err
	}
	defer rsp.Body.Close()

	err = json.NewDecoder(rsp.Body).Decode(&snap)
	return snap, err
}

// StatusFormat renders the daemon's current status as text: uptime,
// host resource stats, and one line per tracked device.
func StatusFormat(mgr *Manager, started time.Time) []byte {
	buf := &bytes.Buffer{}

	fmt.Fprintf(buf, "usbipd-go daemon %s: running, up %s\n",
		Version, time.Since(started).Round(time.Second))

	stats := CollectHostStats()
	fmt.Fprintf(buf, "host: mem %.1f%% used, load %.2f/%.2f\n",
		stats.MemUsedPercent, stats.Load1, stats.Load5)

	devs := mgr.MonitorSnapshot()
	sort.Slice(devs, func(i, j int) bool { return devs[i].BusID < devs[j].BusID })

	fmt.Fprintf(buf, "usbip devices:")
	if len(devs) == 0 {
		buf.WriteString(" none found\n")
	} else {
		buf.WriteString("\n")
		for _, d := range devs {
			fmt.Fprintf(buf, " %s", d.DeviceStatus)
			if d.Exported {
				fmt.Fprintf(buf, " uptime=%s pending=%d completed=%d pdus=%d",
					d.Uptime.Round(time.Second), d.Pending, d.Completed, d.PDUs)
			}
			if d.LastErr != "" {
				fmt.Fprintf(buf, " last_err=%q", d.LastErr)
			}
			buf.WriteString("\n")
		}
	}

	return buf.Bytes()
}
