// Package clientcontext builds the client-context payload attached to the
// transport handshake and to update-client-context reports.
package clientcontext

import (
	"os"

	"github.com/shirou/gopsutil/v3/process"
)

// Context describes the environment the SDK is running in. PageURL and the
// viewport dimensions come from the embedding application; the host fields
// are filled in by Collect.
type Context struct {
	PageURL        string  `json:"pageUrl"`
	ViewportWidth  int     `json:"viewportWidth"`
	ViewportHeight int     `json:"viewportHeight"`
	Hostname       string  `json:"hostname,omitempty"`
	PID            int     `json:"pid,omitempty"`
	CPUPercent     float64 `json:"cpuPercent,omitempty"`
	MemoryRSS      uint64  `json:"memoryRss,omitempty"`
}

// Collect fills the host telemetry fields in place. Telemetry is best
// effort: any probe failure leaves the corresponding field zero.
func (c *Context) Collect() {
	if host, err := os.Hostname(); err == nil {
		c.Hostname = host
	}
	c.PID = os.Getpid()

	proc, err := process.NewProcess(int32(c.PID))
	if err != nil {
		return
	}
	if pct, err := proc.CPUPercent(); err == nil {
		c.CPUPercent = pct
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		c.MemoryRSS = mem.RSS
	}
}
