// ABOUTME: Health endpoints reporting uptime, process memory and live connection counts
// ABOUTME: /health is liveness; /health/ready requires at least one live agent

package gateway

import (
	"fmt"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/process"

	"github.com/2389/wallboard-gateway/internal/registry"
)

// HealthReport is the body of GET /health.
type HealthReport struct {
	Status      string            `json:"status"`
	Timestamp   time.Time         `json:"timestamp"`
	Uptime      float64           `json:"uptime"` // seconds
	Memory      MemoryReport      `json:"memory"`
	Connections ConnectionsReport `json:"connections"`
}

// MemoryReport describes process memory in megabytes.
type MemoryReport struct {
	Used  string `json:"used"`
	Total string `json:"total"`
	RSS   string `json:"rss,omitempty"`
}

// ConnectionsReport counts registered participants.
type ConnectionsReport struct {
	Agents      int `json:"agents"`
	Supervisors int `json:"supervisors"`
}

// handleHealth returns 200 OK with process details if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, HealthReport{
		Status:    "OK",
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(g.startedAt).Seconds(),
		Memory:    g.memoryReport(),
		Connections: ConnectionsReport{
			Agents:      g.registry.Count(registry.RoleAgent),
			Supervisors: g.registry.Count(registry.RoleSupervisor),
		},
	})
}

// handleReady returns 200 OK if the server has at least one agent connected.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	agents := g.registry.Count(registry.RoleAgent)
	if agents == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", agents)
}

func (g *Gateway) memoryReport() MemoryReport {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	report := MemoryReport{
		Used:  megabytes(ms.HeapAlloc),
		Total: megabytes(ms.HeapSys),
	}

	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		g.logger.Debug("process lookup failed", "error", err)
		return report
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		g.logger.Debug("process memory lookup failed", "error", err)
		return report
	}
	report.RSS = megabytes(mem.RSS)
	return report
}

func megabytes(b uint64) string {
	return fmt.Sprintf("%dMB", b/1024/1024)
}
