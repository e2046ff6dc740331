package metrics

import (
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// Collector provides a minimal Prometheus-compatible metrics exporter.
type Collector struct {
	startedAt time.Time

	wsConnects      atomic.Uint64
	supersessions   atomic.Uint64
	leaseGrants     atomic.Uint64
	leaseRejections atomic.Uint64
	generations     atomic.Uint64
	restores        atomic.Uint64
	workflowFails   atomic.Uint64
	teardowns       atomic.Uint64
}

func New() *Collector {
	return &Collector{startedAt: time.Now().UTC()}
}

func (c *Collector) IncWSConnect()      { c.wsConnects.Add(1) }
func (c *Collector) IncSupersession()   { c.supersessions.Add(1) }
func (c *Collector) IncLeaseGrant()     { c.leaseGrants.Add(1) }
func (c *Collector) IncLeaseRejection() { c.leaseRejections.Add(1) }
func (c *Collector) IncGeneration()     { c.generations.Add(1) }
func (c *Collector) IncRestore()        { c.restores.Add(1) }
func (c *Collector) IncWorkflowFail()   { c.workflowFails.Add(1) }
func (c *Collector) IncTeardown()       { c.teardowns.Add(1) }

// Handler serves the Prometheus text exposition format.
func (c *Collector) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		counters := []struct {
			name string
			help string
			val  uint64
		}{
			{"sketchd_ws_connects_total", "WebSocket connections accepted.", c.wsConnects.Load()},
			{"sketchd_socket_supersessions_total", "Sockets displaced by a newer connection.", c.supersessions.Load()},
			{"sketchd_lease_grants_total", "Leases granted.", c.leaseGrants.Load()},
			{"sketchd_lease_rejections_total", "Connections rejected for capacity.", c.leaseRejections.Load()},
			{"sketchd_generations_total", "Generation attempts completed.", c.generations.Load()},
			{"sketchd_restores_total", "Restore attempts completed.", c.restores.Load()},
			{"sketchd_workflow_failures_total", "Workflow attempts that failed.", c.workflowFails.Load()},
			{"sketchd_teardowns_total", "Sessions finalized and destroyed.", c.teardowns.Load()},
		}
		for _, m := range counters {
			fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n%s %d\n", m.name, m.help, m.name, m.name, m.val)
		}
		fmt.Fprintf(w, "# HELP sketchd_uptime_seconds Daemon uptime.\n# TYPE sketchd_uptime_seconds gauge\nsketchd_uptime_seconds %.0f\n",
			time.Since(c.startedAt).Seconds())
	})
}
