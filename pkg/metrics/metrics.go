// Package metrics exposes Prometheus collectors for loader activity.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/psantana5/wasmhost/pkg/lifecycle"
)

var allStatuses = []lifecycle.Status{
	lifecycle.StatusCreated,
	lifecycle.StatusLoading,
	lifecycle.StatusRunning,
	lifecycle.StatusExited,
	lifecycle.StatusError,
}

// Collector holds the loader metric families
type Collector struct {
	loadsTotal      prometheus.Counter
	restartsTotal   prometheus.Counter
	crashesTotal    prometheus.Counter
	cleanExitsTotal prometheus.Counter
	status          *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		loadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wasmhost_loads_total",
			Help: "Load cycles started, including automatic restarts",
		}),
		restartsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wasmhost_restarts_total",
			Help: "Automatic restarts triggered by the restart policy",
		}),
		crashesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wasmhost_crashes_total",
			Help: "Abnormal module terminations",
		}),
		cleanExitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wasmhost_clean_exits_total",
			Help: "Ordinary module exits with an exit code",
		}),
		status: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wasmhost_status",
			Help: "Current committed lifecycle status (1 for the active status)",
		}, []string{"status"}),
	}
	if reg != nil {
		reg.MustRegister(c.loadsTotal, c.restartsTotal, c.crashesTotal,
			c.cleanExitsTotal, c.status)
	}
	return c
}

// ObserveLoad counts one load cycle
func (c *Collector) ObserveLoad() {
	if c == nil {
		return
	}
	c.loadsTotal.Inc()
}

// ObserveRestart counts one policy-triggered restart
func (c *Collector) ObserveRestart() {
	if c == nil {
		return
	}
	c.restartsTotal.Inc()
}

// ObserveCrash counts one abnormal termination
func (c *Collector) ObserveCrash() {
	if c == nil {
		return
	}
	c.crashesTotal.Inc()
}

// ObserveCleanExit counts one ordinary exit
func (c *Collector) ObserveCleanExit() {
	if c == nil {
		return
	}
	c.cleanExitsTotal.Inc()
}

// SetStatus marks the committed status gauge
func (c *Collector) SetStatus(s lifecycle.Status) {
	if c == nil {
		return
	}
	for _, st := range allStatuses {
		v := 0.0
		if st == s {
			v = 1.0
		}
		c.status.WithLabelValues(string(st)).Set(v)
	}
}
