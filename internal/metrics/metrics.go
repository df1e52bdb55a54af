// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FlowStatus tracks the current status of each configured flow
	FlowStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "grnet_flow_status",
			Help: "Current status of flows (0=stopped, 1=running, 2=error)",
		},
		[]string{"flow"},
	)

	// FlowRunsTotal counts flow terminations by outcome
	FlowRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grnet_flow_runs_total",
			Help: "Total number of flow runs that ended, by outcome",
		},
		[]string{"flow", "outcome"},
	)
)

// FlowStatusValue represents flow status as a numeric value for Prometheus gauge
const (
	FlowStatusStopped = 0
	FlowStatusRunning = 1
	FlowStatusError   = 2
)
