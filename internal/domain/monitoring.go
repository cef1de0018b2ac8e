package domain

import "time"

// MonitoringReport is the periodic utilization snapshot a node sends to the group manager.
type MonitoringReport struct {
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`

	// VMs maps a VM identifier to the samples collected since the last report.
	VMs map[string][]MonitoringSample `json:"vms,omitempty"`

	// Metrics maps a custom metric name to its samples.
	Metrics map[string][]MetricSample `json:"metrics,omitempty"`
}

// HasVMData returns true if the report carries at least one VM sample.
func (r *MonitoringReport) HasVMData() bool {
	for _, samples := range r.VMs {
		if len(samples) > 0 {
			return true
		}
	}
	return false
}
