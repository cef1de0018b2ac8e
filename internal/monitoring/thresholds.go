// Package monitoring classifies nodes from their monitoring history.
package monitoring

import (
	"errors"

	"github.com/limiquantix/groupmanager/internal/domain"
)

// ErrNoMonitoringData is returned when a node carries no VM samples to classify.
var ErrNoMonitoringData = errors.New("no monitoring data")

// Band is a pair of capacity fractions delimiting the stable zone.
type Band struct {
	Min float64 `mapstructure:"min" json:"min"`
	Max float64 `mapstructure:"max" json:"max"`
}

// Thresholds holds the per-dimension bands. Network rx and tx share one band.
type Thresholds struct {
	CPU     Band `mapstructure:"cpu" json:"cpu"`
	Memory  Band `mapstructure:"memory" json:"memory"`
	Network Band `mapstructure:"network" json:"network"`
}

// DefaultThresholds returns the bands used when nothing is configured.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CPU:     Band{Min: 0.2, Max: 0.9},
		Memory:  Band{Min: 0.2, Max: 0.9},
		Network: Band{Min: 0.2, Max: 0.9},
	}
}

// DefaultMetricThresholds returns the custom metric bands used when nothing is configured.
func DefaultMetricThresholds() map[string]Band {
	return map[string]Band{
		domain.MetricCPUTemperature: {Max: 80},
		domain.MetricCPUUser:        {Min: 0.05, Max: 1},
	}
}

func (t Thresholds) overloaded(u domain.ResourceVector) bool {
	return u.CPU > t.CPU.Max ||
		u.Memory > t.Memory.Max ||
		u.NetworkRx > t.Network.Max ||
		u.NetworkTx > t.Network.Max
}

func (t Thresholds) underloaded(u domain.ResourceVector) bool {
	return u.CPU < t.CPU.Min &&
		u.Memory < t.Memory.Min &&
		u.NetworkRx < t.Network.Min &&
		u.NetworkTx < t.Network.Min
}
