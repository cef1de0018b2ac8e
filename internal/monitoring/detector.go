package monitoring

import (
	"go.uber.org/zap"

	"github.com/limiquantix/groupmanager/internal/domain"
	"github.com/limiquantix/groupmanager/internal/estimator"
)

// ThresholdCrossingDetector classifies a node by comparing its averaged
// utilization, normalized by capacity, against the configured bands.
type ThresholdCrossingDetector struct {
	thresholds Thresholds
	estimator  *estimator.Estimator
	logger     *zap.Logger
}

// NewThresholdCrossingDetector creates a capacity detector.
func NewThresholdCrossingDetector(thresholds Thresholds, est *estimator.Estimator, logger *zap.Logger) *ThresholdCrossingDetector {
	return &ThresholdCrossingDetector{
		thresholds: thresholds,
		estimator:  est,
		logger:     logger.With(zap.String("component", "threshold-detector")),
	}
}

// Classify returns OVERLOADED if any normalized dimension is above its max,
// UNDERLOADED if all are below their min, and STABLE otherwise.
// Overload is checked first.
func (d *ThresholdCrossingDetector) Classify(node *domain.Node) (domain.NodeState, error) {
	used, ok := d.estimator.MeasuredUtilization(node)
	if !ok {
		return domain.NodeStateStable, ErrNoMonitoringData
	}

	normalized := used.Normalize(node.TotalCapacity)
	d.logger.Debug("Normalized host utilization",
		zap.String("node_id", node.ID),
		zap.Stringer("utilization", normalized),
	)

	if d.thresholds.overloaded(normalized) {
		return domain.NodeStateOverloaded, nil
	}
	if d.thresholds.underloaded(normalized) {
		return domain.NodeStateUnderloaded, nil
	}
	return domain.NodeStateStable, nil
}

// MetricThresholdDetector classifies a node from its custom metrics.
type MetricThresholdDetector struct {
	thresholds map[string]Band
	depth      int
}

// NewMetricThresholdDetector creates a metric detector averaging the depth
// most recent samples of each metric. depth <= 0 averages everything held.
func NewMetricThresholdDetector(thresholds map[string]Band, depth int) *MetricThresholdDetector {
	return &MetricThresholdDetector{thresholds: thresholds, depth: depth}
}

// Classify returns OVERHEATED when the average temperature is above its max
// and UNDERLOADED when the average cpu_user is below its min. Metrics without
// samples or without a band produce no verdict.
func (d *MetricThresholdDetector) Classify(metrics map[string]*domain.MetricSeries) domain.NodeState {
	if avg, ok := d.average(metrics, domain.MetricCPUTemperature); ok {
		if avg > d.thresholds[domain.MetricCPUTemperature].Max {
			return domain.NodeStateOverheated
		}
	}
	if avg, ok := d.average(metrics, domain.MetricCPUUser); ok {
		if avg < d.thresholds[domain.MetricCPUUser].Min {
			return domain.NodeStateUnderloaded
		}
	}
	return domain.NodeStateStable
}

func (d *MetricThresholdDetector) average(metrics map[string]*domain.MetricSeries, name string) (float64, bool) {
	if _, ok := d.thresholds[name]; !ok {
		return 0, false
	}
	return metrics[name].Tail(d.depth).Average()
}

// Classifier combines the capacity and metric detectors.
type Classifier struct {
	capacity *ThresholdCrossingDetector
	metric   *MetricThresholdDetector
}

// NewClassifier creates a combined classifier.
func NewClassifier(capacity *ThresholdCrossingDetector, metric *MetricThresholdDetector) *Classifier {
	return &Classifier{capacity: capacity, metric: metric}
}

// Classify consults both detectors. OVERHEATED always wins, then a
// non-stable capacity verdict, then a non-stable metric verdict.
func (c *Classifier) Classify(node *domain.Node) domain.NodeState {
	metricState := c.metric.Classify(node.Metrics)
	if metricState == domain.NodeStateOverheated {
		return metricState
	}

	capacityState, err := c.capacity.Classify(node)
	if err == nil && capacityState != domain.NodeStateStable {
		return capacityState
	}
	return metricState
}
