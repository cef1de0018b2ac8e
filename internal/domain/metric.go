package domain

import "time"

// Well-known custom metric names reported by node daemons.
const (
	MetricCPUTemperature = "cputemperature"
	MetricCPUUser        = "cpu_user"
)

// MetricSample is a single timestamped value of a custom metric.
type MetricSample struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// MetricSeries is a fixed-capacity, time-ordered series of samples.
// Once full, adding a sample evicts the oldest one.
type MetricSeries struct {
	Capacity int            `json:"capacity"`
	Samples  []MetricSample `json:"samples"`
}

// NewMetricSeries creates an empty series holding at most capacity samples.
func NewMetricSeries(capacity int) *MetricSeries {
	if capacity < 1 {
		capacity = 1
	}
	return &MetricSeries{
		Capacity: capacity,
		Samples:  make([]MetricSample, 0, capacity),
	}
}

// Add appends a sample, evicting the oldest samples beyond capacity.
func (s *MetricSeries) Add(sample MetricSample) {
	s.Samples = append(s.Samples, sample)
	if over := len(s.Samples) - s.Capacity; over > 0 {
		s.Samples = append(s.Samples[:0:0], s.Samples[over:]...)
	}
}

// Len returns the number of samples held.
func (s *MetricSeries) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Samples)
}

// Last returns the most recent sample value.
func (s *MetricSeries) Last() (float64, bool) {
	if s.Len() == 0 {
		return 0, false
	}
	return s.Samples[len(s.Samples)-1].Value, true
}

// Average returns the mean of all samples. It reports false for an empty series.
func (s *MetricSeries) Average() (float64, bool) {
	if s.Len() == 0 {
		return 0, false
	}
	var total float64
	for _, sample := range s.Samples {
		total += sample.Value
	}
	return total / float64(len(s.Samples)), true
}

// Tail returns a copy of the series keeping only the n most recent samples.
func (s *MetricSeries) Tail(n int) *MetricSeries {
	if s == nil {
		return nil
	}
	start := 0
	if n > 0 && len(s.Samples) > n {
		start = len(s.Samples) - n
	}
	return &MetricSeries{
		Capacity: s.Capacity,
		Samples:  append([]MetricSample(nil), s.Samples[start:]...),
	}
}
