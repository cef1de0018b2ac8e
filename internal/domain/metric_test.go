package domain

import (
	"testing"
	"time"
)

func TestMetricSeries_EvictsOldest(t *testing.T) {
	s := NewMetricSeries(3)
	base := time.Now()
	for i := 0; i < 5; i++ {
		s.Add(MetricSample{Timestamp: base.Add(time.Duration(i) * time.Second), Value: float64(i)})
	}

	if s.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", s.Len())
	}
	if s.Samples[0].Value != 2 {
		t.Errorf("oldest sample = %v, want 2", s.Samples[0].Value)
	}
	if last, _ := s.Last(); last != 4 {
		t.Errorf("Last() = %v, want 4", last)
	}
	if avg, _ := s.Average(); avg != 3 {
		t.Errorf("Average() = %v, want 3", avg)
	}
}

func TestMetricSeries_Empty(t *testing.T) {
	var s *MetricSeries
	if _, ok := s.Average(); ok {
		t.Error("Average() on nil series should report false")
	}
	if _, ok := NewMetricSeries(0).Last(); ok {
		t.Error("Last() on empty series should report false")
	}
}

func TestMetricSeries_Tail(t *testing.T) {
	s := NewMetricSeries(10)
	for i := 0; i < 4; i++ {
		s.Add(MetricSample{Value: float64(i)})
	}

	tail := s.Tail(2)
	if tail.Len() != 2 || tail.Samples[0].Value != 2 {
		t.Errorf("Tail(2) = %+v", tail.Samples)
	}

	tail.Samples[0].Value = 100
	if s.Samples[2].Value == 100 {
		t.Error("Tail() must not share storage with the source series")
	}
}
