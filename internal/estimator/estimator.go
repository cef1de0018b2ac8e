// Package estimator derives resource demand from monitoring history.
package estimator

import "github.com/limiquantix/groupmanager/internal/domain"

// DefaultHistoryDepth is the number of samples averaged when none is configured.
const DefaultHistoryDepth = 10

// Estimator computes time-averaged resource demand of VMs and nodes.
// It holds no mutable state and is safe for concurrent use.
type Estimator struct {
	historyDepth int
}

// New creates an estimator averaging over the historyDepth most recent samples.
func New(historyDepth int) *Estimator {
	if historyDepth <= 0 {
		historyDepth = DefaultHistoryDepth
	}
	return &Estimator{historyDepth: historyDepth}
}

// HistoryDepth returns the number of samples averaged per VM.
func (e *Estimator) HistoryDepth() int {
	return e.historyDepth
}

// EstimateDemand returns the average used vector over the VM's recent
// history. A VM without history is estimated at its requested capacity.
func (e *Estimator) EstimateDemand(vm *domain.VirtualMachine) domain.ResourceVector {
	if demand, ok := e.average(vm); ok {
		return demand
	}
	return vm.Requested
}

// EstimateNodeUtilization sums the estimated demand of every VM on the node.
func (e *Estimator) EstimateNodeUtilization(node *domain.Node) domain.ResourceVector {
	var total domain.ResourceVector
	for _, vm := range node.VMs {
		total = total.Add(e.EstimateDemand(vm))
	}
	return total
}

// MeasuredUtilization sums the averaged history of every VM that has
// samples. It reports false when no VM on the node has any.
func (e *Estimator) MeasuredUtilization(node *domain.Node) (domain.ResourceVector, bool) {
	var total domain.ResourceVector
	found := false
	for _, vm := range node.VMs {
		avg, ok := e.average(vm)
		if !ok {
			continue
		}
		total = total.Add(avg)
		found = true
	}
	return total, found
}

func (e *Estimator) average(vm *domain.VirtualMachine) (domain.ResourceVector, bool) {
	samples := vm.RecentHistory(e.historyDepth)
	if len(samples) == 0 {
		return domain.ResourceVector{}, false
	}
	var sum domain.ResourceVector
	for _, s := range samples {
		sum = sum.Add(s.Used)
	}
	return sum.Divide(float64(len(samples))), true
}
