package domain

import "fmt"

// ResourceVector is the fixed-dimension resource tuple used for every sizing
// decision: capacity, utilization and estimated demand.
type ResourceVector struct {
	CPU       float64 `json:"cpu"`
	Memory    float64 `json:"memory"`
	NetworkRx float64 `json:"network_rx"`
	NetworkTx float64 `json:"network_tx"`
}

// Add returns the component-wise sum of v and o.
func (v ResourceVector) Add(o ResourceVector) ResourceVector {
	return ResourceVector{
		CPU:       v.CPU + o.CPU,
		Memory:    v.Memory + o.Memory,
		NetworkRx: v.NetworkRx + o.NetworkRx,
		NetworkTx: v.NetworkTx + o.NetworkTx,
	}
}

// Sub returns the component-wise difference v - o.
func (v ResourceVector) Sub(o ResourceVector) ResourceVector {
	return ResourceVector{
		CPU:       v.CPU - o.CPU,
		Memory:    v.Memory - o.Memory,
		NetworkRx: v.NetworkRx - o.NetworkRx,
		NetworkTx: v.NetworkTx - o.NetworkTx,
	}
}

// Divide divides every component by n. Dividing by zero yields the zero vector.
func (v ResourceVector) Divide(n float64) ResourceVector {
	if n == 0 {
		return ResourceVector{}
	}
	return ResourceVector{
		CPU:       v.CPU / n,
		Memory:    v.Memory / n,
		NetworkRx: v.NetworkRx / n,
		NetworkTx: v.NetworkTx / n,
	}
}

// Covers reports whether every component of v is greater than or equal to
// the corresponding component of o.
func (v ResourceVector) Covers(o ResourceVector) bool {
	return v.CPU >= o.CPU &&
		v.Memory >= o.Memory &&
		v.NetworkRx >= o.NetworkRx &&
		v.NetworkTx >= o.NetworkTx
}

// Normalize divides v component-wise by capacity. A zero capacity component
// normalizes to 0.
func (v ResourceVector) Normalize(capacity ResourceVector) ResourceVector {
	return ResourceVector{
		CPU:       ratio(v.CPU, capacity.CPU),
		Memory:    ratio(v.Memory, capacity.Memory),
		NetworkRx: ratio(v.NetworkRx, capacity.NetworkRx),
		NetworkTx: ratio(v.NetworkTx, capacity.NetworkTx),
	}
}

// Magnitude returns the sum of all components. Policies use it to order
// virtual machines by demand.
func (v ResourceVector) Magnitude() float64 {
	return v.CPU + v.Memory + v.NetworkRx + v.NetworkTx
}

// IsZero returns true if all components are zero.
func (v ResourceVector) IsZero() bool {
	return v == ResourceVector{}
}

// String implements fmt.Stringer.
func (v ResourceVector) String() string {
	return fmt.Sprintf("[cpu=%.3f mem=%.3f rx=%.3f tx=%.3f]", v.CPU, v.Memory, v.NetworkRx, v.NetworkTx)
}

func ratio(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}
