package domain

import (
	"sort"
	"time"
)

// VMLocation identifies where a virtual machine runs.
type VMLocation struct {
	VMID           string         `json:"vm_id"`
	NodeID         string         `json:"node_id"`
	ControlAddress NetworkAddress `json:"control_address"`
}

// MonitoringSample is one utilization measurement of a virtual machine.
type MonitoringSample struct {
	Timestamp time.Time      `json:"timestamp"`
	Used      ResourceVector `json:"used"`
}

// VirtualMachine represents a virtual machine hosted on a node.
type VirtualMachine struct {
	ID        string     `json:"id"`
	Location  VMLocation `json:"location"`
	IPAddress string     `json:"ip_address,omitempty"`

	// Requested is the capacity the VM was submitted with. It is used as
	// the demand estimate until monitoring history is available.
	Requested ResourceVector `json:"requested"`

	// History holds the most recent monitoring samples, oldest first.
	History []MonitoringSample `json:"history,omitempty"`
}

// RecentHistory returns at most n most recent samples. n <= 0 returns all.
func (vm *VirtualMachine) RecentHistory(n int) []MonitoringSample {
	if n <= 0 || len(vm.History) <= n {
		return vm.History
	}
	return vm.History[len(vm.History)-n:]
}

// Clone creates a deep copy of the VM keeping the depth most recent samples.
func (vm *VirtualMachine) Clone(depth int) *VirtualMachine {
	if vm == nil {
		return nil
	}
	clone := *vm
	clone.History = append([]MonitoringSample(nil), vm.RecentHistory(depth)...)
	return &clone
}

func sortVMsByID(vms []*VirtualMachine) {
	sort.Slice(vms, func(i, j int) bool {
		return vms[i].ID < vms[j].ID
	})
}
