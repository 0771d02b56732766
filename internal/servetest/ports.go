package servetest

import "sync/atomic"

// FirstPort is the first port handed out by Ports
const FirstPort = 35103

// PortAllocator hands out increasing ports. It never reuses a port, so
// servers started by parallel tests in one process never race for one.
type PortAllocator struct {
	next atomic.Int64
}

// NewPortAllocator returns an allocator whose first port is first
func NewPortAllocator(first int) *PortAllocator {
	a := &PortAllocator{}
	a.next.Store(int64(first))
	return a
}

// Next returns the next unused port
func (a *PortAllocator) Next() int {
	return int(a.next.Add(1) - 1)
}

// Ports is the allocator used by Start
var Ports = NewPortAllocator(FirstPort)
