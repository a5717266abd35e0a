package media

import (
	"errors"
	mathrand "math/rand"
	"sync"

	"voip-agent/pkg/metrics"
)

// ErrNoPortsAvailable is returned when the configured RTP range is
// exhausted.
var ErrNoPortsAvailable = errors.New("no RTP ports available")

// PortAllocator hands out RTP ports from [base, base+span). Allocation
// starts at a random offset so restarting agents spread across the range.
type PortAllocator struct {
	mu    sync.Mutex
	base  int
	span  int
	inUse map[int]bool
}

// NewPortAllocator builds an allocator over span ports starting at base.
func NewPortAllocator(base, span int) *PortAllocator {
	if span <= 0 {
		span = 1
	}
	return &PortAllocator{
		base:  base,
		span:  span,
		inUse: make(map[int]bool),
	}
}

// Allocate reserves a free port from the range.
func (a *PortAllocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	offset := mathrand.Intn(a.span)
	for i := 0; i < a.span; i++ {
		port := a.base + (offset+i)%a.span
		if !a.inUse[port] {
			a.inUse[port] = true
			if metrics.IsMetricsEnabled() {
				metrics.RTPPortsInUse.Set(float64(len(a.inUse)))
			}
			return port, nil
		}
	}
	return 0, ErrNoPortsAvailable
}

// Release returns a port to the pool. Releasing an unallocated port is a
// no-op.
func (a *PortAllocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.inUse[port] {
		delete(a.inUse, port)
		if metrics.IsMetricsEnabled() {
			metrics.RTPPortsInUse.Set(float64(len(a.inUse)))
		}
	}
}

// InUse reports the number of allocated ports.
func (a *PortAllocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inUse)
}
