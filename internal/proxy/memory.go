package proxy

import (
	"context"
	"sync"
)

// MemoryRuntime records tunnels without running anything. For tests.
type MemoryRuntime struct {
	mu      sync.Mutex
	running map[string]Spec
	// StartErr, when set, is returned by every Start.
	StartErr error
	// StopErr, when set, is returned by Stop for running handles.
	StopErr error
	// AliveErr, when set, is returned by every Alive.
	AliveErr error
	starts   int
	stops    int
}

func NewMemoryRuntime() *MemoryRuntime { return &MemoryRuntime{running: map[string]Spec{}} }

func (r *MemoryRuntime) Name() string { return "memory" }

func (r *MemoryRuntime) Start(_ context.Context, spec Spec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts++
	if r.StartErr != nil {
		return r.StartErr
	}
	r.running[spec.Handle] = spec
	return nil
}

func (r *MemoryRuntime) Stop(_ context.Context, handle string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.running[handle]; !ok {
		return ErrNotFound
	}
	if r.StopErr != nil {
		return r.StopErr
	}
	r.stops++
	delete(r.running, handle)
	return nil
}

func (r *MemoryRuntime) Alive(_ context.Context, handle string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.AliveErr != nil {
		return false, r.AliveErr
	}
	_, ok := r.running[handle]
	return ok, nil
}

// Kill drops a live handle without counting a stop, as if the instance died.
func (r *MemoryRuntime) Kill(handle string) {
	r.mu.Lock()
	delete(r.running, handle)
	r.mu.Unlock()
}

// Running returns the spec of a live handle.
func (r *MemoryRuntime) Running(handle string) (Spec, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.running[handle]
	return s, ok
}

// Live returns the number of live tunnels.
func (r *MemoryRuntime) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}

// Starts returns how many Start calls were made.
func (r *MemoryRuntime) Starts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts
}

// Stops returns how many running tunnels were stopped.
func (r *MemoryRuntime) Stops() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stops
}

// MemoryPorts is an in-process PortAllocator. For tests.
type MemoryPorts struct {
	mu     sync.Mutex
	leases map[string]int
}

func NewMemoryPorts() *MemoryPorts { return &MemoryPorts{leases: map[string]int{}} }

func (p *MemoryPorts) LeasePort(_ context.Context, owner string, start, end int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if port, ok := p.leases[owner]; ok {
		return port, nil
	}
	used := map[int]bool{}
	for _, port := range p.leases {
		used[port] = true
	}
	for port := start; port <= end; port++ {
		if !used[port] {
			p.leases[owner] = port
			return port, nil
		}
	}
	return 0, errNoPort
}

func (p *MemoryPorts) ReleasePort(_ context.Context, owner string) error {
	p.mu.Lock()
	delete(p.leases, owner)
	p.mu.Unlock()
	return nil
}

// Leased returns the number of active leases.
func (p *MemoryPorts) Leased() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.leases)
}
