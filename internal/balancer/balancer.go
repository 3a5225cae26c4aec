// Package balancer implements the interface balancer: a catalogue of
// outgoing source addresses, each carrying a capacity weight (metric)
// and a live in-use count, from which sessions borrow a source address
// for the lifetime of an outbound connection.
package balancer

import (
	"errors"
	"sync"

	"dispatchproxy/internal/addr"
)

// ErrNoInterface is returned by Acquire when no interface matching the
// requested address family is configured.
var ErrNoInterface = errors.New("balancer: no interface for requested address family")

// Interface is one configured outgoing source address.
type Interface struct {
	Source addr.HostAddress
	Metric uint32

	mu    sync.Mutex
	inUse uint32
}

// InUse returns the interface's current live-borrow count.
func (ifc *Interface) InUse() uint32 {
	ifc.mu.Lock()
	defer ifc.mu.Unlock()
	return ifc.inUse
}

// Snapshot is a point-in-time, lock-free copy of an Interface's state,
// safe to hold onto after the balancer has moved on (used by
// internal/status for table rendering).
type Snapshot struct {
	Source addr.HostAddress
	Metric uint32
	InUse  uint32
}

// Borrow represents one successful Acquire; callers must call Release
// exactly once to return the interface to the pool.
type Borrow struct {
	ifc *Interface
}

// Interface returns the borrowed interface.
func (b Borrow) Interface() *Interface { return b.ifc }

// Manager partitions configured interfaces by address family and
// answers "give me the best source for family F" under a load-ratio
// policy: among eligible interfaces, the one minimizing in_use/metric,
// ties broken by first-inserted.
type Manager struct {
	mu      sync.Mutex
	buckets map[addr.Family][]*Interface
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{buckets: make(map[addr.Family][]*Interface)}
}

// Add appends source to the bucket for its address family, in
// insertion order. Insertion order is the balancer's tie-break key, so
// Add must be called in the same order the interfaces were configured.
func (m *Manager) Add(source addr.HostAddress, metric uint32) *Interface {
	ifc := &Interface{Source: source, Metric: metric}
	m.mu.Lock()
	m.buckets[source.Family()] = append(m.buckets[source.Family()], ifc)
	m.mu.Unlock()
	return ifc
}

// Acquire selects the eligible interface minimizing the load ratio
// in_use/metric, compared by cross-multiplication to avoid floating
// point: candidate a is preferred over b when a.inUse*b.metric <
// b.inUse*a.metric. Ties keep the earlier-inserted candidate. On
// success, the chosen interface's in_use is incremented before return.
func (m *Manager) Acquire(family addr.Family) (Borrow, error) {
	m.mu.Lock()
	candidates := m.buckets[family]
	m.mu.Unlock()

	if len(candidates) == 0 {
		return Borrow{}, ErrNoInterface
	}

	var best *Interface
	var bestInUse, bestMetric uint32

	for _, ifc := range candidates {
		ifc.mu.Lock()
		inUse, metric := ifc.inUse, ifc.Metric
		ifc.mu.Unlock()

		if best == nil {
			best, bestInUse, bestMetric = ifc, inUse, metric
			continue
		}
		// inUse/metric < bestInUse/bestMetric, cross-multiplied.
		if uint64(inUse)*uint64(bestMetric) < uint64(bestInUse)*uint64(metric) {
			best, bestInUse, bestMetric = ifc, inUse, metric
		}
	}

	best.mu.Lock()
	best.inUse++
	best.mu.Unlock()

	return Borrow{ifc: best}, nil
}

// Release decrements the borrowed interface's in_use count. Callers
// must call Release exactly once per successful Acquire.
func (m *Manager) Release(b Borrow) {
	if b.ifc == nil {
		return
	}
	b.ifc.mu.Lock()
	b.ifc.inUse--
	b.ifc.mu.Unlock()
}

// Snapshot returns a stable copy of every configured interface across
// all families, in insertion order within each family, for status
// reporting.
func (m *Manager) Snapshot() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Snapshot
	for _, family := range []addr.Family{addr.FamilyInet, addr.FamilyInet6} {
		for _, ifc := range m.buckets[family] {
			out = append(out, Snapshot{
				Source: ifc.Source,
				Metric: ifc.Metric,
				InUse:  ifc.InUse(),
			})
		}
	}
	return out
}
