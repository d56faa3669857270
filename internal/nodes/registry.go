// Package nodes implements the Node Registry: a TTL-backed inventory of the
// execution fleet with heartbeat liveness, generalizing the connection
// table and periodic stale-connection sweep the codebase has always used to
// track live WebSocket peers (one map guarded by a single lock, plus a
// ticker-driven goroutine with its own start/stop pair) from "is this
// connection still open" to "is this node still alive".
package nodes

import (
	"sort"
	"sync"
	"time"

	"github.com/riftline/control-plane/internal/apperrors"
	"github.com/riftline/control-plane/internal/clock"
)

// Status is a node's liveness/availability state.
type Status string

const (
	StatusHealthy   Status = "HEALTHY"
	StatusDraining  Status = "DRAINING"
	StatusUnhealthy Status = "UNHEALTHY"
)

// Capacity bounds how many containers a node may host.
type Capacity struct {
	MaxContainers int
}

// Metrics is a node's self-reported load.
type Metrics struct {
	ContainerCount int
	MatchCount     int
	CPUUsage       float64 // [0,1]
	MemoryUsedMB   int
	MemoryMaxMB    int
}

// Node is one execution-fleet member.
type Node struct {
	ID              string
	EndpointURL     string
	Capacity        Capacity
	Metrics         Metrics
	Status          Status
	LastHeartbeatAt time.Time
	RegisteredAt    time.Time
}

// Registry is the Node Registry's port.
type Registry interface {
	Register(node *Node) (*Node, *apperrors.AppError)
	Heartbeat(nodeID string, metrics Metrics) (*Node, *apperrors.AppError)
	Drain(nodeID string) (*Node, *apperrors.AppError)
	Deregister(nodeID string) *apperrors.AppError
	Find(nodeID string) (*Node, *apperrors.AppError)
	List() []*Node
	Stop()
}

// TTLRegistry is the default in-process Registry: a single RWMutex over a
// map, with CRUD taking the write lock for the instant it mutates and a
// periodic sweep goroutine evicting expired entries under that same lock.
type TTLRegistry struct {
	mu    sync.RWMutex
	nodes map[string]*Node

	ttl   time.Duration
	clock clock.Clock

	sweepStop    chan struct{}
	sweepStopped chan struct{}
}

// New builds a TTLRegistry and starts its liveness sweep.
func New(nodeTTL, sweepInterval time.Duration, c clock.Clock) *TTLRegistry {
	r := &TTLRegistry{
		nodes:        make(map[string]*Node),
		ttl:          nodeTTL,
		clock:        c,
		sweepStop:    make(chan struct{}),
		sweepStopped: make(chan struct{}),
	}
	go r.sweepLoop(sweepInterval)
	return r
}

// Register creates or replaces the node entry with status HEALTHY and a
// refreshed heartbeat. Replacement preserves an existing DRAINING status,
// and leaves EndpointURL/Capacity untouched wherever the caller supplies
// the zero value for them.
func (r *TTLRegistry) Register(in *Node) (*Node, *apperrors.AppError) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	existing, had := r.nodes[in.ID]

	n := &Node{
		ID:              in.ID,
		EndpointURL:     in.EndpointURL,
		Capacity:        in.Capacity,
		Status:          StatusHealthy,
		LastHeartbeatAt: now,
	}
	if had {
		n.RegisteredAt = existing.RegisteredAt
		n.Metrics = existing.Metrics
		if n.EndpointURL == "" {
			n.EndpointURL = existing.EndpointURL
		}
		if n.Capacity.MaxContainers == 0 {
			n.Capacity = existing.Capacity
		}
		if existing.Status == StatusDraining {
			n.Status = StatusDraining
		}
	} else {
		n.RegisteredAt = now
	}

	cp := *n
	r.nodes[in.ID] = &cp
	out := *n
	return &out, nil
}

// Heartbeat requires an existing entry. If the entry's TTL had already
// lapsed but the sweep had not yet removed it, the heartbeat revives it as
// HEALTHY -- a late heartbeat is still evidence of life.
func (r *TTLRegistry) Heartbeat(nodeID string, metrics Metrics) (*Node, *apperrors.AppError) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[nodeID]
	if !ok {
		return nil, apperrors.New(apperrors.KindNodeNotFound, "node not registered")
	}
	n.Metrics = metrics
	n.LastHeartbeatAt = r.clock.Now()
	if n.Status != StatusDraining {
		n.Status = StatusHealthy
	}
	out := *n
	return &out, nil
}

// Drain marks a node DRAINING. It stays registered -- and keeps appearing
// in List -- until heartbeats cease or Deregister is called explicitly.
func (r *TTLRegistry) Drain(nodeID string) (*Node, *apperrors.AppError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[nodeID]
	if !ok {
		return nil, apperrors.New(apperrors.KindNodeNotFound, "node not registered")
	}
	n.Status = StatusDraining
	out := *n
	return &out, nil
}

// Deregister removes a node immediately.
func (r *TTLRegistry) Deregister(nodeID string) *apperrors.AppError {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[nodeID]; !ok {
		return apperrors.New(apperrors.KindNodeNotFound, "node not registered")
	}
	delete(r.nodes, nodeID)
	return nil
}

// Find returns one node by id.
func (r *TTLRegistry) Find(nodeID string) (*Node, *apperrors.AppError) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[nodeID]
	if !ok {
		return nil, apperrors.New(apperrors.KindNodeNotFound, "node not registered")
	}
	out := *n
	return &out, nil
}

// List returns every currently registered node, ordered by id for
// deterministic output. A node whose TTL has expired for more than one
// sweep interval is never included -- the sweep removes it outright.
func (r *TTLRegistry) List() []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		cp := *n
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *TTLRegistry) sweepLoop(interval time.Duration) {
	defer close(r.sweepStopped)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.sweepStop:
			return
		}
	}
}

func (r *TTLRegistry) sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	for id, n := range r.nodes {
		if n.LastHeartbeatAt.Add(r.ttl).Before(now) {
			delete(r.nodes, id)
		}
	}
}

// Stop terminates the sweep goroutine and waits for it to exit, so it never
// leaks across process shutdown.
func (r *TTLRegistry) Stop() {
	close(r.sweepStop)
	<-r.sweepStopped
}

var _ Registry = (*TTLRegistry)(nil)
