// Package scheduler implements least-loaded match placement onto the node
// registry's fleet, generalizing the "filter candidates, then pick the one
// carrying the least load" shape the codebase has always used to route
// session-creation requests across workers -- rewritten to the control
// plane's deterministic weighted score and node-registry snapshot instead
// of a SQL session count query.
package scheduler

import (
	"sort"

	"github.com/riftline/control-plane/internal/apperrors"
	"github.com/riftline/control-plane/internal/nodes"
)

// Scheduler selects nodes for match placement.
type Scheduler struct {
	registry nodes.Registry
}

// New builds a Scheduler over a Registry.
func New(registry nodes.Registry) *Scheduler {
	return &Scheduler{registry: registry}
}

// SelectNode implements the registry-snapshot / filter / score algorithm.
// requiredModules is reserved for future use; today it is a pass-through,
// per the design note that module-aware filtering is not yet wired to any
// node-reported capability set.
func (s *Scheduler) SelectNode(requiredModules []string, preferredNodeID string) (*nodes.Node, *apperrors.AppError) {
	snapshot := s.registry.List()

	var healthy []*nodes.Node
	for _, n := range snapshot {
		if n.Status == nodes.StatusHealthy {
			healthy = append(healthy, n)
		}
	}
	if len(healthy) == 0 {
		return nil, apperrors.New(apperrors.KindNoAvailableNodes, "no healthy nodes registered")
	}

	var capable []*nodes.Node
	for _, n := range healthy {
		if n.Metrics.ContainerCount < n.Capacity.MaxContainers {
			capable = append(capable, n)
		}
	}
	if len(capable) == 0 {
		return nil, apperrors.New(apperrors.KindNoCapableNodes, "no healthy node has spare container capacity")
	}

	if preferredNodeID != "" {
		for _, n := range capable {
			if n.ID == preferredNodeID {
				out := *n
				return &out, nil
			}
		}
	}

	sort.Slice(capable, func(i, j int) bool {
		si, sj := loadScore(capable[i]), loadScore(capable[j])
		if si != sj {
			return si < sj
		}
		return capable[i].ID < capable[j].ID
	})
	out := *capable[0]
	return &out, nil
}

func loadScore(n *nodes.Node) float64 {
	max := float64(n.Capacity.MaxContainers)
	return (float64(n.Metrics.ContainerCount)/max)*0.7 + (float64(n.Metrics.MatchCount)/max)*0.3
}

// ClusterSaturation is the ratio of used to total container capacity across
// healthy nodes, 0 when there is no healthy capacity at all.
func (s *Scheduler) ClusterSaturation() float64 {
	snapshot := s.registry.List()
	var used, total int
	for _, n := range snapshot {
		if n.Status != nodes.StatusHealthy {
			continue
		}
		used += n.Metrics.ContainerCount
		total += n.Capacity.MaxContainers
	}
	if total == 0 {
		return 0
	}
	return float64(used) / float64(total)
}
