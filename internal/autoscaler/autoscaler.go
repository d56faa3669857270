// Package autoscaler implements the closed-loop controller that turns
// cluster saturation into scale-up/scale-down recommendations, with
// hysteresis between its thresholds and a cooldown after every action to
// prevent thrashing. It has no direct teacher precedent in the codebase --
// it is built in the idiom of the node registry and scheduler it reads
// from: a small struct over injected dependencies, one mutex guarding the
// only mutable state (the cooldown timer and cached recommendation), logged
// through the same component-logger convention as the rest of the control
// plane.
package autoscaler

import (
	"math"
	"sync"
	"time"

	"github.com/riftline/control-plane/internal/clock"
	"github.com/riftline/control-plane/internal/config"
	"github.com/riftline/control-plane/internal/nodes"
	"github.com/riftline/control-plane/internal/scheduler"
)

// Action is the recommended scaling direction.
type Action string

const (
	ActionNone      Action = "NONE"
	ActionScaleUp   Action = "SCALE_UP"
	ActionScaleDown Action = "SCALE_DOWN"
)

// Recommendation is the controller's output.
type Recommendation struct {
	Action            Action
	CurrentNodes      int
	RecommendedNodes  int
	CurrentSaturation float64
	TargetSaturation  float64
	Reason            string
}

// Autoscaler computes scaling recommendations from registry/scheduler
// state.
type Autoscaler struct {
	registry  nodes.Registry
	scheduler *scheduler.Scheduler
	cfg       config.AutoscalerConfig
	clock     clock.Clock

	mu                 sync.Mutex
	lastActionAt       time.Time
	hasActed           bool
	lastRecommendation *Recommendation
}

// New builds an Autoscaler.
func New(registry nodes.Registry, sched *scheduler.Scheduler, cfg config.AutoscalerConfig, c clock.Clock) *Autoscaler {
	return &Autoscaler{registry: registry, scheduler: sched, cfg: cfg, clock: c}
}

// InCooldown reports whether the cooldown window from the last recorded
// scaling action has not yet elapsed.
func (a *Autoscaler) InCooldown() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inCooldownLocked()
}

func (a *Autoscaler) inCooldownLocked() bool {
	if !a.hasActed {
		return false
	}
	return a.clock.Now().Before(a.lastActionAt.Add(time.Duration(a.cfg.CooldownSeconds) * time.Second))
}

// RecordScalingAction stamps the cooldown timer from now. Takes effect for
// every subsequent GetRecommendation call immediately.
func (a *Autoscaler) RecordScalingAction() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastActionAt = a.clock.Now()
	a.hasActed = true
}

// GetLastRecommendation returns the most recent output cached by
// GetRecommendation, or nil if it has never been called.
func (a *Autoscaler) GetLastRecommendation() *Recommendation {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lastRecommendation == nil {
		return nil
	}
	out := *a.lastRecommendation
	return &out
}

func (a *Autoscaler) cache(rec Recommendation) *Recommendation {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastRecommendation = &rec
	out := rec
	return &out
}

// GetRecommendation runs the controller's decision procedure against a
// single consistent snapshot of the node list, never mixing nodes from two
// different snapshots into one decision.
func (a *Autoscaler) GetRecommendation() *Recommendation {
	if !a.cfg.Enabled {
		return a.cache(Recommendation{Action: ActionNone, Reason: "disabled"})
	}
	if a.InCooldown() {
		return a.cache(Recommendation{Action: ActionNone, Reason: "cooldown"})
	}

	snapshot := a.registry.List()
	var healthy []*nodes.Node
	for _, n := range snapshot {
		if n.Status == nodes.StatusHealthy {
			healthy = append(healthy, n)
		}
	}
	currentNodes := len(healthy)

	if currentNodes == 0 {
		return a.cache(Recommendation{
			Action:           ActionScaleUp,
			CurrentNodes:     0,
			RecommendedNodes: a.cfg.MinNodes,
			TargetSaturation: a.cfg.TargetSaturation,
			Reason:           "no healthy nodes",
		})
	}

	var totalCap, totalUsed int
	for _, n := range healthy {
		totalCap += n.Capacity.MaxContainers
		totalUsed += n.Metrics.ContainerCount
	}
	sat := 0.0
	if totalCap > 0 {
		sat = float64(totalUsed) / float64(totalCap)
	}
	avgCap := float64(totalCap) / float64(currentNodes)

	if sat >= a.cfg.ScaleUpThreshold {
		if currentNodes >= a.cfg.MaxNodes {
			return a.cache(Recommendation{
				Action: ActionNone, CurrentNodes: currentNodes, CurrentSaturation: sat,
				TargetSaturation: a.cfg.TargetSaturation, Reason: "at max",
			})
		}
		targetCap := float64(totalUsed) / a.cfg.TargetSaturation
		targetNodes := clamp(int(math.Ceil(targetCap/avgCap)), currentNodes+1, a.cfg.MaxNodes)
		return a.cache(Recommendation{
			Action: ActionScaleUp, CurrentNodes: currentNodes, RecommendedNodes: targetNodes,
			CurrentSaturation: sat, TargetSaturation: a.cfg.TargetSaturation, Reason: "saturation above scale-up threshold",
		})
	}

	if sat <= a.cfg.ScaleDownThreshold {
		if currentNodes <= a.cfg.MinNodes {
			return a.cache(Recommendation{
				Action: ActionNone, CurrentNodes: currentNodes, CurrentSaturation: sat,
				TargetSaturation: a.cfg.TargetSaturation, Reason: "at min",
			})
		}
		targetCap := float64(totalUsed) / a.cfg.TargetSaturation
		targetNodes := clamp(int(math.Ceil(targetCap/avgCap)), a.cfg.MinNodes, currentNodes-1)

		estimatedSaturation := float64(totalUsed) / (avgCap * float64(targetNodes))
		if estimatedSaturation > a.cfg.ScaleUpThreshold {
			return a.cache(Recommendation{
				Action: ActionNone, CurrentNodes: currentNodes, CurrentSaturation: sat,
				TargetSaturation: a.cfg.TargetSaturation, Reason: "would thrash",
			})
		}
		return a.cache(Recommendation{
			Action: ActionScaleDown, CurrentNodes: currentNodes, RecommendedNodes: targetNodes,
			CurrentSaturation: sat, TargetSaturation: a.cfg.TargetSaturation, Reason: "saturation below scale-down threshold",
		})
	}

	return a.cache(Recommendation{
		Action: ActionNone, CurrentNodes: currentNodes, CurrentSaturation: sat,
		TargetSaturation: a.cfg.TargetSaturation, Reason: "within range",
	})
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
