// Package cluster tracks cluster membership and assigns queue actors to
// members consistently (§4.5 "Actor placement"): exactly one queue actor
// per (queue, localRegion) across the cluster, recreated elsewhere on
// member failure.
package cluster

import (
	"time"
)

// NodeState represents the state of a cluster member.
type NodeState string

const (
	NodeStateActive   NodeState = "active"   // accepting actor assignments
	NodeStateInactive NodeState = "inactive" // not responding
	NodeStateDrained  NodeState = "drained"  // excluded from actor placement; only active members receive assignments
)

// Node is one qakkad process in the cluster: its region, capacity for
// queue actors, and the health signal the scheduler uses to avoid
// assigning actors to a stressed or unresponsive member.
type Node struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Address       string            `json:"address"` // HTTP address other members use to forward actor requests here (ActorTransport)
	Region        string            `json:"region"`
	State         NodeState         `json:"state"`
	MaxActors     int               `json:"max_actors"`     // maximum queue actors this member will host
	ActiveActors  int               `json:"active_actors"`  // queue actors currently assigned here
	Version       string            `json:"version"`
	Labels        map[string]string `json:"labels"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`

	// Resource pressure reported by the member's own heartbeat.
	CPUUsage       float64 `json:"cpu_usage"`       // 0-100
	MemoryUsage    float64 `json:"memory_usage"`    // 0-100
	IOPressure     float64 `json:"io_pressure"`     // 0-100
	MemoryPressure float64 `json:"memory_pressure"` // 0-100
}

// NodeMetrics is the runtime snapshot a member reports on each heartbeat.
type NodeMetrics struct {
	NodeID         string    `json:"node_id"`
	CPUUsage       float64   `json:"cpu_usage"`
	MemoryUsage    float64   `json:"memory_usage"`
	ActiveActors   int       `json:"active_actors"`
	QueueDepth     int64     `json:"queue_depth"`
	IOPressure     float64   `json:"io_pressure"`
	MemoryPressure float64   `json:"memory_pressure"`
	Timestamp      time.Time `json:"timestamp"`
}

// NodeHealth is the result of a health check against a member.
type NodeHealth struct {
	NodeID     string    `json:"node_id"`
	Healthy    bool      `json:"healthy"`
	LastCheck  time.Time `json:"last_check"`
	CheckCount int       `json:"check_count"`
	FailCount  int       `json:"fail_count"`
	Message    string    `json:"message,omitempty"`
}

// IsHealthy reports whether n is active and has heartbeated within timeout.
func (n *Node) IsHealthy(timeout time.Duration) bool {
	if n.State != NodeStateActive {
		return false
	}
	return time.Since(n.LastHeartbeat) < timeout
}

// AvailableCapacity returns how many more queue actors n can host.
func (n *Node) AvailableCapacity() int {
	if n.MaxActors <= 0 {
		return 0
	}
	room := n.MaxActors - n.ActiveActors
	if room < 0 {
		return 0
	}
	return room
}

// LoadFactor returns 0-1 representing how loaded n is by actor count.
func (n *Node) LoadFactor() float64 {
	if n.MaxActors <= 0 {
		return 1.0
	}
	return float64(n.ActiveActors) / float64(n.MaxActors)
}

// ResourcePressureScore returns a composite pressure score (0-1): CPU 40%,
// memory 35%, IO 25%. The scheduler avoids placing actors on nodes with a
// high score.
func (n *Node) ResourcePressureScore() float64 {
	score := (n.CPUUsage*0.4 + n.MemoryUsage*0.35 + n.IOPressure*0.25) / 100.0
	if score > 1.0 {
		return 1.0
	}
	if score < 0 {
		return 0
	}
	return score
}
