package cluster

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
)

// SchedulingStrategy defines how the scheduler picks a member for a queue
// actor among the healthy members of its region.
type SchedulingStrategy string

const (
	StrategyConsistentHash SchedulingStrategy = "consistent-hash" // default: deterministic per (queue, region)
	StrategyRoundRobin     SchedulingStrategy = "round-robin"
	StrategyLeastLoaded    SchedulingStrategy = "least-loaded"
	StrategyRandom         SchedulingStrategy = "random"
	StrategyResourceAware  SchedulingStrategy = "resource-aware"
)

// Scheduler assigns queue actors to cluster members (§4.5 "Actor
// placement"): exactly one queue actor per (queue, localRegion), recreated
// on another member when the assigned one fails.
//
// StrategyConsistentHash is the default because actor placement must be
// *consistent*, not merely balanced — every member in the region must
// independently compute the same answer for a given (queue, region) so
// at-most-one is enforced cooperatively without a leader election. The
// other strategies exist for operators who accept a coordinator-assisted
// placement (e.g. a single admin process driving RegisterNode) instead.
type Scheduler struct {
	registry *Registry
	strategy SchedulingStrategy

	mu      sync.Mutex // protects rrIndex
	rrIndex int
}

// NewScheduler creates a new cluster scheduler.
func NewScheduler(registry *Registry, strategy SchedulingStrategy) *Scheduler {
	if strategy == "" {
		strategy = StrategyConsistentHash
	}
	return &Scheduler{registry: registry, strategy: strategy}
}

// SelectActorHome picks the member that should host the queue actor for
// (queue, region). On member failure the caller re-invokes this — with the
// failed member absent from the registry's healthy set — to relocate the
// actor (§4.5).
func (s *Scheduler) SelectActorHome(queue, region string) (*Node, error) {
	nodes := s.registry.ListHealthyNodes(region)
	if len(nodes) == 0 {
		return nil, fmt.Errorf("no healthy nodes available in region %s", region)
	}

	switch s.strategy {
	case StrategyRoundRobin:
		return s.selectRoundRobin(nodes), nil
	case StrategyLeastLoaded:
		return s.selectLeastLoaded(nodes), nil
	case StrategyRandom:
		return s.selectRandom(nodes), nil
	case StrategyResourceAware:
		return s.selectResourceAware(nodes), nil
	default:
		return s.selectConsistentHash(nodes, queue), nil
	}
}

// selectConsistentHash uses rendezvous (highest random weight) hashing:
// every member independently computes hash(queue, member.ID) and the
// member with the highest score wins. Unlike ring-based consistent
// hashing, HRW needs no shared ring state — any process with the same
// healthy-member list converges on the same answer, which is exactly the
// cooperative-without-a-leader property actor placement needs.
func (s *Scheduler) selectConsistentHash(nodes []*Node, queue string) *Node {
	var selected *Node
	var bestScore uint64
	for _, node := range nodes {
		score := rendezvousScore(queue, node.ID)
		if selected == nil || score > bestScore {
			bestScore = score
			selected = node
		}
	}
	return selected
}

func rendezvousScore(key, nodeID string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	h.Write([]byte{0})
	h.Write([]byte(nodeID))
	return h.Sum64()
}

func (s *Scheduler) selectRoundRobin(nodes []*Node) *Node {
	if len(nodes) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	index := s.rrIndex % len(nodes)
	s.rrIndex++
	return nodes[index]
}

func (s *Scheduler) selectLeastLoaded(nodes []*Node) *Node {
	if len(nodes) == 0 {
		return nil
	}
	var selected *Node
	lowestLoad := 2.0 // > 1.0
	for _, node := range nodes {
		if load := node.LoadFactor(); load < lowestLoad {
			lowestLoad = load
			selected = node
		}
	}
	return selected
}

func (s *Scheduler) selectRandom(nodes []*Node) *Node {
	if len(nodes) == 0 {
		return nil
	}
	return nodes[rand.Intn(len(nodes))]
}

// selectResourceAware picks the node with the lowest composite resource
// pressure score, avoiding members under CPU, memory, or IO pressure.
func (s *Scheduler) selectResourceAware(nodes []*Node) *Node {
	if len(nodes) == 0 {
		return nil
	}
	var selected *Node
	lowestScore := 2.0 // > 1.0
	for _, node := range nodes {
		if score := node.ResourcePressureScore(); score < lowestScore {
			lowestScore = score
			selected = node
		}
	}
	return selected
}
