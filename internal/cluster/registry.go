package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/qakka/qakka/internal/logging"
	"github.com/qakka/qakka/internal/store"
)

// Store is the subset of store.Store the registry depends on; Node records
// round-trip as an opaque JSONB blob (store.ClusterNodeRecord).
type Store interface {
	UpsertClusterNode(ctx context.Context, id string, data json.RawMessage, heartbeat time.Time) error
	UpdateClusterNodeHeartbeat(ctx context.Context, id string, at time.Time) error
	DeleteClusterNode(ctx context.Context, id string) error
	ListActiveClusterNodes(ctx context.Context, cutoff time.Time) ([]*store.ClusterNodeRecord, error)
}

// Registry tracks cluster membership in memory, persisting and refreshing
// from Store so every qakkad process converges on the same view without a
// dedicated gossip layer (§4.5 actor placement depends on a consistent
// membership list).
type Registry struct {
	store               Store
	localNodeID         string
	nodes               map[string]*Node
	mu                  sync.RWMutex
	healthCheckInterval time.Duration
	heartbeatTimeout    time.Duration
	stopCh              chan struct{}
}

// Config holds cluster registry configuration.
type Config struct {
	NodeID              string
	HeartbeatInterval   time.Duration
	HealthCheckInterval time.Duration
	HeartbeatTimeout    time.Duration
}

// DefaultConfig returns default cluster configuration.
func DefaultConfig(nodeID string) *Config {
	return &Config{
		NodeID:              nodeID,
		HeartbeatInterval:   10 * time.Second,
		HealthCheckInterval: 30 * time.Second,
		HeartbeatTimeout:    60 * time.Second,
	}
}

// NewRegistry creates a new node registry.
func NewRegistry(s Store, cfg *Config) *Registry {
	if cfg == nil {
		cfg = DefaultConfig("node-local")
	}
	return &Registry{
		store:               s,
		localNodeID:         cfg.NodeID,
		nodes:               make(map[string]*Node),
		healthCheckInterval: cfg.HealthCheckInterval,
		heartbeatTimeout:    cfg.HeartbeatTimeout,
		stopCh:              make(chan struct{}),
	}
}

// RegisterNode registers a node in the cluster.
func (r *Registry) RegisterNode(ctx context.Context, node *Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node.UpdatedAt = time.Now()
	node.LastHeartbeat = time.Now()
	if node.State == "" {
		node.State = NodeStateActive
	}

	if r.store != nil {
		data, err := json.Marshal(node)
		if err != nil {
			return fmt.Errorf("marshal node: %w", err)
		}
		if err := r.store.UpsertClusterNode(ctx, node.ID, data, node.LastHeartbeat); err != nil {
			logging.Op().Warn("failed to persist node registration", "id", node.ID, "error", err)
		}
	}

	r.nodes[node.ID] = node
	logging.Op().Info("node registered", "id", node.ID, "name", node.Name, "address", node.Address, "region", node.Region)
	return nil
}

// UpdateHeartbeat updates the heartbeat timestamp and reported metrics for
// a node.
func (r *Registry) UpdateHeartbeat(ctx context.Context, nodeID string, metrics *NodeMetrics) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, exists := r.nodes[nodeID]
	if !exists {
		return fmt.Errorf("node %s not found", nodeID)
	}

	node.LastHeartbeat = time.Now()
	if metrics != nil {
		node.ActiveActors = metrics.ActiveActors
		node.CPUUsage = metrics.CPUUsage
		node.MemoryUsage = metrics.MemoryUsage
		node.IOPressure = metrics.IOPressure
		node.MemoryPressure = metrics.MemoryPressure
	}

	if r.store != nil {
		if err := r.store.UpdateClusterNodeHeartbeat(ctx, nodeID, node.LastHeartbeat); err != nil {
			logging.Op().Warn("failed to persist heartbeat", "node", nodeID, "error", err)
		}
	}
	return nil
}

// GetNode retrieves a node by ID.
func (r *Registry) GetNode(nodeID string) (*Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, exists := r.nodes[nodeID]
	if !exists {
		return nil, fmt.Errorf("node %s not found", nodeID)
	}
	return node, nil
}

// ListNodes returns all registered nodes.
func (r *Registry) ListNodes() []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := make([]*Node, 0, len(r.nodes))
	for _, node := range r.nodes {
		nodes = append(nodes, node)
	}
	return nodes
}

// ListHealthyNodes returns all healthy nodes in region, or every region
// when region is empty.
func (r *Registry) ListHealthyNodes(region string) []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := make([]*Node, 0)
	for _, node := range r.nodes {
		if region != "" && node.Region != region {
			continue
		}
		if node.IsHealthy(r.heartbeatTimeout) {
			nodes = append(nodes, node)
		}
	}
	return nodes
}

// RemoveNode removes a node from the cluster.
func (r *Registry) RemoveNode(ctx context.Context, nodeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.nodes, nodeID)
	if r.store != nil {
		if err := r.store.DeleteClusterNode(ctx, nodeID); err != nil {
			logging.Op().Warn("failed to delete node from store", "id", nodeID, "error", err)
		}
	}
	logging.Op().Info("node removed", "id", nodeID)
	return nil
}

// SyncFromStore refreshes active node membership from the persistent
// store. This is the simple distributed consistency mechanism the registry
// relies on instead of a dedicated gossip layer.
func (r *Registry) SyncFromStore(ctx context.Context) error {
	if r.store == nil {
		return nil
	}

	records, err := r.store.ListActiveClusterNodes(ctx, time.Now().Add(-r.heartbeatTimeout))
	if err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(records))

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rec := range records {
		if rec.ID == "" {
			continue
		}
		seen[rec.ID] = struct{}{}

		var node Node
		if err := json.Unmarshal(rec.Data, &node); err != nil {
			logging.Op().Warn("failed to decode cluster node record", "id", rec.ID, "error", err)
			continue
		}
		node.LastHeartbeat = rec.LastHeartbeat
		r.nodes[rec.ID] = &node
	}

	now := time.Now()
	for id, node := range r.nodes {
		if id == r.localNodeID {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		if now.Sub(node.LastHeartbeat) > r.heartbeatTimeout {
			delete(r.nodes, id)
		}
	}
	return nil
}

// StartHealthChecker starts the background health checker; blocks until ctx
// is done or Stop is called.
func (r *Registry) StartHealthChecker(ctx context.Context) {
	ticker := time.NewTicker(r.healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			if err := r.SyncFromStore(ctx); err != nil {
				logging.Op().Warn("cluster registry sync failed", "error", err)
			}
			r.checkNodeHealth()
		}
	}
}

func (r *Registry) checkNodeHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, node := range r.nodes {
		if !node.IsHealthy(r.heartbeatTimeout) && node.State == NodeStateActive {
			logging.Op().Warn("node became unhealthy", "id", id, "last_heartbeat", node.LastHeartbeat)
			node.State = NodeStateInactive
		}
	}
}

// Stop stops the registry's background health checker.
func (r *Registry) Stop() {
	close(r.stopCh)
}
