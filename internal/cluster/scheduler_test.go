package cluster

import (
	"context"
	"testing"
	"time"
)

func TestResourcePressureScore(t *testing.T) {
	tests := []struct {
		name     string
		cpu      float64
		memory   float64
		io       float64
		wantLow  float64
		wantHigh float64
	}{
		{
			name: "idle node",
			cpu:  0, memory: 0, io: 0,
			wantLow:  0.0,
			wantHigh: 0.01,
		},
		{
			name: "moderate load",
			cpu:  50, memory: 40, io: 20,
			wantLow:  0.3,
			wantHigh: 0.4,
		},
		{
			name: "high load",
			cpu:  90, memory: 85, io: 70,
			wantLow:  0.7,
			wantHigh: 0.9,
		},
		{
			name: "fully saturated",
			cpu:  100, memory: 100, io: 100,
			wantLow:  0.99,
			wantHigh: 1.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := &Node{
				CPUUsage:    tt.cpu,
				MemoryUsage: tt.memory,
				IOPressure:  tt.io,
			}
			score := n.ResourcePressureScore()
			if score < tt.wantLow || score > tt.wantHigh {
				t.Errorf("ResourcePressureScore() = %f, want [%f, %f]", score, tt.wantLow, tt.wantHigh)
			}
		})
	}
}

func TestSelectResourceAware(t *testing.T) {
	reg := NewRegistry(nil, DefaultConfig("test"))
	s := NewScheduler(reg, StrategyResourceAware)

	nodes := []*Node{
		{
			ID: "high-load", Name: "high-load", Address: "h:9090", Region: "us-east",
			State: NodeStateActive, MaxActors: 10, ActiveActors: 8,
			CPUUsage: 90, MemoryUsage: 85, IOPressure: 70,
			LastHeartbeat: time.Now(),
		},
		{
			ID: "low-load", Name: "low-load", Address: "l:9090", Region: "us-east",
			State: NodeStateActive, MaxActors: 10, ActiveActors: 2,
			CPUUsage: 10, MemoryUsage: 15, IOPressure: 5,
			LastHeartbeat: time.Now(),
		},
		{
			ID: "mid-load", Name: "mid-load", Address: "m:9090", Region: "us-east",
			State: NodeStateActive, MaxActors: 10, ActiveActors: 5,
			CPUUsage: 50, MemoryUsage: 40, IOPressure: 20,
			LastHeartbeat: time.Now(),
		},
	}

	for _, n := range nodes {
		if err := reg.RegisterNode(context.Background(), n); err != nil {
			t.Fatalf("register node: %v", err)
		}
	}

	selected, err := s.SelectActorHome("orders", "us-east")
	if err != nil {
		t.Fatalf("SelectActorHome failed: %v", err)
	}
	if selected.ID != "low-load" {
		t.Errorf("expected 'low-load' node, got '%s'", selected.ID)
	}
}

func TestSelectResourceAware_NoNodes(t *testing.T) {
	reg := NewRegistry(nil, DefaultConfig("test"))
	s := NewScheduler(reg, StrategyResourceAware)

	_, err := s.SelectActorHome("orders", "us-east")
	if err == nil {
		t.Fatal("expected error when no nodes available")
	}
}

func TestSelectActorHome_ScopedToRegion(t *testing.T) {
	reg := NewRegistry(nil, DefaultConfig("test"))
	s := NewScheduler(reg, StrategyResourceAware)

	nodes := []*Node{
		{ID: "east-1", Region: "us-east", State: NodeStateActive, MaxActors: 10, LastHeartbeat: time.Now()},
		{ID: "west-1", Region: "us-west", State: NodeStateActive, MaxActors: 10, LastHeartbeat: time.Now()},
	}
	for _, n := range nodes {
		if err := reg.RegisterNode(context.Background(), n); err != nil {
			t.Fatalf("register node: %v", err)
		}
	}

	selected, err := s.SelectActorHome("orders", "us-west")
	if err != nil {
		t.Fatalf("SelectActorHome failed: %v", err)
	}
	if selected.ID != "west-1" {
		t.Fatalf("expected west-1 (scoped to us-west), got %s", selected.ID)
	}
}

func TestSelectActorHome_ConsistentHashIsDeterministic(t *testing.T) {
	reg := NewRegistry(nil, DefaultConfig("test"))
	s := NewScheduler(reg, StrategyConsistentHash)

	nodes := []*Node{
		{ID: "node-a", Region: "us-east", State: NodeStateActive, MaxActors: 10, LastHeartbeat: time.Now()},
		{ID: "node-b", Region: "us-east", State: NodeStateActive, MaxActors: 10, LastHeartbeat: time.Now()},
		{ID: "node-c", Region: "us-east", State: NodeStateActive, MaxActors: 10, LastHeartbeat: time.Now()},
	}
	for _, n := range nodes {
		if err := reg.RegisterNode(context.Background(), n); err != nil {
			t.Fatalf("register node: %v", err)
		}
	}

	first, err := s.SelectActorHome("orders", "us-east")
	if err != nil {
		t.Fatalf("SelectActorHome failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := s.SelectActorHome("orders", "us-east")
		if err != nil {
			t.Fatalf("SelectActorHome failed: %v", err)
		}
		if again.ID != first.ID {
			t.Fatalf("consistent-hash placement changed across calls: %s then %s", first.ID, again.ID)
		}
	}
}

func TestSelectActorHome_ConsistentHashSpreadsAcrossQueues(t *testing.T) {
	reg := NewRegistry(nil, DefaultConfig("test"))
	s := NewScheduler(reg, StrategyConsistentHash)

	nodes := []*Node{
		{ID: "node-a", Region: "us-east", State: NodeStateActive, MaxActors: 10, LastHeartbeat: time.Now()},
		{ID: "node-b", Region: "us-east", State: NodeStateActive, MaxActors: 10, LastHeartbeat: time.Now()},
		{ID: "node-c", Region: "us-east", State: NodeStateActive, MaxActors: 10, LastHeartbeat: time.Now()},
	}
	for _, n := range nodes {
		if err := reg.RegisterNode(context.Background(), n); err != nil {
			t.Fatalf("register node: %v", err)
		}
	}

	seen := make(map[string]bool)
	for i := 0; i < 30; i++ {
		queue := "queue-" + string(rune('a'+i))
		selected, err := s.SelectActorHome(queue, "us-east")
		if err != nil {
			t.Fatalf("SelectActorHome failed: %v", err)
		}
		seen[selected.ID] = true
	}
	if len(seen) < 2 {
		t.Fatalf("expected placements to spread across members, only saw %v", seen)
	}
}

func TestSelectActorHome_RelocatesAwayFromFailedMember(t *testing.T) {
	reg := NewRegistry(nil, DefaultConfig("test"))
	s := NewScheduler(reg, StrategyConsistentHash)

	nodes := []*Node{
		{ID: "node-a", Region: "us-east", State: NodeStateActive, MaxActors: 10, LastHeartbeat: time.Now()},
		{ID: "node-b", Region: "us-east", State: NodeStateActive, MaxActors: 10, LastHeartbeat: time.Now()},
	}
	for _, n := range nodes {
		if err := reg.RegisterNode(context.Background(), n); err != nil {
			t.Fatalf("register node: %v", err)
		}
	}

	before, err := s.SelectActorHome("orders", "us-east")
	if err != nil {
		t.Fatalf("SelectActorHome failed: %v", err)
	}

	if err := reg.RemoveNode(context.Background(), before.ID); err != nil {
		t.Fatalf("remove node: %v", err)
	}

	after, err := s.SelectActorHome("orders", "us-east")
	if err != nil {
		t.Fatalf("SelectActorHome failed after failure: %v", err)
	}
	if after.ID == before.ID {
		t.Fatalf("expected relocation away from failed member %s", before.ID)
	}
}

func TestSelectRoundRobin_Cycles(t *testing.T) {
	reg := NewRegistry(nil, DefaultConfig("test"))
	s := NewScheduler(reg, StrategyRoundRobin)

	nodes := []*Node{
		{ID: "node-a", Region: "us-east", State: NodeStateActive, MaxActors: 10, LastHeartbeat: time.Now()},
		{ID: "node-b", Region: "us-east", State: NodeStateActive, MaxActors: 10, LastHeartbeat: time.Now()},
	}
	for _, n := range nodes {
		if err := reg.RegisterNode(context.Background(), n); err != nil {
			t.Fatalf("register node: %v", err)
		}
	}

	seen := make(map[string]int)
	for i := 0; i < 4; i++ {
		selected, err := s.SelectActorHome("orders", "us-east")
		if err != nil {
			t.Fatalf("SelectActorHome failed: %v", err)
		}
		seen[selected.ID]++
	}
	if seen["node-a"] != 2 || seen["node-b"] != 2 {
		t.Fatalf("expected round-robin to alternate evenly, got %v", seen)
	}
}
