package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/qakka/qakka/internal/domain"
)

func TestMetrics_RecordShardAllocation(t *testing.T) {
	m := New("qakka_test", nil)
	m.RecordShardAllocation("orders", "us-east", domain.Default)
	m.RecordShardAllocation("orders", "us-east", domain.Default)

	got := testutil.ToFloat64(m.shardAllocations.WithLabelValues("orders", "us-east", string(domain.Default)))
	if got != 2 {
		t.Fatalf("expected 2 shard allocations recorded, got %v", got)
	}
}

func TestMetrics_RecordRedeliveryAndDeadLetter(t *testing.T) {
	m := New("qakka_test", nil)
	m.RecordRedelivery("orders", "us-east")
	m.RecordDeadLetter("orders", "us-east")
	m.RecordDeadLetter("orders", "us-east")

	if got := testutil.ToFloat64(m.redeliveries.WithLabelValues("orders", "us-east")); got != 1 {
		t.Fatalf("expected 1 redelivery, got %v", got)
	}
	if got := testutil.ToFloat64(m.deadLetters.WithLabelValues("orders", "us-east")); got != 2 {
		t.Fatalf("expected 2 dead-letters, got %v", got)
	}
}

func TestMetrics_SetQueueDepth(t *testing.T) {
	m := New("qakka_test", nil)
	m.SetQueueDepth("orders", "us-east", 42)

	if got := testutil.ToFloat64(m.queueDepth.WithLabelValues("orders", "us-east")); got != 42 {
		t.Fatalf("expected queue depth 42, got %v", got)
	}
}

func TestMetrics_HandlerServesRegisteredCollectors(t *testing.T) {
	m := New("qakka_test", nil)
	m.RecordDeadLetter("orders", "us-east")

	count, err := testutil.GatherAndCount(m.Registry(), "qakka_test_dead_letters_total")
	if err != nil {
		t.Fatalf("GatherAndCount failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 dead_letters_total series, got %d", count)
	}
}
