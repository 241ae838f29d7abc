package buffer

import (
	"testing"

	"github.com/google/uuid"

	"github.com/qakka/qakka/internal/domain"
)

func descriptor(n int) domain.Descriptor {
	return domain.Descriptor{
		QueueMessageID: uuid.New(),
		MessageID:      uuid.New(),
		Queue:          "orders",
		Region:         "us-east",
		NReturned:      n,
	}
}

func TestBuffer_AppendAndPoll(t *testing.T) {
	b := New(0)
	if b.Size() != 0 {
		t.Fatalf("expected empty buffer, got size %d", b.Size())
	}

	b.Append([]domain.Descriptor{descriptor(0), descriptor(0), descriptor(0)})
	if b.Size() != 3 {
		t.Fatalf("expected size 3, got %d", b.Size())
	}

	got := b.PollUpTo(2)
	if len(got) != 2 {
		t.Fatalf("expected 2 descriptors, got %d", len(got))
	}
	if b.Size() != 1 {
		t.Fatalf("expected size 1 after poll, got %d", b.Size())
	}
}

func TestBuffer_PollMoreThanAvailable(t *testing.T) {
	b := New(0)
	b.Append([]domain.Descriptor{descriptor(0)})

	got := b.PollUpTo(5)
	if len(got) != 1 {
		t.Fatalf("expected 1 descriptor when polling beyond size, got %d", len(got))
	}
	if b.Size() != 0 {
		t.Fatalf("expected empty buffer, got size %d", b.Size())
	}
}

func TestBuffer_PollEmpty(t *testing.T) {
	b := New(0)
	got := b.PollUpTo(5)
	if got != nil {
		t.Fatalf("expected nil from an empty buffer, got %v", got)
	}
}

func TestBuffer_FIFOOrder(t *testing.T) {
	b := New(0)
	first := descriptor(0)
	second := descriptor(1)
	b.Append([]domain.Descriptor{first, second})

	got := b.PollUpTo(1)
	if got[0].QueueMessageID != first.QueueMessageID {
		t.Fatal("expected FIFO order: first appended, first polled")
	}
}

func TestBuffer_CapacityTruncatesAppend(t *testing.T) {
	b := New(2)
	b.Append([]domain.Descriptor{descriptor(0), descriptor(0), descriptor(0)})
	if b.Size() != 2 {
		t.Fatalf("expected size capped at capacity 2, got %d", b.Size())
	}
}

func TestBuffer_CapacityRejectsWhenFull(t *testing.T) {
	b := New(1)
	b.Append([]domain.Descriptor{descriptor(0)})
	b.Append([]domain.Descriptor{descriptor(0)})
	if b.Size() != 1 {
		t.Fatalf("expected size to stay at capacity 1, got %d", b.Size())
	}
}

func TestBuffer_Room(t *testing.T) {
	b := New(3)
	if b.Room() != 3 {
		t.Fatalf("expected room 3, got %d", b.Room())
	}
	b.Append([]domain.Descriptor{descriptor(0), descriptor(0)})
	if b.Room() != 1 {
		t.Fatalf("expected room 1, got %d", b.Room())
	}
}

func TestBuffer_RoomUnbounded(t *testing.T) {
	b := New(0)
	if b.Room() <= 0 {
		t.Fatalf("expected large headroom for unbounded buffer, got %d", b.Room())
	}
}

func TestBuffer_Invariant_B1_TightUpperBound(t *testing.T) {
	b := New(0)
	for i := 0; i < 10; i++ {
		b.Append([]domain.Descriptor{descriptor(i)})
	}
	if b.Size() != 10 {
		t.Fatalf("size must exactly track held descriptors, got %d want 10", b.Size())
	}
	b.PollUpTo(4)
	if b.Size() != 6 {
		t.Fatalf("size must shrink exactly by polled count, got %d want 6", b.Size())
	}
}
