package audioio

import (
	"context"
	"testing"
	"time"

	"github.com/teslashibe/go-voicestream/pkg/pcm"
)

func TestOutputQueue_Blocks(t *testing.T) {
	q := NewOutputQueue(4, 10)

	q.Write(pcm.SamplesToBytes([]int16{1, 2, 3, 4, 5, 6}))
	if q.Len() != 6 {
		t.Fatalf("Expected 6 samples, got %d", q.Len())
	}

	block, ok := q.TryPop()
	if !ok || len(block) != 4 || block[0] != 1 {
		t.Fatalf("Unexpected first block: %v", block)
	}
	if _, ok := q.TryPop(); ok {
		t.Fatal("tail should be held until flushed")
	}

	q.Flush()
	block, ok = q.TryPop()
	if !ok || len(block) != 2 || block[1] != 6 {
		t.Fatalf("Unexpected tail: %v", block)
	}
}

func TestOutputQueue_DropOldest(t *testing.T) {
	q := NewOutputQueue(1, 3)
	q.Write(pcm.SamplesToBytes([]int16{1, 2, 3, 4, 5}))

	if q.Dropped() != 2 {
		t.Errorf("Expected 2 dropped blocks, got %d", q.Dropped())
	}
	for _, want := range []int16{3, 4, 5} {
		block, ok := q.TryPop()
		if !ok || block[0] != want {
			t.Fatalf("Expected %d, got %v", want, block)
		}
	}
}

func TestOutputQueue_Clear(t *testing.T) {
	q := NewOutputQueue(2, 10)
	q.Write(pcm.SamplesToBytes([]int16{1, 2, 3, 4, 5}))

	if n := q.Clear(); n != 5 {
		t.Errorf("Expected 5 cleared, got %d", n)
	}
	if q.Len() != 0 || q.Cleared() != 5 {
		t.Errorf("Unexpected state after clear: len=%d cleared=%d", q.Len(), q.Cleared())
	}
}

func TestOutputQueue_PopLinger(t *testing.T) {
	q := NewOutputQueue(100, 10)
	q.Write(pcm.SamplesToBytes([]int16{7, 8}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	start := time.Now()
	block, err := q.Pop(ctx, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Pop failed: %v", err)
	}
	if len(block) != 2 {
		t.Errorf("Expected tail of 2, got %v", block)
	}
	if time.Since(start) < 15*time.Millisecond {
		t.Error("tail should linger before release")
	}
}

func TestOutputQueue_PopCancel(t *testing.T) {
	q := NewOutputQueue(100, 10)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := q.Pop(ctx, time.Second); err == nil {
		t.Error("Expected context error from empty queue")
	}
}

func TestOutputQueue_PopWakesOnWrite(t *testing.T) {
	q := NewOutputQueue(2, 10)
	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Write(pcm.SamplesToBytes([]int16{1, 2}))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	block, err := q.Pop(ctx, time.Second)
	if err != nil || len(block) != 2 {
		t.Fatalf("Expected full block, got %v (%v)", block, err)
	}
}
