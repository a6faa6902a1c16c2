package id

import (
	"strings"
	"sync"
	"testing"
	"time"
)

func TestGenerate(t *testing.T) {
	gen := NewGenerator()

	id1 := gen.Generate()
	id2 := gen.Generate()

	if id1.String() == id2.String() {
		t.Error("Generated IDs should be unique")
	}
}

func TestGenerateWithPrefix(t *testing.T) {
	gen := NewGenerator()

	tests := []struct {
		prefix string
	}{
		{FramePrefix},
		{WorkerPrefix},
		{CallPrefix},
	}

	for _, tt := range tests {
		token := gen.GenerateWithPrefix(tt.prefix)

		if !strings.HasPrefix(token, tt.prefix+"_") {
			t.Errorf("token should start with '%s_', got: %s", tt.prefix, token)
		}
		if !HasPrefix(token, tt.prefix) {
			t.Errorf("HasPrefix(%s, %s) = false", token, tt.prefix)
		}
	}
}

func TestTypedIDGeneration(t *testing.T) {
	if !HasPrefix(NewFrameID().String(), FramePrefix) {
		t.Error("FrameID should carry frame prefix")
	}
	if !HasPrefix(NewWorkerID().String(), WorkerPrefix) {
		t.Error("WorkerID should carry worker prefix")
	}
	if !HasPrefix(NewCallID().String(), CallPrefix) {
		t.Error("CallID should carry call prefix")
	}
	if HasPrefix(NewFrameID().String(), WorkerPrefix) {
		t.Error("FrameID must not validate as a worker token")
	}
}

func TestHasPrefixRejectsGarbage(t *testing.T) {
	for _, token := range []string{"", "frame_", "frame_not-a-ulid", "0.12345"} {
		if HasPrefix(token, FramePrefix) {
			t.Errorf("HasPrefix(%q) = true, want false", token)
		}
	}
}

func TestTimestamp(t *testing.T) {
	before := time.Now().Add(-time.Second)
	ts, err := Timestamp(NewFrameID().String())
	if err != nil {
		t.Fatalf("Timestamp() error = %v", err)
	}
	if ts.Before(before) || ts.After(time.Now().Add(time.Second)) {
		t.Errorf("Timestamp() = %v, not close to now", ts)
	}
}

func TestConcurrentGeneration(t *testing.T) {
	const workers = 8
	const perWorker = 200

	var mu sync.Mutex
	seen := make(map[FrameID]struct{}, workers*perWorker)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				token := NewFrameID()
				mu.Lock()
				seen[token] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != workers*perWorker {
		t.Errorf("expected %d unique tokens, got %d", workers*perWorker, len(seen))
	}
}
