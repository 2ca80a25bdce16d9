package events

import (
	"sync"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within 1s")
}

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var mu sync.Mutex
	var received []Event

	unsub := bus.Subscribe(func(e Event) {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
	}, StoryClaimed)
	defer unsub()

	bus.Publish(StoryClaimed, map[string]any{"story_id": "US-001"})
	bus.Publish(StoryCompleted, map[string]any{"story_id": "US-001"})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if received[0].Type != StoryClaimed {
		t.Errorf("expected type %s, got %s", StoryClaimed, received[0].Type)
	}
	if id, _ := received[0].Data["story_id"].(string); id != "US-001" {
		t.Errorf("expected story_id US-001, got %v", received[0].Data["story_id"])
	}
}

func TestBus_SubscribeAllTypes(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var mu sync.Mutex
	seen := map[EventType]bool{}
	bus.Subscribe(func(e Event) {
		mu.Lock()
		seen[e.Type] = true
		mu.Unlock()
	})

	for _, et := range LifecycleTypes() {
		bus.Publish(et, nil)
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == len(LifecycleTypes())
	})
}

func TestBus_NonBlocking(t *testing.T) {
	bus := NewBus(1)
	defer bus.Close()

	block := make(chan struct{})
	bus.Subscribe(func(e Event) { <-block }, IterationStarted)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(IterationStarted, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
	close(block)
	if bus.Dropped() == 0 {
		t.Error("expected dropped deliveries to be counted")
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var mu sync.Mutex
	count := 0
	unsub := bus.Subscribe(func(e Event) {
		mu.Lock()
		count++
		mu.Unlock()
	}, StoryBlocked)

	bus.Publish(StoryBlocked, nil)
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	})

	unsub()
	unsub()
	bus.Publish(StoryBlocked, nil)
	time.Sleep(30 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("expected 1 event before unsubscribe, got %d", count)
	}
}

func TestBus_PanicRecovery(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var mu sync.Mutex
	received := false

	bus.Subscribe(func(e Event) { panic("observer bug") }, PhaseChanged)
	bus.Subscribe(func(e Event) {
		mu.Lock()
		received = true
		mu.Unlock()
	}, PhaseChanged)

	bus.Publish(PhaseChanged, map[string]any{"phase": "verifying"})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received
	})
}

func TestBus_SubscribeAfterClose(t *testing.T) {
	bus := NewBus(10)
	bus.Close()
	unsub := bus.Subscribe(func(Event) {})
	unsub()
	bus.Publish(StoryClaimed, nil)
}

func TestRecorder(t *testing.T) {
	var r Recorder
	r.Publish(StoryCompleted, map[string]any{"story_id": "x"})
	r.Publish(StoryClaimed, nil)

	if len(r.OfType(StoryCompleted)) != 1 || len(r.Events()) != 2 {
		t.Fatalf("unexpected events: %v", r.Events())
	}
}
