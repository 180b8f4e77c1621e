package dialog

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// slowResolver tracks how many calls overlap per conversation.
type slowResolver struct {
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (r *slowResolver) Resolve(context.Context, string, []Exchange) (Resolution, error) {
	n := r.inFlight.Add(1)
	for {
		m := r.maxSeen.Load()
		if n <= m || r.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(2 * time.Millisecond)
	r.inFlight.Add(-1)
	return DirectReply("ok"), nil
}

func TestEngineSerializesTurnsPerConversation(t *testing.T) {
	res := &slowResolver{}
	orch := NewOrchestrator(Deps{Resolver: res}, Options{Logger: quietLogger()})
	store := newMapStore()
	e := NewEngine(orch, store, quietLogger())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := e.HandleTurn(context.Background(), "same", RawTurn{Text: fmt.Sprintf("msg %d", i)}, Caller{}); err != nil {
				t.Errorf("HandleTurn: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if got := res.maxSeen.Load(); got != 1 {
		t.Errorf("turns overlapped: max in flight %d", got)
	}
	s, err := e.Snapshot(context.Background(), "same")
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Transcript) != 10 {
		t.Errorf("every turn should be recorded once, got %d", len(s.Transcript))
	}
}

func TestEngineCreatesPersistsAndResets(t *testing.T) {
	r := &scriptedResolver{}
	r.push(DirectReply("Hello there"))
	orch := NewOrchestrator(Deps{Resolver: r}, Options{Logger: quietLogger()})
	store := newMapStore()
	e := NewEngine(orch, store, quietLogger())
	ctx := context.Background()

	res, err := e.HandleTurn(ctx, "c1", RawTurn{Text: "hi"}, Caller{})
	if err != nil {
		t.Fatal(err)
	}
	if res.ConversationID != "c1" || res.State != StateCollectingIntent || len(res.Messages) != 1 {
		t.Fatalf("result: %+v", res)
	}
	saved, _ := store.Load(ctx, "c1")
	if saved == nil || len(saved.Transcript) != 1 {
		t.Fatalf("session not persisted: %+v", saved)
	}

	if err := e.Reset(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if s, _ := e.Snapshot(ctx, "c1"); s != nil {
		t.Errorf("session should be gone after reset: %+v", s)
	}
}

func TestEngineRequiresConversationID(t *testing.T) {
	e := NewEngine(NewOrchestrator(Deps{}, Options{Logger: quietLogger()}), newMapStore(), quietLogger())
	if _, err := e.HandleTurn(context.Background(), " ", RawTurn{Text: "hi"}, Caller{}); err == nil {
		t.Error("expected error for empty conversation id")
	}
}

func TestKeyedMutexReleasesEntries(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.Lock("a")
	unlock()
	if len(k.locks) != 0 {
		t.Errorf("lock entries leaked: %d", len(k.locks))
	}
}
