package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"memorychat/internal/memory"
	"memorychat/internal/models"
)

type fakeTurns struct {
	mu       sync.Mutex
	nextID   int64
	turns    []models.Turn
	failUser int // fail this many user-turn writes
	gate     chan struct{}
	entered  chan struct{}
	active   map[int64]int
	overlap  atomic.Bool
}

func (f *fakeTurns) CreateTurn(_ context.Context, t models.Turn) (*models.Turn, error) {
	if f.entered != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
	}
	f.mu.Lock()
	if f.active == nil {
		f.active = make(map[int64]int)
	}
	f.active[t.ChatID]++
	if f.active[t.ChatID] > 1 {
		f.overlap.Store(true)
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active[t.ChatID]--
		f.mu.Unlock()
	}()

	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if t.Role == models.RoleUser && f.failUser > 0 {
		f.failUser--
		return nil, errors.New("db unavailable")
	}
	f.nextID++
	t.ID = f.nextID
	f.turns = append(f.turns, t)
	return &t, nil
}

func (f *fakeTurns) snapshot() []models.Turn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Turn(nil), f.turns...)
}

type fakeMemory struct {
	mu      sync.Mutex
	records []memory.Record
	err     error
}

func (f *fakeMemory) Upsert(_ context.Context, rec memory.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeMemory) byTurn() map[int64]memory.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[int64]memory.Record, len(f.records))
	for _, r := range f.records {
		out[r.TurnID] = r
	}
	return out
}

type fakeEmbedder struct {
	calls atomic.Int32
	err   error
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return []float32{float32(len(text)), 1}, nil
}

func TestPersistWritesUserTurnFirst(t *testing.T) {
	turns := &fakeTurns{}
	mem := &fakeMemory{}
	emb := &fakeEmbedder{}
	p := NewPersister(turns, mem, emb, 3, time.Millisecond)

	durableCalls := 0
	job := &Job{UserID: 1, ChatID: 2, UserText: "Hello", AssistantText: "Hi sir", UserVector: []float32{9, 9}}
	if err := p.Persist(context.Background(), job, func() { durableCalls++ }); err != nil {
		t.Fatalf("persist: %v", err)
	}
	got := turns.snapshot()
	if len(got) != 2 || got[0].Role != models.RoleUser || got[1].Role != models.RoleAssistant {
		t.Fatalf("unexpected turns %+v", got)
	}
	if got[0].ID >= got[1].ID {
		t.Fatalf("user turn must be ordered before assistant turn")
	}
	if durableCalls != 1 {
		t.Fatalf("durable should be signalled once, got %d", durableCalls)
	}
	recs := mem.byTurn()
	if len(recs) != 2 {
		t.Fatalf("expected 2 memory records, got %d", len(recs))
	}
	if v := recs[got[0].ID].Vector; len(v) != 2 || v[0] != 9 {
		t.Fatalf("user vector should be reused, got %v", v)
	}
	if recs[got[1].ID].Text != "Hi sir" || recs[got[1].ID].ChatID != 2 {
		t.Fatalf("assistant record mismatch %+v", recs[got[1].ID])
	}
	if emb.calls.Load() != 1 {
		t.Fatalf("expected only the assistant text to be embedded, got %d calls", emb.calls.Load())
	}
}

func TestPersistUserTurnFailureSkipsAssistant(t *testing.T) {
	turns := &fakeTurns{failUser: 100}
	mem := &fakeMemory{}
	p := NewPersister(turns, mem, &fakeEmbedder{}, 3, time.Millisecond)

	released := false
	err := p.Persist(context.Background(), &Job{UserID: 1, ChatID: 1, UserText: "q", AssistantText: "a"}, func() { released = true })
	if !errors.Is(err, ErrPersistenceFailed) {
		t.Fatalf("expected ErrPersistenceFailed, got %v", err)
	}
	if !released {
		t.Fatalf("barrier must be released on failure")
	}
	if n := len(turns.snapshot()); n != 0 {
		t.Fatalf("assistant turn must not be written without its user turn, got %d turns", n)
	}
	if turns.failUser != 97 {
		t.Fatalf("expected exactly 3 attempts, remaining failures %d", turns.failUser)
	}
	if len(mem.byTurn()) != 0 {
		t.Fatalf("no memory should be stored")
	}
}

func TestPersistRetriesTransientFailures(t *testing.T) {
	turns := &fakeTurns{failUser: 2}
	p := NewPersister(turns, &fakeMemory{}, &fakeEmbedder{}, 3, time.Millisecond)

	if err := p.Persist(context.Background(), &Job{UserID: 1, ChatID: 1, UserText: "q", AssistantText: "a"}, func() {}); err != nil {
		t.Fatalf("expected retry to recover: %v", err)
	}
	if n := len(turns.snapshot()); n != 2 {
		t.Fatalf("expected 2 turns, got %d", n)
	}
}

func TestPersistMemoryFailureKeepsTurns(t *testing.T) {
	turns := &fakeTurns{}
	emb := &fakeEmbedder{err: errors.New("model offline")}
	p := NewPersister(turns, &fakeMemory{}, emb, 2, time.Millisecond)

	err := p.Persist(context.Background(), &Job{UserID: 1, ChatID: 1, UserText: "q", AssistantText: "a"}, func() {})
	if !errors.Is(err, ErrPersistenceFailed) {
		t.Fatalf("expected ErrPersistenceFailed, got %v", err)
	}
	if n := len(turns.snapshot()); n != 2 {
		t.Fatalf("turns should stay durable when embedding fails, got %d", n)
	}
}

func TestDispatcherKeepsPerChatOrder(t *testing.T) {
	turns := &fakeTurns{}
	mem := &fakeMemory{}
	d := NewDispatcher(NewPersister(turns, mem, &fakeEmbedder{}, 3, time.Millisecond), Options{MinWorkers: 2, MaxWorkers: 4, QueueSize: 64})

	for i := 0; i < 5; i++ {
		for chat := int64(1); chat <= 3; chat++ {
			job := Job{UserID: 7, ChatID: chat, UserText: fmt.Sprintf("q%d", i), AssistantText: fmt.Sprintf("a%d", i)}
			if err := d.Submit(job); err != nil {
				t.Fatalf("submit: %v", err)
			}
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	if turns.overlap.Load() {
		t.Fatalf("two jobs of the same chat wrote concurrently")
	}
	perChat := map[int64][]string{}
	for _, turn := range turns.snapshot() {
		perChat[turn.ChatID] = append(perChat[turn.ChatID], turn.Content)
	}
	for chat := int64(1); chat <= 3; chat++ {
		got := perChat[chat]
		if len(got) != 10 {
			t.Fatalf("chat %d: expected 10 turns, got %d", chat, len(got))
		}
		for i := 0; i < 5; i++ {
			if got[2*i] != fmt.Sprintf("q%d", i) || got[2*i+1] != fmt.Sprintf("a%d", i) {
				t.Fatalf("chat %d: out of order at %d: %v", chat, i, got)
			}
		}
	}
	if len(mem.byTurn()) != 30 {
		t.Fatalf("expected 30 memory records, got %d", len(mem.byTurn()))
	}
}

func TestDispatcherWaitBlocksUntilDurable(t *testing.T) {
	turns := &fakeTurns{gate: make(chan struct{})}
	d := NewDispatcher(NewPersister(turns, &fakeMemory{}, &fakeEmbedder{}, 1, time.Millisecond), Options{MinWorkers: 1, MaxWorkers: 1})
	defer d.Shutdown(context.Background())

	if err := d.Wait(context.Background(), 5); err != nil {
		t.Fatalf("wait on idle chat: %v", err)
	}
	if err := d.Submit(Job{UserID: 1, ChatID: 5, UserText: "q", AssistantText: "a"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if d.Pending(5) != 1 {
		t.Fatalf("expected one pending job")
	}

	short, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := d.Wait(short, 5); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected wait to time out while turns are pending, got %v", err)
	}
	// other chats are not held back
	if err := d.Wait(context.Background(), 6); err != nil {
		t.Fatalf("wait on other chat: %v", err)
	}

	close(turns.gate)
	ctx, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	if err := d.Wait(ctx, 5); err != nil {
		t.Fatalf("wait after release: %v", err)
	}
	if n := len(turns.snapshot()); n != 2 {
		t.Fatalf("expected both turns durable after wait, got %d", n)
	}
}

func TestDispatcherDropsWhenQueueFull(t *testing.T) {
	turns := &fakeTurns{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	d := NewDispatcher(NewPersister(turns, &fakeMemory{}, &fakeEmbedder{}, 1, time.Millisecond), Options{MinWorkers: 1, MaxWorkers: 1, QueueSize: 1})

	mustSubmit := func(chat int64) {
		t.Helper()
		if err := d.Submit(Job{UserID: 1, ChatID: chat, UserText: "q", AssistantText: "a"}); err != nil {
			t.Fatalf("submit chat %d: %v", chat, err)
		}
	}
	mustSubmit(1)
	select {
	case <-turns.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("first job never started")
	}
	// the dispatcher picks this one up and parks waiting for a free worker
	mustSubmit(2)
	deadline := time.Now().Add(2 * time.Second)
	for len(d.jobQueue) > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("dispatcher never drained the queue")
		}
		time.Sleep(time.Millisecond)
	}
	mustSubmit(3)

	if err := d.Submit(Job{UserID: 1, ChatID: 4, UserText: "q", AssistantText: "a"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if d.Pending(4) != 0 {
		t.Fatalf("dropped job must not hold the barrier")
	}

	close(turns.gate)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	for _, turn := range turns.snapshot() {
		if turn.ChatID == 4 {
			t.Fatalf("dropped job was persisted")
		}
	}
	if n := len(turns.snapshot()); n != 6 {
		t.Fatalf("expected 6 turns from 3 accepted jobs, got %d", n)
	}
}

func TestReservationHoldsBarrierUntilSubmitOrCancel(t *testing.T) {
	turns := &fakeTurns{}
	d := NewDispatcher(NewPersister(turns, &fakeMemory{}, &fakeEmbedder{}, 1, time.Millisecond), Options{MinWorkers: 1, MaxWorkers: 1})
	defer d.Shutdown(context.Background())

	r, err := d.Reserve(7)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	short, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := d.Wait(short, 7); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("reserved chat should hold its barrier, got %v", err)
	}
	if err := r.Submit(Job{UserID: 1, ChatID: 7, UserText: "q", AssistantText: "a"}); err != nil {
		t.Fatalf("submit reserved job: %v", err)
	}
	r.Cancel() // no effect after submit
	ctx, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	if err := d.Wait(ctx, 7); err != nil {
		t.Fatalf("wait after submit: %v", err)
	}
	if n := len(turns.snapshot()); n != 2 {
		t.Fatalf("expected 2 turns, got %d", n)
	}

	r2, err := d.Reserve(8)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	r2.Cancel()
	if d.Pending(8) != 0 {
		t.Fatalf("cancelled reservation must release the barrier")
	}
	if err := r2.Submit(Job{UserID: 1, ChatID: 8, UserText: "q", AssistantText: "a"}); err == nil {
		t.Fatalf("submit after cancel should fail")
	}

	r3, _ := d.Reserve(9)
	if err := r3.Submit(Job{UserID: 1, ChatID: 10, UserText: "q", AssistantText: "a"}); err == nil {
		t.Fatalf("job for another chat must be refused")
	}
	if d.Pending(9) != 0 {
		t.Fatalf("refused job must release the barrier")
	}
}

func TestDispatcherRejectsAfterShutdown(t *testing.T) {
	d := NewDispatcher(NewPersister(&fakeTurns{}, &fakeMemory{}, &fakeEmbedder{}, 1, time.Millisecond), Options{MinWorkers: 1, MaxWorkers: 1})
	if err := d.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := d.Submit(Job{UserID: 1, ChatID: 1, UserText: "q", AssistantText: "a"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestSubmitValidatesJob(t *testing.T) {
	d := NewDispatcher(NewPersister(&fakeTurns{}, &fakeMemory{}, &fakeEmbedder{}, 1, time.Millisecond), Options{MinWorkers: 1, MaxWorkers: 1})
	defer d.Shutdown(context.Background())
	if err := d.Submit(Job{UserID: 1, ChatID: 1, UserText: "  "}); err == nil {
		t.Fatalf("expected empty user text to be rejected")
	}
	if err := d.Submit(Job{ChatID: 1, UserText: "q"}); err == nil {
		t.Fatalf("expected missing user id to be rejected")
	}
}

func TestPoolGrowsAndRetiresIdleWorkers(t *testing.T) {
	var handled atomic.Int32
	block := make(chan struct{})
	pool := newJobChannelPool(1, 3, 20*time.Millisecond, func(*Job) {
		handled.Add(1)
		<-block
	})
	defer pool.close()
	pool.warm(1)

	for i := 0; i < 3; i++ {
		pool.acquire() <- &Job{}
	}
	if running, _ := pool.size(); running != 3 {
		t.Fatalf("expected pool to grow to 3, got %d", running)
	}
	close(block)

	deadline := time.Now().Add(2 * time.Second)
	for {
		running, _ := pool.size()
		if running == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("idle workers were not retired, running=%d", running)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if handled.Load() != 3 {
		t.Fatalf("expected 3 handled jobs, got %d", handled.Load())
	}
}
