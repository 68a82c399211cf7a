package assembler

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"memorychat/internal/memory"
	"memorychat/internal/models"

	"github.com/cloudwego/eino/schema"
)

type fakeTurns struct {
	turns     []*models.Turn
	err       error
	lastLimit int
}

func (f *fakeTurns) ListRecentTurns(_ context.Context, _ int64, limit int) ([]*models.Turn, error) {
	f.lastLimit = limit
	if f.err != nil {
		return nil, f.err
	}
	if len(f.turns) > limit {
		return f.turns[len(f.turns)-limit:], nil
	}
	return f.turns, nil
}

type fakeMemories struct {
	matches []memory.Match
	err     error
	gotK    int
	gotUser int64
}

func (f *fakeMemories) Query(_ context.Context, userID int64, _ []float32, k int) ([]memory.Match, error) {
	f.gotK = k
	f.gotUser = userID
	if f.err != nil {
		return nil, f.err
	}
	return f.matches, nil
}

type fakeEmbedder struct {
	err   error
	calls atomic.Int32
}

func (f *fakeEmbedder) Embed(context.Context, string) ([]float32, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return []float32{1, 0}, nil
}

type fakeBarrier struct {
	block bool
	calls atomic.Int32
}

func (f *fakeBarrier) Wait(ctx context.Context, _ int64) error {
	f.calls.Add(1)
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func TestAssembleFreshChat(t *testing.T) {
	a := New(&fakeTurns{}, &fakeMemories{}, &fakeEmbedder{}, nil, Config{SystemPrompt: "be nice"}, nil)
	b, err := a.Assemble(context.Background(), Request{UserID: 1, ChatID: 1, Text: "Hello"})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if len(b.ShortTerm) != 0 || len(b.LongTerm) != 0 {
		t.Fatalf("expected empty contexts, got %d/%d", len(b.ShortTerm), len(b.LongTerm))
	}
	if b.Degraded {
		t.Fatalf("empty store must not be reported as degraded")
	}
	msgs := b.Messages()
	if len(msgs) != 2 || msgs[0].Role != schema.System || msgs[1].Content != "Hello" {
		t.Fatalf("unexpected messages %+v", msgs)
	}
}

func TestAssembleOrdersContext(t *testing.T) {
	turns := &fakeTurns{turns: []*models.Turn{
		{ID: 1, Role: models.RoleUser, Content: "What is 2+2?"},
		{ID: 2, Role: models.RoleAssistant, Content: "4"},
	}}
	mems := &fakeMemories{matches: []memory.Match{
		{Record: memory.Record{TurnID: 10, Text: "I like tea"}, Score: 0.9},
		{Record: memory.Record{TurnID: 11, Text: "My name is Ada"}, Score: 0.8},
	}}
	a := New(turns, mems, &fakeEmbedder{}, nil, Config{Window: 20, TopK: 3, SystemPrompt: "sys"}, nil)

	b, err := a.Assemble(context.Background(), Request{UserID: 4, ChatID: 1, Text: "And 3+3?"})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if turns.lastLimit != 20 || mems.gotK != 3 || mems.gotUser != 4 {
		t.Fatalf("limits not applied: window=%d k=%d user=%d", turns.lastLimit, mems.gotK, mems.gotUser)
	}
	msgs := b.Messages()
	if len(msgs) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(msgs))
	}
	if msgs[0].Role != schema.System {
		t.Fatalf("system prompt must come first")
	}
	if msgs[1].Role != schema.User || !strings.Contains(msgs[1].Content, "I like tea\nMy name is Ada") {
		t.Fatalf("prior context turn malformed: %q", msgs[1].Content)
	}
	if msgs[2].Content != "What is 2+2?" || msgs[3].Role != schema.Assistant || msgs[3].Content != "4" {
		t.Fatalf("short-term window out of order: %+v %+v", msgs[2], msgs[3])
	}
	if msgs[4].Content != "And 3+3?" || msgs[4].Role != schema.User {
		t.Fatalf("new message must be last")
	}
}

func TestAssembleDegradesOnEmbedFailure(t *testing.T) {
	turns := &fakeTurns{turns: []*models.Turn{{ID: 1, Role: models.RoleUser, Content: "hi"}}}
	mems := &fakeMemories{}
	a := New(turns, mems, &fakeEmbedder{err: errors.New("model missing")}, nil, Config{}, nil)

	b, err := a.Assemble(context.Background(), Request{UserID: 1, ChatID: 1, Text: "again"})
	if err != nil {
		t.Fatalf("embed failure must not abort assembly: %v", err)
	}
	if !b.Degraded || len(b.ShortTerm) != 1 || len(b.LongTerm) != 0 || b.Vector != nil {
		t.Fatalf("expected degraded short-term only bundle, got %+v", b)
	}
	if mems.gotK != 0 {
		t.Fatalf("store should not be queried without a vector")
	}
}

func TestAssembleDegradesOnStoreFailure(t *testing.T) {
	a := New(&fakeTurns{}, &fakeMemories{err: errors.New("index corrupt")}, &fakeEmbedder{}, nil, Config{}, nil)
	b, err := a.Assemble(context.Background(), Request{UserID: 1, ChatID: 1, Text: "x"})
	if err != nil {
		t.Fatalf("store failure must not abort assembly: %v", err)
	}
	if !b.Degraded {
		t.Fatalf("expected degraded bundle")
	}
	if len(b.Vector) == 0 {
		t.Fatalf("vector should still be kept for persistence")
	}
}

func TestAssembleFailsWhenWindowUnreadable(t *testing.T) {
	a := New(&fakeTurns{err: errors.New("db down")}, &fakeMemories{}, &fakeEmbedder{}, nil, Config{}, nil)
	if _, err := a.Assemble(context.Background(), Request{UserID: 1, ChatID: 1, Text: "x"}); err == nil {
		t.Fatalf("expected error when short-term memory cannot be read")
	}
}

func TestAssembleReusesSuppliedVector(t *testing.T) {
	emb := &fakeEmbedder{}
	a := New(&fakeTurns{}, &fakeMemories{}, emb, nil, Config{}, nil)
	b, err := a.Assemble(context.Background(), Request{UserID: 1, ChatID: 1, Text: "x", Vector: []float32{0, 1}})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if emb.calls.Load() != 0 || b.Vector[1] != 1 {
		t.Fatalf("supplied vector should be used as-is")
	}
}

func TestAssembleWaitsOnBarrierWithTimeout(t *testing.T) {
	barrier := &fakeBarrier{block: true}
	a := New(&fakeTurns{}, &fakeMemories{}, &fakeEmbedder{}, barrier, Config{BarrierTimeout: 20 * time.Millisecond}, nil)

	start := time.Now()
	if _, err := a.Assemble(context.Background(), Request{UserID: 1, ChatID: 1, Text: "x"}); err != nil {
		t.Fatalf("barrier timeout must not fail assembly: %v", err)
	}
	if barrier.calls.Load() != 1 {
		t.Fatalf("expected barrier to be consulted")
	}
	if time.Since(start) > time.Second {
		t.Fatalf("barrier wait was not bounded")
	}
}
