package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"memorychat/internal/memory"
	"memorychat/internal/models"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
)

// TurnWriter appends turns to the chat log.
type TurnWriter interface {
	CreateTurn(ctx context.Context, turn models.Turn) (*models.Turn, error)
}

// MemoryWriter stores embedded turns for later recall.
type MemoryWriter interface {
	Upsert(ctx context.Context, rec memory.Record) error
}

// Embedder computes text embeddings.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Persister writes one exchange: both turns in order, then both memory
// records concurrently.
type Persister struct {
	turns    TurnWriter
	memories MemoryWriter
	embedder Embedder
	retries  int
	backoff  time.Duration
}

func NewPersister(turns TurnWriter, memories MemoryWriter, embedder Embedder, retries int, initialBackoff time.Duration) *Persister {
	if retries <= 0 {
		retries = 3
	}
	if initialBackoff <= 0 {
		initialBackoff = 200 * time.Millisecond
	}
	return &Persister{
		turns:    turns,
		memories: memories,
		embedder: embedder,
		retries:  retries,
		backoff:  initialBackoff,
	}
}

// Persist runs job. durable is called exactly when no further turn write for
// the job will happen, before any embedding work starts.
func (p *Persister) Persist(ctx context.Context, job *Job, durable func()) error {
	userTurn, err := p.writeTurn(ctx, job, models.RoleUser, job.UserText)
	if err != nil {
		durable()
		// the assistant turn must never precede its user turn
		return fmt.Errorf("%w: user turn: %v", ErrPersistenceFailed, err)
	}
	assistantTurn, assistantErr := p.writeTurn(ctx, job, models.RoleAssistant, job.AssistantText)
	durable()

	var g errgroup.Group
	g.Go(func() error {
		return p.remember(ctx, userTurn, job.UserVector)
	})
	if assistantErr == nil {
		g.Go(func() error {
			return p.remember(ctx, assistantTurn, nil)
		})
	}
	memErr := g.Wait()

	if assistantErr != nil {
		return fmt.Errorf("%w: assistant turn: %v", ErrPersistenceFailed, assistantErr)
	}
	if memErr != nil {
		return fmt.Errorf("%w: memory: %v", ErrPersistenceFailed, memErr)
	}
	return nil
}

func (p *Persister) writeTurn(ctx context.Context, job *Job, role models.Role, content string) (*models.Turn, error) {
	var stored *models.Turn
	err := p.retry(ctx, func() error {
		t, err := p.turns.CreateTurn(ctx, models.Turn{
			UserID:  job.UserID,
			ChatID:  job.ChatID,
			Role:    role,
			Content: content,
		})
		if err != nil {
			return err
		}
		stored = t
		return nil
	})
	return stored, err
}

func (p *Persister) remember(ctx context.Context, turn *models.Turn, vector []float32) error {
	if len(vector) == 0 {
		err := p.retry(ctx, func() error {
			v, err := p.embedder.Embed(ctx, turn.Content)
			if err != nil {
				return err
			}
			vector = v
			return nil
		})
		if err != nil {
			return fmt.Errorf("embed turn %d: %w", turn.ID, err)
		}
	}
	rec := memory.Record{
		TurnID: turn.ID,
		ChatID: turn.ChatID,
		UserID: turn.UserID,
		Role:   turn.Role,
		Text:   turn.Content,
		Vector: vector,
	}
	return p.retry(ctx, func() error {
		err := p.memories.Upsert(ctx, rec)
		if errors.Is(err, memory.ErrEmptyVector) {
			return backoff.Permanent(err)
		}
		return err
	})
}

func (p *Persister) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.backoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.retries-1)), ctx)
	return backoff.Retry(op, policy)
}
