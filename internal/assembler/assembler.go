package assembler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"memorychat/internal/memory"
	"memorychat/internal/models"
	"memorychat/internal/observability"
	"memorychat/internal/service/ai"

	"github.com/cloudwego/eino/schema"
	log "github.com/sirupsen/logrus"
)

// ErrDegradedContext marks an assembly that fell back to short-term memory
// only. It is logged, never returned to the caller.
var ErrDegradedContext = errors.New("degraded context")

const priorContextHeader = "These are some previous messages from our conversations. Use them only if they help you answer:\n"

type TurnReader interface {
	ListRecentTurns(ctx context.Context, chatID int64, limit int) ([]*models.Turn, error)
}

type MemoryReader interface {
	Query(ctx context.Context, userID int64, vector []float32, k int) ([]memory.Match, error)
}

// Barrier reports when earlier writes for a chat are visible.
type Barrier interface {
	Wait(ctx context.Context, chatID int64) error
}

type Config struct {
	Window       int
	TopK         int
	SystemPrompt string
	// BarrierTimeout bounds how long assembly waits for earlier turns of
	// the chat to become durable.
	BarrierTimeout time.Duration
}

// Request describes one inbound message.
type Request struct {
	UserID int64
	ChatID int64
	Text   string
	// Vector, when set, is used instead of embedding Text.
	Vector []float32
}

// Bundle is the assembled prompt context for one generation.
type Bundle struct {
	UserID       int64
	ChatID       int64
	SystemPrompt string
	ShortTerm    []*models.Turn
	LongTerm     []memory.Match
	Text         string
	// Vector is the embedding of Text, nil when embedding failed.
	Vector   []float32
	Degraded bool
}

type Assembler struct {
	turns    TurnReader
	memories MemoryReader
	embedder ai.Embedder
	barrier  Barrier
	cfg      Config
	metrics  *observability.Metrics
}

// New builds an assembler. barrier and metrics may be nil.
func New(turns TurnReader, memories MemoryReader, embedder ai.Embedder, barrier Barrier, cfg Config, metrics *observability.Metrics) *Assembler {
	if cfg.Window <= 0 {
		cfg.Window = 20
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 3
	}
	if cfg.BarrierTimeout <= 0 {
		cfg.BarrierTimeout = 5 * time.Second
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = ai.DefaultSystemPrompt
	}
	return &Assembler{
		turns:    turns,
		memories: memories,
		embedder: embedder,
		barrier:  barrier,
		cfg:      cfg,
		metrics:  metrics,
	}
}

// Assemble gathers the short-term window and the long-term matches for req.
// Only a failure to read the short-term window is returned as an error;
// problems with long-term memory produce a degraded bundle instead.
func (a *Assembler) Assemble(ctx context.Context, req Request) (*Bundle, error) {
	logger := log.WithFields(log.Fields{"chat_id": req.ChatID, "user_id": req.UserID})
	a.waitForEarlierTurns(ctx, req.ChatID, logger)

	window, err := a.turns.ListRecentTurns(ctx, req.ChatID, a.cfg.Window)
	if err != nil {
		return nil, fmt.Errorf("read short-term memory: %w", err)
	}

	b := &Bundle{
		UserID:       req.UserID,
		ChatID:       req.ChatID,
		SystemPrompt: a.cfg.SystemPrompt,
		ShortTerm:    window,
		LongTerm:     []memory.Match{},
		Text:         req.Text,
		Vector:       req.Vector,
	}

	if len(b.Vector) == 0 {
		vec, err := a.embedder.Embed(ctx, req.Text)
		if err != nil {
			a.degrade(b, "embed", err, logger)
			return b, nil
		}
		b.Vector = vec
	}

	matches, err := a.memories.Query(ctx, req.UserID, b.Vector, a.cfg.TopK)
	if err != nil {
		a.degrade(b, "query", err, logger)
		return b, nil
	}
	b.LongTerm = matches
	return b, nil
}

func (a *Assembler) waitForEarlierTurns(ctx context.Context, chatID int64, logger *log.Entry) {
	if a.barrier == nil {
		return
	}
	waitCtx, cancel := context.WithTimeout(ctx, a.cfg.BarrierTimeout)
	defer cancel()
	if err := a.barrier.Wait(waitCtx, chatID); err != nil {
		logger.WithError(err).Warn("earlier turns not yet durable, assembling without them")
	}
}

func (a *Assembler) degrade(b *Bundle, reason string, err error, logger *log.Entry) {
	b.Degraded = true
	a.metrics.Degraded(reason)
	logger.WithError(fmt.Errorf("%w: %s: %v", ErrDegradedContext, reason, err)).Warn("continuing with short-term memory only")
}

// Messages renders the bundle in completion order: system prompt, prior
// context (if any), the short-term window, then the new message.
func (b *Bundle) Messages() []*schema.Message {
	msgs := make([]*schema.Message, 0, len(b.ShortTerm)+3)
	if b.SystemPrompt != "" {
		msgs = append(msgs, schema.SystemMessage(b.SystemPrompt))
	}
	if len(b.LongTerm) > 0 {
		snippets := make([]string, 0, len(b.LongTerm))
		for _, m := range b.LongTerm {
			snippets = append(snippets, m.Text)
		}
		msgs = append(msgs, schema.UserMessage(priorContextHeader+strings.Join(snippets, "\n")))
	}
	for _, t := range b.ShortTerm {
		msgs = append(msgs, &schema.Message{Role: ai.SchemaRole(t.Role), Content: t.Content})
	}
	msgs = append(msgs, schema.UserMessage(b.Text))
	return msgs
}
