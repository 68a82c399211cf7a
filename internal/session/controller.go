package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"memorychat/internal/assembler"
	"memorychat/internal/observability"
	"memorychat/internal/protocol"
	"memorychat/internal/service/ai"
	"memorychat/internal/service/history"
	"memorychat/internal/worker"

	log "github.com/sirupsen/logrus"
)

var (
	ErrBusy             = errors.New("session busy")
	ErrClosed           = errors.New("session closed")
	ErrInvalidMessage   = errors.New("invalid message")
	ErrRateLimited      = errors.New("rate limited")
	ErrGenerationFailed = errors.New("generation failed")
)

// Emitter delivers frames to the client. It returns an error once the channel
// is gone.
type Emitter interface {
	Emit(frame protocol.Frame) error
}

type ChatGuard interface {
	ChatOwnedBy(ctx context.Context, userID, chatID int64) error
}

type ContextAssembler interface {
	Assemble(ctx context.Context, req assembler.Request) (*assembler.Bundle, error)
}

// Scheduler queues finished exchanges for background persistence.
type Scheduler interface {
	Reserve(chatID int64) (*worker.Reservation, error)
}

// Controller drives one inbound message through assembly, streaming and
// hand-off to background persistence.
type Controller struct {
	chats     ChatGuard
	assembler ContextAssembler
	completer ai.Completer
	persist   Scheduler
	metrics   *observability.Metrics
	timeout   time.Duration
}

func NewController(chats ChatGuard, asm ContextAssembler, completer ai.Completer, persist Scheduler, timeout time.Duration, metrics *observability.Metrics) *Controller {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Controller{
		chats:     chats,
		assembler: asm,
		completer: completer,
		persist:   persist,
		metrics:   metrics,
		timeout:   timeout,
	}
}

// Submit admits msg on the caller's goroutine and runs the generation on a
// new one. Rejections are emitted to out and returned.
func (c *Controller) Submit(s *Session, msg protocol.ClientMessage, out Emitter) error {
	if err := c.admit(s, msg, out); err != nil {
		return err
	}
	go c.run(s, msg, out)
	return nil
}

// Handle is Submit without the extra goroutine; it returns once the message
// reached a terminal state.
func (c *Controller) Handle(s *Session, msg protocol.ClientMessage, out Emitter) error {
	if err := c.admit(s, msg, out); err != nil {
		return err
	}
	return c.run(s, msg, out)
}

func (c *Controller) admit(s *Session, msg protocol.ClientMessage, out Emitter) error {
	if msg.Chat <= 0 || strings.TrimSpace(msg.Content) == "" {
		c.metrics.Generation("invalid")
		c.reject(out, msg.Chat, protocol.CodeInvalidMessage)
		return ErrInvalidMessage
	}
	if err := s.tryAcquire(); err != nil {
		if errors.Is(err, ErrBusy) {
			c.metrics.Generation("busy")
			c.reject(out, msg.Chat, protocol.CodeBusy)
		}
		return err
	}
	if !s.allow() {
		s.release(StateIdle)
		c.metrics.Generation("rate_limited")
		c.reject(out, msg.Chat, protocol.CodeRateLimited)
		return ErrRateLimited
	}
	return nil
}

func (c *Controller) reject(out Emitter, chat protocol.ChatRef, code string) {
	if err := out.Emit(protocol.Error(chat, code)); err != nil {
		log.WithError(err).Debug("could not deliver rejection")
	}
}

func (c *Controller) run(s *Session, msg protocol.ClientMessage, out Emitter) error {
	ctx, cancel := context.WithTimeout(s.Context(), c.timeout)
	defer cancel()

	chat := msg.Chat
	chatID := int64(chat)
	logger := log.WithFields(log.Fields{"session_id": s.ID, "user_id": s.UserID, "chat_id": chatID})
	received := time.Now()

	if err := c.chats.ChatOwnedBy(ctx, s.UserID, chatID); err != nil {
		s.release(StateIdle)
		if errors.Is(err, history.ErrChatNotFound) {
			c.metrics.Generation("invalid")
			c.reject(out, chat, protocol.CodeChatNotFound)
			return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		c.metrics.Generation("failed")
		logger.WithError(err).Error("chat lookup failed")
		c.reject(out, chat, protocol.CodeGenerationFailed)
		return fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}

	s.setState(StateAssembling)
	bundle, err := c.assembler.Assemble(ctx, assembler.Request{UserID: s.UserID, ChatID: chatID, Text: msg.Content})
	if err != nil {
		return c.fail(s, out, chat, protocol.CodeContext, err, logger)
	}

	s.setState(StateGenerating)
	if err := out.Emit(protocol.Start(chat)); err != nil {
		return c.fail(s, out, chat, protocol.CodeGenerationFailed, err, logger)
	}
	first := true
	full, err := ai.StreamText(ctx, c.completer, bundle.Messages(), func(chunk string) error {
		if first {
			first = false
			c.metrics.ObserveFirstChunkLatency(time.Since(received))
		}
		c.metrics.Chunk()
		return out.Emit(protocol.Chunk(chat, chunk))
	})
	if err != nil {
		return c.fail(s, out, chat, protocol.CodeGenerationFailed, err, logger)
	}
	// the barrier goes up before the session is freed so the next message of
	// this chat waits for these turns; the job itself is queued only once the
	// client has the full reply
	ticket, err := c.persist.Reserve(chatID)
	if err != nil {
		logger.WithError(err).Error("could not reserve persistence")
	}
	s.release(StateCompleted)
	if err := out.Emit(protocol.End(chat, full)); err != nil {
		if ticket != nil {
			ticket.Cancel()
		}
		s.markFailed(StateCompleted)
		c.metrics.Generation("failed")
		logger.WithError(err).Warn("could not deliver response-end")
		return fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	c.metrics.Generation("completed")
	if ticket != nil {
		job := worker.Job{
			UserID:        s.UserID,
			ChatID:        chatID,
			UserText:      msg.Content,
			AssistantText: full,
			UserVector:    bundle.Vector,
		}
		if err := ticket.Submit(job); err != nil {
			logger.WithError(err).Error("could not schedule persistence")
		}
	}
	logger.WithField("chars", len(full)).Info("generation completed")
	return nil
}

// fail ends the message without persisting anything. The error frame is
// best effort; the channel may already be gone.
func (c *Controller) fail(s *Session, out Emitter, chat protocol.ChatRef, code string, cause error, logger *log.Entry) error {
	s.release(StateFailed)
	c.reject(out, chat, code)
	c.metrics.Generation("failed")
	logger.WithError(cause).Warn("generation failed")
	return fmt.Errorf("%w: %v", ErrGenerationFailed, cause)
}
