package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	EventMessage       = "message"
	EventResponseStart = "response-start"
	EventResponseChunk = "response-chunk"
	EventResponseEnd   = "response-end"
	EventResponseError = "response-error"
)

// Error codes carried by response-error.
const (
	CodeBusy             = "busy"
	CodeInvalidMessage   = "invalid message"
	CodeChatNotFound     = "chat not found"
	CodeRateLimited      = "rate limited"
	CodeContext          = "context unavailable"
	CodeGenerationFailed = "generation failed"
)

var (
	ErrUnsupportedEvent = errors.New("unsupported event")
	ErrInvalidPayload   = errors.New("invalid payload")
)

// ChatRef is a chat id on the wire. Clients may send it as a number or a
// numeric string; it is always written back as a number.
type ChatRef int64

func (c *ChatRef) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		b = []byte(strings.TrimSpace(s))
	}
	id, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("chat id: %w", err)
	}
	*c = ChatRef(id)
	return nil
}

// Envelope is the frame shape in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Frame is an outbound event before encoding.
type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type ClientMessage struct {
	Chat    ChatRef `json:"chat"`
	Content string  `json:"content"`
}

type ResponseStart struct {
	Chat ChatRef `json:"chat"`
}

type ResponseChunk struct {
	Chat    ChatRef `json:"chat"`
	Content string  `json:"content"`
}

type ResponseEnd struct {
	Chat    ChatRef `json:"chat"`
	Content string  `json:"content"`
}

type ResponseError struct {
	Chat  ChatRef `json:"chat"`
	Error string  `json:"error"`
}

// ParseClient decodes an inbound frame. Only "message" events are accepted.
func ParseClient(raw []byte) (ClientMessage, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return ClientMessage{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if env.Event != EventMessage {
		return ClientMessage{}, fmt.Errorf("%w: %q", ErrUnsupportedEvent, env.Event)
	}
	var msg ClientMessage
	if err := json.Unmarshal(env.Data, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return msg, nil
}

func Start(chat ChatRef) Frame {
	return Frame{Event: EventResponseStart, Data: ResponseStart{Chat: chat}}
}

func Chunk(chat ChatRef, content string) Frame {
	return Frame{Event: EventResponseChunk, Data: ResponseChunk{Chat: chat, Content: content}}
}

func End(chat ChatRef, content string) Frame {
	return Frame{Event: EventResponseEnd, Data: ResponseEnd{Chat: chat, Content: content}}
}

func Error(chat ChatRef, code string) Frame {
	return Frame{Event: EventResponseError, Data: ResponseError{Chat: chat, Error: code}}
}
