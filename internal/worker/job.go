package worker

import (
	"errors"
	"strings"
)

var (
	// ErrPersistenceFailed wraps every failure of a background job. It is
	// logged and counted, never sent to a client.
	ErrPersistenceFailed = errors.New("persistence failed")
	ErrQueueFull         = errors.New("persistence queue full")
	ErrClosed            = errors.New("dispatcher closed")
)

// Job is one completed exchange waiting to be made durable.
type Job struct {
	UserID        int64
	ChatID        int64
	UserText      string
	AssistantText string
	// UserVector is the embedding computed while assembling context. It is
	// reused instead of embedding the user text a second time.
	UserVector []float32
}

func (j Job) validate() error {
	if j.UserID <= 0 || j.ChatID <= 0 {
		return errors.New("job requires user and chat ids")
	}
	if strings.TrimSpace(j.UserText) == "" {
		return errors.New("job requires user text")
	}
	return nil
}
