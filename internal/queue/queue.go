// Package queue runs conversation generations in the background.
//
// API handlers enqueue a Job per submitted prompt and return immediately; a
// pool of workers hands each job to the registered Handler. A failing job is
// retried until it has been attempted MaxAttempts times.
package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrQueueClosed = errors.New("queue closed")

const (
	DefaultWorkers     = 4
	DefaultMaxAttempts = 1
)

// Job asks for one assistant reply in a conversation. MessageID is the stored
// user message being answered; zero means Prompt was never persisted and is
// answered on top of the whole transcript.
type Job struct {
	ID             string    `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	MessageID      int64     `json:"message_id,omitempty"`
	Prompt         string    `json:"prompt"`
	Attempt        int       `json:"attempt"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
}

// NewJob stamps a fresh job answering user message messageID.
func NewJob(conversationID, messageID int64, prompt string) Job {
	return Job{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		MessageID:      messageID,
		Prompt:         prompt,
		EnqueuedAt:     time.Now().UTC(),
	}
}

type Handler func(ctx context.Context, job Job) error

type TaskQueue interface {
	Enqueue(ctx context.Context, job Job) error
}

// Runner consumes jobs until ctx is cancelled. Jobs already picked up by a
// worker run to completion.
type Runner interface {
	Run(ctx context.Context, handler Handler) error
}

type Options struct {
	Workers     int
	MaxAttempts int
	Logger      *zap.Logger
}

func (o Options) normalize() Options {
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// invoke runs handler for one attempt of job. Panics become errors so a
// single broken job cannot take the worker down.
func invoke(ctx context.Context, handler Handler, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v\n%s", job.ID, r, debug.Stack())
		}
	}()
	return handler(context.WithoutCancel(ctx), job)
}

func jobFields(job Job) []zap.Field {
	return []zap.Field{
		zap.String("job_id", job.ID),
		zap.Int64("conversation_id", job.ConversationID),
		zap.Int64("message_id", job.MessageID),
		zap.Int("attempt", job.Attempt),
	}
}
