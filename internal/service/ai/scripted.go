package ai

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/zhouzirui/dealroom/backend/internal/model/chat"
)

var errStreamClosed = errors.New("stream closed")

// ScriptedProvider replays a fixed sequence of chunks. It backs tests and
// lets the service run without provider credentials.
type ScriptedProvider struct {
	Chunks []string
	// StartErr fails the call before any chunk is produced.
	StartErr error
	// Err is returned after all Chunks have been read.
	Err error
	// Delay is slept before each chunk.
	Delay time.Duration

	mu     sync.Mutex
	inputs [][]chat.Message
}

func NewScriptedProvider(chunks ...string) *ScriptedProvider {
	return &ScriptedProvider{Chunks: chunks}
}

func (p *ScriptedProvider) Stream(ctx context.Context, _ string, input []chat.Message) (Stream, error) {
	p.mu.Lock()
	p.inputs = append(p.inputs, append([]chat.Message(nil), input...))
	p.mu.Unlock()

	if p.StartErr != nil {
		return nil, p.StartErr
	}
	return &sliceStream{
		ctx:    ctx,
		chunks: append([]string(nil), p.Chunks...),
		err:    p.Err,
		delay:  p.Delay,
	}, nil
}

// Inputs returns the model input of every call so far.
func (p *ScriptedProvider) Inputs() [][]chat.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]chat.Message(nil), p.inputs...)
}

// EchoProvider answers with the last user message, one word per chunk.
type EchoProvider struct {
	Delay time.Duration
}

func (p EchoProvider) Stream(ctx context.Context, _ string, input []chat.Message) (Stream, error) {
	var prompt string
	for i := len(input) - 1; i >= 0; i-- {
		if input[i].Role == chat.RoleUser {
			prompt = input[i].Content
			break
		}
	}

	words := strings.Fields(prompt)
	chunks := make([]string, 0, len(words)+1)
	chunks = append(chunks, "You said:")
	for _, w := range words {
		chunks = append(chunks, " "+w)
	}
	return &sliceStream{ctx: ctx, chunks: chunks, delay: p.Delay}, nil
}

type sliceStream struct {
	ctx    context.Context
	chunks []string
	pos    int
	err    error
	delay  time.Duration
	closed bool
}

func (s *sliceStream) Recv() (Chunk, error) {
	if s.closed {
		return Chunk{}, errStreamClosed
	}
	if err := s.ctx.Err(); err != nil {
		return Chunk{}, err
	}
	if s.pos >= len(s.chunks) {
		if s.err != nil {
			return Chunk{}, s.err
		}
		return Chunk{}, io.EOF
	}

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-s.ctx.Done():
			return Chunk{}, s.ctx.Err()
		}
	}
	c := s.chunks[s.pos]
	s.pos++
	return Chunk{Content: c}, nil
}

func (s *sliceStream) Close() { s.closed = true }
