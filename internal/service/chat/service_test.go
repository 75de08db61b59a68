package chat_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/zhouzirui/dealroom/backend/internal/model/catalog"
	modelchat "github.com/zhouzirui/dealroom/backend/internal/model/chat"
	"github.com/zhouzirui/dealroom/backend/internal/queue"
	chat "github.com/zhouzirui/dealroom/backend/internal/service/chat"
	"github.com/zhouzirui/dealroom/backend/internal/store"
)

type recordingQueue struct {
	mu   sync.Mutex
	jobs []queue.Job
	err  error
}

func (q *recordingQueue) Enqueue(_ context.Context, job queue.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func newService(t *testing.T) (*chat.Service, *store.MemoryStore, *recordingQueue) {
	t.Helper()
	st := store.NewMemoryStore()
	models := catalog.NewMemoryStore([]catalog.Model{
		{ID: "gpt-4o", Name: "GPT-4o", Instructions: "You are a VC analyst."},
		{ID: "plain", Name: "Plain"},
	})
	q := &recordingQueue{}
	return chat.NewService(st, models, q, chat.Options{}), st, q
}

func TestServiceStartConversation(t *testing.T) {
	svc, _, q := newService(t)
	ctx := context.Background()

	conv, err := svc.StartConversation(ctx, "gpt-4o", "  Who leads the Series A?  ")
	if err != nil {
		t.Fatalf("StartConversation err: %v", err)
	}

	if conv.ModelID != "gpt-4o" {
		t.Fatalf("unexpected model: %s", conv.ModelID)
	}
	if len(conv.Messages) != 2 {
		t.Fatalf("expected system + user message, got %d", len(conv.Messages))
	}
	if conv.Messages[0].Role != modelchat.RoleSystem {
		t.Fatalf("first message should be instructions, got %s", conv.Messages[0].Role)
	}
	if conv.Messages[1].Content != "Who leads the Series A?" {
		t.Fatalf("unexpected prompt: %q", conv.Messages[1].Content)
	}

	if len(q.jobs) != 1 {
		t.Fatalf("expected one job, got %d", len(q.jobs))
	}
	if q.jobs[0].ConversationID != conv.ID || q.jobs[0].Prompt != "Who leads the Series A?" {
		t.Fatalf("unexpected job: %+v", q.jobs[0])
	}
	if q.jobs[0].MessageID != conv.Messages[1].ID {
		t.Fatalf("job should answer message %d, got %d", conv.Messages[1].ID, q.jobs[0].MessageID)
	}
}

func TestServiceStartConversationDefaultsModel(t *testing.T) {
	svc, _, _ := newService(t)

	conv, err := svc.StartConversation(context.Background(), "", "hi")
	if err != nil {
		t.Fatalf("StartConversation err: %v", err)
	}
	if conv.ModelID != "gpt-4o" {
		t.Fatalf("expected first catalog model, got %s", conv.ModelID)
	}
}

func TestServiceStartConversationWithoutInstructions(t *testing.T) {
	svc, _, _ := newService(t)

	conv, err := svc.StartConversation(context.Background(), "plain", "hi")
	if err != nil {
		t.Fatalf("StartConversation err: %v", err)
	}
	if len(conv.Messages) != 1 || conv.Messages[0].Role != modelchat.RoleUser {
		t.Fatalf("expected only the user message, got %+v", conv.Messages)
	}
}

func TestServiceStartConversationValidation(t *testing.T) {
	svc, st, q := newService(t)
	ctx := context.Background()

	if _, err := svc.StartConversation(ctx, "gpt-4o", "   "); !errors.Is(err, chat.ErrEmptyPrompt) {
		t.Fatalf("expected ErrEmptyPrompt, got %v", err)
	}
	if _, err := svc.StartConversation(ctx, "llama-9000", "hi"); !errors.Is(err, chat.ErrUnknownModel) {
		t.Fatalf("expected ErrUnknownModel, got %v", err)
	}

	list, _ := st.ListConversations(ctx)
	if len(list) != 0 {
		t.Fatalf("rejected requests must not create conversations, got %d", len(list))
	}
	if len(q.jobs) != 0 {
		t.Fatalf("rejected requests must not enqueue, got %d", len(q.jobs))
	}
}

func TestServiceSubmitPrompt(t *testing.T) {
	svc, st, q := newService(t)
	ctx := context.Background()

	conv, err := svc.StartConversation(ctx, "plain", "first")
	if err != nil {
		t.Fatalf("StartConversation err: %v", err)
	}

	msg, err := svc.SubmitPrompt(ctx, conv.ID, "second")
	if err != nil {
		t.Fatalf("SubmitPrompt err: %v", err)
	}
	if msg.Role != modelchat.RoleUser || msg.Content != "second" {
		t.Fatalf("unexpected message: %+v", msg)
	}

	msgs, _ := st.ListMessages(ctx, conv.ID)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if len(q.jobs) != 2 || q.jobs[1].Prompt != "second" {
		t.Fatalf("unexpected jobs: %+v", q.jobs)
	}
	if q.jobs[1].MessageID != msg.ID {
		t.Fatalf("job should answer message %d, got %d", msg.ID, q.jobs[1].MessageID)
	}
}

func TestServiceSubmitPromptErrors(t *testing.T) {
	svc, _, q := newService(t)
	ctx := context.Background()

	if _, err := svc.SubmitPrompt(ctx, 404, "hi"); !errors.Is(err, store.ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}

	conv, _ := svc.StartConversation(ctx, "plain", "first")
	if _, err := svc.SubmitPrompt(ctx, conv.ID, ""); !errors.Is(err, chat.ErrEmptyPrompt) {
		t.Fatalf("expected ErrEmptyPrompt, got %v", err)
	}

	q.err = queue.ErrQueueClosed
	if _, err := svc.SubmitPrompt(ctx, conv.ID, "third"); !errors.Is(err, queue.ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
}

func TestServiceEnqueueFailureRollsBack(t *testing.T) {
	svc, st, q := newService(t)
	ctx := context.Background()

	conv, err := svc.StartConversation(ctx, "gpt-4o", "first")
	if err != nil {
		t.Fatalf("StartConversation err: %v", err)
	}

	q.err = queue.ErrQueueClosed
	if _, err := svc.SubmitPrompt(ctx, conv.ID, "lost"); !errors.Is(err, queue.ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
	msgs, _ := st.ListMessages(ctx, conv.ID)
	if len(msgs) != 2 {
		t.Fatalf("unqueued prompt should be removed, got %d messages", len(msgs))
	}
	for _, m := range msgs {
		if m.Content == "lost" {
			t.Fatalf("unqueued prompt still stored: %+v", m)
		}
	}

	if _, err := svc.StartConversation(ctx, "gpt-4o", "never answered"); !errors.Is(err, queue.ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
	list, _ := st.ListConversations(ctx)
	if len(list) != 1 || list[0].ID != conv.ID {
		t.Fatalf("unqueued conversation should be removed, got %+v", list)
	}
}

func TestServiceListConversationsAddsModelName(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	if _, err := svc.StartConversation(ctx, "gpt-4o", "hi"); err != nil {
		t.Fatalf("StartConversation err: %v", err)
	}

	list, err := svc.ListConversations(ctx)
	if err != nil {
		t.Fatalf("ListConversations err: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 conversation, got %d", len(list))
	}
	if list[0].ModelName != "GPT-4o" || list[0].MessagesCount != 2 {
		t.Fatalf("unexpected summary: %+v", list[0])
	}
}

func TestServiceDeleteConversation(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	conv, _ := svc.StartConversation(ctx, "plain", "hi")
	if err := svc.DeleteConversation(ctx, conv.ID); err != nil {
		t.Fatalf("DeleteConversation err: %v", err)
	}
	if _, err := svc.GetConversation(ctx, conv.ID); !errors.Is(err, store.ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}
	if err := svc.DeleteConversation(ctx, conv.ID); !errors.Is(err, store.ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound on second delete, got %v", err)
	}
}

func TestServiceModels(t *testing.T) {
	svc, _, _ := newService(t)
	if got := len(svc.Models()); got != 2 {
		t.Fatalf("expected 2 models, got %d", got)
	}
}
